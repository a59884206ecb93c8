// Package config загружает конфигурацию CLI из YAML-файла с переопределением
// через переменные окружения DTX_*.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/x-research-team/dtx-recovery/message"
	"github.com/x-research-team/dtx-recovery/pipeline"
	"github.com/x-research-team/dtx-recovery/recovery"
)

const (
	// DriverMemory — внутрипроцессный брокер.
	DriverMemory = "memory"
	// DriverPostgres — брокер поверх PostgreSQL.
	DriverPostgres = "postgres"
)

// Config — полная конфигурация CLI.
type Config struct {
	Broker   BrokerConfig   `yaml:"broker"`
	Mode     string         `yaml:"mode"`
	Recovery RecoveryConfig `yaml:"recovery"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Log      LogConfig      `yaml:"log"`
}

// BrokerConfig описывает подключение к брокеру.
type BrokerConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	Queue  string `yaml:"queue"`
}

// RecoveryConfig описывает каталоги и политику восстановления.
type RecoveryConfig struct {
	FailedDir      string        `yaml:"failedDir"`
	RetryDir       string        `yaml:"retryDir"`
	FailedAgainDir string        `yaml:"failedAgainDir"`
	RepeatPolicy   string        `yaml:"repeatPolicy"`
	Interval       time.Duration `yaml:"interval"`
	Watch          bool          `yaml:"watch"`
}

// PipelineConfig описывает конвейер CONSUME → TRANSFORM → PUBLISH.
type PipelineConfig struct {
	Source      string `yaml:"source"`
	Destination string `yaml:"destination"`
	Transform   string `yaml:"transform"`
	BatchSize   int    `yaml:"batchSize"`
	Threads     int    `yaml:"threads"`
}

// LogConfig описывает логирование.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default возвращает конфигурацию по умолчанию.
func Default() Config {
	return Config{
		Broker: BrokerConfig{Driver: DriverMemory},
		Mode:   message.ModePublish.String(),
		Recovery: RecoveryConfig{
			RepeatPolicy: recovery.KeepOriginal.String(),
			Interval:     5 * time.Second,
		},
		Pipeline: PipelineConfig{
			Transform: "none",
			BatchSize: 100,
			Threads:   1,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load читает конфигурацию из файла path (если он задан), применяет
// переопределения из окружения и проверяет результат.
func Load(path string) (Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv аналогичен Load, но читает окружение через lookup.
func LoadWithEnv(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("не удалось прочитать конфигурацию %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("не удалось разобрать конфигурацию %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(lookup); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	var errs error
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	str("DTX_BROKER_DRIVER", &c.Broker.Driver)
	str("DTX_BROKER_DSN", &c.Broker.DSN)
	str("DTX_BROKER_QUEUE", &c.Broker.Queue)
	str("DTX_MODE", &c.Mode)
	str("DTX_FAILED_DIR", &c.Recovery.FailedDir)
	str("DTX_RETRY_DIR", &c.Recovery.RetryDir)
	str("DTX_FAILED_AGAIN_DIR", &c.Recovery.FailedAgainDir)
	str("DTX_REPEAT_POLICY", &c.Recovery.RepeatPolicy)
	str("DTX_PIPELINE_SOURCE", &c.Pipeline.Source)
	str("DTX_PIPELINE_DESTINATION", &c.Pipeline.Destination)
	str("DTX_PIPELINE_TRANSFORM", &c.Pipeline.Transform)
	num("DTX_BATCH_SIZE", &c.Pipeline.BatchSize)
	num("DTX_THREADS", &c.Pipeline.Threads)
	str("DTX_LOG_LEVEL", &c.Log.Level)
	str("DTX_LOG_FORMAT", &c.Log.Format)

	if v, ok := lookup("DTX_RETRY_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("DTX_RETRY_INTERVAL: %w", err))
		} else {
			c.Recovery.Interval = d
		}
	}
	if v, ok := lookup("DTX_RETRY_WATCH"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("DTX_RETRY_WATCH: %w", err))
		} else {
			c.Recovery.Watch = b
		}
	}

	if errs != nil {
		return fmt.Errorf("некорректные переменные окружения: %w", errs)
	}
	return nil
}

// Validate проверяет конфигурацию и возвращает все найденные проблемы.
func (c Config) Validate() error {
	var errs error

	switch c.Broker.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Broker.DSN == "" {
			errs = multierr.Append(errs, errors.New("broker.dsn обязателен для драйвера postgres"))
		}
	default:
		errs = multierr.Append(errs, fmt.Errorf("неизвестный драйвер брокера %q", c.Broker.Driver))
	}

	if _, err := message.ParseMode(c.Mode); err != nil {
		errs = multierr.Append(errs, err)
	}
	if _, err := recovery.ParseRepeatPolicy(c.Recovery.RepeatPolicy); err != nil {
		errs = multierr.Append(errs, err)
	}
	if _, err := pipeline.ParseTransform(c.Pipeline.Transform); err != nil {
		errs = multierr.Append(errs, err)
	}
	if c.Recovery.Interval <= 0 {
		errs = multierr.Append(errs, errors.New("recovery.interval должен быть положительным"))
	}
	if c.Pipeline.BatchSize <= 0 {
		errs = multierr.Append(errs, errors.New("pipeline.batchSize должен быть положительным"))
	}
	if c.Pipeline.Threads <= 0 {
		errs = multierr.Append(errs, errors.New("pipeline.threads должен быть положительным"))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = multierr.Append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = multierr.Append(errs, fmt.Errorf("неизвестный формат логов %q", c.Log.Format))
	}

	return errs
}

// ParsedMode возвращает режим работы. Конфигурация должна быть проверена.
func (c Config) ParsedMode() message.Mode {
	m, _ := message.ParseMode(c.Mode)
	return m
}

// ParsedRepeatPolicy возвращает политику повторного сбоя.
func (c Config) ParsedRepeatPolicy() recovery.RepeatPolicy {
	p, _ := recovery.ParseRepeatPolicy(c.Recovery.RepeatPolicy)
	return p
}

// NewLogger создает логгер согласно конфигурации.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.Log.Level)
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("неизвестный уровень логирования %q", s)
	}
	return level, nil
}
