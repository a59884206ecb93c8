// Команда dtx-recovery публикует, получает и повторно отправляет сообщения,
// сохраняя неотправленные сообщения на диск.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/x-research-team/dtx-recovery/config"
)

// app — общее состояние команд, заполняемое в PersistentPreRunE.
type app struct {
	configPath string
	logLevel   string

	cfg    config.Config
	logger *slog.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "ошибка:", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "dtx-recovery",
		Short:         "Публикация сообщений с сохранением сбоев на диск и их повторная отправка",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load()
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "путь к YAML-файлу конфигурации")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "уровень логирования (debug, info, warn, error)")

	root.AddCommand(
		newRunCmd(a),
		newPublishCmd(a),
		newRetryCmd(a),
		newWatchCmd(a),
		newPipelineCmd(a),
	)
	return root
}

func (a *app) load() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	a.cfg = cfg
	a.logger = cfg.NewLogger(os.Stderr)
	slog.SetDefault(a.logger)
	return nil
}
