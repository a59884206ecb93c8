package recovery

import (
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// RepeatPolicy определяет, что делать с исходной парой файлов, если
// повторная отправка снова не удалась.
type RepeatPolicy int

const (
	// KeepOriginal оставляет исходную пару на месте.
	KeepOriginal RepeatPolicy = iota
	// RemoveOriginal удаляет исходную пару после того, как новая пара
	// записана в каталог повторных сбоев.
	RemoveOriginal
)

// String возвращает строковое представление политики.
func (p RepeatPolicy) String() string {
	switch p {
	case KeepOriginal:
		return "keep"
	case RemoveOriginal:
		return "remove"
	default:
		return "unknown"
	}
}

// ParseRepeatPolicy разбирает строковое представление политики.
func ParseRepeatPolicy(s string) (RepeatPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "keep":
		return KeepOriginal, nil
	case "remove":
		return RemoveOriginal, nil
	default:
		return 0, fmt.Errorf("неизвестная политика повторного сбоя %q: ожидается keep или remove", s)
	}
}

// options — общая конфигурация компонентов пакета. Каждый компонент
// использует только относящиеся к нему поля.
type options struct {
	logger         *slog.Logger
	meterProvider  metric.MeterProvider
	now            func() time.Time
	fileMode       fs.FileMode
	failedAgainDir string
	repeatPolicy   RepeatPolicy
	interval       time.Duration
	watch          bool
}

func newOptions(opts ...Option) *options {
	o := &options{
		logger:   slog.Default(),
		now:      time.Now,
		fileMode: 0o644,
		interval: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Option определяет функцию для конфигурации компонентов пакета.
type Option func(*options)

// WithLogger устанавливает логгер.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMeterProvider устанавливает провайдер метрик.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(o *options) {
		o.meterProvider = provider
	}
}

// WithClock подменяет источник текущего времени (используется в тестах).
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithFileMode устанавливает права доступа для создаваемых файлов.
func WithFileMode(mode fs.FileMode) Option {
	return func(o *options) {
		o.fileMode = mode
	}
}

// WithFailedAgainDir задает каталог, в который записываются сообщения,
// повторная отправка которых снова не удалась.
func WithFailedAgainDir(dir string) Option {
	return func(o *options) {
		o.failedAgainDir = dir
	}
}

// WithRepeatPolicy задает политику обращения с исходной парой при повторном сбое.
func WithRepeatPolicy(policy RepeatPolicy) Option {
	return func(o *options) {
		o.repeatPolicy = policy
	}
}

// WithInterval устанавливает интервал проходов Retransmitter.
func WithInterval(interval time.Duration) Option {
	return func(o *options) {
		o.interval = interval
	}
}

// WithWatch включает запуск прохода при появлении новых файлов метаданных.
func WithWatch(watch bool) Option {
	return func(o *options) {
		o.watch = watch
	}
}
