package broker

import (
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// config содержит неэкспортируемую конфигурацию брокера и его middleware.
// Это позволяет добавлять новые опции без изменения публичного API.
type config struct {
	logger         *slog.Logger
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	propagator     propagation.TextMapPropagator
	middlewares    []Middleware
	workers        int
	queueSize      int
}

func newConfig(opts ...Option) *config {
	cfg := &config{
		workers:   4,
		queueSize: 100,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// Option определяет тип для функциональных опций, которые изменяют конфигурацию брокера.
type Option func(*config)

// WithLogger возвращает опцию, которая устанавливает логгер.
// Логгер используется для записи информации о публикации, доставке и ошибках.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithTracerProvider возвращает опцию, которая устанавливает провайдер трассировки.
func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(c *config) {
		c.tracerProvider = provider
	}
}

// WithMeterProvider возвращает опцию, которая устанавливает провайдер метрик.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(c *config) {
		c.meterProvider = provider
	}
}

// WithPropagator возвращает опцию, которая устанавливает механизм распространения контекста.
// Пропагатор переносит контекст трассировки в метаданных сообщения.
func WithPropagator(propagator propagation.TextMapPropagator) Option {
	return func(c *config) {
		c.propagator = propagator
	}
}

// WithMiddleware добавляет один или несколько middleware в цепочку.
// Middleware выполняются в порядке их добавления.
func WithMiddleware(mw ...Middleware) Option {
	return func(c *config) {
		c.middlewares = append(c.middlewares, mw...)
	}
}

// WithWorkerPool настраивает пул горутин для асинхронных подписчиков LocalBroker.
func WithWorkerPool(workers, queueSize int) Option {
	return func(c *config) {
		c.workers = workers
		c.queueSize = queueSize
	}
}

// subscriptionOptions определяет набор параметров конкретной подписки.
type subscriptionOptions struct {
	// isAsync указывает, должен ли обработчик выполняться в пуле воркеров.
	// По умолчанию обработка синхронна.
	isAsync bool
	// errorHandler получает ошибки, которые вернул обработчик.
	errorHandler ErrorHandler
	// name — имя подписки для логов. По умолчанию имя функции-обработчика.
	name string
}

// SubscribeOption — это функциональная опция для настройки подписки.
type SubscribeOption func(*subscriptionOptions)

// WithAsync включает асинхронную обработку для подписчика.
func WithAsync() SubscribeOption {
	return func(o *subscriptionOptions) {
		o.isAsync = true
	}
}

// WithErrorHandler задает пользовательский обработчик ошибок подписки.
func WithErrorHandler(handler ErrorHandler) SubscribeOption {
	return func(o *subscriptionOptions) {
		o.errorHandler = handler
	}
}

// WithName задает имя подписки.
func WithName(name string) SubscribeOption {
	return func(o *subscriptionOptions) {
		o.name = name
	}
}
