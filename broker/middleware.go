package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/x-research-team/dtx-recovery/message"
)

const (
	instrumentationName    = "github.com/x-research-team/dtx-recovery/broker"
	instrumentationVersion = "0.1.0"
	metricKeyPrefix        = "messaging."
)

// Middleware определяет интерфейс для middleware брокера.
// Middleware позволяет добавлять сквозную функциональность, такую как
// логирование, метрики или трассировка, вокруг публикации и потребления.
type Middleware interface {
	// Wrap оборачивает следующий брокер в цепочке, добавляя свою логику.
	Wrap(next Broker) Broker
}

// MiddlewareFunc является адаптером, позволяющим использовать обычные функции как middleware.
type MiddlewareFunc func(next Broker) Broker

// Wrap реализует интерфейс Middleware.
func (f MiddlewareFunc) Wrap(next Broker) Broker {
	return f(next)
}

// Instrument оборачивает брокер стандартными middleware (логирование, метрики,
// трассировка), а затем пользовательскими из WithMiddleware.
// Middleware, для которых не задан провайдер, не добавляют накладных расходов.
func Instrument(b Broker, opts ...Option) Broker {
	cfg := newConfig(opts...)

	all := []Middleware{
		NewLoggingMiddleware(cfg.logger),
		NewMetricsMiddleware(cfg.meterProvider),
		NewTracingMiddleware(cfg.tracerProvider, cfg.propagator),
	}
	all = append(all, cfg.middlewares...)
	return Wrap(b, all...)
}

// Wrap применяет цепочку middleware к базовому брокеру.
// Первый middleware в списке становится внешним.
func Wrap(b Broker, middlewares ...Middleware) Broker {
	for i := len(middlewares) - 1; i >= 0; i-- {
		b = middlewares[i].Wrap(b)
	}
	return b
}

// noopMiddleware ничего не делает и просто возвращает следующий брокер.
type noopMiddleware struct{}

func (noopMiddleware) Wrap(next Broker) Broker {
	return next
}

// loggingMiddleware реализует Middleware для логирования операций с сообщениями.
type loggingMiddleware struct {
	logger *slog.Logger
}

// NewLoggingMiddleware создает новое middleware для логирования.
// Если логгер не предоставлен (nil), возвращается no-op middleware.
func NewLoggingMiddleware(logger *slog.Logger) Middleware {
	if logger == nil {
		return noopMiddleware{}
	}
	return &loggingMiddleware{logger: logger}
}

func (m *loggingMiddleware) Wrap(next Broker) Broker {
	return &loggingBroker{next: next, logger: m.logger}
}

type loggingBroker struct {
	next   Broker
	logger *slog.Logger
}

// Publish логирует и публикует сообщение.
func (b *loggingBroker) Publish(ctx context.Context, msg *message.Message) (err error) {
	attrs := messageAttrs(msg)
	b.logger.DebugContext(ctx, "публикация сообщения", attrs...)

	startTime := time.Now()
	defer func() {
		if err != nil {
			b.logger.ErrorContext(ctx, "ошибка публикации сообщения",
				append(attrs, slog.Any("error", err), slog.Duration("duration", time.Since(startTime)))...,
			)
		}
	}()

	return b.next.Publish(ctx, msg)
}

// Receive логирует извлечение сообщений.
func (b *loggingBroker) Receive(ctx context.Context, queue string, limit int) ([]*message.Message, error) {
	msgs, err := b.next.Receive(ctx, queue, limit)
	if err != nil {
		b.logger.ErrorContext(ctx, "ошибка получения сообщений",
			slog.String("queue", queue),
			slog.Any("error", err),
		)
		return nil, err
	}
	if len(msgs) > 0 {
		b.logger.DebugContext(ctx, "получены сообщения",
			slog.String("queue", queue),
			slog.Int("count", len(msgs)),
		)
	}
	return msgs, nil
}

// Close делегирует вызов следующему брокеру в цепочке.
func (b *loggingBroker) Close(ctx context.Context) error {
	return b.next.Close(ctx)
}

func messageAttrs(msg *message.Message) []any {
	if msg == nil {
		return nil
	}
	return []any{
		slog.String("queue", msg.Queue),
		slog.String("message_id", msg.ID.String()),
		slog.String("correlation_id", msg.CorrelationID),
	}
}

// metricsMiddleware реализует Middleware для сбора метрик OpenTelemetry.
type metricsMiddleware struct {
	publishCounter  metric.Int64Counter
	publishDuration metric.Float64Histogram
	receiveCounter  metric.Int64Counter
}

// NewMetricsMiddleware создает новое middleware для сбора метрик.
func NewMetricsMiddleware(provider metric.MeterProvider) Middleware {
	if provider == nil {
		return noopMiddleware{}
	}

	meter := provider.Meter(instrumentationName, metric.WithInstrumentationVersion(instrumentationVersion))

	publishCounter, err := meter.Int64Counter(
		metricKeyPrefix+"publish.count",
		metric.WithDescription("Количество опубликованных сообщений"),
		metric.WithUnit("{messages}"),
	)
	if err != nil {
		panic(fmt.Sprintf("не удалось создать счетчик publish.count: %v", err))
	}

	publishDuration, err := meter.Float64Histogram(
		metricKeyPrefix+"publish.duration",
		metric.WithDescription("Длительность публикации сообщения"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic(fmt.Sprintf("не удалось создать гистограмму publish.duration: %v", err))
	}

	receiveCounter, err := meter.Int64Counter(
		metricKeyPrefix+"receive.count",
		metric.WithDescription("Количество полученных сообщений"),
		metric.WithUnit("{messages}"),
	)
	if err != nil {
		panic(fmt.Sprintf("не удалось создать счетчик receive.count: %v", err))
	}

	return &metricsMiddleware{
		publishCounter:  publishCounter,
		publishDuration: publishDuration,
		receiveCounter:  receiveCounter,
	}
}

func (m *metricsMiddleware) Wrap(next Broker) Broker {
	return &metricsBroker{next: next, m: m}
}

type metricsBroker struct {
	next Broker
	m    *metricsMiddleware
}

// Publish собирает метрики и публикует сообщение.
func (b *metricsBroker) Publish(ctx context.Context, msg *message.Message) error {
	startTime := time.Now()
	err := b.next.Publish(ctx, msg)

	queue := ""
	if msg != nil {
		queue = msg.Queue
	}
	attrs := metric.WithAttributes(
		attribute.String("messaging.destination.name", queue),
		attribute.String("status", status(err)),
	)
	b.m.publishCounter.Add(ctx, 1, attrs)
	b.m.publishDuration.Record(ctx, float64(time.Since(startTime).Milliseconds()), attrs)

	return err
}

// Receive собирает метрики по количеству полученных сообщений.
func (b *metricsBroker) Receive(ctx context.Context, queue string, limit int) ([]*message.Message, error) {
	msgs, err := b.next.Receive(ctx, queue, limit)
	b.m.receiveCounter.Add(ctx, int64(len(msgs)), metric.WithAttributes(
		attribute.String("messaging.destination.name", queue),
		attribute.String("status", status(err)),
	))
	return msgs, err
}

// Close делегирует вызов следующему брокеру.
func (b *metricsBroker) Close(ctx context.Context) error {
	return b.next.Close(ctx)
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// tracingMiddleware реализует Middleware для распределенной трассировки OpenTelemetry.
type tracingMiddleware struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// NewTracingMiddleware создает новое middleware для трассировки.
func NewTracingMiddleware(tp trace.TracerProvider, p propagation.TextMapPropagator) Middleware {
	if tp == nil {
		return noopMiddleware{}
	}
	if p == nil {
		p = propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
	}

	return &tracingMiddleware{
		tracer: tp.Tracer(
			instrumentationName,
			trace.WithInstrumentationVersion(instrumentationVersion),
		),
		propagator: p,
	}
}

func (m *tracingMiddleware) Wrap(next Broker) Broker {
	return &tracingBroker{next: next, tracer: m.tracer, propagator: m.propagator}
}

type tracingBroker struct {
	next       Broker
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// Publish создает спан публикации и инъецирует контекст трассировки в метаданные.
func (b *tracingBroker) Publish(ctx context.Context, msg *message.Message) (err error) {
	if msg == nil {
		return b.next.Publish(ctx, msg)
	}

	ctx, span := b.tracer.Start(ctx, msg.Queue+" publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", msg.Queue),
			attribute.String("messaging.message.id", msg.ID.String()),
			attribute.String("messaging.message.conversation_id", msg.CorrelationID),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if msg.Metadata == nil {
		msg.Metadata = make(map[string]string)
	}
	b.propagator.Inject(ctx, propagation.MapCarrier(msg.Metadata))

	return b.next.Publish(ctx, msg)
}

// Receive создает спан получения и связывает его с контекстами публикации
// полученных сообщений.
func (b *tracingBroker) Receive(ctx context.Context, queue string, limit int) (msgs []*message.Message, err error) {
	ctx, span := b.tracer.Start(ctx, queue+" receive",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.String("messaging.destination.name", queue)),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.Int("messaging.batch.message_count", len(msgs)))
		span.End()
	}()

	msgs, err = b.next.Receive(ctx, queue, limit)
	for _, m := range msgs {
		producerCtx := b.propagator.Extract(context.Background(), propagation.MapCarrier(m.Metadata))
		if sc := trace.SpanContextFromContext(producerCtx); sc.IsValid() {
			span.AddLink(trace.Link{SpanContext: sc})
		}
	}
	return msgs, err
}

// Close делегирует вызов следующему брокеру.
func (b *tracingBroker) Close(ctx context.Context) error {
	return b.next.Close(ctx)
}
