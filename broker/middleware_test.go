package broker_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/x-research-team/dtx-recovery/broker"
	"github.com/x-research-team/dtx-recovery/message"
)

// failingBroker — брокер, который отклоняет все публикации.
type failingBroker struct {
	*broker.LocalBroker
	err error
}

func (b *failingBroker) Publish(ctx context.Context, msg *message.Message) error {
	return b.err
}

func sumInt64(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "метрика %s должна быть счетчиком int64", name)
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	t.Fatalf("метрика %s не найдена", name)
	return 0
}

func TestInstrument_Metrics(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	local := broker.NewLocalBroker()
	b := broker.Instrument(local, broker.WithMeterProvider(mp))
	t.Cleanup(func() { _ = b.Close(context.Background()) })

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, message.New("q", []byte("1"))))
	require.NoError(t, b.Publish(ctx, message.New("q", []byte("2"))))

	msgs, err := b.Receive(ctx, "q", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	assert.EqualValues(t, 2, sumInt64(t, rm, "messaging.publish.count"))
	assert.EqualValues(t, 2, sumInt64(t, rm, "messaging.receive.count"))
}

func TestInstrument_Tracing(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	b := broker.Instrument(broker.NewLocalBroker(), broker.WithTracerProvider(tp))
	t.Cleanup(func() { _ = b.Close(context.Background()) })

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, message.New("orders", []byte("x"), message.WithCorrelationID("order-001"))))

	msgs, err := b.Receive(ctx, "orders", 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.NotEmpty(t, msgs[0].Metadata["traceparent"], "контекст трассировки должен передаваться в метаданных")

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	publishSpan, receiveSpan := spans[0], spans[1]
	assert.Equal(t, "orders publish", publishSpan.Name())
	assert.Equal(t, trace.SpanKindProducer, publishSpan.SpanKind())
	assert.Equal(t, "orders receive", receiveSpan.Name())
	assert.Equal(t, trace.SpanKindConsumer, receiveSpan.SpanKind())

	require.Len(t, receiveSpan.Links(), 1)
	assert.Equal(t, publishSpan.SpanContext().TraceID(), receiveSpan.Links()[0].SpanContext.TraceID(),
		"спан получения должен ссылаться на спан публикации")
}

func TestInstrument_LoggingOnError(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	publishErr := errors.New("брокер недоступен")
	local := broker.NewLocalBroker()
	b := broker.Instrument(&failingBroker{LocalBroker: local, err: publishErr}, broker.WithLogger(logger))
	t.Cleanup(func() { _ = b.Close(context.Background()) })

	err := b.Publish(context.Background(), message.New("q", nil, message.WithCorrelationID("c-42")))
	require.ErrorIs(t, err, publishErr)

	out := buf.String()
	assert.Contains(t, out, "ошибка публикации сообщения")
	assert.Contains(t, out, "c-42")
}

func TestWrap_Order(t *testing.T) {
	t.Parallel()

	var calls []string
	mw := func(name string) broker.Middleware {
		return broker.MiddlewareFunc(func(next broker.Broker) broker.Broker {
			return &recordingBroker{Broker: next, name: name, calls: &calls}
		})
	}

	b := broker.Wrap(broker.NewLocalBroker(), mw("first"), mw("second"))
	t.Cleanup(func() { _ = b.Close(context.Background()) })

	require.NoError(t, b.Publish(context.Background(), message.New("q", nil)))
	assert.Equal(t, []string{"first", "second"}, calls, "первый middleware должен быть внешним")
}

type recordingBroker struct {
	broker.Broker
	name  string
	calls *[]string
}

func (b *recordingBroker) Publish(ctx context.Context, msg *message.Message) error {
	*b.calls = append(*b.calls, b.name)
	return b.Broker.Publish(ctx, msg)
}

func TestInstrument_WithPropagator(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	b := broker.Instrument(broker.NewLocalBroker(),
		broker.WithTracerProvider(tp),
		broker.WithPropagator(propagation.Baggage{}),
	)
	t.Cleanup(func() { _ = b.Close(context.Background()) })

	member, err := baggage.NewMember("tenant", "acme")
	require.NoError(t, err)
	bag, err := baggage.New(member)
	require.NoError(t, err)
	ctx := baggage.ContextWithBaggage(context.Background(), bag)

	require.NoError(t, b.Publish(ctx, message.New("orders", []byte("x"))))

	msgs, err := b.Receive(context.Background(), "orders", 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	assert.Equal(t, "tenant=acme", msgs[0].Metadata["baggage"])
	assert.NotContains(t, msgs[0].Metadata, "traceparent", "заданный пропагатор заменяет стандартный")
}

func TestInstrument_WithMiddleware(t *testing.T) {
	t.Parallel()

	var calls []string
	custom := broker.MiddlewareFunc(func(next broker.Broker) broker.Broker {
		return &recordingBroker{Broker: next, name: "custom", calls: &calls}
	})

	b := broker.Instrument(broker.NewLocalBroker(), broker.WithMiddleware(custom))
	t.Cleanup(func() { _ = b.Close(context.Background()) })

	require.NoError(t, b.Publish(context.Background(), message.New("q", nil)))
	require.NoError(t, b.Publish(context.Background(), message.New("q", nil)))
	assert.Equal(t, []string{"custom", "custom"}, calls)
}
