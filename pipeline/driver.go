// Package pipeline реализует конвейер CONSUME → TRANSFORM → PUBLISH.
// Сбой отдельного элемента не прерывает пакет: элемент сохраняется в каталоге
// неотправленных сообщений через recovery.Recorder.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/x-research-team/dtx-recovery/broker"
	"github.com/x-research-team/dtx-recovery/message"
	"github.com/x-research-team/dtx-recovery/recovery"
)

// Summary — итог работы конвейера.
type Summary struct {
	Batches   int // Обработано пакетов
	Consumed  int // Получено сообщений
	Published int // Опубликовано сообщений
	Filtered  int // Отфильтровано преобразованием
	Failed    int // Сохранено в каталоге неотправленных сообщений
	Lost      int // Не удалось ни обработать, ни сохранить
}

func (s *Summary) add(o Summary) {
	s.Batches += o.Batches
	s.Consumed += o.Consumed
	s.Published += o.Published
	s.Filtered += o.Filtered
	s.Failed += o.Failed
	s.Lost += o.Lost
}

// Option определяет функцию для конфигурации Driver.
type Option func(*Driver)

// WithSource устанавливает очередь-источник.
func WithSource(queue string) Option {
	return func(d *Driver) {
		d.source = queue
	}
}

// WithDestination устанавливает очередь назначения.
func WithDestination(queue string) Option {
	return func(d *Driver) {
		d.destination = queue
	}
}

// WithTransform устанавливает преобразование. По умолчанию Identity.
func WithTransform(t Transform) Option {
	return func(d *Driver) {
		d.transform = t
	}
}

// WithBatchSize устанавливает максимальный размер пакета.
func WithBatchSize(n int) Option {
	return func(d *Driver) {
		d.batchSize = n
	}
}

// WithThreads устанавливает количество одновременно обрабатываемых элементов.
func WithThreads(n int) Option {
	return func(d *Driver) {
		d.threads = n
	}
}

// WithLogger устанавливает логгер.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Driver) {
		d.logger = logger
	}
}

// Driver перекладывает сообщения из очереди-источника в очередь назначения.
type Driver struct {
	consumer    broker.Consumer
	publisher   broker.Publisher
	recorder    *recovery.Recorder
	source      string
	destination string
	transform   Transform
	batchSize   int
	threads     int
	logger      *slog.Logger
}

// NewDriver создает новый экземпляр Driver.
func NewDriver(consumer broker.Consumer, publisher broker.Publisher, recorder *recovery.Recorder, opts ...Option) (*Driver, error) {
	d := &Driver{
		consumer:  consumer,
		publisher: publisher,
		recorder:  recorder,
		transform: Identity,
		batchSize: 100,
		threads:   1,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.transform == nil {
		d.transform = Identity
	}

	switch {
	case consumer == nil || publisher == nil:
		return nil, errors.New("consumer и publisher обязательны")
	case recorder == nil:
		return nil, errors.New("recorder обязателен")
	case d.source == "" || d.destination == "":
		return nil, errors.New("очереди источника и назначения обязательны")
	case d.batchSize <= 0:
		return nil, fmt.Errorf("размер пакета должен быть положительным, получено %d", d.batchSize)
	case d.threads <= 0:
		return nil, fmt.Errorf("количество потоков должно быть положительным, получено %d", d.threads)
	}

	return d, nil
}

// Run обрабатывает пакеты, пока очередь-источник не опустеет или не будет
// отменен контекст.
func (d *Driver) Run(ctx context.Context) (Summary, error) {
	var total Summary
	for {
		s, err := d.RunOnce(ctx)
		total.add(s)
		if err != nil {
			return total, err
		}
		if s.Consumed == 0 {
			return total, nil
		}
	}
}

// RunOnce получает один пакет и обрабатывает его элементы параллельно.
//
// Элемент, который не удалось преобразовать, сохраняется с очередью-источником,
// чтобы повторная отправка вернула его на вход конвейера. Элемент, который не
// удалось опубликовать, сохраняется уже преобразованным с очередью назначения.
// Ошибка возвращается при сбое получения, отмене контекста или если элемент
// не удалось сохранить.
func (d *Driver) RunOnce(ctx context.Context) (Summary, error) {
	var summary Summary

	msgs, err := d.consumer.Receive(ctx, d.source, d.batchSize)
	if err != nil {
		return summary, &StageError{Stage: StageConsume, Err: err}
	}
	if len(msgs) == 0 {
		return summary, nil
	}
	summary.Batches = 1
	summary.Consumed = len(msgs)

	var (
		mu   sync.Mutex
		errs error
		g    errgroup.Group
	)
	g.SetLimit(d.threads)

	for i, msg := range msgs {
		g.Go(func() error {
			outcome, err := d.process(ctx, i, msg)
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case outcomePublished:
				summary.Published++
			case outcomeFiltered:
				summary.Filtered++
			case outcomeFailed:
				summary.Failed++
			case outcomeLost:
				summary.Lost++
			}
			errs = multierr.Append(errs, err)
			return nil
		})
	}
	_ = g.Wait()

	d.logger.InfoContext(ctx, "пакет обработан",
		slog.String("source", d.source),
		slog.String("destination", d.destination),
		slog.Int("consumed", summary.Consumed),
		slog.Int("published", summary.Published),
		slog.Int("filtered", summary.Filtered),
		slog.Int("failed", summary.Failed),
		slog.Int("lost", summary.Lost),
	)

	return summary, errs
}

type outcome int

const (
	outcomePublished outcome = iota
	outcomeFiltered
	outcomeFailed
	outcomeLost
)

func (d *Driver) process(ctx context.Context, index int, msg *message.Message) (outcome, error) {
	out, err := d.transform(ctx, msg.Clone())
	if err != nil {
		return d.fail(ctx, index, msg, d.source, &StageError{Stage: StageTransform, Err: err})
	}
	if out == nil {
		return outcomeFiltered, nil
	}

	out.Queue = d.destination
	if out.CorrelationID == "" {
		out.CorrelationID = msg.CorrelationID
	}

	if err := d.publisher.Publish(ctx, out); err != nil {
		return d.fail(ctx, index, out, d.destination, &StageError{Stage: StagePublish, Err: err})
	}
	return outcomePublished, nil
}

func (d *Driver) fail(ctx context.Context, index int, msg *message.Message, queue string, cause *StageError) (outcome, error) {
	d.logger.WarnContext(ctx, "элемент конвейера не обработан",
		slog.String("stage", cause.Stage.String()),
		slog.String("correlation_id", msg.CorrelationID),
		slog.Int("index", index),
		slog.Any("error", cause.Err),
	)

	_, err := d.recorder.Record(ctx, recovery.Failure{
		Payload:       msg.Payload,
		Queue:         queue,
		CorrelationID: msg.CorrelationID,
		Index:         index,
		Err:           cause,
	})
	if err != nil {
		return outcomeLost, err
	}
	return outcomeFailed, nil
}
