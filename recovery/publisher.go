package recovery

import (
	"context"
	"log/slog"

	"go.uber.org/multierr"

	"github.com/x-research-team/dtx-recovery/broker"
	"github.com/x-research-team/dtx-recovery/message"
)

// RecoveringPublisher публикует сообщения через следующий Publisher и
// сохраняет на диск те, которые отправить не удалось.
type RecoveringPublisher struct {
	next     broker.Publisher
	recorder *Recorder
	logger   *slog.Logger
}

var _ broker.Publisher = (*RecoveringPublisher)(nil)

// NewRecoveringPublisher создает новый экземпляр RecoveringPublisher.
func NewRecoveringPublisher(next broker.Publisher, recorder *Recorder, opts ...Option) *RecoveringPublisher {
	o := newOptions(opts...)
	return &RecoveringPublisher{
		next:     next,
		recorder: recorder,
		logger:   o.logger,
	}
}

// Publish публикует одно сообщение. При сбое возвращает *RecordedError,
// если сообщение сохранено, или *PersistenceError, если сохранить его не удалось.
func (p *RecoveringPublisher) Publish(ctx context.Context, msg *message.Message) error {
	return p.publishAt(ctx, msg, 0)
}

// PublishBatch публикует пакет сообщений, передавая позицию сообщения в
// пакете как index. Сбой одного сообщения не прерывает пакет.
// Возвращает количество опубликованных сообщений и объединенную ошибку.
func (p *RecoveringPublisher) PublishBatch(ctx context.Context, msgs []*message.Message) (int, error) {
	var (
		published int
		errs      error
	)
	for i, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return published, multierr.Append(errs, err)
		}
		if err := p.publishAt(ctx, msg, i); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		published++
	}
	return published, errs
}

func (p *RecoveringPublisher) publishAt(ctx context.Context, msg *message.Message, index int) error {
	err := p.next.Publish(ctx, msg)
	if err == nil {
		return nil
	}
	if msg == nil || msg.Queue == "" {
		return err
	}

	rec, recErr := p.recorder.Record(ctx, Failure{
		Payload:       msg.Payload,
		Queue:         msg.Queue,
		CorrelationID: msg.CorrelationID,
		Index:         index,
		Err:           err,
	})
	if recErr != nil {
		return recErr
	}

	p.logger.WarnContext(ctx, "публикация не удалась, сообщение сохранено для повторной отправки",
		slog.String("queue", msg.Queue),
		slog.String("correlation_id", msg.CorrelationID),
		slog.String("content_file", rec.ContentFile),
		slog.Any("error", err),
	)
	return &RecordedError{Cause: err, Record: rec}
}
