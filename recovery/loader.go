package recovery

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/multierr"

	"github.com/x-research-team/dtx-recovery/broker"
	"github.com/x-research-team/dtx-recovery/message"
)

// MetadataSource — ключ метаданных сообщения с именем файла, из которого оно
// было повторно отправлено.
const MetadataSource = "dtx-recovery.source"

// Report — итог одного прохода повторной отправки.
type Report struct {
	Scanned    int     // Найдено файлов метаданных
	Succeeded  int     // Отправлено и удалено
	Failed     int     // Повторная отправка не удалась
	Rerecorded int     // Записано в каталог повторных сбоев
	Skipped    int     // Пропущено из-за некорректных метаданных
	Errors     []error // Ошибки отдельных записей
}

// Err объединяет ошибки отдельных записей в одну.
func (r Report) Err() error {
	return multierr.Combine(r.Errors...)
}

// Loader повторно отправляет сообщения, сохраненные Recorder.
type Loader struct {
	publisher   broker.Publisher
	failedAgain *Recorder
	policy      RepeatPolicy
	logger      *slog.Logger
	retried     metric.Int64Counter
}

// NewLoader создает Loader, публикующий сообщения через publisher.
func NewLoader(publisher broker.Publisher, opts ...Option) (*Loader, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher не может быть nil")
	}
	o := newOptions(opts...)

	l := &Loader{
		publisher: publisher,
		policy:    o.repeatPolicy,
		logger:    o.logger,
	}

	if o.failedAgainDir != "" {
		rec, err := NewRecorder(o.failedAgainDir, opts...)
		if err != nil {
			return nil, err
		}
		l.failedAgain = rec
	}

	if o.meterProvider != nil {
		counter, err := o.meterProvider.Meter(instrumentationName).Int64Counter(
			metricKeyPrefix+"retry.count",
			metric.WithDescription("Количество записей, обработанных при повторной отправке"),
			metric.WithUnit("{records}"),
		)
		if err != nil {
			return nil, fmt.Errorf("не удалось создать счетчик retry.count: %w", err)
		}
		l.retried = counter
	}

	return l, nil
}

// Retry выполняет один проход повторной отправки по каталогу dir.
//
// Успешно отправленная пара удаляется. Некорректные записи попадают в
// Report.Errors, и проход продолжается. Ошибка возвращается только если
// каталог не удалось прочитать или контекст был отменен.
func (l *Loader) Retry(ctx context.Context, dir string) (Report, error) {
	var report Report

	if l.failedAgain != nil && sameDir(dir, l.failedAgain.Dir()) {
		return report, fmt.Errorf("%w: %s", ErrSameDirectory, dir)
	}

	entries, recErrs, err := Scan(dir)
	if err != nil {
		return report, err
	}

	report.Scanned = len(entries) + len(recErrs)
	for _, recErr := range recErrs {
		l.skip(ctx, &report, recErr)
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		l.retryEntry(ctx, e, &report)
	}

	if report.Scanned > 0 {
		l.logger.InfoContext(ctx, "проход повторной отправки завершен",
			slog.String("dir", dir),
			slog.Int("scanned", report.Scanned),
			slog.Int("succeeded", report.Succeeded),
			slog.Int("failed", report.Failed),
			slog.Int("rerecorded", report.Rerecorded),
			slog.Int("skipped", report.Skipped),
		)
	}
	return report, nil
}

func (l *Loader) retryEntry(ctx context.Context, e Entry, report *Report) {
	payload, err := os.ReadFile(e.ContentPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			err = fmt.Errorf("%w: %s", ErrOrphanedMetadata, e.Record.ContentFile)
		}
		l.skip(ctx, report, &RecordError{MetaPath: e.MetaPath, Err: err})
		return
	}

	msg := message.New(e.Record.Queue, payload,
		message.WithCorrelationID(e.Record.CorrelationID),
		message.WithMetadata(map[string]string{MetadataSource: filepath.Base(e.MetaPath)}),
	)

	if err := l.publisher.Publish(ctx, msg); err != nil {
		report.Failed++
		l.count(ctx, "failed")
		l.logger.WarnContext(ctx, "повторная отправка не удалась",
			slog.String("meta", e.MetaPath),
			slog.String("queue", e.Record.Queue),
			slog.String("correlation_id", e.Record.CorrelationID),
			slog.Any("error", err),
		)
		l.handleRepeatedFailure(ctx, e, payload, err, report)
		return
	}

	report.Succeeded++
	l.count(ctx, "success")
	if err := removePair(e); err != nil {
		report.Errors = append(report.Errors, &RecordError{MetaPath: e.MetaPath, Err: err})
		l.logger.ErrorContext(ctx, "сообщение отправлено, но файлы не удалены",
			slog.String("meta", e.MetaPath),
			slog.Any("error", err),
		)
	}
}

// handleRepeatedFailure записывает новую пару в каталог повторных сбоев и,
// если политика это требует, удаляет исходную пару. Исходная пара удаляется
// только после успешной записи новой.
func (l *Loader) handleRepeatedFailure(ctx context.Context, e Entry, payload []byte, cause error, report *Report) {
	if l.failedAgain == nil {
		return
	}

	_, err := l.failedAgain.Record(ctx, Failure{
		Payload:       payload,
		Queue:         e.Record.Queue,
		CorrelationID: e.Record.CorrelationID,
		Index:         e.Record.Index,
		Err:           cause,
	})
	if err != nil {
		report.Errors = append(report.Errors, &RecordError{MetaPath: e.MetaPath, Err: err})
		return
	}
	report.Rerecorded++

	if l.policy != RemoveOriginal {
		return
	}
	if err := removePair(e); err != nil {
		report.Errors = append(report.Errors, &RecordError{MetaPath: e.MetaPath, Err: err})
	}
}

func (l *Loader) skip(ctx context.Context, report *Report, err error) {
	report.Skipped++
	report.Errors = append(report.Errors, err)
	l.count(ctx, "skipped")
	l.logger.WarnContext(ctx, "запись пропущена", slog.Any("error", err))
}

func (l *Loader) count(ctx context.Context, status string) {
	if l.retried == nil {
		return
	}
	l.retried.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func sameDir(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return absA == absB
}
