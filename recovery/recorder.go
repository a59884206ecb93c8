package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	instrumentationName = "github.com/x-research-team/dtx-recovery/recovery"
	metricKeyPrefix     = "recovery."
)

// Recorder сохраняет неотправленные сообщения в каталоге неотправленных
// сообщений в виде пары файлов: содержимое (.msg) и метаданные (.meta).
type Recorder struct {
	dir      string
	logger   *slog.Logger
	now      func() time.Time
	fileMode fs.FileMode
	recorded metric.Int64Counter
}

// NewRecorder создает Recorder для каталога dir. Каталог создается при
// первой записи.
func NewRecorder(dir string, opts ...Option) (*Recorder, error) {
	if dir == "" {
		return nil, fmt.Errorf("каталог неотправленных сообщений не может быть пустым")
	}
	o := newOptions(opts...)

	r := &Recorder{
		dir:      dir,
		logger:   o.logger,
		now:      o.now,
		fileMode: o.fileMode,
	}

	if o.meterProvider != nil {
		counter, err := o.meterProvider.Meter(instrumentationName).Int64Counter(
			metricKeyPrefix+"record.count",
			metric.WithDescription("Количество сообщений, сохраненных для повторной отправки"),
			metric.WithUnit("{messages}"),
		)
		if err != nil {
			return nil, fmt.Errorf("не удалось создать счетчик record.count: %w", err)
		}
		r.recorded = counter
	}

	return r, nil
}

// Dir возвращает каталог, в который пишет Recorder.
func (r *Recorder) Dir() string {
	return r.dir
}

// Record записывает сначала файл содержимого, затем файл метаданных,
// ссылающийся на него. Если запись не удалась, возвращается
// *PersistenceError, оборачивающая и f.Err, и ошибку записи.
// Отмена ctx не прерывает запись.
func (r *Recorder) Record(ctx context.Context, f Failure) (Record, error) {
	ctx = context.WithoutCancel(ctx)

	rec, err := r.record(f)
	if err != nil {
		r.logger.ErrorContext(ctx, "не удалось сохранить неотправленное сообщение",
			slog.String("dir", r.dir),
			slog.String("queue", f.Queue),
			slog.String("correlation_id", f.CorrelationID),
			slog.Int("index", f.Index),
			slog.Any("error", err),
		)
		r.count(ctx, f.Queue, "error")
		return Record{}, &PersistenceError{Cause: f.Err, Err: err}
	}

	r.logger.InfoContext(ctx, "неотправленное сообщение сохранено",
		slog.String("dir", r.dir),
		slog.String("content_file", rec.ContentFile),
		slog.String("queue", rec.Queue),
		slog.String("correlation_id", rec.CorrelationID),
		slog.Int("index", rec.Index),
	)
	r.count(ctx, f.Queue, "success")
	return rec, nil
}

func (r *Recorder) record(f Failure) (Record, error) {
	if f.Queue == "" {
		return Record{}, errors.New("не указана очередь назначения")
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return Record{}, fmt.Errorf("не удалось создать каталог %s: %w", r.dir, err)
	}

	ts := r.now().UTC()
	base := BaseName(ts, f.CorrelationID, f.Index)

	reason := "неизвестная ошибка"
	if f.Err != nil {
		reason = f.Err.Error()
	}

	rec := Record{
		Timestamp:     ts,
		Queue:         f.Queue,
		CorrelationID: f.CorrelationID,
		Index:         f.Index,
		Error:         reason,
		ContentFile:   base + ContentExt,
	}

	meta, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return Record{}, fmt.Errorf("не удалось сериализовать метаданные: %w", err)
	}

	contentPath := filepath.Join(r.dir, rec.ContentFile)
	_, statErr := os.Lstat(contentPath)
	existed := statErr == nil

	// Содержимое должно оказаться на диске раньше, чем ссылающиеся на него метаданные.
	if err := writeFileDurable(r.dir, rec.ContentFile, f.Payload, r.fileMode); err != nil {
		return Record{}, err
	}
	if err := writeFileDurable(r.dir, base+MetaExt, meta, r.fileMode); err != nil {
		// Файл с тем же именем мог принадлежать более ранней паре, его метаданные
		// все еще ссылаются на него.
		if !existed {
			_ = os.Remove(contentPath)
		}
		return Record{}, err
	}

	return rec, nil
}

func (r *Recorder) count(ctx context.Context, queue, status string) {
	if r.recorded == nil {
		return
	}
	r.recorded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("messaging.destination.name", queue),
		attribute.String("status", status),
	))
}
