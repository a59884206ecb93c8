package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Retransmitter - это фоновый процесс, который периодически выполняет проход
// повторной отправки по каталогу и, при включенном наблюдении, запускает
// проход при появлении новых файлов метаданных.
type Retransmitter struct {
	loader   *Loader
	dir      string
	interval time.Duration
	watch    bool
	logger   *slog.Logger

	lock    *DirLock
	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// NewRetransmitter создает новый экземпляр Retransmitter.
func NewRetransmitter(loader *Loader, dir string, opts ...Option) *Retransmitter {
	o := newOptions(opts...)
	interval := o.interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Retransmitter{
		loader:   loader,
		dir:      dir,
		interval: interval,
		watch:    o.watch,
		logger:   o.logger,
		done:     make(chan struct{}),
	}
}

// Start захватывает блокировку каталога и запускает фоновый процесс.
// Первый проход выполняется сразу.
func (r *Retransmitter) Start(ctx context.Context) error {
	lock, err := LockDir(r.dir)
	if err != nil {
		return err
	}
	r.lock = lock

	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	if r.watch {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			_ = lock.Release()
			return fmt.Errorf("не удалось создать наблюдатель: %w", err)
		}
		if err := watcher.Add(r.dir); err != nil {
			_ = watcher.Close()
			_ = lock.Release()
			return fmt.Errorf("не удалось наблюдать за каталогом %s: %w", r.dir, err)
		}
		r.watcher = watcher
		events = watcher.Events
		watchErrs = watcher.Errors
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		r.logger.Info("Retransmitter запущен", slog.String("dir", r.dir), slog.Duration("interval", r.interval))
		r.pass(ctx)

		for {
			select {
			case <-ticker.C:
				r.pass(ctx)
			case ev, ok := <-events:
				if !ok {
					events = nil
					continue
				}
				if strings.HasSuffix(ev.Name, MetaExt) && ev.Has(fsnotify.Create) {
					r.pass(ctx)
				}
			case err, ok := <-watchErrs:
				if !ok {
					watchErrs = nil
					continue
				}
				r.logger.Error("ошибка наблюдателя каталога", slog.Any("error", err))
			case <-ctx.Done():
				r.logger.Info("Retransmitter остановлен", slog.String("dir", r.dir))
				return
			case <-r.done:
				r.logger.Info("Retransmitter остановлен", slog.String("dir", r.dir))
				return
			}
		}
	}()

	return nil
}

// pass выполняет один проход повторной отправки.
func (r *Retransmitter) pass(ctx context.Context) {
	report, err := r.loader.Retry(ctx, r.dir)
	if err != nil && ctx.Err() == nil {
		r.logger.Error("ошибка при проходе повторной отправки", slog.String("dir", r.dir), slog.Any("error", err))
		return
	}
	if report.Succeeded > 0 {
		r.logger.Info("сообщения успешно отправлены повторно", slog.Int("count", report.Succeeded))
	}
}

// Stop останавливает фоновый процесс, дожидается завершения текущего
// прохода и освобождает блокировку каталога.
func (r *Retransmitter) Stop() {
	r.once.Do(func() {
		close(r.done)
		r.wg.Wait()
		if r.watcher != nil {
			_ = r.watcher.Close()
		}
		if err := r.lock.Release(); err != nil {
			r.logger.Error("не удалось освободить блокировку каталога", slog.Any("error", err))
		}
	})
}
