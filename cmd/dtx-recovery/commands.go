package main

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/x-research-team/dtx-recovery/broker"
	"github.com/x-research-team/dtx-recovery/message"
	"github.com/x-research-team/dtx-recovery/pipeline"
	"github.com/x-research-team/dtx-recovery/recovery"
)

func (a *app) queue(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if a.cfg.Broker.Queue != "" {
		return a.cfg.Broker.Queue, nil
	}
	return "", errors.New("очередь не задана: используйте --queue или broker.queue")
}

func (a *app) recorder(dir string) (*recovery.Recorder, error) {
	if dir == "" {
		dir = a.cfg.Recovery.FailedDir
	}
	if dir == "" {
		return nil, nil
	}
	return recovery.NewRecorder(dir, recovery.WithLogger(a.logger))
}

func newRunCmd(a *app) *cobra.Command {
	var (
		mode       string
		queue      string
		publishDir string
		exportDir  string
		failedDir  string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Опубликовать файлы каталога и/или выгрузить сообщения очереди в каталог",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if mode == "" {
				mode = a.cfg.Mode
			}
			m, err := message.ParseMode(mode)
			if err != nil {
				return err
			}
			q, err := a.queue(queue)
			if err != nil {
				return err
			}
			if m.Publishes() && publishDir == "" {
				return errors.New("для публикации нужен --publish-dir")
			}
			if m.Consumes() && exportDir == "" {
				return errors.New("для получения нужен --export-dir")
			}

			ctx := cmd.Context()
			b, err := openBroker(ctx, a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer closeBroker(b, a.logger)

			if m.Publishes() {
				rec, err := a.recorder(failedDir)
				if err != nil {
					return err
				}
				msgs, err := readFolder(publishDir, q)
				if err != nil {
					return err
				}
				published, err := publishAll(ctx, b, rec, msgs)
				a.logger.Info("публикация завершена",
					slog.String("queue", q), slog.Int("published", published), slog.Int("total", len(msgs)))
				if err != nil {
					return err
				}
			}

			if m.Consumes() {
				exported, err := exportMessages(ctx, b, q, exportDir, limit, a.cfg.Pipeline.BatchSize)
				a.logger.Info("выгрузка завершена", slog.String("queue", q), slog.Int("exported", exported))
				if err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "", "режим: publish, consume или both")
	cmd.Flags().StringVar(&queue, "queue", "", "имя очереди")
	cmd.Flags().StringVar(&publishDir, "publish-dir", "", "каталог с файлами для публикации")
	cmd.Flags().StringVar(&exportDir, "export-dir", "", "каталог для выгрузки полученных сообщений")
	cmd.Flags().StringVar(&failedDir, "failed-dir", "", "каталог для сохранения неотправленных сообщений")
	cmd.Flags().IntVar(&limit, "limit", 0, "максимум получаемых сообщений (0 — все)")
	return cmd
}

func newPublishCmd(a *app) *cobra.Command {
	var (
		queue         string
		payload       string
		correlationID string
		failedDir     string
	)

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Опубликовать одно сообщение",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := a.queue(queue)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			b, err := openBroker(ctx, a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer closeBroker(b, a.logger)

			rec, err := a.recorder(failedDir)
			if err != nil {
				return err
			}

			var opts []message.Option
			if correlationID != "" {
				opts = append(opts, message.WithCorrelationID(correlationID))
			}
			msg := message.New(q, []byte(payload), opts...)

			if _, err := publishAll(ctx, b, rec, []*message.Message{msg}); err != nil {
				return err
			}
			a.logger.Info("сообщение опубликовано", slog.String("queue", q), slog.String("id", msg.ID.String()))
			return nil
		},
	}

	cmd.Flags().StringVar(&queue, "queue", "", "имя очереди")
	cmd.Flags().StringVar(&payload, "payload", "", "содержимое сообщения")
	cmd.Flags().StringVar(&correlationID, "correlation-id", "", "идентификатор корреляции")
	cmd.Flags().StringVar(&failedDir, "failed-dir", "", "каталог для сохранения неотправленных сообщений")
	return cmd
}

func (a *app) loader(pub broker.Publisher, failedAgainDir string) (*recovery.Loader, error) {
	if failedAgainDir == "" {
		failedAgainDir = a.cfg.Recovery.FailedAgainDir
	}
	opts := []recovery.Option{
		recovery.WithLogger(a.logger),
		recovery.WithRepeatPolicy(a.cfg.ParsedRepeatPolicy()),
	}
	if failedAgainDir != "" {
		opts = append(opts, recovery.WithFailedAgainDir(failedAgainDir))
	}
	return recovery.NewLoader(pub, opts...)
}

func (a *app) retryDir(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if a.cfg.Recovery.RetryDir != "" {
		return a.cfg.Recovery.RetryDir, nil
	}
	return "", errors.New("каталог повторной отправки не задан: используйте --retry-dir или recovery.retryDir")
}

func newRetryCmd(a *app) *cobra.Command {
	var retryDir, failedAgainDir string

	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Выполнить один проход повторной отправки сохраненных сообщений",
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, err := a.retryDir(retryDir)
			if err != nil {
				return err
			}

			lock, err := recovery.LockDir(dir)
			if err != nil {
				return err
			}
			defer func() {
				if err := lock.Release(); err != nil {
					a.logger.Error("не удалось освободить блокировку каталога", slog.Any("error", err))
				}
			}()

			ctx := cmd.Context()
			b, err := openBroker(ctx, a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer closeBroker(b, a.logger)

			loader, err := a.loader(b, failedAgainDir)
			if err != nil {
				return err
			}

			report, err := loader.Retry(ctx, dir)
			a.logger.Info("проход повторной отправки завершен",
				slog.Int("scanned", report.Scanned),
				slog.Int("succeeded", report.Succeeded),
				slog.Int("failed", report.Failed),
				slog.Int("rerecorded", report.Rerecorded),
				slog.Int("skipped", report.Skipped))
			for _, e := range report.Errors {
				a.logger.Warn("запись пропущена", slog.Any("error", e))
			}
			if err != nil {
				return err
			}
			if report.Failed > 0 {
				return fmt.Errorf("не удалось повторно отправить %d сообщений", report.Failed)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&retryDir, "retry-dir", "", "каталог с сохраненными сообщениями")
	cmd.Flags().StringVar(&failedAgainDir, "failed-again-dir", "", "каталог для повторно не отправленных сообщений")
	return cmd
}

func newWatchCmd(a *app) *cobra.Command {
	var (
		retryDir       string
		failedAgainDir string
		interval       time.Duration
		watch          bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Периодически повторно отправлять сообщения из каталога",
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, err := a.retryDir(retryDir)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("interval") {
				interval = a.cfg.Recovery.Interval
			}
			if interval <= 0 {
				return fmt.Errorf("интервал должен быть положительным, получено %s", interval)
			}
			if !cmd.Flags().Changed("watch") {
				watch = a.cfg.Recovery.Watch
			}

			ctx := cmd.Context()
			b, err := openBroker(ctx, a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer closeBroker(b, a.logger)

			loader, err := a.loader(b, failedAgainDir)
			if err != nil {
				return err
			}

			rt := recovery.NewRetransmitter(loader, dir,
				recovery.WithLogger(a.logger),
				recovery.WithInterval(interval),
				recovery.WithWatch(watch),
			)
			if err := rt.Start(ctx); err != nil {
				return err
			}
			defer rt.Stop()

			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringVar(&retryDir, "retry-dir", "", "каталог с сохраненными сообщениями")
	cmd.Flags().StringVar(&failedAgainDir, "failed-again-dir", "", "каталог для повторно не отправленных сообщений")
	cmd.Flags().DurationVar(&interval, "interval", 0, "интервал между проходами (по умолчанию recovery.interval)")
	cmd.Flags().BoolVar(&watch, "watch", false, "запускать проход при появлении новых файлов метаданных")
	return cmd
}

func newPipelineCmd(a *app) *cobra.Command {
	var (
		source      string
		destination string
		transform   string
		failedDir   string
		threads     int
		batchSize   int
	)

	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Перенести сообщения из очереди в очередь с преобразованием",
		RunE: func(cmd *cobra.Command, _ []string) error {
			pc := a.cfg.Pipeline
			if source != "" {
				pc.Source = source
			}
			if destination != "" {
				pc.Destination = destination
			}
			if transform != "" {
				pc.Transform = transform
			}
			if threads > 0 {
				pc.Threads = threads
			}
			if batchSize > 0 {
				pc.BatchSize = batchSize
			}

			t, err := pipeline.ParseTransform(pc.Transform)
			if err != nil {
				return err
			}
			rec, err := a.recorder(failedDir)
			if err != nil {
				return err
			}
			if rec == nil {
				return errors.New("для конвейера нужен --failed-dir или recovery.failedDir")
			}

			ctx := cmd.Context()
			b, err := openBroker(ctx, a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer closeBroker(b, a.logger)

			d, err := pipeline.NewDriver(b, b, rec,
				pipeline.WithSource(pc.Source),
				pipeline.WithDestination(pc.Destination),
				pipeline.WithTransform(t),
				pipeline.WithThreads(pc.Threads),
				pipeline.WithBatchSize(pc.BatchSize),
				pipeline.WithLogger(a.logger),
			)
			if err != nil {
				return err
			}

			summary, err := d.Run(ctx)
			a.logger.Info("конвейер завершен",
				slog.Int("batches", summary.Batches),
				slog.Int("consumed", summary.Consumed),
				slog.Int("published", summary.Published),
				slog.Int("filtered", summary.Filtered),
				slog.Int("failed", summary.Failed),
				slog.Int("lost", summary.Lost))
			return err
		},
	}

	cmd.Flags().StringVar(&source, "source", "", "очередь-источник")
	cmd.Flags().StringVar(&destination, "destination", "", "очередь назначения")
	cmd.Flags().StringVar(&transform, "transform", "", "преобразование: none, identity, compact-json")
	cmd.Flags().StringVar(&failedDir, "failed-dir", "", "каталог для сохранения сбойных элементов")
	cmd.Flags().IntVar(&threads, "threads", 0, "количество параллельных обработчиков")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "размер пакета")
	return cmd
}
