package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/multierr"

	"github.com/x-research-team/dtx-recovery/broker"
	"github.com/x-research-team/dtx-recovery/message"
	"github.com/x-research-team/dtx-recovery/recovery"
)

// exportExt — расширение файлов, в которые выгружаются полученные сообщения.
const exportExt = ".msg"

// readFolder читает файлы каталога в порядке имен и строит из них сообщения.
// Скрытые файлы и подкаталоги пропускаются. Имя файла без расширения
// становится идентификатором корреляции.
func readFolder(dir, queue string) ([]*message.Message, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("не удалось прочитать каталог %s: %w", dir, err)
	}

	// os.ReadDir возвращает записи, отсортированные по имени.
	var msgs []*message.Message
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		payload, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("не удалось прочитать файл %s: %w", e.Name(), err)
		}
		id := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		msgs = append(msgs, message.New(queue, payload, message.WithCorrelationID(id)))
	}
	return msgs, nil
}

// publishAll публикует сообщения по порядку. Если задан recorder, сбои
// сохраняются на диск с позицией сообщения в качестве индекса.
func publishAll(ctx context.Context, pub broker.Publisher, recorder *recovery.Recorder, msgs []*message.Message) (int, error) {
	if recorder != nil {
		return recovery.NewRecoveringPublisher(pub, recorder).PublishBatch(ctx, msgs)
	}

	var (
		published int
		errs      error
	)
	for _, msg := range msgs {
		if err := pub.Publish(ctx, msg); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		published++
	}
	return published, errs
}

// exportMessages получает до limit сообщений из очереди и записывает их
// содержимое в каталог dir. limit <= 0 означает «до опустошения очереди».
func exportMessages(ctx context.Context, consumer broker.Consumer, queue, dir string, limit, batchSize int) (int, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("не удалось создать каталог %s: %w", dir, err)
	}

	exported := 0
	for limit <= 0 || exported < limit {
		n := batchSize
		if limit > 0 && limit-exported < n {
			n = limit - exported
		}

		msgs, err := consumer.Receive(ctx, queue, n)
		if err != nil {
			return exported, err
		}
		if len(msgs) == 0 {
			break
		}

		for _, msg := range msgs {
			id := msg.CorrelationID
			if id == "" {
				id = msg.ID.String()
			}
			name := fmt.Sprintf("%06d_%s%s", exported, recovery.SafeName(id), exportExt)
			if err := os.WriteFile(filepath.Join(dir, name), msg.Payload, 0o644); err != nil {
				return exported, fmt.Errorf("не удалось записать %s: %w", name, err)
			}
			exported++
		}
	}
	return exported, nil
}
