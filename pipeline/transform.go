package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/x-research-team/dtx-recovery/message"
)

// Transform преобразует сообщение между получением и публикацией.
// Возврат (nil, nil) означает, что сообщение отфильтровано и не публикуется.
type Transform func(ctx context.Context, msg *message.Message) (*message.Message, error)

// Identity возвращает сообщение без изменений.
func Identity(_ context.Context, msg *message.Message) (*message.Message, error) {
	return msg, nil
}

// CompactJSON удаляет незначащие пробелы из JSON-тела сообщения.
// Тело, не являющееся JSON, считается ошибкой преобразования.
func CompactJSON(_ context.Context, msg *message.Message) (*message.Message, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, msg.Payload); err != nil {
		return nil, fmt.Errorf("тело сообщения не является JSON: %w", err)
	}
	msg.Payload = buf.Bytes()
	return msg, nil
}

// Chain последовательно применяет преобразования. Цепочка прерывается на
// первой ошибке или отфильтрованном сообщении.
func Chain(transforms ...Transform) Transform {
	return func(ctx context.Context, msg *message.Message) (*message.Message, error) {
		var err error
		for _, t := range transforms {
			msg, err = t(ctx, msg)
			if err != nil || msg == nil {
				return nil, err
			}
		}
		return msg, nil
	}
}

// ParseTransform возвращает встроенное преобразование по имени.
func ParseTransform(name string) (Transform, error) {
	switch name {
	case "", "none", "identity":
		return Identity, nil
	case "compact-json":
		return CompactJSON, nil
	default:
		return nil, fmt.Errorf("неизвестное преобразование %q", name)
	}
}
