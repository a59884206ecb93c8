// Package message определяет сообщение, которое передается через брокер,
// и режим работы клиента (публикация, потребление или оба).
package message

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// Message представляет собой сообщение, адресованное конкретной очереди брокера.
type Message struct {
	ID            uuid.UUID         // Уникальный идентификатор сообщения
	Queue         string            // Очередь назначения
	CorrelationID string            // Идентификатор корреляции (может быть пустым)
	Payload       []byte            // Тело сообщения
	Metadata      map[string]string // Метаданные (для трассировки и т.д.)
	CreatedAt     time.Time         // Время создания
}

// Option определяет функцию для конфигурации сообщения при создании.
type Option func(*Message)

// WithCorrelationID устанавливает идентификатор корреляции.
func WithCorrelationID(id string) Option {
	return func(m *Message) {
		m.CorrelationID = id
	}
}

// WithMetadata добавляет метаданные к сообщению.
func WithMetadata(md map[string]string) Option {
	return func(m *Message) {
		maps.Copy(m.Metadata, md)
	}
}

// New создает новое сообщение для очереди queue.
func New(queue string, payload []byte, opts ...Option) *Message {
	m := &Message{
		ID:        uuid.New(),
		Queue:     queue,
		Payload:   payload,
		Metadata:  make(map[string]string),
		CreatedAt: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Clone возвращает глубокую копию сообщения.
func (m *Message) Clone() *Message {
	c := *m
	c.Payload = append([]byte(nil), m.Payload...)
	c.Metadata = maps.Clone(m.Metadata)
	if c.Metadata == nil {
		c.Metadata = make(map[string]string)
	}
	return &c
}
