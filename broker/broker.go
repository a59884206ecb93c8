// Package broker определяет границу между кодом восстановления и брокером
// сообщений: интерфейсы публикации и потребления, локальную (внутрипроцессную)
// реализацию очередей и цепочку middleware для логирования, метрик и трассировки.
package broker

import (
	"context"
	"errors"

	"github.com/x-research-team/dtx-recovery/message"
)

var (
	// ErrClosed возвращается при обращении к закрытому брокеру.
	ErrClosed = errors.New("брокер закрыт")
	// ErrInvalidMessage возвращается, если сообщение пустое или не содержит очереди.
	ErrInvalidMessage = errors.New("некорректное сообщение")
	// ErrInvalidLimit возвращается, если размер выборки не положителен.
	ErrInvalidLimit = errors.New("limit должен быть положительным")
)

// Publisher публикует сообщения в очередь, указанную в Message.Queue.
type Publisher interface {
	// Publish отправляет сообщение брокеру. Возврат nil означает, что брокер
	// принял сообщение.
	Publish(ctx context.Context, msg *message.Message) error
}

// Consumer извлекает сообщения из очереди.
type Consumer interface {
	// Receive извлекает не более limit сообщений из очереди queue.
	// Извлеченные сообщения удаляются из очереди.
	Receive(ctx context.Context, queue string, limit int) ([]*message.Message, error)
}

// Broker объединяет публикацию, потребление и управление жизненным циклом.
type Broker interface {
	Publisher
	Consumer

	// Close корректно завершает работу брокера.
	Close(ctx context.Context) error
}

// Handler — функция-обработчик сообщения, доставленного подписчику.
type Handler func(ctx context.Context, msg *message.Message) error

// ErrorHandler — функция для обработки ошибок, возникших в Handler.
type ErrorHandler func(err error, msg *message.Message)

// PublisherFunc является адаптером, позволяющим использовать обычные функции как Publisher.
type PublisherFunc func(ctx context.Context, msg *message.Message) error

// Publish реализует интерфейс Publisher.
func (f PublisherFunc) Publish(ctx context.Context, msg *message.Message) error {
	return f(ctx, msg)
}

func validate(msg *message.Message) error {
	if msg == nil || msg.Queue == "" {
		return ErrInvalidMessage
	}
	return nil
}
