package broker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/goccy/go-reflect"
	"github.com/google/uuid"

	"github.com/x-research-team/dtx-recovery/message"
)

// subscription представляет собой внутреннюю структуру для хранения информации
// о конкретной подписке на очередь.
type subscription struct {
	// id используется для безопасного удаления подписки (отписки).
	id string
	// queue — очередь, на которую оформлена подписка.
	queue string
	// name — имя подписки для логов.
	name    string
	handler Handler
	// isAsync — флаг, указывающий, что доставка выполняется через пул воркеров.
	isAsync      bool
	errorHandler ErrorHandler
}

// LocalBroker — это внутрипроцессная реализация Broker с семантикой очередей:
// каждое сообщение доставляется ровно одному подписчику (по кругу), а при
// отсутствии подписчиков остается в очереди до вызова Receive.
type LocalBroker struct {
	mu          sync.Mutex
	queues      map[string][]*message.Message
	subscribers map[string][]*subscription
	cursor      map[string]int
	closed      bool

	pool   *workerPool
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewLocalBroker создает новый экземпляр LocalBroker.
func NewLocalBroker(opts ...Option) *LocalBroker {
	cfg := newConfig(opts...)
	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}

	b := &LocalBroker{
		queues:      make(map[string][]*message.Message),
		subscribers: make(map[string][]*subscription),
		cursor:      make(map[string]int),
		logger:      logger,
	}
	b.pool = newWorkerPool(cfg.workers, cfg.queueSize, b.runTask)
	b.pool.start()
	return b
}

// Publish помещает копию сообщения в очередь или доставляет ее подписчику.
func (b *LocalBroker) Publish(ctx context.Context, msg *message.Message) error {
	if err := validate(msg); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	m := msg.Clone()
	sub := b.nextSubscriberLocked(m.Queue)
	if sub == nil {
		b.queues[m.Queue] = append(b.queues[m.Queue], m)
		b.mu.Unlock()
		return nil
	}
	b.wg.Add(1)
	b.mu.Unlock()

	b.dispatch(ctx, m, sub)
	return nil
}

// Receive извлекает не более limit сообщений из начала очереди.
func (b *LocalBroker) Receive(ctx context.Context, queue string, limit int) ([]*message.Message, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	pending := b.queues[queue]
	n := min(limit, len(pending))
	out := make([]*message.Message, n)
	copy(out, pending[:n])
	b.queues[queue] = pending[n:]
	if len(b.queues[queue]) == 0 {
		delete(b.queues, queue)
	}
	return out, nil
}

// Depth возвращает количество сообщений, ожидающих в очереди.
func (b *LocalBroker) Depth(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[queue])
}

// Browse возвращает копии сообщений очереди, не извлекая их.
func (b *LocalBroker) Browse(queue string) []*message.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*message.Message, 0, len(b.queues[queue]))
	for _, m := range b.queues[queue] {
		out = append(out, m.Clone())
	}
	return out
}

// Subscribe подписывает обработчик на очередь. Накопившиеся в очереди
// сообщения доставляются сразу после подписки.
func (b *LocalBroker) Subscribe(queue string, handler Handler, opts ...SubscribeOption) (unsubscribe func(), err error) {
	if queue == "" {
		return nil, fmt.Errorf("очередь не может быть пустой")
	}
	if handler == nil {
		return nil, fmt.Errorf("обработчик не может быть nil")
	}

	subOpts := subscriptionOptions{}
	for _, opt := range opts {
		opt(&subOpts)
	}
	name := subOpts.name
	if name == "" {
		name = getHandlerName(handler)
	}

	sub := &subscription{
		id:           uuid.NewString(),
		queue:        queue,
		name:         name,
		handler:      handler,
		isAsync:      subOpts.isAsync,
		errorHandler: subOpts.errorHandler,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.subscribers[queue] = append(b.subscribers[queue], sub)
	backlog := b.queues[queue]
	delete(b.queues, queue)
	targets := make([]*subscription, len(backlog))
	for i := range backlog {
		targets[i] = b.nextSubscriberLocked(queue)
	}
	b.wg.Add(len(backlog))
	b.mu.Unlock()

	b.logger.Debug("подписка оформлена",
		slog.String("queue", queue),
		slog.String("subscription", name),
		slog.Int("backlog", len(backlog)),
	)

	for i, m := range backlog {
		b.dispatch(context.Background(), m, targets[i])
	}

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[queue]
		for i, s := range subs {
			if s.id == sub.id {
				b.subscribers[queue] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		if len(b.subscribers[queue]) == 0 {
			delete(b.subscribers, queue)
			delete(b.cursor, queue)
		}
	}, nil
}

// Close запрещает новые публикации, дожидается завершения доставки и
// останавливает пул воркеров.
func (b *LocalBroker) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.pool.stop()
		return nil
	case <-ctx.Done():
		return fmt.Errorf("не удалось дождаться завершения доставки: %w", ctx.Err())
	}
}

// nextSubscriberLocked выбирает следующего подписчика очереди по кругу.
// Вызывающий должен удерживать b.mu.
func (b *LocalBroker) nextSubscriberLocked(queue string) *subscription {
	subs := b.subscribers[queue]
	if len(subs) == 0 {
		return nil
	}
	i := b.cursor[queue] % len(subs)
	b.cursor[queue] = i + 1
	return subs[i]
}

func (b *LocalBroker) dispatch(ctx context.Context, msg *message.Message, sub *subscription) {
	t := &task{ctx: ctx, msg: msg, sub: sub, done: b.wg.Done}

	if !sub.isAsync {
		b.runTask(t)
		return
	}

	t.ctx = context.WithoutCancel(ctx)
	if ok := b.pool.submit(t); !ok {
		b.logger.Warn("не удалось отправить асинхронную задачу в пул, сообщение возвращено в очередь",
			slog.String("queue", sub.queue),
			slog.String("message_id", msg.ID.String()),
		)
		b.mu.Lock()
		b.queues[msg.Queue] = append(b.queues[msg.Queue], msg)
		b.mu.Unlock()
		t.done()
	}
}

func (b *LocalBroker) runTask(t *task) {
	defer t.done()

	if err := t.sub.handler(t.ctx, t.msg); err != nil {
		if t.sub.errorHandler != nil {
			t.sub.errorHandler(err, t.msg)
			return
		}
		b.logger.Error("ошибка обработки сообщения",
			slog.String("queue", t.sub.queue),
			slog.String("subscription", t.sub.name),
			slog.String("message_id", t.msg.ID.String()),
			slog.Any("error", err),
		)
	}
}

// getHandlerName извлекает имя функции-обработчика.
func getHandlerName(handler any) string {
	v := reflect.ValueOf(handler)
	if v.Kind() == reflect.Func {
		if pc := v.Pointer(); pc != 0 {
			if f := runtime.FuncForPC(pc); f != nil {
				return f.Name()
			}
		}
	}
	return reflect.TypeOf(handler).String()
}
