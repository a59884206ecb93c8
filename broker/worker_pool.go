package broker

import (
	"context"
	"sync"

	"github.com/x-research-team/dtx-recovery/message"
)

// task представляет собой атомарную задачу для асинхронного выполнения:
// сообщение и подписка, которой оно доставляется.
type task struct {
	ctx  context.Context
	msg  *message.Message
	sub  *subscription
	done func()
}

// workerPool - это пул горутин для асинхронной доставки сообщений.
type workerPool struct {
	workers int
	tasks   chan *task
	run     func(*task)
	wg      sync.WaitGroup
	stopCh  chan struct{}
	once    sync.Once
}

// newWorkerPool создает новый пул воркеров.
func newWorkerPool(workers, queueSize int, run func(*task)) *workerPool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	return &workerPool{
		workers: workers,
		tasks:   make(chan *task, queueSize),
		run:     run,
		stopCh:  make(chan struct{}),
	}
}

// start запускает воркеров пула.
func (p *workerPool) start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// stop останавливает всех воркеров и дожидается их завершения.
func (p *workerPool) stop() {
	p.once.Do(func() {
		close(p.stopCh)
	})
	p.wg.Wait()
}

// submit добавляет задачу в очередь. Возвращает false, если контекст
// отменен или пул остановлен раньше, чем задача была принята.
func (p *workerPool) submit(t *task) bool {
	select {
	case p.tasks <- t:
		return true
	case <-t.ctx.Done():
		return false
	case <-p.stopCh:
		return false
	}
}

// worker - это основная функция горутины-воркера.
func (p *workerPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case t := <-p.tasks:
			p.run(t)
		case <-p.stopCh:
			return
		}
	}
}
