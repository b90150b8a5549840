package kernel

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"
)

// task is one unit of dispatch work: deliver an already-verified frame to
// its registered listener.
type task func()

// workerPool bounds how many goroutines the Kernel spends dispatching
// inbound frames concurrently: a fixed goroutine count draining a buffered
// queue, falling back to synchronous execution when the queue is saturated
// so a slow handler never silently drops a frame.
type workerPool struct {
	workers int
	queue   chan task
	logger  zerolog.Logger
	wg      sync.WaitGroup
}

func newWorkerPool(workers, queueSize int, logger zerolog.Logger) *workerPool {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = workers * 64
	}
	return &workerPool{
		workers: workers,
		queue:   make(chan task, queueSize),
		logger:  logger,
	}
}

func (p *workerPool) start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx)
	}
}

func (p *workerPool) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case t, ok := <-p.queue:
			if !ok {
				return
			}
			p.execute(t)
		case <-ctx.Done():
			return
		}
	}
}

func (p *workerPool) execute(t task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("kernel: dispatch worker recovered from panic")
		}
	}()
	t()
}

// submit enqueues t, running it synchronously if the queue is full so
// dispatch never silently drops work under load.
func (p *workerPool) submit(t task) {
	select {
	case p.queue <- t:
	default:
		p.execute(t)
	}
}

func (p *workerPool) stop() {
	close(p.queue)
	p.wg.Wait()
}
