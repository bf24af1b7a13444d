package async

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrExecutorStopped is returned when work is submitted to a stopped executor.
var ErrExecutorStopped = errors.New("executor stopped")

// Executor is a fixed-size worker pool fed by a single FIFO queue.
type Executor struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	stopped bool

	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// NewExecutor starts workers goroutines. workers < 1 is treated as 1.
func NewExecutor(workers int, logger *slog.Logger) *Executor {
	if workers < 1 {
		workers = 1
	}
	e := &Executor{logger: logger.With("component", "executor")}
	e.cond = sync.NewCond(&e.mu)
	e.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go e.worker()
	}
	return e
}

// Submit enqueues fn. It never runs fn on the calling goroutine.
func (e *Executor) Submit(fn func()) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrExecutorStopped
	}
	e.queue = append(e.queue, fn)
	e.mu.Unlock()
	e.cond.Signal()
	return nil
}

// Stop rejects new work, drains the queue and waits for the workers to exit.
func (e *Executor) Stop() {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		e.stopped = true
		e.mu.Unlock()
		e.cond.Broadcast()
	})
	e.wg.Wait()
}

func (e *Executor) worker() {
	defer e.wg.Done()
	for {
		e.mu.Lock()
		for len(e.queue) == 0 && !e.stopped {
			e.cond.Wait()
		}
		if len(e.queue) == 0 {
			// stopped and drained
			e.mu.Unlock()
			return
		}
		fn := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.mu.Unlock()

		e.run(fn)
	}
}

func (e *Executor) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("work item panic", "panic", r)
		}
	}()
	fn()
}

// panicError converts a recovered value into an error.
func panicError(r any) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("task panic: %w", err)
	}
	return fmt.Errorf("task panic: %v", r)
}
