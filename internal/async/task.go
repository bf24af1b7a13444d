package async

import (
	"context"
	"sync"
)

// Task is a handle to a computation that completes exactly once with a value
// or an error. It backs both Spawn and NewDeferred.
type Task[T any] struct {
	exec *Executor

	mu            sync.Mutex
	resolved      bool
	value         T
	err           error
	continuations []func(T, error)
	done          chan struct{}
}

func newTask[T any](exec *Executor) *Task[T] {
	return &Task[T]{exec: exec, done: make(chan struct{})}
}

// Spawn runs work on the executor and returns its handle. A panic inside work
// becomes the task's error. If the executor is stopped the task completes with
// ErrExecutorStopped.
func Spawn[T any](exec *Executor, work func() (T, error)) *Task[T] {
	t := newTask[T](exec)
	err := exec.Submit(func() {
		var (
			v   T
			err error
		)
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = panicError(r)
				}
			}()
			v, err = work()
		}()
		t.complete(v, err)
	})
	if err != nil {
		var zero T
		t.complete(zero, err)
	}
	return t
}

// Resolver completes the Task returned alongside it by NewDeferred.
// Only the first Resolve or Reject takes effect.
type Resolver[T any] struct {
	task *Task[T]
}

// NewDeferred returns an unresolved task and the resolver that completes it.
func NewDeferred[T any](exec *Executor) (*Task[T], *Resolver[T]) {
	t := newTask[T](exec)
	return t, &Resolver[T]{task: t}
}

// Resolve completes the task with v. It reports whether this call took effect.
func (r *Resolver[T]) Resolve(v T) bool {
	return r.task.complete(v, nil)
}

// Reject completes the task with err. It reports whether this call took effect.
func (r *Resolver[T]) Reject(err error) bool {
	var zero T
	return r.task.complete(zero, err)
}

func (t *Task[T]) complete(v T, err error) bool {
	t.mu.Lock()
	if t.resolved {
		t.mu.Unlock()
		return false
	}
	t.resolved = true
	t.value = v
	t.err = err
	conts := t.continuations
	t.continuations = nil
	close(t.done)
	t.mu.Unlock()

	for _, fn := range conts {
		t.schedule(fn, v, err)
	}
	return true
}

// schedule hands a continuation to the pool. When the pool is stopped the
// continuation still runs, on its own goroutine, so no awaiter is stranded.
func (t *Task[T]) schedule(fn func(T, error), v T, err error) {
	if subErr := t.exec.Submit(func() { fn(v, err) }); subErr != nil {
		go fn(v, err)
	}
}

// Then registers fn to run on the executor once the task completes.
// If the task is already complete fn is scheduled immediately.
func (t *Task[T]) Then(fn func(T, error)) {
	t.mu.Lock()
	if !t.resolved {
		t.continuations = append(t.continuations, fn)
		t.mu.Unlock()
		return
	}
	v, err := t.value, t.err
	t.mu.Unlock()
	t.schedule(fn, v, err)
}

// Await blocks until the task completes or ctx is done.
func (t *Task[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.value, t.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Done is closed when the task completes.
func (t *Task[T]) Done() <-chan struct{} {
	return t.done
}

// Resolved reports whether the task has completed.
func (t *Task[T]) Resolved() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resolved
}

// Result returns the outcome without blocking. ok is false while the task is
// still running.
func (t *Task[T]) Result() (v T, ok bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.resolved {
		return v, false, nil
	}
	return t.value, true, t.err
}
