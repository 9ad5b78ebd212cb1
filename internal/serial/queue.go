// Package serial runs work strictly in order per key while different keys
// proceed in parallel.
//
// Each key with pending work owns one goroutine that drains a FIFO and exits
// once the FIFO is empty. Queues are unbounded: Submit never blocks and never
// drops work.
package serial

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned when work is submitted after Close.
var ErrClosed = errors.New("serial queue closed")

// Queue is a set of per-key FIFOs. The zero value is not usable; call New.
type Queue struct {
	mu      sync.Mutex
	idle    *sync.Cond
	keys    map[string]*fifo
	pending int
	closed  bool
}

type fifo struct {
	tasks []func()
}

// New returns an empty Queue.
func New() *Queue {
	q := &Queue{keys: make(map[string]*fifo)}
	q.idle = sync.NewCond(&q.mu)
	return q
}

// Submit appends fn to key's FIFO and returns immediately.
func (q *Queue) Submit(key string, fn func()) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}

	q.pending++
	f, running := q.keys[key]
	if !running {
		f = &fifo{}
		q.keys[key] = f
	}
	f.tasks = append(f.tasks, fn)
	q.mu.Unlock()

	if !running {
		go q.drain(key, f)
	}
	return nil
}

// Do runs fn on key's FIFO and waits for its result. If ctx ends first, Do
// returns ctx.Err(); fn is skipped when it had not started yet.
func (q *Queue) Do(ctx context.Context, key string, fn func(context.Context) error) error {
	done := make(chan error, 1)
	err := q.Submit(key, func() {
		if err := ctx.Err(); err != nil {
			done <- err
			return
		}
		done <- fn(ctx)
	})
	if err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) drain(key string, f *fifo) {
	for {
		q.mu.Lock()
		if len(f.tasks) == 0 {
			delete(q.keys, key)
			q.mu.Unlock()
			return
		}
		fn := f.tasks[0]
		f.tasks[0] = nil
		f.tasks = f.tasks[1:]
		q.mu.Unlock()

		fn()

		q.mu.Lock()
		q.pending--
		if q.pending == 0 {
			q.idle.Broadcast()
		}
		q.mu.Unlock()
	}
}

// Wait blocks until every submitted task has finished.
func (q *Queue) Wait() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.pending > 0 {
		q.idle.Wait()
	}
}

// Active returns the number of keys with queued or running work.
func (q *Queue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.keys)
}

// Close rejects further work and waits for queued tasks to finish.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.Wait()
}
