// Package queue provides the bounded helper-task queue the storage core uses
// to push blocking work (failover drains, backend I/O issued from
// non-blockable contexts) onto worker goroutines, plus the clock abstraction
// those workers and the retry timers are driven by.
package queue

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrQueueClosed is returned for Enqueue/Dequeue on a closed queue.
	ErrQueueClosed = errors.New("the queue is closed for reading and writing")
	// ErrQueueEmpty is returned by Dequeue when there is nothing queued.
	ErrQueueEmpty = errors.New("the queue is empty")
	// ErrQueueFull is returned by Enqueue when the queue is at capacity.
	// Callers are expected to retry via a one-shot timer.
	ErrQueueFull = errors.New("the queue is full")
)

// Task is one unit of helper work.
type Task func(ctx context.Context)

// TaskQueue is a bounded FIFO of helper tasks safe for concurrent producers
// and consumers.
type TaskQueue struct {
	m        *sync.Mutex
	c        *sync.Cond
	capacity int
	closed   bool
	tasks    []Task
}

// NewTaskQueue returns a queue holding at most capacity tasks. A capacity of
// zero or less means unbounded.
func NewTaskQueue(capacity int) *TaskQueue {
	m := &sync.Mutex{}
	return &TaskQueue{
		m:        m,
		c:        sync.NewCond(m),
		capacity: capacity,
	}
}

// Enqueue adds t to the back of the queue, failing with ErrQueueFull when the
// queue is at capacity.
func (q *TaskQueue) Enqueue(t Task) error {
	q.m.Lock()
	defer q.m.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if q.capacity > 0 && len(q.tasks) >= q.capacity {
		return ErrQueueFull
	}
	q.tasks = append(q.tasks, t)
	q.c.Signal()
	return nil
}

// Dequeue removes and returns the head of the queue without waiting.
func (q *TaskQueue) Dequeue() (Task, error) {
	q.m.Lock()
	defer q.m.Unlock()

	if q.closed {
		return nil, ErrQueueClosed
	}
	if len(q.tasks) == 0 {
		return nil, ErrQueueEmpty
	}
	return q.dequeue(), nil
}

// DequeueOrWait removes and returns the head of the queue, blocking until a
// task arrives or the queue is closed.
func (q *TaskQueue) DequeueOrWait() (Task, error) {
	q.m.Lock()
	defer q.m.Unlock()

	for len(q.tasks) == 0 && !q.closed {
		q.c.Wait()
	}
	if q.closed {
		return nil, ErrQueueClosed
	}
	return q.dequeue(), nil
}

func (q *TaskQueue) dequeue() Task {
	t := q.tasks[0]
	q.tasks = q.tasks[1:]
	return t
}

// Len returns the number of queued tasks.
func (q *TaskQueue) Len() int {
	q.m.Lock()
	defer q.m.Unlock()
	return len(q.tasks)
}

// Close wakes all waiters and fails all further operations.
func (q *TaskQueue) Close() {
	q.m.Lock()
	defer q.m.Unlock()

	if !q.closed {
		q.closed = true
		q.tasks = nil
		q.c.Broadcast()
	}
}

// RunWorkers starts n goroutines draining q until it is closed or ctx is
// done. The returned function waits for them to exit.
func RunWorkers(ctx context.Context, q *TaskQueue, n int) (wait func()) {
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				t, err := q.DequeueOrWait()
				if err != nil {
					return
				}
				if ctx.Err() != nil {
					return
				}
				t(ctx)
			}
		}()
	}
	return wg.Wait
}
