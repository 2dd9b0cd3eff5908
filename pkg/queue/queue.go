// Package queue provides a bounded-parallelism FIFO task runner. It is
// used to throttle background persistent-tier writes so that a burst of
// cacheable responses cannot open an unbounded number of store operations.
package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for queue operations.
var (
	queuePending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "videocache_queue_pending",
		Help: "Number of queued operations not yet started",
	})

	queueRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "videocache_queue_running",
		Help: "Number of operations currently executing",
	})

	queueTasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "videocache_queue_tasks_total",
		Help: "Total operations processed by outcome",
	}, []string{"outcome"}) // "ok", "error", "cancelled"
)

// DefaultLimit is the default maximum number of concurrently executing
// operations.
const DefaultLimit = 5

// Operation is a unit of work submitted to the queue.
type Operation func(ctx context.Context) error

// Task is the handle returned by Add. It settles exactly once with the
// outcome of its operation.
type Task struct {
	done chan struct{}
	err  error
}

// Done returns a channel closed when the operation has settled.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Err returns the operation's outcome. Only valid after Done is closed.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the operation settles or ctx is cancelled. A
// cancelled ctx abandons the wait, not the operation itself.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return t.err
	}
}

type pending struct {
	ctx  context.Context
	op   Operation
	task *Task
}

// Queue runs operations with bounded parallelism. At most limit
// operations execute at once; excess operations wait in FIFO order.
// Completion of a running operation immediately admits the next queued
// operation. One operation's failure never affects another.
type Queue struct {
	mu      sync.Mutex
	limit   int
	running int
	waiting []*pending
}

// New creates a queue with the given concurrency limit. A non-positive
// limit falls back to DefaultLimit.
func New(limit int) *Queue {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Queue{limit: limit}
}

// Add enqueues an operation and returns its handle immediately. The
// operation starts as soon as an execution slot is free, receives ctx,
// and its outcome settles the returned Task. If ctx is already cancelled
// by the time the operation would start, the task settles with the
// context error without running the operation.
func (q *Queue) Add(ctx context.Context, op Operation) *Task {
	if ctx == nil {
		ctx = context.Background()
	}
	t := &Task{done: make(chan struct{})}
	p := &pending{ctx: ctx, op: op, task: t}

	q.mu.Lock()
	if q.running < q.limit {
		q.running++
		q.mu.Unlock()
		queueRunning.Inc()
		go q.run(p)
		return t
	}
	q.waiting = append(q.waiting, p)
	q.mu.Unlock()
	queuePending.Inc()
	return t
}

// Size returns the number of queued operations that have not started.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting)
}

// Running returns the number of operations currently executing.
func (q *Queue) Running() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Limit returns the configured concurrency limit.
func (q *Queue) Limit() int {
	return q.limit
}

// run executes p, then drains further waiting operations on the same
// goroutine until the queue is empty, keeping admission strictly FIFO.
func (q *Queue) run(p *pending) {
	for p != nil {
		settle(p)

		q.mu.Lock()
		if len(q.waiting) > 0 {
			p = q.waiting[0]
			q.waiting = q.waiting[1:]
			q.mu.Unlock()
			queuePending.Dec()
			continue
		}
		q.running--
		q.mu.Unlock()
		queueRunning.Dec()
		p = nil
	}
}

// settle executes one operation and closes its task, converting panics
// into errors so a misbehaving operation cannot take the slot down.
func settle(p *pending) {
	var err error
	if cerr := p.ctx.Err(); cerr != nil {
		err = cerr
		queueTasksTotal.WithLabelValues("cancelled").Inc()
	} else {
		err = call(p.ctx, p.op)
		if err != nil {
			queueTasksTotal.WithLabelValues("error").Inc()
		} else {
			queueTasksTotal.WithLabelValues("ok").Inc()
		}
	}
	p.task.err = err
	close(p.task.done)
}

func call(ctx context.Context, op Operation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queued operation panicked: %v", r)
		}
	}()
	return op(ctx)
}
