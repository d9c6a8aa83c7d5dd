// Package dispatch provides the bounded work queue and worker pool that
// connect admission to the workflow orchestrator. Delivery is at-least-once
// from the caller's perspective; handlers must tolerate duplicates.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"researchd/pkg/logx"
)

// Msg is one unit of queued work: a session ready to be driven through the
// pipeline.
type Msg struct {
	SessionID  string
	Mode       string
	Payload    string
	EnqueuedAt time.Time
}

// Handler processes one message. Errors are logged, not retried here; retry
// policy lives inside the handler.
type Handler func(ctx context.Context, msg Msg) error

// ErrQueueFull is returned when the queue cannot accept more work.
var ErrQueueFull = errors.New("work queue is full")

// ErrStopped is returned when the dispatcher is shutting down.
var ErrStopped = errors.New("dispatcher stopped")

// Dispatcher fans queued messages out to a fixed pool of workers.
type Dispatcher struct {
	queue   chan Msg
	quit    chan struct{}
	handler Handler
	workers int
	logger  *logx.Logger

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// New creates a dispatcher with the given worker count and queue depth.
func New(workers, queueDepth int, handler Handler) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueDepth <= 0 {
		queueDepth = 1
	}
	return &Dispatcher{
		queue:   make(chan Msg, queueDepth),
		quit:    make(chan struct{}),
		handler: handler,
		workers: workers,
		logger:  logx.NewLogger("dispatch"),
	}
}

// Start launches the worker pool. Workers run until Stop.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work(ctx, i)
	}
	d.logger.Info("started %d workers (queue depth %d)", d.workers, cap(d.queue))
}

func (d *Dispatcher) work(ctx context.Context, id int) {
	defer d.wg.Done()
	for {
		select {
		case <-d.quit:
			// Drain what is already queued so accepted sessions are not
			// stranded in memory; new enqueues are rejected by now. The
			// worker context stays live until every worker has returned.
			for {
				select {
				case msg := <-d.queue:
					d.handle(ctx, id, msg)
				default:
					return
				}
			}
		case msg := <-d.queue:
			d.handle(ctx, id, msg)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, worker int, msg Msg) {
	d.logger.Debug("worker %d picked up session %s (queued %s ago)",
		worker, msg.SessionID, time.Since(msg.EnqueuedAt).Round(time.Millisecond))
	if err := d.handler(ctx, msg); err != nil {
		d.logger.Error("session %s handler failed: %v", msg.SessionID, err)
	}
}

// Enqueue offers a message to the queue without blocking.
func (d *Dispatcher) Enqueue(msg Msg) error {
	d.mu.Lock()
	stopped := d.stopped
	d.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now()
	}
	select {
	case d.queue <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// Depth returns the number of messages currently queued.
func (d *Dispatcher) Depth() int {
	return len(d.queue)
}

// Stop rejects new work, lets workers finish in-flight handlers and drain
// the queue, then releases the worker context.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.mu.Unlock()

	close(d.quit)
	d.wg.Wait()
	if d.cancel != nil {
		d.cancel()
	}
	d.logger.Info("all workers stopped")
}
