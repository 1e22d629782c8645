package throttle

import (
	"context"
	"errors"
	"sync"
	"time"
)

// DefaultRate is the default number of dispatches allowed per second.
const DefaultRate = 5

// ErrQueueClosed is returned for calls queued on, or still pending in, a
// closed queue.
var ErrQueueClosed = errors.New("throttle: queue closed")

// Observer receives dispatch statistics. wait is the time the item spent
// queued; depth is the number of items still waiting after dispatch.
type Observer interface {
	ObserveThrottleDispatch(wait time.Duration, depth int)
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock replaces the wall clock and sleep used by the worker.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(q *Queue) {
		q.now = now
		q.sleep = sleep
	}
}

// WithObserver registers a dispatch observer.
func WithObserver(o Observer) Option {
	return func(q *Queue) {
		q.observer = o
	}
}

type item struct {
	ctx      context.Context
	call     func(ctx context.Context) error
	done     chan error
	enqueued time.Time
}

// Queue is a FIFO that dispatches calls one at a time, spacing the start of
// consecutive dispatches by at least 1s/rate.
type Queue struct {
	minInterval time.Duration
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
	observer    Observer

	mu     sync.Mutex
	items  []*item
	closed bool

	wake     chan struct{}
	quit     chan struct{}
	stopped  chan struct{}
	cancel   context.CancelFunc
	sleepCtx context.Context

	// Only touched by the worker goroutine.
	lastDispatch time.Time

	closeOnce sync.Once
}

// New creates a queue allowing maxPerSecond dispatches per second and starts
// its worker. A non-positive rate falls back to DefaultRate.
func New(maxPerSecond int, opts ...Option) *Queue {
	if maxPerSecond <= 0 {
		maxPerSecond = DefaultRate
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		minInterval: time.Second / time.Duration(maxPerSecond),
		now:         time.Now,
		sleep:       sleepContext,
		wake:        make(chan struct{}, 1),
		quit:        make(chan struct{}),
		stopped:     make(chan struct{}),
		cancel:      cancel,
		sleepCtx:    ctx,
	}
	for _, opt := range opts {
		opt(q)
	}

	go q.run()
	return q
}

// MinInterval returns the minimum spacing between dispatches.
func (q *Queue) MinInterval() time.Duration {
	return q.minInterval
}

// Len returns the number of calls waiting for dispatch.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Enqueue appends call to the queue and blocks until it has run, returning
// the call's own error. If ctx ends first, Enqueue returns ctx.Err(); a call
// that was not yet dispatched is then skipped, one already running is left
// to finish on its own.
func (q *Queue) Enqueue(ctx context.Context, call func(ctx context.Context) error) error {
	it := &item{
		ctx:      ctx,
		call:     call,
		done:     make(chan error, 1),
		enqueued: q.now(),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.items = append(q.items, it)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}

	select {
	case err := <-it.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs call through q and returns its result.
func Do[T any](ctx context.Context, q *Queue, call func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := q.Enqueue(ctx, func(ctx context.Context) error {
		v, err := call(ctx)
		out = v
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// Close stops the worker. Calls still queued fail with ErrQueueClosed. Close
// waits for an in-flight call to return.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()

		close(q.quit)
		q.cancel()
	})
	<-q.stopped
}

func (q *Queue) run() {
	defer close(q.stopped)

	for {
		select {
		case <-q.quit:
			q.drain()
			return
		default:
		}

		it, depth := q.pop()
		if it == nil {
			select {
			case <-q.wake:
				continue
			case <-q.quit:
				q.drain()
				return
			}
		}

		if it.ctx.Err() != nil {
			it.done <- it.ctx.Err()
			continue
		}

		if wait := q.untilNextSlot(); wait > 0 {
			if err := q.sleep(q.sleepCtx, wait); err != nil {
				it.done <- ErrQueueClosed
				q.drain()
				return
			}
			if it.ctx.Err() != nil {
				it.done <- it.ctx.Err()
				continue
			}
		}

		now := q.now()
		q.lastDispatch = now
		if q.observer != nil {
			q.observer.ObserveThrottleDispatch(now.Sub(it.enqueued), depth)
		}

		it.done <- it.call(it.ctx)
	}
}

// untilNextSlot returns max(0, minInterval - elapsed since last dispatch).
func (q *Queue) untilNextSlot() time.Duration {
	if q.lastDispatch.IsZero() {
		return 0
	}
	return q.minInterval - q.now().Sub(q.lastDispatch)
}

func (q *Queue) pop() (*item, int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, 0
	}
	it := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return it, len(q.items)
}

func (q *Queue) drain() {
	q.mu.Lock()
	pending := q.items
	q.items = nil
	q.mu.Unlock()

	for _, it := range pending {
		it.done <- ErrQueueClosed
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
