package throttle

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// holdWorker occupies the worker until the returned release func is called.
func holdWorker(t *testing.T, q *Queue) (release func(), done <-chan error) {
	t.Helper()
	started := make(chan struct{})
	gate := make(chan struct{})
	result := make(chan error, 1)
	go func() {
		result <- q.Enqueue(context.Background(), func(ctx context.Context) error {
			close(started)
			<-gate
			return nil
		})
	}()
	<-started
	return func() { close(gate) }, result
}

// fakeClock only moves when the worker sleeps or a call advances it.
type fakeClock struct {
	mu     sync.Mutex
	t      time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.sleeps = append(c.sleeps, d)
	c.mu.Unlock()
	return ctx.Err()
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

func TestDispatchSpacingNeverBelowMinInterval(t *testing.T) {
	for _, rate := range []int{1, 3, 5, 7, 20} {
		clock := newFakeClock()
		q := New(rate, WithClock(clock.Now, clock.Sleep))

		minInterval := time.Second / time.Duration(rate)
		rng := rand.New(rand.NewSource(int64(rate)))

		var mu sync.Mutex
		var starts []time.Time

		var wg sync.WaitGroup
		for i := 0; i < 60; i++ {
			work := time.Duration(rng.Int63n(int64(2 * minInterval)))
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := q.Enqueue(context.Background(), func(ctx context.Context) error {
					mu.Lock()
					starts = append(starts, clock.Now())
					mu.Unlock()
					clock.Advance(work)
					return nil
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
		q.Close()

		require.Len(t, starts, 60)
		for i := 1; i < len(starts); i++ {
			gap := starts[i].Sub(starts[i-1])
			require.GreaterOrEqual(t, gap, minInterval, "rate %d: dispatch %d started %v after previous", rate, i, gap)
		}
	}
}

func TestFirstDispatchDoesNotSleep(t *testing.T) {
	clock := newFakeClock()
	q := New(5, WithClock(clock.Now, clock.Sleep))
	defer q.Close()

	require.NoError(t, q.Enqueue(context.Background(), func(ctx context.Context) error { return nil }))
	require.Empty(t, clock.Sleeps())

	require.NoError(t, q.Enqueue(context.Background(), func(ctx context.Context) error { return nil }))
	require.Equal(t, []time.Duration{200 * time.Millisecond}, clock.Sleeps())
}

func TestSlowCallNeedsNoExtraSleep(t *testing.T) {
	clock := newFakeClock()
	q := New(5, WithClock(clock.Now, clock.Sleep))
	defer q.Close()

	require.NoError(t, q.Enqueue(context.Background(), func(ctx context.Context) error {
		clock.Advance(150 * time.Millisecond)
		return nil
	}))
	require.NoError(t, q.Enqueue(context.Background(), func(ctx context.Context) error { return nil }))

	require.Equal(t, []time.Duration{50 * time.Millisecond}, clock.Sleeps())
}

func TestFIFOOrder(t *testing.T) {
	q := New(1000)
	defer q.Close()

	var order []int
	var mu sync.Mutex

	release, held := holdWorker(t, q)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Enqueue(context.Background(), func(ctx context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
		want := i + 1
		require.Eventually(t, func() bool { return q.Len() == want }, time.Second, time.Millisecond)
	}

	release()
	require.NoError(t, <-held)
	wg.Wait()

	require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestErrorReturnedAndWorkerContinues(t *testing.T) {
	q := New(1000)
	defer q.Close()

	boom := errors.New("boom")
	err := q.Enqueue(context.Background(), func(ctx context.Context) error { return boom })
	require.ErrorIs(t, err, boom)

	v, err := Do(context.Background(), q, func(ctx context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	require.Equal(t, 42, v)
}

func TestDoReturnsZeroValueOnError(t *testing.T) {
	q := New(1000)
	defer q.Close()

	v, err := Do(context.Background(), q, func(ctx context.Context) (string, error) {
		return "partial", errors.New("failed")
	})
	require.Error(t, err)
	require.Equal(t, "", v)
}

func TestCancelledCallIsSkipped(t *testing.T) {
	q := New(1000)
	defer q.Close()

	release, firstDone := holdWorker(t, q)

	var ran atomic.Bool
	ctx, cancel := context.WithCancel(context.Background())
	secondDone := make(chan error, 1)
	go func() {
		secondDone <- q.Enqueue(ctx, func(ctx context.Context) error {
			ran.Store(true)
			return nil
		})
	}()
	require.Eventually(t, func() bool { return q.Len() == 1 }, time.Second, time.Millisecond)

	cancel()
	require.ErrorIs(t, <-secondDone, context.Canceled)

	release()
	require.NoError(t, <-firstDone)

	require.NoError(t, q.Enqueue(context.Background(), func(ctx context.Context) error { return nil }))
	require.False(t, ran.Load())
}

func TestClosedQueueRejectsCalls(t *testing.T) {
	q := New(5)
	q.Close()

	err := q.Enqueue(context.Background(), func(ctx context.Context) error { return nil })
	require.ErrorIs(t, err, ErrQueueClosed)

	// Close is idempotent.
	q.Close()
}

func TestCloseFailsPendingCalls(t *testing.T) {
	q := New(1000)

	release, held := holdWorker(t, q)

	pending := make(chan error, 1)
	go func() {
		pending <- q.Enqueue(context.Background(), func(ctx context.Context) error { return nil })
	}()
	require.Eventually(t, func() bool { return q.Len() == 1 }, time.Second, time.Millisecond)

	closed := make(chan struct{})
	go func() {
		q.Close()
		close(closed)
	}()
	release()
	<-closed

	require.NoError(t, <-held)
	require.ErrorIs(t, <-pending, ErrQueueClosed)
}

func TestRealClockSpacing(t *testing.T) {
	q := New(50)
	defer q.Close()

	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(context.Background(), func(ctx context.Context) error { return nil }))
	}
	require.GreaterOrEqual(t, time.Since(start), 4*q.MinInterval())
}

type recordingObserver struct {
	mu     sync.Mutex
	depths []int
}

func (o *recordingObserver) ObserveThrottleDispatch(wait time.Duration, depth int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.depths = append(o.depths, depth)
}

func TestObserverSeesEveryDispatch(t *testing.T) {
	obs := &recordingObserver{}
	q := New(1000, WithObserver(obs))
	defer q.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(context.Background(), func(ctx context.Context) error { return nil }))
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Equal(t, []int{0, 0, 0}, obs.depths)
}

func TestNonPositiveRateUsesDefault(t *testing.T) {
	q := New(0)
	defer q.Close()
	require.Equal(t, time.Second/DefaultRate, q.MinInterval())
}
