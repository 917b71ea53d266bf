package ratelimit

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock never blocks. Sleep records the instant the sleeper would wake
// and, when advance is set, moves time forward to it.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	advance bool
	wakes   []time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 8, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	wake := c.now.Add(d)
	c.wakes = append(c.wakes, wake)
	if c.advance && wake.After(c.now) {
		c.now = wake
	}
	return ctx.Err()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func assertCeiling(t *testing.T, starts []time.Time, n int, window time.Duration) {
	t.Helper()
	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })
	for i := 0; i+n < len(starts); i++ {
		gap := starts[i+n].Sub(starts[i])
		require.GreaterOrEqualf(t, gap, window,
			"starts %d and %d are %s apart, more than %d starts in one window", i, i+n, gap, n)
	}
}

func TestWindowCeilingUnderConcurrency(t *testing.T) {
	clock := newFakeClock()
	base := clock.Now()
	const n, callers = 100, 250
	w := NewWindow(n, time.Minute, WithClock(clock))

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := w.Acquire(context.Background())
			assert.NoError(t, err)
			release()
		}()
	}
	wg.Wait()

	// Callers that never slept started at base.
	require.Len(t, clock.wakes, callers-n)
	starts := make([]time.Time, 0, callers)
	for i := 0; i < callers-len(clock.wakes); i++ {
		starts = append(starts, base)
	}
	starts = append(starts, clock.wakes...)
	assertCeiling(t, starts, n, time.Minute)

	last := starts[len(starts)-1]
	assert.Equal(t, base.Add(2*time.Minute), last)
}

func TestWindowSequentialWithAdvancingClock(t *testing.T) {
	clock := newFakeClock()
	clock.advance = true
	const n = 3
	w := NewWindow(n, 10*time.Second, WithClock(clock))

	var starts []time.Time
	for i := 0; i < 10; i++ {
		_, err := w.Acquire(context.Background())
		require.NoError(t, err)
		starts = append(starts, clock.Now())
		clock.Advance(time.Second)
	}
	assertCeiling(t, starts, n, 10*time.Second)
}

func TestWindowCancelledWhileWaiting(t *testing.T) {
	clock := newFakeClock()
	w := NewWindow(1, time.Minute, WithClock(clock))

	_, err := w.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = w.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSemaphoreHoldsPermitForCallDuration(t *testing.T) {
	s := NewSemaphore(2)

	r1, err := s.Acquire(context.Background())
	require.NoError(t, err)
	r2, err := s.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	r1()
	r1() // second release is a no-op
	r3, err := s.Acquire(context.Background())
	require.NoError(t, err)
	r2()
	r3()
}

func TestPacerSpacesCalls(t *testing.T) {
	p := NewPacer(2, 100*time.Millisecond) // one permit every 50ms

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := p.Acquire(context.Background())
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestChainReleasesInReverse(t *testing.T) {
	s := NewSemaphore(1)
	g := Chain(s, NewWindow(10, time.Minute))

	release, err := g.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = g.Acquire(ctx)
	require.Error(t, err)

	release()
	release2, err := g.Acquire(context.Background())
	require.NoError(t, err)
	release2()
}

func TestNew(t *testing.T) {
	tests := []struct {
		strategy string
		want     any
	}{
		{"", &Window{}},
		{StrategyWindow, &Window{}},
		{StrategyPacer, &Pacer{}},
		{StrategySemaphore, &Semaphore{}},
	}
	for _, tt := range tests {
		t.Run(tt.strategy, func(t *testing.T) {
			g, err := New(tt.strategy, 5, time.Minute)
			require.NoError(t, err)
			assert.IsType(t, tt.want, g)
		})
	}

	_, err := New(StrategyWindow, 0, time.Minute)
	assert.ErrorIs(t, err, ErrInvalidLimit)

	_, err = New("leaky", 5, time.Minute)
	assert.Error(t, err)
}

func TestPauseWaitsFullWindowSinceDispatch(t *testing.T) {
	clock := newFakeClock()
	p := NewPause(time.Minute, WithClock(clock))

	require.NoError(t, p.Wait(context.Background()))
	assert.Empty(t, clock.wakes, "first dispatch must not wait")

	p.Mark()
	dispatched := clock.Now()
	clock.Advance(10 * time.Second)
	require.NoError(t, p.Wait(context.Background()))
	require.Len(t, clock.wakes, 1)
	assert.Equal(t, dispatched.Add(time.Minute), clock.wakes[0])

	clock.Advance(2 * time.Minute)
	require.NoError(t, p.Wait(context.Background()))
	assert.Len(t, clock.wakes, 1)
}

func TestPauseSpacesConcurrentCallers(t *testing.T) {
	clock := newFakeClock()
	p := NewPause(time.Minute, WithClock(clock))

	p.Mark()
	dispatched := clock.Now()
	clock.Advance(10 * time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, p.Wait(context.Background()))
		}()
	}
	wg.Wait()

	require.Len(t, clock.wakes, 3)
	wakes := append([]time.Time(nil), clock.wakes...)
	sort.Slice(wakes, func(i, j int) bool { return wakes[i].Before(wakes[j]) })
	for i, w := range wakes {
		assert.Equal(t, dispatched.Add(time.Duration(i+1)*time.Minute), w)
	}
}
