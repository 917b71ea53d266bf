// Package ratelimit bounds how many external-service calls may start within a
// rolling time window.
//
// A Governor is constructed explicitly and passed to every component that
// calls out, so two pipelines in the same process only share a budget when
// they are handed the same instance.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const (
	// DefaultLimit is the number of calls admitted per window when none is configured.
	DefaultLimit = 100
	// DefaultWindow is the rolling window the limit applies to.
	DefaultWindow = time.Minute
)

// Strategy names accepted by New.
const (
	StrategyWindow    = "window"
	StrategyPacer     = "pacer"
	StrategySemaphore = "semaphore"
)

// ErrInvalidLimit is returned when a governor is built with a limit below one.
var ErrInvalidLimit = errors.New("ratelimit: limit must be at least 1")

// Governor admits callers. Acquire suspends until the call may start and
// returns a release func that must be called once the call has finished.
// The only error is the caller's context ending while it waits.
type Governor interface {
	Acquire(ctx context.Context) (release func(), err error)
}

// Clock is the time source used by the governors.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Option configures a governor.
type Option func(*options)

type options struct {
	clock Clock
}

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(o *options) { o.clock = c }
}

func buildOptions(opts []Option) options {
	o := options{clock: realClock{}}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

func noop() {}

// New builds a governor for the named strategy. An empty strategy selects
// the sliding window.
func New(strategy string, n int, window time.Duration, opts ...Option) (Governor, error) {
	if n < 1 {
		return nil, ErrInvalidLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	switch strategy {
	case "", StrategyWindow:
		return NewWindow(n, window, opts...), nil
	case StrategyPacer:
		return NewPacer(n, window), nil
	case StrategySemaphore:
		return NewSemaphore(n), nil
	default:
		return nil, fmt.Errorf("ratelimit: unknown strategy %q", strategy)
	}
}

// Window admits at most n call starts in any span of length window.
//
// Each admission reserves a start time under the lock: the later of now and
// the n-th previous reservation plus window. The caller then sleeps outside
// the lock until its reserved time, so admitted calls proceed concurrently.
type Window struct {
	mu     sync.Mutex
	n      int
	window time.Duration
	clock  Clock
	starts []time.Time // last n reservations, non-decreasing
}

// NewWindow creates a sliding-window governor. n below one is treated as one.
func NewWindow(n int, window time.Duration, opts ...Option) *Window {
	if n < 1 {
		n = 1
	}
	o := buildOptions(opts)
	return &Window{
		n:      n,
		window: window,
		clock:  o.clock,
		starts: make([]time.Time, 0, n+1),
	}
}

// Acquire implements Governor. A reservation abandoned because ctx ended
// still counts against the window.
func (w *Window) Acquire(ctx context.Context) (func(), error) {
	now, at := w.reserve()
	if d := at.Sub(now); d > 0 {
		if err := w.clock.Sleep(ctx, d); err != nil {
			return nil, err
		}
	}
	return noop, nil
}

func (w *Window) reserve() (now, at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now = w.clock.Now()
	at = now
	if k := len(w.starts); k > 0 && w.starts[k-1].After(at) {
		at = w.starts[k-1]
	}
	if k := len(w.starts); k >= w.n {
		if earliest := w.starts[k-w.n].Add(w.window); earliest.After(at) {
			at = earliest
		}
	}
	w.starts = append(w.starts, at)
	if k := len(w.starts); k > w.n {
		w.starts = append(w.starts[:0], w.starts[k-w.n:]...)
	}
	return now, at
}

// Pacer is a strict token bucket releasing one permit every window/n.
type Pacer struct {
	limiter *rate.Limiter
}

// NewPacer creates a smooth-pacing governor.
func NewPacer(n int, window time.Duration) *Pacer {
	if n < 1 {
		n = 1
	}
	return &Pacer{limiter: rate.NewLimiter(rate.Every(window/time.Duration(n)), 1)}
}

// Acquire implements Governor.
func (p *Pacer) Acquire(ctx context.Context) (func(), error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return noop, nil
}

// Semaphore bounds the number of calls in flight. The permit is held until
// release is called.
type Semaphore struct {
	sem *semaphore.Weighted
}

// NewSemaphore creates a counting semaphore of size n.
func NewSemaphore(n int) *Semaphore {
	if n < 1 {
		n = 1
	}
	return &Semaphore{sem: semaphore.NewWeighted(int64(n))}
}

// Acquire implements Governor.
func (s *Semaphore) Acquire(ctx context.Context) (func(), error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { s.sem.Release(1) }) }, nil
}

type chain []Governor

// Chain acquires every governor in order and releases them in reverse.
func Chain(govs ...Governor) Governor {
	return chain(govs)
}

func (c chain) Acquire(ctx context.Context) (func(), error) {
	releases := make([]func(), 0, len(c))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, g := range c {
		rel, err := g.Acquire(ctx)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, rel)
	}
	return releaseAll, nil
}

// Pause paces bulk submissions: Wait returns once window has elapsed since
// the last Mark. Batch dispatch is a single provider call, so it is paced
// as a whole instead of per request.
type Pause struct {
	mu     sync.Mutex
	window time.Duration
	clock  Clock
	last   time.Time
}

// NewPause creates a pause of the given window.
func NewPause(window time.Duration, opts ...Option) *Pause {
	o := buildOptions(opts)
	return &Pause{window: window, clock: o.clock}
}

// Wait claims the next dispatch slot, window after the previous one, and
// sleeps until it. Concurrent callers get consecutive slots.
func (p *Pause) Wait(ctx context.Context) error {
	p.mu.Lock()
	now := p.clock.Now()
	at := now
	if !p.last.IsZero() {
		if next := p.last.Add(p.window); next.After(at) {
			at = next
		}
	}
	p.last = at
	p.mu.Unlock()

	if d := at.Sub(now); d > 0 {
		return p.clock.Sleep(ctx, d)
	}
	return nil
}

// Mark records a dispatch finishing at the current time. The window of
// the next slot counts from the later of the claimed slot and now.
func (p *Pause) Mark() {
	p.mu.Lock()
	if now := p.clock.Now(); now.After(p.last) {
		p.last = now
	}
	p.mu.Unlock()
}
