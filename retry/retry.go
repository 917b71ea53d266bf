// Package retry runs an operation a bounded number of times.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"syscall"
	"time"
)

// ErrExhausted is matched by the error returned once every attempt failed.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Class tells Do whether a failed attempt may be repeated.
type Class int

const (
	Retryable Class = iota
	Permanent
)

// Policy configures Do.
type Policy struct {
	// MaxAttempts is the total number of calls made, including the first.
	MaxAttempts int
	// Classify decides whether an error is worth another attempt.
	// Nil treats every error as retryable.
	Classify func(error) Class
	// Backoff returns the delay before the given attempt (2, 3, ...)
	// after the previous attempt failed with err. Nil retries immediately.
	Backoff func(attempt int, err error) time.Duration
	// Name labels log lines.
	Name string
}

// Exhausted is returned when every attempt failed.
type Exhausted struct {
	Attempts int
	Last     error
}

func (e *Exhausted) Error() string {
	return fmt.Sprintf("retry: %d attempts exhausted: %v", e.Attempts, e.Last)
}

func (e *Exhausted) Unwrap() []error { return []error{ErrExhausted, e.Last} }

// Do calls op until it succeeds, a permanent error occurs, or MaxAttempts
// calls have been made. It returns the value, the number of calls made and
// the error. A permanent error is returned as is; running out of attempts
// returns *Exhausted.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context, attempt int) (T, error)) (T, int, error) {
	var zero T
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var last error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 && p.Backoff != nil {
			if d := p.Backoff(attempt, last); d > 0 {
				select {
				case <-time.After(d):
				case <-ctx.Done():
					return zero, attempt - 1, ctx.Err()
				}
			}
		}
		if err := ctx.Err(); err != nil {
			return zero, attempt - 1, err
		}

		v, err := op(ctx, attempt)
		if err == nil {
			return v, attempt, nil
		}
		last = err

		if classify(p, err) == Permanent {
			return zero, attempt, err
		}
		if attempt < maxAttempts {
			slog.Debug("retry: attempt failed", "op", p.Name, "attempt", attempt,
				"max_attempts", maxAttempts, "error", err)
		}
	}
	return zero, maxAttempts, &Exhausted{Attempts: maxAttempts, Last: last}
}

func classify(p Policy, err error) Class {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Permanent
	}
	if p.Classify == nil {
		return Retryable
	}
	return p.Classify(err)
}

// Hinted is implemented by errors carrying a delay requested by the
// server, such as a Retry-After header.
type Hinted interface {
	RetryHint() time.Duration
}

// Verdict is implemented by errors that know whether a retry can help.
type Verdict interface {
	Retryable() bool
}

// Exponential returns a backoff doubling from base, capped at ceiling. A
// longer server hint on the error wins over the computed delay.
func Exponential(base, ceiling time.Duration) func(int, error) time.Duration {
	return func(attempt int, err error) time.Duration {
		d := base
		if attempt > 2 {
			d = base << (attempt - 2)
			if d <= 0 || d > ceiling {
				d = ceiling
			}
		}
		var h Hinted
		if errors.As(err, &h) && h.RetryHint() > d {
			d = h.RetryHint()
		}
		return d
	}
}

// WhenTransient applies b only to transient errors; other failures are
// retried immediately.
func WhenTransient(b func(int, error) time.Duration) func(int, error) time.Duration {
	return func(attempt int, err error) time.Duration {
		if !Transient(err) {
			return 0
		}
		return b(attempt, err)
	}
}

// ClassifyVerdict marks errors whose Verdict refuses a retry as permanent.
// Everything else is retryable.
func ClassifyVerdict(err error) Class {
	var v Verdict
	if errors.As(err, &v) && !v.Retryable() {
		return Permanent
	}
	return Retryable
}

// Transient reports whether err looks like a network or service hiccup.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	var v Verdict
	if errors.As(err, &v) {
		return v.Retryable()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"timeout", "connection reset", "connection refused", "broken pipe",
		"eof", "error 429", "error 500", "error 502", "error 503", "error 504",
		"too many requests", "temporarily unavailable",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
