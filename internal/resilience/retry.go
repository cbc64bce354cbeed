// Package resilience provides the retry and circuit-breaker primitives shared
// by the outbound clients (realtime AI handshake, booking backend).
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrBudgetExhausted is returned by [Retry.Do] when the overall time budget
// elapses before an attempt succeeds.
var ErrBudgetExhausted = errors.New("retry budget exhausted")

// Retry describes a bounded retry policy: a fixed number of attempts with a
// constant interval between them, all inside an overall time budget.
type Retry struct {
	// Attempts is the maximum number of calls to fn. Default: 3.
	Attempts int

	// Interval is the pause between consecutive attempts. Default: 1s.
	Interval time.Duration

	// Budget caps the total wall-clock time across all attempts, including
	// intervals. Zero means no overall cap.
	Budget time.Duration
}

// withDefaults returns r with zero fields replaced by defaults.
func (r Retry) withDefaults() Retry {
	if r.Attempts <= 0 {
		r.Attempts = 3
	}
	if r.Interval <= 0 {
		r.Interval = time.Second
	}
	return r
}

// Do calls fn until it succeeds, the attempt count is exhausted, the budget
// elapses, or ctx is cancelled. The context passed to fn carries the budget
// deadline so a single slow attempt cannot overrun it.
//
// The returned error wraps the last attempt's error; when the budget expires
// it also wraps [ErrBudgetExhausted].
func (r Retry) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	r = r.withDefaults()

	if r.Budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Budget)
		defer cancel()
	}

	var lastErr error
	for attempt := 1; attempt <= r.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return budgetErr(err, lastErr)
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if attempt == r.Attempts {
			break
		}

		timer := time.NewTimer(r.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return budgetErr(ctx.Err(), lastErr)
		case <-timer.C:
		}
	}

	return fmt.Errorf("all %d attempts failed: %w", r.Attempts, lastErr)
}

// budgetErr combines a context error with the last attempt error, mapping
// deadline expiry onto [ErrBudgetExhausted].
func budgetErr(ctxErr, lastErr error) error {
	base := ctxErr
	if errors.Is(ctxErr, context.DeadlineExceeded) {
		base = ErrBudgetExhausted
	}
	if lastErr == nil {
		return base
	}
	return fmt.Errorf("%w (last attempt: %v)", base, lastErr)
}
