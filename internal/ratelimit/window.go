// Package ratelimit bounds how often a capability may be called. A Window
// admits at most N calls in any trailing Period.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Window is a sliding-window limiter. The zero value and a nil *Window admit
// everything.
type Window struct {
	n      int
	period time.Duration

	mu    sync.Mutex
	stamp []time.Time
	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

// NewWindow allows n calls per period. n <= 0 disables limiting.
func NewWindow(n int, period time.Duration) *Window {
	return &Window{
		n:      n,
		period: period,
		now:    time.Now,
		after:  time.After,
	}
}

// Wait blocks until a call may proceed or ctx is done.
func (w *Window) Wait(ctx context.Context) error {
	if w == nil || w.n <= 0 || w.period <= 0 {
		return ctx.Err()
	}
	for {
		wait := w.reserve()
		if wait <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("rate limit wait: %w", ctx.Err())
		case <-w.after(wait):
		}
	}
}

// reserve records a call and returns 0 if one fits in the window, otherwise
// how long until the oldest call leaves it.
func (w *Window) reserve() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	cutoff := now.Add(-w.period)
	i := 0
	for i < len(w.stamp) && !w.stamp[i].After(cutoff) {
		i++
	}
	w.stamp = w.stamp[i:]
	if len(w.stamp) < w.n {
		w.stamp = append(w.stamp, now)
		return 0
	}
	return w.stamp[0].Add(w.period).Sub(now)
}

// InFlight reports how many calls are inside the current window.
func (w *Window) InFlight() int {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := w.now().Add(-w.period)
	n := 0
	for _, t := range w.stamp {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

// Do waits for a slot and runs fn.
func (w *Window) Do(ctx context.Context, fn func() error) error {
	if err := w.Wait(ctx); err != nil {
		return err
	}
	return fn()
}
