package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeClock advances only when a waiter asks to sleep.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	t := c.now
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- t
	return ch
}

func newFakeWindow(n int, period time.Duration) (*Window, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	w := NewWindow(n, period)
	w.now = clock.Now
	w.after = clock.After
	return w, clock
}

func TestWindow_AdmitsNPerPeriod(t *testing.T) {
	w, clock := newFakeWindow(2, time.Minute)
	start := clock.Now()
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := w.Wait(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if !clock.Now().Equal(start) {
		t.Error("first N calls should not wait")
	}
	if err := w.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if got := clock.Now().Sub(start); got != time.Minute {
		t.Errorf("third call waited %v, want 1m", got)
	}
	// Both original stamps expired at the 1m mark.
	if w.InFlight() != 1 {
		t.Errorf("InFlight = %d, want 1", w.InFlight())
	}
}

func TestWindow_SlidesRatherThanResets(t *testing.T) {
	w, clock := newFakeWindow(2, 10*time.Second)
	ctx := context.Background()
	start := clock.Now()
	_ = w.Wait(ctx)
	clock.After(6 * time.Second)
	_ = w.Wait(ctx)
	// The first stamp leaves the window at t=10s, not at the next fixed boundary.
	_ = w.Wait(ctx)
	if got := clock.Now().Sub(start); got != 10*time.Second {
		t.Errorf("waited until %v, want 10s", got)
	}
}

func TestWindow_Disabled(t *testing.T) {
	var nilWindow *Window
	if err := nilWindow.Wait(context.Background()); err != nil {
		t.Errorf("nil window: %v", err)
	}
	w := NewWindow(0, time.Minute)
	for i := 0; i < 100; i++ {
		if err := w.Wait(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
}

func TestWindow_ContextCancelled(t *testing.T) {
	w := NewWindow(1, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	_ = w.Wait(ctx)
	cancel()
	if err := w.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestWindow_Do(t *testing.T) {
	w := NewWindow(5, time.Second)
	ran := false
	if err := w.Do(context.Background(), func() error { ran = true; return nil }); err != nil || !ran {
		t.Errorf("Do: ran=%v err=%v", ran, err)
	}
}
