// Package retry runs operations with bounded attempts and exponential
// backoff. Validation and authentication failures are never retried,
// whatever the policy says.
package retry

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"reel-pipeline/internal/failure"
)

// Policy bounds how an operation is retried.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// Jitter scales each delay by a uniform factor in [1, 1+Jitter).
	Jitter float64
	// IsRetryable decides whether a failed attempt may be repeated. Nil
	// means failure.IsRetryable.
	IsRetryable func(error) bool
}

// DefaultPolicy is 3 attempts, 1s base delay doubling up to 30s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2,
		Jitter:      0.3,
		IsRetryable: failure.IsRetryable,
	}
}

// Attempt describes the outcome of one try.
type Attempt struct {
	Operation string
	Number    int
	Err       error
	// Delay is the sleep before the next try; zero when Final.
	Delay time.Duration
	Final bool
}

// Observer receives one event per attempt.
type Observer func(Attempt)

// Executor runs operations under a policy and reports attempts.
type Executor struct {
	Observer Observer

	mu    sync.Mutex
	rng   *rand.Rand
	sleep func(context.Context, time.Duration) error
}

// NewExecutor returns an executor that reports attempts to obs (may be nil).
func NewExecutor(obs Observer) *Executor {
	return &Executor{
		Observer: obs,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:    sleepCtx,
	}
}

// Do runs op until it succeeds, a non-retryable error occurs, attempts are
// exhausted or ctx is done. The last error is returned unchanged.
func Do[T any](ctx context.Context, ex *Executor, name string, p Policy, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if ex == nil {
		ex = NewExecutor(nil)
	}
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	retryable := p.IsRetryable
	if retryable == nil {
		retryable = failure.IsRetryable
	}

	var lastErr error
	for n := 1; n <= attempts; n++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, err
		}

		res, err := op(ctx)
		if err == nil {
			ex.emit(Attempt{Operation: name, Number: n, Final: true})
			return res, nil
		}
		lastErr = err

		if n == attempts || neverRetry(err) || !retryable(err) {
			ex.emit(Attempt{Operation: name, Number: n, Err: err, Final: true})
			return zero, err
		}

		delay := ex.backoff(p, n, failure.RetryAfterOf(err))
		ex.emit(Attempt{Operation: name, Number: n, Err: err, Delay: delay})
		if err := ex.sleep(ctx, delay); err != nil {
			return zero, lastErr
		}
	}
	return zero, lastErr
}

// neverRetry is the hard rule that overrides any policy.
func neverRetry(err error) bool {
	switch failure.KindOf(err) {
	case failure.Validation, failure.Authentication:
		return true
	}
	return false
}

// Backoff returns the un-jittered delay after attempt n (1-based).
func Backoff(p Policy, n int) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(n-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}

func (ex *Executor) backoff(p Policy, n int, hint time.Duration) time.Duration {
	d := Backoff(p, n)
	if p.Jitter > 0 {
		ex.mu.Lock()
		f := ex.rng.Float64()
		ex.mu.Unlock()
		d = time.Duration(float64(d) * (1 + p.Jitter*f))
	}
	if hint > d {
		d = hint
	}
	return d
}

func (ex *Executor) emit(a Attempt) {
	if ex.Observer != nil {
		ex.Observer(a)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
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
