package reliability

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/msageha/stagehand/internal/model"
)

// WithTimeout races op against limit. On expiry the operation's context is
// cancelled and a TimeoutError is returned; the operation itself is abandoned.
func WithTimeout(ctx context.Context, limit time.Duration, op func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- op(cctx)
	}()

	select {
	case err := <-done:
		return err
	case <-cctx.Done():
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return &TimeoutError{Limit: limit}
		}
		return cctx.Err()
	}
}

// Retrier executes operations under a RetryPolicy. The random source for
// jitter is injected at construction so delay bounds are testable with a
// fixed seed.
type Retrier struct {
	policy model.RetryPolicy

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRetrier creates a Retrier seeded for reproducible jitter.
func NewRetrier(policy model.RetryPolicy, seed int64) *Retrier {
	return &Retrier{
		policy: policy,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// Delay computes the backoff before retry attempt n (n >= 1):
// base × multiplier^(n-1), perturbed uniformly within ±jitter fraction,
// floored at zero.
func (r *Retrier) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(r.policy.BaseDelay())
	d := base * math.Pow(r.policy.BackoffMultiplier, float64(attempt-1))

	if j := r.policy.JitterFraction; j > 0 {
		r.mu.Lock()
		f := r.rng.Float64()
		r.mu.Unlock()
		// f in [0,1) → perturbation in [-j, +j)
		d += d * j * (2*f - 1)
	}

	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Do invokes op up to MaxRetries+1 times. A failed attempt is retried only
// when the error classifies as transient under the policy. The error of the
// final attempt propagates unchanged so callers see the original failure.
// The returned count is the number of retries consumed (0 when the first
// attempt settles the matter).
func (r *Retrier) Do(ctx context.Context, op func(context.Context) error) (int, error) {
	var lastErr error
	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, r.Delay(attempt)); err != nil {
				return attempt - 1, lastErr
			}
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return attempt, nil
		}
		if !Retryable(r.policy, lastErr) {
			return attempt, lastErr
		}
	}
	return r.policy.MaxRetries, lastErr
}

// sleepCtx sleeps for d or returns early if ctx is cancelled.
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
