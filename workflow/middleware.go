package workflow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Middleware wraps a step with extra behaviour.
type Middleware[C any] func(Step[C]) Step[C]

// Wrap applies middlewares so that the first one is the outermost.
func Wrap[C any](step Step[C], mws ...Middleware[C]) Step[C] {
	for i := len(mws) - 1; i >= 0; i-- {
		step = mws[i](step)
	}
	return step
}

// WithTimeout bounds each execution of the step.
func WithTimeout[C any](d time.Duration) Middleware[C] {
	return func(next Step[C]) Step[C] {
		return StepFunc[C](func(ctx context.Context, req *Request[C]) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			if err := next.Execute(ctx, req); err != nil {
				if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
					return fmt.Errorf("step timed out after %s: %w", d, err)
				}
				return err
			}
			return nil
		})
	}
}

// WithRateLimit waits on limiter before every execution.
func WithRateLimit[C any](limiter *rate.Limiter) Middleware[C] {
	return func(next Step[C]) Step[C] {
		return StepFunc[C](func(ctx context.Context, req *Request[C]) error {
			if err := limiter.Wait(ctx); err != nil {
				return fmt.Errorf("rate limit wait: %w", err)
			}
			return next.Execute(ctx, req)
		})
	}
}

// RetryPolicy configures WithRetry.
type RetryPolicy struct {
	MaxRetries      int           // 0 disables retries
	InitialDelay    time.Duration // delay before the first retry
	MaxDelay        time.Duration
	Multiplier      float64
	Jitter          bool    // ±25% random jitter
	RetryableErrors []error // empty retries every error
	OnRetry         func(step StepKey, attempt int, err error, delay time.Duration)
}

// DefaultRetryPolicy returns a policy suitable for flaky remote calls.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 200 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * time.Second
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.Multiplier < 1.0 {
		p.Multiplier = 2.0
	}
	return p
}

// delay returns the wait before retry number attempt (1-based).
func (p RetryPolicy) delay(attempt int) time.Duration {
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter {
		jitter := d * 0.25
		d += (rand.Float64()*2 - 1) * jitter
	}
	if d < float64(p.InitialDelay) {
		d = float64(p.InitialDelay)
	}
	return time.Duration(d)
}

func (p RetryPolicy) retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if len(p.RetryableErrors) == 0 {
		return true
	}
	for _, target := range p.RetryableErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// WithRetry re-executes a failing step with exponential backoff. Modifications
// applied by a failed attempt are not rolled back, so the wrapped step should
// only apply its result once it has succeeded.
func WithRetry[C any](policy RetryPolicy) Middleware[C] {
	policy = policy.normalized()
	return func(next Step[C]) Step[C] {
		return StepFunc[C](func(ctx context.Context, req *Request[C]) error {
			var lastErr error
			for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
				if attempt > 0 {
					delay := policy.delay(attempt)
					req.Logger().Debug("retrying step",
						zap.Int("attempt", attempt),
						zap.Int("max_retries", policy.MaxRetries),
						zap.Duration("delay", delay),
						zap.Error(lastErr),
					)
					if policy.OnRetry != nil {
						policy.OnRetry(req.Step, attempt, lastErr, delay)
					}
					timer := time.NewTimer(delay)
					select {
					case <-ctx.Done():
						timer.Stop()
						return fmt.Errorf("retry cancelled: %w", ctx.Err())
					case <-timer.C:
					}
				}

				lastErr = next.Execute(ctx, req)
				if lastErr == nil {
					if attempt > 0 {
						req.Logger().Info("step succeeded after retry", zap.Int("attempt", attempt))
					}
					return nil
				}
				if !policy.retryable(lastErr) {
					return lastErr
				}
			}

			req.Logger().Warn("retries exhausted",
				zap.Int("attempts", policy.MaxRetries+1),
				zap.Error(lastErr),
			)
			if policy.MaxRetries == 0 {
				return lastErr
			}
			return fmt.Errorf("failed after %d retries: %w", policy.MaxRetries, lastErr)
		})
	}
}
