package genai

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds retries of a model call.
type RetryPolicy struct {
	MaxAttempts int           // total attempts, including the first
	BaseDelay   time.Duration // delay before the second attempt
	Multiplier  float64       // growth factor between delays
	// Retryable reports whether err deserves another attempt. Nil retries everything.
	Retryable func(err error) bool
}

// DefaultRetryPolicy makes 3 attempts waiting 2s then 4s, retrying everything
// except context cancellation.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		Multiplier:  2,
		Retryable: func(err error) bool {
			return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		},
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = p.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	b.RandomizationFactor = 0
	b.MaxInterval = time.Hour
	b.MaxElapsedTime = 0
	b.Reset()

	retries := 0
	if p.MaxAttempts > 1 {
		retries = p.MaxAttempts - 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// Do runs op until it succeeds, returns a non-retryable error, or the attempts
// run out. The last error is returned.
func (p RetryPolicy) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	attempt := 0
	operation := func() error {
		attempt++
		slog.Debug("RetryPolicy.Do: attempt", "op", name, "attempt", attempt, "max", p.MaxAttempts)
		err := op(ctx)
		if err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		if IsConversationLocked(err) {
			slog.Warn("RetryPolicy.Do: conversation locked, retrying", "op", name, "attempt", attempt, "wait", wait)
			return
		}
		slog.Warn("RetryPolicy.Do: attempt failed, retrying", "op", name, "attempt", attempt, "wait", wait, "error", err)
	}
	err := backoff.RetryNotify(operation, p.backOff(ctx), notify)
	if err != nil {
		slog.Error("RetryPolicy.Do: giving up", "op", name, "attempts", attempt, "error", err)
	}
	return err
}
