// Package retry runs an operation with a bounded number of attempts and a
// linearly increasing delay between them.
//
// Example usage:
//
//	exec := retry.New(3, 5*time.Second, logger)
//	tokens, err := retry.Run(ctx, exec, func(ctx context.Context) (*Tokens, error) {
//	    return engine.Login(ctx, creds)
//	})
package retry

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wnsm/wnsm-sync/internal/apierr"
)

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Executor holds the retry policy. The zero value performs a single attempt.
type Executor struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// ShouldRetry decides whether a failed attempt is worth repeating.
	// Defaults to apierr.IsRetryable.
	ShouldRetry func(error) bool
	Sleep       Sleeper
	Logger      logrus.FieldLogger
}

// New creates an Executor with the default sleeper and retry classification.
func New(maxAttempts int, baseDelay time.Duration, logger logrus.FieldLogger) *Executor {
	return &Executor{
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		ShouldRetry: apierr.IsRetryable,
		Sleep:       SleepContext,
		Logger:      logger,
	}
}

// Do invokes op until it succeeds, returns a non-retryable error, or the
// attempts are exhausted. The last error is returned unchanged.
func (e *Executor) Do(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := Run(ctx, e, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Run is the value-returning form of Executor.Do.
func Run[T any](ctx context.Context, e *Executor, op func(ctx context.Context) (T, error)) (T, error) {
	attempts := e.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	shouldRetry := e.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = apierr.IsRetryable
	}
	sleep := e.Sleep
	if sleep == nil {
		sleep = SleepContext
	}
	logger := e.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	var (
		result T
		err    error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err = op(ctx)
		if err == nil {
			return result, nil
		}

		if !shouldRetry(err) {
			logger.WithError(err).WithField("attempt", attempt).Warn("Attempt failed with a non-retryable error")
			return result, err
		}

		if attempt == attempts {
			break
		}

		delay := e.BaseDelay * time.Duration(attempt)
		logger.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt,
			"delay":   delay.String(),
		}).Warn("Attempt failed, retrying")

		if sleepErr := sleep(ctx, delay); sleepErr != nil {
			return result, err
		}
	}

	logger.WithError(err).WithField("attempts", attempts).Error("All attempts failed")
	return result, err
}

// SleepContext waits for d, returning early with ctx.Err() on cancellation.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
