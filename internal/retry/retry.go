// Package retry runs fallible network operations with exponential backoff.
//
// Errors are classified by matching their message against a fixed table of
// substrings (see Classify). Each Do call is independent: there is no jitter
// and no state shared between calls.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"
)

// Config controls how often and how long an operation is retried.
type Config struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// DefaultConfig returns the retry settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		BaseDelay:         time.Second,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2,
	}
}

// Validate checks that the configuration can drive a retry loop.
func (c Config) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.BaseDelay <= 0 {
		return fmt.Errorf("base_delay must be positive, got %s", c.BaseDelay)
	}
	if c.MaxDelay < c.BaseDelay {
		return fmt.Errorf("max_delay (%s) must not be less than base_delay (%s)", c.MaxDelay, c.BaseDelay)
	}
	if c.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff_multiplier must be at least 1, got %g", c.BackoffMultiplier)
	}
	return nil
}

// Delay returns the wait before the attempt following the given one.
// Attempts are counted from 1.
func (c Config) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(c.BaseDelay) * math.Pow(c.BackoffMultiplier, float64(attempt-1))
	if d > float64(c.MaxDelay) || math.IsInf(d, 0) {
		return c.MaxDelay
	}
	return time.Duration(d)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Executor retries operations according to a Config.
type Executor struct {
	cfg      Config
	logger   *slog.Logger
	sleep    SleepFunc
	classify func(error) bool
}

// Option customizes an Executor.
type Option func(*Executor)

// WithSleep replaces the backoff wait, mainly for tests.
func WithSleep(fn SleepFunc) Option {
	return func(e *Executor) { e.sleep = fn }
}

// WithClassifier replaces the retryable-error check.
func WithClassifier(fn func(error) bool) Option {
	return func(e *Executor) { e.classify = fn }
}

// NewExecutor creates an executor for cfg.
func NewExecutor(cfg Config, logger *slog.Logger, opts ...Option) *Executor {
	e := &Executor{
		cfg:      cfg,
		logger:   logger,
		sleep:    sleepContext,
		classify: IsRetryable,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the executor's configuration.
func (e *Executor) Config() Config {
	return e.cfg
}

// Do runs op until it succeeds, fails with a non-retryable error, or the
// attempt budget is spent. The last error is returned unchanged.
func Do[T any](ctx context.Context, e *Executor, label string, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	maxAttempts := e.cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; ; attempt++ {
		result, err := op(ctx)
		if err == nil {
			if attempt > 1 {
				e.logger.Info("operation succeeded after retry", "op", label, "attempt", attempt)
			}
			return result, nil
		}

		if attempt >= maxAttempts || !e.classify(err) {
			return zero, err
		}

		delay := e.cfg.Delay(attempt)
		e.logger.Warn("operation failed, retrying",
			"op", label,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"delay", delay,
			"error", err)

		if sleepErr := e.sleep(ctx, delay); sleepErr != nil {
			return zero, fmt.Errorf("%s: retry aborted: %w", label, sleepErr)
		}
	}
}

// Run is Do for operations without a result.
func (e *Executor) Run(ctx context.Context, label string, op func(ctx context.Context) error) error {
	_, err := Do(ctx, e, label, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
