// Package retry runs an operation with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config bounds the retry loop.
type Config struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	Multiplier     float64       `mapstructure:"multiplier"`
}

// Validate rejects configurations that could not terminate or never run.
func (c Config) Validate() error {
	if c.MaxAttempts < 1 {
		return errors.New("max_attempts must be at least 1")
	}
	if c.InitialBackoff < 0 || c.MaxBackoff < 0 {
		return errors.New("backoff durations must not be negative")
	}
	if c.Multiplier != 0 && c.Multiplier < 1 {
		return errors.New("multiplier must be at least 1")
	}
	return nil
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do calls op until it succeeds, returns a permanent error, the attempt
// budget is spent or ctx is done. onRetry, if set, is called before each
// wait with the error that caused it.
func Do(ctx context.Context, cfg Config, op func(ctx context.Context) error, onRetry func(attempt int, err error, wait time.Duration)) error {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = cfg.InitialBackoff
	if eb.InitialInterval <= 0 {
		eb.InitialInterval = time.Millisecond
	}
	if cfg.MaxBackoff > 0 {
		eb.MaxInterval = cfg.MaxBackoff
	}
	if cfg.Multiplier >= 1 {
		eb.Multiplier = cfg.Multiplier
	}
	eb.RandomizationFactor = 0.1
	// The attempt budget is the only bound.
	eb.MaxElapsedTime = 0
	eb.Reset()

	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)

	attempt := 0
	var last error
	err := backoff.RetryNotify(func() error {
		attempt++
		last = op(ctx)
		return last
	}, b, func(err error, wait time.Duration) {
		if onRetry != nil {
			onRetry(attempt, err, wait)
		}
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil && last != nil && !errors.Is(last, ctx.Err()) {
		return fmt.Errorf("%w (last error: %v)", ctx.Err(), last)
	}
	if attempt >= attempts && !isPermanent(last) {
		return fmt.Errorf("failed after %d attempts: %w", attempt, err)
	}
	return err
}

func isPermanent(err error) bool {
	var p *backoff.PermanentError
	return errors.As(err, &p)
}
