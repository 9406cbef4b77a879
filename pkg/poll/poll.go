package poll

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidBaseDelay = errors.New("BaseDelay must be greater than 0")
	ErrInvalidTimeout   = errors.New("timeout must be greater than 0")
)

// Config defines parameters for exponential backoff polling.
type Config struct {
	// Initial delay before first retry
	BaseDelay time.Duration
	// Multiplier for delay on each retry
	Factor float64
	// Optional maximum delay between retries
	MaxDelay time.Duration
}

// BackoffWithContext repeatedly calls the operation until timeout is reached,
// it returns true, an error, or the context is canceled. It waits between
// attempts using exponential backoff, starting from Config.BaseDelay and
// increasing by Config.Factor, capped by Config.MaxDelay if set.
func BackoffWithContext(ctx context.Context, cfg *Config, timeout time.Duration, opFn func(context.Context) (bool, error)) error {
	if timeout <= 0 {
		return ErrInvalidTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	delay := cfg.BaseDelay
	if delay <= 0 {
		return fmt.Errorf("invalid Config: %w", ErrInvalidBaseDelay)
	}

	for {
		done, err := opFn(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		select {
		case <-time.After(delay):
			next := time.Duration(float64(delay) * cfg.Factor)
			if cfg.MaxDelay > 0 && next > cfg.MaxDelay {
				next = cfg.MaxDelay
			}
			delay = next
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Retry calls the operation up to attempts times, backing off between
// failures. The last error is returned when all attempts fail.
func Retry(ctx context.Context, cfg *Config, attempts int, opFn func(context.Context) error) error {
	var lastErr error
	delay := cfg.BaseDelay
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = opFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-time.After(delay):
			next := time.Duration(float64(delay) * cfg.Factor)
			if cfg.MaxDelay > 0 && next > cfg.MaxDelay {
				next = cfg.MaxDelay
			}
			delay = next
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}
