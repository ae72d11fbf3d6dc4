// Package retry is the backoff policy shared by vulnerability sources and
// the worker poll loop.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

type Strategy string

const (
	Exponential Strategy = "exponential"
	Linear      Strategy = "linear"
	Constant    Strategy = "constant"
)

// Policy describes how often and how long to wait between attempts. The
// zero value performs a single attempt with no delay.
type Policy struct {
	MaxAttempts int           `yaml:"max_attempts"`
	InitDelay   time.Duration `yaml:"init_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Strategy    Strategy      `yaml:"strategy"`
	// Jitter adds up to ±25% to each delay.
	Jitter bool `yaml:"jitter"`

	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy retries three times, 500ms doubling up to 10s, jittered.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		InitDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Strategy:    Exponential,
		Jitter:      true,
	}
}

// PermanentError marks an error that must not be retried (a 4xx response,
// a malformed request).
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so Do returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Do calls fn until it succeeds, returns a permanent error, the attempts run
// out, or ctx is done. The last error from fn is returned.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			if err != nil {
				return err
			}
			return cerr
		}
		err = fn(ctx)
		if err == nil {
			return nil
		}
		var perm *PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		if attempt == attempts-1 {
			break
		}
		if serr := p.Sleep(ctx, attempt); serr != nil {
			return err
		}
	}
	return err
}

// Sleep waits Delay(attempt) or until ctx is done.
func (p Policy) Sleep(ctx context.Context, attempt int) error {
	d := p.Delay(attempt)
	if p.sleep != nil {
		return p.sleep(ctx, d)
	}
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

// Delay is the wait before attempt+1 (attempt is 0-indexed).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	var d time.Duration
	switch p.Strategy {
	case Linear:
		d = p.InitDelay * time.Duration(attempt+1)
	case Constant:
		d = p.InitDelay
	default:
		d = p.InitDelay
		for i := 0; i < attempt && (p.MaxDelay <= 0 || d < p.MaxDelay); i++ {
			d *= 2
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter && d > 0 {
		if q := int64(d) / 4; q > 0 {
			d += time.Duration(rand.Int64N(2*q+1) - q)
		}
	}
	return d
}
