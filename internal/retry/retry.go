// Package retry paces repeated attempts to reach the relay: the first dial of
// an observer connection and every reconnect after that connection drops.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// Config bounds a sequence of attempts. Zero durations take DefaultConfig
// values; a zero MaxAttempts means only MaxElapsed limits the sequence.
type Config struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// MaxElapsed stops retrying once this much time has passed since the
	// first attempt.
	MaxElapsed  time.Duration
	MaxAttempts int
	Logger      *slog.Logger
}

// DefaultConfig suits a relay that may still be starting up.
func DefaultConfig() Config {
	return Config{
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		MaxElapsed:   30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.InitialDelay <= 0 {
		c.InitialDelay = def.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = def.MaxDelay
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	if c.MaxElapsed <= 0 {
		c.MaxElapsed = def.MaxElapsed
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type permanent struct{ err error }

func (p permanent) Error() string { return p.err.Error() }
func (p permanent) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Do returns err itself.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanent{err: err}
}

// IsPermanent reports whether err, or an error it wraps, was marked with
// Permanent.
func IsPermanent(err error) bool {
	var p permanent
	return errors.As(err, &p)
}

// Backoff hands out the delays between failed attempts. Delays double up to
// MaxDelay and each one is drawn from the upper half of its step.
type Backoff struct {
	cfg     Config
	start   time.Time
	step    time.Duration
	attempt int
}

// NewBackoff returns a Backoff whose clock starts now.
func NewBackoff(cfg Config) *Backoff {
	b := &Backoff{cfg: cfg.withDefaults()}
	b.Reset()
	return b
}

// Reset restarts the attempt count, the delay and the elapsed clock.
func (b *Backoff) Reset() {
	b.start = time.Now()
	b.step = b.cfg.InitialDelay
	b.attempt = 0
}

// Attempts returns the number of failures reported through Next since the
// last Reset.
func (b *Backoff) Attempts() int {
	return b.attempt
}

// Elapsed returns the time since the last Reset.
func (b *Backoff) Elapsed() time.Duration {
	return time.Since(b.start)
}

// Next records a failed attempt and returns how long to wait before the next
// one. ok is false once the attempt or time allowance is used up.
func (b *Backoff) Next() (delay time.Duration, ok bool) {
	b.attempt++
	if b.cfg.MaxAttempts > 0 && b.attempt >= b.cfg.MaxAttempts {
		return 0, false
	}
	if b.Elapsed() >= b.cfg.MaxElapsed {
		return 0, false
	}
	delay = b.step
	if half := delay / 2; half > 0 {
		delay = half + rand.N(half+1)
	}
	b.step = min(b.step*2, b.cfg.MaxDelay)
	return delay, true
}

// Sleep waits for d. It returns early with the context's cause when ctx ends.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}

// Do calls fn until it succeeds, returns a Permanent error or the Backoff
// built from cfg runs out. The returned error wraps fn's last error, or the
// context's cause when ctx ends between attempts.
func Do(ctx context.Context, cfg Config, op string, fn func(ctx context.Context) error) error {
	b := NewBackoff(cfg)
	logger := b.cfg.Logger

	for {
		err := fn(ctx)
		if err == nil {
			if n := b.Attempts(); n > 0 {
				logger.Info("Retry: recovered", "operation", op, "attempts", n+1, "elapsed", b.Elapsed().Round(time.Millisecond))
			}
			return nil
		}
		var p permanent
		if errors.As(err, &p) {
			logger.Warn("Retry: not retrying", "operation", op, "error", p.err)
			return p.err
		}

		delay, ok := b.Next()
		if !ok {
			logger.Warn("Retry: giving up", "operation", op, "attempts", b.Attempts(), "error", err)
			return fmt.Errorf("%s: gave up after %d attempts in %s: %w", op, b.Attempts(), b.Elapsed().Round(time.Millisecond), err)
		}
		logger.Debug("Retry: attempt failed", "operation", op, "attempt", b.Attempts(), "delay", delay.Round(time.Millisecond), "error", err)

		if cause := Sleep(ctx, delay); cause != nil {
			return fmt.Errorf("%s: interrupted after %d attempts (last error: %v): %w", op, b.Attempts(), err, cause)
		}
	}
}
