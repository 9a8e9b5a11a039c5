package channels

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/conclave-run/conclave/internal/retry"
)

// ReconnectConfig controls how aggressively an inbound transport retries
// a dropped platform connection.
type ReconnectConfig struct {
	MaxAttempts  int // 0 means unlimited
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
	Jitter       bool
}

// DefaultReconnectConfig retries forever with a 2s-30s exponential
// backoff, matching the cadence the platform SDKs themselves expect
// (Discord and Telegram both recommend backing off well past their
// own internal retry windows before a client reconnects).
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{InitialDelay: 2 * time.Second, MaxDelay: 30 * time.Second, Factor: 2, Jitter: true}
}

// Reconnector keeps an inbound transport's connection loop alive across
// transient failures, grounded on the teacher's
// internal/channels/reconnect.go. It reports failed attempts only
// through OnFailed and Logger; connection health is tracked by each
// adapter itself rather than by a separate embedded type like the
// teacher's BaseHealthAdapter.
type Reconnector struct {
	Config   ReconnectConfig
	Logger   *slog.Logger
	OnFailed func(err error, attempt int)
}

// Run calls connect repeatedly until it succeeds, ctx is cancelled, a
// retry.Permanent error comes back, or MaxAttempts is exhausted.
func (r *Reconnector) Run(ctx context.Context, connect func(context.Context) error) error {
	if connect == nil {
		return errors.New("channels: reconnector given a nil connect func")
	}
	cfg := r.withDefaults()

	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := connect(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || retry.IsPermanent(err) {
			return err
		}
		if r.OnFailed != nil {
			r.OnFailed(err, attempt)
		}
		if r.Logger != nil {
			r.Logger.Warn("channel connection attempt failed", "attempt", attempt, "error", err)
		}
		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			return err
		}

		delay := retry.Backoff(attempt, cfg.InitialDelay, cfg.MaxDelay, cfg.Factor)
		if cfg.Jitter {
			delay = retry.BackoffWithJitter(attempt, cfg.InitialDelay, cfg.MaxDelay, cfg.Factor)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (r *Reconnector) withDefaults() ReconnectConfig {
	cfg := r.Config
	def := DefaultReconnectConfig()
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.Factor <= 0 {
		cfg.Factor = def.Factor
	}
	return cfg
}
