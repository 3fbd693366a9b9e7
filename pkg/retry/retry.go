// Package retry bounds the fabric's RPC dialogs with exponential backoff.
//
// Only transient failures are worth a second attempt here: a reply timeout,
// an unreachable peer, or a reservation slot that was busy this instant.
// Those are exactly the FabricErrors whose Retryable flag is set, so the
// retry decision is driven by the error value itself rather than by a
// caller-supplied code list.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/indexfabric/balancer/pkg/ferrors"
)

// Config bounds a retry loop.
type Config struct {
	// MaxAttempts is the total number of tries, the first one included.
	MaxAttempts int `yaml:"max_attempts"`

	// BaseDelay is the un-jittered wait after the first failed attempt;
	// each further wait doubles it, capped at MaxDelay (backoff then
	// applies equal jitter).
	BaseDelay time.Duration `yaml:"base_delay"`

	// MaxDelay caps the backoff.
	MaxDelay time.Duration `yaml:"max_delay"`
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Second
	}
}

// Retryer re-runs dialogs whose failures are marked transient.
type Retryer struct {
	cfg Config
}

// New creates a Retryer, filling in defaults for zero-valued fields.
func New(cfg Config) *Retryer {
	cfg.applyDefaults()
	return &Retryer{cfg: cfg}
}

// Do is DoWithContext without a deadline.
func (r *Retryer) Do(fn func() error) error {
	return r.DoWithContext(context.Background(), func(context.Context) error {
		return fn()
	})
}

// DoWithContext runs fn up to MaxAttempts times, sleeping an equal-jitter
// exponential backoff between attempts. A non-transient error, or a context
// cancellation, stops the loop immediately.
func (r *Retryer) DoWithContext(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("dialog canceled on attempt %d: %w", attempt, err)
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !Transient(lastErr) {
			return lastErr
		}
		if attempt == r.cfg.MaxAttempts {
			return fmt.Errorf("gave up after %d attempts: %w", attempt, lastErr)
		}

		timer := time.NewTimer(r.backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("dialog canceled after %d attempts: %w", attempt, ctx.Err())
		case <-timer.C:
		}
	}
}

// Transient reports whether err is worth retrying: a FabricError whose
// Retryable flag is set. Anything else, including engine-level refusals
// and protocol errors, fails the dialog for good.
func Transient(err error) bool {
	var fe *ferrors.FabricError
	return errors.As(err, &fe) && fe.Retryable
}

// backoff returns the wait before attempt+1: the doubled base capped at
// MaxDelay, then halved plus a random half (equal jitter), so concurrent
// balancing attempts against the same peer spread out.
func (r *Retryer) backoff(attempt int) time.Duration {
	d := r.cfg.BaseDelay << uint(attempt-1)
	if d <= 0 || d > r.cfg.MaxDelay {
		d = r.cfg.MaxDelay
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
