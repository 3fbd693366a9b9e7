package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/indexfabric/balancer/pkg/ferrors"
)

func transientErr() error {
	return ferrors.New(ferrors.ErrTransportTimeout, "reply timed out")
}

func permanentErr() error {
	return ferrors.New(ferrors.ErrNotSuitable, "target refused reservation")
}

func fastConfig() Config {
	return Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := New(fastConfig()).Do(func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestDoRetriesTransientUntilSuccess(t *testing.T) {
	calls := 0
	err := New(fastConfig()).Do(func() error {
		calls++
		if calls < 3 {
			return transientErr()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := New(fastConfig()).Do(func() error {
		calls++
		return permanentErr()
	})
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retry of a permanent error)", calls)
	}
	var fe *ferrors.FabricError
	if !errors.As(err, &fe) || fe.Code != ferrors.ErrNotSuitable {
		t.Fatalf("err = %v, want the NOT_SUITABLE error unchanged", err)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	err := New(fastConfig()).Do(func() error {
		calls++
		return transientErr()
	})
	if calls != 3 {
		t.Fatalf("calls = %d, want MaxAttempts (3)", calls)
	}
	if err == nil {
		t.Fatal("Do returned nil after exhausting attempts")
	}
	var fe *ferrors.FabricError
	if !errors.As(err, &fe) || fe.Code != ferrors.ErrTransportTimeout {
		t.Fatalf("exhaustion error does not wrap the last failure: %v", err)
	}
}

func TestDoWithContextHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := New(Config{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}).
		DoWithContext(ctx, func(context.Context) error {
			calls++
			cancel()
			return transientErr()
		})
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want wrapped context.Canceled", err)
	}
}

func TestDoWithContextRefusesDeadCtx(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := New(fastConfig()).DoWithContext(ctx, func(context.Context) error {
		t.Fatal("fn ran under a canceled context")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want wrapped context.Canceled", err)
	}
}

func TestTransientClassification(t *testing.T) {
	if !Transient(transientErr()) {
		t.Fatal("transport timeout should be transient")
	}
	if Transient(permanentErr()) {
		t.Fatal("NOT_SUITABLE should be permanent")
	}
	if Transient(errors.New("plain error")) {
		t.Fatal("a non-FabricError should be permanent")
	}
	wrapped := ferrors.Wrap(ferrors.ErrTransportUnreachable, errors.New("connection refused"), "send")
	if !Transient(wrapped) {
		t.Fatal("wrapped unreachable error should be transient")
	}
}

func TestBackoffCappedAtMaxDelay(t *testing.T) {
	r := New(Config{MaxAttempts: 10, BaseDelay: time.Millisecond, MaxDelay: 8 * time.Millisecond})
	for attempt := 1; attempt < 10; attempt++ {
		d := r.backoff(attempt)
		if d > 8*time.Millisecond {
			t.Fatalf("backoff(%d) = %v, exceeds MaxDelay", attempt, d)
		}
		if d <= 0 {
			t.Fatalf("backoff(%d) = %v, want positive", attempt, d)
		}
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	r := New(Config{})
	if r.cfg.MaxAttempts != 3 {
		t.Fatalf("MaxAttempts = %d, want default 3", r.cfg.MaxAttempts)
	}
	if r.cfg.BaseDelay != 100*time.Millisecond {
		t.Fatalf("BaseDelay = %v, want default 100ms", r.cfg.BaseDelay)
	}
	if r.cfg.MaxDelay != 5*time.Second {
		t.Fatalf("MaxDelay = %v, want default 5s", r.cfg.MaxDelay)
	}
}
