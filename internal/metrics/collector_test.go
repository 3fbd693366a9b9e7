package metrics

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNewCollector(t *testing.T) {
	t.Parallel()

	t.Run("with valid config", func(t *testing.T) {
		config := &Config{
			Enabled:   true,
			Port:      9090,
			Path:      "/metrics",
			Namespace: "test",
			Subsystem: "balancing",
		}
		collector, err := NewCollector(config)
		if err != nil {
			t.Fatalf("NewCollector() error = %v, want nil", err)
		}
		if collector == nil {
			t.Fatal("NewCollector() returned nil collector")
		}
		if collector.config != config {
			t.Error("collector.config does not match input config")
		}
		if collector.registry == nil {
			t.Error("collector.registry is nil")
		}
		if collector.actions == nil {
			t.Error("collector.actions map is nil")
		}
	})

	t.Run("with nil config uses defaults", func(t *testing.T) {
		collector, err := NewCollector(nil)
		if err != nil {
			t.Fatalf("NewCollector(nil) error = %v, want nil", err)
		}
		if collector.config.Port != 8080 {
			t.Errorf("default port = %d, want 8080", collector.config.Port)
		}
		if collector.config.Path != "/metrics" {
			t.Errorf("default path = %q, want %q", collector.config.Path, "/metrics")
		}
		if collector.config.Namespace != "balancer" {
			t.Errorf("default namespace = %q, want %q", collector.config.Namespace, "balancer")
		}
	})

	t.Run("with disabled config", func(t *testing.T) {
		collector, err := NewCollector(&Config{Enabled: false})
		if err != nil {
			t.Fatalf("NewCollector() error = %v, want nil", err)
		}
		if collector.registry != nil {
			t.Error("disabled collector should not have registry")
		}
	})
}

func TestRecordAction(t *testing.T) {
	t.Parallel()

	t.Run("record successful action", func(t *testing.T) {
		collector, err := NewCollector(&Config{Enabled: true, Port: 9091, Namespace: "test"})
		if err != nil {
			t.Fatalf("NewCollector() error = %v", err)
		}

		collector.RecordAction("split", 100*time.Millisecond, true)

		actions := collector.GetActions()
		a, exists := actions["split"]
		if !exists {
			t.Fatal("split action not recorded")
		}
		if a.Count != 1 {
			t.Errorf("a.Count = %d, want 1", a.Count)
		}
		if a.Failures != 0 {
			t.Errorf("a.Failures = %d, want 0", a.Failures)
		}
	})

	t.Run("record failed action", func(t *testing.T) {
		collector, err := NewCollector(&Config{Enabled: true, Port: 9092, Namespace: "test"})
		if err != nil {
			t.Fatalf("NewCollector() error = %v", err)
		}

		collector.RecordAction("migrate", 50*time.Millisecond, false)

		a := collector.GetActions()["migrate"]
		if a.Failures != 1 {
			t.Errorf("a.Failures = %d, want 1", a.Failures)
		}
	})

	t.Run("record multiple actions of the same kind", func(t *testing.T) {
		collector, err := NewCollector(&Config{Enabled: true, Port: 9093, Namespace: "test"})
		if err != nil {
			t.Fatalf("NewCollector() error = %v", err)
		}

		collector.RecordAction("replicate", 100*time.Millisecond, true)
		collector.RecordAction("replicate", 200*time.Millisecond, true)
		collector.RecordAction("replicate", 300*time.Millisecond, false)

		a := collector.GetActions()["replicate"]
		if a.Count != 3 {
			t.Errorf("a.Count = %d, want 3", a.Count)
		}
		if a.Failures != 1 {
			t.Errorf("a.Failures = %d, want 1", a.Failures)
		}
		if a.AvgDuration != 200*time.Millisecond {
			t.Errorf("a.AvgDuration = %v, want 200ms", a.AvgDuration)
		}
	})

	t.Run("disabled collector ignores actions", func(t *testing.T) {
		collector, err := NewCollector(&Config{Enabled: false})
		if err != nil {
			t.Fatalf("NewCollector() error = %v", err)
		}

		collector.RecordAction("split", 100*time.Millisecond, true)
		if len(collector.actions) != 0 {
			t.Error("disabled collector should not track actions")
		}
	})
}

func TestRecordGossipAndLoad(t *testing.T) {
	t.Parallel()

	collector, err := NewCollector(&Config{Enabled: true, Port: 9094, Namespace: "test"})
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}

	// Should not panic.
	collector.RecordGossipRound(3.5)
	collector.RecordLoad(100, 10, 5000)
	collector.RecordReservation(true)
	collector.RecordReservation(false)
}

func TestRecordError(t *testing.T) {
	t.Parallel()

	collector, err := NewCollector(&Config{Enabled: true, Port: 9096, Namespace: "test"})
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}

	collector.RecordError("suitable-host", errors.New("test error"))

	disabled, err := NewCollector(&Config{Enabled: false})
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}
	disabled.RecordError("suitable-host", errors.New("test error"))
}

func TestClassifyError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		err          error
		expectedType string
	}{
		{name: "nil error", err: nil, expectedType: "none"},
		{name: "timeout error", err: errors.New("operation timeout"), expectedType: "timeout"},
		{name: "connection error", err: errors.New("connection refused"), expectedType: "connection"},
		{name: "not suitable error", err: errors.New("NOT_SUITABLE"), expectedType: "not_suitable"},
		{name: "not asked error", err: errors.New("ERROR_NOT_ASKED"), expectedType: "not_asked"},
		{name: "other error", err: errors.New("unknown error"), expectedType: "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyError(tt.err); got != tt.expectedType {
				t.Errorf("classifyError() = %q, want %q", got, tt.expectedType)
			}
		})
	}
}

func TestGetActionsSnapshotIsolation(t *testing.T) {
	t.Parallel()

	collector, err := NewCollector(&Config{Enabled: true, Port: 9100, Namespace: "test"})
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}

	collector.RecordAction("split", 100*time.Millisecond, true)
	collector.RecordAction("leave", 50*time.Millisecond, true)

	actions := collector.GetActions()
	if len(actions) != 2 {
		t.Errorf("len(actions) = %d, want 2", len(actions))
	}

	actions["split"].Count = 999
	if collector.GetActions()["split"].Count == 999 {
		t.Error("GetActions() should return a copy, not a live reference")
	}
}

func TestResetMetrics(t *testing.T) {
	t.Parallel()

	collector, err := NewCollector(&Config{Enabled: true, Port: 9101, Namespace: "test"})
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}

	collector.RecordAction("split", 100*time.Millisecond, true)
	collector.RecordAction("leave", 50*time.Millisecond, true)

	if len(collector.GetActions()) != 2 {
		t.Fatalf("before reset: len(actions) = %d, want 2", len(collector.GetActions()))
	}

	oldResetTime := collector.lastReset
	time.Sleep(10 * time.Millisecond)
	collector.ResetMetrics()

	if len(collector.GetActions()) != 0 {
		t.Errorf("after reset: len(actions) = %d, want 0", len(collector.GetActions()))
	}
	if !collector.lastReset.After(oldResetTime) {
		t.Error("lastReset should be updated after reset")
	}
}

func TestStopWithoutStart(t *testing.T) {
	t.Parallel()

	collector, err := NewCollector(&Config{Enabled: true, Port: 9102, Namespace: "test"})
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}

	if err := collector.Stop(context.Background()); err != nil {
		t.Errorf("Stop() without Start() error = %v, want nil", err)
	}
}
