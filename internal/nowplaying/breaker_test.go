package nowplaying

import (
	"testing"
	"time"
)

func TestCircuitState_String(t *testing.T) {
	tests := []struct {
		name     string
		state    CircuitState
		expected string
	}{
		{"Closed", StateClosed, "closed"},
		{"Open", StateOpen, "open"},
		{"Half Open", StateHalfOpen, "half_open"},
		{"Unknown", CircuitState(999), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.state.String()
			if result != tt.expected {
				t.Errorf("CircuitState.String() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute)

	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != StateClosed {
		t.Fatalf("state after 2 failures = %v, want %v", cb.State(), StateClosed)
	}
	if !cb.CanAttempt() {
		t.Error("CanAttempt() = false before threshold")
	}

	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Errorf("state after 3 failures = %v, want %v", cb.State(), StateOpen)
	}
	if cb.CanAttempt() {
		t.Error("CanAttempt() = true while open")
	}
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	if cb.Failures() != 0 {
		t.Errorf("failures after success = %v, want 0", cb.Failures())
	}

	cb.RecordFailure()
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want %v", cb.State(), StateClosed)
	}
}

func TestCircuitBreaker_TransitionToHalfOpen(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(1, 30*time.Second)
	cb.nowFunc = func() time.Time { return now }

	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatalf("circuit should be open")
	}

	now = now.Add(29 * time.Second)
	if cb.State() != StateOpen {
		t.Errorf("state before reset timeout = %v, want %v", cb.State(), StateOpen)
	}

	now = now.Add(time.Second)
	if cb.State() != StateHalfOpen {
		t.Errorf("state after reset timeout = %v, want %v", cb.State(), StateHalfOpen)
	}
	if !cb.CanAttempt() {
		t.Error("CanAttempt() = false in half-open state")
	}
}

func TestCircuitBreaker_HalfOpenSuccessCloses(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(1, 30*time.Second)
	cb.nowFunc = func() time.Time { return now }

	cb.RecordFailure()
	now = now.Add(31 * time.Second)
	if cb.State() != StateHalfOpen {
		t.Fatalf("circuit should be half-open")
	}

	cb.RecordSuccess()
	if cb.State() != StateClosed {
		t.Errorf("state after half-open success = %v, want %v", cb.State(), StateClosed)
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(3, 30*time.Second)
	cb.nowFunc = func() time.Time { return now }

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordFailure()
	now = now.Add(31 * time.Second)
	if cb.State() != StateHalfOpen {
		t.Fatalf("circuit should be half-open")
	}

	// A single probe failure reopens regardless of the threshold
	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Errorf("state after half-open failure = %v, want %v", cb.State(), StateOpen)
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Minute)

	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatalf("circuit should be open")
	}

	cb.Reset()
	if cb.State() != StateClosed {
		t.Errorf("state after Reset = %v, want %v", cb.State(), StateClosed)
	}
	if cb.Failures() != 0 {
		t.Errorf("failures after Reset = %v, want 0", cb.Failures())
	}
}
