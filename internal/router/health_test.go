package router

import (
	"testing"
	"time"
)

func TestHealthTracker_LazyCreation(t *testing.T) {
	ht := NewHealthTracker(3, 5*time.Second)
	if !ht.IsAvailable("openai") {
		t.Error("expected new provider to be available")
	}
	if ht.Breaker("openai") != ht.Breaker("openai") {
		t.Error("expected the same breaker on repeated lookups")
	}
}

func TestHealthTracker_RecordFailureOpensCircuit(t *testing.T) {
	ht := NewHealthTracker(2, 5*time.Second)

	ht.RecordFailure("openai")
	ht.RecordFailure("openai")

	if ht.IsAvailable("openai") {
		t.Error("expected openai to be unavailable after 2 failures")
	}
}

func TestHealthTracker_RecordSuccessCloses(t *testing.T) {
	ht := NewHealthTracker(1, 10*time.Millisecond)

	ht.RecordFailure("openai")
	if ht.IsAvailable("openai") {
		t.Error("expected openai to be unavailable")
	}

	time.Sleep(15 * time.Millisecond)

	if !ht.IsAvailable("openai") {
		t.Error("expected openai to be available (half-open probe)")
	}

	ht.RecordSuccess("openai")
	if ht.Breaker("openai").State() != StateClosed {
		t.Error("expected openai circuit to be closed after success")
	}
}

func TestHealthTracker_IndependentProviders(t *testing.T) {
	ht := NewHealthTracker(1, 5*time.Second)

	ht.RecordFailure("openai")

	if ht.IsAvailable("openai") {
		t.Error("expected openai to be unavailable")
	}
	if !ht.IsAvailable("anthropic") {
		t.Error("expected anthropic to be available (independent)")
	}
}

func TestHealthTracker_States(t *testing.T) {
	ht := NewHealthTracker(1, time.Hour)
	ht.RecordSuccess("openai")
	ht.RecordFailure("anthropic")

	states := ht.States()
	if len(states) != 2 {
		t.Fatalf("expected 2 providers, got %d", len(states))
	}
	if states[0] != (ProviderState{"anthropic", "open"}) || states[1] != (ProviderState{"openai", "closed"}) {
		t.Errorf("unexpected states %+v", states)
	}
}
