package service

import (
	"sync"
	"testing"

	"go.uber.org/zap"
)

func testLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

// === StateMachine creation ===

func TestNewTurnStateMachine(t *testing.T) {
	sm := NewTurnStateMachine("conv-1", testLogger())
	if sm.State() != StateIdle {
		t.Errorf("expected initial state Idle, got %s", sm.State())
	}
	if sm.Busy() {
		t.Error("new state machine should not be busy")
	}
	snap := sm.Snapshot()
	if snap.ConversationID != "conv-1" {
		t.Errorf("expected conversation id conv-1, got %s", snap.ConversationID)
	}
}

// === Valid transitions ===

func TestTransition_ValidPaths(t *testing.T) {
	tests := []struct {
		name string
		path []TurnState
	}{
		{
			name: "idle -> sending -> streaming -> idle",
			path: []TurnState{StateSending, StateStreaming, StateIdle},
		},
		{
			name: "idle -> sending -> idle (non-streaming)",
			path: []TurnState{StateSending, StateIdle},
		},
		{
			name: "idle -> sending -> streaming -> cancelling -> idle",
			path: []TurnState{StateSending, StateStreaming, StateCancelling, StateIdle},
		},
		{
			name: "idle -> sending -> cancelling -> idle",
			path: []TurnState{StateSending, StateCancelling, StateIdle},
		},
		{
			name: "idle -> sending -> streaming -> error -> idle",
			path: []TurnState{StateSending, StateStreaming, StateError, StateIdle},
		},
		{
			name: "idle -> sending -> error -> idle",
			path: []TurnState{StateSending, StateError, StateIdle},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm := NewTurnStateMachine("conv", testLogger())
			for _, next := range tt.path {
				if err := sm.Transition(next); err != nil {
					t.Fatalf("transition to %s failed: %v", next, err)
				}
			}
			if got := sm.State(); got != tt.path[len(tt.path)-1] {
				t.Errorf("expected final state %s, got %s", tt.path[len(tt.path)-1], got)
			}
		})
	}
}

// === Invalid transitions ===

func TestTransition_InvalidPaths(t *testing.T) {
	tests := []struct {
		name string
		from []TurnState // valid setup path
		to   TurnState
	}{
		{name: "idle cannot stream", to: StateStreaming},
		{name: "idle cannot cancel", to: StateCancelling},
		{name: "idle cannot error", to: StateError},
		{name: "cancelling cannot resume streaming", from: []TurnState{StateSending, StateCancelling}, to: StateStreaming},
		{name: "error must pass through idle", from: []TurnState{StateSending, StateError}, to: StateSending},
		{name: "streaming cannot re-send", from: []TurnState{StateSending, StateStreaming}, to: StateSending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm := NewTurnStateMachine("conv", testLogger())
			for _, s := range tt.from {
				if err := sm.Transition(s); err != nil {
					t.Fatalf("setup transition to %s failed: %v", s, err)
				}
			}
			before := sm.State()
			if err := sm.Transition(tt.to); err == nil {
				t.Errorf("expected %s -> %s to be rejected", before, tt.to)
			}
			if sm.State() != before {
				t.Errorf("state changed on rejected transition: %s -> %s", before, sm.State())
			}
		})
	}
}

// === Busy flag ===

func TestBusy(t *testing.T) {
	sm := NewTurnStateMachine("conv", testLogger())

	if sm.Busy() {
		t.Error("idle machine must not be busy")
	}
	_ = sm.Transition(StateSending)
	if !sm.Busy() {
		t.Error("sending machine must be busy")
	}
	_ = sm.Transition(StateStreaming)
	if !sm.Busy() {
		t.Error("streaming machine must be busy")
	}
	_ = sm.Transition(StateCancelling)
	if !sm.Busy() {
		t.Error("cancelling machine must be busy")
	}
	_ = sm.Transition(StateIdle)
	if sm.Busy() {
		t.Error("idle machine must not be busy after settling")
	}
}

// === Listeners ===

func TestOnTransition_Listeners(t *testing.T) {
	sm := NewTurnStateMachine("conv", testLogger())

	var mu sync.Mutex
	var seen []TurnState
	sm.OnTransition(func(from, to TurnState, snap TurnSnapshot) {
		mu.Lock()
		seen = append(seen, to)
		mu.Unlock()
	})

	_ = sm.Transition(StateSending)
	_ = sm.Transition(StateStreaming)
	_ = sm.Transition(StateIdle)

	mu.Lock()
	defer mu.Unlock()
	want := []TurnState{StateSending, StateStreaming, StateIdle}
	if len(seen) != len(want) {
		t.Fatalf("expected %d notifications, got %d", len(want), len(seen))
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("notification %d: expected %s, got %s", i, want[i], seen[i])
		}
	}
}

// === Provenance ===

func TestSetProvenance(t *testing.T) {
	sm := NewTurnStateMachine("conv", testLogger())
	sm.SetProvenance("prov-1", "model-a")

	snap := sm.Snapshot()
	if snap.ProviderID != "prov-1" || snap.Model != "model-a" {
		t.Errorf("expected provenance prov-1/model-a, got %s/%s", snap.ProviderID, snap.Model)
	}
}
