package service

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TurnState represents the discrete states of one conversation's generation
// turn. The machine always resolves back to Idle: Error and Cancelling are
// transient, not terminal.
type TurnState string

const (
	StateIdle       TurnState = "idle"       // No generation in flight
	StateSending    TurnState = "sending"    // Request dispatched, no data yet
	StateStreaming  TurnState = "streaming"  // Deltas arriving
	StateCancelling TurnState = "cancelling" // User stop requested, draining
	StateError      TurnState = "error"      // Turn failed, error being surfaced
)

// validTransitions defines the allowed state transitions.
// Key = from state, value = set of allowed target states.
var validTransitions = map[TurnState]map[TurnState]bool{
	StateIdle: {
		StateSending: true,
	},
	StateSending: {
		StateStreaming:  true,
		StateIdle:       true, // non-streaming call resolved
		StateCancelling: true,
		StateError:      true,
	},
	StateStreaming: {
		StateIdle:       true, // terminal chunk
		StateCancelling: true,
		StateError:      true,
	},
	StateCancelling: {
		StateIdle: true,
	},
	StateError: {
		StateIdle: true,
	},
}

// TurnSnapshot captures the machine's runtime state at a point in time.
type TurnSnapshot struct {
	State          TurnState     `json:"state"`
	ConversationID string        `json:"conversation_id"`
	ProviderID     string        `json:"provider_id,omitempty"`
	Model          string        `json:"model,omitempty"`
	Elapsed        time.Duration `json:"elapsed"`
}

// TurnStateMachine manages the generation lifecycle of one conversation.
// Thread-safe; multiple goroutines may read state concurrently.
type TurnStateMachine struct {
	mu             sync.RWMutex
	state          TurnState
	conversationID string
	providerID     string
	model          string
	turnStart      time.Time
	logger         *zap.Logger

	// Listeners notified on each state transition.
	listeners []func(from, to TurnState, snap TurnSnapshot)
}

// NewTurnStateMachine creates a state machine starting in Idle.
func NewTurnStateMachine(conversationID string, logger *zap.Logger) *TurnStateMachine {
	return &TurnStateMachine{
		state:          StateIdle,
		conversationID: conversationID,
		turnStart:      time.Now(),
		logger:         logger.With(zap.String("conversation_id", conversationID)),
	}
}

// State returns the current state (thread-safe).
func (sm *TurnStateMachine) State() TurnState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state
}

// Snapshot returns a copy of the current runtime state.
func (sm *TurnStateMachine) Snapshot() TurnSnapshot {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.snapshotLocked()
}

func (sm *TurnStateMachine) snapshotLocked() TurnSnapshot {
	return TurnSnapshot{
		State:          sm.state,
		ConversationID: sm.conversationID,
		ProviderID:     sm.providerID,
		Model:          sm.model,
		Elapsed:        time.Since(sm.turnStart),
	}
}

// Transition attempts to move to a new state.
// Returns an error if the transition is not allowed.
func (sm *TurnStateMachine) Transition(to TurnState) error {
	sm.mu.Lock()
	from := sm.state

	allowed, ok := validTransitions[from]
	if !ok || !allowed[to] {
		sm.mu.Unlock()
		err := fmt.Errorf("invalid turn transition: %s → %s", from, to)
		sm.logger.Error("State machine violation", zap.Error(err))
		return err
	}

	sm.state = to
	if to == StateSending {
		sm.turnStart = time.Now()
	}
	snap := sm.snapshotLocked()
	listeners := make([]func(from, to TurnState, snap TurnSnapshot), len(sm.listeners))
	copy(listeners, sm.listeners)
	sm.mu.Unlock()

	sm.logger.Debug("Turn state transition",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)

	// Notify listeners outside the lock
	for _, fn := range listeners {
		fn(from, to, snap)
	}

	return nil
}

// OnTransition registers a listener called on every state change.
func (sm *TurnStateMachine) OnTransition(fn func(from, to TurnState, snap TurnSnapshot)) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.listeners = append(sm.listeners, fn)
}

// SetProvenance records the provider/model this turn runs against.
func (sm *TurnStateMachine) SetProvenance(providerID, model string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.providerID = providerID
	sm.model = model
}

// Busy reports whether a generation is in flight.
func (sm *TurnStateMachine) Busy() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	switch sm.state {
	case StateSending, StateStreaming, StateCancelling:
		return true
	}
	return false
}
