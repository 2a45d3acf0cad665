package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// AgentState represents the current lifecycle state of the agent.
type AgentState string

// Agent lifecycle states. Device monitoring continues in every state except
// StateExiting; the other states only govern fleet report pushes.
const (
	StateStarting AgentState = "starting"
	StateRunning  AgentState = "running"
	StateBackoff  AgentState = "backoff"
	StateStopped  AgentState = "stopped"
	StateExiting  AgentState = "exiting"
)

// AllStates lists every state, for exporting one gauge series per state.
var AllStates = []AgentState{StateStarting, StateRunning, StateBackoff, StateStopped, StateExiting}

// StateMachine tracks the agent's lifecycle state and handles
// transitions driven by HTTP response codes from the report endpoint.
type StateMachine struct {
	mu           sync.RWMutex
	state        AgentState
	stateReason  string
	backoffUntil time.Time
	clock        clock.PassiveClock
	cancelFunc   context.CancelFunc // called on StateExiting
}

// NewStateMachine creates a StateMachine starting in StateStarting.
func NewStateMachine(clk clock.PassiveClock) *StateMachine {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &StateMachine{
		state: StateStarting,
		clock: clk,
	}
}

// State returns the current agent state.
func (sm *StateMachine) State() AgentState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state
}

// StateReason returns the human-readable reason for the current state.
func (sm *StateMachine) StateReason() string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.stateReason
}

// SetCancelFunc registers the context cancel function called on StateExiting.
func (sm *StateMachine) SetCancelFunc(cancel context.CancelFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.cancelFunc = cancel
}

// TransitionTo directly sets the agent state with a reason.
func (sm *StateMachine) TransitionTo(state AgentState, reason string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.state = state
	sm.stateReason = reason
}

// HandleHTTPStatus transitions state based on the HTTP status code returned
// by the report endpoint. Authentication failures stop reporting; a 410
// retires the agent.
func (sm *StateMachine) HandleHTTPStatus(statusCode int, retryAfterSeconds int) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	switch {
	case statusCode == 200:
		sm.state = StateRunning
		sm.stateReason = ""
	case statusCode == 401 || statusCode == 403:
		sm.state = StateStopped
		sm.stateReason = "authentication failed"
	case statusCode == 402:
		sm.enterBackoff("quota exceeded", retryAfterSeconds, 5*time.Minute)
	case statusCode == 410:
		sm.state = StateExiting
		sm.stateReason = "agent deprecated"
		if sm.cancelFunc != nil {
			sm.cancelFunc()
		}
	case statusCode == 429:
		sm.enterBackoff("rate limited", retryAfterSeconds, 30*time.Second)
	case statusCode >= 500:
		// Transport already retried; only record the reason.
		sm.stateReason = fmt.Sprintf("server error: %d", statusCode)
	}
}

func (sm *StateMachine) enterBackoff(reason string, retryAfterSeconds int, fallback time.Duration) {
	backoff := time.Duration(retryAfterSeconds) * time.Second
	if backoff <= 0 {
		backoff = fallback
	}
	sm.state = StateBackoff
	sm.stateReason = reason
	sm.backoffUntil = sm.clock.Now().Add(backoff)
}

// IsBackoffExpired returns true if the backoff period has elapsed.
func (sm *StateMachine) IsBackoffExpired() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.clock.Now().After(sm.backoffUntil)
}

// BackoffRemaining returns the duration until backoff expires, or 0 if expired.
func (sm *StateMachine) BackoffRemaining() time.Duration {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return max(sm.backoffUntil.Sub(sm.clock.Now()), 0)
}
