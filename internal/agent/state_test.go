package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

var stateEpoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func newRunningStateMachine() (*StateMachine, *clocktesting.FakeClock) {
	clk := clocktesting.NewFakeClock(stateEpoch)
	sm := NewStateMachine(clk)
	sm.TransitionTo(StateRunning, "")
	return sm, clk
}

func TestStateInitial(t *testing.T) {
	sm := NewStateMachine(nil)

	assert.Equal(t, StateStarting, sm.State())
	assert.Equal(t, "", sm.StateReason())
}

func TestStateHandleHTTPStatus(t *testing.T) {
	tests := []struct {
		code       int
		retryAfter int
		wantState  AgentState
		wantReason string
		wantWait   time.Duration
	}{
		{200, 0, StateRunning, "", 0},
		{401, 0, StateStopped, "authentication failed", 0},
		{403, 0, StateStopped, "authentication failed", 0},
		{402, 120, StateBackoff, "quota exceeded", 120 * time.Second},
		{402, 0, StateBackoff, "quota exceeded", 5 * time.Minute},
		{429, 60, StateBackoff, "rate limited", 60 * time.Second},
		{429, 0, StateBackoff, "rate limited", 30 * time.Second},
		{500, 0, StateRunning, "server error: 500", 0},
		{410, 0, StateExiting, "agent deprecated", 0},
	}
	for _, tt := range tests {
		sm, _ := newRunningStateMachine()
		sm.HandleHTTPStatus(tt.code, tt.retryAfter)

		assert.Equal(t, tt.wantState, sm.State(), "HTTP %d", tt.code)
		assert.Equal(t, tt.wantReason, sm.StateReason(), "HTTP %d", tt.code)
		assert.Equal(t, tt.wantWait, sm.BackoffRemaining(), "HTTP %d", tt.code)
	}
}

func TestStateBackoffExpiry(t *testing.T) {
	sm, clk := newRunningStateMachine()
	sm.HandleHTTPStatus(429, 10)

	assert.False(t, sm.IsBackoffExpired())

	clk.Step(5 * time.Second)
	assert.False(t, sm.IsBackoffExpired())
	assert.Equal(t, 5*time.Second, sm.BackoffRemaining())

	clk.Step(6 * time.Second)
	assert.True(t, sm.IsBackoffExpired())
	assert.Equal(t, time.Duration(0), sm.BackoffRemaining())
}

func TestStateHTTP410ExitingCallsCancel(t *testing.T) {
	sm, _ := newRunningStateMachine()
	ctx, cancel := context.WithCancel(context.Background())
	sm.SetCancelFunc(cancel)

	sm.HandleHTTPStatus(410, 0)

	select {
	case <-ctx.Done():
	default:
		t.Fatal("expected context to be canceled on 410")
	}
}

func TestStateHTTP410WithoutCancelFunc(t *testing.T) {
	sm, _ := newRunningStateMachine()
	require.NotPanics(t, func() { sm.HandleHTTPStatus(410, 0) })
	assert.Equal(t, StateExiting, sm.State())
}

func TestStateBackoffToStoppedOn401(t *testing.T) {
	sm, _ := newRunningStateMachine()
	sm.HandleHTTPStatus(429, 60)
	require.Equal(t, StateBackoff, sm.State())

	sm.HandleHTTPStatus(401, 0)
	assert.Equal(t, StateStopped, sm.State())
}

func TestState410FromAnyState(t *testing.T) {
	for _, s := range []AgentState{StateStarting, StateRunning, StateBackoff, StateStopped} {
		t.Run(string(s), func(t *testing.T) {
			sm := NewStateMachine(clocktesting.NewFakeClock(stateEpoch))
			sm.TransitionTo(s, "setup")

			sm.HandleHTTPStatus(410, 0)
			assert.Equal(t, StateExiting, sm.State())
		})
	}
}

func TestStateConcurrentHandleHTTPStatus(t *testing.T) {
	sm, _ := newRunningStateMachine()

	var wg sync.WaitGroup
	for _, code := range []int{200, 200, 429, 200, 402, 200, 200, 200, 200, 200} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sm.HandleHTTPStatus(code, 30)
		}()
	}
	wg.Wait()

	assert.Contains(t, []AgentState{StateRunning, StateBackoff}, sm.State())
}
