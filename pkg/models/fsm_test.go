package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    AgentState
		to      AgentState
		allowed bool
	}{
		{"spawning to idle on session ready", AgentStateSpawning, AgentStateIdle, true},
		{"spawning re-enters spawning on retryable spawn failure", AgentStateSpawning, AgentStateSpawning, true},
		{"spawning to failed on exhausted retries", AgentStateSpawning, AgentStateFailed, true},
		{"spawning can be killed", AgentStateSpawning, AgentStateKilled, true},
		{"idle to running on dispatch", AgentStateIdle, AgentStateRunning, true},
		{"idle can be killed", AgentStateIdle, AgentStateKilled, true},
		{"idle cannot complete without running", AgentStateIdle, AgentStateCompleted, false},
		{"idle cannot pause", AgentStateIdle, AgentStatePaused, false},
		{"running to completed", AgentStateRunning, AgentStateCompleted, true},
		{"running back to spawning on retryable error", AgentStateRunning, AgentStateSpawning, true},
		{"running to failed", AgentStateRunning, AgentStateFailed, true},
		{"running to paused", AgentStateRunning, AgentStatePaused, true},
		{"running can be killed", AgentStateRunning, AgentStateKilled, true},
		{"paused resumes to idle", AgentStatePaused, AgentStateIdle, true},
		{"paused can be killed", AgentStatePaused, AgentStateKilled, true},
		{"paused cannot run directly", AgentStatePaused, AgentStateRunning, false},
		{"failed allows explicit retry", AgentStateFailed, AgentStateSpawning, true},
		{"completed is terminal", AgentStateCompleted, AgentStateRunning, false},
		{"killed is terminal", AgentStateKilled, AgentStateSpawning, false},
		{"failed cannot complete", AgentStateFailed, AgentStateCompleted, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTerminalStatesAdmitNoForwardTransitions(t *testing.T) {
	all := []AgentState{
		AgentStateSpawning, AgentStateIdle, AgentStateRunning, AgentStatePaused,
		AgentStateCompleted, AgentStateFailed, AgentStateKilled,
	}

	for _, to := range all {
		assert.False(t, CanTransition(AgentStateCompleted, to), "completed → %s must be rejected", to)
		assert.False(t, CanTransition(AgentStateKilled, to), "killed → %s must be rejected", to)
		if to != AgentStateSpawning {
			assert.False(t, CanTransition(AgentStateFailed, to), "failed → %s must be rejected", to)
		}
	}
}

func TestTransitionEventType(t *testing.T) {
	tests := []struct {
		from AgentState
		to   AgentState
		want EventType
	}{
		{AgentStateSpawning, AgentStateIdle, EventTypeAgentReady},
		{AgentStatePaused, AgentStateIdle, EventTypeAgentResumed},
		{AgentStateIdle, AgentStateRunning, EventTypeAgentRunning},
		{AgentStateRunning, AgentStatePaused, EventTypeAgentPaused},
		{AgentStateRunning, AgentStateCompleted, EventTypeAgentCompleted},
		{AgentStateRunning, AgentStateFailed, EventTypeAgentFailed},
		{AgentStateRunning, AgentStateKilled, EventTypeAgentKilled},
		{AgentStateRunning, AgentStateSpawning, EventTypeAgentRetrying},
		{AgentStateFailed, AgentStateSpawning, EventTypeAgentRetrying},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, TransitionEventType(tt.from, tt.to))
		})
	}
}

func TestAgentStateTerminal(t *testing.T) {
	assert.True(t, AgentStateCompleted.IsTerminal())
	assert.True(t, AgentStateFailed.IsTerminal())
	assert.True(t, AgentStateKilled.IsTerminal())
	assert.False(t, AgentStateSpawning.IsTerminal())
	assert.False(t, AgentStateIdle.IsTerminal())
	assert.False(t, AgentStateRunning.IsTerminal())
	assert.False(t, AgentStatePaused.IsTerminal())
}
