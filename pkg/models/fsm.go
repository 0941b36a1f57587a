package models

// validTransitions is the agent state machine. Initial state is spawning;
// completed, failed and killed are terminal.
//
//	spawning → idle      session ready
//	spawning → spawning  spawn failed, retries left (after backoff)
//	spawning → failed    spawn failed, retries exhausted
//	spawning → killed    killed while spawning
//	idle     → running   task dispatched
//	idle     → killed
//	running  → completed result received
//	running  → spawning  retryable error, retries left
//	running  → failed    fatal error or retries exhausted
//	running  → paused
//	running  → killed
//	paused   → idle      resumed
//	paused   → killed
//	failed   → spawning  explicit retry(), retries left
type validTransitions map[AgentState][]AgentState

var agentTransitions = validTransitions{
	AgentStateSpawning: {AgentStateIdle, AgentStateSpawning, AgentStateFailed, AgentStateKilled},
	AgentStateIdle:     {AgentStateRunning, AgentStateKilled},
	AgentStateRunning:  {AgentStateCompleted, AgentStateSpawning, AgentStateFailed, AgentStatePaused, AgentStateKilled},
	AgentStatePaused:   {AgentStateIdle, AgentStateKilled},
	AgentStateFailed:   {AgentStateSpawning},
}

// CanTransition reports whether the agent state machine permits from → to.
// Terminal states admit no transitions except the explicit failed → spawning
// retry path.
func CanTransition(from, to AgentState) bool {
	for _, next := range agentTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionEventType maps a committed transition to the event published for
// it. The caller distinguishes resumes and retries, which share target states
// with other transitions.
func TransitionEventType(from, to AgentState) EventType {
	switch to {
	case AgentStateSpawning:
		return EventTypeAgentRetrying
	case AgentStateIdle:
		if from == AgentStatePaused {
			return EventTypeAgentResumed
		}
		return EventTypeAgentReady
	case AgentStateRunning:
		return EventTypeAgentRunning
	case AgentStatePaused:
		return EventTypeAgentPaused
	case AgentStateCompleted:
		return EventTypeAgentCompleted
	case AgentStateFailed:
		return EventTypeAgentFailed
	case AgentStateKilled:
		return EventTypeAgentKilled
	}
	return ""
}
