// Package agentlifecycle manages the agent subprocess and its ACP client:
// spawn/stop/kill/checkpoint, health monitoring, unexpected-exit recovery,
// and the autonomous polling loop with its circuit breaker (spec.md §4.2).
package agentlifecycle

import "time"

// State is one of AgentLifecycle's seven states.
type State string

const (
	StateIdle        State = "idle"
	StateSpawning    State = "spawning"
	StateHealthy     State = "healthy"
	StateUnhealthy   State = "unhealthy"
	StateStopping    State = "stopping"
	StateTerminating State = "terminating"
	StateFailed      State = "failed"
)

// AgentCheckpoint is an in-memory snapshot of lifecycle state, saveable and
// restorable by the caller but not itself persisted (spec.md §3). Restoring
// is only permitted from StateIdle.
type AgentCheckpoint struct {
	State             State
	FailureCount      int
	CurrentBackoff    time.Duration
	CurrentTaskID     string
	SavedAt           time.Time
}

// CircuitState is the autonomous loop's breaker state.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// AutonomousCheckpoint is an in-memory snapshot of the autonomous loop's
// breaker state (spec.md §3).
type AutonomousCheckpoint struct {
	LoopState         LoopState
	CircuitState      CircuitState
	ConsecutiveErrors int
	CircuitTrippedAt  time.Time
	CurrentTaskID     string
	SavedAt           time.Time
}
