package kbotbus

import "time"

// SpawnPayload accompanies KindSpawn: a child/subprocess came up.
type SpawnPayload struct{ PID int }

// RespawnPayload accompanies KindRespawn: a respawn attempt is about to sleep.
type RespawnPayload struct {
	Attempt int
	Delay   time.Duration
}

// EscalationPayload accompanies KindEscalation.
type EscalationPayload struct {
	Reason  string
	Context map[string]any
}

// EscalationFallbackPayload accompanies KindEscalationFallback: the
// acknowledgement timer expired unanswered and the handler is falling back
// to a retry/pause/fail policy rather than waiting on a human.
type EscalationFallbackPayload struct {
	Fallback string
	Context  map[string]any
}

// HealthStatusPayload accompanies KindHealthStatus.
type HealthStatusPayload struct {
	Healthy   bool
	Recovered bool
}

// CircuitTrippedPayload accompanies KindCircuitTripped.
type CircuitTrippedPayload struct{ Errors int }

// LoopIterationPayload accompanies KindLoopIteration.
type LoopIterationPayload struct{ N int }

// SessionRotatedPayload accompanies KindSessionRotated.
type SessionRotatedPayload struct {
	OldSessionID string
	NewSessionID string
}

// UsageUpdatePayload accompanies KindUsageUpdate.
type UsageUpdatePayload struct {
	Model      string
	Current    int
	Max        int
	Percentage float64
}

// SyncPayload accompanies the ShadowStore sync_start/sync_complete/sync_error kinds.
type SyncPayload struct {
	Operation    string
	FilesChanged int
	Err          error
}

// TurnAppendedPayload accompanies KindTurnAppended.
type TurnAppendedPayload struct {
	TurnSeq     int
	WasDuplicate bool
}

// ReconstructionCompletedPayload accompanies KindReconstructionCompleted.
type ReconstructionCompletedPayload struct {
	EventsRead    int
	EventsMissing int
	HasGaps       bool
}

// IPCErrorPayload accompanies KindIPCError.
type IPCErrorPayload struct{ Err error }
