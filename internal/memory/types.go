// Package memory implements the event-sourced persistence layer: one
// append-only events.jsonl per agent session, one turns.jsonl per
// conversation, and a TurnReconstructor that derives turn content from the
// underlying event range on demand (spec.md §3, §4.6).
package memory

import "time"

// SessionStatus is the lifecycle status of an AgentSession.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionAbandoned SessionStatus = "abandoned"
)

// AgentSession is one run of a single logical conversation against the
// agent subprocess (spec.md §3).
type AgentSession struct {
	ID             string        `yaml:"id"`
	ConversationID string        `yaml:"conversation_id,omitempty"`
	AgentType      string        `yaml:"agent_type"`
	SessionKey     string        `yaml:"session_key,omitempty"`
	Status         SessionStatus `yaml:"status"`
	StartedAt      time.Time     `yaml:"started_at"`
	EndedAt        *time.Time    `yaml:"ended_at,omitempty"`
}

// EventType enumerates the closed set of SessionEvent kinds (spec.md §3).
type EventType string

const (
	EventSessionStart  EventType = "session.start"
	EventSessionEnd    EventType = "session.end"
	EventSessionUpdate EventType = "session.update"
	EventPromptSent    EventType = "prompt.sent"
	EventMessageChunk  EventType = "message.chunk"
	EventToolCall      EventType = "tool.call"
	EventToolResult    EventType = "tool.result"
	EventNote          EventType = "note"
)

// SessionEvent is one atom in a session's event log. Once written it is
// immutable (spec.md §3).
type SessionEvent struct {
	TS        int64          `json:"ts"`
	Seq       int            `json:"seq"`
	Type      EventType      `json:"type"`
	SessionID string         `json:"session_id"`
	TraceID   string         `json:"trace_id,omitempty"`
	Data      map[string]any `json:"data"`
}

// ConversationStatus is the lifecycle status of a Conversation.
type ConversationStatus string

const (
	ConversationActive   ConversationStatus = "active"
	ConversationArchived ConversationStatus = "archived"
)

// Conversation is platform-facing thread metadata persisting across
// AgentSession rotations (spec.md §3).
type Conversation struct {
	ID         string             `yaml:"id"`
	SessionKey string             `yaml:"session_key"`
	Status     ConversationStatus `yaml:"status"`
	CreatedAt  time.Time          `yaml:"created_at"`
	UpdatedAt  time.Time          `yaml:"updated_at"`
	TurnCount  int                `yaml:"turn_count"`
	Metadata   map[string]string  `yaml:"metadata,omitempty"`
}

// TurnRole enumerates who produced a Turn.
type TurnRole string

const (
	RoleUser      TurnRole = "user"
	RoleAssistant TurnRole = "assistant"
	RoleSystem    TurnRole = "system"
)

// EventRange is an inclusive [start_seq, end_seq] pointer into a session's
// event log (spec.md §3).
type EventRange struct {
	StartSeq int `json:"start_seq"`
	EndSeq   int `json:"end_seq"`
}

// Turn is a pointer into the event log; content is never stored directly
// and is reconstructed on demand (spec.md §3).
type Turn struct {
	TS         int64          `json:"ts"`
	Seq        int            `json:"seq"`
	Role       TurnRole       `json:"role"`
	SessionID  string         `json:"session_id"`
	EventRange EventRange     `json:"event_range"`
	MessageID  string         `json:"message_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}
