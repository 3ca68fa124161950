// Package kbotbus provides the typed, multi-handler event bus described in
// spec.md §9's redesign note: a closed enum of event Kinds replaces the
// teacher's stringly-typed subjects, and publishers attach one of the typed
// payload structs in payloads.go (or nil) rather than a bare map.
package kbotbus

import (
	"context"
	"time"

	"github.com/kynetic/kbot/internal/ids"
)

// Kind is a closed enumeration of event kinds emitted by kbot components.
type Kind int

const (
	KindSpawn Kind = iota
	KindRespawn
	KindEscalation
	KindEscalationFallback
	KindHealthStatus
	KindCircuitTripped
	KindCircuitReset
	KindLoopIteration
	KindSessionCreated
	KindSessionRotated
	KindSessionCompleted
	KindUsageUpdate
	KindUsageTimeout
	KindUsageError
	KindSyncStateChange
	KindSyncStart
	KindSyncComplete
	KindSyncError
	KindTurnAppended
	KindReconstructionCompleted
	KindIPCError
)

func (k Kind) String() string {
	switch k {
	case KindSpawn:
		return "spawn"
	case KindRespawn:
		return "respawn"
	case KindEscalation:
		return "escalation"
	case KindEscalationFallback:
		return "escalation:fallback"
	case KindHealthStatus:
		return "health:status"
	case KindCircuitTripped:
		return "circuit:tripped"
	case KindCircuitReset:
		return "circuit:reset"
	case KindLoopIteration:
		return "loop:iteration"
	case KindSessionCreated:
		return "session:created"
	case KindSessionRotated:
		return "session:rotated"
	case KindSessionCompleted:
		return "session:completed"
	case KindUsageUpdate:
		return "usage:update"
	case KindUsageTimeout:
		return "usage:timeout"
	case KindUsageError:
		return "usage:error"
	case KindSyncStateChange:
		return "state_change"
	case KindSyncStart:
		return "sync_start"
	case KindSyncComplete:
		return "sync_complete"
	case KindSyncError:
		return "sync_error"
	case KindTurnAppended:
		return "turn_appended"
	case KindReconstructionCompleted:
		return "reconstruction:completed"
	case KindIPCError:
		return "ipc_error"
	default:
		return "unknown"
	}
}

// Event is the single payload type flowing through the bus. Publishers set
// Payload to one of the typed *Payload structs in payloads.go or to nil;
// MemoryBus delivers it as published, while NATSBus subscribers receive it
// JSON-decoded as a map[string]any.
type Event struct {
	ID         string
	Kind       Kind
	SessionKey string
	SessionID  string
	At         time.Time
	Payload    any
}

// NewEvent stamps an Event with a fresh id and the current time.
func NewEvent(kind Kind, sessionKey, sessionID string, payload any) Event {
	return Event{ID: newEventID(), Kind: kind, SessionKey: sessionKey, SessionID: sessionID, At: time.Now().UTC(), Payload: payload}
}

// Handler processes one Event. Handlers must be non-blocking (spec.md §5):
// work that may block should be scheduled elsewhere.
type Handler func(ctx context.Context, evt Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Bus is the event bus contract shared by the in-memory and NATS backends.
type Bus interface {
	Publish(ctx context.Context, kind Kind, evt Event) error
	Subscribe(kind Kind, handler Handler) (Subscription, error)
	QueueSubscribe(kind Kind, queue string, handler Handler) (Subscription, error)
	Close()
	IsConnected() bool
}

// newEventID is a small helper kept separate from ids.New so tests can
// assert on event kind/session rather than a generated id.
func newEventID() string { return ids.New() }
