// Package session owns the currently-active AgentSession per SessionKey,
// enforcing the context-rotation policy (spec.md §4.3), and observes agent
// context consumption out of the main request path (spec.md §4.4).
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kynetic/kbot/internal/ids"
	"github.com/kynetic/kbot/internal/kbotbus"
	"github.com/kynetic/kbot/internal/kbotlog"
	"github.com/kynetic/kbot/internal/memory"
)

// Config tunes rotation behavior.
type Config struct {
	RotationThreshold float64 // default 0.70
}

// DefaultConfig matches spec.md §4.3's default.
func DefaultConfig() Config {
	return Config{RotationThreshold: 0.70}
}

// Factory allocates a fresh agent session for key.
type Factory func(ctx context.Context, key ids.SessionKey) (*memory.AgentSession, error)

// keySlot is the single-slot lock + cached state for one SessionKey,
// generalizing the teacher's coarse InstanceStore map-plus-RWMutex into a
// sharded map of per-key mutexes (spec.md §9 design note, AC-8).
type keySlot struct {
	mu          sync.Mutex
	activeID    string
	cachedUsage *UsageUpdate // nil until first updateContextUsage
}

// Manager maintains the active AgentSession per SessionKey and rotates it
// once cached context usage crosses RotationThreshold.
type Manager struct {
	cfg      Config
	sessions *memory.SessionStore
	bus      kbotbus.Bus
	logger   *kbotlog.Logger

	mu    sync.Mutex
	slots map[string]*keySlot

	onSessionEnd func(sessionID string)
}

// NewManager constructs a Manager. bus may be nil to disable event
// publishing (e.g. in tests).
func NewManager(cfg Config, sessions *memory.SessionStore, bus kbotbus.Bus, log *kbotlog.Logger) *Manager {
	if log == nil {
		log = kbotlog.Default()
	}
	return &Manager{
		cfg:      cfg,
		sessions: sessions,
		bus:      bus,
		logger:   log.WithFields(zap.String("component", "session-lifecycle")),
		slots:    make(map[string]*keySlot),
	}
}

// SetEndHook registers a callback invoked with a session id whenever that
// session transitions to completed, whether via rotation or CompleteSession.
// Used to close out the session's trace span without this package importing
// telemetry.
func (m *Manager) SetEndHook(fn func(sessionID string)) {
	m.onSessionEnd = fn
}

func (m *Manager) notifySessionEnd(sessionID string) {
	if m.onSessionEnd != nil {
		m.onSessionEnd(sessionID)
	}
}

func (m *Manager) slotFor(key ids.SessionKey) *keySlot {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key.Build()
	s, ok := m.slots[k]
	if !ok {
		s = &keySlot{}
		m.slots[k] = s
	}
	return s
}

// GetOrCreateSession returns the active agent session id for key, rotating
// first if cached usage is at or above RotationThreshold (spec.md §4.3).
func (m *Manager) GetOrCreateSession(ctx context.Context, key ids.SessionKey, factory Factory) (string, error) {
	slot := m.slotFor(key)
	slot.mu.Lock()
	defer slot.mu.Unlock()

	if slot.activeID != "" {
		if slot.cachedUsage == nil || slot.cachedUsage.Percentage < m.cfg.RotationThreshold {
			return slot.activeID, nil
		}
		return m.rotate(ctx, key, slot, factory)
	}

	sess, err := factory(ctx, key)
	if err != nil {
		return "", fmt.Errorf("create initial agent session: %w", err)
	}
	slot.activeID = sess.ID
	slot.cachedUsage = nil
	m.publish(ctx, kbotbus.KindSessionCreated, key, sess.ID, nil)
	return sess.ID, nil
}

// rotate must be called with slot.mu held.
func (m *Manager) rotate(ctx context.Context, key ids.SessionKey, slot *keySlot, factory Factory) (string, error) {
	oldID := slot.activeID

	sess, err := factory(ctx, key)
	if err != nil {
		return "", fmt.Errorf("create rotated agent session: %w", err)
	}

	now := time.Now().UTC()
	if err := m.sessions.UpdateSessionStatus(oldID, memory.SessionCompleted, &now); err != nil {
		m.logger.Warn("failed to mark rotated-out session completed",
			zap.String("session_id", oldID), zap.Error(err))
	}
	m.notifySessionEnd(oldID)

	slot.activeID = sess.ID
	slot.cachedUsage = nil

	m.logger.Info("rotated agent session",
		zap.String("session_key", key.Build()), zap.String("old_session_id", oldID), zap.String("new_session_id", sess.ID))
	m.publish(ctx, kbotbus.KindSessionRotated, key, sess.ID, kbotbus.SessionRotatedPayload{OldSessionID: oldID, NewSessionID: sess.ID})

	return sess.ID, nil
}

// UpdateContextUsage records the most recent usage reading for key. Pure
// state update: rotation is decided lazily at the next GetOrCreateSession
// call (spec.md §4.3).
func (m *Manager) UpdateContextUsage(key ids.SessionKey, update UsageUpdate) {
	slot := m.slotFor(key)
	slot.mu.Lock()
	defer slot.mu.Unlock()
	slot.cachedUsage = &update
}

// CompleteSession marks the active session for key as completed and clears
// the slot so the next call allocates fresh.
func (m *Manager) CompleteSession(ctx context.Context, key ids.SessionKey) error {
	slot := m.slotFor(key)
	slot.mu.Lock()
	defer slot.mu.Unlock()

	if slot.activeID == "" {
		return nil
	}
	now := time.Now().UTC()
	if err := m.sessions.UpdateSessionStatus(slot.activeID, memory.SessionCompleted, &now); err != nil {
		return err
	}
	m.publish(ctx, kbotbus.KindSessionCompleted, key, slot.activeID, nil)
	m.notifySessionEnd(slot.activeID)
	slot.activeID = ""
	slot.cachedUsage = nil
	return nil
}

func (m *Manager) publish(ctx context.Context, kind kbotbus.Kind, key ids.SessionKey, sessionID string, payload any) {
	if m.bus == nil {
		return
	}
	evt := kbotbus.NewEvent(kind, key.Build(), sessionID, payload)
	if err := m.bus.Publish(ctx, kind, evt); err != nil {
		m.logger.Warn("failed to publish session lifecycle event", zap.String("kind", kind.String()), zap.Error(err))
	}
}
