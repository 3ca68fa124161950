// Package escalation implements the escalation handler: it turns an
// `escalate` signal from AgentLifecycle into a tracked record, notifies
// configured channels, and falls back to a configured policy if no human
// acknowledges it in time (spec.md §4.2's escalation handler paragraph).
package escalation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kynetic/kbot/internal/checkpoint"
	"github.com/kynetic/kbot/internal/ids"
	"github.com/kynetic/kbot/internal/kbotbus"
	"github.com/kynetic/kbot/internal/kbotlog"
)

// State is an EscalationRecord's lifecycle state.
type State string

const (
	StatePending      State = "pending"
	StateAcknowledged State = "acknowledged"
	StateTimeout      State = "timeout"
)

// Fallback is the action taken when an escalation times out unacknowledged.
type Fallback string

const (
	FallbackRetry Fallback = "retry"
	FallbackPause Fallback = "pause"
	FallbackFail  Fallback = "fail"
)

// Record is one escalation: {id, reason, context, checkpoint, state,
// triggeredAt, acknowledgedAt, acknowledgedBy} (spec.md §3 EXPANSION).
type Record struct {
	ID             string
	Reason         string
	Context        map[string]any
	Checkpoint     *checkpoint.Checkpoint
	State          State
	TriggeredAt    time.Time
	AcknowledgedAt *time.Time
	AcknowledgedBy string
}

// Notifier delivers an escalation to one configured channel (Slack, email,
// pager). Implementations must not block past ctx's deadline.
type Notifier interface {
	Notify(ctx context.Context, record Record) error
}

// Config tunes the handler.
type Config struct {
	Timeout          time.Duration // default 5 min
	DefaultFallback  Fallback
}

// DefaultConfig matches spec.md §4.2's default.
func DefaultConfig() Config {
	return Config{Timeout: 5 * time.Minute, DefaultFallback: FallbackPause}
}

// Handler tracks escalation records end to end.
type Handler struct {
	cfg       Config
	notifiers []Notifier
	bus       kbotbus.Bus
	logger    *kbotlog.Logger

	mu      sync.Mutex
	records map[string]*Record
	timers  map[string]*time.Timer
}

// NewHandler constructs a Handler. bus may be nil to disable event publishing.
func NewHandler(cfg Config, notifiers []Notifier, bus kbotbus.Bus, log *kbotlog.Logger) *Handler {
	if log == nil {
		log = kbotlog.Default()
	}
	return &Handler{
		cfg:       cfg,
		notifiers: notifiers,
		bus:       bus,
		logger:    log.WithFields(zap.String("component", "escalation-handler")),
		records:   make(map[string]*Record),
		timers:    make(map[string]*time.Timer),
	}
}

// Escalate creates a new pending Record, notifies every configured channel,
// and starts the acknowledgement timer.
func (h *Handler) Escalate(ctx context.Context, reason string, escCtx map[string]any, cp *checkpoint.Checkpoint) *Record {
	record := &Record{
		ID:          ids.New(),
		Reason:      reason,
		Context:     escCtx,
		Checkpoint:  cp,
		State:       StatePending,
		TriggeredAt: time.Now().UTC(),
	}

	h.mu.Lock()
	h.records[record.ID] = record
	h.timers[record.ID] = time.AfterFunc(h.cfg.Timeout, func() { h.onTimeout(record.ID) })
	h.mu.Unlock()

	h.logger.Warn("escalation raised", zap.String("escalation_id", record.ID), zap.String("reason", reason))
	h.publish(ctx, kbotbus.KindEscalation, record.ID, kbotbus.EscalationPayload{Reason: reason, Context: escCtx})

	var g errgroup.Group
	for _, n := range h.notifiers {
		n := n
		g.Go(func() error {
			if err := n.Notify(ctx, *record); err != nil {
				h.logger.Error("escalation notifier failed", zap.Error(err))
			}
			return nil
		})
	}
	g.Wait()

	return record
}

// Acknowledge moves a pending record to acknowledged, cancelling its timer.
// Returns the handoff context (the original escalation context) and an
// error if the record is unknown or already resolved.
func (h *Handler) Acknowledge(id, humanID string) (map[string]any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	record, ok := h.records[id]
	if !ok {
		return nil, fmt.Errorf("escalation %s: not found", id)
	}
	if record.State != StatePending {
		return nil, fmt.Errorf("escalation %s: not pending (state=%s)", id, record.State)
	}

	if timer, ok := h.timers[id]; ok {
		timer.Stop()
		delete(h.timers, id)
	}

	now := time.Now().UTC()
	record.State = StateAcknowledged
	record.AcknowledgedAt = &now
	record.AcknowledgedBy = humanID

	return record.Context, nil
}

// Get returns a copy of the record's current state.
func (h *Handler) Get(id string) (Record, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.records[id]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

func (h *Handler) onTimeout(id string) {
	h.mu.Lock()
	record, ok := h.records[id]
	if !ok || record.State != StatePending {
		h.mu.Unlock()
		return
	}
	record.State = StateTimeout
	delete(h.timers, id)
	fallback := h.cfg.DefaultFallback
	snapshot := *record
	h.mu.Unlock()

	h.logger.Warn("escalation timed out, applying fallback",
		zap.String("escalation_id", id), zap.String("fallback", string(fallback)))
	h.publish(context.Background(), kbotbus.KindEscalationFallback, id, kbotbus.EscalationFallbackPayload{
		Fallback: string(fallback),
		Context:  snapshot.Context,
	})
}

func (h *Handler) publish(ctx context.Context, kind kbotbus.Kind, escalationID string, payload any) {
	if h.bus == nil {
		return
	}
	evt := kbotbus.NewEvent(kind, "", escalationID, payload)
	if err := h.bus.Publish(ctx, kind, evt); err != nil {
		h.logger.Warn("failed to publish escalation event", zap.Error(err))
	}
}
