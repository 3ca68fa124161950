package memory

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kynetic/kbot/internal/kbotbus"
	"github.com/kynetic/kbot/internal/kbotlog"
)

// ReconstructedContent is the rendered text for a Turn's event range, plus
// gap/tool accounting for the emitted completion event.
type ReconstructedContent struct {
	Text          string
	EventsRead    int
	EventsMissing int
	HasGaps       bool
}

// TurnReconstructor derives a turn's displayable content from its
// underlying event range on demand; content is never stored directly
// (spec.md §3, §4.6).
type TurnReconstructor struct {
	sessions *SessionStore
	bus      kbotbus.Bus
	logger   *kbotlog.Logger
}

// NewTurnReconstructor builds a reconstructor backed by sessions and
// publishing completion notices on bus (bus may be nil to disable
// publishing, e.g. in tests).
func NewTurnReconstructor(sessions *SessionStore, bus kbotbus.Bus, log *kbotlog.Logger) *TurnReconstructor {
	if log == nil {
		log = kbotlog.Default()
	}
	return &TurnReconstructor{
		sessions: sessions,
		bus:      bus,
		logger:   log.WithFields(zap.String("component", "turn-reconstructor")),
	}
}

// Reconstruct renders the content addressed by t.EventRange within
// sessionID. Missing seq numbers within the range are reported as
// "[gap: events X-Y missing]" markers rather than failing the
// reconstruction (spec.md §4.6 gap-tolerance invariant).
func (r *TurnReconstructor) Reconstruct(ctx context.Context, sessionID string, t Turn) (ReconstructedContent, error) {
	events, err := r.sessions.ReadEvents(sessionID, &t.EventRange)
	if err != nil {
		return ReconstructedContent{}, fmt.Errorf("read events for reconstruction: %w", err)
	}

	var b strings.Builder
	missing := 0
	hasGaps := false

	expected := t.EventRange.StartSeq
	pendingToolCall := ""

	for _, evt := range events {
		if evt.Seq > expected {
			gapStart, gapEnd := expected, evt.Seq-1
			b.WriteString(fmt.Sprintf("[gap: events %d-%d missing]\n", gapStart, gapEnd))
			missing += gapEnd - gapStart + 1
			hasGaps = true
		}
		expected = evt.Seq + 1

		switch evt.Type {
		case EventPromptSent, EventMessageChunk, EventNote:
			if text, ok := evt.Data["content"].(string); ok {
				b.WriteString(text)
			}
		case EventToolCall:
			name, _ := evt.Data["name"].(string)
			pendingToolCall = name
			b.WriteString(fmt.Sprintf("[Tool: %s]\n", name))
		case EventToolResult:
			name, _ := evt.Data["name"].(string)
			if name == "" {
				name = pendingToolCall
			}
			if summary, ok := evt.Data["summary"].(string); ok {
				b.WriteString(fmt.Sprintf("[Tool: %s result] %s\n", name, summary))
			}
			pendingToolCall = ""
		}
	}

	if expected <= t.EventRange.EndSeq {
		gapStart, gapEnd := expected, t.EventRange.EndSeq
		b.WriteString(fmt.Sprintf("[gap: events %d-%d missing]\n", gapStart, gapEnd))
		missing += gapEnd - gapStart + 1
		hasGaps = true
	}

	result := ReconstructedContent{
		Text:          b.String(),
		EventsRead:    len(events),
		EventsMissing: missing,
		HasGaps:       hasGaps,
	}

	if r.bus != nil {
		evt := kbotbus.NewEvent(kbotbus.KindReconstructionCompleted, "", sessionID, kbotbus.ReconstructionCompletedPayload{
			EventsRead:    result.EventsRead,
			EventsMissing: result.EventsMissing,
			HasGaps:       result.HasGaps,
		})
		if perr := r.bus.Publish(ctx, kbotbus.KindReconstructionCompleted, evt); perr != nil {
			r.logger.Warn("failed to publish reconstruction completion", zap.Error(perr))
		}
	}

	return result, nil
}
