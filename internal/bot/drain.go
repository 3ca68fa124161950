package bot

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/kynetic/kbot/internal/memory"
)

// promptAndDrain sends one prompt and concurrently drains every StreamUpdate
// the agent emits while it runs, persisting each as a SessionStore event
// and accumulating agent_message chunks into the returned reply text. It
// returns the inclusive event seq range the updates covered (-1, -1 if the
// agent produced no streamed updates at all, e.g. a short identity prompt).
func (b *Bot) promptAndDrain(ctx context.Context, sessionID, acpSessionID, text string) (stopReason string, firstSeq, lastSeq int, reply string, err error) {
	stopCh := make(chan struct{})
	drainDone := make(chan struct{})
	collected := &strings.Builder{}
	firstSeq, lastSeq = -1, -1
	go func() {
		defer close(drainDone)
		b.drainUpdates(ctx, sessionID, stopCh, &firstSeq, &lastSeq, collected)
	}()

	stopReason, err = b.agent.Prompt(ctx, acpSessionID, text)
	close(stopCh)
	<-drainDone

	return stopReason, firstSeq, lastSeq, collected.String(), err
}

// drainUpdates persists every StreamUpdate for sessionID as a SessionStore
// event and accumulates agent_message chunks into collected, tracking the
// inclusive seq range covered so the caller can append an assistant turn
// over it (spec.md §4.6's tool.call/tool.result event shapes, §4.8's
// "stream updates back into SessionStore"). It runs until stop is closed,
// then drains whatever is already buffered on the updates channel before
// returning, since the agent may still be flushing updates generated by the
// in-flight prompt at the moment Prompt returns.
func (b *Bot) drainUpdates(ctx context.Context, sessionID string, stop <-chan struct{}, firstSeq, lastSeq *int, collected *strings.Builder) {
	updates := b.agent.Updates()
	for {
		select {
		case upd, ok := <-updates:
			if !ok {
				return
			}
			b.recordUpdate(sessionID, upd, firstSeq, lastSeq, collected)
		case <-ctx.Done():
			return
		case <-stop:
			b.drainBuffered(sessionID, updates, firstSeq, lastSeq, collected)
			return
		}
	}
}

func (b *Bot) drainBuffered(sessionID string, updates <-chan StreamUpdate, firstSeq, lastSeq *int, collected *strings.Builder) {
	for {
		select {
		case upd, ok := <-updates:
			if !ok {
				return
			}
			b.recordUpdate(sessionID, upd, firstSeq, lastSeq, collected)
		default:
			return
		}
	}
}

func (b *Bot) recordUpdate(sessionID string, upd StreamUpdate, firstSeq, lastSeq *int, collected *strings.Builder) {
	var evtType memory.EventType
	data := map[string]any{}

	switch upd.Type {
	case "message_chunk":
		evtType = memory.EventMessageChunk
		data["content"] = upd.Text
		collected.WriteString(upd.Text)
	case "tool_call":
		evtType = memory.EventToolCall
		data["tool_call_id"] = upd.ToolCallID
		data["name"] = upd.ToolTitle
		data["status"] = upd.ToolStatus
	case "tool_update":
		evtType = memory.EventToolResult
		data["tool_call_id"] = upd.ToolCallID
		data["status"] = upd.ToolStatus
		data["summary"] = upd.ToolStatus
	default:
		evtType = memory.EventSessionUpdate
		data["type"] = upd.Type
	}

	res, err := b.sessionStore.AppendEvent(sessionID, memory.AppendEventInput{Type: evtType, Data: data})
	if err != nil {
		b.logger.Warn("failed to append streamed update event", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	if *firstSeq == -1 {
		*firstSeq = res.Seq
	}
	*lastSeq = res.Seq
}
