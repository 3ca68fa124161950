// Package bot is the thin glue between a platform adapter, the session and
// context managers, and one running agent session: for each inbound
// message it resolves a SessionKey, serializes everything under that key,
// obtains or rotates the active agent session, restores context into a
// freshly rotated session, forwards the message as a prompt, and appends
// the resulting user/assistant turns (spec.md §4.8).
//
// Grounded on cmd/kandev/main.go's wiring style (adapter structs binding
// store/lifecycle/gateway together) and
// internal/agent/lifecycle/session.go's InitializeAndPrompt dispatch,
// generalized from kandev's task-oriented executions to the session-key
// routing this system uses instead.
package bot

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	restorectx "github.com/kynetic/kbot/internal/context"
	"github.com/kynetic/kbot/internal/ids"
	"github.com/kynetic/kbot/internal/kbotbus"
	"github.com/kynetic/kbot/internal/kbotlog"
	"github.com/kynetic/kbot/internal/memory"
	"github.com/kynetic/kbot/internal/platform"
	"github.com/kynetic/kbot/internal/session"
	"github.com/kynetic/kbot/internal/telemetry"
)

// Config tunes Bot's identity and the agent subprocess's working directory.
type Config struct {
	AgentID  string // fills SessionKey.Agent
	Platform string // fills SessionKey.Platform when the adapter leaves Sender.Platform empty
	WorkDir  string
	// IdentityPrompt is sent as the system turn the first time a session is
	// created for a key that has no prior conversation (no restoration is
	// possible because there is nothing to restore).
	IdentityPrompt string
}

// Bot wires one platform.Adapter to one running agent session.
type Bot struct {
	cfg           Config
	adapter       platform.Adapter
	sessions      *session.Manager
	sessionStore  *memory.SessionStore
	conversations *memory.ConversationStore
	restorer      *restorectx.ContextRestorer
	usage         *session.UsageTracker
	stderr        *stderrFanout
	agent         AgentClient
	bus           kbotbus.Bus
	logger        *kbotlog.Logger
	tracer        *telemetry.SessionTracker

	mu          sync.Mutex
	locks       map[string]*sync.Mutex
	acpSessions map[string]string // memory session id -> acp session id
}

// New constructs a Bot. bus may be nil to disable event publishing.
func New(
	cfg Config,
	adapter platform.Adapter,
	sessions *session.Manager,
	sessionStore *memory.SessionStore,
	conversations *memory.ConversationStore,
	restorer *restorectx.ContextRestorer,
	usage *session.UsageTracker,
	agent AgentClient,
	bus kbotbus.Bus,
	log *kbotlog.Logger,
) *Bot {
	if log == nil {
		log = kbotlog.Default()
	}
	b := &Bot{
		cfg:           cfg,
		adapter:       adapter,
		sessions:      sessions,
		sessionStore:  sessionStore,
		conversations: conversations,
		restorer:      restorer,
		usage:         usage,
		stderr:        newStderrFanout(agent.Stderr()),
		agent:         agent,
		bus:           bus,
		logger:        log.WithFields(zap.String("component", "bot")),
		tracer:        telemetry.NewSessionTracker(),
		locks:         make(map[string]*sync.Mutex),
		acpSessions:   make(map[string]string),
	}
	if sessions != nil {
		sessions.SetEndHook(func(sessionID string) { b.tracer.EndSession(sessionID, nil) })
	}
	return b
}

// lockFor returns the single-slot lock serializing every mutating step for
// one SessionKey (spec.md §4.8 concurrency note: getOrCreateSession,
// rotation, context restoration, and the send all run under one lock per
// key; distinct keys proceed concurrently).
func (b *Bot) lockFor(key string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.locks[key]
	if !ok {
		l = &sync.Mutex{}
		b.locks[key] = l
	}
	return l
}

// sessionKeyFor derives routing identity from a normalized inbound message:
// a channel-bearing message routes by channel (group context), otherwise by
// sender id (direct message).
func (b *Bot) sessionKeyFor(msg platform.NormalizedMessage) ids.SessionKey {
	platformName := msg.Sender.Platform
	if platformName == "" {
		platformName = b.cfg.Platform
	}
	if msg.Channel != "" {
		return ids.SessionKey{Agent: b.cfg.AgentID, Platform: platformName, PeerKind: ids.PeerChannel, PeerID: msg.Channel}
	}
	return ids.SessionKey{Agent: b.cfg.AgentID, Platform: platformName, PeerKind: ids.PeerUser, PeerID: msg.Sender.ID}
}

// HandleMessage runs the full pipeline for one inbound message.
func (b *Bot) HandleMessage(ctx context.Context, msg platform.NormalizedMessage) error {
	key := b.sessionKeyFor(msg)
	if err := key.Validate(); err != nil {
		return fmt.Errorf("bot: invalid session key: %w", err)
	}

	lock := b.lockFor(key.Build())
	lock.Lock()
	defer lock.Unlock()

	conv, err := b.conversations.GetOrCreateConversation(key.Build())
	if err != nil {
		return fmt.Errorf("bot: get or create conversation: %w", err)
	}

	stop, err := b.adapter.StartTypingLoop(ctx, msg.Channel)
	if err != nil {
		b.logger.Warn("failed to start typing indicator", zap.Error(err))
		stop = func() {}
	}
	defer stop()

	var rotated bool
	factory := func(ctx context.Context, k ids.SessionKey) (*memory.AgentSession, error) {
		rotated = true
		return b.createAgentSession(ctx, k, conv.ID)
	}

	sessionID, err := b.sessions.GetOrCreateSession(ctx, key, factory)
	if err != nil {
		return fmt.Errorf("bot: get or create agent session: %w", err)
	}
	acpSessionID, err := b.acpSessionFor(sessionID)
	if err != nil {
		return fmt.Errorf("bot: resolve acp session: %w", err)
	}

	if rotated {
		if err := b.sendSystemPrompt(ctx, sessionID, acpSessionID, conv.ID); err != nil {
			b.logger.Warn("system prompt dispatch failed, continuing with user message", zap.Error(err))
		}
	}

	if err := b.forwardPrompt(ctx, msg, sessionID, acpSessionID, conv.ID); err != nil {
		return err
	}
	b.checkUsageAsync(key, sessionID)
	return nil
}

// checkUsageAsync probes context usage off the main message path (spec.md
// §4.4) and feeds the result back into session.Manager so the next
// getOrCreateSession call for this key can decide whether to rotate. It
// runs detached from the request context since UsageTracker enforces its
// own probe timeout.
func (b *Bot) checkUsageAsync(key ids.SessionKey, sessionID string) {
	if b.usage == nil {
		return
	}
	go func() {
		update := b.usage.CheckUsage(context.Background(), sessionID, promptClientAdapter{agent: b.agent}, b.stderr)
		if update != nil {
			b.sessions.UpdateContextUsage(key, *update)
		}
	}()
}

// createAgentSession allocates both halves of a new agent session: an ACP
// session on the live agent process, and the persisted memory.AgentSession
// record. It is invoked by session.Manager's Factory under the per-key
// lock, so no additional synchronization is needed here.
func (b *Bot) createAgentSession(ctx context.Context, key ids.SessionKey, conversationID string) (*memory.AgentSession, error) {
	acpSessionID, err := b.agent.NewSession(ctx, b.cfg.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("allocate acp session: %w", err)
	}

	sess, err := b.sessionStore.CreateSession(memory.CreateSessionInput{
		AgentType:      b.cfg.AgentID,
		SessionKey:     key.Build(),
		ConversationID: conversationID,
	})
	if err != nil {
		return nil, fmt.Errorf("persist agent session: %w", err)
	}

	if _, err := b.sessionStore.AppendEvent(sess.ID, memory.AppendEventInput{
		Type: memory.EventSessionStart,
		Data: map[string]any{"acp_session_id": acpSessionID},
	}); err != nil {
		b.logger.Warn("failed to append session.start event", zap.String("session_id", sess.ID), zap.Error(err))
	}

	b.setACPSession(sess.ID, acpSessionID)
	b.tracer.StartSession(ctx, sess.ID, key.Build())
	return sess, nil
}

// acpSessionFor resolves the ACP session id bound to a memory session id.
// The mapping lives only in the events.jsonl session.start event since
// AgentSession itself carries no ACP-specific field (spec.md §4.6 keeps
// SessionStore protocol-agnostic).
func (b *Bot) acpSessionFor(sessionID string) (string, error) {
	b.mu.Lock()
	if id, ok := b.acpSessions[sessionID]; ok {
		b.mu.Unlock()
		return id, nil
	}
	b.mu.Unlock()

	events, err := b.sessionStore.ReadEvents(sessionID, nil)
	if err != nil {
		return "", fmt.Errorf("read session.start event: %w", err)
	}
	for _, e := range events {
		if e.Type != memory.EventSessionStart {
			continue
		}
		if id, ok := e.Data["acp_session_id"].(string); ok && id != "" {
			b.setACPSession(sessionID, id)
			return id, nil
		}
	}
	return "", fmt.Errorf("no acp session recorded for session %q", sessionID)
}

func (b *Bot) setACPSession(sessionID, acpSessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.acpSessions == nil {
		b.acpSessions = make(map[string]string)
	}
	b.acpSessions[sessionID] = acpSessionID
}

// sendSystemPrompt injects the identity prompt (brand-new conversation) or a
// restoration prompt (rotated out of an existing one) ahead of the user's
// message, recording both the prompt event and a system turn (spec.md
// §4.5, §4.8).
func (b *Bot) sendSystemPrompt(ctx context.Context, sessionID, acpSessionID, conversationID string) error {
	spanCtx, span := telemetry.TraceRestore(ctx, sessionID, conversationID)
	defer span.End()

	prompt := b.cfg.IdentityPrompt
	restored, err := b.restorer.Restore(spanCtx, sessionID, conversationID)
	if err != nil {
		telemetry.TraceRestoreResult(span, 0, err)
		return fmt.Errorf("restore context: %w", err)
	}
	telemetry.TraceRestoreResult(span, len(restored.Prompt), nil)
	if !restored.Skipped && restored.Prompt != "" {
		prompt = restored.Prompt
	}
	if prompt == "" {
		return nil
	}

	sent, err := b.sessionStore.AppendEvent(sessionID, memory.AppendEventInput{
		Type: memory.EventPromptSent,
		Data: map[string]any{"content": prompt, "role": "system"},
	})
	if err != nil {
		return fmt.Errorf("append system prompt event: %w", err)
	}

	_, _, lastSeq, _, err := b.promptAndDrain(ctx, sessionID, acpSessionID, prompt)
	if err != nil {
		return fmt.Errorf("send system prompt: %w", err)
	}
	endSeq := sent.Seq
	if lastSeq != -1 {
		endSeq = lastSeq
	}

	turn, _, err := b.conversations.AppendTurn(conversationID, memory.AppendTurnInput{
		Role:       memory.RoleSystem,
		EventRange: memory.EventRange{StartSeq: sent.Seq, EndSeq: endSeq},
	})
	if err != nil {
		return fmt.Errorf("append system turn: %w", err)
	}
	b.publish(ctx, kbotbus.KindTurnAppended, conversationID, kbotbus.TurnAppendedPayload{TurnSeq: turn.Seq})
	return nil
}

// forwardPrompt appends the user turn, sends the user's message, drains
// streamed updates into SessionStore for the duration of the prompt, and
// appends the assistant turn once it completes.
func (b *Bot) forwardPrompt(ctx context.Context, msg platform.NormalizedMessage, sessionID, acpSessionID, conversationID string) error {
	userEvt, err := b.sessionStore.AppendEvent(sessionID, memory.AppendEventInput{
		Type: memory.EventPromptSent,
		Data: map[string]any{"content": msg.Text, "role": "user"},
	})
	if err != nil {
		return fmt.Errorf("append user prompt event: %w", err)
	}

	userTurn, dup, err := b.conversations.AppendTurn(conversationID, memory.AppendTurnInput{
		Role:       memory.RoleUser,
		EventRange: memory.EventRange{StartSeq: userEvt.Seq, EndSeq: userEvt.Seq},
		MessageID:  msg.ID,
	})
	if err != nil {
		return fmt.Errorf("append user turn: %w", err)
	}
	if dup {
		b.logger.Info("skipping duplicate inbound message", zap.String("message_id", msg.ID))
		return nil
	}
	b.publish(ctx, kbotbus.KindTurnAppended, conversationID, kbotbus.TurnAppendedPayload{TurnSeq: userTurn.Seq})

	spanCtx, span := telemetry.TracePrompt(ctx, sessionID, acpSessionID)
	stopReason, firstSeq, lastSeq, reply, err := b.promptAndDrain(spanCtx, sessionID, acpSessionID, msg.Text)
	telemetry.TracePromptResult(span, stopReason, err)
	span.End()
	if err != nil {
		return fmt.Errorf("prompt agent: %w", err)
	}

	if firstSeq == -1 {
		// No streamed updates observed; still record an empty-range assistant
		// turn so reply/no-reply is visible in the turn log.
		firstSeq, lastSeq = userEvt.Seq, userEvt.Seq
	}

	assistantTurn, _, err := b.conversations.AppendTurn(conversationID, memory.AppendTurnInput{
		Role:       memory.RoleAssistant,
		EventRange: memory.EventRange{StartSeq: firstSeq, EndSeq: lastSeq},
		Metadata:   map[string]any{"stop_reason": stopReason},
	})
	if err != nil {
		return fmt.Errorf("append assistant turn: %w", err)
	}
	b.publish(ctx, kbotbus.KindTurnAppended, conversationID, kbotbus.TurnAppendedPayload{TurnSeq: assistantTurn.Seq})

	if reply == "" {
		return nil
	}
	if _, err := b.adapter.SendMessage(ctx, msg.Channel, reply); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	return nil
}

func (b *Bot) publish(ctx context.Context, kind kbotbus.Kind, sessionKey string, payload any) {
	if b.bus == nil {
		return
	}
	evt := kbotbus.NewEvent(kind, sessionKey, "", payload)
	if err := b.bus.Publish(ctx, kind, evt); err != nil {
		b.logger.Warn("failed to publish bot event", zap.String("kind", kind.String()), zap.Error(err))
	}
}
