package bot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kynetic/kbot/internal/ids"
	"github.com/kynetic/kbot/internal/memory"
)

// toolAgent emits a tool_call/tool_update pair ahead of its canned reply,
// exercising drain.go's recordUpdate for both event kinds.
type toolAgent struct {
	fakeAgent
}

func newToolAgent(replyText string) *toolAgent {
	return &toolAgent{fakeAgent: *newFakeAgent(replyText)}
}

func (a *toolAgent) Prompt(ctx context.Context, sessionID, text string) (string, error) {
	select {
	case a.prompts <- text:
	default:
	}
	a.updates <- StreamUpdate{Type: "tool_call", ToolCallID: "t1", ToolTitle: "grep", ToolStatus: "pending"}
	a.updates <- StreamUpdate{Type: "tool_update", ToolCallID: "t1", ToolStatus: "completed"}
	if a.replyText != "" {
		a.updates <- StreamUpdate{Type: "message_chunk", Text: a.replyText}
	}
	return "end_turn", nil
}

// TestReconstruct_RoundTripsThroughBotAndDrain feeds a turn's events through
// the real bot.go/drain.go writers (not hand-built fixtures) and asserts
// TurnReconstructor can read them back: this is the path
// turn_reconstructor_test.go's fixture-based tests cannot catch, since a
// reader and a hand-built event sharing a key assumption still agree even
// when that assumption diverges from what Bot actually writes.
func TestReconstruct_RoundTripsThroughBotAndDrain(t *testing.T) {
	agent := newToolAgent("working on it")
	b, _, sessionStore, conversations := newTestBot(t, agent)

	err := b.HandleMessage(context.Background(), msgFrom("u1", "", "find the bug", "m1"))
	require.NoError(t, err)

	key := b.sessionKeyFor(msgFrom("u1", "", "", ""))
	conv, err := conversations.GetOrCreateConversation(key.Build())
	require.NoError(t, err)
	turns, err := conversations.ReadTurns(conv.ID)
	require.NoError(t, err)
	require.Len(t, turns, 3) // system, user, assistant

	rc := memory.NewTurnReconstructor(sessionStore, nil, nil)
	sessionID, err := b.sessions.GetOrCreateSession(context.Background(), key, func(context.Context, ids.SessionKey) (*memory.AgentSession, error) {
		t.Fatal("factory should not be invoked: session already exists")
		return nil, nil
	})
	require.NoError(t, err)

	userResult, err := rc.Reconstruct(context.Background(), sessionID, turns[1])
	require.NoError(t, err)
	assert.Contains(t, userResult.Text, "find the bug")

	assistantResult, err := rc.Reconstruct(context.Background(), sessionID, turns[2])
	require.NoError(t, err)
	assert.Contains(t, assistantResult.Text, "[Tool: grep]")
	assert.Contains(t, assistantResult.Text, "[Tool: grep result] completed")
	assert.Contains(t, assistantResult.Text, "working on it")
}
