package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTurnReconstructor_RendersContiguousEvents(t *testing.T) {
	sessions := NewSessionStore(t.TempDir(), nil)
	sess, err := sessions.CreateSession(CreateSessionInput{AgentType: "claude"})
	require.NoError(t, err)

	_, err = sessions.AppendEvent(sess.ID, AppendEventInput{Type: EventPromptSent, Data: map[string]any{"content": "hi"}})
	require.NoError(t, err)
	_, err = sessions.AppendEvent(sess.ID, AppendEventInput{Type: EventToolCall, Data: map[string]any{"name": "grep"}})
	require.NoError(t, err)
	_, err = sessions.AppendEvent(sess.ID, AppendEventInput{Type: EventToolResult, Data: map[string]any{"name": "grep", "summary": "3 matches"}})
	require.NoError(t, err)

	rc := NewTurnReconstructor(sessions, nil, nil)
	turn := Turn{EventRange: EventRange{StartSeq: 0, EndSeq: 2}}

	result, err := rc.Reconstruct(context.Background(), sess.ID, turn)
	require.NoError(t, err)
	assert.False(t, result.HasGaps)
	assert.Equal(t, 3, result.EventsRead)
	assert.Contains(t, result.Text, "hi")
	assert.Contains(t, result.Text, "[Tool: grep]")
	assert.Contains(t, result.Text, "[Tool: grep result] 3 matches")
}

func TestTurnReconstructor_InsertsGapMarkerForMissingEvents(t *testing.T) {
	sessions := NewSessionStore(t.TempDir(), nil)
	sess, err := sessions.CreateSession(CreateSessionInput{AgentType: "claude"})
	require.NoError(t, err)

	_, err = sessions.AppendEvent(sess.ID, AppendEventInput{Type: EventPromptSent, Data: map[string]any{"content": "first"}})
	require.NoError(t, err)
	_, err = sessions.AppendEvent(sess.ID, AppendEventInput{Type: EventMessageChunk, Data: map[string]any{"content": "second"}})
	require.NoError(t, err)
	_, err = sessions.AppendEvent(sess.ID, AppendEventInput{Type: EventMessageChunk, Data: map[string]any{"content": "third"}})
	require.NoError(t, err)

	rc := NewTurnReconstructor(sessions, nil, nil)
	// Claim a range that extends past what was actually written (5 > 2),
	// simulating a crash-truncated log.
	turn := Turn{EventRange: EventRange{StartSeq: 0, EndSeq: 5}}

	result, err := rc.Reconstruct(context.Background(), sess.ID, turn)
	require.NoError(t, err)
	assert.True(t, result.HasGaps)
	assert.Equal(t, 3, result.EventsMissing)
	assert.Contains(t, result.Text, "[gap: events 3-5 missing]")
}
