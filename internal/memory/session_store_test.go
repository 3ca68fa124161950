package memory

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionStore_CreateAndGet(t *testing.T) {
	store := NewSessionStore(t.TempDir(), nil)

	sess, err := store.CreateSession(CreateSessionInput{AgentType: "claude", SessionKey: "repo/main"})
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, SessionActive, sess.Status)

	got, err := store.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, "repo/main", got.SessionKey)
}

func TestSessionStore_CreateSession_RequiresAgentType(t *testing.T) {
	store := NewSessionStore(t.TempDir(), nil)
	_, err := store.CreateSession(CreateSessionInput{SessionKey: "repo/main"})
	assert.Error(t, err)
}

func TestSessionStore_UpdateStatus(t *testing.T) {
	store := NewSessionStore(t.TempDir(), nil)
	sess, err := store.CreateSession(CreateSessionInput{AgentType: "claude"})
	require.NoError(t, err)

	require.NoError(t, store.UpdateSessionStatus(sess.ID, SessionCompleted, nil))

	got, err := store.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, SessionCompleted, got.Status)
}

func TestSessionStore_AppendEvent_AssignsSequentialSeq(t *testing.T) {
	store := NewSessionStore(t.TempDir(), nil)
	sess, err := store.CreateSession(CreateSessionInput{AgentType: "claude"})
	require.NoError(t, err)

	r1, err := store.AppendEvent(sess.ID, AppendEventInput{Type: EventSessionStart})
	require.NoError(t, err)
	assert.Equal(t, 0, r1.Seq)

	r2, err := store.AppendEvent(sess.ID, AppendEventInput{Type: EventPromptSent, Data: map[string]any{"content": "hello"}})
	require.NoError(t, err)
	assert.Equal(t, 1, r2.Seq)

	events, err := store.ReadEvents(sess.ID, nil)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventSessionStart, events[0].Type)
	assert.Equal(t, EventPromptSent, events[1].Type)
}

func TestSessionStore_AppendEvent_RequiresType(t *testing.T) {
	store := NewSessionStore(t.TempDir(), nil)
	sess, err := store.CreateSession(CreateSessionInput{AgentType: "claude"})
	require.NoError(t, err)

	_, err = store.AppendEvent(sess.ID, AppendEventInput{})
	assert.Error(t, err)
}

func TestSessionStore_AppendEvent_ResumesSeqAfterRestart(t *testing.T) {
	dir := t.TempDir()
	store := NewSessionStore(dir, nil)
	sess, err := store.CreateSession(CreateSessionInput{AgentType: "claude"})
	require.NoError(t, err)

	_, err = store.AppendEvent(sess.ID, AppendEventInput{Type: EventSessionStart})
	require.NoError(t, err)

	// Simulate a fresh process by constructing a new store over the same dir.
	restarted := NewSessionStore(dir, nil)
	r, err := restarted.AppendEvent(sess.ID, AppendEventInput{Type: EventSessionEnd})
	require.NoError(t, err)
	assert.Equal(t, 1, r.Seq)
}

func TestSessionStore_ReadEvents_SkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	store := NewSessionStore(dir, nil)
	sess, err := store.CreateSession(CreateSessionInput{AgentType: "claude"})
	require.NoError(t, err)

	_, err = store.AppendEvent(sess.ID, AppendEventInput{Type: EventSessionStart})
	require.NoError(t, err)

	f, err := os.OpenFile(store.eventsPath(sess.ID), os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("{not valid json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = store.AppendEvent(sess.ID, AppendEventInput{Type: EventSessionEnd})
	require.NoError(t, err)

	events, err := store.ReadEvents(sess.ID, nil)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventSessionStart, events[0].Type)
	assert.Equal(t, EventSessionEnd, events[1].Type)
}

func TestSessionStore_ReadEvents_FiltersByRange(t *testing.T) {
	store := NewSessionStore(t.TempDir(), nil)
	sess, err := store.CreateSession(CreateSessionInput{AgentType: "claude"})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := store.AppendEvent(sess.ID, AppendEventInput{Type: EventNote})
		require.NoError(t, err)
	}

	events, err := store.ReadEvents(sess.ID, &EventRange{StartSeq: 1, EndSeq: 3})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, 1, events[0].Seq)
	assert.Equal(t, 3, events[2].Seq)
}
