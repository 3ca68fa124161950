package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversationStore_GetOrCreate_ReusesActiveConversation(t *testing.T) {
	store := NewConversationStore(t.TempDir(), nil)

	first, err := store.GetOrCreateConversation("repo/main")
	require.NoError(t, err)

	second, err := store.GetOrCreateConversation("repo/main")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
}

func TestConversationStore_GetOrCreate_DistinctKeysGetDistinctConversations(t *testing.T) {
	store := NewConversationStore(t.TempDir(), nil)

	a, err := store.GetOrCreateConversation("repo/main")
	require.NoError(t, err)
	b, err := store.GetOrCreateConversation("repo/feature-x")
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
}

func TestConversationStore_AppendTurn_AssignsSequentialSeq(t *testing.T) {
	store := NewConversationStore(t.TempDir(), nil)
	conv, err := store.GetOrCreateConversation("repo/main")
	require.NoError(t, err)

	t1, dup, err := store.AppendTurn(conv.ID, AppendTurnInput{Role: RoleUser, EventRange: EventRange{StartSeq: 0, EndSeq: 0}})
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, 0, t1.Seq)

	t2, dup, err := store.AppendTurn(conv.ID, AppendTurnInput{Role: RoleAssistant, EventRange: EventRange{StartSeq: 1, EndSeq: 3}})
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, 1, t2.Seq)

	turns, err := store.ReadTurns(conv.ID)
	require.NoError(t, err)
	require.Len(t, turns, 2)
}

func TestConversationStore_AppendTurn_IdempotentByMessageID(t *testing.T) {
	store := NewConversationStore(t.TempDir(), nil)
	conv, err := store.GetOrCreateConversation("repo/main")
	require.NoError(t, err)

	input := AppendTurnInput{Role: RoleUser, EventRange: EventRange{StartSeq: 0, EndSeq: 0}, MessageID: "msg-1"}

	first, dup, err := store.AppendTurn(conv.ID, input)
	require.NoError(t, err)
	assert.False(t, dup)

	second, dup, err := store.AppendTurn(conv.ID, input)
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, first.Seq, second.Seq)

	turns, err := store.ReadTurns(conv.ID)
	require.NoError(t, err)
	assert.Len(t, turns, 1)
}

func TestConversationStore_AppendTurn_IdempotencySurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	store := NewConversationStore(dir, nil)
	conv, err := store.GetOrCreateConversation("repo/main")
	require.NoError(t, err)

	input := AppendTurnInput{Role: RoleUser, EventRange: EventRange{StartSeq: 0, EndSeq: 0}, MessageID: "msg-1"}
	_, _, err = store.AppendTurn(conv.ID, input)
	require.NoError(t, err)

	restarted := NewConversationStore(dir, nil)
	_, dup, err := restarted.AppendTurn(conv.ID, input)
	require.NoError(t, err)
	assert.True(t, dup)
}

func TestConversationStore_UpdateStatus(t *testing.T) {
	store := NewConversationStore(t.TempDir(), nil)
	conv, err := store.GetOrCreateConversation("repo/main")
	require.NoError(t, err)

	require.NoError(t, store.UpdateConversationStatus(conv.ID, ConversationArchived))

	got, err := store.GetConversation(conv.ID)
	require.NoError(t, err)
	assert.Equal(t, ConversationArchived, got.Status)
}
