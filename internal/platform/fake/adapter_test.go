package fake

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdapter_SendThenEdit(t *testing.T) {
	a := New()
	id, err := a.SendMessage(context.Background(), "general", "hello")
	require.NoError(t, err)

	require.NoError(t, a.EditMessage(context.Background(), "general", id, "hello, edited"))

	sent := a.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "hello, edited", sent[0].Content)
	assert.True(t, sent[0].Edited)
}

func TestAdapter_EditUnknownMessage_Errors(t *testing.T) {
	a := New()
	err := a.EditMessage(context.Background(), "general", "does-not-exist", "x")
	assert.Error(t, err)
}

func TestAdapter_StopRejectsFurtherCalls(t *testing.T) {
	a := New()
	require.NoError(t, a.Stop(context.Background()))

	_, err := a.SendMessage(context.Background(), "general", "hello")
	assert.Error(t, err)
}

func TestAdapter_TypingLoop_StopsCleanly(t *testing.T) {
	a := New()
	stop, err := a.StartTypingLoop(context.Background(), "general")
	require.NoError(t, err)
	stop()
	stop() // idempotent
}
