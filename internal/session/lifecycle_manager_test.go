package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kynetic/kbot/internal/ids"
	"github.com/kynetic/kbot/internal/memory"
)

func testKey(peerID string) ids.SessionKey {
	return ids.SessionKey{Agent: "claude", Platform: "slack", PeerKind: ids.PeerChannel, PeerID: peerID}
}

func TestManager_GetOrCreateSession_CreatesOnFirstCall(t *testing.T) {
	sessions := memory.NewSessionStore(t.TempDir(), nil)
	mgr := NewManager(DefaultConfig(), sessions, nil, nil)

	var created int32
	factory := func(ctx context.Context, key ids.SessionKey) (*memory.AgentSession, error) {
		atomic.AddInt32(&created, 1)
		return sessions.CreateSession(memory.CreateSessionInput{AgentType: "claude", SessionKey: key.Build()})
	}

	id1, err := mgr.GetOrCreateSession(context.Background(), testKey("u1"), factory)
	require.NoError(t, err)
	assert.NotEmpty(t, id1)

	id2, err := mgr.GetOrCreateSession(context.Background(), testKey("u1"), factory)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.Equal(t, int32(1), atomic.LoadInt32(&created))
}

func TestManager_RotatesAboveThreshold(t *testing.T) {
	sessions := memory.NewSessionStore(t.TempDir(), nil)
	mgr := NewManager(DefaultConfig(), sessions, nil, nil)
	key := testKey("u1")

	factory := func(ctx context.Context, key ids.SessionKey) (*memory.AgentSession, error) {
		return sessions.CreateSession(memory.CreateSessionInput{AgentType: "claude", SessionKey: key.Build()})
	}

	id1, err := mgr.GetOrCreateSession(context.Background(), key, factory)
	require.NoError(t, err)

	mgr.UpdateContextUsage(key, UsageUpdate{Percentage: 0.80})

	id2, err := mgr.GetOrCreateSession(context.Background(), key, factory)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	old, err := sessions.GetSession(id1)
	require.NoError(t, err)
	assert.Equal(t, memory.SessionCompleted, old.Status)
}

func TestManager_DoesNotRotateBelowThreshold(t *testing.T) {
	sessions := memory.NewSessionStore(t.TempDir(), nil)
	mgr := NewManager(DefaultConfig(), sessions, nil, nil)
	key := testKey("u1")

	factory := func(ctx context.Context, key ids.SessionKey) (*memory.AgentSession, error) {
		return sessions.CreateSession(memory.CreateSessionInput{AgentType: "claude", SessionKey: key.Build()})
	}

	id1, err := mgr.GetOrCreateSession(context.Background(), key, factory)
	require.NoError(t, err)

	mgr.UpdateContextUsage(key, UsageUpdate{Percentage: 0.10})

	id2, err := mgr.GetOrCreateSession(context.Background(), key, factory)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestManager_DistinctKeysDoNotInterfere(t *testing.T) {
	sessions := memory.NewSessionStore(t.TempDir(), nil)
	mgr := NewManager(DefaultConfig(), sessions, nil, nil)

	factory := func(ctx context.Context, key ids.SessionKey) (*memory.AgentSession, error) {
		return sessions.CreateSession(memory.CreateSessionInput{AgentType: "claude", SessionKey: key.Build()})
	}

	idA, err := mgr.GetOrCreateSession(context.Background(), testKey("a"), factory)
	require.NoError(t, err)
	idB, err := mgr.GetOrCreateSession(context.Background(), testKey("b"), factory)
	require.NoError(t, err)
	assert.NotEqual(t, idA, idB)
}

func TestManager_PerKeySerialization(t *testing.T) {
	sessions := memory.NewSessionStore(t.TempDir(), nil)
	mgr := NewManager(DefaultConfig(), sessions, nil, nil)
	key := testKey("u1")

	var order []string
	var mu sync.Mutex
	var created int32
	factory := func(ctx context.Context, key ids.SessionKey) (*memory.AgentSession, error) {
		atomic.AddInt32(&created, 1)
		return sessions.CreateSession(memory.CreateSessionInput{AgentType: "claude", SessionKey: key.Build()})
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mu.Lock()
			order = append(order, "start")
			mu.Unlock()
			_, _ = mgr.GetOrCreateSession(context.Background(), key, factory)
			mu.Lock()
			order = append(order, "end")
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, order, 20)
	assert.Equal(t, int32(1), atomic.LoadInt32(&created), "concurrent callers on one key must share a single created session")
}
