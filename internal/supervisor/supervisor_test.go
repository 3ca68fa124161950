package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kynetic/kbot/internal/checkpoint"
)

func newTestSupervisor(t *testing.T, cfg Config, children ...*fakeChild) (*Supervisor, *checkpoint.Store) {
	t.Helper()
	dir := t.TempDir()
	store := checkpoint.NewStore(dir)

	idx := 0
	newChild := func() ChildProcess {
		c := children[idx]
		idx++
		return c
	}
	s := New(cfg, store, nil, nil, newChild)
	return s, store
}

func TestSupervisor_Run_CleanExitTerminatesWithoutRespawn(t *testing.T) {
	child := newFakeChild()
	s, _ := newTestSupervisor(t, DefaultConfig(), child)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background(), "") }()

	require.Eventually(t, func() bool { return s.State() == StateRunning }, time.Second, time.Millisecond)
	child.exit(0)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after clean exit")
	}
	assert.Equal(t, StateTerminated, s.State())
}

func TestSupervisor_Run_CrashRespawnsWithCheckpoint(t *testing.T) {
	first := newFakeChild()
	second := newFakeChild()
	cfg := DefaultConfig()
	cfg.MinBackoff = time.Millisecond
	cfg.MaxBackoff = 10 * time.Millisecond
	s, store := newTestSupervisor(t, cfg, first, second)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background(), "") }()

	require.Eventually(t, func() bool { return s.State() == StateRunning }, time.Second, time.Millisecond)
	first.exit(1) // crash

	require.Eventually(t, func() bool { return atomic.LoadInt32(&second.startCalls) > 0 }, time.Second, time.Millisecond)

	entries, err := os.ReadDir(store.Dir())
	require.NoError(t, err)
	require.Len(t, entries, 1, "a crash checkpoint must be written before respawn")
	assert.Equal(t, filepath.Join(store.Dir(), entries[0].Name()), second.lastCheckpointPath)

	second.exit(0)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after second child's clean exit")
	}
}

func TestSupervisor_PlannedRestart_AcksReadableCheckpoint(t *testing.T) {
	child := newFakeChild()
	second := newFakeChild()
	s, store := newTestSupervisor(t, DefaultConfig(), child, second)

	go s.Run(context.Background(), "")
	require.Eventually(t, func() bool { return s.State() == StateRunning }, time.Second, time.Millisecond)

	path, err := store.Write("sess-1", checkpoint.ReasonPlanned, checkpoint.WakeContext{Prompt: "resume"})
	require.NoError(t, err)

	child.messages <- Message{Type: MsgPlannedRestart, Checkpoint: path}

	require.Eventually(t, func() bool {
		for _, m := range child.sentMessages() {
			if m.Type == MsgRestartAck {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)

	child.exit(0) // clean exit after a planned-restart handshake still respawns
	require.Eventually(t, func() bool { return atomic.LoadInt32(&second.startCalls) > 0 }, time.Second, time.Millisecond)
	assert.Equal(t, path, second.lastCheckpointPath)

	second.exit(0)
}

func TestSupervisor_PlannedRestart_RejectsUnreadableCheckpoint(t *testing.T) {
	child := newFakeChild()
	s, _ := newTestSupervisor(t, DefaultConfig(), child)

	go s.Run(context.Background(), "")
	require.Eventually(t, func() bool { return s.State() == StateRunning }, time.Second, time.Millisecond)

	child.messages <- Message{Type: MsgPlannedRestart, Checkpoint: "/nonexistent/path.yaml"}

	require.Eventually(t, func() bool {
		for _, m := range child.sentMessages() {
			if m.Type == MsgError {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)

	child.exit(0)
}

func TestSupervisor_UnknownMessageTypeIsDroppedNotFatal(t *testing.T) {
	child := newFakeChild()
	s, _ := newTestSupervisor(t, DefaultConfig(), child)

	go s.Run(context.Background(), "")
	require.Eventually(t, func() bool { return s.State() == StateRunning }, time.Second, time.Millisecond)

	child.messages <- Message{Type: "bogus"}
	child.exit(0)

	require.Eventually(t, func() bool { return s.State() == StateTerminated }, time.Second, time.Millisecond)
	assert.Empty(t, child.sentMessages())
}

func TestSupervisor_Shutdown_GracefulStop(t *testing.T) {
	child := newFakeChild()
	s, _ := newTestSupervisor(t, DefaultConfig(), child)

	go s.Run(context.Background(), "")
	require.Eventually(t, func() bool { return s.State() == StateRunning }, time.Second, time.Millisecond)

	require.NoError(t, s.Shutdown(context.Background()))
	assert.True(t, child.stopped.Load())
	assert.False(t, child.killed.Load())
	assert.Equal(t, StateTerminated, s.State())
}

func TestSupervisor_Shutdown_TimesOutAndKills(t *testing.T) {
	child := newFakeChild()
	child.stopBlocks = true
	cfg := DefaultConfig()
	cfg.ShutdownTimeout = 5 * time.Millisecond
	s, _ := newTestSupervisor(t, cfg, child)

	go s.Run(context.Background(), "")
	require.Eventually(t, func() bool { return s.State() == StateRunning }, time.Second, time.Millisecond)

	require.NoError(t, s.Shutdown(context.Background()))
	assert.True(t, child.killed.Load())
}

func TestSupervisor_Spawn_NoOpWhenChildAlreadyRunning(t *testing.T) {
	child := newFakeChild()
	s, _ := newTestSupervisor(t, DefaultConfig(), child)

	go s.Run(context.Background(), "")
	require.Eventually(t, func() bool { return s.State() == StateRunning }, time.Second, time.Millisecond)

	require.NoError(t, s.spawn(context.Background(), ""))
	assert.Equal(t, int32(1), atomic.LoadInt32(&child.startCalls))

	child.exit(0)
}
