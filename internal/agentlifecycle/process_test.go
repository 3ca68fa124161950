package agentlifecycle

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProcess is a controllable Process for tests.
type fakeProcess struct {
	mu          sync.Mutex
	spawnErr    error
	spawnCalls  int32
	healthy     atomic.Bool
	killed      atomic.Bool
	stopErr     error
	exitCode    int
	done        chan struct{}
}

func newFakeProcess() *fakeProcess {
	p := &fakeProcess{done: make(chan struct{})}
	p.healthy.Store(true)
	return p
}

func (p *fakeProcess) Spawn(ctx context.Context, extraEnv map[string]string) error {
	atomic.AddInt32(&p.spawnCalls, 1)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spawnErr
}

func (p *fakeProcess) Stop(ctx context.Context) error {
	return p.stopErr
}

func (p *fakeProcess) Kill() error {
	p.killed.Store(true)
	return nil
}

func (p *fakeProcess) Healthy(ctx context.Context) bool { return p.healthy.Load() }

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

func (p *fakeProcess) triggerExit(code int) {
	p.mu.Lock()
	p.exitCode = code
	p.mu.Unlock()
	close(p.done)
}

func TestLifecycle_Spawn_Succeeds(t *testing.T) {
	proc := newFakeProcess()
	l := NewLifecycle(DefaultConfig(), proc, nil, nil, nil)

	err := l.Spawn(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, StateHealthy, l.State())
	assert.Equal(t, int32(1), atomic.LoadInt32(&proc.spawnCalls))

	l.Stop(context.Background())
}

func TestLifecycle_Spawn_RejectedFromHealthy(t *testing.T) {
	proc := newFakeProcess()
	l := NewLifecycle(DefaultConfig(), proc, nil, nil, nil)
	require.NoError(t, l.Spawn(context.Background(), nil))

	err := l.Spawn(context.Background(), nil)
	assert.Error(t, err)

	l.Stop(context.Background())
}

func TestLifecycle_Stop_GracefulThenIdle(t *testing.T) {
	proc := newFakeProcess()
	l := NewLifecycle(DefaultConfig(), proc, nil, nil, nil)
	require.NoError(t, l.Spawn(context.Background(), nil))

	err := l.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateIdle, l.State())
	assert.False(t, proc.killed.Load())
}

func TestLifecycle_Stop_TimesOutAndKills(t *testing.T) {
	proc := newFakeProcess()
	blockedStop := make(chan struct{})

	cfg := DefaultConfig()
	cfg.ShutdownTimeout = 10 * time.Millisecond
	l := NewLifecycle(cfg, &blockingStopProcess{fakeProcess: proc, block: blockedStop}, nil, nil, nil)
	require.NoError(t, l.Spawn(context.Background(), nil))

	defer close(blockedStop)
	err := l.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateIdle, l.State())
	assert.True(t, proc.killed.Load())
}

// blockingStopProcess wraps fakeProcess but blocks Stop until block is closed,
// simulating an unresponsive subprocess so Lifecycle.Stop must fall through
// to Kill on timeout.
type blockingStopProcess struct {
	*fakeProcess
	block chan struct{}
}

func (p *blockingStopProcess) Stop(ctx context.Context) error {
	select {
	case <-p.block:
		return nil
	case <-ctx.Done():
		<-time.After(50 * time.Millisecond)
		return ctx.Err()
	}
}

func TestLifecycle_Kill_UnconditionalFromAnyState(t *testing.T) {
	proc := newFakeProcess()
	l := NewLifecycle(DefaultConfig(), proc, nil, nil, nil)

	err := l.Kill()
	require.NoError(t, err)
	assert.True(t, proc.killed.Load())
	assert.Equal(t, StateIdle, l.State())
}

func TestLifecycle_Checkpoint_SaveAndRestoreOnlyFromIdle(t *testing.T) {
	proc := newFakeProcess()
	l := NewLifecycle(DefaultConfig(), proc, nil, nil, nil)

	cp := l.SaveCheckpoint("task-1")
	assert.Equal(t, "task-1", cp.CurrentTaskID)
	assert.Equal(t, StateIdle, cp.State)

	ok := l.RestoreFromCheckpoint(cp)
	assert.True(t, ok)

	require.NoError(t, l.Spawn(context.Background(), nil))
	ok = l.RestoreFromCheckpoint(cp)
	assert.False(t, ok, "restore must be rejected once the lifecycle has left idle")
	l.Stop(context.Background())
}

func TestLifecycle_HealthMonitor_FlipsUnhealthyAtThreshold(t *testing.T) {
	proc := newFakeProcess()
	proc.healthy.Store(false)
	cfg := DefaultConfig()
	cfg.HealthCheckInterval = 5 * time.Millisecond
	cfg.FailureThreshold = 2
	l := NewLifecycle(cfg, proc, nil, nil, nil)
	require.NoError(t, l.Spawn(context.Background(), nil))

	require.Eventually(t, func() bool {
		return l.State() == StateUnhealthy
	}, time.Second, 5*time.Millisecond)

	proc.healthy.Store(true)
	require.Eventually(t, func() bool {
		return l.State() == StateHealthy
	}, time.Second, 5*time.Millisecond)

	l.Stop(context.Background())
}

func TestLifecycle_UnexpectedExit_AttemptsRespawnAndFailsWhenSpawnErrors(t *testing.T) {
	proc := newFakeProcess()
	cfg := DefaultConfig()
	cfg.HealthCheckInterval = time.Hour

	l := NewLifecycle(cfg, proc, nil, nil, nil)
	require.NoError(t, l.Spawn(context.Background(), nil))

	// Force the respawn attempt to fail so the lifecycle settles in failed
	// rather than looping back to healthy.
	proc.mu.Lock()
	proc.spawnErr = assertErr{}
	proc.mu.Unlock()

	proc.triggerExit(1)

	require.Eventually(t, func() bool {
		return l.State() == StateFailed
	}, 5*time.Second, 10*time.Millisecond)
}

type assertErr struct{}

func (assertErr) Error() string { return "spawn failed" }
