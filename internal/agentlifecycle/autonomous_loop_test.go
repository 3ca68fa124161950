package agentlifecycle

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kynetic/kbot/internal/kberr"
)

type fakeTaskSource struct {
	mu      sync.Mutex
	tasks   []any
	nextErr error
}

func (s *fakeTaskSource) Next(ctx context.Context) (any, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nextErr != nil {
		return nil, false, s.nextErr
	}
	if len(s.tasks) == 0 {
		return nil, false, nil
	}
	task := s.tasks[0]
	s.tasks = s.tasks[1:]
	return task, true, nil
}

func (s *fakeTaskSource) push(task any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task)
}

type fakeProcessor struct {
	processed atomic.Int32
	failNext  atomic.Bool
}

func (p *fakeProcessor) Process(ctx context.Context, task any) error {
	if p.failNext.Load() {
		return assertErr{}
	}
	p.processed.Add(1)
	return nil
}

func healthyLifecycle(t *testing.T) (*Lifecycle, *fakeProcess) {
	t.Helper()
	proc := newFakeProcess()
	cfg := DefaultConfig()
	cfg.HealthCheckInterval = time.Hour
	l := NewLifecycle(cfg, proc, nil, nil, nil)
	require.NoError(t, l.Spawn(context.Background(), nil))
	return l, proc
}

func TestAutonomousLoop_RequiresHealthyLifecycle(t *testing.T) {
	proc := newFakeProcess()
	l := NewLifecycle(DefaultConfig(), proc, nil, nil, nil) // still idle, never spawned

	source := &fakeTaskSource{}
	processor := &fakeProcessor{}
	loop := NewAutonomousLoop(DefaultLoopConfig(), l, source, processor, nil, nil)

	err := loop.Start(context.Background())
	assert.Error(t, err)
	assert.Equal(t, LoopIdle, loop.State())
}

func TestAutonomousLoop_ProcessesTasksWhileRunning(t *testing.T) {
	l, _ := healthyLifecycle(t)
	defer l.Stop(context.Background())

	source := &fakeTaskSource{}
	source.push("task-1")
	source.push("task-2")
	processor := &fakeProcessor{}

	cfg := LoopConfig{PollInterval: 5 * time.Millisecond, ErrorThreshold: 3, CooldownMs: 50 * time.Millisecond}
	loop := NewAutonomousLoop(cfg, l, source, processor, nil, nil)

	require.NoError(t, loop.Start(context.Background()))
	defer loop.Stop()

	require.Eventually(t, func() bool {
		return processor.processed.Load() == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, CircuitClosed, loop.Circuit())
}

func TestAutonomousLoop_TripsCircuitAfterErrorThreshold(t *testing.T) {
	l, _ := healthyLifecycle(t)
	defer l.Stop(context.Background())

	source := &fakeTaskSource{nextErr: assertErr{}}
	processor := &fakeProcessor{}

	cfg := LoopConfig{PollInterval: 5 * time.Millisecond, ErrorThreshold: 3, CooldownMs: 200 * time.Millisecond}
	loop := NewAutonomousLoop(cfg, l, source, processor, nil, nil)

	require.NoError(t, loop.Start(context.Background()))
	defer loop.Stop()

	require.Eventually(t, func() bool {
		return loop.Circuit() == CircuitOpen
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, LoopPaused, loop.State())
}

func TestAutonomousLoop_Resume_FailsWhileCircuitOpen(t *testing.T) {
	l, _ := healthyLifecycle(t)
	defer l.Stop(context.Background())

	source := &fakeTaskSource{nextErr: assertErr{}}
	processor := &fakeProcessor{}
	cfg := LoopConfig{PollInterval: 5 * time.Millisecond, ErrorThreshold: 2, CooldownMs: time.Minute}
	loop := NewAutonomousLoop(cfg, l, source, processor, nil, nil)

	require.NoError(t, loop.Start(context.Background()))
	defer loop.Stop()

	require.Eventually(t, func() bool {
		return loop.Circuit() == CircuitOpen
	}, time.Second, 5*time.Millisecond)

	err := loop.Resume()
	require.Error(t, err)
	var circuitErr *kberr.CircuitOpenError
	require.ErrorAs(t, err, &circuitErr)
	assert.Greater(t, circuitErr.RemainingCooldown, time.Duration(0))
}

func TestAutonomousLoop_HalfOpenClosesOnSuccessAfterCooldown(t *testing.T) {
	l, _ := healthyLifecycle(t)
	defer l.Stop(context.Background())

	source := &fakeTaskSource{nextErr: assertErr{}}
	processor := &fakeProcessor{}
	cfg := LoopConfig{PollInterval: 5 * time.Millisecond, ErrorThreshold: 2, CooldownMs: 30 * time.Millisecond}
	loop := NewAutonomousLoop(cfg, l, source, processor, nil, nil)

	require.NoError(t, loop.Start(context.Background()))
	defer loop.Stop()

	require.Eventually(t, func() bool {
		return loop.Circuit() == CircuitOpen
	}, time.Second, 5*time.Millisecond)

	// Clear the failing source so the next poll after cooldown succeeds.
	source.mu.Lock()
	source.nextErr = nil
	source.mu.Unlock()
	source.push("task-recovered")

	// Resume fails until CooldownMs has actually elapsed since the trip;
	// retry rather than asserting success on the first call.
	require.Eventually(t, func() bool {
		return loop.Resume() == nil
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return loop.Circuit() == CircuitClosed
	}, time.Second, 5*time.Millisecond)
}

func TestAutonomousLoop_ResetCircuitBreaker_OverridesCooldown(t *testing.T) {
	l, _ := healthyLifecycle(t)
	defer l.Stop(context.Background())

	source := &fakeTaskSource{nextErr: assertErr{}}
	processor := &fakeProcessor{}
	cfg := LoopConfig{PollInterval: 5 * time.Millisecond, ErrorThreshold: 2, CooldownMs: time.Hour}
	loop := NewAutonomousLoop(cfg, l, source, processor, nil, nil)

	require.NoError(t, loop.Start(context.Background()))
	defer loop.Stop()

	require.Eventually(t, func() bool {
		return loop.Circuit() == CircuitOpen
	}, time.Second, 5*time.Millisecond)

	loop.ResetCircuitBreaker()
	assert.Equal(t, CircuitClosed, loop.Circuit())

	err := loop.Resume()
	assert.NoError(t, err)
}

func TestAutonomousLoop_Pause_StopsProcessingWithoutExiting(t *testing.T) {
	l, _ := healthyLifecycle(t)
	defer l.Stop(context.Background())

	source := &fakeTaskSource{}
	processor := &fakeProcessor{}
	cfg := LoopConfig{PollInterval: 5 * time.Millisecond, ErrorThreshold: 3, CooldownMs: time.Minute}
	loop := NewAutonomousLoop(cfg, l, source, processor, nil, nil)

	require.NoError(t, loop.Start(context.Background()))
	defer loop.Stop()

	loop.Pause()
	source.push("task-while-paused")
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), processor.processed.Load())

	require.NoError(t, loop.Resume())
	require.Eventually(t, func() bool {
		return processor.processed.Load() == 1
	}, time.Second, 5*time.Millisecond)
}
