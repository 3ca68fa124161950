package agentlifecycle

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/kynetic/kbot/internal/kbotbus"
	"github.com/kynetic/kbot/internal/kbotlog"
)

// Process is the subprocess + ACP client surface AgentLifecycle drives.
// internal/acp provides the concrete implementation; tests use a fake.
type Process interface {
	// Spawn starts the agent subprocess with extraEnv appended to the
	// default KYNETIC_* environment, returning once the subprocess is
	// observably running.
	Spawn(ctx context.Context, extraEnv map[string]string) error
	// Stop asks the subprocess to terminate gracefully.
	Stop(ctx context.Context) error
	// Kill force-terminates the subprocess unconditionally.
	Kill() error
	// Healthy reports whether the subprocess is running and its ACP
	// client is reachable.
	Healthy(ctx context.Context) bool
	// Done is closed when the subprocess exits, regardless of cause.
	Done() <-chan struct{}
	// ExitCode is valid only after Done is closed.
	ExitCode() int
}

// Config tunes AgentLifecycle's operation.
type Config struct {
	MaxConcurrentSpawns int
	ShutdownTimeout     time.Duration
	HealthCheckInterval time.Duration
	FailureThreshold    int
}

// DefaultConfig matches spec.md §4.2's defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentSpawns: 1,
		ShutdownTimeout:     10 * time.Second,
		HealthCheckInterval: 30 * time.Second,
		FailureThreshold:    3,
	}
}

// Lifecycle drives Process through the seven-state machine: spawn queueing,
// health monitoring, and unexpected-exit recovery with its own backoff
// instance (spec.md §9 Open Question 2: scoped independently from the
// Supervisor's respawn backoff). Grounded on
// internal/agentctl/process/manager.go's atomic-status pattern, generalized
// from a single bool-ish status to the spec's seven-state enum.
type Lifecycle struct {
	cfg     Config
	process Process
	bus     kbotbus.Bus
	logger  *kbotlog.Logger

	state        atomic.Value // State
	failureCount atomic.Int32

	spawnSem chan struct{}
	spawnQ   int32

	mu         sync.Mutex
	checkpoint *AgentCheckpoint

	escalate func(ctx context.Context, reason string, escCtx map[string]any)

	stopHealthMonitor chan struct{}
	healthWG          sync.WaitGroup

	recoveryBackoff backoff.BackOff
}

// NewLifecycle constructs a Lifecycle around process. onEscalate is called
// when recovery gives up (backoff reaches its ceiling without a successful
// spawn); it may be nil.
func NewLifecycle(cfg Config, process Process, bus kbotbus.Bus, log *kbotlog.Logger, onEscalate func(ctx context.Context, reason string, escCtx map[string]any)) *Lifecycle {
	if log == nil {
		log = kbotlog.Default()
	}
	l := &Lifecycle{
		cfg:      cfg,
		process:  process,
		bus:      bus,
		logger:   log.WithFields(zap.String("component", "agent-lifecycle")),
		spawnSem: make(chan struct{}, max(1, cfg.MaxConcurrentSpawns)),
		escalate: onEscalate,
		recoveryBackoff: backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(1*time.Second),
			backoff.WithMaxInterval(60*time.Second),
			backoff.WithMaxElapsedTime(0),
		),
	}
	l.state.Store(StateIdle)
	return l
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// State returns the current lifecycle state.
func (l *Lifecycle) State() State { return l.state.Load().(State) }

func (l *Lifecycle) setState(s State) { l.state.Store(s) }

// Spawn starts the agent subprocess. Permitted only from idle, unhealthy,
// or failed. Excess concurrent callers beyond MaxConcurrentSpawns wait
// FIFO for a slot; each caller that has to wait is logged with the queue
// length and announced as a KindSpawn event with an empty payload. There is
// no separate queued event kind, and the queue length is not carried on the
// event.
func (l *Lifecycle) Spawn(ctx context.Context, extraEnv map[string]string) error {
	cur := l.State()
	if cur != StateIdle && cur != StateUnhealthy && cur != StateFailed {
		return fmt.Errorf("agentlifecycle: spawn not permitted from state %s", cur)
	}

	queued := atomic.AddInt32(&l.spawnQ, 1)
	if int(queued) > cap(l.spawnSem) {
		l.publish(ctx, kbotbus.KindSpawn, kbotbus.SpawnPayload{})
		l.logger.Info("spawn queued", zap.Int32("queue_length", queued))
	}
	defer atomic.AddInt32(&l.spawnQ, -1)

	select {
	case l.spawnSem <- struct{}{}:
		defer func() { <-l.spawnSem }()
	case <-ctx.Done():
		return ctx.Err()
	}

	l.setState(StateSpawning)
	if err := l.process.Spawn(ctx, mergeEnv(extraEnv)); err != nil {
		l.setState(StateFailed)
		return fmt.Errorf("spawn agent process: %w", err)
	}

	l.failureCount.Store(0)
	l.recoveryBackoff.Reset()
	l.setState(StateHealthy)
	l.publish(ctx, kbotbus.KindSpawn, kbotbus.SpawnPayload{})

	l.startHealthMonitor()
	go l.watchForUnexpectedExit()

	return nil
}

// mergeEnv injects the KYNETIC_* defaults, overridable by extraEnv.
func mergeEnv(extraEnv map[string]string) map[string]string {
	env := map[string]string{
		"KYNETIC_SUPERVISED": "1",
	}
	for k, v := range extraEnv {
		env[k] = v
	}
	return env
}

// Stop gracefully terminates the subprocess: soft signal, wait
// ShutdownTimeout, then escalate to Kill. Idempotent from idle.
func (l *Lifecycle) Stop(ctx context.Context) error {
	if l.State() == StateIdle {
		return nil
	}
	l.setState(StateStopping)
	l.stopHealthMonitorIfRunning()

	stopCtx, cancel := context.WithTimeout(ctx, l.cfg.ShutdownTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- l.process.Stop(stopCtx) }()

	select {
	case err := <-done:
		if err != nil {
			l.logger.Warn("graceful stop failed, killing", zap.Error(err))
			_ = l.process.Kill()
		}
	case <-stopCtx.Done():
		l.logger.Warn("graceful stop timed out, killing")
		_ = l.process.Kill()
	}

	l.setState(StateIdle)
	l.publish(ctx, kbotbus.KindHealthStatus, kbotbus.HealthStatusPayload{})
	return nil
}

// Kill force-terminates the subprocess unconditionally from any state and
// always emits shutdown:complete (modeled here as a health-status event).
func (l *Lifecycle) Kill() error {
	l.setState(StateTerminating)
	l.stopHealthMonitorIfRunning()
	err := l.process.Kill()
	l.setState(StateIdle)
	l.publish(context.Background(), kbotbus.KindHealthStatus, kbotbus.HealthStatusPayload{})
	return err
}

// GetCheckpoint returns the last saved in-memory checkpoint, or nil.
func (l *Lifecycle) GetCheckpoint() *AgentCheckpoint {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checkpoint
}

// SaveCheckpoint snapshots current state for later restoration.
func (l *Lifecycle) SaveCheckpoint(currentTaskID string) *AgentCheckpoint {
	cp := &AgentCheckpoint{
		State:          l.State(),
		FailureCount:   int(l.failureCount.Load()),
		CurrentTaskID:  currentTaskID,
		SavedAt:        time.Now().UTC(),
	}
	l.mu.Lock()
	l.checkpoint = cp
	l.mu.Unlock()
	return cp
}

// RestoreFromCheckpoint restores state from c. Accepted only from idle.
func (l *Lifecycle) RestoreFromCheckpoint(c *AgentCheckpoint) bool {
	if l.State() != StateIdle || c == nil {
		return false
	}
	l.failureCount.Store(int32(c.FailureCount))
	l.mu.Lock()
	l.checkpoint = c
	l.mu.Unlock()
	return true
}

func (l *Lifecycle) publish(ctx context.Context, kind kbotbus.Kind, payload any) {
	if l.bus == nil {
		return
	}
	evt := kbotbus.NewEvent(kind, "", "", payload)
	if err := l.bus.Publish(ctx, kind, evt); err != nil {
		l.logger.Warn("failed to publish lifecycle event", zap.String("kind", kind.String()), zap.Error(err))
	}
}
