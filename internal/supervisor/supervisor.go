package supervisor

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kynetic/kbot/internal/checkpoint"
	"github.com/kynetic/kbot/internal/kbotbus"
	"github.com/kynetic/kbot/internal/kbotlog"
)

// Config tunes Supervisor's spawn command, backoff, and shutdown timeout.
type Config struct {
	ChildCommand    []string
	WorkDir         string
	ShutdownTimeout time.Duration
	MinBackoff      time.Duration
	MaxBackoff      time.Duration
}

// DefaultConfig matches spec.md §4.1's defaults.
func DefaultConfig() Config {
	return Config{
		ShutdownTimeout: 30 * time.Second,
		MinBackoff:      1 * time.Second,
		MaxBackoff:      60 * time.Second,
	}
}

// crashWakePrompt seeds the agent's first prompt after an unplanned exit,
// since no restoration context survives a crash.
const crashWakePrompt = "Your previous session ended unexpectedly. Resume from wherever your last completed work left off."

// crashCheckpointSessionID fills Checkpoint's required SessionID field for a
// synthesized crash checkpoint. Supervisor has no visibility into which
// session was active when the child crashed — sessions are Bot's domain
// (spec.md §4.6) — so this placeholder stands in for "none known."
const crashCheckpointSessionID = "unknown"

// Supervisor keeps at most one child process running, restarting it on
// crash with doubling backoff and honoring a planned-restart handshake
// initiated by the child itself (spec.md §4.1).
type Supervisor struct {
	cfg         Config
	checkpoints *checkpoint.Store
	bus         kbotbus.Bus
	logger      *kbotlog.Logger
	newChild    func() ChildProcess

	mu    sync.Mutex
	child ChildProcess
	state atomic.Value // State

	pendingCheckpointPath string

	shuttingDown atomic.Bool
	terminated   chan struct{}

	failures atomic.Int32
}

// New constructs a Supervisor. newChild is a factory for the child process
// handle; tests substitute a fake, production wires newExecChild.
func New(cfg Config, checkpoints *checkpoint.Store, bus kbotbus.Bus, log *kbotlog.Logger, newChild func() ChildProcess) *Supervisor {
	if log == nil {
		log = kbotlog.Default()
	}
	if newChild == nil {
		newChild = func() ChildProcess {
			return newExecChild(cfg.ChildCommand, cfg.WorkDir, log.WithFields(zap.String("component", "supervisor-child")))
		}
	}
	s := &Supervisor{
		cfg:         cfg,
		checkpoints: checkpoints,
		bus:         bus,
		logger:      log.WithFields(zap.String("component", "supervisor")),
		newChild:    newChild,
		terminated:  make(chan struct{}),
	}
	s.state.Store(StateIdle)
	return s
}

// State returns the current supervisor state.
func (s *Supervisor) State() State { return s.state.Load().(State) }

func (s *Supervisor) setState(st State) { s.state.Store(st) }

// Terminated is closed once the supervisor has reached a final state
// (clean child exit, or Shutdown completing).
func (s *Supervisor) Terminated() <-chan struct{} { return s.terminated }

// Run performs the startup checkpoint sweep, spawns the child, and drives
// the supervision loop until the child exits cleanly or Shutdown is called.
// It returns nil in both of those cases; a non-nil error only for a failure
// that prevents ever spawning the child.
func (s *Supervisor) Run(ctx context.Context, initialCheckpointPath string) error {
	if s.checkpoints != nil {
		if deleted, err := s.checkpoints.SweepExpired(); err != nil {
			s.logger.Warn("checkpoint sweep failed", zap.Error(err))
		} else if deleted > 0 {
			s.logger.Info("swept expired checkpoints", zap.Int("deleted", deleted))
		}
	}

	if err := s.spawn(ctx, initialCheckpointPath); err != nil {
		s.setState(StateTerminated)
		close(s.terminated)
		return fmt.Errorf("supervisor: initial spawn: %w", err)
	}

	<-s.terminated
	return nil
}

// spawn starts a new child if none is running; a no-op if one already is.
func (s *Supervisor) spawn(ctx context.Context, checkpointPath string) error {
	s.mu.Lock()
	if s.child != nil {
		s.mu.Unlock()
		return nil
	}
	s.setState(StateSpawning)
	child := s.newChild()
	if err := child.Start(ctx, checkpointPath); err != nil {
		s.mu.Unlock()
		return err
	}
	s.child = child
	s.mu.Unlock()

	s.setState(StateRunning)
	s.publish(ctx, kbotbus.KindSpawn, kbotbus.SpawnPayload{PID: child.PID()})
	s.logger.Info("child spawned", zap.Int("pid", child.PID()))

	go s.supervise(ctx, child)
	return nil
}

// supervise watches one child's IPC messages and exit, driving the planned-
// restart handshake and the post-exit policy (spec.md §4.1).
func (s *Supervisor) supervise(ctx context.Context, child ChildProcess) {
	messages := child.Messages()
	for {
		select {
		case msg, ok := <-messages:
			if !ok {
				// Disable this case rather than spin on a closed channel.
				messages = nil
				continue
			}
			s.handleMessage(child, msg)
		case <-child.Done():
			s.handleExit(ctx, child)
			return
		}
	}
}

// handleMessage implements the planned-restart handshake. Messages of an
// unknown type are logged and dropped rather than treated as a protocol
// error (spec.md §4.1: "never crash on malformed IPC").
func (s *Supervisor) handleMessage(child ChildProcess, msg Message) {
	switch msg.Type {
	case MsgPlannedRestart:
		if _, err := os.Stat(msg.Checkpoint); err != nil {
			_ = child.Send(Message{Type: MsgError, Text: fmt.Sprintf("checkpoint unreadable: %v", err)})
			return
		}
		s.mu.Lock()
		s.pendingCheckpointPath = msg.Checkpoint
		s.mu.Unlock()
		if err := child.Send(Message{Type: MsgRestartAck}); err != nil {
			s.logger.Warn("failed to ack planned restart", zap.Error(err))
		}
	default:
		s.logger.Warn("dropping ipc message of unknown type", zap.String("type", string(msg.Type)))
	}
}

// handleExit applies the exit policy once a child has terminated: clean
// stop, or crash-and-respawn.
func (s *Supervisor) handleExit(ctx context.Context, child ChildProcess) {
	s.mu.Lock()
	s.child = nil
	pending := s.pendingCheckpointPath
	s.pendingCheckpointPath = ""
	s.mu.Unlock()

	if s.shuttingDown.Load() {
		s.setState(StateTerminated)
		s.closeTerminated()
		return
	}

	cleanExit := child.ExitCode() == 0
	if cleanExit {
		s.failures.Store(0)
	}

	// A pending checkpoint means the child already negotiated a planned
	// restart; that always respawns at once regardless of its exit code,
	// falling back to the backed-off respawn only if that spawn fails.
	if pending != "" {
		if err := s.spawn(ctx, pending); err != nil {
			s.logger.Error("respawn after planned restart failed", zap.Error(err))
			s.scheduleRespawn(ctx, pending)
		}
		return
	}

	if cleanExit {
		s.setState(StateTerminated)
		s.closeTerminated()
		return
	}

	s.scheduleRespawn(ctx, s.writeCrashCheckpoint())
}

func (s *Supervisor) writeCrashCheckpoint() string {
	if s.checkpoints == nil {
		return ""
	}
	path, err := s.checkpoints.Write(crashCheckpointSessionID, checkpoint.ReasonCrash, checkpoint.WakeContext{Prompt: crashWakePrompt})
	if err != nil {
		s.logger.Warn("failed to write crash checkpoint", zap.Error(err))
		return ""
	}
	return path
}

// scheduleRespawn sleeps the current backoff delay, doubling it up to
// MaxBackoff, then respawns. Backoff and failure count reset only on a
// clean exit (spec.md §4.1).
func (s *Supervisor) scheduleRespawn(ctx context.Context, checkpointPath string) {
	s.setState(StateRespawning)
	attempt := int(s.failures.Add(1))

	delay := s.cfg.MinBackoff
	if delay <= 0 {
		delay = DefaultConfig().MinBackoff
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if max := s.cfg.MaxBackoff; max > 0 && delay > max {
			delay = max
			break
		}
	}
	maxBackoff := s.cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = DefaultConfig().MaxBackoff
	}
	if delay >= maxBackoff {
		delay = maxBackoff
		s.publish(ctx, kbotbus.KindEscalation, kbotbus.EscalationPayload{
			Reason:  "respawn backoff at ceiling",
			Context: map[string]any{"failures": attempt},
		})
	}

	s.publish(ctx, kbotbus.KindRespawn, kbotbus.RespawnPayload{Attempt: attempt, Delay: delay})
	s.logger.Warn("child exited unexpectedly, scheduling respawn",
		zap.Int("attempt", attempt), zap.Duration("delay", delay))

	select {
	case <-time.After(delay):
	case <-s.terminated:
		return
	}

	if s.shuttingDown.Load() {
		return
	}
	if err := s.spawn(ctx, checkpointPath); err != nil {
		s.logger.Error("respawn failed", zap.Error(err))
		s.scheduleRespawn(ctx, checkpointPath)
	}
}

// Shutdown terminates the running child (graceful stdin-close, escalating
// to Kill after ShutdownTimeout) and marks the supervisor terminated.
// Idempotent.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	if !s.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	s.setState(StateShuttingDown)

	s.mu.Lock()
	child := s.child
	s.mu.Unlock()
	if child == nil {
		s.setState(StateTerminated)
		s.closeTerminated()
		return nil
	}

	if err := child.Stop(); err != nil {
		s.logger.Warn("graceful child stop failed", zap.Error(err))
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().ShutdownTimeout
	}
	select {
	case <-child.Done():
	case <-time.After(timeout):
		s.logger.Warn("child shutdown timed out, killing")
		if err := child.Kill(); err != nil {
			s.logger.Warn("kill failed", zap.Error(err))
		}
		<-child.Done()
	case <-ctx.Done():
		_ = child.Kill()
	}

	s.setState(StateTerminated)
	s.closeTerminated()
	return nil
}

func (s *Supervisor) closeTerminated() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.terminated:
	default:
		close(s.terminated)
	}
}

func (s *Supervisor) publish(ctx context.Context, kind kbotbus.Kind, payload any) {
	if s.bus == nil {
		return
	}
	evt := kbotbus.NewEvent(kind, "", "", payload)
	if err := s.bus.Publish(ctx, kind, evt); err != nil {
		s.logger.Warn("failed to publish supervisor event", zap.String("kind", kind.String()), zap.Error(err))
	}
}
