package agentlifecycle

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kynetic/kbot/internal/kberr"
	"github.com/kynetic/kbot/internal/kbotbus"
	"github.com/kynetic/kbot/internal/kbotlog"
)

// LoopState is the autonomous loop's run state.
type LoopState string

const (
	LoopIdle     LoopState = "idle"
	LoopRunning  LoopState = "running"
	LoopPaused   LoopState = "paused"
	LoopStopping LoopState = "stopping"
)

// TaskSource supplies the next unit of work for the autonomous loop to
// process, or ok=false if there is nothing pending this iteration.
type TaskSource interface {
	Next(ctx context.Context) (task any, ok bool, err error)
}

// TaskProcessor executes one task obtained from TaskSource.
type TaskProcessor interface {
	Process(ctx context.Context, task any) error
}

// LoopConfig tunes the autonomous loop and its circuit breaker.
type LoopConfig struct {
	PollInterval   time.Duration
	ErrorThreshold int
	CooldownMs     time.Duration
}

// DefaultLoopConfig matches spec.md §4.2's defaults.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{PollInterval: 5 * time.Second, ErrorThreshold: 3, CooldownMs: 60 * time.Second}
}

// AutonomousLoop polls TaskSource at PollInterval, processing at most one
// task per iteration, gated by a circuit breaker that trips after
// ErrorThreshold consecutive failures (spec.md §4.2 "Autonomous loop").
// Requires the owning Lifecycle to report healthy before it will start.
type AutonomousLoop struct {
	cfg       LoopConfig
	lifecycle *Lifecycle
	source    TaskSource
	processor TaskProcessor
	bus       kbotbus.Bus
	logger    *kbotlog.Logger

	state atomic.Value // LoopState
	iter  atomic.Int64

	mu                sync.Mutex
	circuit           CircuitState
	consecutiveErrors int
	circuitTrippedAt  time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewAutonomousLoop constructs a loop bound to lifecycle, source, and processor.
func NewAutonomousLoop(cfg LoopConfig, lifecycle *Lifecycle, source TaskSource, processor TaskProcessor, bus kbotbus.Bus, log *kbotlog.Logger) *AutonomousLoop {
	if log == nil {
		log = kbotlog.Default()
	}
	l := &AutonomousLoop{
		cfg:       cfg,
		lifecycle: lifecycle,
		source:    source,
		processor: processor,
		bus:       bus,
		logger:    log.WithFields(zap.String("component", "autonomous-loop")),
		circuit:   CircuitClosed,
	}
	l.state.Store(LoopIdle)
	return l
}

// State returns the loop's current run state.
func (l *AutonomousLoop) State() LoopState { return l.state.Load().(LoopState) }

// Circuit returns the breaker's current state.
func (l *AutonomousLoop) Circuit() CircuitState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.circuit
}

// Start requires the lifecycle to report healthy; it then begins polling
// in a background goroutine.
func (l *AutonomousLoop) Start(ctx context.Context) error {
	if l.lifecycle.State() != StateHealthy {
		return fmt.Errorf("autonomous loop: lifecycle not healthy (state=%s)", l.lifecycle.State())
	}
	if l.State() == LoopRunning {
		return nil
	}

	l.state.Store(LoopRunning)
	l.stopCh = make(chan struct{})
	l.wg.Add(1)
	go l.run(ctx)
	return nil
}

// Pause transitions the loop to paused; it stops issuing new polls but
// does not tear down the goroutine.
func (l *AutonomousLoop) Pause() { l.state.Store(LoopPaused) }

// Resume transitions paused back to running. Fails with CircuitOpenError
// while the breaker is open; if the cooldown has already elapsed it
// evaluates the half-open transition itself rather than relying on the run
// loop's ticker to have observed it first (the loop's own ticker keeps
// checking cooldown expiry while paused, but a caller may call Resume
// before the ticker next fires).
func (l *AutonomousLoop) Resume() error {
	l.checkCooldownExpiry()

	l.mu.Lock()
	circuit := l.circuit
	trippedAt := l.circuitTrippedAt
	l.mu.Unlock()

	if circuit == CircuitOpen {
		remaining := l.cfg.CooldownMs - time.Since(trippedAt)
		if remaining < 0 {
			remaining = 0
		}
		return &kberr.CircuitOpenError{RemainingCooldown: remaining}
	}

	l.state.Store(LoopRunning)
	return nil
}

// Stop signals the run goroutine to exit and waits for it.
func (l *AutonomousLoop) Stop() {
	if l.State() == LoopIdle {
		return
	}
	l.state.Store(LoopStopping)
	if l.stopCh != nil {
		close(l.stopCh)
	}
	l.wg.Wait()
	l.state.Store(LoopIdle)
}

// ResetCircuitBreaker is an operator override: forces the breaker closed
// and zeroes the error count regardless of cooldown.
func (l *AutonomousLoop) ResetCircuitBreaker() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.circuit = CircuitClosed
	l.consecutiveErrors = 0
	l.logger.Info("circuit breaker reset by operator")
	l.publish(context.Background(), kbotbus.KindCircuitReset, nil)
}

func (l *AutonomousLoop) run(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Cooldown expiry is evaluated every tick regardless of run
			// state, so the breaker can reach half-open while the loop
			// sits paused after a trip (spec.md §4.2); only the poll
			// itself is gated on LoopRunning.
			l.checkCooldownExpiry()
			if l.State() != LoopRunning {
				continue
			}
			if l.Circuit() == CircuitOpen {
				continue
			}
			l.pollOnce(ctx)
		}
	}
}

func (l *AutonomousLoop) checkCooldownExpiry() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.circuit == CircuitOpen && time.Since(l.circuitTrippedAt) >= l.cfg.CooldownMs {
		l.circuit = CircuitHalfOpen
	}
}

func (l *AutonomousLoop) pollOnce(ctx context.Context) {
	n := l.iter.Add(1)
	l.publish(ctx, kbotbus.KindLoopIteration, kbotbus.LoopIterationPayload{N: int(n)})

	task, ok, err := l.source.Next(ctx)
	if err != nil {
		l.recordFailure(ctx)
		return
	}
	if !ok {
		return
	}

	if perr := l.processor.Process(ctx, task); perr != nil {
		l.logger.Warn("autonomous task failed", zap.Error(perr))
		l.recordFailure(ctx)
		return
	}

	l.recordSuccess()
}

func (l *AutonomousLoop) recordFailure(ctx context.Context) {
	l.mu.Lock()
	l.consecutiveErrors++
	trip := l.consecutiveErrors >= l.cfg.ErrorThreshold && l.circuit != CircuitOpen
	if trip {
		l.circuit = CircuitOpen
		l.circuitTrippedAt = time.Now()
	} else if l.circuit == CircuitHalfOpen {
		// A failure during the half-open probe re-opens the breaker and
		// restarts the cooldown.
		l.circuit = CircuitOpen
		l.circuitTrippedAt = time.Now()
	}
	errs := l.consecutiveErrors
	l.mu.Unlock()

	if trip {
		l.state.Store(LoopPaused)
		l.logger.Warn("circuit breaker tripped", zap.Int("consecutive_errors", errs))
		l.publish(ctx, kbotbus.KindCircuitTripped, kbotbus.CircuitTrippedPayload{Errors: errs})
	}
}

func (l *AutonomousLoop) recordSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.circuit == CircuitHalfOpen {
		l.circuit = CircuitClosed
	}
	l.consecutiveErrors = 0
}

func (l *AutonomousLoop) publish(ctx context.Context, kind kbotbus.Kind, payload any) {
	if l.bus == nil {
		return
	}
	evt := kbotbus.NewEvent(kind, "", "", payload)
	if err := l.bus.Publish(ctx, kind, evt); err != nil {
		l.logger.Warn("failed to publish loop event", zap.String("kind", kind.String()), zap.Error(err))
	}
}
