package agentlifecycle

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kynetic/kbot/internal/kbotbus"
)

// startHealthMonitor launches the periodic health probe goroutine. Safe to
// call multiple times; a prior monitor is stopped first.
func (l *Lifecycle) startHealthMonitor() {
	l.stopHealthMonitorIfRunning()

	stop := make(chan struct{})
	l.mu.Lock()
	l.stopHealthMonitor = stop
	l.mu.Unlock()

	l.healthWG.Add(1)
	go func() {
		defer l.healthWG.Done()
		ticker := time.NewTicker(l.cfg.HealthCheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				l.probeHealth()
			}
		}
	}()
}

func (l *Lifecycle) stopHealthMonitorIfRunning() {
	l.mu.Lock()
	stop := l.stopHealthMonitor
	l.stopHealthMonitor = nil
	l.mu.Unlock()

	if stop != nil {
		close(stop)
		l.healthWG.Wait()
	}
}

// probeHealth runs one health check: passes iff the subprocess is running
// and the ACP client reports reachable (spec.md §4.2).
func (l *Lifecycle) probeHealth() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ok := l.process.Healthy(ctx)
	if ok {
		prev := l.failureCount.Swap(0)
		if l.State() == StateUnhealthy {
			l.setState(StateHealthy)
			l.logger.Info("agent recovered", zap.Int32("previous_failures", prev))
			l.publish(ctx, kbotbus.KindHealthStatus, kbotbus.HealthStatusPayload{Healthy: true, Recovered: true})
		}
		return
	}

	count := l.failureCount.Add(1)
	l.logger.Warn("health probe failed", zap.Int32("consecutive_failures", count))
	if int(count) >= l.cfg.FailureThreshold && l.State() == StateHealthy {
		l.setState(StateUnhealthy)
		l.publish(ctx, kbotbus.KindHealthStatus, kbotbus.HealthStatusPayload{Healthy: false, Recovered: false})
	}
}

// watchForUnexpectedExit blocks until the subprocess exits; if that happens
// while not in stopping/terminating, it runs the recovery path: kill any
// residue, wait the current backoff, attempt respawn. Giving up (backoff at
// ceiling and spawn still failing) escalates and leaves the lifecycle in
// failed (spec.md §4.2).
func (l *Lifecycle) watchForUnexpectedExit() {
	<-l.process.Done()

	switch l.State() {
	case StateStopping, StateTerminating, StateIdle:
		return
	}

	l.stopHealthMonitorIfRunning()
	l.logger.Warn("agent process exited unexpectedly", zap.Int("exit_code", l.process.ExitCode()))

	if l.process.ExitCode() == 0 {
		l.recoveryBackoff.Reset()
	}

	_ = l.process.Kill()

	ctx := context.Background()
	delay := l.recoveryBackoff.NextBackOff()
	l.logger.Info("scheduling respawn after unexpected exit", zap.Duration("delay", delay))
	l.publish(ctx, kbotbus.KindRespawn, kbotbus.RespawnPayload{Delay: delay})

	timer := time.NewTimer(delay)
	<-timer.C

	l.setState(StateFailed)
	if err := l.Spawn(ctx, nil); err != nil {
		l.logger.Error("respawn after unexpected exit failed", zap.Error(err))
		if delay >= 60*time.Second {
			if l.escalate != nil {
				l.escalate(ctx, "agent respawn exhausted backoff ceiling", map[string]any{"failures": l.failureCount.Load()})
			}
			l.setState(StateFailed)
		}
	}
}
