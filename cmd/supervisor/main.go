// Package main is the entry point for the supervisor process: a thin
// restart-and-handoff shell around one bot child (spec.md §4.1).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kynetic/kbot/internal/checkpoint"
	"github.com/kynetic/kbot/internal/kbotbus"
	"github.com/kynetic/kbot/internal/kbotconfig"
	"github.com/kynetic/kbot/internal/kbotlog"
	"github.com/kynetic/kbot/internal/supervisor"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "supervisor",
		Short: "supervisor runs and restarts one bot child process",
		RunE:  runSupervisor,
	}

	root.Flags().String("config", "", "directory to search for kbot.yaml, in addition to . and /etc/kbot/")
	root.Flags().String("child", "", "path to the bot child executable (overrides config supervisor.childPath)")
	root.Flags().String("checkpoint", "", "initial checkpoint file to hand the first spawn")
	root.Flags().String("data-dir", "", "directory holding checkpoints/ (overrides config dataDir)")
	root.Flags().String("work-dir", "", "working directory for the child process")
	root.Flags().Duration("shutdown-timeout", 0, "graceful stop timeout before killing the child (overrides config)")
	root.Flags().Duration("min-backoff", 0, "initial respawn backoff (overrides config)")
	root.Flags().Duration("max-backoff", 0, "respawn backoff ceiling (overrides config)")
	root.Flags().String("nats-url", "", "NATS server URL; empty uses config, then an in-process event bus")
	root.Flags().String("nats-namespace", "", "subject namespace when a NATS URL is set")
	root.Flags().String("log-level", "", "debug, info, warn, or error (overrides config)")
	root.Flags().String("log-format", "", "json or console (overrides config)")

	return root
}

func runSupervisor(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()

	configDir, _ := flags.GetString("config")
	cfg, err := kbotconfig.Load(configDir)
	if err != nil {
		return fmt.Errorf("supervisor: load config: %w", err)
	}

	child := stringOverride(flags, "child", cfg.Supervisor.ChildPath)
	if child == "" {
		return fmt.Errorf("supervisor: --child or config supervisor.childPath is required")
	}
	checkpointPath, _ := flags.GetString("checkpoint")
	dataDir := stringOverride(flags, "data-dir", cfg.DataDir)
	workDir, _ := flags.GetString("work-dir")
	shutdownTimeout := durationOverride(flags, "shutdown-timeout", time.Duration(cfg.Supervisor.ShutdownTimeoutMs)*time.Millisecond)
	minBackoff := durationOverride(flags, "min-backoff", time.Duration(cfg.Supervisor.MinBackoffMs)*time.Millisecond)
	maxBackoff := durationOverride(flags, "max-backoff", time.Duration(cfg.Supervisor.MaxBackoffMs)*time.Millisecond)
	natsURL := stringOverride(flags, "nats-url", cfg.Events.NATSURL)
	natsNamespace := stringOverride(flags, "nats-namespace", cfg.Events.Namespace)
	logLevel := stringOverride(flags, "log-level", cfg.Logging.Level)
	logFormat := stringOverride(flags, "log-format", cfg.Logging.Format)

	log, err := kbotlog.New(kbotlog.Config{Level: logLevel, Format: logFormat, OutputPath: "stdout"})
	if err != nil {
		return fmt.Errorf("supervisor: init logger: %w", err)
	}
	defer log.Sync()
	kbotlog.SetDefault(log)

	var bus kbotbus.Bus
	if natsURL != "" {
		nb, err := kbotbus.NewNATSBus(natsURL, natsNamespace, log)
		if err != nil {
			return fmt.Errorf("supervisor: connect nats: %w", err)
		}
		bus = nb
	} else {
		bus = kbotbus.NewMemoryBus(log)
	}

	checkpoints := checkpoint.NewStore(dataDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := checkpoints.WatchAndSweep(ctx, log); err != nil {
		log.Warn("checkpoint directory watch disabled", zap.Error(err))
	}

	svCfg := supervisor.Config{
		ChildCommand:    []string{child},
		WorkDir:         workDir,
		ShutdownTimeout: shutdownTimeout,
		MinBackoff:      minBackoff,
		MaxBackoff:      maxBackoff,
	}
	sv := supervisor.New(svCfg, checkpoints, bus, log, nil)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout+5*time.Second)
		defer shutdownCancel()
		if err := sv.Shutdown(shutdownCtx); err != nil {
			log.Warn("supervisor shutdown reported an error", zap.Error(err))
		}
	}()

	if err := sv.Run(ctx, checkpointPath); err != nil {
		log.Error("supervisor exited with error", zap.Error(err))
		os.Exit(1)
	}
	os.Exit(0)
	return nil
}

// stringOverride returns the flag's value if the caller explicitly set it,
// otherwise falls back to the value loaded from kbotconfig.
func stringOverride(flags interface{ Changed(string) bool; GetString(string) (string, error) }, name, fallback string) string {
	if flags.Changed(name) {
		v, _ := flags.GetString(name)
		return v
	}
	return fallback
}

func durationOverride(flags interface {
	Changed(string) bool
	GetDuration(string) (time.Duration, error)
}, name string, fallback time.Duration) time.Duration {
	if flags.Changed(name) {
		v, _ := flags.GetDuration(name)
		return v
	}
	return fallback
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
