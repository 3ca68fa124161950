// Package main is the entry point for the bot process: the agent-session
// half of the two-process architecture, spawned and supervised by
// cmd/supervisor (spec.md §2, §4.1-§4.8).
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kynetic/kbot/internal/acp"
	"github.com/kynetic/kbot/internal/agentlifecycle"
	"github.com/kynetic/kbot/internal/bot"
	"github.com/kynetic/kbot/internal/checkpoint"
	botctx "github.com/kynetic/kbot/internal/context"
	"github.com/kynetic/kbot/internal/kbotbus"
	"github.com/kynetic/kbot/internal/kbotconfig"
	"github.com/kynetic/kbot/internal/kbotlog"
	"github.com/kynetic/kbot/internal/memory"
	"github.com/kynetic/kbot/internal/platform"
	"github.com/kynetic/kbot/internal/platform/fake"
	"github.com/kynetic/kbot/internal/session"
	"github.com/kynetic/kbot/internal/supervisor"
)

// plannedRestartWakePrompt seeds the next session's first prompt after a
// planned restart triggered by SIGHUP. No per-conversation pending work is
// captured here; an operator-triggered restart is assumed to land between
// turns.
const plannedRestartWakePrompt = "You were restarted for a planned maintenance reason. Continue from your last completed work."

// plannedRestartCheckpointSessionID fills Checkpoint's required SessionID
// for a SIGHUP-triggered restart. Bot serves many concurrent SessionKeys
// (spec.md §3), so there is no single session to name, mirroring
// supervisor's own crashCheckpointSessionID placeholder for the same reason.
const plannedRestartCheckpointSessionID = "planned-restart"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "bot",
		Short: "bot runs one agent session loop behind a platform adapter",
		RunE:  runBot,
	}

	root.Flags().String("config", "", "directory to search for kbot.yaml, in addition to . and /etc/kbot/")
	root.Flags().String("data-dir", "", "directory holding sessions/conversations/checkpoints (overrides config dataDir)")
	root.Flags().String("agent-id", "kbot", "identity filling SessionKey.Agent")
	root.Flags().String("platform", "console", "default platform name when the adapter leaves it unset")
	root.Flags().String("work-dir", ".", "working directory handed to the agent subprocess")
	root.Flags().String("agent-command", "", "space-separated command line launching the agent subprocess (required)")
	root.Flags().String("identity-prompt", "You are a helpful, autonomous assistant.", "system prompt for a brand-new session with no restoration context")
	root.Flags().Float64("rotation-threshold", 0, "context-usage fraction that triggers session rotation (overrides config)")
	root.Flags().String("nats-url", "", "NATS server URL; empty uses config, then an in-process event bus")
	root.Flags().String("nats-namespace", "", "subject namespace when a NATS URL is set")
	root.Flags().String("log-level", "", "debug, info, warn, or error (overrides config)")
	root.Flags().String("log-format", "", "json or console (overrides config)")

	return root
}

func runBot(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()

	configDir, _ := flags.GetString("config")
	cfg, err := kbotconfig.Load(configDir)
	if err != nil {
		return fmt.Errorf("bot: load config: %w", err)
	}

	dataDir := stringOverride(flags, "data-dir", cfg.DataDir)
	agentID, _ := flags.GetString("agent-id")
	platformName, _ := flags.GetString("platform")
	workDir, _ := flags.GetString("work-dir")
	agentCommandLine, _ := flags.GetString("agent-command")
	identityPrompt, _ := flags.GetString("identity-prompt")
	rotationThreshold := cfg.Session.RotationThreshold
	if flags.Changed("rotation-threshold") {
		rotationThreshold, _ = flags.GetFloat64("rotation-threshold")
	}
	natsURL := stringOverride(flags, "nats-url", cfg.Events.NATSURL)
	natsNamespace := stringOverride(flags, "nats-namespace", cfg.Events.Namespace)
	logLevel := stringOverride(flags, "log-level", cfg.Logging.Level)
	logFormat := stringOverride(flags, "log-format", cfg.Logging.Format)

	agentCommand := strings.Fields(agentCommandLine)
	if len(agentCommand) == 0 {
		return fmt.Errorf("bot: --agent-command is required")
	}

	log, err := kbotlog.New(kbotlog.Config{Level: logLevel, Format: logFormat, OutputPath: "stderr"})
	if err != nil {
		return fmt.Errorf("bot: init logger: %w", err)
	}
	defer log.Sync()
	kbotlog.SetDefault(log)

	supervised := os.Getenv("SUPERVISED") == "1"
	if pid := os.Getenv("SUPERVISOR_PID"); pid != "" {
		log.Info("running under supervisor", zap.String("supervisor_pid", pid))
	}

	var bus kbotbus.Bus
	if natsURL != "" {
		nb, err := kbotbus.NewNATSBus(natsURL, natsNamespace, log)
		if err != nil {
			return fmt.Errorf("bot: connect nats: %w", err)
		}
		bus = nb
	} else {
		bus = kbotbus.NewMemoryBus(log)
	}

	checkpoints := checkpoint.NewStore(dataDir)
	if path := os.Getenv("CHECKPOINT_PATH"); path != "" {
		cp, err := checkpoints.Read(path)
		if err != nil {
			log.Warn("checkpoint unusable, starting with the configured identity prompt", zap.String("path", path), zap.Error(err))
		} else if cp.WakeContext.Prompt != "" {
			identityPrompt = cp.WakeContext.Prompt
		}
	}

	sessionStore := memory.NewSessionStore(dataDir, log)
	conversationStore := memory.NewConversationStore(dataDir, log)
	reconstructor := memory.NewTurnReconstructor(sessionStore, bus, log)
	summarizer := botctx.NewToolSummarizer()
	selector := botctx.NewTurnSelector(botctx.TurnSelectorConfig{
		MaxContextTokens: cfg.Session.MaxContextTokens,
		BudgetFraction:   cfg.Session.BudgetFraction,
		MarginFraction:   cfg.Session.MarginFraction,
		CharsPerToken:    cfg.Session.CharsPerToken,
	}, reconstructor, summarizer)
	restorer := botctx.NewContextRestorer(botctx.RestorerConfig{MaxTurnChars: cfg.Session.MaxTurnChars}, conversationStore, selector, summarizer, nil, dataDir, log)
	usageTracker := session.NewUsageTracker(session.UsageTrackerConfig{
		Timeout:          cfg.Session.UsageTimeout,
		DebounceInterval: cfg.Session.UsageDebounce,
	}, bus, log)
	sessionManager := session.NewManager(session.Config{RotationThreshold: rotationThreshold}, sessionStore, bus, log)

	process := acp.NewProcess(acp.Config{Command: agentCommand, WorkDir: workDir}, log)
	lifecycle := agentlifecycle.NewLifecycle(agentlifecycle.Config{
		MaxConcurrentSpawns: cfg.AgentLife.MaxConcurrentSpawns,
		ShutdownTimeout:     cfg.AgentLife.ShutdownTimeout,
		HealthCheckInterval: cfg.AgentLife.HealthCheckInterval,
		FailureThreshold:    cfg.AgentLife.FailureThreshold,
	}, process, bus, log, func(ctx context.Context, reason string, escCtx map[string]any) {
		log.Error("agent lifecycle escalation: respawn backoff exhausted", zap.String("reason", reason), zap.Any("context", escCtx))
	})
	acpClient := bot.NewACPClient(process)

	var adapter platform.Adapter
	var console *consoleAdapter
	if supervised {
		// stdin/stdout are reserved for the supervisor IPC handshake below;
		// a real chat-platform adapter (out of scope here, spec.md §1) would
		// plug in at this seam instead of the inert fake.
		adapter = fake.New()
	} else {
		console = newConsoleAdapter()
		adapter = console
	}

	botCfg := bot.Config{AgentID: agentID, Platform: platformName, WorkDir: workDir, IdentityPrompt: identityPrompt}
	b := bot.New(botCfg, adapter, sessionManager, sessionStore, conversationStore, restorer, usageTracker, acpClient, bus, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := lifecycle.Spawn(ctx, nil); err != nil {
		return fmt.Errorf("bot: spawn agent subprocess: %w", err)
	}

	restartAcks := make(chan supervisor.Message, 1)
	if supervised {
		go readSupervisorIPC(os.Stdin, cancel, restartAcks, log)
	}

	sigCh := make(chan os.Signal, 1)
	hupCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	signal.Notify(hupCh, syscall.SIGHUP)

	if console != nil {
		go console.run(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			shutdown(lifecycle, adapter, log)
			return nil

		case <-sigCh:
			log.Info("shutdown signal received")
			shutdown(lifecycle, adapter, log)
			return nil

		case <-hupCh:
			if !supervised {
				log.Warn("SIGHUP ignored: not running under a supervisor")
				continue
			}
			requestPlannedRestart(checkpoints, restartAcks, log)

		case msg, ok := <-adapterInbound(console):
			if !ok {
				continue
			}
			if err := b.HandleMessage(ctx, msg); err != nil {
				log.Error("message handling failed", zap.Error(err))
			}
		}
	}
}

// stringOverride returns the flag's value if the caller explicitly set it,
// otherwise falls back to the value loaded from kbotconfig.
func stringOverride(flags interface {
	Changed(string) bool
	GetString(string) (string, error)
}, name, fallback string) string {
	if flags.Changed(name) {
		v, _ := flags.GetString(name)
		return v
	}
	return fallback
}

// adapterInbound returns console's message channel, or a nil channel (which
// blocks forever in a select) when running a non-console adapter.
func adapterInbound(console *consoleAdapter) <-chan platform.NormalizedMessage {
	if console == nil {
		return nil
	}
	return console.Inbound()
}

// requestPlannedRestart writes a checkpoint and asks the supervisor to
// restart this process, blocking briefly for its acknowledgment (spec.md
// §4.1 planned-restart handshake, initiated by the child).
func requestPlannedRestart(checkpoints *checkpoint.Store, acks <-chan supervisor.Message, log *kbotlog.Logger) {
	path, err := checkpoints.Write(plannedRestartCheckpointSessionID, checkpoint.ReasonPlanned, checkpoint.WakeContext{Prompt: plannedRestartWakePrompt})
	if err != nil {
		log.Error("failed to write planned-restart checkpoint, aborting restart", zap.Error(err))
		return
	}

	if err := supervisor.WriteMessage(os.Stdout, supervisor.Message{Type: supervisor.MsgPlannedRestart, Checkpoint: path}); err != nil {
		log.Error("failed to send planned-restart request", zap.Error(err))
		return
	}

	select {
	case msg := <-acks:
		switch msg.Type {
		case supervisor.MsgRestartAck:
			log.Info("planned restart acknowledged, exiting")
			os.Exit(0)
		case supervisor.MsgError:
			log.Warn("supervisor rejected planned restart", zap.String("reason", msg.Text))
		default:
			log.Warn("unexpected reply to planned restart request", zap.String("type", string(msg.Type)))
		}
	case <-time.After(10 * time.Second):
		log.Warn("no reply to planned restart request within timeout, continuing to run")
	}
}

// readSupervisorIPC drains length-prefixed JSON frames from the
// supervisor's write end of our stdin: restart_ack/error are forwarded to
// acks for requestPlannedRestart to consume, and EOF (supervisor closed our
// stdin to ask for a graceful stop, internal/supervisor/child.go's Stop)
// cancels the run loop.
func readSupervisorIPC(r io.Reader, cancel context.CancelFunc, acks chan<- supervisor.Message, log *kbotlog.Logger) {
	for {
		msg, err := supervisor.ReadMessage(r)
		if err != nil {
			if err != io.EOF {
				log.Warn("supervisor ipc read error", zap.Error(err))
			}
			cancel()
			return
		}
		switch msg.Type {
		case supervisor.MsgRestartAck, supervisor.MsgError:
			select {
			case acks <- msg:
			default:
			}
		default:
			log.Warn("dropping ipc message of unknown type", zap.String("type", string(msg.Type)))
		}
	}
}

func shutdown(lifecycle *agentlifecycle.Lifecycle, adapter platform.Adapter, log *kbotlog.Logger) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := lifecycle.Stop(shutdownCtx); err != nil {
		log.Warn("agent lifecycle stop reported an error", zap.Error(err))
	}
	if err := adapter.Stop(shutdownCtx); err != nil {
		log.Warn("adapter stop reported an error", zap.Error(err))
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
