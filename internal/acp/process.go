// Package acp wires an ACP (Agent Client Protocol) subprocess into
// agentlifecycle.Process: spawn, graceful stop, kill, health, and a
// channel-based stream of session updates for the bot/reconstructor to
// consume.
package acp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/kynetic/kbot/internal/agentlifecycle"
	"github.com/kynetic/kbot/internal/kbotlog"
)

// Config configures the agent subprocess command.
type Config struct {
	Command          []string
	WorkDir          string
	Env              []string
	OutputBufferSize int
}

// errorWrapper lets atomic.Value hold a possibly-nil error.
type errorWrapper struct{ err error }

// Process wraps one agent subprocess plus its ACP JSON-RPC connection. It
// implements agentlifecycle.Process.
//
// Grounded on internal/agentctl/process/manager.go: the atomic.Value
// status/exit storage, stdin/stdout/stderr pipe setup, readStderr/
// waitForExit goroutine split, and the close-stdin-then-wait-then-kill
// graceful stop sequence are carried over largely unchanged, generalized
// from the teacher's six-state internal Status into the boolean Healthy
// surface agentlifecycle.Process requires (the seven-state machine lives
// one layer up, in agentlifecycle.Lifecycle).
type Process struct {
	cfg    Config
	logger *kbotlog.Logger

	cmd   *exec.Cmd
	stdin io.WriteCloser

	running  atomic.Bool
	exitCode atomic.Int32
	exitErr  atomic.Value // errorWrapper

	client  *Client
	conn    *acp.ClientSideConnection
	session acp.SessionId

	updatesCh chan acp.SessionNotification
	stderrCh  chan string

	mu     sync.RWMutex
	wg     sync.WaitGroup
	doneCh chan struct{}
}

// NewProcess constructs a Process bound to cfg. Nothing is started yet.
func NewProcess(cfg Config, log *kbotlog.Logger) *Process {
	if log == nil {
		log = kbotlog.Default()
	}
	if cfg.OutputBufferSize <= 0 {
		cfg.OutputBufferSize = 500
	}
	return &Process{
		cfg:       cfg,
		logger:    log.WithFields(zap.String("component", "acp-process")),
		updatesCh: make(chan acp.SessionNotification, 100),
		stderrCh:  make(chan string, 200),
	}
}

// Updates returns the channel of session notifications streamed from the
// agent's ACP connection.
func (p *Process) Updates() <-chan acp.SessionNotification { return p.updatesCh }

// Stderr returns the channel of raw stderr lines, consumed by
// session.UsageTracker's /usage probe.
func (p *Process) Stderr() <-chan string { return p.stderrCh }

// Connection exposes the raw ACP connection for callers that need direct
// protocol access (NewSession/Prompt) beyond the Process interface.
func (p *Process) Connection() *acp.ClientSideConnection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.conn
}

// SessionID returns the active ACP session id, if one has been created.
func (p *Process) SessionID() acp.SessionId {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.session
}

// SetSessionID records the session id returned by a NewSession call.
func (p *Process) SetSessionID(id acp.SessionId) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.session = id
}

// Spawn starts the agent subprocess and its ACP connection.
func (p *Process) Spawn(ctx context.Context, extraEnv map[string]string) error {
	if p.running.Load() {
		return fmt.Errorf("acp: process already running")
	}
	if len(p.cfg.Command) == 0 {
		return fmt.Errorf("acp: no agent command configured")
	}

	cmd := exec.Command(p.cfg.Command[0], p.cfg.Command[1:]...)
	cmd.Dir = p.cfg.WorkDir
	env := append([]string{}, p.cfg.Env...)
	for k, v := range extraEnv {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("acp: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("acp: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("acp: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("acp: start agent: %w", err)
	}

	p.mu.Lock()
	p.cmd = cmd
	p.stdin = stdin
	p.doneCh = make(chan struct{})
	p.client = NewClient(WithLogger(p.logger), WithWorkspaceRoot(p.cfg.WorkDir), WithUpdateHandler(func(n acp.SessionNotification) {
		select {
		case p.updatesCh <- n:
		default:
			p.logger.Warn("acp updates channel full, dropping notification")
		}
	}))
	p.conn = acp.NewClientSideConnection(p.client, stdin, stdout)
	p.conn.SetLogger(slog.Default().With("component", "acp-conn"))
	p.mu.Unlock()

	p.running.Store(true)

	p.wg.Add(2)
	go p.readStderr(stderr)
	go p.waitForExit()

	p.logger.Info("acp agent process started", zap.Int("pid", cmd.Process.Pid))
	return nil
}

func (p *Process) readStderr(stderr io.ReadCloser) {
	defer p.wg.Done()
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		select {
		case p.stderrCh <- line:
		default:
		}
	}
	if err := scanner.Err(); err != nil {
		p.logger.Debug("acp stderr reader error", zap.Error(err))
	}
}

func (p *Process) waitForExit() {
	defer p.wg.Done()
	p.mu.RLock()
	cmd := p.cmd
	done := p.doneCh
	p.mu.RUnlock()

	err := cmd.Wait()
	if err != nil {
		p.exitErr.Store(errorWrapper{err: err})
		if exitErr, ok := err.(*exec.ExitError); ok {
			p.exitCode.Store(int32(exitErr.ExitCode()))
		} else {
			p.exitCode.Store(-1)
		}
		p.logger.Info("acp agent process exited with error", zap.Error(err))
	} else {
		p.exitCode.Store(0)
		p.logger.Info("acp agent process exited successfully")
	}

	p.running.Store(false)
	close(done)
}

// Stop closes stdin to signal EOF and waits for the process to exit.
func (p *Process) Stop(ctx context.Context) error {
	if !p.running.Load() {
		return nil
	}

	p.mu.RLock()
	stdin := p.stdin
	done := p.doneCh
	p.mu.RUnlock()

	if stdin != nil {
		_ = stdin.Close()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Kill force-terminates the subprocess unconditionally.
func (p *Process) Kill() error {
	p.mu.RLock()
	cmd := p.cmd
	p.mu.RUnlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

// Healthy reports whether the subprocess is running and its ACP
// connection responds to an Initialize probe within ctx's deadline.
func (p *Process) Healthy(ctx context.Context) bool {
	if !p.running.Load() {
		return false
	}
	conn := p.Connection()
	if conn == nil {
		return false
	}
	_, err := conn.Initialize(ctx, acp.InitializeRequest{ProtocolVersion: acp.ProtocolVersionNumber})
	return err == nil
}

// Done is closed when the subprocess exits.
func (p *Process) Done() <-chan struct{} {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.doneCh
}

// ExitCode is valid only once Done is closed.
func (p *Process) ExitCode() int { return int(p.exitCode.Load()) }

// ExitError returns the wait error, if the process exited abnormally.
func (p *Process) ExitError() error {
	if v := p.exitErr.Load(); v != nil {
		if w, ok := v.(errorWrapper); ok {
			return w.err
		}
	}
	return nil
}

var _ agentlifecycle.Process = (*Process)(nil)
