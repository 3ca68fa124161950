package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/kynetic/kbot/internal/kbotlog"
)

// ChildProcess is the subprocess surface Supervisor drives. The concrete
// implementation is execChild; tests use a fake.
type ChildProcess interface {
	// Start launches the child with the supervised-mode environment and an
	// optional checkpoint path, returning once the process is running.
	Start(ctx context.Context, checkpointPath string) error
	// Send writes one IPC message to the child's stdin.
	Send(msg Message) error
	// Messages yields IPC frames the child writes to its stdout. Closed
	// when the child's stdout is closed.
	Messages() <-chan Message
	// Done is closed when the child process exits.
	Done() <-chan struct{}
	// ExitCode is valid only after Done is closed.
	ExitCode() int
	PID() int
	// Stop asks the child to terminate gracefully (closes stdin).
	Stop() error
	// Kill force-terminates the child.
	Kill() error
}

// execChild runs the configured command as an OS subprocess, wiring its
// stdin/stdout to the IPC frame protocol and its stderr to the log.
// Grounded on internal/agentctl/process/manager.go's pipe setup and
// readStderr/waitForExit goroutine split, generalized from ACP-stdio to the
// supervisor's own length-prefixed JSON frames.
type execChild struct {
	command []string
	workDir string
	logger  *kbotlog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdinMu sync.Mutex

	messages chan Message
	done     chan struct{}

	mu       sync.Mutex
	exitCode int
}

func newExecChild(command []string, workDir string, log *kbotlog.Logger) *execChild {
	return &execChild{
		command:  command,
		workDir:  workDir,
		logger:   log,
		messages: make(chan Message, 32),
		done:     make(chan struct{}),
		exitCode: -1,
	}
}

func (c *execChild) Start(ctx context.Context, checkpointPath string) error {
	if len(c.command) == 0 {
		return fmt.Errorf("supervisor: no child command configured")
	}
	c.cmd = exec.Command(c.command[0], c.command[1:]...)
	c.cmd.Dir = c.workDir
	c.cmd.Env = append(c.cmd.Environ(),
		"SUPERVISED=1",
		"SUPERVISOR_PID="+strconv.Itoa(os.Getpid()),
	)
	if checkpointPath != "" {
		c.cmd.Env = append(c.cmd.Env, "CHECKPOINT_PATH="+checkpointPath)
	}

	stdin, err := c.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("supervisor: child stdin pipe: %w", err)
	}
	stdout, err := c.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("supervisor: child stdout pipe: %w", err)
	}
	stderr, err := c.cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("supervisor: child stderr pipe: %w", err)
	}

	if err := c.cmd.Start(); err != nil {
		return fmt.Errorf("supervisor: start child: %w", err)
	}
	c.stdin = stdin

	go c.readMessages(stdout)
	go c.readStderr(stderr)
	go c.waitForExit()

	return nil
}

func (c *execChild) readMessages(r io.Reader) {
	defer close(c.messages)
	for {
		msg, err := ReadMessage(r)
		if err != nil {
			if err != io.EOF {
				c.logger.Debug("ipc read error", zap.Error(err))
			}
			return
		}
		c.messages <- msg
	}
}

func (c *execChild) readStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		c.logger.Info("child stderr", zap.String("line", scanner.Text()))
	}
}

func (c *execChild) waitForExit() {
	defer close(c.done)
	err := c.cmd.Wait()
	c.mu.Lock()
	defer c.mu.Unlock()
	if exitErr, ok := err.(*exec.ExitError); ok {
		c.exitCode = exitErr.ExitCode()
	} else if err == nil {
		c.exitCode = 0
	} else {
		c.exitCode = -1
	}
}

func (c *execChild) Send(msg Message) error {
	c.stdinMu.Lock()
	defer c.stdinMu.Unlock()
	if c.stdin == nil {
		return fmt.Errorf("supervisor: child stdin not open")
	}
	return WriteMessage(c.stdin, msg)
}

func (c *execChild) Messages() <-chan Message { return c.messages }
func (c *execChild) Done() <-chan struct{}    { return c.done }

func (c *execChild) ExitCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitCode
}

func (c *execChild) PID() int {
	if c.cmd == nil || c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

func (c *execChild) Stop() error {
	c.stdinMu.Lock()
	defer c.stdinMu.Unlock()
	if c.stdin == nil {
		return nil
	}
	return c.stdin.Close()
}

func (c *execChild) Kill() error {
	if c.cmd == nil || c.cmd.Process == nil {
		return nil
	}
	return c.cmd.Process.Kill()
}
