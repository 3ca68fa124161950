package acp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/kynetic/kbot/internal/kbotlog"
)

// UpdateHandler is called for every session update received from the agent.
type UpdateHandler func(notification acp.SessionNotification)

// Client implements acp.Client: the callback surface the ACP subprocess
// invokes (permission requests, session updates, file/terminal ops).
//
// Grounded directly on internal/agentctl/acp/client.go, adapted to log
// through kbotlog.Logger instead of a bare *zap.Logger and to drop the
// placeholder terminal handlers in favor of returning "not supported"
// (this system drives ACP agents headlessly; it does not host terminals).
type Client struct {
	logger        *kbotlog.Logger
	workspaceRoot string

	mu            sync.RWMutex
	updateHandler UpdateHandler
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger.
func WithLogger(l *kbotlog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithWorkspaceRoot sets the workspace root recorded on the Client.
// ReadTextFile and WriteTextFile do not consult it: they accept any
// absolute path.
func WithWorkspaceRoot(root string) ClientOption {
	return func(c *Client) { c.workspaceRoot = root }
}

// WithUpdateHandler sets the handler invoked for every session update.
func WithUpdateHandler(h UpdateHandler) ClientOption {
	return func(c *Client) { c.updateHandler = h }
}

// NewClient constructs a Client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		logger:        kbotlog.Default(),
		workspaceRoot: "/workspace",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetUpdateHandler sets the handler (thread-safe, may be called after Spawn).
func (c *Client) SetUpdateHandler(h UpdateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updateHandler = h
}

// RequestPermission auto-approves by selecting the first allow option,
// since this system runs agents unattended (no human sits in the
// permission loop).
func (c *Client) RequestPermission(ctx context.Context, p acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	title := ""
	if p.ToolCall.Title != nil {
		title = *p.ToolCall.Title
	}
	c.logger.Info("received permission request",
		zap.String("session_id", string(p.SessionId)),
		zap.String("tool_call_id", string(p.ToolCall.ToolCallId)),
		zap.String("title", title),
		zap.Int("num_options", len(p.Options)))

	if len(p.Options) == 0 {
		c.logger.Warn("no permission options available, cancelling")
		return acp.RequestPermissionResponse{
			Outcome: acp.RequestPermissionOutcome{Cancelled: &acp.RequestPermissionOutcomeCancelled{}},
		}, nil
	}

	var selected *acp.PermissionOption
	for i := range p.Options {
		opt := &p.Options[i]
		if opt.Kind == acp.PermissionOptionKindAllowOnce || opt.Kind == acp.PermissionOptionKindAllowAlways {
			selected = opt
			break
		}
	}
	if selected == nil {
		selected = &p.Options[0]
	}

	c.logger.Info("auto-approving permission request",
		zap.String("option_id", string(selected.OptionId)),
		zap.String("kind", string(selected.Kind)))

	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{
			Selected: &acp.RequestPermissionOutcomeSelected{OptionId: selected.OptionId},
		},
	}, nil
}

// SessionUpdate forwards every notification to the registered handler,
// which is how Process streams updates out to the reconstructor/bus.
func (c *Client) SessionUpdate(ctx context.Context, n acp.SessionNotification) error {
	c.mu.RLock()
	handler := c.updateHandler
	c.mu.RUnlock()

	if u := n.Update; u.ToolCall != nil {
		c.logger.Debug("tool call", zap.String("tool_call_id", string(u.ToolCall.ToolCallId)), zap.String("status", string(u.ToolCall.Status)))
	}

	if handler != nil {
		handler(n)
	}
	return nil
}

// ReadTextFile reads the text file at the absolute path p.Path, honoring
// line/limit. The path is not checked against the workspace root.
func (c *Client) ReadTextFile(ctx context.Context, p acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error) {
	if !filepath.IsAbs(p.Path) {
		return acp.ReadTextFileResponse{}, fmt.Errorf("path must be absolute: %s", p.Path)
	}

	b, err := os.ReadFile(p.Path)
	if err != nil {
		return acp.ReadTextFileResponse{}, err
	}
	content := string(b)

	if p.Line != nil || p.Limit != nil {
		lines := strings.Split(content, "\n")
		start := 0
		if p.Line != nil && *p.Line > 0 {
			start = *p.Line - 1
			if start > len(lines) {
				start = len(lines)
			}
		}
		end := len(lines)
		if p.Limit != nil && *p.Limit > 0 && start+*p.Limit < end {
			end = start + *p.Limit
		}
		content = strings.Join(lines[start:end], "\n")
	}

	return acp.ReadTextFileResponse{Content: content}, nil
}

// WriteTextFile writes a text file at the absolute path p.Path, creating
// parent directories as needed. The path is not checked against the
// workspace root.
func (c *Client) WriteTextFile(ctx context.Context, p acp.WriteTextFileRequest) (acp.WriteTextFileResponse, error) {
	if !filepath.IsAbs(p.Path) {
		return acp.WriteTextFileResponse{}, fmt.Errorf("path must be absolute: %s", p.Path)
	}
	if dir := filepath.Dir(p.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return acp.WriteTextFileResponse{}, err
		}
	}
	return acp.WriteTextFileResponse{}, os.WriteFile(p.Path, []byte(p.Content), 0o644)
}

var errTerminalsUnsupported = fmt.Errorf("acp: terminal operations are not supported in headless mode")

// CreateTerminal is unsupported: this system runs agents headlessly, with
// no terminal surface to attach interactive commands to.
func (c *Client) CreateTerminal(ctx context.Context, p acp.CreateTerminalRequest) (acp.CreateTerminalResponse, error) {
	return acp.CreateTerminalResponse{}, errTerminalsUnsupported
}

func (c *Client) KillTerminalCommand(ctx context.Context, p acp.KillTerminalCommandRequest) (acp.KillTerminalCommandResponse, error) {
	return acp.KillTerminalCommandResponse{}, errTerminalsUnsupported
}

func (c *Client) TerminalOutput(ctx context.Context, p acp.TerminalOutputRequest) (acp.TerminalOutputResponse, error) {
	return acp.TerminalOutputResponse{}, errTerminalsUnsupported
}

func (c *Client) ReleaseTerminal(ctx context.Context, p acp.ReleaseTerminalRequest) (acp.ReleaseTerminalResponse, error) {
	return acp.ReleaseTerminalResponse{}, errTerminalsUnsupported
}

func (c *Client) WaitForTerminalExit(ctx context.Context, p acp.WaitForTerminalExitRequest) (acp.WaitForTerminalExitResponse, error) {
	return acp.WaitForTerminalExitResponse{}, errTerminalsUnsupported
}

var _ acp.Client = (*Client)(nil)
