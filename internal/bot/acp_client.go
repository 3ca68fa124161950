package bot

import (
	"context"
	"fmt"

	acpsdk "github.com/coder/acp-go-sdk"

	"github.com/kynetic/kbot/internal/acp"
)

// ACPClient adapts an *acp.Process into the AgentClient interface Bot
// depends on, translating acp-go-sdk's SessionNotification shape into
// StreamUpdate so Bot itself never imports the ACP SDK directly (grounded
// on internal/agentctl/adapter/acp_adapter.go's convertNotification).
type ACPClient struct {
	process *acp.Process
	updates chan StreamUpdate
}

// NewACPClient wraps a spawned *acp.Process. The process must already be
// running (Spawn called) before messages are forwarded through it.
func NewACPClient(process *acp.Process) *ACPClient {
	c := &ACPClient{process: process, updates: make(chan StreamUpdate, 100)}
	go c.pump()
	return c
}

func (c *ACPClient) pump() {
	for n := range c.process.Updates() {
		if upd := convertNotification(n); upd != nil {
			select {
			case c.updates <- *upd:
			default:
			}
		}
	}
	close(c.updates)
}

// convertNotification projects an ACP SessionNotification onto the subset
// of updates Bot persists, mirroring
// internal/agentctl/adapter/acp_adapter.go's switch over Update's variant
// fields.
func convertNotification(n acpsdk.SessionNotification) *StreamUpdate {
	u := n.Update
	switch {
	case u.AgentMessageChunk != nil:
		if u.AgentMessageChunk.Content.Text != nil {
			return &StreamUpdate{Type: "message_chunk", Text: u.AgentMessageChunk.Content.Text.Text}
		}
	case u.ToolCall != nil:
		return &StreamUpdate{
			Type:       "tool_call",
			ToolCallID: string(u.ToolCall.ToolCallId),
			ToolTitle:  u.ToolCall.Title,
			ToolStatus: string(u.ToolCall.Status),
		}
	case u.ToolCallUpdate != nil:
		status := ""
		if u.ToolCallUpdate.Status != nil {
			status = string(*u.ToolCallUpdate.Status)
		}
		return &StreamUpdate{
			Type:       "tool_update",
			ToolCallID: string(u.ToolCallUpdate.ToolCallId),
			ToolStatus: status,
		}
	}
	return nil
}

func (c *ACPClient) NewSession(ctx context.Context, workDir string) (string, error) {
	conn := c.process.Connection()
	if conn == nil {
		return "", fmt.Errorf("acp: connection not established")
	}
	resp, err := conn.NewSession(ctx, acpsdk.NewSessionRequest{Cwd: workDir, McpServers: []acpsdk.McpServer{}})
	if err != nil {
		return "", err
	}
	c.process.SetSessionID(resp.SessionId)
	return string(resp.SessionId), nil
}

func (c *ACPClient) Prompt(ctx context.Context, sessionID, text string) (string, error) {
	conn := c.process.Connection()
	if conn == nil {
		return "", fmt.Errorf("acp: connection not established")
	}
	resp, err := conn.Prompt(ctx, acpsdk.PromptRequest{
		SessionId: acpsdk.SessionId(sessionID),
		Prompt:    []acpsdk.ContentBlock{acpsdk.TextBlock(text)},
	})
	if err != nil {
		return "", err
	}
	return string(resp.StopReason), nil
}

func (c *ACPClient) Updates() <-chan StreamUpdate { return c.updates }
func (c *ACPClient) Stderr() <-chan string        { return c.process.Stderr() }

var _ AgentClient = (*ACPClient)(nil)
