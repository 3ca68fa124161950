package bot

import (
	"context"
	"sync"
)

// StreamUpdate is the subset of an agent session update Bot persists and
// forwards to the platform: a protocol-agnostic projection of the ACP
// notifications convertNotification produces in
// internal/agentctl/adapter/acp_adapter.go, so Bot never imports the ACP SDK
// directly.
type StreamUpdate struct {
	Type       string // "message_chunk" | "tool_call" | "tool_update"
	Text       string
	ToolCallID string
	ToolTitle  string
	ToolStatus string
}

// AgentClient is the subset of the running agent session Bot depends on:
// allocate a fresh ACP session, send one prompt and wait for completion, and
// stream updates/stderr out-of-band (spec.md §4.8; grounded on the
// NewSession/Prompt REST handlers in internal/agentctl/api/acp.go).
type AgentClient interface {
	NewSession(ctx context.Context, workDir string) (sessionID string, err error)
	Prompt(ctx context.Context, sessionID, text string) (stopReason string, err error)
	Updates() <-chan StreamUpdate
	Stderr() <-chan string
}

// promptClientAdapter satisfies session.PromptClient by discarding the stop
// reason UsageTracker's opaque /usage probe doesn't need.
type promptClientAdapter struct{ agent AgentClient }

func (a promptClientAdapter) Prompt(ctx context.Context, sessionID, text string) error {
	_, err := a.agent.Prompt(ctx, sessionID, text)
	return err
}

// stderrFanout distributes one AgentClient's stderr stream to any number of
// subscribers, matching session.StderrProvider's Subscribe contract. A
// single agent process backs exactly one Bot, so one fan-out goroutine per
// Bot is enough; UsageTracker's /usage probe is the only expected consumer,
// but the shape tolerates more.
type stderrFanout struct {
	mu   sync.Mutex
	subs map[chan string]struct{}
}

func newStderrFanout(source <-chan string) *stderrFanout {
	f := &stderrFanout{subs: make(map[chan string]struct{})}
	go f.pump(source)
	return f
}

func (f *stderrFanout) pump(source <-chan string) {
	for line := range source {
		f.mu.Lock()
		for ch := range f.subs {
			select {
			case ch <- line:
			default:
			}
		}
		f.mu.Unlock()
	}
}

func (f *stderrFanout) Subscribe(sessionID string) (<-chan string, func()) {
	ch := make(chan string, 32)
	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()
	return ch, func() {
		f.mu.Lock()
		delete(f.subs, ch)
		f.mu.Unlock()
	}
}
