package bot

import (
	"context"
	"fmt"
	"sync/atomic"
)

// fakeAgent is a minimal AgentClient for tests: NewSession allocates a
// sequential id, Prompt echoes a canned reply through the updates channel
// before returning.
type fakeAgent struct {
	nextID    atomic.Int64
	replyText string
	updates   chan StreamUpdate
	stderr    chan string
	prompts   chan string // records every prompt text sent, for assertions
}

func newFakeAgent(replyText string) *fakeAgent {
	return &fakeAgent{
		replyText: replyText,
		updates:   make(chan StreamUpdate, 16),
		stderr:    make(chan string, 16),
		prompts:   make(chan string, 16),
	}
}

func (a *fakeAgent) NewSession(ctx context.Context, workDir string) (string, error) {
	return fmt.Sprintf("acp-session-%d", a.nextID.Add(1)), nil
}

func (a *fakeAgent) Prompt(ctx context.Context, sessionID, text string) (string, error) {
	select {
	case a.prompts <- text:
	default:
	}
	if a.replyText != "" {
		a.updates <- StreamUpdate{Type: "message_chunk", Text: a.replyText}
	}
	return "end_turn", nil
}

func (a *fakeAgent) Updates() <-chan StreamUpdate { return a.updates }
func (a *fakeAgent) Stderr() <-chan string         { return a.stderr }

var _ AgentClient = (*fakeAgent)(nil)
