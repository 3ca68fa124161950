package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kynetic/kbot/internal/platform"
)

// consoleAdapter is a minimal stdin/stdout platform.Adapter so this binary
// is runnable standalone without a real chat integration (no concrete
// adapter ships with this system; see internal/platform/fake for the test
// double this one is styled after). Every line read from stdin becomes one
// inbound message on the "console" channel from a fixed local user.
type consoleAdapter struct {
	inbound chan platform.NormalizedMessage
	nextID  atomic.Int64

	mu      sync.Mutex
	stopped bool
}

func newConsoleAdapter() *consoleAdapter {
	return &consoleAdapter{inbound: make(chan platform.NormalizedMessage, 16)}
}

// Inbound exposes the channel of messages read from stdin.
func (a *consoleAdapter) Inbound() <-chan platform.NormalizedMessage { return a.inbound }

// run scans stdin line by line until EOF or ctx is cancelled, translating
// each non-empty line into a NormalizedMessage.
func (a *consoleAdapter) run(ctx context.Context) {
	defer close(a.inbound)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		msg := platform.NormalizedMessage{
			ID:        fmt.Sprintf("console-%d", a.nextID.Add(1)),
			Text:      line,
			Sender:    platform.Sender{ID: "local", Platform: "console", DisplayName: "local"},
			Timestamp: time.Now().UTC(),
			Channel:   "console",
		}
		select {
		case a.inbound <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (a *consoleAdapter) SendMessage(ctx context.Context, channel, content string) (string, error) {
	a.mu.Lock()
	stopped := a.stopped
	a.mu.Unlock()
	if stopped {
		return "", fmt.Errorf("console adapter: stopped")
	}
	fmt.Fprintf(os.Stdout, "[%s] %s\n", channel, content)
	return fmt.Sprintf("console-out-%d", a.nextID.Add(1)), nil
}

func (a *consoleAdapter) EditMessage(ctx context.Context, channel, messageID, content string) error {
	fmt.Fprintf(os.Stdout, "[%s edit %s] %s\n", channel, messageID, content)
	return nil
}

// StartTypingLoop is a no-op: a terminal has no typing indicator to drive.
func (a *consoleAdapter) StartTypingLoop(ctx context.Context, channel string) (func(), error) {
	return func() {}, nil
}

func (a *consoleAdapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	return nil
}

var _ platform.Adapter = (*consoleAdapter)(nil)
