// Package fake provides an in-memory platform.Adapter for tests. No
// concrete chat-platform adapter ships with this system (spec.md §1
// non-goal); this is the only Adapter implementation in the tree.
package fake

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kynetic/kbot/internal/platform"
)

// SentMessage records one SendMessage or EditMessage call for assertions.
type SentMessage struct {
	Channel   string
	MessageID string
	Content   string
	Edited    bool
}

// Adapter is an in-memory platform.Adapter: every send/edit is recorded,
// typing loops run a simple ticker, and Stop marks the adapter unusable.
type Adapter struct {
	mu       sync.Mutex
	sent     []SentMessage
	stopped  bool
	nextID   atomic.Int64
	Inbound  chan platform.NormalizedMessage
}

// New constructs a fake Adapter with a buffered inbound channel callers
// can push NormalizedMessage values onto to simulate platform traffic.
func New() *Adapter {
	return &Adapter{Inbound: make(chan platform.NormalizedMessage, 32)}
}

// SendMessage records the message and returns a synthesized id.
func (a *Adapter) SendMessage(ctx context.Context, channel, content string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return "", fmt.Errorf("fake adapter: stopped")
	}
	id := fmt.Sprintf("msg-%d", a.nextID.Add(1))
	a.sent = append(a.sent, SentMessage{Channel: channel, MessageID: id, Content: content})
	return id, nil
}

// EditMessage records the edit against messageID if it was previously sent.
func (a *Adapter) EditMessage(ctx context.Context, channel, messageID, content string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return fmt.Errorf("fake adapter: stopped")
	}
	for i, m := range a.sent {
		if m.MessageID == messageID {
			a.sent[i].Content = content
			a.sent[i].Edited = true
			return nil
		}
	}
	return fmt.Errorf("fake adapter: unknown message id %s", messageID)
}

// StartTypingLoop runs until stop is called or ctx is cancelled; it does
// no real work beyond bookkeeping since there's no platform to notify.
func (a *Adapter) StartTypingLoop(ctx context.Context, channel string) (func(), error) {
	a.mu.Lock()
	stopped := a.stopped
	a.mu.Unlock()
	if stopped {
		return nil, fmt.Errorf("fake adapter: stopped")
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }, nil
}

// Stop marks the adapter unusable; subsequent calls return errors.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	return nil
}

// Sent returns a copy of every recorded send/edit, in call order.
func (a *Adapter) Sent() []SentMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]SentMessage, len(a.sent))
	copy(out, a.sent)
	return out
}

var _ platform.Adapter = (*Adapter)(nil)
