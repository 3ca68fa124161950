// Package platform defines the chat-platform adapter surface the bot
// depends on. No concrete adapter ships here (spec.md §1 non-goal); see
// internal/platform/fake for an in-memory test double.
package platform

import (
	"context"
	"time"
)

// Adapter is the capability set a chat-platform integration provides:
// send/edit a message, run a typing indicator, and shut down cleanly.
type Adapter interface {
	// SendMessage posts content to channel, returning the platform's
	// message id for later editing.
	SendMessage(ctx context.Context, channel string, content string) (messageID string, err error)
	// EditMessage replaces the content of a previously sent message.
	EditMessage(ctx context.Context, channel, messageID, content string) error
	// StartTypingLoop begins a recurring typing indicator in channel
	// until the returned stop function is called.
	StartTypingLoop(ctx context.Context, channel string) (stop func(), err error)
	// Stop releases any adapter-held resources (connections, tickers).
	Stop(ctx context.Context) error
}

// Sender identifies who authored an inbound message.
type Sender struct {
	ID          string
	Platform    string
	DisplayName string
}

// NormalizedMessage is the platform-agnostic shape an Adapter delivers
// inbound messages in, regardless of the underlying chat protocol.
type NormalizedMessage struct {
	ID        string
	Text      string
	Sender    Sender
	Timestamp time.Time
	Channel   string
	Metadata  map[string]string
}
