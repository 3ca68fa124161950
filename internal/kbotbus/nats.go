package kbotbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/kynetic/kbot/internal/kbotlog"
)

// NATSBus implements Bus over a real NATS connection, for deployments
// running multiple kbot instances that share one escalation notifier or
// one circuit-breaker dashboard. Subjects are namespaced so multiple
// deployments can share a NATS cluster without cross-talk.
type NATSBus struct {
	conn      *nats.Conn
	namespace string
	logger    *kbotlog.Logger
}

type natsSub struct {
	sub *nats.Subscription
}

func (s *natsSub) Unsubscribe() error { return s.sub.Unsubscribe() }
func (s *natsSub) IsValid() bool      { return s.sub.IsValid() }

// wireEvent is the JSON-on-the-wire form of Event; Payload travels as raw
// JSON and is decoded by the caller via Event.Payload (a map[string]any)
// since NATS subscribers don't share Go types across processes.
type wireEvent struct {
	ID         string          `json:"id"`
	Kind       int             `json:"kind"`
	SessionKey string          `json:"session_key"`
	SessionID  string          `json:"session_id"`
	At         string          `json:"at"`
	Payload    json.RawMessage `json:"payload"`
}

// NewNATSBus connects to url and returns a Bus namespaced under namespace
// (empty namespace means no prefix).
func NewNATSBus(url, namespace string, log *kbotlog.Logger) (*NATSBus, error) {
	if log == nil {
		log = kbotlog.Default()
	}
	conn, err := nats.Connect(url, nats.MaxReconnects(10))
	if err != nil {
		return nil, fmt.Errorf("kbotbus: connect to nats: %w", err)
	}
	return &NATSBus{
		conn:      conn,
		namespace: namespace,
		logger:    log.WithFields(zap.String("component", "kbotbus-nats")),
	}, nil
}

func (b *NATSBus) subject(kind Kind) string {
	if b.namespace == "" {
		return "kbot." + kind.String()
	}
	return b.namespace + ".kbot." + kind.String()
}

func (b *NATSBus) Publish(_ context.Context, kind Kind, evt Event) error {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("kbotbus: marshal payload: %w", err)
	}
	we := wireEvent{
		ID:         evt.ID,
		Kind:       int(kind),
		SessionKey: evt.SessionKey,
		SessionID:  evt.SessionID,
		At:         evt.At.Format("2006-01-02T15:04:05.000Z07:00"),
		Payload:    payload,
	}
	data, err := json.Marshal(we)
	if err != nil {
		return fmt.Errorf("kbotbus: marshal event: %w", err)
	}
	return b.conn.Publish(b.subject(kind), data)
}

func (b *NATSBus) Subscribe(kind Kind, handler Handler) (Subscription, error) {
	sub, err := b.conn.Subscribe(b.subject(kind), func(msg *nats.Msg) {
		b.dispatch(kind, msg.Data, handler)
	})
	if err != nil {
		return nil, err
	}
	return &natsSub{sub: sub}, nil
}

func (b *NATSBus) QueueSubscribe(kind Kind, queue string, handler Handler) (Subscription, error) {
	sub, err := b.conn.QueueSubscribe(b.subject(kind), queue, func(msg *nats.Msg) {
		b.dispatch(kind, msg.Data, handler)
	})
	if err != nil {
		return nil, err
	}
	return &natsSub{sub: sub}, nil
}

func (b *NATSBus) dispatch(kind Kind, data []byte, handler Handler) {
	var we wireEvent
	if err := json.Unmarshal(data, &we); err != nil {
		b.logger.Warn("failed to decode nats event", zap.Error(err))
		return
	}
	var payload map[string]any
	_ = json.Unmarshal(we.Payload, &payload)
	evt := Event{ID: we.ID, Kind: kind, SessionKey: we.SessionKey, SessionID: we.SessionID, Payload: payload}
	if err := handler(context.Background(), evt); err != nil {
		b.logger.Error("event handler error", zap.String("kind", kind.String()), zap.Error(err))
	}
}

func (b *NATSBus) Close() { b.conn.Close() }

func (b *NATSBus) IsConnected() bool { return b.conn.IsConnected() }

var _ Bus = (*NATSBus)(nil)
