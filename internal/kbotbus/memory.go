package kbotbus

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/kynetic/kbot/internal/kbotlog"
)

// MemoryBus implements Bus with in-process fan-out, keyed directly by Kind
// (no subject-string wildcard matching — the closed enum makes wildcards
// unnecessary, per spec.md §9's typed-bus redesign note).
type MemoryBus struct {
	mu        sync.RWMutex
	subs      map[Kind][]*memorySub
	queues    map[string]*queueGroup // key: queue name + ":" + Kind
	logger    *kbotlog.Logger
	closed    bool
}

type memorySub struct {
	mu      sync.Mutex
	bus     *MemoryBus
	kind    Kind
	handler Handler
	queue   string
	active  bool
}

type queueGroup struct {
	mu          sync.Mutex
	subscribers []*memorySub
	nextIndex   int
}

// NewMemoryBus creates an in-process event bus.
func NewMemoryBus(log *kbotlog.Logger) *MemoryBus {
	if log == nil {
		log = kbotlog.Default()
	}
	return &MemoryBus{
		subs:   make(map[Kind][]*memorySub),
		queues: make(map[string]*queueGroup),
		logger: log.WithFields(zap.String("component", "kbotbus-memory")),
	}
}

func (b *MemoryBus) Publish(ctx context.Context, kind Kind, evt Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("kbotbus: bus is closed")
	}

	deliveredQueues := make(map[string]bool)
	for _, sub := range b.subs[kind] {
		sub.mu.Lock()
		active := sub.active
		sub.mu.Unlock()
		if !active {
			continue
		}

		if sub.queue != "" {
			key := sub.queue + ":" + kind.String()
			if deliveredQueues[key] {
				continue
			}
			deliveredQueues[key] = true
			b.publishToQueue(ctx, key, evt)
			continue
		}

		go func(s *memorySub, e Event) {
			if err := s.handler(ctx, e); err != nil {
				b.logger.Error("event handler error", zap.String("kind", kind.String()), zap.Error(err))
			}
		}(sub, evt)
	}

	b.logger.Debug("published event", zap.String("kind", kind.String()), zap.String("event_id", evt.ID))
	return nil
}

func (b *MemoryBus) Subscribe(kind Kind, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("kbotbus: bus is closed")
	}
	sub := &memorySub{bus: b, kind: kind, handler: handler, active: true}
	b.subs[kind] = append(b.subs[kind], sub)
	return sub, nil
}

func (b *MemoryBus) QueueSubscribe(kind Kind, queue string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("kbotbus: bus is closed")
	}
	sub := &memorySub{bus: b, kind: kind, handler: handler, queue: queue, active: true}
	b.subs[kind] = append(b.subs[kind], sub)

	key := queue + ":" + kind.String()
	qg, ok := b.queues[key]
	if !ok {
		qg = &queueGroup{}
		b.queues[key] = qg
	}
	qg.subscribers = append(qg.subscribers, sub)
	return sub, nil
}

func (b *MemoryBus) publishToQueue(ctx context.Context, key string, evt Event) {
	qg, ok := b.queues[key]
	if !ok {
		return
	}
	qg.mu.Lock()
	defer qg.mu.Unlock()
	if len(qg.subscribers) == 0 {
		return
	}
	start := qg.nextIndex
	for i := 0; i < len(qg.subscribers); i++ {
		idx := (start + i) % len(qg.subscribers)
		sub := qg.subscribers[idx]
		sub.mu.Lock()
		active := sub.active
		sub.mu.Unlock()
		if active {
			qg.nextIndex = (idx + 1) % len(qg.subscribers)
			go func(s *memorySub, e Event) {
				if err := s.handler(ctx, e); err != nil {
					b.logger.Error("queue event handler error", zap.String("key", key), zap.Error(err))
				}
			}(sub, evt)
			return
		}
	}
}

func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, subs := range b.subs {
		for _, s := range subs {
			s.mu.Lock()
			s.active = false
			s.mu.Unlock()
		}
	}
	b.subs = make(map[Kind][]*memorySub)
	b.queues = make(map[string]*queueGroup)
}

func (b *MemoryBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (s *memorySub) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if subs, ok := s.bus.subs[s.kind]; ok {
		for i, sub := range subs {
			if sub == s {
				s.bus.subs[s.kind] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	if s.queue != "" {
		key := s.queue + ":" + s.kind.String()
		if qg, ok := s.bus.queues[key]; ok {
			qg.mu.Lock()
			for i, sub := range qg.subscribers {
				if sub == s {
					qg.subscribers = append(qg.subscribers[:i], qg.subscribers[i+1:]...)
					break
				}
			}
			qg.mu.Unlock()
		}
	}
	return nil
}

func (s *memorySub) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

var _ Bus = (*MemoryBus)(nil)
