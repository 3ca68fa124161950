package memory

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/kynetic/kbot/internal/ids"
	"github.com/kynetic/kbot/internal/kbotlog"
)

// AppendTurnInput is a caller-supplied turn, before ts/seq assignment.
type AppendTurnInput struct {
	Role       TurnRole
	EventRange EventRange
	MessageID  string
	Metadata   map[string]any
}

// conversationWriter serializes turn appends for one conversation and
// tracks message IDs already appended, for idempotent re-delivery (spec.md
// §3 invariant AC-6: appending a turn with a MessageID already present is a
// no-op that returns the existing turn).
type conversationWriter struct {
	mu      sync.Mutex
	lastSeq int
	written bool
	seen    map[string]Turn // message_id -> existing turn, for AC-6 idempotency
}

// ConversationStore persists platform-facing conversation metadata and its
// turn index as conversation.yaml + turns.jsonl (spec.md §4.6).
type ConversationStore struct {
	baseDir string
	logger  *kbotlog.Logger

	mu      sync.Mutex
	writers map[string]*conversationWriter
}

// NewConversationStore creates a ConversationStore rooted at
// <baseDir>/conversations/<id>/.
func NewConversationStore(baseDir string, log *kbotlog.Logger) *ConversationStore {
	if log == nil {
		log = kbotlog.Default()
	}
	return &ConversationStore{
		baseDir: baseDir,
		logger:  log.WithFields(zap.String("component", "conversation-store")),
		writers: make(map[string]*conversationWriter),
	}
}

func (c *ConversationStore) dir(id string) string       { return filepath.Join(c.baseDir, "conversations", id) }
func (c *ConversationStore) metaPath(id string) string  { return filepath.Join(c.dir(id), "conversation.yaml") }
func (c *ConversationStore) turnsPath(id string) string { return filepath.Join(c.dir(id), "turns.jsonl") }

func (c *ConversationStore) writerFor(id string) *conversationWriter {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.writers[id]
	if !ok {
		w = &conversationWriter{seen: make(map[string]Turn)}
		c.writers[id] = w
	}
	return w
}

// GetOrCreateConversation looks up the conversation bound to sessionKey,
// creating a new active one if none exists yet.
func (c *ConversationStore) GetOrCreateConversation(sessionKey string) (*Conversation, error) {
	existing, err := c.findBySessionKey(sessionKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	now := time.Now().UTC()
	conv := &Conversation{
		ID:         ids.New(),
		SessionKey: sessionKey,
		Status:     ConversationActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := os.MkdirAll(c.dir(conv.ID), 0755); err != nil {
		return nil, fmt.Errorf("create conversation dir: %w", err)
	}
	if err := c.writeMeta(conv); err != nil {
		return nil, err
	}
	c.logger.Info("created conversation", zap.String("conversation_id", conv.ID), zap.String("session_key", sessionKey))
	return conv, nil
}

// findBySessionKey scans existing conversation directories for one bound to
// sessionKey. Conversations are few enough per deployment that a directory
// scan beats maintaining a separate index file.
func (c *ConversationStore) findBySessionKey(sessionKey string) (*Conversation, error) {
	root := filepath.Join(c.baseDir, "conversations")
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		conv, err := c.GetConversation(e.Name())
		if err != nil {
			continue
		}
		if conv.SessionKey == sessionKey && conv.Status == ConversationActive {
			return conv, nil
		}
	}
	return nil, nil
}

// GetConversation reads conversation.yaml for id.
func (c *ConversationStore) GetConversation(id string) (*Conversation, error) {
	data, err := os.ReadFile(c.metaPath(id))
	if err != nil {
		return nil, fmt.Errorf("read conversation metadata: %w", err)
	}
	var conv Conversation
	if err := yaml.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("unmarshal conversation metadata: %w", err)
	}
	return &conv, nil
}

// UpdateConversationStatus transitions a conversation's status.
func (c *ConversationStore) UpdateConversationStatus(id string, status ConversationStatus) error {
	conv, err := c.GetConversation(id)
	if err != nil {
		return err
	}
	conv.Status = status
	conv.UpdatedAt = time.Now().UTC()
	return c.writeMeta(conv)
}

func (c *ConversationStore) writeMeta(conv *Conversation) error {
	data, err := yaml.Marshal(conv)
	if err != nil {
		return fmt.Errorf("marshal conversation metadata: %w", err)
	}
	if err := os.WriteFile(c.metaPath(conv.ID), data, 0644); err != nil {
		return fmt.Errorf("write conversation metadata: %w", err)
	}
	return nil
}

// AppendTurn appends a turn to the conversation's turns.jsonl. If input.MessageID
// is non-empty and already present, the existing turn is returned unchanged
// (idempotent re-delivery, spec.md AC-6) and wasDuplicate is true.
func (c *ConversationStore) AppendTurn(conversationID string, input AppendTurnInput) (turn Turn, wasDuplicate bool, err error) {
	w := c.writerFor(conversationID)
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.written {
		if err := c.loadWriterState(conversationID, w); err != nil {
			return Turn{}, false, err
		}
	}

	if input.MessageID != "" {
		if existing, ok := w.seen[input.MessageID]; ok {
			return existing, true, nil
		}
	}

	seq := 0
	if w.written {
		seq = w.lastSeq + 1
	}

	t := Turn{
		TS:         time.Now().UnixMilli(),
		Seq:        seq,
		Role:       input.Role,
		SessionID:  "",
		EventRange: input.EventRange,
		MessageID:  input.MessageID,
		Metadata:   input.Metadata,
	}

	line, err := json.Marshal(t)
	if err != nil {
		return Turn{}, false, fmt.Errorf("marshal turn: %w", err)
	}

	f, ferr := os.OpenFile(c.turnsPath(conversationID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if ferr != nil {
		return Turn{}, false, fmt.Errorf("open turns.jsonl: %w", ferr)
	}
	defer f.Close()
	if _, werr := f.Write(append(line, '\n')); werr != nil {
		return Turn{}, false, fmt.Errorf("append turn: %w", werr)
	}

	w.lastSeq = seq
	w.written = true
	if input.MessageID != "" {
		w.seen[input.MessageID] = t
	}

	if conv, gerr := c.GetConversation(conversationID); gerr == nil {
		conv.TurnCount = seq + 1
		conv.UpdatedAt = time.Now().UTC()
		_ = c.writeMeta(conv)
	}

	return t, false, nil
}

func (c *ConversationStore) loadWriterState(conversationID string, w *conversationWriter) error {
	turns, err := c.ReadTurns(conversationID)
	if err != nil {
		return err
	}
	for _, t := range turns {
		if t.MessageID != "" {
			w.seen[t.MessageID] = t
		}
	}
	if len(turns) > 0 {
		w.lastSeq = turns[len(turns)-1].Seq
		w.written = true
	}
	return nil
}

// ReadTurns reads every turn for a conversation, in append order. Malformed
// lines are skipped with a warning, mirroring SessionStore.ReadEvents.
func (c *ConversationStore) ReadTurns(conversationID string) ([]Turn, error) {
	f, err := os.Open(c.turnsPath(conversationID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var turns []Turn
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var t Turn
		if err := json.Unmarshal(line, &t); err != nil {
			c.logger.Warn("skipping malformed turn line",
				zap.String("conversation_id", conversationID), zap.Int("line", lineNum), zap.Error(err))
			continue
		}
		turns = append(turns, t)
	}
	return turns, scanner.Err()
}
