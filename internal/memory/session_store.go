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
	"github.com/kynetic/kbot/internal/kberr"
	"github.com/kynetic/kbot/internal/kbotlog"
)

// CreateSessionInput describes a new AgentSession to persist.
type CreateSessionInput struct {
	AgentType      string
	SessionKey     string
	ConversationID string
}

// AppendEventInput is the caller-supplied event payload before ts/seq are
// auto-assigned.
type AppendEventInput struct {
	Type    EventType
	TraceID string
	Data    map[string]any
}

// AppendEventResult reports the assigned ts/seq.
type AppendEventResult struct {
	TS  int64
	Seq int
}

// sessionWriter serializes all appends for one session (spec.md §5: "Append-side
// producer is single-writer per session" — Open Question 1 resolved in favor
// of a single-writer discipline enforced with an in-process mutex rather
// than relying on caller convention).
type sessionWriter struct {
	mu      sync.Mutex
	lastSeq int
	hasSeq  bool
	written bool
}

// SessionStore persists one agent session as session.yaml + events.jsonl
// (spec.md §4.6).
type SessionStore struct {
	baseDir string
	logger  *kbotlog.Logger

	mu      sync.Mutex
	writers map[string]*sessionWriter
}

// NewSessionStore creates a SessionStore rooted at
// <baseDir>/agent-sessions/<id>/.
func NewSessionStore(baseDir string, log *kbotlog.Logger) *SessionStore {
	if log == nil {
		log = kbotlog.Default()
	}
	return &SessionStore{
		baseDir: baseDir,
		logger:  log.WithFields(zap.String("component", "session-store")),
		writers: make(map[string]*sessionWriter),
	}
}

func (s *SessionStore) sessionDir(id string) string {
	return filepath.Join(s.baseDir, "agent-sessions", id)
}

func (s *SessionStore) metaPath(id string) string {
	return filepath.Join(s.sessionDir(id), "session.yaml")
}

func (s *SessionStore) eventsPath(id string) string {
	return filepath.Join(s.sessionDir(id), "events.jsonl")
}

func (s *SessionStore) writerFor(id string) *sessionWriter {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.writers[id]
	if !ok {
		w = &sessionWriter{}
		s.writers[id] = w
	}
	return w
}

// CreateSession allocates a new session id, creates its directory, and
// writes the initial session.yaml.
func (s *SessionStore) CreateSession(input CreateSessionInput) (*AgentSession, error) {
	if input.AgentType == "" {
		return nil, kberr.NewValidationError("agent_type", "non-empty", "")
	}
	sess := &AgentSession{
		ID:             ids.New(),
		ConversationID: input.ConversationID,
		AgentType:      input.AgentType,
		SessionKey:     input.SessionKey,
		Status:         SessionActive,
		StartedAt:      time.Now().UTC(),
	}
	if err := os.MkdirAll(s.sessionDir(sess.ID), 0755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	if err := s.writeMeta(sess); err != nil {
		return nil, err
	}
	s.logger.Info("created agent session", zap.String("session_id", sess.ID), zap.String("session_key", sess.SessionKey))
	return sess, nil
}

func (s *SessionStore) writeMeta(sess *AgentSession) error {
	data, err := yaml.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}
	if err := os.WriteFile(s.metaPath(sess.ID), data, 0644); err != nil {
		return fmt.Errorf("write session metadata: %w", err)
	}
	return nil
}

// GetSession reads session.yaml for id.
func (s *SessionStore) GetSession(id string) (*AgentSession, error) {
	data, err := os.ReadFile(s.metaPath(id))
	if err != nil {
		return nil, fmt.Errorf("read session metadata: %w", err)
	}
	var sess AgentSession
	if err := yaml.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session metadata: %w", err)
	}
	return &sess, nil
}

// UpdateSessionStatus transitions a session's status, optionally stamping EndedAt.
func (s *SessionStore) UpdateSessionStatus(id string, status SessionStatus, endedAt *time.Time) error {
	sess, err := s.GetSession(id)
	if err != nil {
		return err
	}
	sess.Status = status
	if endedAt != nil {
		sess.EndedAt = endedAt
	}
	return s.writeMeta(sess)
}

// AppendEvent appends one event to the session's events.jsonl, auto-assigning
// ts (the current time in Unix milliseconds) and seq (lastSeq+1, or 0 for
// the first event).
func (s *SessionStore) AppendEvent(sessionID string, input AppendEventInput) (AppendEventResult, error) {
	if input.Type == "" {
		return AppendEventResult{}, kberr.NewValidationError("type", "non-empty EventType", "")
	}

	w := s.writerFor(sessionID)
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.hasSeq {
		// Recover last seq and write-state from disk in case the process restarted.
		last, found, err := s.lastSeqOnDisk(sessionID)
		if err != nil {
			return AppendEventResult{}, err
		}
		w.lastSeq = last
		w.written = found
		w.hasSeq = true
	}

	seq := 0
	if w.written {
		seq = w.lastSeq + 1
	}

	evt := SessionEvent{
		TS:        time.Now().UnixMilli(),
		Seq:       seq,
		Type:      input.Type,
		SessionID: sessionID,
		TraceID:   input.TraceID,
		Data:      input.Data,
	}

	line, err := json.Marshal(evt)
	if err != nil {
		return AppendEventResult{}, fmt.Errorf("marshal event: %w", err)
	}

	f, err := os.OpenFile(s.eventsPath(sessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return AppendEventResult{}, kberr.NewTransientError("open events.jsonl", 1, err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return AppendEventResult{}, kberr.NewTransientError("append event", 1, err)
	}

	w.lastSeq = seq
	w.written = true

	return AppendEventResult{TS: evt.TS, Seq: evt.Seq}, nil
}

func (s *SessionStore) lastSeqOnDisk(sessionID string) (seq int, found bool, err error) {
	events, err := s.ReadEvents(sessionID, nil)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	if len(events) == 0 {
		return 0, false, nil
	}
	last := events[len(events)-1]
	return last.Seq, true, nil
}

// ReadEvents reads all events for a session, optionally restricted to a
// range. Malformed (partial/crash-interrupted) lines are skipped with a
// warning rather than failing the read.
func (s *SessionStore) ReadEvents(sessionID string, rng *EventRange) ([]SessionEvent, error) {
	f, err := os.Open(s.eventsPath(sessionID))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var events []SessionEvent
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var evt SessionEvent
		if err := json.Unmarshal(line, &evt); err != nil {
			s.logger.Warn("skipping malformed event line",
				zap.String("session_id", sessionID), zap.Int("line", lineNum), zap.Error(err))
			continue
		}
		if rng != nil && (evt.Seq < rng.StartSeq || evt.Seq > rng.EndSeq) {
			continue
		}
		events = append(events, evt)
	}
	return events, scanner.Err()
}
