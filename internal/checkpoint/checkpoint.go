// Package checkpoint implements the durable supervisor checkpoint: a YAML
// handoff file written before a child exits (planned restart, upgrade, or
// synthesized crash) and consumed by the next spawn to seed the agent's
// wake prompt (spec.md §3, §6).
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/kynetic/kbot/internal/ids"
	"github.com/kynetic/kbot/internal/kberr"
	"github.com/kynetic/kbot/internal/kbotlog"
)

// RestartReason enumerates why a checkpoint was written.
type RestartReason string

const (
	ReasonPlanned RestartReason = "planned"
	ReasonUpgrade RestartReason = "upgrade"
	ReasonCrash   RestartReason = "crash"
)

// WakeContext seeds the next agent session's first prompt.
type WakeContext struct {
	Prompt        string `yaml:"prompt"`
	PendingWork   string `yaml:"pending_work,omitempty"`
	Instructions  string `yaml:"instructions,omitempty"`
}

// Checkpoint is the durable handoff file's schema: version 1.
type Checkpoint struct {
	Version       int           `yaml:"version"`
	SessionID     string        `yaml:"session_id"`
	RestartReason RestartReason `yaml:"restart_reason"`
	WakeContext   WakeContext   `yaml:"wake_context"`
	CreatedAt     time.Time     `yaml:"created_at"`
}

const currentVersion = 1

// TTL is the maximum checkpoint age before it's treated as expired.
const TTL = 24 * time.Hour

// Store reads and writes checkpoint files under <dataDir>/checkpoints/.
type Store struct {
	dir string
}

// NewStore builds a Store rooted at <dataDir>/checkpoints.
func NewStore(dataDir string) *Store {
	return &Store{dir: filepath.Join(dataDir, "checkpoints")}
}

// Dir returns the checkpoint directory.
func (s *Store) Dir() string { return s.dir }

// Write creates a new checkpoint file named <ulid>.yaml and returns its path.
func (s *Store) Write(sessionID string, reason RestartReason, wake WakeContext) (string, error) {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return "", fmt.Errorf("create checkpoint dir: %w", err)
	}

	cp := Checkpoint{
		Version:       currentVersion,
		SessionID:     sessionID,
		RestartReason: reason,
		WakeContext:   wake,
		CreatedAt:     time.Now().UTC(),
	}

	data, err := yaml.Marshal(cp)
	if err != nil {
		return "", fmt.Errorf("marshal checkpoint: %w", err)
	}

	path := filepath.Join(s.dir, ids.New()+".yaml")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write checkpoint: %w", err)
	}
	return path, nil
}

// Read loads and validates a checkpoint file. Returns
// *kberr.CheckpointExpiredError if CreatedAt is older than TTL, or
// *kberr.CheckpointInvalidError if the file is malformed or carries an
// unsupported version (spec.md §7: both are non-fatal — caller skips the
// wake context and proceeds with a fresh session).
func (s *Store) Read(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &kberr.CheckpointInvalidError{Path: path, Reason: err.Error()}
	}

	var cp Checkpoint
	if err := yaml.Unmarshal(data, &cp); err != nil {
		return nil, &kberr.CheckpointInvalidError{Path: path, Reason: fmt.Sprintf("malformed yaml: %v", err)}
	}
	if cp.Version != currentVersion {
		return nil, &kberr.CheckpointInvalidError{Path: path, Reason: fmt.Sprintf("unsupported version %d", cp.Version)}
	}
	if cp.SessionID == "" {
		return nil, &kberr.CheckpointInvalidError{Path: path, Reason: "missing session_id"}
	}

	age := time.Since(cp.CreatedAt)
	if age > TTL {
		return nil, &kberr.CheckpointExpiredError{Path: path, Age: age}
	}

	return &cp, nil
}

// SweepExpired deletes every checkpoint file older than TTL, run at
// supervisor startup (spec.md §4.1's "Startup" step).
func (s *Store) SweepExpired() (deleted int, err error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("list checkpoint dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".yaml" {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		if _, err := s.Read(path); err != nil {
			var expired *kberr.CheckpointExpiredError
			if errors.As(err, &expired) {
				_ = os.Remove(path)
				deleted++
			}
			// Corrupt/wrong-version files are left for operator inspection
			// rather than silently deleted.
		}
	}
	return deleted, nil
}

// WatchAndSweep runs SweepExpired once immediately, then again whenever the
// checkpoint directory changes, until ctx is cancelled. A long-lived
// supervisor otherwise only sweeps at startup (spec.md §4.1), so a child
// that planned-restarts repeatedly without the process itself ever
// restarting would accumulate expired files between runs.
func (s *Store) WatchAndSweep(ctx context.Context, log *kbotlog.Logger) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start checkpoint watcher: %w", err)
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch checkpoint dir: %w", err)
	}

	if _, err := s.SweepExpired(); err != nil {
		log.Warn("initial checkpoint sweep failed", zap.Error(err))
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				deleted, err := s.SweepExpired()
				if err != nil {
					log.Warn("checkpoint sweep failed", zap.Error(err))
				} else if deleted > 0 {
					log.Info("swept expired checkpoints", zap.Int("deleted", deleted))
				}
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("checkpoint watcher error", zap.Error(werr))
			}
		}
	}()
	return nil
}
