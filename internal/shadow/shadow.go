// Package shadow backs the in-process event logs with a git worktree so
// history survives the process and can be diffed, branched, and pushed
// independently of the mainline working copy (spec.md §4.7).
package shadow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/kynetic/kbot/internal/kbotbus"
	"github.com/kynetic/kbot/internal/kbotlog"
)

// State is the ShadowStore's lifecycle state.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing   State = "initializing"
	StateReady          State = "ready"
	StateCommitting     State = "committing"
	StateRecovering     State = "recovering"
	StateError          State = "error"
)

const (
	defaultBranch      = "kbot-memory"
	lockFileName       = ".kbot-lock"
	staleLockThreshold = 5 * time.Minute
	gitCommandTimeout  = 15 * time.Second
)

// Config tunes the ShadowStore.
type Config struct {
	RepoRoot   string
	WorktreeName string // default ".kbot"
	Branch     string
	MaxEvents  int
	MaxInterval time.Duration
}

// DefaultConfig matches spec.md §4.7's defaults.
func DefaultConfig(repoRoot string) Config {
	return Config{
		RepoRoot:     repoRoot,
		WorktreeName: ".kbot",
		Branch:       defaultBranch,
		MaxEvents:    100,
		MaxInterval:  5 * time.Minute,
	}
}

// Store maintains the orphan-branch worktree and its batched commit
// scheduler. One Store owns one worktree; callers coordinate across
// processes via the on-disk lock file (AC-6).
//
// Grounded on internal/worktree/manager.go: the refcounted repoLockEntry
// pattern generalizes into a cross-process advisory lock backed by
// gofrs/flock rather than hand-rolled PID-file parsing, and
// removeWorktreeDir's retry-then-shell-rm-then-prune fallback grounds
// this store's directory cleanup on corruption.
type Store struct {
	cfg    Config
	logger *kbotlog.Logger
	bus    kbotbus.Bus

	worktreePath string

	mu         sync.Mutex
	state      State
	pending    int
	lastCommit time.Time
	lock       *flock.Flock
}

// NewStore constructs a Store for cfg.RepoRoot. Does not touch disk until
// Init is called.
func NewStore(cfg Config, bus kbotbus.Bus, log *kbotlog.Logger) *Store {
	if log == nil {
		log = kbotlog.Default()
	}
	if cfg.WorktreeName == "" {
		cfg.WorktreeName = ".kbot"
	}
	if cfg.Branch == "" {
		cfg.Branch = defaultBranch
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = 100
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 5 * time.Minute
	}

	return &Store{
		cfg:          cfg,
		logger:       log.WithFields(zap.String("component", "shadow-store")),
		bus:          bus,
		worktreePath: filepath.Join(cfg.RepoRoot, cfg.WorktreeName),
		state:        StateUninitialized,
		lastCommit:   time.Now(),
	}
}

// State returns the store's current lifecycle state.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// WorktreePath returns the absolute path of the shadow worktree.
func (s *Store) WorktreePath() string { return s.worktreePath }

func (s *Store) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.publish(kbotbus.KindSyncStateChange, kbotbus.SyncPayload{Operation: string(st)})
}

// Init detects the git repository, ensures the orphan branch + worktree +
// gitignore entry exist, and runs crash recovery if a stale lock file is
// present. Fails fast if .gitignore has uncommitted edits (spec.md §4.7).
func (s *Store) Init(ctx context.Context) error {
	s.setState(StateInitializing)

	if !s.isGitRepo() {
		s.setState(StateError)
		return fmt.Errorf("shadow: %s is not a git repository", s.cfg.RepoRoot)
	}

	if dirty, err := s.gitignoreDirty(ctx); err != nil {
		s.setState(StateError)
		return fmt.Errorf("shadow: checking .gitignore status: %w", err)
	} else if dirty {
		s.setState(StateError)
		return errors.New("shadow: .gitignore has uncommitted edits, refusing to initialize")
	}

	if err := s.ensureGitignoreEntry(ctx); err != nil {
		s.setState(StateError)
		return fmt.Errorf("shadow: ensuring gitignore entry: %w", err)
	}

	if err := s.ensureBranchAndWorktree(ctx); err != nil {
		s.setState(StateError)
		return fmt.Errorf("shadow: ensuring worktree: %w", err)
	}

	s.lock = flock.New(filepath.Join(s.worktreePath, lockFileName))

	if recovered, err := s.recoverIfLocked(ctx); err != nil {
		s.setState(StateError)
		return fmt.Errorf("shadow: crash recovery: %w", err)
	} else if recovered {
		s.logger.Info("recovered shadow store from interrupted operation")
	}

	s.setState(StateReady)
	return nil
}

func (s *Store) isGitRepo() bool {
	info, err := os.Stat(filepath.Join(s.cfg.RepoRoot, ".git"))
	if err != nil {
		return false
	}
	return info.IsDir() || info.Mode().IsRegular()
}

func (s *Store) gitignoreDirty(ctx context.Context) (bool, error) {
	cmd, cancel := s.gitCmd(ctx, s.cfg.RepoRoot, "status", "--porcelain", "--", ".gitignore")
	defer cancel()
	out, err := cmd.CombinedOutput()
	if err != nil {
		return false, fmt.Errorf("git status: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	return len(strings.TrimSpace(string(out))) > 0, nil
}

func (s *Store) ensureGitignoreEntry(ctx context.Context) error {
	entry := s.cfg.WorktreeName + "/"
	path := filepath.Join(s.cfg.RepoRoot, ".gitignore")

	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if strings.Contains(string(existing), entry) {
		return nil
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if len(existing) > 0 && !strings.HasSuffix(string(existing), "\n") {
		if _, err := f.WriteString("\n"); err != nil {
			return err
		}
	}
	if _, err := f.WriteString(entry + "\n"); err != nil {
		return err
	}

	cmd, cancel := s.gitCmd(ctx, s.cfg.RepoRoot, "add", ".gitignore")
	defer cancel()
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git add .gitignore: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	cmd, cancel = s.gitCmd(ctx, s.cfg.RepoRoot, "commit", "-m", "chore: gitignore shadow worktree")
	defer cancel()
	if out, err := cmd.CombinedOutput(); err != nil {
		s.logger.Debug("gitignore commit skipped", zap.String("output", strings.TrimSpace(string(out))))
	}
	return nil
}

func (s *Store) ensureBranchAndWorktree(ctx context.Context) error {
	if info, err := os.Stat(s.worktreePath); err == nil && info.IsDir() {
		return nil
	}

	if !s.branchExists(ctx, s.cfg.Branch) {
		if err := s.createOrphanBranch(ctx); err != nil {
			return err
		}
	}

	cmd, cancel := s.gitCmd(ctx, s.cfg.RepoRoot, "worktree", "add", s.worktreePath, s.cfg.Branch)
	defer cancel()
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git worktree add: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (s *Store) branchExists(ctx context.Context, branch string) bool {
	cmd, cancel := s.gitCmd(ctx, s.cfg.RepoRoot, "rev-parse", "--verify", branch)
	defer cancel()
	return cmd.Run() == nil
}

// createOrphanBranch builds the memory branch in a scratch worktree, since
// creating an orphan branch directly in the main checkout would disturb
// the caller's working tree.
func (s *Store) createOrphanBranch(ctx context.Context) error {
	scratch, err := os.MkdirTemp("", "kbot-shadow-init-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(scratch)

	cmd, cancel := s.gitCmd(ctx, s.cfg.RepoRoot, "worktree", "add", "--detach", scratch)
	defer cancel()
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git worktree add --detach: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	defer func() {
		cleanupCmd, cleanupCancel := s.gitCmd(context.Background(), s.cfg.RepoRoot, "worktree", "remove", "--force", scratch)
		defer cleanupCancel()
		_ = cleanupCmd.Run()
	}()

	cmd, cancel = s.gitCmd(ctx, scratch, "checkout", "--orphan", s.cfg.Branch)
	defer cancel()
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git checkout --orphan: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	cmd, cancel = s.gitCmd(ctx, scratch, "rm", "-rf", "--cached", ".")
	defer cancel()
	_ = cmd.Run()

	readme := filepath.Join(scratch, "README")
	if err := os.WriteFile(readme, []byte("kbot session memory, not for merging into mainline\n"), 0644); err != nil {
		return err
	}
	cmd, cancel = s.gitCmd(ctx, scratch, "add", "README")
	defer cancel()
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git add README: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	cmd, cancel = s.gitCmd(ctx, scratch, "commit", "-m", "init: kbot memory branch")
	defer cancel()
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git commit: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// recoverIfLocked runs the crash-recovery path (AC-6): if the lock file
// exists, commit any outstanding changes with a recovery message and
// delete the lock, regardless of commit outcome.
func (s *Store) recoverIfLocked(ctx context.Context) (bool, error) {
	info, err := os.Stat(s.lock.Path())
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if time.Since(info.ModTime()) < staleLockThreshold {
		s.logger.Warn("shadow lock file present and not yet stale; waiting is not supported at init, forcing recovery")
	}

	s.setState(StateRecovering)
	s.publish(kbotbus.KindSyncStart, kbotbus.SyncPayload{Operation: "recover"})

	changed := 0
	commitErr := func() error {
		defer os.Remove(s.lock.Path())
		n, err := s.commitLocked(ctx, "Recover from interrupted operation")
		changed = n
		return err
	}()

	s.publish(kbotbus.KindSyncComplete, kbotbus.SyncPayload{Operation: "recover", FilesChanged: changed})
	return true, commitErr
}

// RecordEvent increments the pending-change counter. A commit is triggered
// when the counter reaches MaxEvents or MaxInterval has elapsed since the
// last commit (AC-2).
func (s *Store) RecordEvent(ctx context.Context) {
	s.mu.Lock()
	s.pending++
	due := s.pending >= s.cfg.MaxEvents || time.Since(s.lastCommit) >= s.cfg.MaxInterval
	s.mu.Unlock()

	if due {
		if err := s.ForceCommit(ctx, ""); err != nil {
			s.logger.Warn("batched shadow commit failed", zap.Error(err))
		}
	}
}

// ForceCommit commits synchronously; it is a no-op if there are no
// changes to stage.
func (s *Store) ForceCommit(ctx context.Context, message string) error {
	if message == "" {
		message = fmt.Sprintf("shadow: batch commit at %s", time.Now().UTC().Format(time.RFC3339))
	}

	locked, err := s.lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("shadow: acquiring lock: %w", err)
	}
	if !locked {
		if s.lockIsStale() {
			s.logger.Warn("removing stale shadow lock file")
			_ = os.Remove(s.lock.Path())
			locked, err = s.lock.TryLockContext(ctx, 50*time.Millisecond)
			if err != nil || !locked {
				return errors.New("shadow: commit-in-progress, try again at next scheduler tick")
			}
		} else {
			return errors.New("shadow: commit-in-progress, try again at next scheduler tick")
		}
	}
	defer s.lock.Unlock()

	s.setState(StateCommitting)
	s.publish(kbotbus.KindSyncStart, kbotbus.SyncPayload{Operation: "commit"})

	n, err := s.commitLocked(ctx, message)

	if err != nil {
		s.setState(StateError)
		s.publish(kbotbus.KindSyncError, kbotbus.SyncPayload{Operation: "commit", Err: err})
		return err
	}

	s.mu.Lock()
	s.pending = 0
	s.lastCommit = time.Now()
	s.mu.Unlock()

	s.setState(StateReady)
	s.publish(kbotbus.KindSyncComplete, kbotbus.SyncPayload{Operation: "commit", FilesChanged: n})
	return nil
}

func (s *Store) lockIsStale() bool {
	info, err := os.Stat(s.lock.Path())
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) >= staleLockThreshold
}

// commitLocked stages everything in the worktree and commits if the diff
// is non-empty. Caller must already hold the lock. Returns the number of
// changed files.
func (s *Store) commitLocked(ctx context.Context, message string) (int, error) {
	addCmd, addCancel := s.gitCmd(ctx, s.worktreePath, "add", "-A")
	defer addCancel()
	if out, err := addCmd.CombinedOutput(); err != nil {
		return 0, fmt.Errorf("git add -A: %w (%s)", err, strings.TrimSpace(string(out)))
	}

	statusCmd, statusCancel := s.gitCmd(ctx, s.worktreePath, "diff", "--cached", "--name-only")
	defer statusCancel()
	out, err := statusCmd.Output()
	if err != nil {
		return 0, fmt.Errorf("git diff --cached: %w", err)
	}
	files := strings.Fields(string(out))
	if len(files) == 0 {
		return 0, nil
	}

	commitCmd, commitCancel := s.gitCmd(ctx, s.worktreePath, "commit", "-m", message)
	defer commitCancel()
	commitCmd.Env = append(commitCmd.Env, "KBOT_SHADOW_COMMIT=1")
	if cOut, err := commitCmd.CombinedOutput(); err != nil {
		return 0, fmt.Errorf("git commit: %w (%s)", err, strings.TrimSpace(string(cOut)))
	}
	return len(files), nil
}

// Shutdown flushes any pending events by forcing a final commit.
func (s *Store) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	pending := s.pending
	s.mu.Unlock()
	if pending == 0 {
		return nil
	}
	return s.ForceCommit(ctx, "shadow: flush on shutdown")
}

// gitCmd builds a git command bound to ctx, applying gitCommandTimeout when
// ctx carries no deadline of its own. The returned cancel must be deferred
// by the caller after the command has actually run; cancelling it here
// before returning would tear down the timeout before Run/Output ever sees
// it.
func (s *Store) gitCmd(ctx context.Context, dir string, args ...string) (*exec.Cmd, context.CancelFunc) {
	runCtx := ctx
	cancel := func() {}
	if _, ok := ctx.Deadline(); !ok {
		runCtx, cancel = context.WithTimeout(ctx, gitCommandTimeout)
	}
	cmd := exec.CommandContext(runCtx, "git", args...)
	cmd.Dir = dir
	s.setNonInteractiveEnv(cmd)
	return cmd, cancel
}

func (s *Store) setNonInteractiveEnv(cmd *exec.Cmd) {
	cmd.Env = append(os.Environ(),
		"GIT_TERMINAL_PROMPT=0",
		"GIT_ASKPASS=echo",
		"SSH_ASKPASS=/bin/false",
		"GIT_SSH_COMMAND=ssh -oBatchMode=yes",
	)
	cmd.WaitDelay = 500 * time.Millisecond
}

func (s *Store) publish(kind kbotbus.Kind, payload any) {
	if s.bus == nil {
		return
	}
	evt := kbotbus.NewEvent(kind, "", "", payload)
	if err := s.bus.Publish(context.Background(), kind, evt); err != nil {
		s.logger.Warn("failed to publish shadow event", zap.String("kind", kind.String()), zap.Error(err))
	}
}
