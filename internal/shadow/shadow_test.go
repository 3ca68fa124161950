package shadow

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "-b", "main")
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "config", "user.name", "Test")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0644))
	runGit(t, dir, "add", "README.md")
	runGit(t, dir, "commit", "-m", "init")
	return dir
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

func TestStore_Init_CreatesWorktreeAndGitignoreEntry(t *testing.T) {
	repo := initTestRepo(t)
	cfg := DefaultConfig(repo)
	s := NewStore(cfg, nil, nil)

	err := s.Init(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateReady, s.State())

	info, err := os.Stat(s.WorktreePath())
	require.NoError(t, err)
	require.True(t, info.IsDir())

	gitignore, err := os.ReadFile(filepath.Join(repo, ".gitignore"))
	require.NoError(t, err)
	require.Contains(t, string(gitignore), ".kbot/")
}

func TestStore_Init_IsIdempotent(t *testing.T) {
	repo := initTestRepo(t)
	cfg := DefaultConfig(repo)

	s1 := NewStore(cfg, nil, nil)
	require.NoError(t, s1.Init(context.Background()))

	s2 := NewStore(cfg, nil, nil)
	require.NoError(t, s2.Init(context.Background()))
	require.Equal(t, StateReady, s2.State())
}

func TestStore_ForceCommit_CommitsChangesAndIsNoOpWhenClean(t *testing.T) {
	repo := initTestRepo(t)
	cfg := DefaultConfig(repo)
	s := NewStore(cfg, nil, nil)
	require.NoError(t, s.Init(context.Background()))

	require.NoError(t, os.WriteFile(filepath.Join(s.WorktreePath(), "events.jsonl"), []byte("{}\n"), 0644))

	require.NoError(t, s.ForceCommit(context.Background(), "test commit"))
	require.Equal(t, StateReady, s.State())

	logOut, err := exec.Command("git", "-C", s.WorktreePath(), "log", "--oneline", "-1").CombinedOutput()
	require.NoError(t, err)
	require.Contains(t, string(logOut), "test commit")

	// Second commit with no changes staged must be a no-op, not an error.
	require.NoError(t, s.ForceCommit(context.Background(), "nothing to commit"))
}

func TestStore_RecordEvent_TriggersCommitAtMaxEvents(t *testing.T) {
	repo := initTestRepo(t)
	cfg := DefaultConfig(repo)
	cfg.MaxEvents = 3
	cfg.MaxInterval = time.Hour
	s := NewStore(cfg, nil, nil)
	require.NoError(t, s.Init(context.Background()))

	require.NoError(t, os.WriteFile(filepath.Join(s.WorktreePath(), "a.txt"), []byte("a"), 0644))

	ctx := context.Background()
	s.RecordEvent(ctx)
	s.RecordEvent(ctx)
	require.Equal(t, StateReady, s.State(), "commit should not yet be triggered below MaxEvents")

	s.RecordEvent(ctx)

	logOut, err := exec.Command("git", "-C", s.WorktreePath(), "log", "--oneline", "-1").CombinedOutput()
	require.NoError(t, err)
	require.Contains(t, string(logOut), "batch commit")
}

func TestStore_Init_RecoversFromStaleLockFile(t *testing.T) {
	repo := initTestRepo(t)
	cfg := DefaultConfig(repo)
	s := NewStore(cfg, nil, nil)
	require.NoError(t, s.Init(context.Background()))

	require.NoError(t, os.WriteFile(filepath.Join(s.WorktreePath(), "untracked.txt"), []byte("orphaned work"), 0644))
	lockPath := filepath.Join(s.WorktreePath(), lockFileName)
	require.NoError(t, os.WriteFile(lockPath, []byte{}, 0644))

	s2 := NewStore(cfg, nil, nil)
	require.NoError(t, s2.Init(context.Background()))
	require.Equal(t, StateReady, s2.State())

	_, err := os.Stat(lockPath)
	require.True(t, os.IsNotExist(err), "lock file must be removed after recovery")

	logOut, err := exec.Command("git", "-C", s2.WorktreePath(), "log", "--oneline", "-1").CombinedOutput()
	require.NoError(t, err)
	require.Contains(t, string(logOut), "Recover from interrupted operation")
}

func TestStore_Init_FailsFastOnDirtyGitignore(t *testing.T) {
	repo := initTestRepo(t)
	require.NoError(t, os.WriteFile(filepath.Join(repo, ".gitignore"), []byte("node_modules/\n"), 0644))

	cfg := DefaultConfig(repo)
	s := NewStore(cfg, nil, nil)

	err := s.Init(context.Background())
	require.Error(t, err)
	require.Equal(t, StateError, s.State())
}

func TestStore_Shutdown_FlushesPendingEvents(t *testing.T) {
	repo := initTestRepo(t)
	cfg := DefaultConfig(repo)
	cfg.MaxEvents = 1000
	cfg.MaxInterval = time.Hour
	s := NewStore(cfg, nil, nil)
	require.NoError(t, s.Init(context.Background()))

	require.NoError(t, os.WriteFile(filepath.Join(s.WorktreePath(), "pending.txt"), []byte("x"), 0644))
	s.RecordEvent(context.Background())

	require.NoError(t, s.Shutdown(context.Background()))

	logOut, err := exec.Command("git", "-C", s.WorktreePath(), "log", "--oneline", "-1").CombinedOutput()
	require.NoError(t, err)
	require.Contains(t, string(logOut), "flush on shutdown")
}
