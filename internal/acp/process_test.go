package acp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcess_Spawn_StartsAndReportsRunning(t *testing.T) {
	p := NewProcess(Config{Command: []string{"sleep", "5"}}, nil)
	require.NoError(t, p.Spawn(context.Background(), nil))
	defer p.Kill()

	assert.True(t, p.running.Load())
}

func TestProcess_Spawn_RejectsDoubleSpawn(t *testing.T) {
	p := NewProcess(Config{Command: []string{"sleep", "5"}}, nil)
	require.NoError(t, p.Spawn(context.Background(), nil))
	defer p.Kill()

	err := p.Spawn(context.Background(), nil)
	assert.Error(t, err)
}

func TestProcess_Stop_ClosesStdinAndWaitsForExit(t *testing.T) {
	// cat exits cleanly once stdin is closed (EOF).
	p := NewProcess(Config{Command: []string{"cat"}}, nil)
	require.NoError(t, p.Spawn(context.Background(), nil))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))

	assert.Equal(t, 0, p.ExitCode())
}

func TestProcess_Kill_TerminatesImmediately(t *testing.T) {
	p := NewProcess(Config{Command: []string{"sleep", "30"}}, nil)
	require.NoError(t, p.Spawn(context.Background(), nil))

	require.NoError(t, p.Kill())

	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("process did not report done after kill")
	}
	assert.NotEqual(t, 0, p.ExitCode())
}

func TestProcess_Healthy_FalseBeforeSpawn(t *testing.T) {
	p := NewProcess(Config{Command: []string{"sleep", "5"}}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.False(t, p.Healthy(ctx))
}

func TestProcess_Stderr_StreamsLines(t *testing.T) {
	p := NewProcess(Config{Command: []string{"sh", "-c", "echo hello >&2; sleep 5"}}, nil)
	require.NoError(t, p.Spawn(context.Background(), nil))
	defer p.Kill()

	select {
	case line := <-p.Stderr():
		assert.Equal(t, "hello", line)
	case <-time.After(2 * time.Second):
		t.Fatal("no stderr line received")
	}
}
