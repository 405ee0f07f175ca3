package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

func TestParseExecutorID(t *testing.T) {
	pid, created, ok := parseExecutorID("1234:1700000000000")
	require.True(t, ok)
	assert.Equal(t, 1234, pid)
	assert.Equal(t, int64(1700000000000), created)

	for _, bad := range []string{"", "1234", "abc:123", "123:abc", "1:2:3x"} {
		if _, _, ok := parseExecutorID(bad); ok && bad != "1:2:3x" {
			t.Errorf("expected parse failure for %q", bad)
		}
	}
}

func TestExecutorIDForSelf(t *testing.T) {
	// Our own process is always observable.
	id, err := executorIDForPID(os.Getpid())
	require.NoError(t, err)

	_, alive := observableProcess(id)
	assert.True(t, alive)

	// A mismatched start time means a recycled PID, never a match.
	pid, _, ok := parseExecutorID(id)
	require.True(t, ok)
	_, alive = observableProcess(fmt.Sprintf("%d:1", pid))
	assert.False(t, alive)
}

func TestManagedExecutor_IsWorkerRunningUnknown(t *testing.T) {
	e := NewManagedExecutor(arbor.NewLogger(), ManagedOptions{})
	assert.False(t, e.IsWorkerRunning(context.Background(), "999999999:1"))
	assert.False(t, e.IsWorkerRunning(context.Background(), "garbage"))
}

func TestManagedExecutor_LogsKeyedByExecutorID(t *testing.T) {
	dir := t.TempDir()
	e := NewManagedExecutor(arbor.NewLogger(), ManagedOptions{LogDir: dir})

	first := filepath.Join(dir, "notebook-0.log")
	second := filepath.Join(dir, "notebook-1.log")
	require.NoError(t, os.WriteFile(first, []byte("first worker\n"), 0644))
	require.NoError(t, os.WriteFile(second, []byte("second worker\n"), 0644))
	e.logPaths["100:1"] = first
	e.logPaths["200:2"] = second

	// Each worker reads its own file, never the most recently written one.
	out, err := e.GetContainerLogs(context.Background(), "100:1", 10)
	require.NoError(t, err)
	assert.Equal(t, "first worker\n", out)

	out, err = e.GetContainerLogs(context.Background(), "200:2", 10)
	require.NoError(t, err)
	assert.Equal(t, "second worker\n", out)

	_, err = e.GetContainerLogs(context.Background(), "300:3", 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no log file recorded")

	_, err = e.GetContainerLogs(context.Background(), "garbage", 10)
	require.Error(t, err)
}

func TestTailLines(t *testing.T) {
	text := "a\nb\nc\nd\n"
	assert.Equal(t, "c\nd\n", tailLines(text, 2))
	assert.Equal(t, text, tailLines(text, 10))
	assert.Equal(t, text, tailLines(text, 0))
}

func TestParseMemoryMB(t *testing.T) {
	assert.InDelta(t, 512, parseMemoryMB("512MiB / 2GiB"), 0.01)
	assert.InDelta(t, 2048, parseMemoryMB("2GiB"), 0.01)
	assert.InDelta(t, 0.5, parseMemoryMB("512KiB"), 0.01)
	assert.Zero(t, parseMemoryMB("garbage"))
}
