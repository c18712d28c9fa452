package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runWatch(t *testing.T, ctx context.Context, path string) (<-chan struct{}, <-chan error) {
	t.Helper()
	fired := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		done <- DrainFile(ctx, path, nil, func() { fired <- struct{}{} })
	}()
	return fired, done
}

func TestDrainFileAlreadyPresent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "NO-DAEMON-PLEASE")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	fired, done := runWatch(t, context.Background(), path)

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("callback not invoked for existing marker")
	}
	require.NoError(t, <-done)
}

func TestDrainFileCreatedLater(t *testing.T) {
	path := filepath.Join(t.TempDir(), "NO-DAEMON-PLEASE")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fired, done := runWatch(t, ctx, path)

	// Keep recreating until the watcher has registered the directory.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-fired:
			require.NoError(t, <-done)
			return
		case <-tick.C:
			_ = os.Remove(path)
			require.NoError(t, os.WriteFile(path, []byte("drain"), 0o644))
		case <-deadline:
			t.Fatal("callback not invoked after marker creation")
		}
	}
}

func TestDrainFileIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())

	fired, done := runWatch(t, ctx, filepath.Join(dir, "NO-DAEMON-PLEASE"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other"), nil, 0o644))

	select {
	case <-fired:
		t.Fatal("callback invoked for unrelated file")
	case <-time.After(200 * time.Millisecond):
	}
	cancel()
	assert.NoError(t, <-done)
}

func TestDrainFileRequiresPath(t *testing.T) {
	err := DrainFile(context.Background(), "", nil, func() {})
	assert.ErrorIs(t, err, ErrNoPath)
}

func TestDrainFileMissingDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "NO-DAEMON-PLEASE")
	err := DrainFile(context.Background(), path, nil, func() {})
	assert.Error(t, err)
}
