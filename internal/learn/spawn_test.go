package learn

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"localmind/internal/logger"
)

func TestAcquireWorkerLockExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), LockFileName)

	release, ok, err := AcquireWorkerLock(path)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = AcquireWorkerLock(path)
	require.NoError(t, err)
	require.False(t, ok, "second claim must lose")

	require.NoError(t, release())

	release, ok, err = AcquireWorkerLock(path)
	require.NoError(t, err)
	require.True(t, ok, "lock reusable after release")
	require.NoError(t, release())
}

func TestSpawnerStartsWhenLockFree(t *testing.T) {
	spawned := 0
	s := NewSpawner(filepath.Join(t.TempDir(), LockFileName), nil, logger.Discard())
	s.spawn = func() error {
		spawned++
		return nil
	}

	s.EnsureRunning()
	require.Equal(t, 1, spawned)

	s.EnsureRunning()
	require.Equal(t, 1, spawned, "checks are debounced")
}

func TestSpawnerSkipsLiveWorker(t *testing.T) {
	path := filepath.Join(t.TempDir(), LockFileName)
	release, ok, err := AcquireWorkerLock(path)
	require.NoError(t, err)
	require.True(t, ok)
	defer release()

	spawned := 0
	s := NewSpawner(path, nil, logger.Discard())
	s.spawn = func() error {
		spawned++
		return nil
	}

	s.EnsureRunning()
	require.Zero(t, spawned)
}
