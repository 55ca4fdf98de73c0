package leader

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lockPath(t *testing.T) string {
	t.Helper()

	return filepath.Join(t.TempDir(), "run", "leader.lock")
}

func TestAcquire_WritesOwnPid(t *testing.T) {
	logger := zerolog.Nop()
	path := lockPath(t)

	lock, err := Acquire(path, &logger)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("%d", os.Getpid()), strings.TrimSpace(string(data)))

	assert.True(t, lock.Held())
	require.NoError(t, lock.Release())
}

func TestAcquire_RemovesStaleLock(t *testing.T) {
	logger := zerolog.Nop()
	path := lockPath(t)

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("999999\n"), 0o644))

	lock, err := Acquire(path, &logger)
	require.NoError(t, err)
	assert.True(t, lock.Held())

	require.NoError(t, lock.Release())
}

func TestHeld_FalseAfterFileRemoved(t *testing.T) {
	logger := zerolog.Nop()
	path := lockPath(t)

	lock, err := Acquire(path, &logger)
	require.NoError(t, err)

	require.NoError(t, os.Remove(path))

	assert.False(t, lock.Held())
}

func TestHeld_FalseWhenForeignPidTookOver(t *testing.T) {
	logger := zerolog.Nop()
	path := lockPath(t)

	lock, err := Acquire(path, &logger)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("999999\n"), 0o644))

	assert.False(t, lock.Held())
}

func TestRelease_RemovesLockFile(t *testing.T) {
	logger := zerolog.Nop()
	path := lockPath(t)

	lock, err := Acquire(path, &logger)
	require.NoError(t, err)

	require.NoError(t, lock.Release())

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestRelease_LeavesForeignLockAlone(t *testing.T) {
	logger := zerolog.Nop()
	path := lockPath(t)

	lock, err := Acquire(path, &logger)
	require.NoError(t, err)

	// Another process replaced the file after we lost leadership.
	require.NoError(t, os.WriteFile(path, []byte("999999\n"), 0o644))

	require.NoError(t, lock.Release())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "999999", strings.TrimSpace(string(data)))
}
