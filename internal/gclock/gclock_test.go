package gclock

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryAcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gc.pid")
	l := New(path)

	ok, err := l.TryAcquire()
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, l.Release())
}

func TestTryAcquireFailsWhileHeld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gc.pid")

	first := New(path)
	ok, err := first.TryAcquire()
	require.NoError(t, err)
	require.True(t, ok)
	defer first.Release() //nolint:errcheck

	second := New(path)
	ok, err = second.TryAcquire()
	require.NoError(t, err)
	assert.False(t, ok, "a second lock on the same path must not be acquirable while the first is held")
}

func TestReleaseWithoutAcquireIsNoop(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "gc.pid"))
	assert.NoError(t, l.Release())
}
