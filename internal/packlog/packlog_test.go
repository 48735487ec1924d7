package packlog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/ghs/internal/packid"
)

func newTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	objectsDir := filepath.Join(t.TempDir(), "objects")
	require.NoError(t, os.MkdirAll(filepath.Join(objectsDir, "pack"), 0o755))
	return New(objectsDir), objectsDir
}

func idFor(t *testing.T, hex string) packid.PackId {
	t.Helper()
	id, err := packid.Parse(hex)
	require.NoError(t, err)
	return id
}

func TestReadAllOnMissingLogIsEmpty(t *testing.T) {
	l, _ := newTestLog(t)
	set, err := l.ReadAll()
	require.NoError(t, err)
	assert.Empty(t, set)
}

func TestAppendAndReadAll(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLog(t)

	a := idFor(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	b := idFor(t, "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")

	require.NoError(t, l.Append(ctx, []packid.PackId{a, b}))

	set, err := l.ReadAll()
	require.NoError(t, err)
	assert.Len(t, set, 2)
	assert.Contains(t, set, a)
	assert.Contains(t, set, b)
}

func TestAppendIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLog(t)
	a := idFor(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")

	require.NoError(t, l.Append(ctx, []packid.PackId{a}))
	require.NoError(t, l.Append(ctx, []packid.PackId{a}))

	data, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	assert.Len(t, data, packid.Size, "appending the same id twice must not duplicate the record")
}

func TestReadAllRejectsCorruptLog(t *testing.T) {
	l, _ := newTestLog(t)
	require.NoError(t, os.WriteFile(l.Path(), []byte("not-a-multiple-of-20"), 0o644))

	_, err := l.ReadAll()
	require.ErrorIs(t, err, ErrCorruptLog)
}

func TestSnapshotDetachesLiveLog(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLog(t)
	a := idFor(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	require.NoError(t, l.Append(ctx, []packid.PackId{a}))

	snap, err := l.Snapshot()
	require.NoError(t, err)
	require.NotEmpty(t, snap)

	_, err = os.Stat(l.Path())
	assert.True(t, os.IsNotExist(err), "live log must be gone after snapshot")

	set, err := ReadFile(snap)
	require.NoError(t, err)
	assert.Contains(t, set, a)

	require.NoError(t, DeleteFile(snap))
}

func TestSnapshotOfMissingLogIsNoop(t *testing.T) {
	l, _ := newTestLog(t)
	snap, err := l.Snapshot()
	require.NoError(t, err)
	assert.Empty(t, snap)
}

func TestRewriteReplacesLiveLog(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLog(t)
	a := idFor(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	b := idFor(t, "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	c := idFor(t, "cccccccccccccccccccccccccccccccccccccccc")
	require.NoError(t, l.Append(ctx, []packid.PackId{a, b, c}))

	require.NoError(t, l.Rewrite([]packid.PackId{b}))

	set, err := l.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, map[packid.PackId]struct{}{b: {}}, set)
}

func TestRewriteToEmptyLeavesZeroByteLog(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLog(t)
	a := idFor(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	require.NoError(t, l.Append(ctx, []packid.PackId{a}))

	require.NoError(t, l.Rewrite(nil))

	data, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestReadOrderedFilePreservesAppendOrder(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLog(t)
	a := idFor(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	b := idFor(t, "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	require.NoError(t, l.Append(ctx, []packid.PackId{a, b}))

	ordered, err := ReadOrderedFile(l.Path())
	require.NoError(t, err)
	assert.Equal(t, []packid.PackId{a, b}, ordered)
}

func TestDeleteRemovesLiveLog(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLog(t)
	a := idFor(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	require.NoError(t, l.Append(ctx, []packid.PackId{a}))

	require.NoError(t, l.Delete())
	_, err := os.Stat(l.Path())
	assert.True(t, os.IsNotExist(err))

	assert.NoError(t, l.Delete(), "deleting an already-absent log is a no-op")
}
