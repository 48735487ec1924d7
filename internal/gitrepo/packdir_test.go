package gitrepo

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/ghs/internal/packid"
)

func touch(t *testing.T, path string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func mustID(t *testing.T, hex string) packid.PackId {
	t.Helper()
	id, err := packid.Parse(hex)
	require.NoError(t, err)
	return id
}

func TestPackIDsFindsPackFiles(t *testing.T) {
	dir := t.TempDir()
	a := mustID(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	touch(t, filepath.Join(dir, "pack-"+a.String()+".pack"), time.Now())
	touch(t, filepath.Join(dir, "pack-"+a.String()+".idx"), time.Now())
	touch(t, filepath.Join(dir, "other-file.txt"), time.Now())

	ids, err := PackIDs(dir)
	require.NoError(t, err)
	assert.Equal(t, []packid.PackId{a}, ids)
}

func TestTripleExists(t *testing.T) {
	dir := t.TempDir()
	a := mustID(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	touch(t, filepath.Join(dir, "pack-"+a.String()+".pack"), time.Now())

	pack, idx, bitmap := TripleExists(dir, a)
	assert.True(t, pack)
	assert.False(t, idx)
	assert.False(t, bitmap)
}

func TestMostRecentBitmap(t *testing.T) {
	dir := t.TempDir()
	older := mustID(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	newer := mustID(t, "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	now := time.Now()
	touch(t, filepath.Join(dir, "pack-"+older.String()+".bitmap"), now.Add(-time.Hour))
	touch(t, filepath.Join(dir, "pack-"+newer.String()+".bitmap"), now)

	id, ok, err := MostRecentBitmap(dir)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, newer, id)
}

func TestMostRecentBitmapNoneFound(t *testing.T) {
	dir := t.TempDir()
	_, ok, err := MostRecentBitmap(dir)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCleanStaleTempFilesRemovesOldOnly(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	// Named the way fsrepo.WritePack actually stages pack-objects output:
	// gc_<uuid>_tmp-<sha>.{pack,idx,bitmap}, not a bare "_tmp" suffix.
	touch(t, filepath.Join(dir, "gc_old1_tmp-deadbeef.pack"), now.Add(-48*time.Hour))
	touch(t, filepath.Join(dir, "gc_new1_tmp-deadbeef.pack"), now)

	removed, err := CleanStaleTempFiles(dir, now)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = os.Stat(filepath.Join(dir, "gc_old1_tmp-deadbeef.pack"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "gc_new1_tmp-deadbeef.pack"))
	assert.NoError(t, err)
}
