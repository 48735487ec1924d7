// Package testutil builds throwaway bare-repository directory trees for
// tests, the way cocoon's own filesystem-heavy tests build scratch
// directories directly under t.TempDir() rather than through a fixture
// framework.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/projecteru2/ghs/internal/packid"
)

// Repo is a scratch bare-repository tree rooted at Dir.
type Repo struct {
	Dir string
}

// NewRepo creates the minimal directory skeleton a bare repository needs
// for this program's purposes: objects/pack, objects/pack/preserved,
// refs/heads, refs/tags, logs/refs/heads.
func NewRepo(t *testing.T) *Repo {
	t.Helper()
	dir := t.TempDir()
	for _, sub := range []string{
		"objects/pack",
		"objects/pack/preserved",
		"refs/heads",
		"refs/tags",
		"logs/refs/heads",
	} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, sub), 0o755))
	}
	return &Repo{Dir: dir}
}

func (r *Repo) PackDir() string { return filepath.Join(r.Dir, "objects", "pack") }
func (r *Repo) ObjectsDir() string { return filepath.Join(r.Dir, "objects") }
func (r *Repo) PreservedDir() string { return filepath.Join(r.PackDir(), "preserved") }
func (r *Repo) ConfigPath() string { return filepath.Join(r.Dir, "config") }
func (r *Repo) GCLockPath() string { return filepath.Join(r.Dir, "gc.pid") }

// WriteConfig writes a minimal repository config file with the given
// gc.prunePackExpire value.
func (r *Repo) WriteConfig(t *testing.T, prunePackExpire string) {
	t.Helper()
	body := "[core]\n\tbare = true\n"
	if prunePackExpire != "" {
		body += "[gc]\n\tprunePackExpire = " + prunePackExpire + "\n"
	}
	require.NoError(t, os.WriteFile(r.ConfigPath(), []byte(body), 0o644))
}

// PutPack writes .pack and .idx files for id directly in objects/pack,
// plus a .bitmap file only when withBitmap is true, each stamped with
// mtime. Contents are
// placeholder bytes: tests in this package exercise file lifecycle, not
// pack-format correctness.
func (r *Repo) PutPack(t *testing.T, id packid.PackId, mtime time.Time, withBitmap bool) {
	t.Helper()
	pack, idx, bitmap := id.Triple(r.PackDir())
	r.writeStamped(t, pack, mtime)
	r.writeStamped(t, idx, mtime)
	if withBitmap {
		r.writeStamped(t, bitmap, mtime)
	}
}

// PutPreserved writes id's triple directly into objects/pack/preserved.
func (r *Repo) PutPreserved(t *testing.T, id packid.PackId, mtime time.Time) {
	t.Helper()
	pack, idx, bitmap := id.Triple(r.PreservedDir())
	r.writeStamped(t, pack, mtime)
	r.writeStamped(t, idx, mtime)
	r.writeStamped(t, bitmap, mtime)
}

func (r *Repo) writeStamped(t *testing.T, path string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("placeholder"), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

// HasAnyTripleFile reports whether any of id's triple files exist in dir.
func (r *Repo) HasAnyTripleFile(dir string, id packid.PackId) bool {
	pack, idx, bitmap := id.Triple(dir)
	for _, p := range []string{pack, idx, bitmap} {
		if _, err := os.Stat(p); err == nil {
			return true
		}
	}
	return false
}
