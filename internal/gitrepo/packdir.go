package gitrepo

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/projecteru2/ghs/internal/packid"
)

// PreservedDirName is the fixed subdirectory name beneath objects/pack
// where Preserver and PruneOrchestrator move superseded pack triples.
const PreservedDirName = "preserved"

// Preserved returns <packDir>/preserved.
func Preserved(packDir string) string {
	return filepath.Join(packDir, PreservedDirName)
}

// PackIDs returns every PackId with at least a .pack file present
// directly in dir (not recursing into preserved/).
func PackIDs(dir string) ([]packid.PackId, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var ids []packid.PackId
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, "pack-") || !strings.HasSuffix(name, ".pack") {
			continue
		}
		hex := strings.TrimSuffix(strings.TrimPrefix(name, "pack-"), ".pack")
		id, err := packid.Parse(hex)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// KeptPackIDs returns every PackId with a pack-<id>.keep marker present
// directly in dir. Spec §4.2 step 3 excludes these packs' objects from the
// new consolidated pack: a concurrent fetch may be streaming a kept pack's
// objects right now, and a repack must not invalidate it.
func KeptPackIDs(dir string) ([]packid.PackId, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var ids []packid.PackId
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, "pack-") || !strings.HasSuffix(name, ".keep") {
			continue
		}
		hex := strings.TrimSuffix(strings.TrimPrefix(name, "pack-"), ".keep")
		id, err := packid.Parse(hex)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// TripleExists reports which of a pack's three sibling files are present
// in dir.
func TripleExists(dir string, id packid.PackId) (pack, idx, bitmap bool) {
	p, i, b := id.Triple(dir)
	return fileExists(p), fileExists(i), fileExists(b)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// MostRecentBitmap returns the PackId whose pack-<id>.bitmap has the
// greatest mtime in dir, and ok=false if no bitmap exists (spec §4.3
// step 5).
func MostRecentBitmap(dir string) (id packid.PackId, ok bool, err error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return packid.Zero, false, nil
	}
	if err != nil {
		return packid.Zero, false, err
	}

	var newest time.Time
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, "pack-") || !strings.HasSuffix(name, ".bitmap") {
			continue
		}
		hex := strings.TrimSuffix(strings.TrimPrefix(name, "pack-"), ".bitmap")
		candidate, perr := packid.Parse(hex)
		if perr != nil {
			continue
		}
		info, ierr := e.Info()
		if ierr != nil {
			continue
		}
		if !ok || info.ModTime().After(newest) {
			id, ok, newest = candidate, true, info.ModTime()
		}
	}
	return id, ok, nil
}

// StaleTempAge is the cutoff used by the bitmap builder's cleanup step
// (spec §4.2 step 8): gc_*_tmp files older than this are removed.
const StaleTempAge = 24 * time.Hour

// CleanStaleTempFiles removes gc_*_tmp staging files left behind by a
// crashed or killed `git pack-objects` invocation (named
// gc_<uuid>_tmp-<sha>.{pack,idx,bitmap} by fsrepo.WritePack) whose mtime
// is more than StaleTempAge old. Missing dir or missing files are
// tolerated.
func CleanStaleTempFiles(dir string, now time.Time) (removed int, err error) {
	entries, rerr := os.ReadDir(dir)
	if os.IsNotExist(rerr) {
		return 0, nil
	}
	if rerr != nil {
		return 0, rerr
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "gc_") {
			continue
		}
		info, ierr := e.Info()
		if ierr != nil {
			continue
		}
		if now.Sub(info.ModTime()) <= StaleTempAge {
			continue
		}
		if rmErr := os.Remove(filepath.Join(dir, e.Name())); rmErr != nil {
			err = rmErr
			continue
		}
		removed++
	}
	return removed, err
}
