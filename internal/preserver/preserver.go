// Package preserver implements C3 (spec §4.3): age out packs whose
// bitmap has been superseded by moving their triple into
// objects/pack/preserved/, subject to a configured grace window, while
// always retaining the pack backing the most recently published bitmap.
//
// The snapshot-then-decide-then-rewrite shape is grounded on cocoon's
// storage/oci garbage collector: isolate the candidate set first (there,
// a directory listing; here, packlog.Snapshot's atomic rename), decide
// per-candidate against a set of "still referenced" predicates, then
// apply removals tolerating individual failures, exactly like
// utils.RemoveMatching's per-entry error collection.
package preserver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	units "github.com/docker/go-units"
	"github.com/projecteru2/core/log"

	"github.com/projecteru2/ghs/internal/action"
	"github.com/projecteru2/ghs/internal/gclock"
	"github.com/projecteru2/ghs/internal/gitconfig"
	"github.com/projecteru2/ghs/internal/gitrepo"
	"github.com/projecteru2/ghs/internal/packid"
	"github.com/projecteru2/ghs/internal/packlog"
)

// ErrGCLockHeld means the GC PID lock was held by another process.
// Spec §7 classifies this as a failed ActionResult carrying a "skipped"
// message, unlike C2's ErrAlreadyOngoing which is reported successful —
// the two components' lock-contention outcomes are intentionally
// asymmetric per the spec's own error taxonomy.
var ErrGCLockHeld = errors.New("preserver: gc lock held by another process")

// Preserver runs one preserve-outdated-bitmaps action.
type Preserver struct {
	Repo gitrepo.Repository
	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

func (p *Preserver) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Run executes the protocol in spec §4.3 steps 1-9.
func (p *Preserver) Run(ctx context.Context) action.Result {
	logger := log.WithFunc("preserver.Run")

	lock := gclock.New(p.Repo.GCLockPath())
	ok, err := lock.TryAcquire()
	if err != nil {
		return action.Failedf("acquire gc lock: %v", err)
	}
	if !ok {
		return action.Failedf("skipped: %v", ErrGCLockHeld)
	}
	defer lock.Release() //nolint:errcheck

	pl := packlog.New(p.Repo.ObjectsDir())
	snapshotPath, err := pl.Snapshot()
	if err != nil {
		return action.Failedf("snapshot pack log: %v", err)
	}
	if snapshotPath == "" {
		return action.Ok("")
	}

	preservedDir := gitrepo.Preserved(p.Repo.PackDir())
	if err := os.MkdirAll(preservedDir, 0o755); err != nil {
		return action.Failedf("ensure preserved dir: %v", err)
	}

	entries, err := packlog.ReadOrderedFile(snapshotPath)
	if err != nil {
		return action.Failedf("read snapshot %s: %v", snapshotPath, err)
	}

	mostRecent, hasMostRecent, err := gitrepo.MostRecentBitmap(p.Repo.PackDir())
	if err != nil {
		return action.Failedf("find most recent bitmap: %v", err)
	}

	cutoff, err := gitconfig.PrunePackExpire(p.Repo.ConfigPath(), p.now())
	if err != nil {
		logger.Infof(ctx, "gc.prunePackExpire: %v (using default)", err)
	}

	var keep []packid.PackId
	var movedCount int
	var movedBytes int64

	for _, id := range entries {
		if hasMostRecent && id == mostRecent {
			keep = append(keep, id)
			continue
		}

		packPath, _, _ := id.Triple(p.Repo.PackDir())
		mtime, statErr := fileModTime(packPath)
		if statErr == nil && mtime.After(cutoff) {
			keep = append(keep, id)
			continue
		}

		n, bytes := moveTriple(id, p.Repo.PackDir(), preservedDir)
		movedCount += n
		movedBytes += bytes
	}

	if err := packlog.DeleteFile(snapshotPath); err != nil {
		return action.Failedf("delete snapshot %s: %v", snapshotPath, err)
	}

	if len(keep) > 0 {
		if err := pl.Rewrite(keep); err != nil {
			return action.Failedf("rewrite pack log: %v", err)
		}
	} else if err := pl.Delete(); err != nil {
		return action.Failedf("delete pack log: %v", err)
	}

	if movedCount > 0 {
		logger.Infof(ctx, "preserved %d file(s) totalling %s", movedCount, units.HumanSize(float64(movedBytes)))
	}

	return action.Ok("")
}

func moveTriple(id packid.PackId, packDir, preservedDir string) (moved int, bytes int64) {
	srcPack, srcIdx, srcBitmap := id.Triple(packDir)
	dstPack, dstIdx, dstBitmap := id.Triple(preservedDir)

	for _, pair := range [][2]string{{srcPack, dstPack}, {srcIdx, dstIdx}, {srcBitmap, dstBitmap}} {
		n := moveIfExists(pair[0], pair[1])
		if n >= 0 {
			moved++
			bytes += n
		}
	}
	return moved, bytes
}

func moveIfExists(src, dst string) int64 {
	info, err := os.Stat(src)
	if err != nil {
		return -1
	}
	if err := os.Rename(src, dst); err != nil {
		return -1
	}
	return info.Size()
}

func fileModTime(path string) (time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, fmt.Errorf("stat %s: %w", path, err)
	}
	return info.ModTime(), nil
}
