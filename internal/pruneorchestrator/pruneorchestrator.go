// Package pruneorchestrator implements C4 (spec §4.4), the predecessor of
// preserver.Preserver it still ships alongside for repositories whose
// history started under it: unlike C3's cutoff-based retention, C4 keeps
// exactly the last two log entries. The second-to-last pack's triple is
// archived into objects/pack/preserved/ but stays in the log; every older
// entry is removed outright from both directories.
//
// The lock/snapshot/rewrite shape is lifted directly from preserver.go,
// since spec §4.4 states the two components' locking and rename
// invariants are identical and only the retention policy differs.
package pruneorchestrator

import (
	"context"
	"errors"
	"os"

	units "github.com/docker/go-units"
	"github.com/projecteru2/core/log"

	"github.com/projecteru2/ghs/internal/action"
	"github.com/projecteru2/ghs/internal/gclock"
	"github.com/projecteru2/ghs/internal/gitrepo"
	"github.com/projecteru2/ghs/internal/packid"
	"github.com/projecteru2/ghs/internal/packlog"
)

// ErrGCLockHeld mirrors preserver.ErrGCLockHeld: the two components share
// the same PID lock and the same failed-result treatment on contention.
var ErrGCLockHeld = errors.New("pruneorchestrator: gc lock held by another process")

// PruneOrchestrator runs one prune-outdated-bitmaps action under the
// legacy second-to-last-plus-last retention policy.
type PruneOrchestrator struct {
	Repo gitrepo.Repository
}

// Run executes the protocol described in spec §4.4.
func (o *PruneOrchestrator) Run(ctx context.Context) action.Result {
	logger := log.WithFunc("pruneorchestrator.Run")

	lock := gclock.New(o.Repo.GCLockPath())
	ok, err := lock.TryAcquire()
	if err != nil {
		return action.Failedf("acquire gc lock: %v", err)
	}
	if !ok {
		return action.Failedf("skipped: %v", ErrGCLockHeld)
	}
	defer lock.Release() //nolint:errcheck

	pl := packlog.New(o.Repo.ObjectsDir())
	snapshotPath, err := pl.Snapshot()
	if err != nil {
		return action.Failedf("snapshot pack log: %v", err)
	}
	if snapshotPath == "" {
		return action.Ok("")
	}

	entries, err := packlog.ReadOrderedFile(snapshotPath)
	if err != nil {
		return action.Failedf("read snapshot %s: %v", snapshotPath, err)
	}

	preservedDir := gitrepo.Preserved(o.Repo.PackDir())
	if err := os.MkdirAll(preservedDir, 0o755); err != nil {
		return action.Failedf("ensure preserved dir: %v", err)
	}

	keep, archivedCount, archivedBytes := prune(entries, o.Repo.PackDir(), preservedDir)

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

	if archivedCount > 0 {
		logger.Infof(ctx, "archived %d file(s) totalling %s, discarded entries older than the second-to-last", archivedCount, units.HumanSize(float64(archivedBytes)))
	}

	return action.Ok("")
}

// prune applies the second-to-last-plus-last retention policy (D2: the
// second-to-last index is len(entries)-2 in log order) and returns the ids
// to keep in the log plus how much was moved into preservedDir.
func prune(entries []packid.PackId, packDir, preservedDir string) (keep []packid.PackId, movedCount int, movedBytes int64) {
	if len(entries) < 2 {
		return entries, 0, 0
	}

	last := entries[len(entries)-1]
	secondToLast := entries[len(entries)-2]
	older := entries[:len(entries)-2]

	for _, id := range older {
		deleteTriple(id, packDir)
		deleteTriple(id, preservedDir)
	}

	n, bytes := moveTriple(secondToLast, packDir, preservedDir)
	movedCount += n
	movedBytes += bytes

	return []packid.PackId{secondToLast, last}, movedCount, movedBytes
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

func deleteTriple(id packid.PackId, dir string) {
	pack, idx, bitmap := id.Triple(dir)
	for _, p := range []string{pack, idx, bitmap} {
		os.Remove(p) //nolint:errcheck
	}
}
