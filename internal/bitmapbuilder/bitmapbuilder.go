// Package bitmapbuilder implements C2 (spec §4.2): compute the object set
// to repack, ask the Git-library contract to write a consolidated pack
// with bitmap index, publish it, and record its id in the pack log.
//
// The phase structure — enumerate refs, compute want/have/tag sets, call
// the pack writer, publish, wait out the racy-pack window, clean stale
// temp files — mirrors a known Git garbage collector's repack phase, the
// way cocoon's gc package sequences "resolve candidates, delete,
// cleanup" as discrete named steps rather than one monolithic function.
package bitmapbuilder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	units "github.com/docker/go-units"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/projecteru2/core/log"

	"github.com/projecteru2/ghs/internal/action"
	"github.com/projecteru2/ghs/internal/gclock"
	"github.com/projecteru2/ghs/internal/gitrepo"
	"github.com/projecteru2/ghs/internal/packid"
	"github.com/projecteru2/ghs/internal/packlog"
	"github.com/projecteru2/ghs/internal/progress"
)

// ErrAlreadyOngoing means the GC PID lock was held by another process;
// spec §7 requires this to surface as a *successful* ActionResult so the
// external scheduler does not retry frantically.
var ErrAlreadyOngoing = errors.New("bitmapbuilder: bitmap generation already ongoing")

// racyPackWindow bounds how long the builder waits for a freshly
// published pack's mtime to become unambiguously older than "now" by
// filesystem-clock resolution (spec §4.2 step 6).
const (
	racyPackWindow   = 2 * time.Second
	racyPackInterval = 50 * time.Millisecond
)

// Builder runs one bitmap-generation action against a single repository.
type Builder struct {
	Repo gitrepo.Repository
	// Sequential forces a single consolidated pack (CLI flag
	// --sequential-bitmap-generation, spec §6): nonHeads is folded into
	// allHeadsAndTags instead of producing a second pack.
	Sequential bool
	// BitmapExcludePrefixes names ref prefixes whose targets are excluded
	// from the bitmap (spec §4.2 step 2, "refsToExcludeFromBitmap").
	BitmapExcludePrefixes []string
	// RepackKeptObjects disables spec §4.2 step 3's .keep exclusion,
	// folding kept packs' objects back into the new pack instead of
	// leaving them out. Off by default: the normal case is that a kept
	// pack is being read by a concurrent fetch and must not be
	// invalidated by becoming redundant.
	RepackKeptObjects bool
	Tracker           progress.Tracker
}

// Run executes one bitmap-generation action end to end and returns the
// result the CLI will serialize (spec §6).
func (b *Builder) Run(ctx context.Context) action.Result {
	logger := log.WithFunc("bitmapbuilder.Run")

	lock := gclock.New(b.Repo.GCLockPath())
	ok, err := lock.TryAcquire()
	if err != nil {
		return action.Failedf("acquire gc lock: %v", err)
	}
	if !ok {
		logger.Infof(ctx, "bitmap generation skipped: %v", ErrAlreadyOngoing)
		return action.Ok("Skipped bitmap generation: " + ErrAlreadyOngoing.Error())
	}
	defer lock.Release() //nolint:errcheck

	if err := progress.CheckCancelled(b.Tracker, "ref-enumeration"); err != nil {
		return action.Failedf("%v", err)
	}
	refs, err := b.Repo.Refs(ctx)
	if err != nil {
		return action.Failedf("enumerate refs: %v", err)
	}

	sets, err := b.computeSets(ctx, refs)
	if err != nil {
		return action.Failedf("%v", err)
	}

	if !b.RepackKeptObjects {
		excluded, err := b.Repo.KeptPackObjectHashes(ctx)
		if err != nil {
			return action.Failedf("enumerate kept-pack objects: %v", err)
		}
		sets.excluded = excluded
	}

	if err := progress.CheckCancelled(b.Tracker, "object-walk"); err != nil {
		return action.Failedf("%v", err)
	}

	req := gitrepo.PackWriteRequest{
		Want:                   sets.allHeadsAndTags,
		NoBitmap:               sets.allTags,
		Tags:                   sets.refsExcludedFromBitmap,
		TagTargets:             sets.tagTargets,
		ExcludeObjects:         sets.excluded,
		CreateBitmap:           true,
		SinglePack:             b.Sequential,
		RefsExcludedFromBitmap: sets.refsExcludedFromBitmap,
	}
	if b.Sequential {
		req.Want = append(req.Want, sets.nonHeads...)
	} else {
		req.Have = sets.nonHeads
	}

	if err := progress.CheckCancelled(b.Tracker, "pack-write"); err != nil {
		return action.Failedf("%v", err)
	}
	written, err := b.Repo.WritePack(ctx, req)
	if err != nil {
		return action.Failedf("write pack: %v", err)
	}

	// Unless folded into the single consolidated pack above, objects
	// reachable only through reflogs or the working-tree index still need
	// a home: spec §2's "one or two new packs" and §4.2's "write the
	// pack... (if prepared)" describe a second, unbitmapped pack carrying
	// exactly the nonHeads set, published alongside the first.
	if !b.Sequential && len(sets.nonHeads) > 0 {
		nonHeadReq := gitrepo.PackWriteRequest{
			Want: sets.nonHeads,
		}
		nonHeadWritten, err := b.Repo.WritePack(ctx, nonHeadReq)
		if err != nil {
			return action.Failedf("write non-head pack: %v", err)
		}
		written = append(written, nonHeadWritten...)
	}

	if len(written) == 0 {
		return action.Ok("")
	}

	if err := progress.CheckCancelled(b.Tracker, "index-write"); err != nil {
		return action.Failedf("%v", err)
	}
	if err := progress.CheckCancelled(b.Tracker, "bitmap-write"); err != nil {
		return action.Failedf("%v", err)
	}

	for _, w := range written {
		if err := waitForRacyPack(ctx, w.PackPath); err != nil {
			logger.Infof(ctx, "racy pack wait for %s: %v", w.PackPath, err)
		}
	}

	// Interrupt-like cancellation received during rename is deferred: the
	// rename already completed above, so we only re-raise it now that the
	// pack is durably published (spec §5).
	renameCancelled := progress.CheckCancelled(b.Tracker, "rename")

	if removed, cleanErr := gitrepo.CleanStaleTempFiles(b.Repo.PackDir(), time.Now()); cleanErr != nil {
		logger.Infof(ctx, "stale temp cleanup: %v", cleanErr)
	} else if removed > 0 {
		logger.Infof(ctx, "removed %d stale temp file(s)", removed)
	}

	ids := make([]packid.PackId, 0, len(written))
	var totalBytes int64
	for _, w := range written {
		ids = append(ids, w.ID)
		totalBytes += sizeOf(w.PackPath)
	}
	pl := packlog.New(b.Repo.ObjectsDir())
	if err := pl.Append(ctx, ids); err != nil {
		return action.Failedf("append to pack log: %v", err)
	}

	logger.Infof(ctx, "published %d pack(s) totalling %s", len(written), units.HumanSize(float64(totalBytes)))

	if renameCancelled != nil {
		return action.Failedf("%v", renameCancelled)
	}
	return action.Ok("")
}

type objectSets struct {
	allHeads               []plumbing.Hash
	allTags                []plumbing.Hash
	allHeadsAndTags        []plumbing.Hash
	nonHeads               []plumbing.Hash
	tagTargets             []plumbing.Hash
	refsExcludedFromBitmap []plumbing.Hash
	// excluded holds objects carried by .keep-marked packs (spec §4.2
	// step 3). computeSets does not populate this itself: Run fills it in
	// via Repo.KeptPackObjectHashes once refs and reflogs have been
	// enumerated, unless RepackKeptObjects opts out.
	excluded []plumbing.Hash
}

// computeSets implements spec §4.2 step 2: classify refs, collect reflog
// and index-only contributions, and compute the bitmap-exclusion set.
func (b *Builder) computeSets(ctx context.Context, refs []gitrepo.Ref) (objectSets, error) {
	var s objectSets
	headSet := map[plumbing.Hash]struct{}{}
	tagSet := map[plumbing.Hash]struct{}{}

	for _, r := range refs {
		switch r.Kind {
		case gitrepo.RefHead:
			if _, dup := headSet[r.Target]; !dup {
				headSet[r.Target] = struct{}{}
				s.allHeads = append(s.allHeads, r.Target)
			}
		case gitrepo.RefTag:
			if _, dup := tagSet[r.Target]; !dup {
				tagSet[r.Target] = struct{}{}
				s.allTags = append(s.allTags, r.Target)
			}
			s.tagTargets = append(s.tagTargets, r.Target)
			if !r.Peeled.IsZero() {
				s.tagTargets = append(s.tagTargets, r.Peeled)
			}
		default:
			s.nonHeads = append(s.nonHeads, r.Target)
		}

		if b.refExcludedFromBitmap(r.Name.String()) {
			s.refsExcludedFromBitmap = append(s.refsExcludedFromBitmap, r.Target)
		}

		reflog, err := b.Repo.ReflogHashes(ctx, r.Name)
		if err != nil {
			return objectSets{}, fmt.Errorf("reflog for %s: %w", r.Name, err)
		}
		s.nonHeads = append(s.nonHeads, reflog...)
	}

	indexObjects, err := b.Repo.IndexObjectHashes(ctx)
	if err != nil {
		return objectSets{}, fmt.Errorf("index objects: %w", err)
	}
	s.nonHeads = append(s.nonHeads, indexObjects...)

	// allTags minus heads, per spec §4.2 step 2.
	var tagsMinusHeads []plumbing.Hash
	for _, h := range s.allTags {
		if _, isHead := headSet[h]; !isHead {
			tagsMinusHeads = append(tagsMinusHeads, h)
		}
	}
	s.allTags = tagsMinusHeads

	s.allHeadsAndTags = append(append([]plumbing.Hash{}, s.allHeads...), s.allTags...)
	s.tagTargets = append(s.tagTargets, s.allHeadsAndTags...)

	return s, nil
}

func (b *Builder) refExcludedFromBitmap(name string) bool {
	for _, prefix := range b.BitmapExcludePrefixes {
		if len(name) >= len(prefix) && name[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

func modTime(path string) (time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, fmt.Errorf("stat %s: %w", path, err)
	}
	return info.ModTime(), nil
}

func sizeOf(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

func waitForRacyPack(ctx context.Context, path string) error {
	start := time.Now()
	deadline := start.Add(racyPackWindow)
	for {
		mtime, err := modTime(path)
		if err != nil {
			return err
		}
		if time.Since(mtime) >= time.Second {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("racy pack window elapsed for %s", path)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(racyPackInterval):
		}
	}
}
