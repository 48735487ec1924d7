// FSRepo adapts a real bare-repository directory tree, plus the `git`
// binary itself for the one operation this core deliberately does not
// reimplement (object-graph walking and pack compression), into the
// gitrepo.Repository contract.
//
// Treating `git` as an external collaborator reached via exec.Command —
// rather than re-deriving delta compression and reachability analysis in
// Go — is the most literal reading of spec §1: "the Git repository
// implementation itself... [is] not specified here." fsrepo owns only the
// parts spec §4 assigns to the core: the atomic-rename publishing
// protocol, the temp-file naming, and the object-id bookkeeping; the
// actual pack bytes come from the real Git implementation.
package gitrepo

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/idxfile"
	"github.com/go-git/go-git/v5/plumbing/format/index"
	"github.com/google/uuid"
	"github.com/projecteru2/core/log"

	"github.com/projecteru2/ghs/internal/packid"
)

// FSRepo is a gitrepo.Repository backed by an on-disk bare repository at
// Root().
type FSRepo struct {
	root string
}

// NewFSRepo returns an FSRepo rooted at root (a bare repository
// directory, containing objects/, refs/, config, gc.pid).
func NewFSRepo(root string) *FSRepo {
	return &FSRepo{root: root}
}

func (r *FSRepo) Root() string       { return r.root }
func (r *FSRepo) ObjectsDir() string { return filepath.Join(r.root, "objects") }
func (r *FSRepo) PackDir() string    { return filepath.Join(r.ObjectsDir(), "pack") }
func (r *FSRepo) GCLockPath() string { return filepath.Join(r.root, "gc.pid") }
func (r *FSRepo) ConfigPath() string { return filepath.Join(r.root, "config") }

// IndexObjectHashes decodes the working-tree index (spec §4.2 step 1,
// "index-only objects") via go-git's own index-format decoder — the
// on-disk index format is part of the Git-implementation contract, and
// go-git already ships a decoder for it, so no second one is written.
func (r *FSRepo) IndexObjectHashes(ctx context.Context) ([]plumbing.Hash, error) {
	path := filepath.Join(r.root, "index")
	f, err := os.Open(path) //nolint:gosec
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	defer f.Close() //nolint:errcheck

	idx := &index.Index{}
	if err := index.NewDecoder(f).Decode(idx); err != nil {
		return nil, fmt.Errorf("decode index: %w", err)
	}

	hashes := make([]plumbing.Hash, 0, len(idx.Entries))
	for _, e := range idx.Entries {
		hashes = append(hashes, e.Hash)
	}
	return hashes, nil
}

// KeptPackObjectHashes implements gitrepo.KeptObjectsSource by scanning
// PackDir() for pack-*.keep markers and reading the object hashes out of
// each kept pack's own .idx, the same index-format reader objectCount
// already uses.
func (r *FSRepo) KeptPackObjectHashes(ctx context.Context) ([]plumbing.Hash, error) {
	ids, err := KeptPackIDs(r.PackDir())
	if err != nil {
		return nil, fmt.Errorf("scan .keep markers: %w", err)
	}

	var hashes []plumbing.Hash
	for _, id := range ids {
		_, idxPath, _ := id.Triple(r.PackDir())
		h, err := indexedHashes(idxPath)
		if err != nil {
			return nil, fmt.Errorf("read kept pack %s: %w", id, err)
		}
		hashes = append(hashes, h...)
	}
	return hashes, nil
}

// indexedHashes reads every object hash out of a pack's .idx file via
// go-git's idxfile.Entries() iterator, the same pattern go-git's own
// storage/filesystem.ObjectStorage.HashesWithPrefix uses to walk an index
// without decoding the pack itself.
func indexedHashes(idxPath string) ([]plumbing.Hash, error) {
	f, err := os.Open(idxPath) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", idxPath, err)
	}
	defer f.Close() //nolint:errcheck

	idx := idxfile.NewMemoryIndex()
	if err := idxfile.NewDecoder(f).Decode(idx); err != nil {
		return nil, fmt.Errorf("decode %s: %w", idxPath, err)
	}
	entries, err := idx.Entries()
	if err != nil {
		return nil, fmt.Errorf("entries in %s: %w", idxPath, err)
	}
	defer entries.Close() //nolint:errcheck

	var hashes []plumbing.Hash
	for {
		e, err := entries.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate %s: %w", idxPath, err)
		}
		hashes = append(hashes, e.Hash)
	}
	return hashes, nil
}

// PackRefs compacts loose refs into packed-refs. Spec §1 calls this out
// explicitly as a non-goal with no design of its own: invoke the library
// primitive and return.
func (r *FSRepo) PackRefs(ctx context.Context) error {
	return r.runGit(ctx, "pack-refs", "--all")
}

// GC runs `git gc` itself (spec §1 non-goal: plain garbage-collection is
// "invoke library primitives only").
func (r *FSRepo) GC(ctx context.Context) error {
	return r.runGit(ctx, "gc")
}

// WritePack shells out to `git pack-objects` to perform the actual object
// walk and delta compression (spec §4.2 steps 4-6), then applies the
// core's own atomic publishing protocol: three temp files, fsynced,
// renamed into place with the index renamed last so a concurrent scanner
// never observes a partial triple.
//
// Only Want, Have, ExcludeObjects and CreateBitmap cross into the actual
// `git pack-objects` invocation. req.NoBitmap, req.Tags, req.TagTargets
// and req.RefsExcludedFromBitmap name a JGit PackWriter.preparePack-style
// per-invocation parameter set (spec §4.2 step 2's computed sets); stock
// `git pack-objects` has no CLI flags for any of them — its own
// bitmap-commit-selection heuristic is internal and not parameterized per
// call. The one piece of that parameter set real git does expose is the
// ref-prefix exclusion, and it reads it out of repo-local config
// (pack.bitmapExcludedRefsPrefixes) itself rather than from a CLI flag:
// since the subprocess already consults that key on every invocation,
// bitmapbuilder's refsExcludedFromBitmap computation and the
// BitmapExcludePrefixes field exist to keep the same ref-prefix list
// readable and loggable from Go, not to hand git anything it cannot
// already see on its own. See DESIGN.md for the full accounting.
func (r *FSRepo) WritePack(ctx context.Context, req PackWriteRequest) ([]WrittenPack, error) {
	if len(req.Want) == 0 {
		return nil, nil
	}

	tmpBase := filepath.Join(r.PackDir(), fmt.Sprintf("gc_%s_tmp", uuid.NewString()))
	args := []string{"pack-objects", "--revs"}
	if req.CreateBitmap {
		args = append(args, "--write-bitmap-index")
	}
	args = append(args, tmpBase)

	var stdin bytes.Buffer
	for _, h := range req.Want {
		fmt.Fprintln(&stdin, h.String())
	}
	for _, h := range req.Have {
		fmt.Fprintln(&stdin, "^"+h.String())
	}
	for _, h := range req.ExcludeObjects {
		fmt.Fprintln(&stdin, "^"+h.String())
	}

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.root
	cmd.Stdin = &stdin
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger := log.WithFunc("gitrepo.WritePack")
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("git pack-objects: %w: %s", err, stderr.String())
	}

	sha := strings.TrimSpace(stdout.String())
	id, err := packid.Parse(sha)
	if err != nil {
		return nil, fmt.Errorf("parse pack-objects output %q: %w", sha, err)
	}

	finalPack, finalIdx, finalBitmap := id.Triple(r.PackDir())
	tmpPack := tmpBase + "-" + sha + ".pack"
	tmpIdx := tmpBase + "-" + sha + ".idx"
	tmpBitmap := tmpBase + "-" + sha + ".bitmap"

	if err := fsyncAndRename(tmpPack, finalPack); err != nil {
		return nil, fmt.Errorf("publish pack: %w", err)
	}
	bitmapPublished := ""
	if req.CreateBitmap {
		if _, statErr := os.Stat(tmpBitmap); statErr == nil {
			if err := fsyncAndRename(tmpBitmap, finalBitmap); err != nil {
				return nil, fmt.Errorf("publish bitmap: %w", err)
			}
			bitmapPublished = finalBitmap
		}
	}
	// Index is renamed last: only once it lands does a concurrent scanner
	// see a complete triple.
	if err := fsyncAndRename(tmpIdx, finalIdx); err != nil {
		return nil, fmt.Errorf("publish index: %w", err)
	}

	count, err := objectCount(finalIdx)
	if err != nil {
		logger.Infof(ctx, "decode %s for object count: %v", finalIdx, err)
	}

	logger.Infof(ctx, "published pack %s (bitmap=%v, objects=%d)", id, bitmapPublished != "", count)

	return []WrittenPack{{
		ID:          id,
		PackPath:    finalPack,
		IndexPath:   finalIdx,
		BitmapPath:  bitmapPublished,
		ObjectCount: count,
	}}, nil
}

// objectCount decodes the just-published pack index with go-git's own
// idxfile reader to report how many objects the pack carries. This reuses
// the Git-implementation dependency's own index format rather than
// parsing `git pack-objects`' output by hand.
func objectCount(idxPath string) (int, error) {
	f, err := os.Open(idxPath) //nolint:gosec
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", idxPath, err)
	}
	defer f.Close() //nolint:errcheck

	idx := idxfile.NewMemoryIndex()
	if err := idxfile.NewDecoder(f).Decode(idx); err != nil {
		return 0, fmt.Errorf("decode %s: %w", idxPath, err)
	}
	count, err := idx.Count()
	if err != nil {
		return 0, fmt.Errorf("count objects in %s: %w", idxPath, err)
	}
	return int(count), nil
}

func fsyncAndRename(tmp, final string) error {
	f, err := os.OpenFile(tmp, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", tmp, err)
	}
	syncErr := f.Sync()
	f.Close() //nolint:errcheck
	if syncErr != nil {
		return fmt.Errorf("fsync %s: %w", tmp, syncErr)
	}
	if err := os.Chmod(tmp, 0o444); err != nil {
		return fmt.Errorf("chmod %s: %w", tmp, err)
	}
	return os.Rename(tmp, final)
}

func (r *FSRepo) runGit(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.root
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, stderr.String())
	}
	return nil
}
