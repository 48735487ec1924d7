// Package packlog implements the repository's append-only pack-id log
// (spec §3, §4.1): a flat file of 20-byte records, one per pack ever
// written into objects/pack, with no header and no footer.
//
// The write path is grounded on cocoon's utils.AtomicWriteFile (temp file
// in the same directory, fsync, rename) generalized from whole-file JSON
// replacement to a flat binary record format. The locked-read half mirrors
// go-git's storage/filesystem/dotgit package: a reader takes the same
// exclusive lock a writer would, via a lock file sitting next to the data
// file, exactly as cocoon's storage/json store pairs a lockPath with a
// filePath.
package packlog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/projecteru2/core/log"

	"github.com/projecteru2/ghs/internal/packid"
)

// FileName is the log's fixed name inside a repository's objects/pack
// directory.
const FileName = ".ghs-packs.log"

// Log is the pack-id log living at <objectsDir>/pack/.ghs-packs.log.
type Log struct {
	packDir string
}

// New returns a Log bound to the given repository objects directory
// (typically <repo>/objects).
func New(objectsDir string) *Log {
	return &Log{packDir: filepath.Join(objectsDir, "pack")}
}

// Path returns the live log's filesystem path.
func (l *Log) Path() string {
	return filepath.Join(l.packDir, FileName)
}

func lockPathFor(dataPath string) string {
	return dataPath + ".lock"
}

// withLock runs fn while holding an exclusive, blocking lock on path's
// sidecar lock file. The sidecar is created on first use and is never
// removed; it has no content of its own, it exists purely as a flock(2)
// target.
func withLock(path string, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	fl := flock.New(lockPathFor(path))
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("lock %s: %w", path, err)
	}
	defer fl.Unlock() //nolint:errcheck

	return fn()
}

// Append adds any of ids not already present in the live log, in a single
// locked, fsynced write (spec P4: append is idempotent, P5: concurrent
// appenders never interleave partial records).
func (l *Log) Append(ctx context.Context, ids []packid.PackId) error {
	if len(ids) == 0 {
		return nil
	}
	logger := log.WithFunc("packlog.Append")
	path := l.Path()

	return withLock(path, func() error {
		existing, err := readAllUnlocked(path)
		if err != nil {
			return err
		}

		var fresh []packid.PackId
		for _, id := range ids {
			if _, ok := existing[id]; ok {
				continue
			}
			existing[id] = struct{}{}
			fresh = append(fresh, id)
		}
		if len(fresh) == 0 {
			return nil
		}

		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644) //nolint:gosec
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		defer f.Close() //nolint:errcheck

		for _, id := range fresh {
			if _, err := f.Write(id[:]); err != nil {
				return fmt.Errorf("append to %s: %w", path, err)
			}
		}
		if err := f.Sync(); err != nil {
			return fmt.Errorf("fsync %s: %w", path, err)
		}
		logger.Infof(ctx, "appended %d pack id(s) to %s", len(fresh), path)
		return nil
	})
}

// ReadAll returns the set of pack ids currently in the live log. A missing
// log file is treated as an empty log, not an error, since a freshly
// cloned bare repository has no log yet.
func (l *Log) ReadAll() (map[packid.PackId]struct{}, error) {
	path := l.Path()
	var out map[packid.PackId]struct{}
	err := withLock(path, func() error {
		var err error
		out, err = readAllUnlocked(path)
		return err
	})
	return out, err
}

// ReadFile reads and validates an arbitrary 20-byte-record file — used for
// both the live log and for detached snapshot files produced by Snapshot.
// It takes its own lock, so it is safe to call concurrently with Append on
// the same path.
func ReadFile(path string) (map[packid.PackId]struct{}, error) {
	var out map[packid.PackId]struct{}
	err := withLock(path, func() error {
		var err error
		out, err = readAllUnlocked(path)
		return err
	})
	return out, err
}

func readAllUnlocked(path string) (map[packid.PackId]struct{}, error) {
	ordered, err := readOrderedUnlocked(path)
	if err != nil {
		return nil, err
	}
	out := make(map[packid.PackId]struct{}, len(ordered))
	for _, id := range ordered {
		out[id] = struct{}{}
	}
	return out, nil
}

func readOrderedUnlocked(path string) ([]packid.PackId, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(data)%packid.Size != 0 {
		return nil, fmt.Errorf("%s: %w (%d bytes)", path, ErrCorruptLog, len(data))
	}

	out := make([]packid.PackId, 0, len(data)/packid.Size)
	for off := 0; off < len(data); off += packid.Size {
		chunk := data[off : off+packid.Size]
		if len(chunk) != packid.Size {
			return nil, fmt.Errorf("%s: %w (short trailing record)", path, ErrCorruptLog)
		}
		out = append(out, packid.FromBytes(chunk))
	}
	return out, nil
}

// ReadOrderedFile reads path's records in on-disk order, taking the same
// lock ReadFile does. Preserver and PruneOrchestrator use this to respect
// invariant I3 (ordering) when deciding what to keep.
func ReadOrderedFile(path string) ([]packid.PackId, error) {
	var out []packid.PackId
	err := withLock(path, func() error {
		var err error
		out, err = readOrderedUnlocked(path)
		return err
	})
	return out, err
}

// Snapshot detaches the live log by renaming it to a uniquely-named
// sibling file and returns that new path. It returns "" with a nil error
// if there is no live log to snapshot. The rename happens while the lock
// is held, so no appender can observe a half-renamed log; any writer
// blocked on the lock simply creates a fresh live log after Snapshot
// releases it.
func (l *Log) Snapshot() (string, error) {
	path := l.Path()
	snapshotPath := fmt.Sprintf("%s.%s.snapshot", path, uuid.NewString())

	var result string
	err := withLock(path, func() error {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil
		} else if err != nil {
			return fmt.Errorf("stat %s: %w", path, err)
		}
		if err := os.Rename(path, snapshotPath); err != nil {
			return fmt.Errorf("snapshot %s: %w", path, err)
		}
		result = snapshotPath
		return nil
	})
	return result, err
}

// Rewrite atomically replaces the live log's contents with exactly
// keepIDs, in the order given. It is used by the preserver (spec §4.3)
// after classifying a snapshot's entries into keep/archive groups, and by
// the legacy prune orchestrator (spec §4.4) after collapsing history down
// to its last two entries.
func (l *Log) Rewrite(keepIDs []packid.PackId) error {
	path := l.Path()
	return withLock(path, func() error {
		tmpPath := filepath.Join(l.packDir, fmt.Sprintf(".ghs-packs.%s.tmp", uuid.NewString()))
		f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644) //nolint:gosec
		if err != nil {
			return fmt.Errorf("create temp log %s: %w", tmpPath, err)
		}
		for _, id := range keepIDs {
			if _, err := f.Write(id[:]); err != nil {
				f.Close() //nolint:errcheck
				os.Remove(tmpPath) //nolint:errcheck
				return fmt.Errorf("write temp log %s: %w", tmpPath, err)
			}
		}
		if err := f.Sync(); err != nil {
			f.Close() //nolint:errcheck
			os.Remove(tmpPath) //nolint:errcheck
			return fmt.Errorf("fsync temp log %s: %w", tmpPath, err)
		}
		if err := f.Close(); err != nil {
			os.Remove(tmpPath) //nolint:errcheck
			return fmt.Errorf("close temp log %s: %w", tmpPath, err)
		}
		if err := os.Rename(tmpPath, path); err != nil {
			os.Remove(tmpPath) //nolint:errcheck
			return fmt.Errorf("publish rewritten log %s: %w", path, err)
		}
		if dir, err := os.Open(l.packDir); err == nil {
			_ = dir.Sync()
			_ = dir.Close()
		}
		return nil
	})
}

// Delete removes the live log entirely, used when preserve or prune
// determines nothing should remain tracked (every pack was archived).
func (l *Log) Delete() error {
	path := l.Path()
	return withLock(path, func() error {
		err := os.Remove(path)
		if os.IsNotExist(err) {
			return nil
		}
		return err
	})
}

// DeleteFile removes an arbitrary log-shaped file such as a detached
// snapshot produced by Snapshot, once its entries have been consumed.
func DeleteFile(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
