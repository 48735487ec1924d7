package gitrepo

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
)

const (
	headPrefix = "refs/heads/"
	tagPrefix  = "refs/tags/"
)

func classify(name plumbing.ReferenceName) RefKind {
	switch {
	case strings.HasPrefix(name.String(), headPrefix):
		return RefHead
	case strings.HasPrefix(name.String(), tagPrefix):
		return RefTag
	default:
		return RefOther
	}
}

// refEntry is one ref's target plus, for an annotated tag read from
// packed-refs, the commit it peels to.
type refEntry struct {
	hash   plumbing.Hash
	peeled plumbing.Hash
}

// Refs walks refs/ beneath root and packed-refs, classifying each entry
// per spec §4.2 step 1. Symbolic refs (e.g. a "ref: refs/heads/main"
// file) are skipped, not resolved; HEAD itself lives outside refs/ and is
// not read. A loose ref overrides a packed-refs entry of the same name.
func (r *FSRepo) Refs(ctx context.Context) ([]Ref, error) {
	seen := map[plumbing.ReferenceName]refEntry{}

	if err := readPackedRefs(filepath.Join(r.root, "packed-refs"), seen); err != nil {
		return nil, fmt.Errorf("read packed-refs: %w", err)
	}
	if err := walkLooseRefs(filepath.Join(r.root, "refs"), "refs/", seen); err != nil {
		return nil, fmt.Errorf("walk loose refs: %w", err)
	}

	out := make([]Ref, 0, len(seen))
	for name, entry := range seen {
		out = append(out, Ref{
			Name:   name,
			Target: entry.hash,
			Peeled: entry.peeled,
			Kind:   classify(name),
		})
	}
	return out, nil
}

func walkLooseRefs(dir, prefix string, out map[plumbing.ReferenceName]refEntry) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		full := filepath.Join(dir, e.Name())
		name := prefix + e.Name()
		if e.IsDir() {
			if err := walkLooseRefs(full, name+"/", out); err != nil {
				return err
			}
			continue
		}
		data, err := os.ReadFile(full) //nolint:gosec
		if err != nil {
			return fmt.Errorf("read %s: %w", full, err)
		}
		hash, ok := parseHash(string(data))
		if !ok {
			continue // symbolic ref or malformed content; not this core's concern to resolve
		}
		out[plumbing.ReferenceName(name)] = refEntry{hash: hash}
	}
	return nil
}

// readPackedRefs parses packed-refs, including the "^<peeled-hash>" line
// git writes immediately after an annotated tag's own entry — the commit
// that tag ultimately points to, needed for spec §4.2 step 2's tag-target
// object set.
func readPackedRefs(path string, out map[plumbing.ReferenceName]refEntry) error {
	f, err := os.Open(path) //nolint:gosec
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck

	var lastName plumbing.ReferenceName
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "" || strings.HasPrefix(line, "#"):
			continue
		case strings.HasPrefix(line, "^"):
			peeled, ok := parseHash(strings.TrimPrefix(line, "^"))
			if ok && lastName != "" {
				entry := out[lastName]
				entry.peeled = peeled
				out[lastName] = entry
			}
		default:
			parts := strings.SplitN(line, " ", 2)
			if len(parts) != 2 {
				continue
			}
			hash, ok := parseHash(parts[0])
			if !ok {
				continue
			}
			name := plumbing.ReferenceName(parts[1])
			out[name] = refEntry{hash: hash}
			lastName = name
		}
	}
	return scanner.Err()
}

func parseHash(s string) (plumbing.Hash, bool) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "ref:") {
		return plumbing.ZeroHash, false
	}
	if len(s) != 40 {
		return plumbing.ZeroHash, false
	}
	h := plumbing.NewHash(s)
	if h.IsZero() && s != strings.Repeat("0", 40) {
		return plumbing.ZeroHash, false
	}
	return h, true
}

// ReflogHashes reads <root>/logs/<name> and returns the old/new hash of
// every entry, oldest first, giving bitmapbuilder the "nonHeads" reflog
// contribution from spec §4.2 step 1.
func (r *FSRepo) ReflogHashes(ctx context.Context, name plumbing.ReferenceName) ([]plumbing.Hash, error) {
	path := filepath.Join(r.root, "logs", filepath.FromSlash(name.String()))
	f, err := os.Open(path) //nolint:gosec
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	var hashes []plumbing.Hash
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		if h, ok := parseHash(fields[0]); ok {
			hashes = append(hashes, h)
		}
		if h, ok := parseHash(fields[1]); ok {
			hashes = append(hashes, h)
		}
	}
	return hashes, scanner.Err()
}
