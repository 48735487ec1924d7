// Package packid defines the identifier shared by the pack log, the bitmap
// builder and the preservers: the 20-byte SHA-1 a pack writer computes over
// a pack's contents.
package packid

import (
	"encoding/hex"
	"fmt"
	"path/filepath"

	"github.com/go-git/go-git/v5/plumbing"
)

// Size is the width of a raw PackId in bytes.
const Size = 20

// PackId is the raw 20-byte identifier of a pack. It is deliberately a
// plain comparable array (not a slice, not a wrapper struct) so it can be
// used directly as a map key: the log's in-memory set representation in
// packlog is map[PackId]struct{}, and equality/hashing follow array
// semantics over rawBytes, exactly as the data model requires.
type PackId [Size]byte

// Zero is the PackId with all bytes zero.
var Zero PackId

// FromHash converts a go-git plumbing.Hash (the Git-library contract's
// object-id type) into a PackId. Only the first Size bytes are read;
// go-git builds packs over a SHA-1 object format in this deployment.
func FromHash(h plumbing.Hash) PackId {
	var p PackId
	copy(p[:], h[:])
	return p
}

// Hash converts a PackId back into a plumbing.Hash for calls into the
// Git-library contract.
func (p PackId) Hash() plumbing.Hash {
	return plumbing.Hash(p)
}

// Parse decodes a 40-character lowercase hex string into a PackId.
func Parse(name string) (PackId, error) {
	if len(name) != Size*2 {
		return Zero, fmt.Errorf("pack id %q: want %d hex chars, got %d", name, Size*2, len(name))
	}
	raw, err := hex.DecodeString(name)
	if err != nil {
		return Zero, fmt.Errorf("pack id %q: %w", name, err)
	}
	var p PackId
	copy(p[:], raw)
	return p, nil
}

// FromBytes copies the first Size bytes of raw into a PackId. If raw is
// shorter than Size, the remaining bytes stay zero; callers in this
// codebase only ever slice exact 20-byte records out of the log.
func FromBytes(raw []byte) PackId {
	var p PackId
	copy(p[:], raw)
	return p
}

// String returns the lowercase hex name used in pack filenames.
func (p PackId) String() string {
	return hex.EncodeToString(p[:])
}

// Triple returns the three sibling pack-file paths for this id inside dir
// (typically <repo>/objects/pack).
func (p PackId) Triple(dir string) (pack, idx, bitmap string) {
	base := filepath.Join(dir, "pack-"+p.String())
	return base + ".pack", base + ".idx", base + ".bitmap"
}
