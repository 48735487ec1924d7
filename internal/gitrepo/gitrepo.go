// Package gitrepo defines the CONTRACT this program requires of a Git
// repository implementation (spec §1's explicit non-goal list: object
// database, ref database, pack writer, reflog, config parser, progress
// monitor). Everything in this package is either a pure interface or a
// thin filesystem adapter over conventions a real Git implementation is
// guaranteed to honor; none of it reimplements Git's object model.
package gitrepo

import (
	"context"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/projecteru2/ghs/internal/packid"
)

// RefKind classifies a reference the way bitmapbuilder needs to (spec
// §4.2 step 1).
type RefKind int

const (
	RefOther RefKind = iota
	RefHead
	RefTag
)

// Ref is one reference as enumerated from the ref database.
type Ref struct {
	Name   plumbing.ReferenceName
	Target plumbing.Hash
	// Peeled is the commit a tag points to, when Kind is RefTag and the
	// tag is annotated. Zero when not applicable.
	Peeled plumbing.Hash
	Kind   RefKind
}

// RefDB enumerates every reference in the repository, including packed
// refs, in an implementation-defined order.
type RefDB interface {
	Refs(ctx context.Context) ([]Ref, error)
}

// ReflogSource enumerates the hashes reachable only through a reference's
// reflog history, not through its current tip.
type ReflogSource interface {
	ReflogHashes(ctx context.Context, name plumbing.ReferenceName) ([]plumbing.Hash, error)
}

// IndexSource enumerates the object hashes recorded in the working-tree
// index. The result is not filtered by reachability: hashes that some ref
// already reaches are included as well.
type IndexSource interface {
	IndexObjectHashes(ctx context.Context) ([]plumbing.Hash, error)
}

// KeptObjectsSource enumerates the objects carried by packs that carry a
// .keep marker (spec §4.2 step 3). These objects are excluded from the new
// pack: a concurrent fetch may be reading them out of the kept pack right
// now, and duplicating them into the new pack would not make that pack
// unnecessary, only redundant.
type KeptObjectsSource interface {
	KeptPackObjectHashes(ctx context.Context) ([]plumbing.Hash, error)
}

// PackWriteRequest is the full parameter set spec §4.2 step 4 hands to the
// pack writer.
type PackWriteRequest struct {
	Want                   []plumbing.Hash
	Have                   []plumbing.Hash
	NoBitmap               []plumbing.Hash
	Tags                   []plumbing.Hash
	TagTargets             []plumbing.Hash
	ExcludeObjects         []plumbing.Hash
	CreateBitmap           bool
	SinglePack             bool
	RefsExcludedFromBitmap []plumbing.Hash
}

// WrittenPack describes one pack the writer published.
type WrittenPack struct {
	ID          packid.PackId
	PackPath    string
	IndexPath   string
	BitmapPath  string // empty if no bitmap was produced for this pack
	ObjectCount int
}

// PackWriter is the contract for "call the pack writer" (spec §4.2 step
// 4-7): compute the object set, write pack/index/bitmap, publish them
// atomically, and report what was produced. A request that resolves to
// zero objects yields a nil slice, not an error.
type PackWriter interface {
	WritePack(ctx context.Context, req PackWriteRequest) ([]WrittenPack, error)
}

// ConfigReader exposes the one config value the core consults directly;
// gitconfig.PrunePackExpire is handed the path this returns.
type ConfigReader interface {
	ConfigPath() string
}

// Repository bundles every contract surface bitmapbuilder, preserver and
// pruneorchestrator need from a concrete Git implementation.
type Repository interface {
	RefDB
	ReflogSource
	IndexSource
	KeptObjectsSource
	PackWriter
	ConfigReader

	// Root is the repository's top-level directory (where gc.pid and
	// config live).
	Root() string
	// ObjectsDir is <Root>/objects.
	ObjectsDir() string
	// PackDir is <Root>/objects/pack.
	PackDir() string
	// GCLockPath is <Root>/gc.pid.
	GCLockPath() string
	// PackRefs compacts loose refs into packed-refs. Spec §1 explicit
	// non-goal: "invoke library primitives only; no design of their own."
	PackRefs(ctx context.Context) error
	// GC runs the Git implementation's own garbage collector. Spec §1
	// explicit non-goal, same as PackRefs: invoke the library primitive,
	// no design of its own.
	GC(ctx context.Context) error
}
