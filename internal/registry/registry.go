// Package registry catalogs the known atomic CRS-to-CRS transformation
// operations and answers direct-edge lookups for the graph builder.
//
// The catalog is assembled from two sources: the PROJ authority database
// (proj.db, a SQLite file shipped with PROJ) and custom YAML catalog files
// carrying region-specific operations, typically vertical datum grids that
// have no authority entry. The registry is read-only after load and safe for
// concurrent readers.
package registry

import (
	"fmt"
	"sort"

	"github.com/paulmach/orb"

	"github.com/hydrolith/vshift/internal/crs"
)

// Accuracy is the coarse accuracy class used to weight path selection.
//
// Higher values are better. The zero value means unclassified and is never
// produced by a loaded catalog.
type Accuracy int

const (
	// AccuracyBallpark is a low-accuracy approximation used when no
	// grid-based operation is available (e.g. a vertical shift with no
	// geoid model connecting the datums).
	AccuracyBallpark Accuracy = 1

	// AccuracyMedium is a meter-level operation.
	AccuracyMedium Accuracy = 2

	// AccuracyExact is a centimeter-level (typically grid-backed)
	// operation.
	AccuracyExact Accuracy = 3
)

// String returns the catalog spelling of the accuracy class.
func (a Accuracy) String() string {
	switch a {
	case AccuracyBallpark:
		return "ballpark"
	case AccuracyMedium:
		return "medium"
	case AccuracyExact:
		return "exact"
	default:
		return "unclassified"
	}
}

// AtLeast reports whether a meets the given minimum class.
func (a Accuracy) AtLeast(min Accuracy) bool { return a >= min }

// ParseAccuracy maps a catalog spelling to an Accuracy.
func ParseAccuracy(s string) (Accuracy, error) {
	switch s {
	case "ballpark":
		return AccuracyBallpark, nil
	case "medium":
		return AccuracyMedium, nil
	case "exact":
		return AccuracyExact, nil
	default:
		return 0, fmt.Errorf("unknown accuracy class %q (want exact, medium or ballpark)", s)
	}
}

// Operation is one directed atomic transformation between two CRSs: a graph
// edge candidate.
type Operation struct {
	// Source and Target are canonical CRS identifiers.
	Source string
	Target string

	// Name is the catalog name of the operation.
	Name string

	// Accuracy is the coarse class used for path weighting.
	Accuracy Accuracy

	// AccuracyMeters is the declared accuracy where known; 0 if not stated.
	AccuracyMeters float64

	// Coverage is the applicability extent in geographic coordinates.
	// Ignored when Global is true.
	Coverage orb.Bound

	// Global marks operations valid everywhere.
	Global bool

	// Pipeline is a PROJ pipeline expression executing the operation.
	// When empty the geodesy layer constructs the operation from the
	// Source/Target pair directly.
	Pipeline string

	// GridFiles names external datum-shift grid resources the operation
	// needs at execution time.
	GridFiles []string

	// Reversible marks operations usable in both directions.
	Reversible bool

	// Seq is the registration order, assigned by the registry. It is the
	// deterministic final tie-break during path search and is stable for
	// a given catalog, independent of load timing.
	Seq int
}

// Covers reports whether the operation applies at a geographic location.
func (op *Operation) Covers(lon, lat float64) bool {
	if op.Global {
		return true
	}
	return op.Coverage.Contains(orb.Point{lon, lat})
}

// ErrUnknownCRS indicates an identifier that resolves against neither the
// authority database nor any loaded catalog.
type ErrUnknownCRS struct {
	ID string
}

func (e *ErrUnknownCRS) Error() string {
	return fmt.Sprintf("unknown CRS %q: not in authority database or custom catalogs", e.ID)
}

type pairKey struct {
	from, to string
}

// Registry is the preloaded operation catalog.
type Registry struct {
	ops    []Operation
	byPair map[pairKey][]int
	known  map[string]crs.Kind
	cover  *coverageIndex
	rev    int // bumped on every mutation; part of graph cache fingerprints
}

// New returns an empty registry. Load entries with Register/DeclareCRS, or
// use LoadCatalog and LoadAuthorityDB to fill it from catalog sources.
func New() *Registry {
	return &Registry{
		byPair: make(map[pairKey][]int),
		known:  make(map[string]crs.Kind),
		cover:  newCoverageIndex(),
	}
}

// Register adds one operation to the catalog. Duplicate (source, target)
// entries with the same accuracy class are dropped; when classes differ both
// are kept and the graph builder selects the better one.
func (r *Registry) Register(op Operation) {
	key := pairKey{op.Source, op.Target}
	for _, i := range r.byPair[key] {
		if r.ops[i].Accuracy == op.Accuracy && r.ops[i].Pipeline == op.Pipeline {
			return
		}
	}
	op.Seq = len(r.ops)
	r.ops = append(r.ops, op)
	r.byPair[key] = append(r.byPair[key], op.Seq)
	if !op.Global {
		r.cover.add(op.Seq, op.Coverage)
	}
	r.rev++
}

// DeclareCRS records that an identifier is resolvable and what kind it is.
// Catalog loaders call this for every CRS an operation touches.
func (r *Registry) DeclareCRS(id string, kind crs.Kind) {
	if cur, ok := r.known[id]; !ok || cur == crs.KindUnknown {
		r.known[id] = kind
		r.rev++
	}
}

// Classify resolves an identifier to its kind. Compound identifiers are
// classified structurally; both components must be known. Fails with
// ErrUnknownCRS for unresolvable identifiers.
func (r *Registry) Classify(node crs.Node) (crs.Kind, error) {
	if node.IsCompound() {
		for _, part := range []string{node.HorizontalID, node.VerticalID} {
			if _, ok := r.known[part]; !ok {
				return crs.KindUnknown, &ErrUnknownCRS{ID: part}
			}
		}
		return crs.KindCompound, nil
	}
	kind, ok := r.known[node.ID]
	if !ok {
		return crs.KindUnknown, &ErrUnknownCRS{ID: node.ID}
	}
	return kind, nil
}

// Lookup returns the known direct operations between two CRSs, forward
// entries first, then reversible reverse entries, each group in registration
// order.
func (r *Registry) Lookup(a, b crs.Node) []Operation {
	var out []Operation
	for _, i := range r.byPair[pairKey{a.ID, b.ID}] {
		out = append(out, r.ops[i])
	}
	for _, i := range r.byPair[pairKey{b.ID, a.ID}] {
		if r.ops[i].Reversible {
			out = append(out, r.ops[i])
		}
	}
	return out
}

// Operations returns every registered operation in registration order.
// The slice is shared; callers must not mutate it.
func (r *Registry) Operations() []Operation {
	return r.ops
}

// OperationsCovering returns operations whose coverage intersects the given
// extent, plus all global operations, sorted by registration order.
func (r *Registry) OperationsCovering(b orb.Bound) []Operation {
	seqs := r.cover.intersecting(b)
	var out []Operation
	for _, s := range seqs {
		out = append(out, r.ops[s])
	}
	for _, op := range r.ops {
		if op.Global {
			out = append(out, op)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Revision identifies the catalog state for cache invalidation. It changes
// on every Register/DeclareCRS call.
func (r *Registry) Revision() int { return r.rev }
