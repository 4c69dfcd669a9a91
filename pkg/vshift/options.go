package vshift

import (
	"log/slog"

	"github.com/hydrolith/vshift/internal/executor"
	"github.com/hydrolith/vshift/internal/registry"
)

// Accuracy is the coarse accuracy class of a transformation path.
type Accuracy int

const (
	// AccuracyBallpark is a low-accuracy approximation, typically a
	// vertical shift with no geoid model connecting the datums.
	AccuracyBallpark Accuracy = Accuracy(registry.AccuracyBallpark)

	// AccuracyMedium is a meter-level operation.
	AccuracyMedium Accuracy = Accuracy(registry.AccuracyMedium)

	// AccuracyExact is a centimeter-level, typically grid-backed,
	// operation.
	AccuracyExact Accuracy = Accuracy(registry.AccuracyExact)
)

// String returns the catalog spelling of the accuracy class.
func (a Accuracy) String() string { return registry.Accuracy(a).String() }

// Step is one explicit transformation step supplied through WithSteps.
type Step struct {
	// SourceCRS and TargetCRS identify the step endpoints.
	SourceCRS string
	TargetCRS string

	// Pipeline is an optional PROJ pipeline expression. When empty the
	// operation is derived from the CRS pair.
	Pipeline string

	// Inverse applies the operation target to source.
	Inverse bool
}

// Options configures a Transformer.
type Options struct {
	// AuthorityDB is the path to a PROJ authority database (proj.db).
	// Empty means no authority operations are loaded.
	AuthorityDB string

	// Catalogs are YAML catalog files with custom operations, loaded in
	// order after the authority database.
	Catalogs []string

	// Steps, when non-empty, bypasses path resolution entirely. The list
	// is validated against the source and destination CRS before any
	// coordinate moves.
	Steps []Step

	// Route lists intermediate CRS identifiers to pass through, in order.
	// Each leg is resolved independently and the legs are concatenated.
	Route []string

	// AllowBallpark admits ballpark-accuracy operations. Default false:
	// a pair connected only through ballpark operations fails.
	AllowBallpark bool

	// MinAccuracy rejects paths whose weakest operation is below this
	// class. Zero means no floor beyond the ballpark gate.
	MinAccuracy Accuracy

	// AlwaysXY forces longitude/latitude (easting/northing) axis order on
	// every operation regardless of the authority definition. Default
	// true, matching how geospatial containers store coordinates.
	AlwaysXY bool

	// ChunkSize bounds how many coordinates are transformed per
	// operator call. 0 means the executor default.
	ChunkSize int

	// Logger receives transformation events. Nil means slog.Default().
	Logger *slog.Logger

	// factory overrides the PROJ-backed operator factory. Tests use it to
	// run the full stack without a PROJ installation.
	factory executor.Factory
}

// DefaultOptions returns the options New starts from.
func DefaultOptions() Options {
	return Options{
		AlwaysXY: true,
	}
}

// Option mutates Options.
type Option func(*Options)

// WithAuthorityDB loads operations and CRS definitions from a PROJ
// authority database.
func WithAuthorityDB(path string) Option {
	return func(o *Options) { o.AuthorityDB = path }
}

// WithCatalog loads a YAML operation catalog. May be given multiple times;
// catalogs load in order.
func WithCatalog(path string) Option {
	return func(o *Options) { o.Catalogs = append(o.Catalogs, path) }
}

// WithSteps supplies an explicit step list instead of resolving a path. The
// chain must start at the source CRS and terminate at the destination CRS.
func WithSteps(steps ...Step) Option {
	return func(o *Options) { o.Steps = steps }
}

// WithRoute forces the path through the given intermediate CRSs, in order.
func WithRoute(crsIDs ...string) Option {
	return func(o *Options) { o.Route = crsIDs }
}

// AllowBallpark admits ballpark-accuracy operations.
func AllowBallpark() Option {
	return func(o *Options) { o.AllowBallpark = true }
}

// WithMinAccuracy sets the weakest acceptable accuracy class.
func WithMinAccuracy(a Accuracy) Option {
	return func(o *Options) { o.MinAccuracy = a }
}

// WithAxisOrder sets AlwaysXY.
func WithAxisOrder(alwaysXY bool) Option {
	return func(o *Options) { o.AlwaysXY = alwaysXY }
}

// WithChunkSize bounds the per-call coordinate chunk.
func WithChunkSize(n int) Option {
	return func(o *Options) { o.ChunkSize = n }
}

// WithLogger routes transformation events to the given logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

func withFactory(f executor.Factory) Option {
	return func(o *Options) { o.factory = f }
}
