package vshift

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/hydrolith/vshift/internal/container"
	"github.com/hydrolith/vshift/internal/crs"
	"github.com/hydrolith/vshift/internal/executor"
	"github.com/hydrolith/vshift/internal/geodesy"
	"github.com/hydrolith/vshift/internal/registry"
	"github.com/hydrolith/vshift/internal/resolver"
)

// graphCache holds built CRS graphs across Transformer constructions.
var graphCache = resolver.NewCache(32)

// InvalidateGraphCache drops every cached CRS graph. Call after replacing
// catalog files on disk; transformers constructed afterwards rebuild their
// graphs from the new catalogs.
func InvalidateGraphCache() { graphCache.Invalidate() }

// Transformer converts coordinates and containers from one CRS to another.
//
// The transformation path is resolved once, at construction; every
// subsequent call replays the same step list. A Transformer holds a PROJ
// context and must be released with Close. It is not safe for concurrent
// use.
type Transformer struct {
	from, to crs.Node
	reg      *registry.Registry
	steps    []resolver.Step
	path     *resolver.Path
	opts     Options
	factory  executor.Factory
	geo      *geodesy.Context
	log      *slog.Logger
}

// New creates a Transformer from a source to a destination CRS.
//
// Identifiers are AUTHORITY:CODE, compound vertical bindings as
// "EPSG:6346+NOAA:5224". The operation catalog is assembled from the
// authority database and YAML catalogs named in the options; path
// resolution happens here, so an unreachable destination fails fast rather
// than on first use.
//
//	tr, err := vshift.New("EPSG:6346", "EPSG:6346+NOAA:5224",
//	    vshift.WithAuthorityDB("/usr/share/proj/proj.db"),
//	    vshift.WithCatalog("noaa_mllw.yaml"))
//	if err != nil { ... }
//	defer tr.Close()
func New(crsFrom, crsTo string, options ...Option) (*Transformer, error) {
	opts := DefaultOptions()
	for _, opt := range options {
		opt(&opts)
	}

	from, err := crs.Parse(crsFrom)
	if err != nil {
		return nil, err
	}
	to, err := crs.Parse(crsTo)
	if err != nil {
		return nil, err
	}

	reg := registry.New()
	if opts.AuthorityDB != "" {
		if err := reg.LoadAuthorityDB(opts.AuthorityDB); err != nil {
			return nil, fmt.Errorf("loading authority database: %w", err)
		}
	}
	for _, path := range opts.Catalogs {
		if err := reg.LoadCatalog(path); err != nil {
			return nil, fmt.Errorf("loading catalog %s: %w", path, err)
		}
	}

	t := &Transformer{
		from: from,
		to:   to,
		reg:  reg,
		opts: opts,
		log:  opts.Logger,
	}
	if t.log == nil {
		t.log = slog.Default()
	}
	if opts.factory != nil {
		t.factory = opts.factory
	} else {
		t.geo = geodesy.NewContext(opts.AlwaysXY)
		t.factory = t.geo
	}

	if err := t.buildSteps(); err != nil {
		t.Close()
		return nil, err
	}

	t.log.Debug("transformation resolved",
		"from", from.ID, "to", to.ID,
		"steps", len(t.steps), "route", t.PathString())
	return t, nil
}

// Close releases the transformer's PROJ resources.
func (t *Transformer) Close() {
	if t.geo != nil {
		t.geo.Close()
		t.geo = nil
	}
}

// buildSteps turns the options into the executable step list: explicit
// steps, a forced route, or a resolved path.
func (t *Transformer) buildSteps() error {
	switch {
	case len(t.opts.Steps) > 0:
		steps := make([]resolver.Step, len(t.opts.Steps))
		for i, s := range t.opts.Steps {
			steps[i] = t.enrichStep(s)
		}
		if err := resolver.ValidateSteps(steps, t.from.ID, t.to.ID); err != nil {
			return wrapErr(err)
		}
		t.steps = steps
		return nil

	case len(t.opts.Route) > 0:
		waypoints := make([]crs.Node, 0, len(t.opts.Route)+2)
		waypoints = append(waypoints, t.from)
		for _, id := range t.opts.Route {
			node, err := crs.Parse(id)
			if err != nil {
				return err
			}
			waypoints = append(waypoints, node)
		}
		waypoints = append(waypoints, t.to)
		for i := 0; i+1 < len(waypoints); i++ {
			path, err := t.resolveLeg(waypoints[i], waypoints[i+1])
			if err != nil {
				return err
			}
			t.steps = append(t.steps, resolver.Compose(path)...)
		}
		return nil

	default:
		path, err := t.resolveLeg(t.from, t.to)
		if err != nil {
			return err
		}
		t.path = path
		t.steps = resolver.Compose(path)
		return nil
	}
}

// enrichStep fills an explicit step with catalog knowledge where a matching
// operation exists. Unknown steps are trusted as given; the caller asked for
// them by construction.
func (t *Transformer) enrichStep(s Step) resolver.Step {
	step := resolver.Step{
		SourceCRS: s.SourceCRS,
		TargetCRS: s.TargetCRS,
		Kind:      resolver.StepOperation,
		Pipeline:  s.Pipeline,
		Inverse:   s.Inverse,
		Accuracy:  registry.AccuracyExact,
	}
	src, err := crs.Parse(s.SourceCRS)
	if err != nil {
		return step
	}
	dst, err := crs.Parse(s.TargetCRS)
	if err != nil {
		return step
	}
	for _, op := range t.reg.Lookup(src, dst) {
		if s.Pipeline != "" && op.Pipeline != s.Pipeline {
			continue
		}
		step.Accuracy = op.Accuracy
		step.GridFiles = op.GridFiles
		step.Name = op.Name
		if step.Pipeline == "" {
			step.Pipeline = op.Pipeline
		}
		break
	}
	return step
}

// cacheKey identifies a leg's graph by its catalog sources and endpoints.
// Registries built from the same sources are interchangeable, so their
// graphs share cache entries across Transformer constructions.
func (t *Transformer) cacheKey(from, to crs.Node) string {
	return fmt.Sprintf("%s|%s|%s|%s|r%d",
		t.opts.AuthorityDB, strings.Join(t.opts.Catalogs, ","),
		from.ID, to.ID, t.reg.Revision())
}

func (t *Transformer) resolveLeg(from, to crs.Node) (*resolver.Path, error) {
	key := t.cacheKey(from, to)
	graph, err := graphCache.Get(key, func() (*resolver.Graph, error) {
		return resolver.Build(t.reg, from, to)
	})
	if err != nil {
		return nil, wrapErr(err)
	}
	path, err := graph.Resolve(from, to, resolver.Options{
		MinAccuracy:   registry.Accuracy(t.opts.MinAccuracy),
		AllowBallpark: t.opts.AllowBallpark,
	})
	if err != nil {
		return nil, wrapErr(err)
	}
	return path, nil
}

// SourceCRS returns the canonical source identifier.
func (t *Transformer) SourceCRS() string { return t.from.ID }

// TargetCRS returns the canonical destination identifier.
func (t *Transformer) TargetCRS() string { return t.to.ID }

// PathString renders the step chain for logs and reports.
func (t *Transformer) PathString() string {
	if t.path != nil {
		return t.path.String()
	}
	parts := make([]string, 0, len(t.steps))
	for _, s := range t.steps {
		parts = append(parts, s.String())
	}
	return strings.Join(parts, "; ")
}

// Accuracy returns the weakest accuracy class on the transformation path.
func (t *Transformer) Accuracy() Accuracy {
	acc := registry.AccuracyExact
	for _, s := range t.steps {
		if s.Kind == resolver.StepOperation && s.Accuracy < acc {
			acc = s.Accuracy
		}
	}
	return Accuracy(acc)
}

// TransformPoints converts coordinate slices and returns new slices. The
// inputs are not modified. z may be nil for 2D points.
//
// Any point no operation on the path could transform, outside a datum
// grid's coverage for instance, fails the whole call with
// ErrOutsideCoverage: an untransformed coordinate must never be returned
// as a transformed one. Container transforms record such points as no-data
// instead.
func (t *Transformer) TransformPoints(x, y, z []float64) ([]float64, []float64, []float64, error) {
	if len(x) != len(y) {
		return nil, nil, nil, fmt.Errorf("x has %d values, y has %d", len(x), len(y))
	}
	if z != nil && len(z) != len(x) {
		return nil, nil, nil, fmt.Errorf("z has %d values, want %d", len(z), len(x))
	}

	batch := executor.NewBatch(len(x))
	copy(batch.X, x)
	copy(batch.Y, y)
	if z != nil {
		copy(batch.Z, z)
	}

	report, err := t.apply(batch)
	if err != nil {
		return nil, nil, nil, err
	}
	if report.Demoted > 0 {
		return nil, nil, nil, &ErrOutsideCoverage{Demoted: report.Demoted, Total: batch.Len()}
	}
	return batch.X, batch.Y, batch.Z, nil
}

func (t *Transformer) apply(batch *executor.Batch) (*executor.Report, error) {
	report, err := executor.Apply(context.Background(), t.factory, t.steps, batch, executor.Options{
		ChunkSize:     t.opts.ChunkSize,
		AllowBallpark: t.opts.AllowBallpark,
	})
	if err != nil {
		return nil, wrapErr(err)
	}
	if report.Demoted > 0 {
		t.log.Warn("coordinates left the operation domain",
			"from", t.from.ID, "to", t.to.ID, "demoted", report.Demoted)
	}
	return report, nil
}

// Transform converts a container file, inferring its shape from the input
// path extension.
func (t *Transformer) Transform(inputPath, outputPath string) error {
	adapter, err := container.ForPath(inputPath)
	if err != nil {
		return err
	}
	return t.transformContainer(adapter, inputPath, outputPath)
}

// TransformPointSet converts a GeoJSON feature collection.
func (t *Transformer) TransformPointSet(inputPath, outputPath string) error {
	return t.transformShape(container.ShapePointSet, inputPath, outputPath)
}

// TransformRaster converts a gridded raster.
func (t *Transformer) TransformRaster(inputPath, outputPath string) error {
	return t.transformShape(container.ShapeRaster, inputPath, outputPath)
}

// TransformVariableResolutionGrid converts a variable-resolution BAG grid.
func (t *Transformer) TransformVariableResolutionGrid(inputPath, outputPath string) error {
	return t.transformShape(container.ShapeVRGrid, inputPath, outputPath)
}

// TransformPointCloud converts a SQLite point store.
func (t *Transformer) TransformPointCloud(inputPath, outputPath string) error {
	return t.transformShape(container.ShapePointCloud, inputPath, outputPath)
}

// TransformArchive converts an NPZ archive of coordinate arrays.
func (t *Transformer) TransformArchive(inputPath, outputPath string) error {
	return t.transformShape(container.ShapeArchive, inputPath, outputPath)
}

func (t *Transformer) transformShape(shape container.Shape, inputPath, outputPath string) error {
	adapter, err := container.ForShape(shape)
	if err != nil {
		return err
	}
	return t.transformContainer(adapter, inputPath, outputPath)
}

func (t *Transformer) transformContainer(adapter container.Adapter, inputPath, outputPath string) error {
	batch, meta, err := adapter.Read(inputPath)
	if err != nil {
		return err
	}

	report, err := t.apply(batch)
	if err != nil {
		return err
	}

	meta.SourceCRS = t.from.ID
	meta.TargetCRS = t.to.ID
	meta.Provenance = &container.Provenance{
		JobID:     uuid.NewString(),
		SourceCRS: t.from.ID,
		TargetCRS: t.to.ID,
		Pipeline:  t.PathString(),
	}
	if err := adapter.Write(outputPath, batch, meta); err != nil {
		return wrapErr(err)
	}

	t.log.Info("container transformed",
		"shape", adapter.Shape().String(),
		"input", inputPath, "output", outputPath,
		"transformed", report.Transformed,
		"skipped", report.Skipped,
		"demoted", report.Demoted,
		"job", meta.Provenance.JobID)
	return nil
}
