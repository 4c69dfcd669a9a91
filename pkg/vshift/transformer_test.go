package vshift

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydrolith/vshift/internal/executor"
	"github.com/hydrolith/vshift/internal/resolver"
)

// testCatalog wires the Gulf of Maine MLLW scenario: UTM 19N, NAD83(2011)
// geographic, WGS84 and an exact vertical grid on the shared geographic
// node.
const testCatalog = `
crs:
  - id: NOAA:5224
    kind: vertical
    name: MLLW height
  - id: NOAA:5503
    kind: vertical
    name: LWD height
operations:
  - name: UTM zone 19N
    source: EPSG:6346
    target: EPSG:6318
    accuracy: exact
    reversible: true
    global: true
  - name: NAD83(2011) to WGS84 (G2139)
    source: EPSG:6318
    target: EPSG:9755
    accuracy: medium
    reversible: true
    global: true
  - name: NAD83(2011) height to MLLW (Gulf of Maine)
    source: EPSG:6318
    target: EPSG:6318+NOAA:5224
    accuracy: exact
    accuracy_meters: 0.05
    pipeline: "+proj=pipeline +step +inv +proj=vgridshift +grids=mllw_gome.tif"
    grids: [mllw_gome.tif]
    reversible: true
    coverage: {min_lon: -71.5, min_lat: 41.0, max_lon: -66.5, max_lat: 45.5}
  - name: EGM2008 offset guess
    source: NOAA:5501X
    target: NOAA:5502X
    accuracy: ballpark
    reversible: true
    global: true
`

func writeTestCatalog(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testCatalog), 0o644))
	return path
}

// shiftOperator applies a fixed delta per step name so tests can assert the
// exact arithmetic without PROJ.
type shiftOperator struct {
	dx, dz float64
}

func (o *shiftOperator) Transform(x, y, z, t []float64) error {
	for i := range x {
		x[i] += o.dx
		z[i] += o.dz
	}
	return nil
}

func (o *shiftOperator) Close() {}

type shiftFactory struct {
	created []string
}

func (f *shiftFactory) Operator(step resolver.Step) (executor.Operator, error) {
	f.created = append(f.created, step.SourceCRS+">"+step.TargetCRS)
	op := &shiftOperator{dx: 10}
	if strings.Contains(step.Pipeline, "vgridshift") {
		op = &shiftOperator{dz: -1.5}
	}
	if step.Inverse {
		op.dx, op.dz = -op.dx, -op.dz
	}
	return op, nil
}

func TestNewResolvesCompoundTarget(t *testing.T) {
	catalog := writeTestCatalog(t)
	tr, err := New("EPSG:6346", "EPSG:6346+NOAA:5224",
		WithCatalog(catalog), withFactory(&shiftFactory{}))
	require.NoError(t, err)
	defer tr.Close()

	assert.Equal(t, "EPSG:6346", tr.SourceCRS())
	assert.Equal(t, "EPSG:6346+NOAA:5224", tr.TargetCRS())
	assert.Equal(t,
		"EPSG:6346 -> EPSG:6318 -> EPSG:6318+NOAA:5224 -> EPSG:6346+NOAA:5224",
		tr.PathString())
	assert.Equal(t, AccuracyExact, tr.Accuracy())
}

func TestTransformPoints(t *testing.T) {
	catalog := writeTestCatalog(t)
	factory := &shiftFactory{}
	tr, err := New("EPSG:6346", "EPSG:6346+NOAA:5224",
		WithCatalog(catalog), withFactory(factory))
	require.NoError(t, err)
	defer tr.Close()

	x, y, z, err := tr.TransformPoints(
		[]float64{367500}, []float64{4805000}, []float64{-12.4})
	require.NoError(t, err)

	// The UTM leg out and the lifted UTM leg back are inverses of each
	// other: x and y land back on the source grid and only z carries the
	// vertical datum shift.
	assert.InDelta(t, 367500, x[0], 1e-9)
	assert.InDelta(t, 4805000, y[0], 1e-9)
	assert.InDelta(t, -13.9, z[0], 1e-9)
	assert.Len(t, factory.created, 3)
}

// nanFactory builds operators that reject every point, the shape of a datum
// grid with no coverage at the input location.
type nanFactory struct{}

func (nanFactory) Operator(step resolver.Step) (executor.Operator, error) {
	return nanOperator{}, nil
}

type nanOperator struct{}

func (nanOperator) Transform(x, y, z, t []float64) error {
	for i := range x {
		x[i] = math.NaN()
	}
	return nil
}

func (nanOperator) Close() {}

func TestTransformPointsOutsideCoverage(t *testing.T) {
	catalog := writeTestCatalog(t)
	tr, err := New("EPSG:6346", "EPSG:6346+NOAA:5224",
		WithCatalog(catalog), withFactory(nanFactory{}))
	require.NoError(t, err)
	defer tr.Close()

	// No grid covers the point: the call must fail rather than hand back
	// the uncorrected z.
	x, _, _, err := tr.TransformPoints(
		[]float64{278881.198}, []float64{2719890.433}, []float64{0})
	var outside *ErrOutsideCoverage
	require.True(t, errors.As(err, &outside))
	assert.Equal(t, 1, outside.Demoted)
	assert.Equal(t, 1, outside.Total)
	assert.Nil(t, x)
}

func TestTransformPointsRoundTrip(t *testing.T) {
	catalog := writeTestCatalog(t)
	fwd, err := New("EPSG:6346", "EPSG:6346+NOAA:5224",
		WithCatalog(catalog), withFactory(&shiftFactory{}))
	require.NoError(t, err)
	defer fwd.Close()

	back, err := New("EPSG:6346+NOAA:5224", "EPSG:6346",
		WithCatalog(catalog), withFactory(&shiftFactory{}))
	require.NoError(t, err)
	defer back.Close()

	x, y, z, err := fwd.TransformPoints(
		[]float64{278881.198}, []float64{2719890.433}, []float64{0})
	require.NoError(t, err)

	x, y, z, err = back.TransformPoints(x, y, z)
	require.NoError(t, err)
	assert.InDelta(t, 278881.198, x[0], 1e-9)
	assert.InDelta(t, 2719890.433, y[0], 1e-9)
	assert.InDelta(t, 0, z[0], 1e-9)
}

func TestTransformPointsDoesNotMutateInput(t *testing.T) {
	catalog := writeTestCatalog(t)
	tr, err := New("EPSG:6346", "EPSG:6318",
		WithCatalog(catalog), withFactory(&shiftFactory{}))
	require.NoError(t, err)
	defer tr.Close()

	in := []float64{100}
	x, _, _, err := tr.TransformPoints(in, []float64{200}, nil)
	require.NoError(t, err)
	assert.Equal(t, 100.0, in[0])
	assert.Equal(t, 110.0, x[0])
}

func TestNewUnknownCRS(t *testing.T) {
	catalog := writeTestCatalog(t)
	_, err := New("EPSG:6346", "EPSG:99999",
		WithCatalog(catalog), withFactory(&shiftFactory{}))
	var unknown *ErrUnknownCRS
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "EPSG:99999", unknown.ID)
}

func TestNewNoPath(t *testing.T) {
	catalog := writeTestCatalog(t)
	_, err := New("EPSG:6346", "NOAA:5501X",
		WithCatalog(catalog), withFactory(&shiftFactory{}))
	var noPath *ErrNoPath
	assert.True(t, errors.As(err, &noPath))
}

func TestNewPartialResolution(t *testing.T) {
	catalog := writeTestCatalog(t)
	// NOAA:5503 is declared but no operation reaches it, so the vertical
	// leg fails while the horizontal one resolves.
	_, err := New("EPSG:6346", "EPSG:6318+NOAA:5503",
		WithCatalog(catalog), withFactory(&shiftFactory{}))
	var partial *ErrPartialResolution
	require.True(t, errors.As(err, &partial))
	assert.True(t, partial.HorizontalResolved)
	assert.False(t, partial.VerticalResolved)
}

func TestNewBallparkGate(t *testing.T) {
	catalog := writeTestCatalog(t)
	_, err := New("NOAA:5501X", "NOAA:5502X",
		WithCatalog(catalog), withFactory(&shiftFactory{}))
	var notMet *ErrAccuracyNotMet
	require.True(t, errors.As(err, &notMet))

	tr, err := New("NOAA:5501X", "NOAA:5502X",
		WithCatalog(catalog), withFactory(&shiftFactory{}), AllowBallpark())
	require.NoError(t, err)
	tr.Close()
	assert.Equal(t, AccuracyBallpark, tr.Accuracy())
}

func TestNewMinAccuracy(t *testing.T) {
	catalog := writeTestCatalog(t)
	_, err := New("EPSG:6346", "EPSG:9755",
		WithCatalog(catalog), withFactory(&shiftFactory{}),
		WithMinAccuracy(AccuracyExact))
	var notMet *ErrAccuracyNotMet
	assert.True(t, errors.As(err, &notMet))
}

func TestWithStepsValidation(t *testing.T) {
	catalog := writeTestCatalog(t)

	// Chain not terminating at the destination fails before any work.
	_, err := New("EPSG:6346", "EPSG:9755",
		WithCatalog(catalog), withFactory(&shiftFactory{}),
		WithSteps(Step{SourceCRS: "EPSG:6346", TargetCRS: "EPSG:6318"}))
	var mismatch *ErrStepMismatch
	require.True(t, errors.As(err, &mismatch))

	// Valid chain is used as given.
	tr, err := New("EPSG:6346", "EPSG:9755",
		WithCatalog(catalog), withFactory(&shiftFactory{}),
		WithSteps(
			Step{SourceCRS: "EPSG:6346", TargetCRS: "EPSG:6318"},
			Step{SourceCRS: "EPSG:6318", TargetCRS: "EPSG:9755"},
		))
	require.NoError(t, err)
	defer tr.Close()

	x, _, _, err := tr.TransformPoints([]float64{0}, []float64{0}, nil)
	require.NoError(t, err)
	assert.Equal(t, 20.0, x[0], "both explicit steps executed")
}

func TestWithStepsEnrichment(t *testing.T) {
	catalog := writeTestCatalog(t)
	tr, err := New("EPSG:6318", "EPSG:6318+NOAA:5224",
		WithCatalog(catalog), withFactory(&shiftFactory{}),
		WithSteps(Step{SourceCRS: "EPSG:6318", TargetCRS: "EPSG:6318+NOAA:5224"}))
	require.NoError(t, err)
	defer tr.Close()

	// The catalog operation's pipeline and accuracy attach to the step.
	_, _, z, err := tr.TransformPoints([]float64{-70}, []float64{43}, []float64{0})
	require.NoError(t, err)
	assert.InDelta(t, -1.5, z[0], 1e-9, "vgridshift pipeline applied")
	assert.Equal(t, AccuracyExact, tr.Accuracy())
}

func TestWithRoute(t *testing.T) {
	catalog := writeTestCatalog(t)
	factory := &shiftFactory{}
	tr, err := New("EPSG:6346", "EPSG:9755",
		WithCatalog(catalog), withFactory(factory), WithRoute("EPSG:6318"))
	require.NoError(t, err)
	defer tr.Close()

	x, _, _, err := tr.TransformPoints([]float64{0}, []float64{0}, nil)
	require.NoError(t, err)
	assert.Equal(t, 20.0, x[0])
	assert.Equal(t, []string{"EPSG:6346>EPSG:6318", "EPSG:6318>EPSG:9755"}, factory.created)
}

func TestTransformPointSetFile(t *testing.T) {
	catalog := writeTestCatalog(t)
	tr, err := New("EPSG:6318", "EPSG:6318+NOAA:5224",
		WithCatalog(catalog), withFactory(&shiftFactory{}))
	require.NoError(t, err)
	defer tr.Close()

	dir := t.TempDir()
	in := filepath.Join(dir, "in.geojson")
	out := filepath.Join(dir, "out.geojson")
	const collection = `{"type":"FeatureCollection","features":[{"type":"Feature","properties":{"station":"A"},"geometry":{"type":"Point","coordinates":[-70.5,43.2,-12.0]}}]}`
	require.NoError(t, os.WriteFile(in, []byte(collection), 0o644))

	require.NoError(t, tr.Transform(in, out))

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	feat := doc["features"].([]any)[0].(map[string]any)
	coords := feat["geometry"].(map[string]any)["coordinates"].([]any)
	assert.InDelta(t, -13.5, coords[2].(float64), 1e-9)

	prov := doc["vshift:provenance"].(map[string]any)
	assert.Equal(t, "EPSG:6318+NOAA:5224", prov["target_crs"])
	assert.NotEmpty(t, prov["job_id"])
}

func TestTransformUnknownShape(t *testing.T) {
	catalog := writeTestCatalog(t)
	tr, err := New("EPSG:6346", "EPSG:6318",
		WithCatalog(catalog), withFactory(&shiftFactory{}))
	require.NoError(t, err)
	defer tr.Close()

	assert.Error(t, tr.Transform("input.xyz", "output.xyz"))
}

func TestGraphCacheInvalidate(t *testing.T) {
	catalog := writeTestCatalog(t)
	tr, err := New("EPSG:6346", "EPSG:6318",
		WithCatalog(catalog), withFactory(&shiftFactory{}))
	require.NoError(t, err)
	tr.Close()

	InvalidateGraphCache()

	tr, err = New("EPSG:6346", "EPSG:6318",
		WithCatalog(catalog), withFactory(&shiftFactory{}))
	require.NoError(t, err)
	tr.Close()
}
