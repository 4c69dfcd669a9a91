package container

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydrolith/vshift/internal/executor"
)

// affineBatch builds a batch whose pixel centers follow the given
// geotransform exactly.
func affineBatch(sizeX, sizeY int, gt [6]float64) *executor.Batch {
	b := executor.NewBatch(sizeX * sizeY)
	for row := 0; row < sizeY; row++ {
		for col := 0; col < sizeX; col++ {
			i := row*sizeX + col
			fc, fr := float64(col)+0.5, float64(row)+0.5
			b.X[i] = gt[0] + fc*gt[1] + fr*gt[2]
			b.Y[i] = gt[3] + fc*gt[4] + fr*gt[5]
		}
	}
	return b
}

func TestFitGeoTransformRecoversAffine(t *testing.T) {
	want := [6]float64{350000, 4, 0, 4800000, 0, -4}
	b := affineBatch(8, 6, want)

	got, residual := fitGeoTransform(b, 8, 6)
	assert.InDelta(t, 0, residual, 1e-6)
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-6, "gt[%d]", i)
	}
}

func TestFitGeoTransformWithRotation(t *testing.T) {
	want := [6]float64{100, 2, 0.3, 500, -0.1, -2}
	b := affineBatch(10, 10, want)

	got, residual := fitGeoTransform(b, 10, 10)
	assert.InDelta(t, 0, residual, 1e-6)
	assert.InDelta(t, 0.3, got[2], 1e-6)
}

func TestFitGeoTransformIgnoresInvalidCells(t *testing.T) {
	want := [6]float64{0, 1, 0, 100, 0, -1}
	b := affineBatch(5, 5, want)
	// Corrupt two cells and mask them out; the fit must not see them.
	b.X[7] = 1e9
	b.Valid[7] = false
	b.Valid[13] = false

	_, residual := fitGeoTransform(b, 5, 5)
	assert.InDelta(t, 0, residual, 1e-6)
}

func TestFitGeoTransformNonAffine(t *testing.T) {
	b := affineBatch(6, 6, [6]float64{0, 1, 0, 100, 0, -1})
	// Bend one corner far out of the plane.
	b.X[0] += 10

	_, residual := fitGeoTransform(b, 6, 6)
	assert.Greater(t, residual, 0.5, "bent grid must fail the half-cell test")
}

func TestFitGeoTransformTooFewPoints(t *testing.T) {
	b := executor.NewBatch(2)
	_, residual := fitGeoTransform(b, 2, 1)
	assert.True(t, math.IsInf(residual, 1))
}

func TestFitAffineVerticalOnlyShift(t *testing.T) {
	// A pure vertical datum change leaves x/y alone: the fit must
	// reproduce the source geotransform so bands copy through unchanged.
	gt := [6]float64{-70.75, 0.001, 0, 43.5, 0, -0.001}
	b := affineBatch(16, 16, gt)
	for i := range b.Z {
		b.Z[i] = -10 - float64(i)*0.01
	}

	got, residual := fitGeoTransform(b, 16, 16)
	require.InDelta(t, 0, residual, 1e-9)
	cell := math.Min(math.Abs(got[1]), math.Abs(got[5]))
	assert.LessOrEqual(t, residual, cell/2, "regular path applies")
}

func TestRasterPostCheck(t *testing.T) {
	a := &RasterAdapter{}
	p := &rasterPayload{
		bands:     [][]float64{{1, 2, 3}},
		nodata:    []float64{-9999},
		hasNodata: []bool{true},
	}

	assert.NoError(t, a.postCheck(p, [][]float64{{1, -9999, 3}}))
	assert.Error(t, a.postCheck(p, [][]float64{{-9999, -9999, -9999}}),
		"all-nodata vertical band rejected")
	assert.Error(t, a.postCheck(p, [][]float64{{1}, {2}}), "band count changed")
}
