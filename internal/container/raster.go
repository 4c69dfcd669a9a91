package container

import (
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/airbusgeo/godal"
	"gonum.org/v1/gonum/mat"

	"github.com/hydrolith/vshift/internal/executor"
)

var registerDrivers sync.Once

// RasterAdapter reads and writes GDAL-backed gridded rasters.
//
// The transformable payload is the grid of pixel-center coordinates plus the
// first band, which holds the vertical value (elevation or depth) that a
// datum shift rewrites. Remaining bands (uncertainty, contributor) pass
// through unchanged.
//
// Output policy: after transformation the pixel centers are fitted to a new
// affine geotransform by least squares. When the fit residual stays under
// half a cell the grid is still regular in the target CRS, so bands are
// written unchanged under the new geotransform. Otherwise the data is
// re-gridded onto a regular target grid by nearest neighbor.
type RasterAdapter struct{}

// Shape returns ShapeRaster.
func (*RasterAdapter) Shape() Shape { return ShapeRaster }

type rasterPayload struct {
	sizeX, sizeY int
	dtype        godal.DataType
	gt           [6]float64
	bands        [][]float64
	nodata       []float64
	hasNodata    []bool
}

// Read opens the raster, checks it is transformable, and builds the batch
// from pixel-center coordinates and first-band values. The dataset is closed
// before returning.
func (a *RasterAdapter) Read(path string) (*executor.Batch, *Meta, error) {
	registerDrivers.Do(godal.RegisterAll)

	ds, err := godal.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening raster: %w", err)
	}
	defer ds.Close()

	structure := ds.Structure()
	p := &rasterPayload{
		sizeX: structure.SizeX,
		sizeY: structure.SizeY,
		dtype: structure.DataType,
	}
	if err := a.preCheck(ds, p); err != nil {
		return nil, nil, fmt.Errorf("raster %s: %w", path, err)
	}

	for bi, band := range ds.Bands() {
		buf := make([]float64, p.sizeX*p.sizeY)
		if err := band.Read(0, 0, buf, p.sizeX, p.sizeY); err != nil {
			return nil, nil, fmt.Errorf("reading band %d: %w", bi+1, err)
		}
		p.bands = append(p.bands, buf)
		nd, ok := band.NoData()
		p.nodata = append(p.nodata, nd)
		p.hasNodata = append(p.hasNodata, ok)
	}

	n := p.sizeX * p.sizeY
	batch := executor.NewBatch(n)
	gt := p.gt
	for row := 0; row < p.sizeY; row++ {
		for col := 0; col < p.sizeX; col++ {
			i := row*p.sizeX + col
			fc, fr := float64(col)+0.5, float64(row)+0.5
			batch.X[i] = gt[0] + fc*gt[1] + fr*gt[2]
			batch.Y[i] = gt[3] + fc*gt[4] + fr*gt[5]
			batch.Z[i] = p.bands[0][i]
			if p.hasNodata[0] && p.bands[0][i] == p.nodata[0] {
				batch.Valid[i] = false
			}
		}
	}
	return batch, &Meta{payload: p}, nil
}

// preCheck validates the dataset before any work: at least one band and a
// usable geotransform.
func (a *RasterAdapter) preCheck(ds *godal.Dataset, p *rasterPayload) error {
	if len(ds.Bands()) == 0 {
		return fmt.Errorf("no bands")
	}
	gt, err := ds.GeoTransform()
	if err != nil {
		return fmt.Errorf("no geotransform: %w", err)
	}
	if gt[1] == 0 && gt[2] == 0 {
		return fmt.Errorf("degenerate geotransform")
	}
	p.gt = gt
	return nil
}

// Write produces the output raster from the transformed batch.
func (a *RasterAdapter) Write(path string, batch *executor.Batch, meta *Meta) error {
	p, ok := meta.payload.(*rasterPayload)
	if !ok {
		return fmt.Errorf("raster write without matching read")
	}
	if batch.Len() != p.sizeX*p.sizeY {
		return fmt.Errorf("batch has %d coordinates, raster has %d cells", batch.Len(), p.sizeX*p.sizeY)
	}

	gt, residual := fitGeoTransform(batch, p.sizeX, p.sizeY)
	cell := math.Min(math.Abs(gt[1]), math.Abs(gt[5]))
	if residual <= cell/2 {
		return a.writeRegular(path, batch, meta, p, gt)
	}
	return a.writeRegridded(path, batch, meta, p)
}

// writeRegular keeps the source grid layout: the mapping stayed affine, so
// only the geotransform and the vertical band change.
func (a *RasterAdapter) writeRegular(path string, batch *executor.Batch, meta *Meta, p *rasterPayload, gt [6]float64) error {
	vertical := make([]float64, len(p.bands[0]))
	copy(vertical, p.bands[0])
	for i := 0; i < batch.Len(); i++ {
		if !batch.Valid[i] {
			if p.hasNodata[0] {
				vertical[i] = p.nodata[0]
			}
			continue
		}
		vertical[i] = batch.Z[i]
	}

	bands := make([][]float64, len(p.bands))
	bands[0] = vertical
	copy(bands[1:], p.bands[1:])
	return a.writeDataset(path, meta, p, gt, p.sizeX, p.sizeY, bands)
}

// writeRegridded places every valid cell onto a regular target grid by
// nearest neighbor. Cells that map to the same target pixel resolve by
// source scan order; uncovered target pixels stay nodata.
func (a *RasterAdapter) writeRegridded(path string, batch *executor.Batch, meta *Meta, p *rasterPayload) error {
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for i := 0; i < batch.Len(); i++ {
		if !batch.Valid[i] {
			continue
		}
		minX = math.Min(minX, batch.X[i])
		maxX = math.Max(maxX, batch.X[i])
		minY = math.Min(minY, batch.Y[i])
		maxY = math.Max(maxY, batch.Y[i])
	}
	if math.IsInf(minX, 1) {
		return fmt.Errorf("no valid cells to regrid")
	}

	resX := (maxX - minX) / float64(p.sizeX)
	resY := (maxY - minY) / float64(p.sizeY)
	if resX == 0 || resY == 0 {
		return fmt.Errorf("degenerate transformed extent")
	}
	gt := [6]float64{minX, resX, 0, maxY, 0, -resY}

	bands := make([][]float64, len(p.bands))
	for bi := range bands {
		buf := make([]float64, p.sizeX*p.sizeY)
		fill := 0.0
		if p.hasNodata[bi] {
			fill = p.nodata[bi]
		}
		for i := range buf {
			buf[i] = fill
		}
		bands[bi] = buf
	}

	for i := 0; i < batch.Len(); i++ {
		if !batch.Valid[i] {
			continue
		}
		col := int((batch.X[i] - minX) / resX)
		row := int((maxY - batch.Y[i]) / resY)
		if col < 0 || col >= p.sizeX || row < 0 || row >= p.sizeY {
			continue
		}
		j := row*p.sizeX + col
		bands[0][j] = batch.Z[i]
		for bi := 1; bi < len(bands); bi++ {
			bands[bi][j] = p.bands[bi][i]
		}
	}
	return a.writeDataset(path, meta, p, gt, p.sizeX, p.sizeY, bands)
}

// writeDataset materializes the output through a temp file so a failed write
// never leaves a partial raster at the destination.
func (a *RasterAdapter) writeDataset(path string, meta *Meta, p *rasterPayload, gt [6]float64, sizeX, sizeY int, bands [][]float64) error {
	registerDrivers.Do(godal.RegisterAll)

	if err := a.postCheck(p, bands); err != nil {
		return err
	}

	tmp := path + ".partial"
	out, err := godal.Create(godal.GTiff, tmp, len(bands), p.dtype, sizeX, sizeY)
	if err != nil {
		return fmt.Errorf("creating output raster: %w", err)
	}
	if err := a.fillDataset(out, meta, p, gt, sizeX, sizeY, bands); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("finalizing output raster: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (a *RasterAdapter) fillDataset(out *godal.Dataset, meta *Meta, p *rasterPayload, gt [6]float64, sizeX, sizeY int, bands [][]float64) error {
	if err := out.SetGeoTransform(gt); err != nil {
		return fmt.Errorf("setting geotransform: %w", err)
	}
	if meta.TargetCRS != "" {
		sr, err := godal.NewSpatialRef(meta.TargetCRS)
		if err != nil {
			return fmt.Errorf("target CRS %s: %w", meta.TargetCRS, err)
		}
		defer sr.Close()
		if err := out.SetSpatialRef(sr); err != nil {
			return fmt.Errorf("setting spatial ref: %w", err)
		}
	}

	for bi, band := range out.Bands() {
		if p.hasNodata[bi] {
			if err := band.SetNoData(p.nodata[bi]); err != nil {
				return fmt.Errorf("setting nodata on band %d: %w", bi+1, err)
			}
		}
		if err := band.Write(0, 0, bands[bi], sizeX, sizeY); err != nil {
			return fmt.Errorf("writing band %d: %w", bi+1, err)
		}
	}

	if meta.Provenance != nil {
		md := fmt.Sprintf("job=%s source=%s target=%s",
			meta.Provenance.JobID, meta.Provenance.SourceCRS, meta.Provenance.TargetCRS)
		if err := out.SetMetadata("VSHIFT_PROVENANCE", md); err != nil {
			return fmt.Errorf("stamping provenance: %w", err)
		}
	}
	return nil
}

// postCheck verifies the output before handing it back: band count
// unchanged, and the vertical band still distinguishes data from nodata.
func (a *RasterAdapter) postCheck(p *rasterPayload, bands [][]float64) error {
	if len(bands) != len(p.bands) {
		return fmt.Errorf("band count changed from %d to %d", len(p.bands), len(bands))
	}
	if !p.hasNodata[0] {
		return nil
	}
	for _, v := range bands[0] {
		if v != p.nodata[0] && !math.IsNaN(v) {
			return nil
		}
	}
	return fmt.Errorf("vertical band is entirely nodata after transformation")
}

// fitGeoTransform fits an affine geotransform to the transformed pixel
// centers by least squares and reports the maximum residual in target units.
// Invalid cells are excluded from the fit.
func fitGeoTransform(batch *executor.Batch, sizeX, sizeY int) ([6]float64, float64) {
	var cols, rows, xs, ys []float64
	for row := 0; row < sizeY; row++ {
		for col := 0; col < sizeX; col++ {
			i := row*sizeX + col
			if !batch.Valid[i] {
				continue
			}
			cols = append(cols, float64(col)+0.5)
			rows = append(rows, float64(row)+0.5)
			xs = append(xs, batch.X[i])
			ys = append(ys, batch.Y[i])
		}
	}
	return fitAffine(cols, rows, xs, ys)
}

// fitAffine fits x = gt0 + c*gt1 + r*gt2, y = gt3 + c*gt4 + r*gt5 to the
// samples by least squares and reports the maximum residual.
func fitAffine(cols, rows, xs, ys []float64) ([6]float64, float64) {
	n := len(cols)
	if n < 3 {
		return [6]float64{}, math.Inf(1)
	}

	a := mat.NewDense(n, 3, nil)
	for i := 0; i < n; i++ {
		a.Set(i, 0, 1)
		a.Set(i, 1, cols[i])
		a.Set(i, 2, rows[i])
	}
	bx := mat.NewVecDense(n, xs)
	by := mat.NewVecDense(n, ys)

	var px, py mat.VecDense
	if err := px.SolveVec(a, bx); err != nil {
		return [6]float64{}, math.Inf(1)
	}
	if err := py.SolveVec(a, by); err != nil {
		return [6]float64{}, math.Inf(1)
	}

	gt := [6]float64{
		px.AtVec(0), px.AtVec(1), px.AtVec(2),
		py.AtVec(0), py.AtVec(1), py.AtVec(2),
	}

	maxResidual := 0.0
	for i := 0; i < n; i++ {
		fx := gt[0] + cols[i]*gt[1] + rows[i]*gt[2]
		fy := gt[3] + cols[i]*gt[4] + rows[i]*gt[5]
		r := math.Hypot(xs[i]-fx, ys[i]-fy)
		if r > maxResidual {
			maxResidual = r
		}
	}
	return gt, maxResidual
}
