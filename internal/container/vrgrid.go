package container

import (
	"fmt"
	"math"
	"os"
	"regexp"
	"runtime"
	"sync"

	"github.com/airbusgeo/godal"
	"github.com/dhconnelly/rtreego"
	"gonum.org/v1/hdf5"

	"github.com/hydrolith/vshift/internal/executor"
)

// BAG variable-resolution layout.
const (
	bagRootGroup       = "BAG_root"
	bagMetadataDataset = "BAG_root/metadata"
	bagVarresMetadata  = "BAG_root/varres_metadata"
	bagVarresRefine    = "BAG_root/varres_refinements"

	// bagNoDepth is the BAG sentinel for cells without a sounding.
	bagNoDepth = 1000000.0
)

// vrTileEpsilon keeps degenerate tile rectangles indexable.
const vrTileEpsilon = 1e-9

// ErrTopologyViolation indicates that transforming a variable-resolution
// grid bent the tile layout: two sibling tiles overlap (or a tile collapsed)
// beyond tolerance, so the refinements no longer tile the supergrid.
type ErrTopologyViolation struct {
	TileA, TileB int
	Overlap      float64
}

func (e *ErrTopologyViolation) Error() string {
	if e.TileA == e.TileB {
		return fmt.Sprintf("transformed refinement tile %d is no longer grid-aligned (deviation %g); grid topology not preserved",
			e.TileA, e.Overlap)
	}
	return fmt.Sprintf("transformed refinement tiles %d and %d overlap by %g; grid topology not preserved",
		e.TileA, e.TileB, e.Overlap)
}

// VRGridAdapter reads and writes variable-resolution BAG grids.
//
// A VR BAG is an HDF5 file: a coarse supergrid where each cell may carry a
// refinement tile of finer soundings. The transformable payload is every
// refinement node's position plus its depth. After transformation each tile
// must still be a regular grid and the tiles must still tile the supergrid;
// violations surface as ErrTopologyViolation rather than a silently bent
// grid.
type VRGridAdapter struct{}

// Shape returns ShapeVRGrid.
func (*VRGridAdapter) Shape() Shape { return ShapeVRGrid }

// bagTileMeta mirrors one varres_metadata record.
type bagTileMeta struct {
	Index       uint32  `hdf5:"index"`
	DimensionsX uint32  `hdf5:"dimensions_x"`
	DimensionsY uint32  `hdf5:"dimensions_y"`
	ResolutionX float32 `hdf5:"resolution_x"`
	ResolutionY float32 `hdf5:"resolution_y"`
	SWCornerX   float32 `hdf5:"sw_corner_x"`
	SWCornerY   float32 `hdf5:"sw_corner_y"`
}

// bagRefinement mirrors one varres_refinements record.
type bagRefinement struct {
	Depth       float32 `hdf5:"depth"`
	Uncertainty float32 `hdf5:"depth_uncrt"`
}

type vrPayload struct {
	sourcePath   string
	rows, cols   int
	gt           [6]float64 // north-up supergrid geotransform
	tiles        []bagTileMeta
	refinements  []bagRefinement
	batchOffsets []int // batch index of each tile's first node, -1 when empty
}

// Read loads the supergrid georeferencing and every refinement node.
func (a *VRGridAdapter) Read(path string) (*executor.Batch, *Meta, error) {
	registerDrivers.Do(godal.RegisterAll)

	ds, err := godal.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening VR grid: %w", err)
	}
	structure := ds.Structure()
	gt, err := ds.GeoTransform()
	closeErr := ds.Close()
	if err != nil {
		return nil, nil, fmt.Errorf("VR grid %s: no geotransform: %w", path, err)
	}
	if closeErr != nil {
		return nil, nil, closeErr
	}

	p := &vrPayload{
		sourcePath: path,
		rows:       structure.SizeY,
		cols:       structure.SizeX,
		gt:         gt,
	}
	if err := a.readHDF5(path, p); err != nil {
		return nil, nil, fmt.Errorf("VR grid %s: %w", path, err)
	}

	total := 0
	p.batchOffsets = make([]int, len(p.tiles))
	for ti := range p.tiles {
		t := &p.tiles[ti]
		if t.DimensionsX == 0 || t.DimensionsY == 0 {
			p.batchOffsets[ti] = -1
			continue
		}
		p.batchOffsets[ti] = total
		total += int(t.DimensionsX) * int(t.DimensionsY)
	}

	batch := executor.NewBatch(total)
	for ti := range p.tiles {
		off := p.batchOffsets[ti]
		if off < 0 {
			continue
		}
		t := &p.tiles[ti]
		swX, swY := p.tileCorner(ti, t)
		for ri := 0; ri < int(t.DimensionsY); ri++ {
			for rj := 0; rj < int(t.DimensionsX); rj++ {
				k := off + ri*int(t.DimensionsX) + rj
				batch.X[k] = swX + float64(rj)*float64(t.ResolutionX)
				batch.Y[k] = swY + float64(ri)*float64(t.ResolutionY)
				ref := p.refinements[int(t.Index)+ri*int(t.DimensionsX)+rj]
				batch.Z[k] = float64(ref.Depth)
				if ref.Depth == bagNoDepth {
					batch.Valid[k] = false
				}
			}
		}
	}
	return batch, &Meta{payload: p}, nil
}

// tileCorner returns the tile's south-west node position in CRS units. BAG
// stores tiles south-up: supergrid row 0 is the southernmost row, while the
// GDAL geotransform is north-up.
func (p *vrPayload) tileCorner(ti int, t *bagTileMeta) (float64, float64) {
	row := ti / p.cols
	col := ti % p.cols
	superResX := p.gt[1]
	superResY := -p.gt[5]
	minY := p.gt[3] + float64(p.rows)*p.gt[5]
	x := p.gt[0] + float64(col)*superResX + float64(t.SWCornerX)
	y := minY + float64(row)*superResY + float64(t.SWCornerY)
	return x, y
}

func (a *VRGridAdapter) readHDF5(path string, p *vrPayload) error {
	f, err := hdf5.OpenFile(path, hdf5.F_ACC_RDONLY)
	if err != nil {
		return fmt.Errorf("opening HDF5: %w", err)
	}
	defer f.Close()

	meta, err := f.OpenDataset(bagVarresMetadata)
	if err != nil {
		return fmt.Errorf("not a variable-resolution BAG: %w", err)
	}
	defer meta.Close()
	dims, _, err := meta.Space().SimpleExtentDims()
	if err != nil {
		return err
	}
	count := 1
	for _, d := range dims {
		count *= int(d)
	}
	if count != p.rows*p.cols {
		return fmt.Errorf("varres_metadata has %d records, supergrid has %d cells", count, p.rows*p.cols)
	}
	p.tiles = make([]bagTileMeta, count)
	if err := meta.Read(&p.tiles); err != nil {
		return fmt.Errorf("reading varres_metadata: %w", err)
	}

	refine, err := f.OpenDataset(bagVarresRefine)
	if err != nil {
		return fmt.Errorf("missing refinements: %w", err)
	}
	defer refine.Close()
	rdims, _, err := refine.Space().SimpleExtentDims()
	if err != nil {
		return err
	}
	rcount := 1
	for _, d := range rdims {
		rcount *= int(d)
	}
	p.refinements = make([]bagRefinement, rcount)
	if err := refine.Read(&p.refinements); err != nil {
		return fmt.Errorf("reading varres_refinements: %w", err)
	}
	return nil
}

// tileFit is the per-tile result of re-deriving the tile frame from its
// transformed nodes.
type tileFit struct {
	tile    int
	swX     float64
	swY     float64
	resX    float64
	resY    float64
	minX    float64
	minY    float64
	maxX    float64
	maxY    float64
	present bool
}

func (t *tileFit) Bounds() rtreego.Rect {
	w := math.Max(t.maxX-t.minX, vrTileEpsilon)
	h := math.Max(t.maxY-t.minY, vrTileEpsilon)
	r, _ := rtreego.NewRect(rtreego.Point{t.minX, t.minY}, []float64{w, h})
	return r
}

// Write validates the transformed tile layout and rewrites the BAG.
func (a *VRGridAdapter) Write(path string, batch *executor.Batch, meta *Meta) error {
	p, ok := meta.payload.(*vrPayload)
	if !ok {
		return fmt.Errorf("VR grid write without matching read")
	}

	fits, err := a.fitTiles(batch, p)
	if err != nil {
		return err
	}
	if err := a.checkTopology(fits); err != nil {
		return err
	}

	gt, err := a.fitSupergrid(p, fits)
	if err != nil {
		return err
	}
	if err := a.checkAlignment(p, fits, gt); err != nil {
		return err
	}

	tmp := path + ".partial"
	if err := copyFile(p.sourcePath, tmp); err != nil {
		return fmt.Errorf("copying VR grid: %w", err)
	}
	if err := a.rewrite(tmp, batch, meta, p, fits, gt); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// fitTiles re-derives each tile's corner and resolution from its transformed
// nodes, fanning tiles out to a bounded worker pool. Within-tile regularity
// is enforced here: a tile whose nodes no longer sit on a regular grid is a
// topology violation against itself.
func (a *VRGridAdapter) fitTiles(batch *executor.Batch, p *vrPayload) ([]tileFit, error) {
	fits := make([]tileFit, len(p.tiles))

	workers := runtime.NumCPU()
	if workers > len(p.tiles) {
		workers = len(p.tiles)
	}
	if workers < 1 {
		workers = 1
	}

	jobs := make(chan int, len(p.tiles))
	errs := make(chan error, len(p.tiles))
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ti := range jobs {
				fit, err := fitTile(batch, p, ti)
				if err != nil {
					errs <- err
					continue
				}
				fits[ti] = fit
			}
		}()
	}
	for ti := range p.tiles {
		jobs <- ti
	}
	close(jobs)
	wg.Wait()
	close(errs)

	// First error in tile order wins for determinism.
	var firstErr error
	for err := range errs {
		if firstErr == nil {
			firstErr = err
			continue
		}
		cur, curOK := err.(*ErrTopologyViolation)
		prev, prevOK := firstErr.(*ErrTopologyViolation)
		if curOK && prevOK && cur.TileA < prev.TileA {
			firstErr = err
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return fits, nil
}

func fitTile(batch *executor.Batch, p *vrPayload, ti int) (tileFit, error) {
	off := p.batchOffsets[ti]
	if off < 0 {
		return tileFit{tile: ti}, nil
	}
	t := &p.tiles[ti]
	nx, ny := int(t.DimensionsX), int(t.DimensionsY)

	fit := tileFit{
		tile:    ti,
		present: true,
		swX:     batch.X[off],
		swY:     batch.Y[off],
		minX:    math.Inf(1),
		minY:    math.Inf(1),
		maxX:    math.Inf(-1),
		maxY:    math.Inf(-1),
	}
	if nx > 1 {
		fit.resX = (batch.X[off+nx-1] - batch.X[off]) / float64(nx-1)
	} else {
		fit.resX = float64(t.ResolutionX)
	}
	if ny > 1 {
		fit.resY = (batch.Y[off+(ny-1)*nx] - batch.Y[off]) / float64(ny-1)
	} else {
		fit.resY = float64(t.ResolutionY)
	}
	if fit.resX <= 0 || fit.resY <= 0 {
		return fit, &ErrTopologyViolation{TileA: ti, TileB: ti, Overlap: 0}
	}

	tolX := fit.resX / 4
	tolY := fit.resY / 4
	for ri := 0; ri < ny; ri++ {
		for rj := 0; rj < nx; rj++ {
			k := off + ri*nx + rj
			x, y := batch.X[k], batch.Y[k]
			ex := fit.swX + float64(rj)*fit.resX
			ey := fit.swY + float64(ri)*fit.resY
			if math.Abs(x-ex) > tolX || math.Abs(y-ey) > tolY {
				return fit, &ErrTopologyViolation{TileA: ti, TileB: ti,
					Overlap: math.Max(math.Abs(x-ex), math.Abs(y-ey))}
			}
			fit.minX = math.Min(fit.minX, x)
			fit.maxX = math.Max(fit.maxX, x)
			fit.minY = math.Min(fit.minY, y)
			fit.maxY = math.Max(fit.maxY, y)
		}
	}
	return fit, nil
}

// checkTopology indexes the transformed tile extents and rejects sibling
// overlap beyond a quarter of the finer tile's cell size.
func (a *VRGridAdapter) checkTopology(fits []tileFit) error {
	tree := rtreego.NewTree(2, 25, 50)
	for i := range fits {
		if !fits[i].present {
			continue
		}
		candidates := tree.SearchIntersect(fits[i].Bounds())
		for _, c := range candidates {
			other := c.(*tileFit)
			overlap := overlapArea(&fits[i], other)
			tol := math.Min(fits[i].resX, other.resX) * math.Min(fits[i].resY, other.resY) / 4
			if overlap > tol {
				return &ErrTopologyViolation{TileA: other.tile, TileB: fits[i].tile, Overlap: overlap}
			}
		}
		tree.Insert(&fits[i])
	}
	return nil
}

// checkAlignment rejects tiles whose transformed frame drifted out of place
// within the refitted supergrid. Sibling overlap is caught by checkTopology;
// drift is the complementary failure, opening a gap between a tile and its
// neighbors even when no two tiles touch. Tolerance is a quarter of the
// tile's cell size, matching the within-tile regularity check.
func (a *VRGridAdapter) checkAlignment(p *vrPayload, fits []tileFit, gt [6]float64) error {
	superResX := gt[1]
	superResY := -gt[5]
	minY := gt[3] + float64(p.rows)*gt[5]
	for ti := range fits {
		f := &fits[ti]
		if !f.present {
			continue
		}
		t := &p.tiles[ti]
		scaleX := f.resX / float64(t.ResolutionX)
		scaleY := f.resY / float64(t.ResolutionY)
		wantX := gt[0] + float64(ti%p.cols)*superResX + float64(t.SWCornerX)*scaleX
		wantY := minY + float64(ti/p.cols)*superResY + float64(t.SWCornerY)*scaleY
		dx := math.Abs(f.swX - wantX)
		dy := math.Abs(f.swY - wantY)
		if dx > f.resX/4 || dy > f.resY/4 {
			return &ErrTopologyViolation{TileA: ti, TileB: ti, Overlap: math.Max(dx, dy)}
		}
	}
	return nil
}

func overlapArea(a, b *tileFit) float64 {
	w := math.Min(a.maxX, b.maxX) - math.Max(a.minX, b.minX)
	h := math.Min(a.maxY, b.maxY) - math.Max(a.minY, b.minY)
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// fitSupergrid derives the output supergrid frame from the transformed tile
// corners.
func (a *VRGridAdapter) fitSupergrid(p *vrPayload, fits []tileFit) ([6]float64, error) {
	var cols, rows, xs, ys []float64
	for ti := range fits {
		f := &fits[ti]
		if !f.present {
			continue
		}
		t := &p.tiles[ti]
		// Remove the in-cell offset so the fit sees supergrid cell corners.
		// The offset scales with how much the tile's resolution changed.
		scaleX := f.resX / float64(t.ResolutionX)
		scaleY := f.resY / float64(t.ResolutionY)
		cols = append(cols, float64(ti%p.cols))
		rows = append(rows, float64(ti/p.cols))
		xs = append(xs, f.swX-float64(t.SWCornerX)*scaleX)
		ys = append(ys, f.swY-float64(t.SWCornerY)*scaleY)
	}
	if len(cols) == 0 {
		return [6]float64{}, fmt.Errorf("VR grid has no populated tiles")
	}
	if len(cols) < 3 {
		// Too few tiles for a fit: scale the source frame by the first
		// tile's resolution change.
		f := fits[firstPresent(fits)]
		t := &p.tiles[f.tile]
		superResX := p.gt[1] * f.resX / float64(t.ResolutionX)
		superResY := -p.gt[5] * f.resY / float64(t.ResolutionY)
		minY := ys[0] - rows[0]*superResY
		minX := xs[0] - cols[0]*superResX
		return [6]float64{minX, superResX, 0, minY + float64(p.rows)*superResY, 0, -superResY}, nil
	}

	gt, residual := fitAffine(cols, rows, xs, ys)
	if residual > math.Abs(gt[1])/2 {
		return [6]float64{}, fmt.Errorf("supergrid no longer affine after transformation (residual %g)", residual)
	}
	// The fit maps (col,row) with row 0 south; convert to north-up.
	minX := gt[0]
	superResX := gt[1]
	superResY := gt[5]
	maxY := gt[3] + float64(p.rows)*superResY
	return [6]float64{minX, superResX, 0, maxY, 0, -superResY}, nil
}

func firstPresent(fits []tileFit) int {
	for i := range fits {
		if fits[i].present {
			return i
		}
	}
	return 0
}

// rewrite updates the copied BAG in place: new depths, new tile frames, and
// the supergrid corners in the XML metadata.
func (a *VRGridAdapter) rewrite(path string, batch *executor.Batch, meta *Meta, p *vrPayload, fits []tileFit, gt [6]float64) error {
	tiles := make([]bagTileMeta, len(p.tiles))
	copy(tiles, p.tiles)
	refinements := make([]bagRefinement, len(p.refinements))
	copy(refinements, p.refinements)

	superResX := gt[1]
	superResY := -gt[5]
	minY := gt[3] + float64(p.rows)*gt[5]
	for ti := range tiles {
		f := &fits[ti]
		if !f.present {
			continue
		}
		t := &tiles[ti]
		cellX := gt[0] + float64(ti%p.cols)*superResX
		cellY := minY + float64(ti/p.cols)*superResY
		t.SWCornerX = float32(f.swX - cellX)
		t.SWCornerY = float32(f.swY - cellY)
		t.ResolutionX = float32(f.resX)
		t.ResolutionY = float32(f.resY)

		nx := int(t.DimensionsX)
		ny := int(t.DimensionsY)
		off := p.batchOffsets[ti]
		for ri := 0; ri < ny; ri++ {
			for rj := 0; rj < nx; rj++ {
				k := off + ri*nx + rj
				ref := &refinements[int(t.Index)+ri*nx+rj]
				if !batch.Valid[k] {
					ref.Depth = bagNoDepth
					continue
				}
				ref.Depth = float32(batch.Z[k])
			}
		}
	}

	f, err := hdf5.OpenFile(path, hdf5.F_ACC_RDWR)
	if err != nil {
		return fmt.Errorf("opening output BAG: %w", err)
	}
	defer f.Close()

	metaDS, err := f.OpenDataset(bagVarresMetadata)
	if err != nil {
		return err
	}
	if err := metaDS.Write(&tiles); err != nil {
		metaDS.Close()
		return fmt.Errorf("writing varres_metadata: %w", err)
	}
	if err := metaDS.Close(); err != nil {
		return err
	}

	refineDS, err := f.OpenDataset(bagVarresRefine)
	if err != nil {
		return err
	}
	if err := refineDS.Write(&refinements); err != nil {
		refineDS.Close()
		return fmt.Errorf("writing varres_refinements: %w", err)
	}
	if err := refineDS.Close(); err != nil {
		return err
	}

	return a.rewriteMetadataXML(f, p, gt, meta)
}

var bagCornerPattern = regexp.MustCompile(`<gml:coordinates[^>]*>[^<]*</gml:coordinates>`)

// rewriteMetadataXML updates the corner coordinates in the BAG's ISO
// metadata. BAGs without the expected coordinates element keep their
// metadata untouched; the refinement frames already carry the new
// georeferencing.
func (a *VRGridAdapter) rewriteMetadataXML(f *hdf5.File, p *vrPayload, gt [6]float64, meta *Meta) error {
	ds, err := f.OpenDataset(bagMetadataDataset)
	if err != nil {
		return nil
	}
	defer ds.Close()

	dims, _, err := ds.Space().SimpleExtentDims()
	if err != nil {
		return err
	}
	n := 1
	for _, d := range dims {
		n *= int(d)
	}
	buf := make([]uint8, n)
	if err := ds.Read(&buf); err != nil {
		return fmt.Errorf("reading BAG metadata: %w", err)
	}

	minX := gt[0]
	maxY := gt[3]
	maxX := gt[0] + float64(p.cols)*gt[1]
	minY := gt[3] + float64(p.rows)*gt[5]
	replacement := fmt.Sprintf("<gml:coordinates>%.10f,%.10f %.10f,%.10f</gml:coordinates>",
		minX, minY, maxX, maxY)

	updated := bagCornerPattern.ReplaceAll(buf, []byte(replacement))
	if len(updated) == len(buf) {
		// Same length lets the fixed-size dataset take it in place.
		if err := ds.Write(&updated); err != nil {
			return fmt.Errorf("writing BAG metadata: %w", err)
		}
	}
	return nil
}
