package container

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"

	"github.com/hydrolith/vshift/internal/executor"
)

// ArchiveAdapter reads and writes NPZ archives (zip files of NumPy arrays).
//
// The arrays named x, y and z are the coordinates; every other entry is
// copied to the output byte for byte. Coordinate arrays may be 1D vectors or
// 2D grids; their shape is preserved.
type ArchiveAdapter struct{}

// Shape returns ShapeArchive.
func (*ArchiveAdapter) Shape() Shape { return ShapeArchive }

type archiveEntry struct {
	name  string
	raw   []byte // non-coordinate entries, decompressed
	shape []int  // coordinate entries
	axis  byte   // 'x', 'y' or 'z'
}

type archivePayload struct {
	entries []*archiveEntry
	n       int
}

// Read loads the archive, parsing the coordinate arrays and buffering the
// rest.
func (a *ArchiveAdapter) Read(path string) (*executor.Batch, *Meta, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening archive: %w", err)
	}
	defer zr.Close()

	p := &archivePayload{}
	coords := make(map[byte][]float64)
	for _, zf := range zr.File {
		rc, err := zf.Open()
		if err != nil {
			return nil, nil, fmt.Errorf("archive entry %s: %w", zf.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("archive entry %s: %w", zf.Name, err)
		}

		entry := &archiveEntry{name: zf.Name}
		if axis, ok := coordinateAxis(zf.Name); ok {
			values, shape, err := readArray(data)
			if err != nil {
				return nil, nil, fmt.Errorf("archive entry %s: %w", zf.Name, err)
			}
			entry.axis = axis
			entry.shape = shape
			coords[axis] = values
		} else {
			entry.raw = data
		}
		p.entries = append(p.entries, entry)
	}

	xs, ys := coords['x'], coords['y']
	if xs == nil || ys == nil {
		return nil, nil, fmt.Errorf("archive %s: missing x or y coordinate array", path)
	}
	if len(xs) != len(ys) {
		return nil, nil, fmt.Errorf("archive %s: x has %d values, y has %d", path, len(xs), len(ys))
	}
	zs := coords['z']
	if zs != nil && len(zs) != len(xs) {
		return nil, nil, fmt.Errorf("archive %s: z has %d values, want %d", path, len(zs), len(xs))
	}

	p.n = len(xs)
	batch := executor.NewBatch(p.n)
	copy(batch.X, xs)
	copy(batch.Y, ys)
	if zs != nil {
		copy(batch.Z, zs)
	}
	return batch, &Meta{payload: p}, nil
}

// coordinateAxis classifies an entry name. NumPy's savez stores array "x" as
// "x.npy".
func coordinateAxis(name string) (byte, bool) {
	base := strings.ToLower(strings.TrimSuffix(name, ".npy"))
	switch base {
	case "x", "lon", "longitude", "easting":
		return 'x', true
	case "y", "lat", "latitude", "northing":
		return 'y', true
	case "z", "depth", "elevation", "height":
		return 'z', true
	}
	return 0, false
}

// readArray parses an NPY payload into flat float64 values plus its shape.
func readArray(data []byte) ([]float64, []int, error) {
	r, err := npyio.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, nil, err
	}
	shape := r.Header.Descr.Shape
	var values []float64
	if err := r.Read(&values); err != nil {
		return nil, nil, err
	}
	return values, shape, nil
}

// Write rebuilds the archive: coordinate arrays from the batch, everything
// else verbatim, entry order preserved.
func (a *ArchiveAdapter) Write(path string, batch *executor.Batch, meta *Meta) error {
	p, ok := meta.payload.(*archivePayload)
	if !ok {
		return fmt.Errorf("archive write without matching read")
	}
	if batch.Len() != p.n {
		return fmt.Errorf("batch has %d coordinates, archive has %d", batch.Len(), p.n)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, entry := range p.entries {
		w, err := zw.Create(entry.name)
		if err != nil {
			return fmt.Errorf("archive entry %s: %w", entry.name, err)
		}
		if entry.raw != nil {
			if _, err := w.Write(entry.raw); err != nil {
				return fmt.Errorf("archive entry %s: %w", entry.name, err)
			}
			continue
		}
		values := axisValues(batch, entry.axis)
		if err := writeArray(w, values, entry.shape); err != nil {
			return fmt.Errorf("archive entry %s: %w", entry.name, err)
		}
	}

	if meta.Provenance != nil {
		w, err := zw.Create("vshift_provenance.json")
		if err != nil {
			return err
		}
		prov, err := json.Marshal(meta.Provenance)
		if err != nil {
			return err
		}
		if _, err := w.Write(prov); err != nil {
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return writeFileAtomic(path, buf.Bytes())
}

func axisValues(batch *executor.Batch, axis byte) []float64 {
	switch axis {
	case 'x':
		return batch.X
	case 'y':
		return batch.Y
	default:
		return batch.Z
	}
}

// writeArray encodes values as NPY with the original shape. 2D grids go
// through a dense matrix so the header carries both dimensions.
func writeArray(w io.Writer, values []float64, shape []int) error {
	if len(shape) == 2 {
		return npyio.Write(w, mat.NewDense(shape[0], shape[1], values))
	}
	return npyio.Write(w, values)
}
