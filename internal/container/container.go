// Package container adapts geospatial file formats to coordinate batches.
//
// Each adapter knows one container shape: how to pull its coordinates into
// an executor.Batch, and how to write the transformed batch back out without
// disturbing anything else the file carries. Payload values (depths,
// attributes, band data) cross the package boundary opaquely; only
// coordinates and georeferencing change.
package container

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/hydrolith/vshift/internal/executor"
)

// Shape identifies a container format family.
type Shape int

const (
	ShapeUnknown Shape = iota

	// ShapePointSet is a GeoJSON feature collection.
	ShapePointSet

	// ShapeRaster is a GDAL-readable gridded raster (GeoTIFF and friends).
	ShapeRaster

	// ShapeVRGrid is a variable-resolution BAG grid (HDF5).
	ShapeVRGrid

	// ShapePointCloud is a SQLite point store.
	ShapePointCloud

	// ShapeArchive is an NPZ archive of named arrays.
	ShapeArchive
)

// String returns the shape name.
func (s Shape) String() string {
	switch s {
	case ShapePointSet:
		return "pointset"
	case ShapeRaster:
		return "raster"
	case ShapeVRGrid:
		return "vrgrid"
	case ShapePointCloud:
		return "pointcloud"
	case ShapeArchive:
		return "archive"
	default:
		return "unknown"
	}
}

// DetectShape maps a file path to its container shape by extension.
func DetectShape(path string) Shape {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".geojson":
		return ShapePointSet
	case ".tif", ".tiff":
		return ShapeRaster
	case ".bag":
		return ShapeVRGrid
	case ".db", ".sqlite", ".gpkg":
		return ShapePointCloud
	case ".npz":
		return ShapeArchive
	default:
		return ShapeUnknown
	}
}

// Provenance stamps an output container with how it was produced.
type Provenance struct {
	JobID     string `json:"job_id" yaml:"job_id"`
	SourceCRS string `json:"source_crs" yaml:"source_crs"`
	TargetCRS string `json:"target_crs" yaml:"target_crs"`
	Pipeline  string `json:"pipeline" yaml:"pipeline"`
}

// Meta carries container state from Read to Write. The payload field is
// adapter-private; callers only set the CRS identifiers and provenance.
type Meta struct {
	// SourceCRS and TargetCRS are the container's CRS before and after
	// transformation. Write stamps TargetCRS into the output's
	// georeferencing where the format records one.
	SourceCRS string
	TargetCRS string

	// Provenance, when non-nil, is recorded in the output container.
	Provenance *Provenance

	payload any
}

// Adapter reads a container's coordinates into a batch and writes the
// transformed batch to a new container. Read must release all file handles
// before returning; Write must not leave a partial output behind on error.
type Adapter interface {
	Shape() Shape
	Read(path string) (*executor.Batch, *Meta, error)
	Write(path string, batch *executor.Batch, meta *Meta) error
}

// ForShape returns the adapter for a shape.
func ForShape(s Shape) (Adapter, error) {
	switch s {
	case ShapePointSet:
		return &PointSetAdapter{}, nil
	case ShapeRaster:
		return &RasterAdapter{}, nil
	case ShapeVRGrid:
		return &VRGridAdapter{}, nil
	case ShapePointCloud:
		return &PointCloudAdapter{}, nil
	case ShapeArchive:
		return &ArchiveAdapter{}, nil
	default:
		return nil, fmt.Errorf("no adapter for container shape %q", s)
	}
}

// ForPath returns the adapter matching a file path's extension.
func ForPath(path string) (Adapter, error) {
	shape := DetectShape(path)
	if shape == ShapeUnknown {
		return nil, fmt.Errorf("cannot infer container shape from %q", path)
	}
	return ForShape(shape)
}
