// Package vshift transforms coordinates and geospatial containers between
// coordinate reference systems, including the vertical datum changes that
// general-purpose reprojection tools silently skip.
//
// A CRS is named by authority identifier, "EPSG:6346", and a vertical
// binding rides after a plus sign: "EPSG:6346+NOAA:5224" is UTM zone 19N
// horizontal with MLLW heights. The transformation path between two CRSs is
// resolved over an operation catalog assembled from the PROJ authority
// database and custom YAML catalogs, preferring direct and accurate
// operations, and refusing ballpark approximations unless asked.
//
// Basic usage:
//
//	tr, err := vshift.New("EPSG:6346", "EPSG:6346+NOAA:5224",
//	    vshift.WithAuthorityDB("/usr/share/proj/proj.db"),
//	    vshift.WithCatalog("noaa_vdatum.yaml"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tr.Close()
//
//	x, y, z, err := tr.TransformPoints(
//	    []float64{367500.0}, []float64{4805000.0}, []float64{-12.4})
//
// Containers transform whole-file, with everything except coordinates and
// georeferencing preserved:
//
//	err = tr.Transform("survey.bag", "survey_mllw.bag")
//
// Supported container shapes are GeoJSON point sets, GDAL rasters,
// variable-resolution BAG grids, SQLite point stores and NPZ archives; see
// Transformer.Transform for shape dispatch.
//
// Resolution failures are typed: errors.As against ErrNoPath,
// ErrPartialResolution, ErrAccuracyNotMet and friends tells callers exactly
// why a pair of CRSs cannot be connected.
package vshift
