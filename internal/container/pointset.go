package container

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	json "github.com/goccy/go-json"

	"github.com/hydrolith/vshift/internal/executor"
)

// PointSetAdapter reads and writes GeoJSON feature collections.
//
// Geometry coordinates are the transformable payload. Every other part of
// the document survives untouched: feature properties and ids are carried as
// raw bytes, and unknown members at both the collection and feature level
// are preserved.
type PointSetAdapter struct{}

// Shape returns ShapePointSet.
func (*PointSetAdapter) Shape() Shape { return ShapePointSet }

// pointSetDoc is the parsed document held between Read and Write.
type pointSetDoc struct {
	root      map[string]json.RawMessage
	features  []*pointSetFeature
	positions [][]any // references into the coordinate trees, batch order
}

type pointSetFeature struct {
	members  map[string]json.RawMessage
	geometry map[string]json.RawMessage // nil for null geometry
	coords   any
}

// Read parses the collection and gathers every geometry position into one
// batch, in document order.
func (a *PointSetAdapter) Read(path string) (*executor.Batch, *Meta, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading point set: %w", err)
	}

	doc := &pointSetDoc{root: make(map[string]json.RawMessage)}
	if err := json.Unmarshal(raw, &doc.root); err != nil {
		return nil, nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	var collType string
	if err := json.Unmarshal(doc.root["type"], &collType); err != nil || collType != "FeatureCollection" {
		return nil, nil, fmt.Errorf("%s: not a GeoJSON FeatureCollection", path)
	}

	var rawFeatures []json.RawMessage
	if err := json.Unmarshal(doc.root["features"], &rawFeatures); err != nil {
		return nil, nil, fmt.Errorf("%s: malformed features array: %w", path, err)
	}
	for fi, rf := range rawFeatures {
		f := &pointSetFeature{members: make(map[string]json.RawMessage)}
		if err := json.Unmarshal(rf, &f.members); err != nil {
			return nil, nil, fmt.Errorf("%s: feature %d: %w", path, fi, err)
		}
		if geom, ok := f.members["geometry"]; ok && string(geom) != "null" {
			f.geometry = make(map[string]json.RawMessage)
			if err := json.Unmarshal(geom, &f.geometry); err != nil {
				return nil, nil, fmt.Errorf("%s: feature %d geometry: %w", path, fi, err)
			}
			if coords, ok := f.geometry["coordinates"]; ok {
				if err := json.Unmarshal(coords, &f.coords); err != nil {
					return nil, nil, fmt.Errorf("%s: feature %d coordinates: %w", path, fi, err)
				}
				if err := collectPositions(f.coords, &doc.positions); err != nil {
					return nil, nil, fmt.Errorf("%s: feature %d: %w", path, fi, err)
				}
			}
		}
		doc.features = append(doc.features, f)
	}

	batch := executor.NewBatch(len(doc.positions))
	for i, pos := range doc.positions {
		batch.X[i] = pos[0].(float64)
		batch.Y[i] = pos[1].(float64)
		if len(pos) > 2 {
			batch.Z[i] = pos[2].(float64)
		}
	}
	return batch, &Meta{payload: doc}, nil
}

// collectPositions walks a GeoJSON coordinates tree depth-first and appends
// a reference to each position slice. A position is a leaf array of numbers.
func collectPositions(node any, out *[][]any) error {
	arr, ok := node.([]any)
	if !ok {
		return fmt.Errorf("malformed coordinates: %T is neither array nor position", node)
	}
	if len(arr) == 0 {
		return nil
	}
	if _, leaf := arr[0].(float64); leaf {
		if len(arr) < 2 {
			return fmt.Errorf("position has %d ordinates, want at least 2", len(arr))
		}
		for _, ord := range arr {
			if _, ok := ord.(float64); !ok {
				return fmt.Errorf("malformed position: ordinate %T is not a number", ord)
			}
		}
		*out = append(*out, arr)
		return nil
	}
	for _, child := range arr {
		if err := collectPositions(child, out); err != nil {
			return err
		}
	}
	return nil
}

// Write applies the batch back onto the coordinate trees and serializes the
// collection. Demoted entries keep their original coordinates (the batch
// never overwrote them). Output goes through a temp file and rename.
func (a *PointSetAdapter) Write(path string, batch *executor.Batch, meta *Meta) error {
	doc, ok := meta.payload.(*pointSetDoc)
	if !ok {
		return fmt.Errorf("point set write without matching read")
	}
	if batch.Len() != len(doc.positions) {
		return fmt.Errorf("batch has %d coordinates, document has %d", batch.Len(), len(doc.positions))
	}

	for i, pos := range doc.positions {
		pos[0] = batch.X[i]
		pos[1] = batch.Y[i]
		if len(pos) > 2 {
			pos[2] = batch.Z[i]
		}
	}

	features := make([]json.RawMessage, len(doc.features))
	for i, f := range doc.features {
		if f.geometry != nil {
			if f.coords != nil {
				coords, err := json.Marshal(f.coords)
				if err != nil {
					return fmt.Errorf("encoding coordinates: %w", err)
				}
				f.geometry["coordinates"] = coords
			}
			geom, err := marshalOrdered(f.geometry, []string{"type", "coordinates"})
			if err != nil {
				return err
			}
			f.members["geometry"] = geom
		}
		enc, err := marshalOrdered(f.members, []string{"type", "id", "properties", "geometry"})
		if err != nil {
			return err
		}
		features[i] = enc
	}
	encodedFeatures, err := json.Marshal(features)
	if err != nil {
		return err
	}
	doc.root["features"] = encodedFeatures

	if _, hasCRS := doc.root["crs"]; hasCRS && meta.TargetCRS != "" {
		crsMember, err := json.Marshal(map[string]any{
			"type":       "name",
			"properties": map[string]string{"name": meta.TargetCRS},
		})
		if err != nil {
			return err
		}
		doc.root["crs"] = crsMember
	}
	if meta.Provenance != nil {
		prov, err := json.Marshal(meta.Provenance)
		if err != nil {
			return err
		}
		doc.root["vshift:provenance"] = prov
	}

	out, err := marshalOrdered(doc.root, []string{"type", "name", "crs", "features"})
	if err != nil {
		return err
	}
	return writeFileAtomic(path, out)
}

// marshalOrdered encodes a raw-member map with the named keys first, in the
// given order, and the rest sorted. JSON objects decoded into Go maps lose
// member order; pinning the conventional keys keeps output diffable.
func marshalOrdered(members map[string]json.RawMessage, first []string) (json.RawMessage, error) {
	var keys []string
	emitted := make(map[string]bool)
	for _, k := range first {
		if _, ok := members[k]; ok {
			keys = append(keys, k)
			emitted[k] = true
		}
	}
	var rest []string
	for k := range members {
		if !emitted[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	keys = append(keys, rest...)

	buf := []byte{'{'}
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		name, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf = append(buf, name...)
		buf = append(buf, ':')
		buf = append(buf, members[k]...)
	}
	buf = append(buf, '}')
	return buf, nil
}

// writeFileAtomic writes via a temp file in the target directory and renames
// it into place, so readers never observe a partial container.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".vshift-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
