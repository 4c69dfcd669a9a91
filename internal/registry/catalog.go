package registry

import (
	"fmt"
	"os"

	"github.com/paulmach/orb"
	"gopkg.in/yaml.v3"

	"github.com/hydrolith/vshift/internal/crs"
)

// catalogFile is the YAML document shape for custom operation catalogs.
//
// Example:
//
//	crs:
//	  - id: NOAA:5224
//	    kind: vertical
//	    name: MLLW height
//	operations:
//	  - name: NAD83(2011) height to MLLW (Hawaii)
//	    source: EPSG:6318
//	    target: EPSG:6318+NOAA:5224
//	    accuracy: exact
//	    accuracy_meters: 0.05
//	    pipeline: "+proj=pipeline +step +inv +proj=vgridshift +grids=mllw_hi.tif"
//	    grids: [mllw_hi.tif]
//	    reversible: true
//	    coverage: {min_lon: -161.0, min_lat: 18.5, max_lon: -154.5, max_lat: 22.5}
type catalogFile struct {
	CRS        []catalogCRS       `yaml:"crs"`
	Operations []catalogOperation `yaml:"operations"`
}

type catalogCRS struct {
	ID   string `yaml:"id"`
	Kind string `yaml:"kind"`
	Name string `yaml:"name"`
}

type catalogOperation struct {
	Name           string          `yaml:"name"`
	Source         string          `yaml:"source"`
	Target         string          `yaml:"target"`
	Accuracy       string          `yaml:"accuracy"`
	AccuracyMeters float64         `yaml:"accuracy_meters"`
	Pipeline       string          `yaml:"pipeline"`
	Grids          []string        `yaml:"grids"`
	Reversible     bool            `yaml:"reversible"`
	Global         bool            `yaml:"global"`
	Coverage       *catalogExtent  `yaml:"coverage"`
}

type catalogExtent struct {
	MinLon float64 `yaml:"min_lon"`
	MinLat float64 `yaml:"min_lat"`
	MaxLon float64 `yaml:"max_lon"`
	MaxLat float64 `yaml:"max_lat"`
}

// LoadCatalog reads a custom YAML operation catalog into the registry.
//
// Every CRS named by an operation must either exist in the authority
// database already loaded, or be declared in the file's crs section.
func (r *Registry) LoadCatalog(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read catalog: %w", err)
	}
	return r.loadCatalogBytes(data, path)
}

func (r *Registry) loadCatalogBytes(data []byte, path string) error {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse catalog %s: %w", path, err)
	}

	for _, c := range file.CRS {
		node, err := crs.Parse(c.ID)
		if err != nil {
			return fmt.Errorf("catalog %s: %w", path, err)
		}
		kind := crs.KindUnknown
		switch c.Kind {
		case "horizontal":
			kind = crs.KindHorizontal
		case "vertical":
			kind = crs.KindVertical
		case "compound":
			kind = crs.KindCompound
		default:
			return fmt.Errorf("catalog %s: crs %s: unknown kind %q", path, c.ID, c.Kind)
		}
		r.DeclareCRS(node.ID, kind)
	}

	for i, o := range file.Operations {
		acc, err := ParseAccuracy(o.Accuracy)
		if err != nil {
			return fmt.Errorf("catalog %s: operation %d (%s): %w", path, i, o.Name, err)
		}
		src, err := crs.Parse(o.Source)
		if err != nil {
			return fmt.Errorf("catalog %s: operation %d (%s): %w", path, i, o.Name, err)
		}
		dst, err := crs.Parse(o.Target)
		if err != nil {
			return fmt.Errorf("catalog %s: operation %d (%s): %w", path, i, o.Name, err)
		}
		if !o.Global && o.Coverage == nil {
			return fmt.Errorf("catalog %s: operation %d (%s): needs coverage or global: true", path, i, o.Name)
		}

		// Compound endpoints declare their components implicitly.
		declareParts(r, src)
		declareParts(r, dst)

		op := Operation{
			Source:         src.ID,
			Target:         dst.ID,
			Name:           o.Name,
			Accuracy:       acc,
			AccuracyMeters: o.AccuracyMeters,
			Pipeline:       o.Pipeline,
			GridFiles:      o.Grids,
			Reversible:     o.Reversible,
			Global:         o.Global,
		}
		if o.Coverage != nil {
			op.Coverage = orb.Bound{
				Min: orb.Point{o.Coverage.MinLon, o.Coverage.MinLat},
				Max: orb.Point{o.Coverage.MaxLon, o.Coverage.MaxLat},
			}
		}
		r.Register(op)
	}
	return nil
}

// declareParts makes sure the CRSs named by an operation endpoint resolve.
// Single identifiers default to horizontal when nothing declared them; a
// vertical CRS must be declared explicitly (crs section or authority DB).
func declareParts(r *Registry, node crs.Node) {
	if node.IsCompound() {
		r.DeclareCRS(node.HorizontalID, crs.KindHorizontal)
		r.DeclareCRS(node.VerticalID, crs.KindVertical)
		r.DeclareCRS(node.ID, crs.KindCompound)
		return
	}
	r.DeclareCRS(node.ID, crs.KindHorizontal)
}
