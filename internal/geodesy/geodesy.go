// Package geodesy is the module's single binding to the PROJ library.
//
// Everything cgo-backed lives here: CRS validation, pipeline construction
// and coordinate transformation all go through a Context. The rest of the
// module sees only the executor.Factory interface, so it builds and tests
// without PROJ installed.
//
// A Context and the operators it creates are not safe for concurrent use;
// callers serialize access, which matches the synchronous per-call execution
// model.
package geodesy

import (
	"fmt"
	"math"

	"github.com/pebbe/proj/v5"

	"github.com/hydrolith/vshift/internal/executor"
	"github.com/hydrolith/vshift/internal/resolver"
)

// Context owns one PROJ threading context and creates operators on it.
type Context struct {
	ctx      *proj.Context
	alwaysXY bool
}

// NewContext creates a PROJ context. AlwaysXY normalizes every operator to
// longitude/latitude (easting/northing) axis order regardless of the
// authority definition, the convention geospatial containers store.
func NewContext(alwaysXY bool) *Context {
	return &Context{ctx: proj.NewContext(), alwaysXY: alwaysXY}
}

// Close releases the PROJ context. Operators created from it must be closed
// first.
func (c *Context) Close() {
	if c.ctx != nil {
		c.ctx.Close()
		c.ctx = nil
	}
}

// ValidateCRS checks that PROJ can instantiate the identifier.
func (c *Context) ValidateCRS(id string) error {
	pj, err := c.ctx.Create(id)
	if err != nil {
		return fmt.Errorf("CRS %s not instantiable: %w", id, err)
	}
	pj.Close()
	return nil
}

// Operator builds the PROJ transformation for one step. Steps carrying an
// explicit pipeline expression are instantiated verbatim; otherwise PROJ
// derives the operation from the CRS pair. Implements executor.Factory.
//
// CreateCRS2CRS yields operations in traditional GIS axis order, longitude
// or easting first, which is the order containers store. When the caller
// asked for authority axis order instead, the operator swaps x and y on
// both ends; catalogs mixing conventions within one path must supply
// explicit pipelines.
func (c *Context) Operator(step resolver.Step) (executor.Operator, error) {
	var pj *proj.PJ
	var err error
	swap := false
	if step.Pipeline != "" {
		pj, err = c.ctx.Create(step.Pipeline)
	} else {
		pj, err = c.ctx.CreateCRS2CRS(step.SourceCRS, step.TargetCRS)
		swap = !c.alwaysXY
	}
	if err != nil {
		return nil, fmt.Errorf("creating operation %s -> %s: %w", step.SourceCRS, step.TargetCRS, err)
	}

	dir := proj.Fwd
	if step.Inverse {
		dir = proj.Inv
	}
	return &operator{pj: pj, dir: dir, swapAxes: swap}, nil
}

// operator applies one PROJ transformation scalar-wise over a chunk.
type operator struct {
	pj       *proj.PJ
	dir      proj.Direction
	swapAxes bool
}

// Transform converts the chunk in place. Points PROJ cannot transform, out
// of a grid's coverage for instance, are marked non-finite for the executor
// to demote rather than failing the chunk; pipeline construction problems
// already failed at Operator time.
func (o *operator) Transform(x, y, z, t []float64) error {
	for i := range x {
		xin, yin := x[i], y[i]
		if o.swapAxes {
			xin, yin = yin, xin
		}
		xi, yi, zi, ti, err := o.pj.Trans(o.dir, xin, yin, z[i], t[i])
		if err != nil {
			x[i] = math.NaN()
			y[i] = math.NaN()
			continue
		}
		if o.swapAxes {
			xi, yi = yi, xi
		}
		x[i], y[i], z[i], t[i] = xi, yi, zi, ti
	}
	return nil
}

// Close releases the underlying PROJ object.
func (o *operator) Close() {
	if o.pj != nil {
		o.pj.Close()
		o.pj = nil
	}
}
