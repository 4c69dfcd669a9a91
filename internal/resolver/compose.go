package resolver

import (
	"fmt"

	"github.com/hydrolith/vshift/internal/registry"
)

// StepKind distinguishes coordinate-moving steps from the compound markers.
type StepKind int

const (
	// StepOperation applies a geodetic operation to the coordinates.
	StepOperation StepKind = iota

	// StepDecompose marks the split of a compound endpoint into its
	// horizontal and vertical components. No coordinate change; the
	// executor passes through.
	StepDecompose

	// StepCompose marks the recombination into a compound endpoint.
	// No coordinate change.
	StepCompose
)

// Step is one executable unit of a composed transformation. Steps are
// stateless and composable: applying a step list sequentially is the
// transformation.
type Step struct {
	// SourceCRS and TargetCRS identify the step endpoints.
	SourceCRS string
	TargetCRS string

	// Kind tags operation steps versus compound markers.
	Kind StepKind

	// Pipeline is the PROJ pipeline expression for the operation, empty
	// when the geodesy layer should construct it from the CRS pair.
	Pipeline string

	// Inverse applies the operation target→source.
	Inverse bool

	// Accuracy is the operation's accuracy class; the executor gates
	// ballpark steps on it.
	Accuracy registry.Accuracy

	// GridFiles names datum-shift grids the step needs at run time.
	GridFiles []string

	// Name is the operation's catalog name, for reporting.
	Name string
}

// String renders the step for logs and errors.
func (s Step) String() string {
	switch s.Kind {
	case StepDecompose:
		return fmt.Sprintf("decompose %s", s.SourceCRS)
	case StepCompose:
		return fmt.Sprintf("compose %s", s.TargetCRS)
	default:
		dir := ""
		if s.Inverse {
			dir = " (inverse)"
		}
		return fmt.Sprintf("%s -> %s%s", s.SourceCRS, s.TargetCRS, dir)
	}
}

// Compose converts a resolved path into an ordered executable step list.
//
// Each consecutive node pair maps to one operation step using the edge the
// resolver actually selected. Compound endpoints contribute decompose and
// compose marker steps so the caller can see where the horizontal and
// vertical components split and recombine; markers never move coordinates.
func Compose(p *Path) []Step {
	if p == nil {
		return nil
	}
	steps := make([]Step, 0, len(p.Edges)+2)

	if p.From.IsCompound() && len(p.Edges) > 0 {
		steps = append(steps, Step{
			SourceCRS: p.From.ID,
			TargetCRS: p.From.ID,
			Kind:      StepDecompose,
		})
	}

	for i := range p.Edges {
		e := &p.Edges[i]
		src := p.Nodes[i].ID
		dst := p.Nodes[i+1].ID
		steps = append(steps, Step{
			SourceCRS: src,
			TargetCRS: dst,
			Kind:      StepOperation,
			Pipeline:  e.Op.Pipeline,
			Inverse:   e.Inverse,
			Accuracy:  e.Op.Accuracy,
			GridFiles: e.Op.GridFiles,
			Name:      e.Op.Name,
		})
	}

	if p.To.IsCompound() && len(p.Edges) > 0 {
		steps = append(steps, Step{
			SourceCRS: p.To.ID,
			TargetCRS: p.To.ID,
			Kind:      StepCompose,
		})
	}
	return steps
}

// ValidateSteps checks a caller-supplied explicit step list before any
// coordinate is touched: the chain must start at from, terminate at to, and
// be contiguous.
func ValidateSteps(steps []Step, fromID, toID string) error {
	ops := make([]Step, 0, len(steps))
	for _, s := range steps {
		if s.Kind == StepOperation {
			ops = append(ops, s)
		}
	}
	if len(ops) == 0 {
		return &ErrStepMismatch{Reason: "step list contains no operations"}
	}
	if ops[0].SourceCRS != fromID {
		return &ErrStepMismatch{Reason: fmt.Sprintf(
			"first step starts at %s, want source %s", ops[0].SourceCRS, fromID)}
	}
	if ops[len(ops)-1].TargetCRS != toID {
		return &ErrStepMismatch{Reason: fmt.Sprintf(
			"last step ends at %s, want destination %s", ops[len(ops)-1].TargetCRS, toID)}
	}
	for i := 0; i+1 < len(ops); i++ {
		if ops[i].TargetCRS != ops[i+1].SourceCRS {
			return &ErrStepMismatch{Reason: fmt.Sprintf(
				"step %d ends at %s but step %d starts at %s",
				i, ops[i].TargetCRS, i+1, ops[i+1].SourceCRS)}
		}
	}
	return nil
}

// ErrStepMismatch indicates an explicit step list that does not form a valid
// chain between the requested endpoints.
type ErrStepMismatch struct {
	Reason string
}

func (e *ErrStepMismatch) Error() string {
	return "invalid explicit step list: " + e.Reason
}
