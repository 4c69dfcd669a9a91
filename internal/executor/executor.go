// Package executor applies composed transformation steps to coordinate
// batches.
//
// The executor is deliberately ignorant of geodesy: it asks a Factory for an
// Operator per step and handles the batching, masking, cancellation and
// out-of-domain bookkeeping around it. That keeps the cgo-backed PROJ layer
// behind one small interface and lets tests drive the executor with fakes.
package executor

import (
	"context"
	"fmt"

	"github.com/hydrolith/vshift/internal/registry"
	"github.com/hydrolith/vshift/internal/resolver"
)

// Default chunk size. Chunks bound peak scratch memory and give cancellation
// a checkpoint; the value trades call overhead against responsiveness.
const defaultChunkSize = 16384

// Operator executes one transformation step on coordinate arrays in place.
// The slices are parallel and equal-length; entries that leave the
// operation's domain come back NaN or infinite rather than failing the call.
type Operator interface {
	Transform(x, y, z, t []float64) error
	Close()
}

// Factory creates operators for operation steps. Marker steps (compose and
// decompose) never reach the factory.
type Factory interface {
	Operator(step resolver.Step) (Operator, error)
}

// Options tune one Apply call.
type Options struct {
	// ChunkSize bounds how many coordinates are in flight per operator
	// call. 0 means the default.
	ChunkSize int

	// AllowBallpark admits ballpark-class steps. Default false: a step
	// list containing a ballpark step fails with ErrBallparkRejected
	// before any coordinate moves.
	AllowBallpark bool
}

// DefaultOptions returns executor options with sensible defaults.
func DefaultOptions() Options {
	return Options{ChunkSize: defaultChunkSize}
}

// Report summarizes one Apply call.
type Report struct {
	// Transformed is the number of entries that went through every step
	// and came back finite.
	Transformed int

	// Skipped is the number of entries masked invalid on entry.
	Skipped int

	// Demoted is the number of entries pushed out of an operation's
	// domain and demoted to no-data during this call.
	Demoted int

	// Steps is the number of operation steps executed (markers excluded).
	Steps int
}

// ErrBallparkRejected indicates a step list containing a ballpark-class step
// under the default accuracy policy.
type ErrBallparkRejected struct {
	Step resolver.Step
}

func (e *ErrBallparkRejected) Error() string {
	return fmt.Sprintf("step %s is ballpark accuracy; pass AllowBallpark to accept it", e.Step)
}

// ErrStepFailed wraps an operator failure with the step that caused it.
type ErrStepFailed struct {
	Step resolver.Step
	Err  error
}

func (e *ErrStepFailed) Error() string {
	return fmt.Sprintf("step %s failed: %v", e.Step, e.Err)
}

func (e *ErrStepFailed) Unwrap() error { return e.Err }

// Apply runs the step list over the batch in place.
//
// All operators are constructed before any coordinate moves, so factory
// errors and the ballpark gate fire with the batch untouched. Coordinates
// are then processed in chunks: each chunk's valid entries are gathered into
// scratch buffers, pushed through every step, and written back only after
// the whole chunk succeeds. Entries that come back non-finite are demoted to
// no-data (Valid cleared) and counted in the report; they are never an
// error. Cancellation is honored between chunks and leaves already-written
// chunks in place.
func Apply(ctx context.Context, factory Factory, steps []resolver.Step, batch *Batch, opts Options) (*Report, error) {
	report := &Report{Skipped: batch.Len() - batch.ValidCount()}

	ops := make([]resolver.Step, 0, len(steps))
	for _, s := range steps {
		if s.Kind != resolver.StepOperation {
			continue
		}
		if s.Accuracy == registry.AccuracyBallpark && !opts.AllowBallpark {
			return nil, &ErrBallparkRejected{Step: s}
		}
		ops = append(ops, s)
	}
	report.Steps = len(ops)
	if len(ops) == 0 {
		report.Transformed = batch.ValidCount()
		return report, nil
	}

	operators := make([]Operator, 0, len(ops))
	defer func() {
		for _, op := range operators {
			op.Close()
		}
	}()
	for _, s := range ops {
		op, err := factory.Operator(s)
		if err != nil {
			return nil, &ErrStepFailed{Step: s, Err: err}
		}
		operators = append(operators, op)
	}

	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}

	scratch := newScratch(chunkSize)
	for start := 0; start < batch.Len(); start += chunkSize {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		end := start + chunkSize
		if end > batch.Len() {
			end = batch.Len()
		}

		scratch.gather(batch, start, end)
		if scratch.n == 0 {
			continue
		}
		for i, op := range operators {
			if err := op.Transform(scratch.x[:scratch.n], scratch.y[:scratch.n], scratch.z[:scratch.n], scratch.t[:scratch.n]); err != nil {
				return report, &ErrStepFailed{Step: ops[i], Err: err}
			}
		}
		transformed, demoted := scratch.scatter(batch)
		report.Transformed += transformed
		report.Demoted += demoted
	}
	return report, nil
}

// scratch holds one chunk's compacted valid entries plus their positions in
// the batch.
type scratch struct {
	x, y, z, t []float64
	idx        []int
	n          int
}

func newScratch(capacity int) *scratch {
	return &scratch{
		x:   make([]float64, capacity),
		y:   make([]float64, capacity),
		z:   make([]float64, capacity),
		t:   make([]float64, capacity),
		idx: make([]int, capacity),
	}
}

// gather compacts the valid entries of batch[start:end) into the scratch
// buffers.
func (s *scratch) gather(b *Batch, start, end int) {
	s.n = 0
	for i := start; i < end; i++ {
		if !b.Valid[i] {
			continue
		}
		s.x[s.n] = b.X[i]
		s.y[s.n] = b.Y[i]
		s.z[s.n] = b.z(i)
		s.t[s.n] = b.t(i)
		s.idx[s.n] = i
		s.n++
	}
}

// scatter writes finite results back to the batch and demotes non-finite
// ones to no-data. Returns (transformed, demoted) counts.
func (s *scratch) scatter(b *Batch) (int, int) {
	transformed, demoted := 0, 0
	for k := 0; k < s.n; k++ {
		i := s.idx[k]
		if !finite(s.x[k]) || !finite(s.y[k]) || !finite(s.z[k]) {
			b.Valid[i] = false
			demoted++
			continue
		}
		b.X[i] = s.x[k]
		b.Y[i] = s.y[k]
		if b.Z != nil {
			b.Z[i] = s.z[k]
		}
		transformed++
	}
	return transformed, demoted
}
