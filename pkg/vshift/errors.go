package vshift

import (
	"errors"
	"fmt"

	"github.com/hydrolith/vshift/internal/container"
	"github.com/hydrolith/vshift/internal/executor"
	"github.com/hydrolith/vshift/internal/registry"
	"github.com/hydrolith/vshift/internal/resolver"
)

// ErrUnknownCRS indicates a CRS identifier that resolves against neither the
// authority database nor any loaded catalog.
type ErrUnknownCRS struct {
	ID  string
	err error
}

func (e *ErrUnknownCRS) Error() string {
	return fmt.Sprintf("unknown CRS %q", e.ID)
}

func (e *ErrUnknownCRS) Unwrap() error { return e.err }

// ErrNoPath indicates no transformation path connects the two CRSs.
type ErrNoPath struct {
	From, To string
	err      error
}

func (e *ErrNoPath) Error() string {
	return fmt.Sprintf("no transformation path from %s to %s", e.From, e.To)
}

func (e *ErrNoPath) Unwrap() error { return e.err }

// ErrPartialResolution indicates that for a compound CRS pair only one of
// the horizontal and vertical components could be resolved.
type ErrPartialResolution struct {
	From, To           string
	HorizontalResolved bool
	VerticalResolved   bool
	err                error
}

func (e *ErrPartialResolution) Error() string { return e.err.Error() }

func (e *ErrPartialResolution) Unwrap() error { return e.err }

// ErrAccuracyNotMet indicates paths exist but none meets the accuracy
// policy.
type ErrAccuracyNotMet struct {
	From, To string
	Required string
	err      error
}

func (e *ErrAccuracyNotMet) Error() string { return e.err.Error() }

func (e *ErrAccuracyNotMet) Unwrap() error { return e.err }

// ErrBallparkRejected indicates a resolved or supplied step list contains a
// ballpark-accuracy step and AllowBallpark was not set.
type ErrBallparkRejected struct {
	Step string
	err  error
}

func (e *ErrBallparkRejected) Error() string { return e.err.Error() }

func (e *ErrBallparkRejected) Unwrap() error { return e.err }

// ErrStepMismatch indicates an explicit step list that does not form a
// contiguous chain from the source CRS to the destination CRS.
type ErrStepMismatch struct {
	Reason string
	err    error
}

func (e *ErrStepMismatch) Error() string { return e.err.Error() }

func (e *ErrStepMismatch) Unwrap() error { return e.err }

// ErrOutsideCoverage indicates points that no operation on the resolved
// path could transform, typically because they fall outside every datum
// grid's coverage. TransformPoints fails rather than hand back coordinates
// that were never corrected; container transforms record such points as
// no-data instead.
type ErrOutsideCoverage struct {
	Demoted int
	Total   int
}

func (e *ErrOutsideCoverage) Error() string {
	return fmt.Sprintf("%d of %d points fall outside the transformation's grid coverage", e.Demoted, e.Total)
}

// ErrTopologyViolation indicates a variable-resolution grid whose refinement
// tiles overlap, or drift apart leaving gaps, after transformation.
type ErrTopologyViolation struct {
	TileA, TileB int
	Overlap      float64
	err          error
}

func (e *ErrTopologyViolation) Error() string { return e.err.Error() }

func (e *ErrTopologyViolation) Unwrap() error { return e.err }

// wrapErr converts internal errors into the package's public error types.
// Unrecognized errors pass through unchanged.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	var unknown *registry.ErrUnknownCRS
	if errors.As(err, &unknown) {
		return &ErrUnknownCRS{ID: unknown.ID, err: err}
	}
	var noPath *resolver.ErrNoPath
	if errors.As(err, &noPath) {
		return &ErrNoPath{From: noPath.From, To: noPath.To, err: err}
	}
	var partial *resolver.ErrPartialResolution
	if errors.As(err, &partial) {
		return &ErrPartialResolution{
			From:               partial.From,
			To:                 partial.To,
			HorizontalResolved: partial.HorizontalResolved,
			VerticalResolved:   partial.VerticalResolved,
			err:                err,
		}
	}
	var notMet *resolver.ErrAccuracyNotMet
	if errors.As(err, &notMet) {
		return &ErrAccuracyNotMet{
			From:     notMet.From,
			To:       notMet.To,
			Required: notMet.Required.String(),
			err:      err,
		}
	}
	var ballpark *executor.ErrBallparkRejected
	if errors.As(err, &ballpark) {
		return &ErrBallparkRejected{Step: ballpark.Step.String(), err: err}
	}
	var mismatch *resolver.ErrStepMismatch
	if errors.As(err, &mismatch) {
		return &ErrStepMismatch{Reason: mismatch.Reason, err: err}
	}
	var topo *container.ErrTopologyViolation
	if errors.As(err, &topo) {
		return &ErrTopologyViolation{TileA: topo.TileA, TileB: topo.TileB, Overlap: topo.Overlap, err: err}
	}
	return err
}
