package executor

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydrolith/vshift/internal/registry"
	"github.com/hydrolith/vshift/internal/resolver"
)

// fakeOperator shifts coordinates by fixed deltas and can poison selected
// input x values with NaN to simulate out-of-domain results.
type fakeOperator struct {
	dx, dy, dz float64
	poisonX    float64
	err        error
	calls      int
	closed     bool
}

func (f *fakeOperator) Transform(x, y, z, t []float64) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	for i := range x {
		if f.poisonX != 0 && x[i] == f.poisonX {
			x[i] = math.NaN()
			continue
		}
		x[i] += f.dx
		y[i] += f.dy
		z[i] += f.dz
	}
	return nil
}

func (f *fakeOperator) Close() { f.closed = true }

type fakeFactory struct {
	operators map[string]*fakeOperator
	err       error
}

func (f *fakeFactory) Operator(step resolver.Step) (Operator, error) {
	if f.err != nil {
		return nil, f.err
	}
	op, ok := f.operators[step.Name]
	if !ok {
		op = &fakeOperator{}
	}
	return op, nil
}

func opStep(name string, acc registry.Accuracy) resolver.Step {
	return resolver.Step{
		SourceCRS: "A:1", TargetCRS: "A:2",
		Kind: resolver.StepOperation, Name: name, Accuracy: acc,
	}
}

func TestApplyShiftsValidEntries(t *testing.T) {
	b := NewBatch(4)
	for i := range b.X {
		b.X[i] = float64(i)
		b.Y[i] = float64(i) * 10
		b.Z[i] = 100
	}
	b.Valid[2] = false

	shift := &fakeOperator{dx: 1, dz: -5}
	factory := &fakeFactory{operators: map[string]*fakeOperator{"shift": shift}}

	report, err := Apply(context.Background(), factory,
		[]resolver.Step{opStep("shift", registry.AccuracyExact)}, b, DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, 3, report.Transformed)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 0, report.Demoted)
	assert.Equal(t, []float64{1, 2, 2, 4}, b.X, "invalid entry untouched")
	assert.Equal(t, 95.0, b.Z[0])
	assert.Equal(t, 100.0, b.Z[2])
	assert.True(t, shift.closed)
}

func TestApplyChainsSteps(t *testing.T) {
	b := NewBatch(1)
	factory := &fakeFactory{operators: map[string]*fakeOperator{
		"a": {dx: 1},
		"b": {dx: 10},
	}}
	steps := []resolver.Step{
		opStep("a", registry.AccuracyExact),
		opStep("b", registry.AccuracyMedium),
	}
	report, err := Apply(context.Background(), factory, steps, b, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Steps)
	assert.Equal(t, 11.0, b.X[0])
}

func TestApplySkipsMarkerSteps(t *testing.T) {
	b := NewBatch(1)
	factory := &fakeFactory{}
	steps := []resolver.Step{
		{Kind: resolver.StepDecompose, SourceCRS: "A:1+B:1"},
		{Kind: resolver.StepCompose, TargetCRS: "A:2+B:1"},
	}
	report, err := Apply(context.Background(), factory, steps, b, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Steps)
	assert.Equal(t, 1, report.Transformed)
	assert.Equal(t, 0.0, b.X[0])
}

func TestApplyBallparkGate(t *testing.T) {
	b := NewBatch(2)
	b.X[0] = 7
	shift := &fakeOperator{dx: 1}
	factory := &fakeFactory{operators: map[string]*fakeOperator{"rough": shift}}
	steps := []resolver.Step{opStep("rough", registry.AccuracyBallpark)}

	_, err := Apply(context.Background(), factory, steps, b, DefaultOptions())
	var rejected *ErrBallparkRejected
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, 0, shift.calls, "gate fires before any coordinate moves")
	assert.Equal(t, 7.0, b.X[0])

	opts := DefaultOptions()
	opts.AllowBallpark = true
	report, err := Apply(context.Background(), factory, steps, b, opts)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Transformed)
	assert.Equal(t, 8.0, b.X[0])
}

func TestApplyDemotesNonFinite(t *testing.T) {
	b := NewBatch(3)
	b.X[0], b.X[1], b.X[2] = 1, 2, 3

	// x == 2 falls outside the fake operation's domain.
	poison := &fakeOperator{dx: 1, poisonX: 2}
	factory := &fakeFactory{operators: map[string]*fakeOperator{"grid": poison}}

	report, err := Apply(context.Background(), factory,
		[]resolver.Step{opStep("grid", registry.AccuracyExact)}, b, DefaultOptions())
	require.NoError(t, err, "out-of-domain entries are demoted, never an error")

	assert.Equal(t, 2, report.Transformed)
	assert.Equal(t, 1, report.Demoted)
	assert.False(t, b.Valid[1])
	assert.Equal(t, 2.0, b.X[1], "demoted entry keeps its input value")
	assert.Equal(t, 4.0, b.X[2])
}

func TestApplyOperatorError(t *testing.T) {
	b := NewBatch(2)
	b.X[0], b.X[1] = 5, 6
	boom := errors.New("grid file missing")
	factory := &fakeFactory{operators: map[string]*fakeOperator{
		"bad": {err: boom},
	}}

	opts := DefaultOptions()
	opts.ChunkSize = 1
	_, err := Apply(context.Background(), factory,
		[]resolver.Step{opStep("bad", registry.AccuracyExact)}, b, opts)

	var failed *ErrStepFailed
	require.True(t, errors.As(err, &failed))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 5.0, b.X[0], "failed chunk is not written back")
}

func TestApplyFactoryError(t *testing.T) {
	b := NewBatch(1)
	factory := &fakeFactory{err: errors.New("no such pipeline")}
	_, err := Apply(context.Background(), factory,
		[]resolver.Step{opStep("x", registry.AccuracyExact)}, b, DefaultOptions())
	var failed *ErrStepFailed
	assert.True(t, errors.As(err, &failed))
}

func TestApplyChunking(t *testing.T) {
	const n = 10
	b := NewBatch(n)
	shift := &fakeOperator{dx: 1}
	factory := &fakeFactory{operators: map[string]*fakeOperator{"shift": shift}}

	opts := DefaultOptions()
	opts.ChunkSize = 3
	report, err := Apply(context.Background(), factory,
		[]resolver.Step{opStep("shift", registry.AccuracyExact)}, b, opts)
	require.NoError(t, err)
	assert.Equal(t, n, report.Transformed)
	assert.Equal(t, 4, shift.calls, "ceil(10/3) chunks")
}

func TestApplyCancellation(t *testing.T) {
	b := NewBatch(4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	factory := &fakeFactory{operators: map[string]*fakeOperator{"shift": {dx: 1}}}
	_, err := Apply(ctx, factory,
		[]resolver.Step{opStep("shift", registry.AccuracyExact)}, b, DefaultOptions())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0.0, b.X[0], "no writes after cancellation")
}

func TestApplyEmptyStepList(t *testing.T) {
	b := NewBatch(2)
	b.Valid[1] = false
	report, err := Apply(context.Background(), &fakeFactory{}, nil, b, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Transformed)
	assert.Equal(t, 1, report.Skipped)
}

func TestBatch2D(t *testing.T) {
	b := &Batch{
		X:     []float64{1, 2},
		Y:     []float64{3, 4},
		Valid: []bool{true, true},
	}
	shift := &fakeOperator{dx: 1, dz: 99}
	factory := &fakeFactory{operators: map[string]*fakeOperator{"shift": shift}}
	report, err := Apply(context.Background(), factory,
		[]resolver.Step{opStep("shift", registry.AccuracyExact)}, b, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Transformed)
	assert.Nil(t, b.Z, "2D batch stays 2D")
	assert.Equal(t, 2.0, b.X[0])
}
