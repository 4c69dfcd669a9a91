package executor

import "math"

// Batch is one container's worth of coordinates handed to the executor.
//
// X, Y and Z are parallel slices. Z and T may be nil for 2D data; a nil T
// means epoch-less coordinates. Valid masks entries the adapter wants
// transformed: no-data cells enter with Valid[i] == false and leave
// untouched. The batch is owned by the calling adapter for the duration of
// one Apply call.
type Batch struct {
	X, Y, Z, T []float64
	Valid      []bool
}

// NewBatch allocates a 3D batch of n coordinates with every entry valid.
func NewBatch(n int) *Batch {
	b := &Batch{
		X:     make([]float64, n),
		Y:     make([]float64, n),
		Z:     make([]float64, n),
		Valid: make([]bool, n),
	}
	for i := range b.Valid {
		b.Valid[i] = true
	}
	return b
}

// Len returns the number of coordinates in the batch.
func (b *Batch) Len() int { return len(b.X) }

// ValidCount returns the number of entries still marked valid.
func (b *Batch) ValidCount() int {
	n := 0
	for _, v := range b.Valid {
		if v {
			n++
		}
	}
	return n
}

// z returns the vertical value at i, or 0 for 2D batches.
func (b *Batch) z(i int) float64 {
	if b.Z == nil {
		return 0
	}
	return b.Z[i]
}

// t returns the epoch at i, or 0 for epoch-less batches.
func (b *Batch) t(i int) float64 {
	if b.T == nil {
		return 0
	}
	return b.T[i]
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
