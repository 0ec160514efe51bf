// Package embedding turns spooled utterances into speaker vectors and
// compares them.
//
// The pure vector math ([Similarity], [Centroid]) is local and never fails on
// well-formed input. [Engine] wraps an embeddings backend with timeouts,
// tracing, metrics and typed errors. [CentroidCache] keeps the hot
// reference (centroid and threshold) per profile.
package embedding

import (
	"errors"
	"fmt"
	"math"
	"slices"
)

var (
	// ErrDimensionMismatch is returned when two vectors have different lengths.
	ErrDimensionMismatch = errors.New("embedding: dimension mismatch")

	// ErrModelMismatch is returned when two vectors come from different models.
	ErrModelMismatch = errors.New("embedding: model mismatch")

	// ErrEmptyInput is returned when an operation needs at least one input.
	ErrEmptyInput = errors.New("embedding: empty input")

	// ErrBatchFailed is returned when no item of a batch extraction succeeded.
	ErrBatchFailed = errors.New("embedding: every batch item failed")

	// ErrSpoolFailed is returned when a clip could not be written to disk
	// for the backend. No backend call was made.
	ErrSpoolFailed = errors.New("embedding: spool clip failed")
)

// Vector is a speaker embedding tagged with the model that produced it.
// Vectors are values; operations never mutate Values.
type Vector struct {
	Values  []float32
	ModelID string
}

// NewVector returns a Vector owning a copy of values.
func NewVector(values []float32, modelID string) Vector {
	return Vector{Values: slices.Clone(values), ModelID: modelID}
}

// Dim returns the vector length.
func (v Vector) Dim() int { return len(v.Values) }

// IsZero reports whether v carries no values.
func (v Vector) IsZero() bool { return len(v.Values) == 0 }

// Compatible reports whether a and b may be compared.
func Compatible(a, b Vector) error {
	if a.ModelID != b.ModelID {
		return fmt.Errorf("%w: %q vs %q", ErrModelMismatch, a.ModelID, b.ModelID)
	}
	if len(a.Values) != len(b.Values) {
		return fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a.Values), len(b.Values))
	}
	return nil
}

// Similarity returns the cosine similarity of a and b in [-1, 1]. A zero-norm
// vector has similarity 0 with everything.
func Similarity(a, b Vector) (float64, error) {
	if err := Compatible(a, b); err != nil {
		return 0, err
	}
	var dot, na, nb float64
	for i := range a.Values {
		x, y := float64(a.Values[i]), float64(b.Values[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0, nil
	}
	s := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return max(-1, min(1, s)), nil
}

// Centroid returns the element-wise mean of vs. Each dimension is summed in
// float64 over its sorted values, so the result does not depend on the order
// of vs.
func Centroid(vs []Vector) (Vector, error) {
	if len(vs) == 0 {
		return Vector{}, ErrEmptyInput
	}
	for _, v := range vs[1:] {
		if err := Compatible(vs[0], v); err != nil {
			return Vector{}, err
		}
	}
	dim := vs[0].Dim()
	out := make([]float32, dim)
	col := make([]float64, len(vs))
	for d := range dim {
		for i, v := range vs {
			col[i] = float64(v.Values[d])
		}
		slices.Sort(col)
		var sum float64
		for _, x := range col {
			sum += x
		}
		out[d] = float32(sum / float64(len(vs)))
	}
	return Vector{Values: out, ModelID: vs[0].ModelID}, nil
}

// Finite reports whether every component of v is a finite number.
func (v Vector) Finite() bool {
	for _, x := range v.Values {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return false
		}
	}
	return true
}
