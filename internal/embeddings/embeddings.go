package embeddings

import (
	"context"
	"errors"
	"math"
)

var (
	ErrZeroNorm          = errors.New("vector has zero norm")
	ErrEmptyVector       = errors.New("vector is empty")
	ErrDimensionMismatch = errors.New("vector dimensions differ")
	ErrNonFinite         = errors.New("vector contains non-finite values")
)

// Vector is a simple float32 slice wrapper.
type Vector []float32

// Embedder produces unit-norm embeddings for images and query words.
type Embedder interface {
	EmbedImage(ctx context.Context, data []byte) (Vector, error)
	EmbedText(ctx context.Context, word string) (Vector, error)
}

// Norm returns the Euclidean norm of v, accumulated in float64.
func Norm(v Vector) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// Normalize returns a copy of v scaled to unit length.
// A zero vector has no direction and is rejected instead of producing NaN.
func Normalize(v Vector) (Vector, error) {
	if len(v) == 0 {
		return nil, ErrEmptyVector
	}
	for _, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return nil, ErrNonFinite
		}
	}
	norm := Norm(v)
	if norm == 0 {
		return nil, ErrZeroNorm
	}
	out := make(Vector, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out, nil
}

// CosineSimilarity returns dot(a, b) / (|a| * |b|), clamped to [-1, 1].
func CosineSimilarity(a, b Vector) (float32, error) {
	if len(a) == 0 || len(b) == 0 {
		return 0, ErrEmptyVector
	}
	if len(a) != len(b) {
		return 0, ErrDimensionMismatch
	}

	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0, ErrZeroNorm
	}

	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if math.IsNaN(sim) || math.IsInf(sim, 0) {
		return 0, ErrNonFinite
	}
	// rounding can push identical directions just past 1
	return float32(math.Max(-1, math.Min(1, sim))), nil
}
