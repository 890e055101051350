package inference

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrLoad    = errors.New("module load failed")
	ErrForward = errors.New("forward pass failed")
	ErrTimeout = errors.New("forward pass timed out")
	ErrShape   = errors.New("tensor shape mismatch")
)

// Module runs a forward pass on a fixed-shape input. Implementations are
// read-only after loading but not safe for concurrent Forward calls.
type Module interface {
	Forward(ctx context.Context, in Tensor) (Tensor, error)
	Close(ctx context.Context) error
}

// Tensor is a dense row-major tensor holding either float32 or int64 data.
type Tensor struct {
	Shape   []int64
	Float32 []float32
	Int64   []int64
}

// NewFloat32 builds a float32 tensor and checks that data fills the shape.
func NewFloat32(shape []int64, data []float32) (Tensor, error) {
	t := Tensor{Shape: shape, Float32: data}
	return t, t.Validate()
}

// NewInt64 builds an int64 tensor and checks that data fills the shape.
func NewInt64(shape []int64, data []int64) (Tensor, error) {
	t := Tensor{Shape: shape, Int64: data}
	return t, t.Validate()
}

// Elements is the product of the shape dimensions.
func (t Tensor) Elements() int64 {
	if len(t.Shape) == 0 {
		return 0
	}
	n := int64(1)
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Len is the number of stored values.
func (t Tensor) Len() int {
	if t.Int64 != nil {
		return len(t.Int64)
	}
	return len(t.Float32)
}

func (t Tensor) Validate() error {
	if t.Float32 != nil && t.Int64 != nil {
		return fmt.Errorf("%w: tensor holds both float32 and int64 data", ErrShape)
	}
	for _, d := range t.Shape {
		if d <= 0 {
			return fmt.Errorf("%w: non-positive dimension in %v", ErrShape, t.Shape)
		}
	}
	if int64(t.Len()) != t.Elements() {
		return fmt.Errorf("%w: shape %v wants %d values, got %d", ErrShape, t.Shape, t.Elements(), t.Len())
	}
	return nil
}
