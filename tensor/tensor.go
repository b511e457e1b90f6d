package tensor

import (
	"fmt"

	"github.com/pkg/errors"
)

// Tensor is a dense, row-major float32 array. Image batches use NCHW layout.
type Tensor struct {
	Shape []int
	Data  []float32
}

// New allocates a zero-filled tensor with the given shape
func New(shape ...int) *Tensor {
	if err := validateShape(shape); err != nil {
		panic(err)
	}
	s := make([]int, len(shape))
	copy(s, shape)
	return &Tensor{
		Shape: s,
		Data:  make([]float32, calculateNumElements(shape)),
	}
}

// FromData wraps data without copying. The length of data must match the shape.
func FromData(data []float32, shape ...int) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	if n := calculateNumElements(shape); n != len(data) {
		return nil, errors.Errorf("data length %d doesn't match shape %v (expected %d)", len(data), shape, n)
	}
	s := make([]int, len(shape))
	copy(s, shape)
	return &Tensor{Shape: s, Data: data}, nil
}

// Len returns the number of elements
func (t *Tensor) Len() int {
	return len(t.Data)
}

// Dim returns the size of dimension i
func (t *Tensor) Dim(i int) int {
	return t.Shape[i]
}

// Clone returns a deep copy
func (t *Tensor) Clone() *Tensor {
	c := New(t.Shape...)
	copy(c.Data, t.Data)
	return c
}

// ZerosLike allocates a zero tensor with the same shape as t
func ZerosLike(t *Tensor) *Tensor {
	return New(t.Shape...)
}

// Reshape returns a view of t with a new shape. The data is shared.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	if calculateNumElements(shape) != len(t.Data) {
		return nil, errors.Errorf("cannot reshape %v into %v", t.Shape, shape)
	}
	s := make([]int, len(shape))
	copy(s, shape)
	return &Tensor{Shape: s, Data: t.Data}, nil
}

// Zero sets every element to 0
func (t *Tensor) Zero() {
	for i := range t.Data {
		t.Data[i] = 0
	}
}

// SameShape reports whether a and b have identical shapes
func SameShape(a, b *Tensor) bool {
	if len(a.Shape) != len(b.Shape) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	return true
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, elements=%d)", t.Shape, len(t.Data))
}

// NumElements returns the product of the dimensions of shape
func NumElements(shape []int) int {
	return calculateNumElements(shape)
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}
	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return errors.New("invalid shape: no dimensions")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return errors.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}
