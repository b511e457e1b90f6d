package optimizer

import (
	"github.com/tsawler/rsna-ich/layers"
)

// Optimizer updates parameter values from their accumulated gradients
type Optimizer interface {
	// Step performs a single optimization step using the current gradients
	Step() error

	// ZeroGrad clears the gradients of every managed parameter
	ZeroGrad()

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// LearningRate returns the current learning rate
	LearningRate() float32

	// SetLearningRate updates the learning rate
	SetLearningRate(lr float32)
}

// calculateTensorSize returns the number of elements in a tensor shape
func calculateTensorSize(shape []int) int {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return size
}

func trainable(params []*layers.Parameter) []*layers.Parameter {
	out := make([]*layers.Parameter, 0, len(params))
	for _, p := range params {
		if p.Grad != nil {
			out = append(out, p)
		}
	}
	return out
}
