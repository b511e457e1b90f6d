package optimizer

import (
	"math"

	"github.com/pkg/errors"
	"github.com/tsawler/rsna-ich/layers"
)

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32 // L2 penalty added to the gradient
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// AdamOptimizer keeps first and second moment estimates per parameter
type AdamOptimizer struct {
	config AdamConfig
	params []*layers.Parameter

	momentum [][]float32
	variance [][]float32

	stepCount uint64
}

// NewAdamOptimizer creates an Adam optimizer over the learnable parameters.
// Buffers (parameters without gradients) are ignored.
func NewAdamOptimizer(config AdamConfig, params []*layers.Parameter) (*AdamOptimizer, error) {
	params = trainable(params)
	if len(params) == 0 {
		return nil, errors.New("no parameters to optimize")
	}
	if config.LearningRate <= 0 {
		return nil, errors.Errorf("learning rate must be positive, got %g", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 || config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, errors.Errorf("betas must be in [0, 1), got %g, %g", config.Beta1, config.Beta2)
	}
	if config.Epsilon <= 0 {
		return nil, errors.Errorf("epsilon must be positive, got %g", config.Epsilon)
	}

	adam := &AdamOptimizer{
		config:   config,
		params:   params,
		momentum: make([][]float32, len(params)),
		variance: make([][]float32, len(params)),
	}
	for i, p := range params {
		size := calculateTensorSize(p.Value.Shape)
		adam.momentum[i] = make([]float32, size)
		adam.variance[i] = make([]float32, size)
	}
	return adam, nil
}

// Step applies one bias-corrected Adam update
func (adam *AdamOptimizer) Step() error {
	adam.stepCount++
	t := float64(adam.stepCount)
	c := adam.config
	bc1 := 1 - math.Pow(float64(c.Beta1), t)
	bc2 := 1 - math.Pow(float64(c.Beta2), t)
	stepSize := float64(c.LearningRate) / bc1
	sqrtBC2 := math.Sqrt(bc2)

	b1, b2 := float64(c.Beta1), float64(c.Beta2)
	for i, p := range adam.params {
		w, g := p.Value.Data, p.Grad.Data
		if len(w) != len(g) {
			return errors.Errorf("parameter %s: %d values but %d gradients", p.Name, len(w), len(g))
		}
		m, v := adam.momentum[i], adam.variance[i]
		for j := range w {
			grad := float64(g[j])
			if c.WeightDecay != 0 {
				grad += float64(c.WeightDecay) * float64(w[j])
			}
			mj := b1*float64(m[j]) + (1-b1)*grad
			vj := b2*float64(v[j]) + (1-b2)*grad*grad
			m[j], v[j] = float32(mj), float32(vj)
			denom := math.Sqrt(vj)/sqrtBC2 + float64(c.Epsilon)
			w[j] -= float32(stepSize * mj / denom)
		}
	}
	return nil
}

// ZeroGrad clears parameter gradients
func (adam *AdamOptimizer) ZeroGrad() {
	layers.ZeroGrad(adam.params)
}

// GetStepCount returns the number of steps taken
func (adam *AdamOptimizer) GetStepCount() uint64 {
	return adam.stepCount
}

func (adam *AdamOptimizer) LearningRate() float32 {
	return adam.config.LearningRate
}

// SetLearningRate changes the learning rate for subsequent steps; moment
// estimates are kept.
func (adam *AdamOptimizer) SetLearningRate(lr float32) {
	adam.config.LearningRate = lr
}
