package layers

import (
	"math"
	"math/rand"
)

// Initialize fills convolution weights with Kaiming-normal (fan-out, ReLU)
// values and dense layers with U(-1/√in, 1/√in), recursing into children.
// Batch-norm layers keep their constructor defaults.
func Initialize(m Module, rng *rand.Rand) {
	switch l := m.(type) {
	case *Conv2DLayer:
		fanOut := l.outChannels * l.kernelSize * l.kernelSize
		std := math.Sqrt(2 / float64(fanOut))
		for i := range l.Weight.Value.Data {
			l.Weight.Value.Data[i] = float32(rng.NormFloat64() * std)
		}
		if l.Bias != nil {
			l.Bias.Value.Zero()
		}
	case *DenseLayer:
		bound := 1 / math.Sqrt(float64(l.inFeatures))
		for i := range l.Weight.Value.Data {
			l.Weight.Value.Data[i] = float32((rng.Float64()*2 - 1) * bound)
		}
		if l.Bias != nil {
			for i := range l.Bias.Value.Data {
				l.Bias.Value.Data[i] = float32((rng.Float64()*2 - 1) * bound)
			}
		}
	}
	if p, ok := m.(parent); ok {
		for _, c := range p.Children() {
			Initialize(c, rng)
		}
	}
}
