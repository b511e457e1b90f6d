package layers

import (
	"math"

	"github.com/pkg/errors"
	"github.com/tsawler/rsna-ich/tensor"
)

// BatchNorm2DLayer normalises each channel of NCHW input. In training mode
// it uses the statistics of the current batch and updates running
// statistics; in evaluation mode it uses the running statistics.
type BatchNorm2DLayer struct {
	name     string
	channels int
	eps      float32
	momentum float32

	Gamma       *Parameter
	Beta        *Parameter
	RunningMean *Parameter
	RunningVar  *Parameter

	xhat   []float32
	invStd []float32
	shape  []int
}

// NewBatchNorm2D creates a batch-norm layer with gamma=1, beta=0 and unit running variance
func NewBatchNorm2D(name string, channels int, eps, momentum float32) *BatchNorm2DLayer {
	if eps <= 0 {
		eps = 1e-5
	}
	if momentum <= 0 {
		momentum = 0.1
	}
	bn := &BatchNorm2DLayer{
		name:        name,
		channels:    channels,
		eps:         eps,
		momentum:    momentum,
		Gamma:       newParameter(joinName(name, "weight"), channels),
		Beta:        newParameter(joinName(name, "bias"), channels),
		RunningMean: newBuffer(joinName(name, "running_mean"), channels),
		RunningVar:  newBuffer(joinName(name, "running_var"), channels),
	}
	for i := 0; i < channels; i++ {
		bn.Gamma.Value.Data[i] = 1
		bn.RunningVar.Value.Data[i] = 1
	}
	return bn
}

func (bn *BatchNorm2DLayer) Forward(x *tensor.Tensor, train bool) (*tensor.Tensor, error) {
	if err := expectRank(x, 4, bn.name); err != nil {
		return nil, err
	}
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	if c != bn.channels {
		return nil, errors.Errorf("%s: expected %d channels, got %d", bn.name, bn.channels, c)
	}
	spatial := h * w
	m := n * spatial
	out := tensor.New(x.Shape...)

	if !train {
		for ch := 0; ch < c; ch++ {
			inv := float32(1 / math.Sqrt(float64(bn.RunningVar.Value.Data[ch]+bn.eps)))
			mean := bn.RunningMean.Value.Data[ch]
			g, b := bn.Gamma.Value.Data[ch], bn.Beta.Value.Data[ch]
			for s := 0; s < n; s++ {
				off := (s*c + ch) * spatial
				for i := off; i < off+spatial; i++ {
					out.Data[i] = (x.Data[i]-mean)*inv*g + b
				}
			}
		}
		return out, nil
	}

	bn.xhat = growBuffer(bn.xhat, len(x.Data))
	bn.invStd = growBuffer(bn.invStd, c)
	bn.shape = append(bn.shape[:0], x.Shape...)

	for ch := 0; ch < c; ch++ {
		var sum, sq float64
		for s := 0; s < n; s++ {
			off := (s*c + ch) * spatial
			for _, v := range x.Data[off : off+spatial] {
				sum += float64(v)
				sq += float64(v) * float64(v)
			}
		}
		mean := sum / float64(m)
		variance := sq/float64(m) - mean*mean
		if variance < 0 {
			variance = 0
		}
		inv := 1 / math.Sqrt(variance+float64(bn.eps))
		bn.invStd[ch] = float32(inv)

		g, b := bn.Gamma.Value.Data[ch], bn.Beta.Value.Data[ch]
		for s := 0; s < n; s++ {
			off := (s*c + ch) * spatial
			for i := off; i < off+spatial; i++ {
				xh := float32((float64(x.Data[i]) - mean) * inv)
				bn.xhat[i] = xh
				out.Data[i] = xh*g + b
			}
		}

		unbiased := variance
		if m > 1 {
			unbiased = variance * float64(m) / float64(m-1)
		}
		rm := &bn.RunningMean.Value.Data[ch]
		rv := &bn.RunningVar.Value.Data[ch]
		*rm = (1-bn.momentum)*(*rm) + bn.momentum*float32(mean)
		*rv = (1-bn.momentum)*(*rv) + bn.momentum*float32(unbiased)
	}
	return out, nil
}

func (bn *BatchNorm2DLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if bn.shape == nil {
		return nil, errors.Errorf("%s: backward called without a training forward pass", bn.name)
	}
	n, c, h, w := bn.shape[0], bn.shape[1], bn.shape[2], bn.shape[3]
	spatial := h * w
	m := float64(n * spatial)
	gradIn := tensor.New(bn.shape...)

	for ch := 0; ch < c; ch++ {
		var sumDy, sumDyXhat float64
		for s := 0; s < n; s++ {
			off := (s*c + ch) * spatial
			for i := off; i < off+spatial; i++ {
				dy := float64(gradOut.Data[i])
				sumDy += dy
				sumDyXhat += dy * float64(bn.xhat[i])
			}
		}
		bn.Gamma.Grad.Data[ch] += float32(sumDyXhat)
		bn.Beta.Grad.Data[ch] += float32(sumDy)

		// dx = γ·invStd/M · (M·dy − Σdy − x̂·Σ(dy·x̂))
		scale := float64(bn.Gamma.Value.Data[ch]) * float64(bn.invStd[ch]) / m
		for s := 0; s < n; s++ {
			off := (s*c + ch) * spatial
			for i := off; i < off+spatial; i++ {
				dy := float64(gradOut.Data[i])
				gradIn.Data[i] = float32(scale * (m*dy - sumDy - float64(bn.xhat[i])*sumDyXhat))
			}
		}
	}
	bn.shape = nil
	return gradIn, nil
}

func (bn *BatchNorm2DLayer) Parameters() []*Parameter {
	return []*Parameter{bn.Gamma, bn.Beta}
}

func (bn *BatchNorm2DLayer) Buffers() []*Parameter {
	return []*Parameter{bn.RunningMean, bn.RunningVar}
}

// Replica shares gamma and beta; running statistics are copied so that only
// the primary module's statistics evolve into the persisted state.
func (bn *BatchNorm2DLayer) Replica() Module {
	r := *bn
	r.Gamma = bn.Gamma.share()
	r.Beta = bn.Beta.share()
	r.RunningMean = &Parameter{Name: bn.RunningMean.Name, Value: bn.RunningMean.Value.Clone()}
	r.RunningVar = &Parameter{Name: bn.RunningVar.Name, Value: bn.RunningVar.Value.Clone()}
	r.xhat, r.invStd, r.shape = nil, nil, nil
	return &r
}

func (bn *BatchNorm2DLayer) Type() LayerType { return BatchNorm }
func (bn *BatchNorm2DLayer) Name() string    { return bn.name }
