package layers

import (
	"github.com/pkg/errors"
	"github.com/tsawler/rsna-ich/tensor"
)

// SqueezeExciteLayer rescales channels by a gate computed from their global
// average: x · σ(fc2(relu(fc1(avgpool(x))))).
type SqueezeExciteLayer struct {
	name     string
	channels int

	pool *GlobalPoolLayer
	gate *SequentialLayer

	input *tensor.Tensor
	scale *tensor.Tensor
}

func NewSqueezeExcite(name string, channels, reduction int) *SqueezeExciteLayer {
	hidden := channels / reduction
	if hidden < 1 {
		hidden = 1
	}
	return &SqueezeExciteLayer{
		name:     name,
		channels: channels,
		pool:     NewGlobalPool(joinName(name, "avg_pool"), PoolAvg),
		gate: NewSequential(joinName(name, "gate"),
			NewDense(joinName(name, "fc1"), channels, hidden, true),
			NewReLU(joinName(name, "relu")),
			NewDense(joinName(name, "fc2"), hidden, channels, true),
			NewSigmoid(joinName(name, "sigmoid")),
		),
	}
}

func (se *SqueezeExciteLayer) Forward(x *tensor.Tensor, train bool) (*tensor.Tensor, error) {
	if err := expectRank(x, 4, se.name); err != nil {
		return nil, err
	}
	if x.Shape[1] != se.channels {
		return nil, errors.Errorf("%s: expected %d channels, got %d", se.name, se.channels, x.Shape[1])
	}
	pooled, err := se.pool.Forward(x, train)
	if err != nil {
		return nil, err
	}
	s, err := se.gate.Forward(pooled, train)
	if err != nil {
		return nil, err
	}
	spatial := x.Shape[2] * x.Shape[3]
	out := tensor.New(x.Shape...)
	for plane, g := range s.Data {
		src := x.Data[plane*spatial : (plane+1)*spatial]
		dst := out.Data[plane*spatial : (plane+1)*spatial]
		for i, v := range src {
			dst[i] = v * g
		}
	}
	if train {
		se.input, se.scale = x, s
	}
	return out, nil
}

func (se *SqueezeExciteLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	x, s := se.input, se.scale
	if x == nil {
		return nil, errors.Errorf("%s: backward called without a training forward pass", se.name)
	}
	spatial := x.Shape[2] * x.Shape[3]
	gradIn := tensor.New(x.Shape...)
	gradScale := tensor.New(s.Shape...)
	for plane, g := range s.Data {
		dy := gradOut.Data[plane*spatial : (plane+1)*spatial]
		src := x.Data[plane*spatial : (plane+1)*spatial]
		dst := gradIn.Data[plane*spatial : (plane+1)*spatial]
		var ds float64
		for i, v := range dy {
			dst[i] = v * g
			ds += float64(v) * float64(src[i])
		}
		gradScale.Data[plane] = float32(ds)
	}

	gradPooled, err := se.gate.Backward(gradScale)
	if err != nil {
		return nil, err
	}
	gradPool, err := se.pool.Backward(gradPooled)
	if err != nil {
		return nil, err
	}
	tensor.Axpy(1, gradPool.Data, gradIn.Data)
	se.input, se.scale = nil, nil
	return gradIn, nil
}

func (se *SqueezeExciteLayer) Parameters() []*Parameter { return se.gate.Parameters() }
func (se *SqueezeExciteLayer) Buffers() []*Parameter    { return nil }

func (se *SqueezeExciteLayer) Replica() Module {
	return &SqueezeExciteLayer{
		name:     se.name,
		channels: se.channels,
		pool:     NewGlobalPool(se.pool.name, PoolAvg),
		gate:     se.gate.Replica().(*SequentialLayer),
	}
}

func (se *SqueezeExciteLayer) Children() []Module { return se.gate.Children() }
func (se *SqueezeExciteLayer) Type() LayerType    { return SqueezeExcite }
func (se *SqueezeExciteLayer) Name() string       { return se.name }
