package layers

import (
	"math"

	"github.com/pkg/errors"
	"github.com/tsawler/rsna-ich/tensor"
)

// ReLULayer applies max(x, 0) elementwise
type ReLULayer struct {
	name   string
	output *tensor.Tensor
}

func NewReLU(name string) *ReLULayer {
	return &ReLULayer{name: name}
}

func (r *ReLULayer) Forward(x *tensor.Tensor, train bool) (*tensor.Tensor, error) {
	out := tensor.New(x.Shape...)
	for i, v := range x.Data {
		if v > 0 {
			out.Data[i] = v
		}
	}
	if train {
		r.output = out
	}
	return out, nil
}

func (r *ReLULayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if r.output == nil {
		return nil, errors.Errorf("%s: backward called without a training forward pass", r.name)
	}
	gradIn := tensor.New(gradOut.Shape...)
	for i, v := range r.output.Data {
		if v > 0 {
			gradIn.Data[i] = gradOut.Data[i]
		}
	}
	r.output = nil
	return gradIn, nil
}

func (r *ReLULayer) Parameters() []*Parameter { return nil }
func (r *ReLULayer) Buffers() []*Parameter    { return nil }
func (r *ReLULayer) Replica() Module          { return &ReLULayer{name: r.name} }
func (r *ReLULayer) Type() LayerType          { return ReLU }
func (r *ReLULayer) Name() string             { return r.name }

// SigmoidLayer applies 1/(1+e^-x) elementwise
type SigmoidLayer struct {
	name   string
	output *tensor.Tensor
}

func NewSigmoid(name string) *SigmoidLayer {
	return &SigmoidLayer{name: name}
}

func (s *SigmoidLayer) Forward(x *tensor.Tensor, train bool) (*tensor.Tensor, error) {
	out := tensor.New(x.Shape...)
	for i, v := range x.Data {
		out.Data[i] = sigmoid(v)
	}
	if train {
		s.output = out
	}
	return out, nil
}

func (s *SigmoidLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if s.output == nil {
		return nil, errors.Errorf("%s: backward called without a training forward pass", s.name)
	}
	gradIn := tensor.New(gradOut.Shape...)
	for i, y := range s.output.Data {
		gradIn.Data[i] = gradOut.Data[i] * y * (1 - y)
	}
	s.output = nil
	return gradIn, nil
}

func (s *SigmoidLayer) Parameters() []*Parameter { return nil }
func (s *SigmoidLayer) Buffers() []*Parameter    { return nil }
func (s *SigmoidLayer) Replica() Module          { return &SigmoidLayer{name: s.name} }
func (s *SigmoidLayer) Type() LayerType          { return Sigmoid }
func (s *SigmoidLayer) Name() string             { return s.name }

func sigmoid(x float32) float32 {
	if x >= 0 {
		return float32(1 / (1 + math.Exp(-float64(x))))
	}
	e := math.Exp(float64(x))
	return float32(e / (1 + e))
}
