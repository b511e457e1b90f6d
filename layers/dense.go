package layers

import (
	"github.com/pkg/errors"
	"github.com/tsawler/rsna-ich/tensor"
)

// DenseLayer is a fully connected layer: y = x·Wᵀ + b over [N, in] input
type DenseLayer struct {
	name                    string
	inFeatures, outFeatures int

	Weight *Parameter // [out, in]
	Bias   *Parameter // [out], nil when disabled

	input *tensor.Tensor
}

func NewDense(name string, inFeatures, outFeatures int, useBias bool) *DenseLayer {
	d := &DenseLayer{
		name:        name,
		inFeatures:  inFeatures,
		outFeatures: outFeatures,
		Weight:      newParameter(joinName(name, "weight"), outFeatures, inFeatures),
	}
	if useBias {
		d.Bias = newParameter(joinName(name, "bias"), outFeatures)
	}
	return d
}

func (d *DenseLayer) Forward(x *tensor.Tensor, train bool) (*tensor.Tensor, error) {
	if err := expectRank(x, 2, d.name); err != nil {
		return nil, err
	}
	n := x.Shape[0]
	if x.Shape[1] != d.inFeatures {
		return nil, errors.Errorf("%s: expected %d features, got %d", d.name, d.inFeatures, x.Shape[1])
	}
	out := tensor.New(n, d.outFeatures)
	tensor.Gemm(false, true, n, d.outFeatures, d.inFeatures, 1, x.Data, d.Weight.Value.Data, 0, out.Data)
	if d.Bias != nil {
		for s := 0; s < n; s++ {
			tensor.Axpy(1, d.Bias.Value.Data, out.Data[s*d.outFeatures:(s+1)*d.outFeatures])
		}
	}
	if train {
		d.input = x
	}
	return out, nil
}

func (d *DenseLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	x := d.input
	if x == nil {
		return nil, errors.Errorf("%s: backward called without a training forward pass", d.name)
	}
	n := x.Shape[0]
	// dW += dyᵀ·x
	tensor.Gemm(true, false, d.outFeatures, d.inFeatures, n, 1, gradOut.Data, x.Data, 1, d.Weight.Grad.Data)
	if d.Bias != nil {
		for s := 0; s < n; s++ {
			tensor.Axpy(1, gradOut.Data[s*d.outFeatures:(s+1)*d.outFeatures], d.Bias.Grad.Data)
		}
	}
	gradIn := tensor.New(n, d.inFeatures)
	tensor.Gemm(false, false, n, d.inFeatures, d.outFeatures, 1, gradOut.Data, d.Weight.Value.Data, 0, gradIn.Data)
	d.input = nil
	return gradIn, nil
}

func (d *DenseLayer) Parameters() []*Parameter {
	if d.Bias != nil {
		return []*Parameter{d.Weight, d.Bias}
	}
	return []*Parameter{d.Weight}
}

func (d *DenseLayer) Buffers() []*Parameter { return nil }

func (d *DenseLayer) Replica() Module {
	r := *d
	r.Weight = d.Weight.share()
	if d.Bias != nil {
		r.Bias = d.Bias.share()
	}
	r.input = nil
	return &r
}

func (d *DenseLayer) Type() LayerType { return Dense }
func (d *DenseLayer) Name() string    { return d.name }

// InFeatures returns the input width
func (d *DenseLayer) InFeatures() int { return d.inFeatures }
