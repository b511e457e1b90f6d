package layers

import (
	"github.com/pkg/errors"
	"github.com/tsawler/rsna-ich/memory"
	"github.com/tsawler/rsna-ich/tensor"
)

// Conv2DLayer is a grouped 2D convolution over NCHW input, computed per
// sample and per group as an im2col matrix product.
type Conv2DLayer struct {
	name                        string
	inChannels, outChannels     int
	kernelSize, stride, padding int
	groups                      int

	Weight *Parameter // [out, in/groups, k, k]
	Bias   *Parameter // [out], nil when disabled

	input *tensor.Tensor
	cols  []float32
}

// NewConv2D creates a convolution. Weights are left at zero; initialise
// them with Initialize or load them from a state dict.
func NewConv2D(name string, inChannels, outChannels, kernelSize, stride, padding, groups int, useBias bool) *Conv2DLayer {
	if groups <= 0 {
		groups = 1
	}
	if inChannels%groups != 0 || outChannels%groups != 0 {
		panic(errors.Errorf("%s: channels %d->%d not divisible by groups %d", name, inChannels, outChannels, groups))
	}
	c := &Conv2DLayer{
		name:        name,
		inChannels:  inChannels,
		outChannels: outChannels,
		kernelSize:  kernelSize,
		stride:      stride,
		padding:     padding,
		groups:      groups,
		Weight:      newParameter(joinName(name, "weight"), outChannels, inChannels/groups, kernelSize, kernelSize),
	}
	if useBias {
		c.Bias = newParameter(joinName(name, "bias"), outChannels)
	}
	return c
}

func (c *Conv2DLayer) outputSize(h, w int) (int, int) {
	ho := (h+2*c.padding-c.kernelSize)/c.stride + 1
	wo := (w+2*c.padding-c.kernelSize)/c.stride + 1
	return ho, wo
}

func (c *Conv2DLayer) Forward(x *tensor.Tensor, train bool) (*tensor.Tensor, error) {
	if err := expectRank(x, 4, c.name); err != nil {
		return nil, err
	}
	n, ch, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	if ch != c.inChannels {
		return nil, errors.Errorf("%s: expected %d input channels, got %d", c.name, c.inChannels, ch)
	}
	ho, wo := c.outputSize(h, w)
	if ho <= 0 || wo <= 0 {
		return nil, errors.Errorf("%s: input %dx%d too small for kernel %d", c.name, h, w, c.kernelSize)
	}
	out := tensor.New(n, c.outChannels, ho, wo)

	cinG := c.inChannels / c.groups
	coutG := c.outChannels / c.groups
	kk := cinG * c.kernelSize * c.kernelSize
	spatial := ho * wo
	c.cols = growBuffer(c.cols, kk*spatial)

	for s := 0; s < n; s++ {
		for g := 0; g < c.groups; g++ {
			src := x.Data[(s*ch+g*cinG)*h*w : (s*ch+(g+1)*cinG)*h*w]
			im2col(src, cinG, h, w, c.kernelSize, c.stride, c.padding, ho, wo, c.cols)
			wg := c.Weight.Value.Data[g*coutG*kk : (g+1)*coutG*kk]
			dst := out.Data[(s*c.outChannels+g*coutG)*spatial : (s*c.outChannels+(g+1)*coutG)*spatial]
			tensor.Gemm(false, false, coutG, spatial, kk, 1, wg, c.cols, 0, dst)
		}
		if c.Bias != nil {
			for o := 0; o < c.outChannels; o++ {
				b := c.Bias.Value.Data[o]
				plane := out.Data[(s*c.outChannels+o)*spatial : (s*c.outChannels+o+1)*spatial]
				for i := range plane {
					plane[i] += b
				}
			}
		}
	}
	if train {
		c.input = x
	}
	return out, nil
}

func (c *Conv2DLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	x := c.input
	if x == nil {
		return nil, errors.Errorf("%s: backward called without a training forward pass", c.name)
	}
	n, ch, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	ho, wo := c.outputSize(h, w)
	if len(gradOut.Data) != n*c.outChannels*ho*wo {
		return nil, errors.Errorf("%s: gradient shape %v doesn't match output", c.name, gradOut.Shape)
	}
	gradIn := tensor.New(x.Shape...)

	cinG := c.inChannels / c.groups
	coutG := c.outChannels / c.groups
	kk := cinG * c.kernelSize * c.kernelSize
	spatial := ho * wo
	c.cols = growBuffer(c.cols, kk*spatial)
	dcols := memory.Global().GetBuffer(kk * spatial)
	defer memory.Global().ReturnBuffer(dcols)

	for s := 0; s < n; s++ {
		for g := 0; g < c.groups; g++ {
			src := x.Data[(s*ch+g*cinG)*h*w : (s*ch+(g+1)*cinG)*h*w]
			im2col(src, cinG, h, w, c.kernelSize, c.stride, c.padding, ho, wo, c.cols)
			dOut := gradOut.Data[(s*c.outChannels+g*coutG)*spatial : (s*c.outChannels+(g+1)*coutG)*spatial]

			// dW_g += dOut_g · cols^T
			dW := c.Weight.Grad.Data[g*coutG*kk : (g+1)*coutG*kk]
			tensor.Gemm(false, true, coutG, kk, spatial, 1, dOut, c.cols, 1, dW)

			// dcols = W_g^T · dOut_g
			wg := c.Weight.Value.Data[g*coutG*kk : (g+1)*coutG*kk]
			tensor.Gemm(true, false, kk, spatial, coutG, 1, wg, dOut, 0, dcols)
			dst := gradIn.Data[(s*ch+g*cinG)*h*w : (s*ch+(g+1)*cinG)*h*w]
			col2im(dcols, cinG, h, w, c.kernelSize, c.stride, c.padding, ho, wo, dst)
		}
		if c.Bias != nil {
			for o := 0; o < c.outChannels; o++ {
				plane := gradOut.Data[(s*c.outChannels+o)*spatial : (s*c.outChannels+o+1)*spatial]
				c.Bias.Grad.Data[o] += float32(tensor.Sum(plane))
			}
		}
	}
	c.input = nil
	return gradIn, nil
}

func (c *Conv2DLayer) Parameters() []*Parameter {
	if c.Bias != nil {
		return []*Parameter{c.Weight, c.Bias}
	}
	return []*Parameter{c.Weight}
}

func (c *Conv2DLayer) Buffers() []*Parameter { return nil }

func (c *Conv2DLayer) Replica() Module {
	r := *c
	r.Weight = c.Weight.share()
	if c.Bias != nil {
		r.Bias = c.Bias.share()
	}
	r.input = nil
	r.cols = nil
	return &r
}

func (c *Conv2DLayer) Type() LayerType { return Conv2D }
func (c *Conv2DLayer) Name() string    { return c.name }

// FanIn returns the number of inputs feeding each output unit
func (c *Conv2DLayer) FanIn() int {
	return c.inChannels / c.groups * c.kernelSize * c.kernelSize
}

// im2col unrolls a C×H×W block into a (C·k·k)×(Ho·Wo) matrix
func im2col(src []float32, channels, h, w, k, stride, pad, ho, wo int, dst []float32) {
	spatial := ho * wo
	row := 0
	for c := 0; c < channels; c++ {
		plane := src[c*h*w : (c+1)*h*w]
		for ky := 0; ky < k; ky++ {
			for kx := 0; kx < k; kx++ {
				out := dst[row*spatial : (row+1)*spatial]
				i := 0
				for oy := 0; oy < ho; oy++ {
					iy := oy*stride - pad + ky
					if iy < 0 || iy >= h {
						for ox := 0; ox < wo; ox++ {
							out[i] = 0
							i++
						}
						continue
					}
					for ox := 0; ox < wo; ox++ {
						ix := ox*stride - pad + kx
						if ix < 0 || ix >= w {
							out[i] = 0
						} else {
							out[i] = plane[iy*w+ix]
						}
						i++
					}
				}
				row++
			}
		}
	}
}

// col2im is the adjoint of im2col: it accumulates columns back into dst
func col2im(cols []float32, channels, h, w, k, stride, pad, ho, wo int, dst []float32) {
	spatial := ho * wo
	row := 0
	for c := 0; c < channels; c++ {
		plane := dst[c*h*w : (c+1)*h*w]
		for ky := 0; ky < k; ky++ {
			for kx := 0; kx < k; kx++ {
				in := cols[row*spatial : (row+1)*spatial]
				i := 0
				for oy := 0; oy < ho; oy++ {
					iy := oy*stride - pad + ky
					if iy < 0 || iy >= h {
						i += wo
						continue
					}
					for ox := 0; ox < wo; ox++ {
						ix := ox*stride - pad + kx
						if ix >= 0 && ix < w {
							plane[iy*w+ix] += in[i]
						}
						i++
					}
				}
				row++
			}
		}
	}
}

func growBuffer(buf []float32, n int) []float32 {
	if cap(buf) < n {
		return make([]float32, n)
	}
	return buf[:n]
}
