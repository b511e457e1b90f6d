package layers

import (
	"math"

	"github.com/pkg/errors"
	"github.com/tsawler/rsna-ich/tensor"
)

// MaxPool2DLayer takes the maximum over k×k windows. Padded positions never win.
type MaxPool2DLayer struct {
	name                        string
	kernelSize, stride, padding int

	argmax     []int
	inputShape []int
}

func NewMaxPool2D(name string, kernelSize, stride, padding int) *MaxPool2DLayer {
	return &MaxPool2DLayer{name: name, kernelSize: kernelSize, stride: stride, padding: padding}
}

func (p *MaxPool2DLayer) Forward(x *tensor.Tensor, train bool) (*tensor.Tensor, error) {
	if err := expectRank(x, 4, p.name); err != nil {
		return nil, err
	}
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	ho := (h+2*p.padding-p.kernelSize)/p.stride + 1
	wo := (w+2*p.padding-p.kernelSize)/p.stride + 1
	if ho <= 0 || wo <= 0 {
		return nil, errors.Errorf("%s: input %dx%d too small", p.name, h, w)
	}
	out := tensor.New(n, c, ho, wo)
	var argmax []int
	if train {
		argmax = make([]int, len(out.Data))
	}

	o := 0
	for plane := 0; plane < n*c; plane++ {
		base := plane * h * w
		for oy := 0; oy < ho; oy++ {
			for ox := 0; ox < wo; ox++ {
				best := float32(math.Inf(-1))
				bestIdx := -1
				for ky := 0; ky < p.kernelSize; ky++ {
					iy := oy*p.stride - p.padding + ky
					if iy < 0 || iy >= h {
						continue
					}
					for kx := 0; kx < p.kernelSize; kx++ {
						ix := ox*p.stride - p.padding + kx
						if ix < 0 || ix >= w {
							continue
						}
						idx := base + iy*w + ix
						if bestIdx < 0 || x.Data[idx] > best {
							best = x.Data[idx]
							bestIdx = idx
						}
					}
				}
				out.Data[o] = best
				if train {
					argmax[o] = bestIdx
				}
				o++
			}
		}
	}
	if train {
		p.argmax = argmax
		p.inputShape = append(p.inputShape[:0], x.Shape...)
	}
	return out, nil
}

func (p *MaxPool2DLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if p.argmax == nil {
		return nil, errors.Errorf("%s: backward called without a training forward pass", p.name)
	}
	gradIn := tensor.New(p.inputShape...)
	for o, idx := range p.argmax {
		gradIn.Data[idx] += gradOut.Data[o]
	}
	p.argmax = nil
	return gradIn, nil
}

func (p *MaxPool2DLayer) Parameters() []*Parameter { return nil }
func (p *MaxPool2DLayer) Buffers() []*Parameter    { return nil }
func (p *MaxPool2DLayer) Replica() Module {
	return NewMaxPool2D(p.name, p.kernelSize, p.stride, p.padding)
}
func (p *MaxPool2DLayer) Type() LayerType { return MaxPool2D }
func (p *MaxPool2DLayer) Name() string    { return p.name }

// PoolType selects the reduction used by GlobalPoolLayer
type PoolType string

const (
	PoolAvg PoolType = "avg"
	PoolMax PoolType = "max"
)

// ParsePoolType validates a pool type name
func ParsePoolType(s string) (PoolType, error) {
	switch PoolType(s) {
	case PoolAvg, PoolMax:
		return PoolType(s), nil
	default:
		return "", errors.Errorf("unknown pool type %q", s)
	}
}

// GlobalPoolLayer reduces each channel plane to a single value: [N,C,H,W] -> [N,C]
type GlobalPoolLayer struct {
	name     string
	poolType PoolType

	inputShape []int
	argmax     []int
}

func NewGlobalPool(name string, poolType PoolType) *GlobalPoolLayer {
	return &GlobalPoolLayer{name: name, poolType: poolType}
}

func (g *GlobalPoolLayer) Forward(x *tensor.Tensor, train bool) (*tensor.Tensor, error) {
	if err := expectRank(x, 4, g.name); err != nil {
		return nil, err
	}
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	spatial := h * w
	out := tensor.New(n, c)
	var argmax []int
	if train && g.poolType == PoolMax {
		argmax = make([]int, n*c)
	}
	for plane := 0; plane < n*c; plane++ {
		vals := x.Data[plane*spatial : (plane+1)*spatial]
		switch g.poolType {
		case PoolMax:
			best, bestIdx := vals[0], 0
			for i, v := range vals {
				if v > best {
					best, bestIdx = v, i
				}
			}
			out.Data[plane] = best
			if argmax != nil {
				argmax[plane] = plane*spatial + bestIdx
			}
		default:
			out.Data[plane] = float32(tensor.Sum(vals) / float64(spatial))
		}
	}
	if train {
		g.inputShape = append(g.inputShape[:0], x.Shape...)
		g.argmax = argmax
	}
	return out, nil
}

func (g *GlobalPoolLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if g.inputShape == nil {
		return nil, errors.Errorf("%s: backward called without a training forward pass", g.name)
	}
	gradIn := tensor.New(g.inputShape...)
	spatial := g.inputShape[2] * g.inputShape[3]
	for plane, dy := range gradOut.Data {
		if g.poolType == PoolMax {
			gradIn.Data[g.argmax[plane]] = dy
			continue
		}
		v := dy / float32(spatial)
		dst := gradIn.Data[plane*spatial : (plane+1)*spatial]
		for i := range dst {
			dst[i] = v
		}
	}
	g.inputShape, g.argmax = nil, nil
	return gradIn, nil
}

func (g *GlobalPoolLayer) Parameters() []*Parameter { return nil }
func (g *GlobalPoolLayer) Buffers() []*Parameter    { return nil }
func (g *GlobalPoolLayer) Replica() Module          { return NewGlobalPool(g.name, g.poolType) }
func (g *GlobalPoolLayer) Type() LayerType          { return GlobalPool }
func (g *GlobalPoolLayer) Name() string             { return g.name }
