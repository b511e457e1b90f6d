package layers

import (
	"github.com/tsawler/rsna-ich/tensor"
)

// BottleneckConfig describes one SE-ResNeXt residual block
type BottleneckConfig struct {
	InPlanes   int
	Planes     int
	Groups     int // cardinality
	BaseWidth  int
	Reduction  int // squeeze-excite reduction
	Stride     int
	Downsample bool
}

// Expansion is the ratio of block output channels to Planes
const Expansion = 4

// BottleneckLayer is conv1x1 → conv3x3 (grouped) → conv1x1 → squeeze-excite,
// added to the (optionally projected) input and passed through ReLU.
type BottleneckLayer struct {
	name     string
	main     *SequentialLayer
	shortcut *SequentialLayer
	relu     *ReLULayer
}

func NewBottleneck(name string, cfg BottleneckConfig) *BottleneckLayer {
	width := (cfg.Planes * cfg.BaseWidth / 64) * cfg.Groups
	if width < cfg.Groups {
		width = cfg.Groups
	}
	out := cfg.Planes * Expansion
	b := &BottleneckLayer{
		name: name,
		main: NewSequential(joinName(name, "main"),
			NewConv2D(joinName(name, "conv1"), cfg.InPlanes, width, 1, 1, 0, 1, false),
			NewBatchNorm2D(joinName(name, "bn1"), width, 0, 0),
			NewReLU(joinName(name, "relu1")),
			NewConv2D(joinName(name, "conv2"), width, width, 3, cfg.Stride, 1, cfg.Groups, false),
			NewBatchNorm2D(joinName(name, "bn2"), width, 0, 0),
			NewReLU(joinName(name, "relu2")),
			NewConv2D(joinName(name, "conv3"), width, out, 1, 1, 0, 1, false),
			NewBatchNorm2D(joinName(name, "bn3"), out, 0, 0),
			NewSqueezeExcite(joinName(name, "se_module"), out, cfg.Reduction),
		),
		relu: NewReLU(joinName(name, "relu")),
	}
	if cfg.Downsample {
		b.shortcut = NewSequential(joinName(name, "downsample"),
			NewConv2D(joinName(name, "downsample.0"), cfg.InPlanes, out, 1, cfg.Stride, 0, 1, false),
			NewBatchNorm2D(joinName(name, "downsample.1"), out, 0, 0),
		)
	}
	return b
}

func (b *BottleneckLayer) Forward(x *tensor.Tensor, train bool) (*tensor.Tensor, error) {
	y, err := b.main.Forward(x, train)
	if err != nil {
		return nil, err
	}
	residual := x
	if b.shortcut != nil {
		residual, err = b.shortcut.Forward(x, train)
		if err != nil {
			return nil, err
		}
	}
	sum := y.Clone()
	tensor.Axpy(1, residual.Data, sum.Data)
	return b.relu.Forward(sum, train)
}

func (b *BottleneckLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	gradSum, err := b.relu.Backward(gradOut)
	if err != nil {
		return nil, err
	}
	gradIn, err := b.main.Backward(gradSum)
	if err != nil {
		return nil, err
	}
	gradResidual := gradSum
	if b.shortcut != nil {
		gradResidual, err = b.shortcut.Backward(gradSum)
		if err != nil {
			return nil, err
		}
	}
	tensor.Axpy(1, gradResidual.Data, gradIn.Data)
	return gradIn, nil
}

func (b *BottleneckLayer) Parameters() []*Parameter {
	params := b.main.Parameters()
	if b.shortcut != nil {
		params = append(params, b.shortcut.Parameters()...)
	}
	return params
}

func (b *BottleneckLayer) Buffers() []*Parameter {
	bufs := b.main.Buffers()
	if b.shortcut != nil {
		bufs = append(bufs, b.shortcut.Buffers()...)
	}
	return bufs
}

func (b *BottleneckLayer) Replica() Module {
	r := &BottleneckLayer{
		name: b.name,
		main: b.main.Replica().(*SequentialLayer),
		relu: NewReLU(b.relu.name),
	}
	if b.shortcut != nil {
		r.shortcut = b.shortcut.Replica().(*SequentialLayer)
	}
	return r
}

func (b *BottleneckLayer) Children() []Module {
	children := append([]Module{}, b.main.Children()...)
	if b.shortcut != nil {
		children = append(children, b.shortcut.Children()...)
	}
	return children
}

func (b *BottleneckLayer) Type() LayerType { return Bottleneck }
func (b *BottleneckLayer) Name() string    { return b.name }
