package layers

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/tsawler/rsna-ich/tensor"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	Conv2D
	ReLU
	Sigmoid
	MaxPool2D
	GlobalPool
	BatchNorm
	SqueezeExcite
	Bottleneck
	Sequential
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case Conv2D:
		return "Conv2D"
	case ReLU:
		return "ReLU"
	case Sigmoid:
		return "Sigmoid"
	case MaxPool2D:
		return "MaxPool2D"
	case GlobalPool:
		return "GlobalPool"
	case BatchNorm:
		return "BatchNorm"
	case SqueezeExcite:
		return "SqueezeExcite"
	case Bottleneck:
		return "Bottleneck"
	case Sequential:
		return "Sequential"
	default:
		return "Unknown"
	}
}

// Parameter is a named tensor owned by a layer. Learnable parameters carry
// a gradient of the same shape; buffers (running statistics) have a nil Grad.
type Parameter struct {
	Name  string
	Value *tensor.Tensor
	Grad  *tensor.Tensor
}

func newParameter(name string, shape ...int) *Parameter {
	return &Parameter{
		Name:  name,
		Value: tensor.New(shape...),
		Grad:  tensor.New(shape...),
	}
}

func newBuffer(name string, shape ...int) *Parameter {
	return &Parameter{
		Name:  name,
		Value: tensor.New(shape...),
	}
}

// share returns a parameter that aliases p's value with a fresh gradient
func (p *Parameter) share() *Parameter {
	return &Parameter{
		Name:  p.Name,
		Value: p.Value,
		Grad:  tensor.ZerosLike(p.Value),
	}
}

// Module is a layer with an explicit forward and backward pass.
//
// Forward caches whatever Backward needs, so a module instance serves one
// batch at a time. Backward accumulates into parameter gradients and
// returns the gradient with respect to the forward input.
type Module interface {
	Forward(x *tensor.Tensor, train bool) (*tensor.Tensor, error)
	Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error)

	// Parameters returns learnable parameters in a stable order
	Parameters() []*Parameter

	// Buffers returns non-learnable state that is still persisted
	Buffers() []*Parameter

	// Replica returns a module that shares parameter values with the
	// receiver but owns its gradients, buffers and activation caches.
	Replica() Module

	Type() LayerType
	Name() string
}

// ZeroGrad clears the gradients of every parameter
func ZeroGrad(params []*Parameter) {
	for _, p := range params {
		if p.Grad != nil {
			p.Grad.Zero()
		}
	}
}

// CountParameters returns the number of learnable scalars
func CountParameters(m Module) int64 {
	var n int64
	for _, p := range m.Parameters() {
		n += int64(p.Value.Len())
	}
	return n
}

// Summary renders a one-line-per-layer description of m and its children
func Summary(m Module) string {
	var sb strings.Builder
	writeSummary(&sb, m, 0)
	sb.WriteString(fmt.Sprintf("Total parameters: %s\n", formatParameterCount(CountParameters(m))))
	return sb.String()
}

type parent interface {
	Children() []Module
}

func writeSummary(sb *strings.Builder, m Module, depth int) {
	sb.WriteString(fmt.Sprintf("%s(%s): %s [%s]\n",
		strings.Repeat("  ", depth), m.Name(), m.Type(), formatParameterCount(CountParameters(m))))
	if p, ok := m.(parent); ok {
		for _, c := range p.Children() {
			writeSummary(sb, c, depth+1)
		}
	}
}

// formatParameterCount formats parameter count with K/M suffixes
func formatParameterCount(count int64) string {
	if count >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(count)/1000000.0)
	} else if count >= 1000 {
		return fmt.Sprintf("%.1fK", float64(count)/1000.0)
	}
	return fmt.Sprintf("%d", count)
}

func joinName(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

func expectRank(x *tensor.Tensor, rank int, layer string) error {
	if len(x.Shape) != rank {
		return errors.Errorf("%s: expected rank %d input, got shape %v", layer, rank, x.Shape)
	}
	return nil
}
