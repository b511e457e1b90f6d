package layers

import (
	"github.com/pkg/errors"
	"github.com/tsawler/rsna-ich/tensor"
)

// SequentialLayer chains modules; Backward runs them in reverse
type SequentialLayer struct {
	name    string
	modules []Module
}

func NewSequential(name string, modules ...Module) *SequentialLayer {
	return &SequentialLayer{name: name, modules: modules}
}

// Add appends a module to the chain
func (s *SequentialLayer) Add(m Module) *SequentialLayer {
	s.modules = append(s.modules, m)
	return s
}

func (s *SequentialLayer) Forward(x *tensor.Tensor, train bool) (*tensor.Tensor, error) {
	var err error
	for _, m := range s.modules {
		x, err = m.Forward(x, train)
		if err != nil {
			return nil, errors.Wrapf(err, "forward %s", m.Name())
		}
	}
	return x, nil
}

func (s *SequentialLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	var err error
	for i := len(s.modules) - 1; i >= 0; i-- {
		gradOut, err = s.modules[i].Backward(gradOut)
		if err != nil {
			return nil, errors.Wrapf(err, "backward %s", s.modules[i].Name())
		}
	}
	return gradOut, nil
}

func (s *SequentialLayer) Parameters() []*Parameter {
	var params []*Parameter
	for _, m := range s.modules {
		params = append(params, m.Parameters()...)
	}
	return params
}

func (s *SequentialLayer) Buffers() []*Parameter {
	var bufs []*Parameter
	for _, m := range s.modules {
		bufs = append(bufs, m.Buffers()...)
	}
	return bufs
}

func (s *SequentialLayer) Replica() Module {
	r := &SequentialLayer{name: s.name, modules: make([]Module, len(s.modules))}
	for i, m := range s.modules {
		r.modules[i] = m.Replica()
	}
	return r
}

func (s *SequentialLayer) Children() []Module { return s.modules }
func (s *SequentialLayer) Type() LayerType    { return Sequential }
func (s *SequentialLayer) Name() string       { return s.name }
