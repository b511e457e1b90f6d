package models

import (
	"math/rand"
	"strings"

	"github.com/pkg/errors"
	"github.com/tsawler/rsna-ich/checkpoints"
	"github.com/tsawler/rsna-ich/layers"
	"github.com/tsawler/rsna-ich/tensor"
)

const (
	encoderPrefix = "encoder"
	headName      = "fc"
)

// CnnModel is an image classifier: encoder, global pooling and a linear
// head producing one logit per class.
type CnnModel struct {
	EncoderName string
	NumClasses  int

	Encoder *layers.SequentialLayer
	Pool    *layers.GlobalPoolLayer
	Head    *layers.DenseLayer
}

// NewCnnModel builds a randomly initialised model. Weights are drawn from rng
// so that construction is reproducible.
func NewCnnModel(numClasses int, encoderName string, poolType layers.PoolType, rng *rand.Rand) (*CnnModel, error) {
	if numClasses <= 0 {
		return nil, errors.Errorf("number of classes must be positive, got %d", numClasses)
	}
	cfg, err := LookupEncoder(encoderName)
	if err != nil {
		return nil, err
	}
	if _, err := layers.ParsePoolType(string(poolType)); err != nil {
		return nil, err
	}
	enc, err := NewEncoder(encoderPrefix, cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "build encoder %s", encoderName)
	}
	m := &CnnModel{
		EncoderName: encoderName,
		NumClasses:  numClasses,
		Encoder:     enc,
		Pool:        layers.NewGlobalPool("pool", poolType),
		Head:        layers.NewDense(headName, cfg.OutChannels(), numClasses, true),
	}
	layers.Initialize(m, rng)
	return m, nil
}

// Forward maps [N, 3, H, W] images to [N, NumClasses] logits
func (m *CnnModel) Forward(x *tensor.Tensor, train bool) (*tensor.Tensor, error) {
	features, err := m.Encoder.Forward(x, train)
	if err != nil {
		return nil, errors.Wrap(err, "encoder")
	}
	pooled, err := m.Pool.Forward(features, train)
	if err != nil {
		return nil, err
	}
	return m.Head.Forward(pooled, train)
}

func (m *CnnModel) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	g, err := m.Head.Backward(gradOut)
	if err != nil {
		return nil, err
	}
	g, err = m.Pool.Backward(g)
	if err != nil {
		return nil, err
	}
	return m.Encoder.Backward(g)
}

func (m *CnnModel) Parameters() []*layers.Parameter {
	return append(m.Encoder.Parameters(), m.Head.Parameters()...)
}

func (m *CnnModel) Buffers() []*layers.Parameter {
	return m.Encoder.Buffers()
}

func (m *CnnModel) Replica() layers.Module {
	return &CnnModel{
		EncoderName: m.EncoderName,
		NumClasses:  m.NumClasses,
		Encoder:     m.Encoder.Replica().(*layers.SequentialLayer),
		Pool:        m.Pool.Replica().(*layers.GlobalPoolLayer),
		Head:        m.Head.Replica().(*layers.DenseLayer),
	}
}

func (m *CnnModel) Children() []layers.Module {
	return []layers.Module{m.Encoder, m.Pool, m.Head}
}

func (m *CnnModel) Type() layers.LayerType { return layers.Sequential }
func (m *CnnModel) Name() string           { return "CnnModel(" + m.EncoderName + ")" }

// ZeroGrad clears all parameter gradients
func (m *CnnModel) ZeroGrad() {
	layers.ZeroGrad(m.Parameters())
}

// state returns parameters then buffers, the order used in state dicts
func (m *CnnModel) state() []*layers.Parameter {
	return append(m.Parameters(), m.Buffers()...)
}

// StateDict copies every parameter and buffer into checkpoint weights
func (m *CnnModel) StateDict() []checkpoints.WeightTensor {
	state := m.state()
	weights := make([]checkpoints.WeightTensor, len(state))
	for i, p := range state {
		weights[i] = checkpoints.WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Value.Shape...),
			Data:  append([]float32(nil), p.Value.Data...),
		}
	}
	return weights
}

// LoadStateDict copies weights into the model by name. Every parameter and
// buffer must be present with a matching shape; unknown names are an error.
func (m *CnnModel) LoadStateDict(weights []checkpoints.WeightTensor) error {
	byName := make(map[string]checkpoints.WeightTensor, len(weights))
	for _, w := range weights {
		byName[w.Name] = w
	}
	state := m.state()
	for _, p := range state {
		w, ok := byName[p.Name]
		if !ok {
			return errors.Errorf("state dict is missing %s", p.Name)
		}
		if err := copyWeight(p, w); err != nil {
			return err
		}
		delete(byName, p.Name)
	}
	if len(byName) > 0 {
		unexpected := make([]string, 0, len(byName))
		for name := range byName {
			unexpected = append(unexpected, name)
		}
		return errors.Errorf("state dict has %d unexpected entries, e.g. %s", len(unexpected), unexpected[0])
	}
	return nil
}

// LoadPretrained initialises the encoder from a weights file whose names are
// relative to the backbone (layer0.conv1.weight, layer1.0.bn1.running_mean,
// ...) or already carry the encoder prefix. Head and classifier weights in
// the file are ignored; the head keeps its random initialisation.
func (m *CnnModel) LoadPretrained(path string) error {
	cp, err := checkpoints.Load(path)
	if err != nil {
		return errors.Wrap(err, "load pretrained weights")
	}
	byName := cp.WeightMap()
	encoderState := append(m.Encoder.Parameters(), m.Encoder.Buffers()...)
	for _, p := range encoderState {
		w, ok := byName[p.Name]
		if !ok {
			w, ok = byName[strings.TrimPrefix(p.Name, encoderPrefix+".")]
		}
		if !ok {
			return errors.Errorf("pretrained weights %s have no entry for %s", path, p.Name)
		}
		if err := copyWeight(p, w); err != nil {
			return errors.Wrapf(err, "pretrained weights %s", path)
		}
	}
	return nil
}

func copyWeight(p *layers.Parameter, w checkpoints.WeightTensor) error {
	if len(w.Data) != p.Value.Len() {
		return errors.Errorf("%s: expected %d values (shape %v), got %d (shape %v)",
			p.Name, p.Value.Len(), p.Value.Shape, len(w.Data), w.Shape)
	}
	copy(p.Value.Data, w.Data)
	return nil
}
