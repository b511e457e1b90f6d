package training

import (
	"math"

	"github.com/pkg/errors"
	"github.com/tsawler/rsna-ich/tensor"
)

// Loss interface defines methods that all loss functions must implement.
// Forward returns the scalar loss; Backward returns d(loss)/d(predicted).
type Loss interface {
	Forward(predicted, target *tensor.Tensor) (float64, error)
	Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error)
}

// BCEWithLogitsLoss is binary cross-entropy on raw logits with a per-class
// weight, averaged over every (sample, class) element:
//
//	L = mean_{n,c} w_c · (max(x,0) − x·y + log(1 + e^{−|x|}))
type BCEWithLogitsLoss struct {
	Weights []float32 // one per class, nil means all ones
}

// NewBCEWithLogitsLoss creates the loss with the given class weights
func NewBCEWithLogitsLoss(weights []float32) *BCEWithLogitsLoss {
	return &BCEWithLogitsLoss{Weights: append([]float32(nil), weights...)}
}

func (l *BCEWithLogitsLoss) check(predicted, target *tensor.Tensor) (int, int, error) {
	if len(predicted.Shape) != 2 {
		return 0, 0, errors.Errorf("expected [N, C] logits, got shape %v", predicted.Shape)
	}
	if !tensor.SameShape(predicted, target) {
		return 0, 0, errors.Errorf("logits %v and targets %v must have the same shape", predicted.Shape, target.Shape)
	}
	n, c := predicted.Shape[0], predicted.Shape[1]
	if n == 0 {
		return 0, 0, errors.New("empty batch")
	}
	if l.Weights != nil && len(l.Weights) != c {
		return 0, 0, errors.Errorf("%d class weights for %d classes", len(l.Weights), c)
	}
	return n, c, nil
}

func (l *BCEWithLogitsLoss) weight(c int) float64 {
	if l.Weights == nil {
		return 1
	}
	return float64(l.Weights[c])
}

// Forward computes the weighted mean loss in a numerically stable form
func (l *BCEWithLogitsLoss) Forward(predicted, target *tensor.Tensor) (float64, error) {
	n, c, err := l.check(predicted, target)
	if err != nil {
		return 0, err
	}
	var sum float64
	for i, v := range predicted.Data {
		x, y := float64(v), float64(target.Data[i])
		sum += l.weight(i%c) * (math.Max(x, 0) - x*y + math.Log1p(math.Exp(-math.Abs(x))))
	}
	return sum / float64(n*c), nil
}

// Backward returns w_c·(σ(x) − y)/(N·C)
func (l *BCEWithLogitsLoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	n, c, err := l.check(predicted, target)
	if err != nil {
		return nil, err
	}
	grad := tensor.New(predicted.Shape...)
	scale := 1 / float64(n*c)
	for i, v := range predicted.Data {
		x, y := float64(v), float64(target.Data[i])
		grad.Data[i] = float32(l.weight(i%c) * (stableSigmoid(x) - y) * scale)
	}
	return grad, nil
}

func stableSigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}
