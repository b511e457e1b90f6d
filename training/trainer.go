package training

import (
	"context"
	"io"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"github.com/tsawler/rsna-ich/optimizer"
	"github.com/tsawler/rsna-ich/vision/dataloader"
)

// BatchSource yields training batches until it returns io.EOF
type BatchSource interface {
	NumBatches() int
	NumSamples() int
	Next(ctx context.Context) (*dataloader.Batch, error)
}

// TrainingMetrics holds metrics for a single epoch
type TrainingMetrics struct {
	Epoch         int
	TrainLoss     float64
	LearningRate  float32
	EpochDuration time.Duration
	BatchCount    int
	SampleCount   int
}

// Trainer runs training epochs of a data-parallel model
type Trainer struct {
	model     *DataParallel
	optimizer optimizer.Optimizer
	criterion Loss
	progress  io.Writer // nil disables the progress bar
	metrics   []TrainingMetrics
}

// NewTrainer creates a new Trainer
func NewTrainer(model *DataParallel, opt optimizer.Optimizer, criterion Loss, progress io.Writer) *Trainer {
	return &Trainer{
		model:     model,
		optimizer: opt,
		criterion: criterion,
		progress:  progress,
		metrics:   make([]TrainingMetrics, 0),
	}
}

// TrainOneEpoch makes one pass over batches, taking an optimizer step per
// batch, and returns the mean of the per-batch losses. Any error aborts the
// epoch.
func (t *Trainer) TrainOneEpoch(ctx context.Context, batches BatchSource, epoch int) (float64, error) {
	start := time.Now()
	var bar *EpochProgress
	if t.progress != nil {
		bar = NewEpochProgress(t.progress, epoch, batches.NumBatches(), batches.NumSamples())
	}

	losses := make(stats.Float64Data, 0, batches.NumBatches())
	samples := 0
	for {
		batch, err := batches.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, errors.Wrapf(err, "epoch %d batch %d", epoch, len(losses)+1)
		}

		t.optimizer.ZeroGrad()
		loss, err := t.model.TrainStep(ctx, batch.Images, batch.Targets, t.criterion)
		if err != nil {
			return 0, errors.Wrapf(err, "epoch %d batch %d", epoch, len(losses)+1)
		}
		if err := t.optimizer.Step(); err != nil {
			return 0, errors.Wrap(err, "optimizer step failed")
		}

		losses = append(losses, loss)
		samples += batch.Size
		if bar != nil {
			running, _ := losses.Mean()
			bar.Step(batch.Size, running)
		}
	}
	if bar != nil {
		bar.Done()
	}

	mean, err := losses.Mean()
	if err != nil {
		return 0, errors.Wrapf(err, "epoch %d produced no batches", epoch)
	}
	t.metrics = append(t.metrics, TrainingMetrics{
		Epoch:         epoch,
		TrainLoss:     mean,
		LearningRate:  t.optimizer.LearningRate(),
		EpochDuration: time.Since(start),
		BatchCount:    len(losses),
		SampleCount:   samples,
	})
	return mean, nil
}

// GetMetrics returns the metrics of every completed epoch
func (t *Trainer) GetMetrics() []TrainingMetrics {
	return t.metrics
}
