package training

import (
	"bytes"
	"context"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsawler/rsna-ich/device"
	"github.com/tsawler/rsna-ich/layers"
	"github.com/tsawler/rsna-ich/optimizer"
	"github.com/tsawler/rsna-ich/tensor"
	"github.com/tsawler/rsna-ich/vision/dataloader"
)

func mustTensor(t *testing.T, data []float32, shape ...int) *tensor.Tensor {
	t.Helper()
	x, err := tensor.FromData(data, shape...)
	require.NoError(t, err)
	return x
}

func TestBCEWithLogitsLossValues(t *testing.T) {
	logits := mustTensor(t, []float32{0, 2, -1, 0.5}, 2, 2)
	targets := mustTensor(t, []float32{1, 0, 0, 1}, 2, 2)

	bce := func(x, y float64) float64 {
		p := 1 / (1 + math.Exp(-x))
		return -(y*math.Log(p) + (1-y)*math.Log(1-p))
	}
	sigmoid := func(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

	t.Run("Unweighted", func(t *testing.T) {
		loss := NewBCEWithLogitsLoss(nil)
		got, err := loss.Forward(logits, targets)
		require.NoError(t, err)
		want := (bce(0, 1) + bce(2, 0) + bce(-1, 0) + bce(0.5, 1)) / 4
		assert.InDelta(t, want, got, 1e-9)
	})

	t.Run("Weighted", func(t *testing.T) {
		loss := NewBCEWithLogitsLoss([]float32{2, 1})
		got, err := loss.Forward(logits, targets)
		require.NoError(t, err)
		want := (2*bce(0, 1) + bce(2, 0) + 2*bce(-1, 0) + bce(0.5, 1)) / 4
		assert.InDelta(t, want, got, 1e-9)

		grad, err := loss.Backward(logits, targets)
		require.NoError(t, err)
		wantGrad := []float64{
			2 * (sigmoid(0) - 1) / 4,
			(sigmoid(2) - 0) / 4,
			2 * (sigmoid(-1) - 0) / 4,
			(sigmoid(0.5) - 1) / 4,
		}
		for i, g := range wantGrad {
			assert.InDelta(t, g, grad.Data[i], 1e-7)
		}
	})

	t.Run("LargeLogitsStayFinite", func(t *testing.T) {
		loss := NewBCEWithLogitsLoss(nil)
		got, err := loss.Forward(mustTensor(t, []float32{100, -100}, 1, 2), mustTensor(t, []float32{0, 1}, 1, 2))
		require.NoError(t, err)
		assert.InDelta(t, 100, got, 1e-6)
	})
}

func TestBCEWithLogitsLossGradientMatchesFiniteDifference(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	logits := tensor.New(3, 6)
	targets := tensor.New(3, 6)
	for i := range logits.Data {
		logits.Data[i] = float32(rng.NormFloat64() * 2)
		if rng.Float64() < 0.3 {
			targets.Data[i] = 1
		}
	}
	loss := NewBCEWithLogitsLoss([]float32{2, 1, 1, 1, 1, 1})
	grad, err := loss.Backward(logits, targets)
	require.NoError(t, err)

	const eps = 1e-3
	for i := range logits.Data {
		orig := logits.Data[i]
		logits.Data[i] = orig + eps
		plus, _ := loss.Forward(logits, targets)
		logits.Data[i] = orig - eps
		minus, _ := loss.Forward(logits, targets)
		logits.Data[i] = orig
		numeric := (plus - minus) / (float64(orig+eps) - float64(orig-eps))
		assert.InDelta(t, numeric, grad.Data[i], 1e-4)
	}
}

func TestBCEWithLogitsLossValidation(t *testing.T) {
	loss := NewBCEWithLogitsLoss([]float32{2, 1, 1})
	_, err := loss.Forward(tensor.New(2, 2), tensor.New(2, 2))
	require.Error(t, err, "weight count must match classes")

	_, err = NewBCEWithLogitsLoss(nil).Forward(tensor.New(2, 2), tensor.New(2, 3))
	require.Error(t, err)

	_, err = NewBCEWithLogitsLoss(nil).Backward(tensor.New(4), tensor.New(4))
	require.Error(t, err)
}

func TestMultiStepLRScheduler(t *testing.T) {
	scheduler := NewMultiStepLRScheduler([]int{5}, 0.1)
	baseLR := 1e-4

	tests := []struct {
		epoch      int
		expectedLR float64
	}{
		{1, 1e-4},
		{2, 1e-4},
		{3, 1e-4},
		{4, 1e-4},
		{5, 1e-5},
		{6, 1e-5},
	}
	for _, tt := range tests {
		lr := scheduler.GetLR(tt.epoch, 0, baseLR)
		assert.InDeltaf(t, tt.expectedLR, lr, 1e-12, "epoch %d", tt.epoch)
	}
	assert.Equal(t, "MultiStepLR", scheduler.GetName())

	multi := NewMultiStepLRScheduler([]int{8, 3}, 0.5)
	assert.InDelta(t, 1.0, multi.GetLR(2, 0, 1), 1e-12)
	assert.InDelta(t, 0.5, multi.GetLR(3, 0, 1), 1e-12)
	assert.InDelta(t, 0.25, multi.GetLR(8, 0, 1), 1e-12)
}

// smallNet has no batch norm so shard-wise and full-batch gradients agree
func smallNet(rng *rand.Rand) layers.Module {
	net := layers.NewSequential("net",
		layers.NewConv2D("conv", 3, 4, 3, 1, 1, 1, true),
		layers.NewReLU("relu"),
		layers.NewGlobalPool("pool", layers.PoolAvg),
		layers.NewDense("fc", 4, 6, true),
	)
	layers.Initialize(net, rng)
	return net
}

func cpuLanes(n int) []device.Device {
	lanes := make([]device.Device, n)
	for i := range lanes {
		lanes[i] = device.Device{Kind: device.CPU, Index: i, Name: "test"}
	}
	return lanes
}

func randomBatch(rng *rand.Rand, n int) (*tensor.Tensor, *tensor.Tensor) {
	images := tensor.New(n, 3, 6, 6)
	for i := range images.Data {
		images.Data[i] = rng.Float32()
	}
	targets := tensor.New(n, 6)
	for i := range targets.Data {
		if rng.Float64() < 0.4 {
			targets.Data[i] = 1
		}
	}
	return images, targets
}

func TestDataParallelMatchesFullBatch(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	net := smallNet(rng)
	images, targets := randomBatch(rng, 5)
	criterion := NewBCEWithLogitsLoss([]float32{2, 1, 1, 1, 1, 1})

	single, err := NewDataParallel(net, cpuLanes(1))
	require.NoError(t, err)
	fullLoss, err := single.TrainStep(context.Background(), images, targets, criterion)
	require.NoError(t, err)
	var fullGrads [][]float32
	for _, p := range net.Parameters() {
		fullGrads = append(fullGrads, append([]float32(nil), p.Grad.Data...))
	}

	// 5 samples over 3 replicas: shards of 2, 2 and 1
	parallel, err := NewDataParallel(net, cpuLanes(3))
	require.NoError(t, err)
	assert.Same(t, net, parallel.Module())
	loss, err := parallel.TrainStep(context.Background(), images, targets, criterion)
	require.NoError(t, err)

	assert.InDelta(t, fullLoss, loss, 1e-6)
	for i, p := range net.Parameters() {
		for j := range p.Grad.Data {
			assert.InDeltaf(t, fullGrads[i][j], p.Grad.Data[j], 1e-6, "%s[%d]", p.Name, j)
		}
	}
}

func TestDataParallelMoreReplicasThanSamples(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	net := smallNet(rng)
	images, targets := randomBatch(rng, 2)
	dp, err := NewDataParallel(net, cpuLanes(8))
	require.NoError(t, err)
	assert.Len(t, dp.shards(2), 2)
	_, err = dp.TrainStep(context.Background(), images, targets, NewBCEWithLogitsLoss(nil))
	require.NoError(t, err)
}

func TestDataParallelErrors(t *testing.T) {
	_, err := NewDataParallel(nil, cpuLanes(1))
	require.Error(t, err)
	_, err = NewDataParallel(smallNet(rand.New(rand.NewSource(1))), nil)
	require.Error(t, err)

	dp, err := NewDataParallel(smallNet(rand.New(rand.NewSource(1))), cpuLanes(2))
	require.NoError(t, err)
	_, err = dp.TrainStep(context.Background(), tensor.New(2, 3, 6, 6), tensor.New(3, 6), NewBCEWithLogitsLoss(nil))
	require.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = dp.TrainStep(ctx, tensor.New(2, 3, 6, 6), tensor.New(2, 6), NewBCEWithLogitsLoss(nil))
	require.Error(t, err)
}

type fakeBatches struct {
	batches []*dataloader.Batch
	next    int
	failAt  int
}

func (f *fakeBatches) NumBatches() int { return len(f.batches) }

func (f *fakeBatches) NumSamples() int {
	n := 0
	for _, b := range f.batches {
		n += b.Size
	}
	return n
}

func (f *fakeBatches) Next(ctx context.Context) (*dataloader.Batch, error) {
	if f.failAt > 0 && f.next+1 == f.failAt {
		return nil, errors.New("decode failed")
	}
	if f.next >= len(f.batches) {
		return nil, io.EOF
	}
	b := f.batches[f.next]
	f.next++
	return b, nil
}

func newFakeBatches(rng *rand.Rand, sizes ...int) *fakeBatches {
	f := &fakeBatches{}
	for _, n := range sizes {
		images, targets := randomBatch(rng, n)
		f.batches = append(f.batches, &dataloader.Batch{Images: images, Targets: targets, Size: n})
	}
	return f
}

func TestTrainOneEpoch(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	net := smallNet(rng)
	dp, err := NewDataParallel(net, cpuLanes(2))
	require.NoError(t, err)
	config := optimizer.DefaultAdamConfig()
	config.LearningRate = 1e-2
	adam, err := optimizer.NewAdamOptimizer(config, net.Parameters())
	require.NoError(t, err)
	criterion := NewBCEWithLogitsLoss([]float32{2, 1, 1, 1, 1, 1})

	var progress bytes.Buffer
	trainer := NewTrainer(dp, adam, criterion, &progress)

	source := newFakeBatches(rng, 4, 4, 3)
	first, err := trainer.TrainOneEpoch(context.Background(), source, 1)
	require.NoError(t, err)
	assert.False(t, math.IsNaN(first))
	assert.Equal(t, uint64(3), adam.GetStepCount())
	assert.Contains(t, progress.String(), "epoch 1 |")
	assert.Contains(t, progress.String(), "11/11 samples, batch 3/3")

	// repeated passes over the same data reduce the loss
	var last float64
	for epoch := 2; epoch <= 30; epoch++ {
		source.next = 0
		last, err = trainer.TrainOneEpoch(context.Background(), source, epoch)
		require.NoError(t, err)
	}
	assert.Less(t, last, first)

	metrics := trainer.GetMetrics()
	require.Len(t, metrics, 30)
	assert.Equal(t, 1, metrics[0].Epoch)
	assert.Equal(t, 3, metrics[0].BatchCount)
	assert.Equal(t, 11, metrics[0].SampleCount)
	assert.Equal(t, float32(1e-2), metrics[0].LearningRate)
	assert.InDelta(t, first, metrics[0].TrainLoss, 1e-12)
}

func TestTrainOneEpochErrors(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	net := smallNet(rng)
	dp, err := NewDataParallel(net, cpuLanes(1))
	require.NoError(t, err)
	adam, err := optimizer.NewAdamOptimizer(optimizer.DefaultAdamConfig(), net.Parameters())
	require.NoError(t, err)
	trainer := NewTrainer(dp, adam, NewBCEWithLogitsLoss(nil), nil)

	failing := newFakeBatches(rng, 2, 2, 2)
	failing.failAt = 2
	_, err = trainer.TrainOneEpoch(context.Background(), failing, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode failed")

	_, err = trainer.TrainOneEpoch(context.Background(), &fakeBatches{}, 1)
	require.Error(t, err)
	assert.Empty(t, trainer.GetMetrics())
}

func TestEpochProgress(t *testing.T) {
	var out bytes.Buffer
	p := NewEpochProgress(&out, 5, 4, 2000)
	p.Step(1000, 0.123456)
	assert.Contains(t, out.String(), "\repoch 5 |")

	assert.Equal(t,
		"epoch 5 |██████████          |  50% 1,000/2,000 samples, batch 1/4, loss 0.12346, 100.0 samples/s, eta 10s",
		p.line(10*time.Second))
	assert.Equal(t,
		"epoch 5 |██████████          |  50% 1,000/2,000 samples, batch 1/4, loss 0.12346",
		p.line(0))

	p.Step(1000, 0.1)
	assert.Equal(t,
		"epoch 5 |████████████████████| 100% 2,000/2,000 samples, batch 2/4, loss 0.10000, 100.0 samples/s",
		p.line(20*time.Second))

	p.Done()
	assert.True(t, strings.HasSuffix(out.String(), "\n"))
}

func TestPlotsSavePNG(t *testing.T) {
	metrics := []TrainingMetrics{
		{Epoch: 1, TrainLoss: 0.09, LearningRate: 1e-4},
		{Epoch: 2, TrainLoss: 0.07, LearningRate: 1e-4},
		{Epoch: 3, TrainLoss: 0.06, LearningRate: 1e-5},
	}
	dir := t.TempDir()

	lossPlot := NewTrainingCurvesPlot(metrics, "exp17_seresnext")
	assert.Equal(t, TrainingCurves, lossPlot.PlotType)
	require.Len(t, lossPlot.Series[0].Data, 3)
	path := filepath.Join(dir, "plots", "loss.png")
	require.NoError(t, lossPlot.SavePNG(path))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))

	lrPlot := NewLearningRatePlot(metrics, "exp17_seresnext")
	assert.InDelta(t, 1e-5, lrPlot.Series[0].Data[2].Y, 1e-12)

	require.Error(t, PlotData{}.SavePNG(filepath.Join(dir, "empty.png")))
}
