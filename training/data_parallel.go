package training

import (
	"context"

	"github.com/pkg/errors"
	"github.com/tsawler/rsna-ich/device"
	"github.com/tsawler/rsna-ich/layers"
	"github.com/tsawler/rsna-ich/tensor"
	"golang.org/x/sync/errgroup"
)

// DataParallel runs one model replica per device. Replicas share parameter
// values with the primary module but keep their own gradients, activation
// caches and batch-norm statistics.
//
// A batch is split into contiguous shards, one per replica. Each shard's
// gradient is scaled by shard/N before being summed into the primary, so the
// primary ends up with the gradient of the full-batch mean loss.
type DataParallel struct {
	module   layers.Module
	replicas []layers.Module // replicas[0] is module
	devices  []device.Device
}

// NewDataParallel wraps module for execution over devices
func NewDataParallel(module layers.Module, devices []device.Device) (*DataParallel, error) {
	if module == nil {
		return nil, errors.New("nil module")
	}
	if len(devices) == 0 {
		return nil, errors.New("data parallel needs at least one device")
	}
	dp := &DataParallel{
		module:   module,
		replicas: make([]layers.Module, len(devices)),
		devices:  append([]device.Device(nil), devices...),
	}
	dp.replicas[0] = module
	for i := 1; i < len(devices); i++ {
		dp.replicas[i] = module.Replica()
	}
	return dp, nil
}

// Module returns the wrapped (primary) module
func (dp *DataParallel) Module() layers.Module {
	return dp.module
}

// Devices returns the devices replicas are assigned to
func (dp *DataParallel) Devices() []device.Device {
	return dp.devices
}

type shard struct {
	replica layers.Module
	start   int
	size    int
}

// shards splits n samples into at most len(replicas) contiguous pieces whose
// sizes differ by at most one.
func (dp *DataParallel) shards(n int) []shard {
	k := len(dp.replicas)
	if n < k {
		k = n
	}
	out := make([]shard, k)
	start := 0
	for i := 0; i < k; i++ {
		size := n / k
		if i < n%k {
			size++
		}
		out[i] = shard{replica: dp.replicas[i], start: start, size: size}
		start += size
	}
	return out
}

// TrainStep computes the loss of one batch and leaves the full-batch
// gradient in the primary module's parameters. Gradients are overwritten,
// not accumulated.
func (dp *DataParallel) TrainStep(ctx context.Context, images, targets *tensor.Tensor, criterion Loss) (float64, error) {
	if len(images.Shape) != 4 || len(targets.Shape) != 2 || images.Shape[0] != targets.Shape[0] {
		return 0, errors.Errorf("batch shapes %v and %v don't match", images.Shape, targets.Shape)
	}
	n := images.Shape[0]
	sampleLen := images.Len() / n
	classes := targets.Shape[1]
	shards := dp.shards(n)
	losses := make([]float64, len(shards))

	g, ctx := errgroup.WithContext(ctx)
	for i, s := range shards {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			x, err := tensor.FromData(images.Data[s.start*sampleLen:(s.start+s.size)*sampleLen],
				s.size, images.Shape[1], images.Shape[2], images.Shape[3])
			if err != nil {
				return err
			}
			y, err := tensor.FromData(targets.Data[s.start*classes:(s.start+s.size)*classes], s.size, classes)
			if err != nil {
				return err
			}
			layers.ZeroGrad(s.replica.Parameters())
			logits, err := s.replica.Forward(x, true)
			if err != nil {
				return errors.Wrapf(err, "replica %d forward", i)
			}
			if losses[i], err = criterion.Forward(logits, y); err != nil {
				return err
			}
			grad, err := criterion.Backward(logits, y)
			if err != nil {
				return err
			}
			if _, err := s.replica.Backward(grad); err != nil {
				return errors.Wrapf(err, "replica %d backward", i)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	var loss float64
	primary := dp.module.Parameters()
	for i, s := range shards {
		w := float64(s.size) / float64(n)
		loss += w * losses[i]
		if i == 0 {
			for _, p := range primary {
				tensor.Scale(float32(w), p.Grad.Data)
			}
			continue
		}
		for j, p := range s.replica.Parameters() {
			tensor.Axpy(float32(w), p.Grad.Data, primary[j].Grad.Data)
		}
	}
	return loss, nil
}
