package experiment

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/tsawler/rsna-ich/checkpoints"
	"github.com/tsawler/rsna-ich/device"
	"github.com/tsawler/rsna-ich/layers"
	"github.com/tsawler/rsna-ich/logging"
	"github.com/tsawler/rsna-ich/models"
	"github.com/tsawler/rsna-ich/optimizer"
	"github.com/tsawler/rsna-ich/training"
	"github.com/tsawler/rsna-ich/vision/dataloader"
	"github.com/tsawler/rsna-ich/vision/dataset"
	"github.com/tsawler/rsna-ich/vision/preprocessing"
	"go.uber.org/zap"
)

// Result summarises a finished run
type Result struct {
	Seed        int64
	Records     int
	Losses      []float64 // mean train loss per epoch
	Checkpoints []string
	LossPlot    string // empty when the plot could not be written
	LRPlot      string
}

// Runner executes one training run
type Runner struct {
	cfg      Config
	log      *zap.Logger
	progress io.Writer

	table   *dataset.TrainingTable
	records int
	loader  *dataloader.DataLoader
	model   *models.CnnModel
	dp      *training.DataParallel
	opt     *optimizer.AdamOptimizer
	loss    training.Loss
}

// NewRunner validates cfg and resolves its seed
func NewRunner(cfg Config, log *zap.Logger) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.ResolveSeed()
	r := &Runner{cfg: cfg, log: log}
	if cfg.Progress {
		r.progress = os.Stderr
	}
	return r, nil
}

// Seed returns the resolved seed
func (r *Runner) Seed() int64 {
	return r.cfg.Seed
}

// Run loads the data, builds the model and trains it, saving a checkpoint
// after every epoch. Any error ends the run.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	r.log.Sugar().Infof("seed=%d", r.cfg.Seed)
	res := &Result{Seed: r.cfg.Seed}
	defer func() {
		if r.loader != nil {
			r.loader.Close()
		}
	}()

	stages := []struct {
		name string
		fn   func() error
	}{
		{"load data", r.loadData},
		{"preprocessing", r.buildLoader},
		{"create model", r.createModel},
		{"train", func() error { return r.train(ctx, res) }},
	}
	for _, s := range stages {
		if err := logging.Timed(r.log, s.name, s.fn); err != nil {
			return nil, errors.Wrap(err, s.name)
		}
	}
	res.Records = r.records
	return res, nil
}

func (r *Runner) loadData() error {
	primary, err := dataset.LoadLabelTable(r.cfg.TrainPath)
	if err != nil {
		return err
	}
	external, err := dataset.LoadExternalLabelTable(r.cfg.ExternalPath)
	if err != nil {
		return err
	}
	table, err := dataset.AssembleTrainingTable(primary, external, r.cfg.BadImageID)
	if err != nil {
		return err
	}
	r.table = table.Subset(r.cfg.Limit)
	r.records = r.table.Len()
	r.log.Info(r.table.Summary().String())
	return nil
}

func (r *Runner) buildLoader() error {
	var transform preprocessing.Transform
	if r.cfg.Augment {
		transform = preprocessing.TrainAugmentation(r.cfg.ImgSize)
	}
	ds, err := dataset.NewRSNADataset(r.table, dataset.Config{
		ImageSize:      r.cfg.ImgSize,
		ImageDir:       r.cfg.ImagePath,
		ExternalDir:    r.cfg.ExternalImagePath,
		Ext:            r.cfg.ImageExt,
		BlackCrop:      r.cfg.BlackCrop,
		SubduralWindow: r.cfg.Subdural,
		Transform:      transform,
	})
	if err != nil {
		return err
	}
	r.loader, err = dataloader.NewDataLoader(ds, dataloader.Config{
		BatchSize:  r.cfg.BatchSize,
		Shuffle:    true,
		NumWorkers: r.cfg.Workers,
		CacheSize:  r.cfg.CacheSize,
		Seed:       r.cfg.Seed,
	})
	if err != nil {
		return err
	}
	r.log.Sugar().Infof("%s, %d batches of %d", ds, r.loader.NumBatches(), r.cfg.BatchSize)

	// the loader keeps what it needs
	r.table = nil
	debug.FreeOSMemory()
	return nil
}

func (r *Runner) createModel() error {
	pool, err := layers.ParsePoolType(r.cfg.PoolType)
	if err != nil {
		return err
	}
	rng := rand.New(rand.NewSource(r.cfg.Seed))
	if r.model, err = models.NewCnnModel(dataset.NumClasses, r.cfg.Encoder, pool, rng); err != nil {
		return err
	}

	switch {
	case r.cfg.ModelPath != "":
		cp, err := checkpoints.Load(r.cfg.ModelPath)
		if err != nil {
			return err
		}
		if err := r.model.LoadStateDict(cp.Weights); err != nil {
			return errors.Wrapf(err, "resume from %s", r.cfg.ModelPath)
		}
		r.log.Info("resumed weights", zap.String("path", r.cfg.ModelPath))
	case r.cfg.Pretrained != "":
		if err := r.model.LoadPretrained(r.cfg.Pretrained); err != nil {
			return err
		}
		r.log.Info("loaded pretrained encoder", zap.String("path", r.cfg.Pretrained))
	}

	r.loss = training.NewBCEWithLogitsLoss(r.cfg.LossWeights)
	adam := optimizer.DefaultAdamConfig()
	adam.LearningRate = r.cfg.LR
	adam.Epsilon = r.cfg.AdamEps
	if r.opt, err = optimizer.NewAdamOptimizer(adam, r.model.Parameters()); err != nil {
		return err
	}

	devices, err := device.Discover()
	if err != nil {
		return err
	}
	for _, d := range devices {
		if d.Kind == device.CUDA {
			r.log.Info("found accelerator, training runs on host lanes", zap.Stringer("device", d))
		}
	}
	lanes, err := device.Lanes(devices, r.cfg.Lanes)
	if err != nil {
		return err
	}
	if r.dp, err = training.NewDataParallel(r.model, lanes); err != nil {
		return err
	}
	replicas := r.dp.Devices()
	r.log.Info("model ready",
		zap.String("model", r.model.Name()),
		zap.Int64("parameters", layers.CountParameters(r.model)),
		zap.Int("replicas", len(replicas)),
		zap.Stringer("lane", replicas[0]))
	return nil
}

func (r *Runner) train(ctx context.Context, res *Result) error {
	sched := training.NewMultiStepLRScheduler([]int{r.cfg.DecayEpoch}, r.cfg.DecayGamma)
	trainer := training.NewTrainer(r.dp, r.opt, r.loss, r.progress)
	r.log.Info("lr schedule", zap.String("scheduler", sched.GetName()), zap.Int("decay epoch", r.cfg.DecayEpoch))

	for epoch := 1; epoch <= r.cfg.Epochs; epoch++ {
		r.opt.SetLearningRate(float32(sched.GetLR(epoch, 0, float64(r.cfg.LR))))
		r.loader.Seed(r.cfg.Seed + int64(epoch))

		r.log.Sugar().Infof("Starting %d epoch...", epoch)
		loss, err := trainer.TrainOneEpoch(ctx, r.loader, epoch)
		if err != nil {
			return err
		}
		r.log.Sugar().Infof("Mean train loss: %s", formatRounded(loss, 5))
		if r.cfg.CacheSize > 0 {
			r.log.Info(r.loader.Stats())
		}
		res.Losses = append(res.Losses, loss)

		path, err := r.saveCheckpoint(epoch, loss)
		if err != nil {
			return err
		}
		res.Checkpoints = append(res.Checkpoints, path)
	}

	metrics := trainer.GetMetrics()
	res.LossPlot = r.savePlot(training.NewTrainingCurvesPlot(metrics, r.cfg.ExpID), "loss")
	res.LRPlot = r.savePlot(training.NewLearningRatePlot(metrics, r.cfg.ExpID), "lr")
	return nil
}

// savePlot writes models/<ExpID>_<suffix>.png. A failure is only logged.
func (r *Runner) savePlot(plot training.PlotData, suffix string) string {
	path := filepath.Join(r.cfg.ModelsDir, fmt.Sprintf("%s_%s.png", r.cfg.ExpID, suffix))
	if err := plot.SavePNG(path); err != nil {
		r.log.Warn("could not write plot", zap.String("path", path), zap.Error(err))
		return ""
	}
	return path
}

func (r *Runner) saveCheckpoint(epoch int, loss float64) (string, error) {
	path := filepath.Join(r.cfg.ModelsDir, fmt.Sprintf("%s_ep%d.pth", r.cfg.ExpID, epoch))
	cp := &checkpoints.Checkpoint{
		Weights: r.model.StateDict(),
		TrainingState: checkpoints.TrainingState{
			Epoch:        epoch,
			Step:         int(r.opt.GetStepCount()),
			LearningRate: r.opt.LearningRate(),
			TrainLoss:    float32(loss),
		},
		Metadata: checkpoints.CheckpointMetadata{
			Description: r.cfg.ExpID,
			Tags:        []string{r.cfg.Encoder, r.cfg.PoolType},
		},
	}
	if err := checkpoints.Save(cp, path); err != nil {
		return "", err
	}
	if info, err := os.Stat(path); err == nil {
		r.log.Info("saved checkpoint", zap.String("path", path), zap.String("size", humanize.Bytes(uint64(info.Size()))))
	}
	return path, nil
}

// formatRounded prints v rounded to places decimals without trailing zeros
func formatRounded(v float64, places int) string {
	p := math.Pow(10, float64(places))
	return strconv.FormatFloat(math.Round(v*p)/p, 'f', -1, 64)
}
