package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexflint/go-arg"
	"github.com/tsawler/rsna-ich/experiment"
	"github.com/tsawler/rsna-ich/logging"
	"go.uber.org/zap"
)

// Every flag defaults to the exp17 setting, so running with no arguments
// reproduces the experiment.
type args struct {
	TrainPath         string `arg:"--train-csv" help:"primary label CSV"`
	ExternalPath      string `arg:"--external-csv" help:"external label CSV"`
	ImagePath         string `arg:"--images" help:"primary slice directory"`
	ExternalImagePath string `arg:"--external-images" help:"external slice directory"`
	ImageExt          string `arg:"--ext" help:"slice file extension"`
	LoggerPath        string `arg:"--log" help:"log file, appended to"`
	ModelsDir         string `arg:"--models" help:"checkpoint directory"`
	Pretrained        string `arg:"--pretrained" help:"encoder weights (.onnx/.pth/.json); empty for random init"`
	ModelPath         string `arg:"--resume" help:"weights to resume from"`
	Seed              int64  `arg:"--seed" help:"random seed; negative picks one"`
	Epochs            int    `arg:"--epochs"`
	Workers           int    `arg:"--workers" help:"sample loaders per batch"`
	Lanes             int    `arg:"--lanes" help:"CPU lanes for data parallelism, 0 for all cores"`
	CacheSize         int    `arg:"--cache" help:"decoded slices to cache"`
	Limit             int    `arg:"--limit" help:"train on the first N records only"`
	NoProgress        bool   `arg:"--no-progress" help:"hide the per-batch progress bar"`
}

func (args) Description() string {
	return "Trains the exp17 SE-ResNeXt intracranial hemorrhage classifier on RSNA plus external slices."
}

func main() {
	cfg := experiment.DefaultConfig()
	a := args{
		TrainPath:         cfg.TrainPath,
		ExternalPath:      cfg.ExternalPath,
		ImagePath:         cfg.ImagePath,
		ExternalImagePath: cfg.ExternalImagePath,
		ImageExt:          cfg.ImageExt,
		LoggerPath:        cfg.LoggerPath,
		ModelsDir:         cfg.ModelsDir,
		Pretrained:        cfg.Pretrained,
		ModelPath:         cfg.ModelPath,
		Seed:              cfg.Seed,
		Epochs:            cfg.Epochs,
		Workers:           cfg.Workers,
		Lanes:             cfg.Lanes,
		CacheSize:         cfg.CacheSize,
		Limit:             cfg.Limit,
	}
	arg.MustParse(&a)

	cfg.TrainPath = a.TrainPath
	cfg.ExternalPath = a.ExternalPath
	cfg.ImagePath = a.ImagePath
	cfg.ExternalImagePath = a.ExternalImagePath
	cfg.ImageExt = a.ImageExt
	cfg.LoggerPath = a.LoggerPath
	cfg.ModelsDir = a.ModelsDir
	cfg.Pretrained = a.Pretrained
	cfg.ModelPath = a.ModelPath
	cfg.Seed = a.Seed
	cfg.Epochs = a.Epochs
	cfg.Workers = a.Workers
	cfg.Lanes = a.Lanes
	cfg.CacheSize = a.CacheSize
	cfg.Limit = a.Limit
	cfg.Progress = !a.NoProgress

	log, closeLog, err := logging.Setup(cfg.LoggerPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%+v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, log)
	stop()
	if err != nil {
		log.Error(fmt.Sprintf("%+v", err))
		closeLog()
		os.Exit(1)
	}
	closeLog()
}

func run(ctx context.Context, cfg experiment.Config, log *zap.Logger) error {
	runner, err := experiment.NewRunner(cfg, log)
	if err != nil {
		return err
	}
	res, err := runner.Run(ctx)
	if err != nil {
		return err
	}
	log.Info("training finished",
		zap.Int64("seed", res.Seed),
		zap.Int("records", res.Records),
		zap.Strings("checkpoints", res.Checkpoints))
	return nil
}
