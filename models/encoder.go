package models

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"github.com/tsawler/rsna-ich/layers"
)

// EncoderConfig describes an SE-ResNeXt backbone
type EncoderConfig struct {
	StemWidth int   // channels produced by layer0
	Blocks    []int // residual blocks per stage
	Planes    []int // bottleneck planes per stage, output is Planes*Expansion
	Groups    int
	BaseWidth int
	Reduction int
}

var encoders = map[string]EncoderConfig{
	"se_resnext50_32x4d": {
		StemWidth: 64,
		Blocks:    []int{3, 4, 6, 3},
		Planes:    []int{64, 128, 256, 512},
		Groups:    32,
		BaseWidth: 4,
		Reduction: 16,
	},
	"se_resnext101_32x4d": {
		StemWidth: 64,
		Blocks:    []int{3, 4, 23, 3},
		Planes:    []int{64, 128, 256, 512},
		Groups:    32,
		BaseWidth: 4,
		Reduction: 16,
	},
	// small enough to train on a laptop CPU in tests and smoke runs
	"se_resnext_tiny": {
		StemWidth: 8,
		Blocks:    []int{1, 1},
		Planes:    []int{4, 8},
		Groups:    2,
		BaseWidth: 32,
		Reduction: 4,
	},
}

// EncoderNames lists the registered backbones
func EncoderNames() []string {
	names := make([]string, 0, len(encoders))
	for name := range encoders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LookupEncoder returns the configuration registered under name
func LookupEncoder(name string) (EncoderConfig, error) {
	cfg, ok := encoders[name]
	if !ok {
		return EncoderConfig{}, errors.Errorf("unknown encoder %q (available: %v)", name, EncoderNames())
	}
	return cfg, nil
}

// OutChannels returns the number of feature channels of the last stage
func (c EncoderConfig) OutChannels() int {
	return c.Planes[len(c.Planes)-1] * layers.Expansion
}

// NewEncoder builds the backbone with parameter names rooted at prefix:
// layer0 (7x7 stem and max pool) followed by layer1..layerN residual stages.
func NewEncoder(prefix string, cfg EncoderConfig) (*layers.SequentialLayer, error) {
	if len(cfg.Blocks) == 0 || len(cfg.Blocks) != len(cfg.Planes) {
		return nil, errors.Errorf("encoder needs one plane count per stage, got %d blocks and %d planes",
			len(cfg.Blocks), len(cfg.Planes))
	}
	name := func(parts ...string) string {
		n := prefix
		for _, p := range parts {
			if n != "" {
				n += "."
			}
			n += p
		}
		return n
	}

	enc := layers.NewSequential(prefix)
	enc.Add(layers.NewSequential(name("layer0"),
		layers.NewConv2D(name("layer0", "conv1"), 3, cfg.StemWidth, 7, 2, 3, 1, false),
		layers.NewBatchNorm2D(name("layer0", "bn1"), cfg.StemWidth, 0, 0),
		layers.NewReLU(name("layer0", "relu1")),
		layers.NewMaxPool2D(name("layer0", "pool"), 3, 2, 1),
	))

	inPlanes := cfg.StemWidth
	for stage, blocks := range cfg.Blocks {
		stageName := name(fmt.Sprintf("layer%d", stage+1))
		seq := layers.NewSequential(stageName)
		stride := 2
		if stage == 0 {
			stride = 1
		}
		planes := cfg.Planes[stage]
		for b := 0; b < blocks; b++ {
			blockCfg := layers.BottleneckConfig{
				InPlanes:  inPlanes,
				Planes:    planes,
				Groups:    cfg.Groups,
				BaseWidth: cfg.BaseWidth,
				Reduction: cfg.Reduction,
				Stride:    1,
			}
			if b == 0 {
				blockCfg.Stride = stride
				blockCfg.Downsample = stride != 1 || inPlanes != planes*layers.Expansion
			}
			seq.Add(layers.NewBottleneck(fmt.Sprintf("%s.%d", stageName, b), blockCfg))
			inPlanes = planes * layers.Expansion
		}
		enc.Add(seq)
	}
	return enc, nil
}
