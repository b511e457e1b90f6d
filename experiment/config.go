package experiment

import (
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"github.com/tsawler/rsna-ich/vision/dataset"
)

// Config holds every setting of a training run
type Config struct {
	DataDir           string
	ImagePath         string
	ExternalImagePath string
	LoggerPath        string
	TrainPath         string
	ExternalPath      string
	ImageExt          string

	Seed        int64 // negative picks a random seed in [0, 100000)
	ImgSize     int
	BatchSize   int
	Epochs      int
	ExpID       string
	ModelPath   string // resume weights; empty trains from the pretrained encoder
	Pretrained  string // encoder weights; empty keeps the random initialisation
	ModelsDir   string
	Workers     int
	Lanes       int // CPU lanes for data parallelism; 0 uses every physical core
	CacheSize   int
	Limit       int // train on the first Limit records; 0 uses all
	Progress    bool
	BlackCrop   bool
	Subdural    bool
	Augment     bool
	Encoder     string
	PoolType    string
	BadImageID  string
	LR          float32
	AdamEps     float32
	LossWeights []float32
	DecayEpoch  int
	DecayGamma  float64
}

// DefaultConfig returns the exp17 settings
func DefaultConfig() Config {
	return Config{
		DataDir:           "../input/",
		ImagePath:         "../input/stage_1_train_images/",
		ExternalImagePath: "../input_ext/images/",
		LoggerPath:        "log.txt",
		TrainPath:         "../input/rsna_train.csv",
		ExternalPath:      "../input_ext/exp7_seresnext_external.csv",
		ImageExt:          ".dcm",

		Seed:        -1,
		ImgSize:     512,
		BatchSize:   32,
		Epochs:      5,
		ExpID:       "exp17_seresnext",
		Pretrained:  "../input/pretrained/se_resnext50_32x4d.onnx",
		ModelsDir:   "models",
		Workers:     8,
		CacheSize:   0,
		Progress:    true,
		BlackCrop:   false,
		Subdural:    true,
		Augment:     true,
		Encoder:     "se_resnext50_32x4d",
		PoolType:    "avg",
		BadImageID:  "ID_6431af929",
		LR:          1e-4,
		AdamEps:     1e-4,
		LossWeights: []float32{2, 1, 1, 1, 1, 1},
		DecayEpoch:  5,
		DecayGamma:  0.1,
	}
}

// Validate checks the settings a run cannot start without
func (c *Config) Validate() error {
	switch {
	case c.ImgSize <= 0:
		return errors.Errorf("invalid image size %d", c.ImgSize)
	case c.Augment && c.ImgSize <= 50:
		return errors.Errorf("augmentation crops 50 pixels, image size %d is too small", c.ImgSize)
	case c.BatchSize <= 0:
		return errors.Errorf("invalid batch size %d", c.BatchSize)
	case c.Epochs <= 0:
		return errors.Errorf("invalid epoch count %d", c.Epochs)
	case c.ExpID == "":
		return errors.New("experiment id is empty")
	case len(c.LossWeights) != dataset.NumClasses:
		return errors.Errorf("need %d loss weights, got %d", dataset.NumClasses, len(c.LossWeights))
	}
	return nil
}

// ResolveSeed replaces a negative seed with a random one in [0, 100000)
func (c *Config) ResolveSeed() int64 {
	if c.Seed < 0 {
		c.Seed = rand.New(rand.NewSource(time.Now().UnixNano())).Int63n(100000)
	}
	return c.Seed
}
