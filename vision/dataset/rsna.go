package dataset

import (
	"fmt"
	"math/rand"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/tsawler/rsna-ich/vision/preprocessing"
)

// ImageCache stores decoded, windowed slices before augmentation
type ImageCache interface {
	Get(key string) (*preprocessing.Image, bool)
	Put(key string, img *preprocessing.Image)
}

// Config controls how RSNADataset turns a record into a model input
type Config struct {
	ImageSize      int
	ImageDir       string
	ExternalDir    string
	Ext            string // defaults to ".dcm"
	BlackCrop      bool
	SubduralWindow bool
	Transform      preprocessing.Transform // nil disables augmentation
}

// Sample is one model input with its labels
type Sample struct {
	ID       string
	Image    *preprocessing.Image // 3 x ImageSize x ImageSize
	Targets  [NumClasses]float32
	External float32
}

// RSNADataset serves windowed, augmented CT slices for a TrainingTable
type RSNADataset struct {
	table *TrainingTable
	cfg   Config
	cache ImageCache
}

// NewRSNADataset creates a dataset over table
func NewRSNADataset(table *TrainingTable, cfg Config) (*RSNADataset, error) {
	if table == nil {
		return nil, errors.New("nil training table")
	}
	if cfg.ImageSize <= 0 {
		return nil, errors.Errorf("invalid image size %d", cfg.ImageSize)
	}
	if cfg.Ext == "" {
		cfg.Ext = ".dcm"
	}
	return &RSNADataset{table: table, cfg: cfg}, nil
}

// SetCache installs a cache for decoded slices
func (d *RSNADataset) SetCache(c ImageCache) {
	d.cache = c
}

// Len returns the number of items in the dataset
func (d *RSNADataset) Len() int {
	return d.table.Len()
}

// ImageSize returns the side length of every sample
func (d *RSNADataset) ImageSize() int {
	return d.cfg.ImageSize
}

// Path returns the slice file of record index
func (d *RSNADataset) Path(index int) string {
	r := d.table.Records[index]
	dir := d.cfg.ImageDir
	if r.ExternalFlag == External {
		dir = d.cfg.ExternalDir
	}
	return filepath.Join(dir, r.Image+d.cfg.Ext)
}

// GetItem loads record index and augments it with rng. The same rng state
// yields the same pixels.
func (d *RSNADataset) GetItem(index int, rng *rand.Rand) (*Sample, error) {
	if index < 0 || index >= d.Len() {
		return nil, errors.Errorf("index %d out of range [0, %d)", index, d.Len())
	}
	r := d.table.Records[index]

	base, err := d.base(index)
	if err != nil {
		return nil, err
	}

	img := base
	if d.cfg.Transform != nil {
		if img, err = d.cfg.Transform.Apply(base, rng); err != nil {
			return nil, errors.Wrapf(err, "augment %s", r.Image)
		}
	}
	if img.Height != d.cfg.ImageSize || img.Width != d.cfg.ImageSize {
		if img, err = preprocessing.ResizeBilinear(img, d.cfg.ImageSize, d.cfg.ImageSize); err != nil {
			return nil, err
		}
	}
	if img == base {
		img = base.Clone()
	}

	return &Sample{
		ID:       r.Image,
		Image:    img,
		Targets:  r.Targets,
		External: float32(r.ExternalFlag),
	}, nil
}

// base returns the windowed slice resized to ImageSize, from the cache
// when possible.
func (d *RSNADataset) base(index int) (*preprocessing.Image, error) {
	id := d.table.Records[index].Image
	if d.cache != nil {
		if img, ok := d.cache.Get(id); ok {
			return img, nil
		}
	}

	path := d.Path(index)
	hu, err := preprocessing.LoadSlice(path)
	if err != nil {
		return nil, err
	}
	img, err := preprocessing.WindowChannels(hu, d.cfg.SubduralWindow)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	if d.cfg.BlackCrop {
		img = preprocessing.BlackCrop(img)
	}
	if img, err = preprocessing.ResizeBilinear(img, d.cfg.ImageSize, d.cfg.ImageSize); err != nil {
		return nil, errors.Wrap(err, path)
	}

	if d.cache != nil {
		d.cache.Put(id, img)
	}
	return img, nil
}

// String returns a string representation of the dataset
func (d *RSNADataset) String() string {
	return fmt.Sprintf("RSNADataset(%d images, size=%d, ext=%s)", d.Len(), d.cfg.ImageSize, d.cfg.Ext)
}
