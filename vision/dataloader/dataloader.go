package dataloader

import (
	"context"
	"io"
	"math/rand"
	"sync"

	"github.com/pkg/errors"
	"github.com/tsawler/rsna-ich/tensor"
	"github.com/tsawler/rsna-ich/vision/dataset"
	"golang.org/x/sync/errgroup"
)

// Dataset is a random-access source of augmented samples
type Dataset interface {
	Len() int
	ImageSize() int
	GetItem(index int, rng *rand.Rand) (*dataset.Sample, error)
}

// cacheable datasets accept a decoded-image cache
type cacheable interface {
	SetCache(c dataset.ImageCache)
}

// Batch is a stacked group of samples
type Batch struct {
	Images   *tensor.Tensor // N x 3 x S x S
	Targets  *tensor.Tensor // N x NumClasses
	External []float32
	IDs      []string
	Size     int
}

// Config holds configuration for DataLoader
type Config struct {
	BatchSize    int
	Shuffle      bool
	NumWorkers   int           // Number of parallel sample loaders per batch
	CacheSize    int           // Decoded images to keep; 0 disables the cache
	CacheManager *CacheManager // Optional shared cache, overrides CacheSize
	Seed         int64
}

type pendingBatch struct {
	done  chan struct{}
	batch *Batch
	err   error
}

// DataLoader yields batches in a seeded order, decoding and augmenting the
// samples of each batch concurrently while the previous batch trains.
type DataLoader struct {
	dataset    Dataset
	batchSize  int
	shuffle    bool
	numWorkers int

	mu       sync.Mutex
	seed     int64
	indices  []int
	position int // batches handed out
	next     *pendingBatch
	ctx      context.Context
	cancel   context.CancelFunc

	cacheManager *CacheManager
	ownedCache   bool
}

// NewDataLoader creates a new data loader
func NewDataLoader(ds Dataset, config Config) (*DataLoader, error) {
	if ds == nil || ds.Len() == 0 {
		return nil, errors.New("data loader needs a non-empty dataset")
	}
	if config.BatchSize <= 0 {
		return nil, errors.Errorf("invalid batch size %d", config.BatchSize)
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = 1
	}

	dl := &DataLoader{
		dataset:    ds,
		batchSize:  config.BatchSize,
		shuffle:    config.Shuffle,
		numWorkers: config.NumWorkers,
	}

	cm := config.CacheManager
	if cm == nil && config.CacheSize > 0 {
		var err error
		if cm, err = NewCacheManager(config.CacheSize); err != nil {
			return nil, err
		}
		dl.ownedCache = true
	}
	if cm != nil {
		c, ok := ds.(cacheable)
		if !ok {
			return nil, errors.New("dataset does not accept an image cache")
		}
		c.SetCache(cm)
		dl.cacheManager = cm
	}

	dl.Seed(config.Seed)
	return dl, nil
}

// Seed reorders the dataset for a new epoch and restarts the cache
// statistics. The order and every sample's augmentation depend only on seed,
// not on worker count or timing.
func (dl *DataLoader) Seed(seed int64) {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	dl.seed = seed
	if dl.shuffle {
		dl.indices = rand.New(rand.NewSource(seed)).Perm(dl.dataset.Len())
	} else {
		dl.indices = make([]int, dl.dataset.Len())
		for i := range dl.indices {
			dl.indices[i] = i
		}
	}
	dl.rewind()
	if dl.cacheManager != nil {
		dl.cacheManager.ResetStats()
	}
}

func (dl *DataLoader) rewind() {
	if dl.cancel != nil {
		dl.cancel()
	}
	dl.ctx, dl.cancel = context.WithCancel(context.Background())
	dl.position = 0
	dl.next = nil
}

// NumBatches returns the batches per epoch, counting a partial last batch
func (dl *DataLoader) NumBatches() int {
	return (dl.dataset.Len() + dl.batchSize - 1) / dl.batchSize
}

// NumSamples returns the samples per epoch
func (dl *DataLoader) NumSamples() int {
	return dl.dataset.Len()
}

// Next returns the next batch, or io.EOF after the last one
func (dl *DataLoader) Next(ctx context.Context) (*Batch, error) {
	dl.mu.Lock()
	if dl.position >= dl.NumBatches() {
		dl.mu.Unlock()
		return nil, io.EOF
	}
	current := dl.next
	if current == nil {
		current = dl.start(dl.position)
	}
	dl.position++
	dl.next = nil
	if dl.position < dl.NumBatches() {
		dl.next = dl.start(dl.position)
	}
	dl.mu.Unlock()

	select {
	case <-current.done:
		return current.batch, current.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// start loads batch b in the background. Callers hold dl.mu.
func (dl *DataLoader) start(b int) *pendingBatch {
	lo := b * dl.batchSize
	hi := lo + dl.batchSize
	if hi > len(dl.indices) {
		hi = len(dl.indices)
	}
	p := &pendingBatch{done: make(chan struct{})}
	indices := append([]int(nil), dl.indices[lo:hi]...)
	seed, ctx := dl.seed, dl.ctx
	go func() {
		defer close(p.done)
		p.batch, p.err = dl.load(ctx, seed, lo, indices)
	}()
	return p
}

// load assembles the samples at epoch positions first, first+1, ...
func (dl *DataLoader) load(ctx context.Context, seed int64, first int, indices []int) (*Batch, error) {
	n := len(indices)
	size := dl.dataset.ImageSize()
	sampleLen := 3 * size * size
	batch := &Batch{
		Images:   tensor.New(n, 3, size, size),
		Targets:  tensor.New(n, dataset.NumClasses),
		External: make([]float32, n),
		IDs:      make([]string, n),
		Size:     n,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(dl.numWorkers)
	for i, idx := range indices {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			rng := rand.New(rand.NewSource(sampleSeed(seed, first+i)))
			s, err := dl.dataset.GetItem(idx, rng)
			if err != nil {
				return errors.Wrapf(err, "load sample %d", idx)
			}
			if len(s.Image.Pix) != sampleLen {
				return errors.Errorf("sample %s has %d values, want %d", s.ID, len(s.Image.Pix), sampleLen)
			}
			copy(batch.Images.Data[i*sampleLen:], s.Image.Pix)
			copy(batch.Targets.Data[i*dataset.NumClasses:], s.Targets[:])
			batch.External[i] = s.External
			batch.IDs[i] = s.ID
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return batch, nil
}

// sampleSeed mixes the epoch seed with a sample's position (splitmix64)
func sampleSeed(seed int64, position int) int64 {
	z := uint64(seed) + uint64(position+1)*0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return int64(z ^ (z >> 31))
}

// Stats returns the cache statistics of the current epoch
func (dl *DataLoader) Stats() string {
	if dl.cacheManager == nil {
		return "Cache: disabled"
	}
	return dl.cacheManager.Stats().String()
}

// Close stops any prefetch and drops an owned cache
func (dl *DataLoader) Close() {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	if dl.cancel != nil {
		dl.cancel()
	}
	dl.next = nil
	if dl.ownedCache {
		dl.cacheManager.Clear()
	}
}
