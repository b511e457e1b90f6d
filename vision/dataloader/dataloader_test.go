package dataloader

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsawler/rsna-ich/vision/dataset"
	"github.com/tsawler/rsna-ich/vision/preprocessing"
)

// mockDataset fills sample idx with idx plus noise drawn from rng
type mockDataset struct {
	n       int
	size    int
	failAt  int
	blockOn chan struct{}
}

func newMockDataset(n int) *mockDataset {
	return &mockDataset{n: n, size: 4, failAt: -1}
}

func (m *mockDataset) Len() int       { return m.n }
func (m *mockDataset) ImageSize() int { return m.size }

func (m *mockDataset) GetItem(index int, rng *rand.Rand) (*dataset.Sample, error) {
	if m.blockOn != nil {
		<-m.blockOn
	}
	if index == m.failAt {
		return nil, errors.Errorf("broken slice %d", index)
	}
	img := preprocessing.NewImage(3, m.size, m.size)
	for i := range img.Pix {
		img.Pix[i] = float32(index) + rng.Float32()
	}
	s := &dataset.Sample{ID: fmt.Sprintf("ID_%d", index), Image: img, External: float32(index % 2)}
	s.Targets[index%dataset.NumClasses] = 1
	return s, nil
}

func drain(t *testing.T, dl *DataLoader) []*Batch {
	t.Helper()
	var out []*Batch
	for {
		b, err := dl.Next(context.Background())
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, b)
	}
}

func sampleOrder(batches []*Batch) []string {
	var ids []string
	for _, b := range batches {
		ids = append(ids, b.IDs...)
	}
	return ids
}

func TestNewDataLoaderValidation(t *testing.T) {
	_, err := NewDataLoader(newMockDataset(0), Config{BatchSize: 2})
	assert.Error(t, err)
	_, err = NewDataLoader(newMockDataset(3), Config{BatchSize: 0})
	assert.Error(t, err)
	_, err = NewDataLoader(newMockDataset(3), Config{BatchSize: 2, CacheSize: 4})
	assert.Error(t, err, "mock dataset takes no cache")
}

func TestDataLoaderBatches(t *testing.T) {
	dl, err := NewDataLoader(newMockDataset(10), Config{BatchSize: 4, NumWorkers: 3})
	require.NoError(t, err)
	defer dl.Close()
	assert.Equal(t, 3, dl.NumBatches())
	assert.Equal(t, 10, dl.NumSamples())

	batches := drain(t, dl)
	require.Len(t, batches, 3)
	for i, want := range []int{4, 4, 2} {
		b := batches[i]
		assert.Equal(t, want, b.Size)
		assert.Equal(t, []int{want, 3, 4, 4}, b.Images.Shape)
		assert.Equal(t, []int{want, dataset.NumClasses}, b.Targets.Shape)
		assert.Len(t, b.External, want)
	}

	// without shuffling the order is the dataset order
	var want []string
	for i := 0; i < 10; i++ {
		want = append(want, fmt.Sprintf("ID_%d", i))
	}
	assert.Equal(t, want, sampleOrder(batches))

	last := batches[2]
	assert.Equal(t, float32(1), last.Targets.Data[1*dataset.NumClasses+9%dataset.NumClasses])
	assert.Equal(t, float32(1), last.External[1])
	assert.GreaterOrEqual(t, last.Images.Data[len(last.Images.Data)-1], float32(9))

	_, err = dl.Next(context.Background())
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, "Cache: disabled", dl.Stats())
}

func TestDataLoaderSeedIsDeterministic(t *testing.T) {
	run := func(workers int, seed int64) []*Batch {
		dl, err := NewDataLoader(newMockDataset(13), Config{BatchSize: 5, Shuffle: true, NumWorkers: workers})
		require.NoError(t, err)
		defer dl.Close()
		dl.Seed(seed)
		return drain(t, dl)
	}

	a := run(1, 42)
	b := run(4, 42)
	require.Len(t, a, 3)
	assert.Equal(t, sampleOrder(a), sampleOrder(b))
	for i := range a {
		assert.Equal(t, a[i].Images.Data, b[i].Images.Data)
	}

	c := run(4, 43)
	assert.NotEqual(t, sampleOrder(a), sampleOrder(c))
	assert.ElementsMatch(t, sampleOrder(a), sampleOrder(c))
}

func TestDataLoaderReseedReplaysEpoch(t *testing.T) {
	dl, err := NewDataLoader(newMockDataset(7), Config{BatchSize: 3, Shuffle: true, NumWorkers: 2, Seed: 5})
	require.NoError(t, err)
	defer dl.Close()

	first := drain(t, dl)
	// stop part way through the second pass
	dl.Seed(5)
	_, err = dl.Next(context.Background())
	require.NoError(t, err)
	dl.Seed(5)
	second := drain(t, dl)

	require.Len(t, second, len(first))
	for i := range first {
		assert.Equal(t, first[i].IDs, second[i].IDs)
		assert.Equal(t, first[i].Images.Data, second[i].Images.Data)
	}
}

func TestDataLoaderSampleError(t *testing.T) {
	ds := newMockDataset(6)
	ds.failAt = 4
	dl, err := NewDataLoader(ds, Config{BatchSize: 3, NumWorkers: 2})
	require.NoError(t, err)
	defer dl.Close()

	_, err = dl.Next(context.Background())
	require.NoError(t, err)
	_, err = dl.Next(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken slice 4")
}

func TestDataLoaderCancelledContext(t *testing.T) {
	ds := newMockDataset(4)
	ds.blockOn = make(chan struct{})
	defer close(ds.blockOn)

	dl, err := NewDataLoader(ds, Config{BatchSize: 2})
	require.NoError(t, err)
	defer dl.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = dl.Next(ctx)
	assert.Equal(t, context.Canceled, err)
}

func TestSampleSeed(t *testing.T) {
	assert.Equal(t, sampleSeed(1, 5), sampleSeed(1, 5))
	assert.NotEqual(t, sampleSeed(1, 5), sampleSeed(1, 6))
	assert.NotEqual(t, sampleSeed(1, 5), sampleSeed(2, 5))
}

func TestDataLoaderWithImageCache(t *testing.T) {
	dir := t.TempDir()
	var records []dataset.TrainingRecord
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("ID_%02d", i)
		img := image.NewGray(image.Rect(0, 0, 12, 12))
		for p := range img.Pix {
			img.Pix[p] = uint8(10 * (i + 1))
		}
		f, err := os.Create(filepath.Join(dir, id+".png"))
		require.NoError(t, err)
		require.NoError(t, png.Encode(f, img))
		require.NoError(t, f.Close())
		records = append(records, dataset.TrainingRecord{Image: id})
	}

	ds, err := dataset.NewRSNADataset(&dataset.TrainingTable{Records: records}, dataset.Config{
		ImageSize: 8,
		ImageDir:  dir,
		Ext:       ".png",
		Transform: preprocessing.NewCompose(&preprocessing.HorizontalFlip{P: 0.5}),
	})
	require.NoError(t, err)

	dl, err := NewDataLoader(ds, Config{BatchSize: 2, Shuffle: true, NumWorkers: 2, CacheSize: 8, Seed: 3})
	require.NoError(t, err)
	defer dl.Close()

	first := drain(t, dl)
	require.Len(t, first, 3)
	assert.Equal(t, int64(0), dl.cacheManager.Stats().Hits)
	assert.Equal(t, int64(5), dl.cacheManager.Stats().Misses)

	dl.Seed(4)
	second := drain(t, dl)
	assert.ElementsMatch(t, sampleOrder(first), sampleOrder(second))
	stats := dl.cacheManager.Stats()
	assert.Equal(t, int64(5), stats.Hits)
	assert.Equal(t, int64(0), stats.Misses, "statistics restart with each epoch")
	assert.Equal(t, 5, stats.Size)
	assert.Equal(t, "Cache: 5/8 items, Hits: 5, Misses: 0, Hit Rate: 100.0%", dl.Stats())
}
