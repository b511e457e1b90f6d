package dataset

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsawler/rsna-ich/vision/preprocessing"
)

const badID = "ID_6431af929"

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func primaryCSV(ids ...string) string {
	var b strings.Builder
	b.WriteString("Image,any,epidural,intraparenchymal,intraventricular,subarachnoid,subdural\n")
	for i, id := range ids {
		fmt.Fprintf(&b, "%s,%d,0,%d,0,0,%d\n", id, i%2, i%2, i%3/2)
	}
	return b.String()
}

func TestLoadLabelTables(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "train.csv", primaryCSV("ID_a", "ID_b"))

	rows, err := LoadLabelTable(path)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "ID_b", rows[1].Image)
	assert.Equal(t, [NumClasses]float32{1, 0, 1, 0, 0, 0}, rows[1].Targets())

	ext := writeFile(t, dir, "ext.csv",
		"Image,any,epidural,intraparenchymal,intraventricular,subarachnoid,subdural,is_dicom\n"+
			"ID_x,1,1,0,0,0,0,1\n"+
			"ID_y,0,0,0,0,0,0,0\n")
	extRows, err := LoadExternalLabelTable(ext)
	require.NoError(t, err)
	require.Len(t, extRows, 2)
	assert.Equal(t, "ID_x", extRows[0].Image)
	assert.True(t, bool(extRows[0].IsDICOM))
	assert.Equal(t, float32(1), extRows[0].Epidural)
	assert.False(t, bool(extRows[1].IsDICOM))
}

func TestLoadExternalLabelTableFlagSpellings(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		flag  string
		valid bool
	}{
		{"1", true},
		{"1.0", true},
		{"True", true},
		{"true", true},
		{"TRUE", true},
		{" 1 ", true},
		{"0", false},
		{"0.0", false},
		{"False", false},
		{"", false},
		{"nan", false},
		{"2", false},
	}
	var b strings.Builder
	b.WriteString("Image,any,epidural,intraparenchymal,intraventricular,subarachnoid,subdural,is_dicom\n")
	for i, tt := range tests {
		fmt.Fprintf(&b, "ID_%02d,1,0,0,0,0,1,%s\n", i, tt.flag)
	}
	path := writeFile(t, dir, "ext.csv", b.String())

	rows, err := LoadExternalLabelTable(path)
	require.NoError(t, err)
	require.Len(t, rows, len(tests))
	for i, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.flag), func(t *testing.T) {
			assert.Equal(t, tt.valid, bool(rows[i].IsDICOM))
		})
	}

	table, err := AssembleTrainingTable(nil, rows, badID)
	require.NoError(t, err)
	assert.Equal(t, 6, table.Len())
	assert.Equal(t, "ID_02", table.Records[2].Image)
}

func TestLoadLabelTableErrors(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
	}{
		{"missing column", "Image,any,epidural\nID_a,0,0\n"},
		{"bad value", "Image,any,epidural,intraparenchymal,intraventricular,subarachnoid,subdural\nID_a,yes,0,0,0,0,0\n"},
		{"empty file", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, dir, strings.ReplaceAll(tt.name, " ", "_")+".csv", tt.content)
			_, err := LoadLabelTable(path)
			assert.Error(t, err)
		})
	}

	_, err := LoadLabelTable(filepath.Join(dir, "missing.csv"))
	assert.Error(t, err)

	noFlag := writeFile(t, dir, "noflag.csv", primaryCSV("ID_a"))
	_, err = LoadExternalLabelTable(noFlag)
	assert.Error(t, err)
}

func TestAssembleTrainingTable(t *testing.T) {
	var primary []LabelRecord
	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("ID_p%03d", i)
		if i == 42 {
			id = badID
		}
		primary = append(primary, LabelRecord{Image: id, Any: float32(i % 2)})
	}
	var external []ExternalLabelRecord
	for i := 0; i < 10; i++ {
		valid := DICOMFlag(i != 3 && i != 7)
		external = append(external, ExternalLabelRecord{
			LabelRecord: LabelRecord{Image: fmt.Sprintf("ID_e%03d", i), Subdural: 1},
			IsDICOM:     valid,
		})
	}

	table, err := AssembleTrainingTable(primary, external, badID)
	require.NoError(t, err)
	require.Equal(t, 107, table.Len())

	for i, r := range table.Records {
		assert.NotEqual(t, badID, r.Image)
		if i < 99 {
			assert.Equal(t, Primary, r.ExternalFlag, r.Image)
			assert.True(t, strings.HasPrefix(r.Image, "ID_p"))
		} else {
			assert.Equal(t, External, r.ExternalFlag, r.Image)
			assert.NotContains(t, []string{"ID_e003", "ID_e007"}, r.Image)
		}
	}
	assert.Equal(t, "ID_p000", table.Records[0].Image)
	assert.Equal(t, "ID_p043", table.Records[42].Image)
	assert.Equal(t, "ID_e000", table.Records[99].Image)

	summary := table.Summary()
	assert.Equal(t, 99, summary.Primary)
	assert.Equal(t, 8, summary.External)
	assert.Equal(t, 50, summary.Positives[0]) // the dropped record has an even index
	assert.Equal(t, 8, summary.Positives[5])
	assert.Contains(t, summary.String(), "99 primary + 8 external")

	targets := table.Targets()
	require.Len(t, targets, 107)
	assert.Equal(t, float32(1), targets[1][0])
	assert.Equal(t, float32(1), targets[106][5])
}

func TestAssembleTrainingTableDuplicates(t *testing.T) {
	primary := []LabelRecord{{Image: "ID_a"}, {Image: "ID_b"}}

	_, err := AssembleTrainingTable(primary, []ExternalLabelRecord{
		{LabelRecord: LabelRecord{Image: "ID_a"}, IsDICOM: true},
	}, badID)
	assert.Error(t, err)

	// invalid external duplicates are filtered before the check
	table, err := AssembleTrainingTable(primary, []ExternalLabelRecord{
		{LabelRecord: LabelRecord{Image: "ID_a"}, IsDICOM: false},
	}, badID)
	require.NoError(t, err)
	assert.Equal(t, 2, table.Len())

	_, err = AssembleTrainingTable(append(primary, LabelRecord{Image: "ID_b"}), nil, badID)
	assert.Error(t, err)
}

func TestSubset(t *testing.T) {
	table := &TrainingTable{Records: make([]TrainingRecord, 10)}
	assert.Equal(t, 4, table.Subset(4).Len())
	assert.Same(t, table, table.Subset(0))
	assert.Same(t, table, table.Subset(10))
	assert.Same(t, table, table.Subset(25))
}

func writeSlice(t *testing.T, path string, size int, level uint8) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.SetGray(x, y, color.Gray{Y: level + uint8((x+y)%8)})
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

type mapCache struct {
	items map[string]*preprocessing.Image
	hits  int
}

func (m *mapCache) Get(key string) (*preprocessing.Image, bool) {
	img, ok := m.items[key]
	if ok {
		m.hits++
	}
	return img, ok
}

func (m *mapCache) Put(key string, img *preprocessing.Image) {
	m.items[key] = img
}

func newTestDataset(t *testing.T, transform preprocessing.Transform) (*RSNADataset, string, string) {
	t.Helper()
	imageDir, extDir := t.TempDir(), t.TempDir()
	writeSlice(t, filepath.Join(imageDir, "ID_p.png"), 40, 20)
	writeSlice(t, filepath.Join(extDir, "ID_e.png"), 24, 60)

	table := &TrainingTable{Records: []TrainingRecord{
		{Image: "ID_p", Targets: [NumClasses]float32{1, 0, 0, 0, 0, 1}, ExternalFlag: Primary},
		{Image: "ID_e", Targets: [NumClasses]float32{0, 1, 0, 0, 0, 0}, ExternalFlag: External},
	}}
	ds, err := NewRSNADataset(table, Config{
		ImageSize:      32,
		ImageDir:       imageDir,
		ExternalDir:    extDir,
		Ext:            ".png",
		SubduralWindow: true,
		Transform:      transform,
	})
	require.NoError(t, err)
	return ds, imageDir, extDir
}

func TestRSNADatasetGetItem(t *testing.T) {
	ds, imageDir, extDir := newTestDataset(t, nil)
	require.Equal(t, 2, ds.Len())
	assert.Equal(t, filepath.Join(imageDir, "ID_p.png"), ds.Path(0))
	assert.Equal(t, filepath.Join(extDir, "ID_e.png"), ds.Path(1))

	for i, want := range []float32{0, 1} {
		s, err := ds.GetItem(i, rand.New(rand.NewSource(1)))
		require.NoError(t, err)
		assert.Equal(t, want, s.External)
		assert.Equal(t, 3, s.Image.Channels)
		assert.Equal(t, 32, s.Image.Height)
		assert.Equal(t, 32, s.Image.Width)
		for _, v := range s.Image.Pix {
			assert.True(t, v >= 0 && v <= 1)
		}
	}

	s, err := ds.GetItem(0, nil)
	require.NoError(t, err)
	assert.Equal(t, "ID_p", s.ID)
	assert.Equal(t, [NumClasses]float32{1, 0, 0, 0, 0, 1}, s.Targets)
	// level 20..27 in the brain window (0..80 HU)
	assert.InDelta(t, 20.0/80, s.Image.At(0, 0, 0), 0.05)

	_, err = ds.GetItem(2, nil)
	assert.Error(t, err)
	_, err = ds.GetItem(-1, nil)
	assert.Error(t, err)
}

func TestRSNADatasetAugmentationIsSeeded(t *testing.T) {
	ds, _, _ := newTestDataset(t, preprocessing.NewCompose(
		&preprocessing.HorizontalFlip{P: 0.5},
		preprocessing.NewShiftScaleRotate(20, 1),
	))

	a, err := ds.GetItem(0, rand.New(rand.NewSource(11)))
	require.NoError(t, err)
	b, err := ds.GetItem(0, rand.New(rand.NewSource(11)))
	require.NoError(t, err)
	assert.Equal(t, a.Image.Pix, b.Image.Pix)
	assert.Equal(t, 32, a.Image.Height)
}

func TestRSNADatasetCache(t *testing.T) {
	ds, imageDir, _ := newTestDataset(t, nil)
	cache := &mapCache{items: map[string]*preprocessing.Image{}}
	ds.SetCache(cache)

	first, err := ds.GetItem(0, nil)
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(imageDir, "ID_p.png")))

	second, err := ds.GetItem(0, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, cache.hits)
	assert.Equal(t, first.Image.Pix, second.Image.Pix)

	// samples never alias cached pixels
	second.Image.Pix[0] = -1
	third, err := ds.GetItem(0, nil)
	require.NoError(t, err)
	assert.NotEqual(t, float32(-1), third.Image.Pix[0])
}

func TestRSNADatasetErrors(t *testing.T) {
	_, err := NewRSNADataset(nil, Config{ImageSize: 8})
	assert.Error(t, err)
	_, err = NewRSNADataset(&TrainingTable{}, Config{})
	assert.Error(t, err)

	ds, err := NewRSNADataset(&TrainingTable{Records: []TrainingRecord{{Image: "ID_missing"}}},
		Config{ImageSize: 8, ImageDir: t.TempDir()})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(ds.Path(0), "ID_missing.dcm"))
	_, err = ds.GetItem(0, nil)
	assert.Error(t, err)
}
