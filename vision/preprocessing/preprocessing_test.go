package preprocessing

import (
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fromRows(rows ...[]float32) *Image {
	img := NewImage(1, len(rows), len(rows[0]))
	for y, r := range rows {
		copy(img.Pix[y*img.Width:], r)
	}
	return img
}

func gradientImage(channels, h, w int) *Image {
	img := NewImage(channels, h, w)
	for i := range img.Pix {
		img.Pix[i] = float32(i%97) / 97
	}
	return img
}

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func TestWindowApply(t *testing.T) {
	tests := []struct {
		hu   float32
		want float32
	}{
		{-10, 0},
		{0, 0},
		{40, 0.5},
		{80, 1},
		{300, 1},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, BrainWindow.Apply(tt.hu), 1e-6, "hu=%v", tt.hu)
	}
}

func TestWindowChannels(t *testing.T) {
	hu := fromRows([]float32{80, -1000})

	multi, err := WindowChannels(hu, true)
	require.NoError(t, err)
	require.Equal(t, 3, multi.Channels)
	assert.InDelta(t, 1, multi.At(0, 0, 0), 1e-6)
	assert.InDelta(t, 0.5, multi.At(1, 0, 0), 1e-6)
	assert.InDelta(t, 230.0/380, multi.At(2, 0, 0), 1e-6)
	for c := 0; c < 3; c++ {
		assert.Zero(t, multi.At(c, 0, 1))
	}

	brain, err := WindowChannels(hu, false)
	require.NoError(t, err)
	for c := 0; c < 3; c++ {
		assert.InDelta(t, 1, brain.At(c, 0, 0), 1e-6)
	}

	_, err = WindowChannels(NewImage(3, 2, 2), true)
	assert.Error(t, err)
}

func TestBlackCrop(t *testing.T) {
	img := fromRows(
		[]float32{0, 0, 0, 0, 0, 0},
		[]float32{0, 0, 1, 0, 0, 0},
		[]float32{0, 0, 0, 0, 2, 0},
	)
	out := BlackCrop(img)
	require.Equal(t, 2, out.Height)
	require.Equal(t, 3, out.Width)
	assert.Equal(t, []float32{1, 0, 0, 0, 0, 2}, out.Pix)

	black := NewImage(3, 4, 4)
	assert.Same(t, black, BlackCrop(black))
}

func TestReflect101(t *testing.T) {
	tests := []struct{ i, n, want int }{
		{0, 4, 0},
		{3, 4, 3},
		{-1, 4, 1},
		{-2, 4, 2},
		{4, 4, 2},
		{5, 4, 1},
		{9, 4, 3},
		{-7, 1, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, reflect101(tt.i, tt.n), "reflect101(%d, %d)", tt.i, tt.n)
	}
}

func TestResizeBilinear(t *testing.T) {
	img := fromRows(
		[]float32{0, 0, 2, 2},
		[]float32{0, 0, 2, 2},
		[]float32{4, 4, 6, 6},
		[]float32{4, 4, 6, 6},
	)
	out, err := ResizeBilinear(img, 2, 2)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0, 2, 4, 6}, out.Pix, 1e-6)

	up, err := ResizeBilinear(NewImage(3, 5, 7), 11, 13)
	require.NoError(t, err)
	assert.Equal(t, 3, up.Channels)
	assert.Len(t, up.Pix, 3*11*13)

	same, err := ResizeBilinear(img, 4, 4)
	require.NoError(t, err)
	assert.Equal(t, img.Pix, same.Pix)
	assert.NotSame(t, img, same)

	_, err = ResizeBilinear(img, 0, 4)
	assert.Error(t, err)
}

func TestCenterCropAndFlip(t *testing.T) {
	img := fromRows(
		[]float32{1, 2, 3, 4},
		[]float32{5, 6, 7, 8},
		[]float32{9, 10, 11, 12},
		[]float32{13, 14, 15, 16},
	)
	out, err := (&CenterCrop{Height: 2, Width: 2, P: 1}).Apply(img, nil)
	require.NoError(t, err)
	assert.Equal(t, []float32{6, 7, 10, 11}, out.Pix)

	_, err = (&CenterCrop{Height: 5, Width: 2, P: 1}).Apply(img, nil)
	assert.Error(t, err)

	flipped, err := (&HorizontalFlip{P: 1}).Apply(out, nil)
	require.NoError(t, err)
	assert.Equal(t, []float32{7, 6, 11, 10}, flipped.Pix)
}

func TestAffine(t *testing.T) {
	m := affine{2, 1, 3, -1, 0.5, 4}
	inv, err := m.invert()
	require.NoError(t, err)
	x, y := m.apply(1.5, -2)
	bx, by := inv.apply(x, y)
	assert.InDelta(t, 1.5, bx, 1e-9)
	assert.InDelta(t, -2, by, 1e-9)

	src := [3][2]float64{{0, 0}, {1, 0}, {0, 1}}
	var dst [3][2]float64
	for i, p := range src {
		dst[i][0], dst[i][1] = m.apply(p[0], p[1])
	}
	solved, err := affineFromPoints(src, dst)
	require.NoError(t, err)
	assert.InDeltaSlice(t, m[:], solved[:], 1e-9)

	_, err = affine{1, 2, 0, 2, 4, 0}.invert()
	assert.Error(t, err)
}

func TestZeroLimitTransformsAreIdentity(t *testing.T) {
	img := gradientImage(3, 9, 11)
	rng := rand.New(rand.NewSource(1))

	tests := []struct {
		name string
		t    Transform
	}{
		{"shift scale rotate", &ShiftScaleRotate{P: 1}},
		{"optical distortion", &OpticalDistortion{P: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := tt.t.Apply(img, rng)
			require.NoError(t, err)
			assert.InDeltaSlice(t, img.Pix, out.Pix, 1e-5)
		})
	}
}

func TestGridAxis(t *testing.T) {
	steps := []float64{1.2, 0.8, 1, 1.1, 0.9, 1}
	for _, n := range []int{3, 10, 17, 64} {
		axis := gridAxis(n, 5, steps)
		require.Len(t, axis, n)
		assert.Zero(t, axis[0])
		for i := 1; i < n; i++ {
			assert.GreaterOrEqual(t, axis[i], axis[i-1], "n=%d i=%d", n, i)
		}
	}
}

func TestGaussianBlurKeepsConstantField(t *testing.T) {
	f := make([]float64, 6*5)
	for i := range f {
		f[i] = 0.25
	}
	gaussianBlur(f, 6, 5, 2)
	for _, v := range f {
		assert.InDelta(t, 0.25, v, 1e-9)
	}
}

type recordTransform struct {
	p     float64
	calls int
}

func (r *recordTransform) Probability() float64 { return r.p }

func (r *recordTransform) Apply(img *Image, _ *rand.Rand) (*Image, error) {
	r.calls++
	return img, nil
}

func TestComposeAndOneOf(t *testing.T) {
	never := &recordTransform{p: 0}
	always := &recordTransform{p: 1}
	rng := rand.New(rand.NewSource(7))
	img := NewImage(1, 2, 2)

	c := NewCompose(never, always)
	for i := 0; i < 10; i++ {
		_, err := c.Apply(img, rng)
		require.NoError(t, err)
	}
	assert.Zero(t, never.calls)
	assert.Equal(t, 10, always.calls)

	// children are forced once chosen, even with p < 1
	weightless := &recordTransform{p: 0}
	half := &recordTransform{p: 0.5}
	one := &OneOf{P: 1, Transforms: []Transform{weightless, half}}
	for i := 0; i < 10; i++ {
		_, err := one.Apply(img, rng)
		require.NoError(t, err)
	}
	assert.Zero(t, weightless.calls)
	assert.Equal(t, 10, half.calls)
}

func TestTrainAugmentation(t *testing.T) {
	const size = 64
	img := gradientImage(3, size, size)
	pipeline := TrainAugmentation(size)
	require.Len(t, pipeline.Transforms, 5)

	run := func(seed int64) *Image {
		out, err := pipeline.Apply(img, rand.New(rand.NewSource(seed)))
		require.NoError(t, err)
		return out
	}

	out := run(3)
	assert.Equal(t, 3, out.Channels)
	assert.Equal(t, size, out.Height)
	assert.Equal(t, size, out.Width)
	assert.Equal(t, out.Pix, run(3).Pix)

	differs := false
	for seed := int64(4); seed < 20 && !differs; seed++ {
		differs = !assert.ObjectsAreEqual(out.Pix, run(seed).Pix)
	}
	assert.True(t, differs)
	assert.Equal(t, float32(1)/97, img.Pix[1], "input must not be modified")
}

func TestLoadSliceRaster(t *testing.T) {
	dir := t.TempDir()
	rgba := image.NewRGBA(image.Rect(0, 0, 3, 2))
	rgba.Set(0, 0, color.RGBA{R: 255, A: 255})
	rgba.Set(1, 0, color.RGBA{R: 100, G: 100, B: 100, A: 255})
	path := filepath.Join(dir, "ID_a.png")
	writePNG(t, path, rgba)

	img, err := LoadSlice(path)
	require.NoError(t, err)
	assert.Equal(t, 1, img.Channels)
	assert.Equal(t, 2, img.Height)
	assert.Equal(t, 3, img.Width)
	assert.InDelta(t, 0.299*255, img.At(0, 0, 0), 0.01)
	assert.InDelta(t, 100, img.At(0, 0, 1), 0.01)
	assert.Zero(t, img.At(0, 1, 2))
}

func TestLoadSliceErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadSlice(filepath.Join(dir, "missing.png"))
	assert.Error(t, err)

	bogus := filepath.Join(dir, "bogus.dcm")
	require.NoError(t, os.WriteFile(bogus, []byte("not a dicom file"), 0o644))
	_, err = LoadSlice(bogus)
	assert.Error(t, err)

	garbage := filepath.Join(dir, "garbage.png")
	require.NoError(t, os.WriteFile(garbage, []byte("nope"), 0o644))
	_, err = LoadSlice(garbage)
	assert.Error(t, err)
}
