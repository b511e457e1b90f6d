package preprocessing

import (
	"image"
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"io"
	"os"

	"github.com/pkg/errors"
)

// Image is a float32 raster in CHW layout
type Image struct {
	Channels int
	Height   int
	Width    int
	Pix      []float32
}

// NewImage allocates a zeroed image
func NewImage(channels, height, width int) *Image {
	return &Image{
		Channels: channels,
		Height:   height,
		Width:    width,
		Pix:      make([]float32, channels*height*width),
	}
}

// At returns the value of channel c at (x, y)
func (im *Image) At(c, y, x int) float32 {
	return im.Pix[(c*im.Height+y)*im.Width+x]
}

// Set stores v in channel c at (x, y)
func (im *Image) Set(c, y, x int, v float32) {
	im.Pix[(c*im.Height+y)*im.Width+x] = v
}

// Plane returns the pixels of channel c
func (im *Image) Plane(c int) []float32 {
	n := im.Height * im.Width
	return im.Pix[c*n : (c+1)*n]
}

// Clone returns a deep copy
func (im *Image) Clone() *Image {
	out := &Image{Channels: im.Channels, Height: im.Height, Width: im.Width, Pix: make([]float32, len(im.Pix))}
	copy(out.Pix, im.Pix)
	return out
}

// DecodeRaster decodes a PNG or JPEG stream into a single-channel image of
// luma intensities in [0, 255].
func DecodeRaster(r io.Reader) (*Image, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode image")
	}

	bounds := img.Bounds()
	out := NewImage(1, bounds.Dy(), bounds.Dx())
	for y := 0; y < out.Height; y++ {
		for x := 0; x < out.Width; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			// ITU-R 601 luma on 16-bit channels
			luma := (299*float64(r) + 587*float64(g) + 114*float64(b)) / 1000
			out.Set(0, y, x, float32(luma/257))
		}
	}
	return out, nil
}

// ReadRaster opens path and decodes it with DecodeRaster
func ReadRaster(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	img, err := DecodeRaster(f)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	return img, nil
}
