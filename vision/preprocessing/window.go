package preprocessing

import (
	"github.com/pkg/errors"
)

// Window maps a Hounsfield range onto [0, 1]
type Window struct {
	Center float32
	Width  float32
}

var (
	BrainWindow      = Window{Center: 40, Width: 80}
	SubduralWindow   = Window{Center: 80, Width: 200}
	SoftTissueWindow = Window{Center: 40, Width: 380}
)

// Apply clamps v to the window and rescales it to [0, 1]
func (w Window) Apply(v float32) float32 {
	lo := w.Center - w.Width/2
	v = (v - lo) / w.Width
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// WindowChannels turns a single-channel HU slice into a 3-channel image.
// With multi set, the channels are the brain, subdural and soft-tissue
// windows; otherwise the brain window is repeated.
func WindowChannels(hu *Image, multi bool) (*Image, error) {
	if hu.Channels != 1 {
		return nil, errors.Errorf("windowing expects 1 channel, got %d", hu.Channels)
	}
	windows := [3]Window{BrainWindow, BrainWindow, BrainWindow}
	if multi {
		windows = [3]Window{BrainWindow, SubduralWindow, SoftTissueWindow}
	}

	out := NewImage(3, hu.Height, hu.Width)
	for c, w := range windows {
		plane := out.Plane(c)
		for i, v := range hu.Pix {
			plane[i] = w.Apply(v)
		}
	}
	return out, nil
}

// BlackCrop crops img to the bounding box of pixels that are non-zero in
// any channel. An all-black image is returned unchanged.
func BlackCrop(img *Image) *Image {
	minX, minY, maxX, maxY := img.Width, img.Height, -1, -1
	for c := 0; c < img.Channels; c++ {
		for y := 0; y < img.Height; y++ {
			for x := 0; x < img.Width; x++ {
				if img.At(c, y, x) <= 0 {
					continue
				}
				if x < minX {
					minX = x
				}
				if x > maxX {
					maxX = x
				}
				if y < minY {
					minY = y
				}
				if y > maxY {
					maxY = y
				}
			}
		}
	}
	if maxX < 0 {
		return img
	}
	return crop(img, minY, minX, maxY-minY+1, maxX-minX+1)
}

func crop(img *Image, top, left, height, width int) *Image {
	out := NewImage(img.Channels, height, width)
	for c := 0; c < img.Channels; c++ {
		for y := 0; y < height; y++ {
			src := img.Pix[(c*img.Height+top+y)*img.Width+left:]
			copy(out.Pix[(c*height+y)*width:(c*height+y+1)*width], src[:width])
		}
	}
	return out
}

// ResizeBilinear resamples img to height x width using pixel-center
// alignment.
func ResizeBilinear(img *Image, height, width int) (*Image, error) {
	if height <= 0 || width <= 0 {
		return nil, errors.Errorf("invalid resize target %dx%d", height, width)
	}
	if height == img.Height && width == img.Width {
		return img.Clone(), nil
	}
	sy := float64(img.Height) / float64(height)
	sx := float64(img.Width) / float64(width)
	return remap(img, height, width, func(x, y float64) (float64, float64) {
		return (x+0.5)*sx - 0.5, (y+0.5)*sy - 0.5
	}), nil
}

// remap builds a height x width image whose pixel (x, y) samples img at
// fn(x, y) with bilinear interpolation and reflect-101 borders.
func remap(img *Image, height, width int, fn func(x, y float64) (float64, float64)) *Image {
	out := NewImage(img.Channels, height, width)
	plane := height * width
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			sx, sy := fn(float64(x), float64(y))
			x0, y0 := floor(sx), floor(sy)
			fx, fy := float32(sx-float64(x0)), float32(sy-float64(y0))
			xa, xb := reflect101(x0, img.Width), reflect101(x0+1, img.Width)
			ya, yb := reflect101(y0, img.Height), reflect101(y0+1, img.Height)
			for c := 0; c < img.Channels; c++ {
				base := c * img.Height * img.Width
				top := img.Pix[base+ya*img.Width+xa]*(1-fx) + img.Pix[base+ya*img.Width+xb]*fx
				bottom := img.Pix[base+yb*img.Width+xa]*(1-fx) + img.Pix[base+yb*img.Width+xb]*fx
				out.Pix[c*plane+y*width+x] = top*(1-fy) + bottom*fy
			}
		}
	}
	return out
}

func floor(v float64) int {
	i := int(v)
	if float64(i) > v {
		i--
	}
	return i
}

// reflect101 mirrors i into [0, n) without repeating the edge pixel
// (dcb|abcd|cba).
func reflect101(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * (n - 1)
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - i
	}
	return i
}
