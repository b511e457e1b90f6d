package preprocessing

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// ReadDICOM parses a CT slice and returns the first frame as a
// single-channel image in Hounsfield units.
func ReadDICOM(path string) (*Image, error) {
	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}

	el, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		return nil, errors.Wrapf(err, "%s has no pixel data", path)
	}
	info, ok := el.Value.GetValue().(dicom.PixelDataInfo)
	if !ok || len(info.Frames) == 0 {
		return nil, errors.Errorf("%s has no pixel frames", path)
	}

	var img *Image
	fr := info.Frames[0]
	if fr.Encapsulated {
		raster, err := fr.GetImage()
		if err != nil {
			return nil, errors.Wrapf(err, "decode encapsulated frame of %s", path)
		}
		bounds := raster.Bounds()
		img = NewImage(1, bounds.Dy(), bounds.Dx())
		for y := 0; y < img.Height; y++ {
			for x := 0; x < img.Width; x++ {
				v, _, _, _ := raster.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
				img.Set(0, y, x, float32(v))
			}
		}
	} else {
		nd := fr.NativeData
		if nd.Rows*nd.Cols != len(nd.Data) {
			return nil, errors.Errorf("%s: %dx%d frame carries %d pixels", path, nd.Rows, nd.Cols, len(nd.Data))
		}
		img = NewImage(1, nd.Rows, nd.Cols)
		for i, sample := range nd.Data {
			if len(sample) == 0 {
				return nil, errors.Errorf("%s: empty pixel %d", path, i)
			}
			img.Pix[i] = float32(sample[0])
		}
	}

	slope := floatElement(ds, tag.RescaleSlope, 1)
	intercept := floatElement(ds, tag.RescaleIntercept, 0)
	for i, v := range img.Pix {
		img.Pix[i] = v*slope + intercept
	}
	return img, nil
}

// floatElement reads a decimal-string element, falling back to def when the
// element is absent or malformed.
func floatElement(ds dicom.Dataset, t tag.Tag, def float32) float32 {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return def
	}
	vals, ok := el.Value.GetValue().([]string)
	if !ok || len(vals) == 0 {
		return def
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(vals[0]), 32)
	if err != nil {
		return def
	}
	return float32(f)
}

// LoadSlice reads a slice by extension: .dcm through the DICOM parser,
// anything else through the PNG/JPEG decoders.
func LoadSlice(path string) (*Image, error) {
	if strings.EqualFold(filepath.Ext(path), ".dcm") {
		return ReadDICOM(path)
	}
	return ReadRaster(path)
}
