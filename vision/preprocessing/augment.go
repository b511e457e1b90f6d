package preprocessing

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Transform is one augmentation step. Apply always transforms; the
// probability P is honoured by the enclosing Compose or OneOf.
type Transform interface {
	Probability() float64
	Apply(img *Image, rng *rand.Rand) (*Image, error)
}

// Compose applies each transform in order, each with its own probability
type Compose struct {
	Transforms []Transform
}

func NewCompose(transforms ...Transform) *Compose {
	return &Compose{Transforms: transforms}
}

func (c *Compose) Probability() float64 { return 1 }

func (c *Compose) Apply(img *Image, rng *rand.Rand) (*Image, error) {
	var err error
	for _, t := range c.Transforms {
		if rng.Float64() >= t.Probability() {
			continue
		}
		if img, err = t.Apply(img, rng); err != nil {
			return nil, err
		}
	}
	return img, nil
}

// OneOf picks a single child with probability proportional to the child's P
// and applies it unconditionally.
type OneOf struct {
	Transforms []Transform
	P          float64
}

func (o *OneOf) Probability() float64 { return o.P }

func (o *OneOf) Apply(img *Image, rng *rand.Rand) (*Image, error) {
	var total float64
	for _, t := range o.Transforms {
		total += t.Probability()
	}
	if total <= 0 {
		return img, nil
	}
	r := rng.Float64() * total
	for _, t := range o.Transforms {
		if r < t.Probability() {
			return t.Apply(img, rng)
		}
		r -= t.Probability()
	}
	return o.Transforms[len(o.Transforms)-1].Apply(img, rng)
}

// CenterCrop cuts a Height x Width window from the middle of the image
type CenterCrop struct {
	Height, Width int
	P             float64
}

func (t *CenterCrop) Probability() float64 { return t.P }

func (t *CenterCrop) Apply(img *Image, _ *rand.Rand) (*Image, error) {
	if t.Height <= 0 || t.Width <= 0 {
		return nil, errors.Errorf("invalid crop %dx%d", t.Height, t.Width)
	}
	if t.Height > img.Height || t.Width > img.Width {
		return nil, errors.Errorf("crop %dx%d exceeds image %dx%d", t.Height, t.Width, img.Height, img.Width)
	}
	top := (img.Height - t.Height) / 2
	left := (img.Width - t.Width) / 2
	return crop(img, top, left, t.Height, t.Width), nil
}

// HorizontalFlip mirrors the image left to right
type HorizontalFlip struct {
	P float64
}

func (t *HorizontalFlip) Probability() float64 { return t.P }

func (t *HorizontalFlip) Apply(img *Image, _ *rand.Rand) (*Image, error) {
	out := NewImage(img.Channels, img.Height, img.Width)
	for c := 0; c < img.Channels; c++ {
		for y := 0; y < img.Height; y++ {
			row := (c*img.Height + y) * img.Width
			for x := 0; x < img.Width; x++ {
				out.Pix[row+x] = img.Pix[row+img.Width-1-x]
			}
		}
	}
	return out, nil
}

// Resize rescales the image to Height x Width
type Resize struct {
	Height, Width int
	P             float64
}

func (t *Resize) Probability() float64 { return t.P }

func (t *Resize) Apply(img *Image, _ *rand.Rand) (*Image, error) {
	return ResizeBilinear(img, t.Height, t.Width)
}

// affine holds x' = A x + B y + C, y' = D x + E y + F
type affine [6]float64

func (m affine) apply(x, y float64) (float64, float64) {
	return m[0]*x + m[1]*y + m[2], m[3]*x + m[4]*y + m[5]
}

func (m affine) invert() (affine, error) {
	det := m[0]*m[4] - m[1]*m[3]
	if det == 0 {
		return affine{}, errors.New("singular affine transform")
	}
	a, b, d, e := m[4]/det, -m[1]/det, -m[3]/det, m[0]/det
	return affine{a, b, -(a*m[2] + b*m[5]), d, e, -(d*m[2] + e*m[5])}, nil
}

// affineFromPoints solves the affine transform that maps src[i] onto dst[i]
func affineFromPoints(src, dst [3][2]float64) (affine, error) {
	a := mat.NewDense(3, 3, []float64{
		src[0][0], src[0][1], 1,
		src[1][0], src[1][1], 1,
		src[2][0], src[2][1], 1,
	})
	var m affine
	for row := 0; row < 2; row++ {
		b := mat.NewVecDense(3, []float64{dst[0][row], dst[1][row], dst[2][row]})
		var coef mat.VecDense
		if err := coef.SolveVec(a, b); err != nil {
			return affine{}, errors.Wrap(err, "solve affine")
		}
		m[row*3], m[row*3+1], m[row*3+2] = coef.AtVec(0), coef.AtVec(1), coef.AtVec(2)
	}
	return m, nil
}

// ShiftScaleRotate applies a random affine transform about the image centre
type ShiftScaleRotate struct {
	ShiftLimit  float64
	ScaleLimit  float64
	RotateLimit float64 // degrees
	P           float64
}

// NewShiftScaleRotate uses the usual shift (0.0625) and scale (0.1) limits
func NewShiftScaleRotate(rotateLimit, p float64) *ShiftScaleRotate {
	return &ShiftScaleRotate{ShiftLimit: 0.0625, ScaleLimit: 0.1, RotateLimit: rotateLimit, P: p}
}

func (t *ShiftScaleRotate) Probability() float64 { return t.P }

func (t *ShiftScaleRotate) Apply(img *Image, rng *rand.Rand) (*Image, error) {
	angle := uniform(rng, -t.RotateLimit, t.RotateLimit) * math.Pi / 180
	scale := uniform(rng, 1-t.ScaleLimit, 1+t.ScaleLimit)
	dx := uniform(rng, -t.ShiftLimit, t.ShiftLimit) * float64(img.Width)
	dy := uniform(rng, -t.ShiftLimit, t.ShiftLimit) * float64(img.Height)

	cx, cy := float64(img.Width)/2, float64(img.Height)/2
	alpha, beta := scale*math.Cos(angle), scale*math.Sin(angle)
	fwd := affine{
		alpha, beta, (1-alpha)*cx - beta*cy + dx,
		-beta, alpha, beta*cx + (1-alpha)*cy + dy,
	}
	inv, err := fwd.invert()
	if err != nil {
		return nil, err
	}
	return remap(img, img.Height, img.Width, inv.apply), nil
}

// ElasticTransform combines a small random affine warp with a smoothed
// random displacement field.
type ElasticTransform struct {
	Alpha       float64
	Sigma       float64
	AlphaAffine float64
	P           float64
}

func (t *ElasticTransform) Probability() float64 { return t.P }

func (t *ElasticTransform) Apply(img *Image, rng *rand.Rand) (*Image, error) {
	h, w := img.Height, img.Width
	cy, cx := float64(h/2), float64(w/2)
	sq := float64(min(h, w) / 3)

	// control points are (x, y)
	pts := [3][2]float64{
		{cx + sq, cy + sq},
		{cx - sq, cy + sq},
		{cx - sq, cy - sq},
	}
	var moved [3][2]float64
	for i := range pts {
		for j := range pts[i] {
			moved[i][j] = pts[i][j] + uniform(rng, -t.AlphaAffine, t.AlphaAffine)
		}
	}
	// sampling needs destination -> source
	inv, err := affineFromPoints(moved, pts)
	if err != nil {
		return nil, err
	}

	field := func() []float64 {
		f := make([]float64, h*w)
		for i := range f {
			f[i] = rng.Float64()*2 - 1
		}
		gaussianBlur(f, h, w, t.Sigma)
		for i := range f {
			f[i] *= t.Alpha
		}
		return f
	}
	fx := field()
	fy := field()

	return remap(img, h, w, func(x, y float64) (float64, float64) {
		i := int(y)*w + int(x)
		return inv.apply(x+fx[i], y+fy[i])
	}), nil
}

// gaussianBlur smooths a row-major h x w field in place with a separable
// kernel truncated at four standard deviations.
func gaussianBlur(f []float64, h, w int, sigma float64) {
	if sigma <= 0 {
		return
	}
	radius := int(4*sigma + 0.5)
	kernel := make([]float64, 2*radius+1)
	var sum float64
	for i := range kernel {
		d := float64(i - radius)
		kernel[i] = math.Exp(-d * d / (2 * sigma * sigma))
		sum += kernel[i]
	}
	for i := range kernel {
		kernel[i] /= sum
	}

	tmp := make([]float64, len(f))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var acc float64
			for k, kv := range kernel {
				acc += kv * f[y*w+reflect101(x+k-radius, w)]
			}
			tmp[y*w+x] = acc
		}
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var acc float64
			for k, kv := range kernel {
				acc += kv * tmp[reflect101(y+k-radius, h)*w+x]
			}
			f[y*w+x] = acc
		}
	}
}

// GridDistortion stretches the cells of a NumSteps x NumSteps grid by
// random factors in [1-DistortLimit, 1+DistortLimit].
type GridDistortion struct {
	NumSteps     int
	DistortLimit float64
	P            float64
}

// NewGridDistortion uses a 5x5 grid with a 0.3 distortion limit
func NewGridDistortion(p float64) *GridDistortion {
	return &GridDistortion{NumSteps: 5, DistortLimit: 0.3, P: p}
}

func (t *GridDistortion) Probability() float64 { return t.P }

func (t *GridDistortion) Apply(img *Image, rng *rand.Rand) (*Image, error) {
	if t.NumSteps <= 0 {
		return nil, errors.Errorf("grid distortion needs a positive step count, got %d", t.NumSteps)
	}
	stepsX := make([]float64, t.NumSteps+1)
	stepsY := make([]float64, t.NumSteps+1)
	for i := range stepsX {
		stepsX[i] = 1 + uniform(rng, -t.DistortLimit, t.DistortLimit)
	}
	for i := range stepsY {
		stepsY[i] = 1 + uniform(rng, -t.DistortLimit, t.DistortLimit)
	}
	xs := gridAxis(img.Width, t.NumSteps, stepsX)
	ys := gridAxis(img.Height, t.NumSteps, stepsY)
	return remap(img, img.Height, img.Width, func(x, y float64) (float64, float64) {
		return xs[int(x)], ys[int(y)]
	}), nil
}

// gridAxis returns the source coordinate of every destination pixel along
// one axis of length n.
func gridAxis(n, numSteps int, steps []float64) []float64 {
	out := make([]float64, n)
	step := n / numSteps
	if step == 0 {
		step = 1
	}
	var prev float64
	for idx, start := 0, 0; start < n; idx, start = idx+1, start+step {
		end := start + step
		if end > n || idx == len(steps)-1 {
			end = n
		}
		cur := prev + float64(step)*steps[min(idx, len(steps)-1)]
		cells := end - start
		for i := 0; i < cells; i++ {
			frac := 0.0
			if cells > 1 {
				frac = float64(i) / float64(cells-1)
			}
			out[start+i] = prev + (cur-prev)*frac
		}
		prev = cur
		if end == n {
			break
		}
	}
	return out
}

// OpticalDistortion applies radial lens distortion with a random
// coefficient and a random shift of the optical centre.
type OpticalDistortion struct {
	DistortLimit float64
	ShiftLimit   float64
	P            float64
}

func (t *OpticalDistortion) Probability() float64 { return t.P }

func (t *OpticalDistortion) Apply(img *Image, rng *rand.Rand) (*Image, error) {
	k := uniform(rng, -t.DistortLimit, t.DistortLimit)
	dx := math.Round(uniform(rng, -t.ShiftLimit, t.ShiftLimit))
	dy := math.Round(uniform(rng, -t.ShiftLimit, t.ShiftLimit))

	fx, fy := float64(img.Width), float64(img.Height)
	cx, cy := fx*0.5+dx, fy*0.5+dy
	return remap(img, img.Height, img.Width, func(x, y float64) (float64, float64) {
		u, v := (x-cx)/fx, (y-cy)/fy
		r := 1 + k*(u*u+v*v)
		return u*r*fx + cx, v*r*fy + cy
	}), nil
}

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}

// TrainAugmentation is the training pipeline for size x size slices: a
// centre crop 50 pixels smaller, a horizontal flip, one of three elastic
// distortions, a shift/scale/rotate and a resize back to size.
func TrainAugmentation(size int) *Compose {
	const alpha = 120
	return NewCompose(
		&CenterCrop{Height: size - 50, Width: size - 50, P: 1},
		&HorizontalFlip{P: 0.5},
		&OneOf{P: 0.5, Transforms: []Transform{
			&ElasticTransform{Alpha: alpha, Sigma: alpha * 0.05, AlphaAffine: alpha * 0.03, P: 0.5},
			NewGridDistortion(0.5),
			&OpticalDistortion{DistortLimit: 2, ShiftLimit: 0.5, P: 1},
		}},
		NewShiftScaleRotate(20, 0.5),
		&Resize{Height: size, Width: size, P: 1},
	)
}
