package matcher

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/stat"

	"github.com/example/component-matcher/internal/imageprocessor"
)

var (
	// ErrShapeMismatch is returned when SSIM inputs differ in width or height.
	ErrShapeMismatch = errors.New("images differ in shape")
	// ErrWindowTooLarge is returned when an image side is shorter than the SSIM window.
	ErrWindowTooLarge = errors.New("ssim window exceeds image extent")
)

// SSIMOptions parameterises the structural similarity computation.
type SSIMOptions struct {
	WindowSize int
	K1         float64
	K2         float64
	DataRange  float64
}

// DefaultSSIMOptions uses a 7x7 uniform window over 8-bit data.
func DefaultSSIMOptions() SSIMOptions {
	return SSIMOptions{WindowSize: 7, K1: 0.01, K2: 0.03, DataRange: 255}
}

func (o SSIMOptions) validate() error {
	if o.WindowSize < 1 || o.WindowSize%2 == 0 {
		return fmt.Errorf("ssim window size must be odd and positive, got %d", o.WindowSize)
	}
	if o.DataRange <= 0 {
		return fmt.Errorf("ssim data range must be positive, got %g", o.DataRange)
	}
	if o.K1 <= 0 || o.K2 <= 0 {
		return fmt.Errorf("ssim constants must be positive, got K1=%g K2=%g", o.K1, o.K2)
	}
	return nil
}

// SSIM returns the mean structural similarity of two equally shaped images.
//
// Local statistics use a uniform window and sample covariance; only windows
// that lie fully inside the image contribute to the mean.
func SSIM(a, b *imageprocessor.GrayscaleImage, opts SSIMOptions) (float64, error) {
	if err := opts.validate(); err != nil {
		return 0, err
	}
	w, h := a.Width(), a.Height()
	if b.Width() != w || b.Height() != h {
		return 0, fmt.Errorf("%w: %dx%d vs %dx%d", ErrShapeMismatch, w, h, b.Width(), b.Height())
	}
	win := opts.WindowSize
	if w < win || h < win {
		return 0, fmt.Errorf("%w: window %d, image %dx%d", ErrWindowTooLarge, win, w, h)
	}

	t := newSummedTables(a, b)
	np := float64(win * win)
	covNorm := 1.0
	if win > 1 {
		covNorm = np / (np - 1)
	}
	c1 := (opts.K1 * opts.DataRange) * (opts.K1 * opts.DataRange)
	c2 := (opts.K2 * opts.DataRange) * (opts.K2 * opts.DataRange)

	scores := make([]float64, 0, (w-win+1)*(h-win+1))
	for y := 0; y+win <= h; y++ {
		for x := 0; x+win <= w; x++ {
			sx, sy, sxx, syy, sxy := t.window(x, y, win)
			ux := float64(sx) / np
			uy := float64(sy) / np
			vx := covNorm * (float64(sxx)/np - ux*ux)
			vy := covNorm * (float64(syy)/np - uy*uy)
			vxy := covNorm * (float64(sxy)/np - ux*uy)

			num := (2*ux*uy + c1) * (2*vxy + c2)
			den := (ux*ux + uy*uy + c1) * (vx + vy + c2)
			scores = append(scores, num/den)
		}
	}
	return stat.Mean(scores, nil), nil
}

// summedTables holds integral images of x, y, x², y² and xy. Pixel data is
// integral, so window sums are exact.
type summedTables struct {
	stride                 int
	sx, sy, sxx, syy, sxy []int64
}

func newSummedTables(a, b *imageprocessor.GrayscaleImage) *summedTables {
	w, h := a.Width(), a.Height()
	stride := w + 1
	n := stride * (h + 1)
	t := &summedTables{
		stride: stride,
		sx:     make([]int64, n),
		sy:     make([]int64, n),
		sxx:    make([]int64, n),
		syy:    make([]int64, n),
		sxy:    make([]int64, n),
	}
	for y := 0; y < h; y++ {
		rowA, rowB := a.Row(y), b.Row(y)
		var rx, ry, rxx, ryy, rxy int64
		for x := 0; x < w; x++ {
			pa, pb := int64(rowA[x]), int64(rowB[x])
			rx += pa
			ry += pb
			rxx += pa * pa
			ryy += pb * pb
			rxy += pa * pb
			i := (y+1)*stride + x + 1
			up := i - stride
			t.sx[i] = t.sx[up] + rx
			t.sy[i] = t.sy[up] + ry
			t.sxx[i] = t.sxx[up] + rxx
			t.syy[i] = t.syy[up] + ryy
			t.sxy[i] = t.sxy[up] + rxy
		}
	}
	return t
}

func (t *summedTables) window(x, y, size int) (sx, sy, sxx, syy, sxy int64) {
	tl := y*t.stride + x
	tr := tl + size
	bl := tl + size*t.stride
	br := bl + size
	sum := func(s []int64) int64 { return s[br] - s[bl] - s[tr] + s[tl] }
	return sum(t.sx), sum(t.sy), sum(t.sxx), sum(t.syy), sum(t.sxy)
}
