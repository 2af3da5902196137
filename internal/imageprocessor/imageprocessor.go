// Package imageprocessor decodes component photographs into single-channel
// intensity grids and resamples them for comparison.
package imageprocessor

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"

	_ "github.com/spakin/netpbm"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var (
	// ErrEmptyImage is reported for zero-length input or a decoded image without pixels.
	ErrEmptyImage = errors.New("empty image")
	// ErrImageTooLarge is reported when the declared dimensions exceed the pixel limit.
	ErrImageTooLarge = errors.New("image dimensions exceed limit")
)

// DecodeError identifies an input that could not be turned into a grayscale grid.
type DecodeError struct {
	Source string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("decode image: %v", e.Err)
	}
	return fmt.Sprintf("decode image %q: %v", e.Source, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// GrayscaleImage is an immutable grid of 8-bit intensities stored row-major.
type GrayscaleImage struct {
	width  int
	height int
	pix    []uint8
}

// NewGrayscale builds an image from row-major pixels. pix is copied.
func NewGrayscale(width, height int, pix []uint8) (*GrayscaleImage, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid shape %dx%d", width, height)
	}
	if len(pix) != width*height {
		return nil, fmt.Errorf("pixel count %d does not match shape %dx%d", len(pix), width, height)
	}
	cp := make([]uint8, len(pix))
	copy(cp, pix)
	return &GrayscaleImage{width: width, height: height, pix: cp}, nil
}

// FromGray copies an *image.Gray, normalising its origin to (0, 0).
func FromGray(src *image.Gray) *GrayscaleImage {
	b := src.Bounds()
	out := &GrayscaleImage{width: b.Dx(), height: b.Dy(), pix: make([]uint8, b.Dx()*b.Dy())}
	for y := 0; y < out.height; y++ {
		row := src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):]
		copy(out.pix[y*out.width:(y+1)*out.width], row[:out.width])
	}
	return out
}

func (g *GrayscaleImage) Width() int  { return g.width }
func (g *GrayscaleImage) Height() int { return g.height }

// Bounds returns the image rectangle anchored at the origin.
func (g *GrayscaleImage) Bounds() image.Rectangle { return image.Rect(0, 0, g.width, g.height) }

// At returns the intensity at column x, row y.
func (g *GrayscaleImage) At(x, y int) uint8 { return g.pix[y*g.width+x] }

// Row returns a read-only view of row y. Callers must not modify it.
func (g *GrayscaleImage) Row(y int) []uint8 { return g.pix[y*g.width : (y+1)*g.width] }

// Gray returns a fresh *image.Gray holding a copy of the pixels.
func (g *GrayscaleImage) Gray() *image.Gray {
	dst := image.NewGray(g.Bounds())
	copy(dst.Pix, g.pix)
	return dst
}

// DefaultMaxPixels bounds the declared width*height of an input before its
// pixel buffer is allocated.
const DefaultMaxPixels = 50_000_000

// LoadGrayscale decodes encoded image bytes. source names the input in errors.
func LoadGrayscale(source string, data []byte) (*GrayscaleImage, error) {
	return LoadGrayscaleLimit(source, data, DefaultMaxPixels)
}

// LoadGrayscaleLimit is LoadGrayscale with an explicit pixel limit.
// maxPixels <= 0 disables the check.
func LoadGrayscaleLimit(source string, data []byte, maxPixels int) (*GrayscaleImage, error) {
	if len(data) == 0 {
		return nil, &DecodeError{Source: source, Err: ErrEmptyImage}
	}
	return DecodeLimit(source, bytes.NewReader(data), maxPixels)
}

// Decode reads any registered raster format from r and converts it to grayscale.
func Decode(source string, r io.Reader) (*GrayscaleImage, error) {
	return DecodeLimit(source, r, DefaultMaxPixels)
}

// DecodeLimit checks the declared dimensions against maxPixels before decoding
// the pixel data.
func DecodeLimit(source string, r io.Reader, maxPixels int) (*GrayscaleImage, error) {
	var header bytes.Buffer
	cfg, _, err := image.DecodeConfig(io.TeeReader(r, &header))
	if err != nil {
		return nil, &DecodeError{Source: source, Err: err}
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, &DecodeError{Source: source, Err: ErrEmptyImage}
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); maxPixels > 0 && pixels > int64(maxPixels) {
		return nil, &DecodeError{
			Source: source,
			Err:    fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrImageTooLarge, cfg.Width, cfg.Height, maxPixels),
		}
	}

	img, _, err := image.Decode(io.MultiReader(&header, r))
	if err != nil {
		return nil, &DecodeError{Source: source, Err: err}
	}
	b := img.Bounds()
	if b.Empty() {
		return nil, &DecodeError{Source: source, Err: ErrEmptyImage}
	}
	return toGrayscale(img), nil
}

// toGrayscale applies the BT.601 luma weights (0.299, 0.587, 0.114) to the
// straight, non-premultiplied RGB of each pixel. Alpha is dropped, so a
// transparent pixel keeps the intensity of its color.
func toGrayscale(img image.Image) *GrayscaleImage {
	if gray, ok := img.(*image.Gray); ok {
		return FromGray(gray)
	}
	b := img.Bounds()
	out := &GrayscaleImage{width: b.Dx(), height: b.Dy(), pix: make([]uint8, b.Dx()*b.Dy())}
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			out.pix[i] = luma(c.R, c.G, c.B)
			i++
		}
	}
	return out
}

// luma uses the same 16.16 fixed-point weights as color.GrayModel.
func luma(r, g, b uint8) uint8 {
	y := (19595*uint32(r) + 38470*uint32(g) + 7471*uint32(b) + 1<<15) >> 16
	return uint8(y)
}
