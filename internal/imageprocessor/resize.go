package imageprocessor

import (
	"fmt"
	"image"
	"sort"
	"strings"

	"golang.org/x/image/draw"
)

// DefaultInterpolator is the resampler used when none is configured.
var DefaultInterpolator draw.Interpolator = draw.BiLinear

var interpolators = map[string]draw.Interpolator{
	"bilinear":        draw.BiLinear,
	"approx-bilinear": draw.ApproxBiLinear,
	"catmull-rom":     draw.CatmullRom,
	"nearest":         draw.NearestNeighbor,
}

// InterpolatorByName resolves a resampler name such as "bilinear" or "catmull-rom".
func InterpolatorByName(name string) (draw.Interpolator, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return DefaultInterpolator, nil
	}
	if interp, ok := interpolators[key]; ok {
		return interp, nil
	}
	return nil, fmt.Errorf("unknown resampler %q (known: %s)", name, strings.Join(InterpolatorNames(), ", "))
}

// InterpolatorNames lists the accepted resampler names in sorted order.
func InterpolatorNames() []string {
	names := make([]string, 0, len(interpolators))
	for name := range interpolators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resize resamples g to width x height. A same-shape request returns g itself.
func (g *GrayscaleImage) Resize(width, height int, interp draw.Interpolator) (*GrayscaleImage, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid target shape %dx%d", width, height)
	}
	if width == g.width && height == g.height {
		return g, nil
	}
	if interp == nil {
		interp = DefaultInterpolator
	}
	dst := image.NewGray(image.Rect(0, 0, width, height))
	interp.Scale(dst, dst.Bounds(), g.Gray(), g.Bounds(), draw.Src, nil)
	return FromGray(dst), nil
}
