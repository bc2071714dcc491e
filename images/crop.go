package images

import (
	"github.com/chewxy/math32"

	"github.com/nvr-ai/go-cascade/common"
)

// CropAndResize samples the region box of src into a size×size image with
// bilinear interpolation.
//
// Sampling follows the usual normalized crop-and-resize convention: output
// row y maps to input row y1*(H-1) + y*(y2-y1)*(H-1)/(size-1), columns alike,
// and a single-pixel output samples the box center. Samples falling outside
// the source are set to zero, so boxes may extend beyond [0, 1] and
// degenerate boxes produce a constant patch.
//
// Arguments:
// - src: The source image.
// - box: The normalized crop region.
// - size: The side of the output patch.
//
// Returns:
// - The size×size patch.
func CropAndResize(src Image, box common.BoundingBox, size int) Image {
	out := NewImage(size, size)
	h, w := src.Height(), src.Width()
	if h == 0 || w == 0 || size == 0 {
		return out
	}

	ys := sampleAxis(box.Y1, box.Y2, h, size)
	xs := sampleAxis(box.X1, box.X2, w, size)
	in, dst := src.Pix(), out.Pix()

	Parallel(size, func(start, end int) {
		for oy := start; oy < end; oy++ {
			sy := ys[oy]
			if !sy.inside {
				continue
			}
			for ox, sx := range xs {
				if !sx.inside {
					continue
				}
				tl := (sy.lo*w + sx.lo) * Channels
				tr := (sy.lo*w + sx.hi) * Channels
				bl := (sy.hi*w + sx.lo) * Channels
				br := (sy.hi*w + sx.hi) * Channels
				o := (oy*size + ox) * Channels
				for c := 0; c < Channels; c++ {
					top := in[tl+c] + (in[tr+c]-in[tl+c])*sx.frac
					bottom := in[bl+c] + (in[br+c]-in[bl+c])*sx.frac
					dst[o+c] = top + (bottom-top)*sy.frac
				}
			}
		}
	})
	return out
}

type sample struct {
	lo, hi int
	frac   float32
	inside bool
}

// sampleAxis precomputes the source coordinates of every output position
// along one axis.
func sampleAxis(from, to float32, n, size int) []sample {
	out := make([]sample, size)
	last := float32(n - 1)
	for i := range out {
		var pos float32
		if size > 1 {
			pos = from*last + float32(i)*(to-from)*last/float32(size-1)
		} else {
			pos = 0.5 * (from + to) * last
		}
		if pos < 0 || pos > last {
			continue
		}
		lo := int(math32.Floor(pos))
		hi := int(math32.Ceil(pos))
		out[i] = sample{lo: lo, hi: hi, frac: pos - float32(lo), inside: true}
	}
	return out
}
