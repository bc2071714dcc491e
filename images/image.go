// Package images - float image buffers, dataset naming conventions, decoding
// and the crop/resize operations used between cascade stages.
package images

import (
	"image"

	"gorgonia.org/tensor"
)

// Channels is the number of color channels of an Image.
const Channels = 3

// Image is an RGB image stored as a float32 tensor of shape (H, W, 3) with
// values in [0, 1].
type Image struct {
	*tensor.Dense
}

// NewImage allocates a black image.
func NewImage(height, width int) Image {
	return Image{Dense: tensor.New(
		tensor.WithShape(height, width, Channels),
		tensor.WithBacking(make([]float32, height*width*Channels)),
	)}
}

// NewImageFrom wraps an existing (H*W*3) backing slice.
func NewImageFrom(height, width int, pix []float32) Image {
	return Image{Dense: tensor.New(
		tensor.WithShape(height, width, Channels),
		tensor.WithBacking(pix),
	)}
}

// FromImage converts a decoded image to a float Image, dropping alpha.
func FromImage(src image.Image) Image {
	b := src.Bounds()
	out := NewImage(b.Dy(), b.Dx())
	pix := out.Pix()
	w := b.Dx()
	Parallel(b.Dy(), func(start, end int) {
		for y := start; y < end; y++ {
			for x := 0; x < w; x++ {
				r, g, bl, _ := src.At(b.Min.X+x, b.Min.Y+y).RGBA()
				i := (y*w + x) * Channels
				pix[i] = float32(r) / 0xffff
				pix[i+1] = float32(g) / 0xffff
				pix[i+2] = float32(bl) / 0xffff
			}
		}
	})
	return out
}

// Empty reports whether the image has no backing tensor.
func (im Image) Empty() bool {
	return im.Dense == nil
}

// Height returns the number of rows.
func (im Image) Height() int {
	return im.Shape()[0]
}

// Width returns the number of columns.
func (im Image) Width() int {
	return im.Shape()[1]
}

// Pix returns the row-major (H, W, 3) backing slice.
func (im Image) Pix() []float32 {
	return im.Float32s()
}

// Pixel returns the three channel values at (x, y).
func (im Image) Pixel(x, y int) [Channels]float32 {
	i := (y*im.Width() + x) * Channels
	p := im.Pix()
	return [Channels]float32{p[i], p[i+1], p[i+2]}
}

// SetPixel writes the channel values at (x, y).
func (im Image) SetPixel(x, y int, v [Channels]float32) {
	i := (y*im.Width() + x) * Channels
	copy(im.Pix()[i:i+Channels], v[:])
}

// Fill sets every pixel to v.
func (im Image) Fill(v [Channels]float32) Image {
	p := im.Pix()
	for i := 0; i < len(p); i += Channels {
		copy(p[i:i+Channels], v[:])
	}
	return im
}

// Copy returns a deep copy.
func (im Image) Copy() Image {
	pix := make([]float32, len(im.Pix()))
	copy(pix, im.Pix())
	return NewImageFrom(im.Height(), im.Width(), pix)
}

// FlipLeftRight returns the image mirrored along the width axis.
func (im Image) FlipLeftRight() Image {
	h, w := im.Height(), im.Width()
	out := NewImage(h, w)
	src, dst := im.Pix(), out.Pix()
	for y := 0; y < h; y++ {
		row := y * w * Channels
		for x := 0; x < w; x++ {
			s := row + x*Channels
			d := row + (w-1-x)*Channels
			copy(dst[d:d+Channels], src[s:s+Channels])
		}
	}
	return out
}

// Equal reports whether both images have the same size and pixels.
func (im Image) Equal(other Image) bool {
	if im.Empty() || other.Empty() {
		return im.Empty() == other.Empty()
	}
	if im.Height() != other.Height() || im.Width() != other.Width() {
		return false
	}
	a, b := im.Pix(), other.Pix()
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
