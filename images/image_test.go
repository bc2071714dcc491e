package images

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-cascade/common"
)

// gradient returns an image whose red channel is x, green is y and blue is 1.
func gradient(h, w int) Image {
	im := NewImage(h, w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			im.SetPixel(x, y, [Channels]float32{float32(x), float32(y), 1})
		}
	}
	return im
}

func TestFromImage(t *testing.T) {
	im := FromImage(getTestImage())

	assert.Equal(t, 100, im.Height())
	assert.Equal(t, 100, im.Width())
	assert.Equal(t, [Channels]float32{1, 0, 0}, im.Pixel(42, 17))
}

func TestFlipLeftRight(t *testing.T) {
	im := gradient(3, 5)
	flipped := im.FlipLeftRight()

	assert.Equal(t, [Channels]float32{4, 0, 1}, flipped.Pixel(0, 0))
	assert.Equal(t, [Channels]float32{0, 2, 1}, flipped.Pixel(4, 2))
	assert.True(t, flipped.FlipLeftRight().Equal(im))
	assert.False(t, flipped.Equal(im))
}

func TestCropAndResize(t *testing.T) {
	src := gradient(5, 5)

	t.Run("Full box keeps the image", func(t *testing.T) {
		out := CropAndResize(src, common.BoundingBox{X1: 0, Y1: 0, X2: 1, Y2: 1}, 5)
		assert.True(t, out.Equal(src))
	})

	t.Run("Half box upsamples", func(t *testing.T) {
		out := CropAndResize(src, common.BoundingBox{X1: 0, Y1: 0, X2: 0.5, Y2: 0.5}, 5)
		require.Equal(t, 5, out.Height())
		// Source positions 0, 0.5, 1, 1.5, 2 along each axis.
		for i, want := range []float32{0, 0.5, 1, 1.5, 2} {
			assert.InDelta(t, want, out.Pixel(i, 0)[0], 1e-5)
			assert.InDelta(t, want, out.Pixel(0, i)[1], 1e-5)
		}
	})

	t.Run("Single pixel samples the center", func(t *testing.T) {
		out := CropAndResize(src, common.BoundingBox{X1: 0, Y1: 0, X2: 1, Y2: 1}, 1)
		px := out.Pixel(0, 0)
		assert.InDeltaSlice(t, []float32{2, 2, 1}, px[:], 1e-5)
	})

	t.Run("Outside samples are zero", func(t *testing.T) {
		out := CropAndResize(src, common.BoundingBox{X1: 1, Y1: 0, X2: 2, Y2: 1}, 3)
		px := out.Pixel(0, 0)
		assert.InDeltaSlice(t, []float32{4, 0, 1}, px[:], 1e-5)
		assert.Equal(t, [Channels]float32{}, out.Pixel(1, 0))
		assert.Equal(t, [Channels]float32{}, out.Pixel(2, 2))
	})

	t.Run("Degenerate box is constant", func(t *testing.T) {
		out := CropAndResize(src, common.BoundingBox{}, 4)
		for y := 0; y < 4; y++ {
			for x := 0; x < 4; x++ {
				assert.Equal(t, [Channels]float32{0, 0, 1}, out.Pixel(x, y))
			}
		}
	})
}

func TestParallel(t *testing.T) {
	for _, n := range []int{0, 1, 7, 1000} {
		seen := make([]int32, n)
		Parallel(n, func(start, end int) {
			for i := start; i < end; i++ {
				seen[i]++
			}
		})
		for i := range seen {
			assert.Equal(t, int32(1), seen[i])
		}
	}
}
