package images

import (
	"bytes"
	"image"
	"image/jpeg"
	"image/png"

	"github.com/chai2010/webp"
	"github.com/nfnt/resize"
	"github.com/pkg/errors"
)

// Decode decodes an encoded image of the given format.
//
// Arguments:
//   - data: The encoded bytes.
//   - format: The encoding of data.
//
// Returns:
//   - image.Image: The decoded image.
//   - error: A FormatError for unknown encodings, or the decoder's error.
func Decode(data []byte, format ImageFormat) (image.Image, error) {
	if len(data) == 0 {
		return nil, errors.New("empty image data")
	}

	var (
		img image.Image
		err error
	)
	switch format {
	case FormatJPEG:
		img, err = jpeg.Decode(bytes.NewReader(data))
	case FormatPNG:
		img, err = png.Decode(bytes.NewReader(data))
	case FormatWebP:
		img, err = webp.Decode(bytes.NewReader(data))
	default:
		return nil, &FormatError{Name: string(format)}
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode %s image", format)
	}
	return img, nil
}

// ResizeToImage resizes img to width×height with bilinear interpolation.
// The aspect ratio is not preserved.
func ResizeToImage(img image.Image, width, height int) (image.Image, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("invalid dimensions: width=%d, height=%d", width, height)
	}
	b := img.Bounds()
	if b.Dx() == width && b.Dy() == height {
		return img, nil
	}
	return resize.Resize(uint(width), uint(height), img, resize.Bilinear), nil
}

// DecodeAndResize decodes data and resizes it to a size×size float Image.
func DecodeAndResize(data []byte, size int, format ImageFormat) (Image, error) {
	img, err := Decode(data, format)
	if err != nil {
		return Image{}, err
	}
	resized, err := ResizeToImage(img, size, size)
	if err != nil {
		return Image{}, err
	}
	return FromImage(resized), nil
}
