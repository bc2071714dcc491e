// Package cvloader loads dataset images through OpenCV.
package cvloader

import (
	"context"
	"image"
	"os"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"github.com/nvr-ai/go-cascade/images"
)

// Loader decodes and resizes images with OpenCV. It implements images.Loader
// and is faster than images.FileLoader on large aerial frames.
type Loader struct {
	Folder string
	Format images.Format
}

// New returns a Loader over folder.
func New(folder string, format images.Format) (*Loader, error) {
	if _, err := images.ParseFormat(format.Name); err != nil {
		return nil, err
	}
	return &Loader{Folder: folder, Format: format}, nil
}

// Load reads image id, resizes it to size×size with bilinear interpolation
// and converts BGR bytes to RGB floats in [0, 1].
func (l *Loader) Load(ctx context.Context, id int, size int) (images.Image, error) {
	if err := ctx.Err(); err != nil {
		return images.Image{}, err
	}
	path := l.Format.Path(l.Folder, id)
	if _, err := os.Stat(path); err != nil {
		return images.Image{}, errors.Wrapf(err, "read image %d", id)
	}

	mat := gocv.IMRead(path, gocv.IMReadColor)
	defer mat.Close()
	if mat.Empty() {
		return images.Image{}, errors.Errorf("failed to decode image %d from %s", id, path)
	}

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(mat, &resized, image.Pt(size, size), 0, 0, gocv.InterpolationLinear)

	rgb := gocv.NewMat()
	defer rgb.Close()
	gocv.CvtColor(resized, &rgb, gocv.ColorBGRToRGB)

	data, err := rgb.DataPtrUint8()
	if err != nil {
		return images.Image{}, errors.Wrapf(err, "read pixels of image %d", id)
	}
	pix := make([]float32, len(data))
	for i, v := range data {
		pix[i] = float32(v) / 255
	}
	return images.NewImageFrom(size, size, pix), nil
}
