package images

import (
	"context"
	"os"

	"github.com/pkg/errors"
)

// Loader fetches image id resized to a size×size square.
type Loader interface {
	Load(ctx context.Context, id int, size int) (Image, error)
}

// FileLoader reads images from a folder laid out with a dataset Format.
type FileLoader struct {
	Folder string
	Format Format
}

// NewFileLoader validates the format descriptor and returns a loader over
// folder.
func NewFileLoader(folder string, format Format) (*FileLoader, error) {
	if _, err := ParseFormat(format.Name); err != nil {
		return nil, err
	}
	return &FileLoader{Folder: folder, Format: format}, nil
}

// Load reads, decodes and resizes image id. Missing files keep
// fs.ErrNotExist reachable through errors.Is.
func (l *FileLoader) Load(ctx context.Context, id int, size int) (Image, error) {
	if err := ctx.Err(); err != nil {
		return Image{}, err
	}
	path := l.Format.Path(l.Folder, id)
	data, err := os.ReadFile(path)
	if err != nil {
		return Image{}, errors.Wrapf(err, "read image %d", id)
	}
	img, err := DecodeAndResize(data, size, l.Format.Encoding)
	if err != nil {
		return Image{}, errors.Wrapf(err, "load image %d from %s", id, path)
	}
	return img, nil
}

// ConstantLoader returns size×size images filled with Value for every id.
// It stands in for a real dataset in benchmarks.
type ConstantLoader struct {
	Value [Channels]float32
}

// Load implements Loader.
func (l ConstantLoader) Load(ctx context.Context, id int, size int) (Image, error) {
	if err := ctx.Err(); err != nil {
		return Image{}, err
	}
	return NewImage(size, size).Fill(l.Value), nil
}
