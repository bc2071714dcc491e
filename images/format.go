package images

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// ImageFormat is the file encoding of an image.
type ImageFormat string

// ImageFormat constants
const (
	// FormatJPEG is the JPEG image format.
	FormatJPEG ImageFormat = "jpeg"
	// FormatWebP is the WebP image format.
	FormatWebP ImageFormat = "webp"
	// FormatPNG is the PNG image format.
	FormatPNG ImageFormat = "png"
)

// ErrUnsupportedFormat matches every FormatError.
var ErrUnsupportedFormat = errors.New("unsupported image format")

// FormatError reports a dataset naming convention or encoding that has no
// descriptor.
type FormatError struct {
	Name string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("unsupported image format %q", e.Name)
}

// Is makes errors.Is(err, ErrUnsupportedFormat) hold for any FormatError.
func (e *FormatError) Is(target error) bool {
	return target == ErrUnsupportedFormat
}

// Format describes how a dataset names and encodes its images.
type Format struct {
	// Name is the configuration key of the dataset.
	Name string `json:"name" yaml:"name"`
	// Encoding is the file encoding.
	Encoding ImageFormat `json:"encoding" yaml:"encoding"`
	// Width is the zero-padded width of the numeric id in file names.
	Width int `json:"width" yaml:"width"`
	// Suffix follows the id in file names, extension included.
	Suffix string `json:"suffix" yaml:"suffix"`
}

// Dataset naming conventions.
var (
	// FormatVEDAI names images 00000123_co.png.
	FormatVEDAI = Format{Name: "vedai", Encoding: FormatPNG, Width: 8, Suffix: "_co.png"}
	// FormatSDD names images 00000123.jpeg (Stanford Drone Dataset).
	FormatSDD = Format{Name: "sdd", Encoding: FormatJPEG, Width: 8, Suffix: ".jpeg"}
	// FormatDOTA names images 0000123.jpg.
	FormatDOTA = Format{Name: "dota", Encoding: FormatJPEG, Width: 7, Suffix: ".jpg"}
	// FormatFrames names recorded video frames 00000123.webp.
	FormatFrames = Format{Name: "frames", Encoding: FormatWebP, Width: 8, Suffix: ".webp"}
)

// Formats lists every supported descriptor.
func Formats() []Format {
	return []Format{FormatVEDAI, FormatSDD, FormatDOTA, FormatFrames}
}

// ParseFormat returns the descriptor registered under name.
func ParseFormat(name string) (Format, error) {
	for _, f := range Formats() {
		if strings.EqualFold(f.Name, name) {
			return f, nil
		}
	}
	return Format{}, &FormatError{Name: name}
}

// FileName returns the file name of image id.
func (f Format) FileName(id int) string {
	return fmt.Sprintf("%0*d%s", f.Width, id, f.Suffix)
}

// Path returns the path of image id inside folder.
func (f Format) Path(folder string, id int) string {
	return filepath.Join(folder, f.FileName(id))
}

// ParseID extracts the numeric id from a file name following the convention.
// ok is false for names that do not match.
func (f Format) ParseID(name string) (id int, ok bool) {
	base := filepath.Base(name)
	if !strings.HasSuffix(base, f.Suffix) {
		return 0, false
	}
	digits := strings.TrimSuffix(base, f.Suffix)
	if len(digits) < f.Width {
		return 0, false
	}
	if _, err := fmt.Sscanf(digits, "%d", &id); err != nil || fmt.Sprintf("%0*d", f.Width, id) != digits {
		return 0, false
	}
	return id, true
}
