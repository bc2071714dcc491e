// Package inference runs a cascade stage network with ONNX Runtime and turns
// its outputs into cascade predictions.
package inference

import (
	"runtime"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// ErrUnsupportedPlatform is returned when no bundled ONNX Runtime library
// matches the current platform.
var ErrUnsupportedPlatform = errors.New("no onnxruntime library for this platform")

// SharedLibPath returns the bundled ONNX Runtime library for the current
// platform.
func SharedLibPath() (string, error) {
	switch runtime.GOOS {
	case "windows":
		if runtime.GOARCH == "amd64" {
			return "./third_party/onnxruntime.dll", nil
		}
	case "darwin":
		return "./third_party/libonnxruntime.1.23.0.dylib", nil
	case "linux":
		if runtime.GOARCH == "arm64" {
			return "./third_party/onnxruntime_arm64.so", nil
		}
		return "./third_party/onnxruntime.so", nil
	}
	return "", errors.Wrapf(ErrUnsupportedPlatform, "%s/%s", runtime.GOOS, runtime.GOARCH)
}

var (
	envOnce sync.Once
	envErr  error
)

// initEnvironment loads the library once per process.
func initEnvironment(libPath string) error {
	envOnce.Do(func() {
		if ort.IsInitialized() {
			return
		}
		ort.SetSharedLibraryPath(libPath)
		envErr = errors.Wrapf(ort.InitializeEnvironment(), "initialize onnxruntime from %s", libPath)
	})
	return envErr
}
