// Package cascade turns the per-cell predictions of one stage into the
// inputs of the next: crop selection, crop extraction, box remapping and the
// batch assembler feeding the next stage during training.
package cascade

import (
	"fmt"

	"github.com/nvr-ai/go-cascade/config"
)

// Mode selects the thresholds used for crop extraction.
type Mode string

const (
	ModeTrain Mode = "train"
	// ModeVal uses the test thresholds.
	ModeVal  Mode = "val"
	ModeTest Mode = "test"
)

// ParseMode maps a configuration string to a Mode. Unknown strings are a
// *config.ConfigError.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeTrain, ModeVal, ModeTest:
		return m, nil
	}
	return "", &config.ConfigError{Field: "mode", Reason: fmt.Sprintf("unknown mode %q", s)}
}

// stageParams are the thresholds of one mode.
type stageParams struct {
	confidence float32
	nms        float32
	numCrops   int
	// shortcut is set when confident individuals skip the next stage.
	shortcut bool
	strong   float32
}

func (m Mode) params(c config.CascadeConfig) stageParams {
	if m == ModeTrain {
		return stageParams{
			confidence: c.TrainPatchConfidenceThreshold,
			nms:        c.TrainPatchNMSThreshold,
			numCrops:   c.TrainNumCrops,
		}
	}
	return stageParams{
		confidence: c.TestPatchConfidenceThreshold,
		nms:        c.TestPatchNMSThreshold,
		numCrops:   c.TestNumCrops,
		shortcut:   c.TestPatchStrongConfidenceThreshold < 1,
		strong:     c.TestPatchStrongConfidenceThreshold,
	}
}
