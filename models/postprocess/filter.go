package postprocess

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
)

// Sigmoid is the logistic function.
func Sigmoid(x float32) float32 {
	return 1 / (1 + math32.Exp(-x))
}

// FilterIndividuals separates confident individual predictions from those
// worth refining. A prediction is refined when it is predicted to be a group
// (sigmoid(logit) > 0.5) or its score is at most strong. Every other
// prediction is zeroed in c and flagged in the returned kept-out mask.
//
// Arguments:
// - c: The candidates of one image, modified in place.
// - groupLogits: Optional group logits aligned with c; nil treats every
//   prediction as an individual.
// - strong: The strong confidence threshold.
//
// Returns:
// - The kept-out mask.
// - An error if groupLogits is not aligned with c.
func FilterIndividuals(c Candidates, groupLogits []float32, strong float32) ([]bool, error) {
	if groupLogits != nil && len(groupLogits) != c.Len() {
		return nil, errors.Errorf("got %d group logits for %d predictions", len(groupLogits), c.Len())
	}
	keptOut := make([]bool, c.Len())
	for i, score := range c.Scores {
		refine := score <= strong
		if groupLogits != nil && Sigmoid(groupLogits[i]) > 0.5 {
			refine = true
		}
		if !refine {
			keptOut[i] = true
			c.zero(i)
		}
	}
	return keptOut, nil
}

// FilterThreshold zeroes every prediction of c whose score is not strictly
// above threshold.
func FilterThreshold(c Candidates, threshold float32) {
	for i, score := range c.Scores {
		if !(score > threshold) {
			c.zero(i)
		}
	}
}
