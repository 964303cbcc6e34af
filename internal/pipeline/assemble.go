package pipeline

import (
	"fmt"

	"github.com/Brownie44l1/mri-api/internal/inference"
)

// Result is the response for a successful classification.
type Result struct {
	Filename         string             `json:"filename" yaml:"filename"`
	Prediction       string             `json:"prediction" yaml:"prediction"`
	ConfidenceScores map[string]float64 `json:"confidence_scores" yaml:"confidence_scores"`
}

// Assemble maps a prediction to a Result. A prediction whose scores are not
// one-per-label, or whose label is not the scored arg-max, is a programming
// error and panics.
func Assemble(filename string, p *inference.Prediction) Result {
	if p == nil || p.Index < 0 || p.Index >= len(p.Scores) || p.Scores[p.Index].Label != p.Label {
		panic(fmt.Sprintf("pipeline: inconsistent prediction %+v", p))
	}

	scores := make(map[string]float64, len(p.Scores))
	for _, s := range p.Scores {
		if _, dup := scores[s.Label]; dup {
			panic(fmt.Sprintf("pipeline: duplicate score for label %q", s.Label))
		}
		scores[s.Label] = s.Probability
	}

	return Result{
		Filename:         filename,
		Prediction:       p.Label,
		ConfidenceScores: scores,
	}
}
