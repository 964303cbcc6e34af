// Package inference runs the forward pass and turns logits into a
// probability distribution over the model's labels.
package inference

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/Brownie44l1/mri-api/internal/model"
)

var ErrInference = errors.New("inference failed")

type Score struct {
	Label       string  `json:"label"`
	Probability float64 `json:"probability"`
}

// Prediction is the arg-max label plus every label's probability, in label order.
type Prediction struct {
	Index  int
	Label  string
	Scores []Score
}

// Infer runs m on t. Any failure inside the forward pass, including a panic or
// non-finite logits, is returned wrapped in ErrInference. Context errors are
// returned as-is.
func Infer(ctx context.Context, m *model.Model, t *model.Tensor) (pred *Prediction, err error) {
	if t == nil || t.Shape != m.InputShape() || len(t.Data) != t.Len() {
		return nil, fmt.Errorf("%w: input tensor does not match model input %v", ErrInference, m.InputShape())
	}

	logits, err := forward(ctx, m, t)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %w", ErrInference, err)
	}

	labels := m.Labels()
	if len(logits) != len(labels) {
		return nil, fmt.Errorf("%w: got %d logits for %d labels", ErrInference, len(logits), len(labels))
	}

	probs, err := Softmax(logits)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}

	idx := ArgMax(probs)
	scores := make([]Score, len(labels))
	for i, l := range labels {
		scores[i] = Score{Label: l, Probability: probs[i]}
	}

	return &Prediction{
		Index:  idx,
		Label:  labels[idx],
		Scores: scores,
	}, nil
}

func forward(ctx context.Context, m *model.Model, t *model.Tensor) (logits []float32, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("forward pass panicked: %v", r)
		}
	}()
	return m.Forward(ctx, t)
}

// Softmax computes exp(x_i - max) / Σ exp(x_j - max) in float64.
func Softmax(logits []float32) ([]float64, error) {
	if len(logits) == 0 {
		return nil, errors.New("empty logit vector")
	}

	maxLogit := math.Inf(-1)
	for i, v := range logits {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("logit %d is not finite: %v", i, v)
		}
		if f > maxLogit {
			maxLogit = f
		}
	}

	probs := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		probs[i] = math.Exp(float64(v) - maxLogit)
		sum += probs[i]
	}
	// sum >= 1 since the max element contributes exp(0)
	for i := range probs {
		probs[i] /= sum
	}
	return probs, nil
}

// ArgMax returns the index of the largest value; the lowest index wins ties.
func ArgMax(values []float64) int {
	best := 0
	for i := 1; i < len(values); i++ {
		if values[i] > values[best] {
			best = i
		}
	}
	return best
}
