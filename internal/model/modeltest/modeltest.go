// Package modeltest provides an in-process model.Backend for tests that must
// not depend on the ONNX Runtime shared library.
package modeltest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/Brownie44l1/mri-api/internal/model"
)

// Backend opens Runtimes that compute logits with Logits.
type Backend struct {
	// Logits maps an input to raw class scores. Defaults to ChannelMeans.
	Logits func(in *model.Tensor) []float32
	// OpenErr, when set, is returned from Open.
	OpenErr error
	// ForwardErr, when set, is returned from every Forward call.
	ForwardErr error
	// Panic makes Forward panic with this value.
	Panic any

	Calls  atomic.Int64
	Closed atomic.Bool
}

func (b *Backend) Open(_ context.Context, spec model.Spec) (model.Runtime, error) {
	if b.OpenErr != nil {
		return nil, b.OpenErr
	}
	return &runtime{backend: b, classes: len(spec.Labels)}, nil
}

type runtime struct {
	backend *Backend
	classes int
}

func (r *runtime) Forward(ctx context.Context, in *model.Tensor) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.backend.Calls.Add(1)
	if r.backend.Panic != nil {
		panic(r.backend.Panic)
	}
	if r.backend.ForwardErr != nil {
		return nil, r.backend.ForwardErr
	}
	if r.backend.Logits != nil {
		return r.backend.Logits(in), nil
	}
	return ChannelMeans(in, r.classes), nil
}

func (r *runtime) Close() error {
	if r.backend.Closed.Swap(true) {
		return errors.New("runtime closed twice")
	}
	return nil
}

// ChannelMeans scores class i with the mean of channel i, zero past channel 2.
// It is deterministic, so identical images always produce identical logits.
func ChannelMeans(in *model.Tensor, classes int) []float32 {
	logits := make([]float32, classes)
	plane := int(in.Shape[2] * in.Shape[3])
	if plane == 0 {
		return logits
	}
	for c := 0; c < 3 && c < classes; c++ {
		var sum float64
		for _, v := range in.Data[c*plane : (c+1)*plane] {
			sum += float64(v)
		}
		logits[c] = float32(sum / float64(plane))
	}
	return logits
}

// WeightsFile writes a placeholder artifact and returns its path.
func WeightsFile(t testing.TB) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "efficientnet_finetuned_final.onnx")
	if err := os.WriteFile(path, []byte("placeholder weights"), 0o600); err != nil {
		t.Fatalf("write weights: %v", err)
	}
	return path
}

// Spec returns a valid EfficientNet-B0 spec backed by a placeholder artifact.
func Spec(t testing.TB) model.Spec {
	return model.Spec{
		Architecture: model.EfficientNetB0,
		WeightsPath:  WeightsFile(t),
		Labels:       model.DefaultLabels,
		Device:       model.DeviceCPU,
	}
}

// ReadyStore returns a store initialized with backend.
func ReadyStore(t testing.TB, backend *Backend) *model.Store {
	t.Helper()
	store := model.NewStore()
	if _, err := store.Initialize(context.Background(), Spec(t), backend); err != nil {
		t.Fatalf("initialize store: %v", err)
	}
	t.Cleanup(func() { _ = store.Shutdown() })
	return store
}
