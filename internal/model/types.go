package model

import (
	"fmt"
	"strings"
)

// Architecture identifies the network a weight artifact was exported from.
// The set is closed: a deployment serves exactly one of these.
type Architecture string

const (
	EfficientNetB0 Architecture = "efficientnet_b0"
)

// ParseArchitecture resolves a configured architecture name.
func ParseArchitecture(name string) (Architecture, error) {
	switch Architecture(strings.ToLower(strings.TrimSpace(name))) {
	case EfficientNetB0:
		return EfficientNetB0, nil
	default:
		return "", fmt.Errorf("unsupported architecture %q (supported: %s)", name, EfficientNetB0)
	}
}

// InputSize is the square spatial size the architecture was trained at.
func (a Architecture) InputSize() int {
	switch a {
	case EfficientNetB0:
		return 224
	default:
		return 0
	}
}

// NumClasses is the width of the classifier head the weights were trained with.
func (a Architecture) NumClasses() int {
	switch a {
	case EfficientNetB0:
		return 4
	default:
		return 0
	}
}

// InputShape is the NCHW shape of a single-image batch.
func (a Architecture) InputShape() [4]int64 {
	s := int64(a.InputSize())
	return [4]int64{1, 3, s, s}
}

// Device selects the execution provider.
type Device string

const (
	DeviceCPU  Device = "cpu"
	DeviceCUDA Device = "cuda"
)

func ParseDevice(name string) (Device, error) {
	switch Device(strings.ToLower(strings.TrimSpace(name))) {
	case "", DeviceCPU:
		return DeviceCPU, nil
	case DeviceCUDA:
		return DeviceCUDA, nil
	default:
		return "", fmt.Errorf("unsupported device %q (supported: cpu, cuda)", name)
	}
}

// DefaultLabels is the class ordering the classifier was trained with.
// Index i of the logit vector always maps to DefaultLabels[i].
var DefaultLabels = []string{"glioma", "meningioma", "notumor", "pituitary"}

// Spec describes the model to load at startup.
type Spec struct {
	Architecture   Architecture
	WeightsPath    string
	Labels         []string
	Device         Device
	IntraOpThreads int
}

func (s Spec) validate() error {
	if s.Architecture.InputSize() == 0 {
		return fmt.Errorf("unsupported architecture %q", s.Architecture)
	}
	if s.WeightsPath == "" {
		return fmt.Errorf("weights path is empty")
	}
	if len(s.Labels) == 0 {
		return fmt.Errorf("label set is empty")
	}
	if n := s.Architecture.NumClasses(); len(s.Labels) != n {
		return fmt.Errorf("%s has %d classes, got %d labels", s.Architecture, n, len(s.Labels))
	}
	seen := make(map[string]struct{}, len(s.Labels))
	for i, l := range s.Labels {
		if l == "" {
			return fmt.Errorf("label %d is empty", i)
		}
		if _, dup := seen[l]; dup {
			return fmt.Errorf("duplicate label %q", l)
		}
		seen[l] = struct{}{}
	}
	return nil
}

// Tensor is a dense float32 NCHW tensor.
type Tensor struct {
	Shape [4]int64
	Data  []float32
}

// Len is the number of elements the shape describes.
func (t *Tensor) Len() int {
	n := int64(1)
	for _, d := range t.Shape {
		n *= d
	}
	return int(n)
}
