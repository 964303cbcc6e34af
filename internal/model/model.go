package model

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

var (
	ErrModelUnavailable   = errors.New("model is not loaded")
	ErrAlreadyInitialized = errors.New("model store already initialized")
)

// LoadError reports why a model could not be brought up. It is fatal at startup.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load model %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Runtime executes the forward pass of a loaded graph.
// Implementations must be safe for concurrent Forward calls.
type Runtime interface {
	Forward(ctx context.Context, input *Tensor) ([]float32, error)
	Close() error
}

// Backend turns a Spec into a Runtime.
type Backend interface {
	Open(ctx context.Context, spec Spec) (Runtime, error)
}

// Model is a loaded, read-only classifier. It can only be obtained from Load.
type Model struct {
	arch    Architecture
	labels  []string
	path    string
	digest  string
	runtime Runtime

	// mu is held shared by Forward and exclusively by close, so the runtime
	// is never released under a running forward pass.
	mu     sync.RWMutex
	closed bool
}

// Load validates spec, fingerprints the weight file and opens it with backend.
// All failures are returned as *LoadError.
func Load(ctx context.Context, spec Spec, backend Backend) (*Model, error) {
	if err := spec.validate(); err != nil {
		return nil, &LoadError{Path: spec.WeightsPath, Err: err}
	}

	digest, err := fileDigest(spec.WeightsPath)
	if err != nil {
		return nil, &LoadError{Path: spec.WeightsPath, Err: err}
	}

	rt, err := backend.Open(ctx, spec)
	if err != nil {
		return nil, &LoadError{Path: spec.WeightsPath, Err: err}
	}

	labels := make([]string, len(spec.Labels))
	copy(labels, spec.Labels)

	return &Model{
		arch:    spec.Architecture,
		labels:  labels,
		path:    spec.WeightsPath,
		digest:  digest,
		runtime: rt,
	}, nil
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open weights: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("read weights: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (m *Model) Architecture() Architecture { return m.arch }

// Labels returns a copy of the class labels in logit order.
func (m *Model) Labels() []string {
	out := make([]string, len(m.labels))
	copy(out, m.labels)
	return out
}

func (m *Model) NumClasses() int { return len(m.labels) }

func (m *Model) InputShape() [4]int64 { return m.arch.InputShape() }

// Version is the artifact file name plus a short content digest.
func (m *Model) Version() string {
	return filepath.Base(m.path) + "@sha256:" + m.digest[:12]
}

func (m *Model) Digest() string { return m.digest }

// Forward runs the graph on input and returns the raw logits. After the model
// is shut down it returns ErrModelUnavailable.
func (m *Model) Forward(ctx context.Context, input *Tensor) ([]float32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrModelUnavailable
	}
	return m.runtime.Forward(ctx, input)
}

// close waits for in-flight Forward calls, then releases the runtime.
func (m *Model) close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.runtime.Close()
}
