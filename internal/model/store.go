package model

import (
	"context"
	"sync"
	"sync/atomic"
)

// State is the process-wide model lifecycle.
type State int32

const (
	StateUninitialized State = iota
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Store owns the loaded model for the lifetime of the process.
//
// Initialize is called once at startup; Get is called on every request and only
// performs atomic loads.
type Store struct {
	initMu    sync.Mutex
	attempted bool
	state     atomic.Int32
	model     atomic.Pointer[Model]
}

func NewStore() *Store {
	return &Store{}
}

// Initialize loads the model exactly once. A failed load leaves the store in
// StateFailed permanently.
func (s *Store) Initialize(ctx context.Context, spec Spec, backend Backend) (*Model, error) {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	if s.attempted {
		return nil, ErrAlreadyInitialized
	}
	s.attempted = true

	m, err := Load(ctx, spec, backend)
	if err != nil {
		s.state.Store(int32(StateFailed))
		return nil, err
	}

	s.model.Store(m)
	s.state.Store(int32(StateReady))
	return m, nil
}

// Get returns the ready model or ErrModelUnavailable.
func (s *Store) Get() (*Model, error) {
	if State(s.state.Load()) != StateReady {
		return nil, ErrModelUnavailable
	}
	m := s.model.Load()
	if m == nil {
		return nil, ErrModelUnavailable
	}
	return m, nil
}

func (s *Store) State() State {
	return State(s.state.Load())
}

// Shutdown drops the model reference and releases its runtime. The store
// cannot be initialized again afterwards.
func (s *Store) Shutdown() error {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	m := s.model.Swap(nil)
	if m == nil {
		return nil
	}
	s.state.Store(int32(StateUninitialized))
	return m.close()
}
