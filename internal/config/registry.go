package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/earshot/pkg/audio/capture"
	"github.com/MrWong99/earshot/pkg/provider/stt"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// TranscriberFactory builds a transcriber from its config block.
type TranscriberFactory func(ProviderEntry) (stt.Transcriber, error)

// SourceFactory builds a capture backend from the capture section.
type SourceFactory func(CaptureConfig) (capture.Source, error)

// Registry maps implementation names to their constructor functions. It is
// safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	transcriber map[string]TranscriberFactory
	source      map[string]SourceFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		transcriber: make(map[string]TranscriberFactory),
		source:      make(map[string]SourceFactory),
	}
}

// RegisterTranscriber registers a transcriber factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterTranscriber(name string, factory TranscriberFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transcriber[name] = factory
}

// RegisterSource registers a capture backend factory under name.
func (r *Registry) RegisterSource(name string, factory SourceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.source[name] = factory
}

// CreateTranscriber instantiates the transcriber registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) CreateTranscriber(entry ProviderEntry) (stt.Transcriber, error) {
	r.mu.RLock()
	factory, ok := r.transcriber[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: stt/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateSource instantiates the capture backend registered under cfg.Backend.
func (r *Registry) CreateSource(cfg CaptureConfig) (capture.Source, error) {
	r.mu.RLock()
	factory, ok := r.source[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: capture/%q", ErrProviderNotRegistered, cfg.Backend)
	}
	return factory(cfg)
}

// TranscriberNames returns the registered transcriber names, sorted.
func (r *Registry) TranscriberNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.transcriber))
	for n := range r.transcriber {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
