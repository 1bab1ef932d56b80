package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/voxcap/pkg/audio"
	"github.com/MrWong99/voxcap/pkg/audio/rawpcm"
	"github.com/MrWong99/voxcap/pkg/provider/vad"
	"github.com/MrWong99/voxcap/pkg/provider/vad/amplitude"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	vad    map[string]func(VADConfig) (vad.Detector, error)
	source map[string]func(SourceConfig) (audio.Source, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		vad:    make(map[string]func(VADConfig) (vad.Detector, error)),
		source: make(map[string]func(SourceConfig) (audio.Source, error)),
	}
}

// NewDefaultRegistry returns a [Registry] with the built-in backends
// registered: the "amplitude" detector and the "rawpcm" source.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.RegisterVAD("amplitude", func(c VADConfig) (vad.Detector, error) {
		return amplitude.Engine{}.NewDetector(vad.Config{Threshold: c.Threshold})
	})
	r.RegisterSource("rawpcm", func(c SourceConfig) (audio.Source, error) {
		return rawpcm.New(rawpcm.Config{
			Path:       c.Path,
			NativeRate: c.NativeRate,
			FrameMs:    c.FrameMs,
			Pace:       c.Pace,
		}), nil
	})
	return r
}

// RegisterVAD registers a detector factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterVAD(name string, factory func(VADConfig) (vad.Detector, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// RegisterSource registers a capture source factory under name.
func (r *Registry) RegisterSource(name string, factory func(SourceConfig) (audio.Source, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.source[name] = factory
}

// CreateVAD instantiates a detector using the factory registered under cfg.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateVAD(cfg VADConfig) (vad.Detector, error) {
	r.mu.RLock()
	factory, ok := r.vad[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad/%q", ErrProviderNotRegistered, cfg.Name)
	}
	return factory(cfg)
}

// CreateSource instantiates a capture source using the factory registered under cfg.Name.
func (r *Registry) CreateSource(cfg SourceConfig) (audio.Source, error) {
	r.mu.RLock()
	factory, ok := r.source[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: source/%q", ErrProviderNotRegistered, cfg.Name)
	}
	return factory(cfg)
}
