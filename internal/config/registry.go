package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/proctorlive/pkg/provider/agent"
	"github.com/MrWong99/proctorlive/pkg/provider/vision"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	agents    map[string]func(ProviderEntry) (agent.Provider, error)
	detectors map[string]func(ProviderEntry) (vision.Detector, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		agents:    make(map[string]func(ProviderEntry) (agent.Provider, error)),
		detectors: make(map[string]func(ProviderEntry) (vision.Detector, error)),
	}
}

// RegisterAgent registers a remote agent provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterAgent(name string, factory func(ProviderEntry) (agent.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[name] = factory
}

// RegisterDetector registers a landmark detector factory under name.
func (r *Registry) RegisterDetector(name string, factory func(ProviderEntry) (vision.Detector, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detectors[name] = factory
}

// CreateAgent instantiates an agent provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateAgent(entry ProviderEntry) (agent.Provider, error) {
	r.mu.RLock()
	factory, ok := r.agents[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: agent/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateDetector instantiates a landmark detector using the factory registered under entry.Name.
func (r *Registry) CreateDetector(entry ProviderEntry) (vision.Detector, error) {
	r.mu.RLock()
	factory, ok := r.detectors[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: detector/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// Names returns the sorted registered names per provider kind.
func (r *Registry) Names() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := map[string][]string{
		"agent":    sortedKeys(r.agents),
		"detector": sortedKeys(r.detectors),
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// ── Provider options ──────────────────────────────────────────────────────────

// OptString extracts a string value from Options.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func (e ProviderEntry) OptString(key string) string {
	s, _ := e.Options[key].(string)
	return s
}

// OptInt extracts an integer value from Options. YAML numbers decode as int
// or float64; both are accepted.
func (e ProviderEntry) OptInt(key string) (int, bool) {
	switch v := e.Options[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}

// OptDuration extracts a duration written as a Go duration string ("2s").
func (e ProviderEntry) OptDuration(key string) (time.Duration, error) {
	s := e.OptString(key)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("config: option %q: %w", key, err)
	}
	return d, nil
}
