package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/pushtalk/pkg/provider/assistant"
	"github.com/MrWong99/pushtalk/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions. It is safe
// for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	tts       map[string]func(ProviderEntry) (tts.Engine, error)
	assistant map[string]func(AssistantConfig) (assistant.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		tts:       make(map[string]func(ProviderEntry) (tts.Engine, error)),
		assistant: make(map[string]func(AssistantConfig) (assistant.Provider, error)),
	}
}

// RegisterTTS registers a TTS engine factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterTTS(name string, factory func(ProviderEntry) (tts.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = factory
}

// RegisterAssistant registers an assistant provider factory under name.
func (r *Registry) RegisterAssistant(name string, factory func(AssistantConfig) (assistant.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assistant[name] = factory
}

// CreateTTS instantiates a TTS engine using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Engine, error) {
	r.mu.RLock()
	factory, ok := r.tts[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: tts/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateAssistant instantiates the assistant provider named by cfg.Provider.
func (r *Registry) CreateAssistant(cfg AssistantConfig) (assistant.Provider, error) {
	r.mu.RLock()
	factory, ok := r.assistant[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: assistant/%q", ErrProviderNotRegistered, cfg.Provider)
	}
	return factory(cfg)
}

// OptionString returns a string option, or def when missing or not a string.
func (e ProviderEntry) OptionString(key, def string) string {
	if v, ok := e.Options[key].(string); ok && v != "" {
		return v
	}
	return def
}

// OptionFloat returns a numeric option, or def.
func (e ProviderEntry) OptionFloat(key string, def float64) float64 {
	switch v := e.Options[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}
