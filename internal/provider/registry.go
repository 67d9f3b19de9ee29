package provider

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNotRegistered is returned when no factory has been registered under the
// requested provider name.
var ErrNotRegistered = errors.New("provider: not registered")

// Entry is the configuration block used to construct a provider, kept
// generic (name, api key, base url, model, free-form options) so one shape
// serves all provider categories.
type Entry struct {
	Name    string
	APIKey  string
	BaseURL string
	Model   string
	Options map[string]any
}

// Registry maps provider names to constructor functions for each of the
// three capability sets. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	llm   map[string]func(Entry) (LLM, error)
	image map[string]func(Entry) (Image, error)
	audio map[string]func(Entry) (Audio, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:   make(map[string]func(Entry) (LLM, error)),
		image: make(map[string]func(Entry) (Image, error)),
		audio: make(map[string]func(Entry) (Audio, error)),
	}
}

func (r *Registry) RegisterLLM(name string, factory func(Entry) (LLM, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

func (r *Registry) RegisterImage(name string, factory func(Entry) (Image, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.image[name] = factory
}

func (r *Registry) RegisterAudio(name string, factory func(Entry) (Audio, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio[name] = factory
}

func (r *Registry) CreateLLM(e Entry) (LLM, error) {
	r.mu.RLock()
	factory, ok := r.llm[e.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrNotRegistered, e.Name)
	}
	return factory(e)
}

func (r *Registry) CreateImage(e Entry) (Image, error) {
	r.mu.RLock()
	factory, ok := r.image[e.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: image/%q", ErrNotRegistered, e.Name)
	}
	return factory(e)
}

func (r *Registry) CreateAudio(e Entry) (Audio, error) {
	r.mu.RLock()
	factory, ok := r.audio[e.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: audio/%q", ErrNotRegistered, e.Name)
	}
	return factory(e)
}
