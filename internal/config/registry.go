package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/babelrelay/pkg/audio"
	"github.com/MrWong99/babelrelay/pkg/provider/stt"
	"github.com/MrWong99/babelrelay/pkg/provider/translate"
	"github.com/MrWong99/babelrelay/pkg/provider/tts"
	"github.com/MrWong99/babelrelay/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	stt       map[string]func(ProviderEntry) (stt.Dialer, error)
	tts       map[string]func(ProviderEntry) (tts.Dialer, error)
	translate map[string]func(ProviderEntry) (translate.Translator, error)
	vad       map[string]func(ProviderEntry) (vad.Engine, error)
	audio     map[string]func(ProviderEntry) (audio.DeviceProvider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		stt:       make(map[string]func(ProviderEntry) (stt.Dialer, error)),
		tts:       make(map[string]func(ProviderEntry) (tts.Dialer, error)),
		translate: make(map[string]func(ProviderEntry) (translate.Translator, error)),
		vad:       make(map[string]func(ProviderEntry) (vad.Engine, error)),
		audio:     make(map[string]func(ProviderEntry) (audio.DeviceProvider, error)),
	}
}

// RegisterSTT registers a recognizer factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Dialer, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// RegisterTTS registers a synthesizer factory under name.
func (r *Registry) RegisterTTS(name string, factory func(ProviderEntry) (tts.Dialer, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = factory
}

// RegisterTranslator registers a translator factory under name.
func (r *Registry) RegisterTranslator(name string, factory func(ProviderEntry) (translate.Translator, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.translate[name] = factory
}

// RegisterVAD registers a VAD engine factory under name.
func (r *Registry) RegisterVAD(name string, factory func(ProviderEntry) (vad.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// RegisterAudio registers an audio device provider factory under name.
func (r *Registry) RegisterAudio(name string, factory func(ProviderEntry) (audio.DeviceProvider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio[name] = factory
}

// CreateSTT instantiates a recognizer using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Dialer, error) {
	return create(r, r.stt, "stt", entry)
}

// CreateTTS instantiates a synthesizer using the factory registered under entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Dialer, error) {
	return create(r, r.tts, "tts", entry)
}

// CreateTranslator instantiates a translator using the factory registered under entry.Name.
func (r *Registry) CreateTranslator(entry ProviderEntry) (translate.Translator, error) {
	return create(r, r.translate, "translate", entry)
}

// CreateVAD instantiates a VAD engine using the factory registered under entry.Name.
func (r *Registry) CreateVAD(entry ProviderEntry) (vad.Engine, error) {
	return create(r, r.vad, "vad", entry)
}

// CreateAudio instantiates a device provider using the factory registered under entry.Name.
func (r *Registry) CreateAudio(entry ProviderEntry) (audio.DeviceProvider, error) {
	return create(r, r.audio, "audio", entry)
}

func create[T any](r *Registry, factories map[string]func(ProviderEntry) (T, error), kind string, entry ProviderEntry) (T, error) {
	r.mu.RLock()
	factory, ok := factories[entry.Name]
	r.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, kind, entry.Name)
	}
	return factory(entry)
}
