// Package registry constructs model.LLM instances from stored model
// settings.
package registry

import (
	"fmt"
	"os"
	"sync"

	"github.com/mitchellh/mapstructure"

	"github.com/inkeep/agents-runtime/pkg/model"
	"github.com/inkeep/agents-runtime/pkg/model/anthropic"
	"github.com/inkeep/agents-runtime/pkg/model/openai"
	"github.com/inkeep/agents-runtime/pkg/runtimeerr"
	"github.com/inkeep/agents-runtime/pkg/store"
)

// Options are the provider knobs carried in ModelSettings.Options.
type Options struct {
	BaseURL    string `mapstructure:"base_url"`
	APIKey     string `mapstructure:"api_key"`
	APIKeyEnv  string `mapstructure:"api_key_env"`
	MaxRetries int    `mapstructure:"max_retries"`
}

var defaultKeyEnv = map[model.Provider]string{
	model.ProviderOpenAI:    "OPENAI_API_KEY",
	model.ProviderAnthropic: "ANTHROPIC_API_KEY",
}

// Registry caches constructed providers by settings identity so repeated
// turns reuse HTTP clients and their rate-limit state.
type Registry struct {
	mu     sync.Mutex
	models map[string]model.LLM
}

func New() *Registry {
	return &Registry{models: make(map[string]model.LLM)}
}

// Get returns the LLM for the given settings, constructing it on first use.
func (r *Registry) Get(settings store.ModelSettings) (model.LLM, error) {
	key := fmt.Sprintf("%s/%s", settings.Provider, settings.Model)
	r.mu.Lock()
	defer r.mu.Unlock()
	if llm, ok := r.models[key]; ok {
		return llm, nil
	}
	llm, err := Build(settings)
	if err != nil {
		return nil, err
	}
	r.models[key] = llm
	return llm, nil
}

// Register installs a pre-built LLM for the given settings, replacing any
// cached instance. Used to plug in custom providers.
func (r *Registry) Register(settings store.ModelSettings, llm model.LLM) {
	key := fmt.Sprintf("%s/%s", settings.Provider, settings.Model)
	r.mu.Lock()
	r.models[key] = llm
	r.mu.Unlock()
}

// Close releases all cached providers.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, llm := range r.models {
		_ = llm.Close()
		delete(r.models, key)
	}
}

// Build constructs an LLM from settings without caching.
func Build(settings store.ModelSettings) (model.LLM, error) {
	if settings.Model == "" {
		return nil, runtimeerr.New(runtimeerr.KindBadRequest, "model settings missing model name")
	}

	var opts Options
	if settings.Options != nil {
		if err := mapstructure.Decode(settings.Options, &opts); err != nil {
			return nil, runtimeerr.Wrap(runtimeerr.KindBadRequest, "invalid model options", err)
		}
	}

	provider := model.Provider(settings.Provider)
	apiKey := opts.APIKey
	if apiKey == "" {
		keyEnv := opts.APIKeyEnv
		if keyEnv == "" {
			keyEnv = defaultKeyEnv[provider]
		}
		if keyEnv != "" {
			apiKey = os.Getenv(keyEnv)
		}
	}

	timeout := 0
	if settings.MaxDuration > 0 {
		timeout = settings.MaxDuration
	}

	switch provider {
	case model.ProviderOpenAI:
		return openai.New(openai.Config{
			Model:          settings.Model,
			APIKey:         apiKey,
			BaseURL:        opts.BaseURL,
			TimeoutSeconds: timeout,
			MaxRetries:     opts.MaxRetries,
		}), nil
	case model.ProviderAnthropic:
		return anthropic.New(anthropic.Config{
			Model:          settings.Model,
			APIKey:         apiKey,
			BaseURL:        opts.BaseURL,
			TimeoutSeconds: timeout,
			MaxRetries:     opts.MaxRetries,
		}), nil
	default:
		return nil, runtimeerr.Newf(runtimeerr.KindBadRequest, "unsupported model provider %q", settings.Provider)
	}
}
