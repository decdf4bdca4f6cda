package provider

import (
	"log/slog"
	"sync"

	"wagate/internal/config"
	"wagate/internal/domain"
)

// Factory resolves a model id to the provider that serves it. Providers are
// created lazily and cached.
type Factory struct {
	cfg    config.ProvidersConfig
	logger *slog.Logger
	cache  map[string]domain.Provider
	mu     sync.Mutex
}

func NewFactory(cfg config.ProvidersConfig, logger *slog.Logger) *Factory {
	return &Factory{
		cfg:    cfg,
		logger: logger,
		cache:  make(map[string]domain.Provider),
	}
}

// deepSeekModels are served through the OpenAI-compatible DeepSeek endpoint.
var deepSeekModels = []string{"deepseek-chat", "deepseek-reasoner"}

// openAIModels are the supported OpenAI chat models.
var openAIModels = []string{"gpt-4", "gpt-3.5-turbo", "gpt-4o-mini"}

// Resolve returns the provider serving model. Unknown or disabled models are
// a configuration error; administrative callers see it directly, the reply
// engine degrades it to the fallback message.
func (f *Factory) Resolve(model string) (domain.Provider, error) {
	name, ok := providerFor(model)
	if !ok {
		return nil, domain.Errorf(domain.KindConfiguration, "provider.Resolve",
			"model %s not supported", model)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if p, ok := f.cache[name]; ok {
		return p, nil
	}

	var p domain.Provider
	switch name {
	case "openai":
		if !f.cfg.OpenAI.Enabled {
			return nil, domain.Errorf(domain.KindConfiguration, "provider.Resolve",
				"provider openai is disabled")
		}
		p = NewOpenAI(OpenAIConfig{
			APIKey:  f.cfg.OpenAI.APIKey,
			APIBase: f.cfg.OpenAI.APIBase,
			Models:  openAIModels,
			Logger:  f.logger,
		})
	case "deepseek":
		if !f.cfg.DeepSeek.Enabled {
			return nil, domain.Errorf(domain.KindConfiguration, "provider.Resolve",
				"provider deepseek is disabled")
		}
		apiBase := f.cfg.DeepSeek.APIBase
		if apiBase == "" {
			apiBase = "https://api.deepseek.com/v1"
		}
		p = NewOpenAI(OpenAIConfig{
			Name:    "deepseek",
			APIKey:  f.cfg.DeepSeek.APIKey,
			APIBase: apiBase,
			Models:  deepSeekModels,
			Logger:  f.logger,
		})
	}

	f.cache[name] = p
	return p, nil
}

// AvailableModels lists every model id the factory can resolve, for the
// admin models endpoint.
func (f *Factory) AvailableModels() []string {
	var models []string
	if f.cfg.OpenAI.Enabled {
		models = append(models, openAIModels...)
	}
	if f.cfg.DeepSeek.Enabled {
		models = append(models, deepSeekModels...)
	}
	return models
}

func providerFor(model string) (string, bool) {
	for _, m := range openAIModels {
		if m == model {
			return "openai", true
		}
	}
	for _, m := range deepSeekModels {
		if m == model {
			return "deepseek", true
		}
	}
	return "", false
}
