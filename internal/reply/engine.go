// Package reply implements the auto-reply response engine: settings-driven
// retrieval-assisted completion with a guaranteed fallback.
package reply

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"wagate/internal/domain"
	"wagate/internal/metrics"

	"github.com/google/uuid"
)

const (
	generateTimeout    = 30 * time.Second
	defaultMaxTokens   = 1000
	defaultTemperature = 0.7
)

// ProviderResolver maps a model id to a completion provider.
type ProviderResolver interface {
	Resolve(model string) (domain.Provider, error)
}

// Engine generates reply text for inbound messages.
type Engine struct {
	settings  domain.SettingsStore
	retriever ContextRetriever
	providers ProviderResolver
	log       domain.ReplyLog
	topK      int
	logger    *slog.Logger
}

type EngineConfig struct {
	Settings  domain.SettingsStore
	Retriever ContextRetriever
	Providers ProviderResolver
	ReplyLog  domain.ReplyLog
	TopK      int // fragments per reply (default: 5)
	Logger    *slog.Logger
}

func NewEngine(cfg EngineConfig) *Engine {
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	return &Engine{
		settings:  cfg.Settings,
		retriever: cfg.Retriever,
		providers: cfg.Providers,
		log:       cfg.ReplyLog,
		topK:      cfg.TopK,
		logger:    cfg.Logger,
	}
}

// Settings returns the current reply settings, falling back to compiled-in
// defaults when the store has none. Read on every call so updates apply
// between messages without a restart.
func (e *Engine) Settings(ctx context.Context) domain.ReplySettings {
	s := domain.DefaultReplySettings()
	if err := e.settings.GetSettings(ctx, domain.SettingsCategoryAI, &s); err != nil {
		e.logger.Warn("reply settings read failed, using defaults", "err", err)
		return domain.DefaultReplySettings()
	}
	if s.Model == "" {
		s.Model = domain.DefaultReplySettings().Model
	}
	if s.Prompt == "" {
		s.Prompt = domain.DefaultReplySettings().Prompt
	}
	if s.FallbackMessage == "" {
		s.FallbackMessage = domain.DefaultReplySettings().FallbackMessage
	}
	return s
}

// Generate produces the reply text for message. It never fails toward the
// messaging path: provider and configuration failures degrade to the
// configured fallback message. Every attempt is appended to the reply log.
func (e *Engine) Generate(ctx context.Context, message, counterparty string) string {
	settings := e.Settings(ctx)

	response, fallback := e.generate(ctx, settings, message)

	metrics.RepliesGenerated.Inc()
	if fallback {
		metrics.ReplyFallbacks.Inc()
	}

	entry := domain.ReplyLogEntry{
		ID:           uuid.NewString(),
		Counterparty: counterparty,
		Message:      message,
		Response:     response,
		Model:        settings.Model,
		Fallback:     fallback,
		CreatedAt:    time.Now(),
	}
	if err := e.log.LogReply(ctx, entry); err != nil {
		e.logger.Error("reply log append failed", "err", err)
	}

	return response
}

func (e *Engine) generate(ctx context.Context, settings domain.ReplySettings, message string) (text string, fallback bool) {
	provider, err := e.providers.Resolve(settings.Model)
	if err != nil {
		e.logger.Error("reply provider unavailable", "model", settings.Model, "err", err)
		return settings.FallbackMessage, true
	}

	frags, err := e.retriever.Retrieve(ctx, message, e.topK)
	if err != nil {
		// Retrieval failure degrades to an uncontextualized reply.
		e.logger.Warn("knowledge retrieval failed", "err", err)
		frags = nil
	}

	ctx, cancel := context.WithTimeout(ctx, generateTimeout)
	defer cancel()

	resp, err := provider.Chat(ctx, domain.ChatRequest{
		Model:       settings.Model,
		System:      composePrompt(settings.Prompt, frags),
		User:        message,
		MaxTokens:   defaultMaxTokens,
		Temperature: defaultTemperature,
	})
	if err != nil {
		e.logger.Error("completion failed", "model", settings.Model, "err", err)
		return settings.FallbackMessage, true
	}

	e.logger.Info("reply generated",
		"model", settings.Model, "fragments", len(frags), "latency_ms", resp.LatencyMs)
	return resp.Content, false
}

// composePrompt builds the system prompt: base instruction plus a bulleted
// list of supporting fragments the model should treat as optional context.
func composePrompt(base string, frags []domain.Fragment) string {
	if len(frags) == 0 {
		return base
	}

	var sb strings.Builder
	sb.WriteString(base)
	sb.WriteString("\n\nالمعلومات ذات الصلة:\n")
	for _, f := range frags {
		sb.WriteString("- ")
		sb.WriteString(f.Content)
		sb.WriteString("\n")
	}
	sb.WriteString("\nاستخدم هذه المعلومات في إجابتك إذا كانت ذات صلة بسؤال المستخدم.")
	return sb.String()
}
