package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"wagate/internal/domain"
)

// OpenAI implements domain.Provider for OpenAI-compatible chat completion
// APIs. DeepSeek speaks the same wire format and is configured with a
// different base URL and model list.
type OpenAI struct {
	name    string
	apiKey  string
	apiBase string
	models  []string
	client  *http.Client
	logger  *slog.Logger
}

type OpenAIConfig struct {
	Name    string // provider name; defaults to "openai"
	APIKey  string
	APIBase string
	Models  []string
	Logger  *slog.Logger
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.openai.com/v1"
	}
	if len(cfg.Models) == 0 {
		cfg.Models = []string{"gpt-4", "gpt-3.5-turbo", "gpt-4o-mini"}
	}
	return &OpenAI{
		name:    cfg.Name,
		apiKey:  cfg.APIKey,
		apiBase: cfg.APIBase,
		models:  cfg.Models,
		client:  SharedHTTPClient(defaultHTTPTimeout),
		logger:  cfg.Logger,
	}
}

func (o *OpenAI) Name() string     { return o.name }
func (o *OpenAI) Models() []string { return o.models }

func (o *OpenAI) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", o.apiBase+"/models", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s not reachable: %w", o.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%s: invalid API key", o.name)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %d", o.name, resp.StatusCode)
	}
	return nil
}

type oaiRequest struct {
	Model       string       `json:"model"`
	Messages    []oaiMessage `json:"messages"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Temperature float64      `json:"temperature,omitempty"`
}

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiResponse struct {
	Choices []oaiChoice  `json:"choices"`
	Usage   domain.Usage `json:"usage"`
}

type oaiChoice struct {
	Message      oaiMessage `json:"message"`
	FinishReason string     `json:"finish_reason"`
}

func (o *OpenAI) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	payload := oaiRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Messages: []oaiMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.User},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, domain.E(domain.KindProvider, "provider.Chat", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", o.apiBase+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, domain.E(domain.KindProvider, "provider.Chat", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)

	start := time.Now()
	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, domain.E(domain.KindProvider, "provider.Chat", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, domain.Errorf(domain.KindProvider, "provider.Chat",
			"%s API %d: %s", o.name, resp.StatusCode, string(respBody))
	}

	var parsed oaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, domain.E(domain.KindProvider, "provider.Chat", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, domain.Errorf(domain.KindProvider, "provider.Chat", "%s: empty choices", o.name)
	}

	return &domain.ChatResponse{
		Content:   parsed.Choices[0].Message.Content,
		Usage:     parsed.Usage,
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}
