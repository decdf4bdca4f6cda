package domain

import "context"

// Provider is the interface all completion providers implement.
type Provider interface {
	Name() string
	Models() []string
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	Healthy(ctx context.Context) error
}

type ChatRequest struct {
	Model       string
	System      string
	User        string
	MaxTokens   int
	Temperature float64
}

type ChatResponse struct {
	Content   string
	Usage     Usage
	LatencyMs int64
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
