package domain

import (
	"context"
	"time"
)

// SettingsCategoryAI is the settings category holding ReplySettings.
const SettingsCategoryAI = "ai"

// ReplySettings controls the auto-reply pipeline. Read from the store on
// every decision so updates take effect without a gateway restart.
type ReplySettings struct {
	AutoReply       bool   `json:"autoReply"`
	Model           string `json:"model"`
	Prompt          string `json:"prompt"`
	FallbackMessage string `json:"fallbackMessage"`
}

// DefaultReplySettings are the compiled-in defaults used when the store has
// no "ai" settings yet. Base prompt and fallback follow the platform's
// Arabic-language defaults.
func DefaultReplySettings() ReplySettings {
	return ReplySettings{
		AutoReply:       false,
		Model:           "gpt-3.5-turbo",
		Prompt:          "أنت مساعد ذكي باللغة العربية. أجب بطريقة مفيدة ومهذبة.",
		FallbackMessage: "عذراً، حدث خطأ في معالجة رسالتك. يرجى المحاولة لاحقاً.",
	}
}

// SettingsStore persists arbitrary settings documents by category.
type SettingsStore interface {
	GetSettings(ctx context.Context, category string, out any) error
	SetSettings(ctx context.Context, category string, value any) error
	ListSettingsCategories(ctx context.Context) ([]string, error)
}

// ReplyLogEntry records one auto-reply attempt, successful or fallback.
type ReplyLogEntry struct {
	ID           string    `json:"id"`
	Counterparty string    `json:"counterparty"`
	Message      string    `json:"message"`
	Response     string    `json:"response"`
	Model        string    `json:"model"`
	Fallback     bool      `json:"fallback"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ReplyLog appends reply attempts for observability.
type ReplyLog interface {
	LogReply(ctx context.Context, entry ReplyLogEntry) error
	ListReplies(ctx context.Context, counterparty string, limit int) ([]ReplyLogEntry, error)
}
