package reply

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"

	"wagate/internal/domain"
)

func testReplyLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// --- fakes ---

type fakeSettings struct {
	settings *domain.ReplySettings
	err      error
}

func (f *fakeSettings) GetSettings(ctx context.Context, category string, out any) error {
	if f.err != nil {
		return f.err
	}
	if f.settings != nil {
		*out.(*domain.ReplySettings) = *f.settings
	}
	return nil
}

func (f *fakeSettings) SetSettings(ctx context.Context, category string, value any) error {
	return nil
}

func (f *fakeSettings) ListSettingsCategories(ctx context.Context) ([]string, error) {
	return nil, nil
}

type fakeProvider struct {
	reply string
	err   error
	last  domain.ChatRequest
}

func (p *fakeProvider) Name() string                             { return "fake" }
func (p *fakeProvider) Models() []string                         { return []string{"fake-model"} }
func (p *fakeProvider) Healthy(ctx context.Context) error        { return nil }
func (p *fakeProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	p.last = req
	if p.err != nil {
		return nil, p.err
	}
	return &domain.ChatResponse{Content: p.reply}, nil
}

type fakeResolver struct {
	provider domain.Provider
	err      error
}

func (r *fakeResolver) Resolve(model string) (domain.Provider, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.provider, nil
}

type fakeRetriever struct {
	frags []domain.Fragment
	err   error
}

func (r *fakeRetriever) Retrieve(ctx context.Context, query string, limit int) ([]domain.Fragment, error) {
	return r.frags, r.err
}

type memReplyLog struct {
	mu      sync.Mutex
	entries []domain.ReplyLogEntry
}

func (l *memReplyLog) LogReply(ctx context.Context, entry domain.ReplyLogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	return nil
}

func (l *memReplyLog) ListReplies(ctx context.Context, counterparty string, limit int) ([]domain.ReplyLogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.ReplyLogEntry(nil), l.entries...), nil
}

func newTestEngine(resolver ProviderResolver, retriever ContextRetriever, settings *domain.ReplySettings) (*Engine, *memReplyLog) {
	log := &memReplyLog{}
	e := NewEngine(EngineConfig{
		Settings:  &fakeSettings{settings: settings},
		Retriever: retriever,
		Providers: resolver,
		ReplyLog:  log,
		Logger:    testReplyLogger(),
	})
	return e, log
}

// --- tests ---

func TestGenerate_Success(t *testing.T) {
	p := &fakeProvider{reply: "generated text"}
	e, log := newTestEngine(&fakeResolver{provider: p}, &fakeRetriever{}, nil)

	got := e.Generate(context.Background(), "السعر كم؟", "9715550001")
	if got != "generated text" {
		t.Errorf("expected generated text, got %q", got)
	}
	if len(log.entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(log.entries))
	}
	if log.entries[0].Fallback {
		t.Error("successful generation must not be logged as fallback")
	}
}

func TestGenerate_ProviderErrorReturnsFallback(t *testing.T) {
	p := &fakeProvider{err: errors.New("provider down")}
	settings := &domain.ReplySettings{Model: "gpt-4", FallbackMessage: "custom fallback"}
	e, log := newTestEngine(&fakeResolver{provider: p}, &fakeRetriever{}, settings)

	got := e.Generate(context.Background(), "hello there", "123")
	if got != "custom fallback" {
		t.Errorf("expected fallback, got %q", got)
	}
	if len(log.entries) != 1 || !log.entries[0].Fallback {
		t.Error("fallback attempt must be logged as fallback")
	}
}

func TestGenerate_AlwaysFailingProviderNeverPanics(t *testing.T) {
	p := &fakeProvider{err: domain.Errorf(domain.KindProvider, "chat", "always fails")}
	e, _ := newTestEngine(&fakeResolver{provider: p}, &fakeRetriever{}, nil)

	fallback := domain.DefaultReplySettings().FallbackMessage
	for i := 0; i < 10; i++ {
		if got := e.Generate(context.Background(), "message body here", "42"); got != fallback {
			t.Fatalf("iteration %d: expected fallback, got %q", i, got)
		}
	}
}

func TestGenerate_UnsupportedModelDegradesToFallback(t *testing.T) {
	resolver := &fakeResolver{err: domain.Errorf(domain.KindConfiguration, "resolve", "model nope not supported")}
	e, _ := newTestEngine(resolver, &fakeRetriever{}, nil)

	got := e.Generate(context.Background(), "anything else", "42")
	if got != domain.DefaultReplySettings().FallbackMessage {
		t.Errorf("expected fallback for unsupported model, got %q", got)
	}
}

func TestGenerate_RetrievalErrorStillReplies(t *testing.T) {
	p := &fakeProvider{reply: "no context reply"}
	e, _ := newTestEngine(&fakeResolver{provider: p},
		&fakeRetriever{err: errors.New("store offline")}, nil)

	if got := e.Generate(context.Background(), "question about prices", "1"); got != "no context reply" {
		t.Errorf("expected reply despite retrieval failure, got %q", got)
	}
}

func TestGenerate_PromptIncludesFragments(t *testing.T) {
	p := &fakeProvider{reply: "ok"}
	frags := []domain.Fragment{
		{Content: "ساعات العمل من 9 إلى 5"},
		{Content: "التوصيل خلال يومين"},
	}
	e, _ := newTestEngine(&fakeResolver{provider: p}, &fakeRetriever{frags: frags}, nil)

	e.Generate(context.Background(), "متى تفتحون؟", "1")

	sys := p.last.System
	if !strings.Contains(sys, "المعلومات ذات الصلة") {
		t.Error("prompt missing relevant-information header")
	}
	for _, f := range frags {
		if !strings.Contains(sys, "- "+f.Content) {
			t.Errorf("prompt missing bulleted fragment %q", f.Content)
		}
	}
}

func TestComposePrompt_NoFragments(t *testing.T) {
	base := "base instruction"
	if got := composePrompt(base, nil); got != base {
		t.Errorf("expected base prompt unchanged, got %q", got)
	}
}

func TestSettings_HotReload(t *testing.T) {
	fs := &fakeSettings{settings: &domain.ReplySettings{AutoReply: false, Model: "gpt-4"}}
	e := NewEngine(EngineConfig{
		Settings:  fs,
		Retriever: &fakeRetriever{},
		Providers: &fakeResolver{provider: &fakeProvider{reply: "x"}},
		ReplyLog:  &memReplyLog{},
		Logger:    testReplyLogger(),
	})

	if e.Settings(context.Background()).AutoReply {
		t.Fatal("expected autoReply disabled")
	}

	fs.settings.AutoReply = true
	if !e.Settings(context.Background()).AutoReply {
		t.Error("settings update must be visible on next read without restart")
	}
}
