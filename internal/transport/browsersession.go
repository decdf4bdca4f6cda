package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"wagate/internal/browser"
	"wagate/internal/config"
	"wagate/internal/domain"

	"github.com/google/uuid"
)

// BrowserSession implements domain.Transport over an automated WhatsApp Web
// session. Its lifecycle is event-driven: Connect returns once the watch
// loop is running, and the pairing/ready/inbound progression is reported on
// Events.
type BrowserSession struct {
	cfg    config.BrowserSessionConfig
	logger *slog.Logger

	mu      sync.Mutex
	session *browser.Session
	events  chan domain.TransportEvent
	ready   bool
}

type BrowserSessionOptions struct {
	Config config.BrowserSessionConfig
	Logger *slog.Logger
}

func NewBrowserSession(opts BrowserSessionOptions) *BrowserSession {
	return &BrowserSession{
		cfg:    opts.Config,
		logger: opts.Logger,
	}
}

func (b *BrowserSession) Kind() domain.TransportKind { return domain.TransportBrowserSession }

func (b *BrowserSession) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready
}

func (b *BrowserSession) Events() <-chan domain.TransportEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.events
}

// Connect launches the browser session and starts translating its events.
// The session is not usable for sends until EventReady has been observed.
func (b *BrowserSession) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session != nil {
		return nil
	}

	session := browser.NewSession(browser.SessionConfig{
		ProfileDir:   b.cfg.ProfileDir,
		Headless:     b.cfg.Headless,
		PollInterval: time.Duration(b.cfg.PollInterval) * time.Second,
		Logger:       b.logger,
	})

	src, err := session.Start(ctx)
	if err != nil {
		return domain.E(domain.KindTransport, "browsersession.Connect", err)
	}

	b.session = session
	b.events = make(chan domain.TransportEvent, 32)

	go b.translate(src)
	return nil
}

// translate maps browser session events onto the transport event surface.
func (b *BrowserSession) translate(src <-chan browser.Event) {
	defer func() {
		b.mu.Lock()
		events := b.events
		b.events = nil
		b.mu.Unlock()
		if events != nil {
			close(events)
		}
	}()

	for e := range src {
		switch e.Type {
		case browser.EventQR:
			b.forward(domain.TransportEvent{Type: domain.EventPairing, Artifact: e.QR})
		case browser.EventReady:
			b.mu.Lock()
			b.ready = true
			b.mu.Unlock()
			b.forward(domain.TransportEvent{Type: domain.EventReady})
		case browser.EventMessage:
			b.forward(domain.TransportEvent{Type: domain.EventMessage, Message: &domain.Message{
				ID:           uuid.NewString(),
				Direction:    domain.DirectionIncoming,
				Counterparty: e.From,
				Body:         e.Body,
				Kind:         domain.MessageText,
				CreatedAt:    time.Now(),
			}})
		case browser.EventFailure:
			b.mu.Lock()
			b.ready = false
			b.mu.Unlock()
			b.forward(domain.TransportEvent{Type: domain.EventFailure,
				Err: domain.E(domain.KindTransport, "browsersession", e.Err)})
		}
	}
}

func (b *BrowserSession) forward(e domain.TransportEvent) {
	b.mu.Lock()
	events := b.events
	b.mu.Unlock()
	if events == nil {
		return
	}
	select {
	case events <- e:
	default:
		b.logger.Warn("transport event dropped", "type", e.Type)
	}
}

// Send requires the ready event to have fired. Media is not supported by
// the automated web client; the media URL is appended to the body so the
// recipient still gets the link.
func (b *BrowserSession) Send(ctx context.Context, to, body, mediaURL string) (string, error) {
	b.mu.Lock()
	session := b.session
	ready := b.ready
	b.mu.Unlock()

	if session == nil || !ready {
		return "", domain.Errorf(domain.KindTransport, "browsersession.Send", "session not ready")
	}

	text := body
	if mediaURL != "" {
		text = body + "\n" + mediaURL
	}
	if err := session.SendMessage(ctx, to, text); err != nil {
		return "", domain.E(domain.KindTransport, "browsersession.Send", err)
	}
	return uuid.NewString(), nil
}

// Disconnect releases the underlying Chrome process deterministically.
// Idempotent.
func (b *BrowserSession) Disconnect() error {
	b.mu.Lock()
	session := b.session
	b.session = nil
	b.ready = false
	b.mu.Unlock()

	if session != nil {
		return session.Close()
	}
	return nil
}
