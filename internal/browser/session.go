// Package browser manages the headless Chrome session behind the
// browser-session transport.
package browser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
)

// EventType classifies session events.
type EventType string

const (
	EventQR      EventType = "qr"      // pairing code rendered, screenshot attached
	EventReady   EventType = "ready"   // chat UI loaded, session trusted
	EventMessage EventType = "message" // unread inbound message observed
	EventFailure EventType = "failure" // session terminated abnormally
)

// Event is one observation from the session's watch loop.
type Event struct {
	Type EventType
	QR   []byte // EventQR: PNG screenshot of the pairing code
	From string // EventMessage
	Body string // EventMessage
	Err  error  // EventFailure
}

// SelectorSet holds the DOM selectors the session drives. Overridable from
// config since the web client's markup changes between releases.
type SelectorSet struct {
	URL       string
	QRCanvas  string
	ChatList  string
	SearchBox string
	Composer  string
}

// WhatsAppWebSelectors returns the default selector set for web.whatsapp.com.
func WhatsAppWebSelectors() SelectorSet {
	return SelectorSet{
		URL:       "https://web.whatsapp.com",
		QRCanvas:  `canvas[aria-label="Scan this QR code to link a device!"]`,
		ChatList:  `div[aria-label="Chat list"]`,
		SearchBox: `div[contenteditable="true"][data-tab="3"]`,
		Composer:  `div[contenteditable="true"][data-tab="10"]`,
	}
}

// unreadScript collects unread chats and their last message text. Marks are
// cleared by opening the chat, so each message surfaces once.
const unreadScript = `
(() => {
  const out = [];
  document.querySelectorAll('span[aria-label*="unread message"]').forEach(badge => {
    const row = badge.closest('div[role="listitem"]');
    if (!row) return;
    const title = row.querySelector('span[title]');
    const preview = row.querySelector('span[dir="ltr"], span[dir="rtl"]');
    if (title) out.push({from: title.getAttribute('title'), body: preview ? preview.textContent : ''});
    row.click();
  });
  return JSON.stringify(out);
})()`

// Session is one authenticated WhatsApp Web session in headless Chrome.
type Session struct {
	selectors    SelectorSet
	profileDir   string
	headless     bool
	pollInterval time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	events  chan Event
	cancel  context.CancelFunc
	taskCtx context.Context
	ready   bool
}

type SessionConfig struct {
	ProfileDir   string
	Headless     bool
	PollInterval time.Duration
	Selectors    *SelectorSet // nil for defaults
	Logger       *slog.Logger
}

func NewSession(cfg SessionConfig) *Session {
	if cfg.ProfileDir == "" {
		home, _ := os.UserHomeDir()
		cfg.ProfileDir = filepath.Join(home, ".wagate", "chrome-profile")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	sel := WhatsAppWebSelectors()
	if cfg.Selectors != nil {
		sel = *cfg.Selectors
	}
	return &Session{
		selectors:    sel,
		profileDir:   cfg.ProfileDir,
		headless:     cfg.Headless,
		pollInterval: cfg.PollInterval,
		logger:       cfg.Logger,
	}
}

// startupTimeout bounds the initial navigation to the web client.
const startupTimeout = 60 * time.Second

// Start launches Chrome, navigates to the web client and begins the watch
// loop. Events are delivered on the returned channel until Close. The
// session's lifetime is owned by Close, not by ctx: the caller's context is
// typically an HTTP request that ends long before pairing completes.
func (s *Session) Start(ctx context.Context) (<-chan Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events != nil {
		return s.events, nil
	}

	if err := os.MkdirAll(s.profileDir, 0o755); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(s.profileDir),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("exclude-switches", "enable-automation"),
		chromedp.UserAgent("Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"),
	)
	if s.headless {
		opts = append(opts, chromedp.Headless)
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), opts...)
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)

	navCtx, navCancel := context.WithTimeout(taskCtx, startupTimeout)
	defer navCancel()
	if err := chromedp.Run(navCtx,
		chromedp.Navigate(s.selectors.URL),
		chromedp.WaitReady("body"),
	); err != nil {
		taskCancel()
		allocCancel()
		return nil, fmt.Errorf("open web client: %w", err)
	}

	s.taskCtx = taskCtx
	s.cancel = func() {
		taskCancel()
		allocCancel()
	}
	s.events = make(chan Event, 32)

	go s.watch(taskCtx)

	s.logger.Info("browser session started", "profile", s.profileDir, "headless", s.headless)
	return s.events, nil
}

// watch drives the pairing/ready/inbound lifecycle until the context ends.
func (s *Session) watch(ctx context.Context) {
	defer close(s.events)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	var lastQR []byte
	for {
		select {
		case <-ctx.Done():
			if !s.isReady() {
				s.emit(Event{Type: EventFailure, Err: ctx.Err()})
			}
			return
		case <-ticker.C:
		}

		if !s.isReady() {
			var chatListVisible bool
			err := chromedp.Run(ctx, chromedp.Evaluate(
				fmt.Sprintf(`document.querySelector(%q) !== null`, s.selectors.ChatList),
				&chatListVisible))
			if err != nil {
				s.emit(Event{Type: EventFailure, Err: fmt.Errorf("session probe: %w", err)})
				return
			}

			if chatListVisible {
				s.setReady(true)
				s.emit(Event{Type: EventReady})
				s.logger.Info("browser session ready")
				continue
			}

			// Still pairing: capture the QR when it appears or refreshes.
			var qr []byte
			err = chromedp.Run(ctx,
				chromedp.Screenshot(s.selectors.QRCanvas, &qr, chromedp.ByQuery))
			if err == nil && len(qr) > 0 && !bytes.Equal(qr, lastQR) {
				lastQR = qr
				s.emit(Event{Type: EventQR, QR: qr})
				s.logger.Info("pairing code captured", "bytes", len(qr))
			}
			continue
		}

		var raw string
		if err := chromedp.Run(ctx, chromedp.Evaluate(unreadScript, &raw)); err != nil {
			s.emit(Event{Type: EventFailure, Err: fmt.Errorf("inbound poll: %w", err)})
			return
		}
		var msgs []struct {
			From string `json:"from"`
			Body string `json:"body"`
		}
		if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
			s.logger.Warn("unread scan returned malformed data", "err", err)
			continue
		}
		for _, m := range msgs {
			s.emit(Event{Type: EventMessage, From: m.From, Body: m.Body})
		}
	}
}

// SendMessage opens the chat with the given contact and types the message.
func (s *Session) SendMessage(ctx context.Context, to, body string) error {
	s.mu.Lock()
	taskCtx := s.taskCtx
	ready := s.ready
	s.mu.Unlock()

	if taskCtx == nil || !ready {
		return fmt.Errorf("browser session not ready")
	}

	ctx, cancel := context.WithTimeout(taskCtx, 60*time.Second)
	defer cancel()

	err := chromedp.Run(ctx,
		chromedp.Click(s.selectors.SearchBox, chromedp.ByQuery),
		chromedp.SendKeys(s.selectors.SearchBox, to, chromedp.ByQuery),
		chromedp.Sleep(1*time.Second),
		chromedp.SendKeys(s.selectors.SearchBox, "\r", chromedp.ByQuery),
		chromedp.WaitVisible(s.selectors.Composer, chromedp.ByQuery),
		chromedp.Click(s.selectors.Composer, chromedp.ByQuery),
		chromedp.SendKeys(s.selectors.Composer, body+"\r", chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("send via web client: %w", err)
	}
	return nil
}

// Close tears down the Chrome process. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
		s.taskCtx = nil
		s.ready = false
		s.logger.Info("browser session closed")
	}
	return nil
}

func (s *Session) isReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *Session) setReady(v bool) {
	s.mu.Lock()
	s.ready = v
	s.mu.Unlock()
}

func (s *Session) emit(e Event) {
	select {
	case s.events <- e:
	default:
		s.logger.Warn("session event dropped", "type", e.Type)
	}
}
