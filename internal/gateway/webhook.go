package gateway

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"wagate/internal/config"
	"wagate/internal/domain"
)

// Webhook receives inbound Cloud API messages. The Cloud API transport has
// no push channel of its own; the platform delivers messages here and the
// webhook forwards them to Gateway.HandleIncoming.
type Webhook struct {
	cfg     config.CloudAPIConfig
	gateway *Gateway
	logger  *slog.Logger
	mux     *http.ServeMux
}

func NewWebhook(cfg config.CloudAPIConfig, gw *Gateway, logger *slog.Logger) *Webhook {
	w := &Webhook{cfg: cfg, gateway: gw, logger: logger}

	path := cfg.WebhookPath
	if path == "" {
		path = "/webhook/whatsapp"
	}
	w.mux = http.NewServeMux()
	w.mux.HandleFunc("GET "+path, w.handleVerification)
	w.mux.HandleFunc("POST "+path, w.handleIncoming)
	return w
}

// Handler returns the HTTP handler to mount on the public mux.
func (w *Webhook) Handler() http.Handler { return w.mux }

// handleVerification answers the webhook subscription challenge.
func (w *Webhook) handleVerification(rw http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")

	if mode == "subscribe" && token == w.cfg.VerifyToken {
		w.logger.Info("webhook verified")
		rw.WriteHeader(http.StatusOK)
		fmt.Fprint(rw, html.EscapeString(challenge))
		return
	}

	w.logger.Warn("webhook verification failed", "mode", mode)
	http.Error(rw, "Forbidden", http.StatusForbidden)
}

// handleIncoming verifies the signature, normalizes each message and hands
// it to the gateway.
func (w *Webhook) handleIncoming(rw http.ResponseWriter, r *http.Request) {
	if w.cfg.AppSecret != "" {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(rw, "Bad request", http.StatusBadRequest)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		sig := r.Header.Get("X-Hub-Signature-256")
		if !verifySignature(body, w.cfg.AppSecret, sig) {
			w.logger.Warn("webhook invalid signature")
			http.Error(rw, "Forbidden", http.StatusForbidden)
			return
		}
	}

	var payload waPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		w.logger.Warn("webhook bad payload", "err", err)
		http.Error(rw, "Bad request", http.StatusBadRequest)
		return
	}

	for _, msg := range payload.messages() {
		normalized := normalizeInbound(msg)
		if err := w.gateway.HandleIncoming(r.Context(), normalized); err != nil {
			w.logger.Error("inbound persist failed", "from", normalized.Counterparty, "err", err)
			http.Error(rw, "Internal error", http.StatusInternalServerError)
			return
		}
		w.logger.Info("webhook message received",
			"from", normalized.Counterparty, "kind", normalized.Kind)
	}

	rw.WriteHeader(http.StatusOK)
}

// verifySignature checks the X-Hub-Signature-256 header.
func verifySignature(body []byte, secret, signature string) bool {
	if len(signature) < 7 || signature[:7] != "sha256=" {
		return false
	}
	expected := signature[7:]

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	computed := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(computed))
}

// normalizeInbound maps a Cloud API message onto the gateway's shape.
func normalizeInbound(msg waMessage) domain.Message {
	m := domain.Message{
		ID:           msg.ID,
		Direction:    domain.DirectionIncoming,
		Counterparty: msg.From,
		Kind:         domain.MessageOther,
		CreatedAt:    msg.time(),
	}
	switch {
	case msg.Type == "text" && msg.Text != nil:
		m.Kind = domain.MessageText
		m.Body = msg.Text.Body
	case msg.Type == "image" && msg.Image != nil:
		m.Kind = domain.MessageMedia
		m.Body = msg.Image.Caption
		m.MediaURL = msg.Image.Link
	}
	return m
}

// --- Cloud API webhook payload types ---

type waPayload struct {
	Object string    `json:"object"`
	Entry  []waEntry `json:"entry"`
}

func (p waPayload) messages() []waMessage {
	var out []waMessage
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			out = append(out, change.Value.Messages...)
		}
	}
	return out
}

type waEntry struct {
	ID      string     `json:"id"`
	Changes []waChange `json:"changes"`
}

type waChange struct {
	Value waValue `json:"value"`
	Field string  `json:"field"`
}

type waValue struct {
	MessagingProduct string      `json:"messaging_product"`
	Messages         []waMessage `json:"messages"`
}

type waMessage struct {
	From      string   `json:"from"`
	ID        string   `json:"id"`
	Type      string   `json:"type"`
	Timestamp string   `json:"timestamp"`
	Text      *waText  `json:"text,omitempty"`
	Image     *waImage `json:"image,omitempty"`
}

func (m waMessage) time() time.Time {
	secs, err := strconv.ParseInt(m.Timestamp, 10, 64)
	if err != nil || secs == 0 {
		return time.Now()
	}
	return time.Unix(secs, 0)
}

type waText struct {
	Body string `json:"body"`
}

type waImage struct {
	Link    string `json:"link"`
	Caption string `json:"caption"`
}
