// Package gateway owns the messaging connection lifecycle and the inbound
// auto-reply pipeline. One gateway instance exists per process; it always
// starts disconnected.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"wagate/internal/domain"
	"wagate/internal/metrics"

	"github.com/google/uuid"
)

// ErrTransitionInProgress is returned when a connect/disconnect/switch is
// attempted while another transition is still running. Callers retry; the
// gateway never queues transitions.
var ErrTransitionInProgress = errors.New("connection transition already in progress")

// TransportFactory builds a fresh transport for a kind. A new instance is
// created on every connect so no session state leaks across attempts.
type TransportFactory func(kind domain.TransportKind) (domain.Transport, error)

// Replier produces auto-reply text and exposes the current reply settings.
type Replier interface {
	Settings(ctx context.Context) domain.ReplySettings
	Generate(ctx context.Context, message, counterparty string) string
}

// Gateway is the orchestrator over the active transport.
type Gateway struct {
	factory  TransportFactory
	messages domain.MessageStore
	replier  Replier
	logger   *slog.Logger

	// transitionMu serializes connect/disconnect/switch. TryLock gives the
	// deterministic rejection documented on ErrTransitionInProgress.
	transitionMu sync.Mutex

	// stateMu guards the connection snapshot read by Send and Status.
	stateMu   sync.RWMutex
	state     domain.ConnectionState
	kind      domain.TransportKind
	transport domain.Transport
	artifact  []byte
	lastErr   string
	pumpDone  chan struct{}

	replies sync.WaitGroup
}

type Config struct {
	Factory  TransportFactory
	Messages domain.MessageStore
	Replier  Replier
	Logger   *slog.Logger
}

func New(cfg Config) *Gateway {
	return &Gateway{
		factory:  cfg.Factory,
		messages: cfg.Messages,
		replier:  cfg.Replier,
		logger:   cfg.Logger,
		state:    domain.StateDisconnected,
	}
}

// Connect brings up the transport for kind. Connecting to the kind that is
// already connected is a no-op; a different kind is torn down fully first.
func (g *Gateway) Connect(ctx context.Context, kind domain.TransportKind) error {
	if !domain.ValidTransportKind(kind) {
		return domain.Errorf(domain.KindConfiguration, "gateway.Connect",
			"unsupported transport kind: %s", kind)
	}

	if !g.transitionMu.TryLock() {
		return domain.E(domain.KindTransport, "gateway.Connect", ErrTransitionInProgress)
	}
	defer g.transitionMu.Unlock()

	g.stateMu.RLock()
	sameKind := g.state == domain.StateConnected && g.kind == kind
	g.stateMu.RUnlock()
	if sameKind {
		return nil
	}

	g.teardown()

	transport, err := g.factory(kind)
	if err != nil {
		return err
	}

	g.setState(func() {
		g.state = domain.StateConnecting
		g.kind = kind
		g.transport = transport
		g.lastErr = ""
	})

	if err := transport.Connect(ctx); err != nil {
		g.setState(func() {
			g.state = domain.StateDisconnected
			g.kind = ""
			g.transport = nil
			g.lastErr = err.Error()
		})
		metrics.ConnectFailures.Inc()
		return err
	}

	if events := transport.Events(); events != nil {
		// Event-driven transport: stay in Connecting until the session
		// reports pairing/ready progress. Connects counts on EventReady.
		done := make(chan struct{})
		g.setState(func() { g.pumpDone = done })
		go g.pump(transport, events, done)
		g.logger.Info("transport connecting", "kind", kind)
	} else {
		g.setState(func() { g.state = domain.StateConnected })
		g.logger.Info("transport connected", "kind", kind)
		metrics.Connects.Inc()
	}
	return nil
}

// Switch is Connect with implicit teardown; switching to the current kind
// while connected performs no adapter calls at all.
func (g *Gateway) Switch(ctx context.Context, kind domain.TransportKind) error {
	return g.Connect(ctx, kind)
}

// Disconnect tears the active transport down and discards any pending
// pairing artifact. Always legal, idempotent.
func (g *Gateway) Disconnect(ctx context.Context) error {
	if !g.transitionMu.TryLock() {
		return domain.E(domain.KindTransport, "gateway.Disconnect", ErrTransitionInProgress)
	}
	defer g.transitionMu.Unlock()

	g.teardown()
	return nil
}

// teardown releases the current transport and resets the snapshot. Caller
// holds transitionMu.
func (g *Gateway) teardown() {
	g.stateMu.Lock()
	transport := g.transport
	done := g.pumpDone
	g.transport = nil
	g.kind = ""
	g.state = domain.StateDisconnected
	g.artifact = nil
	g.pumpDone = nil
	g.stateMu.Unlock()

	if transport != nil {
		if err := transport.Disconnect(); err != nil {
			g.logger.Warn("transport teardown error", "err", err)
		}
	}
	if done != nil {
		<-done
	}
}

// pump consumes an event-driven transport's lifecycle events. It stops when
// the transport closes its event channel on disconnect.
func (g *Gateway) pump(transport domain.Transport, events <-chan domain.TransportEvent, done chan struct{}) {
	defer close(done)

	for e := range events {
		switch e.Type {
		case domain.EventPairing:
			g.ifActive(transport, func() {
				g.state = domain.StateAwaitingPairing
				g.artifact = e.Artifact
			})
			g.logger.Info("pairing artifact received")
		case domain.EventReady:
			g.ifActive(transport, func() {
				g.state = domain.StateConnected
				g.artifact = nil
			})
			g.logger.Info("session ready")
			metrics.Connects.Inc()
		case domain.EventMessage:
			if e.Message != nil {
				if err := g.HandleIncoming(context.Background(), *e.Message); err != nil {
					g.logger.Error("inbound handling failed", "err", err)
				}
			}
		case domain.EventFailure:
			errMsg := "session failed"
			if e.Err != nil {
				errMsg = e.Err.Error()
			}
			g.ifActive(transport, func() {
				g.state = domain.StateDisconnected
				g.artifact = nil
				g.lastErr = errMsg
			})
			// Release the failed session's resources; Disconnect is
			// idempotent so a later teardown is harmless.
			if err := transport.Disconnect(); err != nil {
				g.logger.Warn("failed transport teardown error", "err", err)
			}
			g.logger.Error("transport session failed", "err", errMsg)
			metrics.ConnectFailures.Inc()
		}
	}
}

// ifActive applies fn to the snapshot only while transport is still the
// active one, so a stale session's events cannot corrupt a newer connection.
func (g *Gateway) ifActive(transport domain.Transport, fn func()) {
	g.stateMu.Lock()
	defer g.stateMu.Unlock()
	if g.transport == transport {
		fn()
	}
}

func (g *Gateway) setState(fn func()) {
	g.stateMu.Lock()
	fn()
	g.stateMu.Unlock()
}

// Status returns a consistent snapshot of the connection. Pure read, never
// blocks on transitions.
func (g *Gateway) Status() domain.ConnectionStatus {
	g.stateMu.RLock()
	defer g.stateMu.RUnlock()

	var artifact []byte
	if g.artifact != nil {
		artifact = append([]byte(nil), g.artifact...)
	}
	return domain.ConnectionStatus{
		Kind:            g.kind,
		State:           g.state,
		Connected:       g.state == domain.StateConnected,
		PairingArtifact: artifact,
		LastError:       g.lastErr,
	}
}

// Send delivers one outgoing message through the active transport and
// persists it. At-most-once: a transport failure is returned to the caller
// without retry.
func (g *Gateway) Send(ctx context.Context, to, body, mediaURL string) (*domain.Message, error) {
	g.stateMu.RLock()
	transport := g.transport
	state := g.state
	g.stateMu.RUnlock()

	if state != domain.StateConnected || transport == nil {
		return nil, domain.Errorf(domain.KindTransport, "gateway.Send", "not connected")
	}

	if _, err := transport.Send(ctx, to, body, mediaURL); err != nil {
		metrics.SendFailures.Inc()
		return nil, err
	}

	msg := domain.Message{
		ID:           uuid.NewString(),
		Direction:    domain.DirectionOutgoing,
		Counterparty: to,
		Body:         body,
		MediaURL:     mediaURL,
		Kind:         messageKind(mediaURL),
		CreatedAt:    time.Now(),
	}
	if err := g.messages.SaveMessage(ctx, msg); err != nil {
		// The message left the transport; this is not a send failure.
		g.logger.Error("sent_not_recorded: outgoing message not persisted",
			"to", to, "err", err)
		return &msg, err
	}

	metrics.MessagesSent.Inc()
	return &msg, nil
}

// HandleIncoming persists an inbound message and, when auto-reply is
// enabled, dispatches reply generation asynchronously. The caller's thread
// is held only for the persistence write.
func (g *Gateway) HandleIncoming(ctx context.Context, msg domain.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.Direction = domain.DirectionIncoming
	if msg.Kind == "" {
		msg.Kind = messageKind(msg.MediaURL)
	}

	if err := g.messages.SaveMessage(ctx, msg); err != nil {
		if errors.Is(err, domain.ErrDuplicateMessage) {
			// Webhook re-delivery of a message already handled; ack it so
			// the provider stops retrying.
			g.logger.Debug("duplicate inbound message ignored", "id", msg.ID)
			return nil
		}
		return err
	}
	metrics.MessagesReceived.Inc()

	if g.replier == nil || !g.replier.Settings(ctx).AutoReply {
		return nil
	}

	g.replies.Add(1)
	go func() {
		defer g.replies.Done()
		g.autoReply(context.WithoutCancel(ctx), msg)
	}()
	return nil
}

func (g *Gateway) autoReply(ctx context.Context, msg domain.Message) {
	text := g.replier.Generate(ctx, msg.Body, msg.Counterparty)
	if text == "" {
		return
	}
	if _, err := g.Send(ctx, msg.Counterparty, text, ""); err != nil {
		g.logger.Error("auto-reply send failed", "to", msg.Counterparty, "err", err)
	}
}

// WaitReplies blocks until all dispatched auto-reply tasks have finished.
// Used at shutdown and by tests to observe completion deterministically.
func (g *Gateway) WaitReplies() { g.replies.Wait() }

func messageKind(mediaURL string) domain.MessageKind {
	if mediaURL != "" {
		return domain.MessageMedia
	}
	return domain.MessageText
}
