package domain

import "context"

// TransportKind identifies a concrete messaging transport. The set is closed:
// the gateway's switching logic handles every kind exhaustively.
type TransportKind string

const (
	TransportCloudAPI       TransportKind = "cloudapi"
	TransportBrowserSession TransportKind = "browsersession"
)

// ValidTransportKind reports whether k names a known transport.
func ValidTransportKind(k TransportKind) bool {
	return k == TransportCloudAPI || k == TransportBrowserSession
}

// ConnectionState names a phase of the gateway connection lifecycle.
type ConnectionState string

const (
	StateDisconnected    ConnectionState = "disconnected"
	StateConnecting      ConnectionState = "connecting"
	StateAwaitingPairing ConnectionState = "awaiting_pairing"
	StateConnected       ConnectionState = "connected"
)

// ConnectionStatus is the snapshot returned by Gateway.Status.
type ConnectionStatus struct {
	Kind            TransportKind   `json:"kind"`
	State           ConnectionState `json:"state"`
	Connected       bool            `json:"connected"`
	PairingArtifact []byte          `json:"pairingArtifact,omitempty"` // PNG, provider-defined
	LastError       string          `json:"lastError,omitempty"`
}

// TransportEventType classifies events emitted by event-driven transports.
type TransportEventType string

const (
	EventPairing TransportEventType = "pairing" // pairing artifact available
	EventReady   TransportEventType = "ready"   // session trusted, sends allowed
	EventMessage TransportEventType = "message" // inbound message
	EventFailure TransportEventType = "failure" // fatal session failure
)

// TransportEvent is a single event from a transport's session.
type TransportEvent struct {
	Type     TransportEventType
	Artifact []byte   // EventPairing: renderable pairing image
	Message  *Message // EventMessage: normalized inbound message
	Err      error    // EventFailure
}

// Transport is the uniform capability surface over messaging transports.
//
// Connect establishes the transport. CloudAPI validates credentials
// synchronously; BrowserSession returns once its event loop is running and
// reports progress via Events. Send delivers one message and returns the
// transport's delivery receipt id. Disconnect releases all session resources
// and is idempotent.
type Transport interface {
	Kind() TransportKind
	Connect(ctx context.Context) error
	Disconnect() error
	Send(ctx context.Context, to, body, mediaURL string) (receipt string, err error)
	Connected() bool
	// Events returns the transport's event stream. Transports without an
	// event-driven lifecycle (CloudAPI) return nil.
	Events() <-chan TransportEvent
}
