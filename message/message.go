// Package message defines the universal envelope that crosses every
// component of the runtime: codec, security and performance middleware,
// transport drivers, the connection supervisor, the adaptive selector and
// the RPC correlator all exchange Message values, never raw bytes.
package message

import (
	"time"
	"unicode/utf8"
)

// Kind discriminates the payload carried by a Message. Ping/Pong/Close are
// produced and consumed only by the connection supervisor and transport
// drivers; application code only ever sees Text and Binary.
type Kind int

const (
	Text Kind = iota
	Binary
	Ping
	Pong
	Close
)

func (k Kind) String() string {
	switch k {
	case Text:
		return "text"
	case Binary:
		return "binary"
	case Ping:
		return "ping"
	case Pong:
		return "pong"
	case Close:
		return "close"
	default:
		return "unknown"
	}
}

// Message is the envelope every component operates on. Payload is opaque
// to everything except the codec layer; components that need structure
// decode it themselves.
type Message struct {
	Kind      Kind
	Payload   []byte
	CreatedAt time.Time

	// CorrelationID ties a Message to an RPC request/response pair (§4.7).
	// Empty for messages that aren't part of an RPC exchange.
	CorrelationID string

	// CloseCode and CloseReason are populated only when Kind == Close.
	CloseCode   int
	CloseReason string
}

// NewText builds a Text message. It does not check that payload is valid
// UTF-8; ValidUTF8 performs that check.
func NewText(payload []byte) Message {
	return Message{Kind: Text, Payload: payload, CreatedAt: time.Now()}
}

// NewBinary builds a Binary message without a UTF-8 requirement.
func NewBinary(payload []byte) Message {
	return Message{Kind: Binary, Payload: payload, CreatedAt: time.Now()}
}

// NewClose builds a Close message carrying a numeric reason code and an
// optional human-readable reason string.
func NewClose(code int, reason string) Message {
	return Message{Kind: Close, CreatedAt: time.Now(), CloseCode: code, CloseReason: reason}
}

// ValidUTF8 reports whether a Text-kind message actually holds valid UTF-8.
// Drivers that receive raw bytes off the wire call this before tagging a
// frame Text vs Binary.
func ValidUTF8(payload []byte) bool {
	return utf8.Valid(payload)
}

// ConnState is exactly one of the five states in §3. Transitions are total
// and monotonic within a supervisor lifetime: once Failed{Recoverable:
// false} is entered, only teardown follows.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	Reconnecting
	Failed
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// ConnSnapshot is an immutable point-in-time view of connection state,
// carrying the extra fields Reconnecting and Failed need. Supervisors
// publish these; every other component only ever reads a snapshot, never
// the supervisor's live state (see §5 "Supervisor state: written only by
// the supervisor's own tasks; other components read snapshots").
type ConnSnapshot struct {
	State ConnState

	// Populated when State == Reconnecting.
	Attempt    int
	NextRetryAt time.Time

	// Populated when State == Failed.
	FailReason    string
	FailRecoverable bool

	ObservedAt time.Time
}

// Protocol tags the transport the envelope travels over.
type Protocol int

const (
	WebSocket Protocol = iota
	WebTransport
	SSE
)

func (p Protocol) String() string {
	switch p {
	case WebSocket:
		return "websocket"
	case WebTransport:
		return "webtransport"
	case SSE:
		return "sse"
	default:
		return "unknown"
	}
}

// Capabilities is the boolean triple (bidirectional, streaming,
// multiplexing) per protocol, per §3.
type Capabilities struct {
	Bidirectional bool
	Streaming     bool
	Multiplexing  bool
}

// CapabilitiesFor returns the fixed capability vector for a protocol.
// WebSocket=(T,T,F), WebTransport=(T,T,T), SSE=(F,T,F).
func CapabilitiesFor(p Protocol) Capabilities {
	switch p {
	case WebSocket:
		return Capabilities{Bidirectional: true, Streaming: true, Multiplexing: false}
	case WebTransport:
		return Capabilities{Bidirectional: true, Streaming: true, Multiplexing: true}
	case SSE:
		return Capabilities{Bidirectional: false, Streaming: true, Multiplexing: false}
	default:
		return Capabilities{}
	}
}
