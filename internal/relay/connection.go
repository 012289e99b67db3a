package relay

import "errors"

// Connection is one live bidirectional channel to a single client, as seen
// by the registry. Liveness is owned by the transport behind it.
//
// The registry tracks handles by identity, so implementations must be
// comparable; in practice that means pointer types.
type Connection interface {
	// ID returns an opaque identifier used for logging and diagnostics.
	ID() string
	// Push delivers a text frame to the client. It may fail when the
	// underlying transport is gone or cannot accept more data.
	Push(text string) error
	// Alive reports whether the connection is still usable.
	Alive() bool
}

// FrameKind classifies an inbound frame.
type FrameKind int

// Frame kinds a Transport can report.
const (
	FrameText FrameKind = iota
	FrameBinary
	FramePing
	FramePong
	FrameClose
)

func (k FrameKind) String() string {
	switch k {
	case FrameText:
		return "text"
	case FrameBinary:
		return "binary"
	case FramePing:
		return "ping"
	case FramePong:
		return "pong"
	case FrameClose:
		return "close"
	default:
		return "unknown"
	}
}

// Frame is a single inbound frame. Text is only meaningful for FrameText.
type Frame struct {
	Kind FrameKind
	Text string
}

// Transport is a Connection that also yields the session's inbound frames.
type Transport interface {
	Connection
	// ReadFrame blocks until the next frame arrives. Errors wrapping
	// ErrFrameSkipped are non-fatal; any other error ends the session.
	ReadFrame() (Frame, error)
	// Close releases the underlying channel. It must be safe to call more
	// than once and concurrently with Push.
	Close() error
}

// ErrFrameSkipped marks a read error that only affects the current frame.
var ErrFrameSkipped = errors.New("relay: frame skipped")
