package huddle

import (
	"fmt"

	"github.com/LingByte/LingHuddle/pkg/media"
)

// PeerState is the lifecycle of one peer connection. CLOSED is terminal.
type PeerState int

const (
	PeerNegotiating PeerState = iota
	PeerConnected
	PeerClosed
)

func (s PeerState) String() string {
	switch s {
	case PeerNegotiating:
		return "negotiating"
	case PeerConnected:
		return "connected"
	case PeerClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON.
func (s PeerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *PeerState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "negotiating":
		*s = PeerNegotiating
	case "connected":
		*s = PeerConnected
	case "closed":
		*s = PeerClosed
	default:
		return fmt.Errorf("unknown peer state %q", text)
	}
	return nil
}

// RemoteStream is inbound media from one remote participant.
type RemoteStream interface {
	StreamID() string
}

// PeerListener receives events from one Peer. Callbacks may arrive on any
// goroutine; implementations must not block for long.
type PeerListener interface {
	// NegotiationPayloadProduced hands over an opaque payload for the remote
	// side. Payloads must be relayed in the order produced.
	NegotiationPayloadProduced(payload []byte)
	StreamReady(stream RemoteStream)
	Connected()
	// Closed reports a terminal failure or remote hang-up. err is nil for a
	// clean close.
	Closed(err error)
}

// Peer is one negotiated media connection to a remote participant.
type Peer interface {
	// Start produces the opening payload. Only initiators are started.
	Start() error
	// Signal applies a payload produced by the remote side.
	Signal(payload []byte) error
	Close() error
}

// PeerFactory builds peers bound to the shared local stream.
type PeerFactory interface {
	NewPeer(remoteID string, initiator bool, local *media.LocalStream, l PeerListener) (Peer, error)
	// CanOpen reports whether payload may create a responder for an unknown
	// remote. Anything else addressed to an unknown remote is stale.
	CanOpen(payload []byte) bool
}

// IsInitiator applies the glare rule: of any two participants, the one with
// the lexicographically smaller id opens the connection.
func IsInitiator(localID, remoteID string) bool {
	return localID < remoteID
}
