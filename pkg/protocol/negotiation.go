package protocol

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// NegotiationType tags a negotiation payload.
type NegotiationType string

const (
	NegotiationOffer     NegotiationType = "offer"
	NegotiationAnswer    NegotiationType = "answer"
	NegotiationCandidate NegotiationType = "candidate"
)

var ErrInvalidNegotiation = errors.New("invalid negotiation payload")

// ICECandidateMessage represents an ICE candidate message
type ICECandidateMessage struct {
	Candidate        string  `json:"candidate"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// NegotiationMessage is the body carried by the signal relay. The relay and the
// call controller treat the encoded bytes as opaque; only the peer layer decodes.
type NegotiationMessage struct {
	Type      NegotiationType      `json:"type"`
	SDP       string               `json:"sdp,omitempty"`
	Candidate *ICECandidateMessage `json:"candidate,omitempty"`
}

func NewOffer(sdp string) NegotiationMessage {
	return NegotiationMessage{Type: NegotiationOffer, SDP: sdp}
}

func NewAnswer(sdp string) NegotiationMessage {
	return NegotiationMessage{Type: NegotiationAnswer, SDP: sdp}
}

func NewCandidate(c ICECandidateMessage) NegotiationMessage {
	return NegotiationMessage{Type: NegotiationCandidate, Candidate: &c}
}

// Opens reports whether the message can start a new answering connection.
func (m NegotiationMessage) Opens() bool {
	return m.Type == NegotiationOffer
}

func (m NegotiationMessage) Validate() error {
	switch m.Type {
	case NegotiationOffer, NegotiationAnswer:
		if m.SDP == "" {
			return fmt.Errorf("%w: %s without sdp", ErrInvalidNegotiation, m.Type)
		}
	case NegotiationCandidate:
		if m.Candidate == nil {
			return fmt.Errorf("%w: candidate without body", ErrInvalidNegotiation)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidNegotiation, m.Type)
	}
	return nil
}

// Encode validates and serializes m.
func Encode(m NegotiationMessage) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return sonic.Marshal(m)
}

// Decode parses and validates a payload.
func Decode(payload []byte) (NegotiationMessage, error) {
	var m NegotiationMessage
	if len(payload) == 0 {
		return m, fmt.Errorf("%w: empty", ErrInvalidNegotiation)
	}
	if err := sonic.Unmarshal(payload, &m); err != nil {
		return m, fmt.Errorf("%w: %v", ErrInvalidNegotiation, err)
	}
	return m, m.Validate()
}

// CanOpen reports whether payload decodes to a connection-opening message.
func CanOpen(payload []byte) bool {
	m, err := Decode(payload)
	return err == nil && m.Opens()
}
