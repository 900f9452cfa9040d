package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	idx := uint16(0)
	mid := "0"
	tests := []struct {
		name  string
		msg   NegotiationMessage
		opens bool
	}{
		{"offer", NewOffer("v=0\r\n"), true},
		{"answer", NewAnswer("v=0\r\n"), false},
		{"candidate", NewCandidate(ICECandidateMessage{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host", SDPMLineIndex: &idx, SDPMid: &mid}), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := Encode(tt.msg)
			require.NoError(t, err)

			got, err := Decode(raw)
			require.NoError(t, err)
			assert.Equal(t, tt.msg, got)
			assert.Equal(t, tt.opens, got.Opens())
			assert.Equal(t, tt.opens, CanOpen(raw))
		})
	}
}

func TestDecodeBrowserShapes(t *testing.T) {
	got, err := Decode([]byte(`{"type":"offer","sdp":"v=0"}`))
	require.NoError(t, err)
	assert.True(t, got.Opens())

	got, err = Decode([]byte(`{"type":"candidate","candidate":{"candidate":"c","sdpMid":"0","sdpMLineIndex":0}}`))
	require.NoError(t, err)
	require.NotNil(t, got.Candidate.SDPMLineIndex)
	assert.Equal(t, uint16(0), *got.Candidate.SDPMLineIndex)
}

func TestDecodeRejects(t *testing.T) {
	for name, raw := range map[string]string{
		"empty":              "",
		"garbage":            "not json",
		"unknown type":       `{"type":"bye"}`,
		"offer without sdp":  `{"type":"offer"}`,
		"candidate w/o body": `{"type":"candidate"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			assert.ErrorIs(t, err, ErrInvalidNegotiation)
			assert.False(t, CanOpen([]byte(raw)))
		})
	}
}

func TestEncodeRejectsInvalid(t *testing.T) {
	_, err := Encode(NegotiationMessage{Type: NegotiationAnswer})
	assert.ErrorIs(t, err, ErrInvalidNegotiation)
}
