package rtcmedia

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/LingByte/LingHuddle/pkg/huddle"
	"github.com/LingByte/LingHuddle/pkg/media"
	"github.com/LingByte/LingHuddle/pkg/protocol"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingListener struct {
	mu       sync.Mutex
	payloads [][]byte
	closed   []error
}

func (l *recordingListener) NegotiationPayloadProduced(payload []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.payloads = append(l.payloads, payload)
}

func (l *recordingListener) StreamReady(huddle.RemoteStream) {}
func (l *recordingListener) Connected()                      {}

func (l *recordingListener) Closed(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = append(l.closed, err)
}

func (l *recordingListener) messages(t *testing.T) []protocol.NegotiationMessage {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]protocol.NegotiationMessage, 0, len(l.payloads))
	for _, p := range l.payloads {
		m, err := protocol.Decode(p)
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

type nopDevice struct{}

func (nopDevice) Open(context.Context, media.Format, func([]int16)) error { return nil }
func (nopDevice) Close() error                                            { return nil }

type nopEncoder struct{}

func (nopEncoder) Encode([]int16) ([]byte, error) { return []byte{0xf8}, nil }

func localStream(t *testing.T) *media.LocalStream {
	t.Helper()
	cm, err := media.NewCaptureManager(media.CaptureConfig{
		Device:     nopDevice{},
		NewEncoder: func(media.Format) (media.Encoder, error) { return nopEncoder{}, nil },
		Logger:     zap.NewNop(),
	})
	require.NoError(t, err)
	s, err := cm.Acquire(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = cm.Release() })
	return s
}

func newTestFactory(t *testing.T) *Factory {
	t.Helper()
	f, err := NewFactory(WebRTCOption{ICETimeout: 2 * time.Second}, zap.NewNop())
	require.NoError(t, err)
	return f
}

func TestFactoryCanOpen(t *testing.T) {
	f := newTestFactory(t)
	offer, err := protocol.Encode(protocol.NewOffer("v=0"))
	require.NoError(t, err)
	cand, err := protocol.Encode(protocol.NewCandidate(protocol.ICECandidateMessage{Candidate: "candidate:1"}))
	require.NoError(t, err)

	assert.True(t, f.CanOpen(offer))
	assert.False(t, f.CanOpen(cand))
	assert.False(t, f.CanOpen([]byte("garbage")))
}

func TestPeerOfferAnswer(t *testing.T) {
	f := newTestFactory(t)
	la, lb := &recordingListener{}, &recordingListener{}

	a, err := f.NewPeer("bob", true, localStream(t), la)
	require.NoError(t, err)
	defer a.Close()
	b, err := f.NewPeer("alice", false, localStream(t), lb)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Start())
	offers := la.messages(t)
	require.NotEmpty(t, offers)
	assert.Equal(t, protocol.NegotiationOffer, offers[0].Type)

	codec, rate, err := NegotiatedAudioCodec(&webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offers[0].SDP})
	require.NoError(t, err)
	assert.Equal(t, "opus", codec)
	assert.Equal(t, 48000, rate)

	la.mu.Lock()
	offerRaw := la.payloads[0]
	la.mu.Unlock()
	require.NoError(t, b.Signal(offerRaw))

	answers := lb.messages(t)
	require.NotEmpty(t, answers)
	assert.Equal(t, protocol.NegotiationAnswer, answers[0].Type)

	lb.mu.Lock()
	answerRaw := lb.payloads[0]
	lb.mu.Unlock()
	require.NoError(t, a.Signal(answerRaw))
}

func TestPeerQueuesCandidatesBeforeDescription(t *testing.T) {
	f := newTestFactory(t)
	l := &recordingListener{}
	p, err := f.NewPeer("carol", false, localStream(t), l)
	require.NoError(t, err)
	defer p.Close()

	raw, err := protocol.Encode(protocol.NewCandidate(protocol.ICECandidateMessage{
		Candidate: "candidate:1 1 udp 2130706431 192.0.2.1 50000 typ host",
	}))
	require.NoError(t, err)
	require.NoError(t, p.Signal(raw))

	pp := p.(*Peer)
	pp.remoteMu.Lock()
	assert.Len(t, pp.pendingRemote, 1)
	pp.remoteMu.Unlock()
	assert.Empty(t, l.messages(t))
}

func TestPeerSignalRejectsGarbage(t *testing.T) {
	f := newTestFactory(t)
	p, err := f.NewPeer("dave", false, nil, &recordingListener{})
	require.NoError(t, err)
	defer p.Close()

	assert.ErrorIs(t, p.Signal([]byte("{}")), protocol.ErrInvalidNegotiation)
}

func TestPeerCloseSuppressesListener(t *testing.T) {
	f := newTestFactory(t)
	l := &recordingListener{}
	p, err := f.NewPeer("erin", true, nil, l)
	require.NoError(t, err)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Empty(t, l.closed)
}

func TestNegotiatedAudioCodecErrors(t *testing.T) {
	_, _, err := NegotiatedAudioCodec(nil)
	assert.Error(t, err)

	_, _, err = NegotiatedAudioCodec(&webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"})
	assert.Error(t, err)
}

func TestWebRTCOption(t *testing.T) {
	opt := WebRTCOption{}
	assert.Greater(t, opt.GetICETimeout(), time.Duration(0))
	assert.Empty(t, opt.configuration().ICEServers)

	def := DefaultWebRTCOption()
	require.Len(t, def.configuration().ICEServers, 1)
	assert.Contains(t, def.String(), "ICEServers: 1")
}
