package huddle

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/LingByte/LingHuddle/pkg/protocol"
	"github.com/LingByte/LingHuddle/pkg/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestPeerManager(t *testing.T, localID string, factory *fakeFactory, relay *memory.Relay, onDropped func(string)) *PeerManager {
	t.Helper()
	m := NewPeerManager(PeerManagerConfig{
		WorkItemID:         "wi",
		LocalID:            localID,
		Factory:            factory,
		Relay:              relay,
		SignalTimeout:      time.Second,
		NegotiationTimeout: 50 * time.Millisecond,
		OnDropped:          onDropped,
		Logger:             zap.NewNop(),
	})
	t.Cleanup(m.Shutdown)
	return m
}

func encode(t *testing.T, m protocol.NegotiationMessage) []byte {
	t.Helper()
	raw, err := protocol.Encode(m)
	require.NoError(t, err)
	return raw
}

func pump(m *PeerManager) {
	select {
	case <-m.Notify():
		m.ProcessEvents()
	default:
	}
}

func TestOpenInitiatorAppendsInOrder(t *testing.T) {
	relay := memory.NewRelay()
	m := newTestPeerManager(t, "alice", newFakeFactory("alice", nil), relay, nil)

	require.NoError(t, m.OpenInitiator("bob"))
	require.NoError(t, m.OpenInitiator("bob"))

	require.Eventually(t, func() bool { return len(relay.Pending("wi", "bob")) == 2 }, waitFor, tick)
	pending := relay.Pending("wi", "bob")
	first, err := protocol.Decode(pending[0].Payload)
	require.NoError(t, err)
	second, err := protocol.Decode(pending[1].Payload)
	require.NoError(t, err)
	assert.Equal(t, protocol.NegotiationOffer, first.Type)
	assert.Equal(t, protocol.NegotiationCandidate, second.Type)
	assert.Equal(t, "alice", pending[0].From)

	peers := m.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, PeerInfo{RemoteID: "bob", Initiator: true, State: PeerNegotiating}, peers[0])
}

func TestFeedSignalCreatesResponderFromOffer(t *testing.T) {
	relay := memory.NewRelay()
	factory := newFakeFactory("bob", nil)
	m := newTestPeerManager(t, "bob", factory, relay, nil)

	require.NoError(t, m.FeedSignal("alice", encode(t, protocol.NewOffer("sdp"))))
	require.NoError(t, m.FeedSignal("alice", encode(t, protocol.NewCandidate(protocol.ICECandidateMessage{Candidate: "c"}))))

	peers := factory.created("alice")
	require.Len(t, peers, 1)
	assert.False(t, peers[0].initiator)
	assert.Equal(t, []protocol.NegotiationType{protocol.NegotiationOffer, protocol.NegotiationCandidate}, peers[0].receivedTypes())

	require.Eventually(t, func() bool {
		m.ProcessEvents()
		p := m.Peers()
		return len(p) == 1 && p[0].State == PeerConnected
	}, waitFor, tick)
	assert.Contains(t, m.RemoteStreams(), "alice")
	require.Eventually(t, func() bool { return len(relay.Pending("wi", "alice")) == 1 }, waitFor, tick)
}

func TestFeedSignalDropsStalePayloads(t *testing.T) {
	factory := newFakeFactory("bob", nil)
	m := newTestPeerManager(t, "bob", factory, memory.NewRelay(), nil)

	cand := encode(t, protocol.NewCandidate(protocol.ICECandidateMessage{Candidate: "c"}))
	assert.ErrorIs(t, m.FeedSignal("alice", cand), ErrStalePayload)
	assert.ErrorIs(t, m.FeedSignal("alice", encode(t, protocol.NewAnswer("sdp"))), ErrStalePayload)
	// carol has the larger id and must never offer to bob.
	assert.ErrorIs(t, m.FeedSignal("carol", encode(t, protocol.NewOffer("sdp"))), ErrStalePayload)

	assert.Empty(t, m.Peers())
	assert.Empty(t, factory.created("alice"))
	assert.Empty(t, factory.created("carol"))
}

func TestFeedSignalDropsOfferForInitiator(t *testing.T) {
	factory := newFakeFactory("alice", nil)
	m := newTestPeerManager(t, "alice", factory, memory.NewRelay(), nil)

	require.NoError(t, m.OpenInitiator("bob"))
	assert.ErrorIs(t, m.FeedSignal("bob", encode(t, protocol.NewOffer("sdp"))), ErrStalePayload)
	assert.Len(t, factory.created("bob"), 1)
}

func TestFeedSignalReplacesResponderOnNewOffer(t *testing.T) {
	factory := newFakeFactory("bob", nil)
	m := newTestPeerManager(t, "bob", factory, memory.NewRelay(), nil)

	require.NoError(t, m.FeedSignal("alice", encode(t, protocol.NewOffer("one"))))
	require.NoError(t, m.FeedSignal("alice", encode(t, protocol.NewOffer("two"))))

	peers := factory.created("alice")
	require.Len(t, peers, 2)
	assert.True(t, peers[0].closed.Load())
	assert.False(t, peers[1].closed.Load())
	assert.Len(t, m.Peers(), 1)
}

func TestNegotiationTimeoutClosesPeer(t *testing.T) {
	factory := newFakeFactory("alice", nil)
	factory.silent = true

	var (
		mu      sync.Mutex
		dropped []string
	)
	m := newTestPeerManager(t, "alice", factory, memory.NewRelay(), func(id string) {
		mu.Lock()
		dropped = append(dropped, id)
		mu.Unlock()
	})

	require.NoError(t, m.OpenInitiator("bob"))
	require.Eventually(t, func() bool {
		pump(m)
		return len(m.Peers()) == 0
	}, waitFor, tick)

	mu.Lock()
	assert.Equal(t, []string{"bob"}, dropped)
	mu.Unlock()
	assert.True(t, factory.created("bob")[0].closed.Load())
}

func TestCloseIgnoresLateEvents(t *testing.T) {
	factory := newFakeFactory("alice", nil)
	factory.silent = true
	m := newTestPeerManager(t, "alice", factory, memory.NewRelay(), func(string) {
		t.Error("explicit close must not report a drop")
	})

	require.NoError(t, m.OpenInitiator("bob"))
	p := factory.created("bob")[0]
	m.Close("bob")
	m.Close("bob")

	p.l.Connected()
	p.l.Closed(errors.New("late"))
	m.ProcessEvents()
	assert.Empty(t, m.Peers())
}

func TestRelayFailureIsNotRetried(t *testing.T) {
	relay := memory.NewRelay()
	relay.FailAppends(errors.New("relay down"))
	factory := newFakeFactory("alice", nil)
	factory.silent = true
	m := newTestPeerManager(t, "alice", factory, relay, nil)

	require.NoError(t, m.OpenInitiator("bob"))
	time.Sleep(20 * time.Millisecond)
	relay.FailAppends(nil)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, relay.Pending("wi", "bob"))

	require.Eventually(t, func() bool {
		pump(m)
		return len(m.Peers()) == 0
	}, waitFor, tick)
}

func TestCloseAllAndFactoryErrors(t *testing.T) {
	factory := newFakeFactory("alice", nil)
	m := newTestPeerManager(t, "alice", factory, memory.NewRelay(), nil)

	require.NoError(t, m.OpenInitiator("bob"))
	require.NoError(t, m.OpenInitiator("carol"))
	assert.Len(t, m.Peers(), 2)
	m.CloseAll()
	assert.Empty(t, m.Peers())

	factory.newErr = errors.New("no peer")
	assert.Error(t, m.OpenInitiator("dave"))
	assert.Empty(t, m.Peers())
}

func TestPeerStateText(t *testing.T) {
	for state, want := range map[PeerState]string{
		PeerNegotiating: "negotiating",
		PeerConnected:   "connected",
		PeerClosed:      "closed",
		PeerState(9):    "unknown",
	} {
		text, err := state.MarshalText()
		require.NoError(t, err)
		assert.Equal(t, want, string(text))
	}
	assert.True(t, IsInitiator("alice", "bob"))
	assert.False(t, IsInitiator("bob", "alice"))
}
