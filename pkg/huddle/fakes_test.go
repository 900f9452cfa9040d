package huddle

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LingByte/LingHuddle/pkg/media"
	"github.com/LingByte/LingHuddle/pkg/models"
	"github.com/LingByte/LingHuddle/pkg/protocol"
	"github.com/LingByte/LingHuddle/pkg/store"
	"github.com/LingByte/LingHuddle/pkg/store/memory"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeDevice struct {
	openErr error
}

func (d *fakeDevice) Open(context.Context, media.Format, func([]int16)) error { return d.openErr }
func (d *fakeDevice) Close() error                                              { return nil }

// blockingDevice holds Open until the caller's context ends.
type blockingDevice struct {
	opened chan struct{}
	once   sync.Once
}

func newBlockingDevice() *blockingDevice { return &blockingDevice{opened: make(chan struct{})} }

func (d *blockingDevice) Open(ctx context.Context, _ media.Format, _ func([]int16)) error {
	d.once.Do(func() { close(d.opened) })
	<-ctx.Done()
	return ctx.Err()
}

func (d *blockingDevice) Close() error { return nil }

type fakeEncoder struct{}

func (fakeEncoder) Encode([]int16) ([]byte, error) { return []byte{0xf8}, nil }

func newCapture(t *testing.T, dev media.Device) *media.CaptureManager {
	t.Helper()
	cm, err := media.NewCaptureManager(media.CaptureConfig{
		Device:     dev,
		NewEncoder: func(media.Format) (media.Encoder, error) { return fakeEncoder{}, nil },
		Logger:     zap.NewNop(),
	})
	require.NoError(t, err)
	return cm
}

type fakeStream struct{ id string }

func (s fakeStream) StreamID() string { return s.id }

// registry records every connection created across all fake factories.
type registry struct {
	mu         sync.Mutex
	initiators map[[2]string]int
	responders map[[2]string]int
}

func newRegistry() *registry {
	return &registry{initiators: make(map[[2]string]int), responders: make(map[[2]string]int)}
}

func (r *registry) record(local, remote string, initiator bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if initiator {
		r.initiators[[2]string{local, remote}]++
	} else {
		r.responders[[2]string{local, remote}]++
	}
}

func (r *registry) counts(local, remote string) (initiated, responded int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.initiators[[2]string{local, remote}], r.responders[[2]string{local, remote}]
}

// fakeFactory builds scripted peers: the initiator emits an offer and a
// candidate, the responder answers, and both connect once the exchange ends.
// Silent peers never connect.
type fakeFactory struct {
	localID string
	reg     *registry
	silent  bool
	newErr  error

	mu    sync.Mutex
	peers map[string][]*fakePeer
}

func newFakeFactory(localID string, reg *registry) *fakeFactory {
	return &fakeFactory{localID: localID, reg: reg, peers: make(map[string][]*fakePeer)}
}

func (f *fakeFactory) NewPeer(remoteID string, initiator bool, _ *media.LocalStream, l PeerListener) (Peer, error) {
	if f.newErr != nil {
		return nil, f.newErr
	}
	if f.reg != nil {
		f.reg.record(f.localID, remoteID, initiator)
	}
	p := &fakePeer{localID: f.localID, remoteID: remoteID, initiator: initiator, l: l, silent: f.silent}
	f.mu.Lock()
	f.peers[remoteID] = append(f.peers[remoteID], p)
	f.mu.Unlock()
	return p, nil
}

func (f *fakeFactory) CanOpen(payload []byte) bool { return protocol.CanOpen(payload) }

func (f *fakeFactory) created(remoteID string) []*fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakePeer(nil), f.peers[remoteID]...)
}

type fakePeer struct {
	localID   string
	remoteID  string
	initiator bool
	silent    bool
	l         PeerListener

	mu       sync.Mutex
	received []protocol.NegotiationType
	closed   atomic.Bool
}

func (p *fakePeer) emit(m protocol.NegotiationMessage) {
	raw, err := protocol.Encode(m)
	if err != nil {
		panic(err)
	}
	p.l.NegotiationPayloadProduced(raw)
}

func (p *fakePeer) connect() {
	if p.silent {
		return
	}
	p.l.StreamReady(fakeStream{id: p.remoteID + "-audio"})
	p.l.Connected()
}

func (p *fakePeer) Start() error {
	p.emit(protocol.NewOffer("offer from " + p.localID))
	p.emit(protocol.NewCandidate(protocol.ICECandidateMessage{Candidate: "candidate:" + p.localID}))
	return nil
}

func (p *fakePeer) Signal(payload []byte) error {
	m, err := protocol.Decode(payload)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.received = append(p.received, m.Type)
	p.mu.Unlock()

	switch m.Type {
	case protocol.NegotiationOffer:
		p.emit(protocol.NewAnswer("answer from " + p.localID))
		p.connect()
	case protocol.NegotiationAnswer:
		p.connect()
	}
	return nil
}

func (p *fakePeer) Close() error {
	p.closed.Store(true)
	return nil
}

func (p *fakePeer) receivedTypes() []protocol.NegotiationType {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.NegotiationType(nil), p.received...)
}

// countingRelay counts appends on top of the in-memory relay.
type countingRelay struct {
	*memory.Relay
	appends atomic.Int64
	dup     bool
}

func (r *countingRelay) Append(ctx context.Context, workItemID, to, from string, payload []byte) (string, error) {
	id, err := r.Relay.Append(ctx, workItemID, to, from, payload)
	if err == nil {
		r.appends.Add(1)
	}
	return id, err
}

// Subscribe redelivers every message twice when dup is set.
func (r *countingRelay) Subscribe(ctx context.Context, workItemID, to string) (<-chan *models.SignalMessage, error) {
	in, err := r.Relay.Subscribe(ctx, workItemID, to)
	if err != nil || !r.dup {
		return in, err
	}
	out := make(chan *models.SignalMessage)
	go func() {
		defer close(out)
		for msg := range in {
			for i := 0; i < 2; i++ {
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

var _ store.SignalRelay = (*countingRelay)(nil)

type env struct {
	sessions *memory.Sessions
	relay    *countingRelay
	reg      *registry
}

func newEnv() *env {
	return &env{sessions: memory.NewSessions(), relay: &countingRelay{Relay: memory.NewRelay()}, reg: newRegistry()}
}

type participant struct {
	id      string
	ctl     *Controller
	capture *media.CaptureManager
	factory *fakeFactory
}

func (e *env) participant(t *testing.T, id string) *participant {
	t.Helper()
	return e.participantWith(t, id, &fakeDevice{})
}

func (e *env) participantWith(t *testing.T, id string, dev media.Device) *participant {
	t.Helper()
	capture := newCapture(t, dev)
	factory := newFakeFactory(id, e.reg)
	ctl, err := NewController(Options{
		Identity:           models.Identity{ID: id, Name: "User " + id},
		Sessions:           e.sessions,
		Relay:              e.relay,
		Capture:            capture,
		Peers:              factory,
		SignalTimeout:      time.Second,
		NegotiationTimeout: 5 * time.Second,
		Logger:             zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = ctl.Close(ctx)
	})
	return &participant{id: id, ctl: ctl, capture: capture, factory: factory}
}

func connectedTo(p *participant, remotes ...string) func() bool {
	return func() bool {
		peers := p.ctl.State().Peers
		if len(peers) != len(remotes) {
			return false
		}
		for i, info := range peers {
			if info.RemoteID != remotes[i] || info.State != PeerConnected {
				return false
			}
		}
		return true
	}
}

func noPeers(p *participant) func() bool {
	return func() bool { return len(p.ctl.State().Peers) == 0 }
}
