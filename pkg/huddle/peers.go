package huddle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/LingByte/LingHuddle/pkg/constants"
	"github.com/LingByte/LingHuddle/pkg/logger"
	"github.com/LingByte/LingHuddle/pkg/media"
	"github.com/LingByte/LingHuddle/pkg/metrics"
	"github.com/LingByte/LingHuddle/pkg/store"
	"go.uber.org/zap"
)

// ErrStalePayload marks an inbound payload that cannot open a connection and
// has no connection to go to, such as a trailing candidate of a closed peer.
var ErrStalePayload = errors.New("huddle: stale payload")

// PeerInfo is the observable state of one connection.
type PeerInfo struct {
	RemoteID  string    `json:"remoteId"`
	Initiator bool      `json:"initiator"`
	State     PeerState `json:"state"`
}

// PeerManagerConfig configures the connection table of one call.
type PeerManagerConfig struct {
	WorkItemID         string
	LocalID            string
	Local              *media.LocalStream
	Factory            PeerFactory
	Relay              store.SignalRelay
	SignalTimeout      time.Duration
	NegotiationTimeout time.Duration
	// OnDropped runs on the event loop when a connection ends on its own
	// (failure, timeout, remote hang-up), not when it is closed on request.
	OnDropped func(remoteID string)
	Logger    *zap.Logger
}

type eventKind int

const (
	evStream eventKind = iota
	evConnected
	evClosed
	evTimeout
)

type peerEvent struct {
	kind   eventKind
	entry  *peerEntry
	stream RemoteStream
	err    error
}

type peerEntry struct {
	info   PeerInfo
	peer   Peer
	stream RemoteStream
	timer  *time.Timer

	mu     sync.Mutex
	outbox [][]byte
	wake   chan struct{}
	quit   chan struct{}
}

func (e *peerEntry) enqueue(payload []byte) {
	e.mu.Lock()
	select {
	case <-e.quit:
		e.mu.Unlock()
		return
	default:
	}
	e.outbox = append(e.outbox, payload)
	e.mu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *peerEntry) drain() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.outbox
	e.outbox = nil
	return out
}

// PeerManager owns the connection table of one call. Every method except the
// read-only snapshots must be called from the call's event loop.
type PeerManager struct {
	cfg PeerManagerConfig
	log *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.RWMutex
	peers map[string]*peerEntry

	evMu    sync.Mutex
	events  []peerEvent
	notify  chan struct{}
	senders sync.WaitGroup
}

// NewPeerManager returns an empty table with default timeouts filled in.
func NewPeerManager(cfg PeerManagerConfig) *PeerManager {
	if cfg.SignalTimeout <= 0 {
		cfg.SignalTimeout = constants.DefaultSignalTimeout
	}
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = constants.DefaultNegotiationTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &PeerManager{
		cfg:    cfg,
		log:    logger.OrNamed(cfg.Logger, "peers"),
		ctx:    ctx,
		cancel: cancel,
		peers:  make(map[string]*peerEntry),
		notify: make(chan struct{}, 1),
	}
}

// OpenInitiator creates the connection to remoteID and starts negotiation.
// An existing connection is left alone.
func (m *PeerManager) OpenInitiator(remoteID string) error {
	m.mu.RLock()
	_, exists := m.peers[remoteID]
	m.mu.RUnlock()
	if exists {
		return nil
	}
	e, err := m.create(remoteID, true)
	if err != nil {
		return err
	}
	if err := e.peer.Start(); err != nil {
		m.remove(e, "start_failed")
		return fmt.Errorf("start peer %s: %w", remoteID, err)
	}
	return nil
}

// FeedSignal hands one inbound payload to the connection for remoteID,
// creating a responder when the payload opens one.
func (m *PeerManager) FeedSignal(remoteID string, payload []byte) error {
	m.mu.RLock()
	e := m.peers[remoteID]
	m.mu.RUnlock()

	opens := m.cfg.Factory.CanOpen(payload)
	switch {
	case e == nil && !opens:
		metrics.SignalFailuresTotal.WithLabelValues("stale").Inc()
		return ErrStalePayload
	case e == nil && IsInitiator(m.cfg.LocalID, remoteID):
		// The lower id never answers.
		metrics.SignalFailuresTotal.WithLabelValues("stale").Inc()
		return ErrStalePayload
	case e != nil && opens && e.info.Initiator:
		metrics.SignalFailuresTotal.WithLabelValues("stale").Inc()
		return ErrStalePayload
	case e != nil && opens:
		// The remote restarted: its new offer replaces the old responder.
		m.log.Info("remote reopened connection", zap.String("remote", remoteID))
		m.remove(e, "replaced")
		e = nil
	}

	if e == nil {
		var err error
		if e, err = m.create(remoteID, false); err != nil {
			return err
		}
	}
	metrics.SignalsReceivedTotal.Inc()
	if err := e.peer.Signal(payload); err != nil {
		m.drop(e, "negotiation")
		return fmt.Errorf("signal peer %s: %w", remoteID, err)
	}
	return nil
}

// Close destroys the connection to remoteID in any state.
func (m *PeerManager) Close(remoteID string) {
	m.mu.RLock()
	e := m.peers[remoteID]
	m.mu.RUnlock()
	if e != nil {
		m.remove(e, "roster")
	}
}

// CloseAll destroys every connection in the table.
func (m *PeerManager) CloseAll() {
	m.mu.RLock()
	all := make([]*peerEntry, 0, len(m.peers))
	for _, e := range m.peers {
		all = append(all, e)
	}
	m.mu.RUnlock()
	for _, e := range all {
		m.remove(e, "teardown")
	}
}

// Shutdown closes every connection and waits for the senders to stop.
func (m *PeerManager) Shutdown() {
	m.CloseAll()
	m.cancel()
	m.senders.Wait()
}

// Notify fires when ProcessEvents has work.
func (m *PeerManager) Notify() <-chan struct{} { return m.notify }

// ProcessEvents applies queued connection events and reports whether any
// observable state changed.
func (m *PeerManager) ProcessEvents() bool {
	m.evMu.Lock()
	events := m.events
	m.events = nil
	m.evMu.Unlock()

	changed := false
	for _, ev := range events {
		m.mu.Lock()
		current := m.peers[ev.entry.info.RemoteID] == ev.entry
		m.mu.Unlock()
		if !current {
			continue
		}
		switch ev.kind {
		case evStream:
			m.mu.Lock()
			ev.entry.stream = ev.stream
			m.mu.Unlock()
			changed = true
		case evConnected:
			if ev.entry.info.State != PeerNegotiating {
				continue
			}
			ev.entry.timer.Stop()
			m.mu.Lock()
			ev.entry.info.State = PeerConnected
			m.mu.Unlock()
			metrics.ConnectedPeers.Inc()
			m.log.Info("peer connected", zap.String("remote", ev.entry.info.RemoteID))
			changed = true
		case evClosed:
			reason := "remote"
			if ev.err != nil {
				reason = "failed"
				m.log.Warn("peer failed", zap.String("remote", ev.entry.info.RemoteID), zap.Error(ev.err))
			}
			m.drop(ev.entry, reason)
			changed = true
		case evTimeout:
			if ev.entry.info.State != PeerNegotiating {
				continue
			}
			m.log.Warn("negotiation timed out",
				zap.String("remote", ev.entry.info.RemoteID),
				zap.Duration("timeout", m.cfg.NegotiationTimeout))
			m.drop(ev.entry, "timeout")
			changed = true
		}
	}
	return changed
}

// Peers returns a sorted snapshot of the table.
func (m *PeerManager) Peers() []PeerInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PeerInfo, 0, len(m.peers))
	for _, e := range m.peers {
		out = append(out, e.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemoteID < out[j].RemoteID })
	return out
}

// RemoteIDs lists the remote ids that currently have a connection.
func (m *PeerManager) RemoteIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.peers))
	for id := range m.peers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// RemoteStreams maps each remote id to its inbound stream, once ready.
func (m *PeerManager) RemoteStreams() map[string]RemoteStream {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]RemoteStream, len(m.peers))
	for id, e := range m.peers {
		if e.stream != nil {
			out[id] = e.stream
		}
	}
	return out
}

func (m *PeerManager) create(remoteID string, initiator bool) (*peerEntry, error) {
	e := &peerEntry{
		info: PeerInfo{RemoteID: remoteID, Initiator: initiator, State: PeerNegotiating},
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
	}
	peer, err := m.cfg.Factory.NewPeer(remoteID, initiator, m.cfg.Local, &entryListener{m: m, e: e})
	if err != nil {
		return nil, fmt.Errorf("create peer %s: %w", remoteID, err)
	}
	e.peer = peer
	e.timer = time.AfterFunc(m.cfg.NegotiationTimeout, func() {
		m.push(peerEvent{kind: evTimeout, entry: e})
	})

	m.mu.Lock()
	m.peers[remoteID] = e
	m.mu.Unlock()

	m.senders.Add(1)
	go m.runSender(e)

	metrics.PeersOpenedTotal.WithLabelValues(metrics.Role(initiator)).Inc()
	metrics.ActivePeers.Inc()
	m.log.Info("peer opened", zap.String("remote", remoteID), zap.Bool("initiator", initiator))
	return e, nil
}

// drop removes e and reports it as ended on its own.
func (m *PeerManager) drop(e *peerEntry, reason string) {
	if m.remove(e, reason) && m.cfg.OnDropped != nil {
		m.cfg.OnDropped(e.info.RemoteID)
	}
}

func (m *PeerManager) remove(e *peerEntry, reason string) bool {
	m.mu.Lock()
	if m.peers[e.info.RemoteID] != e {
		m.mu.Unlock()
		return false
	}
	delete(m.peers, e.info.RemoteID)
	wasConnected := e.info.State == PeerConnected
	e.info.State = PeerClosed
	e.stream = nil
	m.mu.Unlock()

	e.timer.Stop()
	e.mu.Lock()
	close(e.quit)
	e.outbox = nil
	e.mu.Unlock()
	if err := e.peer.Close(); err != nil {
		m.log.Debug("close peer", zap.String("remote", e.info.RemoteID), zap.Error(err))
	}

	metrics.PeersClosedTotal.WithLabelValues(reason).Inc()
	metrics.ActivePeers.Dec()
	if wasConnected {
		metrics.ConnectedPeers.Dec()
	}
	m.log.Info("peer closed", zap.String("remote", e.info.RemoteID), zap.String("reason", reason))
	return true
}

func (m *PeerManager) runSender(e *peerEntry) {
	defer m.senders.Done()
	for {
		select {
		case <-e.quit:
			return
		case <-m.ctx.Done():
			return
		case <-e.wake:
		}
		for _, payload := range e.drain() {
			select {
			case <-e.quit:
				return
			default:
			}
			m.send(e.info.RemoteID, payload)
		}
	}
}

func (m *PeerManager) send(remoteID string, payload []byte) {
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.SignalTimeout)
	defer cancel()
	if _, err := m.cfg.Relay.Append(ctx, m.cfg.WorkItemID, remoteID, m.cfg.LocalID, payload); err != nil {
		metrics.SignalFailuresTotal.WithLabelValues("append").Inc()
		m.log.Warn("relay append failed", zap.String("remote", remoteID), zap.Error(err))
		return
	}
	metrics.SignalsSentTotal.Inc()
}

func (m *PeerManager) push(ev peerEvent) {
	m.evMu.Lock()
	m.events = append(m.events, ev)
	m.evMu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

type entryListener struct {
	m *PeerManager
	e *peerEntry
}

func (l *entryListener) NegotiationPayloadProduced(payload []byte) { l.e.enqueue(payload) }

func (l *entryListener) StreamReady(stream RemoteStream) {
	l.m.push(peerEvent{kind: evStream, entry: l.e, stream: stream})
}

func (l *entryListener) Connected() { l.m.push(peerEvent{kind: evConnected, entry: l.e}) }

func (l *entryListener) Closed(err error) {
	l.m.push(peerEvent{kind: evClosed, entry: l.e, err: err})
}
