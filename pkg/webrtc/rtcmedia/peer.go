package rtcmedia

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LingByte/LingHuddle/pkg/huddle"
	"github.com/LingByte/LingHuddle/pkg/logger"
	"github.com/LingByte/LingHuddle/pkg/media"
	"github.com/LingByte/LingHuddle/pkg/protocol"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

var errConnectionFailed = errors.New("peer connection failed")

// Factory builds pion-backed huddle peers sharing one API instance.
type Factory struct {
	api *webrtc.API
	opt WebRTCOption
	log *zap.Logger
}

var _ huddle.PeerFactory = (*Factory)(nil)

func NewFactory(opt WebRTCOption, log *zap.Logger) (*Factory, error) {
	log = logger.OrNamed(log, "rtc")
	m, err := NewMediaEngine()
	if err != nil {
		return nil, err
	}
	se := webrtc.SettingEngine{LoggerFactory: logger.NewPionFactory(log.Named("pion"))}
	failed := opt.GetICETimeout()
	se.SetICETimeouts(failed/2, failed, 2*time.Second)

	return &Factory{
		api: webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se)),
		opt: opt,
		log: log,
	}, nil
}

// CanOpen accepts only offers.
func (f *Factory) CanOpen(payload []byte) bool {
	return protocol.CanOpen(payload)
}

func (f *Factory) NewPeer(remoteID string, initiator bool, local *media.LocalStream, l huddle.PeerListener) (huddle.Peer, error) {
	pc, err := f.api.NewPeerConnection(f.opt.configuration())
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	if local != nil {
		if _, err := pc.AddTrack(local.Track()); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add local track: %w", err)
		}
	} else if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("add audio transceiver: %w", err)
	}

	p := &Peer{
		remoteID:  remoteID,
		initiator: initiator,
		pc:        pc,
		listener:  l,
		log:       f.log.With(zap.String("remote", remoteID), zap.Bool("initiator", initiator)),
	}
	p.registerEventHandlers()
	return p, nil
}

// Peer is one pion PeerConnection speaking the JSON negotiation payloads.
//
// Local candidates gathered before our description went out are held back so
// the remote side always sees the description first. Remote candidates that
// arrive before the remote description are queued and applied after it.
type Peer struct {
	remoteID  string
	initiator bool
	pc        *webrtc.PeerConnection
	listener  huddle.PeerListener
	log       *zap.Logger

	emitMu       sync.Mutex
	described    bool
	pendingLocal []webrtc.ICECandidateInit

	remoteMu      sync.Mutex
	pendingRemote []webrtc.ICECandidateInit

	connectedOnce sync.Once
	closedOnce    sync.Once
	closing       atomic.Bool
}

func (p *Peer) registerEventHandlers() {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || p.closing.Load() {
			return
		}
		init := c.ToJSON()
		p.emitMu.Lock()
		defer p.emitMu.Unlock()
		if !p.described {
			p.pendingLocal = append(p.pendingLocal, init)
			return
		}
		p.emitCandidate(init)
	})

	p.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.log.Debug("connection state changed", zap.String("state", state.String()))
		switch state {
		case webrtc.PeerConnectionStateConnected:
			p.connectedOnce.Do(func() {
				if codec, rate, err := NegotiatedAudioCodec(p.pc.CurrentLocalDescription()); err == nil {
					p.log.Info("connection established", zap.String("codec", codec), zap.Int("rate", rate))
				}
				p.listener.Connected()
			})
		case webrtc.PeerConnectionStateFailed:
			p.notifyClosed(errConnectionFailed)
		case webrtc.PeerConnectionStateClosed:
			p.notifyClosed(nil)
		}
	})

	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		p.log.Info("received remote track",
			zap.String("codec", track.Codec().MimeType),
			zap.Uint32("ssrc", uint32(track.SSRC())),
			zap.String("stream", track.StreamID()))
		p.listener.StreamReady(&RemoteAudio{track: track})
	})
}

func (p *Peer) notifyClosed(err error) {
	if p.closing.Load() {
		return
	}
	p.closedOnce.Do(func() { p.listener.Closed(err) })
}

// Start creates and emits the offer.
func (p *Peer) Start() error {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	return p.emitDescription(protocol.NewOffer(offer.SDP))
}

// Signal applies one remote payload. An offer is answered immediately.
func (p *Peer) Signal(payload []byte) error {
	msg, err := protocol.Decode(payload)
	if err != nil {
		return err
	}

	switch msg.Type {
	case protocol.NegotiationOffer:
		if err := p.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: msg.SDP}); err != nil {
			return err
		}
		answer, err := p.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("create answer: %w", err)
		}
		if err := p.pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("set local answer: %w", err)
		}
		return p.emitDescription(protocol.NewAnswer(answer.SDP))

	case protocol.NegotiationAnswer:
		return p.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: msg.SDP})

	case protocol.NegotiationCandidate:
		init := toCandidateInit(*msg.Candidate)
		p.remoteMu.Lock()
		defer p.remoteMu.Unlock()
		if p.pc.RemoteDescription() == nil {
			p.pendingRemote = append(p.pendingRemote, init)
			return nil
		}
		if err := p.pc.AddICECandidate(init); err != nil {
			return fmt.Errorf("add candidate: %w", err)
		}
	}
	return nil
}

func (p *Peer) setRemote(desc webrtc.SessionDescription) error {
	p.remoteMu.Lock()
	defer p.remoteMu.Unlock()
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote %s: %w", desc.Type, err)
	}
	queued := p.pendingRemote
	p.pendingRemote = nil
	for _, c := range queued {
		if err := p.pc.AddICECandidate(c); err != nil {
			p.log.Warn("drop queued remote candidate", zap.Error(err))
		}
	}
	return nil
}

func (p *Peer) emitDescription(msg protocol.NegotiationMessage) error {
	raw, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	p.emitMu.Lock()
	defer p.emitMu.Unlock()
	p.listener.NegotiationPayloadProduced(raw)
	p.described = true
	queued := p.pendingLocal
	p.pendingLocal = nil
	for _, c := range queued {
		p.emitCandidate(c)
	}
	return nil
}

// emitCandidate must be called with emitMu held.
func (p *Peer) emitCandidate(init webrtc.ICECandidateInit) {
	raw, err := protocol.Encode(protocol.NewCandidate(fromCandidateInit(init)))
	if err != nil {
		p.log.Warn("encode local candidate", zap.Error(err))
		return
	}
	p.listener.NegotiationPayloadProduced(raw)
}

func (p *Peer) Close() error {
	if !p.closing.CompareAndSwap(false, true) {
		return nil
	}
	return p.pc.Close()
}

// State exposes the pion connection state for diagnostics.
func (p *Peer) State() webrtc.PeerConnectionState {
	return p.pc.ConnectionState()
}

func toCandidateInit(c protocol.ICECandidateMessage) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func fromCandidateInit(c webrtc.ICECandidateInit) protocol.ICECandidateMessage {
	return protocol.ICECandidateMessage{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
