package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LingByte/LingHuddle/pkg/constants"
	"github.com/LingByte/LingHuddle/pkg/logger"
	"github.com/pion/webrtc/v3"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
	"go.uber.org/zap"
)

var (
	ErrDeviceUnavailable = errors.New("capture device unavailable")
	ErrPermissionDenied  = errors.New("capture permission denied")
	ErrAlreadyAcquired   = errors.New("capture already acquired")
)

// Format describes mono or stereo signed 16-bit PCM frames.
type Format struct {
	SampleRate    int
	Channels      int
	FrameDuration time.Duration
}

func DefaultFormat() Format {
	return Format{
		SampleRate:    constants.DefaultSampleRate,
		Channels:      constants.DefaultChannels,
		FrameDuration: constants.DefaultFrameMs * time.Millisecond,
	}
}

// FrameSamples is the number of interleaved samples in one frame.
func (f Format) FrameSamples() int {
	return int(int64(f.SampleRate)*int64(f.FrameDuration)/int64(time.Second)) * f.Channels
}

// Device is a raw PCM source. Open blocks until the device is running or has
// failed; it returns ErrPermissionDenied or ErrDeviceUnavailable (wrapped)
// for the corresponding conditions.
type Device interface {
	Open(ctx context.Context, format Format, onPCM func(pcm []int16)) error
	Close() error
}

// Encoder turns one PCM frame into one opus packet.
type Encoder interface {
	Encode(pcm []int16) ([]byte, error)
}

type EncoderFactory func(format Format) (Encoder, error)

// CaptureConfig configures a CaptureManager.
type CaptureConfig struct {
	Device     Device
	NewEncoder EncoderFactory
	Format     Format
	StreamID   string
	Logger     *zap.Logger
}

// CaptureManager owns the single microphone acquisition shared by every peer
// connection of a call. Mute survives across calls.
type CaptureManager struct {
	cfg    CaptureConfig
	log    *zap.Logger
	muted  atomic.Bool
	mu     sync.Mutex
	stream *LocalStream
}

func NewCaptureManager(cfg CaptureConfig) (*CaptureManager, error) {
	if cfg.Device == nil || cfg.NewEncoder == nil {
		return nil, fmt.Errorf("capture: device and encoder are required")
	}
	if cfg.Format.SampleRate == 0 {
		cfg.Format = DefaultFormat()
	}
	if cfg.Format.FrameSamples() == 0 {
		return nil, fmt.Errorf("capture: frame of %s at %dHz is empty", cfg.Format.FrameDuration, cfg.Format.SampleRate)
	}
	if cfg.StreamID == "" {
		cfg.StreamID = constants.DefaultStreamID
	}
	return &CaptureManager{cfg: cfg, log: logger.OrNamed(cfg.Logger, "capture")}, nil
}

// Acquire opens the device and returns the shared outbound stream.
func (m *CaptureManager) Acquire(ctx context.Context) (*LocalStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream != nil {
		return nil, ErrAlreadyAcquired
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", m.cfg.StreamID,
	)
	if err != nil {
		return nil, fmt.Errorf("create local track: %w", err)
	}
	enc, err := m.cfg.NewEncoder(m.cfg.Format)
	if err != nil {
		return nil, fmt.Errorf("create encoder: %w", err)
	}

	s := &LocalStream{
		track:    track,
		encoder:  enc,
		muted:    &m.muted,
		frameLen: m.cfg.Format.FrameSamples(),
		frameDur: m.cfg.Format.FrameDuration,
		log:      m.log,
	}
	if err := m.cfg.Device.Open(ctx, m.cfg.Format, s.push); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		_ = m.cfg.Device.Close()
		return nil, err
	}
	m.stream = s
	m.log.Info("capture acquired", zap.String("stream", m.cfg.StreamID), zap.Bool("muted", m.muted.Load()))
	return s, nil
}

// Release stops the device. Calling it without an acquisition is a no-op.
func (m *CaptureManager) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream == nil {
		return nil
	}
	m.stream.stopped.Store(true)
	m.stream = nil
	err := m.cfg.Device.Close()
	m.log.Info("capture released", zap.Error(err))
	return err
}

// Acquired reports whether the device is currently held.
func (m *CaptureManager) Acquired() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stream != nil
}

// SetMuted toggles whether captured audio is replaced with silence.
func (m *CaptureManager) SetMuted(muted bool) {
	m.muted.Store(muted)
}

func (m *CaptureManager) Muted() bool {
	return m.muted.Load()
}

// LocalStream is the single outbound audio track fed by the capture device.
type LocalStream struct {
	track    *webrtc.TrackLocalStaticSample
	encoder  Encoder
	muted    *atomic.Bool
	stopped  atomic.Bool
	frameLen int
	frameDur time.Duration
	log      *zap.Logger

	mu      sync.Mutex
	pending []int16
	frames  atomic.Uint64
}

func (s *LocalStream) Track() *webrtc.TrackLocalStaticSample { return s.track }

func (s *LocalStream) ID() string { return s.track.StreamID() }

// Enabled is false while muted.
func (s *LocalStream) Enabled() bool { return !s.muted.Load() }

// Frames counts opus frames written to the track.
func (s *LocalStream) Frames() uint64 { return s.frames.Load() }

// push slices device PCM into whole frames. Muted frames are encoded as
// silence so the RTP clock keeps running.
func (s *LocalStream) push(pcm []int16) {
	if s.stopped.Load() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, pcm...)
	for len(s.pending) >= s.frameLen {
		frame := s.pending[:s.frameLen]
		if s.muted.Load() {
			frame = make([]int16, s.frameLen)
		}
		if err := s.writeFrame(frame); err != nil {
			s.log.Debug("drop audio frame", zap.Error(err))
		}
		s.pending = s.pending[s.frameLen:]
	}
	if len(s.pending) == 0 {
		s.pending = s.pending[:0:0]
	}
}

func (s *LocalStream) writeFrame(frame []int16) error {
	packet, err := s.encoder.Encode(frame)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	if err := s.track.WriteSample(pionmedia.Sample{Data: packet, Duration: s.frameDur}); err != nil {
		return fmt.Errorf("write sample: %w", err)
	}
	s.frames.Add(1)
	return nil
}
