package devices

import (
	"fmt"
	"sync"

	"github.com/LingByte/LingHuddle/pkg/logger"
	"github.com/LingByte/LingHuddle/pkg/media"
	"github.com/gen2brain/malgo"
	"go.uber.org/zap"
)

// Speaker plays the mix of every attached remote stream.
type Speaker struct {
	format media.Format
	mixer  *media.Mixer
	log    *zap.Logger

	ctx    *malgo.AllocatedContext
	device *malgo.Device

	mu       sync.Mutex
	attached map[string]media.PacketSource
}

// NewSpeaker opens the default playback device. Each source keeps at most
// half a second of audio queued.
func NewSpeaker(format media.Format, log *zap.Logger) (*Speaker, error) {
	s := &Speaker{
		format:   format,
		mixer:    media.NewMixer(format.SampleRate * format.Channels / 2),
		log:      logger.OrNamed(log, "speaker"),
		attached: make(map[string]media.PacketSource),
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		s.log.Debug("malgo", zap.String("message", message))
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", media.ErrDeviceUnavailable, err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = uint32(format.Channels)
	cfg.SampleRate = uint32(format.SampleRate)

	var buf []int16
	device, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(output, _ []byte, _ uint32) {
			n := len(output) / 2
			if cap(buf) < n {
				buf = make([]int16, n)
			}
			buf = buf[:n]
			s.mixer.Read(buf)
			pcmToBytes(buf, output)
		},
	})
	if err != nil {
		freeContext(mctx)
		return nil, classify(err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		freeContext(mctx)
		return nil, classify(err)
	}
	s.ctx, s.device = mctx, device
	return s, nil
}

// Attach starts decoding src for participant id. Attaching the same source
// twice is a no-op; a new source replaces the old one.
func (s *Speaker) Attach(id string, src media.PacketSource) error {
	s.mu.Lock()
	if cur, ok := s.attached[id]; ok && cur == src {
		s.mu.Unlock()
		return nil
	}
	s.attached[id] = src
	s.mu.Unlock()

	dec, err := NewOpusDecoder(s.format)
	if err != nil {
		return err
	}
	go func() {
		err := s.mixer.Pump(id, src, dec, s.format.SampleRate*s.format.Channels*120/1000, s.format.Channels)
		s.mu.Lock()
		if s.attached[id] == src {
			delete(s.attached, id)
		}
		s.mu.Unlock()
		s.log.Debug("remote audio ended", zap.String("remote", id), zap.Error(err))
	}()
	return nil
}

// Sync attaches every stream in streams and forgets the rest. Streams
// without an opus packet source are ignored.
func (s *Speaker) Sync(streams map[string]media.PacketSource) {
	for id, src := range streams {
		if err := s.Attach(id, src); err != nil {
			s.log.Warn("attach remote audio failed", zap.String("remote", id), zap.Error(err))
		}
	}
	s.mu.Lock()
	for id := range s.attached {
		if _, ok := streams[id]; !ok {
			delete(s.attached, id)
			s.mixer.Remove(id)
		}
	}
	s.mu.Unlock()
}

func (s *Speaker) Close() error {
	var err error
	if stopErr := s.device.Stop(); stopErr != nil {
		err = stopErr
	}
	s.device.Uninit()
	freeContext(s.ctx)
	return err
}
