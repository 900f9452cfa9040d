// Package devices binds the capture and playback abstractions to the host's
// audio stack through miniaudio, and to libopus for coding.
package devices

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/LingByte/LingHuddle/pkg/logger"
	"github.com/LingByte/LingHuddle/pkg/media"
	"github.com/gen2brain/malgo"
	"go.uber.org/zap"
)

// Microphone is the default capture device.
type Microphone struct {
	log *zap.Logger

	mu     sync.Mutex
	ctx    *malgo.AllocatedContext
	device *malgo.Device
}

var _ media.Device = (*Microphone)(nil)

func NewMicrophone(log *zap.Logger) *Microphone {
	return &Microphone{log: logger.OrNamed(log, "microphone")}
}

func (m *Microphone) Open(ctx context.Context, format media.Format, onPCM func(pcm []int16)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device != nil {
		return fmt.Errorf("microphone already open")
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		m.log.Debug("malgo", zap.String("message", message))
	})
	if err != nil {
		return fmt.Errorf("%w: %v", media.ErrDeviceUnavailable, err)
	}

	if err := hasCaptureDevice(mctx); err != nil {
		freeContext(mctx)
		return err
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(format.Channels)
	cfg.SampleRate = uint32(format.SampleRate)
	cfg.PeriodSizeInMilliseconds = uint32(format.FrameDuration.Milliseconds())

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			if len(input) == 0 {
				return
			}
			onPCM(bytesToPCM(input))
		},
		Stop: func() {
			m.log.Info("capture device stopped")
		},
	}

	device, err := malgo.InitDevice(mctx.Context, cfg, callbacks)
	if err != nil {
		freeContext(mctx)
		return classify(err)
	}
	if err := ctx.Err(); err != nil {
		device.Uninit()
		freeContext(mctx)
		return err
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		freeContext(mctx)
		return classify(err)
	}

	m.ctx, m.device = mctx, device
	m.log.Info("microphone capture started",
		zap.Int("sample_rate", format.SampleRate),
		zap.Int("channels", format.Channels))
	return nil
}

func (m *Microphone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device == nil {
		return nil
	}
	var err error
	if stopErr := m.device.Stop(); stopErr != nil {
		err = stopErr
	}
	m.device.Uninit()
	freeContext(m.ctx)
	m.device, m.ctx = nil, nil
	return err
}

func hasCaptureDevice(mctx *malgo.AllocatedContext) error {
	infos, err := mctx.Devices(malgo.Capture)
	if err != nil {
		return classify(err)
	}
	if len(infos) == 0 {
		return fmt.Errorf("%w: no capture device", media.ErrDeviceUnavailable)
	}
	return nil
}

// classify maps miniaudio results onto the capture sentinels.
func classify(err error) error {
	var res malgo.Result
	if errors.As(err, &res) {
		switch res {
		case malgo.ErrAccessDenied:
			return fmt.Errorf("%w: %v", media.ErrPermissionDenied, err)
		case malgo.ErrNoDevice, malgo.ErrDoesNotExist, malgo.ErrUnavailable, malgo.ErrDeviceTypeNotSupported:
			return fmt.Errorf("%w: %v", media.ErrDeviceUnavailable, err)
		}
	}
	return fmt.Errorf("%w: %v", media.ErrDeviceUnavailable, err)
}

func freeContext(mctx *malgo.AllocatedContext) {
	if mctx == nil {
		return
	}
	_ = mctx.Uninit()
	mctx.Free()
}

func bytesToPCM(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return pcm
}

func pcmToBytes(pcm []int16, b []byte) {
	for i, v := range pcm {
		binary.LittleEndian.PutUint16(b[2*i:], uint16(v))
	}
}
