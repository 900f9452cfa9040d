package media

import (
	"context"
	"math"
	"sync"
	"time"
)

// ToneDevice is a synthetic capture device producing a sine wave in real time.
type ToneDevice struct {
	Frequency float64
	Amplitude int16

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func NewToneDevice(frequency float64) *ToneDevice {
	return &ToneDevice{Frequency: frequency, Amplitude: 8000}
}

func (d *ToneDevice) Open(_ context.Context, format Format, onPCM func(pcm []int16)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		return ErrAlreadyAcquired
	}
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	go d.run(format, onPCM, d.stop, d.done)
	return nil
}

func (d *ToneDevice) run(format Format, onPCM func([]int16), stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(format.FrameDuration)
	defer ticker.Stop()

	step := 2 * math.Pi * d.Frequency / float64(format.SampleRate)
	phase := 0.0
	frame := make([]int16, format.FrameSamples())
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		for i := 0; i < len(frame); i += format.Channels {
			v := int16(float64(d.Amplitude) * math.Sin(phase))
			for c := 0; c < format.Channels; c++ {
				frame[i+c] = v
			}
			phase += step
		}
		onPCM(frame)
	}
}

func (d *ToneDevice) Close() error {
	d.mu.Lock()
	stop, done := d.stop, d.done
	d.stop, d.done = nil, nil
	d.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}
