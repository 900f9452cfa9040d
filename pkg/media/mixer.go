package media

import (
	"math"
	"sync"
)

// PacketSource yields inbound opus packets until it returns an error.
type PacketSource interface {
	ReadPacket() ([]byte, error)
}

// Decoder turns one opus packet into PCM, returning samples per channel.
type Decoder interface {
	Decode(packet []byte, pcm []int16) (int, error)
}

// Mixer sums one PCM queue per remote participant into a playback buffer.
type Mixer struct {
	mu          sync.Mutex
	sources     map[string][]int16
	maxBuffered int
}

// NewMixer bounds each source queue to maxBuffered samples; older audio is
// dropped first when a source runs ahead of playback.
func NewMixer(maxBuffered int) *Mixer {
	return &Mixer{sources: make(map[string][]int16), maxBuffered: maxBuffered}
}

func (m *Mixer) Write(id string, pcm []int16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := append(m.sources[id], pcm...)
	if over := len(q) - m.maxBuffered; m.maxBuffered > 0 && over > 0 {
		q = append(q[:0:0], q[over:]...)
	}
	m.sources[id] = q
}

func (m *Mixer) Remove(id string) {
	m.mu.Lock()
	delete(m.sources, id)
	m.mu.Unlock()
}

func (m *Mixer) Sources() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sources)
}

// Read fills out with the clamped sum of every source. Missing audio is silence.
func (m *Mixer) Read(out []int16) {
	acc := make([]int32, len(out))
	m.mu.Lock()
	for id, q := range m.sources {
		n := copy32(acc, q)
		m.sources[id] = q[n:]
	}
	m.mu.Unlock()

	for i, v := range acc {
		switch {
		case v > math.MaxInt16:
			out[i] = math.MaxInt16
		case v < math.MinInt16:
			out[i] = math.MinInt16
		default:
			out[i] = int16(v)
		}
	}
}

func copy32(acc []int32, q []int16) int {
	n := len(q)
	if n > len(acc) {
		n = len(acc)
	}
	for i := 0; i < n; i++ {
		acc[i] += int32(q[i])
	}
	return n
}

// Pump decodes src into the mixer under id until src fails, then removes the
// source. frameLen sizes the decode buffer in interleaved samples.
func (m *Mixer) Pump(id string, src PacketSource, dec Decoder, frameLen, channels int) error {
	defer m.Remove(id)
	buf := make([]int16, frameLen)
	for {
		packet, err := src.ReadPacket()
		if err != nil {
			return err
		}
		if len(packet) == 0 {
			continue
		}
		n, err := dec.Decode(packet, buf)
		if err != nil {
			continue
		}
		m.Write(id, buf[:n*channels])
	}
}
