package devices

import (
	"fmt"

	"github.com/LingByte/LingHuddle/pkg/media"
	"github.com/hraban/opus"
)

// maxPacket is the largest opus packet the encoder may produce.
const maxPacket = 1275

type opusEncoder struct {
	enc *opus.Encoder
	buf []byte
}

// NewOpusEncoder is a media.EncoderFactory tuned for speech.
func NewOpusEncoder(format media.Format) (media.Encoder, error) {
	enc, err := opus.NewEncoder(format.SampleRate, format.Channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("opus encoder: %w", err)
	}
	return &opusEncoder{enc: enc, buf: make([]byte, maxPacket)}, nil
}

func (e *opusEncoder) Encode(pcm []int16) ([]byte, error) {
	n, err := e.enc.Encode(pcm, e.buf)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, e.buf[:n])
	return out, nil
}

// NewOpusDecoder decodes remote packets at the playback format.
func NewOpusDecoder(format media.Format) (media.Decoder, error) {
	dec, err := opus.NewDecoder(format.SampleRate, format.Channels)
	if err != nil {
		return nil, fmt.Errorf("opus decoder: %w", err)
	}
	return dec, nil
}
