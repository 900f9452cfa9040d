package rtcmedia

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/webrtc/v3"
)

// OpusCodec is the only codec a huddle offers.
func OpusCodec() webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}
}

// NewMediaEngine 注册音频编解码器 (opus only)
func NewMediaEngine() (*webrtc.MediaEngine, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(OpusCodec(), webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus: %w", err)
	}
	return m, nil
}

// NegotiatedAudioCodec reads the first audio rtpmap of desc, e.g. ("opus", 48000).
func NegotiatedAudioCodec(desc *webrtc.SessionDescription) (string, int, error) {
	if desc == nil {
		return "", 0, fmt.Errorf("description is nil")
	}
	sdp, err := desc.Unmarshal()
	if err != nil {
		return "", 0, fmt.Errorf("failed to unmarshal description: %w", err)
	}
	for _, m := range sdp.MediaDescriptions {
		if m.MediaName.Media != string(webrtc.MediaKindAudio) || len(m.MediaName.Formats) == 0 {
			continue
		}
		for _, attr := range m.Attributes {
			if attr.Key != "rtpmap" || !strings.HasPrefix(attr.Value, m.MediaName.Formats[0]+" ") {
				continue
			}
			fields := strings.Split(strings.SplitN(attr.Value, " ", 2)[1], "/")
			rate := 0
			if len(fields) > 1 {
				rate, _ = strconv.Atoi(fields[1])
			}
			return strings.ToLower(fields[0]), rate, nil
		}
	}
	return "", 0, fmt.Errorf("did not find audio codec in SDP")
}
