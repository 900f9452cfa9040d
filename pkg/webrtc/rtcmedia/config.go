package rtcmedia

import (
	"fmt"
	"time"

	"github.com/LingByte/LingHuddle/pkg/constants"
	"github.com/pion/webrtc/v3"
)

// WebRTCOption WebRTC Config options
type WebRTCOption struct {
	ICEServers []string      `json:"iceServers"` // stun:/turn: urls
	ICETimeout time.Duration `json:"iceTimeout"` // ICE failed timeout
}

func DefaultWebRTCOption() WebRTCOption {
	return WebRTCOption{
		ICEServers: []string{constants.DefaultSTUNServer},
		ICETimeout: constants.DefaultICETimeout,
	}
}

// GetICETimeout get ICE timeout
func (o WebRTCOption) GetICETimeout() time.Duration {
	if o.ICETimeout <= 0 {
		return constants.DefaultICETimeout
	}
	return o.ICETimeout
}

func (o WebRTCOption) configuration() webrtc.Configuration {
	if len(o.ICEServers) == 0 {
		return webrtc.Configuration{}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: o.ICEServers}},
	}
}

// String config to string
func (o WebRTCOption) String() string {
	return fmt.Sprintf("WebRTCOption{ICEServers: %d, ICETimeout: %v}", len(o.ICEServers), o.GetICETimeout())
}
