package rtcmedia

import (
	"github.com/LingByte/LingHuddle/pkg/huddle"
	"github.com/LingByte/LingHuddle/pkg/media"
	"github.com/pion/webrtc/v3"
)

// RemoteAudio is the inbound opus track of one remote participant.
type RemoteAudio struct {
	track *webrtc.TrackRemote
}

var (
	_ huddle.RemoteStream = (*RemoteAudio)(nil)
	_ media.PacketSource  = (*RemoteAudio)(nil)
)

func (r *RemoteAudio) StreamID() string { return r.track.StreamID() }

func (r *RemoteAudio) Track() *webrtc.TrackRemote { return r.track }

// ReadPacket returns the next RTP payload. It fails once the connection closes.
func (r *RemoteAudio) ReadPacket() ([]byte, error) {
	pkt, _, err := r.track.ReadRTP()
	if err != nil {
		return nil, err
	}
	return pkt.Payload, nil
}
