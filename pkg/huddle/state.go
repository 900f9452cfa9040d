package huddle

import (
	"sync"

	"github.com/LingByte/LingHuddle/pkg/media"
	"github.com/LingByte/LingHuddle/pkg/models"
)

// ActiveCall is the call the local user is in, with its last seen roster.
type ActiveCall struct {
	WorkItemID   string                            `json:"workItemId"`
	IsActive     bool                              `json:"isActive"`
	Participants map[string]models.ParticipantInfo `json:"participants"`
	// Leaving is set while a failed leave waits to be retried.
	Leaving bool `json:"leaving,omitempty"`
}

// State is one snapshot of everything a UI renders.
type State struct {
	ActiveCall    *ActiveCall             `json:"activeCall"`
	LocalStream   *media.LocalStream      `json:"-"`
	RemoteStreams map[string]RemoteStream `json:"-"`
	LocalMuted    bool                    `json:"localMuted"`
	Peers         []PeerInfo              `json:"peers"`
}

// LocalStreamID is empty when not capturing.
func (s State) LocalStreamID() string {
	if s.LocalStream == nil {
		return ""
	}
	return s.LocalStream.ID()
}

// RemoteStreamIDs maps remote user ids to their stream ids.
func (s State) RemoteStreamIDs() map[string]string {
	out := make(map[string]string, len(s.RemoteStreams))
	for id, rs := range s.RemoteStreams {
		out[id] = rs.StreamID()
	}
	return out
}

// broadcaster fans State out to subscribers. Each subscriber holds at most
// the latest unread snapshot.
type broadcaster struct {
	mu     sync.Mutex
	next   int
	subs   map[int]chan State
	closed bool
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[int]chan State)}
}

func (b *broadcaster) subscribe(initial State) (<-chan State, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan State, 1)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	ch <- initial
	id := b.next
	b.next++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

func (b *broadcaster) publish(s State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
}

func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
