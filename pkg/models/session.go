package models

import (
	"sort"
	"time"
)

// Identity is the local user as written into a roster.
type Identity struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarRef string `json:"avatarRef,omitempty"`
}

// ParticipantInfo is one roster entry.
type ParticipantInfo struct {
	Name      string    `json:"name"`
	AvatarRef string    `json:"avatarRef,omitempty"`
	IsMuted   bool      `json:"isMuted"`
	JoinedAt  time.Time `json:"joinedAt"`
}

// CallSession is the shared per-work-item call document.
// IsActive is true iff Participants is non-empty.
type CallSession struct {
	WorkItemID   string                     `json:"workItemId"`
	IsActive     bool                       `json:"isActive"`
	Participants map[string]ParticipantInfo `json:"participants"`
	Version      int64                      `json:"version"`
	UpdatedAt    time.Time                  `json:"updatedAt"`
}

// NewCallSession returns an inactive session with an empty roster.
func NewCallSession(workItemID string) *CallSession {
	return &CallSession{
		WorkItemID:   workItemID,
		Participants: make(map[string]ParticipantInfo),
	}
}

// Clone returns a deep copy.
func (s *CallSession) Clone() *CallSession {
	if s == nil {
		return nil
	}
	c := *s
	c.Participants = make(map[string]ParticipantInfo, len(s.Participants))
	for id, p := range s.Participants {
		c.Participants[id] = p
	}
	return &c
}

// Normalize restores the IsActive invariant after a roster edit.
func (s *CallSession) Normalize() {
	if s.Participants == nil {
		s.Participants = make(map[string]ParticipantInfo)
	}
	s.IsActive = len(s.Participants) > 0
}

// Join adds or replaces the entry for id.
func (s *CallSession) Join(id string, info ParticipantInfo) {
	if s.Participants == nil {
		s.Participants = make(map[string]ParticipantInfo)
	}
	s.Participants[id] = info
	s.Normalize()
}

// Leave removes id and reports whether it was present.
func (s *CallSession) Leave(id string) bool {
	if _, ok := s.Participants[id]; !ok {
		return false
	}
	delete(s.Participants, id)
	s.Normalize()
	return true
}

func (s *CallSession) Has(id string) bool {
	_, ok := s.Participants[id]
	return ok
}

// RemoteIDs returns every participant except localID, sorted. An inactive
// session has no remotes regardless of stale entries.
func (s *CallSession) RemoteIDs(localID string) []string {
	if s == nil || !s.IsActive {
		return nil
	}
	ids := make([]string, 0, len(s.Participants))
	for id := range s.Participants {
		if id != localID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// SignalMessage is one relay entry. Payload is opaque to the relay.
type SignalMessage struct {
	ID         string    `json:"id"`
	WorkItemID string    `json:"workItemId"`
	To         string    `json:"to"`
	From       string    `json:"from"`
	Payload    []byte    `json:"payload"`
	CreatedAt  time.Time `json:"createdAt"`
}
