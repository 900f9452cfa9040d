// Package memory is an in-process SessionStore and SignalRelay for tests and
// single-process demos.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/LingByte/LingHuddle/pkg/models"
	"github.com/LingByte/LingHuddle/pkg/store"
)

// Sessions implements store.SessionStore.
type Sessions struct {
	mu       sync.Mutex
	sessions map[string]*models.CallSession
	watchers map[string]map[chan *models.CallSession]struct{}
	writes   map[string]int
	failWith error
}

var _ store.SessionStore = (*Sessions)(nil)

func NewSessions() *Sessions {
	return &Sessions{
		sessions: make(map[string]*models.CallSession),
		watchers: make(map[string]map[chan *models.CallSession]struct{}),
		writes:   make(map[string]int),
	}
}

// FailUpdates makes Update and Set return err until called again with nil.
func (s *Sessions) FailUpdates(err error) {
	s.mu.Lock()
	s.failWith = err
	s.mu.Unlock()
}

// Writes counts committed writes for a work item.
func (s *Sessions) Writes(workItemID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes[workItemID]
}

func (s *Sessions) Get(ctx context.Context, workItemID string) (*models.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.sessions[workItemID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cur.Clone(), nil
}

func (s *Sessions) Set(ctx context.Context, session *models.CallSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	next := session.Clone()
	next.Normalize()
	if cur, ok := s.sessions[next.WorkItemID]; ok {
		next.Version = cur.Version + 1
	} else if next.Version == 0 {
		next.Version = 1
	}
	next.UpdatedAt = time.Now()
	s.commitLocked(next)
	return nil
}

func (s *Sessions) Update(ctx context.Context, workItemID string, fn store.Mutation) (*models.CallSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	next, err := store.Prepare(workItemID, s.sessions[workItemID], fn)
	if errors.Is(err, store.ErrNoChange) {
		return next.Clone(), nil
	}
	if err != nil {
		return nil, err
	}
	next.UpdatedAt = time.Now()
	s.commitLocked(next)
	return next.Clone(), nil
}

func (s *Sessions) Delete(ctx context.Context, workItemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.sessions[workItemID]
	if !ok {
		return nil
	}
	gone := models.NewCallSession(workItemID)
	gone.Version = cur.Version + 1
	for ch := range s.watchers[workItemID] {
		store.Offer(ch, gone.Clone())
	}
	delete(s.sessions, workItemID)
	return nil
}

func (s *Sessions) commitLocked(next *models.CallSession) {
	s.sessions[next.WorkItemID] = next
	s.writes[next.WorkItemID]++
	for ch := range s.watchers[next.WorkItemID] {
		store.Offer(ch, next.Clone())
	}
}

func (s *Sessions) Subscribe(ctx context.Context, workItemID string) (<-chan *models.CallSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan *models.CallSession, 1)

	s.mu.Lock()
	if s.watchers[workItemID] == nil {
		s.watchers[workItemID] = make(map[chan *models.CallSession]struct{})
	}
	s.watchers[workItemID][ch] = struct{}{}
	if cur, ok := s.sessions[workItemID]; ok {
		ch <- cur.Clone()
	} else {
		ch <- models.NewCallSession(workItemID)
	}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers[workItemID], ch)
		close(ch)
		s.mu.Unlock()
	}()
	return ch, nil
}
