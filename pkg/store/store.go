// Package store defines the shared document store used for call rosters and
// signaling. Backends live in the memory, redisstore and sqlstore packages.
package store

import (
	"context"
	"errors"

	"github.com/LingByte/LingHuddle/pkg/models"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrConflict = errors.New("store: too many concurrent updates")
	ErrClosed   = errors.New("store: closed")
	// ErrNoChange is returned by a Mutation to skip the write.
	ErrNoChange = errors.New("store: no change")
)

// Mutation edits a session in place. Returning ErrNoChange leaves the stored
// document untouched; any other error aborts the update.
type Mutation func(s *models.CallSession) error

// SessionStore holds one CallSession document per work item.
type SessionStore interface {
	Get(ctx context.Context, workItemID string) (*models.CallSession, error)
	Set(ctx context.Context, s *models.CallSession) error
	// Update applies fn atomically against concurrent writers and returns the
	// resulting document. IsActive is recomputed from the roster before writing.
	Update(ctx context.Context, workItemID string, fn Mutation) (*models.CallSession, error)
	Delete(ctx context.Context, workItemID string) error
	// Subscribe delivers the current document, then every later version.
	// Intermediate versions may be coalesced. The channel closes when ctx ends.
	Subscribe(ctx context.Context, workItemID string) (<-chan *models.CallSession, error)
}

// SignalRelay is an ordered per-recipient mailbox. Entries stay until deleted.
type SignalRelay interface {
	Append(ctx context.Context, workItemID, to, from string, payload []byte) (string, error)
	// Subscribe delivers every pending and future message addressed to `to`,
	// oldest first, each once per subscription. The channel closes when ctx ends.
	Subscribe(ctx context.Context, workItemID, to string) (<-chan *models.SignalMessage, error)
	Delete(ctx context.Context, workItemID, to, id string) error
	// Purge drops every message addressed to `to`.
	Purge(ctx context.Context, workItemID, to string) error
}

// Offer replaces any unread value in a single-slot channel with s. It must only
// be called by the channel's single writer.
func Offer(ch chan *models.CallSession, s *models.CallSession) {
	select {
	case ch <- s:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- s:
	default:
	}
}

// Prepare applies fn to a copy of cur (or a fresh session) and bumps the
// version. ErrNoChange is passed through with the unchanged document.
func Prepare(workItemID string, cur *models.CallSession, fn Mutation) (*models.CallSession, error) {
	if cur == nil {
		cur = models.NewCallSession(workItemID)
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return cur, err
	}
	next.WorkItemID = workItemID
	next.Normalize()
	next.Version = cur.Version + 1
	return next, nil
}
