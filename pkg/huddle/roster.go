package huddle

import (
	"slices"

	"github.com/LingByte/LingHuddle/pkg/logger"
	"github.com/LingByte/LingHuddle/pkg/models"
	"go.uber.org/zap"
)

// RosterTarget is what a RosterWatcher drives. *PeerManager implements it.
type RosterTarget interface {
	OpenInitiator(remoteID string) error
	Close(remoteID string)
	RemoteIDs() []string
}

var _ RosterTarget = (*PeerManager)(nil)

// RosterWatcher turns roster snapshots into open and close calls.
type RosterWatcher struct {
	localID string
	target  RosterTarget
	known   map[string]struct{}
	log     *zap.Logger
}

// NewRosterWatcher starts with an empty remote set.
func NewRosterWatcher(localID string, target RosterTarget, log *zap.Logger) *RosterWatcher {
	return &RosterWatcher{
		localID: localID,
		target:  target,
		known:   make(map[string]struct{}),
		log:     logger.OrNamed(log, "roster"),
	}
}

// Apply diffs the snapshot against the previous remote set. Newly listed ids
// with a larger id than ours are opened. Ids no longer listed are closed, as
// is any connection to a remote the snapshot does not list.
func (w *RosterWatcher) Apply(s *models.CallSession) (added, removed []string) {
	remote := s.RemoteIDs(w.localID)
	next := make(map[string]struct{}, len(remote))
	for _, id := range remote {
		next[id] = struct{}{}
	}

	for id := range w.known {
		if _, ok := next[id]; ok {
			continue
		}
		delete(w.known, id)
		w.target.Close(id)
		removed = append(removed, id)
	}
	for _, id := range w.target.RemoteIDs() {
		if _, ok := next[id]; ok {
			continue
		}
		w.target.Close(id)
		if !slices.Contains(removed, id) {
			removed = append(removed, id)
		}
	}

	for _, id := range remote {
		if _, ok := w.known[id]; ok {
			continue
		}
		added = append(added, id)
		if !IsInitiator(w.localID, id) {
			w.known[id] = struct{}{}
			continue
		}
		if err := w.target.OpenInitiator(id); err != nil {
			// Not recorded, so the next snapshot tries again.
			w.log.Warn("open initiator failed", zap.String("remote", id), zap.Error(err))
			continue
		}
		w.known[id] = struct{}{}
	}

	if len(added) > 0 || len(removed) > 0 {
		w.log.Debug("roster changed", zap.Strings("added", added), zap.Strings("removed", removed))
	}
	return added, removed
}

// Forget drops id from the known set so the next snapshot listing it opens a
// fresh connection.
func (w *RosterWatcher) Forget(id string) {
	delete(w.known, id)
}

// Known reports the remote ids seen in the last snapshot.
func (w *RosterWatcher) Known() int { return len(w.known) }
