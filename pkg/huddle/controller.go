// Package huddle coordinates mesh voice calls scoped to a work item. The shared
// session document is the roster; the signal relay carries negotiation
// payloads between pairs of participants.
package huddle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/LingByte/LingHuddle/pkg/constants"
	apperrors "github.com/LingByte/LingHuddle/pkg/errors"
	"github.com/LingByte/LingHuddle/pkg/logger"
	"github.com/LingByte/LingHuddle/pkg/media"
	"github.com/LingByte/LingHuddle/pkg/metrics"
	"github.com/LingByte/LingHuddle/pkg/models"
	"github.com/LingByte/LingHuddle/pkg/store"
	"github.com/hashicorp/golang-lru/v2/expirable"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.uber.org/zap"
)

// Options wires a Controller to its stores and media.
type Options struct {
	Identity           models.Identity
	Sessions           store.SessionStore
	Relay              store.SignalRelay
	Capture            *media.CaptureManager
	Peers              PeerFactory
	SignalTimeout      time.Duration
	NegotiationTimeout time.Duration
	DedupeSize         int
	DedupeTTL          time.Duration
	Logger             *zap.Logger
}

type activeCall struct {
	workItemID string
	joinID     string
	local      *media.LocalStream
	peers      *PeerManager
	watcher    *RosterWatcher
	log        *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// guarded by Controller.mu
	roster  *models.CallSession
	leaving bool

	// owned by the event loop
	applied *models.CallSession

	// owned by the goroutine holding Controller.opMu
	stopped  bool
	released bool
}

// Controller is the local user's call orchestrator. StartOrJoinCall and
// LeaveCall are serialised; LeaveCall cancels a join that is still running.
type Controller struct {
	opts Options
	log  *zap.Logger
	seen *expirable.LRU[string, struct{}]
	subs *broadcaster

	opMu   sync.Mutex
	muteMu sync.Mutex

	mu         sync.Mutex
	call       *activeCall
	joinCancel context.CancelFunc
	joinSeq    uint64
}

// NewController validates opts and fills in default timeouts.
func NewController(opts Options) (*Controller, error) {
	switch {
	case opts.Identity.ID == "":
		return nil, apperrors.NewAppError(apperrors.ErrCodeInvalidConfig, "identity id is required")
	case opts.Sessions == nil || opts.Relay == nil:
		return nil, apperrors.NewAppError(apperrors.ErrCodeInvalidConfig, "session store and signal relay are required")
	case opts.Capture == nil || opts.Peers == nil:
		return nil, apperrors.NewAppError(apperrors.ErrCodeInvalidConfig, "capture manager and peer factory are required")
	}
	if opts.SignalTimeout <= 0 {
		opts.SignalTimeout = constants.DefaultSignalTimeout
	}
	if opts.NegotiationTimeout <= 0 {
		opts.NegotiationTimeout = constants.DefaultNegotiationTimeout
	}
	if opts.DedupeSize <= 0 {
		opts.DedupeSize = constants.DedupeSize
	}
	if opts.DedupeTTL <= 0 {
		opts.DedupeTTL = constants.DedupeTTL
	}
	log := logger.OrNamed(opts.Logger, "huddle").With(zap.String("user", opts.Identity.ID))
	return &Controller{
		opts: opts,
		log:  log,
		seen: expirable.NewLRU[string, struct{}](opts.DedupeSize, nil, opts.DedupeTTL),
		subs: newBroadcaster(),
	}, nil
}

// StartOrJoinCall joins the call on workItemID, leaving any other call first.
// Joining the current call again does nothing.
func (c *Controller) StartOrJoinCall(ctx context.Context, workItemID string) error {
	if workItemID == "" {
		return apperrors.NewAppError(apperrors.ErrCodeInvalidInput, "work item id is required")
	}

	joinCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if c.joinCancel != nil {
		c.joinCancel()
	}
	c.joinSeq++
	seq := c.joinSeq
	c.joinCancel = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.joinSeq == seq {
			c.joinCancel = nil
		}
		c.mu.Unlock()
		cancel()
	}()

	c.opMu.Lock()
	defer c.opMu.Unlock()

	err := c.startLocked(joinCtx, workItemID)
	metrics.JoinsTotal.WithLabelValues(resultLabel(err)).Inc()
	return err
}

func (c *Controller) startLocked(ctx context.Context, workItemID string) error {
	if ctx.Err() != nil {
		return apperrors.FromContext(ctx)
	}
	if cur := c.current(); cur != nil {
		if cur == c.joined() && cur.workItemID == workItemID {
			return nil
		}
		if err := c.leaveLocked(ctx, cur); err != nil {
			return err
		}
	}
	return c.joinLocked(ctx, workItemID)
}

func (c *Controller) joinLocked(ctx context.Context, workItemID string) error {
	joinID, err := gonanoid.New(10)
	if err != nil {
		joinID = "-"
	}
	log := c.log.With(zap.String("work_item", workItemID), zap.String("join", joinID))
	log.Info("joining call")

	local, err := c.opts.Capture.Acquire(ctx)
	if err != nil {
		return captureError(ctx, err)
	}
	release := func() {
		if err := c.opts.Capture.Release(); err != nil {
			log.Warn("release capture", zap.Error(err))
		}
	}
	if ctx.Err() != nil {
		release()
		return apperrors.FromContext(ctx)
	}

	c.purge(ctx, workItemID, log)

	id := c.opts.Identity
	info := models.ParticipantInfo{
		Name:      id.Name,
		AvatarRef: id.AvatarRef,
		IsMuted:   c.opts.Capture.Muted(),
		JoinedAt:  time.Now().UTC(),
	}
	roster, err := c.opts.Sessions.Update(ctx, workItemID, func(s *models.CallSession) error {
		s.Join(id.ID, info)
		return nil
	})
	if err != nil {
		metrics.RosterWriteFailuresTotal.Inc()
		if ctx.Err() != nil {
			// The write may have landed before the cancel.
			c.removeSelf(workItemID, log)
			release()
			return apperrors.FromContext(ctx)
		}
		release()
		log.Warn("roster write failed", zap.Error(err))
		return apperrors.Wrapf(apperrors.ErrCodeRosterWriteFailed, err, "join %s", workItemID)
	}
	if ctx.Err() != nil {
		c.removeSelf(workItemID, log)
		release()
		return apperrors.FromContext(ctx)
	}

	loopCtx, loopCancel := context.WithCancel(context.Background())
	sessions, err := c.opts.Sessions.Subscribe(loopCtx, workItemID)
	var signals <-chan *models.SignalMessage
	if err == nil {
		signals, err = c.opts.Relay.Subscribe(loopCtx, workItemID, id.ID)
	}
	if err != nil {
		loopCancel()
		c.removeSelf(workItemID, log)
		release()
		return apperrors.Wrapf(apperrors.ErrCodeStoreUnavailable, err, "subscribe %s", workItemID)
	}

	call := &activeCall{
		workItemID: workItemID,
		joinID:     joinID,
		local:      local,
		log:        log,
		ctx:        loopCtx,
		cancel:     loopCancel,
		done:       make(chan struct{}),
		roster:     roster,
	}
	call.peers = NewPeerManager(PeerManagerConfig{
		WorkItemID:         workItemID,
		LocalID:            id.ID,
		Local:              local,
		Factory:            c.opts.Peers,
		Relay:              c.opts.Relay,
		SignalTimeout:      c.opts.SignalTimeout,
		NegotiationTimeout: c.opts.NegotiationTimeout,
		OnDropped:          func(remoteID string) { call.watcher.Forget(remoteID) },
		Logger:             log,
	})
	call.watcher = NewRosterWatcher(id.ID, call.peers, log)

	c.mu.Lock()
	c.call = call
	c.mu.Unlock()

	go c.run(call, sessions, signals)
	log.Info("joined call", zap.Int("participants", len(roster.Participants)))
	c.publish()
	return nil
}

// run is the per-call event loop. It is the only goroutine touching the
// call's PeerManager table and RosterWatcher.
func (c *Controller) run(call *activeCall, sessions <-chan *models.CallSession, signals <-chan *models.SignalMessage) {
	defer close(call.done)
	defer call.peers.Shutdown()

	for {
		select {
		case <-call.ctx.Done():
			return
		case s, ok := <-sessions:
			if !ok {
				call.log.Debug("roster subscription closed")
				return
			}
			c.applyRoster(call, s)
		case msg, ok := <-signals:
			if !ok {
				call.log.Debug("signal subscription closed")
				return
			}
			c.handleSignal(call, msg)
		case <-call.peers.Notify():
			if call.peers.ProcessEvents() {
				c.publish()
			}
		}
	}
}

func (c *Controller) applyRoster(call *activeCall, s *models.CallSession) {
	if s == nil || s.WorkItemID != call.workItemID {
		return
	}
	// Versions already applied are skipped, except after a reset document:
	// a recreated session counts from 1 again.
	if prev := call.applied; prev != nil && !isReset(prev) && s.Version != 0 && s.Version <= prev.Version {
		return
	}
	call.applied = s
	c.mu.Lock()
	call.roster = s
	c.mu.Unlock()

	call.watcher.Apply(s)
	c.publish()
}

func isReset(s *models.CallSession) bool {
	return !s.IsActive && len(s.Participants) == 0
}

func (c *Controller) handleSignal(call *activeCall, msg *models.SignalMessage) {
	key := call.workItemID + "|" + msg.ID
	if c.seen.Contains(key) {
		metrics.SignalFailuresTotal.WithLabelValues("duplicate").Inc()
	} else {
		c.seen.Add(key, struct{}{})
		err := call.peers.FeedSignal(msg.From, msg.Payload)
		switch {
		case errors.Is(err, ErrStalePayload):
			call.log.Debug("dropped stale payload", zap.String("remote", msg.From), zap.String("signal", msg.ID))
		case err != nil:
			call.log.Warn("negotiation failed", zap.String("remote", msg.From), zap.Error(err))
		}
	}

	dctx, cancel := context.WithTimeout(call.ctx, c.opts.SignalTimeout)
	defer cancel()
	if err := c.opts.Relay.Delete(dctx, call.workItemID, c.opts.Identity.ID, msg.ID); err != nil {
		metrics.SignalFailuresTotal.WithLabelValues("delete").Inc()
		call.log.Warn("delete consumed signal", zap.String("signal", msg.ID), zap.Error(err))
	}
}

// LeaveCall leaves the current call. It is safe to call at any time and any
// number of times. A failed roster write keeps the call in a leaving state
// that the next LeaveCall retries.
func (c *Controller) LeaveCall(ctx context.Context) error {
	c.mu.Lock()
	if c.joinCancel != nil {
		c.joinCancel()
	}
	c.mu.Unlock()

	c.opMu.Lock()
	defer c.opMu.Unlock()

	call := c.current()
	if call == nil {
		return nil
	}
	err := c.leaveLocked(ctx, call)
	metrics.LeavesTotal.WithLabelValues(resultLabel(err)).Inc()
	return err
}

func (c *Controller) leaveLocked(ctx context.Context, call *activeCall) error {
	log := call.log
	if !call.stopped {
		call.cancel()
		<-call.done
		call.stopped = true
	}
	if !call.released {
		if err := c.opts.Capture.Release(); err != nil {
			log.Warn("release capture", zap.Error(err))
		}
		call.released = true
	}

	localID := c.opts.Identity.ID
	_, err := c.opts.Sessions.Update(ctx, call.workItemID, func(s *models.CallSession) error {
		if !s.Leave(localID) {
			return store.ErrNoChange
		}
		return nil
	})
	if err != nil {
		metrics.RosterWriteFailuresTotal.Inc()
		c.mu.Lock()
		call.leaving = true
		c.mu.Unlock()
		c.publish()
		log.Warn("leave roster write failed", zap.Error(err))
		return apperrors.Wrapf(apperrors.ErrCodeRosterWriteFailed, err, "leave %s", call.workItemID)
	}

	c.purge(ctx, call.workItemID, log)

	c.mu.Lock()
	if c.call == call {
		c.call = nil
	}
	c.mu.Unlock()
	log.Info("left call")
	c.publish()
	return nil
}

// ToggleMute flips the local mute and reports the new value. It never touches
// peer connections; the roster entry is updated best effort.
func (c *Controller) ToggleMute(ctx context.Context) (bool, error) {
	c.muteMu.Lock()
	defer c.muteMu.Unlock()

	muted := !c.opts.Capture.Muted()
	c.opts.Capture.SetMuted(muted)

	if call := c.joined(); call != nil {
		localID := c.opts.Identity.ID
		_, err := c.opts.Sessions.Update(ctx, call.workItemID, func(s *models.CallSession) error {
			p, ok := s.Participants[localID]
			if !ok || p.IsMuted == muted {
				return store.ErrNoChange
			}
			p.IsMuted = muted
			s.Participants[localID] = p
			return nil
		})
		if err != nil {
			call.log.Warn("mute roster write failed", zap.Bool("muted", muted), zap.Error(err))
		}
	}
	c.publish()
	return muted, nil
}

// State returns the current snapshot.
func (c *Controller) State() State {
	c.mu.Lock()
	call := c.call
	var active *ActiveCall
	if call != nil {
		active = &ActiveCall{WorkItemID: call.workItemID, Leaving: call.leaving}
		if roster := call.roster; roster != nil {
			r := roster.Clone()
			active.IsActive = r.IsActive
			active.Participants = r.Participants
		}
		// A leaving call has no media left to show.
		if call.leaving {
			call = nil
		}
	}
	c.mu.Unlock()

	st := State{ActiveCall: active, LocalMuted: c.opts.Capture.Muted()}
	if call != nil {
		st.LocalStream = call.local
		st.RemoteStreams = call.peers.RemoteStreams()
		st.Peers = call.peers.Peers()
	}
	return st
}

// Subscribe delivers the current state and then every change. Slow readers
// only see the latest snapshot.
func (c *Controller) Subscribe() (<-chan State, func()) {
	return c.subs.subscribe(c.State())
}

// Close leaves the current call and ends every subscription.
func (c *Controller) Close(ctx context.Context) error {
	err := c.LeaveCall(ctx)
	c.subs.close()
	return err
}

func (c *Controller) publish() {
	c.subs.publish(c.State())
}

func (c *Controller) current() *activeCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.call
}

// joined returns the current call unless it is stuck leaving.
func (c *Controller) joined() *activeCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.call == nil || c.call.leaving {
		return nil
	}
	return c.call
}

func (c *Controller) purge(ctx context.Context, workItemID string, log *zap.Logger) {
	pctx, cancel := context.WithTimeout(ctx, c.opts.SignalTimeout)
	defer cancel()
	if err := c.opts.Relay.Purge(pctx, workItemID, c.opts.Identity.ID); err != nil {
		log.Warn("purge signals", zap.Error(err))
	}
}

// removeSelf undoes a join write that must not stand.
func (c *Controller) removeSelf(workItemID string, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.SignalTimeout)
	defer cancel()
	localID := c.opts.Identity.ID
	if _, err := c.opts.Sessions.Update(ctx, workItemID, func(s *models.CallSession) error {
		if !s.Leave(localID) {
			return store.ErrNoChange
		}
		return nil
	}); err != nil {
		log.Warn("undo roster entry", zap.Error(err))
	}
}

func captureError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, media.ErrPermissionDenied):
		return apperrors.WrapError(apperrors.ErrCodePermissionDenied, err)
	case errors.Is(err, media.ErrDeviceUnavailable):
		return apperrors.WrapError(apperrors.ErrCodeDeviceUnavailable, err)
	case ctx.Err() != nil:
		return apperrors.FromContext(ctx)
	default:
		return apperrors.WrapError(apperrors.ErrCodeDeviceUnavailable, err)
	}
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if appErr, ok := apperrors.AsAppError(err); ok {
		return string(appErr.Code)
	}
	return string(apperrors.ErrCodeInternal)
}
