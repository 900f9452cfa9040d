// Package api exposes the local call controller over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	apperrors "github.com/LingByte/LingHuddle/pkg/errors"
	"github.com/LingByte/LingHuddle/pkg/huddle"
	"github.com/LingByte/LingHuddle/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// CallControl is the part of *huddle.Controller the API drives.
type CallControl interface {
	StartOrJoinCall(ctx context.Context, workItemID string) error
	LeaveCall(ctx context.Context) error
	ToggleMute(ctx context.Context) (bool, error)
	State() huddle.State
	Subscribe() (<-chan huddle.State, func())
}

var _ CallControl = (*huddle.Controller)(nil)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // local control surface
	},
}

type Handlers struct {
	calls CallControl
	log   *zap.Logger
}

func NewHandlers(calls CallControl, log *zap.Logger) *Handlers {
	return &Handlers{calls: calls, log: logger.OrNamed(log, "api")}
}

// StateView is the JSON rendering of huddle.State.
type StateView struct {
	ActiveCall    *huddle.ActiveCall `json:"activeCall"`
	LocalStreamID string             `json:"localStreamId,omitempty"`
	RemoteStreams map[string]string  `json:"remoteStreams"`
	LocalMuted    bool               `json:"localMuted"`
	Peers         []huddle.PeerInfo  `json:"peers"`
}

func NewStateView(s huddle.State) StateView {
	peers := s.Peers
	if peers == nil {
		peers = []huddle.PeerInfo{}
	}
	return StateView{
		ActiveCall:    s.ActiveCall,
		LocalStreamID: s.LocalStreamID(),
		RemoteStreams: s.RemoteStreamIDs(),
		LocalMuted:    s.LocalMuted,
		Peers:         peers,
	}
}

// Register mounts the call routes and the metrics endpoint.
func (h *Handlers) Register(r gin.IRouter) {
	calls := r.Group("/api/calls")
	{
		calls.POST("/:workItem/join", h.handleJoin)
		calls.POST("/leave", h.handleLeave)
		calls.POST("/mute", h.handleMute)
		calls.GET("/state", h.handleState)
		calls.GET("/events", h.handleEvents)
	}
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

func (h *Handlers) handleJoin(c *gin.Context) {
	workItem := c.Param("workItem")
	if err := h.calls.StartOrJoinCall(c.Request.Context(), workItem); err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, NewStateView(h.calls.State()))
}

func (h *Handlers) handleLeave(c *gin.Context) {
	if err := h.calls.LeaveCall(c.Request.Context()); err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, NewStateView(h.calls.State()))
}

func (h *Handlers) handleMute(c *gin.Context) {
	muted, err := h.calls.ToggleMute(c.Request.Context())
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"muted": muted})
}

func (h *Handlers) handleState(c *gin.Context) {
	c.JSON(http.StatusOK, NewStateView(h.calls.State()))
}

// handleEvents streams every state change over a websocket until either side
// goes away.
func (h *Handlers) handleEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("failed to upgrade connection", zap.Error(err))
		return
	}
	defer conn.Close()

	states, cancel := h.calls.Subscribe()
	defer cancel()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return
		case s, ok := <-states:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutting down"),
					time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(NewStateView(s)); err != nil {
				h.log.Debug("event stream closed", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (h *Handlers) abort(c *gin.Context, err error) {
	appErr, ok := apperrors.AsAppError(err)
	if !ok {
		appErr = apperrors.WrapError(apperrors.ErrCodeInternal, err)
	}
	if appErr.HTTPStatus >= http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.AbortWithStatusJSON(appErr.HTTPStatus, gin.H{"error": appErr})
}
