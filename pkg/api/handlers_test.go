package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	apperrors "github.com/LingByte/LingHuddle/pkg/errors"
	"github.com/LingByte/LingHuddle/pkg/huddle"
	"github.com/LingByte/LingHuddle/pkg/models"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeCalls struct {
	mu      sync.Mutex
	joinErr error
	state   huddle.State
	muted   bool
	joined  []string
	leaves  int
	subs    []chan huddle.State
}

func (f *fakeCalls) StartOrJoinCall(_ context.Context, workItemID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joinErr != nil {
		return f.joinErr
	}
	f.joined = append(f.joined, workItemID)
	f.state.ActiveCall = &huddle.ActiveCall{
		WorkItemID:   workItemID,
		IsActive:     true,
		Participants: map[string]models.ParticipantInfo{"alice": {Name: "Alice"}},
	}
	return nil
}

func (f *fakeCalls) LeaveCall(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves++
	f.state.ActiveCall = nil
	return nil
}

func (f *fakeCalls) ToggleMute(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.muted = !f.muted
	f.state.LocalMuted = f.muted
	return f.muted, nil
}

func (f *fakeCalls) State() huddle.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeCalls) Subscribe() (<-chan huddle.State, func()) {
	ch := make(chan huddle.State, 4)
	ch <- f.State()
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
	return ch, func() {}
}

func (f *fakeCalls) publish(s huddle.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		ch <- s
	}
}

func (f *fakeCalls) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func newRouter(calls CallControl) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandlers(calls, zap.NewNop()).Register(r)
	return r
}

func do(r http.Handler, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	r.ServeHTTP(w, req)
	return w
}

func TestJoinAndState(t *testing.T) {
	calls := &fakeCalls{}
	r := newRouter(calls)

	w := do(r, http.MethodPost, "/api/calls/TASK-1/join")
	require.Equal(t, http.StatusOK, w.Code)

	var view StateView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	require.NotNil(t, view.ActiveCall)
	assert.Equal(t, "TASK-1", view.ActiveCall.WorkItemID)
	assert.Equal(t, []string{"TASK-1"}, calls.joined)
	assert.NotNil(t, view.Peers)

	w = do(r, http.MethodGet, "/api/calls/state")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"workItemId":"TASK-1"`)
}

func TestJoinErrorsRenderAppError(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"permission", apperrors.NewAppError(apperrors.ErrCodePermissionDenied, "mic blocked"), http.StatusForbidden, "PERMISSION_DENIED"},
		{"device", apperrors.NewAppError(apperrors.ErrCodeDeviceUnavailable, "no mic"), http.StatusServiceUnavailable, "DEVICE_UNAVAILABLE"},
		{"roster", apperrors.NewAppError(apperrors.ErrCodeRosterWriteFailed, "store down"), http.StatusBadGateway, "ROSTER_WRITE_FAILED"},
		{"plain", assert.AnError, http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newRouter(&fakeCalls{joinErr: tc.err})
			w := do(r, http.MethodPost, "/api/calls/TASK-1/join")
			assert.Equal(t, tc.status, w.Code)

			var body struct {
				Error struct {
					Code    string `json:"code"`
					Message string `json:"message"`
				} `json:"error"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tc.code, body.Error.Code)
			assert.NotEmpty(t, body.Error.Message)
		})
	}
}

func TestLeaveAndMute(t *testing.T) {
	calls := &fakeCalls{}
	r := newRouter(calls)

	w := do(r, http.MethodPost, "/api/calls/mute")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"muted":true}`, w.Body.String())

	w = do(r, http.MethodPost, "/api/calls/leave")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, calls.leaves)
	assert.Contains(t, w.Body.String(), `"activeCall":null`)
	assert.Contains(t, w.Body.String(), `"localMuted":true`)
}

func TestMetricsEndpoint(t *testing.T) {
	r := newRouter(&fakeCalls{})
	w := do(r, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestEventsStreamState(t *testing.T) {
	calls := &fakeCalls{}
	srv := httptest.NewServer(newRouter(calls))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/calls/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var first StateView
	require.NoError(t, conn.ReadJSON(&first))
	assert.Nil(t, first.ActiveCall)

	require.Eventually(t, func() bool { return calls.subscribers() == 1 }, time.Second, 10*time.Millisecond)
	calls.publish(huddle.State{
		ActiveCall: &huddle.ActiveCall{WorkItemID: "TASK-2", IsActive: true},
		Peers:      []huddle.PeerInfo{{RemoteID: "bob", Initiator: true, State: huddle.PeerConnected}},
	})

	var next StateView
	require.NoError(t, conn.ReadJSON(&next))
	require.NotNil(t, next.ActiveCall)
	assert.Equal(t, "TASK-2", next.ActiveCall.WorkItemID)
	require.Len(t, next.Peers, 1)
	assert.Equal(t, huddle.PeerConnected, next.Peers[0].State)
}
