package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		code   ErrorCode
		status int
	}{
		{ErrCodeInvalidInput, http.StatusBadRequest},
		{ErrCodeInvalidPayload, http.StatusBadRequest},
		{ErrCodePermissionDenied, http.StatusForbidden},
		{ErrCodeNotInCall, http.StatusConflict},
		{ErrCodeDeviceUnavailable, http.StatusServiceUnavailable},
		{ErrCodeRosterWriteFailed, http.StatusBadGateway},
		{ErrCodeRelay, http.StatusBadGateway},
		{ErrCodeInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.status, NewAppError(tt.code, "x").HTTPStatus)
		})
	}
}

func TestWrapAndAs(t *testing.T) {
	cause := stderrors.New("boom")
	err := fmt.Errorf("outer: %w", WrapError(ErrCodeRelay, cause))

	appErr, ok := AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, ErrCodeRelay, appErr.Code)
	assert.ErrorIs(t, err, cause)
	assert.True(t, HasCode(err, ErrCodeRelay))
	assert.False(t, HasCode(err, ErrCodeInternal))
	assert.True(t, stderrors.Is(err, NewAppError(ErrCodeRelay, "")))
}

func TestErrorString(t *testing.T) {
	err := NewAppErrorf(ErrCodeNotInCall, "no call for %s", "wi-1")
	assert.Equal(t, "NOT_IN_CALL: no call for wi-1", err.Error())

	err = Wrapf(ErrCodeInternal, stderrors.New("disk"), "save")
	assert.Contains(t, err.Error(), "caused by: disk")

	err = NewAppError(ErrCodeInvalidInput, "bad").WithDetails("field", "workItemId")
	assert.Equal(t, "workItemId", err.Details["field"])
}

func TestFromContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	assert.Nil(t, FromContext(ctx))
	cancel()
	err := FromContext(ctx)
	require.NotNil(t, err)
	assert.Equal(t, ErrCodeJoinCancelled, err.Code)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsAppError(t *testing.T) {
	assert.False(t, IsAppError(stderrors.New("plain")))
	assert.True(t, IsAppError(NewAppError(ErrCodeInternal, "x")))
}
