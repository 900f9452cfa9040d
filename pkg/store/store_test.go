package store

import (
	"errors"
	"testing"

	"github.com/LingByte/LingHuddle/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOfferKeepsLatest(t *testing.T) {
	ch := make(chan *models.CallSession, 1)
	first := &models.CallSession{Version: 1}
	second := &models.CallSession{Version: 2}

	Offer(ch, first)
	Offer(ch, second)

	got := <-ch
	assert.Equal(t, int64(2), got.Version)
	select {
	case <-ch:
		t.Fatal("expected a single slot")
	default:
	}
}

func TestPrepare(t *testing.T) {
	next, err := Prepare("w", nil, func(s *models.CallSession) error {
		s.Join("a", models.ParticipantInfo{Name: "A"})
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "w", next.WorkItemID)
	assert.Equal(t, int64(1), next.Version)
	assert.True(t, next.IsActive)

	same, err := Prepare("w", next, func(s *models.CallSession) error { return ErrNoChange })
	assert.ErrorIs(t, err, ErrNoChange)
	assert.Same(t, next, same)

	boom := errors.New("boom")
	_, err = Prepare("w", next, func(s *models.CallSession) error {
		s.Leave("a")
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.True(t, next.Has("a"), "failed mutation must not touch the stored copy")
}
