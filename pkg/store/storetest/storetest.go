// Package storetest holds behaviour checks shared by every store backend.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/LingByte/LingHuddle/pkg/models"
	"github.com/LingByte/LingHuddle/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wait = 3 * time.Second

func join(id string) store.Mutation {
	return func(s *models.CallSession) error {
		s.Join(id, models.ParticipantInfo{Name: id, JoinedAt: time.Now()})
		return nil
	}
}

func leave(id string) store.Mutation {
	return func(s *models.CallSession) error {
		if !s.Leave(id) {
			return store.ErrNoChange
		}
		return nil
	}
}

// RunSessionStore checks roster semantics on a fresh store from newStore.
func RunSessionStore(t *testing.T, newStore func(t *testing.T) store.SessionStore) {
	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(context.Background(), "missing")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("UpdateMaintainsActive", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		got, err := s.Update(ctx, "wi", join("a"))
		require.NoError(t, err)
		assert.True(t, got.IsActive)
		assert.Equal(t, "wi", got.WorkItemID)

		got, err = s.Update(ctx, "wi", join("b"))
		require.NoError(t, err)
		assert.Len(t, got.Participants, 2)

		_, err = s.Update(ctx, "wi", leave("a"))
		require.NoError(t, err)
		got, err = s.Update(ctx, "wi", leave("b"))
		require.NoError(t, err)
		assert.False(t, got.IsActive)
		assert.Empty(t, got.Participants)

		stored, err := s.Get(ctx, "wi")
		require.NoError(t, err)
		assert.False(t, stored.IsActive)
	})

	t.Run("NoChangeSkipsWrite", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		first, err := s.Update(ctx, "wi", join("a"))
		require.NoError(t, err)
		again, err := s.Update(ctx, "wi", leave("nobody"))
		require.NoError(t, err)
		assert.Equal(t, first.Version, again.Version)
	})

	t.Run("ConcurrentJoinsAllLand", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		ids := []string{"p1", "p2", "p3", "p4", "p5", "p6"}

		var wg sync.WaitGroup
		for _, id := range ids {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				_, err := s.Update(ctx, "wi", join(id))
				assert.NoError(t, err)
			}(id)
		}
		wg.Wait()

		got, err := s.Get(ctx, "wi")
		require.NoError(t, err)
		assert.Len(t, got.Participants, len(ids))
		assert.True(t, got.IsActive)
	})

	t.Run("SetAndDelete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		doc := models.NewCallSession("wi")
		doc.Join("a", models.ParticipantInfo{Name: "A"})
		doc.IsActive = false
		require.NoError(t, s.Set(ctx, doc))

		got, err := s.Get(ctx, "wi")
		require.NoError(t, err)
		assert.True(t, got.IsActive, "Set must restore the active invariant")

		require.NoError(t, s.Delete(ctx, "wi"))
		_, err = s.Get(ctx, "wi")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("SubscribeDeliversSnapshotThenChanges", func(t *testing.T) {
		s := newStore(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		ch, err := s.Subscribe(ctx, "wi")
		require.NoError(t, err)

		first := next(t, ch)
		assert.False(t, first.IsActive)

		_, err = s.Update(context.Background(), "wi", join("a"))
		require.NoError(t, err)
		waitFor(t, ch, func(s *models.CallSession) bool { return s.Has("a") })

		_, err = s.Update(context.Background(), "wi", leave("a"))
		require.NoError(t, err)
		waitFor(t, ch, func(s *models.CallSession) bool { return !s.IsActive })

		cancel()
		assertClosed(t, ch)
	})
}

// RunSignalRelay checks mailbox semantics on a fresh relay from newRelay.
func RunSignalRelay(t *testing.T, newRelay func(t *testing.T) store.SignalRelay) {
	t.Run("OrderedDelivery", func(t *testing.T) {
		r := newRelay(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		for _, p := range []string{"offer", "c1", "c2"} {
			_, err := r.Append(ctx, "wi", "bob", "alice", []byte(p))
			require.NoError(t, err)
		}
		ch, err := r.Subscribe(ctx, "wi", "bob")
		require.NoError(t, err)

		for _, want := range []string{"offer", "c1", "c2"} {
			msg := nextMsg(t, ch)
			assert.Equal(t, want, string(msg.Payload))
			assert.Equal(t, "alice", msg.From)
			assert.NotEmpty(t, msg.ID)
		}

		_, err = r.Append(ctx, "wi", "bob", "carol", []byte("late"))
		require.NoError(t, err)
		msg := nextMsg(t, ch)
		assert.Equal(t, "late", string(msg.Payload))
		assert.Equal(t, "carol", msg.From)

		cancel()
		assertClosedMsg(t, ch)
	})

	t.Run("RecipientsAreIsolated", func(t *testing.T) {
		r := newRelay(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		_, err := r.Append(ctx, "wi", "carol", "alice", []byte("for-carol"))
		require.NoError(t, err)
		_, err = r.Append(ctx, "other", "bob", "alice", []byte("other-item"))
		require.NoError(t, err)
		_, err = r.Append(ctx, "wi", "bob", "alice", []byte("for-bob"))
		require.NoError(t, err)

		ch, err := r.Subscribe(ctx, "wi", "bob")
		require.NoError(t, err)
		assert.Equal(t, "for-bob", string(nextMsg(t, ch).Payload))
		select {
		case msg := <-ch:
			t.Fatalf("unexpected message %q", msg.Payload)
		case <-time.After(300 * time.Millisecond):
		}
	})

	t.Run("DeleteAndPurge", func(t *testing.T) {
		r := newRelay(t)
		ctx := context.Background()

		id1, err := r.Append(ctx, "wi", "bob", "alice", []byte("one"))
		require.NoError(t, err)
		_, err = r.Append(ctx, "wi", "bob", "alice", []byte("two"))
		require.NoError(t, err)
		require.NoError(t, r.Delete(ctx, "wi", "bob", id1))

		subCtx, cancel := context.WithCancel(ctx)
		ch, err := r.Subscribe(subCtx, "wi", "bob")
		require.NoError(t, err)
		assert.Equal(t, "two", string(nextMsg(t, ch).Payload))
		cancel()
		assertClosedMsg(t, ch)

		require.NoError(t, r.Purge(ctx, "wi", "bob"))
		subCtx, cancel = context.WithCancel(ctx)
		defer cancel()
		ch, err = r.Subscribe(subCtx, "wi", "bob")
		require.NoError(t, err)
		select {
		case msg := <-ch:
			t.Fatalf("purged message %q redelivered", msg.Payload)
		case <-time.After(300 * time.Millisecond):
		}

		assert.NoError(t, r.Delete(ctx, "wi", "bob", id1), "deleting twice is harmless")
	})
}

func next(t *testing.T, ch <-chan *models.CallSession) *models.CallSession {
	t.Helper()
	select {
	case s, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return s
	case <-time.After(wait):
		t.Fatal("timed out waiting for session snapshot")
		return nil
	}
}

func waitFor(t *testing.T, ch <-chan *models.CallSession, cond func(*models.CallSession) bool) {
	t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case s, ok := <-ch:
			require.True(t, ok, "subscription closed")
			if cond(s) {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for session condition")
		}
	}
}

func nextMsg(t *testing.T, ch <-chan *models.SignalMessage) *models.SignalMessage {
	t.Helper()
	select {
	case m, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return m
	case <-time.After(wait):
		t.Fatal("timed out waiting for signal")
		return nil
	}
}

func assertClosed(t *testing.T, ch <-chan *models.CallSession) {
	t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscription not closed after cancel")
		}
	}
}

func assertClosedMsg(t *testing.T, ch <-chan *models.SignalMessage) {
	t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscription not closed after cancel")
		}
	}
}
