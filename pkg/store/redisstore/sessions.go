// Package redisstore keeps call sessions and signal mailboxes in redis.
//
// A session is one JSON string key updated with WATCH/MULTI; every committed
// write publishes its version on a per-session channel. Each recipient's
// mailbox is a stream read with XREAD and trimmed with XDEL.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/LingByte/LingHuddle/pkg/constants"
	"github.com/LingByte/LingHuddle/pkg/logger"
	"github.com/LingByte/LingHuddle/pkg/models"
	"github.com/LingByte/LingHuddle/pkg/store"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const maxTxRetries = 32

// Sessions implements store.SessionStore.
type Sessions struct {
	rdb redis.UniversalClient
	log *zap.Logger
}

var _ store.SessionStore = (*Sessions)(nil)

func NewSessions(rdb redis.UniversalClient, log *zap.Logger) *Sessions {
	return &Sessions{rdb: rdb, log: logger.OrNamed(log, "redis-sessions")}
}

func sessionKey(workItemID string) string {
	return fmt.Sprintf(constants.RedisSessionKey, workItemID)
}

func sessionChannel(workItemID string) string {
	return fmt.Sprintf(constants.RedisSessionChannel, workItemID)
}

func decodeSession(workItemID string, raw []byte) (*models.CallSession, error) {
	s := models.NewCallSession(workItemID)
	if err := sonic.Unmarshal(raw, s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", workItemID, err)
	}
	s.WorkItemID = workItemID
	s.Normalize()
	return s, nil
}

func load(ctx context.Context, c redis.Cmdable, workItemID string) (*models.CallSession, error) {
	raw, err := c.Get(ctx, sessionKey(workItemID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeSession(workItemID, raw)
}

func (s *Sessions) Get(ctx context.Context, workItemID string) (*models.CallSession, error) {
	return load(ctx, s.rdb, workItemID)
}

func (s *Sessions) Set(ctx context.Context, session *models.CallSession) error {
	_, err := s.Update(ctx, session.WorkItemID, func(cur *models.CallSession) error {
		cur.Participants = session.Clone().Participants
		return nil
	})
	return err
}

func (s *Sessions) Update(ctx context.Context, workItemID string, fn store.Mutation) (*models.CallSession, error) {
	key := sessionKey(workItemID)
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		var result *models.CallSession
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			cur, err := load(ctx, tx, workItemID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			next, err := store.Prepare(workItemID, cur, fn)
			result = next
			if err != nil {
				return err
			}
			next.UpdatedAt = time.Now()
			raw, err := sonic.Marshal(next)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, raw, 0)
				pipe.Publish(ctx, sessionChannel(workItemID), next.Version)
				return nil
			})
			return err
		}, key)

		switch {
		case err == nil:
			return result, nil
		case errors.Is(err, store.ErrNoChange):
			return result, nil
		case errors.Is(err, redis.TxFailedErr):
			s.log.Debug("session update conflict, retrying", zap.String("work_item", workItemID), zap.Int("attempt", attempt))
			backoff(ctx, attempt)
			continue
		default:
			return nil, err
		}
	}
	return nil, store.ErrConflict
}

func backoff(ctx context.Context, attempt int) {
	d := time.Duration(1+rand.Intn(5*(attempt+1))) * time.Millisecond
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

func (s *Sessions) Delete(ctx context.Context, workItemID string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, sessionKey(workItemID))
		pipe.Publish(ctx, sessionChannel(workItemID), 0)
		return nil
	})
	return err
}

// Subscribe listens on the change channel and re-reads the document after
// each notice, so a missed message only delays delivery until the next one.
func (s *Sessions) Subscribe(ctx context.Context, workItemID string) (<-chan *models.CallSession, error) {
	ps := s.rdb.Subscribe(ctx, sessionChannel(workItemID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", workItemID, err)
	}

	out := make(chan *models.CallSession, 1)
	go func() {
		defer close(out)
		defer ps.Close()

		var last int64 = -1
		deliver := func() {
			cur, err := s.Get(ctx, workItemID)
			if errors.Is(err, store.ErrNotFound) {
				cur = models.NewCallSession(workItemID)
				err = nil
			}
			if err != nil {
				if ctx.Err() == nil {
					s.log.Warn("session reload failed", zap.String("work_item", workItemID), zap.Error(err))
				}
				return
			}
			if cur.Version == last && last != -1 {
				return
			}
			last = cur.Version
			store.Offer(out, cur)
		}

		deliver()
		notices := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-notices:
				if !ok {
					return
				}
				deliver()
			}
		}
	}()
	return out, nil
}
