package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LingByte/LingHuddle/pkg/constants"
	"github.com/LingByte/LingHuddle/pkg/logger"
	"github.com/LingByte/LingHuddle/pkg/models"
	"github.com/LingByte/LingHuddle/pkg/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	readBlock = 500 * time.Millisecond
	readCount = 64
)

// Relay implements store.SignalRelay on one stream per (work item, recipient).
type Relay struct {
	rdb redis.UniversalClient
	log *zap.Logger
}

var _ store.SignalRelay = (*Relay)(nil)

func NewRelay(rdb redis.UniversalClient, log *zap.Logger) *Relay {
	return &Relay{rdb: rdb, log: logger.OrNamed(log, "redis-relay")}
}

func streamKey(workItemID, to string) string {
	return fmt.Sprintf(constants.RedisSignalStream, workItemID, to)
}

func (r *Relay) Append(ctx context.Context, workItemID, to, from string, payload []byte) (string, error) {
	return r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(workItemID, to),
		Values: map[string]interface{}{
			"from":    from,
			"payload": payload,
			"at":      time.Now().UnixMilli(),
		},
	}).Result()
}

func (r *Relay) Subscribe(ctx context.Context, workItemID, to string) (<-chan *models.SignalMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := streamKey(workItemID, to)
	out := make(chan *models.SignalMessage, readCount)

	go func() {
		defer close(out)
		last := "0"
		failures := 0
		for ctx.Err() == nil {
			res, err := r.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{key, last},
				Count:   readCount,
				Block:   readBlock,
			}).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				failures++
				r.log.Warn("signal read failed", zap.String("stream", key), zap.Int("failures", failures), zap.Error(err))
				backoff(ctx, failures)
				continue
			}
			failures = 0
			for _, stream := range res {
				for _, m := range stream.Messages {
					last = m.ID
					msg := toSignal(workItemID, to, m)
					select {
					case out <- msg:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, nil
}

func toSignal(workItemID, to string, m redis.XMessage) *models.SignalMessage {
	msg := &models.SignalMessage{ID: m.ID, WorkItemID: workItemID, To: to}
	if v, ok := m.Values["from"].(string); ok {
		msg.From = v
	}
	if v, ok := m.Values["payload"].(string); ok {
		msg.Payload = []byte(v)
	}
	if v, ok := m.Values["at"].(string); ok {
		var ms int64
		if _, err := fmt.Sscan(v, &ms); err == nil {
			msg.CreatedAt = time.UnixMilli(ms)
		}
	}
	return msg
}

func (r *Relay) Delete(ctx context.Context, workItemID, to, id string) error {
	return r.rdb.XDel(ctx, streamKey(workItemID, to), id).Err()
}

func (r *Relay) Purge(ctx context.Context, workItemID, to string) error {
	return r.rdb.Del(ctx, streamKey(workItemID, to)).Err()
}
