// Package sqlstore keeps call sessions and signal mailboxes in a SQL database
// through gorm. Subscriptions poll, so delivery latency is bounded by the
// configured interval.
package sqlstore

import (
	"context"
	"errors"
	"time"

	"github.com/LingByte/LingHuddle/pkg/constants"
	"github.com/LingByte/LingHuddle/pkg/logger"
	"github.com/LingByte/LingHuddle/pkg/models"
	"github.com/LingByte/LingHuddle/pkg/store"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxUpdateRetries = 32

// Sessions implements store.SessionStore.
type Sessions struct {
	db   *gorm.DB
	poll time.Duration
	log  *zap.Logger
}

var _ store.SessionStore = (*Sessions)(nil)

func NewSessions(db *gorm.DB, poll time.Duration, log *zap.Logger) *Sessions {
	if poll <= 0 {
		poll = constants.DefaultSQLPollInterval
	}
	return &Sessions{db: db, poll: poll, log: logger.OrNamed(log, "sql-sessions")}
}

func (s *Sessions) Get(ctx context.Context, workItemID string) (*models.CallSession, error) {
	var row SessionRow
	err := s.db.WithContext(ctx).Where("work_item_id = ?", workItemID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

func (s *Sessions) Set(ctx context.Context, session *models.CallSession) error {
	_, err := s.Update(ctx, session.WorkItemID, func(cur *models.CallSession) error {
		cur.Participants = session.Clone().Participants
		return nil
	})
	return err
}

func (s *Sessions) Update(ctx context.Context, workItemID string, fn store.Mutation) (*models.CallSession, error) {
	db := s.db.WithContext(ctx)
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		cur, err := s.Get(ctx, workItemID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		next, err := store.Prepare(workItemID, cur, fn)
		if errors.Is(err, store.ErrNoChange) {
			return next, nil
		}
		if err != nil {
			return nil, err
		}
		next.UpdatedAt = time.Now()

		var res *gorm.DB
		if cur == nil {
			res = db.Clauses(clause.OnConflict{DoNothing: true}).Create(sessionRow(next))
		} else {
			res = db.Model(&SessionRow{}).
				Where("work_item_id = ? AND version = ?", workItemID, cur.Version).
				Updates(map[string]interface{}{
					"is_active":    next.IsActive,
					"participants": datatypes.NewJSONType(next.Participants),
					"version":      next.Version,
					"updated_at":   next.UpdatedAt,
				})
		}
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 1 {
			return next, nil
		}
		s.log.Debug("session update conflict, retrying", zap.String("work_item", workItemID), zap.Int("attempt", attempt))
		select {
		case <-time.After(time.Duration(attempt+1) * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, store.ErrConflict
}

func (s *Sessions) Delete(ctx context.Context, workItemID string) error {
	return s.db.WithContext(ctx).Where("work_item_id = ?", workItemID).Delete(&SessionRow{}).Error
}

func (s *Sessions) Subscribe(ctx context.Context, workItemID string) (<-chan *models.CallSession, error) {
	first, err := s.Get(ctx, workItemID)
	if errors.Is(err, store.ErrNotFound) {
		first, err = models.NewCallSession(workItemID), nil
	}
	if err != nil {
		return nil, err
	}

	out := make(chan *models.CallSession, 1)
	out <- first
	go func() {
		defer close(out)
		last := first.Version
		ticker := time.NewTicker(s.poll)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			cur, err := s.Get(ctx, workItemID)
			if errors.Is(err, store.ErrNotFound) {
				if last == 0 {
					continue
				}
				cur, err = models.NewCallSession(workItemID), nil
			}
			if err != nil {
				if ctx.Err() == nil {
					s.log.Warn("session poll failed", zap.String("work_item", workItemID), zap.Error(err))
				}
				continue
			}
			if cur.Version != last {
				last = cur.Version
				store.Offer(out, cur)
			}
		}
	}()
	return out, nil
}
