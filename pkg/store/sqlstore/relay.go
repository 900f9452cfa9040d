package sqlstore

import (
	"context"
	"strconv"
	"time"

	"github.com/LingByte/LingHuddle/pkg/constants"
	"github.com/LingByte/LingHuddle/pkg/logger"
	"github.com/LingByte/LingHuddle/pkg/models"
	"github.com/LingByte/LingHuddle/pkg/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const pollBatch = 64

// Relay implements store.SignalRelay over the huddle_signals table.
type Relay struct {
	db   *gorm.DB
	poll time.Duration
	log  *zap.Logger
}

var _ store.SignalRelay = (*Relay)(nil)

func NewRelay(db *gorm.DB, poll time.Duration, log *zap.Logger) *Relay {
	if poll <= 0 {
		poll = constants.DefaultSQLPollInterval
	}
	return &Relay{db: db, poll: poll, log: logger.OrNamed(log, "sql-relay")}
}

func (r *Relay) Append(ctx context.Context, workItemID, to, from string, payload []byte) (string, error) {
	row := &SignalRow{WorkItemID: workItemID, Recipient: to, Sender: from, Payload: payload}
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return "", err
	}
	return strconv.FormatUint(row.ID, 10), nil
}

func (r *Relay) Subscribe(ctx context.Context, workItemID, to string) (<-chan *models.SignalMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(chan *models.SignalMessage, pollBatch)
	go func() {
		defer close(out)
		var last uint64
		ticker := time.NewTicker(r.poll)
		defer ticker.Stop()
		for {
			var rows []SignalRow
			err := r.db.WithContext(ctx).
				Where("work_item_id = ? AND recipient = ? AND id > ?", workItemID, to, last).
				Order("id").
				Limit(pollBatch).
				Find(&rows).Error
			if err != nil && ctx.Err() == nil {
				r.log.Warn("signal poll failed", zap.String("work_item", workItemID), zap.String("to", to), zap.Error(err))
			}
			for i := range rows {
				last = rows[i].ID
				select {
				case out <- toSignal(&rows[i]):
				case <-ctx.Done():
					return
				}
			}
			if len(rows) == pollBatch {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out, nil
}

func toSignal(row *SignalRow) *models.SignalMessage {
	return &models.SignalMessage{
		ID:         strconv.FormatUint(row.ID, 10),
		WorkItemID: row.WorkItemID,
		To:         row.Recipient,
		From:       row.Sender,
		Payload:    row.Payload,
		CreatedAt:  row.CreatedAt,
	}
}

func (r *Relay) Delete(ctx context.Context, workItemID, to, id string) error {
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).
		Where("id = ? AND work_item_id = ? AND recipient = ?", n, workItemID, to).
		Delete(&SignalRow{}).Error
}

func (r *Relay) Purge(ctx context.Context, workItemID, to string) error {
	return r.db.WithContext(ctx).
		Where("work_item_id = ? AND recipient = ?", workItemID, to).
		Delete(&SignalRow{}).Error
}
