package sqlstore

import (
	"time"

	"github.com/LingByte/LingHuddle/pkg/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SessionRow stores one call session. Version guards optimistic updates.
type SessionRow struct {
	WorkItemID   string                                               `gorm:"primaryKey;size:128"`
	IsActive     bool                                                 `gorm:"not null;default:false"`
	Participants datatypes.JSONType[map[string]models.ParticipantInfo] `gorm:"not null"`
	Version      int64                                                `gorm:"not null;default:0"`
	UpdatedAt    time.Time
}

func (SessionRow) TableName() string { return "huddle_sessions" }

// SignalRow is one relay entry. The autoincrement id gives per-recipient order.
type SignalRow struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement"`
	WorkItemID string    `gorm:"size:128;not null;index:idx_huddle_signal_inbox,priority:1"`
	Recipient  string    `gorm:"size:128;not null;index:idx_huddle_signal_inbox,priority:2"`
	Sender     string    `gorm:"size:128;not null"`
	Payload    []byte    `gorm:"not null"`
	CreatedAt  time.Time `gorm:"autoCreateTime"`
}

func (SignalRow) TableName() string { return "huddle_signals" }

// Migrate creates or updates the huddle tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&SessionRow{}, &SignalRow{})
}

func (r *SessionRow) toModel() *models.CallSession {
	s := &models.CallSession{
		WorkItemID:   r.WorkItemID,
		Participants: r.Participants.Data(),
		Version:      r.Version,
		UpdatedAt:    r.UpdatedAt,
	}
	s.Normalize()
	return s
}

func sessionRow(s *models.CallSession) *SessionRow {
	return &SessionRow{
		WorkItemID:   s.WorkItemID,
		IsActive:     s.IsActive,
		Participants: datatypes.NewJSONType(s.Participants),
		Version:      s.Version,
		UpdatedAt:    s.UpdatedAt,
	}
}
