// Package ledger is the durable idempotency record behind reminder
// delivery: at most one successful send per (instance, recipient, offset),
// surviving process restarts and concurrent scheduler workers.
package ledger

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"calendar-assistant/internal/model"
)

// DeliveryLedger records confirmed reminder deliveries.
type DeliveryLedger interface {
	HasSent(ctx context.Context, instanceID string, recipientID int64, offset time.Duration) (bool, error)
	// MarkSent inserts a record if absent and is a silent no-op when one
	// already exists; concurrent callers never double-insert or fail.
	MarkSent(ctx context.Context, instanceID string, recipientID int64, offset time.Duration, sentAt time.Time) error
	// PurgeOlderThan removes records sent before cutoff and returns how
	// many were removed.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// GormLedger is the SQLite-backed DeliveryLedger. Idempotency rests on the
// composite unique index over (instance_id, recipient_id, offset_sec) plus
// an ON CONFLICT DO NOTHING insert, not a check-then-insert pair.
type GormLedger struct {
	db *gorm.DB
}

var _ DeliveryLedger = (*GormLedger)(nil)

func NewGormLedger(db *gorm.DB) *GormLedger {
	return &GormLedger{db: db}
}

func (l *GormLedger) HasSent(ctx context.Context, instanceID string, recipientID int64, offset time.Duration) (bool, error) {
	var count int64
	if err := l.db.WithContext(ctx).Model(&model.ReminderRecord{}).
		Where("instance_id = ? AND recipient_id = ? AND offset_sec = ?",
			instanceID, recipientID, int64(offset.Seconds())).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("ledger lookup: %w", err)
	}
	return count > 0, nil
}

func (l *GormLedger) MarkSent(ctx context.Context, instanceID string, recipientID int64, offset time.Duration, sentAt time.Time) error {
	record := model.ReminderRecord{
		InstanceID:  instanceID,
		RecipientID: recipientID,
		OffsetSec:   int64(offset.Seconds()),
		SentAt:      sentAt.UTC(),
	}
	if err := l.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&record).Error; err != nil {
		return fmt.Errorf("ledger mark sent: %w", err)
	}
	return nil
}

func (l *GormLedger) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := l.db.WithContext(ctx).
		Where("sent_at < ?", cutoff.UTC()).
		Delete(&model.ReminderRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("ledger purge: %w", res.Error)
	}
	return res.RowsAffected, nil
}
