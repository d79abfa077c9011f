package model

import "time"

// ReminderRecord marks one successfully delivered reminder. The composite
// unique index is the idempotency guarantee: at most one record per
// (instance, recipient, offset) ever exists. Records are never updated,
// only inserted after a confirmed delivery and purged after retention.
type ReminderRecord struct {
	ID          uint      `gorm:"primaryKey"`
	InstanceID  string    `gorm:"uniqueIndex:idx_instance_recipient_offset,priority:1"`
	RecipientID int64     `gorm:"uniqueIndex:idx_instance_recipient_offset,priority:2"`
	OffsetSec   int64     `gorm:"uniqueIndex:idx_instance_recipient_offset,priority:3"`
	SentAt      time.Time `gorm:"index"`
}
