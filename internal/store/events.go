package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"calendar-assistant/internal/ics"
	"calendar-assistant/internal/model"
)

// EventRepository is the gorm-backed EventStore. Each row carries the
// instance's rendered VEVENT so the table doubles as a CalDAV-style
// object store.
type EventRepository struct {
	db *gorm.DB
}

var _ EventStore = (*EventRepository)(nil)

func NewEventRepository(db *gorm.DB) *EventRepository {
	return &EventRepository{db: db}
}

func (r *EventRepository) CreateInstance(ctx context.Context, inst *model.EventInstance) error {
	if inst.ICal == "" {
		inst.ICal = ics.EncodeInstance(*inst)
	}
	// Insert-if-absent so a duplicate id surfaces as ErrConflict instead
	// of a driver-specific constraint error.
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(inst)
	if res.Error != nil {
		return fmt.Errorf("create instance: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("create instance %s: %w", inst.ID, ErrConflict)
	}
	return nil
}

func (r *EventRepository) GetInstance(ctx context.Context, ownerID int64, id string) (*model.EventInstance, error) {
	var inst model.EventInstance
	err := r.db.WithContext(ctx).Where("owner_id = ? AND id = ?", ownerID, id).First(&inst).Error
	switch {
	case err == nil:
		return &inst, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, fmt.Errorf("get instance %s: %w", id, ErrNotFound)
	default:
		return nil, fmt.Errorf("get instance: %w", err)
	}
}

func (r *EventRepository) ListInstances(ctx context.Context, ownerID int64, from, to time.Time) ([]model.EventInstance, error) {
	var instances []model.EventInstance
	if err := r.db.WithContext(ctx).
		Where("owner_id = ? AND start_utc >= ? AND start_utc <= ?", ownerID, from, to).
		Order("start_utc ASC").
		Find(&instances).Error; err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	return instances, nil
}

func (r *EventRepository) ListWindow(ctx context.Context, from, to time.Time) ([]model.EventInstance, error) {
	var instances []model.EventInstance
	if err := r.db.WithContext(ctx).
		Where("start_utc >= ? AND start_utc <= ?", from, to).
		Order("start_utc ASC").
		Find(&instances).Error; err != nil {
		return nil, fmt.Errorf("list window: %w", err)
	}
	return instances, nil
}

func (r *EventRepository) DeleteInstance(ctx context.Context, ownerID int64, id string) error {
	res := r.db.WithContext(ctx).Where("owner_id = ? AND id = ?", ownerID, id).
		Delete(&model.EventInstance{})
	if res.Error != nil {
		return fmt.Errorf("delete instance: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("delete instance %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r *EventRepository) DeleteSeries(ctx context.Context, ownerID int64, seriesID string) (int64, error) {
	res := r.db.WithContext(ctx).Where("owner_id = ? AND series_id = ?", ownerID, seriesID).
		Delete(&model.EventInstance{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete series: %w", res.Error)
	}
	return res.RowsAffected, nil
}
