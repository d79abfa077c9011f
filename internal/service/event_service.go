package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"calendar-assistant/internal/model"
	"calendar-assistant/internal/recurrence"
	"calendar-assistant/internal/store"
)

// EventService turns validated templates into persisted instances: the
// event-creation half of the pipeline, upstream of the reminder sweep.
type EventService struct {
	store   store.EventStore
	horizon time.Duration // how far ahead recurring templates are materialized
	now     func() time.Time
}

// Option tweaks an EventService.
type Option func(*EventService)

// WithClock substitutes the wall clock, used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *EventService) { s.now = now }
}

func NewEventService(st store.EventStore, horizon time.Duration, opts ...Option) *EventService {
	if horizon <= 0 {
		horizon = 60 * 24 * time.Hour
	}
	s := &EventService{store: st, horizon: horizon, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateFromTemplate expands the template over the materialization horizon
// and persists one instance per occurrence. A one-off template produces a
// single instance. All created instances share a series id so the whole
// series can be deleted at once.
func (s *EventService) CreateFromTemplate(ctx context.Context, ownerID int64, tmpl model.EventTemplate) ([]model.EventInstance, error) {
	if err := tmpl.Validate(); err != nil {
		return nil, fmt.Errorf("invalid template: %w", err)
	}

	starts := []time.Time{tmpl.Start.UTC()}
	if tmpl.Recurrence != nil {
		windowEnd := s.now().Add(s.horizon)
		if windowEnd.Before(tmpl.Start) {
			// A series starting beyond the horizon still materializes
			// its first occurrence.
			windowEnd = tmpl.Start
		}
		expanded, err := recurrence.Expand(*tmpl.Recurrence, tmpl.Start, tmpl.Start, windowEnd)
		if err != nil {
			return nil, err
		}
		starts = expanded
	}

	seriesID := uuid.NewString()
	instances := make([]model.EventInstance, 0, len(starts))
	for _, start := range starts {
		inst := model.EventInstance{
			ID:          uuid.NewString(),
			OwnerID:     ownerID,
			SeriesID:    seriesID,
			Title:       tmpl.Title,
			Place:       tmpl.Place,
			Description: tmpl.Description,
			StartUTC:    start,
			EndUTC:      start.Add(tmpl.Duration),
		}
		if err := s.store.CreateInstance(ctx, &inst); err != nil {
			return instances, fmt.Errorf("create occurrence at %s: %w", start, err)
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// ListUpcoming returns the owner's instances from now over the horizon.
func (s *EventService) ListUpcoming(ctx context.Context, ownerID int64) ([]model.EventInstance, error) {
	now := s.now()
	return s.store.ListInstances(ctx, ownerID, now, now.Add(s.horizon))
}

// DeleteOccurrence removes one instance.
func (s *EventService) DeleteOccurrence(ctx context.Context, ownerID int64, id string) error {
	return s.store.DeleteInstance(ctx, ownerID, id)
}

// DeleteSeries removes every instance created from the same template.
func (s *EventService) DeleteSeries(ctx context.Context, ownerID int64, seriesID string) (int64, error) {
	return s.store.DeleteSeries(ctx, ownerID, seriesID)
}
