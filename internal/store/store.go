package store

import (
	"context"
	"errors"
	"time"

	"calendar-assistant/internal/model"
)

var (
	// ErrConflict reports an instance id that already exists.
	ErrConflict = errors.New("instance already exists")
	// ErrNotFound reports a missing instance.
	ErrNotFound = errors.New("instance not found")
)

// EventStore is the calendar backend the core depends on. The scheduler
// only reads from it; writes originate from the event-creation path. A
// successful write is visible to any list call issued after it returns,
// which is all the consistency the scheduler assumes.
type EventStore interface {
	CreateInstance(ctx context.Context, inst *model.EventInstance) error
	GetInstance(ctx context.Context, ownerID int64, id string) (*model.EventInstance, error)
	// ListInstances returns one owner's instances whose start falls in
	// [from, to], ordered by start.
	ListInstances(ctx context.Context, ownerID int64, from, to time.Time) ([]model.EventInstance, error)
	// ListWindow is the scheduler-facing query: instances of every owner
	// whose start falls in [from, to].
	ListWindow(ctx context.Context, from, to time.Time) ([]model.EventInstance, error)
	DeleteInstance(ctx context.Context, ownerID int64, id string) error
	// DeleteSeries removes every instance expanded from one template and
	// returns how many were deleted.
	DeleteSeries(ctx context.Context, ownerID int64, seriesID string) (int64, error)
}
