package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calendar-assistant/internal/model"
)

func newTestRepo(t *testing.T) *EventRepository {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		sqlDB, err := db.DB()
		if err == nil {
			sqlDB.Close()
		}
	})
	return NewEventRepository(db)
}

func instance(id string, owner int64, start time.Time) model.EventInstance {
	return model.EventInstance{
		ID:       id,
		OwnerID:  owner,
		SeriesID: "series-1",
		Title:    "Dentist",
		Place:    "Clinic on Main St",
		StartUTC: start,
		EndUTC:   start.Add(time.Hour),
	}
}

func TestCreateInstanceRendersICalAndDetectsConflict(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	start := time.Date(2025, time.January, 6, 9, 0, 0, 0, time.UTC)

	inst := instance("inst-1", 42, start)
	require.NoError(t, repo.CreateInstance(ctx, &inst))
	assert.Contains(t, inst.ICal, "BEGIN:VEVENT")
	assert.Contains(t, inst.ICal, "SUMMARY:Dentist")

	dup := instance("inst-1", 42, start.Add(time.Hour))
	err := repo.CreateInstance(ctx, &dup)
	require.ErrorIs(t, err, ErrConflict)
}

func TestListInstancesIsScopedAndOrdered(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2025, time.January, 6, 9, 0, 0, 0, time.UTC)

	for i, id := range []string{"c", "a", "b"} {
		inst := instance(id, 42, base.Add(time.Duration(2-i)*24*time.Hour))
		require.NoError(t, repo.CreateInstance(ctx, &inst))
	}
	other := instance("other-owner", 7, base)
	require.NoError(t, repo.CreateInstance(ctx, &other))

	got, err := repo.ListInstances(ctx, 42, base, base.AddDate(0, 0, 2))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "b", got[0].ID)
	assert.True(t, got[0].StartUTC.Before(got[1].StartUTC))
	assert.True(t, got[1].StartUTC.Before(got[2].StartUTC))

	// The range is inclusive on both edges.
	edge, err := repo.ListInstances(ctx, 42, base, base)
	require.NoError(t, err)
	require.Len(t, edge, 1)
}

func TestListWindowSpansOwners(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2025, time.January, 6, 9, 0, 0, 0, time.UTC)

	a := instance("a", 42, base)
	b := instance("b", 7, base.Add(time.Hour))
	require.NoError(t, repo.CreateInstance(ctx, &a))
	require.NoError(t, repo.CreateInstance(ctx, &b))

	got, err := repo.ListWindow(ctx, base, base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestDeleteInstance(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	start := time.Date(2025, time.January, 6, 9, 0, 0, 0, time.UTC)

	inst := instance("inst-1", 42, start)
	require.NoError(t, repo.CreateInstance(ctx, &inst))

	require.ErrorIs(t, repo.DeleteInstance(ctx, 7, "inst-1"), ErrNotFound)
	require.NoError(t, repo.DeleteInstance(ctx, 42, "inst-1"))
	require.ErrorIs(t, repo.DeleteInstance(ctx, 42, "inst-1"), ErrNotFound)

	_, err := repo.GetInstance(ctx, 42, "inst-1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteSeries(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2025, time.January, 6, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		inst := instance(string(rune('a'+i)), 42, base.AddDate(0, 0, i))
		require.NoError(t, repo.CreateInstance(ctx, &inst))
	}
	loner := instance("loner", 42, base)
	loner.SeriesID = "series-2"
	require.NoError(t, repo.CreateInstance(ctx, &loner))

	removed, err := repo.DeleteSeries(ctx, 42, "series-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)

	left, err := repo.ListInstances(ctx, 42, base.AddDate(0, 0, -1), base.AddDate(0, 0, 7))
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "loner", left[0].ID)
}
