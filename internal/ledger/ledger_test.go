package ledger

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"calendar-assistant/internal/model"
)

func newTestLedger(t *testing.T) *GormLedger {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "ledger.db") + "?_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.ReminderRecord{}))
	t.Cleanup(func() {
		sqlDB, err := db.DB()
		if err == nil {
			sqlDB.Close()
		}
	})
	return NewGormLedger(db)
}

func TestMarkSentIsIdempotent(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	sentAt := time.Date(2025, time.January, 6, 8, 30, 0, 0, time.UTC)

	sent, err := l.HasSent(ctx, "inst-1", 42, 30*time.Minute)
	require.NoError(t, err)
	assert.False(t, sent)

	require.NoError(t, l.MarkSent(ctx, "inst-1", 42, 30*time.Minute, sentAt))
	// Second mark must be a silent no-op, not an error.
	require.NoError(t, l.MarkSent(ctx, "inst-1", 42, 30*time.Minute, sentAt.Add(time.Minute)))

	sent, err = l.HasSent(ctx, "inst-1", 42, 30*time.Minute)
	require.NoError(t, err)
	assert.True(t, sent)
}

func TestDistinctOffsetsAreTrackedIndependently(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, l.MarkSent(ctx, "inst-1", 42, 30*time.Minute, now))

	sent, err := l.HasSent(ctx, "inst-1", 42, 10*time.Minute)
	require.NoError(t, err)
	assert.False(t, sent, "a different offset must not be considered sent")

	sent, err = l.HasSent(ctx, "inst-1", 7, 30*time.Minute)
	require.NoError(t, err)
	assert.False(t, sent, "a different recipient must not be considered sent")
}

func TestMarkSentConcurrent(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	now := time.Now()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- l.MarkSent(ctx, "inst-racy", 42, 30*time.Minute, now)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	var count int64
	require.NoError(t, l.db.Model(&model.ReminderRecord{}).
		Where("instance_id = ?", "inst-racy").Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestPurgeOlderThan(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	now := time.Date(2025, time.January, 10, 0, 0, 0, 0, time.UTC)

	require.NoError(t, l.MarkSent(ctx, "old-1", 1, 30*time.Minute, now.AddDate(0, 0, -8)))
	require.NoError(t, l.MarkSent(ctx, "old-2", 1, 30*time.Minute, now.AddDate(0, 0, -9)))
	require.NoError(t, l.MarkSent(ctx, "fresh", 1, 30*time.Minute, now.Add(-time.Hour)))

	removed, err := l.PurgeOlderThan(ctx, now.AddDate(0, 0, -7))
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	sent, err := l.HasSent(ctx, "fresh", 1, 30*time.Minute)
	require.NoError(t, err)
	assert.True(t, sent)
}
