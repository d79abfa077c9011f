package scheduler

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calendar-assistant/internal/metrics"
	"calendar-assistant/internal/model"
	"calendar-assistant/internal/notify"
	"calendar-assistant/internal/service"
	"calendar-assistant/internal/store"
)

type fakeStore struct {
	mu        sync.Mutex
	instances map[string]model.EventInstance
	listErr   error
}

var _ store.EventStore = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{instances: make(map[string]model.EventInstance)}
}

func (f *fakeStore) CreateInstance(_ context.Context, inst *model.EventInstance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.instances[inst.ID]; ok {
		return store.ErrConflict
	}
	f.instances[inst.ID] = *inst
	return nil
}

func (f *fakeStore) GetInstance(_ context.Context, ownerID int64, id string) (*model.EventInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok || inst.OwnerID != ownerID {
		return nil, store.ErrNotFound
	}
	return &inst, nil
}

func (f *fakeStore) ListInstances(_ context.Context, ownerID int64, from, to time.Time) ([]model.EventInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.EventInstance
	for _, inst := range f.instances {
		if inst.OwnerID == ownerID && !inst.StartUTC.Before(from) && !inst.StartUTC.After(to) {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (f *fakeStore) ListWindow(_ context.Context, from, to time.Time) ([]model.EventInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []model.EventInstance
	for _, inst := range f.instances {
		if !inst.StartUTC.Before(from) && !inst.StartUTC.After(to) {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (f *fakeStore) DeleteInstance(_ context.Context, ownerID int64, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok || inst.OwnerID != ownerID {
		return store.ErrNotFound
	}
	delete(f.instances, id)
	return nil
}

func (f *fakeStore) DeleteSeries(_ context.Context, ownerID int64, seriesID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var removed int64
	for id, inst := range f.instances {
		if inst.OwnerID == ownerID && inst.SeriesID == seriesID {
			delete(f.instances, id)
			removed++
		}
	}
	return removed, nil
}

type fakeLedger struct {
	mu      sync.Mutex
	records map[string]time.Time
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{records: make(map[string]time.Time)}
}

func ledgerKey(instanceID string, recipientID int64, offset time.Duration) string {
	return fmt.Sprintf("%s|%d|%s", instanceID, recipientID, offset)
}

func (f *fakeLedger) HasSent(_ context.Context, instanceID string, recipientID int64, offset time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.records[ledgerKey(instanceID, recipientID, offset)]
	return ok, nil
}

func (f *fakeLedger) MarkSent(_ context.Context, instanceID string, recipientID int64, offset time.Duration, sentAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := ledgerKey(instanceID, recipientID, offset)
	if _, ok := f.records[key]; !ok {
		f.records[key] = sentAt
	}
	return nil
}

func (f *fakeLedger) PurgeOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var removed int64
	for key, sentAt := range f.records {
		if sentAt.Before(cutoff) {
			delete(f.records, key)
			removed++
		}
	}
	return removed, nil
}

func (f *fakeLedger) size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

type fakeSink struct {
	mu         sync.Mutex
	deliveries []notify.Delivery
	failNext   int
}

func (f *fakeSink) Deliver(_ context.Context, d notify.Delivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return notify.ErrDeliveryFailed
	}
	f.deliveries = append(f.deliveries, d)
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deliveries)
}

// blockingSink holds every delivery until released, modelling a hung
// transport call that outlives the tick interval.
type blockingSink struct {
	fakeSink
	entered chan struct{}
	release chan struct{}
}

func (b *blockingSink) Deliver(ctx context.Context, d notify.Delivery) error {
	b.entered <- struct{}{}
	<-b.release
	return b.fakeSink.Deliver(ctx, d)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestScheduler(st store.EventStore, dl *fakeLedger, sink notify.Sink, clock *testClock, cfg Config) (*Scheduler, *metrics.Metrics) {
	m := metrics.New(prometheus.NewRegistry())
	return New(st, dl, sink, quietLogger(), m, cfg, WithClock(clock.Now)), m
}

func addInstance(st *fakeStore, id string, owner int64, start time.Time) {
	_ = st.CreateInstance(context.Background(), &model.EventInstance{
		ID:       id,
		OwnerID:  owner,
		Title:    "Dentist",
		StartUTC: start.UTC(),
		EndUTC:   start.Add(time.Hour).UTC(),
	})
}

func TestTickDeliversInsideWindow(t *testing.T) {
	st := newFakeStore()
	dl := newFakeLedger()
	sink := &fakeSink{}
	start := time.Date(2025, time.January, 6, 9, 0, 0, 0, time.UTC)
	addInstance(st, "inst-1", 42, start)

	clock := &testClock{now: start.Add(-30 * time.Minute)}
	s, _ := newTestScheduler(st, dl, sink, clock, Config{})

	require.NoError(t, s.Tick(context.Background()))

	require.Equal(t, 1, sink.count())
	assert.Equal(t, "inst-1", sink.deliveries[0].InstanceID)
	assert.Equal(t, int64(42), sink.deliveries[0].RecipientID)
	assert.Equal(t, 30*time.Minute, sink.deliveries[0].Offset)
	assert.Equal(t, 1, dl.size())
}

func TestRepeatedTicksDeliverExactlyOnce(t *testing.T) {
	st := newFakeStore()
	dl := newFakeLedger()
	sink := &fakeSink{}
	start := time.Date(2025, time.January, 6, 9, 0, 0, 0, time.UTC)
	addInstance(st, "inst-1", 42, start)

	clock := &testClock{}
	s, _ := newTestScheduler(st, dl, sink, clock, Config{})

	for _, lead := range []time.Duration{31, 30, 29, 28} {
		clock.Set(start.Add(-lead * time.Minute))
		require.NoError(t, s.Tick(context.Background()))
	}

	assert.Equal(t, 1, sink.count())
	assert.Equal(t, 1, dl.size())
}

func TestEligibilityWindowEdges(t *testing.T) {
	start := time.Date(2025, time.January, 6, 9, 0, 0, 0, time.UTC)

	cases := []struct {
		name    string
		lead    time.Duration
		deliver bool
	}{
		{"too early", 40 * time.Minute, false},
		{"early edge", 32 * time.Minute, true},
		{"nominal", 30 * time.Minute, true},
		{"late edge", 28 * time.Minute, true},
		{"too late", 20 * time.Minute, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := newFakeStore()
			dl := newFakeLedger()
			sink := &fakeSink{}
			addInstance(st, "inst-1", 42, start)

			clock := &testClock{now: start.Add(-tc.lead)}
			s, _ := newTestScheduler(st, dl, sink, clock, Config{})

			require.NoError(t, s.Tick(context.Background()))
			if tc.deliver {
				assert.Equal(t, 1, sink.count())
			} else {
				assert.Zero(t, sink.count())
				assert.Zero(t, dl.size())
			}
		})
	}
}

func TestTransientFailureRetriesNextTick(t *testing.T) {
	st := newFakeStore()
	dl := newFakeLedger()
	sink := &fakeSink{failNext: 1}
	start := time.Date(2025, time.January, 6, 9, 0, 0, 0, time.UTC)
	addInstance(st, "inst-1", 42, start)

	clock := &testClock{now: start.Add(-31 * time.Minute)}
	s, m := newTestScheduler(st, dl, sink, clock, Config{})

	require.NoError(t, s.Tick(context.Background()))
	assert.Zero(t, sink.count(), "failed delivery must not be recorded")
	assert.Zero(t, dl.size())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RemindersFailed))

	clock.Set(start.Add(-30 * time.Minute))
	require.NoError(t, s.Tick(context.Background()))
	assert.Equal(t, 1, sink.count())
	assert.Equal(t, 1, dl.size())
}

func TestOverlappingTicksDeliverOnce(t *testing.T) {
	st := newFakeStore()
	dl := newFakeLedger()
	sink := &blockingSink{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	start := time.Date(2025, time.January, 6, 9, 0, 0, 0, time.UTC)
	addInstance(st, "inst-1", 42, start)

	clock := &testClock{now: start.Add(-30 * time.Minute)}
	s, _ := newTestScheduler(st, dl, sink, clock, Config{})

	done := make(chan error, 1)
	go func() { done <- s.Tick(context.Background()) }()
	<-sink.entered // first sweep is mid-delivery

	// A second sweep arriving while the first is in flight must be a
	// no-op, not a second pass over the still-unrecorded reminder.
	require.NoError(t, s.Tick(context.Background()))

	close(sink.release)
	require.NoError(t, <-done)

	assert.Equal(t, 1, sink.count())
	assert.Equal(t, 1, dl.size())
}

func TestAbandonmentCountedOnce(t *testing.T) {
	st := newFakeStore()
	dl := newFakeLedger()
	sink := &fakeSink{}
	start := time.Date(2025, time.January, 6, 9, 0, 0, 0, time.UTC)
	addInstance(st, "inst-1", 42, start)

	clock := &testClock{}
	s, m := newTestScheduler(st, dl, sink, clock, Config{})

	// The instance stays inside the lookback margin for several ticks;
	// only the first one that sees it expired may count it.
	for _, lead := range []time.Duration{27 * time.Minute, 26 * time.Minute, 25 * time.Minute} {
		clock.Set(start.Add(-lead))
		require.NoError(t, s.Tick(context.Background()))
	}

	assert.Zero(t, sink.count())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RemindersAbandoned))
}

func TestMissedWindowIsAbandoned(t *testing.T) {
	st := newFakeStore()
	dl := newFakeLedger()
	sink := &fakeSink{}
	start := time.Date(2025, time.January, 6, 9, 0, 0, 0, time.UTC)
	addInstance(st, "inst-1", 42, start)

	// Past the late edge but still inside the lookback margin.
	clock := &testClock{now: start.Add(-27 * time.Minute)}
	s, m := newTestScheduler(st, dl, sink, clock, Config{})

	require.NoError(t, s.Tick(context.Background()))

	assert.Zero(t, sink.count())
	assert.Zero(t, dl.size())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RemindersAbandoned))
}

func TestLedgerSurvivesRestart(t *testing.T) {
	st := newFakeStore()
	dl := newFakeLedger()
	sink := &fakeSink{}
	start := time.Date(2025, time.January, 6, 9, 0, 0, 0, time.UTC)
	addInstance(st, "inst-1", 42, start)

	clock := &testClock{now: start.Add(-30 * time.Minute)}
	first, _ := newTestScheduler(st, dl, sink, clock, Config{})
	require.NoError(t, first.Tick(context.Background()))
	require.Equal(t, 1, sink.count())

	// A fresh scheduler over the same ledger models a process restart.
	second, _ := newTestScheduler(st, dl, sink, clock, Config{})
	require.NoError(t, second.Tick(context.Background()))
	assert.Equal(t, 1, sink.count())
	assert.Equal(t, 1, dl.size())
}

func TestDistinctOffsetsFireIndependently(t *testing.T) {
	st := newFakeStore()
	dl := newFakeLedger()
	sink := &fakeSink{}
	start := time.Date(2025, time.January, 6, 9, 0, 0, 0, time.UTC)
	addInstance(st, "inst-1", 42, start)

	clock := &testClock{}
	cfg := Config{Offsets: []time.Duration{30 * time.Minute, 10 * time.Minute}}
	s, _ := newTestScheduler(st, dl, sink, clock, cfg)

	clock.Set(start.Add(-30 * time.Minute))
	require.NoError(t, s.Tick(context.Background()))
	clock.Set(start.Add(-10 * time.Minute))
	require.NoError(t, s.Tick(context.Background()))

	require.Equal(t, 2, sink.count())
	assert.Equal(t, 2, dl.size())
	offsets := []time.Duration{sink.deliveries[0].Offset, sink.deliveries[1].Offset}
	assert.ElementsMatch(t, []time.Duration{30 * time.Minute, 10 * time.Minute}, offsets)
}

func TestStorageFailurePausesTicks(t *testing.T) {
	st := newFakeStore()
	dl := newFakeLedger()
	sink := &fakeSink{}
	start := time.Date(2025, time.January, 6, 9, 0, 0, 0, time.UTC)
	addInstance(st, "inst-1", 42, start)
	st.listErr = fmt.Errorf("disk on fire")

	clock := &testClock{now: start.Add(-31 * time.Minute)}
	s, m := newTestScheduler(st, dl, sink, clock, Config{})

	s.RunTick(context.Background())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TickErrors))

	// Store recovers, but the next tick lands inside the backoff pause.
	st.mu.Lock()
	st.listErr = nil
	st.mu.Unlock()
	clock.Set(clock.Now().Add(time.Second))
	s.RunTick(context.Background())
	assert.Zero(t, sink.count())

	// Past the pause the sweep resumes and delivers.
	clock.Set(start.Add(-29 * time.Minute))
	s.RunTick(context.Background())
	assert.Equal(t, 1, sink.count())
}

func TestPurgeDropsOldRecords(t *testing.T) {
	st := newFakeStore()
	dl := newFakeLedger()
	sink := &fakeSink{}
	now := time.Date(2025, time.January, 10, 0, 0, 0, 0, time.UTC)

	require.NoError(t, dl.MarkSent(context.Background(), "old", 1, 30*time.Minute, now.AddDate(0, 0, -8)))
	require.NoError(t, dl.MarkSent(context.Background(), "fresh", 1, 30*time.Minute, now.Add(-time.Hour)))

	clock := &testClock{now: now}
	s, m := newTestScheduler(st, dl, sink, clock, Config{})

	s.Purge(context.Background())
	assert.Equal(t, 1, dl.size())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LedgerPurged))
}

// TestWeeklyTemplateEndToEnd walks the whole pipeline: a weekly Mon/Wed
// template expands into eight instances, then a minute-by-minute tick sweep
// around the first occurrence delivers exactly one reminder.
func TestWeeklyTemplateEndToEnd(t *testing.T) {
	msk, err := time.LoadLocation("Europe/Moscow")
	require.NoError(t, err)
	anchor := time.Date(2025, time.January, 6, 9, 0, 0, 0, msk) // Monday

	st := newFakeStore()
	events := service.NewEventService(st, 27*24*time.Hour,
		service.WithClock(func() time.Time { return anchor.UTC() }))

	tmpl := model.EventTemplate{
		Title:    "Standup",
		Start:    anchor,
		Duration: 30 * time.Minute,
		Recurrence: &model.RecurrenceRule{
			Frequency: model.FreqWeekly,
			Interval:  1,
			Weekdays:  []time.Weekday{time.Monday, time.Wednesday},
		},
	}

	instances, err := events.CreateFromTemplate(context.Background(), 42, tmpl)
	require.NoError(t, err)
	require.Len(t, instances, 8)

	dl := newFakeLedger()
	sink := &fakeSink{}
	clock := &testClock{}
	s, _ := newTestScheduler(st, dl, sink, clock, Config{})

	first := instances[0].StartUTC
	for at := first.Add(-35 * time.Minute); !at.After(first.Add(5 * time.Minute)); at = at.Add(time.Minute) {
		clock.Set(at)
		require.NoError(t, s.Tick(context.Background()))
	}

	assert.Equal(t, 1, sink.count())
	assert.Equal(t, 1, dl.size())
	assert.Equal(t, instances[0].ID, sink.deliveries[0].InstanceID)
}
