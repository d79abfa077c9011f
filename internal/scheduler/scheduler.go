// Package scheduler drives reminder delivery: a polling tick loop that
// finds event instances whose reminder offset falls due, filters them
// through the durable delivery ledger and fans deliveries out over a
// bounded worker pool. Polling was chosen over per-event timers so state
// recovers from the store and ledger after a restart.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"calendar-assistant/internal/ledger"
	"calendar-assistant/internal/metrics"
	"calendar-assistant/internal/model"
	"calendar-assistant/internal/notify"
	"calendar-assistant/internal/store"
)

// Config tunes the reminder sweep.
type Config struct {
	// Offsets are the reminder lead times before event start.
	Offsets []time.Duration
	// Slack absorbs tick drift and processing latency on both sides of
	// the nominal delivery instant.
	Slack time.Duration
	// Lookback extends the query past the late window edge so reminders
	// that missed their window get logged as abandoned.
	Lookback time.Duration
	// DeliveryTimeout bounds one sink call.
	DeliveryTimeout time.Duration
	// Workers bounds concurrent deliveries within a tick.
	Workers int
	// Retention is how long ledger records are kept before purge.
	Retention time.Duration
}

func (c *Config) applyDefaults() {
	if len(c.Offsets) == 0 {
		c.Offsets = []time.Duration{30 * time.Minute}
	}
	if c.Slack <= 0 {
		c.Slack = 2 * time.Minute
	}
	if c.Lookback <= 0 {
		c.Lookback = 2 * time.Minute
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 10 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
}

const (
	baseBackoff = 30 * time.Second
	maxBackoff  = 10 * time.Minute
)

// Scheduler runs the per-tick reminder sweep.
type Scheduler struct {
	store   store.EventStore
	ledger  ledger.DeliveryLedger
	sink    notify.Sink
	log     *logrus.Logger
	metrics *metrics.Metrics
	cfg     Config
	now     func() time.Time

	tickMu sync.Mutex

	mu           sync.Mutex
	failures     int
	pausedUntil  time.Time
	lastLateEdge map[time.Duration]time.Time
}

// Option tweaks a Scheduler.
type Option func(*Scheduler)

// WithClock substitutes the wall clock, used by tests to simulate ticks.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func New(st store.EventStore, dl ledger.DeliveryLedger, sink notify.Sink, log *logrus.Logger, m *metrics.Metrics, cfg Config, opts ...Option) *Scheduler {
	cfg.applyDefaults()
	s := &Scheduler{
		store:        st,
		ledger:       dl,
		sink:         sink,
		log:          log,
		metrics:      m,
		cfg:          cfg,
		now:          time.Now,
		lastLateEdge: make(map[time.Duration]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunTick is the cron entry point. Storage failures pause the sweep with
// exponential backoff; everything else is handled inside Tick and never
// escapes the loop.
func (s *Scheduler) RunTick(ctx context.Context) {
	s.mu.Lock()
	if s.now().Before(s.pausedUntil) {
		until := s.pausedUntil
		s.mu.Unlock()
		s.log.WithField("paused_until", until).Debug("tick skipped during backoff")
		return
	}
	s.mu.Unlock()

	err := s.Tick(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.failures++
		delay := baseBackoff << (s.failures - 1)
		if delay > maxBackoff || delay <= 0 {
			delay = maxBackoff
		}
		s.pausedUntil = s.now().Add(delay)
		s.metrics.TickErrors.Inc()
		s.log.WithError(err).WithFields(logrus.Fields{
			"failures": s.failures,
			"backoff":  delay,
		}).Error("tick failed, backing off")
		return
	}
	s.failures = 0
	s.pausedUntil = time.Time{}
}

// Tick performs one sweep: collect due instances per offset, filter through
// the ledger, deliver. It returns an error only for storage failures; a
// failed delivery for one recipient never fails the tick.
func (s *Scheduler) Tick(ctx context.Context) error {
	// Sweeps never overlap: two concurrent ticks could both pass the
	// ledger filter before either records a delivery. A tick that
	// outlives the interval makes the next firing a no-op.
	if !s.tickMu.TryLock() {
		s.log.Debug("previous tick still running, skipping")
		return nil
	}
	defer s.tickMu.Unlock()

	started := s.now()
	defer func() {
		s.metrics.TickDuration.Observe(s.now().Sub(started).Seconds())
	}()

	var due []notify.Delivery
	for _, offset := range s.cfg.Offsets {
		batch, err := s.collectDue(ctx, started, offset)
		if err != nil {
			return err
		}
		due = append(due, batch...)
	}
	if len(due) == 0 {
		return nil
	}

	s.deliverAll(ctx, due)
	return nil
}

// collectDue finds instances whose start falls in the offset's eligibility
// window [now+offset-slack, now+offset+slack] and are not yet in the
// ledger. Instances inside the trailing lookback margin are past the
// window: they are abandoned, logged and never retried.
func (s *Scheduler) collectDue(ctx context.Context, now time.Time, offset time.Duration) ([]notify.Delivery, error) {
	lateEdge := now.Add(offset - s.cfg.Slack)
	from := lateEdge.Add(-s.cfg.Lookback)
	to := now.Add(offset + s.cfg.Slack)

	// Each instance is abandoned once: only the slice of the lookback
	// margin the previous tick did not cover is counted.
	abandonFloor := from
	s.mu.Lock()
	if prev, ok := s.lastLateEdge[offset]; ok && prev.After(abandonFloor) {
		abandonFloor = prev
	}
	s.lastLateEdge[offset] = lateEdge
	s.mu.Unlock()

	instances, err := s.store.ListWindow(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("list due instances: %w", err)
	}

	var due []notify.Delivery
	for _, inst := range instances {
		sent, err := s.ledger.HasSent(ctx, inst.ID, inst.OwnerID, offset)
		if err != nil {
			return nil, fmt.Errorf("ledger filter: %w", err)
		}
		if sent {
			s.metrics.RemindersSkipped.Inc()
			continue
		}
		if inst.StartUTC.Before(lateEdge) {
			if !inst.StartUTC.Before(abandonFloor) {
				s.metrics.RemindersAbandoned.Inc()
				s.log.WithFields(logrus.Fields{
					"instance":  inst.ID,
					"recipient": inst.OwnerID,
					"offset":    offset,
					"start":     inst.StartUTC,
				}).Warn("reminder window closed without delivery, abandoning")
			}
			continue
		}
		due = append(due, delivery(inst, offset))
	}
	return due, nil
}

// deliverAll fans deliveries out over the worker pool. Each delivery is an
// independent unit with its own timeout; the ledger is written only after
// the sink confirms success.
func (s *Scheduler) deliverAll(ctx context.Context, due []notify.Delivery) {
	jobs := make(chan notify.Delivery)
	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range jobs {
				s.deliverOne(ctx, d)
			}
		}()
	}
	for _, d := range due {
		jobs <- d
	}
	close(jobs)
	wg.Wait()
}

func (s *Scheduler) deliverOne(ctx context.Context, d notify.Delivery) {
	deliveryCtx, cancel := context.WithTimeout(ctx, s.cfg.DeliveryTimeout)
	defer cancel()

	entry := s.log.WithFields(logrus.Fields{
		"instance":  d.InstanceID,
		"recipient": d.RecipientID,
		"offset":    d.Offset,
	})

	if err := s.sink.Deliver(deliveryCtx, d); err != nil {
		// Transient: the instance stays eligible until its window
		// closes, so the next tick retries.
		s.metrics.RemindersFailed.Inc()
		entry.WithError(err).Warn("reminder delivery failed, will retry while in window")
		return
	}

	if err := s.ledger.MarkSent(ctx, d.InstanceID, d.RecipientID, d.Offset, s.now()); err != nil {
		// The send succeeded but the record did not land; the next tick
		// may redeliver. Surfaced loudly because it breaks the
		// at-most-once guarantee until storage recovers.
		entry.WithError(err).Error("delivered but failed to record in ledger")
		return
	}
	s.metrics.RemindersDelivered.Inc()
	entry.Info("reminder delivered")
}

// Purge drops ledger records older than the retention window. Past events
// cannot need reminders, so the ledger stays small.
func (s *Scheduler) Purge(ctx context.Context) {
	cutoff := s.now().Add(-s.cfg.Retention)
	removed, err := s.ledger.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		s.log.WithError(err).Error("ledger purge failed")
		return
	}
	if removed > 0 {
		s.metrics.LedgerPurged.Add(float64(removed))
		s.log.WithFields(logrus.Fields{"removed": removed, "cutoff": cutoff}).Info("ledger purged")
	}
}

func delivery(inst model.EventInstance, offset time.Duration) notify.Delivery {
	return notify.Delivery{
		RecipientID: inst.OwnerID,
		InstanceID:  inst.ID,
		Title:       inst.Title,
		StartUTC:    inst.StartUTC,
		Place:       inst.Place,
		Offset:      offset,
	}
}
