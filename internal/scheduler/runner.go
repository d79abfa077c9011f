package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Runner wraps cron-based periodic jobs: the reminder tick and the
// lower-frequency ledger purge.
type Runner struct {
	cron *cron.Cron
}

func NewRunner(loc *time.Location) *Runner {
	return &Runner{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithSeconds(),
			// A job that outlives its interval is skipped, not stacked.
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
	}
}

// ScheduleInterval registers a periodic job every given duration.
func (r *Runner) ScheduleInterval(interval time.Duration, job func()) (cron.EntryID, error) {
	if interval <= 0 {
		return 0, fmt.Errorf("interval must be positive")
	}
	// Convert to cron spec: every N seconds.
	seconds := int(interval.Seconds())
	if seconds <= 0 {
		seconds = 1
	}
	spec := fmt.Sprintf("@every %ds", seconds)
	return r.cron.AddFunc(spec, job)
}

func (r *Runner) Start() {
	r.cron.Start()
}

// Stop halts scheduling and blocks until in-flight jobs complete, so no
// reminder state is left half-written on shutdown.
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}
