package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus instruments for the reminder scheduler.
type Metrics struct {
	RemindersDelivered prometheus.Counter
	RemindersFailed    prometheus.Counter
	RemindersAbandoned prometheus.Counter
	RemindersSkipped   prometheus.Counter // filtered by the ledger
	TickDuration       prometheus.Histogram
	TickErrors         prometheus.Counter
	LedgerPurged       prometheus.Counter
}

// New registers scheduler metrics on the given registerer. Passing nil
// registers on the default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		RemindersDelivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "calbot",
			Subsystem: "scheduler",
			Name:      "reminders_delivered_total",
			Help:      "Reminders confirmed delivered and recorded in the ledger",
		}),
		RemindersFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "calbot",
			Subsystem: "scheduler",
			Name:      "reminders_failed_total",
			Help:      "Transient delivery failures, retried on later ticks",
		}),
		RemindersAbandoned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "calbot",
			Subsystem: "scheduler",
			Name:      "reminders_abandoned_total",
			Help:      "Reminders whose eligibility window closed without delivery",
		}),
		RemindersSkipped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "calbot",
			Subsystem: "scheduler",
			Name:      "reminders_skipped_total",
			Help:      "Due reminders already present in the delivery ledger",
		}),
		TickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "calbot",
			Subsystem: "scheduler",
			Name:      "tick_duration_seconds",
			Help:      "Wall time of one scheduler tick",
			Buckets:   prometheus.DefBuckets,
		}),
		TickErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "calbot",
			Subsystem: "scheduler",
			Name:      "tick_errors_total",
			Help:      "Ticks aborted by a storage failure",
		}),
		LedgerPurged: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "calbot",
			Subsystem: "scheduler",
			Name:      "ledger_purged_total",
			Help:      "Reminder records removed by retention cleanup",
		}),
	}
}
