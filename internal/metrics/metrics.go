// Package metrics exposes the prometheus collectors shared by the action
// queue and the scheduler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks actions waiting in the queue.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "amon_action_queue_depth",
		Help: "Number of actions waiting in the action queue.",
	})

	// ActionsTotal counts executed actions by terminal status.
	ActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "amon_actions_total",
		Help: "Actions executed by the worker pool, by status.",
	}, []string{"status"})

	// ScheduleFires counts schedule.fired emissions.
	ScheduleFires = promauto.NewCounter(prometheus.CounterOpts{
		Name: "amon_schedule_fires_total",
		Help: "Schedules fired by the tick engine.",
	})

	// ScheduleMisfires counts suppressed fires outside the grace window.
	ScheduleMisfires = promauto.NewCounter(prometheus.CounterOpts{
		Name: "amon_schedule_misfires_total",
		Help: "Schedule fires suppressed as misfires.",
	})
)
