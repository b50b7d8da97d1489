package bot

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var workItemsAdded = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gifguard_scheduler_work_items_added_total",
	Help: "Total number of events added to the worker pool",
}, []string{"pool"})

var workItemsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gifguard_scheduler_work_items_processed_total",
	Help: "Total number of events processed by the worker pool",
}, []string{"pool"})

var workItemsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gifguard_scheduler_work_items_dropped_total",
	Help: "Total number of queued events dropped because their producer gave up",
}, []string{"pool"})

var workersActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "gifguard_scheduler_workers_active",
	Help: "Number of workers currently running",
}, []string{"pool"})

var eventsHandled = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gifguard_events_handled_total",
	Help: "Number of gateway events handled, by type and outcome",
}, []string{"type", "outcome"})
