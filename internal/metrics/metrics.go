// Package metrics exposes engine counters and gauges in Prometheus format.
//
// Counters are driven by the engine's task.* events on the bus; gauges are read
// from the engine snapshot at scrape time.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"taskwarden/internal/eventbus"
	"taskwarden/internal/task/engine"
	logx "taskwarden/pkg/logx"
)

const namespace = "taskwarden"

// SnapshotFunc reads the engine state for gauges.
type SnapshotFunc func() engine.Snapshot

type Collector struct {
	reg *prometheus.Registry
	log logx.Logger

	scheduled  prometheus.Counter
	dispatched prometheus.Counter
	deferred   prometheus.Counter
	completed  prometheus.Counter
	failed     prometheus.Counter
	removed    *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// NewCollector registers everything on a private registry, so several
// collectors can coexist (tests, embedded use).
func NewCollector(snap SnapshotFunc, bus eventbus.Bus, log logx.Logger) *Collector {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
	}
	c := &Collector{
		reg:        prometheus.NewRegistry(),
		log:        log,
		scheduled:  counter("tasks_scheduled_total", "Tasks submitted to the scheduler."),
		dispatched: counter("tasks_dispatched_total", "Task runs handed to a worker."),
		deferred:   counter("tasks_deferred_total", "Due tasks put on the pending queue for lack of capacity."),
		completed:  counter("tasks_completed_total", "Task runs that returned without error."),
		failed:     counter("tasks_failed_total", "Task runs that returned an error or panicked."),
		removed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_removed_total",
			Help:      "Schedule entries removed, by reason.",
		}, []string{"reason"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_run_duration_seconds",
			Help:      "Task run duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 1800},
		}, []string{"outcome"}),
	}

	c.reg.MustRegister(
		c.scheduled, c.dispatched, c.deferred, c.completed, c.failed, c.removed, c.duration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if snap != nil {
		gauge := func(name, help string, read func(engine.Snapshot) int) prometheus.GaugeFunc {
			return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help},
				func() float64 { return float64(read(snap())) })
		}
		c.reg.MustRegister(
			gauge("entries", "Live schedule entries.", func(s engine.Snapshot) int { return s.Entries }),
			gauge("pending", "Entries waiting for a free worker.", func(s engine.Snapshot) int { return s.Pending }),
			gauge("busy_workers", "Workers currently running a task.", func(s engine.Snapshot) int { return s.BusyWorkers }),
			gauge("worker_threads", "Configured worker pool size.", func(s engine.Snapshot) int { return s.Workers }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "next_deadline_timestamp_seconds",
				Help:      "Unix time the scheduler timer is armed for, 0 when disarmed.",
			}, func() float64 {
				at := snap().ArmedAt
				if at.IsZero() {
					return 0
				}
				return float64(at.UnixNano()) / 1e9
			}),
		)
	}
	if bus != nil {
		c.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Event deliveries dropped because a subscriber was full.",
		}, func() float64 { return float64(bus.Dropped()) }))
	}
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

// Observe updates counters for one engine event. Unknown types are ignored.
func (c *Collector) Observe(e eventbus.Event) {
	ev, _ := e.Data.(engine.TaskEvent)
	switch e.Type {
	case engine.EventScheduled:
		c.scheduled.Inc()
	case engine.EventDispatched:
		c.dispatched.Inc()
	case engine.EventDeferred:
		c.deferred.Inc()
	case engine.EventCompleted:
		c.completed.Inc()
		c.duration.WithLabelValues("ok").Observe(ev.Duration.Seconds())
	case engine.EventFailed:
		c.failed.Inc()
		c.duration.WithLabelValues("error").Observe(ev.Duration.Seconds())
	case engine.EventRemoved:
		reason := ev.Reason
		if reason == "" {
			reason = "unknown"
		}
		c.removed.WithLabelValues(reason).Inc()
	}
}

// Run consumes engine events until ctx is done or the subscription closes.
func (c *Collector) Run(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			c.Observe(e)
		}
	}
}
