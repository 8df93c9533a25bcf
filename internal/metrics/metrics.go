// Package metrics holds the counters of a single run and pushes them to a
// Prometheus Pushgateway.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Job is the Pushgateway job name.
const Job = "dogwatch"

// Notification outcomes.
const (
	StatusSent   = "sent"
	StatusFailed = "failed"
	StatusDryRun = "dry_run"
)

// Metrics groups the run's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	ItemsFetched  prometheus.Counter
	ItemsRejected *prometheus.CounterVec
	ItemsStored   prometheus.Counter
	Duplicates    prometheus.Counter
	Notifications *prometheus.CounterVec
	RunDuration   prometheus.Gauge
	LastSuccess   prometheus.Gauge
}

// New creates a fresh set of collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		ItemsFetched: f.NewCounter(prometheus.CounterOpts{
			Name: "dogwatch_items_fetched_total",
			Help: "Items returned by the upstream feed",
		}),
		ItemsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dogwatch_items_rejected_total",
			Help: "Items rejected by the filter, by first matching reason",
		}, []string{"reason"}),
		ItemsStored: f.NewCounter(prometheus.CounterOpts{
			Name: "dogwatch_items_stored_total",
			Help: "New candidate items written to storage",
		}),
		Duplicates: f.NewCounter(prometheus.CounterOpts{
			Name: "dogwatch_items_duplicate_total",
			Help: "Candidate items already present in storage",
		}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dogwatch_notifications_total",
			Help: "Notification attempts by outcome",
		}, []string{"status"}),
		RunDuration: f.NewGauge(prometheus.GaugeOpts{
			Name: "dogwatch_run_duration_seconds",
			Help: "Wall time of the last run",
		}),
		LastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Name: "dogwatch_last_success_timestamp_seconds",
			Help: "Unix time of the last run that completed without error",
		}),
	}
}

// Gatherer exposes the registry.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// Finish records the run duration and, when err is nil, the success time.
func (m *Metrics) Finish(start time.Time, err error) {
	m.RunDuration.Set(time.Since(start).Seconds())
	if err == nil {
		m.LastSuccess.SetToCurrentTime()
	}
}

// Push sends every collector to the Pushgateway at url, replacing the
// previous values of the job.
func (m *Metrics) Push(ctx context.Context, url string) error {
	if err := push.New(url, Job).Gatherer(m.registry).PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}
