// SPDX-FileCopyrightText: 2026 Bonial International GmbH
// SPDX-License-Identifier: Apache-2.0

// Package telemetry holds the Prometheus metrics of one epss-sync
// invocation.
package telemetry

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Metrics owns a private registry; nothing is registered globally.
type Metrics struct {
	Registry *prometheus.Registry

	Records          *prometheus.CounterVec
	Feeds            *prometheus.CounterVec
	ScoreRowsDropped prometheus.Counter
	RunDuration      prometheus.Histogram
}

// New creates and registers the epss-sync metrics.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "epss_sync_records_total",
			Help: "Records processed by the sync driver, by mode and outcome.",
		}, []string{"mode", "outcome"}),
		Feeds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "epss_sync_feeds_total",
			Help: "Feeds handled by the feed runner, by feed and outcome.",
		}, []string{"feed", "outcome"}),
		ScoreRowsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "epss_sync_score_rows_dropped_total",
			Help: "EPSS rows rejected while loading the score table.",
		}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "epss_sync_run_duration_seconds",
			Help:    "Duration of sync driver runs.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
	m.Registry.MustRegister(m.Records, m.Feeds, m.ScoreRowsDropped, m.RunDuration)
	return m
}

// ObserveRecord counts one record outcome.
func (m *Metrics) ObserveRecord(mode, outcome string) {
	if m == nil {
		return
	}
	m.Records.WithLabelValues(mode, outcome).Inc()
}

// ObserveFeed counts one feed outcome.
func (m *Metrics) ObserveFeed(feed, outcome string) {
	if m == nil {
		return
	}
	m.Feeds.WithLabelValues(feed, outcome).Inc()
}

// ObserveDropped adds n rejected score rows.
func (m *Metrics) ObserveDropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ScoreRowsDropped.Add(float64(n))
}

// ObserveRun records the duration of a run started at start.
func (m *Metrics) ObserveRun(start time.Time) {
	if m == nil {
		return
	}
	m.RunDuration.Observe(time.Since(start).Seconds())
}

// Push sends the registry to a Prometheus Pushgateway.
func (m *Metrics) Push(url, job string) error {
	if err := push.New(url, job).Gatherer(m.Registry).Push(); err != nil {
		return fmt.Errorf("pushing metrics to %s: %w", url, err)
	}
	return nil
}
