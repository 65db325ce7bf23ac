// SPDX-FileCopyrightText: 2026 Bonial International GmbH
// SPDX-License-Identifier: Apache-2.0

// Package syncer drives enrichment across batches of records and feeds.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bonial-oss/epss-sync/internal/telemetry"
	"github.com/bonial-oss/epss-sync/internal/types"
)

// Mode selects how the driver decides whether to touch a stored record.
type Mode int

const (
	// Full skips every record that already exists, without reading it.
	Full Mode = iota
	// Incremental reads, merges and writes when the merger asks for it.
	Incremental
)

func (m Mode) String() string {
	switch m {
	case Full:
		return "full"
	case Incremental:
		return "incremental"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Outcome is what happened to a single record.
type Outcome string

const (
	OutcomeSkipped   Outcome = "skipped"
	OutcomeInserted  Outcome = "inserted"
	OutcomeUpdated   Outcome = "updated"
	OutcomeFailed    Outcome = "failed"
	OutcomeMalformed Outcome = "malformed"
)

// Report counts the outcomes of a batch. Malformed records are also
// counted as skipped.
type Report struct {
	Total     int `json:"total"`
	Skipped   int `json:"skipped"`
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Failed    int `json:"failed"`
	Malformed int `json:"malformed"`
}

// Add accumulates other into r.
func (r *Report) Add(other Report) {
	r.Total += other.Total
	r.Skipped += other.Skipped
	r.Inserted += other.Inserted
	r.Updated += other.Updated
	r.Failed += other.Failed
	r.Malformed += other.Malformed
}

func (r *Report) count(o Outcome) {
	r.Total++
	switch o {
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeInserted:
		r.Inserted++
	case OutcomeUpdated:
		r.Updated++
	case OutcomeFailed:
		r.Failed++
	case OutcomeMalformed:
		r.Skipped++
		r.Malformed++
	}
}

// Store is the persisted state the driver works against.
type Store interface {
	Exists(ctx context.Context, id string) (bool, error)
	Get(ctx context.Context, id string) (*types.Record, bool, error)
	Put(ctx context.Context, rec *types.Record) error
}

// Merger enriches a raw record against the previously stored one.
type Merger interface {
	Merge(raw, previous *types.Record) (*types.Record, bool, error)
}

// Progress receives per-batch progress, e.g. to drive a progress bar.
type Progress interface {
	Start(total int)
	Increment()
	Finish()
}

// Driver processes batches of records one by one.
type Driver struct {
	store    Store
	merger   Merger
	logger   *zap.Logger
	metrics  *telemetry.Metrics
	Progress Progress
}

// NewDriver creates a Driver. metrics may be nil.
func NewDriver(store Store, merger Merger, logger *zap.Logger, metrics *telemetry.Metrics) *Driver {
	return &Driver{store: store, merger: merger, logger: logger, metrics: metrics}
}

// WithLogger returns a copy of d that logs to logger.
func (d *Driver) WithLogger(logger *zap.Logger) *Driver {
	c := *d
	c.logger = logger
	return &c
}

// Run processes records sequentially. A failing record is counted and
// logged and never aborts the batch. A cancelled ctx stops the iteration;
// the report then covers the records processed so far.
func (d *Driver) Run(ctx context.Context, mode Mode, records []types.Record) Report {
	start := time.Now()
	defer d.metrics.ObserveRun(start)

	if d.Progress != nil {
		d.Progress.Start(len(records))
		defer d.Progress.Finish()
	}

	var report Report
	for i := range records {
		if err := ctx.Err(); err != nil {
			d.logger.Warn("sync interrupted",
				zap.Stringer("mode", mode), zap.Int("processed", report.Total),
				zap.Int("remaining", len(records)-i), zap.Error(err))
			break
		}

		rec := &records[i]
		var outcome Outcome
		var err error
		switch mode {
		case Full:
			outcome, err = d.full(ctx, rec)
		default:
			outcome, err = d.incremental(ctx, rec)
		}
		if err != nil {
			outcome = classify(err)
			level := zap.WarnLevel
			if outcome == OutcomeMalformed {
				level = zap.DebugLevel
			}
			d.logger.Log(level, "record not synced",
				zap.String("id", rec.ID), zap.Int("index", i), zap.String("outcome", string(outcome)), zap.Error(err))
		}

		report.count(outcome)
		d.metrics.ObserveRecord(mode.String(), string(outcome))
		if d.Progress != nil {
			d.Progress.Increment()
		}
	}

	d.logger.Info("sync batch finished",
		zap.Stringer("mode", mode),
		zap.Int("total", report.Total),
		zap.Int("inserted", report.Inserted),
		zap.Int("updated", report.Updated),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.Int("malformed", report.Malformed),
		zap.Duration("elapsed", time.Since(start)))
	return report
}

// full is the existence-gated pass: stored records are never read.
func (d *Driver) full(ctx context.Context, raw *types.Record) (Outcome, error) {
	if raw.ID == "" {
		return "", fmt.Errorf("%w: record has no id", types.ErrMalformedRecord)
	}
	exists, err := d.store.Exists(ctx, raw.ID)
	if err != nil {
		return "", err
	}
	if exists {
		return OutcomeSkipped, nil
	}

	enriched, write, err := d.merger.Merge(raw, nil)
	if err != nil {
		return "", err
	}
	if !write {
		return OutcomeSkipped, nil
	}
	if err := d.store.Put(ctx, enriched); err != nil {
		return "", err
	}
	return OutcomeInserted, nil
}

// incremental is the merge-gated pass.
func (d *Driver) incremental(ctx context.Context, raw *types.Record) (Outcome, error) {
	if raw.ID == "" {
		return "", fmt.Errorf("%w: record has no id", types.ErrMalformedRecord)
	}
	previous, found, err := d.store.Get(ctx, raw.ID)
	if err != nil {
		return "", err
	}

	enriched, write, err := d.merger.Merge(raw, previous)
	if err != nil {
		return "", err
	}
	if !write {
		return OutcomeSkipped, nil
	}
	if err := d.store.Put(ctx, enriched); err != nil {
		return "", err
	}
	if found {
		return OutcomeUpdated, nil
	}
	return OutcomeInserted, nil
}

func classify(err error) Outcome {
	if errors.Is(err, types.ErrMalformedRecord) {
		return OutcomeMalformed
	}
	return OutcomeFailed
}
