// SPDX-FileCopyrightText: 2026 Bonial International GmbH
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bonial-oss/epss-sync/internal/datasource/nvd"
	"github.com/bonial-oss/epss-sync/internal/fingerprint"
	"github.com/bonial-oss/epss-sync/internal/telemetry"
	"github.com/bonial-oss/epss-sync/internal/types"
)

// Feed outcomes reported per feed.
const (
	FeedUnchanged = "unchanged"
	FeedSynced    = "synced"
	FeedFailed    = "failed"
)

// FeedSource fetches upstream records and feed metadata.
type FeedSource interface {
	FetchMeta(ctx context.Context, feed string) (string, error)
	FetchFeed(ctx context.Context, feed string) ([]types.Record, error)
	FetchWindow(ctx context.Context, w nvd.Window) ([]types.Record, error)
	FetchCVE(ctx context.Context, id string) ([]types.Record, error)
}

// FeedResult is the outcome of one feed.
type FeedResult struct {
	Feed    string `json:"feed"`
	Outcome string `json:"outcome"`
	Report  Report `json:"report"`
	Error   string `json:"error,omitempty"`
}

// Summary is the outcome of one runner invocation.
type Summary struct {
	RunID  string       `json:"run_id"`
	Mode   string       `json:"mode"`
	Feeds  []FeedResult `json:"feeds,omitempty"`
	Report Report       `json:"report"`
}

// Runner drives the Driver across named feeds or a publication window.
type Runner struct {
	runID    string
	driver   *Driver
	source   FeedSource
	detector *fingerprint.Detector
	logger   *zap.Logger
	metrics  *telemetry.Metrics
}

// NewRunner creates a Runner with a fresh run id attached to every log line.
func NewRunner(driver *Driver, source FeedSource, detector *fingerprint.Detector, logger *zap.Logger, metrics *telemetry.Metrics) *Runner {
	runID := uuid.NewString()
	logger = logger.With(zap.String("run_id", runID))
	return &Runner{
		runID:    runID,
		driver:   driver.WithLogger(logger),
		source:   source,
		detector: detector,
		logger:   logger,
		metrics:  metrics,
	}
}

// RunID identifies this invocation in logs and summaries.
func (r *Runner) RunID() string {
	return r.runID
}

// SyncFeeds runs an incremental sync of every changed feed. A feed that
// cannot be fetched is logged and counted; the next feed still runs. The
// returned error is only set when ctx was cancelled.
func (r *Runner) SyncFeeds(ctx context.Context, feeds []string) (*Summary, error) {
	summary := &Summary{RunID: r.runID, Mode: Incremental.String()}
	for _, feed := range feeds {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		result := r.syncFeed(ctx, feed)
		r.metrics.ObserveFeed(feed, result.Outcome)
		summary.Feeds = append(summary.Feeds, result)
		summary.Report.Add(result.Report)
	}
	return summary, ctx.Err()
}

func (r *Runner) syncFeed(ctx context.Context, feed string) FeedResult {
	logger := r.logger.With(zap.String("feed", feed))
	fail := func(err error) FeedResult {
		logger.Error("feed sync failed", zap.Error(err))
		return FeedResult{Feed: feed, Outcome: FeedFailed, Error: err.Error()}
	}

	meta, err := r.source.FetchMeta(ctx, feed)
	if err != nil {
		return fail(err)
	}
	remote, err := fingerprint.Parse(meta)
	if err != nil {
		return fail(fmt.Errorf("parsing %s metadata: %w", feed, err))
	}

	changed, err := r.detector.NeedsRefresh(ctx, feed, remote)
	if err != nil {
		return fail(err)
	}
	if !changed {
		logger.Info("feed unchanged, skipping", zap.String("sha256", remote.Hash))
		return FeedResult{Feed: feed, Outcome: FeedUnchanged}
	}

	records, err := r.source.FetchFeed(ctx, feed)
	if err != nil {
		return fail(err)
	}
	report := r.driver.Run(ctx, Incremental, records)

	if r.detector.DeferRecord {
		if err := ctx.Err(); err != nil {
			logger.Warn("feed interrupted, fingerprint not recorded", zap.Error(err))
			return FeedResult{Feed: feed, Outcome: FeedFailed, Report: report, Error: err.Error()}
		}
		if err := r.detector.Record(ctx, feed, remote); err != nil {
			result := fail(err)
			result.Report = report
			return result
		}
	}

	logger.Info("feed synced", zap.String("sha256", remote.Hash), zap.Int("records", len(records)))
	return FeedResult{Feed: feed, Outcome: FeedSynced, Report: report}
}

// Import runs an existence-gated full import of every record published
// inside w.
func (r *Runner) Import(ctx context.Context, w nvd.Window) (*Summary, error) {
	logger := r.logger.With(zap.Time("start", w.Start), zap.Time("end", w.End))
	summary := &Summary{RunID: r.runID, Mode: Full.String()}

	records, err := r.source.FetchWindow(ctx, w)
	if err != nil {
		logger.Error("import failed", zap.Error(err))
		return summary, fmt.Errorf("fetching import window: %w", err)
	}
	summary.Report = r.driver.Run(ctx, Full, records)
	logger.Info("import finished", zap.Int("records", len(records)))
	return summary, ctx.Err()
}

// Fetch pulls a single record from upstream and merges it into the store.
// An id unknown upstream gives an empty report.
func (r *Runner) Fetch(ctx context.Context, id string) (*Summary, error) {
	logger := r.logger.With(zap.String("cve_id", id))
	summary := &Summary{RunID: r.runID, Mode: Incremental.String()}

	records, err := r.source.FetchCVE(ctx, id)
	if err != nil {
		logger.Error("fetch failed", zap.Error(err))
		return summary, fmt.Errorf("fetching %s: %w", id, err)
	}
	summary.Report = r.driver.Run(ctx, Incremental, records)
	logger.Info("fetch finished", zap.Int("records", len(records)))
	return summary, ctx.Err()
}
