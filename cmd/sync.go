// SPDX-FileCopyrightText: 2026 Bonial International GmbH
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/bonial-oss/epss-sync/internal/config"
	"github.com/bonial-oss/epss-sync/internal/output"
	"github.com/bonial-oss/epss-sync/internal/syncer"
)

// SyncOptions holds the flags of the sync subcommand.
type SyncOptions struct {
	Feeds            []string
	WritePolicy      string
	DeferFingerprint bool
	Format           string
	FailOnErrors     bool
	NoProgress       bool
}

func newSyncCommand(global *GlobalOptions) *cobra.Command {
	opts := &SyncOptions{}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Incrementally sync the NVD feeds whose fingerprint changed",
		Long: `sync compares the sha256 of every configured NVD feed against the fingerprint
stored by the previous run. Changed feeds are downloaded and each record is
merged with its current EPSS score; records are written according to the
write policy (on-hit, on-diff, on-score-change).`,
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSync(cmd, global, opts, cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.StringSliceVar(&opts.Feeds, "feed", nil, "NVD feed names to sync (default from config)")
	flags.StringVar(&opts.WritePolicy, "write-policy", "", "Write policy for unchanged scores: on-hit, on-diff, on-score-change")
	flags.BoolVar(&opts.DeferFingerprint, "defer-fingerprint", false, "Record a feed's fingerprint only after it was processed")
	flags.StringVar(&opts.Format, "format", "table", "Output format: table, json")
	flags.BoolVar(&opts.FailOnErrors, "fail-on-errors", false, "Exit code 1 if any feed or record failed")
	flags.BoolVar(&opts.NoProgress, "no-progress", false, "Disable the progress bar")

	return cmd
}

func runSync(cmd *cobra.Command, global *GlobalOptions, opts *SyncOptions, w io.Writer) error {
	if err := validateFormat(opts.Format); err != nil {
		return err
	}
	flags := cmd.Flags()
	cfg, err := loadConfig(cmd, global, func(cfg *config.Config) {
		if flags.Changed("feed") {
			cfg.NVD.Feeds = opts.Feeds
		}
		if flags.Changed("write-policy") {
			cfg.Sync.WritePolicy = opts.WritePolicy
		}
		if flags.Changed("defer-fingerprint") {
			cfg.Sync.DeferFingerprint = opts.DeferFingerprint
		}
	})
	if err != nil {
		return err
	}
	if len(cfg.NVD.Feeds) == 0 {
		return &ExitError{Code: exitUsage, Message: "no feeds configured"}
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := signalContext(cmd)
	defer cancel()

	scores, err := a.loadScores(ctx)
	if err != nil {
		return err
	}
	runner, err := a.newRunner(scores, progressOrNil(opts.NoProgress))
	if err != nil {
		return err
	}

	summary, err := runner.SyncFeeds(ctx, cfg.NVD.Feeds)
	if writeErr := writeFormatted(w, opts.Format, summary, func(w io.Writer, isTerminal bool) error {
		return output.WriteSummary(w, summary, isTerminal)
	}); writeErr != nil {
		return writeErr
	}
	if err != nil {
		return fmt.Errorf("sync interrupted: %w", err)
	}

	if opts.FailOnErrors && hasFailures(summary) {
		return &ExitError{Code: exitFailures, Message: "sync finished with failures"}
	}
	return nil
}

// progressOrNil avoids handing the driver a typed nil interface.
func progressOrNil(disabled bool) syncer.Progress {
	if p := newProgress(disabled); p != nil {
		return p
	}
	return nil
}

func hasFailures(summary *syncer.Summary) bool {
	if summary.Report.Failed > 0 {
		return true
	}
	for _, feed := range summary.Feeds {
		if feed.Outcome == syncer.FeedFailed {
			return true
		}
	}
	return false
}
