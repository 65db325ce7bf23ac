// SPDX-FileCopyrightText: 2026 Bonial International GmbH
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/bonial-oss/epss-sync/internal/datasource/nvd"
	"github.com/bonial-oss/epss-sync/internal/output"
)

// ImportOptions holds the flags of the import subcommand.
type ImportOptions struct {
	From         string
	To           string
	Year         int
	Format       string
	FailOnErrors bool
	NoProgress   bool
}

func newImportCommand(global *GlobalOptions) *cobra.Command {
	opts := &ImportOptions{}

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Fully import every CVE published in a date range",
		Long: `import queries the NVD CVE API for every record published between --from and
--to (or inside --year) and writes each record that is not stored yet.
Existing records are skipped without being read.`,
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runImport(cmd, global, opts, cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.From, "from", "", "First publication date (YYYY-MM-DD)")
	flags.StringVar(&opts.To, "to", "", "Last publication date, inclusive (YYYY-MM-DD)")
	flags.IntVar(&opts.Year, "year", 0, "Import one publication year")
	flags.StringVar(&opts.Format, "format", "table", "Output format: table, json")
	flags.BoolVar(&opts.FailOnErrors, "fail-on-errors", false, "Exit code 1 if any record failed")
	flags.BoolVar(&opts.NoProgress, "no-progress", false, "Disable the progress bar")
	cmd.MarkFlagsMutuallyExclusive("year", "from")
	cmd.MarkFlagsMutuallyExclusive("year", "to")

	return cmd
}

// importWindow turns the flags into a publication window.
func importWindow(opts *ImportOptions) (nvd.Window, error) {
	if opts.Year != 0 {
		return nvd.YearWindow(opts.Year), nil
	}
	if opts.From == "" || opts.To == "" {
		return nvd.Window{}, &ExitError{Code: exitUsage, Message: "either --year or both --from and --to are required"}
	}
	from, err := time.Parse(time.DateOnly, opts.From)
	if err != nil {
		return nvd.Window{}, &ExitError{Code: exitUsage, Message: fmt.Sprintf("invalid --from date: %v", err)}
	}
	to, err := time.Parse(time.DateOnly, opts.To)
	if err != nil {
		return nvd.Window{}, &ExitError{Code: exitUsage, Message: fmt.Sprintf("invalid --to date: %v", err)}
	}
	// --to is inclusive: extend to the last millisecond of that day.
	end := to.Add(24*time.Hour - time.Millisecond)
	if !from.Before(end) {
		return nvd.Window{}, &ExitError{Code: exitUsage, Message: "--from must not be after --to"}
	}
	return nvd.Window{Start: from, End: end}, nil
}

func runImport(cmd *cobra.Command, global *GlobalOptions, opts *ImportOptions, w io.Writer) error {
	if err := validateFormat(opts.Format); err != nil {
		return err
	}
	window, err := importWindow(opts)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd, global, nil)
	if err != nil {
		return err
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

	summary, err := runner.Import(ctx, window)
	if err != nil && ctx.Err() == nil {
		return err
	}
	if writeErr := writeFormatted(w, opts.Format, summary, func(w io.Writer, isTerminal bool) error {
		return output.WriteSummary(w, summary, isTerminal)
	}); writeErr != nil {
		return writeErr
	}
	if err != nil {
		return fmt.Errorf("import interrupted: %w", err)
	}

	if opts.FailOnErrors && summary.Report.Failed > 0 {
		return &ExitError{Code: exitFailures, Message: "import finished with failures"}
	}
	return nil
}
