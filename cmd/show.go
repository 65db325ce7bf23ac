// SPDX-FileCopyrightText: 2026 Bonial International GmbH
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/bonial-oss/epss-sync/internal/output"
	"github.com/bonial-oss/epss-sync/internal/types"
)

func newShowCommand(global *GlobalOptions) *cobra.Command {
	var (
		format string
		fetch  bool
	)

	cmd := &cobra.Command{
		Use:   "show CVE-ID",
		Short: "Print a stored record with its EPSS score history",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShow(cmd, global, args[0], format, fetch, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&format, "format", "table", "Output format: table, json")
	cmd.Flags().BoolVar(&fetch, "fetch", false, "Fetch, enrich and store the record from the NVD API when it is not stored yet")
	return cmd
}

func runShow(cmd *cobra.Command, global *GlobalOptions, id, format string, fetch bool, w io.Writer) error {
	if err := validateFormat(format); err != nil {
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

	rec, ok, err := a.store.Get(cmd.Context(), id)
	if errors.Is(err, types.ErrMalformedRecord) {
		return &ExitError{Code: exitUsage, Message: fmt.Sprintf("invalid CVE id %q", id)}
	}
	if err != nil {
		return err
	}
	if !ok && fetch {
		rec, ok, err = fetchRecord(cmd.Context(), a, id)
		if err != nil {
			return err
		}
	}
	if !ok {
		return &ExitError{Code: exitFailures, Message: fmt.Sprintf("%s not found in store", id)}
	}

	return writeFormatted(w, format, rec, func(w io.Writer, isTerminal bool) error {
		return output.WriteRecord(w, rec, isTerminal)
	})
}

// fetchRecord enriches a single upstream record into the store and reads it
// back.
func fetchRecord(ctx context.Context, a *app, id string) (*types.Record, bool, error) {
	scores, err := a.loadScores(ctx)
	if err != nil {
		return nil, false, err
	}
	runner, err := a.newRunner(scores, nil)
	if err != nil {
		return nil, false, err
	}
	summary, err := runner.Fetch(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if summary.Report.Failed > 0 {
		return nil, false, fmt.Errorf("storing %s failed", id)
	}
	return a.store.Get(ctx, id)
}
