// SPDX-FileCopyrightText: 2026 Bonial International GmbH
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bonial-oss/epss-sync/internal/config"
	"github.com/bonial-oss/epss-sync/internal/output"
)

// Version is set at build time via ldflags.
var Version = "dev"

// ExitError signals a non-zero exit code with an optional message.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string { return e.Message }

// Exit codes.
const (
	exitFailures = 1
	exitUsage    = 2
)

// GlobalOptions holds the flags shared by every subcommand.
type GlobalOptions struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
	Store      string
	StoreDir   string
	CacheDir   string
	SkipUpdate bool
}

// NewRootCommand creates the root cobra command with all subcommands.
func NewRootCommand() *cobra.Command {
	opts := &GlobalOptions{}

	cmd := &cobra.Command{
		Use:     "epss-sync",
		Short:   "Keep NVD vulnerability records enriched with EPSS scores in an object store",
		Version: Version,
		Long: `epss-sync downloads the EPSS bulk score feed and the NVD vulnerability feeds,
merges every CVE record with its current exploit prediction score, keeps a
history of superseded scores, and writes the enriched records to a
key-addressed store (local directory, S3/R2 bucket, Valkey or SQLite).

Usage:
  epss-sync sync                          # incremental sync of changed NVD feeds
  epss-sync import --year 2024            # full import of one publication year
  epss-sync show CVE-2024-1234            # print a stored record`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.ConfigPath, "config", "c", os.Getenv("EPSS_SYNC_CONFIG"), "Path to a YAML config file")
	flags.StringVar(&opts.LogLevel, "log-level", "", "Log level: debug, info, warn, error")
	flags.StringVar(&opts.LogFormat, "log-format", "", "Log format: console, json")
	flags.StringVar(&opts.Store, "store", "", "Store backend: fs, s3, valkey, sqlite")
	flags.StringVar(&opts.StoreDir, "store-dir", "", "Root directory of the fs store backend")
	flags.StringVar(&opts.CacheDir, "cache-dir", "", "Override EPSS cache directory")
	flags.BoolVar(&opts.SkipUpdate, "skip-update", false, "Use cached EPSS data without update check")

	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &ExitError{Code: exitUsage, Message: err.Error()}
	})
	cmd.AddCommand(
		newSyncCommand(opts),
		newImportCommand(opts),
		newShowCommand(opts),
	)
	return cmd
}

// loadConfig reads the config file and environment, then applies the flags
// that were set explicitly. Any error is a usage error.
func loadConfig(cmd *cobra.Command, opts *GlobalOptions, override func(*config.Config)) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, &ExitError{Code: exitUsage, Message: err.Error()}
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = opts.LogLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = opts.LogFormat
	}
	if flags.Changed("store") {
		cfg.Store.Backend = opts.Store
	}
	if flags.Changed("store-dir") {
		cfg.Store.Dir = opts.StoreDir
	}
	if flags.Changed("cache-dir") {
		cfg.EPSS.CacheDir = opts.CacheDir
	}
	if flags.Changed("skip-update") {
		cfg.EPSS.SkipUpdate = opts.SkipUpdate
	}
	if override != nil {
		override(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, &ExitError{Code: exitUsage, Message: err.Error()}
	}
	return cfg, nil
}

// signalContext cancels on SIGINT/SIGTERM so a batch stops between records.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

// usageArgs turns argument validation failures into usage errors.
func usageArgs(validate cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := validate(cmd, args); err != nil {
			return &ExitError{Code: exitUsage, Message: err.Error()}
		}
		return nil
	}
}

func validateFormat(format string) error {
	switch format {
	case "json", "table":
		return nil
	default:
		return &ExitError{
			Code:    exitUsage,
			Message: fmt.Sprintf("unsupported output format: %s", format),
		}
	}
}

// writeFormatted writes v as JSON or hands it to the table writer.
func writeFormatted(w io.Writer, format string, v any, table func(w io.Writer, isTerminal bool) error) error {
	if format == "json" {
		return output.WriteJSON(w, v)
	}
	return table(w, output.IsOutputToTerminal(w))
}
