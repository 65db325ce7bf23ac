// SPDX-FileCopyrightText: 2026 Bonial International GmbH
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/bonial-oss/epss-sync/internal/config"
	"github.com/bonial-oss/epss-sync/internal/datasource/epss"
	"github.com/bonial-oss/epss-sync/internal/datasource/fetch"
	"github.com/bonial-oss/epss-sync/internal/datasource/nvd"
	"github.com/bonial-oss/epss-sync/internal/enricher"
	"github.com/bonial-oss/epss-sync/internal/fingerprint"
	"github.com/bonial-oss/epss-sync/internal/logging"
	"github.com/bonial-oss/epss-sync/internal/store"
	"github.com/bonial-oss/epss-sync/internal/syncer"
	"github.com/bonial-oss/epss-sync/internal/telemetry"
)

// app holds the collaborators of one command invocation.
type app struct {
	cfg     *config.Config
	fs      afero.Fs
	logger  *zap.Logger
	metrics *telemetry.Metrics
	store   *store.RecordStore
	closers []func() error
}

// newApp builds the logger and opens the configured store.
func newApp(cfg *config.Config) (*app, error) {
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, &ExitError{Code: exitUsage, Message: err.Error()}
	}
	a := &app{
		cfg:     cfg,
		fs:      afero.NewOsFs(),
		logger:  logger,
		metrics: telemetry.New(),
	}

	blobs, err := a.openBlobs()
	if err != nil {
		_ = logger.Sync()
		return nil, fmt.Errorf("opening %s store: %w", cfg.Store.Backend, err)
	}
	a.store = store.NewRecordStore(blobs)
	return a, nil
}

func (a *app) openBlobs() (store.Blobs, error) {
	s := a.cfg.Store
	switch s.Backend {
	case config.BackendS3:
		client, err := store.NewS3Client(store.S3Options{
			Endpoint:        s.Endpoint,
			Region:          s.Region,
			AccessKeyID:     s.AccessKeyID,
			SecretAccessKey: s.SecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		return store.NewS3Blobs(client, s.Bucket), nil
	case config.BackendValkey:
		b, err := store.NewValkeyBlobs(s.ValkeyAddr)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, b.Close)
		return b, nil
	case config.BackendSQLite:
		b, err := store.NewSQLiteBlobs(s.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, b.Close)
		return b, nil
	default:
		return store.NewFSBlobs(a.fs, s.Dir), nil
	}
}

// loadScores loads the EPSS score table.
func (a *app) loadScores(ctx context.Context) (*epss.Source, error) {
	client := fetch.New(fetch.Options{
		Timeout:    a.cfg.NVD.Timeout,
		MaxRetries: a.cfg.NVD.MaxRetries,
	}, a.logger)
	source := epss.NewSource(epss.Options{
		BaseURL:    a.cfg.EPSS.URL,
		CacheDir:   a.cfg.EPSS.CacheDir,
		CacheTTL:   a.cfg.EPSS.CacheTTL,
		SkipUpdate: a.cfg.EPSS.SkipUpdate,
	}, a.fs, client, a.logger)

	if err := source.Load(ctx); err != nil {
		return nil, fmt.Errorf("loading EPSS data: %w", err)
	}
	a.metrics.ObserveDropped(source.Dropped())
	return source, nil
}

// nvdClient creates the NVD client; the API key is only sent to NVD.
func (a *app) nvdClient() *nvd.Client {
	header := http.Header{}
	if a.cfg.NVD.APIKey != "" {
		header.Set("apiKey", a.cfg.NVD.APIKey)
	}
	client := fetch.New(fetch.Options{
		Timeout:    a.cfg.NVD.Timeout,
		MaxRetries: a.cfg.NVD.MaxRetries,
		Header:     header,
	}, a.logger)
	return nvd.NewClient(nvd.Options{
		FeedURL:      a.cfg.NVD.FeedURL,
		APIURL:       a.cfg.NVD.APIURL,
		RequestDelay: a.cfg.NVD.RequestDelay,
	}, client, a.logger)
}

// newRunner wires score table, merger, driver and detector.
func (a *app) newRunner(scores *epss.Source, progress syncer.Progress) (*syncer.Runner, error) {
	policy, err := enricher.ParseWritePolicy(a.cfg.Sync.WritePolicy)
	if err != nil {
		return nil, &ExitError{Code: exitUsage, Message: err.Error()}
	}

	driver := syncer.NewDriver(a.store, enricher.New(scores, policy), a.logger, a.metrics)
	driver.Progress = progress

	detector := fingerprint.NewDetector(a.store)
	detector.DeferRecord = a.cfg.Sync.DeferFingerprint

	return syncer.NewRunner(driver, a.nvdClient(), detector, a.logger, a.metrics), nil
}

// close pushes metrics when configured and releases the store.
func (a *app) close() error {
	var errs []error
	if url := a.cfg.Metrics.PushgatewayURL; url != "" {
		if err := a.metrics.Push(url, a.cfg.Metrics.Job); err != nil {
			a.logger.Warn("failed to push metrics", zap.Error(err))
		}
	}
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
