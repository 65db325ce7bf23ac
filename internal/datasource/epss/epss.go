// SPDX-FileCopyrightText: 2026 Bonial International GmbH
// SPDX-License-Identifier: Apache-2.0

package epss

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/bonial-oss/epss-sync/internal/cache"
	"github.com/bonial-oss/epss-sync/internal/datasource/fetch"
	"github.com/bonial-oss/epss-sync/internal/types"
)

const (
	cacheFilename  = "epss_scores.csv"
	DefaultBaseURL = "https://epss.empiricalsecurity.com"

	// score_date as written in the feed header, e.g. 2026-02-12T00:00:00+0000
	scoreDateLayout = "2006-01-02T15:04:05-0700"
)

// Options configures a Source.
type Options struct {
	BaseURL    string
	CacheDir   string
	CacheTTL   time.Duration
	SkipUpdate bool
}

// Source is the score table: the EPSS bulk feed loaded into memory, keyed by
// CVE id. It is built once per run and read-only afterwards.
type Source struct {
	opts         Options
	cache        *cache.Cache
	client       *fetch.Client
	logger       *zap.Logger
	now          func() time.Time
	entries      map[string]types.ScoreEntry
	modelVersion string
	scoreDate    string
	dropped      int
}

// NewSource creates a new EPSS source caching the feed under opts.CacheDir.
func NewSource(opts Options, fs afero.Fs, client *fetch.Client, logger *zap.Logger) *Source {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	return &Source{
		opts:    opts,
		cache:   cache.New(fs, opts.CacheDir, opts.CacheTTL),
		client:  client,
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]types.ScoreEntry),
	}
}

// Load fetches EPSS data, using cache when appropriate.
//
// Logic:
//  1. If SkipUpdate and cache exists -> load from cache, parse, return.
//  2. If cache is fresh -> load from cache, parse, return.
//  3. Download fresh data.
//  4. If download succeeds -> store in cache, parse, return.
//  5. If download fails and cache exists -> warn, load stale cache, parse, return.
//  6. If download fails and no cache -> return types.ErrFeedUnavailable.
func (s *Source) Load(ctx context.Context) error {
	if s.opts.SkipUpdate && s.cache.Exists(cacheFilename) {
		return s.loadFromCache()
	}

	if s.cache.IsFresh() && s.cache.Exists(cacheFilename) {
		return s.loadFromCache()
	}

	data, err := s.FetchBulkScores(ctx)
	if err == nil {
		if storeErr := s.cache.Store(cacheFilename, data); storeErr != nil {
			s.logger.Warn("failed to cache EPSS data", zap.Error(storeErr))
		}
		return s.parseCSV(data)
	}

	if s.cache.Exists(cacheFilename) {
		s.logger.Warn("failed to download EPSS data, using stale cache", zap.Error(err))
		return s.loadFromCache()
	}

	return fmt.Errorf("downloading EPSS data: %w", err)
}

// Lookup returns the EPSS entry for the given CVE ID, or nil if not found.
func (s *Source) Lookup(cveID string) *types.ScoreEntry {
	entry, ok := s.entries[cveID]
	if !ok {
		return nil
	}
	return &entry
}

// Len returns the number of loaded entries.
func (s *Source) Len() int {
	return len(s.entries)
}

// Dropped returns the number of data rows rejected by the last parse.
func (s *Source) Dropped() int {
	return s.dropped
}

// ModelVersion returns the model version string from the EPSS CSV header.
func (s *Source) ModelVersion() string {
	return s.modelVersion
}

// ScoreDate returns the score date string from the EPSS CSV header.
func (s *Source) ScoreDate() string {
	return s.scoreDate
}

// loadFromCache loads and parses the cached CSV file.
func (s *Source) loadFromCache() error {
	data, err := s.cache.Load(cacheFilename)
	if err != nil {
		return fmt.Errorf("%w: loading EPSS data from cache: %v", types.ErrFeedUnavailable, err)
	}
	return s.parseCSV(data)
}

// FetchBulkScores downloads and decompresses the EPSS CSV for today's date.
// If today's file is not published yet it falls back to yesterday's, then
// to the rolling "current" file.
func (s *Source) FetchBulkScores(ctx context.Context) ([]byte, error) {
	now := s.now().UTC()
	candidates := []string{
		now.Format("2006-01-02"),
		now.AddDate(0, 0, -1).Format("2006-01-02"),
		"current",
	}

	var errs []string
	for _, date := range candidates {
		url := fmt.Sprintf("%s/epss_scores-%s.csv.gz", s.opts.BaseURL, date)
		data, err := s.client.GetGzip(ctx, url)
		if err == nil {
			s.logger.Info("downloaded EPSS scores", zap.String("url", url), zap.Int("bytes", len(data)))
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrFeedUnavailable, ctx.Err())
		}
		errs = append(errs, fmt.Sprintf("%s: %v", date, err))
	}

	return nil, fmt.Errorf("%w: %s", types.ErrFeedUnavailable, strings.Join(errs, "; "))
}

// parseCSV parses the EPSS CSV data and populates the entries map.
// It extracts model_version and score_date from the leading comment lines.
// Rows that cannot be parsed are dropped without failing the load.
func (s *Source) parseCSV(data []byte) error {
	s.entries = make(map[string]types.ScoreEntry)
	s.modelVersion = ""
	s.scoreDate = ""
	s.dropped = 0

	text := string(data)
	for strings.HasPrefix(text, "#") {
		line, rest, _ := strings.Cut(text, "\n")
		s.parseCommentLine(strings.TrimRight(line, "\r"))
		text = rest
	}
	observedAt := s.observedAt()

	reader := csv.NewReader(strings.NewReader(text))
	reader.Comment = '#'
	reader.FieldsPerRecord = -1

	header := true
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				s.drop("unparsable row", zap.Error(err))
				continue
			}
			return fmt.Errorf("%w: reading CSV record: %v", types.ErrFeedUnavailable, err)
		}

		if header {
			header = false
			if strings.EqualFold(strings.TrimSpace(record[0]), "cve") {
				continue
			}
		}

		if len(record) < 3 {
			s.drop("short row", zap.Strings("row", record))
			continue
		}

		cve := strings.TrimSpace(record[0])
		if cve == "" {
			s.drop("row without CVE id", zap.Strings("row", record))
			continue
		}

		score, err := parseProbability(record[1])
		if err != nil {
			s.drop("invalid EPSS score", zap.String("cve", cve), zap.Error(err))
			continue
		}

		percentile, err := parseProbability(record[2])
		if err != nil {
			s.drop("invalid EPSS percentile", zap.String("cve", cve), zap.Error(err))
			continue
		}

		s.entries[cve] = types.ScoreEntry{
			CVE:          cve,
			Score:        score,
			Percentile:   percentile,
			ObservedAt:   observedAt,
			ModelVersion: s.modelVersion,
		}
	}

	s.logger.Info("loaded EPSS scores",
		zap.Int("entries", len(s.entries)),
		zap.Int("dropped", s.dropped),
		zap.String("model_version", s.modelVersion),
		zap.String("score_date", s.scoreDate))
	return nil
}

func (s *Source) drop(msg string, fields ...zap.Field) {
	s.dropped++
	s.logger.Debug("dropping EPSS row: "+msg, fields...)
}

// observedAt returns the feed's score date, or the current time when the
// header does not carry a parsable one.
func (s *Source) observedAt() time.Time {
	for _, layout := range []string{scoreDateLayout, time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, s.scoreDate); err == nil {
			return t.UTC()
		}
	}
	return s.now().UTC()
}

// parseCommentLine extracts metadata from a comment line like:
// #model_version:v2025.03.14,score_date:2026-02-12T00:00:00+0000
func (s *Source) parseCommentLine(line string) {
	line = strings.TrimPrefix(line, "#")
	parts := strings.Split(line, ",")
	for _, part := range parts {
		kv := strings.SplitN(part, ":", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		value := strings.TrimSpace(kv[1])
		switch key {
		case "model_version":
			s.modelVersion = value
		case "score_date":
			s.scoreDate = value
		}
	}
}

func parseProbability(raw string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || v < 0 || v > 1 {
		return 0, fmt.Errorf("value %v outside [0,1]", v)
	}
	return v, nil
}
