// SPDX-FileCopyrightText: 2026 Bonial International GmbH
// SPDX-License-Identifier: Apache-2.0

// Package nvd fetches CVE records from the NVD data feeds and the NVD CVE API
// 2.0 and converts them into records whose upstream document is kept opaque.
package nvd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/bonial-oss/epss-sync/internal/datasource/fetch"
	"github.com/bonial-oss/epss-sync/internal/types"
)

const (
	DefaultFeedURL = "https://nvd.nist.gov/feeds/json/cve/1.1"
	DefaultAPIURL  = "https://services.nvd.nist.gov/rest/json/cves/2.0"

	metaSuffix = ".meta"
	feedSuffix = ".json.gz"

	// The API rejects ranges longer than 120 days and pages above 2000.
	maxWindow      = 120 * 24 * time.Hour
	resultsPerPage = 2000
	apiTimeFormat  = "2006-01-02T15:04:05.000Z"

	payloadKey = "cve"
)

// Options configures a Client.
type Options struct {
	FeedURL string
	APIURL  string
	// RequestDelay is slept between consecutive API requests.
	RequestDelay time.Duration
}

// Window is a publication date range for API queries.
type Window struct {
	Start time.Time
	End   time.Time
}

// YearWindow covers every CVE published in year.
func YearWindow(year int) Window {
	return Window{
		Start: time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(year, time.December, 31, 23, 59, 59, 999_000_000, time.UTC),
	}
}

// Client fetches vulnerability records and feed fingerprints.
type Client struct {
	opts   Options
	client *fetch.Client
	logger *zap.Logger
	sleep  func(context.Context, time.Duration) error
}

// NewClient creates an NVD client on top of the shared fetch client.
func NewClient(opts Options, client *fetch.Client, logger *zap.Logger) *Client {
	if opts.FeedURL == "" {
		opts.FeedURL = DefaultFeedURL
	}
	if opts.APIURL == "" {
		opts.APIURL = DefaultAPIURL
	}
	return &Client{opts: opts, client: client, logger: logger, sleep: sleep}
}

// FetchMeta returns the raw "key:value" lines of the feed's .meta document.
func (c *Client) FetchMeta(ctx context.Context, feed string) (string, error) {
	data, err := c.client.Get(ctx, c.opts.FeedURL+"/"+feed+metaSuffix)
	if err != nil {
		return "", fmt.Errorf("fetching %s metadata: %w", feed, err)
	}
	return string(data), nil
}

// FetchFeed downloads a gzip JSON 1.1 data feed and returns its records.
func (c *Client) FetchFeed(ctx context.Context, feed string) ([]types.Record, error) {
	data, err := c.client.GetGzip(ctx, c.opts.FeedURL+"/"+feed+feedSuffix)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", feed, err)
	}
	records, err := parseLegacyFeed(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", feed, err)
	}
	c.logger.Info("loaded NVD feed", zap.String("feed", feed), zap.Int("records", len(records)))
	return records, nil
}

// FetchWindow queries the CVE API for everything published inside w,
// splitting it into 120-day ranges and paging through each. A fixed delay
// separates consecutive requests.
func (c *Client) FetchWindow(ctx context.Context, w Window) ([]types.Record, error) {
	intervals, err := splitWindow(w)
	if err != nil {
		return nil, err
	}

	var records []types.Record
	first := true
	for _, interval := range intervals {
		startIndex := 0
		for {
			if !first {
				if err := c.sleep(ctx, c.opts.RequestDelay); err != nil {
					return nil, err
				}
			}
			first = false

			page, err := c.fetchPage(ctx, interval, startIndex)
			if err != nil {
				return nil, err
			}
			records = append(records, page.records...)

			startIndex += len(page.records)
			if len(page.records) == 0 || startIndex >= page.TotalResults {
				break
			}
		}
	}

	c.logger.Info("loaded NVD API window",
		zap.Time("start", w.Start), zap.Time("end", w.End), zap.Int("records", len(records)))
	return records, nil
}

type apiPage struct {
	ResultsPerPage  int `json:"resultsPerPage"`
	StartIndex      int `json:"startIndex"`
	TotalResults    int `json:"totalResults"`
	Vulnerabilities []struct {
		CVE json.RawMessage `json:"cve"`
	} `json:"vulnerabilities"`

	records []types.Record
}

// FetchCVE queries the CVE API for a single record. An id unknown to NVD
// yields no records and no error.
func (c *Client) FetchCVE(ctx context.Context, id string) ([]types.Record, error) {
	u, err := url.Parse(c.opts.APIURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse %q base url: %w", c.opts.APIURL, err)
	}
	q := u.Query()
	q.Set("cveId", id)
	u.RawQuery = q.Encode()

	page, err := c.getPage(ctx, u.String())
	if err != nil {
		return nil, err
	}
	c.logger.Info("loaded NVD record", zap.String("cve_id", id), zap.Int("records", len(page.records)))
	return page.records, nil
}

func (c *Client) fetchPage(ctx context.Context, w Window, startIndex int) (*apiPage, error) {
	pageURL, err := c.pageURL(w, startIndex)
	if err != nil {
		return nil, err
	}
	page, err := c.getPage(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("fetched NVD API page",
		zap.Int("start_index", startIndex), zap.Int("results", len(page.records)), zap.Int("total", page.TotalResults))
	return page, nil
}

func (c *Client) getPage(ctx context.Context, pageURL string) (*apiPage, error) {
	data, err := c.client.Get(ctx, pageURL)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", pageURL, err)
	}

	var page apiPage
	if err := json.Unmarshal(data, &page); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", types.ErrFeedUnavailable, pageURL, err)
	}
	page.records = make([]types.Record, 0, len(page.Vulnerabilities))
	for _, v := range page.Vulnerabilities {
		page.records = append(page.records, apiRecord(v.CVE))
	}
	return &page, nil
}

func (c *Client) pageURL(w Window, startIndex int) (string, error) {
	u, err := url.Parse(c.opts.APIURL)
	if err != nil {
		return "", fmt.Errorf("unable to parse %q base url: %w", c.opts.APIURL, err)
	}
	q := u.Query()
	q.Set("pubStartDate", w.Start.UTC().Format(apiTimeFormat))
	q.Set("pubEndDate", w.End.UTC().Format(apiTimeFormat))
	q.Set("startIndex", strconv.Itoa(startIndex))
	q.Set("resultsPerPage", strconv.Itoa(resultsPerPage))
	// The API does not accept percent-encoded timestamps.
	decoded, err := url.QueryUnescape(q.Encode())
	if err != nil {
		return "", fmt.Errorf("building query: %w", err)
	}
	u.RawQuery = decoded
	return u.String(), nil
}

// splitWindow cuts w into consecutive ranges no longer than maxWindow.
func splitWindow(w Window) ([]Window, error) {
	if !w.Start.Before(w.End) {
		return nil, fmt.Errorf("invalid window: start %s is not before end %s",
			w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
	}
	var intervals []Window
	current := w.Start
	for current.Before(w.End) {
		next := current.Add(maxWindow)
		if next.After(w.End) {
			next = w.End
		}
		intervals = append(intervals, Window{Start: current, End: next})
		current = next.Add(time.Millisecond)
	}
	return intervals, nil
}

type langString struct {
	Lang  string `json:"lang"`
	Value string `json:"value"`
}

func english(values []langString) string {
	d, _ := lo.Find(values, func(v langString) bool { return v.Lang == "en" })
	return d.Value
}

// apiRecord converts one API 2.0 "cve" object. An object that cannot be
// decoded yields a record without id, which the sync driver skips as
// malformed.
func apiRecord(raw json.RawMessage) types.Record {
	rec := types.Record{Payload: map[string]json.RawMessage{payloadKey: raw}}
	var cve struct {
		ID           string       `json:"id"`
		Published    string       `json:"published"`
		Descriptions []langString `json:"descriptions"`
	}
	if err := json.Unmarshal(raw, &cve); err != nil {
		return rec
	}
	rec.ID = cve.ID
	rec.Published = cve.Published
	rec.Description = english(cve.Descriptions)
	return rec
}

// parseLegacyFeed converts a JSON 1.1 data feed. Each CVE_Items entry is
// kept whole as the payload.
func parseLegacyFeed(data []byte) ([]types.Record, error) {
	var feed struct {
		CVEItems []json.RawMessage `json:"CVE_Items"`
	}
	if err := json.Unmarshal(data, &feed); err != nil {
		return nil, fmt.Errorf("%w: decoding feed: %v", types.ErrFeedUnavailable, err)
	}
	if feed.CVEItems == nil {
		return nil, fmt.Errorf("%w: feed has no CVE_Items", types.ErrFeedUnavailable)
	}

	records := make([]types.Record, 0, len(feed.CVEItems))
	for _, raw := range feed.CVEItems {
		rec := types.Record{Payload: map[string]json.RawMessage{payloadKey: raw}}
		var item struct {
			CVE struct {
				Meta struct {
					ID string `json:"ID"`
				} `json:"CVE_data_meta"`
				Description struct {
					Data []langString `json:"description_data"`
				} `json:"description"`
			} `json:"cve"`
			PublishedDate string `json:"publishedDate"`
		}
		if err := json.Unmarshal(raw, &item); err == nil {
			rec.ID = item.CVE.Meta.ID
			rec.Description = english(item.CVE.Description.Data)
			rec.Published = item.PublishedDate
		}
		records = append(records, rec)
	}
	return records, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsRateLimited reports whether err was caused by upstream throttling.
func IsRateLimited(err error) bool {
	return errors.Is(err, types.ErrRateLimitExceeded)
}
