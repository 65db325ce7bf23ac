// SPDX-FileCopyrightText: 2026 Bonial International GmbH
// SPDX-License-Identifier: Apache-2.0

package nvd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bonial-oss/epss-sync/internal/datasource/fetch"
	"github.com/bonial-oss/epss-sync/internal/types"
)

const legacyFeed = `{
  "CVE_data_type": "CVE",
  "CVE_Items": [
    {
      "cve": {
        "CVE_data_meta": {"ID": "CVE-2024-1234", "ASSIGNER": "cve@mitre.org"},
        "description": {"description_data": [
          {"lang": "es", "value": "Vulnerabilidad"},
          {"lang": "en", "value": "Example vulnerability"}
        ]}
      },
      "publishedDate": "2024-01-15T10:00Z"
    },
    {
      "cve": {"description": {"description_data": []}},
      "publishedDate": "2024-01-16T10:00Z"
    }
  ]
}`

const metaDoc = "lastModifiedDate:2026-02-12T03:00:02-05:00\r\nsize:1234\r\nsha256:ABCDEF\r\n"

func newTestClient(t *testing.T, srvURL string) *Client {
	t.Helper()
	fc := fetch.New(fetch.Options{
		MaxRetries: 1,
		NewBackOff: func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) },
	}, zap.NewNop())
	return NewClient(Options{FeedURL: srvURL + "/feeds", APIURL: srvURL + "/api", RequestDelay: 6 * time.Second}, fc, zap.NewNop())
}

func gzipped(t *testing.T, data string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(data))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestClient_FetchMeta(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/feeds/nvdcve-1.1-modified.meta", r.URL.Path)
		_, _ = w.Write([]byte(metaDoc))
	}))
	defer srv.Close()

	got, err := newTestClient(t, srv.URL).FetchMeta(context.Background(), "nvdcve-1.1-modified")
	require.NoError(t, err)
	assert.Equal(t, metaDoc, got)
}

func TestClient_FetchFeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/feeds/nvdcve-1.1-modified.json.gz", r.URL.Path)
		_, _ = w.Write(gzipped(t, legacyFeed))
	}))
	defer srv.Close()

	records, err := newTestClient(t, srv.URL).FetchFeed(context.Background(), "nvdcve-1.1-modified")
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "CVE-2024-1234", records[0].ID)
	assert.Equal(t, "Example vulnerability", records[0].Description)
	assert.Equal(t, "2024-01-15T10:00Z", records[0].Published)
	assert.Contains(t, string(records[0].Payload["cve"]), `"ASSIGNER": "cve@mitre.org"`)
	assert.Nil(t, records[0].EPSS)

	// The second item has no id; it is still returned so the driver can
	// count it as malformed.
	assert.Empty(t, records[1].ID)
	assert.NotEmpty(t, records[1].Payload["cve"])
}

func TestClient_FetchFeed_Unavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(gzipped(t, `{"CVE_Items": `))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).FetchFeed(context.Background(), "nvdcve-1.1-modified")
	assert.ErrorIs(t, err, types.ErrFeedUnavailable)
}

// apiServer serves total CVEs in pages, recording every query it receives.
type apiServer struct {
	mu      sync.Mutex
	total   int
	queries []map[string]string
}

func (s *apiServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s.mu.Lock()
	s.queries = append(s.queries, map[string]string{
		"pubStartDate": q.Get("pubStartDate"),
		"pubEndDate":   q.Get("pubEndDate"),
		"startIndex":   q.Get("startIndex"),
	})
	s.mu.Unlock()

	start, _ := strconv.Atoi(q.Get("startIndex"))
	// Serve at most 2 results per page to exercise pagination.
	var vulns []map[string]any
	for i := start; i < s.total && i < start+2; i++ {
		vulns = append(vulns, map[string]any{
			"cve": map[string]any{
				"id":           fmt.Sprintf("CVE-2024-%04d", i),
				"published":    "2024-03-01T00:00:00.000",
				"descriptions": []map[string]string{{"lang": "en", "value": "desc"}},
			},
		})
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"resultsPerPage":  len(vulns),
		"startIndex":      start,
		"totalResults":    s.total,
		"vulnerabilities": vulns,
	})
}

func TestClient_FetchWindow_Paginates(t *testing.T) {
	api := &apiServer{total: 5}
	srv := httptest.NewServer(api)
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	var delays []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	w := Window{
		Start: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC),
	}
	records, err := c.FetchWindow(context.Background(), w)
	require.NoError(t, err)

	require.Len(t, records, 5)
	assert.Equal(t, "CVE-2024-0000", records[0].ID)
	assert.Equal(t, "CVE-2024-0004", records[4].ID)
	assert.Equal(t, "desc", records[4].Description)

	require.Len(t, api.queries, 3)
	assert.Equal(t, "0", api.queries[0]["startIndex"])
	assert.Equal(t, "2", api.queries[1]["startIndex"])
	assert.Equal(t, "4", api.queries[2]["startIndex"])
	assert.Equal(t, "2024-03-01T00:00:00.000Z", api.queries[0]["pubStartDate"])

	// The fixed delay separates requests; none precedes the first one.
	assert.Equal(t, []time.Duration{6 * time.Second, 6 * time.Second}, delays)
}

func TestClient_FetchWindow_SplitsLongRanges(t *testing.T) {
	api := &apiServer{total: 0}
	srv := httptest.NewServer(api)
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	c.sleep = func(context.Context, time.Duration) error { return nil }

	records, err := c.FetchWindow(context.Background(), YearWindow(2023))
	require.NoError(t, err)
	assert.Empty(t, records)

	// 365 days need four ranges of at most 120 days.
	require.Len(t, api.queries, 4)
	assert.Equal(t, "2023-01-01T00:00:00.000Z", api.queries[0]["pubStartDate"])
	assert.Equal(t, "2023-12-31T23:59:59.999Z", api.queries[3]["pubEndDate"])
}

func TestClient_FetchWindow_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.FetchWindow(context.Background(), YearWindow(2024))
	require.Error(t, err)
	assert.True(t, IsRateLimited(err))
}

func TestClient_FetchWindow_Cancelled(t *testing.T) {
	api := &apiServer{total: 10}
	srv := httptest.NewServer(api)
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	c.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return sleep(ctx, d)
	}

	_, err := c.FetchWindow(ctx, YearWindow(2024))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, api.queries, 1)
}

func TestClient_FetchCVE(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api", r.URL.Path)
		var vulns []map[string]any
		if id := r.URL.Query().Get("cveId"); id == "CVE-2024-0042" {
			vulns = append(vulns, map[string]any{"cve": map[string]any{
				"id":           id,
				"published":    "2024-03-01T00:00:00.000",
				"descriptions": []map[string]string{{"lang": "en", "value": "single"}},
			}})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"totalResults": len(vulns), "vulnerabilities": vulns})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	records, err := c.FetchCVE(context.Background(), "CVE-2024-0042")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "CVE-2024-0042", records[0].ID)
	assert.Equal(t, "single", records[0].Description)

	records, err = c.FetchCVE(context.Background(), "CVE-1999-0001")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestSplitWindow(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	got, err := splitWindow(Window{Start: start, End: start.Add(24 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, []Window{{Start: start, End: start.Add(24 * time.Hour)}}, got)

	got, err = splitWindow(Window{Start: start, End: start.Add(130 * 24 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, start.Add(maxWindow), got[0].End)
	assert.Equal(t, start.Add(maxWindow+time.Millisecond), got[1].Start)

	_, err = splitWindow(Window{Start: start, End: start})
	assert.ErrorContains(t, err, "invalid window")
}

func TestSplitWindowLeavesNoGap(t *testing.T) {
	year := YearWindow(2024)
	intervals, err := splitWindow(year)
	require.NoError(t, err)
	require.Greater(t, len(intervals), 1)

	assert.Equal(t, year.Start, intervals[0].Start)
	assert.Equal(t, year.End, intervals[len(intervals)-1].End)
	for i := 1; i < len(intervals); i++ {
		// Timestamps are sent with millisecond precision and both ends are inclusive.
		assert.Equal(t, intervals[i-1].End.Add(time.Millisecond), intervals[i].Start, "interval %d", i)
	}

	published := year.Start.Add(maxWindow + 500*time.Millisecond).Truncate(time.Millisecond)
	covered := false
	for _, w := range intervals {
		if !published.Before(w.Start) && !published.After(w.End) {
			covered = true
		}
	}
	assert.True(t, covered, "%s falls in no interval", published.Format(apiTimeFormat))
}
