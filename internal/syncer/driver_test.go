// SPDX-FileCopyrightText: 2026 Bonial International GmbH
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/bonial-oss/epss-sync/internal/enricher"
	"github.com/bonial-oss/epss-sync/internal/store"
	"github.com/bonial-oss/epss-sync/internal/telemetry"
	"github.com/bonial-oss/epss-sync/internal/types"
)

var scoreDate = time.Date(2026, 2, 12, 0, 0, 0, 0, time.UTC)

// countingBlobs wraps a backend and counts calls per operation.
type countingBlobs struct {
	store.Blobs

	mu      sync.Mutex
	exists  int
	gets    int
	puts    int
	failPut map[string]bool
}

func (c *countingBlobs) Exists(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	c.exists++
	c.mu.Unlock()
	return c.Blobs.Exists(ctx, key)
}

func (c *countingBlobs) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	c.gets++
	c.mu.Unlock()
	return c.Blobs.Get(ctx, key)
}

func (c *countingBlobs) Put(ctx context.Context, key string, data []byte) error {
	c.mu.Lock()
	c.puts++
	fail := c.failPut[key]
	c.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return c.Blobs.Put(ctx, key, data)
}

// table is a mutable score table.
type table map[string]types.ScoreEntry

func (t table) Lookup(cveID string) *types.ScoreEntry {
	e, ok := t[cveID]
	if !ok {
		return nil
	}
	return &e
}

type fixture struct {
	blobs   *countingBlobs
	store   *store.RecordStore
	table   table
	metrics *telemetry.Metrics
	driver  *Driver
}

func newFixture(t *testing.T, policy enricher.WritePolicy) *fixture {
	t.Helper()
	blobs := &countingBlobs{Blobs: store.NewFSBlobs(afero.NewMemMapFs(), "/data"), failPut: map[string]bool{}}
	rs := store.NewRecordStore(blobs)
	tbl := table{}
	metrics := telemetry.New()
	return &fixture{
		blobs:   blobs,
		store:   rs,
		table:   tbl,
		metrics: metrics,
		driver:  NewDriver(rs, enricher.New(tbl, policy), zaptest.NewLogger(t), metrics),
	}
}

func (f *fixture) score(id string, score float64) {
	f.table[id] = types.ScoreEntry{CVE: id, Score: score, Percentile: score, ObservedAt: scoreDate, ModelVersion: "v2025.03.14"}
}

func record(id string) types.Record {
	return types.Record{
		ID:          id,
		Description: "Example vulnerability",
		Payload:     map[string]json.RawMessage{"cve": json.RawMessage(`{"id":"` + id + `"}`)},
	}
}

func (f *fixture) stored(t *testing.T, id string) []byte {
	t.Helper()
	data, err := f.blobs.Blobs.Get(context.Background(), store.RecordKey(id))
	require.NoError(t, err)
	return data
}

func TestDriver_IncrementalInsertThenUpdate(t *testing.T) {
	f := newFixture(t, enricher.WriteOnHit)
	f.score("CVE-2024-0001", 0.1)
	ctx := context.Background()

	report := f.driver.Run(ctx, Incremental, []types.Record{record("CVE-2024-0001"), record("CVE-2024-0002")})
	assert.Equal(t, Report{Total: 2, Inserted: 2}, report)

	f.score("CVE-2024-0001", 0.3)
	report = f.driver.Run(ctx, Incremental, []types.Record{record("CVE-2024-0001")})
	assert.Equal(t, Report{Total: 1, Updated: 1}, report)

	rec, ok, err := f.store.Get(ctx, "CVE-2024-0001")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0.3, rec.EPSS.Score)
	require.Len(t, rec.EPSSHistory, 1)
	assert.Equal(t, 0.1, rec.EPSSHistory[0].Score)

	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.Records.WithLabelValues("incremental", "inserted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Records.WithLabelValues("incremental", "updated")))
}

func TestDriver_IncrementalIdempotent(t *testing.T) {
	f := newFixture(t, enricher.WriteOnHit)
	f.score("CVE-2024-0001", 0.42)
	ctx := context.Background()
	batch := []types.Record{record("CVE-2024-0001")}

	f.driver.Run(ctx, Incremental, batch)
	first := f.stored(t, "CVE-2024-0001")

	report := f.driver.Run(ctx, Incremental, batch)
	assert.Equal(t, 1, report.Updated, "on-hit rewrites every hit")
	assert.Equal(t, string(first), string(f.stored(t, "CVE-2024-0001")), "stored bytes must not change")

	rec, _, err := f.store.Get(ctx, "CVE-2024-0001")
	require.NoError(t, err)
	assert.Empty(t, rec.EPSSHistory)
}

func TestDriver_IncrementalScoreChangePolicySkipsTies(t *testing.T) {
	f := newFixture(t, enricher.WriteOnScoreChange)
	f.score("CVE-2024-0001", 0.42)
	ctx := context.Background()
	batch := []types.Record{record("CVE-2024-0001")}

	f.driver.Run(ctx, Incremental, batch)
	putsAfterFirst := f.blobs.puts

	report := f.driver.Run(ctx, Incremental, batch)
	assert.Equal(t, Report{Total: 1, Skipped: 1}, report)
	assert.Equal(t, putsAfterFirst, f.blobs.puts)
}

func TestDriver_NoScorePassthrough(t *testing.T) {
	f := newFixture(t, enricher.WriteOnHit)

	report := f.driver.Run(context.Background(), Incremental, []types.Record{record("CVE-1999-0001")})
	assert.Equal(t, 1, report.Inserted)
	assert.JSONEq(t, `{"cve":{"id":"CVE-1999-0001"},"description":"Example vulnerability","id":"CVE-1999-0001"}`,
		string(f.stored(t, "CVE-1999-0001")))
}

func TestDriver_FullSkipsExistingWithoutReading(t *testing.T) {
	f := newFixture(t, enricher.WriteOnHit)
	f.score("CVE-2024-0001", 0.1)
	ctx := context.Background()

	f.driver.Run(ctx, Full, []types.Record{record("CVE-2024-0001")})
	before := f.stored(t, "CVE-2024-0001")
	f.blobs.gets, f.blobs.puts = 0, 0

	f.score("CVE-2024-0001", 0.9)
	report := f.driver.Run(ctx, Full, []types.Record{record("CVE-2024-0001")})
	assert.Equal(t, Report{Total: 1, Skipped: 1}, report)
	assert.Zero(t, f.blobs.gets, "existing record must not be read")
	assert.Zero(t, f.blobs.puts, "existing record must not be rewritten")
	assert.Equal(t, string(before), string(f.stored(t, "CVE-2024-0001")))
}

func TestDriver_MalformedIsolation(t *testing.T) {
	for _, mode := range []Mode{Full, Incremental} {
		t.Run(mode.String(), func(t *testing.T) {
			f := newFixture(t, enricher.WriteOnHit)
			f.score("CVE-2024-0001", 0.1)

			batch := []types.Record{record("CVE-2024-0001"), {Description: "no id"}, record("CVE-2024-0003")}
			report := f.driver.Run(context.Background(), mode, batch)

			assert.Equal(t, Report{Total: 3, Inserted: 2, Skipped: 1, Malformed: 1}, report)
			assert.Equal(t, 2, f.blobs.puts)
		})
	}
}

func TestDriver_InvalidIDIsMalformed(t *testing.T) {
	f := newFixture(t, enricher.WriteOnHit)

	report := f.driver.Run(context.Background(), Incremental, []types.Record{record("../escape")})
	assert.Equal(t, Report{Total: 1, Skipped: 1, Malformed: 1}, report)
}

func TestDriver_StorageFaultCountsAsFailed(t *testing.T) {
	f := newFixture(t, enricher.WriteOnHit)
	f.blobs.failPut[store.RecordKey("CVE-2024-0002")] = true

	batch := []types.Record{record("CVE-2024-0001"), record("CVE-2024-0002"), record("CVE-2024-0003")}
	report := f.driver.Run(context.Background(), Incremental, batch)

	assert.Equal(t, Report{Total: 3, Inserted: 2, Failed: 1}, report)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Records.WithLabelValues("incremental", "failed")))
}

func TestDriver_CorruptStoredRecordCountsAsFailed(t *testing.T) {
	f := newFixture(t, enricher.WriteOnHit)
	require.NoError(t, f.blobs.Blobs.Put(context.Background(), store.RecordKey("CVE-2024-0001"), []byte("{")))

	report := f.driver.Run(context.Background(), Incremental, []types.Record{record("CVE-2024-0001")})
	assert.Equal(t, Report{Total: 1, Failed: 1}, report)
	assert.Equal(t, "{", string(f.stored(t, "CVE-2024-0001")), "corrupt record must not be overwritten")
}

func TestDriver_CancelledContextStops(t *testing.T) {
	f := newFixture(t, enricher.WriteOnHit)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := f.driver.Run(ctx, Incremental, []types.Record{record("CVE-2024-0001"), record("CVE-2024-0002")})
	assert.Equal(t, Report{}, report)
	assert.Zero(t, f.blobs.puts)
}

type recordingProgress struct {
	total      int
	increments int
	finished   bool
}

func (p *recordingProgress) Start(total int) { p.total = total }
func (p *recordingProgress) Increment()      { p.increments++ }
func (p *recordingProgress) Finish()         { p.finished = true }

func TestDriver_Progress(t *testing.T) {
	f := newFixture(t, enricher.WriteOnHit)
	progress := &recordingProgress{}
	f.driver.Progress = progress

	f.driver.Run(context.Background(), Full, []types.Record{record("CVE-2024-0001"), record("CVE-2024-0002")})

	assert.Equal(t, 2, progress.total)
	assert.Equal(t, 2, progress.increments)
	assert.True(t, progress.finished)
}

func TestReport_Add(t *testing.T) {
	r := Report{Total: 1, Inserted: 1}
	r.Add(Report{Total: 2, Skipped: 2, Malformed: 1})
	assert.Equal(t, Report{Total: 3, Inserted: 1, Skipped: 2, Malformed: 1}, r)
}

func TestMode_String(t *testing.T) {
	assert.Equal(t, "full", Full.String())
	assert.Equal(t, "incremental", Incremental.String())
}

func TestDriver_NilMetrics(t *testing.T) {
	rs := store.NewRecordStore(store.NewFSBlobs(afero.NewMemMapFs(), "/data"))
	d := NewDriver(rs, enricher.New(table{}, enricher.WriteOnHit), zap.NewNop(), nil)

	report := d.Run(context.Background(), Full, []types.Record{record("CVE-2024-0001")})
	assert.Equal(t, 1, report.Inserted)
}
