// SPDX-FileCopyrightText: 2026 Bonial International GmbH
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bonial-oss/epss-sync/internal/types"
)

// faultyBlobs fails every call.
type faultyBlobs struct{}

var errBackend = errors.New("connection reset")

func (faultyBlobs) Exists(context.Context, string) (bool, error) { return false, errBackend }
func (faultyBlobs) Get(context.Context, string) ([]byte, error)  { return nil, errBackend }
func (faultyBlobs) Put(context.Context, string, []byte) error    { return errBackend }

func newMemStore(t *testing.T) (*RecordStore, Blobs) {
	t.Helper()
	blobs := NewFSBlobs(afero.NewMemMapFs(), "/data")
	return NewRecordStore(blobs), blobs
}

func TestRecordStore_GetAbsent(t *testing.T) {
	s, _ := newMemStore(t)

	rec, ok, err := s.Get(context.Background(), "CVE-2024-0001")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, rec)
}

func TestRecordStore_PutGet(t *testing.T) {
	s, blobs := newMemStore(t)
	ctx := context.Background()

	observed := time.Date(2026, 2, 12, 0, 0, 0, 0, time.UTC)
	in := &types.Record{
		ID:          "CVE-2024-0001",
		Description: "Buffer overflow",
		Published:   "2024-01-02T03:04:05.000",
		EPSS:        &types.EPSSData{Score: 0.2, Percentile: 0.9, ObservedAt: observed},
		EPSSHistory: []types.EPSSHistoryEntry{{Score: 0.1, Percentile: 0.8, ObservedAt: observed.AddDate(0, 0, -1)}},
		Payload:     map[string]json.RawMessage{"cve": json.RawMessage(`{"x":1}`)},
	}
	require.NoError(t, s.Put(ctx, in))

	raw, err := blobs.Get(ctx, "enriched/CVE-2024-0001.json")
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"cve":{"x":1}`)

	out, ok, err := s.Get(ctx, "CVE-2024-0001")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, in.Description, out.Description)
	assert.True(t, in.EPSS.Equal(out.EPSS))
	require.Len(t, out.EPSSHistory, 1)
	assert.Equal(t, 0.1, out.EPSSHistory[0].Score)
	assert.JSONEq(t, `{"x":1}`, string(out.Payload["cve"]))

	ok, err = s.Exists(ctx, "CVE-2024-0001")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRecordStore_UndecodableIsStorageFault(t *testing.T) {
	s, blobs := newMemStore(t)
	ctx := context.Background()
	require.NoError(t, blobs.Put(ctx, "enriched/CVE-2024-0001.json", []byte("not json")))

	_, ok, err := s.Get(ctx, "CVE-2024-0001")
	assert.ErrorIs(t, err, types.ErrStorageFault)
	assert.False(t, ok)
}

func TestRecordStore_BackendFaults(t *testing.T) {
	s := NewRecordStore(faultyBlobs{})
	ctx := context.Background()

	_, err := s.Exists(ctx, "CVE-2024-0001")
	assert.ErrorIs(t, err, types.ErrStorageFault)

	_, _, err = s.Get(ctx, "CVE-2024-0001")
	assert.ErrorIs(t, err, types.ErrStorageFault)

	err = s.Put(ctx, &types.Record{ID: "CVE-2024-0001"})
	assert.ErrorIs(t, err, types.ErrStorageFault)

	_, _, err = s.Fingerprint(ctx, "nvdcve-1.1-modified")
	assert.ErrorIs(t, err, types.ErrStorageFault)
}

func TestRecordStore_RejectsInvalidIDs(t *testing.T) {
	s, _ := newMemStore(t)
	ctx := context.Background()

	for _, id := range []string{"", "a/b", "..", "CVE-..-1"} {
		t.Run(id, func(t *testing.T) {
			_, err := s.Exists(ctx, id)
			assert.ErrorIs(t, err, types.ErrMalformedRecord)

			_, _, err = s.Get(ctx, id)
			assert.ErrorIs(t, err, types.ErrMalformedRecord)

			err = s.Put(ctx, &types.Record{ID: id})
			assert.ErrorIs(t, err, types.ErrMalformedRecord)

			err = s.PutFingerprint(ctx, id, types.Fingerprint{Hash: "abc"})
			assert.ErrorIs(t, err, types.ErrMalformedRecord)
		})
	}

	assert.ErrorIs(t, s.Put(ctx, nil), types.ErrMalformedRecord)
}

func TestRecordStore_Fingerprint(t *testing.T) {
	s, blobs := newMemStore(t)
	ctx := context.Background()

	fp, ok, err := s.Fingerprint(ctx, "nvdcve-1.1-modified")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, fp)

	in := types.Fingerprint{
		Hash:     "ABCDEF",
		Metadata: map[string]string{"size": "123", "lastModifiedDate": "2026-02-12T03:00:01-05:00"},
	}
	require.NoError(t, s.PutFingerprint(ctx, "nvdcve-1.1-modified", in))

	raw, err := blobs.Get(ctx, "meta/nvdcve-1.1-modified.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"sha256":"ABCDEF","size":"123","lastModifiedDate":"2026-02-12T03:00:01-05:00"}`, string(raw))

	fp, ok, err = s.Fingerprint(ctx, "nvdcve-1.1-modified")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, in, *fp)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "enriched/CVE-2024-0001.json", RecordKey("CVE-2024-0001"))
	assert.Equal(t, "meta/nvdcve-1.1-2024.json", FingerprintKey("nvdcve-1.1-2024"))
}
