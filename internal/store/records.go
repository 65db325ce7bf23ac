// SPDX-FileCopyrightText: 2026 Bonial International GmbH
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/bonial-oss/epss-sync/internal/types"
)

const (
	recordPrefix      = "enriched/"
	fingerprintPrefix = "meta/"
	objectSuffix      = ".json"
)

// RecordStore is the adapter between the sync engine and a blob backend.
// It is the only place where persisted state is read or written.
type RecordStore struct {
	blobs Blobs
}

// NewRecordStore wraps a blob backend.
func NewRecordStore(blobs Blobs) *RecordStore {
	return &RecordStore{blobs: blobs}
}

// RecordKey returns the object key of the enriched record id.
func RecordKey(id string) string {
	return recordPrefix + id + objectSuffix
}

// FingerprintKey returns the object key of the fingerprint of feed.
func FingerprintKey(feed string) string {
	return fingerprintPrefix + feed + objectSuffix
}

func validateName(kind, name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty %s", types.ErrMalformedRecord, kind)
	}
	if strings.Contains(name, "/") || strings.Contains(name, "..") {
		return fmt.Errorf("%w: invalid %s %q", types.ErrMalformedRecord, kind, name)
	}
	return nil
}

// Exists reports whether an enriched record is stored for id.
func (s *RecordStore) Exists(ctx context.Context, id string) (bool, error) {
	if err := validateName("record id", id); err != nil {
		return false, err
	}
	ok, err := s.blobs.Exists(ctx, RecordKey(id))
	if err != nil {
		return false, fmt.Errorf("%w: %v", types.ErrStorageFault, err)
	}
	return ok, nil
}

// Get returns the stored record for id. A missing record is (nil, false,
// nil); an object that cannot be decoded is a storage fault.
func (s *RecordStore) Get(ctx context.Context, id string) (*types.Record, bool, error) {
	if err := validateName("record id", id); err != nil {
		return nil, false, err
	}
	data, err := s.blobs.Get(ctx, RecordKey(id))
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", types.ErrStorageFault, err)
	}

	var rec types.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false, fmt.Errorf("%w: decoding %s: %v", types.ErrStorageFault, RecordKey(id), err)
	}
	return &rec, true, nil
}

// Put overwrites the stored record unconditionally.
func (s *RecordStore) Put(ctx context.Context, rec *types.Record) error {
	if rec == nil {
		return fmt.Errorf("%w: nil record", types.ErrMalformedRecord)
	}
	if err := validateName("record id", rec.ID); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", rec.ID, err)
	}
	if err := s.blobs.Put(ctx, RecordKey(rec.ID), data); err != nil {
		return fmt.Errorf("%w: %v", types.ErrStorageFault, err)
	}
	return nil
}

// Fingerprint returns the last recorded fingerprint of feed.
func (s *RecordStore) Fingerprint(ctx context.Context, feed string) (*types.Fingerprint, bool, error) {
	if err := validateName("feed name", feed); err != nil {
		return nil, false, err
	}
	data, err := s.blobs.Get(ctx, FingerprintKey(feed))
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", types.ErrStorageFault, err)
	}

	var fp types.Fingerprint
	if err := json.Unmarshal(data, &fp); err != nil {
		return nil, false, fmt.Errorf("%w: decoding %s: %v", types.ErrStorageFault, FingerprintKey(feed), err)
	}
	return &fp, true, nil
}

// PutFingerprint stores fp as the current fingerprint of feed.
func (s *RecordStore) PutFingerprint(ctx context.Context, feed string, fp types.Fingerprint) error {
	if err := validateName("feed name", feed); err != nil {
		return err
	}
	data, err := json.Marshal(fp)
	if err != nil {
		return fmt.Errorf("encoding fingerprint of %s: %w", feed, err)
	}
	if err := s.blobs.Put(ctx, FingerprintKey(feed), data); err != nil {
		return fmt.Errorf("%w: %v", types.ErrStorageFault, err)
	}
	return nil
}
