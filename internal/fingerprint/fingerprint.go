// SPDX-FileCopyrightText: 2026 Bonial International GmbH
// SPDX-License-Identifier: Apache-2.0

// Package fingerprint decides whether an upstream feed changed since it was
// last processed.
package fingerprint

import (
	"context"
	"fmt"
	"strings"

	"github.com/bonial-oss/epss-sync/internal/types"
)

// Store persists the last seen fingerprint per feed.
type Store interface {
	Fingerprint(ctx context.Context, feed string) (*types.Fingerprint, bool, error)
	PutFingerprint(ctx context.Context, feed string, fp types.Fingerprint) error
}

// Parse reads a feed's .meta document: one "key:value" pair per line, split
// on the first colon. The sha256 line becomes the hash; every other line is
// kept as metadata.
func Parse(text string) (types.Fingerprint, error) {
	fp := types.Fingerprint{Metadata: make(map[string]string)}
	found := false
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == types.FingerprintHashKey {
			fp.Hash = value
			found = true
			continue
		}
		fp.Metadata[key] = value
	}
	if !found || fp.Hash == "" {
		return types.Fingerprint{}, fmt.Errorf("%w: metadata has no %s line", types.ErrFeedUnavailable, types.FingerprintHashKey)
	}
	return fp, nil
}

// Detector compares remote fingerprints against the stored ones.
type Detector struct {
	store Store
	// DeferRecord leaves persisting to the caller, who calls Record once
	// the feed was processed.
	DeferRecord bool
}

// NewDetector creates a Detector that records on detection.
func NewDetector(store Store) *Detector {
	return &Detector{store: store}
}

// NeedsRefresh reports whether remote differs from the stored fingerprint of
// feed. A missing stored fingerprint counts as changed. Unless DeferRecord
// is set, a changed fingerprint is persisted before returning; an unchanged
// one never touches storage.
func (d *Detector) NeedsRefresh(ctx context.Context, feed string, remote types.Fingerprint) (bool, error) {
	stored, ok, err := d.store.Fingerprint(ctx, feed)
	if err != nil {
		return false, fmt.Errorf("loading fingerprint of %s: %w", feed, err)
	}
	if ok && stored.Hash == remote.Hash {
		return false, nil
	}
	if !d.DeferRecord {
		if err := d.Record(ctx, feed, remote); err != nil {
			return false, err
		}
	}
	return true, nil
}

// Record persists remote as the current fingerprint of feed.
func (d *Detector) Record(ctx context.Context, feed string, remote types.Fingerprint) error {
	if err := d.store.PutFingerprint(ctx, feed, remote); err != nil {
		return fmt.Errorf("recording fingerprint of %s: %w", feed, err)
	}
	return nil
}
