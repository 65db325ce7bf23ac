// SPDX-FileCopyrightText: 2026 Bonial International GmbH
// SPDX-License-Identifier: Apache-2.0

// Package store persists enriched records and feed fingerprints in a
// key-addressed blob store.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Blobs.Get when no object exists at the key.
var ErrNotFound = errors.New("object not found")

// Blobs is a key-addressed blob backend. Keys are slash-separated paths such
// as "enriched/CVE-2024-1234.json".
type Blobs interface {
	Exists(ctx context.Context, key string) (bool, error)
	// Get returns ErrNotFound when the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put overwrites unconditionally.
	Put(ctx context.Context, key string, data []byte) error
}
