// SPDX-FileCopyrightText: 2026 Bonial International GmbH
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
)

// DefaultTTL is how long a downloaded feed is considered fresh.
const DefaultTTL = 24 * time.Hour

const metadataFilename = "metadata.json"

type Metadata struct {
	DownloadedAt string `json:"downloaded_at"`
}

// Cache keeps downloaded bulk feeds in a directory so repeated runs within
// the TTL skip the network.
type Cache struct {
	fs  afero.Fs
	dir string
	ttl time.Duration
}

func New(fs afero.Fs, dir string, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{fs: fs, dir: dir, ttl: ttl}
}

func (c *Cache) IsFresh() bool {
	meta, err := c.loadMetadata()
	if err != nil {
		return false
	}
	downloadedAt, err := time.Parse(time.RFC3339, meta.DownloadedAt)
	if err != nil {
		return false
	}
	return time.Since(downloadedAt) < c.ttl
}

func (c *Cache) Store(filename string, data []byte) error {
	if err := c.fs.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("creating cache dir: %w", err)
	}
	dataPath := filepath.Join(c.dir, filename)
	if err := afero.WriteFile(c.fs, dataPath, data, 0o644); err != nil {
		return fmt.Errorf("writing cache data: %w", err)
	}
	meta := Metadata{DownloadedAt: time.Now().UTC().Format(time.RFC3339)}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}
	metaPath := filepath.Join(c.dir, metadataFilename)
	if err := afero.WriteFile(c.fs, metaPath, metaBytes, 0o644); err != nil {
		return fmt.Errorf("writing metadata: %w", err)
	}
	return nil
}

func (c *Cache) Load(filename string) ([]byte, error) {
	return afero.ReadFile(c.fs, filepath.Join(c.dir, filename))
}

func (c *Cache) Exists(filename string) bool {
	ok, err := afero.Exists(c.fs, filepath.Join(c.dir, filename))
	return err == nil && ok
}

func (c *Cache) loadMetadata() (*Metadata, error) {
	data, err := afero.ReadFile(c.fs, filepath.Join(c.dir, metadataFilename))
	if err != nil {
		return nil, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}
