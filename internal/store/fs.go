// SPDX-FileCopyrightText: 2026 Bonial International GmbH
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/spf13/afero"
)

// FSBlobs stores each object as a file below a root directory.
type FSBlobs struct {
	fs   afero.Fs
	root string
}

// NewFSBlobs creates a filesystem backend rooted at root.
func NewFSBlobs(fs afero.Fs, root string) *FSBlobs {
	return &FSBlobs{fs: fs, root: root}
}

func (b *FSBlobs) path(key string) string {
	return filepath.Join(b.root, filepath.FromSlash(path.Clean("/"+key)))
}

func (b *FSBlobs) Exists(_ context.Context, key string) (bool, error) {
	ok, err := afero.Exists(b.fs, b.path(key))
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", key, err)
	}
	return ok, nil
}

func (b *FSBlobs) Get(_ context.Context, key string) ([]byte, error) {
	data, err := afero.ReadFile(b.fs, b.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	return data, nil
}

// Put writes to a temporary file first and renames it into place, so a
// reader never sees a partially written object.
func (b *FSBlobs) Put(_ context.Context, key string, data []byte) error {
	dst := b.path(key)
	dir := filepath.Dir(dst)
	if err := b.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	tmp, err := afero.TempFile(b.fs, dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", key, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = b.fs.Remove(tmpName)
		return fmt.Errorf("writing %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		_ = b.fs.Remove(tmpName)
		return fmt.Errorf("closing %s: %w", key, err)
	}
	if err := b.fs.Rename(tmpName, dst); err != nil {
		_ = b.fs.Remove(tmpName)
		return fmt.Errorf("renaming %s: %w", key, err)
	}
	return nil
}
