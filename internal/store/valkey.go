// SPDX-FileCopyrightText: 2026 Bonial International GmbH
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"

	valkey "github.com/valkey-io/valkey-go"
)

// ValkeyBlobs stores each object as a string value under its key.
type ValkeyBlobs struct {
	client valkey.Client
}

// NewValkeyBlobs connects to the Valkey server at addr.
func NewValkeyBlobs(addr string) (*ValkeyBlobs, error) {
	return newValkeyBlobs(valkey.ClientOption{InitAddress: []string{addr}})
}

func newValkeyBlobs(opt valkey.ClientOption) (*ValkeyBlobs, error) {
	client, err := valkey.NewClient(opt)
	if err != nil {
		return nil, fmt.Errorf("connecting to valkey at %v: %w", opt.InitAddress, err)
	}
	return &ValkeyBlobs{client: client}, nil
}

func (b *ValkeyBlobs) Exists(ctx context.Context, key string) (bool, error) {
	cmd := b.client.B().Exists().Key(key).Build()
	n, err := b.client.Do(ctx, cmd).AsInt64()
	if err != nil {
		return false, fmt.Errorf("valkey EXISTS for key '%s' failed: %w", key, err)
	}
	return n > 0, nil
}

func (b *ValkeyBlobs) Get(ctx context.Context, key string) ([]byte, error) {
	cmd := b.client.B().Get().Key(key).Build()
	data, err := b.client.Do(ctx, cmd).AsBytes()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("valkey GET for key '%s' failed: %w", key, err)
	}
	return data, nil
}

func (b *ValkeyBlobs) Put(ctx context.Context, key string, data []byte) error {
	cmd := b.client.B().Set().Key(key).Value(valkey.BinaryString(data)).Build()
	if err := b.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("valkey SET for key '%s' failed: %w", key, err)
	}
	return nil
}

// Close shuts down the underlying client connection.
func (b *ValkeyBlobs) Close() error {
	b.client.Close()
	return nil
}
