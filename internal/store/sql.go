// SPDX-FileCopyrightText: 2026 Bonial International GmbH
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// blob is one row of the blobs table.
type blob struct {
	Key       string `gorm:"primaryKey"`
	Data      []byte
	UpdatedAt time.Time
}

// SQLBlobs stores objects as rows of a single table.
type SQLBlobs struct {
	db *gorm.DB
}

// NewSQLiteBlobs opens (and migrates) the SQLite database at path.
func NewSQLiteBlobs(path string) (*SQLBlobs, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.AutoMigrate(&blob{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &SQLBlobs{db: db}, nil
}

func (b *SQLBlobs) Exists(ctx context.Context, key string) (bool, error) {
	var count int64
	if err := b.db.WithContext(ctx).Model(&blob{}).Where(map[string]any{"key": key}).Count(&count).Error; err != nil {
		return false, fmt.Errorf("counting %s: %w", key, err)
	}
	return count > 0, nil
}

func (b *SQLBlobs) Get(ctx context.Context, key string) ([]byte, error) {
	var row blob
	err := b.db.WithContext(ctx).Where(map[string]any{"key": key}).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", key, err)
	}
	return row.Data, nil
}

func (b *SQLBlobs) Put(ctx context.Context, key string, data []byte) error {
	row := blob{Key: key, Data: data}
	err := b.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert %s: %w", key, err)
	}
	return nil
}

// Close releases the database handle.
func (b *SQLBlobs) Close() error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
