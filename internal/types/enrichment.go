// SPDX-FileCopyrightText: 2026 Bonial International GmbH
// SPDX-License-Identifier: Apache-2.0

package types

import "time"

// EPSSData is the engine-owned "epss" field of a stored record. It always
// reflects the latest score table entry seen for the CVE.
type EPSSData struct {
	Score        float64   `json:"score"`
	Percentile   float64   `json:"percentile"`
	ObservedAt   time.Time `json:"observed_at"`
	ModelVersion string    `json:"model_version,omitempty"`
}

// EPSSHistoryEntry is an immutable snapshot of a superseded score.
type EPSSHistoryEntry struct {
	Score      float64   `json:"score"`
	Percentile float64   `json:"percentile"`
	ObservedAt time.Time `json:"observed_at"`
}

// ScoreEntry represents a single row from the EPSS CSV feed.
type ScoreEntry struct {
	CVE          string
	Score        float64
	Percentile   float64
	ObservedAt   time.Time
	ModelVersion string
}

// Data converts the entry into the stored representation.
func (e ScoreEntry) Data() *EPSSData {
	return &EPSSData{
		Score:        e.Score,
		Percentile:   e.Percentile,
		ObservedAt:   e.ObservedAt,
		ModelVersion: e.ModelVersion,
	}
}

// Equal reports whether every field of d matches other.
func (d *EPSSData) Equal(other *EPSSData) bool {
	if d == nil || other == nil {
		return d == other
	}
	return d.Score == other.Score &&
		d.Percentile == other.Percentile &&
		d.ObservedAt.Equal(other.ObservedAt) &&
		d.ModelVersion == other.ModelVersion
}
