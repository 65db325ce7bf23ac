// SPDX-FileCopyrightText: 2026 Bonial International GmbH
// SPDX-License-Identifier: Apache-2.0

// Package enricher merges vulnerability records with their current EPSS
// score and decides whether the result needs to be written.
package enricher

import (
	"fmt"
	"time"

	"github.com/bonial-oss/epss-sync/internal/types"
)

// WritePolicy decides whether a record whose score did not change is
// written again.
type WritePolicy int

const (
	// WriteOnHit writes every record found in the score table.
	WriteOnHit WritePolicy = iota
	// WriteOnDiff writes an unchanged score only when any stored epss field
	// (percentile, observation time, model version) differs.
	WriteOnDiff
	// WriteOnScoreChange never writes an unchanged score.
	WriteOnScoreChange
)

var writePolicyNames = map[WritePolicy]string{
	WriteOnHit:         "on-hit",
	WriteOnDiff:        "on-diff",
	WriteOnScoreChange: "on-score-change",
}

func (p WritePolicy) String() string {
	if name, ok := writePolicyNames[p]; ok {
		return name
	}
	return fmt.Sprintf("WritePolicy(%d)", int(p))
}

// ParseWritePolicy maps a configuration value to a WritePolicy.
func ParseWritePolicy(s string) (WritePolicy, error) {
	for p, name := range writePolicyNames {
		if name == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unsupported write policy: %q", s)
}

// ScoreTable resolves a CVE id to its current score, or nil.
type ScoreTable interface {
	Lookup(cveID string) *types.ScoreEntry
}

// Merger enriches records with scores from a ScoreTable.
type Merger struct {
	table  ScoreTable
	policy WritePolicy
	now    func() time.Time
}

// New creates a Merger.
func New(table ScoreTable, policy WritePolicy) *Merger {
	return &Merger{table: table, policy: policy, now: time.Now}
}

// Merge produces the enriched form of raw given the previously stored
// record (nil if none) and reports whether it must be written.
//
// A record without a score is passed through unchanged and always written.
// A changed score moves the previous one into the history. Neither raw nor
// previous is modified.
func (m *Merger) Merge(raw, previous *types.Record) (*types.Record, bool, error) {
	if raw == nil || raw.ID == "" {
		return nil, false, fmt.Errorf("%w: record has no id", types.ErrMalformedRecord)
	}

	enriched := raw.Clone()
	enriched.EPSS = nil
	enriched.EPSSHistory = nil

	entry := m.table.Lookup(raw.ID)
	if entry == nil {
		return enriched, true, nil
	}
	current := entry.Data()
	enriched.EPSS = current

	if previous == nil {
		return enriched, true, nil
	}

	history := append([]types.EPSSHistoryEntry(nil), previous.EPSSHistory...)
	prior := previous.EPSS
	if prior != nil && prior.Score != current.Score {
		observed := prior.ObservedAt
		if observed.IsZero() {
			observed = m.now().UTC()
		}
		enriched.EPSSHistory = append(history, types.EPSSHistoryEntry{
			Score:      prior.Score,
			Percentile: prior.Percentile,
			ObservedAt: observed,
		})
		return enriched, true, nil
	}

	if len(history) > 0 {
		enriched.EPSSHistory = history
	}
	return enriched, m.writeTie(prior, current), nil
}

// writeTie applies the policy to a record whose score did not change. A
// previous record without any score counts as a change under every policy.
func (m *Merger) writeTie(prior, current *types.EPSSData) bool {
	if prior == nil {
		return true
	}
	switch m.policy {
	case WriteOnDiff:
		return !prior.Equal(current)
	case WriteOnScoreChange:
		return false
	default:
		return true
	}
}
