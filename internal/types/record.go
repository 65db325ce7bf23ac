// SPDX-FileCopyrightText: 2026 Bonial International GmbH
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"encoding/json"
	"maps"
	"slices"
)

// Record is a vulnerability record as stored under enriched/{id}.json.
// The identifying fields and the engine-owned EPSS fields are typed; every
// other top-level JSON key is kept verbatim in Payload and re-emitted on
// marshal, so the upstream document passes through untouched.
type Record struct {
	ID          string
	Description string
	Published   string
	EPSS        *EPSSData
	EPSSHistory []EPSSHistoryEntry
	// Payload holds all other JSON fields for passthrough.
	Payload map[string]json.RawMessage
}

// recordKnownFields lists the JSON keys that correspond to typed fields on
// Record. Everything else goes into Payload.
var recordKnownFields = map[string]bool{
	"id":           true,
	"description":  true,
	"published":    true,
	"epss":         true,
	"epss_history": true,
}

// UnmarshalJSON decodes a Record, extracting known fields into their typed
// counterparts and capturing everything else in Payload.
func (r *Record) UnmarshalJSON(data []byte) error {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}

	get := func(key string, dst any) error {
		raw, ok := all[key]
		if !ok {
			return nil
		}
		return json.Unmarshal(raw, dst)
	}

	if err := get("id", &r.ID); err != nil {
		return err
	}
	if err := get("description", &r.Description); err != nil {
		return err
	}
	if err := get("published", &r.Published); err != nil {
		return err
	}
	if raw, ok := all["epss"]; ok && string(raw) != "null" {
		r.EPSS = &EPSSData{}
		if err := json.Unmarshal(raw, r.EPSS); err != nil {
			return err
		}
	}
	if err := get("epss_history", &r.EPSSHistory); err != nil {
		return err
	}

	payload := make(map[string]json.RawMessage)
	for k, val := range all {
		if !recordKnownFields[k] {
			payload[k] = val
		}
	}
	if len(payload) > 0 {
		r.Payload = payload
	}

	return nil
}

// MarshalJSON encodes a Record, merging typed fields with the passthrough
// Payload. Keys are emitted in sorted order, so equal records always encode
// to equal bytes.
func (r Record) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(r.Payload)+5)

	// Merge payload first so typed fields take precedence.
	for k, val := range r.Payload {
		m[k] = val
	}

	m["id"] = r.ID
	if r.Description != "" {
		m["description"] = r.Description
	}
	if r.Published != "" {
		m["published"] = r.Published
	}
	if r.EPSS != nil {
		m["epss"] = r.EPSS
	}
	if len(r.EPSSHistory) > 0 {
		m["epss_history"] = r.EPSSHistory
	}

	return json.Marshal(m)
}

// Clone returns a copy of r that shares no mutable state with it. Payload
// values are raw JSON and treated as immutable, so only the map is copied.
func (r *Record) Clone() *Record {
	c := *r
	if r.EPSS != nil {
		epss := *r.EPSS
		c.EPSS = &epss
	}
	c.EPSSHistory = slices.Clone(r.EPSSHistory)
	if r.Payload != nil {
		c.Payload = maps.Clone(r.Payload)
	}
	return &c
}
