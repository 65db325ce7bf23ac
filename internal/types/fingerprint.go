// SPDX-FileCopyrightText: 2026 Bonial International GmbH
// SPDX-License-Identifier: Apache-2.0

package types

import "encoding/json"

// FingerprintHashKey is the metadata key carrying a feed's content hash.
const FingerprintHashKey = "sha256"

// Fingerprint is the freshness marker of an upstream feed: its content hash
// plus the remaining metadata lines of the feed's .meta document.
type Fingerprint struct {
	Hash     string
	Metadata map[string]string
}

// MarshalJSON writes the fingerprint as one flat object, the hash under
// "sha256" and every other metadata line verbatim.
func (f Fingerprint) MarshalJSON() ([]byte, error) {
	m := make(map[string]string, len(f.Metadata)+1)
	for k, v := range f.Metadata {
		m[k] = v
	}
	m[FingerprintHashKey] = f.Hash
	return json.Marshal(m)
}

// UnmarshalJSON reads the flat object written by MarshalJSON.
func (f *Fingerprint) UnmarshalJSON(data []byte) error {
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	f.Hash = m[FingerprintHashKey]
	delete(m, FingerprintHashKey)
	f.Metadata = m
	return nil
}
