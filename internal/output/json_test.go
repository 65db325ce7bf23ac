// SPDX-FileCopyrightText: 2026 Bonial International GmbH
// SPDX-License-Identifier: Apache-2.0

package output

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bonial-oss/epss-sync/internal/types"
)

func TestWriteJSON_Summary(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, makeTestSummary()))

	output := buf.Bytes()

	// Verify it is valid JSON.
	var parsed map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(output, &parsed))

	// Verify indentation (should start with "{\n  ").
	assert.True(t, bytes.HasPrefix(output, []byte("{\n  ")), "output is not indented as expected")

	for _, key := range []string{"run_id", "mode", "feeds", "report"} {
		assert.Contains(t, parsed, key)
	}

	var report map[string]int
	require.NoError(t, json.Unmarshal(parsed["report"], &report))
	assert.Equal(t, 4, report["total"])
	assert.Equal(t, 1, report["malformed"])
}

func TestWriteJSON_Record(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, makeTestRecord()))

	var rec types.Record
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "CVE-2024-1234", rec.ID)
	require.NotNil(t, rec.EPSS)
	assert.Equal(t, 0.97, rec.EPSS.Score)
	assert.Len(t, rec.EPSSHistory, 2)
	assert.Contains(t, rec.Payload, "cve")
}

func TestWriteJSON_EscapeHTML(t *testing.T) {
	// Verify SetEscapeHTML(false) works: angle brackets should not be escaped.
	data := map[string]string{
		"url": "https://example.com/path?a=1&b=2",
	}

	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, data))

	output := buf.String()
	assert.NotContains(t, output, `\u0026`)
}
