package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/villagelabs/links/pkg/canon"
)

func sampleEvents() []map[string]any {
	return []map[string]any{
		{
			"id":         "11111111-1111-1111-1111-111111111111",
			"ts":         "2026-03-01T12:00:00Z",
			"action":     "ingest.accept",
			"village_id": "harbor",
			"actor":      "alice",
			"bundle_id":  "abc123",
		},
		{
			"id":         "22222222-2222-2222-2222-222222222222",
			"ts":         "2026-03-01T13:00:00Z",
			"action":     "quarantine.approve",
			"village_id": "harbor",
		},
	}
}

func TestExportJSONEnvelope(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "audit.json")

	digest, count, err := ExportJSON(sampleEvents(), out)
	require.NoError(t, err)
	require.Equal(t, 2, count)
	require.Len(t, digest, 64)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, canon.SHA256Hex(data), digest)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(data, &payload))
	require.Equal(t, ExportFormat, payload["format"])
	require.Equal(t, float64(2), payload["count"])

	// canonical bytes: sorted keys, no HTML escaping, compact separators
	require.True(t, strings.HasPrefix(string(data), `{"count":2,"events":[`))
}

func TestExportJSONDeterministic(t *testing.T) {
	dir := t.TempDir()
	d1, _, err := ExportJSON(sampleEvents(), filepath.Join(dir, "a.json"))
	require.NoError(t, err)
	d2, _, err := ExportJSON(sampleEvents(), filepath.Join(dir, "b.json"))
	require.NoError(t, err)
	require.Equal(t, d1, d2)
}

func TestExportJSONEmpty(t *testing.T) {
	dir := t.TempDir()
	digest, count, err := ExportJSON(nil, filepath.Join(dir, "audit.json"))
	require.NoError(t, err)
	require.Zero(t, count)

	data, err := os.ReadFile(filepath.Join(dir, "audit.json"))
	require.NoError(t, err)
	require.Equal(t, `{"count":0,"events":[],"format":"links.audit.export.v1"}`, string(data))
	require.Equal(t, canon.SHA256Hex(data), digest)
}

func TestExportCSVColumns(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "audit.csv")

	digest, count, err := ExportCSV(sampleEvents(), out)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, canon.SHA256Hex(data), digest)

	rows, err := csv.NewReader(strings.NewReader(string(data))).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, csvColumns, rows[0])

	first := rows[1]
	require.Equal(t, "2026-03-01T12:00:00Z", first[0])
	require.Empty(t, first[1]) // rows carry action, not event_type
	require.Equal(t, "harbor", first[2])
	require.Equal(t, "alice", first[3])
	require.Equal(t, "abc123", first[5])

	var details map[string]any
	require.NoError(t, json.Unmarshal([]byte(first[6]), &details))
	require.Equal(t, "ingest.accept", details["action"])
	require.Equal(t, "11111111-1111-1111-1111-111111111111", details["id"])
}

func TestWriteFilteredLogRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.filtered.jsonl")

	require.NoError(t, WriteFilteredLog(context.Background(), sampleEvents(), path))

	events, err := IterEvents(path)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "ingest.accept", events[0]["action"])
}
