package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/villagelabs/links/pkg/canon"
	"github.com/villagelabs/links/pkg/crypto"
	"github.com/villagelabs/links/pkg/fslock"
)

// ExportFormat names the canonical JSON export envelope.
const ExportFormat = "links.audit.export.v1"

var csvColumns = []string{"ts", "event_type", "village_id", "actor", "policy_hash", "bundle_id", "details"}

// WriteFilteredLog persists a filtered slice of rows as JSONL, one
// canonical line per event. The export endpoint leaves this next to the
// export artifact so an operator can inspect exactly what was digested.
func WriteFilteredLog(ctx context.Context, events []map[string]any, path string) error {
	var buf bytes.Buffer
	for _, ev := range events {
		line, err := canon.Marshal(ev)
		if err != nil {
			return fmt.Errorf("filtered log: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("filtered log: %w", err)
	}
	if err := fslock.WriteFileAtomic(path, buf.Bytes()); err != nil {
		return fmt.Errorf("filtered log: %w", err)
	}
	return nil
}

// ExportJSON writes the canonical export envelope to outPath and returns
// the hex digest of its bytes plus the event count. The digest is over the
// canonical serialization, so two nodes exporting the same rows agree.
func ExportJSON(events []map[string]any, outPath string) (string, int, error) {
	if events == nil {
		events = []map[string]any{}
	}
	payload := map[string]any{
		"format": ExportFormat,
		"count":  len(events),
		"events": events,
	}
	data, err := canon.Marshal(payload)
	if err != nil {
		return "", 0, fmt.Errorf("audit export json: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return "", 0, fmt.Errorf("audit export json: %w", err)
	}
	if err := fslock.WriteFileAtomic(outPath, data); err != nil {
		return "", 0, fmt.Errorf("audit export json: %w", err)
	}
	return canon.SHA256Hex(data), len(events), nil
}

// ExportCSV flattens the rows into fixed columns, folding every remaining
// field into a details JSON blob. The digest covers the file bytes as
// written, so it is a node-local receipt rather than a cross-node value.
func ExportCSV(events []map[string]any, outPath string) (string, int, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvColumns); err != nil {
		return "", 0, fmt.Errorf("audit export csv: %w", err)
	}
	for _, ev := range events {
		row, err := csvRow(ev)
		if err != nil {
			return "", 0, fmt.Errorf("audit export csv: %w", err)
		}
		if err := w.Write(row); err != nil {
			return "", 0, fmt.Errorf("audit export csv: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", 0, fmt.Errorf("audit export csv: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return "", 0, fmt.Errorf("audit export csv: %w", err)
	}
	if err := fslock.WriteFileAtomic(outPath, buf.Bytes()); err != nil {
		return "", 0, fmt.Errorf("audit export csv: %w", err)
	}
	return canon.SHA256Hex(buf.Bytes()), len(events), nil
}

func csvRow(ev map[string]any) ([]string, error) {
	flat := map[string]bool{
		"ts": true, "time": true, "event_type": true, "type": true,
		"village_id": true, "actor": true, "policy_hash": true, "bundle_id": true,
	}
	details := map[string]any{}
	for k, v := range ev {
		if !flat[k] {
			details[k] = v
		}
	}
	detailJSON, err := canon.MarshalString(details)
	if err != nil {
		return nil, err
	}
	return []string{
		firstString(ev, "ts", "time"),
		firstString(ev, "event_type", "type"),
		firstString(ev, "village_id"),
		firstString(ev, "actor"),
		firstString(ev, "policy_hash"),
		firstString(ev, "bundle_id"),
		detailJSON,
	}, nil
}

func firstString(ev map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := ev[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// SignDigestHex signs the raw digest bytes (the hex string decoded) and
// returns the hex signature.
func SignDigestHex(digest string, signer *crypto.Signer) (string, error) {
	if signer == nil {
		return "", fmt.Errorf("sign digest: no signer")
	}
	raw, err := hex.DecodeString(digest)
	if err != nil {
		return "", fmt.Errorf("sign digest: %w", err)
	}
	return signer.SignHex(raw), nil
}

// VerifyDigestHex checks a hex signature over the raw digest bytes.
func VerifyDigestHex(digest, sigHex, pubB64 string) (bool, error) {
	raw, err := hex.DecodeString(digest)
	if err != nil {
		return false, fmt.Errorf("verify digest: %w", err)
	}
	return crypto.VerifyHex(pubB64, sigHex, raw)
}
