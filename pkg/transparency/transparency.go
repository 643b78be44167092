// Package transparency keeps the per-village policy transparency log.
// Each entry carries its own hash and a node signature so third parties
// can audit the policy history without trusting the serving node.
package transparency

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/villagelabs/links/pkg/canon"
	"github.com/villagelabs/links/pkg/crypto"
	"github.com/villagelabs/links/pkg/fslock"
)

// Entry is one signed transparency row.
type Entry struct {
	TS         canon.Time     `json:"ts"`
	VillageID  string         `json:"village_id"`
	PolicyHash string         `json:"policy_hash"`
	UpdateHash *string        `json:"update_hash"`
	Meta       map[string]any `json:"meta"`
	EntryHash  string         `json:"entry_hash"`
	Signature  string         `json:"signature"`
}

// Log is the transparency store rooted at a node store directory.
type Log struct {
	root string
}

func NewLog(storeRoot string) *Log {
	return &Log{root: storeRoot}
}

// Dir returns the per-village transparency directory.
func (l *Log) Dir(villageID string) string {
	return filepath.Join(l.root, "transparency", villageID)
}

// Path returns the per-village policy log file path.
func (l *Log) Path(villageID string) string {
	return filepath.Join(l.Dir(villageID), "policy_log.jsonl")
}

// Append writes one signed entry. The entry hash and signature both cover
// the canonical bytes of the base fields, so a reader re-derives them from
// the row alone.
func (l *Log) Append(ctx context.Context, villageID, policyHash string, updateHash *string, signer *crypto.Signer, meta map[string]any) (*Entry, error) {
	if signer == nil {
		return nil, fmt.Errorf("transparency append: no signer")
	}
	if meta == nil {
		meta = map[string]any{}
	}
	base := map[string]any{
		"ts":          canon.Now(),
		"village_id":  villageID,
		"policy_hash": policyHash,
		"update_hash": updateHash,
		"meta":        meta,
	}
	payload, err := canon.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("transparency append: %w", err)
	}
	entryHash := canon.SHA256Hex(payload)
	sig := signer.SignHex(payload)

	row := map[string]any{}
	for k, v := range base {
		row[k] = v
	}
	row["entry_hash"] = entryHash
	row["signature"] = sig

	line, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("transparency append: %w", err)
	}
	if err := os.MkdirAll(l.Dir(villageID), 0o755); err != nil {
		return nil, fmt.Errorf("transparency append: %w", err)
	}
	if err := fslock.AppendLine(ctx, l.Path(villageID), line); err != nil {
		return nil, fmt.Errorf("transparency append: %w", err)
	}

	ts, _ := base["ts"].(canon.Time)
	return &Entry{
		TS:         ts,
		VillageID:  villageID,
		PolicyHash: policyHash,
		UpdateHash: updateHash,
		Meta:       meta,
		EntryHash:  entryHash,
		Signature:  sig,
	}, nil
}

// Tail returns the last limit raw lines of the log in file order. The
// HTTP endpoint streams these bytes unchanged as NDJSON.
func (l *Log) Tail(villageID string, limit int) ([]string, error) {
	if limit < 1 {
		limit = 1
	}
	f, err := os.Open(l.Path(villageID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, os.ErrNotExist
		}
		return nil, fmt.Errorf("transparency tail: %w", err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("transparency tail: %w", err)
	}
	if len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	return lines, nil
}

// Entries decodes every readable row in file order.
func (l *Log) Entries(villageID string) ([]map[string]any, error) {
	f, err := os.Open(l.Path(villageID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("transparency read: %w", err)
	}
	defer f.Close()

	var out []map[string]any
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var row map[string]any
		if err := json.Unmarshal(line, &row); err != nil {
			continue
		}
		out = append(out, row)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("transparency read: %w", err)
	}
	return out, nil
}

// VerifyEntry checks a decoded row against a node public key: the entry
// hash must match the canonical base fields and the hex signature must
// verify over the same bytes. Missing hash or signature is a deliberate
// false; malformed material is an error.
func VerifyEntry(row map[string]any, pubB64 string) (bool, error) {
	wantHash, _ := row["entry_hash"].(string)
	sigHex, _ := row["signature"].(string)
	if wantHash == "" || sigHex == "" {
		return false, nil
	}
	base := map[string]any{}
	for k, v := range row {
		if k == "entry_hash" || k == "signature" {
			continue
		}
		base[k] = v
	}
	payload, err := canon.Marshal(base)
	if err != nil {
		return false, fmt.Errorf("verify transparency entry: %w", err)
	}
	if canon.SHA256Hex(payload) != wantHash {
		return false, nil
	}
	return crypto.VerifyHex(pubB64, sigHex, payload)
}
