// Package audit keeps the node-wide append-only audit log and its signed
// exports. Every admission decision, quarantine outcome, membership change
// and policy application leaves one JSONL row in store/audit/audit.log.jsonl.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/villagelabs/links/pkg/canon"
	"github.com/villagelabs/links/pkg/fslock"
)

// Known actions. Quota enforcement counts ActionQuarantineApprove rows.
const (
	ActionIngestAccept      = "ingest.accept"
	ActionIngestReject      = "ingest.reject"
	ActionIngestQuarantine  = "ingest.quarantine"
	ActionQuarantineApprove = "quarantine.approve"
	ActionQuarantineReject  = "quarantine.reject"
	ActionMemberRevoke      = "member.revoke"
	ActionMemberRotate      = "member.rotate"
	ActionIssuerBlock       = "issuer.block"
	ActionIssuerAllow       = "issuer.allow"
	ActionPolicyApply       = "policy.apply"
	ActionAnchorRegister    = "anchor.register"
	ActionAnchorRotate      = "anchor.rotate"
	ActionAnchorRevoke      = "anchor.revoke"
)

// Event is the context of one audit row. Empty fields land on disk as nulls.
type Event struct {
	Action        string
	BundleID      string
	VillageID     string
	IssuerKeyHash string
	Actor         string
	Reason        string
	PolicyHash    string
}

// Log is the append-only audit log rooted at a node store directory.
type Log struct {
	root string
}

func NewLog(storeRoot string) *Log {
	return &Log{root: storeRoot}
}

// Dir returns the audit directory under the store root.
func (l *Log) Dir() string {
	return filepath.Join(l.root, "audit")
}

// Path returns the path of the audit log file.
func (l *Log) Path() string {
	return filepath.Join(l.Dir(), "audit.log.jsonl")
}

// Write appends one row under the log's file lock. The row always carries
// the full key set so readers never need to probe for fields.
func (l *Log) Write(ctx context.Context, ev Event) error {
	if ev.Action == "" {
		return fmt.Errorf("audit write: action is required")
	}
	if err := os.MkdirAll(l.Dir(), 0o755); err != nil {
		return fmt.Errorf("audit write: %w", err)
	}
	row := map[string]any{
		"id":              uuid.NewString(),
		"ts":              canon.Now(),
		"action":          ev.Action,
		"bundle_id":       nullable(ev.BundleID),
		"village_id":      nullable(ev.VillageID),
		"issuer_key_hash": nullable(ev.IssuerKeyHash),
		"actor":           nullable(ev.Actor),
		"reason":          nullable(ev.Reason),
		"policy_hash":     nullable(ev.PolicyHash),
	}
	line, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("audit write: %w", err)
	}
	if err := fslock.AppendLine(ctx, l.Path(), line); err != nil {
		return fmt.Errorf("audit write: %w", err)
	}
	return nil
}

// Events returns every readable row in file order. A missing log is an
// empty slice, not an error.
func (l *Log) Events() ([]map[string]any, error) {
	return IterEvents(l.Path())
}

// VillageEvents returns the rows whose village_id matches, in file order.
func (l *Log) VillageEvents(villageID string) ([]map[string]any, error) {
	events, err := l.Events()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for _, ev := range events {
		if v, _ := ev["village_id"].(string); v == villageID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// CountApprovedOn counts quarantine.approve rows for the village on the
// given UTC calendar day. The submission quota is checked against this at
// approve time.
func (l *Log) CountApprovedOn(villageID string, day time.Time) (int, error) {
	events, err := l.Events()
	if err != nil {
		return 0, err
	}
	prefix := day.UTC().Format("2006-01-02")
	n := 0
	for _, ev := range events {
		if a, _ := ev["action"].(string); a != ActionQuarantineApprove {
			continue
		}
		if v, _ := ev["village_id"].(string); v != villageID {
			continue
		}
		ts, _ := ev["ts"].(string)
		if len(ts) >= len(prefix) && ts[:len(prefix)] == prefix {
			n++
		}
	}
	return n, nil
}

// IterEvents reads a JSONL audit file, skipping blank and malformed lines
// so a partially corrupted log still exports.
func IterEvents(path string) ([]map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("audit read %s: %w", path, err)
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
		var ev map[string]any
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("audit read %s: %w", path, err)
	}
	return out, nil
}

// PolicyHash is the short display hash used in audit rows and history
// entries: the first 16 hex characters of the canonical policy digest.
func PolicyHash(pol map[string]any) (string, error) {
	data, err := canon.Marshal(pol)
	if err != nil {
		return "", fmt.Errorf("policy hash: %w", err)
	}
	return canon.SHA256Hex(data)[:16], nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
