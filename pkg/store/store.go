// Package store holds the claim store: the bundle admission pipeline,
// quarantine workflow, replay defense and the append-only claims index.
package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/villagelabs/links/pkg/audit"
	"github.com/villagelabs/links/pkg/bundle"
	"github.com/villagelabs/links/pkg/crypto"
	"github.com/villagelabs/links/pkg/denial"
	"github.com/villagelabs/links/pkg/fslock"
	"github.com/villagelabs/links/pkg/village"
)

// Outcome statuses.
const (
	StatusAccepted    = "accepted"
	StatusQuarantined = "quarantined"
	StatusRejected    = "rejected"
)

// ErrReplay is returned when a bundle_id is already present in the store.
var ErrReplay = fmt.Errorf("replay detected")

// Outcome reports what the pipeline did with a submission.
type Outcome struct {
	Status   string `json:"status"`
	BundleID string `json:"bundle_id"`
	Reason   string `json:"reason"`
	Claims   int    `json:"claims"`
}

// Store is the claim store rooted at the node's store directory.
type Store struct {
	root     string
	villages *village.Store
	auditLog *audit.Log
	signer   *crypto.Signer
	mirror   *Mirror
}

// New builds a store. signer may be nil: denial artifacts are then skipped
// while every other effect still happens.
func New(storeRoot string, villages *village.Store, auditLog *audit.Log, signer *crypto.Signer) *Store {
	return &Store{root: storeRoot, villages: villages, auditLog: auditLog, signer: signer}
}

// AttachMirror enables write-through of index rows into a SQL mirror.
func (s *Store) AttachMirror(m *Mirror) {
	s.mirror = m
}

func (s *Store) Root() string { return s.root }

// BundlePath returns the stored location for an accepted bundle. An empty
// villageID means the flat layout used by standalone CLI ingestion.
func (s *Store) BundlePath(villageID, bundleID string) string {
	if villageID == "" {
		return filepath.Join(s.root, "bundles", bundleID+".json")
	}
	return filepath.Join(s.root, "bundles", villageID, bundleID+".json")
}

func (s *Store) indexPath() string {
	return filepath.Join(s.root, "index", "claims.jsonl")
}

// Ingest runs the admission pipeline on raw bundle bytes. Malformed input
// is an error (the caller's 400); replay is ErrReplay; every other path
// yields an Outcome. With a village the current policy gates the bundle;
// without one only verification and replay defense apply.
func (s *Store) Ingest(ctx context.Context, villageID string, raw []byte) (*Outcome, error) {
	b, err := bundle.Parse(raw)
	if err != nil {
		return nil, err
	}
	return s.admit(ctx, villageID, b)
}

func (s *Store) admit(ctx context.Context, villageID string, b *bundle.Bundle) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var v *village.Village
	if villageID != "" {
		loaded, err := s.villages.Load(villageID)
		if err != nil {
			return nil, err
		}
		v = loaded
	}

	verified, err := bundle.Verify(b)
	if err != nil {
		return nil, err
	}
	if !verified && !unverifiedAllowed(v, b) {
		reason := "bundle failed verification (signature and/or bundle_id mismatch)"
		if err := s.reject(ctx, villageID, b, reason); err != nil {
			return nil, err
		}
		return &Outcome{Status: StatusRejected, BundleID: b.BundleID, Reason: reason}, nil
	}

	if v != nil {
		if ok, reason := village.CheckBundle(v.Policy, b); !ok {
			if err := s.quarantine(ctx, villageID, b, reason); err != nil {
				return nil, err
			}
			return &Outcome{Status: StatusQuarantined, BundleID: b.BundleID, Reason: reason}, nil
		}
	}

	return s.accept(ctx, villageID, v, b)
}

// unverifiedAllowed reports whether a bundle without any signature
// material may pass under the village policy. The bundle id must still
// match its payload; a present-but-invalid signature never passes.
func unverifiedAllowed(v *village.Village, b *bundle.Bundle) bool {
	if v == nil || !v.Policy.AllowUnverified() {
		return false
	}
	if b.PublicKey != nil || b.Signature != nil {
		return false
	}
	id, err := bundle.ComputeID(b)
	return err == nil && id == b.BundleID
}

func (s *Store) accept(ctx context.Context, villageID string, v *village.Village, b *bundle.Bundle) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	replayed, err := s.seen(villageID, b.BundleID)
	if err != nil {
		return nil, err
	}
	if replayed {
		if err := s.auditLog.Write(ctx, audit.Event{
			Action:        audit.ActionIngestReject,
			BundleID:      b.BundleID,
			VillageID:     villageID,
			IssuerKeyHash: b.KeyHash(),
			Reason:        ErrReplay.Error(),
		}); err != nil {
			return nil, err
		}
		return nil, ErrReplay
	}

	data, err := b.Encode()
	if err != nil {
		return nil, err
	}
	out := s.BundlePath(villageID, b.BundleID)
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return nil, fmt.Errorf("store bundle: %w", err)
	}
	if err := fslock.WriteFileAtomic(out, data); err != nil {
		return nil, fmt.Errorf("store bundle: %w", err)
	}

	rows := indexRows(villageID, v, b)
	if err := s.appendIndexRows(ctx, rows); err != nil {
		return nil, err
	}
	if s.mirror != nil {
		if err := s.mirror.InsertRows(ctx, rows); err != nil {
			return nil, fmt.Errorf("index mirror: %w", err)
		}
	}

	if err := s.auditLog.Write(ctx, audit.Event{
		Action:        audit.ActionIngestAccept,
		BundleID:      b.BundleID,
		VillageID:     villageID,
		IssuerKeyHash: b.KeyHash(),
	}); err != nil {
		return nil, err
	}
	return &Outcome{
		Status:   StatusAccepted,
		BundleID: b.BundleID,
		Reason:   fmt.Sprintf("ingested bundle %s with %d claims", b.BundleID, len(rows)),
		Claims:   len(rows),
	}, nil
}

// seen checks the replay defense: a bundle_id already stored, in this
// village's layout or the flat one, refuses re-ingestion.
func (s *Store) seen(villageID, bundleID string) (bool, error) {
	paths := []string{s.BundlePath("", bundleID)}
	if villageID != "" {
		paths = append(paths, s.BundlePath(villageID, bundleID))
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return true, nil
		} else if !os.IsNotExist(err) {
			return false, fmt.Errorf("replay check: %w", err)
		}
	}
	return false, nil
}

// indexRows builds one row per claim. Claim-level issuer, window and
// computed_at take precedence over the bundle envelope.
func indexRows(villageID string, v *village.Village, b *bundle.Bundle) []map[string]any {
	vid := any(nil)
	visibility := any(nil)
	if villageID != "" {
		vid = villageID
	}
	if v != nil {
		visibility = v.Policy.Visibility()
	}
	rows := make([]map[string]any, 0, len(b.Claims))
	for _, c := range b.Claims {
		rows = append(rows, map[string]any{
			"bundle_id":   b.BundleID,
			"issuer":      c.Issuer,
			"window_days": c.WindowDays,
			"created_at":  b.CreatedAt,
			"village_id":  vid,
			"visibility":  visibility,
			"subject":     c.Subject,
			"predicate":   c.Predicate,
			"object":      c.Object,
			"value":       c.Value,
			"computed_at": c.ComputedAt,
		})
	}
	return rows
}

func (s *Store) appendIndexRows(ctx context.Context, rows []map[string]any) error {
	if err := os.MkdirAll(filepath.Dir(s.indexPath()), 0o755); err != nil {
		return fmt.Errorf("claims index: %w", err)
	}
	for _, row := range rows {
		line, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("claims index: %w", err)
		}
		if err := fslock.AppendLine(ctx, s.indexPath(), line); err != nil {
			return fmt.Errorf("claims index: %w", err)
		}
	}
	return nil
}

func (s *Store) reject(ctx context.Context, villageID string, b *bundle.Bundle, reason string) error {
	data, err := b.Encode()
	if err != nil {
		return err
	}
	dir := s.rejectedDir(villageID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("reject bundle: %w", err)
	}
	if err := fslock.WriteFileAtomic(filepath.Join(dir, b.BundleID+".json"), data); err != nil {
		return fmt.Errorf("reject bundle: %w", err)
	}
	if s.signer != nil {
		_, err := denial.Write(filepath.Join(dir, b.BundleID+".denial.json"), denial.Params{
			VillageID:   villageID,
			SubjectType: denial.SubjectBundle,
			SubjectID:   b.BundleID,
			Reason:      reason,
		}, s.signer)
		if err != nil {
			return err
		}
	}
	return s.auditLog.Write(ctx, audit.Event{
		Action:        audit.ActionIngestReject,
		BundleID:      b.BundleID,
		VillageID:     villageID,
		IssuerKeyHash: b.KeyHash(),
		Reason:        reason,
	})
}

// QueryFilter narrows a claims query. Zero values mean no constraint;
// Since keeps rows whose computed_at is strictly later. Limit 0 means
// unbounded.
type QueryFilter struct {
	VillageID string
	Subject   string
	Issuer    string
	Predicate string
	Since     string
	Limit     int
}

// QueryClaims scans the JSONL index in append order. When a SQL mirror is
// attached it serves the query instead.
func (s *Store) QueryClaims(ctx context.Context, f QueryFilter) ([]map[string]any, error) {
	if s.mirror != nil {
		return s.mirror.QueryClaims(ctx, f)
	}
	rows, err := s.iterClaimRows()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for _, row := range rows {
		if !f.matches(row) {
			continue
		}
		out = append(out, row)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (f QueryFilter) matches(row map[string]any) bool {
	get := func(k string) string {
		s, _ := row[k].(string)
		return s
	}
	if f.VillageID != "" && get("village_id") != f.VillageID {
		return false
	}
	if f.Subject != "" && get("subject") != f.Subject {
		return false
	}
	if f.Issuer != "" && get("issuer") != f.Issuer {
		return false
	}
	if f.Predicate != "" && get("predicate") != f.Predicate {
		return false
	}
	if f.Since != "" && get("computed_at") <= f.Since {
		return false
	}
	return true
}

func (s *Store) iterClaimRows() ([]map[string]any, error) {
	f, err := os.Open(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("claims index: %w", err)
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
		return nil, fmt.Errorf("claims index: %w", err)
	}
	return out, nil
}

// LatestBundle returns the stored bundle with the newest created_at for a
// village, ties broken by bundle_id, or nil when none exist.
func (s *Store) LatestBundle(villageID string) (*bundle.Bundle, error) {
	dir := filepath.Join(s.root, "bundles")
	if villageID != "" {
		dir = filepath.Join(dir, villageID)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest bundle: %w", err)
	}
	var best *bundle.Bundle
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		b, err := bundle.Parse(data)
		if err != nil {
			continue
		}
		if best == nil || laterBundle(b, best) {
			best = b
		}
	}
	return best, nil
}

func laterBundle(a, b *bundle.Bundle) bool {
	at, bt := a.CreatedAt.String(), b.CreatedAt.String()
	if at != bt {
		return at > bt
	}
	return a.BundleID > b.BundleID
}
