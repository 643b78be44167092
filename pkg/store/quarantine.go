package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/villagelabs/links/pkg/audit"
	"github.com/villagelabs/links/pkg/bundle"
	"github.com/villagelabs/links/pkg/denial"
	"github.com/villagelabs/links/pkg/fslock"
	"github.com/villagelabs/links/pkg/village"
)

func (s *Store) quarantineDir(villageID string) string {
	if villageID == "" {
		return filepath.Join(s.root, "quarantine")
	}
	return filepath.Join(s.root, "quarantine", villageID)
}

func (s *Store) rejectedDir(villageID string) string {
	if villageID == "" {
		return filepath.Join(s.root, "rejected")
	}
	return filepath.Join(s.root, "rejected", villageID)
}

// QuarantinePath returns where a quarantined bundle lives.
func (s *Store) QuarantinePath(villageID, bundleID string) string {
	return filepath.Join(s.quarantineDir(villageID), bundleID+".json")
}

// quarantine persists the bundle, writes the audit row and, with a node
// key, a signed denial beside it.
func (s *Store) quarantine(ctx context.Context, villageID string, b *bundle.Bundle, reason string) error {
	data, err := b.Encode()
	if err != nil {
		return err
	}
	dir := s.quarantineDir(villageID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("quarantine bundle: %w", err)
	}
	if err := fslock.WriteFileAtomic(filepath.Join(dir, b.BundleID+".json"), data); err != nil {
		return fmt.Errorf("quarantine bundle: %w", err)
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
		Action:        audit.ActionIngestQuarantine,
		BundleID:      b.BundleID,
		VillageID:     villageID,
		IssuerKeyHash: b.KeyHash(),
		Reason:        reason,
	})
}

// ListQuarantine returns the quarantined bundle ids for a village in
// lexical order. Denial sidecars are not listed.
func (s *Store) ListQuarantine(villageID string) ([]string, error) {
	entries, err := os.ReadDir(s.quarantineDir(villageID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list quarantine: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		if filepath.Ext(name[:len(name)-len(".json")]) == ".denial" {
			continue
		}
		ids = append(ids, name[:len(name)-len(".json")])
	}
	sort.Strings(ids)
	return ids, nil
}

// ApproveQuarantine re-runs admission for a quarantined bundle against the
// current policy, plus the per-day submission quota. On denial the bundle
// stays quarantined and a fresh signed denial is written; on success it is
// ingested and the quarantine file removed.
func (s *Store) ApproveQuarantine(ctx context.Context, villageID, bundleID string) (bool, string, error) {
	path := s.QuarantinePath(villageID, bundleID)
	data, err := os.ReadFile(path)
	if err != nil {
		return false, "", fmt.Errorf("approve quarantine: %w", err)
	}
	b, err := bundle.Parse(data)
	if err != nil {
		return false, "", fmt.Errorf("approve quarantine: %w", err)
	}

	var v *village.Village
	if villageID != "" {
		v, err = s.villages.Load(villageID)
		if err != nil {
			return false, "", err
		}
	}

	verified, err := bundle.Verify(b)
	if err != nil {
		return false, "", err
	}
	if !verified && !unverifiedAllowed(v, b) {
		return false, "bundle failed verification (cannot approve)", nil
	}

	if v != nil {
		if ok, msg := village.CheckBundle(v.Policy, b); !ok {
			reason := fmt.Sprintf("policy no longer allows approval: %s", msg)
			s.denyApproval(villageID, bundleID, reason)
			return false, reason, nil
		}
		if kh := b.KeyHash(); kh != "" {
			if ok, _ := village.IssuerKeyAllowed(v.Policy, kh); !ok {
				reason := "policy no longer allows issuer"
				s.denyApproval(villageID, bundleID, reason)
				return false, reason, nil
			}
		}
		if quota := v.Policy.SubmissionQuotaPerDay(); quota > 0 {
			approved, err := s.auditLog.CountApprovedOn(villageID, time.Now().UTC())
			if err != nil {
				return false, "", err
			}
			if approved >= quota {
				reason := fmt.Sprintf("submission quota exceeded (approved_today=%d quota=%d)", approved, quota)
				s.denyApproval(villageID, bundleID, reason)
				return false, reason, nil
			}
		}
	}

	outcome, err := s.accept(ctx, villageID, v, b)
	if err != nil {
		return false, "", err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return false, "", fmt.Errorf("approve quarantine: %w", err)
	}
	if err := s.auditLog.Write(ctx, audit.Event{
		Action:    audit.ActionQuarantineApprove,
		BundleID:  bundleID,
		VillageID: villageID,
		Reason:    outcome.Reason,
	}); err != nil {
		return false, "", err
	}
	return true, outcome.Reason, nil
}

// denyApproval records the refusal beside the still-quarantined bundle.
// Best effort: a missing node key just means no artifact.
func (s *Store) denyApproval(villageID, bundleID, reason string) {
	if s.signer == nil {
		return
	}
	_, _ = denial.Write(filepath.Join(s.quarantineDir(villageID), bundleID+".denial.json"), denial.Params{
		VillageID:   villageID,
		SubjectType: denial.SubjectBundle,
		SubjectID:   bundleID,
		Reason:      reason,
	}, s.signer)
}

// RejectQuarantine moves the bundle to the rejected area and records the
// decision.
func (s *Store) RejectQuarantine(ctx context.Context, villageID, bundleID, reason string) (string, error) {
	src := s.QuarantinePath(villageID, bundleID)
	data, err := os.ReadFile(src)
	if err != nil {
		return "", fmt.Errorf("reject quarantine: %w", err)
	}
	dir := s.rejectedDir(villageID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("reject quarantine: %w", err)
	}
	dst := filepath.Join(dir, bundleID+".json")
	if err := fslock.WriteFileAtomic(dst, data); err != nil {
		return "", fmt.Errorf("reject quarantine: %w", err)
	}
	if err := os.Remove(src); err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("reject quarantine: %w", err)
	}
	if err := s.auditLog.Write(ctx, audit.Event{
		Action:    audit.ActionQuarantineReject,
		BundleID:  bundleID,
		VillageID: villageID,
		Reason:    reason,
	}); err != nil {
		return "", err
	}
	return fmt.Sprintf("moved to rejected: %s", dst), nil
}
