package village

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/villagelabs/links/pkg/bundle"
	"github.com/villagelabs/links/pkg/canon"
	"github.com/villagelabs/links/pkg/fslock"
	"github.com/villagelabs/links/pkg/policy"
)

// CheckBundle runs the policy gates of the admission pipeline in order:
// issuer id, issuer key hash, predicates, window. The first failing gate
// decides the reason. The submission quota is not checked here; it applies
// at approve time against the audit log.
func CheckBundle(pol policy.View, b *bundle.Bundle) (bool, string) {
	if ok, reason := IssuerIDAllowed(pol, b.Issuer); !ok {
		return false, reason
	}
	if ok, reason := IssuerKeyAllowed(pol, b.KeyHash()); !ok {
		return false, reason
	}
	for _, c := range b.Claims {
		if c.Predicate == "" {
			continue
		}
		if !pol.PredicateAllowed(c.Predicate) {
			return false, fmt.Sprintf("predicate '%s' not allowed", c.Predicate)
		}
	}
	if max := pol.MaxWindowDays(); b.WindowDays > max {
		return false, fmt.Sprintf("bundle window_days=%d exceeds max_window_days=%d", b.WindowDays, max)
	}
	return true, "ok"
}

// IssuerIDAllowed applies the issuer id blocklist and allowlist.
func IssuerIDAllowed(pol policy.View, issuerID string) (bool, string) {
	if pol.IssuerIDBlocklist()[issuerID] {
		return false, fmt.Sprintf("issuer '%s' blocked", issuerID)
	}
	if allow := pol.IssuerIDAllowlist(); len(allow) > 0 && !allow[issuerID] {
		return false, fmt.Sprintf("issuer '%s' not in allowlist", issuerID)
	}
	return true, "ok"
}

// IssuerKeyAllowed applies the key hash rules: blocklist first, then the
// required or plain allowlist. An unsigned bundle has no key hash; that only
// fails when the allowlist is required.
func IssuerKeyAllowed(pol policy.View, keyHash string) (bool, string) {
	if keyHash == "" {
		if pol.RequireIssuerAllowlist() {
			return false, "issuer key not allowlisted (required)"
		}
		return true, "ok"
	}
	if pol.IssuerBlocklist()[keyHash] {
		return false, "issuer key blocked"
	}
	if pol.RequireIssuerAllowlist() {
		if !pol.IssuerAllowlist()[keyHash] {
			return false, "issuer key not allowlisted (required)"
		}
		return true, "ok"
	}
	if allow := pol.IssuerAllowlist(); len(allow) > 0 && !allow[keyHash] {
		return false, "issuer key not in allowlist"
	}
	return true, "ok"
}

// ApplyPolicyUpdate appends the new policy to policy_history.jsonl and
// replaces the snapshot's current policy. meta rides along in the history
// row (policy_hash, update_hash and the like).
func (s *Store) ApplyPolicyUpdate(ctx context.Context, villageID string, pol map[string]any, actor string, meta map[string]any) error {
	v, err := s.Load(villageID)
	if err != nil {
		return err
	}
	row := map[string]any{
		"ts":     canon.Now(),
		"actor":  nullable(actor),
		"policy": pol,
	}
	for k, val := range meta {
		row[k] = val
	}
	line, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("apply policy update: %w", err)
	}
	historyPath := filepath.Join(s.Dir(villageID), "policy_history.jsonl")
	if err := fslock.AppendLine(ctx, historyPath, line); err != nil {
		return fmt.Errorf("apply policy update: %w", err)
	}
	v.Policy = policy.FromMap(pol)
	if _, err := s.Save(v); err != nil {
		return fmt.Errorf("apply policy update: %w", err)
	}
	return nil
}

// AllowIssuer adds the key hash to the issuer allowlist and clears it from
// the blocklist, so the allow takes effect immediately.
func (s *Store) AllowIssuer(villageID, keyHash string) error {
	return s.editIssuerLists(villageID, func(pol policy.View) {
		addToList(pol, "issuer_allowlist", keyHash)
		removeFromList(pol, "issuer_blocklist", keyHash)
	})
}

// BlockIssuer adds the key hash to the issuer blocklist and clears it from
// the allowlist.
func (s *Store) BlockIssuer(villageID, keyHash string) error {
	return s.editIssuerLists(villageID, func(pol policy.View) {
		addToList(pol, "issuer_blocklist", keyHash)
		removeFromList(pol, "issuer_allowlist", keyHash)
	})
}

func (s *Store) editIssuerLists(villageID string, edit func(policy.View)) error {
	v, err := s.Load(villageID)
	if err != nil {
		return err
	}
	if v.Policy == nil {
		v.Policy = policy.View{}
	}
	edit(v.Policy)
	_, err = s.Save(v)
	return err
}

func addToList(pol policy.View, key, val string) {
	list := pol.StringList(key)
	for _, x := range list {
		if x == val {
			return
		}
	}
	pol[key] = append(list, val)
}

func removeFromList(pol policy.View, key, val string) {
	if _, ok := pol[key]; !ok {
		return
	}
	list := pol.StringList(key)
	out := make([]string, 0, len(list))
	for _, x := range list {
		if x != val {
			out = append(out, x)
		}
	}
	pol[key] = out
}
