package peer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/villagelabs/links/pkg/anchors"
	"github.com/villagelabs/links/pkg/audit"
	"github.com/villagelabs/links/pkg/canon"
	"github.com/villagelabs/links/pkg/crypto"
	"github.com/villagelabs/links/pkg/feed"
	"github.com/villagelabs/links/pkg/governance"
	"github.com/villagelabs/links/pkg/reconcile"
	"github.com/villagelabs/links/pkg/transparency"
	"github.com/villagelabs/links/pkg/village"
)

// Puller replicates one remote node's feed into the local stores. Every
// pulled update is re-verified locally: the manifest against trust anchors,
// each update's hash against its policy, and its signatures against the
// local village policy. A pull is idempotent; re-pulling stores nothing new.
type Puller struct {
	client       *Client
	villages     *village.Store
	feed         *feed.Log
	anchors      *anchors.Registry
	transparency *transparency.Log
	audit        *audit.Log
	signer       *crypto.Signer
	logger       *slog.Logger
}

// PullerConfig carries the local node components a pull writes through.
type PullerConfig struct {
	Villages     *village.Store
	Feed         *feed.Log
	Anchors      *anchors.Registry
	Transparency *transparency.Log
	Audit        *audit.Log
	Signer       *crypto.Signer
	Logger       *slog.Logger
}

func NewPuller(client *Client, cfg PullerConfig) *Puller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Puller{
		client:       client,
		villages:     cfg.Villages,
		feed:         cfg.Feed,
		anchors:      cfg.Anchors,
		transparency: cfg.Transparency,
		audit:        cfg.Audit,
		signer:       cfg.Signer,
		logger:       logger,
	}
}

// Result summarizes one pull.
type Result struct {
	VillageID        string            `json:"village_id"`
	ManifestVerified bool              `json:"manifest_verified"`
	Pulled           int               `json:"pulled"`
	Stored           int               `json:"stored"`
	Skipped          int               `json:"skipped"`
	AppliedHead      *string           `json:"applied_head"`
	Report           *reconcile.Report `json:"report"`
}

// Pull fetches, verifies and stores a village's remote feed, then applies
// the head-selection rule. Fork and drift findings are advisory: they land
// in the result's report and the log, never in the error.
func (p *Puller) Pull(ctx context.Context, villageID string) (*Result, error) {
	v, err := p.villages.Load(villageID)
	if err != nil {
		return nil, fmt.Errorf("pull %s: %w", villageID, err)
	}

	m, err := p.client.PullManifest(ctx, villageID)
	if err != nil {
		return nil, fmt.Errorf("pull %s: %w", villageID, err)
	}
	if ok, msg := m.VerifyIntegrity(); !ok {
		return nil, fmt.Errorf("pull %s: manifest integrity: %s", villageID, msg)
	}

	trusted, err := p.anchors.ActiveKeyHashes(villageID)
	if err != nil {
		return nil, fmt.Errorf("pull %s: %w", villageID, err)
	}
	manifestVerified := false
	if len(trusted) > 0 {
		verified, err := feed.VerifyManifest(m, trusted)
		if err != nil {
			return nil, fmt.Errorf("pull %s: manifest signature: %w", villageID, err)
		}
		if !verified {
			return nil, fmt.Errorf("pull %s: manifest not signed by a trusted anchor", villageID)
		}
		manifestVerified = true
	} else {
		p.logger.Warn("no trust anchors configured, accepting manifest unverified", "village_id", villageID)
	}

	localBefore, err := p.feed.List(villageID)
	if err != nil {
		return nil, fmt.Errorf("pull %s: %w", villageID, err)
	}
	known := make(map[string]bool, len(localBefore))
	for _, u := range localBefore {
		known[u.PolicyHash] = true
	}

	remote, err := p.client.PullUpdatesSince(ctx, villageID, "")
	if err != nil {
		return nil, fmt.Errorf("pull %s: %w", villageID, err)
	}

	res := &Result{VillageID: villageID, ManifestVerified: manifestVerified, Pulled: len(remote)}
	for _, u := range remote {
		if u.VillageID != villageID {
			res.Skipped++
			p.logger.Warn("pulled update for wrong village", "village_id", villageID, "update_village", u.VillageID)
			continue
		}
		if !u.HashValid() {
			res.Skipped++
			p.logger.Warn("pulled update failed hash check", "village_id", villageID, "policy_hash", u.PolicyHash)
			continue
		}
		if allowed, msg := governance.SignerAllowed(v.Policy, u); !allowed {
			res.Skipped++
			p.logger.Warn("pulled update rejected by local policy", "village_id", villageID, "policy_hash", u.PolicyHash, "reason", msg)
			continue
		}
		if _, err := p.feed.Append(ctx, u); err != nil {
			return res, fmt.Errorf("pull %s: %w", villageID, err)
		}
		if !known[u.PolicyHash] {
			known[u.PolicyHash] = true
			res.Stored++
		}
	}

	if err := p.applyHead(ctx, villageID, v, res); err != nil {
		return res, err
	}

	report, err := reconcile.Reconcile(localBefore, remote, villageID)
	if err != nil {
		return res, fmt.Errorf("pull %s: %w", villageID, err)
	}
	res.Report = report
	if len(report.Forks) > 0 {
		p.logger.Warn("fork detected in policy feed", "village_id", villageID, "forks", len(report.Forks))
	}
	if report.Drift {
		p.logger.Info("feeds diverged before pull", "village_id", villageID)
	}
	return res, nil
}

// applyHead applies the feed head to the village snapshot when it differs
// from the current policy. The update chosen is always one that survived
// verification, either in this pull or when it was stored earlier.
func (p *Puller) applyHead(ctx context.Context, villageID string, v *village.Village, res *Result) error {
	all, err := p.feed.List(villageID)
	if err != nil {
		return fmt.Errorf("pull %s: %w", villageID, err)
	}
	head := reconcile.Head(all)
	if head == nil {
		return nil
	}
	currentHash, err := canon.Hash(v.Policy.Map())
	if err != nil {
		return fmt.Errorf("pull %s: %w", villageID, err)
	}
	if currentHash == *head {
		return nil
	}

	var headUpdate *governance.Update
	for _, u := range all {
		if u.PolicyHash == *head {
			headUpdate = u
			break
		}
	}
	if headUpdate == nil {
		return nil
	}

	meta := map[string]any{"policy_hash": *head, "policy_update": "pulled"}
	if err := p.villages.ApplyPolicyUpdate(ctx, villageID, headUpdate.Policy, "peer:pull", meta); err != nil {
		return fmt.Errorf("pull %s: %w", villageID, err)
	}
	var updateHash *string
	if uh, err := headUpdate.UpdateHash(); err == nil {
		updateHash = &uh
	}
	if _, err := p.transparency.Append(ctx, villageID, *head, updateHash, p.signer, nil); err != nil {
		return fmt.Errorf("pull %s: %w", villageID, err)
	}
	if err := p.audit.Write(ctx, audit.Event{
		Action:     audit.ActionPolicyApply,
		VillageID:  villageID,
		Actor:      "peer:pull",
		PolicyHash: *head,
		Reason:     "policy update pulled",
	}); err != nil {
		return fmt.Errorf("pull %s: %w", villageID, err)
	}
	res.AppliedHead = head
	return nil
}
