// Package anchors keeps the per-village trust anchor registry: which node
// keys a village currently endorses for signing its feed manifests. The
// registry is an append-only log of register, rotate and revoke entries.
package anchors

import (
	"encoding/json"
	"fmt"

	"github.com/villagelabs/links/pkg/canon"
	"github.com/villagelabs/links/pkg/crypto"
	"github.com/villagelabs/links/pkg/governance"
)

// Anchor registry actions.
const (
	ActionRegister = "register"
	ActionRotate   = "rotate"
	ActionRevoke   = "revoke"
)

// Entry is one trust anchor log record. Optional fields marshal as explicit
// nulls, like every other signed artifact in the protocol.
type Entry struct {
	VillageID             string                      `json:"village_id"`
	CreatedAt             canon.Time                  `json:"created_at"`
	Actor                 *string                     `json:"actor"`
	Action                string                      `json:"action"`
	AnchorID              string                      `json:"anchor_id"`
	AnchorPublicKey       *string                     `json:"anchor_public_key"`
	AnchorKeyHash         *string                     `json:"anchor_key_hash"`
	PreviousAnchorKeyHash *string                     `json:"previous_anchor_key_hash"`
	Reason                *string                     `json:"reason"`
	SignatureAlg          string                      `json:"signature_alg"`
	Signatures            []governance.SignatureEntry `json:"signatures"`

	raw map[string]any
}

// EntryParams carries the optional fields of Build.
type EntryParams struct {
	Actor                 string
	AnchorPublicKeyB64    string
	PreviousAnchorKeyHash string
	Reason                string
	CreatedAt             *canon.Time
}

// Build constructs an unsigned anchor entry. When a public key is given the
// anchor key hash is derived from it.
func Build(villageID, action, anchorID string, p EntryParams) (*Entry, error) {
	switch action {
	case ActionRegister, ActionRotate, ActionRevoke:
	default:
		return nil, fmt.Errorf("unknown anchor action %q", action)
	}
	e := &Entry{
		VillageID:    villageID,
		Action:       action,
		AnchorID:     anchorID,
		SignatureAlg: governance.SignatureAlg,
		Signatures:   []governance.SignatureEntry{},
	}
	if p.CreatedAt != nil {
		e.CreatedAt = *p.CreatedAt
	} else {
		e.CreatedAt = canon.Now()
	}
	if p.Actor != "" {
		e.Actor = &p.Actor
	}
	if p.AnchorPublicKeyB64 != "" {
		kh, err := crypto.KeyHashB64(p.AnchorPublicKeyB64)
		if err != nil {
			return nil, fmt.Errorf("anchor public key: %w", err)
		}
		pk := p.AnchorPublicKeyB64
		e.AnchorPublicKey = &pk
		e.AnchorKeyHash = &kh
	}
	if p.PreviousAnchorKeyHash != "" {
		e.PreviousAnchorKeyHash = &p.PreviousAnchorKeyHash
	}
	if p.Reason != "" {
		e.Reason = &p.Reason
	}
	return e, nil
}

// ParseEntry decodes an entry from disk or a peer, retaining the raw object
// for byte-faithful re-verification.
func ParseEntry(data []byte) (*Entry, error) {
	obj, err := canon.DecodeObject(data)
	if err != nil {
		return nil, fmt.Errorf("parse anchor entry: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("parse anchor entry: %w", err)
	}
	if e.Signatures == nil {
		e.Signatures = []governance.SignatureEntry{}
	}
	e.raw = obj
	return &e, nil
}

// PayloadBytes returns the canonical entry with the signatures list removed.
// The anchor public key itself stays in the payload.
func (e *Entry) PayloadBytes() ([]byte, error) {
	var obj map[string]any
	if e.raw != nil {
		obj = make(map[string]any, len(e.raw))
		for k, v := range e.raw {
			obj[k] = v
		}
	} else {
		data, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("anchor payload: %w", err)
		}
		obj, err = canon.DecodeObject(data)
		if err != nil {
			return nil, fmt.Errorf("anchor payload: %w", err)
		}
	}
	delete(obj, "signatures")
	return canon.Marshal(obj)
}

// AddSignature appends the signer's detached signature, deduplicating the
// list by key hash. Re-signing with a key already present is a no-op.
func AddSignature(e *Entry, s *crypto.Signer) error {
	if s == nil {
		return fmt.Errorf("sign anchor entry: no signer")
	}
	payload, err := e.PayloadBytes()
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(e.Signatures)+1)
	out := make([]governance.SignatureEntry, 0, len(e.Signatures)+1)
	for _, sig := range e.Signatures {
		kh, khErr := crypto.KeyHashB64(sig.PublicKey)
		if khErr != nil || seen[kh] {
			continue
		}
		seen[kh] = true
		out = append(out, sig)
	}
	if !seen[s.KeyHash()] {
		out = append(out, governance.SignatureEntry{
			PublicKey: s.PublicKeyB64(),
			Signature: s.SignB64(payload),
		})
	}
	e.Signatures = out
	if e.raw != nil {
		e.raw["signatures"] = signaturesAsMaps(out)
	}
	return nil
}

func signaturesAsMaps(sigs []governance.SignatureEntry) []any {
	out := make([]any, 0, len(sigs))
	for _, s := range sigs {
		out = append(out, map[string]any{
			"public_key": s.PublicKey,
			"signature":  s.Signature,
		})
	}
	return out
}

// VerifyAny reports whether at least one attached signature verifies.
func VerifyAny(e *Entry) bool {
	if len(e.Signatures) == 0 {
		return false
	}
	payload, err := e.PayloadBytes()
	if err != nil {
		return false
	}
	for _, s := range e.Signatures {
		ok, verr := crypto.VerifyB64(s.PublicKey, s.Signature, payload)
		if verr == nil && ok {
			return true
		}
	}
	return false
}
