// Package governance implements the hash-linked, quorum-signed policy update
// artifact: building, signing (legacy single signature and multi-signature),
// and verification under the m-of-n, weighted and role-based quorum models.
package governance

import (
	"encoding/json"
	"fmt"

	"github.com/villagelabs/links/pkg/canon"
	"github.com/villagelabs/links/pkg/policy"
)

// Lifecycle states of a policy update.
const (
	StateProposal   = "proposal"
	StateApproved   = "approved"
	StateActive     = "active"
	StateRolledBack = "rolled_back"
)

// SignatureAlg is the only supported signature algorithm.
const SignatureAlg = "Ed25519"

// SignatureEntry is one detached signature in the multi-signature list.
type SignatureEntry struct {
	PublicKey string `json:"public_key"`
	Signature string `json:"signature"`
}

// Update is a signed policy update. Optional fields marshal as explicit
// nulls; the canonical payload of an update therefore has a fixed key set
// plus whatever extra keys a foreign writer added.
type Update struct {
	VillageID            string                `json:"village_id"`
	CreatedAt            canon.Time            `json:"created_at"`
	Actor                *string               `json:"actor"`
	Policy               map[string]any        `json:"policy"`
	PolicyHash           string                `json:"policy_hash"`
	PolicyVersionID      *string               `json:"policy_version_id"`
	LifecycleState       string                `json:"lifecycle_state"`
	PreviousPolicyHash   *string               `json:"previous_policy_hash"`
	RollbackToPolicyHash *string               `json:"rollback_to_policy_hash"`
	ActivationTime       *canon.Time           `json:"activation_time"`
	ActivationHeight     *int64                `json:"activation_height"`
	ExpiresAt            *canon.Time           `json:"expires_at"`
	Quorum               map[string]any        `json:"quorum"`
	ChangeSummary        *policy.ChangeSummary `json:"change_summary"`
	SignatureAlg         string                `json:"signature_alg"`
	PublicKey            *string               `json:"public_key"`
	Signature            *string               `json:"signature"`
	Signatures           []SignatureEntry      `json:"signatures"`

	// set by ParseUpdate for foreign artifacts so unknown fields and number
	// spellings survive re-hashing
	raw      map[string]any
	rawBytes []byte
}

// BuildParams carries the optional fields of Build.
type BuildParams struct {
	Actor              string
	LifecycleState     string
	PreviousPolicyHash string
	RollbackTo         string
	ActivationTime     *canon.Time
	ActivationHeight   *int64
	ExpiresAt          *canon.Time
	Quorum             map[string]any
	ChangeSummary      *policy.ChangeSummary
	PolicyVersionID    string
	CreatedAt          *canon.Time
}

// Build constructs an unsigned update for villageID with policy_hash
// computed over the canonical policy bytes. The lifecycle state defaults to
// active and policy_version_id to the policy hash. The quorum snapshot
// defaults to the quorum the policy itself configures.
func Build(villageID string, pol map[string]any, p BuildParams) (*Update, error) {
	if pol == nil {
		pol = map[string]any{}
	}
	ph, err := canon.Hash(pol)
	if err != nil {
		return nil, fmt.Errorf("hash policy: %w", err)
	}

	state := p.LifecycleState
	if state == "" {
		state = StateActive
	}
	created := canon.Now()
	if p.CreatedAt != nil {
		created = *p.CreatedAt
	}
	versionID := p.PolicyVersionID
	if versionID == "" {
		versionID = ph
	}
	quorum := p.Quorum
	if quorum == nil {
		quorum = policy.FromMap(pol).QuorumConfig().AsMap()
	}

	u := &Update{
		VillageID:       villageID,
		CreatedAt:       created,
		Policy:          pol,
		PolicyHash:      ph,
		PolicyVersionID: &versionID,
		LifecycleState:  state,
		Quorum:          quorum,
		ChangeSummary:   p.ChangeSummary,
		SignatureAlg:    SignatureAlg,
		Signatures:      []SignatureEntry{},
	}
	if p.Actor != "" {
		u.Actor = &p.Actor
	}
	if p.PreviousPolicyHash != "" {
		u.PreviousPolicyHash = &p.PreviousPolicyHash
	}
	if p.RollbackTo != "" {
		u.RollbackToPolicyHash = &p.RollbackTo
	}
	u.ActivationTime = p.ActivationTime
	u.ActivationHeight = p.ActivationHeight
	u.ExpiresAt = p.ExpiresAt
	return u, nil
}

// ParseUpdate decodes an update received from a peer or client. The raw
// decoded object is retained so the canonical payload reproduces the writer's
// bytes even when the writer's schema is newer than ours.
func ParseUpdate(data []byte) (*Update, error) {
	obj, err := canon.DecodeObject(data)
	if err != nil {
		return nil, fmt.Errorf("parse update: %w", err)
	}

	var u Update
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("parse update: %w", err)
	}
	if u.Signatures == nil {
		u.Signatures = []SignatureEntry{}
	}
	u.raw = obj
	u.rawBytes = append([]byte(nil), data...)
	return &u, nil
}

// RawBytes returns the original serialized form for a parsed update, or nil
// for a locally built one.
func (u *Update) RawBytes() []byte {
	return u.rawBytes
}

// PayloadMap returns the signing payload: the artifact with public_key,
// signature and signatures removed.
func (u *Update) PayloadMap() (map[string]any, error) {
	var obj map[string]any
	if u.raw != nil {
		obj = cloneShallow(u.raw)
	} else {
		b, err := canon.Marshal(u)
		if err != nil {
			return nil, fmt.Errorf("marshal update: %w", err)
		}
		obj, err = canon.DecodeObject(b)
		if err != nil {
			return nil, err
		}
	}
	delete(obj, "public_key")
	delete(obj, "signature")
	delete(obj, "signatures")
	return obj, nil
}

// PayloadBytes returns the canonical signing payload bytes.
func (u *Update) PayloadBytes() ([]byte, error) {
	m, err := u.PayloadMap()
	if err != nil {
		return nil, err
	}
	return canon.Marshal(m)
}

// UpdateHash returns hex SHA-256 over the canonical signing payload, the
// identity used by manifests and hash chains.
func (u *Update) UpdateHash() (string, error) {
	b, err := u.PayloadBytes()
	if err != nil {
		return "", err
	}
	return canon.SHA256Hex(b), nil
}

// HashValid recomputes policy_hash from the policy content.
func (u *Update) HashValid() bool {
	pol := u.Policy
	if u.raw != nil {
		if p, ok := u.raw["policy"].(map[string]any); ok {
			ph, err := canon.Hash(p)
			return err == nil && ph == u.PolicyHash
		}
	}
	if pol == nil {
		pol = map[string]any{}
	}
	ph, err := canon.Hash(pol)
	return err == nil && ph == u.PolicyHash
}

// HasSignatureMaterial reports whether any legacy or multi signature material
// is attached.
func (u *Update) HasSignatureMaterial() bool {
	if u.PublicKey != nil && *u.PublicKey != "" {
		return true
	}
	if u.Signature != nil && *u.Signature != "" {
		return true
	}
	return len(u.Signatures) > 0
}

// Encode serializes for storage or the wire. A parsed update that was not
// re-signed keeps its original bytes; otherwise the retained raw object
// preserves foreign fields that the struct does not model.
func (u *Update) Encode() ([]byte, error) {
	if u.rawBytes != nil {
		return u.rawBytes, nil
	}
	var v any = u
	if u.raw != nil {
		v = u.raw
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode update: %w", err)
	}
	return data, nil
}

// syncSignatureMaterial pushes the struct's signature fields into the raw
// object and drops the cached bytes after a local mutation.
func (u *Update) syncSignatureMaterial() {
	if u.raw != nil {
		if u.PublicKey != nil {
			u.raw["public_key"] = *u.PublicKey
		}
		if u.Signature != nil {
			u.raw["signature"] = *u.Signature
		}
		sigs := make([]any, 0, len(u.Signatures))
		for _, s := range u.Signatures {
			sigs = append(sigs, map[string]any{
				"public_key": s.PublicKey,
				"signature":  s.Signature,
			})
		}
		u.raw["signatures"] = sigs
	}
	u.rawBytes = nil
}

func cloneShallow(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
