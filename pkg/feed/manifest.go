package feed

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/villagelabs/links/pkg/canon"
	"github.com/villagelabs/links/pkg/crypto"
	"github.com/villagelabs/links/pkg/merkle"
)

// ManifestItem summarizes one feed entry for replication. update_hash is the
// hash of the entry's signing payload, so a peer can fetch the full update
// later and check it against the manifest.
type ManifestItem struct {
	CreatedAt          canon.Time  `json:"created_at"`
	PolicyHash         string      `json:"policy_hash"`
	UpdateHash         string      `json:"update_hash"`
	PreviousPolicyHash *string     `json:"previous_policy_hash"`
	LifecycleState     string      `json:"lifecycle_state"`
	ActivationTime     *canon.Time `json:"activation_time"`
	ActivationHeight   *int64      `json:"activation_height"`
}

// Manifest is a signed snapshot of a village's policy feed. merkle_root
// commits to the ordered update hashes, chain_head to their order, and the
// detached node signature covers the whole payload.
type Manifest struct {
	VillageID      string         `json:"village_id"`
	GeneratedAt    canon.Time     `json:"generated_at"`
	HeadPolicyHash *string        `json:"head_policy_hash"`
	Count          int            `json:"count"`
	MerkleRoot     string         `json:"merkle_root"`
	ChainHead      string         `json:"chain_head"`
	Items          []ManifestItem `json:"items"`
	PublicKey      *string        `json:"public_key"`
	Signature      *string        `json:"signature"`

	raw map[string]any
}

// BuildManifest snapshots the current feed of a village.
func (l *Log) BuildManifest(villageID string) (*Manifest, error) {
	ups, err := l.List(villageID)
	if err != nil {
		return nil, err
	}
	items := make([]ManifestItem, 0, len(ups))
	hashes := make([]string, 0, len(ups))
	for _, u := range ups {
		uh, hashErr := u.UpdateHash()
		if hashErr != nil {
			return nil, fmt.Errorf("manifest item %s: %w", u.PolicyHash, hashErr)
		}
		items = append(items, ManifestItem{
			CreatedAt:          u.CreatedAt,
			PolicyHash:         u.PolicyHash,
			UpdateHash:         uh,
			PreviousPolicyHash: u.PreviousPolicyHash,
			LifecycleState:     u.LifecycleState,
			ActivationTime:     u.ActivationTime,
			ActivationHeight:   u.ActivationHeight,
		})
		hashes = append(hashes, uh)
	}
	root, err := MerkleRoot(hashes)
	if err != nil {
		return nil, err
	}
	head, err := ChainHead(hashes)
	if err != nil {
		return nil, err
	}
	m := &Manifest{
		VillageID:   villageID,
		GeneratedAt: canon.Now(),
		Count:       len(items),
		MerkleRoot:  root,
		ChainHead:   head,
		Items:       items,
	}
	if len(items) > 0 {
		h := items[len(items)-1].PolicyHash
		m.HeadPolicyHash = &h
	}
	return m, nil
}

// MerkleRoot folds the ordered update hashes into an unbalanced binary tree.
// A layer with an odd count duplicates its last node; an empty list hashes
// to SHA-256 of empty input.
func MerkleRoot(updateHashes []string) (string, error) {
	return merkle.Root(updateHashes)
}

// ChainHead iterates H_i = SHA-256(H_{i-1} || hash_i) from a 32-zero-byte
// seed. An empty feed keeps the seed.
func ChainHead(updateHashes []string) (string, error) {
	raws, err := decodeHashes(updateHashes)
	if err != nil {
		return "", err
	}
	h := make([]byte, sha256.Size)
	for _, raw := range raws {
		buf := make([]byte, 0, len(h)+len(raw))
		buf = append(buf, h...)
		buf = append(buf, raw...)
		sum := sha256.Sum256(buf)
		h = sum[:]
	}
	return hex.EncodeToString(h), nil
}

func decodeHashes(hashes []string) ([][]byte, error) {
	out := make([][]byte, 0, len(hashes))
	for _, s := range hashes {
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("update hash %q: %w", s, err)
		}
		out = append(out, b)
	}
	return out, nil
}

// ParseManifest decodes a manifest received from a peer, retaining the raw
// object so signature checks cover the peer's exact field set.
func ParseManifest(data []byte) (*Manifest, error) {
	obj, err := canon.DecodeObject(data)
	if err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Items == nil {
		m.Items = []ManifestItem{}
	}
	m.raw = obj
	return &m, nil
}

// PayloadBytes returns the canonical manifest with public_key and signature
// removed.
func (m *Manifest) PayloadBytes() ([]byte, error) {
	var obj map[string]any
	if m.raw != nil {
		obj = make(map[string]any, len(m.raw))
		for k, v := range m.raw {
			obj[k] = v
		}
	} else {
		data, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("manifest payload: %w", err)
		}
		obj, err = canon.DecodeObject(data)
		if err != nil {
			return nil, fmt.Errorf("manifest payload: %w", err)
		}
	}
	delete(obj, "public_key")
	delete(obj, "signature")
	return canon.Marshal(obj)
}

// SignManifest attaches the node's detached signature.
func SignManifest(m *Manifest, s *crypto.Signer) error {
	if s == nil {
		return fmt.Errorf("sign manifest: no signer")
	}
	payload, err := m.PayloadBytes()
	if err != nil {
		return err
	}
	pk := s.PublicKeyB64()
	sig := s.SignB64(payload)
	m.PublicKey = &pk
	m.Signature = &sig
	if m.raw != nil {
		m.raw["public_key"] = pk
		m.raw["signature"] = sig
	}
	return nil
}

// VerifyManifest checks the detached signature. An unsigned manifest fails.
// When trusted is non-empty the signer's key hash must be in it, which is how
// a puller pins manifests to a village's anchor set.
func VerifyManifest(m *Manifest, trusted map[string]bool) (bool, error) {
	if m.PublicKey == nil || m.Signature == nil || *m.PublicKey == "" || *m.Signature == "" {
		return false, nil
	}
	if len(trusted) > 0 {
		kh, err := crypto.KeyHashB64(*m.PublicKey)
		if err != nil {
			return false, err
		}
		if !trusted[kh] {
			return false, nil
		}
	}
	payload, err := m.PayloadBytes()
	if err != nil {
		return false, err
	}
	return crypto.VerifyB64(*m.PublicKey, *m.Signature, payload)
}

// VerifyIntegrity recomputes count, merkle root and chain head from the
// manifest's own items. It catches a peer that serves a self-inconsistent
// manifest before any update is fetched.
func (m *Manifest) VerifyIntegrity() (bool, string) {
	if m.Count != len(m.Items) {
		return false, fmt.Sprintf("count mismatch (count=%d items=%d)", m.Count, len(m.Items))
	}
	hashes := make([]string, 0, len(m.Items))
	for _, it := range m.Items {
		hashes = append(hashes, it.UpdateHash)
	}
	root, err := MerkleRoot(hashes)
	if err != nil {
		return false, err.Error()
	}
	if root != m.MerkleRoot {
		return false, "merkle_root mismatch"
	}
	head, err := ChainHead(hashes)
	if err != nil {
		return false, err.Error()
	}
	if head != m.ChainHead {
		return false, "chain_head mismatch"
	}
	return true, "ok"
}
