// Package bundle defines the claim bundle artifact: a signed batch of
// attestations from one issuer, identified by a content hash. The bundle id
// is derived with the id field zeroed, so build and verify agree on the
// preimage; the detached signature then covers the payload carrying the real
// id.
package bundle

import (
	"encoding/json"
	"fmt"

	"github.com/villagelabs/links/pkg/canon"
	"github.com/villagelabs/links/pkg/crypto"
	"github.com/villagelabs/links/pkg/governance"
)

// IDLength is the number of hex characters kept from the content hash.
const IDLength = 32

// Claim is one attestation: issuer says subject relates to object under
// predicate, with an optional numeric or structured value.
type Claim struct {
	Issuer     string     `json:"issuer"`
	Subject    string     `json:"subject"`
	Predicate  string     `json:"predicate"`
	Object     *string    `json:"object"`
	Value      any        `json:"value"`
	WindowDays int        `json:"window_days"`
	ComputedAt canon.Time `json:"computed_at"`
	Derivation *string    `json:"derivation"`
	Evidence   []string   `json:"evidence"`
}

// Bundle is the signed claim batch.
type Bundle struct {
	BundleID     string     `json:"bundle_id"`
	Issuer       string     `json:"issuer"`
	CreatedAt    canon.Time `json:"created_at"`
	WindowDays   int        `json:"window_days"`
	Claims       []Claim    `json:"claims"`
	SignatureAlg string     `json:"signature_alg"`
	PublicKey    *string    `json:"public_key"`
	Signature    *string    `json:"signature"`

	raw      map[string]any
	rawBytes []byte
}

// Build assembles a bundle and derives its id. A nil createdAt means now.
func Build(issuer string, windowDays int, claims []Claim, createdAt *canon.Time) (*Bundle, error) {
	b := &Bundle{
		Issuer:       issuer,
		WindowDays:   windowDays,
		Claims:       claims,
		SignatureAlg: governance.SignatureAlg,
	}
	if b.Claims == nil {
		b.Claims = []Claim{}
	}
	for i := range b.Claims {
		if b.Claims[i].Evidence == nil {
			b.Claims[i].Evidence = []string{}
		}
	}
	if createdAt != nil {
		b.CreatedAt = *createdAt
	} else {
		b.CreatedAt = canon.Now()
	}
	id, err := ComputeID(b)
	if err != nil {
		return nil, err
	}
	b.BundleID = id
	return b, nil
}

// Parse decodes a bundle from a client or peer. The raw decoded object and
// original bytes are retained so hashing reproduces the writer's exact
// serialization.
func Parse(data []byte) (*Bundle, error) {
	obj, err := canon.DecodeObject(data)
	if err != nil {
		return nil, fmt.Errorf("parse bundle: %w", err)
	}
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse bundle: %w", err)
	}
	if b.Claims == nil {
		b.Claims = []Claim{}
	}
	b.raw = obj
	b.rawBytes = append([]byte(nil), data...)
	return &b, nil
}

// RawBytes returns the original serialized form for a parsed bundle, or nil
// for a locally built one.
func (b *Bundle) RawBytes() []byte {
	return b.rawBytes
}

// PayloadMap returns the signing payload: the bundle with public_key and
// signature removed.
func (b *Bundle) PayloadMap() (map[string]any, error) {
	var obj map[string]any
	if b.raw != nil {
		obj = make(map[string]any, len(b.raw))
		for k, v := range b.raw {
			obj[k] = v
		}
	} else {
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("bundle payload: %w", err)
		}
		obj, err = canon.DecodeObject(data)
		if err != nil {
			return nil, fmt.Errorf("bundle payload: %w", err)
		}
	}
	delete(obj, "public_key")
	delete(obj, "signature")
	return obj, nil
}

// PayloadBytes returns the canonical signing payload.
func (b *Bundle) PayloadBytes() ([]byte, error) {
	obj, err := b.PayloadMap()
	if err != nil {
		return nil, err
	}
	return canon.Marshal(obj)
}

// ComputeID hashes the payload with bundle_id zeroed and keeps the first
// IDLength hex characters.
func ComputeID(b *Bundle) (string, error) {
	obj, err := b.PayloadMap()
	if err != nil {
		return "", err
	}
	obj["bundle_id"] = ""
	data, err := canon.Marshal(obj)
	if err != nil {
		return "", err
	}
	return canon.SHA256Hex(data)[:IDLength], nil
}

// Sign attaches the issuer's detached signature over the payload carrying
// the real bundle id.
func Sign(b *Bundle, s *crypto.Signer) error {
	if s == nil {
		return fmt.Errorf("sign bundle: no signer")
	}
	payload, err := b.PayloadBytes()
	if err != nil {
		return err
	}
	pk := s.PublicKeyB64()
	sig := s.SignB64(payload)
	b.PublicKey = &pk
	b.Signature = &sig
	if b.raw != nil {
		b.raw["public_key"] = pk
		b.raw["signature"] = sig
	}
	b.rawBytes = nil
	return nil
}

// Verify checks the bundle id against the content and the signature against
// the payload. Unsigned bundles and wrong ids are (false, nil); a malformed
// key or signature is an error so the caller can report bad input instead of
// a plain rejection.
func Verify(b *Bundle) (bool, error) {
	if b.PublicKey == nil || b.Signature == nil || *b.PublicKey == "" || *b.Signature == "" {
		return false, nil
	}
	expected, err := ComputeID(b)
	if err != nil {
		return false, err
	}
	if b.BundleID != expected {
		return false, nil
	}
	payload, err := b.PayloadBytes()
	if err != nil {
		return false, err
	}
	return crypto.VerifyB64(*b.PublicKey, *b.Signature, payload)
}

// KeyHash returns the key hash of the attached public key, or empty when the
// bundle is unsigned or the key does not decode.
func (b *Bundle) KeyHash() string {
	if b.PublicKey == nil || *b.PublicKey == "" {
		return ""
	}
	kh, err := crypto.KeyHashB64(*b.PublicKey)
	if err != nil {
		return ""
	}
	return kh
}

// Predicates returns the distinct predicates used by the bundle's claims, in
// first-use order.
func (b *Bundle) Predicates() []string {
	seen := make(map[string]bool, len(b.Claims))
	out := make([]string, 0, len(b.Claims))
	for _, c := range b.Claims {
		if seen[c.Predicate] {
			continue
		}
		seen[c.Predicate] = true
		out = append(out, c.Predicate)
	}
	return out
}

// Encode serializes for storage. A parsed bundle that was not re-signed
// keeps its original bytes; otherwise the retained raw object preserves
// foreign fields that the struct does not model.
func (b *Bundle) Encode() ([]byte, error) {
	if b.rawBytes != nil {
		return b.rawBytes, nil
	}
	var v any = b
	if b.raw != nil {
		v = b.raw
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode bundle: %w", err)
	}
	return data, nil
}
