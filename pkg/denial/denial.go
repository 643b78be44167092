// Package denial writes signed denial artifacts: one JSON file per
// rejected or quarantined submission, stored beside the artifact it
// denies, so the refusal itself is verifiable after the fact.
package denial

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/villagelabs/links/pkg/canon"
	"github.com/villagelabs/links/pkg/crypto"
	"github.com/villagelabs/links/pkg/fslock"
)

// Format names the artifact envelope.
const Format = "links.denial.v1"

// Subject types.
const (
	SubjectBundle       = "bundle"
	SubjectPolicyUpdate = "policy_update"
	SubjectOther        = "other"
)

// Artifact is one written denial.
type Artifact struct {
	Format       string         `json:"format"`
	TS           canon.Time     `json:"ts"`
	VillageID    string         `json:"village_id"`
	Actor        *string        `json:"actor"`
	SubjectType  string         `json:"subject_type"`
	SubjectID    string         `json:"subject_id"`
	Reason       string         `json:"reason"`
	Meta         map[string]any `json:"meta"`
	ArtifactHash string         `json:"artifact_hash"`
	Signature    string         `json:"signature"`
}

// Params carries the denial context. Actor and Meta are optional.
type Params struct {
	VillageID   string
	SubjectType string
	SubjectID   string
	Reason      string
	Actor       string
	Meta        map[string]any
}

// Write signs and persists a denial artifact at outPath. The hash and the
// hex signature both cover the canonical bytes of the base fields.
func Write(outPath string, p Params, signer *crypto.Signer) (*Artifact, error) {
	if signer == nil {
		return nil, fmt.Errorf("write denial: no signer")
	}
	meta := p.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	ts := canon.Now()
	base := map[string]any{
		"format":       Format,
		"ts":           ts,
		"village_id":   p.VillageID,
		"actor":        nullable(p.Actor),
		"subject_type": p.SubjectType,
		"subject_id":   p.SubjectID,
		"reason":       p.Reason,
		"meta":         meta,
	}
	payload, err := canon.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("write denial: %w", err)
	}
	hash := canon.SHA256Hex(payload)
	sig := signer.SignHex(payload)

	art := map[string]any{}
	for k, v := range base {
		art[k] = v
	}
	art["artifact_hash"] = hash
	art["signature"] = sig

	data, err := json.MarshalIndent(art, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("write denial: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return nil, fmt.Errorf("write denial: %w", err)
	}
	if err := fslock.WriteFileAtomic(outPath, data); err != nil {
		return nil, fmt.Errorf("write denial: %w", err)
	}

	var actor *string
	if p.Actor != "" {
		a := p.Actor
		actor = &a
	}
	return &Artifact{
		Format:       Format,
		TS:           ts,
		VillageID:    p.VillageID,
		Actor:        actor,
		SubjectType:  p.SubjectType,
		SubjectID:    p.SubjectID,
		Reason:       p.Reason,
		Meta:         meta,
		ArtifactHash: hash,
		Signature:    sig,
	}, nil
}

// Verify checks a decoded denial against a node public key. An artifact
// without hash or signature is a deliberate false.
func Verify(art map[string]any, pubB64 string) (bool, error) {
	wantHash, _ := art["artifact_hash"].(string)
	sigHex, _ := art["signature"].(string)
	if wantHash == "" || sigHex == "" {
		return false, nil
	}
	base := map[string]any{}
	for k, v := range art {
		if k == "artifact_hash" || k == "signature" {
			continue
		}
		base[k] = v
	}
	payload, err := canon.Marshal(base)
	if err != nil {
		return false, fmt.Errorf("verify denial: %w", err)
	}
	if canon.SHA256Hex(payload) != wantHash {
		return false, nil
	}
	return crypto.VerifyHex(pubB64, sigHex, payload)
}

// Read loads and decodes an artifact file.
func Read(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read denial: %w", err)
	}
	var art map[string]any
	if err := json.Unmarshal(data, &art); err != nil {
		return nil, fmt.Errorf("read denial %s: %w", path, err)
	}
	return art, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
