package merkle

import (
	"encoding/hex"
	"fmt"
)

// InclusionProof ties one update hash to a manifest root. A holder of the
// proof and the published root can check membership without the feed.
type InclusionProof struct {
	LeafIndex  int         `json:"leaf_index"`
	LeafHash   string      `json:"leaf_hash"`
	MerkleRoot string      `json:"merkle_root"`
	ProofPath  []ProofStep `json:"proof_path"`
}

type ProofStep struct {
	Side        string `json:"side"` // "L" or "R"
	SiblingHash string `json:"sibling_hash"`
}

// Proof builds the inclusion proof for the leaf at index.
func (t *Tree) Proof(index int) (*InclusionProof, error) {
	if len(t.levels) == 0 || index < 0 || index >= len(t.levels[0]) {
		return nil, fmt.Errorf("leaf index %d out of range", index)
	}
	p := &InclusionProof{
		LeafIndex:  index,
		LeafHash:   hex.EncodeToString(t.levels[0][index]),
		MerkleRoot: t.Root(),
	}
	i := index
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := i - 1
		side := "L"
		if i%2 == 0 {
			side = "R"
			sibling = i + 1
			if sibling >= len(level) {
				// Odd tail pairs with itself.
				sibling = i
			}
		}
		p.ProofPath = append(p.ProofPath, ProofStep{
			Side:        side,
			SiblingHash: hex.EncodeToString(level[sibling]),
		})
		i /= 2
	}
	return p, nil
}

// VerifyInclusionProof recomputes the proof path and reports whether it
// lands on the expected root. An empty expectedRoot trusts the root the
// proof carries.
func VerifyInclusionProof(proof InclusionProof, expectedRoot string) bool {
	if expectedRoot != "" && proof.MerkleRoot != expectedRoot {
		return false
	}
	current, err := hex.DecodeString(proof.LeafHash)
	if err != nil {
		return false
	}
	for _, step := range proof.ProofPath {
		sibling, err := hex.DecodeString(step.SiblingHash)
		if err != nil {
			return false
		}
		if step.Side == "L" {
			current = nodeHash(sibling, current)
		} else {
			current = nodeHash(current, sibling)
		}
	}
	return hex.EncodeToString(current) == proof.MerkleRoot
}
