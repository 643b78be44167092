// Package merkle folds ordered update hashes into the unbalanced binary
// tree that feed manifests commit to, and produces inclusion proofs a
// verifier can check against a published root alone.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Tree holds every level of the hash tree, leaves first. Level hashes are
// raw 32-byte digests; the tree never re-encodes until asked.
type Tree struct {
	levels [][][]byte
}

// Build constructs the tree over ordered hex leaf hashes. Interior nodes
// are SHA-256 of the two children's raw bytes; the last node of an odd
// level pairs with itself.
func Build(leafHashes []string) (*Tree, error) {
	leaves := make([][]byte, 0, len(leafHashes))
	for _, s := range leafHashes {
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("leaf hash %q: %w", s, err)
		}
		leaves = append(leaves, b)
	}

	t := &Tree{}
	if len(leaves) == 0 {
		return t, nil
	}
	level := leaves
	for {
		t.levels = append(t.levels, level)
		if len(level) == 1 {
			return t, nil
		}
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, nodeHash(left, right))
		}
		level = next
	}
}

func nodeHash(left, right []byte) []byte {
	buf := make([]byte, 0, len(left)+len(right))
	buf = append(buf, left...)
	buf = append(buf, right...)
	sum := sha256.Sum256(buf)
	return sum[:]
}

// Root returns the hex tree root. The empty tree hashes to SHA-256 of
// empty input, matching an empty feed manifest.
func (t *Tree) Root() string {
	if len(t.levels) == 0 {
		sum := sha256.Sum256(nil)
		return hex.EncodeToString(sum[:])
	}
	top := t.levels[len(t.levels)-1]
	return hex.EncodeToString(top[0])
}

// Len is the number of leaves the tree was built over.
func (t *Tree) Len() int {
	if len(t.levels) == 0 {
		return 0
	}
	return len(t.levels[0])
}

// Root computes just the root of ordered hex leaf hashes.
func Root(leafHashes []string) (string, error) {
	t, err := Build(leafHashes)
	if err != nil {
		return "", err
	}
	return t.Root(), nil
}
