// Package crypto provides the Ed25519 detached-signature scheme used by all
// signed artifacts. Public keys and bundle/update/anchor signatures travel as
// base64 of the raw bytes; transparency entries, denial artifacts and export
// digests use lowercase hex signatures. Key identity is the hex SHA-256 of
// the 32 public-key bytes.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/villagelabs/links/pkg/canon"
)

// EnvNodeSigningKey names the environment variable carrying the node's
// base64-encoded 32-byte Ed25519 seed.
const EnvNodeSigningKey = "LINKS_NODE_SIGNING_KEY_B64"

// Signer wraps an Ed25519 private key.
type Signer struct {
	priv ed25519.PrivateKey
}

// NewSigner generates a fresh keypair.
func NewSigner() (*Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return &Signer{priv: priv}, nil
}

// SignerFromSeed builds a signer from a raw 32-byte seed.
func SignerFromSeed(seed []byte) (*Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return &Signer{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

// SignerFromSeedB64 builds a signer from a base64-encoded 32-byte seed.
func SignerFromSeedB64(s string) (*Signer, error) {
	seed, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	return SignerFromSeed(seed)
}

// NodeSignerFromEnv loads the node signing key from the environment. An unset
// or empty variable yields (nil, nil): node signatures are then skipped while
// the surrounding operations still succeed.
func NodeSignerFromEnv() (*Signer, error) {
	raw := os.Getenv(EnvNodeSigningKey)
	if raw == "" {
		return nil, nil
	}
	s, err := SignerFromSeedB64(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", EnvNodeSigningKey, err)
	}
	return s, nil
}

// PublicKey returns the raw 32-byte public key.
func (s *Signer) PublicKey() []byte {
	return []byte(s.priv.Public().(ed25519.PublicKey))
}

// PublicKeyB64 returns the base64 public key as it appears on artifacts.
func (s *Signer) PublicKeyB64() string {
	return base64.StdEncoding.EncodeToString(s.PublicKey())
}

// KeyHash returns the signer identity (hex SHA-256 of the public key bytes).
func (s *Signer) KeyHash() string {
	return canon.KeyHash(s.PublicKey())
}

// SeedB64 returns the base64 seed, the form persisted by keygen and consumed
// via LINKS_NODE_SIGNING_KEY_B64.
func (s *Signer) SeedB64() string {
	return base64.StdEncoding.EncodeToString(s.priv.Seed())
}

// SignB64 signs msg and returns the base64 signature.
func (s *Signer) SignB64(msg []byte) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.priv, msg))
}

// SignHex signs msg and returns the lowercase hex signature.
func (s *Signer) SignHex(msg []byte) string {
	return hex.EncodeToString(ed25519.Sign(s.priv, msg))
}

// DecodePublicKeyB64 decodes and size-checks a base64 public key.
func DecodePublicKeyB64(pubB64 string) ([]byte, error) {
	pub, err := base64.StdEncoding.DecodeString(pubB64)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pub))
	}
	return pub, nil
}

// KeyHashB64 returns the signer identity for a base64 public key.
func KeyHashB64(pubB64 string) (string, error) {
	pub, err := DecodePublicKeyB64(pubB64)
	if err != nil {
		return "", err
	}
	return canon.KeyHash(pub), nil
}

// VerifyB64 checks a base64 signature by a base64 public key over msg.
// A failing signature yields (false, nil); an error is returned only for
// malformed key or signature material, so callers can map the two cases to
// different failure modes.
func VerifyB64(pubB64, sigB64 string, msg []byte) (bool, error) {
	pub, err := DecodePublicKeyB64(pubB64)
	if err != nil {
		return false, err
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false, fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return false, fmt.Errorf("signature must be %d bytes, got %d", ed25519.SignatureSize, len(sig))
	}
	return ed25519.Verify(pub, msg, sig), nil
}

// VerifyHex checks a hex signature by a base64 public key over msg. Same
// error discipline as VerifyB64.
func VerifyHex(pubB64, sigHex string, msg []byte) (bool, error) {
	pub, err := DecodePublicKeyB64(pubB64)
	if err != nil {
		return false, err
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return false, fmt.Errorf("signature must be %d bytes, got %d", ed25519.SignatureSize, len(sig))
	}
	return ed25519.Verify(pub, msg, sig), nil
}
