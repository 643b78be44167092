package governance

import (
	"fmt"

	"github.com/villagelabs/links/pkg/crypto"
)

// SignLegacy attaches a single-signer signature, the pre-quorum form still
// accepted by every verifier.
func SignLegacy(u *Update, s *crypto.Signer) error {
	payload, err := u.PayloadBytes()
	if err != nil {
		return err
	}
	pub := s.PublicKeyB64()
	sig := s.SignB64(payload)
	u.PublicKey = &pub
	u.Signature = &sig
	u.syncSignatureMaterial()
	return nil
}

// AddSignature appends a multi-signature entry. A second signature by the
// same key hash replaces nothing and adds nothing.
func AddSignature(u *Update, s *crypto.Signer) error {
	for _, e := range u.Signatures {
		h, err := crypto.KeyHashB64(e.PublicKey)
		if err != nil {
			continue
		}
		if h == s.KeyHash() {
			return nil
		}
	}

	payload, err := u.PayloadBytes()
	if err != nil {
		return err
	}
	u.Signatures = append(u.Signatures, SignatureEntry{
		PublicKey: s.PublicKeyB64(),
		Signature: s.SignB64(payload),
	})
	u.syncSignatureMaterial()
	return nil
}

// validSigners returns the distinct key hashes with a valid signature over
// the payload, considering both the legacy pair and the multi-signature
// list. Malformed entries count as invalid rather than erroring: a peer must
// not be able to poison quorum counting with one bad entry.
func validSigners(u *Update) (map[string]bool, error) {
	payload, err := u.PayloadBytes()
	if err != nil {
		return nil, fmt.Errorf("signing payload: %w", err)
	}

	signers := make(map[string]bool)
	check := func(pubB64, sigB64 string) {
		if pubB64 == "" || sigB64 == "" {
			return
		}
		ok, err := crypto.VerifyB64(pubB64, sigB64, payload)
		if err != nil || !ok {
			return
		}
		if h, err := crypto.KeyHashB64(pubB64); err == nil {
			signers[h] = true
		}
	}

	if u.PublicKey != nil && u.Signature != nil {
		check(*u.PublicKey, *u.Signature)
	}
	for _, e := range u.Signatures {
		check(e.PublicKey, e.Signature)
	}
	return signers, nil
}
