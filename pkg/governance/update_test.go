package governance

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/villagelabs/links/pkg/canon"
	"github.com/villagelabs/links/pkg/crypto"
	"github.com/villagelabs/links/pkg/policy"
)

func newSigner(t *testing.T, seedByte byte) *crypto.Signer {
	t.Helper()
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = seedByte
	}
	s, err := crypto.SignerFromSeed(seed)
	require.NoError(t, err)
	return s
}

func TestBuildComputesPolicyHash(t *testing.T) {
	pol := map[string]any{"visibility": "village", "max_window_days": 30}
	u, err := Build("ops", pol, BuildParams{Actor: "alice"})
	require.NoError(t, err)

	want, err := canon.Hash(pol)
	require.NoError(t, err)
	require.Equal(t, want, u.PolicyHash)
	require.Equal(t, StateActive, u.LifecycleState)
	require.Equal(t, want, *u.PolicyVersionID)
	require.Equal(t, "alice", *u.Actor)
	require.NotNil(t, u.Quorum)
	require.Empty(t, u.Signatures)
}

func TestBuildLifecycleAndMetadata(t *testing.T) {
	act := canon.Now()
	u, err := Build("demo", map[string]any{"visibility": "village", "rate_limit_per_min": 10}, BuildParams{
		Actor:           "tester",
		LifecycleState:  StateProposal,
		Quorum:          map[string]any{"model": "m_of_n", "threshold_m": 1},
		ChangeSummary:   &policy.ChangeSummary{Added: []string{"/foo"}, Removed: []string{}, Changed: []string{}},
		PolicyVersionID: "v1",
		ActivationTime:  &act,
	})
	require.NoError(t, err)
	require.Equal(t, StateProposal, u.LifecycleState)
	require.Equal(t, "v1", *u.PolicyVersionID)
	require.NotNil(t, u.Quorum)
	require.Nil(t, u.ExpiresAt)
}

func TestSignVerifyThenTamper(t *testing.T) {
	u, err := Build("ops", map[string]any{"visibility": "village", "max_window_days": 30}, BuildParams{})
	require.NoError(t, err)

	k1 := newSigner(t, 1)
	require.NoError(t, SignLegacy(u, k1))
	require.True(t, VerifyAny(u))

	// mutate policy without re-signing: hash mismatch
	u.Policy["max_window_days"] = 999
	require.False(t, VerifyAny(u))
}

func TestVerifyAnyRequiresSignature(t *testing.T) {
	u, err := Build("ops", map[string]any{"visibility": "village"}, BuildParams{})
	require.NoError(t, err)
	require.False(t, VerifyAny(u))
}

func TestCanonicalPayloadStripsSignatureMaterial(t *testing.T) {
	u, err := Build("ops", map[string]any{"visibility": "village"}, BuildParams{})
	require.NoError(t, err)

	before, err := u.PayloadBytes()
	require.NoError(t, err)

	require.NoError(t, SignLegacy(u, newSigner(t, 2)))
	require.NoError(t, AddSignature(u, newSigner(t, 3)))

	after, err := u.PayloadBytes()
	require.NoError(t, err)
	require.Equal(t, string(before), string(after))

	var m map[string]any
	require.NoError(t, json.Unmarshal(after, &m))
	require.NotContains(t, m, "public_key")
	require.NotContains(t, m, "signature")
	require.NotContains(t, m, "signatures")
	require.Contains(t, m, "policy_hash")
}

func TestParseUpdatePreservesUnknownFields(t *testing.T) {
	u, err := Build("ops", map[string]any{"visibility": "village"}, BuildParams{})
	require.NoError(t, err)
	require.NoError(t, SignLegacy(u, newSigner(t, 4)))

	hashBefore, err := u.UpdateHash()
	require.NoError(t, err)

	// a newer peer adds a field we do not model
	b, err := canon.Marshal(u)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	m["future_field"] = "carried"
	withExtra, err := json.Marshal(m)
	require.NoError(t, err)

	parsed, err := ParseUpdate(withExtra)
	require.NoError(t, err)
	require.True(t, parsed.HashValid())

	hashAfter, err := parsed.UpdateHash()
	require.NoError(t, err)
	// the unknown field is part of the payload, so the update hash moves
	require.NotEqual(t, hashBefore, hashAfter)

	payload, err := parsed.PayloadMap()
	require.NoError(t, err)
	require.Equal(t, "carried", payload["future_field"])
}

func TestParseUpdateRoundTripHashStable(t *testing.T) {
	u, err := Build("ops", map[string]any{"visibility": "village", "max_window_days": 30}, BuildParams{Actor: "alice"})
	require.NoError(t, err)
	require.NoError(t, SignLegacy(u, newSigner(t, 5)))

	built, err := u.UpdateHash()
	require.NoError(t, err)

	b, err := canon.Marshal(u)
	require.NoError(t, err)
	parsed, err := ParseUpdate(b)
	require.NoError(t, err)

	reparsed, err := parsed.UpdateHash()
	require.NoError(t, err)
	require.Equal(t, built, reparsed)
	require.True(t, VerifyAny(parsed))
}

func TestParseUpdateMalformed(t *testing.T) {
	_, err := ParseUpdate([]byte(`{"village_id": unterminated`))
	require.Error(t, err)

	_, err = ParseUpdate([]byte(`[1,2,3]`))
	require.Error(t, err)
}
