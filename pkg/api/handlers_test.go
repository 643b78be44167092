package api

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/villagelabs/links/pkg/bundle"
	"github.com/villagelabs/links/pkg/canon"
	"github.com/villagelabs/links/pkg/crypto"
	"github.com/villagelabs/links/pkg/governance"
)

func signedBundle(t *testing.T, signer *crypto.Signer, windowDays int, subject string) string {
	t.Helper()
	at := canon.NewTime(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	obj := "member:bob"
	b, err := bundle.Build("village:harbor", windowDays, []bundle.Claim{
		{
			Issuer:     "village:harbor",
			Subject:    subject,
			Predicate:  "links.weighted_to",
			Object:     &obj,
			Value:      1.25,
			WindowDays: windowDays,
			ComputedAt: at,
			Evidence:   []string{},
		},
	}, &at)
	require.NoError(t, err)
	require.NoError(t, bundle.Sign(b, signer))
	data, err := b.Encode()
	require.NoError(t, err)
	return string(data)
}

func TestInboxAcceptAndReplay(t *testing.T) {
	n := newTestNode(t)
	body := signedBundle(t, n.signer, 7, "member:alice")

	rec := n.request(t, http.MethodPost, "/villages/harbor/inbox", memberToken, body)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decodeBody(t, rec)
	require.Equal(t, "accepted", out["status"])
	require.EqualValues(t, 1, out["claims"])
	bundleID, _ := out["bundle_id"].(string)
	require.Len(t, bundleID, 32)

	rec = n.request(t, http.MethodPost, "/villages/harbor/inbox", memberToken, body)
	requireDetail(t, rec, http.StatusBadRequest, "replay detected")
}

func TestInboxQuarantine(t *testing.T) {
	n := newTestNode(t)
	body := signedBundle(t, n.signer, 60, "member:alice")

	rec := n.request(t, http.MethodPost, "/villages/harbor/inbox", memberToken, body)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decodeBody(t, rec)
	require.Equal(t, "quarantined", out["status"])
	require.Equal(t, "bundle window_days=60 exceeds max_window_days=30", out["reason"])
}

func TestInboxAuthAndValidation(t *testing.T) {
	n := newTestNode(t)
	body := signedBundle(t, n.signer, 7, "member:alice")

	rec := n.request(t, http.MethodPost, "/villages/harbor/inbox", "", body)
	requireDetail(t, rec, http.StatusForbidden, "forbidden")

	// observer can pull but not push
	rec = n.request(t, http.MethodPost, "/villages/harbor/inbox", observerToken, body)
	requireDetail(t, rec, http.StatusForbidden, "forbidden")

	rec = n.request(t, http.MethodPost, "/villages/harbor/inbox", memberToken, "{not json")
	requireDetail(t, rec, http.StatusBadRequest, "invalid JSON body")

	rec = n.request(t, http.MethodPost, "/villages/harbor/inbox", memberToken, `{"claims": []}`)
	requireDetail(t, rec, http.StatusBadRequest, "bundle failed schema validation")
}

func TestClaimsLatest(t *testing.T) {
	n := newTestNode(t)

	rec := n.request(t, http.MethodGet, "/villages/harbor/claims/latest", "", "")
	requireDetail(t, rec, http.StatusForbidden, "forbidden")

	rec = n.request(t, http.MethodGet, "/villages/harbor/claims/latest", observerToken, "")
	requireDetail(t, rec, http.StatusNotFound, "no bundles")

	body := signedBundle(t, n.signer, 7, "member:alice")
	rec = n.request(t, http.MethodPost, "/villages/harbor/inbox", memberToken, body)
	require.Equal(t, http.StatusOK, rec.Code)
	wantID := decodeBody(t, rec)["bundle_id"]

	rec = n.request(t, http.MethodGet, "/villages/harbor/claims/latest", observerToken, "")
	require.Equal(t, http.StatusOK, rec.Code)
	got, err := bundle.Parse(rec.Body.Bytes())
	require.NoError(t, err)
	require.Equal(t, wantID, got.BundleID)
}

type recordingLimiter struct {
	limits  []int
	allowed bool
}

func (l *recordingLimiter) Allow(ctx context.Context, villageID, clientKey string, limit int) (bool, error) {
	l.limits = append(l.limits, limit)
	return l.allowed, nil
}

func TestRateLimitUsesVillagePolicy(t *testing.T) {
	lim := &recordingLimiter{allowed: true}
	n := newTestNode(t, func(cfg *Config) { cfg.Limiter = lim })

	n.request(t, http.MethodGet, "/villages/harbor/policy/latest", "", "")
	require.Equal(t, []int{60}, lim.limits)

	ctx := context.Background()
	require.NoError(t, n.villages.ApplyPolicyUpdate(ctx, "harbor", map[string]any{"rate_limit_per_min": 2}, "setup", nil))
	n.request(t, http.MethodGet, "/villages/harbor/policy/latest", "", "")
	require.Equal(t, []int{60, 2}, lim.limits)

	// Unknown village falls back to the default limit.
	n.request(t, http.MethodGet, "/villages/ghost/policy/latest", "", "")
	require.Equal(t, []int{60, 2, 60}, lim.limits)
}

func TestRateLimitExceeded(t *testing.T) {
	n := newTestNode(t, func(cfg *Config) { cfg.Limiter = &recordingLimiter{allowed: false} })
	rec := n.request(t, http.MethodGet, "/villages/harbor/policy/latest", "", "")
	requireDetail(t, rec, http.StatusTooManyRequests, "rate limit exceeded")
	require.Equal(t, "60", rec.Header().Get("Retry-After"))

	// Paths outside /villages/ are never limited.
	rec = n.request(t, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestTransparencyLog(t *testing.T) {
	n := newTestNode(t)

	rec := n.request(t, http.MethodGet, "/villages/harbor/transparency/policy_log", "", "")
	requireDetail(t, rec, http.StatusNotFound, "no transparency log")

	for _, bad := range []string{"0", "5001", "x"} {
		rec = n.request(t, http.MethodGet, "/villages/harbor/transparency/policy_log?limit="+bad, "", "")
		require.Equal(t, http.StatusBadRequest, rec.Code)
	}

	// Two applies, tail of one.
	for _, vis := range []string{"village", "public"} {
		body := `{"policy": {"visibility": "` + vis + `"}}`
		rec = n.request(t, http.MethodPost, "/villages/harbor/policy", adminToken, body)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec = n.request(t, http.MethodGet, "/villages/harbor/transparency/policy_log?limit=1", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 1)
}

func TestAuditExport(t *testing.T) {
	n := newTestNode(t)

	rec := n.request(t, http.MethodGet, "/villages/harbor/audit/export", "", "")
	requireDetail(t, rec, http.StatusNotFound, "no audit log")

	body := signedBundle(t, n.signer, 7, "member:alice")
	rec = n.request(t, http.MethodPost, "/villages/harbor/inbox", memberToken, body)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = n.request(t, http.MethodGet, "/villages/harbor/audit/export?fmt=bogus", "", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = n.request(t, http.MethodGet, "/villages/harbor/audit/export", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	out := decodeBody(t, rec)
	require.Equal(t, "harbor", out["village_id"])
	require.Equal(t, "json", out["format"])
	require.EqualValues(t, 1, out["count"])
	digest, _ := out["sha256"].(string)
	require.Len(t, digest, 64)
	require.Equal(t, true, out["signed"])

	exportDir := filepath.Join(n.dataRoot, "store", "audit", "exports", "harbor")
	for _, name := range []string{"audit.json", "audit.json.sha256", "audit.json.sighex", "audit.filtered.jsonl"} {
		_, err := os.Stat(filepath.Join(exportDir, name))
		require.NoError(t, err, name)
	}

	rec = n.request(t, http.MethodGet, "/villages/harbor/audit/export?fmt=csv&sign=false", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	out = decodeBody(t, rec)
	require.Equal(t, "csv", out["format"])
	require.Equal(t, false, out["signed"])
	_, err := os.Stat(filepath.Join(exportDir, "audit.csv"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(exportDir, "audit.csv.sighex"))
	require.True(t, os.IsNotExist(err))
}

func TestAuditExportUnsignedWithoutKey(t *testing.T) {
	n := newTestNode(t, func(cfg *Config) { cfg.Signer = nil })
	body := signedBundle(t, n.signer, 7, "member:alice")
	rec := n.request(t, http.MethodPost, "/villages/harbor/inbox", memberToken, body)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = n.request(t, http.MethodGet, "/villages/harbor/audit/export", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, false, decodeBody(t, rec)["signed"])
}

func TestPublicPolicyEndpoint(t *testing.T) {
	n := newTestNode(t)
	rec := n.request(t, http.MethodGet, "/public/villages/harbor/policy/latest", "", "")
	requireDetail(t, rec, http.StatusNotFound, "public policy endpoint not enabled")

	// Per-village opt-in through the policy flag.
	ctx := context.Background()
	require.NoError(t, n.villages.ApplyPolicyUpdate(ctx, "harbor", map[string]any{"public_policy_endpoint": true}, "setup", nil))
	rec = n.request(t, http.MethodGet, "/public/villages/harbor/policy/latest", "", "")
	requireDetail(t, rec, http.StatusNotFound, "no policy updates found")

	u, err := governance.Build("harbor", map[string]any{"visibility": "public"}, governance.BuildParams{})
	require.NoError(t, err)
	_, err = n.feedLog.Append(ctx, u)
	require.NoError(t, err)
	rec = n.request(t, http.MethodGet, "/public/villages/harbor/policy/latest", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, u.PolicyHash, got["policy_hash"])
}

func TestPublicPolicyNodeFlag(t *testing.T) {
	n := newTestNode(t, func(cfg *Config) { cfg.PublicPolicy = true })
	rec := n.request(t, http.MethodGet, "/public/villages/harbor/policy/latest", "", "")
	requireDetail(t, rec, http.StatusNotFound, "no policy updates found")
}
