package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/villagelabs/links/pkg/audit"
	"github.com/villagelabs/links/pkg/bundle"
	"github.com/villagelabs/links/pkg/canon"
	"github.com/villagelabs/links/pkg/crypto"
	"github.com/villagelabs/links/pkg/village"
)

type fixture struct {
	store    *Store
	villages *village.Store
	auditLog *audit.Log
	signer   *crypto.Signer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dataRoot := t.TempDir()
	villages := village.NewStore(dataRoot)
	_, err := villages.Save(village.New("harbor", "Harbor", "", nil))
	require.NoError(t, err)

	signer, err := crypto.NewSigner()
	require.NoError(t, err)

	storeRoot := filepath.Join(dataRoot, "store")
	auditLog := audit.NewLog(storeRoot)
	return &fixture{
		store:    New(storeRoot, villages, auditLog, signer),
		villages: villages,
		auditLog: auditLog,
		signer:   signer,
	}
}

func buildBundle(t *testing.T, windowDays int, predicate, subject string) *bundle.Bundle {
	t.Helper()
	at := canon.NewTime(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	obj := "member:bob"
	b, err := bundle.Build("village:harbor", windowDays, []bundle.Claim{
		{
			Issuer:     "village:harbor",
			Subject:    subject,
			Predicate:  predicate,
			Object:     &obj,
			Value:      1.25,
			WindowDays: windowDays,
			ComputedAt: at,
		},
	}, &at)
	require.NoError(t, err)
	return b
}

func signedBundleBytes(t *testing.T, signer *crypto.Signer, windowDays int, predicate, subject string) []byte {
	t.Helper()
	b := buildBundle(t, windowDays, predicate, subject)
	require.NoError(t, bundle.Sign(b, signer))
	data, err := b.Encode()
	require.NoError(t, err)
	return data
}

func auditActions(t *testing.T, l *audit.Log) []string {
	t.Helper()
	events, err := l.Events()
	require.NoError(t, err)
	out := make([]string, 0, len(events))
	for _, ev := range events {
		a, _ := ev["action"].(string)
		out = append(out, a)
	}
	return out
}

func TestIngestAccept(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	raw := signedBundleBytes(t, fx.signer, 30, "links.weighted_to", "member:alice")
	out, err := fx.store.Ingest(ctx, "harbor", raw)
	require.NoError(t, err)
	require.Equal(t, StatusAccepted, out.Status)
	require.Equal(t, 1, out.Claims)
	require.Contains(t, out.Reason, "ingested bundle "+out.BundleID)

	_, err = os.Stat(fx.store.BundlePath("harbor", out.BundleID))
	require.NoError(t, err)

	rows, err := fx.store.QueryClaims(ctx, QueryFilter{VillageID: "harbor"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	row := rows[0]
	require.Equal(t, out.BundleID, row["bundle_id"])
	require.Equal(t, "village:harbor", row["issuer"])
	require.Equal(t, "village", row["visibility"])
	require.Equal(t, "member:alice", row["subject"])
	require.Equal(t, "links.weighted_to", row["predicate"])
	require.Equal(t, "member:bob", row["object"])

	require.Equal(t, []string{audit.ActionIngestAccept}, auditActions(t, fx.auditLog))
}

func TestIngestReplay(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	raw := signedBundleBytes(t, fx.signer, 30, "links.weighted_to", "member:alice")
	_, err := fx.store.Ingest(ctx, "harbor", raw)
	require.NoError(t, err)

	_, err = fx.store.Ingest(ctx, "harbor", raw)
	require.ErrorIs(t, err, ErrReplay)
	require.EqualError(t, err, "replay detected")

	rows, err := fx.store.QueryClaims(ctx, QueryFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	actions := auditActions(t, fx.auditLog)
	require.Equal(t, []string{audit.ActionIngestAccept, audit.ActionIngestReject}, actions)
}

func TestIngestRejectsUnsignedBundle(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	b := buildBundle(t, 30, "links.weighted_to", "member:alice")
	raw, err := b.Encode()
	require.NoError(t, err)

	out, err := fx.store.Ingest(ctx, "harbor", raw)
	require.NoError(t, err)
	require.Equal(t, StatusRejected, out.Status)
	require.Equal(t, "bundle failed verification (signature and/or bundle_id mismatch)", out.Reason)

	rejected := filepath.Join(fx.store.rejectedDir("harbor"), b.BundleID+".json")
	_, err = os.Stat(rejected)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(fx.store.rejectedDir("harbor"), b.BundleID+".denial.json"))
	require.NoError(t, err)

	require.Equal(t, []string{audit.ActionIngestReject}, auditActions(t, fx.auditLog))
}

func TestIngestAllowUnverified(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	pol := village.DefaultPolicy()
	pol["allow_unverified"] = true
	require.NoError(t, fx.villages.ApplyPolicyUpdate(ctx, "harbor", pol, "op", nil))

	b := buildBundle(t, 30, "links.weighted_to", "member:alice")
	raw, err := b.Encode()
	require.NoError(t, err)

	out, err := fx.store.Ingest(ctx, "harbor", raw)
	require.NoError(t, err)
	require.Equal(t, StatusAccepted, out.Status)
}

func TestIngestQuarantineOnWindow(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	raw := signedBundleBytes(t, fx.signer, 60, "links.weighted_to", "member:alice")
	out, err := fx.store.Ingest(ctx, "harbor", raw)
	require.NoError(t, err)
	require.Equal(t, StatusQuarantined, out.Status)
	require.Equal(t, "bundle window_days=60 exceeds max_window_days=30", out.Reason)

	_, err = os.Stat(fx.store.QuarantinePath("harbor", out.BundleID))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(fx.store.quarantineDir("harbor"), out.BundleID+".denial.json"))
	require.NoError(t, err)

	require.Equal(t, []string{audit.ActionIngestQuarantine}, auditActions(t, fx.auditLog))
}

func TestApproveAfterPolicyWidened(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	raw := signedBundleBytes(t, fx.signer, 60, "links.weighted_to", "member:alice")
	out, err := fx.store.Ingest(ctx, "harbor", raw)
	require.NoError(t, err)
	require.Equal(t, StatusQuarantined, out.Status)

	// still denied under the unchanged policy
	ok, msg, err := fx.store.ApproveQuarantine(ctx, "harbor", out.BundleID)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, "policy no longer allows approval: bundle window_days=60 exceeds max_window_days=30", msg)
	_, err = os.Stat(fx.store.QuarantinePath("harbor", out.BundleID))
	require.NoError(t, err)

	pol := village.DefaultPolicy()
	pol["max_window_days"] = 60
	require.NoError(t, fx.villages.ApplyPolicyUpdate(ctx, "harbor", pol, "op", nil))

	ok, msg, err = fx.store.ApproveQuarantine(ctx, "harbor", out.BundleID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, msg, "ingested bundle")

	_, err = os.Stat(fx.store.QuarantinePath("harbor", out.BundleID))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(fx.store.BundlePath("harbor", out.BundleID))
	require.NoError(t, err)

	rows, err := fx.store.QueryClaims(ctx, QueryFilter{VillageID: "harbor"})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	actions := auditActions(t, fx.auditLog)
	require.Contains(t, actions, audit.ActionQuarantineApprove)
}

func TestApproveQuotaExceeded(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	first := signedBundleBytes(t, fx.signer, 60, "links.weighted_to", "member:alice")
	second := signedBundleBytes(t, fx.signer, 60, "links.weighted_to", "member:carol")
	o1, err := fx.store.Ingest(ctx, "harbor", first)
	require.NoError(t, err)
	o2, err := fx.store.Ingest(ctx, "harbor", second)
	require.NoError(t, err)

	pol := village.DefaultPolicy()
	pol["max_window_days"] = 60
	pol["submission_quota_per_day"] = 1
	require.NoError(t, fx.villages.ApplyPolicyUpdate(ctx, "harbor", pol, "op", nil))

	ok, _, err := fx.store.ApproveQuarantine(ctx, "harbor", o1.BundleID)
	require.NoError(t, err)
	require.True(t, ok)

	ok, msg, err := fx.store.ApproveQuarantine(ctx, "harbor", o2.BundleID)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, "submission quota exceeded (approved_today=1 quota=1)", msg)
	_, err = os.Stat(fx.store.QuarantinePath("harbor", o2.BundleID))
	require.NoError(t, err)
}

func TestRejectQuarantine(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	raw := signedBundleBytes(t, fx.signer, 60, "links.weighted_to", "member:alice")
	out, err := fx.store.Ingest(ctx, "harbor", raw)
	require.NoError(t, err)

	msg, err := fx.store.RejectQuarantine(ctx, "harbor", out.BundleID, "operator says no")
	require.NoError(t, err)
	require.Contains(t, msg, "moved to rejected:")

	_, err = os.Stat(fx.store.QuarantinePath("harbor", out.BundleID))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(fx.store.rejectedDir("harbor"), out.BundleID+".json"))
	require.NoError(t, err)

	actions := auditActions(t, fx.auditLog)
	require.Equal(t, audit.ActionQuarantineReject, actions[len(actions)-1])
}

func TestListQuarantineSkipsDenials(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	rawB := signedBundleBytes(t, fx.signer, 60, "links.weighted_to", "member:bob")
	rawA := signedBundleBytes(t, fx.signer, 60, "links.weighted_to", "member:alice")
	oB, err := fx.store.Ingest(ctx, "harbor", rawB)
	require.NoError(t, err)
	oA, err := fx.store.Ingest(ctx, "harbor", rawA)
	require.NoError(t, err)

	ids, err := fx.store.ListQuarantine("harbor")
	require.NoError(t, err)
	require.Len(t, ids, 2)
	require.ElementsMatch(t, []string{oA.BundleID, oB.BundleID}, ids)
	for i := 1; i < len(ids); i++ {
		require.Less(t, ids[i-1], ids[i])
	}

	ids, err = fx.store.ListQuarantine("empty-village")
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestIngestUnknownVillage(t *testing.T) {
	fx := newFixture(t)
	raw := signedBundleBytes(t, fx.signer, 30, "links.weighted_to", "member:alice")
	_, err := fx.store.Ingest(context.Background(), "ghost", raw)
	require.ErrorIs(t, err, village.ErrNotFound)
}

func TestIngestMalformedBytes(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.store.Ingest(context.Background(), "harbor", []byte("{not json"))
	require.Error(t, err)
}

func TestIngestCancelledContext(t *testing.T) {
	fx := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	raw := signedBundleBytes(t, fx.signer, 30, "links.weighted_to", "member:alice")
	_, err := fx.store.Ingest(ctx, "harbor", raw)
	require.ErrorIs(t, err, context.Canceled)

	events, err := fx.auditLog.Events()
	require.NoError(t, err)
	require.Empty(t, events)
	_, err = os.Stat(filepath.Join(fx.store.Root(), "bundles"))
	require.True(t, os.IsNotExist(err))
}

func TestStandaloneIngestWithoutVillage(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	raw := signedBundleBytes(t, fx.signer, 30, "links.weighted_to", "member:alice")
	out, err := fx.store.Ingest(ctx, "", raw)
	require.NoError(t, err)
	require.Equal(t, StatusAccepted, out.Status)

	rows, err := fx.store.QueryClaims(ctx, QueryFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Nil(t, rows[0]["village_id"])
	require.Nil(t, rows[0]["visibility"])
}

func TestQueryClaimsFilters(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	for _, subject := range []string{"member:alice", "member:bob", "member:carol"} {
		raw := signedBundleBytes(t, fx.signer, 30, "links.weighted_to", subject)
		_, err := fx.store.Ingest(ctx, "harbor", raw)
		require.NoError(t, err)
	}

	rows, err := fx.store.QueryClaims(ctx, QueryFilter{Subject: "member:bob"})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	rows, err = fx.store.QueryClaims(ctx, QueryFilter{Predicate: "links.endorses"})
	require.NoError(t, err)
	require.Empty(t, rows)

	rows, err = fx.store.QueryClaims(ctx, QueryFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	rows, err = fx.store.QueryClaims(ctx, QueryFilter{Since: "2026-03-01T12:00:00Z"})
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestLatestBundle(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	early := buildBundle(t, 30, "links.weighted_to", "member:alice")
	require.NoError(t, bundle.Sign(early, fx.signer))

	lateAt := canon.NewTime(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	obj := "member:dora"
	late, err := bundle.Build("village:harbor", 30, []bundle.Claim{
		{
			Issuer:     "village:harbor",
			Subject:    "member:bob",
			Predicate:  "links.weighted_to",
			Object:     &obj,
			Value:      2.0,
			WindowDays: 30,
			ComputedAt: lateAt,
		},
	}, &lateAt)
	require.NoError(t, err)
	require.NoError(t, bundle.Sign(late, fx.signer))

	for _, b := range []*bundle.Bundle{early, late} {
		data, err := b.Encode()
		require.NoError(t, err)
		_, err = fx.store.Ingest(ctx, "harbor", data)
		require.NoError(t, err)
	}

	latest, err := fx.store.LatestBundle("harbor")
	require.NoError(t, err)
	require.NotNil(t, latest)
	require.Equal(t, late.BundleID, latest.BundleID)

	none, err := fx.store.LatestBundle("ghost")
	require.NoError(t, err)
	require.Nil(t, none)
}
