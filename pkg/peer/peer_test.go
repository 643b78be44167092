package peer

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/villagelabs/links/pkg/anchors"
	"github.com/villagelabs/links/pkg/api"
	"github.com/villagelabs/links/pkg/audit"
	"github.com/villagelabs/links/pkg/canon"
	"github.com/villagelabs/links/pkg/crypto"
	"github.com/villagelabs/links/pkg/feed"
	"github.com/villagelabs/links/pkg/governance"
	"github.com/villagelabs/links/pkg/store"
	"github.com/villagelabs/links/pkg/transparency"
	"github.com/villagelabs/links/pkg/village"
)

type remoteNode struct {
	url     string
	signer  *crypto.Signer
	feedLog *feed.Log
}

func newRemoteNode(t *testing.T) *remoteNode {
	t.Helper()
	dataRoot := t.TempDir()
	villages := village.NewStore(dataRoot)
	_, err := villages.Save(village.New("harbor", "Harbor", "", nil))
	require.NoError(t, err)

	signer, err := crypto.NewSigner()
	require.NoError(t, err)

	storeRoot := filepath.Join(dataRoot, "store")
	auditLog := audit.NewLog(storeRoot)
	feedLog := feed.NewLog(dataRoot)
	srv := api.New(api.Config{
		Villages:     villages,
		Feed:         feedLog,
		Anchors:      anchors.NewRegistry(dataRoot),
		Claims:       store.New(storeRoot, villages, auditLog, signer),
		Audit:        auditLog,
		Transparency: transparency.NewLog(storeRoot),
		Signer:       signer,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &remoteNode{url: ts.URL, signer: signer, feedLog: feedLog}
}

type localNode struct {
	villages     *village.Store
	feedLog      *feed.Log
	anchorsReg   *anchors.Registry
	transparency *transparency.Log
	auditLog     *audit.Log
	signer       *crypto.Signer
}

func newLocalNode(t *testing.T) *localNode {
	t.Helper()
	dataRoot := t.TempDir()
	villages := village.NewStore(dataRoot)
	_, err := villages.Save(village.New("harbor", "Harbor", "", nil))
	require.NoError(t, err)
	signer, err := crypto.NewSigner()
	require.NoError(t, err)
	storeRoot := filepath.Join(dataRoot, "store")
	return &localNode{
		villages:     villages,
		feedLog:      feed.NewLog(dataRoot),
		anchorsReg:   anchors.NewRegistry(dataRoot),
		transparency: transparency.NewLog(storeRoot),
		auditLog:     audit.NewLog(storeRoot),
		signer:       signer,
	}
}

func (n *localNode) puller(t *testing.T, baseURL string) *Puller {
	t.Helper()
	client := NewClient(baseURL, Options{RPS: 1000, Burst: 100})
	return NewPuller(client, PullerConfig{
		Villages:     n.villages,
		Feed:         n.feedLog,
		Anchors:      n.anchorsReg,
		Transparency: n.transparency,
		Audit:        n.auditLog,
		Signer:       n.signer,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func (n *localNode) trustAnchor(t *testing.T, keyB64 string) {
	t.Helper()
	e, err := anchors.Build("harbor", anchors.ActionRegister, "node-a", anchors.EntryParams{
		AnchorPublicKeyB64: keyB64,
	})
	require.NoError(t, err)
	require.NoError(t, anchors.AddSignature(e, n.signer))
	_, err = n.anchorsReg.Store(context.Background(), e)
	require.NoError(t, err)
}

func appendUpdate(t *testing.T, log *feed.Log, hour, windowDays int) *governance.Update {
	t.Helper()
	at := canon.NewTime(time.Date(2026, 3, 1, hour, 0, 0, 0, time.UTC))
	u, err := governance.Build("harbor", map[string]any{"max_window_days": windowDays}, governance.BuildParams{CreatedAt: &at})
	require.NoError(t, err)
	_, err = log.Append(context.Background(), u)
	require.NoError(t, err)
	return u
}

func TestPullEndToEnd(t *testing.T) {
	remote := newRemoteNode(t)
	local := newLocalNode(t)
	ctx := context.Background()

	appendUpdate(t, remote.feedLog, 10, 30)
	u2 := appendUpdate(t, remote.feedLog, 11, 45)

	local.trustAnchor(t, remote.signer.PublicKeyB64())
	p := local.puller(t, remote.url)

	res, err := p.Pull(ctx, "harbor")
	require.NoError(t, err)
	require.True(t, res.ManifestVerified)
	require.Equal(t, 2, res.Pulled)
	require.Equal(t, 2, res.Stored)
	require.Zero(t, res.Skipped)
	require.NotNil(t, res.AppliedHead)
	require.Equal(t, u2.PolicyHash, *res.AppliedHead)
	require.NotNil(t, res.Report)
	require.Empty(t, res.Report.Forks)

	v, err := local.villages.Load("harbor")
	require.NoError(t, err)
	require.Equal(t, 45, v.Policy.MaxWindowDays())

	events, err := local.auditLog.VillageEvents("harbor")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, audit.ActionPolicyApply, events[0]["action"])

	// Re-pull is a no-op.
	res, err = p.Pull(ctx, "harbor")
	require.NoError(t, err)
	require.Equal(t, 2, res.Pulled)
	require.Zero(t, res.Stored)
	require.Nil(t, res.AppliedHead)
}

func TestPullRejectsUntrustedManifest(t *testing.T) {
	remote := newRemoteNode(t)
	local := newLocalNode(t)
	appendUpdate(t, remote.feedLog, 10, 30)

	stranger, err := crypto.NewSigner()
	require.NoError(t, err)
	local.trustAnchor(t, stranger.PublicKeyB64())

	p := local.puller(t, remote.url)
	_, err = p.Pull(context.Background(), "harbor")
	require.Error(t, err)
	require.Contains(t, err.Error(), "not signed by a trusted anchor")
}

func TestPullWithoutAnchors(t *testing.T) {
	remote := newRemoteNode(t)
	local := newLocalNode(t)
	appendUpdate(t, remote.feedLog, 10, 30)

	p := local.puller(t, remote.url)
	res, err := p.Pull(context.Background(), "harbor")
	require.NoError(t, err)
	require.False(t, res.ManifestVerified)
	require.Equal(t, 1, res.Stored)
}

func TestPullSkipsTamperedUpdate(t *testing.T) {
	remote := newRemoteNode(t)
	local := newLocalNode(t)
	ctx := context.Background()

	appendUpdate(t, remote.feedLog, 10, 30)

	// Mutate a policy after the hash is fixed; the stored artifact no
	// longer matches its own policy_hash.
	at := canon.NewTime(time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC))
	tampered, err := governance.Build("harbor", map[string]any{"max_window_days": 45}, governance.BuildParams{CreatedAt: &at})
	require.NoError(t, err)
	tampered.Policy["max_window_days"] = 999
	_, err = remote.feedLog.Append(ctx, tampered)
	require.NoError(t, err)

	local.trustAnchor(t, remote.signer.PublicKeyB64())
	p := local.puller(t, remote.url)
	res, err := p.Pull(ctx, "harbor")
	require.NoError(t, err)
	require.Equal(t, 2, res.Pulled)
	require.Equal(t, 1, res.Stored)
	require.Equal(t, 1, res.Skipped)
}

func TestPullQuorumGate(t *testing.T) {
	remote := newRemoteNode(t)
	local := newLocalNode(t)
	ctx := context.Background()

	signerKey, err := crypto.NewSigner()
	require.NoError(t, err)
	gate := map[string]any{
		"require_policy_signature":     true,
		"policy_signer_allowlist":      []any{signerKey.KeyHash()},
		"policy_signature_threshold_m": 1,
	}
	require.NoError(t, local.villages.ApplyPolicyUpdate(ctx, "harbor", gate, "setup", nil))

	// Unsigned update fails the local gate.
	appendUpdate(t, remote.feedLog, 10, 30)

	// Signed one passes.
	at := canon.NewTime(time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC))
	signed, err := governance.Build("harbor", map[string]any{"max_window_days": 45}, governance.BuildParams{CreatedAt: &at})
	require.NoError(t, err)
	require.NoError(t, governance.AddSignature(signed, signerKey))
	_, err = remote.feedLog.Append(ctx, signed)
	require.NoError(t, err)

	p := local.puller(t, remote.url)
	res, err := p.Pull(ctx, "harbor")
	require.NoError(t, err)
	require.Equal(t, 1, res.Skipped)
	require.Equal(t, 1, res.Stored)
	require.NotNil(t, res.AppliedHead)
	require.Equal(t, signed.PolicyHash, *res.AppliedHead)
}

func TestPullDetectsFork(t *testing.T) {
	remote := newRemoteNode(t)
	local := newLocalNode(t)
	ctx := context.Background()

	base := appendUpdate(t, remote.feedLog, 10, 30)

	// Local and remote both extend the same predecessor differently.
	makeChild := func(log *feed.Log, hour, days int) *governance.Update {
		at := canon.NewTime(time.Date(2026, 3, 1, hour, 0, 0, 0, time.UTC))
		u, err := governance.Build("harbor", map[string]any{"max_window_days": days}, governance.BuildParams{
			CreatedAt:          &at,
			PreviousPolicyHash: base.PolicyHash,
		})
		require.NoError(t, err)
		_, err = log.Append(ctx, u)
		require.NoError(t, err)
		return u
	}
	_, err := local.feedLog.Append(ctx, base)
	require.NoError(t, err)
	makeChild(local.feedLog, 11, 40)
	makeChild(remote.feedLog, 12, 50)

	p := local.puller(t, remote.url)
	res, err := p.Pull(ctx, "harbor")
	require.NoError(t, err)
	require.NotNil(t, res.Report)
	require.Len(t, res.Report.Forks, 1)
	require.Equal(t, base.PolicyHash, res.Report.Forks[0].PreviousPolicyHash)
	require.Len(t, res.Report.Forks[0].Children, 2)
	require.True(t, res.Report.Drift)
}

func TestClientStatusError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"detail": "no policy updates"}`)
	}))
	t.Cleanup(ts.Close)

	c := NewClient(ts.URL, Options{RPS: 1000})
	_, err := c.LatestPolicy(context.Background(), "harbor")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusNotFound, se.Status)
	require.Equal(t, "no policy updates", se.Detail)
}

func TestClientPagination(t *testing.T) {
	at := canon.NewTime(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	u1, err := governance.Build("harbor", map[string]any{"max_window_days": 10}, governance.BuildParams{CreatedAt: &at})
	require.NoError(t, err)
	at2 := canon.NewTime(time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC))
	u2, err := governance.Build("harbor", map[string]any{"max_window_days": 20}, governance.BuildParams{CreatedAt: &at2})
	require.NoError(t, err)

	encode := func(u *governance.Update) json.RawMessage {
		data, err := u.Encode()
		require.NoError(t, err)
		return data
	}

	var calls int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		cursor := r.URL.Query().Get("cursor")
		var page map[string]any
		if cursor == "" {
			page = map[string]any{"items": []json.RawMessage{encode(u1)}, "next_cursor": u1.PolicyHash}
		} else {
			require.Equal(t, u1.PolicyHash, cursor)
			page = map[string]any{"items": []json.RawMessage{encode(u2)}, "next_cursor": nil}
		}
		require.NoError(t, json.NewEncoder(w).Encode(page))
	}))
	t.Cleanup(ts.Close)

	c := NewClient(ts.URL, Options{RPS: 1000, PageSize: 1})
	ups, err := c.PullUpdatesSince(context.Background(), "harbor", "")
	require.NoError(t, err)
	require.Len(t, ups, 2)
	require.Equal(t, u1.PolicyHash, ups[0].PolicyHash)
	require.Equal(t, u2.PolicyHash, ups[1].PolicyHash)
	require.Equal(t, 2, calls)
}

func TestClientTransparencyLog(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = io.WriteString(w, `{"policy_hash": "aa"}`+"\n"+`{"policy_hash": "bb"}`+"\n")
	}))
	t.Cleanup(ts.Close)

	c := NewClient(ts.URL, Options{RPS: 1000})
	entries, err := c.TransparencyLog(context.Background(), "harbor", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "aa", entries[0]["policy_hash"])
}
