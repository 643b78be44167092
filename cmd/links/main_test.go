package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/villagelabs/links/pkg/anchors"
	"github.com/villagelabs/links/pkg/api"
	"github.com/villagelabs/links/pkg/audit"
	"github.com/villagelabs/links/pkg/crypto"
	"github.com/villagelabs/links/pkg/feed"
	"github.com/villagelabs/links/pkg/governance"
	"github.com/villagelabs/links/pkg/store"
	"github.com/villagelabs/links/pkg/transparency"
	"github.com/villagelabs/links/pkg/village"
)

// run invokes the dispatcher the way main does, capturing both streams.
func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"links"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRunUsage(t *testing.T) {
	code, _, _ := run(t)
	require.Equal(t, 2, code)

	code, out, _ := run(t, "help")
	require.Equal(t, 0, code)
	require.Contains(t, out, "Usage: links")

	code, _, errOut := run(t, "frobnicate")
	require.Equal(t, 2, code)
	require.Contains(t, errOut, "Unknown command: frobnicate")
}

func TestRunVersion(t *testing.T) {
	code, out, _ := run(t, "version")
	require.Equal(t, 0, code)
	require.Equal(t, "links "+version+"\n", out)
}

func TestRunServeMocked(t *testing.T) {
	orig := startServer
	t.Cleanup(func() { startServer = orig })
	var got []string
	startServer = func(args []string, stdout, stderr io.Writer) int {
		got = args
		return 0
	}
	code, _, _ := run(t, "serve", "--addr", ":0")
	require.Equal(t, 0, code)
	require.Equal(t, []string{"--addr", ":0"}, got)
}

func TestKeygen(t *testing.T) {
	dir := t.TempDir()
	code, out, _ := run(t, "keygen", "--out", dir)
	require.Equal(t, 0, code)
	require.Contains(t, out, "key hash: ")

	seed, err := os.ReadFile(filepath.Join(dir, "ed25519.key"))
	require.NoError(t, err)
	signer, err := crypto.SignerFromSeedB64(strings.TrimSpace(string(seed)))
	require.NoError(t, err)

	pub, err := os.ReadFile(filepath.Join(dir, "ed25519.pub"))
	require.NoError(t, err)
	require.Equal(t, signer.PublicKeyB64(), strings.TrimSpace(string(pub)))
}

func TestKeygenJSON(t *testing.T) {
	dir := t.TempDir()
	code, out, _ := run(t, "keygen", "--out", dir, "--json")
	require.Equal(t, 0, code)
	var res map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Len(t, res["key_hash"], 64)
}

func TestVillageLifecycle(t *testing.T) {
	root := t.TempDir()

	code, out, _ := run(t, "village", "create", "--root", root, "--village", "harbor", "--name", "Harbor")
	require.Equal(t, 0, code)
	require.Contains(t, out, "created village harbor")

	code, _, errOut := run(t, "village", "create", "--root", root, "--village", "harbor")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "already exists")

	code, out, _ = run(t, "village", "add-member", "--root", root,
		"--village", "harbor", "--member", "alice", "--role", "admin", "--token", "tok-alice")
	require.Equal(t, 0, code)
	require.Contains(t, out, "added alice as admin")
	require.NotContains(t, out, "token:")

	code, out, _ = run(t, "village", "add-member", "--root", root,
		"--village", "harbor", "--member", "bob")
	require.Equal(t, 0, code)
	require.Contains(t, out, "token: ")

	code, out, _ = run(t, "village", "show", "--root", root, "--village", "harbor")
	require.Equal(t, 0, code)
	var shown map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &shown))
	require.Equal(t, "Harbor", shown["name"])
	require.Len(t, shown["members"], 2)

	code, out, _ = run(t, "village", "revoke-member", "--root", root,
		"--village", "harbor", "--member", "alice", "--reason", "offboarded")
	require.Equal(t, 0, code)
	require.Contains(t, out, "revoked 1 token(s)")

	code, out, _ = run(t, "village", "rotate-token", "--root", root,
		"--village", "harbor", "--member", "bob", "--token", "tok-bob-2")
	require.Equal(t, 0, code)
	require.Contains(t, out, "rotated token for bob")
}

func TestVillageIssuerLists(t *testing.T) {
	root := t.TempDir()
	code, _, _ := run(t, "village", "create", "--root", root, "--village", "harbor")
	require.Equal(t, 0, code)

	kh := strings.Repeat("ab", 32)
	code, out, _ := run(t, "village", "block-issuer", "--root", root, "--village", "harbor", "--key-hash", kh)
	require.Equal(t, 0, code)
	require.Contains(t, out, "blocked issuer")

	code, out, _ = run(t, "village", "show", "--root", root, "--village", "harbor")
	require.Equal(t, 0, code)
	require.Contains(t, out, kh)

	code, _, _ = run(t, "village", "allow-issuer", "--root", root, "--village", "harbor", "--key-hash", kh)
	require.Equal(t, 0, code)
}

func writePolicyFile(t *testing.T, dir string, pol map[string]any) string {
	t.Helper()
	data, err := json.Marshal(pol)
	require.NoError(t, err)
	path := filepath.Join(dir, "policy.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestPolicyProposeSignApplyShow(t *testing.T) {
	root := t.TempDir()
	work := t.TempDir()
	code, _, _ := run(t, "village", "create", "--root", root, "--village", "harbor")
	require.Equal(t, 0, code)

	polPath := writePolicyFile(t, work, map[string]any{"max_window_days": 45})
	artifact := filepath.Join(work, "update.json")
	code, out, _ := run(t, "policy", "propose", "--root", root,
		"--village", "harbor", "--policy", polPath, "--out", artifact)
	require.Equal(t, 0, code)
	require.Contains(t, out, "proposed "+artifact)

	keyDir := t.TempDir()
	code, _, _ = run(t, "keygen", "--out", keyDir)
	require.Equal(t, 0, code)
	signed := filepath.Join(work, "update.signed.json")
	code, _, _ = run(t, "policy", "sign", "--in", artifact,
		"--key", filepath.Join(keyDir, "ed25519.key"), "--out", signed)
	require.Equal(t, 0, code)

	raw, err := os.ReadFile(signed)
	require.NoError(t, err)
	u, err := governance.ParseUpdate(raw)
	require.NoError(t, err)
	require.Len(t, u.Signatures, 1)

	code, out, _ = run(t, "policy", "apply", "--root", root, "--village", "harbor", "--in", signed)
	require.Equal(t, 0, code)
	require.Contains(t, out, "applied "+u.PolicyHash)

	code, out, _ = run(t, "policy", "show", "--root", root, "--village", "harbor")
	require.Equal(t, 0, code)
	var shown struct {
		PolicyHash string         `json:"policy_hash"`
		Policy     map[string]any `json:"policy"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &shown))
	require.Equal(t, u.PolicyHash, shown.PolicyHash)
	require.EqualValues(t, 45, shown.Policy["max_window_days"])

	code, out, _ = run(t, "policy", "log", "--root", root, "--village", "harbor")
	require.Equal(t, 0, code)
	require.Contains(t, out, u.PolicyHash)
	require.Contains(t, out, "signatures=1")
}

func TestPolicyDiff(t *testing.T) {
	work := t.TempDir()
	oldPath := filepath.Join(work, "old.json")
	require.NoError(t, os.WriteFile(oldPath, []byte(`{"max_window_days": 30, "visibility": "private"}`), 0o644))
	newPath := filepath.Join(work, "new.json")
	require.NoError(t, os.WriteFile(newPath, []byte(`{"max_window_days": 60, "rate_limit_per_min": 5}`), 0o644))

	code, out, _ := run(t, "policy", "diff", "--old", oldPath, "--new", newPath)
	require.Equal(t, 0, code)
	var summary struct {
		Added   []string `json:"added"`
		Removed []string `json:"removed"`
		Changed []string `json:"changed"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	require.Equal(t, []string{"/rate_limit_per_min"}, summary.Added)
	require.Equal(t, []string{"/visibility"}, summary.Removed)
	require.Equal(t, []string{"/max_window_days"}, summary.Changed)
}

func TestAnchorsAddAndList(t *testing.T) {
	root := t.TempDir()
	code, _, _ := run(t, "village", "create", "--root", root, "--village", "harbor")
	require.Equal(t, 0, code)

	keyDir := t.TempDir()
	code, _, _ = run(t, "keygen", "--out", keyDir)
	require.Equal(t, 0, code)
	pub, err := os.ReadFile(filepath.Join(keyDir, "ed25519.pub"))
	require.NoError(t, err)

	code, out, _ := run(t, "anchors", "add", "--root", root, "--village", "harbor",
		"--anchor", "node-a", "--public-key", strings.TrimSpace(string(pub)),
		"--key", filepath.Join(keyDir, "ed25519.key"))
	require.Equal(t, 0, code)
	require.Contains(t, out, "stored anchor entry")

	code, out, _ = run(t, "anchors", "list", "--root", root, "--village", "harbor")
	require.Equal(t, 0, code)
	require.Contains(t, out, "node-a")
	require.Contains(t, out, "register")

	code, out, _ = run(t, "anchors", "list", "--root", root, "--village", "harbor", "--active")
	require.Equal(t, 0, code)
	require.Contains(t, out, "node-a")
}

func writeObservations(t *testing.T, dir string) string {
	t.Helper()
	lines := []string{
		`{"observation_id": "o1", "timestamp": "2026-03-01T10:00:00+00:00", "actor_entity_id": "user:aki", "kind": "user_talk_edit", "target_entity_id": "user:bea"}`,
		`{"observation_id": "o2", "timestamp": "2026-03-01T11:00:00+00:00", "actor_entity_id": "user:aki", "kind": "user_talk_edit", "target_entity_id": "user:bea"}`,
		`{"observation_id": "o3", "timestamp": "2026-03-02T09:00:00+00:00", "actor_entity_id": "user:bea", "kind": "user_talk_edit", "target_entity_id": "user:aki"}`,
	}
	path := filepath.Join(dir, "observations.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func TestBundleBuildSignIngest(t *testing.T) {
	root := t.TempDir()
	work := t.TempDir()
	code, _, _ := run(t, "village", "create", "--root", root, "--village", "harbor")
	require.Equal(t, 0, code)

	obsPath := writeObservations(t, work)
	bundlePath := filepath.Join(work, "bundle.json")
	edgesPath := filepath.Join(work, "edges.json")
	graphPath := filepath.Join(work, "links.graphml")
	code, out, _ := run(t, "bundle", "build", "--observations", obsPath,
		"--issuer", "pipeline:talk", "--window", "30",
		"--out", bundlePath, "--edges-out", edgesPath, "--graphml-out", graphPath)
	require.Equal(t, 0, code)
	require.Contains(t, out, "2 claims from 3 observations")
	require.FileExists(t, edgesPath)
	graph, err := os.ReadFile(graphPath)
	require.NoError(t, err)
	require.Contains(t, string(graph), "edgedefault=\"directed\"")

	keyDir := t.TempDir()
	code, _, _ = run(t, "keygen", "--out", keyDir)
	require.Equal(t, 0, code)
	signedPath := filepath.Join(work, "bundle.signed.json")
	code, _, _ = run(t, "bundle", "sign", "--in", bundlePath,
		"--key", filepath.Join(keyDir, "ed25519.key"), "--out", signedPath)
	require.Equal(t, 0, code)

	code, out, _ = run(t, "bundle", "ingest", "--root", root, "--village", "harbor", "--in", signedPath)
	require.Equal(t, 0, code)
	var outcome store.Outcome
	require.NoError(t, json.Unmarshal([]byte(out), &outcome))
	require.Equal(t, store.StatusAccepted, outcome.Status)
	require.Equal(t, 2, outcome.Claims)

	code, _, errOut := run(t, "bundle", "ingest", "--root", root, "--village", "harbor", "--in", signedPath)
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "replay detected")

	code, out, _ = run(t, "claims", "query", "--root", root, "--village", "harbor", "--subject", "user:bea")
	require.Equal(t, 0, code)
	var rows []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 1)
	require.Equal(t, "links.weighted_to", rows[0]["predicate"])
}

func ingestWindowBundle(t *testing.T, root, work string, windowDays int) string {
	t.Helper()
	keyDir := t.TempDir()
	code, _, _ := run(t, "keygen", "--out", keyDir)
	require.Equal(t, 0, code)

	obsPath := writeObservations(t, work)
	bundlePath := filepath.Join(work, "bundle.json")
	code, _, _ = run(t, "bundle", "build", "--observations", obsPath,
		"--issuer", "pipeline:talk", "--window", fmt.Sprint(windowDays), "--out", bundlePath)
	require.Equal(t, 0, code)
	signedPath := filepath.Join(work, "bundle.signed.json")
	code, _, _ = run(t, "bundle", "sign", "--in", bundlePath,
		"--key", filepath.Join(keyDir, "ed25519.key"), "--out", signedPath)
	require.Equal(t, 0, code)

	code, out, _ := run(t, "bundle", "ingest", "--root", root, "--village", "harbor", "--in", signedPath)
	require.Equal(t, 0, code)
	var outcome store.Outcome
	require.NoError(t, json.Unmarshal([]byte(out), &outcome))
	require.Equal(t, store.StatusQuarantined, outcome.Status)
	return outcome.BundleID
}

func TestQuarantineFlow(t *testing.T) {
	root := t.TempDir()
	code, _, _ := run(t, "village", "create", "--root", root, "--village", "harbor")
	require.Equal(t, 0, code)

	bundleID := ingestWindowBundle(t, root, t.TempDir(), 60)

	code, out, _ := run(t, "quarantine", "list", "--root", root, "--village", "harbor")
	require.Equal(t, 0, code)
	require.Contains(t, out, bundleID)

	// Policy still caps the window, so approval is denied.
	code, _, errOut := run(t, "quarantine", "approve", "--root", root, "--village", "harbor", "--bundle", bundleID)
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "policy no longer allows approval")

	code, out, _ = run(t, "quarantine", "reject", "--root", root, "--village", "harbor",
		"--bundle", bundleID, "--reason", "stale window")
	require.Equal(t, 0, code)
	require.Contains(t, out, "moved to rejected")

	code, out, _ = run(t, "quarantine", "list", "--root", root, "--village", "harbor")
	require.Equal(t, 0, code)
	require.NotContains(t, out, bundleID)
}

func TestAuditExportCmd(t *testing.T) {
	root := t.TempDir()
	code, _, _ := run(t, "village", "create", "--root", root, "--village", "harbor")
	require.Equal(t, 0, code)

	signer, err := crypto.NewSigner()
	require.NoError(t, err)
	t.Setenv(crypto.EnvNodeSigningKey, signer.SeedB64())

	ingestWindowBundle(t, root, t.TempDir(), 60)

	code, out, _ := run(t, "audit", "export", "--root", root, "--village", "harbor")
	require.Equal(t, 0, code)
	var res map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Equal(t, true, res["signed"])
	require.EqualValues(t, 1, res["count"])
	outPath, _ := res["out"].(string)
	require.FileExists(t, outPath)
	require.FileExists(t, outPath+".sighex")

	code, out, _ = run(t, "audit", "export", "--root", root, "--village", "harbor",
		"--fmt", "csv", "--sign=false")
	require.Equal(t, 0, code)
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Equal(t, false, res["signed"])
	require.Equal(t, "csv", res["format"])

	code, _, errOut := run(t, "audit", "export", "--root", root, "--village", "harbor", "--fmt", "xml")
	require.Equal(t, 2, code)
	require.Contains(t, errOut, "--fmt must be json or csv")
}

func TestPullCmd(t *testing.T) {
	remoteRoot := t.TempDir()
	villages := village.NewStore(remoteRoot)
	_, err := villages.Save(village.New("harbor", "Harbor", "", nil))
	require.NoError(t, err)
	remoteSigner, err := crypto.NewSigner()
	require.NoError(t, err)
	remoteFeed := feed.NewLog(remoteRoot)
	u, err := governance.Build("harbor", map[string]any{"max_window_days": 45}, governance.BuildParams{})
	require.NoError(t, err)
	_, err = remoteFeed.Append(context.Background(), u)
	require.NoError(t, err)

	storeRoot := filepath.Join(remoteRoot, "store")
	auditLog := audit.NewLog(storeRoot)
	srv := api.New(api.Config{
		Villages:     villages,
		Feed:         remoteFeed,
		Anchors:      anchors.NewRegistry(remoteRoot),
		Claims:       store.New(storeRoot, villages, auditLog, remoteSigner),
		Audit:        auditLog,
		Transparency: transparency.NewLog(storeRoot),
		Signer:       remoteSigner,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	localRoot := t.TempDir()
	code, _, _ := run(t, "village", "create", "--root", localRoot, "--village", "harbor")
	require.Equal(t, 0, code)

	code, out, _ := run(t, "pull", "--root", localRoot, "--village", "harbor", "--peer", ts.URL)
	require.Equal(t, 0, code)
	var res map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.EqualValues(t, 1, res["stored"])
	require.Equal(t, u.PolicyHash, res["applied_head"])

	// The pulled head is now the applied policy.
	code, out, _ = run(t, "policy", "show", "--root", localRoot, "--village", "harbor")
	require.Equal(t, 0, code)
	require.Contains(t, out, u.PolicyHash)
}
