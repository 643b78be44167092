// Command links runs a trust registry node and its operator tooling:
// village administration, policy governance, bundle ingestion, peer
// pulls and audit exports, all over the same on-disk layout the server
// uses.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/villagelabs/links/pkg/anchors"
	"github.com/villagelabs/links/pkg/audit"
	"github.com/villagelabs/links/pkg/config"
	"github.com/villagelabs/links/pkg/crypto"
	"github.com/villagelabs/links/pkg/feed"
	"github.com/villagelabs/links/pkg/store"
	"github.com/villagelabs/links/pkg/transparency"
	"github.com/villagelabs/links/pkg/village"
)

const version = "0.11.0"

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests
var startServer = runServe

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stdout)
		return 2
	}

	switch args[1] {
	case "serve", "server":
		return startServer(args[2:], stdout, stderr)
	case "keygen":
		return runKeygen(args[2:], stdout, stderr)
	case "village":
		return runVillageCmd(args[2:], stdout, stderr)
	case "policy":
		return runPolicyCmd(args[2:], stdout, stderr)
	case "anchors":
		return runAnchorsCmd(args[2:], stdout, stderr)
	case "bundle":
		return runBundleCmd(args[2:], stdout, stderr)
	case "quarantine":
		return runQuarantineCmd(args[2:], stdout, stderr)
	case "pull":
		return runPullCmd(args[2:], stdout, stderr)
	case "claims":
		return runClaimsCmd(args[2:], stdout, stderr)
	case "audit":
		return runAuditCmd(args[2:], stdout, stderr)
	case "version":
		fmt.Fprintf(stdout, "links %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: links <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Node:")
	fmt.Fprintln(w, "  serve       Run the registry node (default addr :8787)")
	fmt.Fprintln(w, "  keygen      Generate an Ed25519 keypair")
	fmt.Fprintln(w, "  pull        Pull a village's policy feed from a peer")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Villages:")
	fmt.Fprintln(w, "  village     create | add-member | revoke-member | rotate-token | allow-issuer | block-issuer | show")
	fmt.Fprintln(w, "  policy      propose | sign | apply | show | diff | log")
	fmt.Fprintln(w, "  anchors     add | list")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Claims:")
	fmt.Fprintln(w, "  bundle      build | sign | ingest")
	fmt.Fprintln(w, "  quarantine  list | approve | reject")
	fmt.Fprintln(w, "  claims      query")
	fmt.Fprintln(w, "  audit       export")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "  version     Show version information")
	fmt.Fprintln(w, "  help        Show this help")
}

// node bundles the stores every operator command works against. All of
// them share the layout the server serves from, so commands and a
// running node can point at the same root.
type node struct {
	cfg          *config.Config
	villages     *village.Store
	feed         *feed.Log
	anchors      *anchors.Registry
	audit        *audit.Log
	transparency *transparency.Log
	claims       *store.Store
	signer       *crypto.Signer
}

// openNode resolves the data root (flag beats LINKS_ROOT) and the node
// signing key from the environment.
func openNode(root string) (*node, error) {
	cfg := config.Load()
	if root != "" {
		cfg.Root = root
	}
	signer, err := crypto.NodeSignerFromEnv()
	if err != nil {
		return nil, err
	}
	villages := village.NewStore(cfg.VillagesRoot())
	auditLog := audit.NewLog(cfg.StoreRoot())
	return &node{
		cfg:          cfg,
		villages:     villages,
		feed:         feed.NewLog(cfg.VillagesRoot()),
		anchors:      anchors.NewRegistry(cfg.VillagesRoot()),
		audit:        auditLog,
		transparency: transparency.NewLog(cfg.StoreRoot()),
		claims:       store.New(cfg.StoreRoot(), villages, auditLog, signer),
		signer:       signer,
	}, nil
}

// signerFromFlag loads a signer from --key (a file holding a base64
// seed), falling back to the node key from the environment.
func signerFromFlag(keyPath string) (*crypto.Signer, error) {
	if keyPath == "" {
		return crypto.NodeSignerFromEnv()
	}
	raw, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	return crypto.SignerFromSeedB64(strings.TrimSpace(string(raw)))
}

func printJSON(w io.Writer, v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Fprintln(w, string(data))
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	cmd := flag.NewFlagSet(name, flag.ContinueOnError)
	cmd.SetOutput(stderr)
	return cmd
}

func runKeygen(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("keygen", stderr)
	outDir := cmd.String("out", "keys", "Directory for ed25519.key and ed25519.pub")
	jsonOut := cmd.Bool("json", false, "Output result as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	signer, err := crypto.NewSigner()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	privPath := filepath.Join(*outDir, "ed25519.key")
	pubPath := filepath.Join(*outDir, "ed25519.pub")
	if err := os.WriteFile(privPath, []byte(signer.SeedB64()+"\n"), 0o600); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := os.WriteFile(pubPath, []byte(signer.PublicKeyB64()+"\n"), 0o644); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOut {
		printJSON(stdout, map[string]any{
			"private_key_path": privPath,
			"public_key_path":  pubPath,
			"public_key_b64":   signer.PublicKeyB64(),
			"key_hash":         signer.KeyHash(),
		})
	} else {
		fmt.Fprintf(stdout, "wrote %s and %s\n", privPath, pubPath)
		fmt.Fprintf(stdout, "key hash: %s\n", signer.KeyHash())
	}
	return 0
}
