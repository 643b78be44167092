package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/villagelabs/links/pkg/audit"
	"github.com/villagelabs/links/pkg/peer"
	"github.com/villagelabs/links/pkg/store"
)

func runPullCmd(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("pull", stderr)
	root := cmd.String("root", "", "Data root")
	villageID := cmd.String("village", "", "Village id (REQUIRED)")
	peerURL := cmd.String("peer", "", "Peer base URL (REQUIRED)")
	token := cmd.String("token", "", "Bearer token for the peer")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *villageID == "" || *peerURL == "" {
		fmt.Fprintln(stderr, "Error: --village and --peer are required")
		cmd.Usage()
		return 2
	}

	n, err := openNode(*root)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	client := peer.NewClient(*peerURL, peer.Options{Token: *token})
	puller := peer.NewPuller(client, peer.PullerConfig{
		Villages:     n.villages,
		Feed:         n.feed,
		Anchors:      n.anchors,
		Transparency: n.transparency,
		Audit:        n.audit,
		Signer:       n.signer,
	})
	res, err := puller.Pull(context.Background(), *villageID)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	printJSON(stdout, res)
	return 0
}

func runClaimsCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] != "query" {
		fmt.Fprintln(stderr, "Usage: links claims query [flags]")
		return 2
	}
	cmd := newFlagSet("claims query", stderr)
	root := cmd.String("root", "", "Data root")
	villageID := cmd.String("village", "", "Filter by village id")
	subject := cmd.String("subject", "", "Filter by subject")
	issuer := cmd.String("issuer", "", "Filter by issuer")
	predicate := cmd.String("predicate", "", "Filter by predicate")
	since := cmd.String("since", "", "Rows with computed_at strictly after this timestamp")
	limit := cmd.Int("limit", 0, "Maximum rows (0 = unbounded)")
	if err := cmd.Parse(args[1:]); err != nil {
		return 2
	}

	n, err := openNode(*root)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	rows, err := n.claims.QueryClaims(context.Background(), store.QueryFilter{
		VillageID: *villageID,
		Subject:   *subject,
		Issuer:    *issuer,
		Predicate: *predicate,
		Since:     *since,
		Limit:     *limit,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	printJSON(stdout, rows)
	return 0
}

func runAuditCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] != "export" {
		fmt.Fprintln(stderr, "Usage: links audit export [flags]")
		return 2
	}
	cmd := newFlagSet("audit export", stderr)
	root := cmd.String("root", "", "Data root")
	villageID := cmd.String("village", "", "Village id (REQUIRED)")
	format := cmd.String("fmt", "json", "Export format: json or csv")
	sign := cmd.Bool("sign", true, "Sign the export digest with the node key")
	outDir := cmd.String("out", "", "Output directory (default store/audit/exports/<village>)")
	if err := cmd.Parse(args[1:]); err != nil {
		return 2
	}
	if *villageID == "" {
		fmt.Fprintln(stderr, "Error: --village is required")
		cmd.Usage()
		return 2
	}
	if *format != "json" && *format != "csv" {
		fmt.Fprintln(stderr, "Error: --fmt must be json or csv")
		return 2
	}

	n, err := openNode(*root)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if _, err := os.Stat(n.audit.Path()); err != nil {
		fmt.Fprintln(stderr, "Error: no audit log")
		return 1
	}
	events, err := n.audit.VillageEvents(*villageID)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	dir := *outDir
	if dir == "" {
		dir = filepath.Join(n.audit.Dir(), "exports", *villageID)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	ctx := context.Background()
	if err := audit.WriteFilteredLog(ctx, events, filepath.Join(dir, "audit.filtered.jsonl")); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	outPath := filepath.Join(dir, "audit."+*format)
	var digest string
	var count int
	if *format == "csv" {
		digest, count, err = audit.ExportCSV(events, outPath)
	} else {
		digest, count, err = audit.ExportJSON(events, outPath)
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	signed := false
	if *sign && n.signer != nil {
		sigHex, err := audit.SignDigestHex(digest, n.signer)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		if err := os.WriteFile(outPath+".sha256", []byte(digest+"\n"), 0o644); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		if err := os.WriteFile(outPath+".sighex", []byte(sigHex+"\n"), 0o644); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		signed = true
	}

	printJSON(stdout, map[string]any{
		"village_id": *villageID,
		"format":     *format,
		"count":      count,
		"sha256":     digest,
		"signed":     signed,
		"out":        outPath,
	})
	return 0
}
