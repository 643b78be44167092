package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/villagelabs/links/pkg/bundle"
	"github.com/villagelabs/links/pkg/derive"
	"github.com/villagelabs/links/pkg/store"
	"github.com/villagelabs/links/pkg/village"
)

func runBundleCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "Usage: links bundle <build|sign|ingest> [flags]")
		return 2
	}
	switch args[0] {
	case "build":
		return runBundleBuild(args[1:], stdout, stderr)
	case "sign":
		return runBundleSign(args[1:], stdout, stderr)
	case "ingest":
		return runBundleIngest(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown bundle subcommand: %s\n", args[0])
		return 2
	}
}

// runBundleBuild derives weighted edges from an observation log and wraps
// them in a claim bundle. Edge and graph exports are optional side outputs.
func runBundleBuild(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("bundle build", stderr)
	obsPath := cmd.String("observations", "", "Observation JSONL file (REQUIRED)")
	issuer := cmd.String("issuer", "", "Issuer entity id (REQUIRED)")
	window := cmd.Int("window", 30, "Aggregation window in days")
	out := cmd.String("out", "", "Write the bundle here instead of stdout")
	edgesOut := cmd.String("edges-out", "", "Also write derived edges as JSON")
	graphOut := cmd.String("graphml-out", "", "Also write the edge graph as GraphML")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *obsPath == "" || *issuer == "" {
		fmt.Fprintln(stderr, "Error: --observations and --issuer are required")
		cmd.Usage()
		return 2
	}

	observations, err := derive.ReadObservations(*obsPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	edges := derive.BuildEdges(observations, *window)
	if *edgesOut != "" {
		if err := derive.WriteEdgesJSON(edges, *edgesOut); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}
	if *graphOut != "" {
		if err := derive.WriteGraphML(edges, *graphOut); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}

	b, err := derive.BuildBundle(observations, *issuer, *window)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	data, err := b.Encode()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := writeArtifact(data, *out, stdout); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if *out != "" {
		fmt.Fprintf(stdout, "built bundle %s (%d claims from %d observations)\n",
			b.BundleID, len(b.Claims), len(observations))
	}
	return 0
}

func runBundleSign(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("bundle sign", stderr)
	in := cmd.String("in", "", "Bundle file (REQUIRED)")
	keyPath := cmd.String("key", "", "Seed file (defaults to the node key)")
	out := cmd.String("out", "", "Write the signed bundle here instead of stdout")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *in == "" {
		fmt.Fprintln(stderr, "Error: --in is required")
		cmd.Usage()
		return 2
	}

	signer, err := signerFromFlag(*keyPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if signer == nil {
		fmt.Fprintln(stderr, "Error: no signing key (--key or LINKS_NODE_SIGNING_KEY_B64)")
		return 1
	}
	raw, err := os.ReadFile(*in)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	b, err := bundle.Parse(raw)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := bundle.Sign(b, signer); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	data, err := b.Encode()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := writeArtifact(data, *out, stdout); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if *out != "" {
		fmt.Fprintf(stdout, "signed bundle %s with %s\n", b.BundleID, signer.KeyHash())
	}
	return 0
}

func runBundleIngest(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("bundle ingest", stderr)
	root := cmd.String("root", "", "Data root")
	villageID := cmd.String("village", "", "Village id (empty for the flat store)")
	in := cmd.String("in", "", "Bundle file (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *in == "" {
		fmt.Fprintln(stderr, "Error: --in is required")
		cmd.Usage()
		return 2
	}

	n, err := openNode(*root)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	raw, err := os.ReadFile(*in)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	outcome, err := n.claims.Ingest(context.Background(), *villageID, raw)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrReplay):
			fmt.Fprintln(stderr, "Error: replay detected")
		case errors.Is(err, village.ErrNotFound):
			fmt.Fprintf(stderr, "Error: village %s not found\n", *villageID)
		default:
			fmt.Fprintf(stderr, "Error: %v\n", err)
		}
		return 1
	}
	printJSON(stdout, outcome)
	if outcome.Status == store.StatusRejected {
		return 1
	}
	return 0
}
