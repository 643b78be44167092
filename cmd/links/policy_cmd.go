package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/villagelabs/links/pkg/anchors"
	"github.com/villagelabs/links/pkg/audit"
	"github.com/villagelabs/links/pkg/canon"
	"github.com/villagelabs/links/pkg/governance"
	"github.com/villagelabs/links/pkg/policy"
)

func runPolicyCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "Usage: links policy <propose|sign|apply|show|diff|log> [flags]")
		return 2
	}
	switch args[0] {
	case "propose":
		return runPolicyPropose(args[1:], stdout, stderr)
	case "sign":
		return runPolicySign(args[1:], stdout, stderr)
	case "apply":
		return runPolicyApply(args[1:], stdout, stderr)
	case "show":
		return runPolicyShow(args[1:], stdout, stderr)
	case "diff":
		return runPolicyDiff(args[1:], stdout, stderr)
	case "log":
		return runPolicyLog(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown policy subcommand: %s\n", args[0])
		return 2
	}
}

func readPolicyFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	pol, err := canon.DecodeObject(data)
	if err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	return pol, nil
}

// writeArtifact prints to stdout or writes a file when --out is set.
func writeArtifact(data []byte, out string, stdout io.Writer) error {
	if out == "" {
		_, err := fmt.Fprintln(stdout, string(data))
		return err
	}
	return os.WriteFile(out, append(data, '\n'), 0o644)
}

func runPolicyPropose(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("policy propose", stderr)
	root := cmd.String("root", "", "Data root")
	villageID := cmd.String("village", "", "Village id (REQUIRED)")
	policyPath := cmd.String("policy", "", "Policy JSON file (REQUIRED)")
	actor := cmd.String("actor", "cli", "Actor recorded in the artifact")
	out := cmd.String("out", "", "Write the artifact here instead of stdout")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *villageID == "" || *policyPath == "" {
		fmt.Fprintln(stderr, "Error: --village and --policy are required")
		cmd.Usage()
		return 2
	}

	n, err := openNode(*root)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	pol, err := readPolicyFile(*policyPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	params := governance.BuildParams{Actor: *actor}
	if prev, err := n.feed.Latest(*villageID); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	} else if prev != nil {
		params.PreviousPolicyHash = prev.PolicyHash
		summary := policy.Diff(prev.Policy, pol)
		params.ChangeSummary = &summary
	}

	u, err := governance.Build(*villageID, pol, params)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	data, err := u.Encode()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := writeArtifact(data, *out, stdout); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if *out != "" {
		fmt.Fprintf(stdout, "proposed %s (policy_hash %s)\n", *out, u.PolicyHash)
	}
	return 0
}

func runPolicySign(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("policy sign", stderr)
	in := cmd.String("in", "", "Policy update artifact (REQUIRED)")
	keyPath := cmd.String("key", "", "Seed file (defaults to the node key)")
	out := cmd.String("out", "", "Write the signed artifact here instead of stdout")
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
	u, err := governance.ParseUpdate(raw)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := governance.AddSignature(u, signer); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	data, err := u.Encode()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := writeArtifact(data, *out, stdout); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if *out != "" {
		fmt.Fprintf(stdout, "signed with %s\n", signer.KeyHash())
	}
	return 0
}

func runPolicyApply(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("policy apply", stderr)
	root := cmd.String("root", "", "Data root")
	villageID := cmd.String("village", "", "Village id (REQUIRED)")
	in := cmd.String("in", "", "Policy update artifact (REQUIRED)")
	actor := cmd.String("actor", "cli", "Actor recorded in the audit log")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *villageID == "" || *in == "" {
		fmt.Fprintln(stderr, "Error: --village and --in are required")
		cmd.Usage()
		return 2
	}

	n, err := openNode(*root)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	v, err := n.villages.Load(*villageID)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	raw, err := os.ReadFile(*in)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	u, err := governance.ParseUpdate(raw)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if u.VillageID != *villageID {
		fmt.Fprintf(stderr, "Error: artifact is for village %s\n", u.VillageID)
		return 1
	}
	if ok, reason := governance.SignerAllowed(v.Policy, u); !ok {
		fmt.Fprintf(stderr, "Error: policy update rejected: %s\n", reason)
		return 1
	}

	ctx := context.Background()
	if _, err := n.feed.Append(ctx, u); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := n.villages.ApplyPolicyUpdate(ctx, *villageID, u.Policy, *actor, map[string]any{
		"policy_hash":   u.PolicyHash,
		"policy_update": "stored",
	}); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	var updateHash *string
	if h, err := u.UpdateHash(); err == nil {
		updateHash = &h
	}
	if _, err := n.transparency.Append(ctx, *villageID, u.PolicyHash, updateHash, n.signer, nil); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := n.audit.Write(ctx, audit.Event{
		Action:     audit.ActionPolicyApply,
		VillageID:  *villageID,
		Actor:      *actor,
		PolicyHash: u.PolicyHash,
		Reason:     "policy update stored",
	}); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "applied %s to %s\n", u.PolicyHash, *villageID)
	return 0
}

func runPolicyShow(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("policy show", stderr)
	root := cmd.String("root", "", "Data root")
	villageID := cmd.String("village", "", "Village id (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *villageID == "" {
		fmt.Fprintln(stderr, "Error: --village is required")
		cmd.Usage()
		return 2
	}

	n, err := openNode(*root)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	v, err := n.villages.Load(*villageID)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	pol := v.Policy.Map()
	hash, err := canon.Hash(pol)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	printJSON(stdout, map[string]any{
		"village_id":  *villageID,
		"policy_hash": hash,
		"policy":      pol,
	})
	return 0
}

func runPolicyDiff(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("policy diff", stderr)
	root := cmd.String("root", "", "Data root")
	villageID := cmd.String("village", "", "Diff against this village's applied policy")
	oldPath := cmd.String("old", "", "Old policy JSON file")
	newPath := cmd.String("new", "", "New policy JSON file (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *newPath == "" || (*oldPath == "" && *villageID == "") {
		fmt.Fprintln(stderr, "Error: --new plus either --old or --village are required")
		cmd.Usage()
		return 2
	}

	var oldPol map[string]any
	if *oldPath != "" {
		pol, err := readPolicyFile(*oldPath)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		oldPol = pol
	} else {
		n, err := openNode(*root)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		v, err := n.villages.Load(*villageID)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		oldPol = v.Policy.Map()
	}
	newPol, err := readPolicyFile(*newPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	printJSON(stdout, policy.Diff(oldPol, newPol))
	return 0
}

func runPolicyLog(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("policy log", stderr)
	root := cmd.String("root", "", "Data root")
	villageID := cmd.String("village", "", "Village id (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *villageID == "" {
		fmt.Fprintln(stderr, "Error: --village is required")
		cmd.Usage()
		return 2
	}

	n, err := openNode(*root)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	ups, err := n.feed.List(*villageID)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	for _, u := range ups {
		prev := "-"
		if u.PreviousPolicyHash != nil && *u.PreviousPolicyHash != "" {
			prev = *u.PreviousPolicyHash
		}
		fmt.Fprintf(stdout, "%s  %s  prev=%s  signatures=%d\n",
			u.CreatedAt.String(), u.PolicyHash, prev, len(u.Signatures))
	}
	return 0
}

func runAnchorsCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "Usage: links anchors <add|list> [flags]")
		return 2
	}
	switch args[0] {
	case "add":
		return runAnchorsAdd(args[1:], stdout, stderr)
	case "list":
		return runAnchorsList(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown anchors subcommand: %s\n", args[0])
		return 2
	}
}

func runAnchorsAdd(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("anchors add", stderr)
	root := cmd.String("root", "", "Data root")
	villageID := cmd.String("village", "", "Village id (REQUIRED)")
	anchorID := cmd.String("anchor", "", "Anchor id (REQUIRED)")
	action := cmd.String("action", anchors.ActionRegister, "register, rotate or revoke")
	pubB64 := cmd.String("public-key", "", "Anchor public key, base64 (required for register/rotate)")
	prevKeyHash := cmd.String("prev-key-hash", "", "Previous anchor key hash (rotations)")
	reason := cmd.String("reason", "", "Reason recorded in the entry")
	actor := cmd.String("actor", "cli", "Actor recorded in the entry")
	keyPath := cmd.String("key", "", "Seed file to countersign the entry")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *villageID == "" || *anchorID == "" {
		fmt.Fprintln(stderr, "Error: --village and --anchor are required")
		cmd.Usage()
		return 2
	}

	n, err := openNode(*root)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	params := anchors.EntryParams{Actor: *actor}
	if *pubB64 != "" {
		params.AnchorPublicKeyB64 = *pubB64
	}
	if *prevKeyHash != "" {
		params.PreviousAnchorKeyHash = *prevKeyHash
	}
	if *reason != "" {
		params.Reason = *reason
	}
	e, err := anchors.Build(*villageID, *action, *anchorID, params)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	signer, err := signerFromFlag(*keyPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if signer != nil {
		if err := anchors.AddSignature(e, signer); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}
	ctx := context.Background()
	path, err := n.anchors.Store(ctx, e)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := n.audit.Write(ctx, audit.Event{
		Action:    anchorAuditAction(*action),
		VillageID: *villageID,
		Actor:     *actor,
		Reason:    *reason,
	}); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "stored anchor entry %s\n", path)
	return 0
}

func anchorAuditAction(action string) string {
	switch action {
	case anchors.ActionRotate:
		return audit.ActionAnchorRotate
	case anchors.ActionRevoke:
		return audit.ActionAnchorRevoke
	default:
		return audit.ActionAnchorRegister
	}
}

func runAnchorsList(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("anchors list", stderr)
	root := cmd.String("root", "", "Data root")
	villageID := cmd.String("village", "", "Village id (REQUIRED)")
	activeOnly := cmd.Bool("active", false, "Only the active set")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *villageID == "" {
		fmt.Fprintln(stderr, "Error: --village is required")
		cmd.Usage()
		return 2
	}

	n, err := openNode(*root)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if *activeOnly {
		active, err := n.anchors.ActiveSet(*villageID)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		ids := make([]string, 0, len(active))
		for id := range active {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			e := active[id]
			fmt.Fprintf(stdout, "%s  %s  key_hash=%s\n", id, e.Action, strOr(e.AnchorKeyHash, "-"))
		}
		return 0
	}
	entries, err := n.anchors.List(*villageID)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	for _, e := range entries {
		fmt.Fprintf(stdout, "%s  %s  %s  key_hash=%s\n",
			e.CreatedAt.String(), e.AnchorID, e.Action, strOr(e.AnchorKeyHash, "-"))
	}
	return 0
}

func strOr(s *string, def string) string {
	if s == nil || *s == "" {
		return def
	}
	return *s
}
