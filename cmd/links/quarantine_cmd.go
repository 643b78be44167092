package main

import (
	"context"
	"fmt"
	"io"
)

func runQuarantineCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "Usage: links quarantine <list|approve|reject> [flags]")
		return 2
	}
	switch args[0] {
	case "list":
		return runQuarantineList(args[1:], stdout, stderr)
	case "approve":
		return runQuarantineApprove(args[1:], stdout, stderr)
	case "reject":
		return runQuarantineReject(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown quarantine subcommand: %s\n", args[0])
		return 2
	}
}

func runQuarantineList(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("quarantine list", stderr)
	root := cmd.String("root", "", "Data root")
	villageID := cmd.String("village", "", "Village id")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	n, err := openNode(*root)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	ids, err := n.claims.ListQuarantine(*villageID)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	for _, id := range ids {
		fmt.Fprintln(stdout, id)
	}
	return 0
}

func runQuarantineApprove(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("quarantine approve", stderr)
	root := cmd.String("root", "", "Data root")
	villageID := cmd.String("village", "", "Village id")
	bundleID := cmd.String("bundle", "", "Bundle id (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *bundleID == "" {
		fmt.Fprintln(stderr, "Error: --bundle is required")
		cmd.Usage()
		return 2
	}

	n, err := openNode(*root)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	ok, reason, err := n.claims.ApproveQuarantine(context.Background(), *villageID, *bundleID)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if !ok {
		fmt.Fprintf(stderr, "denied: %s\n", reason)
		return 1
	}
	fmt.Fprintf(stdout, "approved: %s\n", reason)
	return 0
}

func runQuarantineReject(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("quarantine reject", stderr)
	root := cmd.String("root", "", "Data root")
	villageID := cmd.String("village", "", "Village id")
	bundleID := cmd.String("bundle", "", "Bundle id (REQUIRED)")
	reason := cmd.String("reason", "rejected by operator", "Reason recorded in the audit log")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *bundleID == "" {
		fmt.Fprintln(stderr, "Error: --bundle is required")
		cmd.Usage()
		return 2
	}

	n, err := openNode(*root)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	msg, err := n.claims.RejectQuarantine(context.Background(), *villageID, *bundleID, *reason)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, msg)
	return 0
}
