package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/villagelabs/links/pkg/audit"
	"github.com/villagelabs/links/pkg/village"
)

func runVillageCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "Usage: links village <create|add-member|revoke-member|rotate-token|allow-issuer|block-issuer|show> [flags]")
		return 2
	}
	switch args[0] {
	case "create":
		return runVillageCreate(args[1:], stdout, stderr)
	case "add-member":
		return runVillageAddMember(args[1:], stdout, stderr)
	case "revoke-member":
		return runVillageRevokeMember(args[1:], stdout, stderr)
	case "rotate-token":
		return runVillageRotateToken(args[1:], stdout, stderr)
	case "allow-issuer":
		return runVillageIssuerEdit(args[1:], stdout, stderr, true)
	case "block-issuer":
		return runVillageIssuerEdit(args[1:], stdout, stderr, false)
	case "show":
		return runVillageShow(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown village subcommand: %s\n", args[0])
		return 2
	}
}

func runVillageCreate(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("village create", stderr)
	root := cmd.String("root", "", "Data root")
	villageID := cmd.String("village", "", "Village id (REQUIRED)")
	name := cmd.String("name", "", "Display name")
	description := cmd.String("description", "", "Description")
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
	if n.villages.Exists(*villageID) {
		fmt.Fprintf(stderr, "Error: village %s already exists\n", *villageID)
		return 1
	}
	displayName := *name
	if displayName == "" {
		displayName = *villageID
	}
	path, err := n.villages.Save(village.New(*villageID, displayName, *description, nil))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "created village %s at %s\n", *villageID, path)
	return 0
}

func runVillageAddMember(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("village add-member", stderr)
	root := cmd.String("root", "", "Data root")
	villageID := cmd.String("village", "", "Village id (REQUIRED)")
	memberID := cmd.String("member", "", "Member id (REQUIRED)")
	role := cmd.String("role", "member", "Role: admin, member or observer")
	token := cmd.String("token", "", "Bearer token (generated when omitted)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *villageID == "" || *memberID == "" {
		fmt.Fprintln(stderr, "Error: --village and --member are required")
		cmd.Usage()
		return 2
	}

	n, err := openNode(*root)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	plain := *token
	generated := false
	if plain == "" {
		plain, err = newToken()
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		generated = true
	}
	m, err := n.villages.AddMember(context.Background(), *villageID, *memberID, *role, plain)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "added %s as %s to %s\n", m.MemberID, m.Role, *villageID)
	if generated {
		// Only the hash is stored; this is the one chance to read it.
		fmt.Fprintf(stdout, "token: %s\n", plain)
	}
	return 0
}

func runVillageRevokeMember(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("village revoke-member", stderr)
	root := cmd.String("root", "", "Data root")
	villageID := cmd.String("village", "", "Village id (REQUIRED)")
	memberID := cmd.String("member", "", "Member id (REQUIRED)")
	actor := cmd.String("actor", "cli", "Actor recorded in the revocation")
	reason := cmd.String("reason", "", "Reason recorded in the revocation")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *villageID == "" || *memberID == "" {
		fmt.Fprintln(stderr, "Error: --village and --member are required")
		cmd.Usage()
		return 2
	}

	n, err := openNode(*root)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	ctx := context.Background()
	count, err := n.villages.RevokeMember(ctx, *villageID, *memberID, *actor, *reason)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	why := fmt.Sprintf("member %s", *memberID)
	if *reason != "" {
		why = fmt.Sprintf("member %s: %s", *memberID, *reason)
	}
	if err := n.audit.Write(ctx, audit.Event{
		Action:    audit.ActionMemberRevoke,
		VillageID: *villageID,
		Actor:     *actor,
		Reason:    why,
	}); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "revoked %d token(s) for %s\n", count, *memberID)
	return 0
}

func runVillageRotateToken(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("village rotate-token", stderr)
	root := cmd.String("root", "", "Data root")
	villageID := cmd.String("village", "", "Village id (REQUIRED)")
	memberID := cmd.String("member", "", "Member id (REQUIRED)")
	token := cmd.String("token", "", "New bearer token (generated when omitted)")
	actor := cmd.String("actor", "cli", "Actor recorded in the rotation")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *villageID == "" || *memberID == "" {
		fmt.Fprintln(stderr, "Error: --village and --member are required")
		cmd.Usage()
		return 2
	}

	n, err := openNode(*root)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	plain := *token
	generated := false
	if plain == "" {
		plain, err = newToken()
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		generated = true
	}
	ctx := context.Background()
	m, err := n.villages.RotateMemberToken(ctx, *villageID, *memberID, plain, *actor)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := n.audit.Write(ctx, audit.Event{
		Action:    audit.ActionMemberRotate,
		VillageID: *villageID,
		Actor:     *actor,
		Reason:    fmt.Sprintf("member %s", m.MemberID),
	}); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "rotated token for %s (role %s)\n", m.MemberID, m.Role)
	if generated {
		fmt.Fprintf(stdout, "token: %s\n", plain)
	}
	return 0
}

func runVillageIssuerEdit(args []string, stdout, stderr io.Writer, allow bool) int {
	name := "village block-issuer"
	if allow {
		name = "village allow-issuer"
	}
	cmd := newFlagSet(name, stderr)
	root := cmd.String("root", "", "Data root")
	villageID := cmd.String("village", "", "Village id (REQUIRED)")
	keyHash := cmd.String("key-hash", "", "Issuer key hash (REQUIRED)")
	actor := cmd.String("actor", "cli", "Actor recorded in the audit log")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *villageID == "" || *keyHash == "" {
		fmt.Fprintln(stderr, "Error: --village and --key-hash are required")
		cmd.Usage()
		return 2
	}

	n, err := openNode(*root)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	action := audit.ActionIssuerBlock
	if allow {
		err = n.villages.AllowIssuer(*villageID, *keyHash)
		action = audit.ActionIssuerAllow
	} else {
		err = n.villages.BlockIssuer(*villageID, *keyHash)
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := n.audit.Write(context.Background(), audit.Event{
		Action:        action,
		VillageID:     *villageID,
		IssuerKeyHash: *keyHash,
		Actor:         *actor,
	}); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	verb := "blocked"
	if allow {
		verb = "allowed"
	}
	fmt.Fprintf(stdout, "%s issuer %s in %s\n", verb, *keyHash, *villageID)
	return 0
}

func runVillageShow(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("village show", stderr)
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
	members, err := n.villages.Snapshot(*villageID)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	memberRows := make([]map[string]any, 0, len(members))
	for _, m := range members {
		memberRows = append(memberRows, map[string]any{
			"member_id": m.MemberID,
			"role":      m.Role,
			"revoked":   m.IsRevoked,
		})
	}
	printJSON(stdout, map[string]any{
		"village_id":  v.VillageID,
		"name":        v.Name,
		"description": v.Description,
		"policy":      v.Policy.Map(),
		"members":     memberRows,
	})
	return 0
}

func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
