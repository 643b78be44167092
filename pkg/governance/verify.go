package governance

import (
	"fmt"
	"sort"
	"strings"

	"github.com/villagelabs/links/pkg/policy"
)

// VerifyAny reports whether the update hash is intact and at least one
// signature (legacy or multi) verifies.
func VerifyAny(u *Update) bool {
	if !u.HashValid() {
		return false
	}
	signers, err := validSigners(u)
	if err != nil {
		return false
	}
	return len(signers) > 0
}

// VerifyMOfN checks an m-of-n quorum: at least m distinct valid signers,
// counted by key hash. A non-empty allowlist restricts which signers count.
func VerifyMOfN(u *Update, m int, allowlist map[string]bool) (bool, string) {
	if m < 1 {
		return false, "invalid threshold"
	}
	if !u.HashValid() {
		return false, "policy_hash mismatch"
	}
	signers, err := validSigners(u)
	if err != nil {
		return false, err.Error()
	}

	valid := 0
	for h := range signers {
		if len(allowlist) > 0 && !allowlist[h] {
			continue
		}
		valid++
	}
	if valid < m {
		return false, fmt.Sprintf("quorum not met (valid=%d required=%d)", valid, m)
	}
	return true, "ok"
}

// VerifyWeighted checks a weighted quorum: the summed weights of distinct
// valid signers must reach requiredWeight. Signers without a weight
// contribute nothing.
func VerifyWeighted(u *Update, weights map[string]float64, requiredWeight float64, allowlist map[string]bool) (bool, string) {
	if requiredWeight <= 0 {
		return false, "invalid threshold"
	}
	if !u.HashValid() {
		return false, "policy_hash mismatch"
	}
	signers, err := validSigners(u)
	if err != nil {
		return false, err.Error()
	}

	total := 0.0
	for h := range signers {
		if len(allowlist) > 0 && !allowlist[h] {
			continue
		}
		total += weights[h]
	}
	if total < requiredWeight {
		return false, fmt.Sprintf("quorum not met (weight=%g required=%g)", total, requiredWeight)
	}
	return true, "ok"
}

// VerifyRoleBased checks a role-based quorum: every requirement {role,
// min_signers} must be satisfied by distinct valid signers holding that
// role.
func VerifyRoleBased(u *Update, roles map[string][]string, requirements []policy.RoleRequirement, allowlist map[string]bool) (bool, string) {
	if len(requirements) == 0 {
		return false, "invalid threshold"
	}
	for _, req := range requirements {
		if req.MinSigners < 1 {
			return false, "invalid threshold"
		}
	}
	if !u.HashValid() {
		return false, "policy_hash mismatch"
	}
	signers, err := validSigners(u)
	if err != nil {
		return false, err.Error()
	}

	counts := make(map[string]int)
	for h := range signers {
		if len(allowlist) > 0 && !allowlist[h] {
			continue
		}
		for _, role := range roles[h] {
			counts[role]++
		}
	}

	var unmet []string
	for _, req := range requirements {
		if counts[req.Role] < req.MinSigners {
			unmet = append(unmet, fmt.Sprintf("role=%s valid=%d required=%d", req.Role, counts[req.Role], req.MinSigners))
		}
	}
	if len(unmet) > 0 {
		sort.Strings(unmet)
		return false, "quorum not met (" + strings.Join(unmet, "; ") + ")"
	}
	return true, "ok"
}

// SignerAllowed applies a village policy's signature rules to an update.
// With require_policy_signature the configured quorum model decides. Without
// it, any attached signature material must still verify (allowlisted when an
// allowlist is configured), and a bare unsigned update passes.
func SignerAllowed(v policy.View, u *Update) (bool, string) {
	allowlist := v.PolicySignerAllowlist()

	if v.RequirePolicySignature() {
		cfg := v.QuorumConfig()
		switch cfg.Model {
		case policy.ModelWeighted:
			return VerifyWeighted(u, v.SignerWeights(), cfg.ThresholdWeight, allowlist)
		case policy.ModelRoleBased:
			return VerifyRoleBased(u, v.SignerRoles(), cfg.RoleRequirements, allowlist)
		default:
			return VerifyMOfN(u, cfg.ThresholdM, allowlist)
		}
	}

	if u.HasSignatureMaterial() {
		if len(allowlist) > 0 {
			return VerifyMOfN(u, 1, allowlist)
		}
		if !VerifyAny(u) {
			return false, "signature invalid"
		}
	}
	return true, "ok"
}
