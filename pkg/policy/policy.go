// Package policy models the per-village policy object. The policy is an open
// JSON mapping: recognized options get typed accessors with defaults, and
// unknown keys ride along untouched so re-hashing an update from a newer
// schema still reproduces its hash.
package policy

import (
	"encoding/json"
	"strconv"
)

// Recognized visibility values.
const (
	VisibilityPrivate = "private"
	VisibilityVillage = "village"
	VisibilityPublic  = "public"
)

// Actions gated by role capabilities.
const (
	ActionPull   = "pull"
	ActionPush   = "push"
	ActionManage = "manage"
)

// DefaultRateLimitPerMin applies when the policy does not set
// rate_limit_per_min.
const DefaultRateLimitPerMin = 60

// View is a read view over the open policy mapping.
type View map[string]any

// FromMap wraps an already-decoded policy object. A nil map is treated as the
// empty policy.
func FromMap(m map[string]any) View {
	if m == nil {
		return View{}
	}
	return View(m)
}

// Map returns the underlying mapping.
func (v View) Map() map[string]any {
	return map[string]any(v)
}

func (v View) str(key, def string) string {
	if s, ok := v[key].(string); ok {
		return s
	}
	return def
}

func (v View) boolean(key string, def bool) bool {
	if b, ok := v[key].(bool); ok {
		return b
	}
	return def
}

func (v View) integer(key string, def int) int {
	switch t := v[key].(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return int(n)
		}
		if f, err := t.Float64(); err == nil {
			return int(f)
		}
	}
	return def
}

func (v View) number(key string, def float64) float64 {
	switch t := v[key].(type) {
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case float64:
		return t
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
	}
	return def
}

func (v View) stringSet(key string) map[string]bool {
	out := make(map[string]bool)
	for _, s := range v.stringList(key) {
		out[s] = true
	}
	return out
}

func (v View) stringList(key string) []string {
	switch list := v[key].(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, e := range list {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// StringList returns the named policy key as a list of strings, tolerating
// both decoded JSON and native slices.
func (v View) StringList(key string) []string {
	return v.stringList(key)
}

// Visibility returns the policy visibility, default "village".
func (v View) Visibility() string {
	return v.str("visibility", VisibilityVillage)
}

// AllowedPredicates returns the predicate allowlist. Absent key means no
// predicate restriction.
func (v View) AllowedPredicates() []string {
	return v.stringList("allowed_predicates")
}

// HasAllowedPredicates reports whether the policy constrains predicates.
func (v View) HasAllowedPredicates() bool {
	_, ok := v["allowed_predicates"]
	return ok
}

// PredicateAllowed checks pred against allowed_predicates.
func (v View) PredicateAllowed(pred string) bool {
	if !v.HasAllowedPredicates() {
		return true
	}
	for _, p := range v.AllowedPredicates() {
		if p == pred {
			return true
		}
	}
	return false
}

// MaxWindowDays returns the window bound, default 30.
func (v View) MaxWindowDays() int {
	return v.integer("max_window_days", 30)
}

// AllowUnverified reports whether unsigned bundles are admitted.
func (v View) AllowUnverified() bool {
	return v.boolean("allow_unverified", false)
}

// RetentionDays returns the retention bound, default 90.
func (v View) RetentionDays() int {
	return v.integer("retention_days", 90)
}

// RateLimitPerMin returns the per-client minute budget.
func (v View) RateLimitPerMin() int {
	n := v.integer("rate_limit_per_min", DefaultRateLimitPerMin)
	if n <= 0 {
		return DefaultRateLimitPerMin
	}
	return n
}

// SubmissionQuotaPerDay returns the per-village daily approval quota.
// Zero means unlimited.
func (v View) SubmissionQuotaPerDay() int {
	n := v.integer("submission_quota_per_day", 0)
	if n < 0 {
		return 0
	}
	return n
}

// RequireIssuerAllowlist reports whether issuer keys must be allowlisted.
func (v View) RequireIssuerAllowlist() bool {
	return v.boolean("require_issuer_allowlist", false)
}

// RequirePolicySignature reports whether policy updates must meet quorum.
func (v View) RequirePolicySignature() bool {
	return v.boolean("require_policy_signature", false)
}

// IssuerAllowlist returns the issuer key-hash allowlist.
func (v View) IssuerAllowlist() map[string]bool {
	return v.stringSet("issuer_allowlist")
}

// IssuerBlocklist returns the issuer key-hash blocklist.
func (v View) IssuerBlocklist() map[string]bool {
	return v.stringSet("issuer_blocklist")
}

// IssuerIDAllowlist returns the issuer id allowlist.
func (v View) IssuerIDAllowlist() map[string]bool {
	return v.stringSet("issuer_id_allowlist")
}

// IssuerIDBlocklist returns the issuer id blocklist.
func (v View) IssuerIDBlocklist() map[string]bool {
	return v.stringSet("issuer_id_blocklist")
}

// PolicySignerAllowlist returns the key hashes allowed to sign policy
// updates.
func (v View) PolicySignerAllowlist() map[string]bool {
	return v.stringSet("policy_signer_allowlist")
}

// SignerWeights returns key-hash signing weights for the weighted quorum
// model.
func (v View) SignerWeights() map[string]float64 {
	out := make(map[string]float64)
	m, ok := v["policy_signer_weights"].(map[string]any)
	if !ok {
		return out
	}
	for k, raw := range m {
		switch t := raw.(type) {
		case float64:
			out[k] = t
		case int:
			out[k] = float64(t)
		case int64:
			out[k] = float64(t)
		case json.Number:
			if f, err := t.Float64(); err == nil {
				out[k] = f
			}
		case string:
			if f, err := strconv.ParseFloat(t, 64); err == nil {
				out[k] = f
			}
		}
	}
	return out
}

// SignerRoles returns key-hash role assignments for the role-based quorum
// model.
func (v View) SignerRoles() map[string][]string {
	out := make(map[string][]string)
	m, ok := v["policy_signer_roles"].(map[string]any)
	if !ok {
		return out
	}
	for k, raw := range m {
		list, ok := raw.([]any)
		if !ok {
			continue
		}
		roles := make([]string, 0, len(list))
		for _, e := range list {
			if s, ok := e.(string); ok {
				roles = append(roles, s)
			}
		}
		out[k] = roles
	}
	return out
}

// IssuerAllowed applies the issuer key-hash rules in order: blocklist wins,
// then a required or non-empty allowlist gates, otherwise open.
func (v View) IssuerAllowed(keyHash string) bool {
	if v.IssuerBlocklist()[keyHash] {
		return false
	}
	allow := v.IssuerAllowlist()
	if v.RequireIssuerAllowlist() {
		return allow[keyHash]
	}
	if len(allow) > 0 {
		return allow[keyHash]
	}
	return true
}

// Capability is the per-role action set.
type Capability struct {
	CanPull   bool `json:"can_pull"`
	CanPush   bool `json:"can_push"`
	CanManage bool `json:"can_manage"`
}

var builtinCapabilities = map[string]Capability{
	"admin":    {CanPull: true, CanPush: true, CanManage: true},
	"member":   {CanPull: true, CanPush: true},
	"observer": {CanPull: true},
}

// RoleCapability resolves a role to its capability set: the policy
// capabilities mapping overlays the built-ins, and an unknown role falls back
// to observer.
func (v View) RoleCapability(role string) Capability {
	if m, ok := v["capabilities"].(map[string]any); ok {
		if raw, ok := m[role].(map[string]any); ok {
			return Capability{
				CanPull:   boolFrom(raw, "can_pull"),
				CanPush:   boolFrom(raw, "can_push"),
				CanManage: boolFrom(raw, "can_manage"),
			}
		}
	}
	if c, ok := builtinCapabilities[role]; ok {
		return c
	}
	return builtinCapabilities["observer"]
}

// RoleCan reports whether role may perform action (pull, push or manage).
func (v View) RoleCan(role, action string) bool {
	c := v.RoleCapability(role)
	switch action {
	case ActionPull:
		return c.CanPull
	case ActionPush:
		return c.CanPush
	case ActionManage:
		return c.CanManage
	default:
		return false
	}
}

func boolFrom(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}
