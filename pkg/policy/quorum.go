package policy

// Quorum models.
const (
	ModelMOfN      = "m_of_n"
	ModelWeighted  = "weighted"
	ModelRoleBased = "role_based"
)

// RoleRequirement is one clause of a role-based quorum: at least MinSigners
// distinct valid signers holding Role.
type RoleRequirement struct {
	Role       string `json:"role"`
	MinSigners int    `json:"min_signers"`
}

// QuorumConfig is the quorum a policy demands of its own future updates.
type QuorumConfig struct {
	Model            string            `json:"model"`
	ThresholdM       int               `json:"threshold_m"`
	ThresholdWeight  float64           `json:"threshold_weight"`
	RoleRequirements []RoleRequirement `json:"role_requirements"`
}

// QuorumConfig extracts the configured quorum. When policy_quorum is absent
// the legacy fields apply: m-of-n with m = policy_signature_threshold_m,
// defaulting to 1.
func (v View) QuorumConfig() QuorumConfig {
	raw, ok := v["policy_quorum"].(map[string]any)
	if !ok {
		m := v.integer("policy_signature_threshold_m", 1)
		return QuorumConfig{Model: ModelMOfN, ThresholdM: m}
	}

	q := View(raw)
	cfg := QuorumConfig{
		Model:           q.str("model", ModelMOfN),
		ThresholdM:      q.integer("threshold_m", 1),
		ThresholdWeight: q.number("threshold_weight", 0),
	}
	if list, ok := raw["role_requirements"].([]any); ok {
		for _, e := range list {
			rm, ok := e.(map[string]any)
			if !ok {
				continue
			}
			req := RoleRequirement{
				Role:       View(rm).str("role", ""),
				MinSigners: View(rm).integer("min_signers", 1),
			}
			if req.Role != "" {
				cfg.RoleRequirements = append(cfg.RoleRequirements, req)
			}
		}
	}
	return cfg
}

// AsMap renders the config as a generic mapping, the shape embedded into
// policy-update artifacts as their quorum snapshot.
func (c QuorumConfig) AsMap() map[string]any {
	reqs := make([]any, 0, len(c.RoleRequirements))
	for _, r := range c.RoleRequirements {
		reqs = append(reqs, map[string]any{
			"role":        r.Role,
			"min_signers": r.MinSigners,
		})
	}
	return map[string]any{
		"model":             c.Model,
		"threshold_m":       c.ThresholdM,
		"threshold_weight":  c.ThresholdWeight,
		"role_requirements": reqs,
	}
}
