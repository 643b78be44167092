// Package village keeps the governed-group records: the current snapshot,
// the append-only member and revocation logs, bearer-token authorization and
// the bundle-vs-policy checks the admission pipeline runs.
package village

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/villagelabs/links/pkg/canon"
	"github.com/villagelabs/links/pkg/fslock"
	"github.com/villagelabs/links/pkg/policy"
)

// ErrNotFound is returned when a village has no snapshot on disk.
var ErrNotFound = errors.New("village not found")

// Governance names the human decision process; it is descriptive, the
// enforced rules live in the policy.
type Governance struct {
	Admins        []string `json:"admins"`
	DecisionModel string   `json:"decision_model"`
}

// Village is the current snapshot stored at villages/{id}/village.json.
type Village struct {
	VillageID   string      `json:"village_id"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	CreatedAt   canon.Time  `json:"created_at"`
	Governance  Governance  `json:"governance"`
	Policy      policy.View `json:"policy"`
}

// DefaultPolicy is the policy a new village starts with.
func DefaultPolicy() map[string]any {
	return map[string]any{
		"visibility":         policy.VisibilityVillage,
		"allowed_predicates": []string{"links.weighted_to"},
		"max_window_days":    30,
		"allow_unverified":   false,
		"retention_days":     90,
		"rate_limit_per_min": policy.DefaultRateLimitPerMin,
	}
}

// New builds a village snapshot. A nil policy means DefaultPolicy.
func New(villageID, name, description string, pol map[string]any) *Village {
	if pol == nil {
		pol = DefaultPolicy()
	}
	return &Village{
		VillageID:   villageID,
		Name:        name,
		Description: description,
		CreatedAt:   canon.Now(),
		Governance:  Governance{Admins: []string{}, DecisionModel: "admin-consensus"},
		Policy:      policy.FromMap(pol),
	}
}

// Store is the villages directory on disk.
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: root}
}

// Root returns the villages root directory.
func (s *Store) Root() string {
	return s.root
}

// Dir returns the directory of one village.
func (s *Store) Dir(villageID string) string {
	return filepath.Join(s.root, "villages", villageID)
}

// Save writes the snapshot atomically and makes sure the member and
// revocation logs exist.
func (s *Store) Save(v *Village) (string, error) {
	vd := s.Dir(v.VillageID)
	if err := os.MkdirAll(vd, 0o755); err != nil {
		return "", fmt.Errorf("save village: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("save village: %w", err)
	}
	p := filepath.Join(vd, "village.json")
	if err := fslock.WriteFileAtomic(p, data); err != nil {
		return "", fmt.Errorf("save village: %w", err)
	}
	for _, log := range []string{"members.jsonl", "revocations.jsonl"} {
		if err := touch(filepath.Join(vd, log)); err != nil {
			return "", fmt.Errorf("save village: %w", err)
		}
	}
	return p, nil
}

// Load reads the snapshot, ErrNotFound when missing.
func (s *Store) Load(villageID string) (*Village, error) {
	p := filepath.Join(s.Dir(villageID), "village.json")
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, villageID)
		}
		return nil, fmt.Errorf("load village: %w", err)
	}
	var v Village
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("load village %s: %w", villageID, err)
	}
	if v.Policy == nil {
		v.Policy = policy.View{}
	}
	return &v, nil
}

// Exists reports whether a snapshot is on disk.
func (s *Store) Exists(villageID string) bool {
	_, err := os.Stat(filepath.Join(s.Dir(villageID), "village.json"))
	return err == nil
}

func touch(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}
