package anchors

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/villagelabs/links/pkg/canon"
	"github.com/villagelabs/links/pkg/fslock"
)

// Registry is the on-disk anchor log rooted at a villages directory. An
// entry lives at villages/{village_id}/trust_anchors/{compact_ts}.{action}.{key_hash|na}.json.
type Registry struct {
	root string
}

func NewRegistry(root string) *Registry {
	return &Registry{root: root}
}

// Dir returns the anchor directory for a village, creating it if needed.
func (r *Registry) Dir(villageID string) (string, error) {
	d := filepath.Join(r.root, "villages", villageID, "trust_anchors")
	if err := os.MkdirAll(d, 0o755); err != nil {
		return "", fmt.Errorf("anchors dir: %w", err)
	}
	return d, nil
}

// Store writes an entry under the directory lock.
func (r *Registry) Store(ctx context.Context, e *Entry) (string, error) {
	d, err := r.Dir(e.VillageID)
	if err != nil {
		return "", err
	}
	keyh := "na"
	if e.AnchorKeyHash != nil && *e.AnchorKeyHash != "" {
		keyh = *e.AnchorKeyHash
	}
	name := fmt.Sprintf("%s.%s.%s.json", canon.CompactTime(e.CreatedAt.Time), e.Action, keyh)
	path := filepath.Join(d, name)

	data, err := encodeEntry(e)
	if err != nil {
		return "", err
	}
	err = fslock.WithLock(ctx, filepath.Join(d, ".lock"), func() error {
		return fslock.WriteFileAtomic(path, data)
	})
	if err != nil {
		return "", fmt.Errorf("store anchor entry: %w", err)
	}
	return path, nil
}

// List returns every readable entry sorted by (created_at, anchor_key_hash).
func (r *Registry) List(villageID string) ([]*Entry, error) {
	d, err := r.Dir(villageID)
	if err != nil {
		return nil, err
	}
	paths, err := filepath.Glob(filepath.Join(d, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("list anchors: %w", err)
	}
	entries := make([]*Entry, 0, len(paths))
	for _, p := range paths {
		data, readErr := os.ReadFile(p)
		if readErr != nil {
			continue
		}
		e, parseErr := ParseEntry(data)
		if parseErr != nil {
			continue
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		ti, tj := entries[i].CreatedAt.Time, entries[j].CreatedAt.Time
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return keyHashOrEmpty(entries[i]) < keyHashOrEmpty(entries[j])
	})
	return entries, nil
}

// ActiveSet replays the log: register and rotate admit a key hash, revoke
// removes it. The map holds the admitting entry per active key hash.
func (r *Registry) ActiveSet(villageID string) (map[string]*Entry, error) {
	entries, err := r.List(villageID)
	if err != nil {
		return nil, err
	}
	active := make(map[string]*Entry)
	for _, e := range entries {
		kh := keyHashOrEmpty(e)
		if kh == "" {
			continue
		}
		switch e.Action {
		case ActionRegister, ActionRotate:
			active[kh] = e
		case ActionRevoke:
			delete(active, kh)
		}
	}
	return active, nil
}

// ActiveKeyHashes returns the active key hashes as a set, the trust input
// for manifest verification.
func (r *Registry) ActiveKeyHashes(villageID string) (map[string]bool, error) {
	active, err := r.ActiveSet(villageID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(active))
	for kh := range active {
		out[kh] = true
	}
	return out, nil
}

// LatestActive returns the most recently admitted active anchor by
// (created_at, anchor_key_hash), or nil when none is active.
func (r *Registry) LatestActive(villageID string) (*Entry, error) {
	active, err := r.ActiveSet(villageID)
	if err != nil {
		return nil, err
	}
	var best *Entry
	for _, e := range active {
		if best == nil {
			best = e
			continue
		}
		tb, te := best.CreatedAt.Time, e.CreatedAt.Time
		if te.After(tb) || (te.Equal(tb) && keyHashOrEmpty(e) > keyHashOrEmpty(best)) {
			best = e
		}
	}
	return best, nil
}

func keyHashOrEmpty(e *Entry) string {
	if e.AnchorKeyHash == nil {
		return ""
	}
	return *e.AnchorKeyHash
}

func encodeEntry(e *Entry) ([]byte, error) {
	if e.raw != nil {
		data, err := json.MarshalIndent(e.raw, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode anchor entry: %w", err)
		}
		return data, nil
	}
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode anchor entry: %w", err)
	}
	return data, nil
}
