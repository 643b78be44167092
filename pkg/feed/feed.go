// Package feed stores the per-village append-only log of policy updates and
// serves it in sorted order, with cursor pagination and a signed manifest for
// pull replication.
package feed

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/villagelabs/links/pkg/canon"
	"github.com/villagelabs/links/pkg/fslock"
	"github.com/villagelabs/links/pkg/governance"
)

// MaxPageSize bounds a single feed page.
const MaxPageSize = 500

// Log is the on-disk policy update log rooted at a villages directory. An
// entry lives at villages/{village_id}/policy_updates/{compact_ts}.{policy_hash}.json;
// the compact timestamp keeps directory order close to temporal order and the
// policy hash makes the name collision-free.
type Log struct {
	root string
}

func NewLog(root string) *Log {
	return &Log{root: root}
}

// Dir returns the update directory for a village, creating it if needed.
func (l *Log) Dir(villageID string) (string, error) {
	d := filepath.Join(l.root, "villages", villageID, "policy_updates")
	if err := os.MkdirAll(d, 0o755); err != nil {
		return "", fmt.Errorf("feed dir: %w", err)
	}
	return d, nil
}

// Append stores an update. Identity is the policy hash: appending the same
// hash twice returns the existing path without rewriting. The write itself is
// temp-then-rename under the directory lock, so a concurrent reader never
// observes a partial file.
func (l *Log) Append(ctx context.Context, u *governance.Update) (string, error) {
	d, err := l.Dir(u.VillageID)
	if err != nil {
		return "", err
	}
	data, err := encodeUpdate(u)
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s.%s.json", canon.CompactTime(u.CreatedAt.Time), u.PolicyHash)
	path := filepath.Join(d, name)

	err = fslock.WithLock(ctx, filepath.Join(d, ".lock"), func() error {
		existing, globErr := filepath.Glob(filepath.Join(d, "*."+u.PolicyHash+".json"))
		if globErr != nil {
			return globErr
		}
		if len(existing) > 0 {
			path = existing[0]
			return nil
		}
		return fslock.WriteFileAtomic(path, data)
	})
	if err != nil {
		return "", fmt.Errorf("append update: %w", err)
	}
	return path, nil
}

// List returns every readable update for the village sorted by
// (created_at, policy_hash). Unreadable files are skipped so one corrupt
// entry cannot take the feed down.
func (l *Log) List(villageID string) ([]*governance.Update, error) {
	d, err := l.Dir(villageID)
	if err != nil {
		return nil, err
	}
	paths, err := filepath.Glob(filepath.Join(d, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("list updates: %w", err)
	}
	ups := make([]*governance.Update, 0, len(paths))
	for _, p := range paths {
		data, readErr := os.ReadFile(p)
		if readErr != nil {
			continue
		}
		u, parseErr := governance.ParseUpdate(data)
		if parseErr != nil {
			continue
		}
		ups = append(ups, u)
	}
	SortUpdates(ups)
	return ups, nil
}

// SortUpdates orders updates by (created_at, policy_hash) ascending.
func SortUpdates(ups []*governance.Update) {
	sort.Slice(ups, func(i, j int) bool {
		ti, tj := ups[i].CreatedAt.Time, ups[j].CreatedAt.Time
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return ups[i].PolicyHash < ups[j].PolicyHash
	})
}

// Latest returns the newest update by (created_at, policy_hash), or nil for
// an empty feed.
func (l *Log) Latest(villageID string) (*governance.Update, error) {
	ups, err := l.List(villageID)
	if err != nil {
		return nil, err
	}
	if len(ups) == 0 {
		return nil, nil
	}
	return ups[len(ups)-1], nil
}

// Since returns the updates strictly after the entry whose policy hash is
// sinceHash. An empty sinceHash returns the full list; a hash that is not in
// the feed yields nothing, since no entry is known to come after it.
func (l *Log) Since(villageID, sinceHash string) ([]*governance.Update, error) {
	ups, err := l.List(villageID)
	if err != nil {
		return nil, err
	}
	return FilterSince(ups, sinceHash), nil
}

// FilterSince applies the strict-after rule to an already sorted list.
func FilterSince(ups []*governance.Update, sinceHash string) []*governance.Update {
	if sinceHash == "" {
		return ups
	}
	out := make([]*governance.Update, 0, len(ups))
	seen := false
	for _, u := range ups {
		if seen {
			out = append(out, u)
		}
		if u.PolicyHash == sinceHash {
			seen = true
		}
	}
	return out
}

// Paginate slices a sorted list into one page. The cursor is the policy hash
// of the last item of the previous page; an empty or unknown cursor starts
// from the beginning. The limit is clamped to [1, MaxPageSize]. The second
// return is the cursor for the next page, nil when the list is exhausted.
func Paginate(ups []*governance.Update, cursor string, limit int) ([]*governance.Update, *string) {
	if limit < 1 {
		limit = 1
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	start := 0
	if cursor != "" {
		for i, u := range ups {
			if u.PolicyHash == cursor {
				start = i + 1
				break
			}
		}
	}
	if start >= len(ups) {
		return []*governance.Update{}, nil
	}
	end := start + limit
	if end > len(ups) {
		end = len(ups)
	}
	page := ups[start:end]
	if end < len(ups) {
		next := page[len(page)-1].PolicyHash
		return page, &next
	}
	return page, nil
}

// encodeUpdate prefers the original bytes of a parsed update so a relayed
// artifact re-verifies byte for byte on the next hop.
func encodeUpdate(u *governance.Update) ([]byte, error) {
	return u.Encode()
}
