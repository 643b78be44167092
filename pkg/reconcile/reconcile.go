// Package reconcile compares a local policy feed with a peer's copy. It
// never resolves divergence, it only reports it: forks are advisory and the
// operator or the puller decides what to fetch.
package reconcile

import (
	"sort"

	"github.com/villagelabs/links/pkg/canon"
	"github.com/villagelabs/links/pkg/governance"
)

// Child is one update observed under a contested previous_policy_hash.
type Child struct {
	PolicyHash     string     `json:"policy_hash"`
	CreatedAt      canon.Time `json:"created_at"`
	UpdateHash     string     `json:"update_hash"`
	LifecycleState string     `json:"lifecycle_state"`
}

// Fork groups the children that extend the same predecessor with different
// contents.
type Fork struct {
	PreviousPolicyHash string  `json:"previous_policy_hash"`
	Children           []Child `json:"children"`
}

// Report is the outcome of comparing two feeds for one village.
type Report struct {
	VillageID     string   `json:"village_id"`
	LocalHead     *string  `json:"local_head"`
	RemoteHead    *string  `json:"remote_head"`
	Drift         bool     `json:"drift"`
	Forks         []Fork   `json:"forks"`
	MissingLocal  []string `json:"missing_local"`
	MissingRemote []string `json:"missing_remote"`
}

// Head picks the feed head: the update greatest by (created_at, policy_hash).
// Nil for an empty list.
func Head(ups []*governance.Update) *string {
	if len(ups) == 0 {
		return nil
	}
	best := ups[0]
	for _, u := range ups[1:] {
		if laterThan(u, best) {
			best = u
		}
	}
	h := best.PolicyHash
	return &h
}

func laterThan(a, b *governance.Update) bool {
	ta, tb := a.CreatedAt.Time, b.CreatedAt.Time
	if !ta.Equal(tb) {
		return ta.After(tb)
	}
	return a.PolicyHash > b.PolicyHash
}

// DetectForks groups updates by previous_policy_hash and reports every
// predecessor extended by two or more distinct children. Updates without a
// predecessor never fork. Forks come out sorted by predecessor hash and
// children by (created_at, policy_hash).
func DetectForks(ups []*governance.Update) ([]Fork, error) {
	byPrev := make(map[string][]*governance.Update)
	for _, u := range ups {
		if u.PreviousPolicyHash == nil || *u.PreviousPolicyHash == "" {
			continue
		}
		prev := *u.PreviousPolicyHash
		byPrev[prev] = append(byPrev[prev], u)
	}

	forks := make([]Fork, 0)
	for prev, children := range byPrev {
		uniq := make(map[string]bool, len(children))
		for _, c := range children {
			uniq[c.PolicyHash] = true
		}
		if len(uniq) < 2 {
			continue
		}
		out := make([]Child, 0, len(uniq))
		emitted := make(map[string]bool, len(uniq))
		for _, c := range children {
			if emitted[c.PolicyHash] {
				continue
			}
			emitted[c.PolicyHash] = true
			uh, err := c.UpdateHash()
			if err != nil {
				return nil, err
			}
			out = append(out, Child{
				PolicyHash:     c.PolicyHash,
				CreatedAt:      c.CreatedAt,
				UpdateHash:     uh,
				LifecycleState: c.LifecycleState,
			})
		}
		sort.Slice(out, func(i, j int) bool {
			ti, tj := out[i].CreatedAt.Time, out[j].CreatedAt.Time
			if !ti.Equal(tj) {
				return ti.Before(tj)
			}
			return out[i].PolicyHash < out[j].PolicyHash
		})
		forks = append(forks, Fork{PreviousPolicyHash: prev, Children: out})
	}
	sort.Slice(forks, func(i, j int) bool {
		return forks[i].PreviousPolicyHash < forks[j].PreviousPolicyHash
	})
	return forks, nil
}

// Reconcile compares the two copies of a village feed. Fork detection runs
// over the union so a fork is visible no matter which side holds which
// branch.
func Reconcile(local, remote []*governance.Update, villageID string) (*Report, error) {
	localSet := hashSet(local)
	remoteSet := hashSet(remote)

	union := make([]*governance.Update, 0, len(local)+len(remote))
	union = append(union, local...)
	union = append(union, remote...)
	forks, err := DetectForks(union)
	if err != nil {
		return nil, err
	}

	localHead := Head(local)
	remoteHead := Head(remote)

	return &Report{
		VillageID:     villageID,
		LocalHead:     localHead,
		RemoteHead:    remoteHead,
		Drift:         !headsEqual(localHead, remoteHead),
		Forks:         forks,
		MissingLocal:  diffSorted(remoteSet, localSet),
		MissingRemote: diffSorted(localSet, remoteSet),
	}, nil
}

func hashSet(ups []*governance.Update) map[string]bool {
	s := make(map[string]bool, len(ups))
	for _, u := range ups {
		s[u.PolicyHash] = true
	}
	return s
}

func headsEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func diffSorted(from, subtract map[string]bool) []string {
	out := make([]string, 0)
	for h := range from {
		if !subtract[h] {
			out = append(out, h)
		}
	}
	sort.Strings(out)
	return out
}
