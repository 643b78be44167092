package policy

import (
	"sort"
	"strings"

	"github.com/villagelabs/links/pkg/canon"
)

// ChangeSummary lists JSON-pointer paths that differ between two policies.
type ChangeSummary struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
	Changed []string `json:"changed"`
}

// Diff compares two policy objects and reports added, removed and changed
// paths as JSON pointers ("~" escapes to "~0", "/" to "~1"). Lists compare
// atomically.
func Diff(oldPolicy, newPolicy map[string]any) ChangeSummary {
	var s ChangeSummary
	diffValue(oldPolicy, newPolicy, "", &s)
	s.Added = dedupe(s.Added)
	s.Removed = dedupe(s.Removed)
	s.Changed = dedupe(s.Changed)
	return s
}

func diffValue(oldV, newV any, ptr string, s *ChangeSummary) {
	if oldV == nil && newV == nil {
		return
	}
	if oldV == nil {
		s.Added = append(s.Added, orRoot(ptr))
		return
	}
	if newV == nil {
		s.Removed = append(s.Removed, orRoot(ptr))
		return
	}

	oldMap, oldIsMap := oldV.(map[string]any)
	newMap, newIsMap := newV.(map[string]any)
	if oldIsMap && newIsMap {
		oldKeys := keySet(oldMap)
		newKeys := keySet(newMap)
		for _, k := range sortedDiff(newKeys, oldKeys) {
			s.Added = append(s.Added, joinPointer(ptr, k))
		}
		for _, k := range sortedDiff(oldKeys, newKeys) {
			s.Removed = append(s.Removed, joinPointer(ptr, k))
		}
		for _, k := range sortedIntersect(oldKeys, newKeys) {
			diffValue(oldMap[k], newMap[k], joinPointer(ptr, k), s)
		}
		return
	}

	// primitives, lists (atomic) and type mismatches: compare canonical bytes
	if !canonEqual(oldV, newV) {
		s.Changed = append(s.Changed, orRoot(ptr))
	}
}

func canonEqual(a, b any) bool {
	ab, errA := canon.Marshal(a)
	bb, errB := canon.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ab) == string(bb)
}

func joinPointer(ptr, key string) string {
	key = strings.ReplaceAll(key, "~", "~0")
	key = strings.ReplaceAll(key, "/", "~1")
	if ptr == "" {
		return "/" + key
	}
	return ptr + "/" + key
}

func orRoot(ptr string) string {
	if ptr == "" {
		return "/"
	}
	return ptr
}

func keySet(m map[string]any) map[string]bool {
	out := make(map[string]bool, len(m))
	for k := range m {
		out[k] = true
	}
	return out
}

func sortedDiff(a, b map[string]bool) []string {
	var out []string
	for k := range a {
		if !b[k] {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func sortedIntersect(a, b map[string]bool) []string {
	var out []string
	for k := range a {
		if b[k] {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func dedupe(xs []string) []string {
	seen := make(map[string]bool, len(xs))
	out := make([]string, 0, len(xs))
	for _, x := range xs {
		if seen[x] {
			continue
		}
		seen[x] = true
		out = append(out, x)
	}
	return out
}
