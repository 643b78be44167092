// Package derive turns raw interaction observations into weighted directed
// edges and claim bundles. The only derivation so far counts user_talk_edit
// events per (actor, target) pair over a window and takes log(1+count) as
// the edge weight.
package derive

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/villagelabs/links/pkg/bundle"
	"github.com/villagelabs/links/pkg/canon"
)

// KindUserTalkEdit is the observation kind that yields edges.
const KindUserTalkEdit = "user_talk_edit"

// Derivation labels the edge weight formula on claims and edge artifacts.
const Derivation = "log(1 + count_30d)"

// DefaultPredicate is the claim predicate for derived edges.
const DefaultPredicate = "links.weighted_to"

// Observation is one interaction event from an upstream pipeline.
type Observation struct {
	ObservationID  string     `json:"observation_id"`
	Timestamp      canon.Time `json:"timestamp"`
	ActorEntityID  string     `json:"actor_entity_id"`
	Kind           string     `json:"kind"`
	TargetEntityID *string    `json:"target_entity_id"`
	Context        *string    `json:"context"`
	EvidenceURI    *string    `json:"evidence_uri"`
}

// Edge is one derived directed link.
type Edge struct {
	FromEntityID string   `json:"from_entity_id"`
	ToEntityID   string   `json:"to_entity_id"`
	Weight       float64  `json:"weight"`
	WindowDays   int      `json:"window_days"`
	Derivation   string   `json:"derivation"`
	Evidence     []string `json:"evidence"`
}

// ReadObservations loads a JSONL observation file. Blank lines are skipped;
// a malformed line is an error, not a silent drop.
func ReadObservations(path string) ([]Observation, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read observations: %w", err)
	}
	defer f.Close()

	var out []Observation
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var obs Observation
		if err := json.Unmarshal(sc.Bytes(), &obs); err != nil {
			return nil, fmt.Errorf("read observations: line %d: %w", line, err)
		}
		out = append(out, obs)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read observations: %w", err)
	}
	return out, nil
}

// BuildEdges derives weighted edges from observations. Only user_talk_edit
// events with a target count; weight = log1p(count). Edges come back sorted
// by (from, to) and carry the contributing observation ids as evidence.
func BuildEdges(observations []Observation, windowDays int) []Edge {
	type pair struct{ from, to string }
	counts := make(map[pair]int)
	evidence := make(map[pair][]string)

	for _, obs := range observations {
		if obs.Kind != KindUserTalkEdit {
			continue
		}
		if obs.TargetEntityID == nil || *obs.TargetEntityID == "" {
			continue
		}
		k := pair{from: obs.ActorEntityID, to: *obs.TargetEntityID}
		counts[k]++
		if obs.ObservationID != "" {
			evidence[k] = append(evidence[k], obs.ObservationID)
		}
	}

	keys := make([]pair, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].from != keys[j].from {
			return keys[i].from < keys[j].from
		}
		return keys[i].to < keys[j].to
	})

	edges := make([]Edge, 0, len(keys))
	for _, k := range keys {
		ev := evidence[k]
		if ev == nil {
			ev = []string{}
		} else {
			sort.Strings(ev)
		}
		edges = append(edges, Edge{
			FromEntityID: k.from,
			ToEntityID:   k.to,
			Weight:       math.Log1p(float64(counts[k])),
			WindowDays:   windowDays,
			Derivation:   Derivation,
			Evidence:     ev,
		})
	}
	return edges
}

// Claims converts edges into bundle claims issued by issuer. All claims
// share one computed_at stamp taken at call time unless at is given.
func Claims(edges []Edge, issuer, predicate string, at *canon.Time) []bundle.Claim {
	if predicate == "" {
		predicate = DefaultPredicate
	}
	stamp := canon.Now()
	if at != nil {
		stamp = *at
	}
	claims := make([]bundle.Claim, 0, len(edges))
	for _, e := range edges {
		obj := e.ToEntityID
		deriv := e.Derivation
		ev := e.Evidence
		if ev == nil {
			ev = []string{}
		}
		claims = append(claims, bundle.Claim{
			Issuer:     issuer,
			Subject:    e.FromEntityID,
			Predicate:  predicate,
			Object:     &obj,
			Value:      e.Weight,
			WindowDays: e.WindowDays,
			ComputedAt: stamp,
			Derivation: &deriv,
			Evidence:   ev,
		})
	}
	return claims
}

// BuildBundle derives edges from observations and wraps them in an unsigned
// bundle, ready for signing and ingest.
func BuildBundle(observations []Observation, issuer string, windowDays int) (*bundle.Bundle, error) {
	edges := BuildEdges(observations, windowDays)
	now := canon.Now()
	return bundle.Build(issuer, windowDays, Claims(edges, issuer, DefaultPredicate, &now), &now)
}
