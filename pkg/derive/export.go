package derive

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/villagelabs/links/pkg/fslock"
)

// WriteEdgesJSON writes the edge list as pretty, key-sorted JSON. The file
// is the handoff artifact between derivation and bundle building.
func WriteEdgesJSON(edges []Edge, path string) error {
	rows := make([]map[string]any, 0, len(edges))
	for _, e := range edges {
		rows = append(rows, map[string]any{
			"from_entity_id": e.FromEntityID,
			"to_entity_id":   e.ToEntityID,
			"weight":         e.Weight,
			"window_days":    e.WindowDays,
			"derivation":     e.Derivation,
			"evidence":       e.Evidence,
		})
	}
	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return fmt.Errorf("write edges: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("write edges: %w", err)
	}
	if err := fslock.WriteFileAtomic(path, append(data, '\n')); err != nil {
		return fmt.Errorf("write edges: %w", err)
	}
	return nil
}

// ReadEdgesJSON loads an edge list written by WriteEdgesJSON.
func ReadEdgesJSON(path string) ([]Edge, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read edges: %w", err)
	}
	var edges []Edge
	if err := json.Unmarshal(data, &edges); err != nil {
		return nil, fmt.Errorf("read edges: %w", err)
	}
	return edges, nil
}

type graphmlData struct {
	Key   string `xml:"key,attr"`
	Value string `xml:",chardata"`
}

type graphmlNode struct {
	ID string `xml:"id,attr"`
}

type graphmlEdge struct {
	Source string       `xml:"source,attr"`
	Target string       `xml:"target,attr"`
	Data   *graphmlData `xml:"data,omitempty"`
}

type graphmlGraph struct {
	EdgeDefault string        `xml:"edgedefault,attr"`
	Nodes       []graphmlNode `xml:"node"`
	Edges       []graphmlEdge `xml:"edge"`
}

type graphmlKey struct {
	ID       string `xml:"id,attr"`
	For      string `xml:"for,attr"`
	AttrName string `xml:"attr.name,attr"`
	AttrType string `xml:"attr.type,attr"`
}

type graphmlDoc struct {
	XMLName xml.Name     `xml:"graphml"`
	XMLNS   string       `xml:"xmlns,attr"`
	Keys    []graphmlKey `xml:"key"`
	Graph   graphmlGraph `xml:"graph"`
}

// WriteGraphML exports the edge list as a directed GraphML graph with edge
// weights, for graph tooling.
func WriteGraphML(edges []Edge, path string) error {
	seen := make(map[string]bool)
	var nodes []graphmlNode
	addNode := func(id string) {
		if !seen[id] {
			seen[id] = true
			nodes = append(nodes, graphmlNode{ID: id})
		}
	}

	gmlEdges := make([]graphmlEdge, 0, len(edges))
	for _, e := range edges {
		addNode(e.FromEntityID)
		addNode(e.ToEntityID)
		gmlEdges = append(gmlEdges, graphmlEdge{
			Source: e.FromEntityID,
			Target: e.ToEntityID,
			Data:   &graphmlData{Key: "d0", Value: fmt.Sprintf("%g", e.Weight)},
		})
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	doc := graphmlDoc{
		XMLNS: "http://graphml.graphdrawing.org/xmlns",
		Keys: []graphmlKey{
			{ID: "d0", For: "edge", AttrName: "weight", AttrType: "double"},
		},
		Graph: graphmlGraph{EdgeDefault: "directed", Nodes: nodes, Edges: gmlEdges},
	}
	data, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("write graphml: %w", err)
	}
	out := append([]byte(xml.Header), data...)
	out = append(out, '\n')
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("write graphml: %w", err)
	}
	if err := fslock.WriteFileAtomic(path, out); err != nil {
		return fmt.Errorf("write graphml: %w", err)
	}
	return nil
}
