package export

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/yourorg/cvemaps/internal/graph"
	"github.com/yourorg/cvemaps/internal/layout"
)

// Document is the node-link interchange format read by the web front end.
type Document struct {
	Directed   bool           `json:"directed"`
	Multigraph bool           `json:"multigraph"`
	Graph      map[string]any `json:"graph"`
	Nodes      []NodeDoc      `json:"nodes"`
	Links      []LinkDoc      `json:"links"`
	Metadata   Metadata       `json:"metadata"`
}

// NodeDoc serializes with its attributes flattened next to the fixed keys.
type NodeDoc struct {
	ID    string
	Type  string
	Label string
	X, Y  float64
	Attrs map[string]any
}

type LinkDoc struct {
	Source string
	Target string
	Weight int
	Attrs  map[string]any
}

type Metadata struct {
	GeneratedAt string
	Type        string
	Layout      string
	NodeCount   int
	EdgeCount   int
	Extra       map[string]any
}

// Description names a projection in the metadata block. Extra fields are
// merged into it.
type Description struct {
	Type   string
	Layout string
	Extra  map[string]any
}

// Build merges a graph with its layout. Nodes missing from the layout sit
// at the origin.
func Build(g *graph.Graph, l layout.Layout, d Description, now time.Time) *Document {
	doc := &Document{
		Directed: g.Directed(),
		Graph:    map[string]any{},
		Nodes:    make([]NodeDoc, 0, g.NodeCount()),
		Links:    make([]LinkDoc, 0, g.EdgeCount()),
	}
	for _, n := range g.Nodes() {
		p := l[n.ID]
		doc.Nodes = append(doc.Nodes, NodeDoc{
			ID:    n.ID,
			Type:  string(n.Role),
			Label: n.Label,
			X:     p.X,
			Y:     p.Y,
			Attrs: maps.Clone(n.Attrs),
		})
	}
	for _, e := range g.Edges() {
		doc.Links = append(doc.Links, LinkDoc{
			Source: e.Source,
			Target: e.Target,
			Weight: e.Weight,
			Attrs:  maps.Clone(e.Attrs),
		})
	}

	extra := make(map[string]any)
	for role, n := range g.RoleCounts() {
		extra[string(role)+"_count"] = n
	}
	maps.Copy(extra, d.Extra)
	doc.Metadata = Metadata{
		GeneratedAt: now.UTC().Format(time.RFC3339),
		Type:        d.Type,
		Layout:      d.Layout,
		NodeCount:   g.NodeCount(),
		EdgeCount:   g.EdgeCount(),
		Extra:       extra,
	}
	return doc
}

func flatten(attrs map[string]any, fixed map[string]any) ([]byte, error) {
	out := make(map[string]any, len(attrs)+len(fixed))
	maps.Copy(out, attrs)
	maps.Copy(out, fixed)
	return json.Marshal(out)
}

func (n NodeDoc) MarshalJSON() ([]byte, error) {
	return flatten(n.Attrs, map[string]any{
		"id": n.ID, "type": n.Type, "label": n.Label, "x": n.X, "y": n.Y,
	})
}

func (n *NodeDoc) UnmarshalJSON(b []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	n.ID, _ = take(raw, "id").(string)
	n.Type, _ = take(raw, "type").(string)
	n.Label, _ = take(raw, "label").(string)
	n.X, _ = take(raw, "x").(float64)
	n.Y, _ = take(raw, "y").(float64)
	if n.ID == "" {
		return fmt.Errorf("node without id")
	}
	n.Attrs = nilIfEmpty(raw)
	return nil
}

func (l LinkDoc) MarshalJSON() ([]byte, error) {
	return flatten(l.Attrs, map[string]any{
		"source": l.Source, "target": l.Target, "weight": l.Weight,
	})
}

func (l *LinkDoc) UnmarshalJSON(b []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	l.Source, _ = take(raw, "source").(string)
	l.Target, _ = take(raw, "target").(string)
	w, _ := take(raw, "weight").(float64)
	l.Weight = int(w)
	l.Attrs = nilIfEmpty(raw)
	return nil
}

func (m Metadata) MarshalJSON() ([]byte, error) {
	return flatten(m.Extra, map[string]any{
		"generated_at": m.GeneratedAt,
		"type":         m.Type,
		"layout":       m.Layout,
		"node_count":   m.NodeCount,
		"edge_count":   m.EdgeCount,
	})
}

func (m *Metadata) UnmarshalJSON(b []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	m.GeneratedAt, _ = take(raw, "generated_at").(string)
	m.Type, _ = take(raw, "type").(string)
	m.Layout, _ = take(raw, "layout").(string)
	nc, _ := take(raw, "node_count").(float64)
	ec, _ := take(raw, "edge_count").(float64)
	m.NodeCount, m.EdgeCount = int(nc), int(ec)
	m.Extra = nilIfEmpty(raw)
	return nil
}

func take(m map[string]any, key string) any {
	v := m[key]
	delete(m, key)
	return v
}

func nilIfEmpty(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	return m
}
