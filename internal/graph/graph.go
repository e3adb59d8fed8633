package graph

import (
	"errors"
	"fmt"
	"maps"
	"slices"
)

type Role string

const (
	RoleAuthority Role = "cna"
	RoleWeakness  Role = "cwe"
	RoleVendor    Role = "vendor"
	RoleProduct   Role = "product"
	RoleRecord    Role = "cve"
	RoleRoot      Role = "root"
	RoleCategory  Role = "category"
)

var (
	ErrUnknownNode   = errors.New("graph: edge endpoint not in node set")
	ErrInvalidWeight = errors.New("graph: edge weight must be positive")
)

// Attrs holds auxiliary node or edge attributes. Values must be JSON
// encodable.
type Attrs map[string]any

type Node struct {
	ID    string
	Role  Role
	Label string
	Attrs Attrs
}

type Edge struct {
	Source string
	Target string
	Weight int
	Attrs  Attrs
}

// Graph is an immutable node and edge set. Node and edge order is insertion
// order. Every edge endpoint is a node and every weight is positive.
type Graph struct {
	directed bool
	nodes    []Node
	index    map[string]int
	edges    []Edge
	out      map[string][]string
	in       map[string][]string
}

// Builder accumulates nodes and edges for a Graph.
type Builder struct {
	g     *Graph
	edgeK map[[2]string]int
}

func NewBuilder(directed bool) *Builder {
	return &Builder{
		g: &Graph{
			directed: directed,
			index:    make(map[string]int),
			out:      make(map[string][]string),
			in:       make(map[string][]string),
		},
		edgeK: make(map[[2]string]int),
	}
}

// AddNode inserts n, or merges its attributes into an existing node with the
// same id. The first role and label win.
func (b *Builder) AddNode(n Node) {
	if i, ok := b.g.index[n.ID]; ok {
		existing := &b.g.nodes[i]
		if len(n.Attrs) > 0 {
			if existing.Attrs == nil {
				existing.Attrs = Attrs{}
			}
			maps.Copy(existing.Attrs, n.Attrs)
		}
		return
	}
	if n.Label == "" {
		n.Label = n.ID
	}
	n.Attrs = maps.Clone(n.Attrs)
	b.g.index[n.ID] = len(b.g.nodes)
	b.g.nodes = append(b.g.nodes, n)
}

func (b *Builder) HasNode(id string) bool {
	_, ok := b.g.index[id]
	return ok
}

func (b *Builder) edgeKey(s, t string) [2]string {
	if !b.g.directed && t < s {
		s, t = t, s
	}
	return [2]string{s, t}
}

// AddEdge inserts e. Adding an edge between an already linked pair replaces
// its weight and attributes.
func (b *Builder) AddEdge(e Edge) error {
	if !b.HasNode(e.Source) {
		return fmt.Errorf("%w: %q", ErrUnknownNode, e.Source)
	}
	if !b.HasNode(e.Target) {
		return fmt.Errorf("%w: %q", ErrUnknownNode, e.Target)
	}
	if e.Weight <= 0 {
		return fmt.Errorf("%w: %s-%s weight %d", ErrInvalidWeight, e.Source, e.Target, e.Weight)
	}
	e.Attrs = maps.Clone(e.Attrs)
	k := b.edgeKey(e.Source, e.Target)
	if i, ok := b.edgeK[k]; ok {
		b.g.edges[i].Weight = e.Weight
		b.g.edges[i].Attrs = e.Attrs
		return nil
	}
	b.edgeK[k] = len(b.g.edges)
	b.g.edges = append(b.g.edges, e)
	b.g.out[e.Source] = append(b.g.out[e.Source], e.Target)
	b.g.in[e.Target] = append(b.g.in[e.Target], e.Source)
	return nil
}

// Build returns the Graph. The Builder must not be used afterwards.
func (b *Builder) Build() *Graph {
	g := b.g
	b.g = nil
	return g
}

// Empty returns a graph with no nodes.
func Empty(directed bool) *Graph { return NewBuilder(directed).Build() }

func (g *Graph) Directed() bool { return g.directed }

func (g *Graph) NodeCount() int { return len(g.nodes) }

func (g *Graph) EdgeCount() int { return len(g.edges) }

// Nodes returns the nodes in insertion order. Attrs maps are shared and must
// not be modified.
func (g *Graph) Nodes() []Node { return slices.Clone(g.nodes) }

func (g *Graph) Edges() []Edge { return slices.Clone(g.edges) }

func (g *Graph) Node(id string) (Node, bool) {
	i, ok := g.index[id]
	if !ok {
		return Node{}, false
	}
	return g.nodes[i], true
}

func (g *Graph) HasNode(id string) bool {
	_, ok := g.index[id]
	return ok
}

// Successors are the targets of edges leaving id. For undirected graphs this
// is the same as Neighbors.
func (g *Graph) Successors(id string) []string {
	if !g.directed {
		return g.Neighbors(id)
	}
	return slices.Clone(g.out[id])
}

func (g *Graph) Predecessors(id string) []string {
	if !g.directed {
		return g.Neighbors(id)
	}
	return slices.Clone(g.in[id])
}

// Neighbors are all nodes sharing an edge with id regardless of direction.
func (g *Graph) Neighbors(id string) []string {
	out := make([]string, 0, len(g.out[id])+len(g.in[id]))
	out = append(out, g.out[id]...)
	out = append(out, g.in[id]...)
	return out
}

// RoleCounts counts nodes per role.
func (g *Graph) RoleCounts() map[Role]int {
	out := make(map[Role]int)
	for _, n := range g.nodes {
		out[n.Role]++
	}
	return out
}

// Subgraph keeps the given nodes, in the original order, and every edge
// between two of them.
func (g *Graph) Subgraph(keep map[string]bool) *Graph {
	b := NewBuilder(g.directed)
	for _, n := range g.nodes {
		if keep[n.ID] {
			b.AddNode(n)
		}
	}
	for _, e := range g.edges {
		if keep[e.Source] && keep[e.Target] {
			// endpoints and weight were validated when g was built
			_ = b.AddEdge(e)
		}
	}
	return b.Build()
}
