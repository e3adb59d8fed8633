package layout

import (
	"fmt"
	"math"

	"github.com/yourorg/cvemaps/internal/graph"
)

// Position is a 2-D coordinate.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Layout maps node ids to positions. It is presentation data only and is
// merged with a Graph at export time.
type Layout map[string]Position

// Strategy computes a Layout for every node of a graph.
type Strategy interface {
	Name() string
	Compute(g *graph.Graph) Layout
}

type Config struct {
	Scale      float64
	Iterations int
	Seed       int64
}

func DefaultConfig() Config {
	return Config{Scale: 1000, Iterations: 50, Seed: 42}
}

const (
	NameBipartite = "bipartite"
	NameCircular  = "circular"
	NameForce     = "spring"
	NameTree      = "tree"
)

func ByName(name string, cfg Config) (Strategy, error) {
	switch name {
	case NameBipartite:
		return Bipartite{}, nil
	case NameCircular:
		return Circular{Scale: cfg.Scale}, nil
	case NameForce:
		return NewForceDirected(cfg), nil
	case NameTree:
		return Tree{Scale: cfg.Scale}, nil
	}
	return nil, fmt.Errorf("unknown layout %q", name)
}

const (
	bipartiteX    = 400.0
	bipartiteSpan = 1000.0
)

// Bipartite places side 0 at x=-400 and side 1 at x=+400, spacing each side
// evenly over y in [-500, 500). Nodes without a bipartite attribute go to
// side 1.
type Bipartite struct{}

func (Bipartite) Name() string { return NameBipartite }

func (Bipartite) Compute(g *graph.Graph) Layout {
	var sides [2][]string
	for _, n := range g.Nodes() {
		s := 1
		if v, ok := n.Attrs["bipartite"].(int); ok && v == 0 {
			s = 0
		}
		sides[s] = append(sides[s], n.ID)
	}
	out := make(Layout, g.NodeCount())
	for s, ids := range sides {
		x := -bipartiteX
		if s == 1 {
			x = bipartiteX
		}
		step := bipartiteSpan / float64(max(len(ids), 1))
		for i, id := range ids {
			out[id] = Position{X: x, Y: float64(i)*step - bipartiteSpan/2}
		}
	}
	return out
}

// Circular spaces nodes evenly on a circle of radius Scale in node order.
type Circular struct {
	Scale float64
}

func (Circular) Name() string { return NameCircular }

func (c Circular) Compute(g *graph.Graph) Layout {
	nodes := g.Nodes()
	out := make(Layout, len(nodes))
	if len(nodes) == 1 {
		out[nodes[0].ID] = Position{}
		return out
	}
	step := 2 * math.Pi / float64(len(nodes))
	for i, n := range nodes {
		angle := float64(i) * step
		out[n.ID] = Position{X: c.Scale * math.Cos(angle), Y: c.Scale * math.Sin(angle)}
	}
	return out
}

// Tree bands nodes by BFS depth from the roots, which are the nodes with no
// incoming edges. Nodes unreachable from any root go to the last band.
type Tree struct {
	Scale float64
}

func (Tree) Name() string { return NameTree }

func (t Tree) Compute(g *graph.Graph) Layout {
	nodes := g.Nodes()
	out := make(Layout, len(nodes))
	if len(nodes) == 0 {
		return out
	}

	var roots []string
	for _, n := range nodes {
		if len(g.Predecessors(n.ID)) == 0 {
			roots = append(roots, n.ID)
		}
	}
	if len(roots) == 0 {
		roots = []string{nodes[0].ID}
	}

	visited := make(map[string]bool)
	for _, r := range roots {
		visited[r] = true
	}
	var levels [][]string
	for cur := roots; len(cur) > 0; {
		levels = append(levels, cur)
		var next []string
		for _, id := range cur {
			for _, s := range g.Successors(id) {
				if !visited[s] {
					visited[s] = true
					next = append(next, s)
				}
			}
		}
		cur = next
	}
	for _, n := range nodes {
		if !visited[n.ID] {
			levels[len(levels)-1] = append(levels[len(levels)-1], n.ID)
		}
	}

	span := 2 * t.Scale
	band := span / float64(len(levels))
	for li, level := range levels {
		y := -t.Scale + float64(li)*band + band/2
		spacing := span / float64(len(level)+1)
		for i, id := range level {
			out[id] = Position{X: -t.Scale + spacing*float64(i+1), Y: y}
		}
	}
	return out
}
