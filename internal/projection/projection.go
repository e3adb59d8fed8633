package projection

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/yourorg/cvemaps/internal/aggregate"
	"github.com/yourorg/cvemaps/internal/graph"
)

type BipartiteParams struct {
	Left, Right graph.Role
	// TopN cuts the left side. <= 0 keeps all.
	TopN int
	// TopM cuts the right side by its total over the whole mapping. <= 0
	// keeps every counterpart reachable from the left side.
	TopM int
	// Totals ranks the left side and is reported as cve_count. Defaults to
	// the summed pair weight.
	Totals    map[string]int
	LeftAttrs func(id string) graph.Attrs
}

// Bipartite projects an ordered mapping onto two disjoint node sets. Edge
// weight is the raw association count. Left keys without a kept counterpart
// are dropped. A right key equal to a left key gets the id "<role>:<key>"
// and keeps the key as its label, so the two sides never share a node.
func Bipartite(pc *aggregate.PairCounts, p BipartiteParams) (*graph.Graph, error) {
	totals := p.Totals
	if totals == nil {
		totals = pc.TotalsA()
	}

	var rightKeep map[string]bool
	if p.TopM > 0 {
		rightKeep = idSet(TopN(pc.TotalsB(), p.TopM))
	}
	var left []Ranked
	leftIDs := make(map[string]bool)
	rightWeight := make(map[string]int)
	for _, l := range Rank(totals, p.TopN) {
		linked := false
		for cp, c := range pc.Row(l.ID) {
			if rightKeep == nil || rightKeep[cp] {
				rightWeight[cp] += c
				linked = true
			}
		}
		if linked {
			left = append(left, l)
			leftIDs[l.ID] = true
		}
	}
	rightID := func(key string) string {
		if leftIDs[key] {
			return string(p.Right) + ":" + key
		}
		return key
	}

	b := graph.NewBuilder(false)
	for _, l := range left {
		attrs := graph.Attrs{"bipartite": 0, "cve_count": l.Weight}
		if p.LeftAttrs != nil {
			maps.Copy(attrs, p.LeftAttrs(l.ID))
		}
		b.AddNode(node(p.Left, l.ID, attrs))
	}
	for _, r := range Rank(rightWeight, 0) {
		n := node(p.Right, r.ID, graph.Attrs{"bipartite": 1})
		n.ID = rightID(r.ID)
		b.AddNode(n)
	}
	for _, l := range left {
		row := pc.Row(l.ID)
		for _, cp := range slices.Sorted(maps.Keys(row)) {
			if _, ok := rightWeight[cp]; !ok {
				continue
			}
			if err := b.AddEdge(graph.Edge{Source: l.ID, Target: rightID(cp), Weight: row[cp]}); err != nil {
				return nil, err
			}
		}
	}
	return b.Build(), nil
}

type CooccurrenceParams struct {
	Role graph.Role
	TopN int
	// Totals ranks nodes and becomes the node universe, so keys with no
	// pair still appear. Defaults to total incident pair weight.
	Totals map[string]int
}

// Cooccurrence projects a symmetric mapping. Nodes are cut first; an edge
// survives only when both endpoints survive.
func Cooccurrence(pc *aggregate.PairCounts, p CooccurrenceParams) (*graph.Graph, error) {
	totals, attr := p.Totals, "cve_count"
	if totals == nil {
		totals, attr = pc.Incident(), "total_weight"
	}
	kept := Rank(totals, p.TopN)
	keep := make(map[string]bool, len(kept))

	b := graph.NewBuilder(false)
	for _, r := range kept {
		keep[r.ID] = true
		b.AddNode(node(p.Role, r.ID, graph.Attrs{attr: r.Weight}))
	}
	for pair, n := range pc.All() {
		if !keep[pair.A] || !keep[pair.B] {
			continue
		}
		if err := b.AddEdge(graph.Edge{Source: pair.A, Target: pair.B, Weight: n}); err != nil {
			return nil, err
		}
	}
	return b.Build(), nil
}

// Collaboration links authorities by the size of the intersection of their
// weakness sets. Quadratic in the number of authorities.
func Collaboration(sets map[string]map[string]struct{}, minShared int) (*graph.Graph, error) {
	if minShared < 1 {
		minShared = 1
	}
	ids := slices.Sorted(maps.Keys(sets))

	b := graph.NewBuilder(false)
	for _, id := range ids {
		b.AddNode(node(graph.RoleAuthority, id, graph.Attrs{"cwe_count": len(sets[id])}))
	}
	for i, a := range ids {
		for _, c := range ids[i+1:] {
			n := intersect(sets[a], sets[c])
			if n < minShared {
				continue
			}
			e := graph.Edge{Source: a, Target: c, Weight: n, Attrs: graph.Attrs{"shared_count": n}}
			if err := b.AddEdge(e); err != nil {
				return nil, err
			}
		}
	}
	return b.Build(), nil
}

func intersect(a, b map[string]struct{}) int {
	if len(b) < len(a) {
		a, b = b, a
	}
	n := 0
	for k := range a {
		if _, ok := b[k]; ok {
			n++
		}
	}
	return n
}

type hopEntry struct {
	id  string
	hop int
}

// Ego keeps the nodes within radius hops of center, ignoring edge direction,
// and every edge among them. An absent center yields an empty graph.
func Ego(base *graph.Graph, center string, radius int) *graph.Graph {
	if !base.HasNode(center) {
		return graph.Empty(base.Directed())
	}
	visited := map[string]bool{center: true}
	queue := []hopEntry{{id: center, hop: 0}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.hop >= radius {
			continue
		}
		for _, next := range base.Neighbors(cur.id) {
			if visited[next] {
				continue
			}
			visited[next] = true
			queue = append(queue, hopEntry{id: next, hop: cur.hop + 1})
		}
	}
	return base.Subgraph(visited)
}

const (
	hierarchyRoot      = "root"
	hierarchyRootLabel = "All CWEs"
)

// Category buckets a weakness code by its numeric suffix into a range of
// 100. Codes without a numeric suffix fall into bucket 0.
func Category(code string) string {
	bucket := 0
	if rest, ok := strings.CutPrefix(code, "CWE-"); ok {
		if n, err := strconv.Atoi(rest); err == nil && n >= 0 {
			bucket = n / 100 * 100
		}
	}
	return fmt.Sprintf("CWE-%dxx", bucket)
}

// Hierarchy builds the directed tree root -> category -> weakness for the
// top n weaknesses by record count. Category weight is the sum of its
// leaves.
func Hierarchy(totals map[string]int, n int) (*graph.Graph, error) {
	leaves := Rank(totals, n)

	var order []string
	byCat := make(map[string][]Ranked)
	for _, l := range leaves {
		if l.Weight <= 0 {
			continue
		}
		c := Category(l.ID)
		if _, ok := byCat[c]; !ok {
			order = append(order, c)
		}
		byCat[c] = append(byCat[c], l)
	}

	b := graph.NewBuilder(true)
	b.AddNode(graph.Node{ID: hierarchyRoot, Role: graph.RoleRoot, Label: hierarchyRootLabel, Attrs: graph.Attrs{"level": 0}})
	for _, c := range order {
		sum := 0
		for _, l := range byCat[c] {
			sum += l.Weight
		}
		b.AddNode(graph.Node{ID: c, Role: graph.RoleCategory, Attrs: graph.Attrs{"level": 1, "count": sum}})
		if err := b.AddEdge(graph.Edge{Source: hierarchyRoot, Target: c, Weight: sum}); err != nil {
			return nil, err
		}
		for _, l := range byCat[c] {
			b.AddNode(graph.Node{ID: l.ID, Role: graph.RoleWeakness, Attrs: graph.Attrs{"level": 2, "count": l.Weight}})
			if err := b.AddEdge(graph.Edge{Source: c, Target: l.ID, Weight: l.Weight}); err != nil {
				return nil, err
			}
		}
	}
	return b.Build(), nil
}

// Star builds one star per top weakness with its strongest authorities as
// spokes. Spoke ids are "<weakness>_<authority>" so spokes are never shared.
func Star(authorityWeakness *aggregate.PairCounts, totals map[string]int, n, spokes int) (*graph.Graph, error) {
	b := graph.NewBuilder(false)
	for _, center := range Rank(totals, n) {
		b.AddNode(graph.Node{
			ID:    center.ID,
			Role:  graph.RoleWeakness,
			Attrs: graph.Attrs{"role": "center", "cve_count": center.Weight},
		})
		for _, s := range Rank(authorityWeakness.Col(center.ID), spokes) {
			id := center.ID + "_" + s.ID
			b.AddNode(graph.Node{
				ID:    id,
				Role:  graph.RoleAuthority,
				Label: s.ID,
				Attrs: graph.Attrs{"role": "spoke", "parent": center.ID},
			})
			if err := b.AddEdge(graph.Edge{Source: center.ID, Target: id, Weight: s.Weight}); err != nil {
				return nil, err
			}
		}
	}
	return b.Build(), nil
}

// Temporal materializes temporal chaining links as a record graph.
func Temporal(links []aggregate.RecordLink, authority map[string]string) (*graph.Graph, error) {
	return recordGraph(links, authority, func(l aggregate.RecordLink) graph.Attrs {
		return graph.Attrs{"product": l.Product, "days_apart": l.DaysApart}
	})
}

// SharedReferences materializes reference sharing links as a record graph.
func SharedReferences(links []aggregate.RecordLink, authority map[string]string) (*graph.Graph, error) {
	return recordGraph(links, authority, func(l aggregate.RecordLink) graph.Attrs {
		return graph.Attrs{"shared_refs": l.SharedRefs}
	})
}

func recordGraph(links []aggregate.RecordLink, authority map[string]string, attrs func(aggregate.RecordLink) graph.Attrs) (*graph.Graph, error) {
	b := graph.NewBuilder(false)
	add := func(id string) {
		if b.HasNode(id) {
			return
		}
		var a graph.Attrs
		if cna, ok := authority[id]; ok {
			a = graph.Attrs{"cna": cna}
		}
		b.AddNode(graph.Node{ID: id, Role: graph.RoleRecord, Attrs: a})
	}
	for _, l := range links {
		add(l.A)
		add(l.B)
		if err := b.AddEdge(graph.Edge{Source: l.A, Target: l.B, Weight: l.Weight, Attrs: attrs(l)}); err != nil {
			return nil, err
		}
	}
	return b.Build(), nil
}
