package projection

import (
	"cmp"
	"slices"
	"strings"

	"github.com/yourorg/cvemaps/internal/graph"
)

// Ranked is a key with the weight it was ranked by.
type Ranked struct {
	ID     string
	Weight int
}

// Rank orders keys by weight descending, then id ascending, and keeps the
// first n. n <= 0 keeps all.
func Rank(totals map[string]int, n int) []Ranked {
	out := make([]Ranked, 0, len(totals))
	for id, w := range totals {
		out = append(out, Ranked{ID: id, Weight: w})
	}
	slices.SortFunc(out, func(a, b Ranked) int {
		return cmp.Or(cmp.Compare(b.Weight, a.Weight), cmp.Compare(a.ID, b.ID))
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// TopN returns the ids Rank would keep.
func TopN(totals map[string]int, n int) []string {
	ranked := Rank(totals, n)
	ids := make([]string, len(ranked))
	for i, r := range ranked {
		ids[i] = r.ID
	}
	return ids
}

func idSet(ids []string) map[string]bool {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}

// node builds a node for id with the label conventions of each role.
func node(role graph.Role, id string, attrs graph.Attrs) graph.Node {
	n := graph.Node{ID: id, Role: role, Label: id, Attrs: attrs}
	if role == graph.RoleProduct {
		if vendor, product, ok := strings.Cut(id, "::"); ok {
			n.Label = product
			if n.Attrs == nil {
				n.Attrs = graph.Attrs{}
			}
			n.Attrs["vendor"] = vendor
		}
	}
	return n
}
