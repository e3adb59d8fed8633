package aggregate

import (
	"cmp"
	"iter"
	"maps"
	"slices"
)

// Pair is an association key. For symmetric counts A <= B.
type Pair struct {
	A, B string
}

// PairCounts is a count-weighted mapping between two key spaces with per-key
// totals maintained on every increment. Counts only grow.
type PairCounts struct {
	symmetric bool
	counts    map[Pair]int
	rows      map[string]map[string]int
	cols      map[string]map[string]int
	totalsA   map[string]int
	totalsB   map[string]int
}

// NewPairCounts returns an ordered mapping (A and B are distinct roles).
func NewPairCounts() *PairCounts { return newPairCounts(false) }

// NewSymmetricCounts returns a mapping of unordered pairs within one role.
func NewSymmetricCounts() *PairCounts { return newPairCounts(true) }

func newPairCounts(symmetric bool) *PairCounts {
	return &PairCounts{
		symmetric: symmetric,
		counts:    make(map[Pair]int),
		rows:      make(map[string]map[string]int),
		cols:      make(map[string]map[string]int),
		totalsA:   make(map[string]int),
		totalsB:   make(map[string]int),
	}
}

func (p *PairCounts) key(a, b string) Pair {
	if p.symmetric && b < a {
		a, b = b, a
	}
	return Pair{A: a, B: b}
}

func (p *PairCounts) Inc(a, b string) {
	k := p.key(a, b)
	p.counts[k]++
	bump(p.rows, k.A, k.B)
	bump(p.cols, k.B, k.A)
	p.totalsA[k.A]++
	p.totalsB[k.B]++
}

func bump(m map[string]map[string]int, k, v string) {
	inner, ok := m[k]
	if !ok {
		inner = make(map[string]int)
		m[k] = inner
	}
	inner[v]++
}

func (p *PairCounts) Count(a, b string) int { return p.counts[p.key(a, b)] }

func (p *PairCounts) Len() int { return len(p.counts) }

// All yields every pair in (A, B) order.
func (p *PairCounts) All() iter.Seq2[Pair, int] {
	keys := slices.SortedFunc(maps.Keys(p.counts), func(x, y Pair) int {
		return cmp.Or(cmp.Compare(x.A, y.A), cmp.Compare(x.B, y.B))
	})
	return func(yield func(Pair, int) bool) {
		for _, k := range keys {
			if !yield(k, p.counts[k]) {
				return
			}
		}
	}
}

// Row returns the counterparts of a with their counts. The map must not be
// modified.
func (p *PairCounts) Row(a string) map[string]int { return p.rows[a] }

// Col returns the keys paired with b with their counts. The map must not be
// modified.
func (p *PairCounts) Col(b string) map[string]int { return p.cols[b] }

// TotalsA is the summed weight per A key.
func (p *PairCounts) TotalsA() map[string]int { return maps.Clone(p.totalsA) }

// TotalsB is the summed weight per B key.
func (p *PairCounts) TotalsB() map[string]int { return maps.Clone(p.totalsB) }

// Incident is the total weight touching each key on either side. For ordered
// mappings it is the union of TotalsA and TotalsB.
func (p *PairCounts) Incident() map[string]int {
	out := maps.Clone(p.totalsA)
	for k, v := range p.totalsB {
		out[k] += v
	}
	return out
}
