package aggregate

import (
	"cmp"
	"maps"
	"slices"
	"time"

	"github.com/yourorg/cvemaps/internal/model"
)

// RecordLink connects two records. A sorts before B.
type RecordLink struct {
	A, B       string
	Weight     int
	Product    string
	DaysApart  int
	SharedRefs int
}

// Associations is the frozen output of an Aggregator. Every mapping is
// independent of the others and read-only after Finalize.
type Associations struct {
	AuthorityWeakness    *PairCounts
	VendorWeakness       *PairCounts
	ProductWeakness      *PairCounts
	AuthorityVendor      *PairCounts
	WeaknessCooccurrence *PairCounts
	ProductCooccurrence  *PairCounts

	// Record counts per key.
	AuthorityRecords map[string]int
	WeaknessRecords  map[string]int
	VendorRecords    map[string]int
	ProductRecords   map[string]int

	AuthorityWeaknesses map[string]map[string]struct{}
	AuthorityOrgIDs     map[string]string
	RecordAuthority     map[string]string

	Temporal         []RecordLink
	SharedReferences []RecordLink

	Records []*model.Record
}

// Empty reports whether no authority to weakness association was found.
func (a *Associations) Empty() bool { return a.AuthorityWeakness.Len() == 0 }

// Aggregator folds Records into Associations. Not safe for concurrent use.
type Aggregator struct {
	out      *Associations
	byProd   map[string][]dated
	byURL    map[string][]string
	finished bool
}

type dated struct {
	id string
	at time.Time
}

func New() *Aggregator {
	return &Aggregator{
		out: &Associations{
			AuthorityWeakness:    NewPairCounts(),
			VendorWeakness:       NewPairCounts(),
			ProductWeakness:      NewPairCounts(),
			AuthorityVendor:      NewPairCounts(),
			WeaknessCooccurrence: NewSymmetricCounts(),
			ProductCooccurrence:  NewSymmetricCounts(),
			AuthorityRecords:     make(map[string]int),
			WeaknessRecords:      make(map[string]int),
			VendorRecords:        make(map[string]int),
			ProductRecords:       make(map[string]int),
			AuthorityWeaknesses:  make(map[string]map[string]struct{}),
			AuthorityOrgIDs:      make(map[string]string),
			RecordAuthority:      make(map[string]string),
		},
		byProd: make(map[string][]dated),
		byURL:  make(map[string][]string),
	}
}

// Add folds one record. It panics if called after Finalize.
func (g *Aggregator) Add(rec *model.Record) {
	if g.finished {
		panic("aggregate: Add after Finalize")
	}
	out := g.out
	out.Records = append(out.Records, rec)

	for _, w := range rec.Weaknesses {
		out.WeaknessRecords[w]++
	}
	for i := range rec.Weaknesses {
		for j := i + 1; j < len(rec.Weaknesses); j++ {
			out.WeaknessCooccurrence.Inc(rec.Weaknesses[i], rec.Weaknesses[j])
		}
	}

	if rec.HasAuthority() {
		a := rec.Authority
		out.AuthorityRecords[a]++
		out.RecordAuthority[rec.ID] = a
		if rec.AuthorityOrgID != "" {
			out.AuthorityOrgIDs[a] = rec.AuthorityOrgID
		}
		set, ok := out.AuthorityWeaknesses[a]
		if !ok {
			set = make(map[string]struct{})
			out.AuthorityWeaknesses[a] = set
		}
		for _, w := range rec.Weaknesses {
			out.AuthorityWeakness.Inc(a, w)
			set[w] = struct{}{}
		}
		for _, v := range rec.Vendors {
			out.AuthorityVendor.Inc(a, v)
		}
	}

	for _, v := range rec.Vendors {
		out.VendorRecords[v]++
		for _, w := range rec.Weaknesses {
			out.VendorWeakness.Inc(v, w)
		}
	}

	for i, p := range rec.Products {
		key := p.Key()
		out.ProductRecords[key]++
		for _, w := range rec.Weaknesses {
			out.ProductWeakness.Inc(key, w)
		}
		for _, q := range rec.Products[i+1:] {
			out.ProductCooccurrence.Inc(key, q.Key())
		}
		if rec.Published != nil {
			g.byProd[key] = append(g.byProd[key], dated{id: rec.ID, at: *rec.Published})
		}
	}

	for _, u := range rec.References {
		g.byURL[u] = append(g.byURL[u], rec.ID)
	}
}

// Finalize derives the record to record mappings and returns the frozen
// result. The Aggregator must not be used afterwards.
func (g *Aggregator) Finalize(windowDays, minSharedRefs int) *Associations {
	g.finished = true
	g.out.Temporal = temporalLinks(g.byProd, windowDays)
	g.out.SharedReferences = referenceLinks(g.byURL, minSharedRefs)
	g.byProd, g.byURL = nil, nil
	return g.out
}

func wholeDays(d time.Duration) int { return int(d / (24 * time.Hour)) }

func temporalLinks(byProd map[string][]dated, windowDays int) []RecordLink {
	links := make(map[Pair]*RecordLink)
	for _, product := range slices.Sorted(maps.Keys(byProd)) {
		group := byProd[product]
		slices.SortFunc(group, func(x, y dated) int {
			return cmp.Or(x.at.Compare(y.at), cmp.Compare(x.id, y.id))
		})
		for i, first := range group {
			for _, second := range group[i+1:] {
				days := wholeDays(second.at.Sub(first.at))
				if days > windowDays {
					break
				}
				if first.id == second.id {
					continue
				}
				k := orderedPair(first.id, second.id)
				if l, ok := links[k]; ok {
					l.Weight++
					continue
				}
				links[k] = &RecordLink{A: k.A, B: k.B, Weight: 1, Product: product, DaysApart: days}
			}
		}
	}
	return sortedLinks(links)
}

func referenceLinks(byURL map[string][]string, minShared int) []RecordLink {
	shared := make(map[Pair]int)
	for _, ids := range byURL {
		if len(ids) < 2 {
			continue
		}
		ids = slices.Compact(slices.Sorted(slices.Values(ids)))
		for i := range ids {
			for j := i + 1; j < len(ids); j++ {
				shared[Pair{A: ids[i], B: ids[j]}]++
			}
		}
	}
	links := make(map[Pair]*RecordLink)
	for k, n := range shared {
		if n >= minShared && n > 0 {
			links[k] = &RecordLink{A: k.A, B: k.B, Weight: n, SharedRefs: n}
		}
	}
	return sortedLinks(links)
}

func orderedPair(a, b string) Pair {
	if b < a {
		a, b = b, a
	}
	return Pair{A: a, B: b}
}

func sortedLinks(m map[Pair]*RecordLink) []RecordLink {
	out := make([]RecordLink, 0, len(m))
	for _, l := range m {
		out = append(out, *l)
	}
	slices.SortFunc(out, func(x, y RecordLink) int {
		return cmp.Or(cmp.Compare(x.A, y.A), cmp.Compare(x.B, y.B))
	})
	return out
}
