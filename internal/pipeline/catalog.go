package pipeline

import (
	"strings"
	"unicode"

	"github.com/yourorg/cvemaps/internal/aggregate"
	"github.com/yourorg/cvemaps/internal/analytics"
	"github.com/yourorg/cvemaps/internal/config"
	"github.com/yourorg/cvemaps/internal/graph"
	"github.com/yourorg/cvemaps/internal/layout"
	"github.com/yourorg/cvemaps/internal/projection"
)

// PrimaryJob names the projection every other output depends on. A run
// halts when it fails.
const PrimaryJob = "cna_to_cwe_map"

const (
	heatmapCNAs = 30
	heatmapCWEs = 40
	sankeyCNAs  = 20
	sankeyCWEs  = 30
)

// GraphFunc materializes one projection and the extra metadata fields
// written with it.
type GraphFunc func(a *aggregate.Associations) (*graph.Graph, map[string]any, error)

// Job is one output file. Exactly one of Graph and Doc is set.
type Job struct {
	Name   string
	Type   string
	Layout string
	// MaxNodes skips graphs larger than this. <= 0 means no limit.
	MaxNodes int
	Graph    GraphFunc
	Doc      func(a *aggregate.Associations) any
}

func (j Job) File() string { return j.Name + ".json" }

// restrict keeps the totals of keys present in the mapping's left side, so
// keys without any pair do not become isolated nodes.
func restrict(totals map[string]int, pc *aggregate.PairCounts) map[string]int {
	out := make(map[string]int)
	for k := range pc.TotalsA() {
		out[k] = totals[k]
	}
	return out
}

func orgIDAttr(a *aggregate.Associations) func(string) graph.Attrs {
	return func(id string) graph.Attrs {
		if org, ok := a.AuthorityOrgIDs[id]; ok {
			return graph.Attrs{"uuid": org}
		}
		return nil
	}
}

func authorityWeakness(a *aggregate.Associations, topN int) (*graph.Graph, error) {
	return projection.Bipartite(a.AuthorityWeakness, projection.BipartiteParams{
		Left:      graph.RoleAuthority,
		Right:     graph.RoleWeakness,
		TopN:      topN,
		Totals:    restrict(a.AuthorityRecords, a.AuthorityWeakness),
		LeftAttrs: orgIDAttr(a),
	})
}

func withExtra(g *graph.Graph, err error, extra map[string]any) (*graph.Graph, map[string]any, error) {
	return g, extra, err
}

// EgoJobName derives a file-safe job name from the ego center.
func EgoJobName(center string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(center) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String() + "_ego_network"
}

// Catalog lists every output of a run. The primary projection comes first.
func Catalog(cfg config.Config) []Job {
	return []Job{
		{
			Name: PrimaryJob, Type: "CNA-CWE Bipartite", Layout: layout.NameBipartite,
			Graph: func(a *aggregate.Associations) (*graph.Graph, map[string]any, error) {
				g, err := authorityWeakness(a, 0)
				return withExtra(g, err, map[string]any{"cve_count": len(a.Records)})
			},
		},
		{
			Name: "top_cna_cwe_bipartite", Type: "Top CNA-CWE Bipartite", Layout: layout.NameBipartite,
			Graph: func(a *aggregate.Associations) (*graph.Graph, map[string]any, error) {
				g, err := authorityWeakness(a, cfg.TopNCNAs)
				return withExtra(g, err, map[string]any{"top_n": cfg.TopNCNAs})
			},
		},
		{
			Name: "cwe_hierarchy_tree", Type: "CWE Hierarchy", Layout: layout.NameTree,
			Graph: func(a *aggregate.Associations) (*graph.Graph, map[string]any, error) {
				g, err := projection.Hierarchy(a.WeaknessRecords, cfg.TopNCWEsHierarchy)
				return withExtra(g, err, map[string]any{"top_n": cfg.TopNCWEsHierarchy})
			},
		},
		{
			Name: "cwe_star_graphs", Type: "CWE Star Graphs", Layout: layout.NameForce,
			Graph: func(a *aggregate.Associations) (*graph.Graph, map[string]any, error) {
				g, err := projection.Star(a.AuthorityWeakness, a.WeaknessRecords, cfg.TopNCWEStars, cfg.StarSpokes)
				return withExtra(g, err, map[string]any{"stars": cfg.TopNCWEStars, "spokes": cfg.StarSpokes})
			},
		},
		{
			Name: "cwe_circular_layout", Type: "CWE Co-occurrence (top)", Layout: layout.NameCircular,
			Graph: func(a *aggregate.Associations) (*graph.Graph, map[string]any, error) {
				g, err := projection.Cooccurrence(a.WeaknessCooccurrence, projection.CooccurrenceParams{
					Role: graph.RoleWeakness, TopN: cfg.TopNCWECircular, Totals: a.WeaknessRecords,
				})
				return withExtra(g, err, map[string]any{"top_n": cfg.TopNCWECircular})
			},
		},
		{
			Name: "cna_collaboration", Type: "CNA Collaboration", Layout: layout.NameForce,
			Graph: func(a *aggregate.Associations) (*graph.Graph, map[string]any, error) {
				g, err := projection.Collaboration(a.AuthorityWeaknesses, cfg.MinSharedCWEs)
				return withExtra(g, err, map[string]any{"min_shared_cwes": cfg.MinSharedCWEs})
			},
		},
		{
			Name: EgoJobName(cfg.EgoCNAName), Type: "CNA Ego Network", Layout: layout.NameForce,
			MaxNodes: cfg.EgoMaxNodes,
			Graph: func(a *aggregate.Associations) (*graph.Graph, map[string]any, error) {
				base, err := authorityWeakness(a, 0)
				if err != nil {
					return nil, nil, err
				}
				g := projection.Ego(base, cfg.EgoCNAName, cfg.EgoRadius)
				return g, map[string]any{"center": cfg.EgoCNAName, "radius": cfg.EgoRadius}, nil
			},
		},
		{
			Name: "cwe_cooccurrence_map", Type: "CWE Co-occurrence", Layout: layout.NameCircular,
			Graph: func(a *aggregate.Associations) (*graph.Graph, map[string]any, error) {
				g, err := projection.Cooccurrence(a.WeaknessCooccurrence, projection.CooccurrenceParams{
					Role: graph.RoleWeakness, Totals: a.WeaknessRecords,
				})
				return withExtra(g, err, nil)
			},
		},
		{
			Name: "product_cwe_map", Type: "Product-CWE Bipartite", Layout: layout.NameBipartite,
			Graph: func(a *aggregate.Associations) (*graph.Graph, map[string]any, error) {
				g, err := projection.Bipartite(a.ProductWeakness, projection.BipartiteParams{
					Left: graph.RoleProduct, Right: graph.RoleWeakness,
					Totals: restrict(a.ProductRecords, a.ProductWeakness),
				})
				return withExtra(g, err, nil)
			},
		},
		{
			Name: "vendor_cwe_map", Type: "Vendor-CWE Bipartite", Layout: layout.NameBipartite,
			Graph: func(a *aggregate.Associations) (*graph.Graph, map[string]any, error) {
				g, err := projection.Bipartite(a.VendorWeakness, projection.BipartiteParams{
					Left: graph.RoleVendor, Right: graph.RoleWeakness,
					Totals: restrict(a.VendorRecords, a.VendorWeakness),
				})
				return withExtra(g, err, nil)
			},
		},
		{
			Name: "cve_temporal_map", Type: "CVE Temporal Chains", Layout: layout.NameCircular,
			Graph: func(a *aggregate.Associations) (*graph.Graph, map[string]any, error) {
				g, err := projection.Temporal(a.Temporal, a.RecordAuthority)
				return withExtra(g, err, map[string]any{"window_days": cfg.TemporalWindowDays})
			},
		},
		{
			Name: "cve_references_map", Type: "CVE Shared References", Layout: layout.NameCircular,
			Graph: func(a *aggregate.Associations) (*graph.Graph, map[string]any, error) {
				g, err := projection.SharedReferences(a.SharedReferences, a.RecordAuthority)
				return withExtra(g, err, map[string]any{"min_shared_refs": cfg.MinSharedRefs})
			},
		},
		{
			Name: "product_dependency_map", Type: "Product Co-occurrence", Layout: layout.NameCircular,
			Graph: func(a *aggregate.Associations) (*graph.Graph, map[string]any, error) {
				g, err := projection.Cooccurrence(a.ProductCooccurrence, projection.CooccurrenceParams{
					Role: graph.RoleProduct, Totals: a.ProductRecords,
				})
				return withExtra(g, err, nil)
			},
		},
		{
			Name: "vendor_vulnerability_profiles", Type: "Vendor Vulnerability Profiles", Layout: layout.NameBipartite,
			Graph: func(a *aggregate.Associations) (*graph.Graph, map[string]any, error) {
				g, err := projection.Bipartite(a.VendorWeakness, projection.BipartiteParams{
					Left: graph.RoleVendor, Right: graph.RoleWeakness, TopN: cfg.TopNVendors,
				})
				return withExtra(g, err, map[string]any{"top_n": cfg.TopNVendors})
			},
		},
		{
			Name: "cna_vendor_map", Type: "CNA-Vendor Bipartite", Layout: layout.NameBipartite,
			Graph: func(a *aggregate.Associations) (*graph.Graph, map[string]any, error) {
				g, err := projection.Bipartite(a.AuthorityVendor, projection.BipartiteParams{
					Left: graph.RoleAuthority, Right: graph.RoleVendor,
					TopN: cfg.TopNCNAVendorCNAs, TopM: cfg.TopNCNAVendorVendor,
					LeftAttrs: orgIDAttr(a),
				})
				return withExtra(g, err, map[string]any{"top_cnas": cfg.TopNCNAVendorCNAs, "top_vendors": cfg.TopNCNAVendorVendor})
			},
		},

		{Name: "cvss_severity_distribution", Doc: func(a *aggregate.Associations) any {
			return analytics.BuildSeverityDistribution(a.Records)
		}},
		{Name: "temporal_trends", Doc: func(a *aggregate.Associations) any {
			return analytics.BuildTemporalTrends(a.Records)
		}},
		{Name: "heatmap_matrix", Doc: func(a *aggregate.Associations) any {
			return analytics.BuildHeatmap(a.AuthorityWeakness, heatmapCNAs, heatmapCWEs)
		}},
		{Name: "sankey_flow", Doc: func(a *aggregate.Associations) any {
			return analytics.BuildSankey(a.AuthorityWeakness, sankeyCNAs, sankeyCWEs)
		}},
		{Name: "cwe_trending", Doc: func(a *aggregate.Associations) any {
			return analytics.BuildCWETrending(a.Records)
		}},
		{Name: "cwe_cvss_distribution", Doc: func(a *aggregate.Associations) any {
			return analytics.BuildCWEScores(a.Records)
		}},
		{Name: "attack_surface_timeline", Doc: func(a *aggregate.Associations) any {
			return analytics.BuildAttackSurface(a.Records)
		}},
	}
}
