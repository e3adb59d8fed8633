package analytics

import (
	"strings"

	"github.com/yourorg/cvemaps/internal/aggregate"
	"github.com/yourorg/cvemaps/internal/model"
	"github.com/yourorg/cvemaps/internal/projection"
)

const (
	rangeNone     = "None (0.0)"
	rangeLow      = "Low (0.1-3.9)"
	rangeMedium   = "Medium (4.0-6.9)"
	rangeHigh     = "High (7.0-8.9)"
	rangeCritical = "Critical (9.0-10.0)"

	topCriticalAuthorities = 20
)

type AuthorityCount struct {
	CNA   string `json:"cna"`
	Count int    `json:"count"`
}

type SeverityDistribution struct {
	SeverityCounts  map[string]int   `json:"severity_counts"`
	ScoreRanges     map[string]int   `json:"score_ranges"`
	TopCriticalCNAs []AuthorityCount `json:"top_critical_cnas"`
	TotalCVEs       int              `json:"total_cves"`
	Metadata        Description      `json:"metadata"`
}

type Description struct {
	Description string `json:"description"`
}

func scoreRange(score float64) string {
	switch {
	case score == 0:
		return rangeNone
	case score < 4.0:
		return rangeLow
	case score < 7.0:
		return rangeMedium
	case score < 9.0:
		return rangeHigh
	default:
		return rangeCritical
	}
}

// BuildSeverityDistribution counts the submitter's severity entries by label
// and score band. Enrichment entries are left out since they mostly repeat
// the submitter's score. TotalCVEs counts entries, so a record with several
// submitter metric blocks counts once per block.
func BuildSeverityDistribution(records []*model.Record) SeverityDistribution {
	out := SeverityDistribution{
		SeverityCounts: make(map[string]int),
		ScoreRanges: map[string]int{
			rangeNone: 0, rangeLow: 0, rangeMedium: 0, rangeHigh: 0, rangeCritical: 0,
		},
		TopCriticalCNAs: []AuthorityCount{},
		Metadata:        Description{Description: "CVSS severity distribution across all CVEs"},
	}
	critical := make(map[string]int)
	for _, r := range records {
		for _, s := range r.Severities {
			if s.Source == model.SourceADP {
				continue
			}
			label := s.Label
			if label == "" {
				label = "Unknown"
			}
			out.SeverityCounts[label]++
			out.ScoreRanges[scoreRange(s.BaseScore)]++
			out.TotalCVEs++
			if r.HasAuthority() {
				if _, ok := critical[r.Authority]; !ok {
					critical[r.Authority] = 0
				}
				if strings.EqualFold(label, "CRITICAL") {
					critical[r.Authority]++
				}
			}
		}
	}
	for _, rk := range projection.Rank(critical, topCriticalAuthorities) {
		out.TopCriticalCNAs = append(out.TopCriticalCNAs, AuthorityCount{CNA: rk.ID, Count: rk.Weight})
	}
	return out
}

type Heatmap struct {
	CNAs     []string        `json:"cnas"`
	CWEs     []string        `json:"cwes"`
	Matrix   [][]int         `json:"matrix"`
	Metadata HeatmapMetadata `json:"metadata"`
}

type HeatmapMetadata struct {
	Description string `json:"description"`
	CNACount    int    `json:"cna_count"`
	CWECount    int    `json:"cwe_count"`
	MaxValue    int    `json:"max_value"`
}

// BuildHeatmap lays the strongest authorities against the strongest
// weaknesses as a dense count matrix.
func BuildHeatmap(authorityWeakness *aggregate.PairCounts, topCNAs, topCWEs int) Heatmap {
	cnas := projection.TopN(authorityWeakness.TotalsA(), topCNAs)
	cwes := projection.TopN(authorityWeakness.TotalsB(), topCWEs)
	out := Heatmap{CNAs: cnas, CWEs: cwes, Matrix: make([][]int, 0, len(cnas))}
	for _, a := range cnas {
		row := make([]int, len(cwes))
		for j, w := range cwes {
			row[j] = authorityWeakness.Count(a, w)
			out.Metadata.MaxValue = max(out.Metadata.MaxValue, row[j])
		}
		out.Matrix = append(out.Matrix, row)
	}
	out.Metadata.Description = "Heatmap of CNAs vs CWEs"
	out.Metadata.CNACount = len(cnas)
	out.Metadata.CWECount = len(cwes)
	return out
}

type SankeyNode struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type SankeyLink struct {
	Source int `json:"source"`
	Target int `json:"target"`
	Value  int `json:"value"`
}

type Sankey struct {
	Nodes    []SankeyNode   `json:"nodes"`
	Links    []SankeyLink   `json:"links"`
	Metadata SankeyMetadata `json:"metadata"`
}

type SankeyMetadata struct {
	Description string `json:"description"`
	CNACount    int    `json:"cna_count"`
	CWECount    int    `json:"cwe_count"`
	TotalFlow   int    `json:"total_flow"`
}

// BuildSankey describes authority to weakness flows with links referring to
// node indexes.
func BuildSankey(authorityWeakness *aggregate.PairCounts, topCNAs, topCWEs int) Sankey {
	cnas := projection.TopN(authorityWeakness.TotalsA(), topCNAs)
	cwes := projection.TopN(authorityWeakness.TotalsB(), topCWEs)

	out := Sankey{Nodes: make([]SankeyNode, 0, len(cnas)+len(cwes)), Links: []SankeyLink{}}
	cnaIdx := make(map[string]int, len(cnas))
	cweIdx := make(map[string]int, len(cwes))
	for _, a := range cnas {
		cnaIdx[a] = len(out.Nodes)
		out.Nodes = append(out.Nodes, SankeyNode{Name: a, Type: "cna"})
	}
	for _, w := range cwes {
		cweIdx[w] = len(out.Nodes)
		out.Nodes = append(out.Nodes, SankeyNode{Name: w, Type: "cwe"})
	}
	for pair, n := range authorityWeakness.All() {
		src, ok := cnaIdx[pair.A]
		if !ok {
			continue
		}
		dst, ok := cweIdx[pair.B]
		if !ok {
			continue
		}
		out.Links = append(out.Links, SankeyLink{Source: src, Target: dst, Value: n})
		out.Metadata.TotalFlow += n
	}
	out.Metadata.Description = "Flow from CNAs to CWEs"
	out.Metadata.CNACount = len(cnas)
	out.Metadata.CWECount = len(cwes)
	return out
}
