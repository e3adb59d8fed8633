package analytics

import (
	"maps"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/yourorg/cvemaps/internal/model"
	"github.com/yourorg/cvemaps/internal/projection"
)

const (
	monthLayout = "2006-01"
	dayLayout   = "2006-01-02"

	topTrendAuthorities = 10
	topTrendingCWEs     = 50
	topScoredCWEs       = 50
	minScoresPerCWE     = 5
	maxSampledScores    = 100
	trendThreshold      = 10.0
)

func round2(x float64) float64 { return math.Round(x*100) / 100 }

func round1(x float64) float64 { return math.Round(x*10) / 10 }

type TemporalTrends struct {
	MonthlyTotals map[string]int            `json:"monthly_totals"`
	TopCNAs       []string                  `json:"top_cnas"`
	CNATimelines  map[string]map[string]int `json:"cna_timelines"`
	Metadata      TrendsMetadata            `json:"metadata"`
}

type TrendsMetadata struct {
	Description string `json:"description"`
	TotalCVEs   int    `json:"total_cves"`
	DateRange   string `json:"date_range"`
}

// BuildTemporalTrends counts dated records per month overall and for the
// busiest authorities.
func BuildTemporalTrends(records []*model.Record) TemporalTrends {
	monthly := make(map[string]int)
	byCNA := make(map[string]map[string]int)
	cnaTotals := make(map[string]int)
	total := 0
	for _, r := range records {
		if !r.HasPublished() {
			continue
		}
		total++
		m := r.Published.Format(monthLayout)
		monthly[m]++
		if !r.HasAuthority() {
			continue
		}
		cnaTotals[r.Authority]++
		if byCNA[r.Authority] == nil {
			byCNA[r.Authority] = make(map[string]int)
		}
		byCNA[r.Authority][m]++
	}

	months := slices.Sorted(maps.Keys(monthly))
	out := TemporalTrends{
		MonthlyTotals: monthly,
		TopCNAs:       projection.TopN(cnaTotals, topTrendAuthorities),
		CNATimelines:  make(map[string]map[string]int),
		Metadata: TrendsMetadata{
			Description: "CVE publication trends over time",
			TotalCVEs:   total,
			DateRange:   "N/A",
		},
	}
	for _, cna := range out.TopCNAs {
		line := make(map[string]int, len(months))
		for _, m := range months {
			line[m] = byCNA[cna][m]
		}
		out.CNATimelines[cna] = line
	}
	if len(months) > 0 {
		out.Metadata.DateRange = months[0] + " to " + months[len(months)-1]
	}
	return out
}

type MonthCount struct {
	Month string `json:"month"`
	Count int    `json:"count"`
}

type CWETrend struct {
	CWE            string       `json:"cwe"`
	TotalCount     int          `json:"total_count"`
	MonthlyData    []MonthCount `json:"monthly_data"`
	TrendPercent   float64      `json:"trend_percent"`
	TrendDirection string       `json:"trend_direction"`
}

type CWETrending struct {
	CWEs     []CWETrend       `json:"cwes"`
	Months   []string         `json:"months"`
	Metadata TrendingMetadata `json:"metadata"`
}

type TrendingMetadata struct {
	TotalCWEs      int `json:"total_cwes"`
	MonthsAnalyzed int `json:"months_analyzed"`
}

// trend compares the mean of the second half of the series with the first.
func trend(values []int) (float64, string) {
	if len(values) < 2 {
		return 0, "stable"
	}
	mid := len(values) / 2
	first, second := 0, 0
	for _, v := range values[:mid] {
		first += v
	}
	for _, v := range values[mid:] {
		second += v
	}
	firstAvg := float64(first) / float64(mid)
	secondAvg := float64(second) / float64(len(values)-mid)

	var pct float64
	switch {
	case firstAvg > 0:
		pct = (secondAvg - firstAvg) / firstAvg * 100
	case secondAvg > 0:
		pct = 100
	}
	switch {
	case pct > trendThreshold:
		return pct, "up"
	case pct < -trendThreshold:
		return pct, "down"
	}
	return pct, "stable"
}

// BuildCWETrending reports per weakness monthly counts and whether each is
// rising or falling over the analysed period.
func BuildCWETrending(records []*model.Record) CWETrending {
	counts := make(map[string]map[string]int)
	monthSet := make(map[string]struct{})
	for _, r := range records {
		if !r.HasPublished() || len(r.Weaknesses) == 0 {
			continue
		}
		m := r.Published.Format(monthLayout)
		monthSet[m] = struct{}{}
		for _, w := range r.Weaknesses {
			if counts[w] == nil {
				counts[w] = make(map[string]int)
			}
			counts[w][m]++
		}
	}
	months := slices.Sorted(maps.Keys(monthSet))

	trends := make([]CWETrend, 0, len(counts))
	for cwe, byMonth := range counts {
		t := CWETrend{CWE: cwe, MonthlyData: make([]MonthCount, len(months))}
		values := make([]int, len(months))
		for i, m := range months {
			values[i] = byMonth[m]
			t.MonthlyData[i] = MonthCount{Month: m, Count: byMonth[m]}
			t.TotalCount += byMonth[m]
		}
		pct, dir := trend(values)
		t.TrendPercent, t.TrendDirection = round1(pct), dir
		trends = append(trends, t)
	}
	slices.SortFunc(trends, func(a, b CWETrend) int {
		if a.TotalCount != b.TotalCount {
			return b.TotalCount - a.TotalCount
		}
		return strings.Compare(a.CWE, b.CWE)
	})

	out := CWETrending{
		CWEs:     trends[:min(len(trends), topTrendingCWEs)],
		Months:   months,
		Metadata: TrendingMetadata{TotalCWEs: len(trends), MonthsAnalyzed: len(months)},
	}
	return out
}

type SeverityBreakdown struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
}

type ScoreDistribution struct {
	CWE               string            `json:"cwe"`
	Count             int               `json:"count"`
	Mean              float64           `json:"mean"`
	Median            float64           `json:"median"`
	Min               float64           `json:"min"`
	Max               float64           `json:"max"`
	Q1                float64           `json:"q1"`
	Q3                float64           `json:"q3"`
	SeverityBreakdown SeverityBreakdown `json:"severity_breakdown"`
	AllScores         []float64         `json:"all_scores"`
}

type CWEScores struct {
	Distributions []ScoreDistribution `json:"distributions"`
	Metadata      CWEScoresMetadata   `json:"metadata"`
}

type CWEScoresMetadata struct {
	TotalCWEs   int `json:"total_cwes"`
	TotalScores int `json:"total_scores"`
}

// primaryScore is the first CVSS v3 entry of a record, which puts the
// submitter's own metrics ahead of enrichment.
func primaryScore(r *model.Record) (model.Severity, bool) {
	for _, s := range r.Severities {
		if strings.HasPrefix(s.Version, "3.") {
			return s, true
		}
	}
	return model.Severity{}, false
}

func breakdown(scores []float64) SeverityBreakdown {
	var b SeverityBreakdown
	for _, s := range scores {
		switch {
		case s >= 9.0:
			b.Critical++
		case s >= 7.0:
			b.High++
		case s >= 4.0:
			b.Medium++
		default:
			b.Low++
		}
	}
	return b
}

// BuildCWEScores summarizes the primary score of dated records per weakness.
// Weaknesses with fewer than five scores are left out.
func BuildCWEScores(records []*model.Record) CWEScores {
	scores := make(map[string][]float64)
	for _, r := range records {
		if !r.HasPublished() {
			continue
		}
		s, ok := primaryScore(r)
		if !ok {
			continue
		}
		for _, w := range r.Weaknesses {
			scores[w] = append(scores[w], s.BaseScore)
		}
	}

	dists := make([]ScoreDistribution, 0, len(scores))
	total := 0
	for cwe, raw := range scores {
		n := len(raw)
		if n < minScoresPerCWE {
			continue
		}
		sorted := slices.Sorted(slices.Values(raw))
		sum := 0.0
		for _, s := range raw {
			sum += s
		}
		dists = append(dists, ScoreDistribution{
			CWE:               cwe,
			Count:             n,
			Mean:              round2(sum / float64(n)),
			Median:            round2(sorted[n/2]),
			Min:               round2(sorted[0]),
			Max:               round2(sorted[n-1]),
			Q1:                round2(sorted[n/4]),
			Q3:                round2(sorted[3*n/4]),
			SeverityBreakdown: breakdown(raw),
			AllScores:         raw[:min(n, maxSampledScores)],
		})
		total += n
	}
	slices.SortFunc(dists, func(a, b ScoreDistribution) int {
		if a.Count != b.Count {
			return b.Count - a.Count
		}
		return strings.Compare(a.CWE, b.CWE)
	})

	return CWEScores{
		Distributions: dists[:min(len(dists), topScoredCWEs)],
		Metadata:      CWEScoresMetadata{TotalCWEs: len(dists), TotalScores: total},
	}
}

type TimelineEntry struct {
	CVEID         string   `json:"cve_id"`
	Date          string   `json:"date"`
	Timestamp     string   `json:"timestamp"`
	CVSSScore     float64  `json:"cvss_score"`
	CVSSSeverity  string   `json:"cvss_severity"`
	CVSSVector    string   `json:"cvss_vector"`
	CNA           string   `json:"cna"`
	CWEs          []string `json:"cwes"`
	AffectedCount int      `json:"affected_count"`
}

type DailyAggregate struct {
	Date          string  `json:"date"`
	Count         int     `json:"count"`
	CriticalCount int     `json:"critical_count"`
	HighCount     int     `json:"high_count"`
	MediumCount   int     `json:"medium_count"`
	LowCount      int     `json:"low_count"`
	AvgScore      float64 `json:"avg_score"`
	MaxScore      float64 `json:"max_score"`
}

type DateRange struct {
	Start *string `json:"start"`
	End   *string `json:"end"`
}

type AttackSurface struct {
	Timeline        []TimelineEntry  `json:"timeline"`
	DailyAggregates []DailyAggregate `json:"daily_aggregates"`
	Metadata        struct {
		TotalCVEs int       `json:"total_cves"`
		DateRange DateRange `json:"date_range"`
	} `json:"metadata"`
}

// BuildAttackSurface lists every dated, scored record in publication order
// with per-day severity aggregates.
func BuildAttackSurface(records []*model.Record) AttackSurface {
	type scored struct {
		at    time.Time
		entry TimelineEntry
	}
	var rows []scored
	for _, r := range records {
		if !r.HasPublished() {
			continue
		}
		s, ok := primaryScore(r)
		if !ok {
			continue
		}
		label := s.Label
		if label == "" {
			label = "UNKNOWN"
		}
		cwes := r.Weaknesses
		if cwes == nil {
			cwes = []string{}
		}
		rows = append(rows, scored{at: *r.Published, entry: TimelineEntry{
			CVEID:         r.ID,
			Date:          r.Published.Format(dayLayout),
			Timestamp:     r.Published.Format(time.RFC3339),
			CVSSScore:     s.BaseScore,
			CVSSSeverity:  label,
			CVSSVector:    s.Vector,
			CNA:           r.Authority,
			CWEs:          cwes,
			AffectedCount: r.AffectedCount,
		}})
	}
	slices.SortStableFunc(rows, func(a, b scored) int {
		if c := a.at.Compare(b.at); c != 0 {
			return c
		}
		return strings.Compare(a.entry.CVEID, b.entry.CVEID)
	})

	out := AttackSurface{Timeline: make([]TimelineEntry, 0, len(rows)), DailyAggregates: []DailyAggregate{}}
	sums := make(map[string]float64)
	byDay := make(map[string]*DailyAggregate)
	var days []string
	for _, row := range rows {
		e := row.entry
		out.Timeline = append(out.Timeline, e)
		d, ok := byDay[e.Date]
		if !ok {
			d = &DailyAggregate{Date: e.Date}
			byDay[e.Date] = d
			days = append(days, e.Date)
		}
		d.Count++
		sums[e.Date] += e.CVSSScore
		d.MaxScore = math.Max(d.MaxScore, e.CVSSScore)
		switch {
		case e.CVSSScore >= 9.0:
			d.CriticalCount++
		case e.CVSSScore >= 7.0:
			d.HighCount++
		case e.CVSSScore >= 4.0:
			d.MediumCount++
		default:
			d.LowCount++
		}
	}
	for _, day := range days {
		d := byDay[day]
		d.AvgScore = round2(sums[day] / float64(d.Count))
		out.DailyAggregates = append(out.DailyAggregates, *d)
	}

	out.Metadata.TotalCVEs = len(out.Timeline)
	if n := len(out.Timeline); n > 0 {
		start, end := out.Timeline[0].Date, out.Timeline[n-1].Date
		out.Metadata.DateRange = DateRange{Start: &start, End: &end}
	}
	return out
}
