package normalize

import (
	"slices"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/yourorg/cvemaps/internal/model"
)

type SkipReason string

const (
	SkipMissingID    SkipReason = "missing_id"
	SkipBeforeCutoff SkipReason = "before_cutoff"
)

// Result is either an accepted Record or the reason the document was skipped.
type Result struct {
	Record *model.Record
	Skip   SkipReason
}

func (r Result) OK() bool { return r.Record != nil }

const weaknessPrefix = "CWE-"

// Normalizer turns raw documents into Records. It is not safe for concurrent
// use.
type Normalizer struct {
	cutoff time.Time
	title  cases.Caser
}

// New returns a Normalizer dropping records published strictly before cutoff.
// A zero cutoff keeps everything.
func New(cutoff time.Time) *Normalizer {
	return &Normalizer{cutoff: cutoff, title: cases.Title(language.Und)}
}

func (n *Normalizer) Normalize(doc *model.Document) Result {
	id, ok := doc.CVEID()
	if !ok {
		return Result{Skip: SkipMissingID}
	}

	rec := &model.Record{
		ID:      id,
		Updated: doc.DateUpdated(),
		State:   doc.State(),
	}

	if raw, ok := doc.DatePublished(); ok {
		if ts, ok := ParseTimestamp(raw); ok {
			if !n.cutoff.IsZero() && ts.Before(n.cutoff) {
				return Result{Skip: SkipBeforeCutoff}
			}
			rec.Published = &ts
		}
	}

	if name, ok := doc.AssignerShortName(); ok {
		rec.Authority = name
	}
	if org, ok := doc.AssignerOrgID(); ok {
		rec.AuthorityOrgID = org
		if rec.Authority == "" {
			rec.Authority = org
		}
	}

	cna := doc.CNA()
	adp := doc.ADP()

	containers := append([]model.Object{cna}, adp...)
	rec.Weaknesses = weaknesses(containers)
	rec.Vendors, rec.Products, rec.AffectedCount = n.affected(cna)
	rec.References = references(cna)
	rec.Severities = severities(cna, adp)

	return Result{Record: rec}
}

func weaknesses(containers []model.Object) []string {
	seen := make(map[string]struct{})
	for _, c := range containers {
		for _, d := range model.WeaknessDescriptions(c) {
			if t, _ := d.Str("type"); t != "CWE" {
				continue
			}
			v, ok := d.Str("cweId")
			if !ok {
				v, ok = d.Str("value")
			}
			if !ok || !strings.HasPrefix(v, weaknessPrefix) {
				continue
			}
			seen[v] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

func isSentinel(s string) bool {
	switch strings.ToLower(s) {
	case "", "n/a", "unknown":
		return true
	}
	return false
}

// NormalizeVendor folds case and underscores so that "palo_alto_networks" and
// "Palo Alto Networks" group together.
func (n *Normalizer) NormalizeVendor(v string) string {
	v = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(v)), "_", " ")
	return n.title.String(v)
}

func (n *Normalizer) affected(cna model.Object) ([]string, []model.Product, int) {
	vendors := make(map[string]struct{})
	products := make(map[model.Product]struct{})
	count := 0
	for _, a := range model.Affected(cna) {
		rawVendor, _ := a.Str("vendor")
		product, _ := a.Str("product")
		if isSentinel(rawVendor) {
			continue
		}
		vendor := n.NormalizeVendor(rawVendor)
		vendors[vendor] = struct{}{}
		if isSentinel(product) {
			continue
		}
		products[model.Product{Vendor: vendor, Product: product}] = struct{}{}
		count++
	}

	ps := make([]model.Product, 0, len(products))
	for p := range products {
		ps = append(ps, p)
	}
	slices.SortFunc(ps, func(a, b model.Product) int { return strings.Compare(a.Key(), b.Key()) })
	return sortedKeys(vendors), ps, count
}

func references(cna model.Object) []string {
	seen := make(map[string]struct{})
	for _, r := range model.References(cna) {
		if url, ok := r.Str("url"); ok {
			seen[url] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

var metricVersions = []struct {
	key     string
	version string
}{
	{"cvssV3_1", "3.1"},
	{"cvssV3_0", "3.0"},
	{"cvssV2_0", "2.0"},
}

// severities lists the submitter's entries first, then the enrichment ones.
func severities(cna model.Object, adp []model.Object) []model.Severity {
	var out []model.Severity
	add := func(c model.Object, source string) {
		for _, m := range model.Metrics(c) {
			if s, ok := firstSeverity(m); ok {
				s.Source = source
				out = append(out, s)
			}
		}
	}
	add(cna, model.SourceCNA)
	for _, c := range adp {
		add(c, model.SourceADP)
	}
	return out
}

func firstSeverity(metric model.Object) (model.Severity, bool) {
	for _, mv := range metricVersions {
		block := metric.Obj(mv.key)
		if block == nil {
			continue
		}
		score, ok := block.Float("baseScore")
		if !ok || score < 0 || score > 10 {
			continue
		}
		label, ok := block.Str("baseSeverity")
		if ok {
			label = strings.ToUpper(label)
		} else {
			label = DeriveLabel(mv.version, score)
		}
		return model.Severity{
			Version:   mv.version,
			BaseScore: score,
			Label:     label,
			Vector:    block.StrOr("vectorString", ""),
		}, true
	}
	return model.Severity{}, false
}

// DeriveLabel maps a base score to a qualitative rating. CVSS v2 has no
// CRITICAL or NONE band.
func DeriveLabel(version string, score float64) string {
	if version == "2.0" {
		switch {
		case score < 4.0:
			return "LOW"
		case score < 7.0:
			return "MEDIUM"
		default:
			return "HIGH"
		}
	}
	switch {
	case score == 0:
		return "NONE"
	case score < 4.0:
		return "LOW"
	case score < 7.0:
		return "MEDIUM"
	case score < 9.0:
		return "HIGH"
	default:
		return "CRITICAL"
	}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
