package normalize

import (
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/cvemaps/internal/model"
)

func parse(t *testing.T, raw string) *model.Document {
	t.Helper()
	doc, err := model.ParseDocument("test.json", []byte(raw))
	require.NoError(t, err)
	return doc
}

const fullDoc = `{
  "cveMetadata": {
    "cveId": "CVE-2024-1234",
    "assignerShortName": "GitHub_M",
    "assignerOrgId": "a0819718-46f1-4df5-94e2-005712e83aaa",
    "datePublished": "2024-05-02T10:00:00.000Z",
    "dateUpdated": "2024-05-03T00:00:00Z",
    "state": "PUBLISHED"
  },
  "containers": {
    "cna": {
      "problemTypes": [{"descriptions": [
        {"type": "CWE", "cweId": "CWE-79", "description": "XSS"},
        {"type": "CWE", "value": "CWE-89 SQL Injection"},
        {"type": "text", "description": "not a weakness"},
        {"type": "CWE", "cweId": "NVD-CWE-Other"}
      ]}],
      "affected": [
        {"vendor": "palo_alto_networks", "product": "PAN-OS"},
        {"vendor": "Palo Alto Networks", "product": "PAN-OS"},
        {"vendor": "n/a", "product": "n/a"},
        {"vendor": "acme", "product": "unknown"},
        {"vendor": "", "product": "orphan"}
      ],
      "references": [{"url": " https://example.com/a "}, {"url": ""}, {"name": "no url"}],
      "metrics": [
        {"cvssV3_1": {"baseScore": 9.8, "baseSeverity": "critical", "vectorString": "CVSS:3.1/AV:N"}, "cvssV2_0": {"baseScore": 7.5}},
        {"cvssV2_0": {"baseScore": 5.0, "vectorString": "AV:N/AC:L"}},
        {"other": {"content": "x"}}
      ]
    },
    "adp": [
      {"problemTypes": [{"descriptions": [{"type": "CWE", "cweId": "CWE-79"}, {"type": "CWE", "cweId": "CWE-20"}]}],
       "metrics": [{"cvssV3_0": {"baseScore": 6.1}}]}
    ]
  }
}`

func TestNormalizeFullDocument(t *testing.T) {
	n := New(time.Time{})
	res := n.Normalize(parse(t, fullDoc))
	require.True(t, res.OK())
	rec := res.Record

	assert.Equal(t, "CVE-2024-1234", rec.ID)
	assert.Equal(t, "GitHub_M", rec.Authority)
	assert.Equal(t, "a0819718-46f1-4df5-94e2-005712e83aaa", rec.AuthorityOrgID)
	require.NotNil(t, rec.Published)
	assert.Equal(t, time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC), *rec.Published)
	assert.Equal(t, "PUBLISHED", rec.State)

	assert.Equal(t, []string{"CWE-20", "CWE-79", "CWE-89 SQL Injection"}, rec.Weaknesses)
	assert.Equal(t, []string{"Acme", "Palo Alto Networks"}, rec.Vendors)
	assert.Equal(t, []model.Product{{Vendor: "Palo Alto Networks", Product: "PAN-OS"}}, rec.Products)
	assert.Equal(t, 2, rec.AffectedCount)
	assert.Equal(t, []string{"https://example.com/a"}, rec.References)

	require.Len(t, rec.Severities, 3)
	assert.Equal(t, model.Severity{Version: "3.1", BaseScore: 9.8, Label: "CRITICAL", Vector: "CVSS:3.1/AV:N", Source: model.SourceCNA}, rec.Severities[0])
	assert.Equal(t, model.Severity{Version: "2.0", BaseScore: 5.0, Label: "MEDIUM", Vector: "AV:N/AC:L", Source: model.SourceCNA}, rec.Severities[1])
	assert.Equal(t, "3.0", rec.Severities[2].Version)
	assert.Equal(t, "MEDIUM", rec.Severities[2].Label)
	assert.Equal(t, model.SourceADP, rec.Severities[2].Source)
}

func TestNormalizeMissingID(t *testing.T) {
	n := New(time.Time{})
	res := n.Normalize(parse(t, `{"cveMetadata": {"assignerShortName": "mitre"}}`))
	assert.False(t, res.OK())
	assert.Equal(t, SkipMissingID, res.Skip)

	res = n.Normalize(parse(t, `{"cveMetadata": {"cveId": "   "}}`))
	assert.Equal(t, SkipMissingID, res.Skip)
}

func TestNormalizeCutoff(t *testing.T) {
	cutoff := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	n := New(cutoff)

	res := n.Normalize(parse(t, `{"cveMetadata": {"cveId": "CVE-1", "datePublished": "2024-01-09T23:59:59Z"}}`))
	assert.Equal(t, SkipBeforeCutoff, res.Skip)

	res = n.Normalize(parse(t, `{"cveMetadata": {"cveId": "CVE-2", "datePublished": "2024-01-10T00:00:00"}}`))
	require.True(t, res.OK())

	res = n.Normalize(parse(t, `{"cveMetadata": {"cveId": "CVE-3", "datePublished": "last tuesday"}}`))
	require.True(t, res.OK(), "unparseable timestamps are kept")
	assert.Nil(t, res.Record.Published)
}

func TestNormalizeAuthorityFallback(t *testing.T) {
	n := New(time.Time{})
	res := n.Normalize(parse(t, `{"cveMetadata": {"cveId": "CVE-1", "assignerOrgId": "org-uuid"}}`))
	require.True(t, res.OK())
	assert.Equal(t, "org-uuid", res.Record.Authority)

	res = n.Normalize(parse(t, `{"cveMetadata": {"cveId": "CVE-2"}}`))
	require.True(t, res.OK())
	assert.False(t, res.Record.HasAuthority())
}

func TestParseTimestamp(t *testing.T) {
	cases := map[string]time.Time{
		"2024-01-01T00:00:00Z":          time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		"2024-01-01T02:00:00+02:00":     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		"2024-01-01T00:00:00.123":       time.Date(2024, 1, 1, 0, 0, 0, 123000000, time.UTC),
		"2024-01-01":                    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		"2024-01-01 08:30:00":           time.Date(2024, 1, 1, 8, 30, 0, 0, time.UTC),
		"2024-03-05T10:11:12.000000000Z": time.Date(2024, 3, 5, 10, 11, 12, 0, time.UTC),
	}
	for in, want := range cases {
		got, ok := ParseTimestamp(in)
		require.True(t, ok, in)
		assert.True(t, want.Equal(got), "%s: got %s", in, got)
	}

	_, ok := ParseTimestamp("01/02/2024")
	assert.False(t, ok)
}

func TestDeriveLabel(t *testing.T) {
	assert.Equal(t, "LOW", DeriveLabel("2.0", 3.9))
	assert.Equal(t, "MEDIUM", DeriveLabel("2.0", 4.0))
	assert.Equal(t, "HIGH", DeriveLabel("2.0", 10))
	assert.Equal(t, "NONE", DeriveLabel("3.1", 0))
	assert.Equal(t, "HIGH", DeriveLabel("3.1", 8.9))
	assert.Equal(t, "CRITICAL", DeriveLabel("3.0", 9.0))
}

func weaknessDoc(id string, cna, adp []string) *model.Document {
	descs := func(codes []string) []any {
		out := make([]any, 0, len(codes))
		for _, c := range codes {
			out = append(out, map[string]any{"type": "CWE", "cweId": c})
		}
		return out
	}
	return model.NewDocument(map[string]any{
		"cveMetadata": map[string]any{"cveId": id},
		"containers": map[string]any{
			"cna": map[string]any{"problemTypes": []any{map[string]any{"descriptions": descs(cna)}}},
			"adp": []any{map[string]any{"problemTypes": []any{map[string]any{"descriptions": descs(adp)}}}},
		},
	})
}

func TestWeaknessExtractionIgnoresSectionOrder(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	code := gen.IntRange(1, 40).Map(func(n int) string { return fmt.Sprintf("CWE-%d", n) })

	properties.Property("swapping sections yields the same set", prop.ForAll(
		func(a, b []string) bool {
			n := New(time.Time{})
			r1 := n.Normalize(weaknessDoc("CVE-X", a, b))
			r2 := n.Normalize(weaknessDoc("CVE-X", b, a))
			r3 := n.Normalize(weaknessDoc("CVE-X", append(append([]string{}, a...), b...), nil))
			return slices.Equal(r1.Record.Weaknesses, r2.Record.Weaknesses) &&
				slices.Equal(r1.Record.Weaknesses, r3.Record.Weaknesses)
		},
		gen.SliceOf(code),
		gen.SliceOf(code),
	))

	properties.TestingRun(t)
}

func TestAcceptedRecordsRespectCutoff(t *testing.T) {
	params := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(params)
	cutoff := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	properties.Property("accepted records carry an id and are not before the cutoff", prop.ForAll(
		func(offsetHours int, withID bool) bool {
			meta := map[string]any{
				"datePublished": cutoff.Add(time.Duration(offsetHours) * time.Hour).Format(time.RFC3339),
			}
			if withID {
				meta["cveId"] = "CVE-2024-0001"
			}
			res := New(cutoff).Normalize(model.NewDocument(map[string]any{"cveMetadata": meta}))
			if !res.OK() {
				return res.Skip == SkipMissingID || offsetHours < 0
			}
			return res.Record.ID != "" && !res.Record.Published.Before(cutoff)
		},
		gen.IntRange(-24*400, 24*400),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
