package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yourorg/cvemaps/internal/aggregate"
	"github.com/yourorg/cvemaps/internal/config"
	"github.com/yourorg/cvemaps/internal/db"
	"github.com/yourorg/cvemaps/internal/export"
	"github.com/yourorg/cvemaps/internal/graph"
	"github.com/yourorg/cvemaps/internal/layout"
	"github.com/yourorg/cvemaps/internal/metrics"
)

func cveDoc(t *testing.T, id, cna, published string, cwes ...string) []byte {
	t.Helper()
	var descs []map[string]any
	for _, c := range cwes {
		descs = append(descs, map[string]any{"type": "CWE", "cweId": c, "lang": "en"})
	}
	doc := map[string]any{
		"cveMetadata": map[string]any{
			"cveId":             id,
			"assignerShortName": cna,
			"assignerOrgId":     "org-" + cna,
			"datePublished":     published,
		},
		"containers": map[string]any{
			"cna": map[string]any{
				"problemTypes": []any{map[string]any{"descriptions": descs}},
				"affected":     []any{map[string]any{"vendor": "acme_corp", "product": "widget"}},
				"references":   []any{map[string]any{"url": "https://example.com/" + id}},
				"metrics": []any{map[string]any{"cvssV3_1": map[string]any{
					"baseScore": 7.5, "baseSeverity": "HIGH", "vectorString": "CVSS:3.1/AV:N",
				}}},
			},
		},
	}
	b, err := json.Marshal(doc)
	require.NoError(t, err)
	return b
}

func scenarioCorpus(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	files := map[string][]byte{
		"2024/0xxx/CVE-2024-0001.json": cveDoc(t, "CVE-2024-0001", "A", "2024-01-01T00:00:00Z", "CWE-79", "CWE-89"),
		"2024/0xxx/CVE-2024-0002.json": cveDoc(t, "CVE-2024-0002", "A", "2024-06-01T00:00:00Z", "CWE-79"),
		"2024/0xxx/CVE-2024-0003.json": cveDoc(t, "CVE-2024-0003", "B", "2024-01-15T00:00:00Z", "CWE-89"),
		"2024/0xxx/CVE-2024-0004.json": []byte(`{"cveMetadata": `),
	}
	for name, b := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, b, 0o644))
	}
	return root
}

func testConfig(t *testing.T, corpus string) config.Config {
	cfg := config.Defaults()
	cfg.CVEDataDir = corpus
	cfg.WebDataDir = filepath.Join(t.TempDir(), "web", "data")
	cfg.DaysBack = 0
	cfg.MinSharedCWEs = 1
	cfg.EgoCNAName = "A"
	cfg.ForceIterations = 5
	return cfg
}

func TestRunWritesEveryOutput(t *testing.T) {
	cfg := testConfig(t, scenarioCorpus(t))
	r := NewRunner(cfg, zap.NewNop(), metrics.NewRegistry(), nil, nil)

	sum, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, sum.Failed())
	assert.NotEmpty(t, sum.RunID)
	assert.Equal(t, 4, sum.Loader.Files)
	assert.Equal(t, 1, sum.Loader.Malformed)
	assert.Equal(t, 3, sum.Kept)
	assert.Equal(t, 3, sum.Pairs["cna_cwe"])

	for _, j := range Catalog(cfg) {
		assert.FileExists(t, filepath.Join(cfg.WebDataDir, j.File()), j.Name)
	}
	assert.FileExists(t, filepath.Join(cfg.WebDataDir, export.LastUpdatedFile))
	assert.Len(t, sum.Results, len(Catalog(cfg))+1)
	assert.Equal(t, PrimaryJob, sum.Results[0].Name)

	primary, err := export.ReadDocument(filepath.Join(cfg.WebDataDir, PrimaryJob+".json"))
	require.NoError(t, err)
	assert.Len(t, primary.Nodes, 4)
	assert.Len(t, primary.Links, 3)
	assert.Equal(t, float64(3), primary.Metadata.Extra["cve_count"])
	assert.Equal(t, layout.NameBipartite, primary.Metadata.Layout)
	for _, n := range primary.Nodes {
		if n.ID == "A" {
			assert.Equal(t, "org-A", n.Attrs["uuid"])
		}
	}
}

func TestCooccurrenceOutputsKeepEveryKey(t *testing.T) {
	cfg := testConfig(t, scenarioCorpus(t))
	_, err := NewRunner(cfg, nil, nil, nil, nil).Run(context.Background())
	require.NoError(t, err)

	// Every record names the same single product, so it never pairs up.
	products, err := export.ReadDocument(filepath.Join(cfg.WebDataDir, "product_dependency_map.json"))
	require.NoError(t, err)
	require.Len(t, products.Nodes, 1)
	assert.Equal(t, "Acme Corp::widget", products.Nodes[0].ID)
	assert.Equal(t, float64(3), products.Nodes[0].Attrs["cve_count"])
	assert.Empty(t, products.Links)

	cwes, err := export.ReadDocument(filepath.Join(cfg.WebDataDir, "cwe_cooccurrence_map.json"))
	require.NoError(t, err)
	assert.Len(t, cwes.Nodes, 2)
	assert.Len(t, cwes.Links, 1)
}

func TestEgoOutput(t *testing.T) {
	cfg := testConfig(t, scenarioCorpus(t))
	_, err := NewRunner(cfg, nil, nil, nil, nil).Run(context.Background())
	require.NoError(t, err)

	doc, err := export.ReadDocument(filepath.Join(cfg.WebDataDir, "a_ego_network.json"))
	require.NoError(t, err)
	var ids []string
	for _, n := range doc.Nodes {
		ids = append(ids, n.ID)
	}
	slices.Sort(ids)
	assert.Equal(t, []string{"A", "CWE-79", "CWE-89"}, ids)
}

func TestRunWithoutAssociations(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "CVE-2024-0001.json"),
		cveDoc(t, "CVE-2024-0001", "A", "2024-01-01T00:00:00Z"), 0o644))
	cfg := testConfig(t, root)

	sum, err := NewRunner(cfg, nil, nil, nil, nil).Run(context.Background())
	require.ErrorIs(t, err, ErrNoAssociations)
	assert.Empty(t, sum.Results)
	assert.NoFileExists(t, filepath.Join(cfg.WebDataDir, PrimaryJob+".json"))
}

func TestRunMissingCorpus(t *testing.T) {
	cfg := testConfig(t, filepath.Join(t.TempDir(), "absent"))
	_, err := NewRunner(cfg, nil, nil, nil, nil).Run(context.Background())
	require.Error(t, err)
}

func emptyGraph(*aggregate.Associations) (*graph.Graph, map[string]any, error) {
	return graph.Empty(false), nil, nil
}

func TestPrimaryFailureHaltsRun(t *testing.T) {
	cfg := testConfig(t, scenarioCorpus(t))
	r := NewRunner(cfg, nil, nil, nil, nil)
	var secondaryRan bool
	r.jobs = []Job{
		{Name: PrimaryJob, Layout: layout.NameBipartite, Graph: func(*aggregate.Associations) (*graph.Graph, map[string]any, error) {
			return nil, nil, errors.New("boom")
		}},
		{Name: "secondary", Layout: layout.NameCircular, Graph: func(a *aggregate.Associations) (*graph.Graph, map[string]any, error) {
			secondaryRan = true
			return emptyGraph(a)
		}},
	}

	sum, err := r.Run(context.Background())
	require.ErrorIs(t, err, ErrPrimaryFailed)
	assert.False(t, secondaryRan)
	require.Len(t, sum.Results, 1)
	assert.Equal(t, StatusFailed, sum.Results[0].Status)
	assert.NoFileExists(t, filepath.Join(cfg.WebDataDir, export.LastUpdatedFile))
}

func TestSecondaryFailuresAreIsolated(t *testing.T) {
	cfg := testConfig(t, scenarioCorpus(t))
	cfg.WorkerConcurrency = 2
	r := NewRunner(cfg, nil, nil, nil, nil)
	r.jobs = []Job{
		{Name: PrimaryJob, Layout: layout.NameBipartite, Graph: emptyGraph},
		{Name: "broken", Layout: layout.NameCircular, Graph: func(*aggregate.Associations) (*graph.Graph, map[string]any, error) {
			return nil, nil, errors.New("boom")
		}},
		{Name: "panicky", Layout: layout.NameCircular, Graph: func(*aggregate.Associations) (*graph.Graph, map[string]any, error) {
			panic("bad projection")
		}},
		{Name: "unknown_layout", Layout: "radial", Graph: emptyGraph},
		{Name: "fine", Layout: layout.NameCircular, Graph: emptyGraph},
		{Name: "doc", Doc: func(a *aggregate.Associations) any { return map[string]int{"records": len(a.Records)} }},
	}

	sum, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, sum.Failed())

	status := map[string]string{}
	for _, res := range sum.Results {
		status[res.Name] = res.Status
	}
	assert.Equal(t, map[string]string{
		PrimaryJob:       StatusOK,
		"broken":         StatusFailed,
		"panicky":        StatusFailed,
		"unknown_layout": StatusFailed,
		"fine":           StatusOK,
		"doc":            StatusOK,
		"last_updated":   StatusOK,
	}, status)
	assert.FileExists(t, filepath.Join(cfg.WebDataDir, "fine.json"))
	assert.NoFileExists(t, filepath.Join(cfg.WebDataDir, "broken.json"))

	b, err := os.ReadFile(filepath.Join(cfg.WebDataDir, "doc.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"records": 3}`, string(b))
}

func TestMaxNodesSkipsLargeGraphs(t *testing.T) {
	cfg := testConfig(t, scenarioCorpus(t))
	r := NewRunner(cfg, nil, nil, nil, nil)
	r.jobs = []Job{
		{Name: PrimaryJob, Layout: layout.NameBipartite, Graph: emptyGraph},
		{Name: "big", Layout: layout.NameForce, MaxNodes: 2, Graph: func(a *aggregate.Associations) (*graph.Graph, map[string]any, error) {
			g, err := authorityWeakness(a, 0)
			return g, nil, err
		}},
	}
	sum, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, sum.Failed())
	assert.Equal(t, StatusSkipped, sum.Results[1].Status)
	assert.Equal(t, 4, sum.Results[1].Nodes)
	assert.NoFileExists(t, filepath.Join(cfg.WebDataDir, "big.json"))
}

func TestCancelledRun(t *testing.T) {
	cfg := testConfig(t, scenarioCorpus(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewRunner(cfg, nil, nil, nil, nil).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

type fakeLedger struct {
	mu        sync.Mutex
	started   []string
	progress  []int
	exports   []db.Export
	finished  []error
	published []string
	failStart bool
}

func (f *fakeLedger) StartRun(_ context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStart {
		return errors.New("db down")
	}
	f.started = append(f.started, runID)
	return nil
}

func (f *fakeLedger) UpdateRunProgress(_ context.Context, _ string, pct int, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = append(f.progress, pct)
	return nil
}

func (f *fakeLedger) RecordExports(_ context.Context, exports []db.Export) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exports = append(f.exports, exports...)
	return nil
}

func (f *fakeLedger) FinishRun(_ context.Context, _ string, _, _ int, runErr error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = append(f.finished, runErr)
	return nil
}

func (f *fakeLedger) MarkPublished(_ context.Context, _, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, name)
	return nil
}

type fakePublisher struct {
	mu    sync.Mutex
	keys  []string
	fails map[string]int
}

func (f *fakePublisher) UploadFile(_ context.Context, bucket, key, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails[key] > 0 {
		f.fails[key]--
		return errors.New("transient")
	}
	if _, err := os.Stat(path); err != nil {
		return err
	}
	f.keys = append(f.keys, bucket+"/"+key)
	return nil
}

func TestLedgerAndPublisher(t *testing.T) {
	cfg := testConfig(t, scenarioCorpus(t))
	cfg.PublishBucket = "maps"
	cfg.PublishPrefix = "v1"
	ledger := &fakeLedger{}
	pub := &fakePublisher{fails: map[string]int{"v1/" + PrimaryJob + ".json": 1}}
	r := NewRunner(cfg, nil, nil, ledger, pub)
	r.jobs = []Job{
		{Name: PrimaryJob, Layout: layout.NameBipartite, Graph: emptyGraph},
		{Name: "fine", Layout: layout.NameCircular, Graph: emptyGraph},
	}

	sum, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{sum.RunID}, ledger.started)
	assert.True(t, slices.IsSorted(ledger.progress))
	assert.Equal(t, 100, ledger.progress[len(ledger.progress)-1])
	require.Len(t, ledger.exports, 3)
	assert.Equal(t, PrimaryJob, ledger.exports[0].Name)
	assert.Equal(t, sum.RunID, ledger.exports[0].RunID)
	assert.Equal(t, []error{nil}, ledger.finished)

	slices.Sort(pub.keys)
	assert.Equal(t, []string{"maps/v1/cna_to_cwe_map.json", "maps/v1/fine.json", "maps/v1/last_updated.txt"}, pub.keys)
	assert.ElementsMatch(t, []string{PrimaryJob, "fine", "last_updated"}, ledger.published)
}

func TestLedgerUnavailableDoesNotFailRun(t *testing.T) {
	cfg := testConfig(t, scenarioCorpus(t))
	ledger := &fakeLedger{failStart: true}
	r := NewRunner(cfg, nil, nil, ledger, nil)
	r.jobs = []Job{{Name: PrimaryJob, Layout: layout.NameBipartite, Graph: emptyGraph}}

	_, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ledger.exports)
	assert.Empty(t, ledger.finished)
}

func TestFinishRecordsFailure(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "CVE-2024-0001.json"),
		cveDoc(t, "CVE-2024-0001", "A", "2024-01-01T00:00:00Z"), 0o644))
	ledger := &fakeLedger{}
	_, err := NewRunner(testConfig(t, root), nil, nil, ledger, nil).Run(context.Background())
	require.ErrorIs(t, err, ErrNoAssociations)
	require.Len(t, ledger.finished, 1)
	assert.ErrorIs(t, ledger.finished[0], ErrNoAssociations)
}

func TestRetry(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errors.New("again")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	last := errors.New("last")
	err = Retry(context.Background(), 2, time.Millisecond, func() error {
		calls++
		return last
	})
	assert.Same(t, last, err)
	assert.Equal(t, 2, calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls = 0
	err = Retry(ctx, 5, time.Hour, func() error {
		calls++
		return errors.New("down")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDerivePct(t *testing.T) {
	assert.Equal(t, 5, derivePct(stageStart))
	assert.Equal(t, 10, derivePct(stageLoad))
	assert.Equal(t, 40, derivePct(stageAggregate))
	assert.Equal(t, 50, derivePct(stageProject))
	assert.Equal(t, 95, derivePct(stagePublish))
	assert.Equal(t, 100, derivePct(stageDone))
	assert.Equal(t, 50, derivePct("other"))
}

func TestUploaderIsolatesFailures(t *testing.T) {
	dir := t.TempDir()
	ok := filepath.Join(dir, "a.json")
	require.NoError(t, os.WriteFile(ok, []byte(`{}`), 0o644))

	m := metrics.NewRegistry()
	up := &Uploader{Publisher: &fakePublisher{}, Bucket: "b", Concurrency: 2, Metrics: m}
	done, err := up.Upload(context.Background(), []Artifact{
		{Name: "a", Path: ok},
		{Name: "missing", Path: filepath.Join(dir, "missing.json")},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upload missing")
	require.Len(t, done, 1)
	assert.Equal(t, "a", done[0].Name)
}

func TestEgoJobName(t *testing.T) {
	assert.Equal(t, "mitre_ego_network", EgoJobName("mitre"))
	assert.Equal(t, "red_hat__inc__ego_network", EgoJobName("Red Hat, Inc."))
}
