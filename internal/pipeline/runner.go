package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yourorg/cvemaps/internal/aggregate"
	"github.com/yourorg/cvemaps/internal/config"
	"github.com/yourorg/cvemaps/internal/db"
	"github.com/yourorg/cvemaps/internal/export"
	"github.com/yourorg/cvemaps/internal/layout"
	"github.com/yourorg/cvemaps/internal/loader"
	"github.com/yourorg/cvemaps/internal/metrics"
	"github.com/yourorg/cvemaps/internal/normalize"
)

var (
	// ErrNoAssociations means the corpus produced no authority to weakness
	// association, so no projection is meaningful.
	ErrNoAssociations = errors.New("no associations found")
	// ErrPrimaryFailed means the primary projection failed and the run was
	// halted before the secondary jobs.
	ErrPrimaryFailed = errors.New("primary projection failed")
)

const (
	StatusOK      = "ok"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Ledger records runs and their exports. *db.Store implements it.
type Ledger interface {
	StartRun(ctx context.Context, runID string) error
	UpdateRunProgress(ctx context.Context, runID string, pct int, msg string) error
	RecordExports(ctx context.Context, exports []db.Export) error
	FinishRun(ctx context.Context, runID string, filesRead, recordsKept int, runErr error) error
	MarkPublished(ctx context.Context, runID, name string) error
}

// Result is the outcome of one job.
type Result struct {
	Name     string
	Path     string
	Layout   string
	Status   string
	Nodes    int
	Edges    int
	Bytes    int64
	Duration time.Duration
	Err      error
}

// Summary reports per-stage counts and per-job outcomes of a run.
type Summary struct {
	RunID  string
	Loader loader.Stats

	Documents    int
	Kept         int
	MissingID    int
	BeforeCutoff int

	Pairs   map[string]int
	Results []Result
}

// Failed reports whether any job did not succeed. Skipped jobs count as
// success.
func (s Summary) Failed() bool {
	for _, r := range s.Results {
		if r.Status == StatusFailed {
			return true
		}
	}
	return false
}

type Runner struct {
	cfg       config.Config
	log       *zap.Logger
	metrics   *metrics.Registry
	ledger    Ledger
	publisher Publisher
	jobs      []Job
	now       func() time.Time
}

// NewRunner wires a run. ledger and publisher may be nil.
func NewRunner(cfg config.Config, log *zap.Logger, m *metrics.Registry, ledger Ledger, publisher Publisher) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewRegistry()
	}
	return &Runner{
		cfg:       cfg,
		log:       log,
		metrics:   m,
		ledger:    ledger,
		publisher: publisher,
		jobs:      Catalog(cfg),
		now:       time.Now,
	}
}

// run carries the state of one Run call.
type run struct {
	*Runner
	log    *zap.Logger
	ledger Ledger
	prog   *progress
	sum    *Summary
}

// Run loads the corpus, aggregates it once and runs every job. The primary
// projection runs alone first; the rest run on a bounded pool. A failed
// secondary job is reported in the Summary but does not return an error.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	sum := Summary{RunID: uuid.NewString()}
	x := &run{Runner: r, log: r.log.With(zap.String("run_id", sum.RunID)), ledger: r.ledger, sum: &sum}
	started := r.now()

	if x.ledger != nil {
		err := Retry(ctx, retryAttempts, retryBaseDelay, func() error { return x.ledger.StartRun(ctx, sum.RunID) })
		if err != nil {
			x.log.Warn("ledger unavailable, continuing without it", zap.Error(err))
			x.ledger = nil
		}
	}
	x.prog = &progress{log: x.log, ledger: x.ledger, runID: sum.RunID}
	x.prog.report(ctx, stageStart, "")

	assoc, err := x.aggregate(ctx, started)
	if err == nil {
		err = x.project(ctx, assoc)
	}
	if err == nil {
		err = ctx.Err()
	}
	x.recordExports(ctx)
	if err == nil {
		x.prog.report(ctx, stagePublish, "")
		x.publish(ctx)
	}
	x.finish(ctx, started, err)
	return sum, err
}

func (x *run) aggregate(ctx context.Context, started time.Time) (*aggregate.Associations, error) {
	r, log, sum := x.Runner, x.log, x.sum
	x.prog.report(ctx, stageLoad, r.cfg.CVEDataDir)
	t0 := r.now()
	ld, err := loader.New(r.cfg.CVEDataDir, r.cfg.ProgressInterval, log)
	if err != nil {
		return nil, err
	}
	cutoff := r.cfg.Cutoff(started)
	norm := normalize.New(cutoff)
	agg := aggregate.New()

	for entry := range ld.All() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.Skip != "" {
			continue
		}
		sum.Documents++
		res := norm.Normalize(entry.Doc)
		switch res.Skip {
		case normalize.SkipMissingID:
			sum.MissingID++
			r.metrics.RecordsTotal.WithLabelValues(string(res.Skip)).Inc()
			continue
		case normalize.SkipBeforeCutoff:
			sum.BeforeCutoff++
			r.metrics.RecordsTotal.WithLabelValues(string(res.Skip)).Inc()
			continue
		}
		sum.Kept++
		r.metrics.RecordsTotal.WithLabelValues("kept").Inc()
		agg.Add(res.Record)
	}
	sum.Loader = ld.Stats()
	r.metrics.FilesTotal.WithLabelValues("read").Add(float64(sum.Loader.Files - sum.Loader.Unreadable))
	r.metrics.FilesTotal.WithLabelValues(string(loader.SkipUnreadable)).Add(float64(sum.Loader.Unreadable))
	r.metrics.FilesTotal.WithLabelValues(string(loader.SkipMalformed)).Add(float64(sum.Loader.Malformed))
	r.metrics.RecordStage(stageLoad, r.now().Sub(t0))

	x.prog.report(ctx, stageAggregate, "")
	t0 = r.now()
	assoc := agg.Finalize(r.cfg.TemporalWindowDays, r.cfg.MinSharedRefs)
	sum.Pairs = map[string]int{
		"cna_cwe":              assoc.AuthorityWeakness.Len(),
		"vendor_cwe":           assoc.VendorWeakness.Len(),
		"product_cwe":          assoc.ProductWeakness.Len(),
		"cna_vendor":           assoc.AuthorityVendor.Len(),
		"cwe_cooccurrence":     assoc.WeaknessCooccurrence.Len(),
		"product_cooccurrence": assoc.ProductCooccurrence.Len(),
		"temporal_links":       len(assoc.Temporal),
		"reference_links":      len(assoc.SharedReferences),
	}
	for name, n := range sum.Pairs {
		r.metrics.Associations.WithLabelValues(name).Set(float64(n))
	}
	r.metrics.RecordStage(stageAggregate, r.now().Sub(t0))

	log.Info("corpus aggregated",
		zap.Int("files", sum.Loader.Files),
		zap.Int("unreadable", sum.Loader.Unreadable),
		zap.Int("malformed", sum.Loader.Malformed),
		zap.Int("kept", sum.Kept),
		zap.Int("before_cutoff", sum.BeforeCutoff),
		zap.Int("missing_id", sum.MissingID),
		zap.Int("associations", assoc.AuthorityWeakness.Len()),
	)
	if assoc.Empty() {
		return nil, ErrNoAssociations
	}
	return assoc, nil
}

func (x *run) project(ctx context.Context, assoc *aggregate.Associations) error {
	r, sum := x.Runner, x.sum
	t0 := r.now()
	defer func() { r.metrics.RecordStage(stageProject, r.now().Sub(t0)) }()

	x.prog.jobsTotal = len(r.jobs)
	x.prog.report(ctx, stageProject, "")

	var rest []Job
	for _, j := range r.jobs {
		if j.Name == PrimaryJob {
			res := r.runJob(ctx, x.log, j, assoc)
			sum.Results = append(sum.Results, res)
			x.prog.jobFinished(ctx, j.Name)
			if res.Status != StatusOK {
				return fmt.Errorf("%w: %v", ErrPrimaryFailed, res.Err)
			}
			continue
		}
		rest = append(rest, j)
	}

	results := make([]Result, len(rest))
	sem := make(chan struct{}, max(r.cfg.WorkerConcurrency, 1))
	var wg sync.WaitGroup
	for i, j := range rest {
		sem <- struct{}{}
		if err := ctx.Err(); err != nil {
			<-sem
			results[i] = Result{Name: j.Name, Layout: j.Layout, Status: StatusSkipped, Err: err}
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = r.runJob(ctx, x.log, j, assoc)
			x.prog.jobFinished(ctx, j.Name)
		}()
	}
	wg.Wait()
	sum.Results = append(sum.Results, results...)

	stamp := Result{Name: "last_updated", Path: filepath.Join(r.cfg.WebDataDir, export.LastUpdatedFile), Status: StatusOK}
	if err := export.WriteLastUpdated(r.cfg.WebDataDir, r.now()); err != nil {
		x.log.Error("write last_updated failed", zap.Error(err))
		stamp.Status, stamp.Err = StatusFailed, err
	}
	sum.Results = append(sum.Results, stamp)
	return nil
}

// runJob builds, lays out and writes one job. Panics and errors are
// confined to the returned Result.
func (r *Runner) runJob(ctx context.Context, log *zap.Logger, j Job, assoc *aggregate.Associations) (res Result) {
	start := r.now()
	res = Result{Name: j.Name, Layout: j.Layout, Path: filepath.Join(r.cfg.WebDataDir, j.File())}
	log = log.With(zap.String("projection", j.Name))
	defer func() {
		if p := recover(); p != nil {
			res.Status, res.Err = StatusFailed, fmt.Errorf("panic: %v", p)
		}
		res.Duration = r.now().Sub(start)
		r.metrics.RecordProjection(j.Name, res.Status, res.Duration, res.Nodes, res.Edges, res.Bytes)
		switch res.Status {
		case StatusOK:
			log.Info("projection written", zap.String("path", res.Path), zap.Int("nodes", res.Nodes),
				zap.Int("edges", res.Edges), zap.Int64("bytes", res.Bytes), zap.Duration("took", res.Duration))
		case StatusSkipped:
			log.Info("projection skipped", zap.Error(res.Err))
		default:
			log.Error("projection failed", zap.Error(res.Err))
		}
	}()

	if err := ctx.Err(); err != nil {
		res.Status, res.Err = StatusSkipped, err
		return res
	}

	var doc any
	if j.Doc != nil {
		doc = j.Doc(assoc)
	} else {
		g, extra, err := j.Graph(assoc)
		if err != nil {
			res.Status, res.Err = StatusFailed, fmt.Errorf("project: %w", err)
			return res
		}
		res.Nodes, res.Edges = g.NodeCount(), g.EdgeCount()
		if j.MaxNodes > 0 && g.NodeCount() > j.MaxNodes {
			res.Status = StatusSkipped
			res.Err = fmt.Errorf("%d nodes exceeds limit %d", g.NodeCount(), j.MaxNodes)
			return res
		}
		strategy, err := layout.ByName(j.Layout, layout.Config{
			Scale:      layout.DefaultConfig().Scale,
			Iterations: r.cfg.ForceIterations,
			Seed:       r.cfg.LayoutSeed,
		})
		if err != nil {
			res.Status, res.Err = StatusFailed, err
			return res
		}
		doc = export.Build(g, strategy.Compute(g), export.Description{Type: j.Type, Layout: j.Layout, Extra: extra}, r.now())
	}

	n, err := export.WriteJSON(res.Path, doc, r.cfg.IndentJSON)
	if err != nil {
		res.Status, res.Err = StatusFailed, fmt.Errorf("export: %w", err)
		return res
	}
	res.Status, res.Bytes = StatusOK, n
	return res
}

func (x *run) recordExports(ctx context.Context) {
	if x.ledger == nil || len(x.sum.Results) == 0 {
		return
	}
	rows := make([]db.Export, 0, len(x.sum.Results))
	for _, res := range x.sum.Results {
		e := db.Export{
			RunID:      x.sum.RunID,
			Name:       res.Name,
			Path:       res.Path,
			Layout:     res.Layout,
			Status:     res.Status,
			Nodes:      res.Nodes,
			Edges:      res.Edges,
			Bytes:      res.Bytes,
			DurationMS: res.Duration.Milliseconds(),
		}
		if res.Err != nil {
			e.ErrorMsg = res.Err.Error()
		}
		rows = append(rows, e)
	}
	err := Retry(ctx, retryAttempts, retryBaseDelay, func() error { return x.ledger.RecordExports(ctx, rows) })
	if err != nil {
		x.log.Warn("ledger export rows not recorded", zap.Error(err))
	}
}

func (x *run) publish(ctx context.Context) {
	if x.publisher == nil {
		return
	}
	var arts []Artifact
	for _, res := range x.sum.Results {
		if res.Status == StatusOK {
			arts = append(arts, Artifact{RunID: x.sum.RunID, Name: res.Name, Path: res.Path})
		}
	}
	up := &Uploader{
		Publisher:   x.publisher,
		Bucket:      x.cfg.PublishBucket,
		Prefix:      x.cfg.PublishPrefix,
		Concurrency: x.cfg.WorkerConcurrency,
		Log:         x.log,
		Metrics:     x.metrics,
	}
	t0 := x.now()
	done, err := up.Upload(ctx, arts)
	x.metrics.RecordStage(stagePublish, x.now().Sub(t0))
	if err != nil {
		x.log.Warn("some artifacts were not published", zap.Int("published", len(done)), zap.Int("total", len(arts)), zap.Error(err))
	} else {
		x.log.Info("artifacts published", zap.Int("count", len(done)), zap.String("bucket", x.cfg.PublishBucket))
	}
	if x.ledger == nil {
		return
	}
	for _, a := range done {
		if err := x.ledger.MarkPublished(ctx, a.RunID, a.Name); err != nil {
			x.log.Warn("mark published failed", zap.String("artifact", a.Name), zap.Error(err))
		}
	}
}

// finish closes the ledger row, updates run metrics and logs the summary
// table.
func (x *run) finish(ctx context.Context, started time.Time, runErr error) {
	sum := x.sum
	if runErr == nil && sum.Failed() {
		runErr = errors.New("one or more projections failed")
	}
	if runErr == nil {
		x.prog.report(ctx, stageDone, "")
	}
	if x.ledger != nil {
		// The run context may already be cancelled; the final row still
		// needs writing.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		err := Retry(fctx, retryAttempts, retryBaseDelay, func() error {
			return x.ledger.FinishRun(fctx, sum.RunID, sum.Loader.Files, sum.Kept, runErr)
		})
		if err != nil {
			x.log.Warn("ledger finish failed", zap.Error(err))
		}
	}
	x.metrics.RecordRun(runErr == nil, x.now())

	for _, res := range sum.Results {
		fields := []zap.Field{
			zap.String("projection", res.Name),
			zap.String("status", res.Status),
			zap.Int("nodes", res.Nodes),
			zap.Int("edges", res.Edges),
			zap.Int64("bytes", res.Bytes),
			zap.Duration("took", res.Duration),
		}
		if res.Err != nil {
			fields = append(fields, zap.NamedError("reason", res.Err))
		}
		x.log.Info("summary", fields...)
	}
	x.log.Info("run finished",
		zap.Duration("took", x.now().Sub(started)),
		zap.Int("projections", len(sum.Results)),
		zap.Bool("failed", runErr != nil),
		zap.NamedError("error", runErr),
	)
}
