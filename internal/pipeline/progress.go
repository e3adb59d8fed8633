package pipeline

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const (
	stageStart     = "start"
	stageLoad      = "load"
	stageAggregate = "aggregate"
	stageProject   = "project"
	stagePublish   = "publish"
	stageDone      = "done"

	projectPctFrom = 50
	projectPctTo   = 90
)

func derivePct(stage string) int {
	switch {
	case strings.HasPrefix(stage, stageStart):
		return 5
	case strings.HasPrefix(stage, stageLoad):
		return 10
	case strings.HasPrefix(stage, stageAggregate):
		return 40
	case strings.HasPrefix(stage, stageProject):
		return projectPctFrom
	case strings.HasPrefix(stage, stagePublish):
		return 95
	case strings.HasPrefix(stage, stageDone):
		return 100
	default:
		return projectPctFrom
	}
}

// progress fans run progress out to the log and, when configured, the
// ledger row of the run. Ledger failures are logged and otherwise ignored.
type progress struct {
	log    *zap.Logger
	ledger Ledger
	runID  string

	mu        sync.Mutex
	jobsDone  int
	jobsTotal int
}

func (p *progress) report(ctx context.Context, stage, detail string) {
	p.at(ctx, derivePct(stage), stage, detail)
}

// jobFinished advances progress through the projection range.
func (p *progress) jobFinished(ctx context.Context, name string) {
	p.mu.Lock()
	p.jobsDone++
	pct := projectPctFrom
	if p.jobsTotal > 0 {
		pct += (projectPctTo - projectPctFrom) * p.jobsDone / p.jobsTotal
	}
	p.mu.Unlock()
	p.at(ctx, pct, stageProject, name)
}

func (p *progress) at(ctx context.Context, pct int, stage, detail string) {
	p.log.Debug("progress", zap.Int("pct", pct), zap.String("stage", stage), zap.String("detail", detail))
	if p.ledger == nil {
		return
	}
	msg := stage
	if detail != "" {
		msg += ": " + detail
	}
	if err := p.ledger.UpdateRunProgress(ctx, p.runID, pct, msg); err != nil {
		p.log.Warn("ledger progress update failed", zap.String("run_id", p.runID), zap.Error(err))
	}
}
