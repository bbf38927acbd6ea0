package worker

import (
	"context"
	"time"

	"github.com/aquaops/aquaops/pkg/compliance"
	"github.com/aquaops/aquaops/pkg/engine"
	"github.com/aquaops/aquaops/pkg/pm"
	"github.com/aquaops/aquaops/pkg/predictive"
)

// Job names.
const (
	JobPMTick           = "pm_tick"
	JobPredictive       = "predictive_evaluate"
	JobSLASweep         = "sla_sweep"
	JobComplianceRollup = "compliance_rollup"
)

// PMTicker generates due PM work.
type PMTicker interface {
	Tick(ctx context.Context, tc pm.TickContext) (*pm.TickReport, error)
}

// RuleEvaluator fires predictive rules.
type RuleEvaluator interface {
	Evaluate(ctx context.Context, now time.Time) (*predictive.EvaluationReport, error)
}

// BreachSweeper records SLA breaches of overdue work orders.
type BreachSweeper interface {
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// Roller computes compliance rollups for every tenant.
type Roller interface {
	RollupAll(ctx context.Context, start, end engine.Date, now time.Time) ([]*engine.ComplianceMetric, error)
}

// PMTickJob runs the PM scheduler.
func PMTickJob(s PMTicker, every time.Duration) Job {
	return Job{Name: JobPMTick, Interval: every, Run: func(ctx context.Context, now time.Time) error {
		_, err := s.Tick(ctx, pm.TickContext{Now: now})
		return err
	}}
}

// PredictiveJob evaluates predictive rules.
func PredictiveJob(e RuleEvaluator, every time.Duration) Job {
	return Job{Name: JobPredictive, Interval: every, Run: func(ctx context.Context, now time.Time) error {
		_, err := e.Evaluate(ctx, now)
		return err
	}}
}

// SLASweepJob sweeps open work orders for missed due times.
func SLASweepJob(s BreachSweeper, every time.Duration) Job {
	return Job{Name: JobSLASweep, Interval: every, Run: func(ctx context.Context, now time.Time) error {
		_, err := s.Sweep(ctx, now)
		return err
	}}
}

// ComplianceJob rolls up the previous calendar month for every tenant.
func ComplianceJob(r Roller, every time.Duration) Job {
	return Job{Name: JobComplianceRollup, Interval: every, Run: func(ctx context.Context, now time.Time) error {
		start, end := compliance.PreviousMonth(engine.DateOf(now))
		_, err := r.RollupAll(ctx, start, end, now)
		return err
	}}
}
