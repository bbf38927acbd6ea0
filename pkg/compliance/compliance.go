package compliance

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/aquaops/aquaops/pkg/engine"
	"github.com/aquaops/aquaops/pkg/stores"
	"github.com/aquaops/aquaops/pkg/telemetry"
)

// Aggregator computes PM compliance rollups.
type Aggregator struct {
	store *stores.SQLStore
	clock engine.Clock
	tel   *telemetry.Telemetry
}

// NewAggregator creates a compliance aggregator.
func NewAggregator(store *stores.SQLStore, clock engine.Clock, tel *telemetry.Telemetry) *Aggregator {
	if clock == nil {
		clock = engine.SystemClock{}
	}
	return &Aggregator{store: store, clock: clock, tel: tel.Component("compliance")}
}

// Summarize classifies the log rows of a period. A completed row is on time
// when its work order finished no later than its effective due date: the
// latest deferral target, or the scheduled date when never deferred, plus
// the template tolerance.
func Summarize(rows []stores.ComplianceRow, breakdown int) engine.ComplianceMetric {
	m := engine.ComplianceMetric{PMScheduled: len(rows), BreakdownWO: breakdown}

	for _, r := range rows {
		if r.DeferralCount > 0 {
			m.PMDeferred++
		}
		if r.Status == engine.GenerationSkipped {
			m.PMSkipped++
			continue
		}
		if r.CompletedAt == nil {
			continue
		}
		due := r.ScheduledDate
		if !r.LastDeferral.IsZero() {
			due = r.LastDeferral
		}
		due = due.AddDays(r.ToleranceDays)
		if engine.DateOf(*r.CompletedAt).After(due) {
			m.PMCompletedLate++
		} else {
			m.PMCompletedOnTime++
		}
	}

	m.CompliancePct = CompliancePct(m.PMCompletedOnTime, m.PMScheduled)
	m.BreakdownRatio = BreakdownRatio(m.PMCompletedOnTime+m.PMCompletedLate, m.BreakdownWO)
	return m
}

// CompliancePct is the ratio of on-time completions to scheduled occurrences,
// between 0 and 1 and rounded to four places. It is 0 when nothing was
// scheduled.
func CompliancePct(onTime, scheduled int) float64 {
	if scheduled == 0 {
		return 0
	}
	ratio := decimal.NewFromInt(int64(onTime)).
		DivRound(decimal.NewFromInt(int64(scheduled)), 4)
	f, _ := ratio.Float64()
	return f
}

// BreakdownRatio is completed PM work per breakdown work order, rounded to
// four places. It is nil when there were no breakdowns.
func BreakdownRatio(completed, breakdown int) *float64 {
	if breakdown == 0 {
		return nil
	}
	r := decimal.NewFromInt(int64(completed)).DivRound(decimal.NewFromInt(int64(breakdown)), 4)
	f, _ := r.Float64()
	return &f
}

// Rollup computes and stores the metric of a tenant for the inclusive period
// [periodStart, periodEnd]. Running it again for the same period replaces
// the stored snapshot.
func (a *Aggregator) Rollup(ctx context.Context, tenantID string, periodStart, periodEnd engine.Date, now time.Time) (*engine.ComplianceMetric, error) {
	if tenantID == "" {
		return nil, engine.NewValidationError(engine.ErrCodeValidation, "tenant_id is required")
	}
	if periodStart.IsZero() || periodEnd.IsZero() || periodEnd.Before(periodStart) {
		return nil, engine.NewValidationError(engine.ErrCodeValidation,
			fmt.Sprintf("invalid period %s..%s", periodStart, periodEnd))
	}
	if now.IsZero() {
		now = a.clock.Now()
	}

	op := a.tel.StartOperation(ctx, "compliance.rollup",
		attribute.String("tenant.id", tenantID),
		attribute.String("period.start", periodStart.String()),
		attribute.String("period.end", periodEnd.String()),
	)
	m, err := a.rollup(op.Ctx, tenantID, periodStart, periodEnd, now)
	op.End(err)
	a.tel.Metrics.ObserveJob("compliance_rollup", op.Timer.Duration(), err)
	if err != nil {
		return nil, err
	}

	op.Logger.WithTenant(tenantID).WithFields(map[string]interface{}{
		"period_start":   periodStart.String(),
		"period_end":     periodEnd.String(),
		"scheduled":      m.PMScheduled,
		"on_time":        m.PMCompletedOnTime,
		"breakdowns":     m.BreakdownWO,
		"compliance_pct": m.CompliancePct,
	}).Info("Compliance rollup stored")
	return m, nil
}

func (a *Aggregator) rollup(ctx context.Context, tenantID string, start, end engine.Date, now time.Time) (*engine.ComplianceMetric, error) {
	rows, err := a.store.ListComplianceRows(ctx, tenantID, start, end)
	if err != nil {
		return nil, err
	}
	breakdown, err := a.store.CountBreakdownWorkOrders(ctx, tenantID, start.Time(), end.EndOfDay())
	if err != nil {
		return nil, err
	}

	m := Summarize(rows, breakdown)
	m.TenantID = tenantID
	m.PeriodStart = start
	m.PeriodEnd = end
	m.ComputedAt = now.UTC()

	if err := a.store.UpsertComplianceMetric(ctx, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// RollupAll rolls up the period for every known tenant. A failing tenant is
// logged and the rest still run; the first failure is returned.
func (a *Aggregator) RollupAll(ctx context.Context, periodStart, periodEnd engine.Date, now time.Time) ([]*engine.ComplianceMetric, error) {
	tenants, err := a.store.ListTenants(ctx)
	if err != nil {
		return nil, err
	}

	var (
		out      []*engine.ComplianceMetric
		firstErr error
	)
	for _, tenantID := range tenants {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		m, err := a.Rollup(ctx, tenantID, periodStart, periodEnd, now)
		if err != nil {
			a.tel.Logger.WithError(err).WithTenant(tenantID).Error("Compliance rollup failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out = append(out, m)
	}
	return out, firstErr
}

// PreviousMonth returns the calendar month before the one containing d.
func PreviousMonth(d engine.Date) (engine.Date, engine.Date) {
	first := d.AddDays(1 - d.Day())
	end := first.AddDays(-1)
	return end.AddDays(1 - end.Day()), end
}

// GetMetric returns the stored metric of a tenant and period.
func (a *Aggregator) GetMetric(ctx context.Context, tenantID string, start, end engine.Date) (*engine.ComplianceMetric, error) {
	return a.store.GetComplianceMetric(ctx, tenantID, start, end)
}

// ListMetrics returns a tenant's stored metrics, most recent period first.
func (a *Aggregator) ListMetrics(ctx context.Context, tenantID string, page engine.Page) ([]*engine.ComplianceMetric, error) {
	if tenantID == "" {
		return nil, engine.NewValidationError(engine.ErrCodeValidation, "tenant_id is required")
	}
	return a.store.ListComplianceMetrics(ctx, tenantID, page)
}
