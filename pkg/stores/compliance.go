package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/aquaops/aquaops/pkg/engine"
)

const metricColumns = `tenant_id, period_start, period_end, pm_scheduled, pm_completed_on_time, pm_completed_late,
	pm_deferred, pm_skipped, breakdown_wo, compliance_pct, pm_breakdown_ratio, computed_at`

// UpsertComplianceMetric stores the rollup for a tenant and period, replacing
// any earlier computation.
func (c *conn) UpsertComplianceMetric(ctx context.Context, m *engine.ComplianceMetric) error {
	query := `INSERT INTO compliance_metrics (` + metricColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, period_start, period_end) DO UPDATE SET
			pm_scheduled = excluded.pm_scheduled,
			pm_completed_on_time = excluded.pm_completed_on_time,
			pm_completed_late = excluded.pm_completed_late,
			pm_deferred = excluded.pm_deferred,
			pm_skipped = excluded.pm_skipped,
			breakdown_wo = excluded.breakdown_wo,
			compliance_pct = excluded.compliance_pct,
			pm_breakdown_ratio = excluded.pm_breakdown_ratio,
			computed_at = excluded.computed_at`

	_, err := c.exec(ctx, query,
		m.TenantID,
		m.PeriodStart,
		m.PeriodEnd,
		m.PMScheduled,
		m.PMCompletedOnTime,
		m.PMCompletedLate,
		m.PMDeferred,
		m.PMSkipped,
		m.BreakdownWO,
		m.CompliancePct,
		m.BreakdownRatio,
		utc(m.ComputedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert compliance metric: %w", err)
	}
	return nil
}

// GetComplianceMetric retrieves the rollup of a tenant and period.
func (c *conn) GetComplianceMetric(ctx context.Context, tenantID string, start, end engine.Date) (*engine.ComplianceMetric, error) {
	query := `SELECT ` + metricColumns + ` FROM compliance_metrics
		WHERE tenant_id = ? AND period_start = ? AND period_end = ?`

	m, err := scanMetric(c.queryRow(ctx, query, tenantID, start, end))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("compliance metric", fmt.Sprintf("%s/%s..%s", tenantID, start, end))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get compliance metric: %w", err)
	}
	return m, nil
}

// ListComplianceMetrics returns a tenant's rollups, most recent period first.
func (c *conn) ListComplianceMetrics(ctx context.Context, tenantID string, page engine.Page) ([]*engine.ComplianceMetric, error) {
	page = page.Normalize()

	rows, err := c.query(ctx, `SELECT `+metricColumns+` FROM compliance_metrics
		WHERE tenant_id = ?
		ORDER BY period_start DESC, period_end DESC`+pageClause(page.Limit, page.Offset), tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list compliance metrics: %w", err)
	}
	defer rows.Close()

	var out []*engine.ComplianceMetric
	for rows.Next() {
		m, err := scanMetric(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan compliance metric: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMetric(row rowScanner) (*engine.ComplianceMetric, error) {
	m := &engine.ComplianceMetric{}
	err := row.Scan(
		&m.TenantID,
		&m.PeriodStart,
		&m.PeriodEnd,
		&m.PMScheduled,
		&m.PMCompletedOnTime,
		&m.PMCompletedLate,
		&m.PMDeferred,
		&m.PMSkipped,
		&m.BreakdownWO,
		&m.CompliancePct,
		&m.BreakdownRatio,
		&m.ComputedAt,
	)
	if err != nil {
		return nil, err
	}
	m.ComputedAt = m.ComputedAt.UTC()
	return m, nil
}

// ListTenants returns every tenant that owns a PM template or a work order.
func (c *conn) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := c.query(ctx, `
		SELECT tenant_id FROM pm_templates
		UNION
		SELECT tenant_id FROM work_orders
		ORDER BY tenant_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
