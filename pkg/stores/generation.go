package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aquaops/aquaops/pkg/engine"
)

const generationLogColumns = `id, tenant_id, template_id, asset_id, scheduled_date, status, work_order_id,
	trigger_reason, skip_reason, created_at, updated_at`

// GenerationLogFilter narrows ListGenerationLogs. Empty fields match everything.
type GenerationLogFilter struct {
	TenantID   string
	TemplateID string
	AssetIDs   []string
	Statuses   []engine.GenerationStatus
	From       engine.Date
	To         engine.Date
}

// InsertGenerationLog inserts a generation log row. A row for the same
// template, asset and scheduled date fails with DUPLICATE_GENERATION.
func (c *conn) InsertGenerationLog(ctx context.Context, l *engine.GenerationLog) error {
	query := `INSERT INTO pm_generation_logs (` + generationLogColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := c.exec(ctx, query,
		l.ID,
		l.TenantID,
		l.TemplateID,
		l.AssetID,
		l.ScheduledDate,
		l.Status,
		nullString(l.WorkOrderID),
		l.TriggerReason,
		l.SkipReason,
		utc(l.CreatedAt),
		utc(l.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return engine.NewIdempotencyError(engine.ErrCodeDuplicateGeneration,
				fmt.Sprintf("generation for %s on %s already recorded", l.AssetID, l.ScheduledDate)).
				WithResource(l.TemplateID)
		}
		return fmt.Errorf("failed to insert generation log: %w", err)
	}
	return nil
}

// GetGenerationLog retrieves a generation log row by ID.
func (c *conn) GetGenerationLog(ctx context.Context, id string) (*engine.GenerationLog, error) {
	query := `SELECT ` + generationLogColumns + ` FROM pm_generation_logs WHERE id = ?`

	l, err := scanGenerationLog(c.queryRow(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("generation log", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get generation log: %w", err)
	}
	return l, nil
}

// GetGenerationLogByWorkOrder returns the log row that produced a work order,
// or nil when the work order was not generated by the scheduler.
func (c *conn) GetGenerationLogByWorkOrder(ctx context.Context, workOrderID string) (*engine.GenerationLog, error) {
	query := `SELECT ` + generationLogColumns + ` FROM pm_generation_logs WHERE work_order_id = ?`

	l, err := scanGenerationLog(c.queryRow(ctx, query, workOrderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get generation log: %w", err)
	}
	return l, nil
}

// UpdateGenerationLogStatus moves a log row to a new status. Completed rows
// are immutable and are never matched.
func (c *conn) UpdateGenerationLogStatus(ctx context.Context, id string, status engine.GenerationStatus, skipReason string, now time.Time) error {
	res, err := c.exec(ctx, `
		UPDATE pm_generation_logs SET status = ?, skip_reason = ?, updated_at = ?
		WHERE id = ? AND status <> ?
	`, status, skipReason, utc(now), id, engine.GenerationCompleted)
	if err != nil {
		return fmt.Errorf("failed to update generation log: %w", err)
	}
	return requireRow(res, "pending generation log", id)
}

// ListGenerationLogs returns log rows matching the filter, ordered by date.
func (c *conn) ListGenerationLogs(ctx context.Context, f GenerationLogFilter, page engine.Page) ([]*engine.GenerationLog, error) {
	page = page.Normalize()

	var (
		where []string
		args  []interface{}
	)
	if f.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, f.TenantID)
	}
	if f.TemplateID != "" {
		where = append(where, "template_id = ?")
		args = append(args, f.TemplateID)
	}
	if len(f.AssetIDs) > 0 {
		where = append(where, "asset_id IN ("+placeholders(len(f.AssetIDs))+")")
		for _, id := range f.AssetIDs {
			args = append(args, id)
		}
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, s := range f.Statuses {
			args = append(args, s)
		}
	}
	if !f.From.IsZero() {
		where = append(where, "scheduled_date >= ?")
		args = append(args, f.From)
	}
	if !f.To.IsZero() {
		where = append(where, "scheduled_date <= ?")
		args = append(args, f.To)
	}

	query := `SELECT ` + generationLogColumns + ` FROM pm_generation_logs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY scheduled_date, created_at, id" + pageClause(page.Limit, page.Offset)

	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list generation logs: %w", err)
	}
	defer rows.Close()

	var logs []*engine.GenerationLog
	for rows.Next() {
		l, err := scanGenerationLog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan generation log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// InsertDeferral inserts a deferral row.
func (c *conn) InsertDeferral(ctx context.Context, d *engine.Deferral) error {
	query := `
		INSERT INTO pm_deferrals (id, generation_log_id, original_date, deferred_to, reason_code, approver_id, requested_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := c.exec(ctx, query,
		d.ID,
		d.GenerationLogID,
		d.OriginalDate,
		d.DeferredTo,
		d.ReasonCode,
		nullString(d.ApproverID),
		d.RequestedBy,
		utc(d.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert deferral: %w", err)
	}
	return nil
}

// ListDeferrals returns the deferral chain of a log row, oldest first.
func (c *conn) ListDeferrals(ctx context.Context, generationLogID string) ([]engine.Deferral, error) {
	query := `
		SELECT id, generation_log_id, original_date, deferred_to, reason_code, approver_id, requested_by, created_at
		FROM pm_deferrals
		WHERE generation_log_id = ?
		ORDER BY created_at, deferred_to
	`
	rows, err := c.query(ctx, query, generationLogID)
	if err != nil {
		return nil, fmt.Errorf("failed to list deferrals: %w", err)
	}
	defer rows.Close()

	var out []engine.Deferral
	for rows.Next() {
		var (
			d        engine.Deferral
			approver sql.NullString
		)
		err := rows.Scan(
			&d.ID,
			&d.GenerationLogID,
			&d.OriginalDate,
			&d.DeferredTo,
			&d.ReasonCode,
			&approver,
			&d.RequestedBy,
			&d.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deferral: %w", err)
		}
		d.ApproverID = approver.String
		d.CreatedAt = d.CreatedAt.UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}

// ComplianceRow is a generation log row joined with what the compliance
// rollup needs to classify it.
type ComplianceRow struct {
	LogID         string
	ScheduledDate engine.Date
	Status        engine.GenerationStatus
	ToleranceDays int
	LastDeferral  engine.Date
	DeferralCount int
	CompletedAt   *time.Time
}

// ListComplianceRows returns the tenant's log rows scheduled within [from, to].
func (c *conn) ListComplianceRows(ctx context.Context, tenantID string, from, to engine.Date) ([]ComplianceRow, error) {
	query := `
		SELECT l.id, l.scheduled_date, l.status, t.tolerance_days,
			(SELECT d.deferred_to FROM pm_deferrals d WHERE d.generation_log_id = l.id
				ORDER BY d.created_at DESC, d.deferred_to DESC LIMIT 1),
			(SELECT COUNT(*) FROM pm_deferrals d WHERE d.generation_log_id = l.id),
			w.completed_at
		FROM pm_generation_logs l
		JOIN pm_templates t ON t.id = l.template_id
		LEFT JOIN work_orders w ON w.id = l.work_order_id
		WHERE l.tenant_id = ? AND l.scheduled_date >= ? AND l.scheduled_date <= ?
		ORDER BY l.scheduled_date, l.id
	`
	rows, err := c.query(ctx, query, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list compliance rows: %w", err)
	}
	defer rows.Close()

	var out []ComplianceRow
	for rows.Next() {
		var r ComplianceRow
		err := rows.Scan(
			&r.LogID,
			&r.ScheduledDate,
			&r.Status,
			&r.ToleranceDays,
			&r.LastDeferral,
			&r.DeferralCount,
			&r.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan compliance row: %w", err)
		}
		if r.CompletedAt != nil {
			t := r.CompletedAt.UTC()
			r.CompletedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanGenerationLog(row rowScanner) (*engine.GenerationLog, error) {
	l := &engine.GenerationLog{}
	var workOrderID sql.NullString
	err := row.Scan(
		&l.ID,
		&l.TenantID,
		&l.TemplateID,
		&l.AssetID,
		&l.ScheduledDate,
		&l.Status,
		&workOrderID,
		&l.TriggerReason,
		&l.SkipReason,
		&l.CreatedAt,
		&l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	l.WorkOrderID = workOrderID.String
	l.CreatedAt = l.CreatedAt.UTC()
	l.UpdatedAt = l.UpdatedAt.UTC()
	return l, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
