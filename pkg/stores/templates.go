package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aquaops/aquaops/pkg/engine"
)

const templateColumns = `id, tenant_id, asset_class_id, name, trigger_type, frequency_days, tolerance_days,
	usage_triggers, job_plan_id, priority, next_gen_date, is_active, failure_count, last_error, flagged,
	created_at, updated_at`

// CreateTemplate inserts a PM template.
func (c *conn) CreateTemplate(ctx context.Context, t *engine.PMTemplate) error {
	triggers, err := json.Marshal(usageTriggersOrEmpty(t.UsageTriggers))
	if err != nil {
		return fmt.Errorf("failed to marshal usage triggers: %w", err)
	}

	query := `
		INSERT INTO pm_templates (` + templateColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = c.exec(ctx, query,
		t.ID,
		t.TenantID,
		t.AssetClassID,
		t.Name,
		t.TriggerType,
		t.FrequencyDays,
		t.ToleranceDays,
		string(triggers),
		t.JobPlanID,
		t.Priority,
		t.NextGenDate,
		t.IsActive,
		t.FailureCount,
		t.LastError,
		t.Flagged,
		utc(t.CreatedAt),
		utc(t.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return engine.NewIdempotencyError(engine.ErrCodeAlreadyExists, "template already exists").WithResource(t.ID)
		}
		return fmt.Errorf("failed to create template: %w", err)
	}
	return nil
}

// GetTemplate retrieves a PM template by ID.
func (c *conn) GetTemplate(ctx context.Context, id string) (*engine.PMTemplate, error) {
	query := `SELECT ` + templateColumns + ` FROM pm_templates WHERE id = ?`

	t, err := scanTemplate(c.queryRow(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("template", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get template: %w", err)
	}
	return t, nil
}

// ListActiveTemplates returns every active template across tenants, oldest first.
func (c *conn) ListActiveTemplates(ctx context.Context) ([]*engine.PMTemplate, error) {
	query := `SELECT ` + templateColumns + ` FROM pm_templates WHERE is_active = ? ORDER BY created_at, id`
	return c.listTemplates(ctx, query, true)
}

// ListTemplates returns a tenant's templates.
func (c *conn) ListTemplates(ctx context.Context, tenantID string, page engine.Page) ([]*engine.PMTemplate, error) {
	page = page.Normalize()
	query := `SELECT ` + templateColumns + ` FROM pm_templates WHERE tenant_id = ? ORDER BY created_at, id` +
		pageClause(page.Limit, page.Offset)
	return c.listTemplates(ctx, query, tenantID)
}

func (c *conn) listTemplates(ctx context.Context, query string, args ...interface{}) ([]*engine.PMTemplate, error) {
	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	defer rows.Close()

	var templates []*engine.PMTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan template: %w", err)
		}
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

// SetTemplateActive activates or deactivates a template.
func (c *conn) SetTemplateActive(ctx context.Context, id string, active bool, now time.Time) error {
	res, err := c.exec(ctx, `UPDATE pm_templates SET is_active = ?, updated_at = ? WHERE id = ?`, active, utc(now), id)
	if err != nil {
		return fmt.Errorf("failed to update template: %w", err)
	}
	return requireRow(res, "template", id)
}

// RecordTemplateFailure increments the consecutive failure count and flags the
// template once the count reaches threshold. It returns the new count and flag.
func (c *conn) RecordTemplateFailure(ctx context.Context, id, lastError string, threshold int, now time.Time) (int, bool, error) {
	query := `
		UPDATE pm_templates
		SET failure_count = failure_count + 1,
			last_error = ?,
			flagged = CASE WHEN failure_count + 1 >= ? THEN ? ELSE flagged END,
			updated_at = ?
		WHERE id = ?
		RETURNING failure_count, flagged
	`
	var (
		count   int
		flagged bool
	)
	err := c.queryRow(ctx, query, lastError, threshold, true, utc(now), id).Scan(&count, &flagged)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, engine.NewNotFoundError("template", id)
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to record template failure: %w", err)
	}
	return count, flagged, nil
}

// ResetTemplateFailures clears the consecutive failure count after a clean run.
// The flag stays set until an operator clears it.
func (c *conn) ResetTemplateFailures(ctx context.Context, id string, now time.Time) error {
	_, err := c.exec(ctx, `
		UPDATE pm_templates SET failure_count = 0, last_error = '', updated_at = ?
		WHERE id = ? AND failure_count > 0
	`, utc(now), id)
	if err != nil {
		return fmt.Errorf("failed to reset template failures: %w", err)
	}
	return nil
}

// ClearTemplateFlag clears the failure flag and count.
func (c *conn) ClearTemplateFlag(ctx context.Context, id string, now time.Time) error {
	res, err := c.exec(ctx, `
		UPDATE pm_templates SET flagged = ?, failure_count = 0, last_error = '', updated_at = ?
		WHERE id = ?
	`, false, utc(now), id)
	if err != nil {
		return fmt.Errorf("failed to clear template flag: %w", err)
	}
	return requireRow(res, "template", id)
}

// RefreshTemplateNextGen caches the earliest per-asset next date on the template.
func (c *conn) RefreshTemplateNextGen(ctx context.Context, templateID string, now time.Time) error {
	query := `
		UPDATE pm_templates
		SET next_gen_date = COALESCE(
				(SELECT MIN(next_gen_date) FROM pm_schedule_states WHERE template_id = ?),
				next_gen_date),
			updated_at = ?
		WHERE id = ?
	`
	if _, err := c.exec(ctx, query, templateID, utc(now), templateID); err != nil {
		return fmt.Errorf("failed to refresh template next date: %w", err)
	}
	return nil
}

// GetScheduleState returns the per-asset schedule state, or nil when the
// asset has not been seen for the template yet.
func (c *conn) GetScheduleState(ctx context.Context, templateID, assetID string) (*engine.ScheduleState, error) {
	query := `
		SELECT template_id, asset_id, next_gen_date, usage_baseline_at, updated_at
		FROM pm_schedule_states
		WHERE template_id = ? AND asset_id = ?
	`
	st := &engine.ScheduleState{}
	err := c.queryRow(ctx, query, templateID, assetID).Scan(
		&st.TemplateID,
		&st.AssetID,
		&st.NextGenDate,
		&st.UsageBaselineAt,
		&st.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule state: %w", err)
	}
	st.UsageBaselineAt = st.UsageBaselineAt.UTC()
	st.UpdatedAt = st.UpdatedAt.UTC()
	return st, nil
}

// UpsertScheduleState inserts or replaces the per-asset schedule state.
func (c *conn) UpsertScheduleState(ctx context.Context, st *engine.ScheduleState) error {
	query := `
		INSERT INTO pm_schedule_states (template_id, asset_id, next_gen_date, usage_baseline_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(template_id, asset_id) DO UPDATE SET
			next_gen_date = excluded.next_gen_date,
			usage_baseline_at = excluded.usage_baseline_at,
			updated_at = excluded.updated_at
	`
	_, err := c.exec(ctx, query,
		st.TemplateID,
		st.AssetID,
		st.NextGenDate,
		utc(st.UsageBaselineAt),
		utc(st.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert schedule state: %w", err)
	}
	return nil
}

// AdvanceUsageBaseline moves the usage baseline of a template and asset
// forward to at. A baseline already past at is left alone, as is an asset the
// template has not scheduled yet.
func (c *conn) AdvanceUsageBaseline(ctx context.Context, templateID, assetID string, at time.Time) error {
	_, err := c.exec(ctx, `
		UPDATE pm_schedule_states SET usage_baseline_at = ?, updated_at = ?
		WHERE template_id = ? AND asset_id = ? AND usage_baseline_at < ?
	`, utc(at), utc(at), templateID, assetID, utc(at))
	if err != nil {
		return fmt.Errorf("failed to advance usage baseline: %w", err)
	}
	return nil
}

// AddCalendarException records a non-working day for a tenant.
func (c *conn) AddCalendarException(ctx context.Context, e *engine.CalendarException) error {
	query := `
		INSERT INTO calendar_exceptions (id, tenant_id, exception_date, recurring, description)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := c.exec(ctx, query, e.ID, e.TenantID, e.Date, e.Recurring, e.Description)
	if err != nil {
		if isUniqueViolation(err) {
			return engine.NewIdempotencyError(engine.ErrCodeAlreadyExists,
				fmt.Sprintf("calendar exception for %s already exists", e.Date)).WithResource(e.TenantID)
		}
		return fmt.Errorf("failed to add calendar exception: %w", err)
	}
	return nil
}

// ListCalendarExceptions returns a tenant's calendar exceptions ordered by date.
func (c *conn) ListCalendarExceptions(ctx context.Context, tenantID string) ([]engine.CalendarException, error) {
	query := `
		SELECT id, tenant_id, exception_date, recurring, description
		FROM calendar_exceptions
		WHERE tenant_id = ?
		ORDER BY exception_date
	`
	rows, err := c.query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list calendar exceptions: %w", err)
	}
	defer rows.Close()

	var out []engine.CalendarException
	for rows.Next() {
		var e engine.CalendarException
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Date, &e.Recurring, &e.Description); err != nil {
			return nil, fmt.Errorf("failed to scan calendar exception: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CreateRoute inserts a route and its stops.
func (c *conn) CreateRoute(ctx context.Context, r *engine.Route) error {
	_, err := c.exec(ctx, `
		INSERT INTO pm_routes (id, tenant_id, name, crew, created_at) VALUES (?, ?, ?, ?, ?)
	`, r.ID, r.TenantID, r.Name, r.Crew, utc(r.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return engine.NewIdempotencyError(engine.ErrCodeAlreadyExists, "route already exists").WithResource(r.ID)
		}
		return fmt.Errorf("failed to create route: %w", err)
	}

	for _, stop := range r.Stops {
		_, err := c.exec(ctx, `
			INSERT INTO pm_route_stops (route_id, asset_id, sequence) VALUES (?, ?, ?)
		`, r.ID, stop.AssetID, stop.Sequence)
		if err != nil {
			return fmt.Errorf("failed to create route stop: %w", err)
		}
	}
	return nil
}

// GetRoute retrieves a route with its stops ordered by sequence.
func (c *conn) GetRoute(ctx context.Context, id string) (*engine.Route, error) {
	r := &engine.Route{}
	err := c.queryRow(ctx, `
		SELECT id, tenant_id, name, crew, created_at FROM pm_routes WHERE id = ?
	`, id).Scan(&r.ID, &r.TenantID, &r.Name, &r.Crew, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("route", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get route: %w", err)
	}
	r.CreatedAt = r.CreatedAt.UTC()

	rows, err := c.query(ctx, `
		SELECT asset_id, sequence FROM pm_route_stops WHERE route_id = ? ORDER BY sequence, asset_id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list route stops: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var stop engine.RouteStop
		if err := rows.Scan(&stop.AssetID, &stop.Sequence); err != nil {
			return nil, fmt.Errorf("failed to scan route stop: %w", err)
		}
		r.Stops = append(r.Stops, stop)
	}
	return r, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTemplate(row rowScanner) (*engine.PMTemplate, error) {
	t := &engine.PMTemplate{}
	var triggers string
	err := row.Scan(
		&t.ID,
		&t.TenantID,
		&t.AssetClassID,
		&t.Name,
		&t.TriggerType,
		&t.FrequencyDays,
		&t.ToleranceDays,
		&triggers,
		&t.JobPlanID,
		&t.Priority,
		&t.NextGenDate,
		&t.IsActive,
		&t.FailureCount,
		&t.LastError,
		&t.Flagged,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if triggers != "" {
		if err := json.Unmarshal([]byte(triggers), &t.UsageTriggers); err != nil {
			return nil, fmt.Errorf("failed to unmarshal usage triggers: %w", err)
		}
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return t, nil
}

func usageTriggersOrEmpty(in []engine.UsageTrigger) []engine.UsageTrigger {
	if in == nil {
		return []engine.UsageTrigger{}
	}
	return in
}

// requireRow turns a zero-row update into a not found error.
func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return engine.NewNotFoundError(kind, id)
	}
	return nil
}
