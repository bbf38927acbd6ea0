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

const workOrderColumns = `id, tenant_id, kind, priority, status, title, description, asset_id, asset_criticality,
	job_plan_id, sla_policy_id, opened_at, response_due, resolution_due, planned_for, requires_permit,
	contract_id, assigned_to, assigned_at, started_at, qa_by, qa_at, completed_at, cancelled_at, hold_from,
	source_template_id, source_generation_id, source_rule_id, labor_cost, parts_cost, version,
	created_at, updated_at`

// WorkOrderFilter narrows ListWorkOrders. Empty fields match everything.
type WorkOrderFilter struct {
	TenantID string
	Status   engine.WorkOrderStatus
	Kind     engine.WorkOrderKind
	AssetID  string
}

// InsertWorkOrder inserts a work order. A second open work order for the
// same asset and predictive rule fails with DUPLICATE_TRIGGER.
func (c *conn) InsertWorkOrder(ctx context.Context, wo *engine.WorkOrder) error {
	query := `INSERT INTO work_orders (` + workOrderColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := c.exec(ctx, query,
		wo.ID,
		wo.TenantID,
		wo.Kind,
		wo.Priority,
		wo.Status,
		wo.Title,
		wo.Description,
		wo.AssetID,
		wo.AssetCriticality,
		wo.JobPlanID,
		nullInt64(wo.SLAPolicyID),
		utc(wo.OpenedAt),
		utcPtr(wo.ResponseDue),
		utcPtr(wo.ResolutionDue),
		wo.PlannedFor,
		wo.RequiresPermit,
		wo.ContractID,
		wo.AssignedTo,
		utcPtr(wo.AssignedAt),
		utcPtr(wo.StartedAt),
		wo.QABy,
		utcPtr(wo.QAAt),
		utcPtr(wo.CompletedAt),
		utcPtr(wo.CancelledAt),
		wo.HoldFrom,
		nullString(wo.SourceTemplateID),
		nullString(wo.SourceGenerationID),
		nullString(wo.SourceRuleID),
		wo.LaborCost,
		wo.PartsCost,
		wo.Version,
		utc(wo.CreatedAt),
		utc(wo.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			if wo.SourceRuleID != "" {
				return engine.NewIdempotencyError(engine.ErrCodeDuplicateTrigger,
					fmt.Sprintf("open work order already exists for asset %s and rule %s", wo.AssetID, wo.SourceRuleID)).
					WithResource(wo.SourceRuleID)
			}
			return engine.NewIdempotencyError(engine.ErrCodeAlreadyExists, "work order already exists").WithResource(wo.ID)
		}
		return fmt.Errorf("failed to insert work order: %w", err)
	}
	return nil
}

// GetWorkOrder retrieves a work order by ID.
func (c *conn) GetWorkOrder(ctx context.Context, id string) (*engine.WorkOrder, error) {
	query := `SELECT ` + workOrderColumns + ` FROM work_orders WHERE id = ?`

	wo, err := scanWorkOrder(c.queryRow(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("work order", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get work order: %w", err)
	}
	return wo, nil
}

// UpdateWorkOrder writes every mutable field of wo when the stored version
// equals expectedVersion, and bumps the version. A mismatch is a conflict.
func (c *conn) UpdateWorkOrder(ctx context.Context, wo *engine.WorkOrder, expectedVersion int64) error {
	query := `
		UPDATE work_orders SET
			priority = ?, status = ?, title = ?, description = ?, sla_policy_id = ?,
			response_due = ?, resolution_due = ?, planned_for = ?, requires_permit = ?, contract_id = ?,
			assigned_to = ?, assigned_at = ?, started_at = ?, qa_by = ?, qa_at = ?,
			completed_at = ?, cancelled_at = ?, hold_from = ?, labor_cost = ?, parts_cost = ?,
			version = ?, updated_at = ?
		WHERE id = ? AND version = ?
	`
	res, err := c.exec(ctx, query,
		wo.Priority,
		wo.Status,
		wo.Title,
		wo.Description,
		nullInt64(wo.SLAPolicyID),
		utcPtr(wo.ResponseDue),
		utcPtr(wo.ResolutionDue),
		wo.PlannedFor,
		wo.RequiresPermit,
		wo.ContractID,
		wo.AssignedTo,
		utcPtr(wo.AssignedAt),
		utcPtr(wo.StartedAt),
		wo.QABy,
		utcPtr(wo.QAAt),
		utcPtr(wo.CompletedAt),
		utcPtr(wo.CancelledAt),
		wo.HoldFrom,
		wo.LaborCost,
		wo.PartsCost,
		expectedVersion+1,
		utc(wo.UpdatedAt),
		wo.ID,
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update work order: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		if _, gerr := c.GetWorkOrder(ctx, wo.ID); gerr != nil {
			return gerr
		}
		return engine.NewConflictError(
			fmt.Sprintf("work order changed since version %d", expectedVersion), nil).
			WithResource(wo.ID).
			WithDetail("expected_version", expectedVersion)
	}

	wo.Version = expectedVersion + 1
	return nil
}

// SetWorkOrderPlannedFor moves the planned date of a work order and bumps its version.
func (c *conn) SetWorkOrderPlannedFor(ctx context.Context, id string, plannedFor engine.Date, now time.Time) error {
	res, err := c.exec(ctx, `
		UPDATE work_orders SET planned_for = ?, version = version + 1, updated_at = ? WHERE id = ?
	`, plannedFor, utc(now), id)
	if err != nil {
		return fmt.Errorf("failed to update work order planned date: %w", err)
	}
	return requireRow(res, "work order", id)
}

// ListWorkOrders returns work orders matching the filter, newest first.
func (c *conn) ListWorkOrders(ctx context.Context, f WorkOrderFilter, page engine.Page) ([]*engine.WorkOrder, error) {
	page = page.Normalize()

	var (
		where []string
		args  []interface{}
	)
	if f.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, f.TenantID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, f.Kind)
	}
	if f.AssetID != "" {
		where = append(where, "asset_id = ?")
		args = append(args, f.AssetID)
	}

	query := `SELECT ` + workOrderColumns + ` FROM work_orders`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY opened_at DESC, id" + pageClause(page.Limit, page.Offset)

	return c.listWorkOrders(ctx, query, args...)
}

// FindOpenWorkOrderForRule returns the open work order spawned by a rule for
// an asset, or nil when there is none.
func (c *conn) FindOpenWorkOrderForRule(ctx context.Context, assetID, ruleID string) (*engine.WorkOrder, error) {
	query := `SELECT ` + workOrderColumns + ` FROM work_orders
		WHERE asset_id = ? AND source_rule_id = ? AND status NOT IN (?, ?)`

	wo, err := scanWorkOrder(c.queryRow(ctx, query, assetID, ruleID, engine.StatusCompleted, engine.StatusCancelled))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find open work order: %w", err)
	}
	return wo, nil
}

// ListOverdueWorkOrders returns open work orders past their resolution due
// time that have no resolution breach yet.
func (c *conn) ListOverdueWorkOrders(ctx context.Context, now time.Time, limit int) ([]*engine.WorkOrder, error) {
	query := `SELECT ` + workOrderColumns + ` FROM work_orders w
		WHERE w.status NOT IN (?, ?)
			AND w.resolution_due IS NOT NULL
			AND w.resolution_due < ?
			AND NOT EXISTS (
				SELECT 1 FROM sla_breaches b WHERE b.work_order_id = w.id AND b.breach_type = ?
			)
		ORDER BY w.resolution_due, w.id` + pageClause(limit, 0)

	return c.listWorkOrders(ctx, query,
		engine.StatusCompleted, engine.StatusCancelled, utc(now), engine.BreachResolution)
}

// CountBreakdownWorkOrders counts corrective and emergency work orders opened
// in [from, to) that were not generated from a PM template.
func (c *conn) CountBreakdownWorkOrders(ctx context.Context, tenantID string, from, to time.Time) (int, error) {
	var n int
	err := c.queryRow(ctx, `
		SELECT COUNT(*) FROM work_orders
		WHERE tenant_id = ? AND kind IN (?, ?) AND source_template_id IS NULL
			AND opened_at >= ? AND opened_at < ?
	`, tenantID, engine.KindCM, engine.KindEmergency, utc(from), utc(to)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count breakdown work orders: %w", err)
	}
	return n, nil
}

func (c *conn) listWorkOrders(ctx context.Context, query string, args ...interface{}) ([]*engine.WorkOrder, error) {
	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list work orders: %w", err)
	}
	defer rows.Close()

	var out []*engine.WorkOrder
	for rows.Next() {
		wo, err := scanWorkOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan work order: %w", err)
		}
		out = append(out, wo)
	}
	return out, rows.Err()
}

// InsertChecklistItems inserts the checklist of a work order.
func (c *conn) InsertChecklistItems(ctx context.Context, items []engine.ChecklistItem) error {
	for _, it := range items {
		_, err := c.exec(ctx, `
			INSERT INTO work_order_checklist_items (work_order_id, seq, step, mandatory, result, recorded_by, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, it.WorkOrderID, it.Seq, it.Step, it.Mandatory, it.Result, it.RecordedBy, utcPtr(it.RecordedAt))
		if err != nil {
			return fmt.Errorf("failed to insert checklist item: %w", err)
		}
	}
	return nil
}

// ListChecklistItems returns the checklist of a work order in step order.
func (c *conn) ListChecklistItems(ctx context.Context, workOrderID string) ([]engine.ChecklistItem, error) {
	rows, err := c.query(ctx, `
		SELECT work_order_id, seq, step, mandatory, result, recorded_by, recorded_at
		FROM work_order_checklist_items
		WHERE work_order_id = ?
		ORDER BY seq
	`, workOrderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checklist items: %w", err)
	}
	defer rows.Close()

	var out []engine.ChecklistItem
	for rows.Next() {
		var it engine.ChecklistItem
		if err := rows.Scan(&it.WorkOrderID, &it.Seq, &it.Step, &it.Mandatory, &it.Result, &it.RecordedBy, &it.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan checklist item: %w", err)
		}
		it.RecordedAt = utcOptional(it.RecordedAt)
		out = append(out, it)
	}
	return out, rows.Err()
}

// UpdateChecklistItem records the result of one checklist step.
func (c *conn) UpdateChecklistItem(ctx context.Context, it engine.ChecklistItem) error {
	res, err := c.exec(ctx, `
		UPDATE work_order_checklist_items SET result = ?, recorded_by = ?, recorded_at = ?
		WHERE work_order_id = ? AND seq = ?
	`, it.Result, it.RecordedBy, utcPtr(it.RecordedAt), it.WorkOrderID, it.Seq)
	if err != nil {
		return fmt.Errorf("failed to update checklist item: %w", err)
	}
	return requireRow(res, "checklist item", fmt.Sprintf("%s#%d", it.WorkOrderID, it.Seq))
}

// InsertWorkOrderParts inserts the kit lines of a work order.
func (c *conn) InsertWorkOrderParts(ctx context.Context, parts []engine.WorkOrderPart) error {
	for _, p := range parts {
		_, err := c.exec(ctx, `
			INSERT INTO work_order_parts (work_order_id, line, part, qty) VALUES (?, ?, ?, ?)
		`, p.WorkOrderID, p.Line, p.Part, p.Qty)
		if err != nil {
			return fmt.Errorf("failed to insert work order part: %w", err)
		}
	}
	return nil
}

// ListWorkOrderParts returns the kit lines of a work order.
func (c *conn) ListWorkOrderParts(ctx context.Context, workOrderID string) ([]engine.WorkOrderPart, error) {
	rows, err := c.query(ctx, `
		SELECT work_order_id, line, part, qty FROM work_order_parts WHERE work_order_id = ? ORDER BY line
	`, workOrderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list work order parts: %w", err)
	}
	defer rows.Close()

	var out []engine.WorkOrderPart
	for rows.Next() {
		var p engine.WorkOrderPart
		if err := rows.Scan(&p.WorkOrderID, &p.Line, &p.Part, &p.Qty); err != nil {
			return nil, fmt.Errorf("failed to scan work order part: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// InsertTransition appends an immutable transition record.
func (c *conn) InsertTransition(ctx context.Context, t *engine.Transition) error {
	_, err := c.exec(ctx, `
		INSERT INTO work_order_transitions (id, work_order_id, from_status, to_status, actor, at, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.WorkOrderID, t.From, t.To, t.Actor, utc(t.At), t.Notes)
	if err != nil {
		return fmt.Errorf("failed to insert transition: %w", err)
	}
	return nil
}

// ListTransitions returns the transition history of a work order, oldest first.
func (c *conn) ListTransitions(ctx context.Context, workOrderID string) ([]engine.Transition, error) {
	rows, err := c.query(ctx, `
		SELECT id, work_order_id, from_status, to_status, actor, at, notes
		FROM work_order_transitions
		WHERE work_order_id = ?
		ORDER BY at, id
	`, workOrderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	defer rows.Close()

	var out []engine.Transition
	for rows.Next() {
		var t engine.Transition
		if err := rows.Scan(&t.ID, &t.WorkOrderID, &t.From, &t.To, &t.Actor, &t.At, &t.Notes); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		t.At = t.At.UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanWorkOrder(row rowScanner) (*engine.WorkOrder, error) {
	wo := &engine.WorkOrder{}
	var (
		policyID         sql.NullInt64
		sourceTemplate   sql.NullString
		sourceGeneration sql.NullString
		sourceRule       sql.NullString
	)
	err := row.Scan(
		&wo.ID,
		&wo.TenantID,
		&wo.Kind,
		&wo.Priority,
		&wo.Status,
		&wo.Title,
		&wo.Description,
		&wo.AssetID,
		&wo.AssetCriticality,
		&wo.JobPlanID,
		&policyID,
		&wo.OpenedAt,
		&wo.ResponseDue,
		&wo.ResolutionDue,
		&wo.PlannedFor,
		&wo.RequiresPermit,
		&wo.ContractID,
		&wo.AssignedTo,
		&wo.AssignedAt,
		&wo.StartedAt,
		&wo.QABy,
		&wo.QAAt,
		&wo.CompletedAt,
		&wo.CancelledAt,
		&wo.HoldFrom,
		&sourceTemplate,
		&sourceGeneration,
		&sourceRule,
		&wo.LaborCost,
		&wo.PartsCost,
		&wo.Version,
		&wo.CreatedAt,
		&wo.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	wo.SLAPolicyID = policyID.Int64
	wo.SourceTemplateID = sourceTemplate.String
	wo.SourceGenerationID = sourceGeneration.String
	wo.SourceRuleID = sourceRule.String

	wo.OpenedAt = wo.OpenedAt.UTC()
	wo.CreatedAt = wo.CreatedAt.UTC()
	wo.UpdatedAt = wo.UpdatedAt.UTC()
	wo.ResponseDue = utcOptional(wo.ResponseDue)
	wo.ResolutionDue = utcOptional(wo.ResolutionDue)
	wo.AssignedAt = utcOptional(wo.AssignedAt)
	wo.StartedAt = utcOptional(wo.StartedAt)
	wo.QAAt = utcOptional(wo.QAAt)
	wo.CompletedAt = utcOptional(wo.CompletedAt)
	wo.CancelledAt = utcOptional(wo.CancelledAt)
	return wo, nil
}

func utcOptional(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
