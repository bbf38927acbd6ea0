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

const ruleColumns = `id, tenant_id, asset_class_id, name, conditions, job_plan_id, wo_priority, wo_kind,
	cooldown_minutes, is_active, created_at, updated_at`

const triggerColumns = `id, rule_id, asset_id, status, work_order_id, snapshot, fired_at`

// UpsertPredictiveRule inserts a rule or replaces the rule with the same
// tenant and name. The stored ID is written back to r.
func (c *conn) UpsertPredictiveRule(ctx context.Context, r *engine.PredictiveRule) error {
	conditions, err := json.Marshal(r.Conditions)
	if err != nil {
		return fmt.Errorf("failed to marshal conditions: %w", err)
	}

	query := `INSERT INTO predictive_rules (` + ruleColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, name) DO UPDATE SET
			asset_class_id = excluded.asset_class_id,
			conditions = excluded.conditions,
			job_plan_id = excluded.job_plan_id,
			wo_priority = excluded.wo_priority,
			wo_kind = excluded.wo_kind,
			cooldown_minutes = excluded.cooldown_minutes,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at
		RETURNING id, created_at`

	err = c.queryRow(ctx, query,
		r.ID,
		r.TenantID,
		r.AssetClassID,
		r.Name,
		string(conditions),
		r.JobPlanID,
		r.WOPriority,
		r.WOKind,
		r.CooldownMinutes,
		r.IsActive,
		utc(r.CreatedAt),
		utc(r.UpdatedAt),
	).Scan(&r.ID, &r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert predictive rule: %w", err)
	}
	r.CreatedAt = r.CreatedAt.UTC()
	return nil
}

// GetPredictiveRule retrieves a rule by ID.
func (c *conn) GetPredictiveRule(ctx context.Context, id string) (*engine.PredictiveRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM predictive_rules WHERE id = ?`

	r, err := scanRule(c.queryRow(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("predictive rule", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get predictive rule: %w", err)
	}
	return r, nil
}

// ListPredictiveRules returns rules of a tenant, or of every tenant when
// tenantID is empty.
func (c *conn) ListPredictiveRules(ctx context.Context, tenantID string, activeOnly bool) ([]*engine.PredictiveRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM predictive_rules WHERE 1 = 1`
	var args []interface{}
	if tenantID != "" {
		query += " AND tenant_id = ?"
		args = append(args, tenantID)
	}
	if activeOnly {
		query += " AND is_active = ?"
		args = append(args, true)
	}
	query += " ORDER BY tenant_id, name"

	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list predictive rules: %w", err)
	}
	defer rows.Close()

	var out []*engine.PredictiveRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan predictive rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SetRuleActive activates or deactivates a rule.
func (c *conn) SetRuleActive(ctx context.Context, id string, active bool, now time.Time) error {
	res, err := c.exec(ctx, `UPDATE predictive_rules SET is_active = ?, updated_at = ? WHERE id = ?`,
		active, utc(now), id)
	if err != nil {
		return fmt.Errorf("failed to update predictive rule: %w", err)
	}
	return requireRow(res, "predictive rule", id)
}

// GetRuleClockReset returns when the rule's sustained-condition clock was last
// reset for the asset, or nil when it never fired there.
func (c *conn) GetRuleClockReset(ctx context.Context, ruleID, assetID string) (*time.Time, error) {
	var at time.Time
	err := c.queryRow(ctx, `
		SELECT clock_reset_at FROM predictive_rule_states WHERE rule_id = ? AND asset_id = ?
	`, ruleID, assetID).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule state: %w", err)
	}
	at = at.UTC()
	return &at, nil
}

// ResetRuleClock records a firing of the rule for the asset.
func (c *conn) ResetRuleClock(ctx context.Context, ruleID, assetID string, at time.Time) error {
	_, err := c.exec(ctx, `
		INSERT INTO predictive_rule_states (rule_id, asset_id, clock_reset_at) VALUES (?, ?, ?)
		ON CONFLICT(rule_id, asset_id) DO UPDATE SET clock_reset_at = excluded.clock_reset_at
	`, ruleID, assetID, utc(at))
	if err != nil {
		return fmt.Errorf("failed to reset rule clock: %w", err)
	}
	return nil
}

// InsertTrigger records a rule firing.
func (c *conn) InsertTrigger(ctx context.Context, t *engine.PredictiveTrigger) error {
	snapshot := t.Snapshot
	if snapshot == nil {
		snapshot = map[string]float64{}
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	_, err = c.exec(ctx, `INSERT INTO predictive_triggers (`+triggerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.RuleID, t.AssetID, t.Status, nullString(t.WorkOrderID), string(data), utc(t.FiredAt))
	if err != nil {
		return fmt.Errorf("failed to insert trigger: %w", err)
	}
	return nil
}

// LatestTrigger returns the most recent trigger of a rule for an asset among
// the given statuses (all statuses when none are given), or nil.
func (c *conn) LatestTrigger(ctx context.Context, ruleID, assetID string, statuses ...engine.TriggerStatus) (*engine.PredictiveTrigger, error) {
	query := `SELECT ` + triggerColumns + ` FROM predictive_triggers WHERE rule_id = ? AND asset_id = ?`
	args := []interface{}{ruleID, assetID}
	if len(statuses) > 0 {
		query += " AND status IN (" + placeholders(len(statuses)) + ")"
		for _, s := range statuses {
			args = append(args, s)
		}
	}
	query += " ORDER BY fired_at DESC, id DESC LIMIT 1"

	t, err := scanTrigger(c.queryRow(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest trigger: %w", err)
	}
	return t, nil
}

// ListTriggers returns the triggers of a rule, optionally for one asset, oldest first.
func (c *conn) ListTriggers(ctx context.Context, ruleID, assetID string, page engine.Page) ([]*engine.PredictiveTrigger, error) {
	page = page.Normalize()

	query := `SELECT ` + triggerColumns + ` FROM predictive_triggers WHERE rule_id = ?`
	args := []interface{}{ruleID}
	if assetID != "" {
		query += " AND asset_id = ?"
		args = append(args, assetID)
	}
	query += " ORDER BY fired_at, id" + pageClause(page.Limit, page.Offset)

	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list triggers: %w", err)
	}
	defer rows.Close()

	var out []*engine.PredictiveTrigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trigger: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanRule(row rowScanner) (*engine.PredictiveRule, error) {
	r := &engine.PredictiveRule{}
	var conditions string
	err := row.Scan(
		&r.ID,
		&r.TenantID,
		&r.AssetClassID,
		&r.Name,
		&conditions,
		&r.JobPlanID,
		&r.WOPriority,
		&r.WOKind,
		&r.CooldownMinutes,
		&r.IsActive,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(conditions), &r.Conditions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conditions: %w", err)
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, nil
}

func scanTrigger(row rowScanner) (*engine.PredictiveTrigger, error) {
	t := &engine.PredictiveTrigger{}
	var (
		workOrderID sql.NullString
		snapshot    string
	)
	err := row.Scan(&t.ID, &t.RuleID, &t.AssetID, &t.Status, &workOrderID, &snapshot, &t.FiredAt)
	if err != nil {
		return nil, err
	}
	if snapshot != "" {
		if err := json.Unmarshal([]byte(snapshot), &t.Snapshot); err != nil {
			return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
		}
	}
	t.WorkOrderID = workOrderID.String
	t.FiredAt = t.FiredAt.UTC()
	return t, nil
}
