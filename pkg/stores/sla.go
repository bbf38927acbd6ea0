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

const breachColumns = `id, work_order_id, policy_id, breach_type, due_at, detected_at, variance_minutes,
	penalty_amount, waived, waived_by, waived_at, waive_reason`

// BreachFilter narrows ListSLABreaches. Empty fields match everything.
type BreachFilter struct {
	TenantID    string
	WorkOrderID string
	Type        engine.BreachType
	Waived      *bool
}

// CreateSLAPolicy inserts a policy and assigns its ID.
func (c *conn) CreateSLAPolicy(ctx context.Context, p *engine.SLAPolicy) error {
	query := `
		INSERT INTO sla_policies (tenant_id, wo_type, priority, asset_criticality, response_minutes, resolution_minutes, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`
	err := c.queryRow(ctx, query,
		p.TenantID,
		p.WOType,
		p.Priority,
		p.AssetCriticality,
		p.ResponseMinutes,
		p.ResolutionMinutes,
		p.IsActive,
		utc(p.CreatedAt),
	).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("failed to create sla policy: %w", err)
	}
	return nil
}

// GetSLAPolicy retrieves a policy by ID.
func (c *conn) GetSLAPolicy(ctx context.Context, id int64) (*engine.SLAPolicy, error) {
	query := `
		SELECT id, tenant_id, wo_type, priority, asset_criticality, response_minutes, resolution_minutes, is_active, created_at
		FROM sla_policies WHERE id = ?
	`
	p, err := scanSLAPolicy(c.queryRow(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("sla policy", fmt.Sprintf("%d", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sla policy: %w", err)
	}
	return p, nil
}

// ListSLAPolicies returns a tenant's policies ordered by ID.
func (c *conn) ListSLAPolicies(ctx context.Context, tenantID string, activeOnly bool) ([]*engine.SLAPolicy, error) {
	query := `
		SELECT id, tenant_id, wo_type, priority, asset_criticality, response_minutes, resolution_minutes, is_active, created_at
		FROM sla_policies WHERE tenant_id = ?
	`
	args := []interface{}{tenantID}
	if activeOnly {
		query += " AND is_active = ?"
		args = append(args, true)
	}
	query += " ORDER BY id"

	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sla policies: %w", err)
	}
	defer rows.Close()

	var out []*engine.SLAPolicy
	for rows.Next() {
		p, err := scanSLAPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sla policy: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// InsertSLABreach records a breach. It returns false when a breach of the same
// type already exists for the work order.
func (c *conn) InsertSLABreach(ctx context.Context, b *engine.SLABreach) (bool, error) {
	query := `INSERT INTO sla_breaches (` + breachColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(work_order_id, breach_type) DO NOTHING`

	res, err := c.exec(ctx, query,
		b.ID,
		b.WorkOrderID,
		b.PolicyID,
		b.Type,
		utc(b.DueAt),
		utc(b.DetectedAt),
		b.VarianceMinutes,
		b.PenaltyAmount,
		b.Waived,
		b.WaivedBy,
		utcPtr(b.WaivedAt),
		b.WaiveReason,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert sla breach: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// GetSLABreach retrieves a breach by ID.
func (c *conn) GetSLABreach(ctx context.Context, id string) (*engine.SLABreach, error) {
	query := `SELECT ` + breachColumns + ` FROM sla_breaches WHERE id = ?`

	b, err := scanBreach(c.queryRow(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("sla breach", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sla breach: %w", err)
	}
	return b, nil
}

// WaiveSLABreach marks a breach waived. A breach can be waived once.
func (c *conn) WaiveSLABreach(ctx context.Context, id, actor, reason string, at time.Time) error {
	res, err := c.exec(ctx, `
		UPDATE sla_breaches SET waived = ?, waived_by = ?, waived_at = ?, waive_reason = ?
		WHERE id = ? AND waived = ?
	`, true, actor, utc(at), reason, id, false)
	if err != nil {
		return fmt.Errorf("failed to waive sla breach: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		if _, err := c.GetSLABreach(ctx, id); err != nil {
			return err
		}
		return engine.NewIdempotencyError(engine.ErrCodeAlreadyWaived, "breach already waived").WithResource(id)
	}
	return nil
}

// ListSLABreaches returns breaches matching the filter, newest first.
func (c *conn) ListSLABreaches(ctx context.Context, f BreachFilter, page engine.Page) ([]*engine.SLABreach, error) {
	page = page.Normalize()

	var (
		where []string
		args  []interface{}
	)
	if f.TenantID != "" {
		where = append(where, "work_order_id IN (SELECT id FROM work_orders WHERE tenant_id = ?)")
		args = append(args, f.TenantID)
	}
	if f.WorkOrderID != "" {
		where = append(where, "work_order_id = ?")
		args = append(args, f.WorkOrderID)
	}
	if f.Type != "" {
		where = append(where, "breach_type = ?")
		args = append(args, f.Type)
	}
	if f.Waived != nil {
		where = append(where, "waived = ?")
		args = append(args, *f.Waived)
	}

	query := `SELECT ` + breachColumns + ` FROM sla_breaches`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY detected_at DESC, id" + pageClause(page.Limit, page.Offset)

	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sla breaches: %w", err)
	}
	defer rows.Close()

	var out []*engine.SLABreach
	for rows.Next() {
		b, err := scanBreach(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sla breach: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanSLAPolicy(row rowScanner) (*engine.SLAPolicy, error) {
	p := &engine.SLAPolicy{}
	err := row.Scan(
		&p.ID,
		&p.TenantID,
		&p.WOType,
		&p.Priority,
		&p.AssetCriticality,
		&p.ResponseMinutes,
		&p.ResolutionMinutes,
		&p.IsActive,
		&p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return p, nil
}

func scanBreach(row rowScanner) (*engine.SLABreach, error) {
	b := &engine.SLABreach{}
	err := row.Scan(
		&b.ID,
		&b.WorkOrderID,
		&b.PolicyID,
		&b.Type,
		&b.DueAt,
		&b.DetectedAt,
		&b.VarianceMinutes,
		&b.PenaltyAmount,
		&b.Waived,
		&b.WaivedBy,
		&b.WaivedAt,
		&b.WaiveReason,
	)
	if err != nil {
		return nil, err
	}
	b.DueAt = b.DueAt.UTC()
	b.DetectedAt = b.DetectedAt.UTC()
	b.WaivedAt = utcOptional(b.WaivedAt)
	return b, nil
}
