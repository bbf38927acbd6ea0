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

const tagColumns = `id, tenant_id, asset_id, parameter, unit, lo_lo, lo, hi, hi_hi, last_value, last_reading_at,
	health_status, created_at, updated_at`

const alarmColumns = `id, tag_id, asset_id, severity, state, raised_at, acknowledged_by, acknowledged_at,
	cleared_at, trigger_value, work_order_id`

// AlarmFilter narrows ListAlarms. Empty fields match everything.
type AlarmFilter struct {
	TenantID string
	AssetID  string
	TagID    string
	State    engine.AlarmState
	OpenOnly bool
}

// CreateConditionTag registers a monitored parameter of an asset.
func (c *conn) CreateConditionTag(ctx context.Context, t *engine.ConditionTag) error {
	query := `INSERT INTO condition_tags (` + tagColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := c.exec(ctx, query,
		t.ID,
		t.TenantID,
		t.AssetID,
		t.Parameter,
		t.Unit,
		t.Thresholds.LoLo,
		t.Thresholds.Lo,
		t.Thresholds.Hi,
		t.Thresholds.HiHi,
		t.LastValue,
		utcPtr(t.LastReadingAt),
		t.Health,
		utc(t.CreatedAt),
		utc(t.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return engine.NewIdempotencyError(engine.ErrCodeAlreadyExists,
				fmt.Sprintf("tag for %s on asset %s already exists", t.Parameter, t.AssetID)).WithResource(t.AssetID)
		}
		return fmt.Errorf("failed to create condition tag: %w", err)
	}
	return nil
}

// GetConditionTag retrieves a tag by ID.
func (c *conn) GetConditionTag(ctx context.Context, id string) (*engine.ConditionTag, error) {
	query := `SELECT ` + tagColumns + ` FROM condition_tags WHERE id = ?`

	t, err := scanTag(c.queryRow(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("condition tag", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get condition tag: %w", err)
	}
	return t, nil
}

// GetConditionTagByParameter retrieves the tag of an asset parameter.
func (c *conn) GetConditionTagByParameter(ctx context.Context, assetID, parameter string) (*engine.ConditionTag, error) {
	query := `SELECT ` + tagColumns + ` FROM condition_tags WHERE asset_id = ? AND parameter = ?`

	t, err := scanTag(c.queryRow(ctx, query, assetID, parameter))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("condition tag", assetID+"/"+parameter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get condition tag: %w", err)
	}
	return t, nil
}

// ListConditionTags returns a tenant's tags, optionally restricted to one asset.
func (c *conn) ListConditionTags(ctx context.Context, tenantID, assetID string) ([]*engine.ConditionTag, error) {
	query := `SELECT ` + tagColumns + ` FROM condition_tags WHERE tenant_id = ?`
	args := []interface{}{tenantID}
	if assetID != "" {
		query += " AND asset_id = ?"
		args = append(args, assetID)
	}
	query += " ORDER BY asset_id, parameter"

	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list condition tags: %w", err)
	}
	defer rows.Close()

	var out []*engine.ConditionTag
	for rows.Next() {
		t, err := scanTag(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan condition tag: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTagState stores the current value, reading time and health of a tag.
func (c *conn) UpdateTagState(ctx context.Context, tagID string, value float64, readAt time.Time, health engine.HealthStatus, now time.Time) error {
	res, err := c.exec(ctx, `
		UPDATE condition_tags SET last_value = ?, last_reading_at = ?, health_status = ?, updated_at = ?
		WHERE id = ?
	`, value, utc(readAt), health, utc(now), tagID)
	if err != nil {
		return fmt.Errorf("failed to update tag state: %w", err)
	}
	return requireRow(res, "condition tag", tagID)
}

// InsertReading appends a reading to the tag history.
func (c *conn) InsertReading(ctx context.Context, r engine.ReadingSample) error {
	_, err := c.exec(ctx, `INSERT INTO condition_readings (tag_id, value, read_at) VALUES (?, ?, ?)`,
		r.TagID, r.Value, utc(r.ReadAt))
	if err != nil {
		return fmt.Errorf("failed to insert reading: %w", err)
	}
	return nil
}

// ListReadings returns a tag's readings with from <= read_at <= to, oldest first.
func (c *conn) ListReadings(ctx context.Context, tagID string, from, to time.Time) ([]engine.ReadingSample, error) {
	rows, err := c.query(ctx, `
		SELECT tag_id, value, read_at FROM condition_readings
		WHERE tag_id = ? AND read_at >= ? AND read_at <= ?
		ORDER BY read_at, id
	`, tagID, utc(from), utc(to))
	if err != nil {
		return nil, fmt.Errorf("failed to list readings: %w", err)
	}
	defer rows.Close()

	var out []engine.ReadingSample
	for rows.Next() {
		var r engine.ReadingSample
		if err := rows.Scan(&r.TagID, &r.Value, &r.ReadAt); err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		r.ReadAt = r.ReadAt.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestReadingAtOrBefore returns the last reading of a tag at or before t,
// or nil when there is none.
func (c *conn) LatestReadingAtOrBefore(ctx context.Context, tagID string, t time.Time) (*engine.ReadingSample, error) {
	r := &engine.ReadingSample{}
	err := c.queryRow(ctx, `
		SELECT tag_id, value, read_at FROM condition_readings
		WHERE tag_id = ? AND read_at <= ?
		ORDER BY read_at DESC, id DESC
		LIMIT 1
	`, tagID, utc(t)).Scan(&r.TagID, &r.Value, &r.ReadAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest reading: %w", err)
	}
	r.ReadAt = r.ReadAt.UTC()
	return r, nil
}

// InsertAlarm records a raised alarm.
func (c *conn) InsertAlarm(ctx context.Context, a *engine.Alarm) error {
	query := `INSERT INTO condition_alarms (` + alarmColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := c.exec(ctx, query,
		a.ID,
		a.TagID,
		a.AssetID,
		a.Severity,
		a.State,
		utc(a.RaisedAt),
		a.AcknowledgedBy,
		utcPtr(a.AcknowledgedAt),
		utcPtr(a.ClearedAt),
		a.TriggerValue,
		nullString(a.WorkOrderID),
	)
	if err != nil {
		return fmt.Errorf("failed to insert alarm: %w", err)
	}
	return nil
}

// GetAlarm retrieves an alarm by ID.
func (c *conn) GetAlarm(ctx context.Context, id string) (*engine.Alarm, error) {
	query := `SELECT ` + alarmColumns + ` FROM condition_alarms WHERE id = ?`

	a, err := scanAlarm(c.queryRow(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("alarm", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alarm: %w", err)
	}
	return a, nil
}

// LatestOpenAlarm returns the most recent raised or acknowledged alarm of a
// tag, or nil when none is open.
func (c *conn) LatestOpenAlarm(ctx context.Context, tagID string) (*engine.Alarm, error) {
	query := `SELECT ` + alarmColumns + ` FROM condition_alarms
		WHERE tag_id = ? AND state <> ?
		ORDER BY raised_at DESC, id DESC
		LIMIT 1`

	a, err := scanAlarm(c.queryRow(ctx, query, tagID, engine.AlarmCleared))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get open alarm: %w", err)
	}
	return a, nil
}

// ClearAlarm marks an alarm cleared.
func (c *conn) ClearAlarm(ctx context.Context, id string, at time.Time) error {
	res, err := c.exec(ctx, `
		UPDATE condition_alarms SET state = ?, cleared_at = ? WHERE id = ? AND state <> ?
	`, engine.AlarmCleared, utc(at), id, engine.AlarmCleared)
	if err != nil {
		return fmt.Errorf("failed to clear alarm: %w", err)
	}
	return requireRow(res, "open alarm", id)
}

// AcknowledgeAlarm marks a raised alarm acknowledged.
func (c *conn) AcknowledgeAlarm(ctx context.Context, id, actor string, at time.Time) error {
	res, err := c.exec(ctx, `
		UPDATE condition_alarms SET state = ?, acknowledged_by = ?, acknowledged_at = ?
		WHERE id = ? AND state = ?
	`, engine.AlarmAcknowledged, actor, utc(at), id, engine.AlarmRaised)
	if err != nil {
		return fmt.Errorf("failed to acknowledge alarm: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		a, err := c.GetAlarm(ctx, id)
		if err != nil {
			return err
		}
		if a.State == engine.AlarmAcknowledged {
			return engine.NewIdempotencyError(engine.ErrCodeAlreadyExists, "alarm already acknowledged").WithResource(id)
		}
		return engine.NewValidationError(engine.ErrCodeInvalidTransition,
			fmt.Sprintf("alarm in state %s cannot be acknowledged", a.State)).WithResource(id)
	}
	return nil
}

// LinkOpenAlarms attaches the unlinked open alarms of the given tags to a work order.
func (c *conn) LinkOpenAlarms(ctx context.Context, tagIDs []string, workOrderID string) (int64, error) {
	if len(tagIDs) == 0 {
		return 0, nil
	}

	args := []interface{}{workOrderID, engine.AlarmCleared}
	for _, id := range tagIDs {
		args = append(args, id)
	}
	res, err := c.exec(ctx, `
		UPDATE condition_alarms SET work_order_id = ?
		WHERE state <> ? AND work_order_id IS NULL AND tag_id IN (`+placeholders(len(tagIDs))+`)
	`, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to link alarms: %w", err)
	}
	return res.RowsAffected()
}

// ListAlarms returns alarms matching the filter, newest first.
func (c *conn) ListAlarms(ctx context.Context, f AlarmFilter, page engine.Page) ([]*engine.Alarm, error) {
	page = page.Normalize()

	var (
		where []string
		args  []interface{}
	)
	if f.TenantID != "" {
		where = append(where, "tag_id IN (SELECT id FROM condition_tags WHERE tenant_id = ?)")
		args = append(args, f.TenantID)
	}
	if f.AssetID != "" {
		where = append(where, "asset_id = ?")
		args = append(args, f.AssetID)
	}
	if f.TagID != "" {
		where = append(where, "tag_id = ?")
		args = append(args, f.TagID)
	}
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, f.State)
	}
	if f.OpenOnly {
		where = append(where, "state <> ?")
		args = append(args, engine.AlarmCleared)
	}

	query := `SELECT ` + alarmColumns + ` FROM condition_alarms`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY raised_at DESC, id" + pageClause(page.Limit, page.Offset)

	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alarms: %w", err)
	}
	defer rows.Close()

	var out []*engine.Alarm
	for rows.Next() {
		a, err := scanAlarm(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alarm: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanTag(row rowScanner) (*engine.ConditionTag, error) {
	t := &engine.ConditionTag{}
	err := row.Scan(
		&t.ID,
		&t.TenantID,
		&t.AssetID,
		&t.Parameter,
		&t.Unit,
		&t.Thresholds.LoLo,
		&t.Thresholds.Lo,
		&t.Thresholds.Hi,
		&t.Thresholds.HiHi,
		&t.LastValue,
		&t.LastReadingAt,
		&t.Health,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.LastReadingAt = utcOptional(t.LastReadingAt)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return t, nil
}

func scanAlarm(row rowScanner) (*engine.Alarm, error) {
	a := &engine.Alarm{}
	var workOrderID sql.NullString
	err := row.Scan(
		&a.ID,
		&a.TagID,
		&a.AssetID,
		&a.Severity,
		&a.State,
		&a.RaisedAt,
		&a.AcknowledgedBy,
		&a.AcknowledgedAt,
		&a.ClearedAt,
		&a.TriggerValue,
		&workOrderID,
	)
	if err != nil {
		return nil, err
	}
	a.WorkOrderID = workOrderID.String
	a.RaisedAt = a.RaisedAt.UTC()
	a.AcknowledgedAt = utcOptional(a.AcknowledgedAt)
	a.ClearedAt = utcOptional(a.ClearedAt)
	return a, nil
}
