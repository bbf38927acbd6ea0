package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aquaops/aquaops/pkg/engine"
)

// Audit event levels.
const (
	EventLevelDebug   = "debug"
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventFilter narrows ListEvents. Empty fields match everything.
type EventFilter struct {
	Component string
	Subject   string
	Code      string
}

// AppendEvent appends an audit event.
func (c *conn) AppendEvent(ctx context.Context, e *engine.AuditEvent) error {
	details := "{}"
	if len(e.Details) > 0 {
		data, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal event details: %w", err)
		}
		details = string(data)
	}

	level := e.Level
	if level == "" {
		level = EventLevelInfo
	}

	_, err := c.exec(ctx, `
		INSERT INTO engine_events (id, level, component, subject, code, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, level, e.Component, e.Subject, e.Code, e.Message, details, utc(e.Timestamp))
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents returns audit events matching the filter, oldest first.
func (c *conn) ListEvents(ctx context.Context, f EventFilter, page engine.Page) ([]*engine.AuditEvent, error) {
	page = page.Normalize()

	var (
		where []string
		args  []interface{}
	)
	if f.Component != "" {
		where = append(where, "component = ?")
		args = append(args, f.Component)
	}
	if f.Subject != "" {
		where = append(where, "subject = ?")
		args = append(args, f.Subject)
	}
	if f.Code != "" {
		where = append(where, "code = ?")
		args = append(args, f.Code)
	}

	query := `SELECT id, level, component, subject, code, message, details, timestamp FROM engine_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp, id" + pageClause(page.Limit, page.Offset)

	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var out []*engine.AuditEvent
	for rows.Next() {
		e := &engine.AuditEvent{}
		var details string
		if err := rows.Scan(&e.ID, &e.Level, &e.Component, &e.Subject, &e.Code, &e.Message, &details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if details != "" && details != "{}" {
			if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event details: %w", err)
			}
		}
		e.Timestamp = e.Timestamp.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
