package condition

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/aquaops/aquaops/pkg/engine"
	"github.com/aquaops/aquaops/pkg/stores"
	"github.com/aquaops/aquaops/pkg/telemetry"
)

// Reading outcomes recorded in metrics.
const (
	ResultAccepted = "accepted"
	ResultStale    = "stale"
	ResultFailed   = "failed"
)

// Config holds the condition monitor settings.
type Config struct {
	// Workers is the number of assets ingested concurrently in a batch.
	Workers int `mapstructure:"workers" validate:"gte=0"`
}

var validate = validator.New()

// TagSpec describes a condition tag to register.
type TagSpec struct {
	ID         string            `json:"id,omitempty" yaml:"id,omitempty"`
	TenantID   string            `json:"tenant_id" yaml:"tenant_id" validate:"required"`
	AssetID    string            `json:"asset_id" yaml:"asset_id" validate:"required"`
	Parameter  string            `json:"parameter" yaml:"parameter" validate:"required"`
	Unit       string            `json:"unit,omitempty" yaml:"unit,omitempty"`
	Thresholds engine.Thresholds `json:"thresholds" yaml:"thresholds"`
}

// IngestResult describes the effect of one reading.
type IngestResult struct {
	TagID    string              `json:"tag_id"`
	Previous engine.HealthStatus `json:"previous"`
	Health   engine.HealthStatus `json:"health"`

	// Stale is set when the reading is older than the tag's last reading. It
	// is kept in history but does not move the tag's state.
	Stale bool `json:"stale,omitempty"`

	Raised  *engine.Alarm `json:"raised,omitempty"`
	Cleared *engine.Alarm `json:"cleared,omitempty"`
}

// Monitor maintains condition tag health and alarms from incoming readings.
type Monitor struct {
	store *stores.SQLStore
	cfg   Config
	clock engine.Clock
	tel   *telemetry.Telemetry
}

// NewMonitor creates a condition monitor.
func NewMonitor(store *stores.SQLStore, cfg Config, clock engine.Clock, tel *telemetry.Telemetry) *Monitor {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if clock == nil {
		clock = engine.SystemClock{}
	}
	return &Monitor{
		store: store,
		cfg:   cfg,
		clock: clock,
		tel:   tel.Component("condition"),
	}
}

// Classify returns the health of a value against thresholds, checked in the
// order hi_hi, lo_lo, hi, lo. Limits are inclusive; unset limits never match.
func Classify(th engine.Thresholds, value float64) engine.HealthStatus {
	switch {
	case th.HiHi != nil && value >= *th.HiHi:
		return engine.HealthCritical
	case th.LoLo != nil && value <= *th.LoLo:
		return engine.HealthAlarm
	case th.Hi != nil && value >= *th.Hi:
		return engine.HealthWarning
	case th.Lo != nil && value <= *th.Lo:
		return engine.HealthWarning
	default:
		return engine.HealthNormal
	}
}

// ValidateThresholds checks that the set limits are ordered
// lo_lo <= lo <= hi <= hi_hi.
func ValidateThresholds(th engine.Thresholds) error {
	var (
		names  = []string{"lo_lo", "lo", "hi", "hi_hi"}
		limits = []*float64{th.LoLo, th.Lo, th.Hi, th.HiHi}
		prev   *float64
		prevN  string
	)
	for i, l := range limits {
		if l == nil {
			continue
		}
		if math.IsNaN(*l) || math.IsInf(*l, 0) {
			return engine.NewValidationError(engine.ErrCodeValidation, fmt.Sprintf("threshold %s must be finite", names[i]))
		}
		if prev != nil && *l < *prev {
			return engine.NewValidationError(engine.ErrCodeValidation,
				fmt.Sprintf("threshold %s (%g) is below %s (%g)", names[i], *l, prevN, *prev))
		}
		prev, prevN = l, names[i]
	}
	return nil
}

// RegisterTag creates a condition tag in the normal state.
func (m *Monitor) RegisterTag(ctx context.Context, spec TagSpec) (*engine.ConditionTag, error) {
	if err := validate.Struct(spec); err != nil {
		return nil, engine.NewValidationError(engine.ErrCodeValidation, fmt.Sprintf("invalid tag: %v", err))
	}
	if err := ValidateThresholds(spec.Thresholds); err != nil {
		return nil, err
	}

	now := m.clock.Now()
	tag := &engine.ConditionTag{
		ID:         spec.ID,
		TenantID:   spec.TenantID,
		AssetID:    spec.AssetID,
		Parameter:  spec.Parameter,
		Unit:       spec.Unit,
		Thresholds: spec.Thresholds,
		Health:     engine.HealthNormal,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if tag.ID == "" {
		tag.ID = uuid.New().String()
	}

	if err := m.store.CreateConditionTag(ctx, tag); err != nil {
		return nil, err
	}
	m.tel.Logger.WithAssetID(tag.AssetID).WithField("tag_id", tag.ID).
		Infof("Registered condition tag %s", tag.Parameter)
	return tag, nil
}

// GetTag returns a tag by ID.
func (m *Monitor) GetTag(ctx context.Context, id string) (*engine.ConditionTag, error) {
	return m.store.GetConditionTag(ctx, id)
}

// ListTags returns the tags of a tenant, optionally for one asset.
func (m *Monitor) ListTags(ctx context.Context, tenantID, assetID string) ([]*engine.ConditionTag, error) {
	return m.store.ListConditionTags(ctx, tenantID, assetID)
}

// ListReadings returns a tag's reading history within [from, to].
func (m *Monitor) ListReadings(ctx context.Context, tagID string, from, to time.Time) ([]engine.ReadingSample, error) {
	return m.store.ListReadings(ctx, tagID, from, to)
}

func (m *Monitor) resolveTag(ctx context.Context, r engine.Reading) (*engine.ConditionTag, error) {
	if r.TagID != "" {
		return m.store.GetConditionTag(ctx, r.TagID)
	}
	if r.AssetID == "" || r.Parameter == "" {
		return nil, engine.NewValidationError(engine.ErrCodeValidation, "reading requires a tag_id or an asset_id and parameter")
	}
	return m.store.GetConditionTagByParameter(ctx, r.AssetID, r.Parameter)
}

// Ingest appends a reading to its tag's history and, unless it is older than
// the tag's last reading, moves the tag's value and health. Entering the
// alarm or critical band from below raises an alarm; returning to normal
// clears the latest open alarm. All writes share one transaction.
func (m *Monitor) Ingest(ctx context.Context, r engine.Reading) (*IngestResult, error) {
	res, err := m.ingest(ctx, r)
	if err != nil {
		m.tel.Metrics.RecordReading(ResultFailed)
		m.tel.Metrics.RecordError(string(engine.ClassOf(err)), engine.CodeOf(err))
		return nil, err
	}
	if res.Stale {
		m.tel.Metrics.RecordReading(ResultStale)
	} else {
		m.tel.Metrics.RecordReading(ResultAccepted)
	}
	m.notify(res)
	return res, nil
}

func (m *Monitor) ingest(ctx context.Context, r engine.Reading) (*IngestResult, error) {
	if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
		return nil, engine.NewValidationError(engine.ErrCodeValidation, "reading value must be finite")
	}
	readAt := r.ReadAt
	if readAt.IsZero() {
		readAt = m.clock.Now()
	}
	readAt = readAt.UTC()

	tag, err := m.resolveTag(ctx, r)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	res := &IngestResult{TagID: tag.ID, Previous: tag.Health, Health: tag.Health}
	sample := engine.ReadingSample{TagID: tag.ID, Value: r.Value, ReadAt: readAt}

	if tag.LastReadingAt != nil && readAt.Before(*tag.LastReadingAt) {
		res.Stale = true
		if err := m.store.InsertReading(ctx, sample); err != nil {
			return nil, err
		}
		return res, nil
	}

	health := Classify(tag.Thresholds, r.Value)
	res.Health = health

	err = m.store.WithTx(ctx, func(tx *stores.Tx) error {
		if err := tx.InsertReading(ctx, sample); err != nil {
			return err
		}
		if err := tx.UpdateTagState(ctx, tag.ID, r.Value, readAt, health, now); err != nil {
			return err
		}

		switch {
		case health.IsAlarm() && !tag.Health.IsAlarm():
			alarm := &engine.Alarm{
				ID:           uuid.New().String(),
				TagID:        tag.ID,
				AssetID:      tag.AssetID,
				Severity:     health,
				State:        engine.AlarmRaised,
				RaisedAt:     readAt,
				TriggerValue: r.Value,
			}
			if err := tx.InsertAlarm(ctx, alarm); err != nil {
				return err
			}
			res.Raised = alarm

		case health == engine.HealthNormal && tag.Health != engine.HealthNormal:
			open, err := tx.LatestOpenAlarm(ctx, tag.ID)
			if err != nil {
				return err
			}
			if open == nil {
				return nil
			}
			if err := tx.ClearAlarm(ctx, open.ID, readAt); err != nil {
				return err
			}
			open.State = engine.AlarmCleared
			open.ClearedAt = &readAt
			res.Cleared = open
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (m *Monitor) notify(res *IngestResult) {
	if res.Previous != res.Health {
		m.tel.Logger.WithField("tag_id", res.TagID).WithFields(map[string]interface{}{
			"from": string(res.Previous),
			"to":   string(res.Health),
		}).Info("Tag health changed")
	}
	if a := res.Raised; a != nil {
		m.tel.Metrics.RecordAlarm(string(engine.AlarmRaised), string(a.Severity))
		_ = m.tel.Events.PublishAlarm(telemetry.EventAlarmRaised, a.TagID, a.AssetID, string(a.Severity), a.TriggerValue)
		m.tel.Logger.WithAssetID(a.AssetID).WithField("alarm_id", a.ID).
			Warnf("Alarm raised with severity %s at %g", a.Severity, a.TriggerValue)
	}
	if a := res.Cleared; a != nil {
		m.tel.Metrics.RecordAlarm(string(engine.AlarmCleared), string(a.Severity))
		_ = m.tel.Events.PublishAlarm(telemetry.EventAlarmCleared, a.TagID, a.AssetID, string(a.Severity), a.TriggerValue)
		m.tel.Logger.WithAssetID(a.AssetID).WithField("alarm_id", a.ID).Info("Alarm cleared")
	}
}

// AcknowledgeAlarm marks a raised alarm acknowledged by actor.
func (m *Monitor) AcknowledgeAlarm(ctx context.Context, id, actor string) (*engine.Alarm, error) {
	if actor == "" {
		return nil, engine.NewValidationError(engine.ErrCodeValidation, "actor is required")
	}
	if err := m.store.AcknowledgeAlarm(ctx, id, actor, m.clock.Now()); err != nil {
		return nil, err
	}
	a, err := m.store.GetAlarm(ctx, id)
	if err != nil {
		return nil, err
	}
	m.tel.Metrics.RecordAlarm(string(engine.AlarmAcknowledged), string(a.Severity))
	m.tel.Logger.WithAssetID(a.AssetID).WithField("alarm_id", id).Infof("Alarm acknowledged by %s", actor)
	return a, nil
}

// ListAlarms returns alarms matching the filter, newest first.
func (m *Monitor) ListAlarms(ctx context.Context, f stores.AlarmFilter, page engine.Page) ([]*engine.Alarm, error) {
	return m.store.ListAlarms(ctx, f, page)
}
