package condition_test

import (
	"context"
	"testing"
	"time"

	"github.com/aquaops/aquaops/pkg/condition"
	"github.com/aquaops/aquaops/pkg/engine"
	"github.com/aquaops/aquaops/pkg/stores"
	"github.com/aquaops/aquaops/pkg/stores/storetest"
	"github.com/aquaops/aquaops/pkg/telemetry"
)

var t0 = time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)

func f64(v float64) *float64 { return &v }

func newMonitor(t *testing.T) (*condition.Monitor, *stores.SQLStore) {
	t.Helper()
	store := storetest.New(t)
	m := condition.NewMonitor(store, condition.Config{Workers: 4}, engine.FixedClock{T: t0}, telemetry.NewNop())
	return m, store
}

func registerPressure(t *testing.T, m *condition.Monitor, assetID string) *engine.ConditionTag {
	t.Helper()
	tag, err := m.RegisterTag(context.Background(), condition.TagSpec{
		TenantID:  "t1",
		AssetID:   assetID,
		Parameter: "discharge_pressure",
		Unit:      "bar",
		Thresholds: engine.Thresholds{
			LoLo: f64(1),
			Lo:   f64(2),
			Hi:   f64(8),
			HiHi: f64(10),
		},
	})
	if err != nil {
		t.Fatalf("register tag failed: %v", err)
	}
	return tag
}

func TestClassify(t *testing.T) {
	full := engine.Thresholds{LoLo: f64(1), Lo: f64(2), Hi: f64(8), HiHi: f64(10)}

	tests := []struct {
		name  string
		th    engine.Thresholds
		value float64
		want  engine.HealthStatus
	}{
		{"normal", full, 5, engine.HealthNormal},
		{"hi", full, 8, engine.HealthWarning},
		{"hi_hi", full, 12, engine.HealthCritical},
		{"lo", full, 1.5, engine.HealthWarning},
		{"lo_lo", full, 0.2, engine.HealthAlarm},
		{"no thresholds", engine.Thresholds{}, 1e9, engine.HealthNormal},
		{"hi_hi wins over lo_lo", engine.Thresholds{LoLo: f64(100), HiHi: f64(50)}, 75, engine.HealthCritical},
		{"lo_lo wins over hi", engine.Thresholds{LoLo: f64(10), Hi: f64(5)}, 7, engine.HealthAlarm},
		{"hi wins over lo", engine.Thresholds{Lo: f64(10), Hi: f64(5)}, 7, engine.HealthWarning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := condition.Classify(tt.th, tt.value); got != tt.want {
				t.Errorf("Classify(%g) = %s, want %s", tt.value, got, tt.want)
			}
		})
	}
}

func TestRegisterTag_Validation(t *testing.T) {
	m, _ := newMonitor(t)
	ctx := context.Background()

	_, err := m.RegisterTag(ctx, condition.TagSpec{TenantID: "t1", AssetID: "pump-1"})
	if !engine.IsValidation(err) {
		t.Errorf("expected validation error for missing parameter, got %v", err)
	}

	_, err = m.RegisterTag(ctx, condition.TagSpec{
		TenantID: "t1", AssetID: "pump-1", Parameter: "flow",
		Thresholds: engine.Thresholds{Hi: f64(10), HiHi: f64(5)},
	})
	if !engine.IsValidation(err) {
		t.Errorf("expected validation error for unordered thresholds, got %v", err)
	}

	registerPressure(t, m, "pump-1")
	_, err = m.RegisterTag(ctx, condition.TagSpec{TenantID: "t1", AssetID: "pump-1", Parameter: "discharge_pressure"})
	if !engine.IsIdempotency(err) {
		t.Errorf("expected duplicate tag rejected, got %v", err)
	}
}

func TestIngest_AlarmRaiseAndClear(t *testing.T) {
	m, _ := newMonitor(t)
	ctx := context.Background()
	tag := registerPressure(t, m, "pump-1")

	steps := []struct {
		value   float64
		health  engine.HealthStatus
		raised  bool
		cleared bool
	}{
		{5, engine.HealthNormal, false, false},
		{9, engine.HealthWarning, false, false},
		{11, engine.HealthCritical, true, false},
		{0.5, engine.HealthAlarm, false, false},
		{5, engine.HealthNormal, false, true},
		{0.5, engine.HealthAlarm, true, false},
	}

	for i, step := range steps {
		res, err := m.Ingest(ctx, engine.Reading{
			AssetID:   "pump-1",
			Parameter: "discharge_pressure",
			Value:     step.value,
			ReadAt:    t0.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("step %d: ingest failed: %v", i, err)
		}
		if res.Health != step.health {
			t.Errorf("step %d: expected %s, got %s", i, step.health, res.Health)
		}
		if (res.Raised != nil) != step.raised || (res.Cleared != nil) != step.cleared {
			t.Errorf("step %d: raised=%v cleared=%v, want %v/%v", i, res.Raised != nil, res.Cleared != nil, step.raised, step.cleared)
		}
	}

	alarms, err := m.ListAlarms(ctx, stores.AlarmFilter{TagID: tag.ID}, engine.Page{})
	if err != nil {
		t.Fatalf("list alarms failed: %v", err)
	}
	if len(alarms) != 2 {
		t.Fatalf("expected 2 alarms, got %d", len(alarms))
	}
	if alarms[0].State != engine.AlarmRaised || alarms[0].Severity != engine.HealthAlarm {
		t.Errorf("expected newest alarm raised/alarm, got %s/%s", alarms[0].State, alarms[0].Severity)
	}
	if alarms[1].State != engine.AlarmCleared || alarms[1].Severity != engine.HealthCritical || alarms[1].TriggerValue != 11 {
		t.Errorf("expected first alarm cleared/critical at 11, got %+v", alarms[1])
	}

	stored, err := m.GetTag(ctx, tag.ID)
	if err != nil {
		t.Fatalf("get tag failed: %v", err)
	}
	if stored.Health != engine.HealthAlarm || stored.LastValue == nil || *stored.LastValue != 0.5 {
		t.Errorf("unexpected tag state: %+v", stored)
	}
}

func TestIngest_StaleReadingKeepsState(t *testing.T) {
	m, _ := newMonitor(t)
	ctx := context.Background()
	tag := registerPressure(t, m, "pump-1")

	if _, err := m.Ingest(ctx, engine.Reading{TagID: tag.ID, Value: 5, ReadAt: t0}); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	res, err := m.Ingest(ctx, engine.Reading{TagID: tag.ID, Value: 12, ReadAt: t0.Add(-time.Minute)})
	if err != nil {
		t.Fatalf("late ingest failed: %v", err)
	}
	if !res.Stale || res.Raised != nil {
		t.Errorf("expected a stale reading without alarm, got %+v", res)
	}

	stored, _ := m.GetTag(ctx, tag.ID)
	if stored.Health != engine.HealthNormal || *stored.LastValue != 5 {
		t.Errorf("stale reading moved the tag: %+v", stored)
	}

	history, err := m.ListReadings(ctx, tag.ID, t0.Add(-time.Hour), t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("list readings failed: %v", err)
	}
	if len(history) != 2 || history[0].Value != 12 {
		t.Errorf("expected stale reading kept in history first, got %+v", history)
	}
}

func TestIngest_Errors(t *testing.T) {
	m, _ := newMonitor(t)
	ctx := context.Background()

	_, err := m.Ingest(ctx, engine.Reading{AssetID: "pump-9", Parameter: "flow", Value: 1})
	if !engine.IsNotFound(err) {
		t.Errorf("expected not found for unknown tag, got %v", err)
	}
	_, err = m.Ingest(ctx, engine.Reading{Value: 1})
	if !engine.IsValidation(err) {
		t.Errorf("expected validation error without tag reference, got %v", err)
	}
}

func TestAcknowledgeAlarm(t *testing.T) {
	m, _ := newMonitor(t)
	ctx := context.Background()
	tag := registerPressure(t, m, "pump-1")

	res, err := m.Ingest(ctx, engine.Reading{TagID: tag.ID, Value: 15, ReadAt: t0})
	if err != nil || res.Raised == nil {
		t.Fatalf("expected raised alarm, got %+v %v", res, err)
	}

	a, err := m.AcknowledgeAlarm(ctx, res.Raised.ID, "operator-1")
	if err != nil {
		t.Fatalf("acknowledge failed: %v", err)
	}
	if a.State != engine.AlarmAcknowledged || a.AcknowledgedBy != "operator-1" {
		t.Errorf("unexpected alarm after ack: %+v", a)
	}

	if _, err := m.AcknowledgeAlarm(ctx, res.Raised.ID, "operator-2"); !engine.IsIdempotency(err) {
		t.Errorf("expected second acknowledgement to be a no-op, got %v", err)
	}
	if _, err := m.AcknowledgeAlarm(ctx, res.Raised.ID, ""); !engine.IsValidation(err) {
		t.Errorf("expected actor required, got %v", err)
	}

	// Acknowledged alarms still clear on return to normal.
	res, err = m.Ingest(ctx, engine.Reading{TagID: tag.ID, Value: 5, ReadAt: t0.Add(time.Minute)})
	if err != nil || res.Cleared == nil {
		t.Errorf("expected acknowledged alarm cleared, got %+v %v", res, err)
	}
}

func TestIngestBatch(t *testing.T) {
	m, store := newMonitor(t)
	ctx := context.Background()
	registerPressure(t, m, "pump-1")
	registerPressure(t, m, "pump-2")

	readings := []engine.Reading{
		{AssetID: "pump-1", Parameter: "discharge_pressure", Value: 5, ReadAt: t0.Add(2 * time.Minute)},
		{AssetID: "pump-1", Parameter: "discharge_pressure", Value: 11, ReadAt: t0},
		{AssetID: "pump-2", Parameter: "discharge_pressure", Value: 11, ReadAt: t0},
		{AssetID: "pump-3", Parameter: "discharge_pressure", Value: 4, ReadAt: t0},
		{AssetID: "pump-1", Parameter: "discharge_pressure", Value: 6, ReadAt: t0.Add(time.Minute)},
	}

	report, err := m.IngestBatch(ctx, readings)
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	if report.Received != 5 || report.Accepted != 4 || report.Stale != 0 {
		t.Errorf("unexpected counts: %+v", report)
	}
	// pump-1 is applied in read_at order: raise at t0, clear at t0+1m.
	if report.Raised != 2 || report.Cleared != 1 {
		t.Errorf("expected 2 raised and 1 cleared, got %d/%d", report.Raised, report.Cleared)
	}
	if len(report.Failures) != 1 || report.Failures[0].Group != "pump-3" || report.Failures[0].Code != engine.ErrCodeNotFound {
		t.Fatalf("expected pump-3 failure, got %+v", report.Failures)
	}

	events, err := store.ListEvents(ctx, stores.EventFilter{Component: "condition", Code: engine.ErrCodeIngestFailed}, engine.Page{})
	if err != nil {
		t.Fatalf("list events failed: %v", err)
	}
	if len(events) != 1 || events[0].Subject != "pump-3" {
		t.Errorf("expected the failure audited, got %+v", events)
	}
}

func TestIngestBatch_MixedAddressing(t *testing.T) {
	m, _ := newMonitor(t)
	ctx := context.Background()
	tag := registerPressure(t, m, "pump-1")

	// The same tag addressed both ways is applied serially in read_at order.
	readings := []engine.Reading{
		{AssetID: "pump-1", Parameter: "discharge_pressure", Value: 9, ReadAt: t0.Add(3 * time.Minute)},
		{TagID: tag.ID, Value: 5, ReadAt: t0.Add(2 * time.Minute)},
		{AssetID: "pump-1", Parameter: "discharge_pressure", Value: 12, ReadAt: t0.Add(time.Minute)},
		{TagID: tag.ID, Value: 11, ReadAt: t0},
	}
	report, err := m.IngestBatch(ctx, readings)
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	if report.Accepted != 4 || report.Stale != 0 || len(report.Failures) != 0 {
		t.Errorf("unexpected counts: %+v", report)
	}
	if report.Raised != 2 || report.Cleared != 1 {
		t.Errorf("expected 2 raised and 1 cleared, got %d/%d", report.Raised, report.Cleared)
	}

	stored, err := m.GetTag(ctx, tag.ID)
	if err != nil {
		t.Fatalf("get tag failed: %v", err)
	}
	if stored.LastValue == nil || *stored.LastValue != 9 {
		t.Errorf("expected last value 9, got %v", stored.LastValue)
	}
	if stored.LastReadingAt == nil || !stored.LastReadingAt.Equal(t0.Add(3*time.Minute)) {
		t.Errorf("expected last reading at t0+3m, got %v", stored.LastReadingAt)
	}

	alarms, err := m.ListAlarms(ctx, stores.AlarmFilter{TagID: tag.ID}, engine.Page{})
	if err != nil {
		t.Fatalf("list alarms failed: %v", err)
	}
	if len(alarms) != 2 {
		t.Errorf("expected 2 alarms, got %d", len(alarms))
	}
}
