package stores_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aquaops/aquaops/pkg/engine"
	"github.com/aquaops/aquaops/pkg/stores"
	"github.com/aquaops/aquaops/pkg/stores/storetest"
)

var testNow = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func newTemplate(id string) *engine.PMTemplate {
	return &engine.PMTemplate{
		ID:            id,
		TenantID:      "tenant-a",
		AssetClassID:  "pump",
		Name:          "Monthly pump inspection",
		TriggerType:   engine.TriggerTime,
		FrequencyDays: 30,
		ToleranceDays: 3,
		JobPlanID:     "jp-1",
		Priority:      engine.PriorityMedium,
		NextGenDate:   engine.MustParseDate("2024-01-31"),
		IsActive:      true,
		CreatedAt:     testNow,
		UpdatedAt:     testNow,
	}
}

func newWorkOrder(id string) *engine.WorkOrder {
	return &engine.WorkOrder{
		ID:        id,
		TenantID:  "tenant-a",
		Kind:      engine.KindCM,
		Priority:  engine.PriorityHigh,
		Status:    engine.StatusDraft,
		Title:     "Replace seal",
		AssetID:   "pump-1",
		OpenedAt:  testNow,
		LaborCost: decimal.Zero,
		PartsCost: decimal.Zero,
		Version:   1,
		CreatedAt: testNow,
		UpdatedAt: testNow,
	}
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store := storetest.New(t)
	ctx := context.Background()

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if store.Dialect() != stores.DialectSQLite {
		t.Errorf("expected dialect sqlite, got %s", store.Dialect())
	}

	// Migrating twice is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}
}

func TestNewSQLStore_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  stores.Config
	}{
		{"sqlite without path", stores.Config{Driver: stores.DialectSQLite}},
		{"postgres without dsn", stores.Config{Driver: stores.DialectPostgres}},
		{"unknown driver", stores.Config{Driver: "mysql", Path: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := stores.NewSQLStore(tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestTemplateCRUD(t *testing.T) {
	store := storetest.New(t)
	ctx := context.Background()

	tpl := newTemplate("tpl-1")
	tpl.TriggerType = engine.TriggerCombined
	tpl.UsageTriggers = []engine.UsageTrigger{{MeterKind: "run_hours", Threshold: 500, TolerancePct: 10}}
	if err := store.CreateTemplate(ctx, tpl); err != nil {
		t.Fatalf("failed to create template: %v", err)
	}

	got, err := store.GetTemplate(ctx, "tpl-1")
	if err != nil {
		t.Fatalf("failed to get template: %v", err)
	}
	if !got.NextGenDate.Equal(tpl.NextGenDate) {
		t.Errorf("expected next date %s, got %s", tpl.NextGenDate, got.NextGenDate)
	}
	if len(got.UsageTriggers) != 1 || got.UsageTriggers[0].Threshold != 500 {
		t.Errorf("usage triggers not round-tripped: %+v", got.UsageTriggers)
	}

	if err := store.CreateTemplate(ctx, tpl); !engine.IsIdempotency(err) {
		t.Errorf("expected idempotency error on duplicate, got %v", err)
	}

	if _, err := store.GetTemplate(ctx, "missing"); !engine.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}

	if err := store.SetTemplateActive(ctx, "tpl-1", false, testNow); err != nil {
		t.Fatalf("failed to deactivate: %v", err)
	}
	active, err := store.ListActiveTemplates(ctx)
	if err != nil {
		t.Fatalf("failed to list active templates: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("expected no active templates, got %d", len(active))
	}
}

func TestRecordTemplateFailure_FlagsAtThreshold(t *testing.T) {
	store := storetest.New(t)
	ctx := context.Background()

	if err := store.CreateTemplate(ctx, newTemplate("tpl-1")); err != nil {
		t.Fatalf("failed to create template: %v", err)
	}

	for i := 1; i <= 3; i++ {
		count, flagged, err := store.RecordTemplateFailure(ctx, "tpl-1", "asset directory down", 3, testNow)
		if err != nil {
			t.Fatalf("failed to record failure: %v", err)
		}
		if count != i {
			t.Errorf("expected count %d, got %d", i, count)
		}
		if flagged != (i >= 3) {
			t.Errorf("failure %d: expected flagged=%v", i, i >= 3)
		}
	}

	if err := store.ResetTemplateFailures(ctx, "tpl-1", testNow); err != nil {
		t.Fatalf("failed to reset: %v", err)
	}
	got, _ := store.GetTemplate(ctx, "tpl-1")
	if got.FailureCount != 0 || !got.Flagged || !got.IsActive {
		t.Errorf("expected count reset, flag kept and template active, got %+v", got)
	}
}

func TestScheduleStateAndTemplateCache(t *testing.T) {
	store := storetest.New(t)
	ctx := context.Background()

	if err := store.CreateTemplate(ctx, newTemplate("tpl-1")); err != nil {
		t.Fatalf("failed to create template: %v", err)
	}

	st, err := store.GetScheduleState(ctx, "tpl-1", "pump-1")
	if err != nil || st != nil {
		t.Fatalf("expected no state, got %+v, %v", st, err)
	}

	for asset, next := range map[string]string{"pump-1": "2024-03-01", "pump-2": "2024-02-15"} {
		err := store.UpsertScheduleState(ctx, &engine.ScheduleState{
			TemplateID:      "tpl-1",
			AssetID:         asset,
			NextGenDate:     engine.MustParseDate(next),
			UsageBaselineAt: testNow,
			UpdatedAt:       testNow,
		})
		if err != nil {
			t.Fatalf("failed to upsert state: %v", err)
		}
	}
	if err := store.RefreshTemplateNextGen(ctx, "tpl-1", testNow); err != nil {
		t.Fatalf("failed to refresh: %v", err)
	}

	tpl, _ := store.GetTemplate(ctx, "tpl-1")
	if tpl.NextGenDate.String() != "2024-02-15" {
		t.Errorf("expected cached next date 2024-02-15, got %s", tpl.NextGenDate)
	}

	st, err = store.GetScheduleState(ctx, "tpl-1", "pump-1")
	if err != nil || st == nil {
		t.Fatalf("expected state, got %v", err)
	}
	if !st.UsageBaselineAt.Equal(testNow) {
		t.Errorf("expected baseline %v, got %v", testNow, st.UsageBaselineAt)
	}
}

func TestGenerationLog_Duplicate(t *testing.T) {
	store := storetest.New(t)
	ctx := context.Background()

	if err := store.CreateTemplate(ctx, newTemplate("tpl-1")); err != nil {
		t.Fatalf("failed to create template: %v", err)
	}

	log := &engine.GenerationLog{
		ID:            "log-1",
		TenantID:      "tenant-a",
		TemplateID:    "tpl-1",
		AssetID:       "pump-1",
		ScheduledDate: engine.MustParseDate("2024-01-31"),
		Status:        engine.GenerationGenerated,
		WorkOrderID:   "wo-1",
		TriggerReason: engine.ReasonTime,
		CreatedAt:     testNow,
		UpdatedAt:     testNow,
	}
	if err := store.InsertGenerationLog(ctx, log); err != nil {
		t.Fatalf("failed to insert log: %v", err)
	}

	dup := *log
	dup.ID = "log-2"
	err := store.InsertGenerationLog(ctx, &dup)
	if !errors.Is(err, engine.ErrDuplicateGeneration) {
		t.Fatalf("expected duplicate generation, got %v", err)
	}

	byWO, err := store.GetGenerationLogByWorkOrder(ctx, "wo-1")
	if err != nil || byWO == nil || byWO.ID != "log-1" {
		t.Fatalf("expected log-1 by work order, got %+v, %v", byWO, err)
	}

	if err := store.UpdateGenerationLogStatus(ctx, "log-1", engine.GenerationCompleted, "", testNow); err != nil {
		t.Fatalf("failed to complete log: %v", err)
	}
	// Completed rows are immutable.
	err = store.UpdateGenerationLogStatus(ctx, "log-1", engine.GenerationSkipped, engine.SkipWorkOrderCancelled, testNow)
	if !engine.IsNotFound(err) {
		t.Errorf("expected completed log to reject updates, got %v", err)
	}

	logs, err := store.ListGenerationLogs(ctx, stores.GenerationLogFilter{
		TenantID: "tenant-a",
		Statuses: []engine.GenerationStatus{engine.GenerationCompleted},
		From:     engine.MustParseDate("2024-01-01"),
		To:       engine.MustParseDate("2024-01-31"),
	}, engine.Page{})
	if err != nil {
		t.Fatalf("failed to list logs: %v", err)
	}
	if len(logs) != 1 {
		t.Errorf("expected 1 log, got %d", len(logs))
	}
}

func TestGenerationLog_SkippedDoesNotBlock(t *testing.T) {
	store := storetest.New(t)
	ctx := context.Background()

	if err := store.CreateTemplate(ctx, newTemplate("tpl-1")); err != nil {
		t.Fatalf("failed to create template: %v", err)
	}

	newLog := func(id string, status engine.GenerationStatus) *engine.GenerationLog {
		return &engine.GenerationLog{
			ID:            id,
			TenantID:      "tenant-a",
			TemplateID:    "tpl-1",
			AssetID:       "pump-1",
			ScheduledDate: engine.MustParseDate("2024-01-31"),
			Status:        status,
			TriggerReason: engine.ReasonUsage,
			CreatedAt:     testNow,
			UpdatedAt:     testNow,
		}
	}

	if err := store.InsertGenerationLog(ctx, newLog("log-1", engine.GenerationGenerated)); err != nil {
		t.Fatalf("failed to insert log: %v", err)
	}
	if err := store.UpdateGenerationLogStatus(ctx, "log-1", engine.GenerationSkipped, engine.SkipWorkOrderCancelled, testNow); err != nil {
		t.Fatalf("failed to skip log: %v", err)
	}
	if err := store.InsertGenerationLog(ctx, newLog("log-2", engine.GenerationSkipped)); err != nil {
		t.Fatalf("skipped rows must not collide: %v", err)
	}
	if err := store.InsertGenerationLog(ctx, newLog("log-3", engine.GenerationGenerated)); err != nil {
		t.Fatalf("expected generation after skipped rows, got %v", err)
	}
	err := store.InsertGenerationLog(ctx, newLog("log-4", engine.GenerationGenerated))
	if !errors.Is(err, engine.ErrDuplicateGeneration) {
		t.Fatalf("expected duplicate generation, got %v", err)
	}
}

func TestAdvanceUsageBaseline(t *testing.T) {
	store := storetest.New(t)
	ctx := context.Background()

	if err := store.CreateTemplate(ctx, newTemplate("tpl-1")); err != nil {
		t.Fatalf("failed to create template: %v", err)
	}
	// Unknown assets are ignored.
	if err := store.AdvanceUsageBaseline(ctx, "tpl-1", "pump-1", testNow); err != nil {
		t.Fatalf("advance without state failed: %v", err)
	}

	err := store.UpsertScheduleState(ctx, &engine.ScheduleState{
		TemplateID:      "tpl-1",
		AssetID:         "pump-1",
		NextGenDate:     engine.MustParseDate("2024-02-01"),
		UsageBaselineAt: testNow,
		UpdatedAt:       testNow,
	})
	if err != nil {
		t.Fatalf("failed to upsert state: %v", err)
	}

	later := testNow.Add(48 * time.Hour)
	if err := store.AdvanceUsageBaseline(ctx, "tpl-1", "pump-1", later); err != nil {
		t.Fatalf("advance failed: %v", err)
	}
	if err := store.AdvanceUsageBaseline(ctx, "tpl-1", "pump-1", testNow.Add(time.Hour)); err != nil {
		t.Fatalf("advance failed: %v", err)
	}

	st, err := store.GetScheduleState(ctx, "tpl-1", "pump-1")
	if err != nil {
		t.Fatalf("failed to get state: %v", err)
	}
	if !st.UsageBaselineAt.Equal(later) {
		t.Errorf("expected baseline %s, got %s", later, st.UsageBaselineAt)
	}
	if st.NextGenDate.String() != "2024-02-01" {
		t.Errorf("time cadence must not move, got %s", st.NextGenDate)
	}
}

func TestWorkOrder_OptimisticVersion(t *testing.T) {
	store := storetest.New(t)
	ctx := context.Background()

	wo := newWorkOrder("wo-1")
	wo.LaborCost = decimal.RequireFromString("120.50")
	if err := store.InsertWorkOrder(ctx, wo); err != nil {
		t.Fatalf("failed to insert work order: %v", err)
	}

	got, err := store.GetWorkOrder(ctx, "wo-1")
	if err != nil {
		t.Fatalf("failed to get work order: %v", err)
	}
	if !got.LaborCost.Equal(wo.LaborCost) {
		t.Errorf("expected labor cost %s, got %s", wo.LaborCost, got.LaborCost)
	}
	if !got.OpenedAt.Equal(testNow) {
		t.Errorf("expected opened_at %v, got %v", testNow, got.OpenedAt)
	}

	got.Status = engine.StatusApproved
	if err := store.UpdateWorkOrder(ctx, got, 1); err != nil {
		t.Fatalf("failed to update work order: %v", err)
	}
	if got.Version != 2 {
		t.Errorf("expected version 2, got %d", got.Version)
	}

	stale := newWorkOrder("wo-1")
	stale.Status = engine.StatusCancelled
	err = store.UpdateWorkOrder(ctx, stale, 1)
	if !engine.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}

	err = store.UpdateWorkOrder(ctx, newWorkOrder("missing"), 1)
	if !engine.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestWorkOrder_OneOpenPerRule(t *testing.T) {
	store := storetest.New(t)
	ctx := context.Background()

	first := newWorkOrder("wo-1")
	first.SourceRuleID = "rule-1"
	if err := store.InsertWorkOrder(ctx, first); err != nil {
		t.Fatalf("failed to insert first: %v", err)
	}

	second := newWorkOrder("wo-2")
	second.SourceRuleID = "rule-1"
	if err := store.InsertWorkOrder(ctx, second); !errors.Is(err, engine.ErrDuplicateTrigger) {
		t.Fatalf("expected duplicate trigger, got %v", err)
	}

	open, err := store.FindOpenWorkOrderForRule(ctx, "pump-1", "rule-1")
	if err != nil || open == nil || open.ID != "wo-1" {
		t.Fatalf("expected wo-1 open, got %+v, %v", open, err)
	}

	first.Status = engine.StatusCancelled
	if err := store.UpdateWorkOrder(ctx, first, 1); err != nil {
		t.Fatalf("failed to cancel: %v", err)
	}
	if err := store.InsertWorkOrder(ctx, second); err != nil {
		t.Fatalf("expected insert after cancellation to succeed, got %v", err)
	}
}

func TestWithTx_RollsBack(t *testing.T) {
	store := storetest.New(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := store.WithTx(ctx, func(tx *stores.Tx) error {
		if err := tx.InsertWorkOrder(ctx, newWorkOrder("wo-1")); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := store.GetWorkOrder(ctx, "wo-1"); !engine.IsNotFound(err) {
		t.Errorf("expected rollback, got %v", err)
	}
}

func TestSLABreach_InsertOnceAndWaive(t *testing.T) {
	store := storetest.New(t)
	ctx := context.Background()

	policy := &engine.SLAPolicy{TenantID: "tenant-a", ResponseMinutes: 60, ResolutionMinutes: 240, IsActive: true, CreatedAt: testNow}
	if err := store.CreateSLAPolicy(ctx, policy); err != nil {
		t.Fatalf("failed to create policy: %v", err)
	}
	if policy.ID == 0 {
		t.Fatal("expected policy id to be assigned")
	}

	if err := store.InsertWorkOrder(ctx, newWorkOrder("wo-1")); err != nil {
		t.Fatalf("failed to insert work order: %v", err)
	}

	breach := &engine.SLABreach{
		ID:              "br-1",
		WorkOrderID:     "wo-1",
		PolicyID:        policy.ID,
		Type:            engine.BreachResponse,
		DueAt:           testNow,
		DetectedAt:      testNow.Add(15 * time.Minute),
		VarianceMinutes: 15,
		PenaltyAmount:   decimal.RequireFromString("37.5"),
	}
	inserted, err := store.InsertSLABreach(ctx, breach)
	if err != nil || !inserted {
		t.Fatalf("expected insert, got %v, %v", inserted, err)
	}

	again := *breach
	again.ID = "br-2"
	inserted, err = store.InsertSLABreach(ctx, &again)
	if err != nil || inserted {
		t.Fatalf("expected second insert to be skipped, got %v, %v", inserted, err)
	}

	if err := store.WaiveSLABreach(ctx, "br-1", "manager", "storm", testNow); err != nil {
		t.Fatalf("failed to waive: %v", err)
	}
	if err := store.WaiveSLABreach(ctx, "br-1", "manager", "storm", testNow); !errors.Is(err, engine.ErrAlreadyWaived) {
		t.Errorf("expected already waived, got %v", err)
	}

	waived := true
	list, err := store.ListSLABreaches(ctx, stores.BreachFilter{TenantID: "tenant-a", Waived: &waived}, engine.Page{})
	if err != nil {
		t.Fatalf("failed to list breaches: %v", err)
	}
	if len(list) != 1 || !list[0].PenaltyAmount.Equal(decimal.RequireFromString("37.5")) {
		t.Errorf("unexpected breaches: %+v", list)
	}
}

func TestListOverdueWorkOrders(t *testing.T) {
	store := storetest.New(t)
	ctx := context.Background()

	due := testNow.Add(time.Hour)
	for _, id := range []string{"wo-1", "wo-2"} {
		wo := newWorkOrder(id)
		wo.ResolutionDue = &due
		if err := store.InsertWorkOrder(ctx, wo); err != nil {
			t.Fatalf("failed to insert: %v", err)
		}
	}

	overdue, err := store.ListOverdueWorkOrders(ctx, testNow.Add(30*time.Minute), 100)
	if err != nil {
		t.Fatalf("failed to list overdue: %v", err)
	}
	if len(overdue) != 0 {
		t.Errorf("expected none overdue before due, got %d", len(overdue))
	}

	overdue, err = store.ListOverdueWorkOrders(ctx, testNow.Add(2*time.Hour), 100)
	if err != nil {
		t.Fatalf("failed to list overdue: %v", err)
	}
	if len(overdue) != 2 {
		t.Errorf("expected 2 overdue, got %d", len(overdue))
	}
}

func TestReadingsAndAlarms(t *testing.T) {
	store := storetest.New(t)
	ctx := context.Background()

	hi := 80.0
	tag := &engine.ConditionTag{
		ID:         "tag-1",
		TenantID:   "tenant-a",
		AssetID:    "pump-1",
		Parameter:  "vibration",
		Thresholds: engine.Thresholds{Hi: &hi},
		Health:     engine.HealthNormal,
		CreatedAt:  testNow,
		UpdatedAt:  testNow,
	}
	if err := store.CreateConditionTag(ctx, tag); err != nil {
		t.Fatalf("failed to create tag: %v", err)
	}

	for i := 0; i < 5; i++ {
		r := engine.ReadingSample{TagID: "tag-1", Value: float64(i), ReadAt: testNow.Add(time.Duration(i) * time.Minute)}
		if err := store.InsertReading(ctx, r); err != nil {
			t.Fatalf("failed to insert reading: %v", err)
		}
	}

	readings, err := store.ListReadings(ctx, "tag-1", testNow.Add(time.Minute), testNow.Add(3*time.Minute))
	if err != nil {
		t.Fatalf("failed to list readings: %v", err)
	}
	if len(readings) != 3 {
		t.Errorf("expected 3 readings, got %d", len(readings))
	}

	anchor, err := store.LatestReadingAtOrBefore(ctx, "tag-1", testNow.Add(150*time.Second))
	if err != nil || anchor == nil || anchor.Value != 2 {
		t.Errorf("expected anchor value 2, got %+v, %v", anchor, err)
	}

	alarm := &engine.Alarm{
		ID: "al-1", TagID: "tag-1", AssetID: "pump-1",
		Severity: engine.HealthAlarm, State: engine.AlarmRaised, RaisedAt: testNow, TriggerValue: 95,
	}
	if err := store.InsertAlarm(ctx, alarm); err != nil {
		t.Fatalf("failed to insert alarm: %v", err)
	}
	if n, err := store.LinkOpenAlarms(ctx, []string{"tag-1"}, "wo-9"); err != nil || n != 1 {
		t.Errorf("expected 1 linked alarm, got %d, %v", n, err)
	}
	if err := store.AcknowledgeAlarm(ctx, "al-1", "operator", testNow); err != nil {
		t.Fatalf("failed to acknowledge: %v", err)
	}
	if err := store.AcknowledgeAlarm(ctx, "al-1", "operator", testNow); !engine.IsIdempotency(err) {
		t.Errorf("expected idempotent second acknowledge, got %v", err)
	}

	open, err := store.LatestOpenAlarm(ctx, "tag-1")
	if err != nil || open == nil || open.WorkOrderID != "wo-9" {
		t.Fatalf("expected linked open alarm, got %+v, %v", open, err)
	}
	if err := store.ClearAlarm(ctx, "al-1", testNow.Add(time.Hour)); err != nil {
		t.Fatalf("failed to clear: %v", err)
	}
	if open, _ := store.LatestOpenAlarm(ctx, "tag-1"); open != nil {
		t.Errorf("expected no open alarm, got %+v", open)
	}
}

func TestPredictiveRuleUpsertAndTriggers(t *testing.T) {
	store := storetest.New(t)
	ctx := context.Background()

	rule := &engine.PredictiveRule{
		ID:       "rule-1",
		TenantID: "tenant-a",
		Name:     "bearing wear",
		Conditions: []engine.Condition{
			{Parameter: "vibration", Operator: engine.OpGT, Value: 7.1, DurationMinutes: 30},
		},
		WOPriority: engine.PriorityHigh,
		WOKind:     engine.KindCM,
		IsActive:   true,
		CreatedAt:  testNow,
		UpdatedAt:  testNow,
	}
	if err := store.UpsertPredictiveRule(ctx, rule); err != nil {
		t.Fatalf("failed to upsert rule: %v", err)
	}

	replacement := *rule
	replacement.ID = "rule-other"
	replacement.CooldownMinutes = 60
	if err := store.UpsertPredictiveRule(ctx, &replacement); err != nil {
		t.Fatalf("failed to re-upsert rule: %v", err)
	}
	if replacement.ID != "rule-1" {
		t.Errorf("expected upsert to keep id rule-1, got %s", replacement.ID)
	}

	got, err := store.GetPredictiveRule(ctx, "rule-1")
	if err != nil {
		t.Fatalf("failed to get rule: %v", err)
	}
	if got.CooldownMinutes != 60 || len(got.Conditions) != 1 {
		t.Errorf("unexpected rule: %+v", got)
	}

	if at, err := store.GetRuleClockReset(ctx, "rule-1", "pump-1"); err != nil || at != nil {
		t.Fatalf("expected no clock reset, got %v, %v", at, err)
	}
	if err := store.ResetRuleClock(ctx, "rule-1", "pump-1", testNow); err != nil {
		t.Fatalf("failed to reset clock: %v", err)
	}
	if at, err := store.GetRuleClockReset(ctx, "rule-1", "pump-1"); err != nil || at == nil || !at.Equal(testNow) {
		t.Fatalf("expected clock reset at %v, got %v, %v", testNow, at, err)
	}

	for i, status := range []engine.TriggerStatus{engine.TriggerWOCreated, engine.TriggerSuppressed} {
		trig := &engine.PredictiveTrigger{
			ID:       []string{"tr-1", "tr-2"}[i],
			RuleID:   "rule-1",
			AssetID:  "pump-1",
			Status:   status,
			Snapshot: map[string]float64{"vibration": 7.5},
			FiredAt:  testNow.Add(time.Duration(i) * time.Minute),
		}
		if err := store.InsertTrigger(ctx, trig); err != nil {
			t.Fatalf("failed to insert trigger: %v", err)
		}
	}

	latest, err := store.LatestTrigger(ctx, "rule-1", "pump-1", engine.TriggerWOCreated, engine.TriggerWOExists)
	if err != nil || latest == nil || latest.ID != "tr-1" {
		t.Fatalf("expected tr-1, got %+v, %v", latest, err)
	}
	if latest.Snapshot["vibration"] != 7.5 {
		t.Errorf("expected snapshot value 7.5, got %v", latest.Snapshot)
	}
}

func TestComplianceMetricUpsert(t *testing.T) {
	store := storetest.New(t)
	ctx := context.Background()

	start := engine.MustParseDate("2024-01-01")
	end := engine.MustParseDate("2024-01-31")
	m := &engine.ComplianceMetric{
		TenantID: "tenant-a", PeriodStart: start, PeriodEnd: end,
		PMScheduled: 4, PMCompletedOnTime: 3, CompliancePct: 0.75, ComputedAt: testNow,
	}
	if err := store.UpsertComplianceMetric(ctx, m); err != nil {
		t.Fatalf("failed to upsert: %v", err)
	}

	ratio := 2.0
	m.BreakdownWO = 2
	m.BreakdownRatio = &ratio
	if err := store.UpsertComplianceMetric(ctx, m); err != nil {
		t.Fatalf("failed to re-upsert: %v", err)
	}

	got, err := store.GetComplianceMetric(ctx, "tenant-a", start, end)
	if err != nil {
		t.Fatalf("failed to get metric: %v", err)
	}
	if got.BreakdownRatio == nil || *got.BreakdownRatio != 2 || got.CompliancePct != 0.75 {
		t.Errorf("unexpected metric: %+v", got)
	}

	list, err := store.ListComplianceMetrics(ctx, "tenant-a", engine.Page{})
	if err != nil || len(list) != 1 {
		t.Errorf("expected one metric row, got %d, %v", len(list), err)
	}
}

func TestAppendAndListEvents(t *testing.T) {
	store := storetest.New(t)
	ctx := context.Background()

	err := store.AppendEvent(ctx, &engine.AuditEvent{
		ID:        "ev-1",
		Level:     stores.EventLevelWarning,
		Component: "pm",
		Subject:   "tpl-1",
		Code:      engine.ErrCodeDuplicateGeneration,
		Message:   "duplicate generation ignored",
		Details:   map[string]interface{}{"asset_id": "pump-1"},
		Timestamp: testNow,
	})
	if err != nil {
		t.Fatalf("failed to append event: %v", err)
	}

	events, err := store.ListEvents(ctx, stores.EventFilter{Component: "pm", Code: engine.ErrCodeDuplicateGeneration}, engine.Page{})
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(events) != 1 || events[0].Details["asset_id"] != "pump-1" {
		t.Errorf("unexpected events: %+v", events)
	}
}

func TestBackup(t *testing.T) {
	store := storetest.New(t)
	ctx := context.Background()

	if err := store.InsertWorkOrder(ctx, newWorkOrder("wo-backup")); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	path := filepath.Join(t.TempDir(), "backup.db")
	if err := store.Backup(ctx, path); err != nil {
		t.Fatalf("backup failed: %v", err)
	}

	copyStore, err := stores.NewSQLStore(stores.Config{Driver: stores.DialectSQLite, Path: path})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := copyStore.Init(ctx); err != nil {
		t.Fatalf("failed to open backup: %v", err)
	}
	defer copyStore.Close()

	wo, err := copyStore.GetWorkOrder(ctx, "wo-backup")
	if err != nil {
		t.Fatalf("work order missing from backup: %v", err)
	}
	if wo.Title != "Replace seal" {
		t.Errorf("unexpected title %q", wo.Title)
	}

	if err := store.Backup(ctx, ""); err == nil {
		t.Error("expected error for empty path")
	}
}
