package compliance_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/aquaops/aquaops/pkg/compliance"
	"github.com/aquaops/aquaops/pkg/engine"
	"github.com/aquaops/aquaops/pkg/stores"
	"github.com/aquaops/aquaops/pkg/stores/storetest"
	"github.com/aquaops/aquaops/pkg/telemetry"
)

var now = time.Date(2024, 4, 1, 2, 0, 0, 0, time.UTC)

func day(s string) engine.Date { return engine.MustParseDate(s) }

func noon(s string) *time.Time {
	t := day(s).Time().Add(12 * time.Hour)
	return &t
}

func TestSummarize(t *testing.T) {
	rows := []stores.ComplianceRow{
		{LogID: "a", ScheduledDate: day("2024-03-05"), Status: engine.GenerationCompleted, ToleranceDays: 3, CompletedAt: noon("2024-03-08")},
		{LogID: "b", ScheduledDate: day("2024-03-10"), Status: engine.GenerationCompleted, ToleranceDays: 3, CompletedAt: noon("2024-03-14")},
		{LogID: "c", ScheduledDate: day("2024-03-15"), Status: engine.GenerationCompleted, ToleranceDays: 0,
			LastDeferral: day("2024-03-25"), DeferralCount: 2, CompletedAt: noon("2024-03-25")},
		{LogID: "d", ScheduledDate: day("2024-03-20"), Status: engine.GenerationSkipped},
		{LogID: "e", ScheduledDate: day("2024-03-28"), Status: engine.GenerationDeferred, LastDeferral: day("2024-04-03"), DeferralCount: 1},
	}

	m := compliance.Summarize(rows, 4)
	if m.PMScheduled != 5 || m.PMCompletedOnTime != 2 || m.PMCompletedLate != 1 {
		t.Errorf("unexpected completion counts %+v", m)
	}
	if m.PMDeferred != 2 || m.PMSkipped != 1 || m.BreakdownWO != 4 {
		t.Errorf("unexpected deferred/skipped/breakdown counts %+v", m)
	}
	if m.CompliancePct != 0.4 {
		t.Errorf("expected compliance 0.4, got %v", m.CompliancePct)
	}
	if m.BreakdownRatio == nil || *m.BreakdownRatio != 0.75 {
		t.Errorf("expected ratio 0.75, got %v", m.BreakdownRatio)
	}
}

func TestDerivedMetrics(t *testing.T) {
	if got := compliance.CompliancePct(0, 0); got != 0 {
		t.Errorf("expected 0 for an empty period, got %v", got)
	}
	if got := compliance.CompliancePct(2, 3); got != 0.6667 {
		t.Errorf("expected 0.6667, got %v", got)
	}
	if got := compliance.CompliancePct(3, 3); got != 1 {
		t.Errorf("expected 1 for a fully on-time period, got %v", got)
	}
	if got := compliance.BreakdownRatio(5, 0); got != nil {
		t.Errorf("expected nil ratio without breakdowns, got %v", *got)
	}
	if got := compliance.BreakdownRatio(0, 3); got == nil || *got != 0 {
		t.Errorf("expected a zero ratio, got %v", got)
	}
}

func TestPreviousMonth(t *testing.T) {
	tests := []struct{ in, start, end string }{
		{"2024-03-15", "2024-02-01", "2024-02-29"},
		{"2024-01-01", "2023-12-01", "2023-12-31"},
		{"2024-05-31", "2024-04-01", "2024-04-30"},
	}
	for _, tt := range tests {
		start, end := compliance.PreviousMonth(day(tt.in))
		if start.String() != tt.start || end.String() != tt.end {
			t.Errorf("PreviousMonth(%s) = %s..%s, want %s..%s", tt.in, start, end, tt.start, tt.end)
		}
	}
}

type seed struct {
	t     *testing.T
	store *stores.SQLStore
}

func (s seed) workOrder(id string, kind engine.WorkOrderKind, opened string, completed *time.Time, templateID string) {
	s.t.Helper()
	status := engine.StatusAssigned
	if completed != nil {
		status = engine.StatusCompleted
	}
	wo := &engine.WorkOrder{
		ID:               id,
		TenantID:         "t1",
		Kind:             kind,
		Priority:         engine.PriorityMedium,
		Status:           status,
		Title:            id,
		AssetID:          "pump-1",
		OpenedAt:         *noon(opened),
		CompletedAt:      completed,
		SourceTemplateID: templateID,
		LaborCost:        decimal.Zero,
		PartsCost:        decimal.Zero,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.InsertWorkOrder(context.Background(), wo); err != nil {
		s.t.Fatalf("insert work order %s failed: %v", id, err)
	}
}

func (s seed) log(id, scheduled string, status engine.GenerationStatus, woID string) {
	s.t.Helper()
	l := &engine.GenerationLog{
		ID:            id,
		TenantID:      "t1",
		TemplateID:    "tpl-1",
		AssetID:       "pump-1",
		ScheduledDate: day(scheduled),
		Status:        status,
		WorkOrderID:   woID,
		TriggerReason: engine.ReasonTime,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.InsertGenerationLog(context.Background(), l); err != nil {
		s.t.Fatalf("insert log %s failed: %v", id, err)
	}
}

func newAggregator(t *testing.T) (*compliance.Aggregator, seed) {
	t.Helper()
	store := storetest.New(t)
	tpl := &engine.PMTemplate{
		ID:            "tpl-1",
		TenantID:      "t1",
		AssetClassID:  "pump",
		Name:          "Monthly pump inspection",
		TriggerType:   engine.TriggerTime,
		FrequencyDays: 7,
		ToleranceDays: 3,
		JobPlanID:     "jp-1",
		Priority:      engine.PriorityMedium,
		NextGenDate:   day("2024-03-05"),
		IsActive:      true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := store.CreateTemplate(context.Background(), tpl); err != nil {
		t.Fatalf("create template failed: %v", err)
	}
	agg := compliance.NewAggregator(store, engine.FixedClock{T: now}, telemetry.NewNop())
	return agg, seed{t: t, store: store}
}

func TestRollup(t *testing.T) {
	agg, s := newAggregator(t)
	ctx := context.Background()

	s.workOrder("pm-a", engine.KindPM, "2024-03-05", noon("2024-03-07"), "tpl-1")
	s.workOrder("pm-b", engine.KindPM, "2024-03-10", noon("2024-03-20"), "tpl-1")
	s.workOrder("pm-c", engine.KindPM, "2024-03-15", noon("2024-03-27"), "tpl-1")
	s.workOrder("pm-e", engine.KindPM, "2024-03-28", nil, "tpl-1")

	s.log("log-a", "2024-03-05", engine.GenerationCompleted, "pm-a")
	s.log("log-b", "2024-03-10", engine.GenerationCompleted, "pm-b")
	s.log("log-c", "2024-03-15", engine.GenerationCompleted, "pm-c")
	s.log("log-d", "2024-03-20", engine.GenerationSkipped, "")
	s.log("log-e", "2024-03-28", engine.GenerationGenerated, "pm-e")
	s.log("log-f", "2024-04-02", engine.GenerationGenerated, "")

	err := s.store.InsertDeferral(ctx, &engine.Deferral{
		ID:              "def-1",
		GenerationLogID: "log-c",
		OriginalDate:    day("2024-03-15"),
		DeferredTo:      day("2024-03-25"),
		ReasonCode:      engine.DeferralPartsShortage,
		ApproverID:      "supervisor",
		RequestedBy:     "planner",
		CreatedAt:       now,
	})
	if err != nil {
		t.Fatalf("insert deferral failed: %v", err)
	}

	s.workOrder("cm-1", engine.KindCM, "2024-03-03", nil, "")
	s.workOrder("em-1", engine.KindEmergency, "2024-03-31", nil, "")
	s.workOrder("cm-feb", engine.KindCM, "2024-02-28", nil, "")

	m, err := agg.Rollup(ctx, "t1", day("2024-03-01"), day("2024-03-31"), time.Time{})
	if err != nil {
		t.Fatalf("rollup failed: %v", err)
	}

	if m.PMScheduled != 5 {
		t.Errorf("expected 5 scheduled, got %d", m.PMScheduled)
	}
	if m.PMCompletedOnTime != 2 || m.PMCompletedLate != 1 {
		t.Errorf("expected 2 on time and 1 late, got %d/%d", m.PMCompletedOnTime, m.PMCompletedLate)
	}
	if m.PMDeferred != 1 || m.PMSkipped != 1 {
		t.Errorf("expected 1 deferred and 1 skipped, got %d/%d", m.PMDeferred, m.PMSkipped)
	}
	if m.BreakdownWO != 2 {
		t.Errorf("expected 2 breakdown work orders, got %d", m.BreakdownWO)
	}
	if m.CompliancePct != 0.4 {
		t.Errorf("expected 0.4, got %v", m.CompliancePct)
	}
	if m.BreakdownRatio == nil || *m.BreakdownRatio != 1.5 {
		t.Errorf("expected ratio 1.5, got %v", m.BreakdownRatio)
	}
	if !m.ComputedAt.Equal(now) {
		t.Errorf("expected computed_at from the clock, got %v", m.ComputedAt)
	}

	// A second rollup replaces the snapshot.
	if _, err := agg.Rollup(ctx, "t1", day("2024-03-01"), day("2024-03-31"), now.Add(time.Hour)); err != nil {
		t.Fatalf("second rollup failed: %v", err)
	}
	metrics, err := agg.ListMetrics(ctx, "t1", engine.Page{})
	if err != nil {
		t.Fatalf("list metrics failed: %v", err)
	}
	if len(metrics) != 1 || !metrics[0].ComputedAt.Equal(now.Add(time.Hour)) {
		t.Errorf("expected one replaced snapshot, got %+v", metrics)
	}
}

func TestRollup_EmptyPeriod(t *testing.T) {
	agg, _ := newAggregator(t)
	ctx := context.Background()

	m, err := agg.Rollup(ctx, "t1", day("2023-01-01"), day("2023-01-31"), now)
	if err != nil {
		t.Fatalf("rollup failed: %v", err)
	}
	if m.PMScheduled != 0 || m.CompliancePct != 0 {
		t.Errorf("expected zero compliance for an empty period, got %+v", m)
	}
	if m.BreakdownRatio != nil {
		t.Errorf("expected a null ratio, got %v", *m.BreakdownRatio)
	}

	stored, err := agg.GetMetric(ctx, "t1", day("2023-01-01"), day("2023-01-31"))
	if err != nil {
		t.Fatalf("get metric failed: %v", err)
	}
	if stored.BreakdownRatio != nil {
		t.Errorf("expected the stored ratio to stay null, got %v", *stored.BreakdownRatio)
	}
}

func TestRollup_Validation(t *testing.T) {
	agg, _ := newAggregator(t)
	ctx := context.Background()

	if _, err := agg.Rollup(ctx, "", day("2024-03-01"), day("2024-03-31"), now); !engine.IsValidation(err) {
		t.Errorf("expected validation error for missing tenant, got %v", err)
	}
	if _, err := agg.Rollup(ctx, "t1", day("2024-03-31"), day("2024-03-01"), now); !engine.IsValidation(err) {
		t.Errorf("expected validation error for an inverted period, got %v", err)
	}
	if _, err := agg.GetMetric(ctx, "t1", day("2024-03-01"), day("2024-03-31")); !engine.IsNotFound(err) {
		t.Errorf("expected not found before any rollup, got %v", err)
	}
}

func TestRollupAll(t *testing.T) {
	agg, s := newAggregator(t)
	s.workOrder("cm-1", engine.KindCM, "2024-03-03", nil, "")

	metrics, err := agg.RollupAll(context.Background(), day("2024-03-01"), day("2024-03-31"), now)
	if err != nil {
		t.Fatalf("rollup all failed: %v", err)
	}
	if len(metrics) != 1 || metrics[0].TenantID != "t1" || metrics[0].BreakdownWO != 1 {
		t.Errorf("unexpected metrics %+v", metrics)
	}
}

func TestExportXLSX(t *testing.T) {
	agg, _ := newAggregator(t)
	ctx := context.Background()

	for _, p := range [][2]string{{"2024-01-01", "2024-01-31"}, {"2024-02-01", "2024-02-29"}} {
		if _, err := agg.Rollup(ctx, "t1", day(p[0]), day(p[1]), now); err != nil {
			t.Fatalf("rollup failed: %v", err)
		}
	}

	var buf bytes.Buffer
	if err := agg.ExportXLSX(ctx, &buf, "t1", engine.Page{}); err != nil {
		t.Fatalf("export failed: %v", err)
	}

	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("open workbook failed: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows("Compliance")
	if err != nil {
		t.Fatalf("read rows failed: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected a header and 2 rows, got %d", len(rows))
	}
	if rows[0][0] != "Tenant" || rows[0][9] != "Compliance Ratio" {
		t.Errorf("unexpected header %v", rows[0])
	}
	if rows[1][1] != "2024-02-01" || rows[2][1] != "2024-01-01" {
		t.Errorf("expected the latest period first, got %s then %s", rows[1][1], rows[2][1])
	}
}
