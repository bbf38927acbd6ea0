package lifecycle_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aquaops/aquaops/pkg/collab"
	"github.com/aquaops/aquaops/pkg/engine"
	"github.com/aquaops/aquaops/pkg/lifecycle"
	"github.com/aquaops/aquaops/pkg/sla"
	"github.com/aquaops/aquaops/pkg/stores"
	"github.com/aquaops/aquaops/pkg/stores/storetest"
	"github.com/aquaops/aquaops/pkg/telemetry"
)

var t0 = time.Date(2024, 6, 3, 8, 0, 0, 0, time.UTC)

// stepClock advances by one minute on every call so transitions are ordered.
type stepClock struct {
	t time.Time
}

func (c *stepClock) Now() time.Time {
	c.t = c.t.Add(time.Minute)
	return c.t
}

type fixture struct {
	store *stores.SQLStore
	dir   *collab.StaticDirectory
	svc   *lifecycle.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storetest.New(t)
	dir := collab.NewStaticDirectory()
	dir.PutAsset(engine.Asset{ID: "pump-1", TenantID: "t1", ClassID: "pump", Criticality: engine.CriticalityHigh})
	dir.PutJobPlan("jp-1", collab.JobPlan{
		Checklist: []engine.ChecklistStep{
			{Step: "Isolate pump", Mandatory: true},
			{Step: "Inspect impeller", Mandatory: true},
			{Step: "Clean strainer", Mandatory: false},
		},
		Kit: []engine.KitLine{{Part: "mechanical seal", Qty: 1}},
	})

	clock := &stepClock{t: t0}
	tel := telemetry.NewNop()
	slaEngine := sla.NewEngine(store, dir, clock, tel)
	return &fixture{
		store: store,
		dir:   dir,
		svc:   lifecycle.NewService(store, dir, slaEngine, clock, tel),
	}
}

func (f *fixture) create(t *testing.T, spec lifecycle.CreateSpec) *engine.WorkOrder {
	t.Helper()
	if spec.TenantID == "" {
		spec.TenantID = "t1"
	}
	if spec.Kind == "" {
		spec.Kind = engine.KindCM
	}
	if spec.Priority == "" {
		spec.Priority = engine.PriorityHigh
	}
	if spec.Title == "" {
		spec.Title = "Replace pump seal"
	}
	wo, err := f.svc.CreateWorkOrder(context.Background(), spec)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	return wo
}

func (f *fixture) move(t *testing.T, id string, target engine.WorkOrderStatus) *engine.WorkOrder {
	t.Helper()
	req := lifecycle.TransitionRequest{ID: id, Target: target, Actor: "planner"}
	if target == engine.StatusAssigned {
		req.Assignee = "tech-1"
	}
	wo, err := f.svc.TransitionWorkOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("transition to %s failed: %v", target, err)
	}
	return wo
}

func TestCreateWorkOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	wo := f.create(t, lifecycle.CreateSpec{AssetID: "pump-1", JobPlanID: "jp-1", Actor: "planner"})
	if wo.Status != engine.StatusDraft || wo.Version != 1 {
		t.Errorf("expected draft v1, got %s v%d", wo.Status, wo.Version)
	}
	if wo.AssetCriticality != engine.CriticalityHigh {
		t.Errorf("expected criticality from asset directory, got %q", wo.AssetCriticality)
	}

	items, err := f.svc.ListChecklist(ctx, wo.ID)
	if err != nil {
		t.Fatalf("list checklist failed: %v", err)
	}
	if len(items) != 3 || items[0].Result != engine.ResultPending {
		t.Errorf("expected 3 pending checklist items, got %+v", items)
	}
	parts, err := f.store.ListWorkOrderParts(ctx, wo.ID)
	if err != nil || len(parts) != 1 {
		t.Errorf("expected kit copied, got %v %v", parts, err)
	}

	history, err := f.svc.ListTransitions(ctx, wo.ID)
	if err != nil {
		t.Fatalf("list transitions failed: %v", err)
	}
	if len(history) != 1 || history[0].From != "" || history[0].To != engine.StatusDraft {
		t.Errorf("expected creation transition, got %+v", history)
	}
}

func TestCreateWorkOrder_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		spec lifecycle.CreateSpec
		code string
	}{
		{"unknown kind", lifecycle.CreateSpec{TenantID: "t1", Kind: "repair", Priority: engine.PriorityLow, Title: "x"}, engine.ErrCodeUnknownEnum},
		{"unknown priority", lifecycle.CreateSpec{TenantID: "t1", Kind: engine.KindCM, Priority: "urgent", Title: "x"}, engine.ErrCodeUnknownEnum},
		{"missing title", lifecycle.CreateSpec{TenantID: "t1", Kind: engine.KindCM, Priority: engine.PriorityLow}, engine.ErrCodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateWorkOrder(ctx, tt.spec)
			if !engine.IsValidation(err) || engine.CodeOf(err) != tt.code {
				t.Fatalf("expected %s, got %v", tt.code, err)
			}
		})
	}

	_, err := f.svc.CreateWorkOrder(ctx, lifecycle.CreateSpec{
		TenantID: "t1", Kind: engine.KindCM, Priority: engine.PriorityLow, Title: "x", AssetID: "ghost",
	})
	if !engine.IsNotFound(err) {
		t.Errorf("expected not found for unknown asset, got %v", err)
	}
}

func TestTransition_HappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	wo := f.create(t, lifecycle.CreateSpec{AssetID: "pump-1", JobPlanID: "jp-1"})
	f.move(t, wo.ID, engine.StatusApproved)
	assigned := f.move(t, wo.ID, engine.StatusAssigned)
	if assigned.AssignedTo != "tech-1" || assigned.AssignedAt == nil {
		t.Errorf("assignment not recorded: %+v", assigned)
	}
	started := f.move(t, wo.ID, engine.StatusInProgress)
	if started.StartedAt == nil {
		t.Error("started_at not set")
	}

	_, err := f.svc.TransitionWorkOrder(ctx, lifecycle.TransitionRequest{ID: wo.ID, Target: engine.StatusQA, Actor: "tech-1"})
	if engine.CodeOf(err) != engine.ErrCodeChecklistIncomplete {
		t.Fatalf("expected checklist incomplete, got %v", err)
	}

	if _, err := f.svc.RecordChecklistResult(ctx, wo.ID, 1, engine.ResultPass, "tech-1"); err != nil {
		t.Fatalf("record result failed: %v", err)
	}
	if _, err := f.svc.RecordChecklistResult(ctx, wo.ID, 2, engine.ResultNA, "tech-1"); err != nil {
		t.Fatalf("record result failed: %v", err)
	}
	f.move(t, wo.ID, engine.StatusQA)

	_, err = f.svc.TransitionWorkOrder(ctx, lifecycle.TransitionRequest{ID: wo.ID, Target: engine.StatusCompleted, Actor: "tech-1"})
	if engine.CodeOf(err) != engine.ErrCodeQASignOffRequired {
		t.Fatalf("expected QA sign-off required, got %v", err)
	}

	if _, err := f.svc.SignOffQA(ctx, wo.ID, "supervisor", 0); err != nil {
		t.Fatalf("sign-off failed: %v", err)
	}
	done := f.move(t, wo.ID, engine.StatusCompleted)
	if done.CompletedAt == nil || done.IsOpen() {
		t.Errorf("expected completed work order, got %+v", done)
	}

	history, err := f.svc.ListTransitions(ctx, wo.ID)
	if err != nil {
		t.Fatalf("list transitions failed: %v", err)
	}
	if len(history) != 6 {
		t.Errorf("expected 6 transitions, got %d", len(history))
	}

	_, err = f.svc.TransitionWorkOrder(ctx, lifecycle.TransitionRequest{ID: wo.ID, Target: engine.StatusCancelled, Actor: "planner"})
	if engine.CodeOf(err) != engine.ErrCodeInvalidTransition {
		t.Errorf("terminal state must reject transitions, got %v", err)
	}
}

func TestTransition_StateMachineCompleteness(t *testing.T) {
	all := []engine.WorkOrderStatus{
		engine.StatusDraft, engine.StatusApproved, engine.StatusAssigned, engine.StatusInProgress,
		engine.StatusQA, engine.StatusCompleted, engine.StatusCancelled, engine.StatusOnHold,
	}
	allowed := map[engine.WorkOrderStatus][]engine.WorkOrderStatus{
		engine.StatusDraft:      {engine.StatusApproved, engine.StatusCancelled},
		engine.StatusApproved:   {engine.StatusAssigned, engine.StatusCancelled},
		engine.StatusAssigned:   {engine.StatusInProgress, engine.StatusOnHold, engine.StatusCancelled},
		engine.StatusInProgress: {engine.StatusQA, engine.StatusOnHold, engine.StatusCancelled},
		engine.StatusQA:         {engine.StatusCompleted, engine.StatusCancelled},
	}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, a := range allowed[from] {
				if a == to {
					want = true
				}
			}
			if from == engine.StatusOnHold {
				continue
			}
			if got := lifecycle.CanTransition(from, to, ""); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}

	if !lifecycle.CanTransition(engine.StatusOnHold, engine.StatusInProgress, engine.StatusInProgress) {
		t.Error("on_hold must return to the state it left")
	}
	if lifecycle.CanTransition(engine.StatusOnHold, engine.StatusAssigned, engine.StatusInProgress) {
		t.Error("on_hold must not return to another state")
	}

	f := newFixture(t)
	wo := f.create(t, lifecycle.CreateSpec{AssetID: "pump-1"})
	_, err := f.svc.TransitionWorkOrder(context.Background(), lifecycle.TransitionRequest{
		ID: wo.ID, Target: engine.StatusInProgress, Actor: "tech-1",
	})
	if engine.CodeOf(err) != engine.ErrCodeInvalidTransition {
		t.Fatalf("draft -> in_progress must be rejected, got %v", err)
	}
	stored, _ := f.svc.GetWorkOrder(context.Background(), wo.ID)
	if stored.Status != engine.StatusDraft || stored.Version != 1 {
		t.Errorf("rejected transition must not change the work order, got %s v%d", stored.Status, stored.Version)
	}
}

func TestTransition_PermitRequired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	wo := f.create(t, lifecycle.CreateSpec{AssetID: "pump-1", RequiresPermit: true})
	_, err := f.svc.TransitionWorkOrder(ctx, lifecycle.TransitionRequest{ID: wo.ID, Target: engine.StatusApproved, Actor: "planner"})
	if engine.CodeOf(err) != engine.ErrCodePermitRequired {
		t.Fatalf("expected permit required, got %v", err)
	}

	f.dir.SetPermit(wo.ID, true)
	f.move(t, wo.ID, engine.StatusApproved)
}

func TestTransition_AssignRequiresAssignee(t *testing.T) {
	f := newFixture(t)
	wo := f.create(t, lifecycle.CreateSpec{Description: "Leak at flange"})
	f.move(t, wo.ID, engine.StatusApproved)

	_, err := f.svc.TransitionWorkOrder(context.Background(), lifecycle.TransitionRequest{
		ID: wo.ID, Target: engine.StatusAssigned, Actor: "planner",
	})
	if !engine.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestTransition_OnHoldReturnPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	wo := f.create(t, lifecycle.CreateSpec{AssetID: "pump-1"})
	f.move(t, wo.ID, engine.StatusApproved)
	f.move(t, wo.ID, engine.StatusAssigned)
	f.move(t, wo.ID, engine.StatusInProgress)

	held := f.move(t, wo.ID, engine.StatusOnHold)
	if held.HoldFrom != engine.StatusInProgress {
		t.Fatalf("expected hold_from in_progress, got %q", held.HoldFrom)
	}

	_, err := f.svc.TransitionWorkOrder(ctx, lifecycle.TransitionRequest{ID: wo.ID, Target: engine.StatusAssigned, Actor: "planner"})
	if engine.CodeOf(err) != engine.ErrCodeInvalidTransition {
		t.Fatalf("on_hold must only return to in_progress, got %v", err)
	}

	resumed := f.move(t, wo.ID, engine.StatusInProgress)
	if resumed.HoldFrom != "" {
		t.Errorf("hold_from must be cleared, got %q", resumed.HoldFrom)
	}
	if !resumed.StartedAt.Equal(*held.StartedAt) {
		t.Error("resuming must keep the original start time")
	}
}

func TestTransition_VersionConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	wo := f.create(t, lifecycle.CreateSpec{AssetID: "pump-1"})
	f.move(t, wo.ID, engine.StatusApproved)

	_, err := f.svc.TransitionWorkOrder(ctx, lifecycle.TransitionRequest{
		ID: wo.ID, Target: engine.StatusAssigned, Actor: "planner", Assignee: "tech-1", ExpectedVersion: 1,
	})
	if !engine.IsConflict(err) || !engine.IsRetryable(err) {
		t.Fatalf("expected retryable conflict, got %v", err)
	}

	_, err = f.svc.TransitionWorkOrder(ctx, lifecycle.TransitionRequest{
		ID: wo.ID, Target: engine.StatusAssigned, Actor: "planner", Assignee: "tech-1", ExpectedVersion: 2,
	})
	if err != nil {
		t.Fatalf("transition with current version failed: %v", err)
	}
}

func TestTransition_StaleRequestIsConflict(t *testing.T) {
	f := newFixture(t)
	wo := f.create(t, lifecycle.CreateSpec{AssetID: "pump-1"})

	_, err := f.svc.TransitionWorkOrder(context.Background(), lifecycle.TransitionRequest{
		ID: wo.ID, Target: engine.StatusApproved, Actor: "planner", At: t0.Add(-time.Hour),
	})
	if !engine.IsConflict(err) || engine.CodeOf(err) != engine.ErrCodeStaleTransition {
		t.Fatalf("expected stale transition conflict, got %v", err)
	}
}

func TestTransition_LateAssignmentBreachesResponse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	kind := engine.KindCM
	policy := &engine.SLAPolicy{TenantID: "t1", WOType: &kind, ResponseMinutes: 60, ResolutionMinutes: 600, IsActive: true, CreatedAt: t0}
	if err := f.store.CreateSLAPolicy(ctx, policy); err != nil {
		t.Fatalf("create policy failed: %v", err)
	}

	wo := f.create(t, lifecycle.CreateSpec{AssetID: "pump-1", OpenedAt: t0})
	if wo.ResponseDue == nil || !wo.ResponseDue.Equal(t0.Add(time.Hour)) {
		t.Fatalf("expected response due one hour after opening, got %v", wo.ResponseDue)
	}
	f.move(t, wo.ID, engine.StatusApproved)

	_, err := f.svc.TransitionWorkOrder(ctx, lifecycle.TransitionRequest{
		ID: wo.ID, Target: engine.StatusAssigned, Actor: "planner", Assignee: "tech-1", At: t0.Add(75 * time.Minute),
	})
	if err != nil {
		t.Fatalf("assign failed: %v", err)
	}

	breaches, err := f.store.ListSLABreaches(ctx, stores.BreachFilter{WorkOrderID: wo.ID}, engine.Page{})
	if err != nil {
		t.Fatalf("list breaches failed: %v", err)
	}
	if len(breaches) != 1 || breaches[0].Type != engine.BreachResponse || breaches[0].VarianceMinutes != 15 {
		t.Fatalf("expected a 15 minute response breach, got %+v", breaches)
	}
}

func TestRecordCosts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wo := f.create(t, lifecycle.CreateSpec{AssetID: "pump-1"})

	if _, err := f.svc.RecordCosts(ctx, wo.ID, decimal.NewFromInt(-1), decimal.Zero, 0); !engine.IsValidation(err) {
		t.Errorf("expected validation error for negative cost, got %v", err)
	}

	updated, err := f.svc.RecordCosts(ctx, wo.ID, decimal.RequireFromString("120.50"), decimal.RequireFromString("80"), 1)
	if err != nil {
		t.Fatalf("record costs failed: %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("expected version 2, got %d", updated.Version)
	}

	stored, err := f.svc.GetWorkOrder(ctx, wo.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !stored.LaborCost.Equal(decimal.RequireFromString("120.5")) {
		t.Errorf("unexpected labor cost %s", stored.LaborCost)
	}
}

func TestCancelledPMMarksGenerationSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tpl := &engine.PMTemplate{
		ID: "tpl-1", TenantID: "t1", AssetClassID: "pump", Name: "Monthly", TriggerType: engine.TriggerTime,
		FrequencyDays: 30, Priority: engine.PriorityMedium, IsActive: true, CreatedAt: t0, UpdatedAt: t0,
	}
	if err := f.store.CreateTemplate(ctx, tpl); err != nil {
		t.Fatalf("create template failed: %v", err)
	}

	p, err := f.svc.Prepare(ctx, lifecycle.CreateSpec{
		TenantID: "t1", Kind: engine.KindPM, Priority: engine.PriorityMedium, Title: "Monthly",
		AssetID: "pump-1", SourceTemplateID: tpl.ID, SourceGenerationID: "gen-1",
	})
	if err != nil {
		t.Fatalf("prepare failed: %v", err)
	}
	err = f.store.WithTx(ctx, func(tx *stores.Tx) error {
		if err := tx.InsertGenerationLog(ctx, &engine.GenerationLog{
			ID: "gen-1", TenantID: "t1", TemplateID: tpl.ID, AssetID: "pump-1",
			ScheduledDate: engine.DateOf(t0), Status: engine.GenerationGenerated, WorkOrderID: p.WorkOrder.ID,
			TriggerReason: engine.ReasonTime, CreatedAt: t0, UpdatedAt: t0,
		}); err != nil {
			return err
		}
		return lifecycle.Persist(ctx, tx, p)
	})
	if err != nil {
		t.Fatalf("persist failed: %v", err)
	}

	f.move(t, p.WorkOrder.ID, engine.StatusCancelled)

	log, err := f.store.GetGenerationLog(ctx, "gen-1")
	if err != nil {
		t.Fatalf("get log failed: %v", err)
	}
	if log.Status != engine.GenerationSkipped || log.SkipReason != engine.SkipWorkOrderCancelled {
		t.Errorf("expected skipped/work_order_cancelled, got %s/%s", log.Status, log.SkipReason)
	}
}
