package predictive_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aquaops/aquaops/pkg/collab"
	"github.com/aquaops/aquaops/pkg/condition"
	"github.com/aquaops/aquaops/pkg/engine"
	"github.com/aquaops/aquaops/pkg/lifecycle"
	"github.com/aquaops/aquaops/pkg/predictive"
	"github.com/aquaops/aquaops/pkg/sla"
	"github.com/aquaops/aquaops/pkg/stores"
	"github.com/aquaops/aquaops/pkg/stores/storetest"
	"github.com/aquaops/aquaops/pkg/telemetry"
)

var t0 = time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)

func f64(v float64) *float64 { return &v }

func minutes(n int) time.Time { return t0.Add(time.Duration(n) * time.Minute) }

type fixture struct {
	store   *stores.SQLStore
	dir     *collab.StaticDirectory
	monitor *condition.Monitor
	eval    *predictive.Evaluator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storetest.New(t)
	dir := collab.NewStaticDirectory()
	dir.PutAsset(engine.Asset{ID: "pump-1", TenantID: "t1", ClassID: "pump", Criticality: engine.CriticalityHigh})
	dir.PutAsset(engine.Asset{ID: "fan-1", TenantID: "t1", ClassID: "fan", Criticality: engine.CriticalityLow})
	dir.PutJobPlan("jp-bearing", collab.JobPlan{
		Checklist: []engine.ChecklistStep{{Step: "Replace bearing", Mandatory: true}},
	})

	clock := engine.FixedClock{T: t0}
	tel := telemetry.NewNop()
	lc := lifecycle.NewService(store, dir, sla.NewEngine(store, dir, clock, tel), clock, tel)
	return &fixture{
		store:   store,
		dir:     dir,
		monitor: condition.NewMonitor(store, condition.Config{}, clock, tel),
		eval:    predictive.NewEvaluator(store, dir, lc, predictive.Config{Workers: 2}, clock, tel),
	}
}

func (f *fixture) tag(t *testing.T, assetID, param string, th engine.Thresholds) *engine.ConditionTag {
	t.Helper()
	tag, err := f.monitor.RegisterTag(context.Background(), condition.TagSpec{
		TenantID:   "t1",
		AssetID:    assetID,
		Parameter:  param,
		Thresholds: th,
	})
	if err != nil {
		t.Fatalf("register tag failed: %v", err)
	}
	return tag
}

func (f *fixture) read(t *testing.T, tagID string, at time.Time, v float64) {
	t.Helper()
	if _, err := f.monitor.Ingest(context.Background(), engine.Reading{TagID: tagID, Value: v, ReadAt: at}); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
}

func (f *fixture) rule(t *testing.T, r engine.PredictiveRule) *engine.PredictiveRule {
	t.Helper()
	if r.TenantID == "" {
		r.TenantID = "t1"
	}
	if r.WOPriority == "" {
		r.WOPriority = engine.PriorityHigh
	}
	r.IsActive = true
	stored, err := f.eval.UpsertRule(context.Background(), r)
	if err != nil {
		t.Fatalf("upsert rule failed: %v", err)
	}
	return stored
}

func (f *fixture) evaluate(t *testing.T, at time.Time) *predictive.EvaluationReport {
	t.Helper()
	report, err := f.eval.Evaluate(context.Background(), at)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if len(report.Failures) > 0 {
		t.Fatalf("unexpected failures: %+v", report.Failures)
	}
	return report
}

func vibrationRule(duration, cooldown int) engine.PredictiveRule {
	return engine.PredictiveRule{
		Name:            "High vibration",
		Conditions:      []engine.Condition{{Parameter: "vibration", Operator: engine.OpGT, Value: 7, DurationMinutes: duration}},
		JobPlanID:       "jp-bearing",
		CooldownMinutes: cooldown,
	}
}

func TestValidateRule(t *testing.T) {
	valid := func() engine.PredictiveRule {
		r := vibrationRule(10, 0)
		r.TenantID = "t1"
		r.WOPriority = engine.PriorityHigh
		r.WOKind = engine.KindCM
		return r
	}

	tests := []struct {
		name   string
		mutate func(*engine.PredictiveRule)
		code   string
	}{
		{"valid", func(*engine.PredictiveRule) {}, ""},
		{"missing name", func(r *engine.PredictiveRule) { r.Name = " " }, engine.ErrCodeValidation},
		{"no conditions", func(r *engine.PredictiveRule) { r.Conditions = nil }, engine.ErrCodeMalformedCondition},
		{"empty parameter", func(r *engine.PredictiveRule) { r.Conditions[0].Parameter = "" }, engine.ErrCodeMalformedCondition},
		{"unknown operator", func(r *engine.PredictiveRule) { r.Conditions[0].Operator = "approx" }, engine.ErrCodeMalformedCondition},
		{"negative duration", func(r *engine.PredictiveRule) { r.Conditions[0].DurationMinutes = -1 }, engine.ErrCodeMalformedCondition},
		{"negative cooldown", func(r *engine.PredictiveRule) { r.CooldownMinutes = -5 }, engine.ErrCodeValidation},
		{"unknown priority", func(r *engine.PredictiveRule) { r.WOPriority = "urgent" }, engine.ErrCodeUnknownEnum},
		{"pm kind", func(r *engine.PredictiveRule) { r.WOKind = engine.KindPM }, engine.ErrCodeValidation},
		{"emergency kind", func(r *engine.PredictiveRule) { r.WOKind = engine.KindEmergency }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid()
			tt.mutate(&r)
			err := predictive.ValidateRule(&r)
			if tt.code == "" {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				return
			}
			if !engine.IsValidation(err) || engine.CodeOf(err) != tt.code {
				t.Fatalf("expected validation error %s, got %v", tt.code, err)
			}
		})
	}
}

func TestEvaluate_CreatesThenLinksThenSuppresses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tag := f.tag(t, "pump-1", "vibration", engine.Thresholds{Hi: f64(5), HiHi: f64(9)})
	rule := f.rule(t, vibrationRule(0, 120))

	f.read(t, tag.ID, minutes(0), 9.5)

	report := f.evaluate(t, minutes(0))
	if report.Count(engine.TriggerWOCreated) != 1 {
		t.Fatalf("expected one work order, got %+v", report.Outcomes)
	}
	created := report.Outcomes[0]
	if created.Snapshot["vibration"] != 9.5 {
		t.Errorf("expected snapshot 9.5, got %v", created.Snapshot)
	}

	wo, err := f.store.GetWorkOrder(ctx, created.WorkOrderID)
	if err != nil {
		t.Fatalf("get work order failed: %v", err)
	}
	if wo.Kind != engine.KindCM || wo.Priority != engine.PriorityHigh || wo.AssetID != "pump-1" {
		t.Errorf("unexpected work order %+v", wo)
	}

	// The hi_hi reading raised an alarm, which the new work order picked up.
	alarms, err := f.monitor.ListAlarms(ctx, stores.AlarmFilter{TagID: tag.ID}, engine.Page{})
	if err != nil {
		t.Fatalf("list alarms failed: %v", err)
	}
	if len(alarms) != 1 || alarms[0].WorkOrderID != wo.ID {
		t.Errorf("expected the open alarm linked to %s, got %+v", wo.ID, alarms)
	}

	// Within the cooldown the rule is suppressed.
	f.read(t, tag.ID, minutes(30), 9.6)
	report = f.evaluate(t, minutes(30))
	if report.Count(engine.TriggerSuppressed) != 1 {
		t.Fatalf("expected a suppressed firing, got %+v", report.Outcomes)
	}

	// After the cooldown the open work order is reused.
	f.read(t, tag.ID, minutes(150), 9.7)
	report = f.evaluate(t, minutes(150))
	if report.Count(engine.TriggerWOExists) != 1 || report.Outcomes[0].WorkOrderID != wo.ID {
		t.Fatalf("expected wo_exists for %s, got %+v", wo.ID, report.Outcomes)
	}

	triggers, err := f.eval.ListTriggers(ctx, rule.ID, "pump-1", engine.Page{})
	if err != nil {
		t.Fatalf("list triggers failed: %v", err)
	}
	want := []engine.TriggerStatus{engine.TriggerWOCreated, engine.TriggerSuppressed, engine.TriggerWOExists}
	if len(triggers) != len(want) {
		t.Fatalf("expected %d triggers, got %d", len(want), len(triggers))
	}
	for i, tr := range triggers {
		if tr.Status != want[i] {
			t.Errorf("trigger %d: expected %s, got %s", i, want[i], tr.Status)
		}
	}

	open, err := f.store.ListWorkOrders(ctx, stores.WorkOrderFilter{AssetID: "pump-1"}, engine.Page{})
	if err != nil {
		t.Fatalf("list work orders failed: %v", err)
	}
	if len(open) != 1 {
		t.Errorf("expected exactly one work order, got %d", len(open))
	}
}

func TestEvaluate_SustainedDurationAndClockReset(t *testing.T) {
	f := newFixture(t)
	tag := f.tag(t, "pump-1", "vibration", engine.Thresholds{})
	f.rule(t, vibrationRule(30, 0))

	f.read(t, tag.ID, minutes(0), 8)
	f.read(t, tag.ID, minutes(20), 8.2)

	if r := f.evaluate(t, minutes(20)); len(r.Outcomes) != 0 {
		t.Fatalf("expected no firing before the duration, got %+v", r.Outcomes)
	}

	r := f.evaluate(t, minutes(30))
	if r.Count(engine.TriggerWOCreated) != 1 {
		t.Fatalf("expected a firing at +30m, got %+v", r.Outcomes)
	}

	// The clock restarted at +30m; the condition has only held 15 minutes since.
	f.read(t, tag.ID, minutes(40), 8.4)
	if r := f.evaluate(t, minutes(45)); len(r.Outcomes) != 0 {
		t.Fatalf("expected no firing at +45m, got %+v", r.Outcomes)
	}

	r = f.evaluate(t, minutes(60))
	if r.Count(engine.TriggerWOExists) != 1 {
		t.Fatalf("expected wo_exists at +60m, got %+v", r.Outcomes)
	}
}

func TestEvaluate_InterruptedConditionDoesNotFire(t *testing.T) {
	f := newFixture(t)
	tag := f.tag(t, "pump-1", "vibration", engine.Thresholds{})
	f.rule(t, vibrationRule(30, 0))

	f.read(t, tag.ID, minutes(0), 8)
	f.read(t, tag.ID, minutes(10), 6)
	f.read(t, tag.ID, minutes(12), 8)

	if r := f.evaluate(t, minutes(35)); len(r.Outcomes) != 0 {
		t.Fatalf("expected no firing, got %+v", r.Outcomes)
	}
	if r := f.evaluate(t, minutes(42)); r.Count(engine.TriggerWOCreated) != 1 {
		t.Fatalf("expected a firing 30m after recovery, got %+v", r.Outcomes)
	}
}

func TestEvaluate_AllConditionsAndAssetClass(t *testing.T) {
	f := newFixture(t)
	pumpVib := f.tag(t, "pump-1", "vibration", engine.Thresholds{})
	pumpTemp := f.tag(t, "pump-1", "bearing_temp", engine.Thresholds{})
	fanVib := f.tag(t, "fan-1", "vibration", engine.Thresholds{})
	fanTemp := f.tag(t, "fan-1", "bearing_temp", engine.Thresholds{})

	r := vibrationRule(0, 0)
	r.AssetClassID = "pump"
	r.Conditions = append(r.Conditions, engine.Condition{Parameter: "bearing_temp", Operator: engine.OpGTE, Value: 80})
	f.rule(t, r)

	f.read(t, pumpVib.ID, minutes(0), 8)
	f.read(t, pumpTemp.ID, minutes(0), 70)
	f.read(t, fanVib.ID, minutes(0), 8)
	f.read(t, fanTemp.ID, minutes(0), 95)

	report := f.evaluate(t, minutes(1))
	if report.Candidates != 1 {
		t.Errorf("expected the fan to be filtered out, got %d candidates", report.Candidates)
	}
	if len(report.Outcomes) != 0 {
		t.Fatalf("expected no firing while bearing_temp is low, got %+v", report.Outcomes)
	}

	f.read(t, pumpTemp.ID, minutes(2), 80)
	report = f.evaluate(t, minutes(3))
	if report.Count(engine.TriggerWOCreated) != 1 || report.Outcomes[0].AssetID != "pump-1" {
		t.Fatalf("expected a firing for pump-1, got %+v", report.Outcomes)
	}
	snap := report.Outcomes[0].Snapshot
	if snap["vibration"] != 8 || snap["bearing_temp"] != 80 {
		t.Errorf("unexpected snapshot %v", snap)
	}
}

func TestEvaluate_InactiveRuleIgnored(t *testing.T) {
	f := newFixture(t)
	tag := f.tag(t, "pump-1", "vibration", engine.Thresholds{})
	rule := f.rule(t, vibrationRule(0, 0))
	if err := f.eval.SetRuleActive(context.Background(), rule.ID, false); err != nil {
		t.Fatalf("deactivate failed: %v", err)
	}
	f.read(t, tag.ID, minutes(0), 9)

	if r := f.evaluate(t, minutes(1)); r.Rules != 0 || len(r.Outcomes) != 0 {
		t.Fatalf("expected no active rules, got %+v", r)
	}
}

func TestUpsertRule_ReplacesByName(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.rule(t, vibrationRule(10, 0))

	r := vibrationRule(45, 60)
	second := f.rule(t, r)
	if second.ID != first.ID {
		t.Errorf("expected the rule ID %s to be kept, got %s", first.ID, second.ID)
	}

	got, err := f.eval.GetRule(ctx, first.ID)
	if err != nil {
		t.Fatalf("get rule failed: %v", err)
	}
	if got.Conditions[0].DurationMinutes != 45 || got.CooldownMinutes != 60 {
		t.Errorf("expected the replaced definition, got %+v", got)
	}
}

const ruleYAML = `
rules:
  - tenant_id: t1
    name: Bearing wear
    asset_class_id: pump
    priority: high
    kind: emergency
    cooldown_minutes: 60
    conditions:
      - parameter: vibration
        operator: gt
        value: 7
        duration_minutes: 15
  - tenant_id: t1
    name: Seal leak
    priority: medium
    active: false
    conditions:
      - parameter: seal_pressure
        operator: lt
        value: 1.5
`

func TestLoader_ParseRules(t *testing.T) {
	f := newFixture(t)
	l := predictive.NewLoader(f.eval, nil)

	rules, err := l.ParseRules([]byte(ruleYAML))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(rules))
	}
	if rules[0].WOKind != engine.KindEmergency || rules[0].Conditions[0].DurationMinutes != 15 || !rules[0].IsActive {
		t.Errorf("unexpected first rule %+v", rules[0])
	}
	if rules[1].WOKind != engine.KindCM || rules[1].IsActive {
		t.Errorf("expected an inactive cm rule, got %+v", rules[1])
	}

	bad := []string{
		"rules: [",
		"rules: []",
		"rules:\n  - tenant_id: t1\n    name: x\n    priority: high\n    conditions:\n      - parameter: v\n        operator: about\n        value: 1\n",
		"rules:\n  - tenant_id: t1\n    name: x\n    priority: high\n    conditions: []\n",
	}
	for _, doc := range bad {
		if _, err := l.ParseRules([]byte(doc)); !engine.IsValidation(err) {
			t.Errorf("expected validation error for %q, got %v", doc, err)
		}
	}
}

func TestLoader_LoadDirectory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "rules.yaml"), []byte(ruleYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("not a rule file"), 0o644); err != nil {
		t.Fatal(err)
	}

	l := predictive.NewLoader(f.eval, nil)
	n, err := l.Load(ctx, []string{dir})
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 rules loaded, got %d", n)
	}

	active, err := f.eval.ListRules(ctx, "t1", true)
	if err != nil {
		t.Fatalf("list rules failed: %v", err)
	}
	if len(active) != 1 || active[0].Name != "Bearing wear" {
		t.Errorf("expected only Bearing wear active, got %+v", active)
	}

	// Loading again keeps a single copy of each rule.
	if _, err := l.Load(ctx, []string{dir}); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	all, err := f.eval.ListRules(ctx, "t1", false)
	if err != nil {
		t.Fatalf("list rules failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 rules after reload, got %d", len(all))
	}
}

func TestLoader_WatchReloads(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(path, []byte(ruleYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := predictive.NewLoader(f.eval, nil)
	if _, err := l.Load(ctx, []string{path}); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if err := l.Watch(ctx, []string{path}); err != nil {
		t.Fatalf("watch failed: %v", err)
	}
	defer func() { _ = l.StopWatching() }()

	extra := ruleYAML + `  - tenant_id: t1
    name: Motor overheating
    priority: critical
    conditions:
      - parameter: winding_temp
        operator: gte
        value: 120
`
	if err := os.WriteFile(path, []byte(extra), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rules, err := f.eval.ListRules(context.Background(), "t1", false)
		if err == nil && len(rules) == 3 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("rule file change was not picked up")
}
