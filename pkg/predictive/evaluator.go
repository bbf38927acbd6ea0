package predictive

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/aquaops/aquaops/pkg/engine"
	"github.com/aquaops/aquaops/pkg/lifecycle"
	"github.com/aquaops/aquaops/pkg/stores"
	"github.com/aquaops/aquaops/pkg/telemetry"
)

// Config holds the evaluator settings.
type Config struct {
	// Workers is the number of rules evaluated concurrently.
	Workers int `mapstructure:"workers" validate:"gte=0"`
}

// Outcome is the result of evaluating one rule for one asset.
type Outcome struct {
	RuleID      string               `json:"rule_id"`
	AssetID     string               `json:"asset_id"`
	Status      engine.TriggerStatus `json:"status"`
	WorkOrderID string               `json:"work_order_id,omitempty"`
	Snapshot    map[string]float64   `json:"snapshot"`
}

// RuleFailure is a rule and asset pair whose evaluation failed.
type RuleFailure struct {
	RuleID  string `json:"rule_id"`
	AssetID string `json:"asset_id,omitempty"`
	Error   string `json:"error"`
}

// EvaluationReport summarizes one evaluation run.
type EvaluationReport struct {
	Rules      int           `json:"rules"`
	Candidates int           `json:"candidates"`
	Outcomes   []Outcome     `json:"outcomes,omitempty"`
	Failures   []RuleFailure `json:"failures,omitempty"`
	Duration   time.Duration `json:"duration"`

	mu sync.Mutex
}

// Count returns the number of outcomes with the given status.
func (r *EvaluationReport) Count(status engine.TriggerStatus) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == status {
			n++
		}
	}
	return n
}

func (r *EvaluationReport) add(o Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Outcomes = append(r.Outcomes, o)
}

func (r *EvaluationReport) fail(f RuleFailure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Failures = append(r.Failures, f)
}

func (r *EvaluationReport) candidates(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Candidates += n
}

// Evaluator fires predictive rules against condition history.
type Evaluator struct {
	store     *stores.SQLStore
	collab    engine.AssetDirectory
	lifecycle *lifecycle.Service
	cfg       Config
	clock     engine.Clock
	tel       *telemetry.Telemetry
}

// NewEvaluator creates a predictive rule evaluator.
func NewEvaluator(store *stores.SQLStore, collab engine.AssetDirectory, lc *lifecycle.Service, cfg Config, clock engine.Clock, tel *telemetry.Telemetry) *Evaluator {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if clock == nil {
		clock = engine.SystemClock{}
	}
	return &Evaluator{
		store:     store,
		collab:    collab,
		lifecycle: lc,
		cfg:       cfg,
		clock:     clock,
		tel:       tel.Component("predictive"),
	}
}

// Evaluate checks every active rule at now. A rule is evaluated for each
// asset that has a tag for every parameter it references, restricted to the
// rule's asset class when it has one.
func (e *Evaluator) Evaluate(ctx context.Context, now time.Time) (*EvaluationReport, error) {
	if now.IsZero() {
		now = e.clock.Now()
	}
	now = now.UTC()

	ctx, span := e.tel.Tracer.StartSpan(ctx, "predictive.evaluate")
	defer span.End()
	timer := telemetry.NewTimer()

	rules, err := e.store.ListPredictiveRules(ctx, "", true)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	report := &EvaluationReport{Rules: len(rules)}
	tags := newTagIndex(e.store)

	g := new(errgroup.Group)
	g.SetLimit(e.cfg.Workers)

	var dispatchErr error
	for _, rule := range rules {
		if err := ctx.Err(); err != nil {
			dispatchErr = err
			break
		}
		rule := rule
		g.Go(func() error {
			e.evaluateRule(ctx, rule, tags, now, report)
			return nil
		})
	}
	_ = g.Wait()

	report.Duration = timer.Duration()
	e.tel.Metrics.ObserveJob("predictive_evaluate", report.Duration, dispatchErr)
	e.tel.Logger.WithFields(map[string]interface{}{
		"rules":      report.Rules,
		"candidates": report.Candidates,
		"created":    report.Count(engine.TriggerWOCreated),
		"exists":     report.Count(engine.TriggerWOExists),
		"suppressed": report.Count(engine.TriggerSuppressed),
		"failed":     len(report.Failures),
	}).Info("Predictive evaluation finished")

	if dispatchErr != nil {
		telemetry.RecordError(span, dispatchErr)
		return report, dispatchErr
	}
	telemetry.RecordSuccess(span)
	return report, nil
}

func (e *Evaluator) evaluateRule(ctx context.Context, rule *engine.PredictiveRule, tags *tagIndex, now time.Time, report *EvaluationReport) {
	ctx, span := e.tel.Tracer.StartSpan(ctx, "predictive.rule", attribute.String("rule.id", rule.ID))
	defer span.End()

	candidates, err := e.candidates(ctx, rule, tags)
	if err != nil {
		telemetry.RecordError(span, err)
		report.fail(RuleFailure{RuleID: rule.ID, Error: err.Error()})
		e.tel.Logger.WithError(err).WithRuleID(rule.ID).Error("Failed to resolve rule candidates")
		return
	}
	report.candidates(len(candidates))

	for _, c := range candidates {
		if ctx.Err() != nil {
			return
		}
		out, err := e.evaluateAsset(ctx, rule, c, now)
		if err != nil {
			report.fail(RuleFailure{RuleID: rule.ID, AssetID: c.assetID, Error: err.Error()})
			e.tel.Logger.WithError(err).WithRuleID(rule.ID).WithAssetID(c.assetID).Error("Rule evaluation failed")
			continue
		}
		if out != nil {
			report.add(*out)
		}
	}
	telemetry.RecordSuccess(span)
}

// candidate is an asset with a tag for every parameter of a rule.
type candidate struct {
	assetID string
	tags    map[string]*engine.ConditionTag
}

func (e *Evaluator) candidates(ctx context.Context, rule *engine.PredictiveRule, tags *tagIndex) ([]candidate, error) {
	byAsset, err := tags.forTenant(ctx, rule.TenantID)
	if err != nil {
		return nil, err
	}

	params := rule.Parameters()
	var out []candidate
	for assetID, byParam := range byAsset {
		complete := true
		for _, p := range params {
			if _, ok := byParam[p]; !ok {
				complete = false
				break
			}
		}
		if !complete {
			continue
		}

		if rule.AssetClassID != "" {
			asset, err := e.collab.GetAsset(ctx, assetID)
			if err != nil {
				if engine.IsNotFound(err) {
					continue
				}
				return nil, fmt.Errorf("failed to resolve asset %s: %w", assetID, err)
			}
			if asset.ClassID != rule.AssetClassID {
				continue
			}
		}
		out = append(out, candidate{assetID: assetID, tags: byParam})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].assetID < out[j].assetID })
	return out, nil
}

// evaluateAsset returns nil when the rule's conditions do not all hold.
func (e *Evaluator) evaluateAsset(ctx context.Context, rule *engine.PredictiveRule, c candidate, now time.Time) (*Outcome, error) {
	resetAt, err := e.store.GetRuleClockReset(ctx, rule.ID, c.assetID)
	if err != nil {
		return nil, err
	}

	snapshot := make(map[string]float64, len(c.tags))
	for _, cond := range rule.Conditions {
		tag := c.tags[cond.Parameter]
		res, err := CheckSustained(ctx, e.store, tag.ID, cond, now, resetAt)
		if err != nil {
			return nil, err
		}
		if !res.Holds {
			return nil, nil
		}
		snapshot[cond.Parameter] = res.Value
	}

	return e.fire(ctx, rule, c, snapshot, now)
}

// fire records a firing of the rule for the asset. Within the cooldown of
// the last non-suppressed firing it is suppressed; with an open work order it
// is linked to that work order; otherwise a work order is created. Every
// firing resets the rule's clock for the asset.
func (e *Evaluator) fire(ctx context.Context, rule *engine.PredictiveRule, c candidate, snapshot map[string]float64, now time.Time) (*Outcome, error) {
	trigger := &engine.PredictiveTrigger{
		ID:       uuid.New().String(),
		RuleID:   rule.ID,
		AssetID:  c.assetID,
		Snapshot: snapshot,
		FiredAt:  now,
	}

	last, err := e.store.LatestTrigger(ctx, rule.ID, c.assetID, engine.TriggerWOCreated, engine.TriggerWOExists)
	if err != nil {
		return nil, err
	}
	cooldown := time.Duration(rule.CooldownMinutes) * time.Minute

	switch {
	case last != nil && cooldown > 0 && now.Sub(last.FiredAt) < cooldown:
		trigger.Status = engine.TriggerSuppressed
		trigger.WorkOrderID = last.WorkOrderID
		err = e.recordTrigger(ctx, trigger)

	default:
		var open *engine.WorkOrder
		if open, err = e.store.FindOpenWorkOrderForRule(ctx, c.assetID, rule.ID); err != nil {
			return nil, err
		}
		if open != nil {
			trigger.Status = engine.TriggerWOExists
			trigger.WorkOrderID = open.ID
			err = e.recordTrigger(ctx, trigger)
			break
		}
		err = e.createWorkOrder(ctx, rule, c, trigger)
	}
	if err != nil {
		return nil, err
	}

	e.tel.Metrics.RecordTrigger(string(trigger.Status))
	_ = e.tel.Events.PublishPredictiveFired(rule.TenantID, rule.ID, c.assetID, string(trigger.Status), trigger.WorkOrderID)
	e.tel.Logger.WithRuleID(rule.ID).WithAssetID(c.assetID).WithFields(map[string]interface{}{
		"status":        string(trigger.Status),
		"work_order_id": trigger.WorkOrderID,
	}).Info("Predictive rule fired")

	return &Outcome{
		RuleID:      rule.ID,
		AssetID:     c.assetID,
		Status:      trigger.Status,
		WorkOrderID: trigger.WorkOrderID,
		Snapshot:    snapshot,
	}, nil
}

func (e *Evaluator) recordTrigger(ctx context.Context, t *engine.PredictiveTrigger) error {
	return e.store.WithTx(ctx, func(tx *stores.Tx) error {
		if err := tx.InsertTrigger(ctx, t); err != nil {
			return err
		}
		return tx.ResetRuleClock(ctx, t.RuleID, t.AssetID, t.FiredAt)
	})
}

// createWorkOrder writes the work order, its trigger and alarm links in one
// transaction. Losing a race against a concurrent creation is recorded as
// wo_exists.
func (e *Evaluator) createWorkOrder(ctx context.Context, rule *engine.PredictiveRule, c candidate, trigger *engine.PredictiveTrigger) error {
	p, err := e.lifecycle.Prepare(ctx, lifecycle.CreateSpec{
		TenantID:     rule.TenantID,
		Kind:         rule.WOKind,
		Priority:     rule.WOPriority,
		Title:        rule.Name,
		Description:  describe(rule, trigger.Snapshot),
		AssetID:      c.assetID,
		JobPlanID:    rule.JobPlanID,
		PlannedFor:   engine.DateOf(trigger.FiredAt),
		OpenedAt:     trigger.FiredAt,
		Actor:        lifecycle.SystemActor,
		SourceRuleID: rule.ID,
	})
	if err != nil {
		return err
	}

	tagIDs := make([]string, 0, len(c.tags))
	for _, param := range rule.Parameters() {
		tagIDs = append(tagIDs, c.tags[param].ID)
	}

	trigger.Status = engine.TriggerWOCreated
	trigger.WorkOrderID = p.WorkOrder.ID

	var linked int64
	err = e.store.WithTx(ctx, func(tx *stores.Tx) error {
		if err := lifecycle.Persist(ctx, tx, p); err != nil {
			return err
		}
		if err := tx.InsertTrigger(ctx, trigger); err != nil {
			return err
		}
		if linked, err = tx.LinkOpenAlarms(ctx, tagIDs, p.WorkOrder.ID); err != nil {
			return err
		}
		return tx.ResetRuleClock(ctx, rule.ID, c.assetID, trigger.FiredAt)
	})

	if engine.IsIdempotency(err) && engine.CodeOf(err) == engine.ErrCodeDuplicateTrigger {
		open, ferr := e.store.FindOpenWorkOrderForRule(ctx, c.assetID, rule.ID)
		if ferr != nil {
			return ferr
		}
		trigger.Status = engine.TriggerWOExists
		trigger.WorkOrderID = ""
		if open != nil {
			trigger.WorkOrderID = open.ID
		}
		return e.recordTrigger(ctx, trigger)
	}
	if err != nil {
		return err
	}

	e.lifecycle.NotifyCreated(p.WorkOrder)
	if linked > 0 {
		e.tel.Logger.WithWorkOrderID(p.WorkOrder.ID).Infof("Linked %d open alarms", linked)
	}
	return nil
}

func describe(rule *engine.PredictiveRule, snapshot map[string]float64) string {
	parts := make([]string, 0, len(rule.Conditions))
	for _, c := range rule.Conditions {
		s := fmt.Sprintf("%s %s %g (now %g)", c.Parameter, c.Operator, c.Value, snapshot[c.Parameter])
		if c.DurationMinutes > 0 {
			s += fmt.Sprintf(" for %dm", c.DurationMinutes)
		}
		parts = append(parts, s)
	}
	return "Predictive rule fired: " + strings.Join(parts, "; ")
}

// tagIndex caches tags per tenant for one evaluation run.
type tagIndex struct {
	store *stores.SQLStore

	mu      sync.Mutex
	tenants map[string]map[string]map[string]*engine.ConditionTag
}

func newTagIndex(store *stores.SQLStore) *tagIndex {
	return &tagIndex{store: store, tenants: make(map[string]map[string]map[string]*engine.ConditionTag)}
}

// forTenant returns the tenant's tags keyed by asset and parameter.
func (ti *tagIndex) forTenant(ctx context.Context, tenantID string) (map[string]map[string]*engine.ConditionTag, error) {
	ti.mu.Lock()
	defer ti.mu.Unlock()

	if idx, ok := ti.tenants[tenantID]; ok {
		return idx, nil
	}

	tags, err := ti.store.ListConditionTags(ctx, tenantID, "")
	if err != nil {
		return nil, err
	}
	idx := make(map[string]map[string]*engine.ConditionTag)
	for _, t := range tags {
		if idx[t.AssetID] == nil {
			idx[t.AssetID] = make(map[string]*engine.ConditionTag)
		}
		idx[t.AssetID][t.Parameter] = t
	}
	ti.tenants[tenantID] = idx
	return idx, nil
}
