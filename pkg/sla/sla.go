package sla

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/aquaops/aquaops/pkg/engine"
	"github.com/aquaops/aquaops/pkg/stores"
	"github.com/aquaops/aquaops/pkg/telemetry"
)

// Store is the persistence the SLA engine needs.
type Store interface {
	ListSLAPolicies(ctx context.Context, tenantID string, activeOnly bool) ([]*engine.SLAPolicy, error)
	GetSLAPolicy(ctx context.Context, id int64) (*engine.SLAPolicy, error)
	GetWorkOrder(ctx context.Context, id string) (*engine.WorkOrder, error)
	UpdateWorkOrder(ctx context.Context, wo *engine.WorkOrder, expectedVersion int64) error
	InsertSLABreach(ctx context.Context, b *engine.SLABreach) (bool, error)
	GetSLABreach(ctx context.Context, id string) (*engine.SLABreach, error)
	WaiveSLABreach(ctx context.Context, id, actor, reason string, at time.Time) error
	ListSLABreaches(ctx context.Context, f stores.BreachFilter, page engine.Page) ([]*engine.SLABreach, error)
	ListOverdueWorkOrders(ctx context.Context, now time.Time, limit int) ([]*engine.WorkOrder, error)
}

// sweepBatch bounds how many overdue work orders one sweep query loads.
const sweepBatch = 200

// PolicyKey holds the work order attributes a policy is matched against.
type PolicyKey struct {
	TenantID    string
	Kind        engine.WorkOrderKind
	Priority    engine.Priority
	Criticality engine.AssetCriticality
}

// KeyOf returns the policy key of a work order.
func KeyOf(wo *engine.WorkOrder) PolicyKey {
	return PolicyKey{
		TenantID:    wo.TenantID,
		Kind:        wo.Kind,
		Priority:    wo.Priority,
		Criticality: wo.AssetCriticality,
	}
}

// ResolvePolicy returns the most specific active policy matching key, or nil.
// A policy matches when every non-wildcard field equals the key. The policy
// with the most non-wildcard fields wins; ties go to the lowest ID.
func ResolvePolicy(policies []*engine.SLAPolicy, key PolicyKey) *engine.SLAPolicy {
	var candidates []*engine.SLAPolicy
	for _, p := range policies {
		if p == nil || !p.IsActive || p.TenantID != key.TenantID {
			continue
		}
		if p.WOType != nil && *p.WOType != key.Kind {
			continue
		}
		if p.Priority != nil && *p.Priority != key.Priority {
			continue
		}
		if p.AssetCriticality != nil && *p.AssetCriticality != key.Criticality {
			continue
		}
		candidates = append(candidates, p)
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		si, sj := candidates[i].Specificity(), candidates[j].Specificity()
		if si != sj {
			return si > sj
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0]
}

// ComputeDue returns the response and resolution due times of a work order
// opened at openedAt under the policy.
func ComputeDue(openedAt time.Time, p *engine.SLAPolicy) (responseDue, resolutionDue time.Time) {
	openedAt = openedAt.UTC()
	responseDue = openedAt.Add(time.Duration(p.ResponseMinutes) * time.Minute)
	resolutionDue = openedAt.Add(time.Duration(p.ResolutionMinutes) * time.Minute)
	return responseDue, resolutionDue
}

// VarianceMinutes returns how late actual is against due, in whole minutes
// rounded up. Anything past due counts as at least one minute.
func VarianceMinutes(due, actual time.Time) int64 {
	d := actual.Sub(due)
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(d.Minutes()))
}

// Engine resolves policies, detects breaches and manages waivers.
type Engine struct {
	// store persists policies, breaches and work order dues
	store Store

	// contracts supplies penalty rates
	contracts engine.ContractStore

	clock engine.Clock
	tel   *telemetry.Telemetry
}

// NewEngine creates an SLA engine.
func NewEngine(store Store, contracts engine.ContractStore, clock engine.Clock, tel *telemetry.Telemetry) *Engine {
	if clock == nil {
		clock = engine.SystemClock{}
	}
	return &Engine{
		store:     store,
		contracts: contracts,
		clock:     clock,
		tel:       tel.Component("sla"),
	}
}

// Apply resolves the policy for a work order that has not been persisted yet
// and sets its policy reference and due times. A work order with no matching
// policy has no dues.
func (e *Engine) Apply(ctx context.Context, wo *engine.WorkOrder) error {
	policies, err := e.store.ListSLAPolicies(ctx, wo.TenantID, true)
	if err != nil {
		return err
	}
	applyPolicy(wo, ResolvePolicy(policies, KeyOf(wo)))
	return nil
}

func applyPolicy(wo *engine.WorkOrder, p *engine.SLAPolicy) {
	if p == nil {
		wo.SLAPolicyID = 0
		wo.ResponseDue = nil
		wo.ResolutionDue = nil
		return
	}
	response, resolution := ComputeDue(wo.OpenedAt, p)
	wo.SLAPolicyID = p.ID
	wo.ResponseDue = &response
	wo.ResolutionDue = &resolution
}

// Evaluate checks a work order against its due times and records any new
// breaches. Breaches already recorded are not repeated.
func (e *Engine) Evaluate(ctx context.Context, wo *engine.WorkOrder, now time.Time) ([]*engine.SLABreach, error) {
	if wo.SLAPolicyID == 0 {
		return nil, nil
	}

	var recorded []*engine.SLABreach

	if wo.ResponseDue != nil && wo.AssignedAt != nil && wo.AssignedAt.After(*wo.ResponseDue) {
		b, err := e.record(ctx, wo, engine.BreachResponse, *wo.ResponseDue, *wo.AssignedAt, now)
		if err != nil {
			return recorded, err
		}
		if b != nil {
			recorded = append(recorded, b)
		}
	}

	if wo.ResolutionDue != nil {
		var actual *time.Time
		switch {
		case wo.CompletedAt != nil:
			if wo.CompletedAt.After(*wo.ResolutionDue) {
				actual = wo.CompletedAt
			}
		case wo.IsOpen() && now.After(*wo.ResolutionDue):
			actual = &now
		}
		if actual != nil {
			b, err := e.record(ctx, wo, engine.BreachResolution, *wo.ResolutionDue, *actual, now)
			if err != nil {
				return recorded, err
			}
			if b != nil {
				recorded = append(recorded, b)
			}
		}
	}

	return recorded, nil
}

// record inserts a breach unless one of the same type exists. It returns nil
// when the breach was already recorded.
func (e *Engine) record(ctx context.Context, wo *engine.WorkOrder, typ engine.BreachType, due, actual, now time.Time) (*engine.SLABreach, error) {
	variance := VarianceMinutes(due, actual)
	b := &engine.SLABreach{
		ID:              uuid.New().String(),
		WorkOrderID:     wo.ID,
		PolicyID:        wo.SLAPolicyID,
		Type:            typ,
		DueAt:           due,
		DetectedAt:      now,
		VarianceMinutes: variance,
		PenaltyAmount:   e.penalty(ctx, wo, variance),
	}

	inserted, err := e.store.InsertSLABreach(ctx, b)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, nil
	}

	e.tel.Logger.WithWorkOrderID(wo.ID).WithFields(map[string]interface{}{
		"breach_type":      string(typ),
		"variance_minutes": variance,
	}).Warn("SLA breached")
	e.tel.Metrics.RecordBreach(string(typ))
	_ = e.tel.Events.PublishBreach(wo.TenantID, wo.ID, string(typ), variance)

	return b, nil
}

// penalty returns rate x variance when the work order has a contract. A
// missing or failing contract lookup records the breach without a penalty.
func (e *Engine) penalty(ctx context.Context, wo *engine.WorkOrder, variance int64) decimal.Decimal {
	if wo.ContractID == "" || e.contracts == nil || variance == 0 {
		return decimal.Zero
	}
	rate, err := e.contracts.GetPenaltyRate(ctx, wo.ContractID)
	if err != nil {
		e.tel.Logger.WithError(err).WithWorkOrderID(wo.ID).
			Warnf("Penalty rate unavailable for contract %s", wo.ContractID)
		return decimal.Zero
	}
	return rate.Mul(decimal.NewFromInt(variance))
}

// Sweep records resolution breaches for open work orders that passed their
// resolution due time without a transition. It returns the number recorded.
func (e *Engine) Sweep(ctx context.Context, now time.Time) (int, error) {
	op := e.tel.StartOperation(ctx, "sla.sweep")
	timer := telemetry.NewTimer()

	total := 0
	var err error
	for {
		if err = ctx.Err(); err != nil {
			break
		}

		var overdue []*engine.WorkOrder
		overdue, err = e.store.ListOverdueWorkOrders(op.Ctx, now, sweepBatch)
		if err != nil {
			break
		}

		recorded := 0
		for _, wo := range overdue {
			var breaches []*engine.SLABreach
			breaches, err = e.Evaluate(op.Ctx, wo, now)
			if err != nil {
				break
			}
			recorded += len(breaches)
		}
		total += recorded

		if err != nil || len(overdue) < sweepBatch || recorded == 0 {
			break
		}
	}

	e.tel.Metrics.ObserveJob("sla_sweep", timer.Duration(), err)
	op.End(err)
	if err != nil {
		return total, fmt.Errorf("failed to sweep SLA breaches: %w", err)
	}
	if total > 0 {
		op.Logger.Infof("Sweep recorded %d resolution breaches", total)
	}
	return total, nil
}

// Waive marks a breach as waived. A breach can be waived once, by a named
// actor, with a reason. The breach record is kept.
func (e *Engine) Waive(ctx context.Context, breachID, actor, reason string) (*engine.SLABreach, error) {
	if actor == "" {
		return nil, engine.NewValidationError(engine.ErrCodeValidation, "waiver requires an actor").
			WithResource(breachID)
	}
	if reason == "" {
		return nil, engine.NewValidationError(engine.ErrCodeValidation, "waiver requires a reason").
			WithResource(breachID)
	}

	if err := e.store.WaiveSLABreach(ctx, breachID, actor, reason, e.clock.Now()); err != nil {
		return nil, err
	}

	b, err := e.store.GetSLABreach(ctx, breachID)
	if err != nil {
		return nil, err
	}
	e.tel.Logger.WithField("breach_id", breachID).WithField("actor", actor).Info("SLA breach waived")
	_ = e.tel.Events.Publish(telemetry.Event{
		Type:    telemetry.EventSLAWaived,
		Source:  "sla",
		Subject: b.WorkOrderID,
		Message: fmt.Sprintf("Breach %s waived by %s", breachID, actor),
		Data:    map[string]interface{}{"breach_id": breachID, "reason": reason},
	})
	return b, nil
}

// Reapply re-resolves the policy of an open work order and recomputes its
// dues from opened_at. Existing breaches stay recorded.
func (e *Engine) Reapply(ctx context.Context, workOrderID, actor string) (*engine.WorkOrder, error) {
	wo, err := e.store.GetWorkOrder(ctx, workOrderID)
	if err != nil {
		return nil, err
	}
	if !wo.IsOpen() {
		return nil, engine.NewValidationError(engine.ErrCodeInvalidTransition,
			fmt.Sprintf("cannot reapply SLA to a %s work order", wo.Status)).WithResource(workOrderID)
	}

	policies, err := e.store.ListSLAPolicies(ctx, wo.TenantID, true)
	if err != nil {
		return nil, err
	}
	applyPolicy(wo, ResolvePolicy(policies, KeyOf(wo)))
	wo.UpdatedAt = e.clock.Now()

	if err := e.store.UpdateWorkOrder(ctx, wo, wo.Version); err != nil {
		return nil, err
	}

	e.tel.Logger.WithWorkOrderID(wo.ID).WithFields(map[string]interface{}{
		"actor":     actor,
		"policy_id": wo.SLAPolicyID,
	}).Info("SLA policy reapplied")

	if _, err := e.Evaluate(ctx, wo, e.clock.Now()); err != nil {
		return wo, err
	}
	return wo, nil
}

// ListBreaches returns breaches matching the filter.
func (e *Engine) ListBreaches(ctx context.Context, f stores.BreachFilter, page engine.Page) ([]*engine.SLABreach, error) {
	return e.store.ListSLABreaches(ctx, f, page)
}

// GetPolicy returns a policy by ID.
func (e *Engine) GetPolicy(ctx context.Context, id int64) (*engine.SLAPolicy, error) {
	return e.store.GetSLAPolicy(ctx, id)
}
