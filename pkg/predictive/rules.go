package predictive

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/aquaops/aquaops/pkg/engine"
)

// ValidateRule checks a rule before it is stored. Malformed conditions fail
// with MALFORMED_CONDITION; unknown enum values with UNKNOWN_ENUM.
func ValidateRule(r *engine.PredictiveRule) error {
	if r == nil {
		return engine.NewValidationError(engine.ErrCodeValidation, "rule is required")
	}
	if r.TenantID == "" || strings.TrimSpace(r.Name) == "" {
		return engine.NewValidationError(engine.ErrCodeValidation, "rules require a tenant_id and a name")
	}
	if len(r.Conditions) == 0 {
		return engine.NewValidationError(engine.ErrCodeMalformedCondition, "rule has no conditions").
			WithResource(r.Name)
	}

	for i, c := range r.Conditions {
		if strings.TrimSpace(c.Parameter) == "" {
			return engine.NewValidationError(engine.ErrCodeMalformedCondition,
				fmt.Sprintf("condition %d has an empty parameter", i)).WithResource(r.Name)
		}
		if _, err := engine.ParseOperator(string(c.Operator)); err != nil {
			return engine.NewValidationError(engine.ErrCodeMalformedCondition,
				fmt.Sprintf("condition %d has unknown operator %q", i, c.Operator)).WithResource(r.Name)
		}
		if c.DurationMinutes < 0 {
			return engine.NewValidationError(engine.ErrCodeMalformedCondition,
				fmt.Sprintf("condition %d has a negative duration", i)).WithResource(r.Name)
		}
	}

	if r.CooldownMinutes < 0 {
		return engine.NewValidationError(engine.ErrCodeValidation, "cooldown_minutes cannot be negative").
			WithResource(r.Name)
	}
	if _, err := engine.ParsePriority(string(r.WOPriority)); err != nil {
		return err
	}
	kind, err := engine.ParseWorkOrderKind(string(r.WOKind))
	if err != nil {
		return err
	}
	if kind != engine.KindCM && kind != engine.KindEmergency {
		return engine.NewValidationError(engine.ErrCodeValidation,
			fmt.Sprintf("predictive rules create cm or emergency work, not %s", kind)).WithResource(r.Name)
	}
	return nil
}

// UpsertRule validates and stores a rule. A rule with the same tenant and
// name is replaced and keeps its ID.
func (e *Evaluator) UpsertRule(ctx context.Context, r engine.PredictiveRule) (*engine.PredictiveRule, error) {
	if r.WOKind == "" {
		r.WOKind = engine.KindCM
	}
	if err := ValidateRule(&r); err != nil {
		e.tel.Metrics.RecordError(string(engine.ClassOf(err)), engine.CodeOf(err))
		return nil, err
	}

	now := e.clock.Now()
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	if err := e.store.UpsertPredictiveRule(ctx, &r); err != nil {
		return nil, err
	}
	e.tel.Logger.WithRuleID(r.ID).WithTenant(r.TenantID).Infof("Stored predictive rule %q", r.Name)
	return &r, nil
}

// GetRule returns a rule by ID.
func (e *Evaluator) GetRule(ctx context.Context, id string) (*engine.PredictiveRule, error) {
	return e.store.GetPredictiveRule(ctx, id)
}

// ListRules returns the rules of a tenant, or of every tenant when empty.
func (e *Evaluator) ListRules(ctx context.Context, tenantID string, activeOnly bool) ([]*engine.PredictiveRule, error) {
	return e.store.ListPredictiveRules(ctx, tenantID, activeOnly)
}

// SetRuleActive enables or disables a rule.
func (e *Evaluator) SetRuleActive(ctx context.Context, id string, active bool) error {
	return e.store.SetRuleActive(ctx, id, active, e.clock.Now())
}

// ListTriggers returns the firings of a rule, optionally for one asset.
func (e *Evaluator) ListTriggers(ctx context.Context, ruleID, assetID string, page engine.Page) ([]*engine.PredictiveTrigger, error) {
	return e.store.ListTriggers(ctx, ruleID, assetID, page)
}
