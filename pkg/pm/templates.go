package pm

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/aquaops/aquaops/pkg/engine"
)

// TemplateSpec describes a PM template to create.
type TemplateSpec struct {
	ID            string                `json:"id,omitempty"`
	TenantID      string                `json:"tenant_id" validate:"required"`
	AssetClassID  string                `json:"asset_class_id" validate:"required"`
	Name          string                `json:"name" validate:"required"`
	TriggerType   engine.TriggerType    `json:"trigger_type" validate:"required"`
	FrequencyDays int                   `json:"frequency_days" validate:"gte=0"`
	ToleranceDays int                   `json:"tolerance_days" validate:"gte=0"`
	UsageTriggers []engine.UsageTrigger `json:"usage_triggers,omitempty"`
	JobPlanID     string                `json:"job_plan_id,omitempty"`
	Priority      engine.Priority       `json:"priority" validate:"required"`

	// StartDate is the first due date of the time cadence. Later occurrences
	// are due every FrequencyDays after it. Defaults to the creation day.
	StartDate engine.Date `json:"start_date"`
}

var validate = validator.New()

// CreateTemplate validates and stores a new active template.
func (s *Scheduler) CreateTemplate(ctx context.Context, spec TemplateSpec) (*engine.PMTemplate, error) {
	trigger, err := engine.ParseTriggerType(string(spec.TriggerType))
	if err != nil {
		return nil, err
	}
	priority, err := engine.ParsePriority(string(spec.Priority))
	if err != nil {
		return nil, err
	}
	if err := validate.Struct(spec); err != nil {
		return nil, engine.NewValidationError(engine.ErrCodeValidation, fmt.Sprintf("invalid template: %v", err))
	}

	now := s.clock.Now()
	tpl := &engine.PMTemplate{
		ID:            spec.ID,
		TenantID:      spec.TenantID,
		AssetClassID:  spec.AssetClassID,
		Name:          spec.Name,
		TriggerType:   trigger,
		FrequencyDays: spec.FrequencyDays,
		ToleranceDays: spec.ToleranceDays,
		UsageTriggers: spec.UsageTriggers,
		JobPlanID:     spec.JobPlanID,
		Priority:      priority,
		IsActive:      true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if tpl.ID == "" {
		tpl.ID = uuid.New().String()
	}

	if trigger.UsesCalendar() {
		if spec.FrequencyDays <= 0 {
			return nil, engine.NewValidationError(engine.ErrCodeValidation,
				fmt.Sprintf("%s templates require a positive frequency_days", trigger))
		}
		start := spec.StartDate
		if start.IsZero() {
			start = engine.DateOf(now)
		}
		tpl.NextGenDate = start
	}

	if trigger.UsesMeters() {
		if len(spec.UsageTriggers) == 0 {
			return nil, engine.NewValidationError(engine.ErrCodeValidation,
				fmt.Sprintf("%s templates require at least one usage trigger", trigger))
		}
		for _, u := range spec.UsageTriggers {
			if u.MeterKind == "" || u.Threshold <= 0 {
				return nil, engine.NewValidationError(engine.ErrCodeValidation,
					"usage triggers require a meter_kind and a positive threshold")
			}
			if u.TolerancePct < 0 || u.TolerancePct >= 100 {
				return nil, engine.NewValidationError(engine.ErrCodeValidation,
					"usage trigger tolerance_pct must be in [0, 100)")
			}
		}
	}

	if err := s.store.CreateTemplate(ctx, tpl); err != nil {
		return nil, err
	}

	s.tel.Logger.WithTemplateID(tpl.ID).WithTenant(tpl.TenantID).
		Infof("Created %s template %q", tpl.TriggerType, tpl.Name)
	return tpl, nil
}

// GetTemplate returns a template by ID.
func (s *Scheduler) GetTemplate(ctx context.Context, id string) (*engine.PMTemplate, error) {
	return s.store.GetTemplate(ctx, id)
}

// ListTemplates returns the templates of a tenant.
func (s *Scheduler) ListTemplates(ctx context.Context, tenantID string, page engine.Page) ([]*engine.PMTemplate, error) {
	return s.store.ListTemplates(ctx, tenantID, page)
}

// DeactivateTemplate stops a template from generating further work.
func (s *Scheduler) DeactivateTemplate(ctx context.Context, id string) error {
	if err := s.store.SetTemplateActive(ctx, id, false, s.clock.Now()); err != nil {
		return err
	}
	s.tel.Logger.WithTemplateID(id).Info("Template deactivated")
	return nil
}

// ClearTemplateFlag clears the failure flag after an operator fixed the cause.
func (s *Scheduler) ClearTemplateFlag(ctx context.Context, id string) error {
	return s.store.ClearTemplateFlag(ctx, id, s.clock.Now())
}

// AddCalendarException adds a non-working day for a tenant.
func (s *Scheduler) AddCalendarException(ctx context.Context, e engine.CalendarException) (*engine.CalendarException, error) {
	if e.TenantID == "" || e.Date.IsZero() {
		return nil, engine.NewValidationError(engine.ErrCodeValidation, "calendar exceptions require a tenant_id and a date")
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if err := s.store.AddCalendarException(ctx, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// ListCalendarExceptions returns the exceptions of a tenant.
func (s *Scheduler) ListCalendarExceptions(ctx context.Context, tenantID string) ([]engine.CalendarException, error) {
	return s.store.ListCalendarExceptions(ctx, tenantID)
}

func (s *Scheduler) calendar(ctx context.Context, tenantID string) (*Calendar, error) {
	exceptions, err := s.store.ListCalendarExceptions(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return NewCalendar(exceptions), nil
}
