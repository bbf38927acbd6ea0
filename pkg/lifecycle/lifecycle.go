package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/aquaops/aquaops/pkg/engine"
	"github.com/aquaops/aquaops/pkg/stores"
	"github.com/aquaops/aquaops/pkg/telemetry"
)

// SystemActor is recorded on transitions made by the engine itself.
const SystemActor = "system"

// SLA assigns due times to new work orders and detects breaches after a
// status change.
type SLA interface {
	Apply(ctx context.Context, wo *engine.WorkOrder) error
	Evaluate(ctx context.Context, wo *engine.WorkOrder, now time.Time) ([]*engine.SLABreach, error)
}

// Writer persists a prepared work order. Both *stores.SQLStore and *stores.Tx
// satisfy it, so callers can persist inside their own transaction.
type Writer interface {
	InsertWorkOrder(ctx context.Context, wo *engine.WorkOrder) error
	InsertChecklistItems(ctx context.Context, items []engine.ChecklistItem) error
	InsertWorkOrderParts(ctx context.Context, parts []engine.WorkOrderPart) error
	InsertTransition(ctx context.Context, t *engine.Transition) error
}

// CreateSpec describes a work order to create.
type CreateSpec struct {
	ID             string               `json:"id,omitempty"`
	TenantID       string               `json:"tenant_id" binding:"required"`
	Kind           engine.WorkOrderKind `json:"kind" binding:"required"`
	Priority       engine.Priority      `json:"priority" binding:"required"`
	Title          string               `json:"title" binding:"required"`
	Description    string               `json:"description,omitempty"`
	AssetID        string               `json:"asset_id,omitempty"`
	JobPlanID      string               `json:"job_plan_id,omitempty"`
	RequiresPermit bool                 `json:"requires_permit"`
	ContractID     string               `json:"contract_id,omitempty"`
	PlannedFor     engine.Date          `json:"planned_for"`
	Actor          string               `json:"actor,omitempty"`

	// OpenedAt defaults to the service clock.
	OpenedAt time.Time `json:"opened_at,omitempty"`

	SourceTemplateID   string `json:"-"`
	SourceGenerationID string `json:"-"`
	SourceRuleID       string `json:"-"`
}

// Prepared is a fully resolved work order that has not been written yet.
type Prepared struct {
	WorkOrder  *engine.WorkOrder
	Checklist  []engine.ChecklistItem
	Parts      []engine.WorkOrderPart
	Transition *engine.Transition
}

// TransitionRequest asks for a work order status change.
type TransitionRequest struct {
	ID       string                 `json:"-"`
	Target   engine.WorkOrderStatus `json:"target" binding:"required"`
	Actor    string                 `json:"actor" binding:"required"`
	Notes    string                 `json:"notes,omitempty"`
	Assignee string                 `json:"assignee,omitempty"`

	// ExpectedVersion, when non-zero, must match the stored version.
	ExpectedVersion int64 `json:"expected_version,omitempty"`

	// At defaults to the service clock.
	At time.Time `json:"at,omitempty"`
}

// Service owns the work order state machine.
type Service struct {
	store  *stores.SQLStore
	collab engine.Collaborators
	sla    SLA
	clock  engine.Clock
	tel    *telemetry.Telemetry
}

// NewService creates a lifecycle service.
func NewService(store *stores.SQLStore, collab engine.Collaborators, sla SLA, clock engine.Clock, tel *telemetry.Telemetry) *Service {
	if clock == nil {
		clock = engine.SystemClock{}
	}
	return &Service{
		store:  store,
		collab: collab,
		sla:    sla,
		clock:  clock,
		tel:    tel.Component("lifecycle"),
	}
}

// Prepare validates a spec and resolves everything a new work order needs:
// asset criticality, SLA policy and dues, checklist and kit. Nothing is
// written.
func (s *Service) Prepare(ctx context.Context, spec CreateSpec) (*Prepared, error) {
	kind, err := engine.ParseWorkOrderKind(string(spec.Kind))
	if err != nil {
		return nil, err
	}
	priority, err := engine.ParsePriority(string(spec.Priority))
	if err != nil {
		return nil, err
	}
	if spec.TenantID == "" {
		return nil, engine.NewValidationError(engine.ErrCodeValidation, "tenant_id is required")
	}
	if spec.Title == "" {
		return nil, engine.NewValidationError(engine.ErrCodeValidation, "title is required")
	}

	openedAt := spec.OpenedAt
	if openedAt.IsZero() {
		openedAt = s.clock.Now()
	}
	openedAt = openedAt.UTC()

	id := spec.ID
	if id == "" {
		id = uuid.New().String()
	}
	actor := spec.Actor
	if actor == "" {
		actor = SystemActor
	}

	wo := &engine.WorkOrder{
		ID:                 id,
		TenantID:           spec.TenantID,
		Kind:               kind,
		Priority:           priority,
		Status:             engine.StatusDraft,
		Title:              spec.Title,
		Description:        spec.Description,
		AssetID:            spec.AssetID,
		JobPlanID:          spec.JobPlanID,
		OpenedAt:           openedAt,
		PlannedFor:         spec.PlannedFor,
		RequiresPermit:     spec.RequiresPermit,
		ContractID:         spec.ContractID,
		SourceTemplateID:   spec.SourceTemplateID,
		SourceGenerationID: spec.SourceGenerationID,
		SourceRuleID:       spec.SourceRuleID,
		LaborCost:          decimal.Zero,
		PartsCost:          decimal.Zero,
		Version:            1,
		CreatedAt:          openedAt,
		UpdatedAt:          openedAt,
	}

	if spec.AssetID != "" {
		asset, err := s.collab.GetAsset(ctx, spec.AssetID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve asset %s: %w", spec.AssetID, err)
		}
		if asset.TenantID != "" && asset.TenantID != spec.TenantID {
			return nil, engine.NewValidationError(engine.ErrCodeValidation,
				fmt.Sprintf("asset %s does not belong to tenant %s", spec.AssetID, spec.TenantID))
		}
		wo.AssetCriticality = asset.Criticality
	}

	if s.sla != nil {
		if err := s.sla.Apply(ctx, wo); err != nil {
			return nil, fmt.Errorf("failed to resolve SLA policy: %w", err)
		}
	}

	p := &Prepared{WorkOrder: wo}

	if spec.JobPlanID != "" {
		steps, err := s.collab.GetChecklist(ctx, spec.JobPlanID)
		if err != nil {
			return nil, fmt.Errorf("failed to load checklist of job plan %s: %w", spec.JobPlanID, err)
		}
		for i, step := range steps {
			p.Checklist = append(p.Checklist, engine.ChecklistItem{
				WorkOrderID: id,
				Seq:         i + 1,
				Step:        step.Step,
				Mandatory:   step.Mandatory,
				Result:      engine.ResultPending,
			})
		}

		kit, err := s.collab.GetKit(ctx, spec.JobPlanID)
		if err != nil {
			return nil, fmt.Errorf("failed to load kit of job plan %s: %w", spec.JobPlanID, err)
		}
		for i, line := range kit {
			p.Parts = append(p.Parts, engine.WorkOrderPart{
				WorkOrderID: id,
				Line:        i + 1,
				Part:        line.Part,
				Qty:         line.Qty,
			})
		}
	}

	p.Transition = &engine.Transition{
		ID:          uuid.New().String(),
		WorkOrderID: id,
		To:          engine.StatusDraft,
		Actor:       actor,
		At:          openedAt,
		Notes:       "created",
	}

	return p, nil
}

// Persist writes a prepared work order through w.
func Persist(ctx context.Context, w Writer, p *Prepared) error {
	if err := w.InsertWorkOrder(ctx, p.WorkOrder); err != nil {
		return err
	}
	if err := w.InsertChecklistItems(ctx, p.Checklist); err != nil {
		return err
	}
	if err := w.InsertWorkOrderParts(ctx, p.Parts); err != nil {
		return err
	}
	return w.InsertTransition(ctx, p.Transition)
}

// NotifyCreated records metrics and publishes the creation event of a
// committed work order.
func (s *Service) NotifyCreated(wo *engine.WorkOrder) {
	s.tel.Metrics.RecordWorkOrderCreated(string(wo.Kind), string(wo.Priority))
	_ = s.tel.Events.PublishWorkOrderCreated(wo.TenantID, wo.ID, string(wo.Kind), string(wo.Priority))
	s.tel.Logger.WithWorkOrderID(wo.ID).WithTenant(wo.TenantID).
		Infof("Created %s work order %q", wo.Kind, wo.Title)
}

// CreateWorkOrder validates, resolves and writes a new work order with its
// checklist, kit and creation transition in one transaction.
func (s *Service) CreateWorkOrder(ctx context.Context, spec CreateSpec) (*engine.WorkOrder, error) {
	p, err := s.Prepare(ctx, spec)
	if err != nil {
		return nil, err
	}

	err = s.store.WithTx(ctx, func(tx *stores.Tx) error {
		return Persist(ctx, tx, p)
	})
	if err != nil {
		return nil, err
	}

	s.NotifyCreated(p.WorkOrder)
	return p.WorkOrder, nil
}

// GetWorkOrder returns a work order by ID.
func (s *Service) GetWorkOrder(ctx context.Context, id string) (*engine.WorkOrder, error) {
	return s.store.GetWorkOrder(ctx, id)
}

// ListWorkOrders returns work orders matching the filter.
func (s *Service) ListWorkOrders(ctx context.Context, f stores.WorkOrderFilter, page engine.Page) ([]*engine.WorkOrder, error) {
	return s.store.ListWorkOrders(ctx, f, page)
}

// ListTransitions returns the transition history of a work order, oldest first.
func (s *Service) ListTransitions(ctx context.Context, id string) ([]engine.Transition, error) {
	if _, err := s.store.GetWorkOrder(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListTransitions(ctx, id)
}

// ListChecklist returns the checklist items of a work order.
func (s *Service) ListChecklist(ctx context.Context, id string) ([]engine.ChecklistItem, error) {
	return s.store.ListChecklistItems(ctx, id)
}

// RecordChecklistResult records the outcome of one checklist step.
func (s *Service) RecordChecklistResult(ctx context.Context, workOrderID string, seq int, result engine.ChecklistResult, actor string) (*engine.ChecklistItem, error) {
	r, err := engine.ParseChecklistResult(string(result))
	if err != nil {
		return nil, err
	}
	if !r.IsTerminal() {
		return nil, engine.NewValidationError(engine.ErrCodeValidation, "checklist result must be pass, fail or na")
	}
	if actor == "" {
		return nil, engine.NewValidationError(engine.ErrCodeValidation, "actor is required")
	}

	wo, err := s.store.GetWorkOrder(ctx, workOrderID)
	if err != nil {
		return nil, err
	}
	if wo.Status != engine.StatusInProgress && wo.Status != engine.StatusQA {
		return nil, engine.NewValidationError(engine.ErrCodeInvalidTransition,
			fmt.Sprintf("checklist cannot be recorded while work order is %s", wo.Status)).WithResource(wo.ID)
	}

	items, err := s.store.ListChecklistItems(ctx, workOrderID)
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		if it.Seq != seq {
			continue
		}
		now := s.clock.Now()
		it.Result = r
		it.RecordedBy = actor
		it.RecordedAt = &now
		if err := s.store.UpdateChecklistItem(ctx, it); err != nil {
			return nil, err
		}
		return &it, nil
	}
	return nil, engine.NewNotFoundError("checklist item", fmt.Sprintf("%s#%d", workOrderID, seq))
}

// SignOffQA records the QA sign-off of a work order in qa.
func (s *Service) SignOffQA(ctx context.Context, workOrderID, actor string, expectedVersion int64) (*engine.WorkOrder, error) {
	if actor == "" {
		return nil, engine.NewValidationError(engine.ErrCodeValidation, "QA sign-off requires an actor")
	}

	wo, err := s.store.GetWorkOrder(ctx, workOrderID)
	if err != nil {
		return nil, err
	}
	if err := checkVersion(wo, expectedVersion); err != nil {
		return nil, err
	}
	if wo.Status != engine.StatusQA {
		return nil, engine.NewValidationError(engine.ErrCodeInvalidTransition,
			fmt.Sprintf("QA sign-off requires status qa, work order is %s", wo.Status)).WithResource(wo.ID)
	}

	now := s.clock.Now()
	wo.QABy = actor
	wo.QAAt = &now
	wo.UpdatedAt = now
	if err := s.store.UpdateWorkOrder(ctx, wo, wo.Version); err != nil {
		return nil, err
	}
	return wo, nil
}

// RecordCosts sets the labor and parts cost of a work order.
func (s *Service) RecordCosts(ctx context.Context, workOrderID string, labor, parts decimal.Decimal, expectedVersion int64) (*engine.WorkOrder, error) {
	if labor.IsNegative() || parts.IsNegative() {
		return nil, engine.NewValidationError(engine.ErrCodeValidation, "costs cannot be negative")
	}

	wo, err := s.store.GetWorkOrder(ctx, workOrderID)
	if err != nil {
		return nil, err
	}
	if err := checkVersion(wo, expectedVersion); err != nil {
		return nil, err
	}

	wo.LaborCost = labor
	wo.PartsCost = parts
	wo.UpdatedAt = s.clock.Now()
	if err := s.store.UpdateWorkOrder(ctx, wo, wo.Version); err != nil {
		return nil, err
	}
	return wo, nil
}

func checkVersion(wo *engine.WorkOrder, expected int64) error {
	if expected != 0 && expected != wo.Version {
		return engine.NewConflictError(
			fmt.Sprintf("work order is at version %d, expected %d", wo.Version, expected), nil).
			WithResource(wo.ID).
			WithDetail("expected_version", expected).
			WithDetail("current_version", wo.Version)
	}
	return nil
}
