package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aquaops/aquaops/pkg/engine"
	"github.com/aquaops/aquaops/pkg/stores"
)

// guard checks the preconditions of one transition and applies its side
// effects to the work order.
type guard func(ctx context.Context, s *Service, wo *engine.WorkOrder, req TransitionRequest, at time.Time) error

type edge struct {
	from engine.WorkOrderStatus
	to   engine.WorkOrderStatus
}

// transitions lists every allowed status change. Cancellation and the
// on_hold return path are handled separately.
var transitions = map[edge]guard{
	{engine.StatusDraft, engine.StatusApproved}:      guardApprove,
	{engine.StatusApproved, engine.StatusAssigned}:   guardAssign,
	{engine.StatusAssigned, engine.StatusInProgress}: guardStart,
	{engine.StatusInProgress, engine.StatusQA}:       guardSubmitQA,
	{engine.StatusQA, engine.StatusCompleted}:        guardComplete,
	{engine.StatusAssigned, engine.StatusOnHold}:     guardHold,
	{engine.StatusInProgress, engine.StatusOnHold}:   guardHold,
}

// CanTransition reports whether the state machine has an edge from one
// status to another, without evaluating guards. Leaving on_hold is only
// possible to the status recorded in holdFrom.
func CanTransition(from, to, holdFrom engine.WorkOrderStatus) bool {
	if from.IsTerminal() {
		return false
	}
	if to == engine.StatusCancelled {
		return true
	}
	if from == engine.StatusOnHold {
		return holdFrom != "" && to == holdFrom
	}
	_, ok := transitions[edge{from, to}]
	return ok
}

func guardApprove(ctx context.Context, s *Service, wo *engine.WorkOrder, _ TransitionRequest, _ time.Time) error {
	if wo.Title == "" {
		return engine.NewValidationError(engine.ErrCodeValidation, "approval requires a title")
	}
	if wo.AssetID == "" && wo.Description == "" {
		return engine.NewValidationError(engine.ErrCodeValidation, "approval requires an asset or a description")
	}
	if !wo.RequiresPermit {
		return nil
	}

	approved, err := s.collab.IsPermitApproved(ctx, wo.ID)
	if err != nil {
		return fmt.Errorf("failed to check permit: %w", err)
	}
	if !approved {
		return engine.NewValidationError(engine.ErrCodePermitRequired, "permit is not approved").WithResource(wo.ID)
	}
	return nil
}

func guardAssign(_ context.Context, _ *Service, wo *engine.WorkOrder, req TransitionRequest, at time.Time) error {
	if req.Assignee == "" {
		return engine.NewValidationError(engine.ErrCodeValidation, "assignment requires an assignee")
	}
	wo.AssignedTo = req.Assignee
	wo.AssignedAt = &at
	return nil
}

func guardStart(_ context.Context, _ *Service, wo *engine.WorkOrder, _ TransitionRequest, at time.Time) error {
	if wo.StartedAt == nil {
		wo.StartedAt = &at
	}
	return nil
}

func guardSubmitQA(ctx context.Context, s *Service, wo *engine.WorkOrder, _ TransitionRequest, _ time.Time) error {
	items, err := s.store.ListChecklistItems(ctx, wo.ID)
	if err != nil {
		return err
	}
	var open []int
	for _, it := range items {
		if it.Mandatory && !it.Result.IsTerminal() {
			open = append(open, it.Seq)
		}
	}
	if len(open) > 0 {
		return engine.NewValidationError(engine.ErrCodeChecklistIncomplete,
			fmt.Sprintf("%d mandatory checklist items are not recorded", len(open))).
			WithResource(wo.ID).
			WithDetail("open_items", open)
	}
	return nil
}

func guardComplete(_ context.Context, _ *Service, wo *engine.WorkOrder, _ TransitionRequest, at time.Time) error {
	if wo.QABy == "" || wo.QAAt == nil {
		return engine.NewValidationError(engine.ErrCodeQASignOffRequired, "completion requires a QA sign-off").
			WithResource(wo.ID)
	}
	wo.CompletedAt = &at
	return nil
}

func guardHold(_ context.Context, _ *Service, wo *engine.WorkOrder, _ TransitionRequest, _ time.Time) error {
	wo.HoldFrom = wo.Status
	return nil
}

// TransitionWorkOrder moves a work order to the requested status. The change
// is rejected unless the state machine allows it and its guard passes. The
// update is optimistic on the work order version; a concurrent change or a
// request older than the last recorded transition is a conflict. After the
// commit the work order is evaluated against its SLA.
func (s *Service) TransitionWorkOrder(ctx context.Context, req TransitionRequest) (*engine.WorkOrder, error) {
	target, err := engine.ParseWorkOrderStatus(string(req.Target))
	if err != nil {
		return nil, err
	}
	if req.Actor == "" {
		return nil, engine.NewValidationError(engine.ErrCodeValidation, "actor is required")
	}

	op := s.tel.StartOperation(ctx, "lifecycle.transition")
	wo, err := s.transition(op.Ctx, req, target)
	op.End(err)
	if err != nil {
		s.tel.Metrics.RecordError(string(engine.ClassOf(err)), engine.CodeOf(err))
		return nil, err
	}
	return wo, nil
}

func (s *Service) transition(ctx context.Context, req TransitionRequest, target engine.WorkOrderStatus) (*engine.WorkOrder, error) {
	wo, err := s.store.GetWorkOrder(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if err := checkVersion(wo, req.ExpectedVersion); err != nil {
		return nil, err
	}

	at := req.At
	if at.IsZero() {
		at = s.clock.Now()
	}
	at = at.UTC()

	history, err := s.store.ListTransitions(ctx, wo.ID)
	if err != nil {
		return nil, err
	}
	if n := len(history); n > 0 && at.Before(history[n-1].At) {
		return nil, engine.NewConflictError(
			fmt.Sprintf("transition at %s is older than the last change at %s",
				at.Format(time.RFC3339), history[n-1].At.Format(time.RFC3339)), nil).
			WithCode(engine.ErrCodeStaleTransition).
			WithResource(wo.ID)
	}

	from := wo.Status
	if !CanTransition(from, target, wo.HoldFrom) {
		return nil, engine.NewValidationError(engine.ErrCodeInvalidTransition,
			fmt.Sprintf("cannot move work order from %s to %s", from, target)).
			WithResource(wo.ID).
			WithDetail("from", string(from)).
			WithDetail("to", string(target))
	}

	switch {
	case target == engine.StatusCancelled:
		wo.CancelledAt = &at
		wo.HoldFrom = ""
	case from == engine.StatusOnHold:
		wo.HoldFrom = ""
	default:
		if g := transitions[edge{from, target}]; g != nil {
			if err := g(ctx, s, wo, req, at); err != nil {
				return nil, err
			}
		}
	}

	wo.Status = target
	wo.UpdatedAt = at

	tr := &engine.Transition{
		ID:          uuid.New().String(),
		WorkOrderID: wo.ID,
		From:        from,
		To:          target,
		Actor:       req.Actor,
		At:          at,
		Notes:       req.Notes,
	}

	err = s.store.WithTx(ctx, func(tx *stores.Tx) error {
		if err := tx.UpdateWorkOrder(ctx, wo, wo.Version); err != nil {
			return err
		}
		if err := tx.InsertTransition(ctx, tr); err != nil {
			return err
		}
		return syncGenerationLog(ctx, tx, wo, at)
	})
	if err != nil {
		return nil, err
	}

	s.tel.Logger.WithWorkOrderID(wo.ID).WithFields(map[string]interface{}{
		"from":  string(from),
		"to":    string(target),
		"actor": req.Actor,
	}).Info("Work order transitioned")
	s.tel.Metrics.RecordTransition(string(from), string(target))
	_ = s.tel.Events.PublishTransition(wo.TenantID, wo.ID, string(from), string(target), req.Actor)

	if s.sla != nil {
		if _, err := s.sla.Evaluate(ctx, wo, s.clock.Now()); err != nil {
			s.tel.Logger.WithError(err).WithWorkOrderID(wo.ID).Error("SLA evaluation after transition failed")
		}
	}

	return wo, nil
}

// syncGenerationLog keeps the PM generation log of a work order in step with
// its outcome: completion marks the occurrence completed, cancellation marks
// it skipped unless it already completed. Completion also restarts the usage
// count, so meters are read since the last completed PM.
func syncGenerationLog(ctx context.Context, tx *stores.Tx, wo *engine.WorkOrder, at time.Time) error {
	if wo.Kind != engine.KindPM || wo.SourceGenerationID == "" {
		return nil
	}

	var (
		status engine.GenerationStatus
		reason string
	)
	switch wo.Status {
	case engine.StatusCompleted:
		status = engine.GenerationCompleted
	case engine.StatusCancelled:
		status = engine.GenerationSkipped
		reason = engine.SkipWorkOrderCancelled
	default:
		return nil
	}

	err := tx.UpdateGenerationLogStatus(ctx, wo.SourceGenerationID, status, reason, at)
	if engine.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if status == engine.GenerationCompleted && wo.SourceTemplateID != "" {
		return tx.AdvanceUsageBaseline(ctx, wo.SourceTemplateID, wo.AssetID, at)
	}
	return nil
}
