package pm

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/aquaops/aquaops/pkg/engine"
	"github.com/aquaops/aquaops/pkg/stores"
	"github.com/aquaops/aquaops/pkg/telemetry"
)

// DeferRequest asks to move a PM occurrence to a later date.
type DeferRequest struct {
	GenerationLogID string                `json:"-"`
	DeferredTo      engine.Date           `json:"deferred_to"`
	ReasonCode      engine.DeferralReason `json:"reason_code" binding:"required"`
	ApproverID      string                `json:"approver_id,omitempty"`
	RequestedBy     string                `json:"requested_by" binding:"required"`
}

// Defer records a deferral of a generated or already deferred occurrence.
// The scheduled date of the log row never changes; the work order's planned
// date moves to the new date. Deferring further than the configured number of
// days past the original date needs an approver. Rejections are audited.
func (s *Scheduler) Defer(ctx context.Context, req DeferRequest) (*engine.Deferral, error) {
	d, err := s.deferOccurrence(ctx, req)
	if err != nil {
		s.tel.Metrics.RecordError(string(engine.ClassOf(err)), engine.CodeOf(err))
		if engine.IsValidation(err) {
			s.audit(ctx, stores.EventLevelWarning, req.GenerationLogID, engine.CodeOf(err), err.Error(), map[string]interface{}{
				"deferred_to":  req.DeferredTo.String(),
				"reason_code":  string(req.ReasonCode),
				"requested_by": req.RequestedBy,
			})
		}
		return nil, err
	}
	return d, nil
}

func (s *Scheduler) deferOccurrence(ctx context.Context, req DeferRequest) (*engine.Deferral, error) {
	reason, err := engine.ParseDeferralReason(string(req.ReasonCode))
	if err != nil {
		return nil, err
	}
	if req.RequestedBy == "" {
		return nil, engine.NewValidationError(engine.ErrCodeValidation, "requested_by is required")
	}
	if req.DeferredTo.IsZero() {
		return nil, engine.NewValidationError(engine.ErrCodeValidation, "deferred_to is required")
	}

	log, err := s.store.GetGenerationLog(ctx, req.GenerationLogID)
	if err != nil {
		return nil, err
	}
	if log.Status != engine.GenerationGenerated && log.Status != engine.GenerationDeferred {
		return nil, engine.NewValidationError(engine.ErrCodeInvalidTransition,
			fmt.Sprintf("cannot defer an occurrence in status %s", log.Status)).
			WithResource(log.ID)
	}

	original := log.ScheduledDate
	if !req.DeferredTo.After(original) {
		return nil, engine.NewValidationError(engine.ErrCodeValidation,
			fmt.Sprintf("deferred_to %s must be after the original date %s", req.DeferredTo, original)).
			WithResource(log.ID)
	}
	if days := req.DeferredTo.DaysSince(original); days > s.cfg.MaxDeferralDays && req.ApproverID == "" {
		return nil, engine.NewValidationError(engine.ErrCodeDeferralRequiresApproval,
			fmt.Sprintf("deferral of %d days exceeds %d days and needs an approver", days, s.cfg.MaxDeferralDays)).
			WithResource(log.ID).
			WithDetail("days", days)
	}

	now := s.clock.Now()
	d := &engine.Deferral{
		ID:              uuid.New().String(),
		GenerationLogID: log.ID,
		OriginalDate:    original,
		DeferredTo:      req.DeferredTo,
		ReasonCode:      reason,
		ApproverID:      req.ApproverID,
		RequestedBy:     req.RequestedBy,
		CreatedAt:       now,
	}

	err = s.store.WithTx(ctx, func(tx *stores.Tx) error {
		if err := tx.InsertDeferral(ctx, d); err != nil {
			return err
		}
		if err := tx.UpdateGenerationLogStatus(ctx, log.ID, engine.GenerationDeferred, "", now); err != nil {
			return err
		}
		if log.WorkOrderID == "" {
			return nil
		}
		return tx.SetWorkOrderPlannedFor(ctx, log.WorkOrderID, req.DeferredTo, now)
	})
	if err != nil {
		return nil, err
	}

	s.tel.Logger.WithTemplateID(log.TemplateID).WithAssetID(log.AssetID).WithFields(map[string]interface{}{
		"original_date": original.String(),
		"deferred_to":   req.DeferredTo.String(),
		"reason":        string(reason),
	}).Info("PM occurrence deferred")
	s.tel.Metrics.RecordGeneration(string(engine.GenerationDeferred), string(reason))
	_ = s.tel.Events.PublishPM(telemetry.EventPMDeferred, log.TenantID, log.ID,
		fmt.Sprintf("Deferred %s to %s", original, req.DeferredTo),
		map[string]interface{}{
			"template_id": log.TemplateID,
			"asset_id":    log.AssetID,
			"reason_code": string(reason),
			"approver_id": req.ApproverID,
		})

	return d, nil
}
