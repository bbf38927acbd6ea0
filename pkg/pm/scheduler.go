package pm

import (
	"context"
	"fmt"
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

// maxCatchUp bounds how many missed windows one asset records per tick.
const maxCatchUp = 64

// Config holds the scheduler settings.
type Config struct {
	// Workers is the number of templates evaluated concurrently.
	Workers int `mapstructure:"workers" validate:"gte=0"`

	// MaxDeferralDays is how far past its original date an occurrence may
	// be deferred without an approver.
	MaxDeferralDays int `mapstructure:"max_deferral_days" validate:"gte=0"`

	// FailureFlagThreshold is the number of consecutive failed ticks after
	// which a template is flagged.
	FailureFlagThreshold int `mapstructure:"failure_flag_threshold" validate:"gte=1"`
}

// DefaultConfig returns the default scheduler settings.
func DefaultConfig() Config {
	return Config{
		Workers:              4,
		MaxDeferralDays:      7,
		FailureFlagThreshold: 3,
	}
}

// TickContext carries the logical time of one scheduler run.
type TickContext struct {
	Now time.Time
}

// TemplateFailure describes a template whose evaluation failed in a tick.
type TemplateFailure struct {
	TemplateID   string `json:"template_id"`
	Error        string `json:"error"`
	FailureCount int    `json:"failure_count"`
	Flagged      bool   `json:"flagged"`
}

// TickReport summarizes one scheduler run.
type TickReport struct {
	Today      engine.Date       `json:"today"`
	Templates  int               `json:"templates"`
	Generated  int               `json:"generated"`
	Skipped    int               `json:"skipped"`
	Duplicates int               `json:"duplicates"`
	Failures   []TemplateFailure `json:"failures,omitempty"`
	Duration   time.Duration     `json:"duration"`

	mu sync.Mutex
}

func (r *TickReport) add(res templateResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Generated += res.generated
	r.Skipped += res.skipped
	r.Duplicates += res.duplicates
}

func (r *TickReport) fail(f TemplateFailure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Failures = append(r.Failures, f)
}

type templateResult struct {
	generated  int
	skipped    int
	duplicates int
}

// Scheduler generates PM work orders from templates and manages deferrals,
// calendar exceptions and routes.
type Scheduler struct {
	store     *stores.SQLStore
	collab    engine.Collaborators
	lifecycle *lifecycle.Service
	cfg       Config
	clock     engine.Clock
	tel       *telemetry.Telemetry
}

// NewScheduler creates a PM scheduler.
func NewScheduler(store *stores.SQLStore, collab engine.Collaborators, lc *lifecycle.Service, cfg Config, clock engine.Clock, tel *telemetry.Telemetry) *Scheduler {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxDeferralDays <= 0 {
		cfg.MaxDeferralDays = def.MaxDeferralDays
	}
	if cfg.FailureFlagThreshold <= 0 {
		cfg.FailureFlagThreshold = def.FailureFlagThreshold
	}
	if clock == nil {
		clock = engine.SystemClock{}
	}
	return &Scheduler{
		store:     store,
		collab:    collab,
		lifecycle: lc,
		cfg:       cfg,
		clock:     clock,
		tel:       tel.Component("pm"),
	}
}

// Tick evaluates every active template at tc.Now. Templates run on a bounded
// worker pool, each as an isolated unit: a failing template is counted,
// audited and reported while the others continue. Cancelling ctx stops
// dispatching further templates; work already committed stays valid.
func (s *Scheduler) Tick(ctx context.Context, tc TickContext) (*TickReport, error) {
	now := tc.Now
	if now.IsZero() {
		now = s.clock.Now()
	}
	now = now.UTC()
	today := engine.DateOf(now)

	ctx, span := s.tel.Tracer.StartTickSpan(ctx, today.String())
	defer span.End()
	timer := telemetry.NewTimer()

	templates, err := s.store.ListActiveTemplates(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	report := &TickReport{Today: today, Templates: len(templates)}

	g := new(errgroup.Group)
	g.SetLimit(s.cfg.Workers)

	var dispatchErr error
	for _, tpl := range templates {
		if err := ctx.Err(); err != nil {
			dispatchErr = err
			break
		}
		tpl := tpl
		g.Go(func() error {
			s.runTemplate(ctx, tpl, today, now, report)
			return nil
		})
	}
	_ = g.Wait()

	report.Duration = timer.Duration()
	s.tel.Metrics.ObserveTick(report.Duration)
	s.tel.Logger.WithFields(map[string]interface{}{
		"today":      today.String(),
		"templates":  report.Templates,
		"generated":  report.Generated,
		"skipped":    report.Skipped,
		"duplicates": report.Duplicates,
		"failed":     len(report.Failures),
	}).Info("PM tick finished")

	if dispatchErr != nil {
		telemetry.RecordError(span, dispatchErr)
		return report, dispatchErr
	}
	telemetry.RecordSuccess(span)
	return report, nil
}

func (s *Scheduler) runTemplate(ctx context.Context, tpl *engine.PMTemplate, today engine.Date, now time.Time, report *TickReport) {
	ctx, span := s.tel.Tracer.StartTemplateSpan(ctx, tpl.ID)
	defer span.End()
	span.SetAttributes(attribute.String("template.trigger", string(tpl.TriggerType)))

	res, err := s.processTemplate(ctx, tpl, today, now)
	report.add(res)

	if err == nil {
		telemetry.RecordSuccess(span)
		if tpl.FailureCount > 0 {
			if rerr := s.store.ResetTemplateFailures(ctx, tpl.ID, now); rerr != nil {
				s.tel.Logger.WithError(rerr).WithTemplateID(tpl.ID).Warn("Failed to reset template failure count")
			}
		}
		return
	}

	telemetry.RecordError(span, err)
	failure := TemplateFailure{TemplateID: tpl.ID, Error: err.Error()}

	count, flagged, ferr := s.store.RecordTemplateFailure(ctx, tpl.ID, err.Error(), s.cfg.FailureFlagThreshold, now)
	if ferr != nil {
		s.tel.Logger.WithError(ferr).WithTemplateID(tpl.ID).Error("Failed to record template failure")
	}
	failure.FailureCount = count
	failure.Flagged = flagged
	report.fail(failure)

	s.tel.Logger.WithError(err).WithTemplateID(tpl.ID).WithFields(map[string]interface{}{
		"failure_count": count,
		"flagged":       flagged,
	}).Error("Template evaluation failed")
	s.tel.Metrics.RecordTemplateFailure(flagged)
	_ = s.tel.Events.PublishPM(telemetry.EventTemplateFailed, tpl.TenantID, tpl.ID,
		fmt.Sprintf("Template %s failed: %v", tpl.ID, err),
		map[string]interface{}{"failure_count": count, "flagged": flagged})

	degraded := engine.NewDegradedError(engine.ErrCodeTemplateFailed,
		fmt.Sprintf("template %s evaluation failed", tpl.ID), err).WithResource(tpl.ID)
	s.audit(ctx, stores.EventLevelError, tpl.ID, degraded.Code, degraded.Error(), map[string]interface{}{
		"failure_count": count,
		"flagged":       flagged,
	})
}

// processTemplate evaluates every asset of the template's class. All assets
// are attempted; the first error is returned.
func (s *Scheduler) processTemplate(ctx context.Context, tpl *engine.PMTemplate, today engine.Date, now time.Time) (templateResult, error) {
	var res templateResult

	assets, err := s.collab.ListAssets(ctx, tpl.TenantID, tpl.AssetClassID)
	if err != nil {
		return res, fmt.Errorf("failed to list assets of class %s: %w", tpl.AssetClassID, err)
	}

	var cal *Calendar
	if tpl.TriggerType.UsesCalendar() {
		if cal, err = s.calendar(ctx, tpl.TenantID); err != nil {
			return res, fmt.Errorf("failed to load calendar: %w", err)
		}
	}

	var firstErr error
	for _, asset := range assets {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := s.evaluateAsset(ctx, tpl, asset, cal, today, now, &res); err != nil {
			s.tel.Logger.WithError(err).WithTemplateID(tpl.ID).WithAssetID(asset.ID).Warn("Asset evaluation failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("asset %s: %w", asset.ID, err)
			}
		}
	}
	return res, firstErr
}

// occurrence is one decision for a template and asset.
type occurrence struct {
	scheduled engine.Date
	reason    engine.TriggerReason
	status    engine.GenerationStatus
	skip      string
	next      *engine.ScheduleState
}

// evaluateAsset records missed windows and generates at most one occurrence
// for the asset.
func (s *Scheduler) evaluateAsset(ctx context.Context, tpl *engine.PMTemplate, asset engine.Asset, cal *Calendar, today engine.Date, now time.Time, res *templateResult) error {
	state, err := s.store.GetScheduleState(ctx, tpl.ID, asset.ID)
	if err != nil {
		return err
	}
	if state == nil {
		state = &engine.ScheduleState{
			TemplateID:      tpl.ID,
			AssetID:         asset.ID,
			NextGenDate:     tpl.NextGenDate,
			UsageBaselineAt: tpl.CreatedAt,
		}
		if state.NextGenDate.IsZero() {
			state.NextGenDate = today
		}
	}

	for i := 0; i < maxCatchUp; i++ {
		occ, err := s.decide(ctx, tpl, asset, cal, state, today, now)
		if err != nil {
			return err
		}
		if occ == nil {
			return nil
		}

		created, err := s.commit(ctx, tpl, asset, occ, now)
		if err != nil {
			if engine.IsIdempotency(err) {
				res.duplicates++
				s.recordDuplicate(ctx, tpl, asset, occ, err)
				return nil
			}
			return err
		}

		if occ.status == engine.GenerationSkipped {
			res.skipped++
			state = occ.next
			continue
		}

		res.generated++
		s.lifecycle.NotifyCreated(created)
		s.tel.Metrics.RecordGeneration(string(engine.GenerationGenerated), string(occ.reason))
		_ = s.tel.Events.PublishPM(telemetry.EventPMGenerated, tpl.TenantID, tpl.ID,
			fmt.Sprintf("Generated %s for asset %s on %s", tpl.Name, asset.ID, occ.scheduled),
			map[string]interface{}{
				"asset_id":       asset.ID,
				"scheduled_date": occ.scheduled.String(),
				"trigger_reason": string(occ.reason),
				"work_order_id":  created.ID,
			})
		return nil
	}
	return nil
}

// decide returns the next occurrence for the asset, or nil when nothing is
// due. A missed time window yields a skipped occurrence; time takes
// precedence over usage when both fire on the same tick.
func (s *Scheduler) decide(ctx context.Context, tpl *engine.PMTemplate, asset engine.Asset, cal *Calendar, state *engine.ScheduleState, today engine.Date, now time.Time) (*occurrence, error) {
	next := *state
	next.UpdatedAt = now

	if tpl.TriggerType.UsesCalendar() {
		w := ComputeWindow(state.NextGenDate, tpl.ToleranceDays, cal)
		switch {
		case w.Missed(today):
			next.NextGenDate = w.Due.AddDays(tpl.FrequencyDays)
			return &occurrence{
				scheduled: w.Start,
				reason:    engine.ReasonTime,
				status:    engine.GenerationSkipped,
				skip:      engine.SkipWindowMissed,
				next:      &next,
			}, nil
		case w.Contains(today) && !cal.IsException(today):
			next.NextGenDate = w.Due.AddDays(tpl.FrequencyDays)
			next.UsageBaselineAt = now
			return &occurrence{
				scheduled: w.Start,
				reason:    engine.ReasonTime,
				status:    engine.GenerationGenerated,
				next:      &next,
			}, nil
		}
	}

	if tpl.TriggerType.UsesMeters() {
		fired, err := s.usageFired(ctx, tpl, asset, state.UsageBaselineAt)
		if err != nil {
			return nil, err
		}
		if fired {
			next.UsageBaselineAt = now
			if tpl.TriggerType.UsesCalendar() {
				next.NextGenDate = today.AddDays(tpl.FrequencyDays)
			}
			return &occurrence{
				scheduled: today,
				reason:    engine.ReasonUsage,
				status:    engine.GenerationGenerated,
				next:      &next,
			}, nil
		}
	}

	return nil, nil
}

func (s *Scheduler) usageFired(ctx context.Context, tpl *engine.PMTemplate, asset engine.Asset, since time.Time) (bool, error) {
	for _, u := range tpl.UsageTriggers {
		delta, err := s.collab.GetCounterDelta(ctx, asset.ID, u.MeterKind, since)
		if err != nil {
			return false, fmt.Errorf("failed to read %s meter: %w", u.MeterKind, err)
		}
		if delta >= u.EffectiveThreshold() {
			return true, nil
		}
	}
	return false, nil
}

// commit writes one occurrence atomically: the log row, the work order when
// generated, the advanced schedule state and the template cache. A duplicate
// log row rolls everything back and surfaces as an idempotency error.
func (s *Scheduler) commit(ctx context.Context, tpl *engine.PMTemplate, asset engine.Asset, occ *occurrence, now time.Time) (*engine.WorkOrder, error) {
	log := &engine.GenerationLog{
		ID:            uuid.New().String(),
		TenantID:      tpl.TenantID,
		TemplateID:    tpl.ID,
		AssetID:       asset.ID,
		ScheduledDate: occ.scheduled,
		Status:        occ.status,
		TriggerReason: occ.reason,
		SkipReason:    occ.skip,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	var prepared *lifecycle.Prepared
	if occ.status == engine.GenerationGenerated {
		p, err := s.lifecycle.Prepare(ctx, lifecycle.CreateSpec{
			TenantID:           tpl.TenantID,
			Kind:               engine.KindPM,
			Priority:           tpl.Priority,
			Title:              tpl.Name,
			Description:        fmt.Sprintf("Preventive maintenance due %s (%s trigger)", occ.scheduled, occ.reason),
			AssetID:            asset.ID,
			JobPlanID:          tpl.JobPlanID,
			PlannedFor:         occ.scheduled,
			OpenedAt:           now,
			Actor:              lifecycle.SystemActor,
			SourceTemplateID:   tpl.ID,
			SourceGenerationID: log.ID,
		})
		if err != nil {
			return nil, err
		}
		prepared = p
		log.WorkOrderID = p.WorkOrder.ID
	}

	err := s.store.WithTx(ctx, func(tx *stores.Tx) error {
		if err := tx.InsertGenerationLog(ctx, log); err != nil {
			return err
		}
		if prepared != nil {
			if err := lifecycle.Persist(ctx, tx, prepared); err != nil {
				return err
			}
		}
		if err := tx.UpsertScheduleState(ctx, occ.next); err != nil {
			return err
		}
		if tpl.TriggerType.UsesCalendar() {
			return tx.RefreshTemplateNextGen(ctx, tpl.ID, now)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if occ.status == engine.GenerationSkipped {
		s.tel.Logger.WithTemplateID(tpl.ID).WithAssetID(asset.ID).
			Warnf("Window for %s missed, occurrence skipped", occ.scheduled)
		s.tel.Metrics.RecordGeneration(string(engine.GenerationSkipped), string(occ.reason))
		_ = s.tel.Events.PublishPM(telemetry.EventPMSkipped, tpl.TenantID, tpl.ID,
			fmt.Sprintf("Skipped %s for asset %s: window missed", occ.scheduled, asset.ID),
			map[string]interface{}{"asset_id": asset.ID, "scheduled_date": occ.scheduled.String()})
		return nil, nil
	}
	return prepared.WorkOrder, nil
}

func (s *Scheduler) recordDuplicate(ctx context.Context, tpl *engine.PMTemplate, asset engine.Asset, occ *occurrence, err error) {
	s.tel.Logger.WithTemplateID(tpl.ID).WithAssetID(asset.ID).
		Infof("Occurrence on %s already recorded, nothing generated", occ.scheduled)
	s.tel.Metrics.RecordGeneration("duplicate", string(occ.reason))
	s.audit(ctx, stores.EventLevelInfo, tpl.ID, engine.CodeOf(err), err.Error(), map[string]interface{}{
		"asset_id":       asset.ID,
		"scheduled_date": occ.scheduled.String(),
	})
}

// audit appends an engine event. Failures are logged only.
func (s *Scheduler) audit(ctx context.Context, level, subject, code, message string, details map[string]interface{}) {
	e := &engine.AuditEvent{
		ID:        uuid.New().String(),
		Level:     level,
		Component: "pm",
		Subject:   subject,
		Code:      code,
		Message:   message,
		Details:   details,
		Timestamp: s.clock.Now(),
	}
	if err := s.store.AppendEvent(ctx, e); err != nil {
		s.tel.Logger.WithError(err).Warn("Failed to append audit event")
	}
}

// ListGenerationLogs returns generation log rows matching the filter.
func (s *Scheduler) ListGenerationLogs(ctx context.Context, f stores.GenerationLogFilter, page engine.Page) ([]*engine.GenerationLog, error) {
	return s.store.ListGenerationLogs(ctx, f, page)
}

// GetGenerationLog returns a generation log row and its deferrals.
func (s *Scheduler) GetGenerationLog(ctx context.Context, id string) (*engine.GenerationLog, []engine.Deferral, error) {
	log, err := s.store.GetGenerationLog(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	deferrals, err := s.store.ListDeferrals(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return log, deferrals, nil
}
