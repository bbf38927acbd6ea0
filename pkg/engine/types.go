package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

// Asset is the view of an asset supplied by the asset directory.
type Asset struct {
	ID          string           `json:"id" yaml:"id"`
	TenantID    string           `json:"tenant_id" yaml:"tenant_id"`
	ClassID     string           `json:"class_id" yaml:"class_id"`
	Criticality AssetCriticality `json:"criticality" yaml:"criticality"`
}

// ChecklistStep is one step of a job plan checklist.
type ChecklistStep struct {
	Step      string `json:"step" yaml:"step"`
	Mandatory bool   `json:"mandatory" yaml:"mandatory"`
}

// KitLine is one part line of a job plan kit.
type KitLine struct {
	Part string  `json:"part" yaml:"part"`
	Qty  float64 `json:"qty" yaml:"qty"`
}

// UsageTrigger fires a PM template when a meter advances past a threshold.
type UsageTrigger struct {
	MeterKind    string  `json:"meter_kind" yaml:"meter_kind"`
	Threshold    float64 `json:"threshold" yaml:"threshold"`
	TolerancePct float64 `json:"tolerance_pct" yaml:"tolerance_pct"`
}

// EffectiveThreshold returns the delta at which the trigger fires.
func (u UsageTrigger) EffectiveThreshold() float64 {
	return u.Threshold * (1 - u.TolerancePct/100)
}

// PMTemplate describes recurring preventive work for every asset of a class.
type PMTemplate struct {
	ID            string         `json:"id"`
	TenantID      string         `json:"tenant_id"`
	AssetClassID  string         `json:"asset_class_id"`
	Name          string         `json:"name"`
	TriggerType   TriggerType    `json:"trigger_type"`
	FrequencyDays int            `json:"frequency_days"`
	ToleranceDays int            `json:"tolerance_days"`
	UsageTriggers []UsageTrigger `json:"usage_triggers,omitempty"`
	JobPlanID     string         `json:"job_plan_id"`
	Priority      Priority       `json:"priority"`

	// NextGenDate seeds new assets and caches the earliest per-asset due date.
	NextGenDate Date `json:"next_gen_date"`
	IsActive    bool `json:"is_active"`

	FailureCount int    `json:"failure_count"`
	LastError    string `json:"last_error,omitempty"`
	Flagged      bool   `json:"flagged"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ScheduleState holds the per-asset baselines of a template.
type ScheduleState struct {
	TemplateID      string    `json:"template_id"`
	AssetID         string    `json:"asset_id"`
	NextGenDate     Date      `json:"next_gen_date"`
	UsageBaselineAt time.Time `json:"usage_baseline_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// GenerationLog records one PM occurrence for a template and asset.
type GenerationLog struct {
	ID            string           `json:"id"`
	TenantID      string           `json:"tenant_id"`
	TemplateID    string           `json:"template_id"`
	AssetID       string           `json:"asset_id"`
	ScheduledDate Date             `json:"scheduled_date"`
	Status        GenerationStatus `json:"status"`
	WorkOrderID   string           `json:"work_order_id,omitempty"`
	TriggerReason TriggerReason    `json:"trigger_reason"`
	SkipReason    string           `json:"skip_reason,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Skip reasons recorded on generation logs.
const (
	SkipWindowMissed       = "window_missed"
	SkipWorkOrderCancelled = "work_order_cancelled"
)

// Deferral moves a PM occurrence to a later date.
type Deferral struct {
	ID              string         `json:"id"`
	GenerationLogID string         `json:"generation_log_id"`
	OriginalDate    Date           `json:"original_date"`
	DeferredTo      Date           `json:"deferred_to"`
	ReasonCode      DeferralReason `json:"reason_code"`
	ApproverID      string         `json:"approver_id,omitempty"`
	RequestedBy     string         `json:"requested_by"`
	CreatedAt       time.Time      `json:"created_at"`
}

// CalendarException is a non-working day for a tenant.
type CalendarException struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenant_id"`
	Date        Date   `json:"date"`
	Recurring   bool   `json:"recurring"`
	Description string `json:"description,omitempty"`
}

// Route groups assets into an ordered crew visit list.
type Route struct {
	ID        string      `json:"id"`
	TenantID  string      `json:"tenant_id"`
	Name      string      `json:"name"`
	Crew      string      `json:"crew,omitempty"`
	Stops     []RouteStop `json:"stops"`
	CreatedAt time.Time   `json:"created_at"`
}

// RouteStop is one asset of a route.
type RouteStop struct {
	AssetID  string `json:"asset_id"`
	Sequence int    `json:"sequence"`
}

// WorkOrder is a unit of maintenance work.
type WorkOrder struct {
	ID               string           `json:"id"`
	TenantID         string           `json:"tenant_id"`
	Kind             WorkOrderKind    `json:"kind"`
	Priority         Priority         `json:"priority"`
	Status           WorkOrderStatus  `json:"status"`
	Title            string           `json:"title"`
	Description      string           `json:"description,omitempty"`
	AssetID          string           `json:"asset_id,omitempty"`
	AssetCriticality AssetCriticality `json:"asset_criticality,omitempty"`
	JobPlanID        string           `json:"job_plan_id,omitempty"`

	SLAPolicyID   int64      `json:"sla_policy_id,omitempty"`
	OpenedAt      time.Time  `json:"opened_at"`
	ResponseDue   *time.Time `json:"response_due,omitempty"`
	ResolutionDue *time.Time `json:"resolution_due,omitempty"`
	PlannedFor    Date       `json:"planned_for"`

	RequiresPermit bool   `json:"requires_permit"`
	ContractID     string `json:"contract_id,omitempty"`

	AssignedTo  string     `json:"assigned_to,omitempty"`
	AssignedAt  *time.Time `json:"assigned_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	QABy        string     `json:"qa_by,omitempty"`
	QAAt        *time.Time `json:"qa_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`

	// HoldFrom is the state an on_hold work order returns to.
	HoldFrom WorkOrderStatus `json:"hold_from,omitempty"`

	SourceTemplateID   string `json:"source_template_id,omitempty"`
	SourceGenerationID string `json:"source_generation_id,omitempty"`
	SourceRuleID       string `json:"source_rule_id,omitempty"`

	LaborCost decimal.Decimal `json:"labor_cost"`
	PartsCost decimal.Decimal `json:"parts_cost"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DueAt returns the resolution due time, the work order's overall due date.
func (w *WorkOrder) DueAt() *time.Time {
	return w.ResolutionDue
}

// IsOpen returns true while the work order is not terminal.
func (w *WorkOrder) IsOpen() bool {
	return !w.Status.IsTerminal()
}

// ChecklistItem is a job plan step instantiated on a work order.
type ChecklistItem struct {
	WorkOrderID string          `json:"work_order_id"`
	Seq         int             `json:"seq"`
	Step        string          `json:"step"`
	Mandatory   bool            `json:"mandatory"`
	Result      ChecklistResult `json:"result"`
	RecordedBy  string          `json:"recorded_by,omitempty"`
	RecordedAt  *time.Time      `json:"recorded_at,omitempty"`
}

// WorkOrderPart is a kit line copied onto a work order.
type WorkOrderPart struct {
	WorkOrderID string  `json:"work_order_id"`
	Line        int     `json:"line"`
	Part        string  `json:"part"`
	Qty         float64 `json:"qty"`
}

// Transition is an immutable record of a work order status change.
// From is empty for the creation record.
type Transition struct {
	ID          string          `json:"id"`
	WorkOrderID string          `json:"work_order_id"`
	From        WorkOrderStatus `json:"from_status,omitempty"`
	To          WorkOrderStatus `json:"to_status"`
	Actor       string          `json:"actor"`
	At          time.Time       `json:"at"`
	Notes       string          `json:"notes,omitempty"`
}

// SLAPolicy maps work order attributes to response and resolution targets.
// Nil match fields are wildcards.
type SLAPolicy struct {
	ID                int64             `json:"id"`
	TenantID          string            `json:"tenant_id"`
	WOType            *WorkOrderKind    `json:"wo_type,omitempty"`
	Priority          *Priority         `json:"priority,omitempty"`
	AssetCriticality  *AssetCriticality `json:"asset_criticality,omitempty"`
	ResponseMinutes   int               `json:"response_minutes"`
	ResolutionMinutes int               `json:"resolution_minutes"`
	IsActive          bool              `json:"is_active"`
	CreatedAt         time.Time         `json:"created_at"`
}

// Specificity returns the number of non-wildcard match fields.
func (p *SLAPolicy) Specificity() int {
	n := 0
	if p.WOType != nil {
		n++
	}
	if p.Priority != nil {
		n++
	}
	if p.AssetCriticality != nil {
		n++
	}
	return n
}

// SLABreach is an append-only record of a missed SLA target.
type SLABreach struct {
	ID              string          `json:"id"`
	WorkOrderID     string          `json:"work_order_id"`
	PolicyID        int64           `json:"policy_id"`
	Type            BreachType      `json:"breach_type"`
	DueAt           time.Time       `json:"due_at"`
	DetectedAt      time.Time       `json:"detected_at"`
	VarianceMinutes int64           `json:"variance_minutes"`
	PenaltyAmount   decimal.Decimal `json:"penalty_amount"`
	Waived          bool            `json:"waived"`
	WaivedBy        string          `json:"waived_by,omitempty"`
	WaivedAt        *time.Time      `json:"waived_at,omitempty"`
	WaiveReason     string          `json:"waive_reason,omitempty"`
}

// Thresholds are the optional alarm limits of a condition tag.
type Thresholds struct {
	LoLo *float64 `json:"lo_lo,omitempty" yaml:"lo_lo,omitempty"`
	Lo   *float64 `json:"lo,omitempty" yaml:"lo,omitempty"`
	Hi   *float64 `json:"hi,omitempty" yaml:"hi,omitempty"`
	HiHi *float64 `json:"hi_hi,omitempty" yaml:"hi_hi,omitempty"`
}

// ConditionTag is a monitored parameter of an asset.
type ConditionTag struct {
	ID            string       `json:"id"`
	TenantID      string       `json:"tenant_id"`
	AssetID       string       `json:"asset_id"`
	Parameter     string       `json:"parameter"`
	Unit          string       `json:"unit,omitempty"`
	Thresholds    Thresholds   `json:"thresholds"`
	LastValue     *float64     `json:"last_value,omitempty"`
	LastReadingAt *time.Time   `json:"last_reading_at,omitempty"`
	Health        HealthStatus `json:"health_status"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Reading is a single sensor sample. TagID takes precedence; otherwise the
// tag is resolved from AssetID and Parameter.
type Reading struct {
	TagID     string    `json:"tag_id,omitempty"`
	AssetID   string    `json:"asset_id,omitempty"`
	Parameter string    `json:"parameter,omitempty"`
	Value     float64   `json:"value"`
	ReadAt    time.Time `json:"read_at"`
}

// ReadingSample is a stored reading of a tag.
type ReadingSample struct {
	TagID  string    `json:"tag_id"`
	Value  float64   `json:"value"`
	ReadAt time.Time `json:"read_at"`
}

// Alarm is raised when a tag enters the alarm or critical band.
type Alarm struct {
	ID             string       `json:"id"`
	TagID          string       `json:"tag_id"`
	AssetID        string       `json:"asset_id"`
	Severity       HealthStatus `json:"severity"`
	State          AlarmState   `json:"state"`
	RaisedAt       time.Time    `json:"raised_at"`
	AcknowledgedBy string       `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time   `json:"acknowledged_at,omitempty"`
	ClearedAt      *time.Time   `json:"cleared_at,omitempty"`
	TriggerValue   float64      `json:"trigger_value"`
	WorkOrderID    string       `json:"work_order_id,omitempty"`
}

// Condition is one clause of a predictive rule. All clauses must hold.
type Condition struct {
	Parameter       string   `json:"parameter" yaml:"parameter" validate:"required"`
	Operator        Operator `json:"operator" yaml:"operator" validate:"required,oneof=gt gte lt lte eq neq"`
	Value           float64  `json:"value" yaml:"value"`
	DurationMinutes int      `json:"duration_minutes" yaml:"duration_minutes" validate:"gte=0"`
}

// PredictiveRule spawns corrective work when its conditions hold.
type PredictiveRule struct {
	ID              string        `json:"id"`
	TenantID        string        `json:"tenant_id"`
	AssetClassID    string        `json:"asset_class_id,omitempty"`
	Name            string        `json:"name"`
	Conditions      []Condition   `json:"conditions"`
	JobPlanID       string        `json:"job_plan_id,omitempty"`
	WOPriority      Priority      `json:"wo_priority"`
	WOKind          WorkOrderKind `json:"wo_kind"`
	CooldownMinutes int           `json:"cooldown_minutes"`
	IsActive        bool          `json:"is_active"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Parameters returns the distinct parameters referenced by the rule.
func (r *PredictiveRule) Parameters() []string {
	seen := make(map[string]bool, len(r.Conditions))
	params := make([]string, 0, len(r.Conditions))
	for _, c := range r.Conditions {
		if !seen[c.Parameter] {
			seen[c.Parameter] = true
			params = append(params, c.Parameter)
		}
	}
	return params
}

// PredictiveTrigger records every firing of a rule for an asset.
type PredictiveTrigger struct {
	ID          string             `json:"id"`
	RuleID      string             `json:"rule_id"`
	AssetID     string             `json:"asset_id"`
	Status      TriggerStatus      `json:"status"`
	WorkOrderID string             `json:"work_order_id,omitempty"`
	Snapshot    map[string]float64 `json:"snapshot"`
	FiredAt     time.Time          `json:"fired_at"`
}

// ComplianceMetric is a derived PM compliance rollup for one tenant and period.
type ComplianceMetric struct {
	TenantID          string    `json:"tenant_id"`
	PeriodStart       Date      `json:"period_start"`
	PeriodEnd         Date      `json:"period_end"`
	PMScheduled       int       `json:"pm_scheduled"`
	PMCompletedOnTime int       `json:"pm_completed_on_time"`
	PMCompletedLate   int       `json:"pm_completed_late"`
	PMDeferred        int       `json:"pm_deferred"`
	PMSkipped         int       `json:"pm_skipped"`
	BreakdownWO       int       `json:"breakdown_wo"`
	CompliancePct     float64   `json:"compliance_pct"`
	BreakdownRatio    *float64  `json:"pm_breakdown_ratio"`
	ComputedAt        time.Time `json:"computed_at"`
}

// AuditEvent records a rejected action or a degraded-but-continuing failure.
type AuditEvent struct {
	ID        string                 `json:"id"`
	Level     string                 `json:"level"`
	Component string                 `json:"component"`
	Subject   string                 `json:"subject,omitempty"`
	Code      string                 `json:"code,omitempty"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Page bounds a list query.
type Page struct {
	Limit  int `json:"limit" form:"limit"`
	Offset int `json:"offset" form:"offset"`
}

// Page size bounds.
const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// Normalize applies the default and maximum page size.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageSize
	}
	if p.Limit > MaxPageSize {
		p.Limit = MaxPageSize
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}
