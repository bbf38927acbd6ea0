package engine

import (
	"fmt"
	"strings"
)

// parseEnum matches s against a closed set of values. Unknown values are
// rejected with an UNKNOWN_ENUM validation error naming the field.
func parseEnum[T ~string](field, s string, values ...T) (T, error) {
	for _, v := range values {
		if string(v) == s {
			return v, nil
		}
	}
	allowed := make([]string, len(values))
	for i, v := range values {
		allowed[i] = string(v)
	}
	var zero T
	return zero, NewValidationError(ErrCodeUnknownEnum,
		fmt.Sprintf("unknown %s %q (allowed: %s)", field, s, strings.Join(allowed, ", "))).
		WithDetail("field", field)
}

// AssetCriticality is the criticality of an asset as reported by the asset directory.
type AssetCriticality string

const (
	CriticalityLow    AssetCriticality = "low"
	CriticalityMedium AssetCriticality = "medium"
	CriticalityHigh   AssetCriticality = "high"
)

// ParseAssetCriticality parses an asset criticality.
func ParseAssetCriticality(s string) (AssetCriticality, error) {
	return parseEnum("asset criticality", s, CriticalityLow, CriticalityMedium, CriticalityHigh)
}

// Validate checks if the criticality is valid.
func (c AssetCriticality) Validate() error {
	_, err := ParseAssetCriticality(string(c))
	return err
}

// TriggerType selects how a PM template decides when work is due.
type TriggerType string

const (
	TriggerTime     TriggerType = "time"
	TriggerUsage    TriggerType = "usage"
	TriggerCombined TriggerType = "combined"
)

// ParseTriggerType parses a template trigger type.
func ParseTriggerType(s string) (TriggerType, error) {
	return parseEnum("trigger type", s, TriggerTime, TriggerUsage, TriggerCombined)
}

// UsesCalendar reports whether the trigger type has a time dimension.
func (t TriggerType) UsesCalendar() bool {
	return t == TriggerTime || t == TriggerCombined
}

// UsesMeters reports whether the trigger type has a usage dimension.
func (t TriggerType) UsesMeters() bool {
	return t == TriggerUsage || t == TriggerCombined
}

// GenerationStatus is the status of a PM generation log row.
type GenerationStatus string

const (
	// GenerationGenerated indicates a work order was created for the due date.
	GenerationGenerated GenerationStatus = "generated"

	// GenerationDeferred indicates the work was moved by one or more deferrals.
	GenerationDeferred GenerationStatus = "deferred"

	// GenerationSkipped indicates the due date passed without work, or the work order was cancelled.
	GenerationSkipped GenerationStatus = "skipped"

	// GenerationCompleted indicates the work order completed. The row is immutable afterwards.
	GenerationCompleted GenerationStatus = "completed"
)

// ParseGenerationStatus parses a generation log status.
func ParseGenerationStatus(s string) (GenerationStatus, error) {
	return parseEnum("generation status", s,
		GenerationGenerated, GenerationDeferred, GenerationSkipped, GenerationCompleted)
}

// IsPending returns true if the row still awaits execution.
func (s GenerationStatus) IsPending() bool {
	return s == GenerationGenerated || s == GenerationDeferred
}

// TriggerReason records which dimension caused a generation.
type TriggerReason string

const (
	ReasonTime  TriggerReason = "time"
	ReasonUsage TriggerReason = "usage"
)

// DeferralReason is the closed set of reasons a PM occurrence may be deferred.
type DeferralReason string

const (
	DeferralResourceUnavailable DeferralReason = "resource_unavailable"
	DeferralPartsShortage       DeferralReason = "parts_shortage"
	DeferralOperationalPriority DeferralReason = "operational_priority"
	DeferralWeather             DeferralReason = "weather"
)

// ParseDeferralReason parses a deferral reason code.
func ParseDeferralReason(s string) (DeferralReason, error) {
	return parseEnum("deferral reason", s,
		DeferralResourceUnavailable, DeferralPartsShortage, DeferralOperationalPriority, DeferralWeather)
}

// WorkOrderKind is the kind of a work order.
type WorkOrderKind string

const (
	KindPM        WorkOrderKind = "pm"
	KindCM        WorkOrderKind = "cm"
	KindEmergency WorkOrderKind = "emergency"
	KindProject   WorkOrderKind = "project"
)

// ParseWorkOrderKind parses a work order kind.
func ParseWorkOrderKind(s string) (WorkOrderKind, error) {
	return parseEnum("work order kind", s, KindPM, KindCM, KindEmergency, KindProject)
}

// IsBreakdown returns true for reactive work kinds.
func (k WorkOrderKind) IsBreakdown() bool {
	return k == KindCM || k == KindEmergency
}

// Priority is the priority of a work order.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// ParsePriority parses a work order priority.
func ParsePriority(s string) (Priority, error) {
	return parseEnum("priority", s, PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical)
}

// WorkOrderStatus is the lifecycle state of a work order.
type WorkOrderStatus string

const (
	StatusDraft      WorkOrderStatus = "draft"
	StatusApproved   WorkOrderStatus = "approved"
	StatusAssigned   WorkOrderStatus = "assigned"
	StatusInProgress WorkOrderStatus = "in_progress"
	StatusQA         WorkOrderStatus = "qa"
	StatusCompleted  WorkOrderStatus = "completed"
	StatusCancelled  WorkOrderStatus = "cancelled"
	StatusOnHold     WorkOrderStatus = "on_hold"
)

// ParseWorkOrderStatus parses a work order status.
func ParseWorkOrderStatus(s string) (WorkOrderStatus, error) {
	return parseEnum("work order status", s,
		StatusDraft, StatusApproved, StatusAssigned, StatusInProgress,
		StatusQA, StatusCompleted, StatusCancelled, StatusOnHold)
}

// IsTerminal returns true if no further transitions are possible.
func (s WorkOrderStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// BreachType distinguishes the two SLA clocks.
type BreachType string

const (
	BreachResponse   BreachType = "response"
	BreachResolution BreachType = "resolution"
)

// ParseBreachType parses an SLA breach type.
func ParseBreachType(s string) (BreachType, error) {
	return parseEnum("breach type", s, BreachResponse, BreachResolution)
}

// HealthStatus is the health of a condition tag derived from its thresholds.
type HealthStatus string

const (
	HealthNormal   HealthStatus = "normal"
	HealthWarning  HealthStatus = "warning"
	HealthAlarm    HealthStatus = "alarm"
	HealthCritical HealthStatus = "critical"
)

// IsAlarm returns true for the states that raise an alarm.
func (h HealthStatus) IsAlarm() bool {
	return h == HealthAlarm || h == HealthCritical
}

// AlarmState is the state of a condition alarm.
type AlarmState string

const (
	AlarmRaised       AlarmState = "raised"
	AlarmAcknowledged AlarmState = "acknowledged"
	AlarmCleared      AlarmState = "cleared"
)

// ParseAlarmState parses an alarm state.
func ParseAlarmState(s string) (AlarmState, error) {
	return parseEnum("alarm state", s, AlarmRaised, AlarmAcknowledged, AlarmCleared)
}

// Operator compares a reading against a rule condition value.
type Operator string

const (
	OpGT  Operator = "gt"
	OpGTE Operator = "gte"
	OpLT  Operator = "lt"
	OpLTE Operator = "lte"
	OpEQ  Operator = "eq"
	OpNEQ Operator = "neq"
)

// ParseOperator parses a condition operator.
func ParseOperator(s string) (Operator, error) {
	return parseEnum("operator", s, OpGT, OpGTE, OpLT, OpLTE, OpEQ, OpNEQ)
}

// Holds reports whether value satisfies the operator against target.
func (o Operator) Holds(value, target float64) bool {
	switch o {
	case OpGT:
		return value > target
	case OpGTE:
		return value >= target
	case OpLT:
		return value < target
	case OpLTE:
		return value <= target
	case OpEQ:
		return value == target
	case OpNEQ:
		return value != target
	default:
		return false
	}
}

// TriggerStatus is the outcome of a predictive rule firing.
type TriggerStatus string

const (
	TriggerWOCreated  TriggerStatus = "wo_created"
	TriggerWOExists   TriggerStatus = "wo_exists"
	TriggerSuppressed TriggerStatus = "suppressed"
)

// ChecklistResult is the recorded outcome of a checklist step.
type ChecklistResult string

const (
	ResultPending ChecklistResult = "pending"
	ResultPass    ChecklistResult = "pass"
	ResultFail    ChecklistResult = "fail"
	ResultNA      ChecklistResult = "na"
)

// ParseChecklistResult parses a checklist result.
func ParseChecklistResult(s string) (ChecklistResult, error) {
	return parseEnum("checklist result", s, ResultPending, ResultPass, ResultFail, ResultNA)
}

// IsTerminal returns true once a result has been recorded.
func (r ChecklistResult) IsTerminal() bool {
	return r == ResultPass || r == ResultFail || r == ResultNA
}
