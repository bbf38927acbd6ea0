// Package engine provides the core types and interfaces for the AquaOps
// maintenance orchestration engine.
//
// # Overview
//
// The engine decides when preventive maintenance must happen, generates and
// tracks work orders through their lifecycle, enforces service level
// agreements and reacts to sensor conditions by spawning corrective work.
// Data flows through the components as follows:
//
//	Condition Monitor -> Predictive Rule Evaluator -> Work Order Lifecycle
//	                                                    ^        |
//	PM Scheduler ---------------------------------------+        v
//	                                                        SLA Engine -> Compliance Aggregator
//
// # Core Domain Types
//
//   - PMTemplate, ScheduleState, GenerationLog, Deferral: preventive schedules
//   - WorkOrder, ChecklistItem, Transition: the work order lifecycle
//   - SLAPolicy, SLABreach: response and resolution targets
//   - ConditionTag, Reading, Alarm: condition monitoring
//   - PredictiveRule, PredictiveTrigger: rule-driven corrective work
//   - ComplianceMetric: derived PM compliance rollups
//
// Every enumerated field is a closed string type with a Parse function that
// rejects unknown values with an UNKNOWN_ENUM validation error.
//
// # Collaborators
//
// Assets, job plans, permits and service contracts live outside the engine and
// are consumed through AssetDirectory, JobPlanStore, PermitChecker and
// ContractStore.
//
// # Error Handling
//
// Errors are classified for handling:
//
//   - Validation: the request is rejected with no side effects
//   - Idempotency: the request was already satisfied and is a logged no-op
//   - Conflict: a concurrent modification; the caller re-reads and retries
//   - Degraded: one unit of a batch failed, the batch continued
//   - Permanent: not found, collaborator or storage failure
//
// Use errors.Is with the sentinel values (ErrPermitRequired, ErrVersionConflict,
// ...) or the Is* helpers to branch on a class.
package engine
