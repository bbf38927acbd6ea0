// Package lifecycle implements the work order state machine:
// draft, approved, assigned, in_progress, qa, completed, with cancellation
// from any open state and an on_hold detour that returns to where it left.
//
// Creation is split into Prepare and Persist so the PM scheduler and the
// predictive evaluator can write a work order inside their own transaction.
package lifecycle
