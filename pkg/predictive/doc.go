// Package predictive turns sustained condition readings into corrective work.
//
// A rule lists conditions over tag parameters, each an operator, a threshold
// and an optional duration in minutes. A rule fires for an asset when every
// condition has held continuously for its duration, judged against the
// stored reading history with each reading standing until the next one.
//
// Each firing is recorded as a trigger:
//
//	wo_created  a new cm or emergency work order was opened
//	wo_exists   an open work order from the same rule already covers the asset
//	suppressed  the rule is still inside the cooldown of its last firing
//
// Firing resets the rule's clock for that asset, so a condition must be
// sustained again from scratch before the next firing. New work orders are
// linked to the open alarms of the tags the rule reads.
//
// Rules can be managed through the Evaluator or loaded from YAML files with a
// Loader, which can watch the files and reload them on change.
package predictive
