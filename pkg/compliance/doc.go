// Package compliance rolls PM execution up into per-tenant period metrics.
//
// A rollup counts the generation log rows scheduled in the period and how
// their work ended, plus the breakdown work opened in the period that did not
// come from a PM template. compliance_pct is the ratio of on-time completions
// to scheduled occurrences, between 0 and 1. pm_breakdown_ratio is completed PM
// work over breakdowns and stays null when there were none.
package compliance
