// Package worker runs the engine's periodic jobs: the PM tick, predictive
// rule evaluation, the SLA breach sweep and the compliance rollup.
//
// Every job is re-entrant and keeps its state in the store, so several
// processes may run the same jobs; unique indexes keep their writes from
// colliding.
package worker
