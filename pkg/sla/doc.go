// Package sla resolves SLA policies for work orders, computes response and
// resolution due times, and records breaches with contractual penalties.
//
// Breaches are append-only and recorded at most once per type per work order.
// They are detected when a work order transitions and by a periodic Sweep for
// open work orders that went quiet past their resolution due time.
package sla
