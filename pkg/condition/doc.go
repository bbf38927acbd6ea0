// Package condition tracks the health of monitored asset parameters.
//
// Each condition tag carries optional lo_lo, lo, hi and hi_hi limits. Every
// reading is appended to the tag's history; readings that are not older than
// the tag's last reading also move its current value and health. Entering the
// alarm or critical band raises an alarm, and returning to normal clears it.
//
// IngestBatch fans a batch out by asset so that readings of one asset are
// applied in order while different assets proceed in parallel.
package condition
