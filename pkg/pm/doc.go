// Package pm generates preventive maintenance work orders from templates.
//
// A template applies to every asset of a class. Each template and asset pair
// keeps its own schedule state: the next calendar due date and the instant the
// usage meters were last baselined. A Tick evaluates every active template at
// a logical time and, for each asset, either records a missed window, creates
// one work order or does nothing.
//
// Every occurrence is recorded in the generation log, which is unique per
// template, asset and scheduled date. That uniqueness makes ticks safe to
// repeat: a second tick on the same day finds the occurrence already recorded
// and generates nothing.
//
// Time windows
//
// An occurrence due on D with tolerance T may be generated on any working day
// in [start, D+T], where start is D pushed forward past calendar exceptions.
// The cadence always advances from D, so shifted or late generations do not
// drift the schedule.
package pm
