package predictive

import (
	"context"
	"time"

	"github.com/aquaops/aquaops/pkg/engine"
)

// ReadingSource supplies the reading history of a tag.
type ReadingSource interface {
	ListReadings(ctx context.Context, tagID string, from, to time.Time) ([]engine.ReadingSample, error)
	LatestReadingAtOrBefore(ctx context.Context, tagID string, t time.Time) (*engine.ReadingSample, error)
}

// HoldResult is the outcome of checking one condition.
type HoldResult struct {
	Holds bool
	// Value is the latest value at or before the evaluation instant.
	Value float64
	Known bool
}

// CheckSustained reports whether c held continuously over
// [now - duration, now] for the tag. Values are sample-and-hold: each
// reading stands until the next one. The window must start no earlier than
// resetAt, and the value at its start must be known from a reading.
func CheckSustained(ctx context.Context, src ReadingSource, tagID string, c engine.Condition, now time.Time, resetAt *time.Time) (HoldResult, error) {
	var res HoldResult

	latest, err := src.LatestReadingAtOrBefore(ctx, tagID, now)
	if err != nil {
		return res, err
	}
	if latest == nil {
		return res, nil
	}
	res.Known = true
	res.Value = latest.Value

	start := now.Add(-time.Duration(c.DurationMinutes) * time.Minute)
	if resetAt != nil && start.Before(*resetAt) {
		return res, nil
	}

	if c.DurationMinutes == 0 {
		res.Holds = c.Operator.Holds(latest.Value, c.Value)
		return res, nil
	}

	head, err := src.LatestReadingAtOrBefore(ctx, tagID, start)
	if err != nil {
		return res, err
	}
	if head == nil || !c.Operator.Holds(head.Value, c.Value) {
		return res, nil
	}

	samples, err := src.ListReadings(ctx, tagID, start, now)
	if err != nil {
		return res, err
	}
	for _, s := range samples {
		if !c.Operator.Holds(s.Value, c.Value) {
			return res, nil
		}
	}

	res.Holds = true
	return res, nil
}
