package condition

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/aquaops/aquaops/pkg/engine"
	"github.com/aquaops/aquaops/pkg/stores"
	"github.com/aquaops/aquaops/pkg/telemetry"
)

// ReadingFailure is a reading that could not be ingested.
type ReadingFailure struct {
	Group   string         `json:"group"`
	Reading engine.Reading `json:"reading"`
	Code    string         `json:"code,omitempty"`
	Error   string         `json:"error"`
}

// BatchReport summarizes an IngestBatch call.
type BatchReport struct {
	Received int              `json:"received"`
	Accepted int              `json:"accepted"`
	Stale    int              `json:"stale"`
	Raised   int              `json:"raised"`
	Cleared  int              `json:"cleared"`
	Failures []ReadingFailure `json:"failures,omitempty"`

	mu sync.Mutex
}

func (r *BatchReport) record(res *IngestResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if res.Stale {
		r.Stale++
	} else {
		r.Accepted++
	}
	if res.Raised != nil {
		r.Raised++
	}
	if res.Cleared != nil {
		r.Cleared++
	}
}

func (r *BatchReport) fail(f ReadingFailure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Failures = append(r.Failures, f)
}

// groupKey is the fallback lane of a reading whose tag cannot be resolved.
func groupKey(r engine.Reading) string {
	if r.AssetID != "" {
		return r.AssetID
	}
	return "tag:" + r.TagID
}

// laneOf returns the serial lane of a reading: the asset of its tag. Readings
// addressed by tag_id and by asset and parameter land in the same lane when
// they name the same tag. Lookups are memoized in seen for the batch.
func (m *Monitor) laneOf(ctx context.Context, r engine.Reading, seen map[string]string) string {
	ref := "tag:" + r.TagID
	if r.TagID == "" {
		ref = "param:" + r.AssetID + "/" + r.Parameter
	}
	if lane, ok := seen[ref]; ok {
		return lane
	}
	lane := groupKey(r)
	if tag, err := m.resolveTag(ctx, r); err == nil {
		lane = tag.AssetID
	}
	seen[ref] = lane
	return lane
}

// IngestBatch ingests readings grouped by asset. Assets are processed
// concurrently on a bounded pool and readings of one asset serially in
// read_at order. A failing reading is audited and reported; the remaining
// readings still go through. The returned error is only set when ctx ends.
func (m *Monitor) IngestBatch(ctx context.Context, readings []engine.Reading) (*BatchReport, error) {
	report := &BatchReport{Received: len(readings)}
	if len(readings) == 0 {
		return report, nil
	}

	timer := telemetry.NewTimer()

	groups := make(map[string][]engine.Reading)
	seen := make(map[string]string)
	var order []string
	for _, r := range readings {
		k := m.laneOf(ctx, r, seen)
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], r)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Workers)

	for _, key := range order {
		key, batch := key, groups[key]
		sort.SliceStable(batch, func(i, j int) bool { return batch[i].ReadAt.Before(batch[j].ReadAt) })

		g.Go(func() error {
			for _, r := range batch {
				if err := gctx.Err(); err != nil {
					return err
				}
				res, err := m.Ingest(gctx, r)
				if err != nil {
					m.recordFailure(gctx, report, key, r, err)
					continue
				}
				report.record(res)
			}
			return nil
		})
	}

	err := g.Wait()
	m.tel.Metrics.ObserveJob("ingest_batch", timer.Duration(), err)
	m.tel.Logger.WithFields(map[string]interface{}{
		"received": report.Received,
		"accepted": report.Accepted,
		"stale":    report.Stale,
		"failed":   len(report.Failures),
		"assets":   len(order),
	}).Debug("Reading batch ingested")
	return report, err
}

func (m *Monitor) recordFailure(ctx context.Context, report *BatchReport, key string, r engine.Reading, err error) {
	degraded := engine.NewDegradedError(engine.ErrCodeIngestFailed, "reading ingest failed", err).WithResource(key)
	report.fail(ReadingFailure{
		Group:   key,
		Reading: r,
		Code:    engine.CodeOf(err),
		Error:   err.Error(),
	})
	m.tel.Logger.WithError(err).WithField("group", key).Warn("Reading ingest failed")

	e := &engine.AuditEvent{
		ID:        uuid.New().String(),
		Level:     stores.EventLevelWarning,
		Component: "condition",
		Subject:   key,
		Code:      degraded.Code,
		Message:   degraded.Error(),
		Details: map[string]interface{}{
			"tag_id":    r.TagID,
			"parameter": r.Parameter,
			"value":     r.Value,
			"cause":     engine.CodeOf(err),
		},
		Timestamp: m.clock.Now(),
	}
	if aerr := m.store.AppendEvent(ctx, e); aerr != nil {
		m.tel.Logger.WithError(aerr).Warn("Failed to append audit event")
	}
}
