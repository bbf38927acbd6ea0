package pm

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/aquaops/aquaops/pkg/engine"
	"github.com/aquaops/aquaops/pkg/stores"
)

// RouteStopPlan is the pending work at one stop of a route.
type RouteStopPlan struct {
	AssetID  string                  `json:"asset_id"`
	Sequence int                     `json:"sequence"`
	Logs     []*engine.GenerationLog `json:"logs"`
}

// RoutePlan is the crew visit list of a route.
type RoutePlan struct {
	Route *engine.Route           `json:"route"`
	Items []*engine.GenerationLog `json:"items"`
	Stops []RouteStopPlan         `json:"stops"`
}

// CreateRoute stores a route. Stop sequences must be unique and each asset
// may appear once.
func (s *Scheduler) CreateRoute(ctx context.Context, r engine.Route) (*engine.Route, error) {
	if r.TenantID == "" || r.Name == "" {
		return nil, engine.NewValidationError(engine.ErrCodeValidation, "routes require a tenant_id and a name")
	}
	if len(r.Stops) == 0 {
		return nil, engine.NewValidationError(engine.ErrCodeValidation, "routes require at least one stop")
	}

	seqs := make(map[int]bool, len(r.Stops))
	assets := make(map[string]bool, len(r.Stops))
	for _, stop := range r.Stops {
		if stop.AssetID == "" {
			return nil, engine.NewValidationError(engine.ErrCodeValidation, "route stops require an asset_id")
		}
		if seqs[stop.Sequence] || assets[stop.AssetID] {
			return nil, engine.NewValidationError(engine.ErrCodeValidation,
				fmt.Sprintf("duplicate route stop %d (%s)", stop.Sequence, stop.AssetID))
		}
		seqs[stop.Sequence] = true
		assets[stop.AssetID] = true
	}

	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	r.CreatedAt = s.clock.Now()
	sort.Slice(r.Stops, func(i, j int) bool { return r.Stops[i].Sequence < r.Stops[j].Sequence })

	err := s.store.WithTx(ctx, func(tx *stores.Tx) error {
		return tx.CreateRoute(ctx, &r)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetRoute returns a route with its stops.
func (s *Scheduler) GetRoute(ctx context.Context, id string) (*engine.Route, error) {
	return s.store.GetRoute(ctx, id)
}

// PlanRoute returns the pending occurrences of a route's assets, ordered by
// stop sequence and then scheduled date. It only reads; work on assets off
// the route is unaffected.
func (s *Scheduler) PlanRoute(ctx context.Context, routeID string) (*RoutePlan, error) {
	route, err := s.store.GetRoute(ctx, routeID)
	if err != nil {
		return nil, err
	}

	plan := &RoutePlan{Route: route}
	if len(route.Stops) == 0 {
		return plan, nil
	}

	ids := make([]string, 0, len(route.Stops))
	seq := make(map[string]int, len(route.Stops))
	for _, stop := range route.Stops {
		ids = append(ids, stop.AssetID)
		seq[stop.AssetID] = stop.Sequence
	}

	logs, err := s.store.ListGenerationLogs(ctx, stores.GenerationLogFilter{
		TenantID: route.TenantID,
		AssetIDs: ids,
		Statuses: []engine.GenerationStatus{engine.GenerationGenerated, engine.GenerationDeferred},
	}, engine.Page{Limit: engine.MaxPageSize})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(logs, func(i, j int) bool {
		a, b := seq[logs[i].AssetID], seq[logs[j].AssetID]
		if a != b {
			return a < b
		}
		return logs[i].ScheduledDate.Before(logs[j].ScheduledDate)
	})
	plan.Items = logs

	byAsset := make(map[string][]*engine.GenerationLog)
	for _, l := range logs {
		byAsset[l.AssetID] = append(byAsset[l.AssetID], l)
	}
	for _, stop := range route.Stops {
		plan.Stops = append(plan.Stops, RouteStopPlan{
			AssetID:  stop.AssetID,
			Sequence: stop.Sequence,
			Logs:     byAsset[stop.AssetID],
		})
	}
	return plan, nil
}
