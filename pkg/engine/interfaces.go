package engine

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// AssetDirectory resolves assets and their meters.
type AssetDirectory interface {
	// GetAsset returns the asset with the given ID.
	GetAsset(ctx context.Context, assetID string) (Asset, error)

	// ListAssets returns the assets of a class within a tenant.
	ListAssets(ctx context.Context, tenantID, classID string) ([]Asset, error)

	// GetCounterDelta returns how far a meter advanced since the given instant.
	GetCounterDelta(ctx context.Context, assetID, meterKind string, since time.Time) (float64, error)
}

// JobPlanStore supplies the checklist and kit of a job plan.
type JobPlanStore interface {
	GetChecklist(ctx context.Context, jobPlanID string) ([]ChecklistStep, error)
	GetKit(ctx context.Context, jobPlanID string) ([]KitLine, error)
}

// PermitChecker reports whether the permit for a work order is approved.
type PermitChecker interface {
	IsPermitApproved(ctx context.Context, workOrderID string) (bool, error)
}

// ContractStore supplies contractual penalty rates, per minute of SLA variance.
type ContractStore interface {
	GetPenaltyRate(ctx context.Context, contractID string) (decimal.Decimal, error)
}

// Collaborators bundles every external port. A single adapter commonly
// implements all of them.
type Collaborators interface {
	AssetDirectory
	JobPlanStore
	PermitChecker
	ContractStore
}

// Clock supplies the current instant. Components take a Clock instead of
// calling time.Now so ticks and tests run against a logical time.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock always returns the same instant.
type FixedClock struct {
	T time.Time
}

// Now returns the fixed instant.
func (c FixedClock) Now() time.Time { return c.T }
