package collab

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/aquaops/aquaops/pkg/engine"
)

// DirectoryFile is the YAML layout of a static collaborator directory.
type DirectoryFile struct {
	Assets            []engine.Asset     `yaml:"assets"`
	JobPlans          map[string]JobPlan `yaml:"job_plans"`
	Permits           map[string]bool    `yaml:"permits"`
	ApproveAllPermits bool               `yaml:"approve_all_permits"`
	Rates             map[string]string  `yaml:"penalty_rates"`
	Meters            []MeterReading     `yaml:"meters"`
}

// JobPlan is the checklist and kit of a job plan.
type JobPlan struct {
	Checklist []engine.ChecklistStep `yaml:"checklist"`
	Kit       []engine.KitLine       `yaml:"kit"`
}

// MeterReading is a cumulative meter value observed at a point in time.
type MeterReading struct {
	AssetID   string    `yaml:"asset_id"`
	MeterKind string    `yaml:"meter_kind"`
	At        time.Time `yaml:"at"`
	Value     float64   `yaml:"value"`
}

// StaticDirectory serves every collaborator port from memory. It backs
// standalone deployments (loaded from YAML) and tests.
type StaticDirectory struct {
	mu         sync.RWMutex
	assets     map[string]engine.Asset
	jobPlans   map[string]JobPlan
	permits    map[string]bool
	approveAll bool
	rates      map[string]decimal.Decimal
	meters     map[meterKey][]MeterReading
}

type meterKey struct {
	assetID   string
	meterKind string
}

var _ engine.Collaborators = (*StaticDirectory)(nil)

// NewStaticDirectory creates an empty directory.
func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{
		assets:   make(map[string]engine.Asset),
		jobPlans: make(map[string]JobPlan),
		permits:  make(map[string]bool),
		rates:    make(map[string]decimal.Decimal),
		meters:   make(map[meterKey][]MeterReading),
	}
}

// LoadStaticDirectory reads a directory from a YAML file.
func LoadStaticDirectory(path string) (*StaticDirectory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory file: %w", err)
	}
	return ParseStaticDirectory(data)
}

// ParseStaticDirectory builds a directory from YAML bytes.
func ParseStaticDirectory(data []byte) (*StaticDirectory, error) {
	var file DirectoryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse directory YAML: %w", err)
	}

	d := NewStaticDirectory()
	for _, a := range file.Assets {
		if a.ID == "" {
			return nil, fmt.Errorf("asset without id")
		}
		if err := a.Criticality.Validate(); err != nil {
			return nil, fmt.Errorf("asset %s: %w", a.ID, err)
		}
		d.PutAsset(a)
	}
	for id, jp := range file.JobPlans {
		d.PutJobPlan(id, jp)
	}
	for woID, ok := range file.Permits {
		d.SetPermit(woID, ok)
	}
	for contractID, raw := range file.Rates {
		rate, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("penalty rate for %s: %w", contractID, err)
		}
		d.SetPenaltyRate(contractID, rate)
	}
	for _, m := range file.Meters {
		d.AddMeterReading(m.AssetID, m.MeterKind, m.At, m.Value)
	}
	d.ApproveAllPermits(file.ApproveAllPermits)

	return d, nil
}

// PutAsset adds or replaces an asset.
func (d *StaticDirectory) PutAsset(a engine.Asset) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.assets[a.ID] = a
}

// PutJobPlan adds or replaces a job plan.
func (d *StaticDirectory) PutJobPlan(id string, jp JobPlan) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobPlans[id] = jp
}

// SetPermit records the permit decision for a work order.
func (d *StaticDirectory) SetPermit(workOrderID string, approved bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.permits[workOrderID] = approved
}

// ApproveAllPermits makes every permit check succeed.
func (d *StaticDirectory) ApproveAllPermits(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.approveAll = v
}

// SetPenaltyRate sets the per-minute penalty rate of a contract.
func (d *StaticDirectory) SetPenaltyRate(contractID string, rate decimal.Decimal) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rates[contractID] = rate
}

// AddMeterReading records a cumulative meter value.
func (d *StaticDirectory) AddMeterReading(assetID, meterKind string, at time.Time, value float64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := meterKey{assetID: assetID, meterKind: meterKind}
	readings := append(d.meters[key], MeterReading{AssetID: assetID, MeterKind: meterKind, At: at.UTC(), Value: value})
	sort.SliceStable(readings, func(i, j int) bool { return readings[i].At.Before(readings[j].At) })
	d.meters[key] = readings
}

// GetAsset returns the asset with the given ID.
func (d *StaticDirectory) GetAsset(_ context.Context, assetID string) (engine.Asset, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	a, ok := d.assets[assetID]
	if !ok {
		return engine.Asset{}, engine.NewNotFoundError("asset", assetID)
	}
	return a, nil
}

// ListAssets returns the assets of a class within a tenant, ordered by ID.
func (d *StaticDirectory) ListAssets(_ context.Context, tenantID, classID string) ([]engine.Asset, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []engine.Asset
	for _, a := range d.assets {
		if a.TenantID == tenantID && (classID == "" || a.ClassID == classID) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetCounterDelta returns how far a meter advanced since the given instant.
// The baseline is the last reading at or before since, or zero.
func (d *StaticDirectory) GetCounterDelta(_ context.Context, assetID, meterKind string, since time.Time) (float64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	readings := d.meters[meterKey{assetID: assetID, meterKind: meterKind}]
	if len(readings) == 0 {
		return 0, nil
	}

	baseline := 0.0
	for _, r := range readings {
		if r.At.After(since) {
			break
		}
		baseline = r.Value
	}

	delta := readings[len(readings)-1].Value - baseline
	if delta < 0 {
		return 0, nil
	}
	return delta, nil
}

// GetChecklist returns the checklist of a job plan.
func (d *StaticDirectory) GetChecklist(_ context.Context, jobPlanID string) ([]engine.ChecklistStep, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	jp, ok := d.jobPlans[jobPlanID]
	if !ok {
		return nil, engine.NewNotFoundError("job plan", jobPlanID)
	}
	return append([]engine.ChecklistStep(nil), jp.Checklist...), nil
}

// GetKit returns the kit of a job plan.
func (d *StaticDirectory) GetKit(_ context.Context, jobPlanID string) ([]engine.KitLine, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	jp, ok := d.jobPlans[jobPlanID]
	if !ok {
		return nil, engine.NewNotFoundError("job plan", jobPlanID)
	}
	return append([]engine.KitLine(nil), jp.Kit...), nil
}

// IsPermitApproved reports whether the permit for a work order is approved.
func (d *StaticDirectory) IsPermitApproved(_ context.Context, workOrderID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.approveAll || d.permits[workOrderID], nil
}

// GetPenaltyRate returns the per-minute penalty rate of a contract.
func (d *StaticDirectory) GetPenaltyRate(_ context.Context, contractID string) (decimal.Decimal, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rate, ok := d.rates[contractID]
	if !ok {
		return decimal.Zero, engine.NewNotFoundError("contract", contractID)
	}
	return rate, nil
}
