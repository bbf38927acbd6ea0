package commands

import (
	"context"
	"fmt"

	"github.com/aquaops/aquaops/pkg/collab"
	"github.com/aquaops/aquaops/pkg/compliance"
	"github.com/aquaops/aquaops/pkg/condition"
	"github.com/aquaops/aquaops/pkg/config"
	"github.com/aquaops/aquaops/pkg/engine"
	"github.com/aquaops/aquaops/pkg/lifecycle"
	"github.com/aquaops/aquaops/pkg/pm"
	"github.com/aquaops/aquaops/pkg/predictive"
	"github.com/aquaops/aquaops/pkg/sla"
	"github.com/aquaops/aquaops/pkg/stores"
	"github.com/aquaops/aquaops/pkg/telemetry"
)

// app holds the wired engine services for one command run.
type app struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	store  *stores.SQLStore
	collab engine.Collaborators
	clock  engine.Clock

	sla        *sla.Engine
	lifecycle  *lifecycle.Service
	scheduler  *pm.Scheduler
	monitor    *condition.Monitor
	evaluator  *predictive.Evaluator
	compliance *compliance.Aggregator
}

// bootstrap loads the configuration, opens and migrates the store and wires
// the services.
func bootstrap(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	store, err := stores.NewSQLStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}

	collaborators, err := newCollaborators(cfg, tel)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	clock := engine.SystemClock{}
	a := &app{
		cfg:    cfg,
		tel:    tel,
		store:  store,
		collab: collaborators,
		clock:  clock,
	}
	a.sla = sla.NewEngine(store, collaborators, clock, tel)
	a.lifecycle = lifecycle.NewService(store, collaborators, a.sla, clock, tel)
	a.scheduler = pm.NewScheduler(store, collaborators, a.lifecycle, cfg.PM, clock, tel)
	a.monitor = condition.NewMonitor(store, cfg.Condition, clock, tel)
	a.evaluator = predictive.NewEvaluator(store, collaborators, a.lifecycle, cfg.Predictive.Config, clock, tel)
	a.compliance = compliance.NewAggregator(store, clock, tel)
	return a, nil
}

func newCollaborators(cfg *config.Config, tel *telemetry.Telemetry) (engine.Collaborators, error) {
	switch cfg.Collab.Mode {
	case "gateway":
		return collab.NewHTTPGateway(cfg.Collab.Gateway, tel.Logger), nil
	default:
		dir, err := collab.LoadStaticDirectory(cfg.Collab.DirectoryFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load directory %s: %w", cfg.Collab.DirectoryFile, err)
		}
		return dir, nil
	}
}

// close flushes telemetry and closes the store.
func (a *app) close(ctx context.Context) {
	if err := a.tel.Shutdown(ctx); err != nil {
		a.tel.Logger.WithError(err).Warn("Telemetry shutdown failed")
	}
	if err := a.store.Close(); err != nil {
		a.tel.Logger.WithError(err).Warn("Failed to close store")
	}
}
