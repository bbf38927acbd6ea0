package predictive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/aquaops/aquaops/pkg/engine"
	"github.com/aquaops/aquaops/pkg/telemetry"
)

// RuleFile is the YAML layout of a rule file.
type RuleFile struct {
	Rules []RuleDef `yaml:"rules" validate:"required,min=1,dive"`
}

// RuleDef declares one predictive rule.
type RuleDef struct {
	TenantID        string               `yaml:"tenant_id" validate:"required"`
	Name            string               `yaml:"name" validate:"required"`
	AssetClassID    string               `yaml:"asset_class_id"`
	Conditions      []engine.Condition   `yaml:"conditions" validate:"required,min=1,dive"`
	JobPlanID       string               `yaml:"job_plan_id"`
	Priority        engine.Priority      `yaml:"priority" validate:"required"`
	Kind            engine.WorkOrderKind `yaml:"kind"`
	CooldownMinutes int                  `yaml:"cooldown_minutes" validate:"gte=0"`

	// Active defaults to true.
	Active *bool `yaml:"active"`
}

// Rule converts the definition to an engine rule.
func (d RuleDef) Rule() engine.PredictiveRule {
	active := true
	if d.Active != nil {
		active = *d.Active
	}
	kind := d.Kind
	if kind == "" {
		kind = engine.KindCM
	}
	return engine.PredictiveRule{
		TenantID:        d.TenantID,
		AssetClassID:    d.AssetClassID,
		Name:            d.Name,
		Conditions:      d.Conditions,
		JobPlanID:       d.JobPlanID,
		WOPriority:      d.Priority,
		WOKind:          kind,
		CooldownMinutes: d.CooldownMinutes,
		IsActive:        active,
	}
}

// Loader reads rule files and stores their rules through an Evaluator.
type Loader struct {
	evaluator *Evaluator
	validate  *validator.Validate
	logger    *telemetry.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

// NewLoader creates a rule loader.
func NewLoader(evaluator *Evaluator, logger *telemetry.Logger) *Loader {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Loader{
		evaluator: evaluator,
		validate:  validator.New(),
		logger:    logger.NewComponentLogger("rule-loader"),
	}
}

// ParseRules decodes and validates a rule file.
func (l *Loader) ParseRules(data []byte) ([]engine.PredictiveRule, error) {
	var file RuleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, engine.NewValidationError(engine.ErrCodeValidation, fmt.Sprintf("failed to parse rule file: %v", err))
	}
	if err := l.validate.Struct(file); err != nil {
		return nil, engine.NewValidationError(engine.ErrCodeMalformedCondition, fmt.Sprintf("invalid rule file: %v", err))
	}

	rules := make([]engine.PredictiveRule, 0, len(file.Rules))
	for _, def := range file.Rules {
		r := def.Rule()
		if err := ValidateRule(&r); err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// LoadFromPaths reads every .yaml or .yml file under the given files or
// directories. Unreadable or invalid files fail the load.
func (l *Loader) LoadFromPaths(paths []string) ([]engine.PredictiveRule, error) {
	var all []engine.PredictiveRule
	for _, path := range paths {
		files, err := ruleFiles(path)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			data, err := os.ReadFile(f)
			if err != nil {
				return nil, fmt.Errorf("failed to read rule file %s: %w", f, err)
			}
			rules, err := l.ParseRules(data)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", f, err)
			}
			all = append(all, rules...)
		}
	}
	return all, nil
}

func ruleFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && isRuleFile(p) {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	return files, nil
}

func isRuleFile(path string) bool {
	return strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml")
}

// Load reads the paths and upserts every rule. It returns the number of rules
// stored.
func (l *Loader) Load(ctx context.Context, paths []string) (int, error) {
	rules, err := l.LoadFromPaths(paths)
	if err != nil {
		return 0, err
	}
	for _, r := range rules {
		if _, err := l.evaluator.UpsertRule(ctx, r); err != nil {
			return 0, fmt.Errorf("failed to store rule %q: %w", r.Name, err)
		}
	}

	l.logger.WithFields(map[string]interface{}{
		"rules":   len(rules),
		"sources": len(paths),
	}).Info("Predictive rules loaded")
	return len(rules), nil
}

// Watch reloads the paths whenever a rule file is written or created, until
// ctx ends. Events are debounced; a failed reload is logged and the previous
// rules stay in place.
func (l *Loader) Watch(ctx context.Context, paths []string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			l.logger.WithError(err).WithField("path", path).Warn("Failed to stat path for watching")
			continue
		}
		// Watch the directory of a single file so editors that replace the
		// file by rename are still seen.
		dir := path
		if !info.IsDir() {
			dir = filepath.Dir(path)
		}
		if err := watcher.Add(dir); err != nil {
			l.logger.WithError(err).WithField("path", dir).Warn("Failed to watch path")
		}
	}

	l.mu.Lock()
	l.watcher = watcher
	l.mu.Unlock()

	go l.processEvents(ctx, watcher, paths)

	l.logger.WithField("paths", len(paths)).Info("Watching rule paths")
	return nil
}

func (l *Loader) processEvents(ctx context.Context, watcher *fsnotify.Watcher, paths []string) {
	var reloadTimer *time.Timer
	reloadDelay := 500 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			_ = watcher.Close()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 || !isRuleFile(event.Name) {
				continue
			}
			l.logger.WithFields(map[string]interface{}{
				"file": event.Name,
				"op":   event.Op.String(),
			}).Debug("Rule file changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				if _, err := l.Load(ctx, paths); err != nil {
					l.logger.WithError(err).Error("Failed to reload predictive rules")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.WithError(err).Error("Watcher error")
		}
	}
}

// StopWatching stops watching for file changes.
func (l *Loader) StopWatching() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}
