package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aquaops/aquaops/pkg/engine"
	"github.com/aquaops/aquaops/pkg/telemetry"
)

// Config holds the intervals of the periodic jobs. A zero interval disables
// the job.
type Config struct {
	PMTick           time.Duration `mapstructure:"pm_tick" validate:"gte=0"`
	Predictive       time.Duration `mapstructure:"predictive" validate:"gte=0"`
	SLASweep         time.Duration `mapstructure:"sla_sweep" validate:"gte=0"`
	ComplianceRollup time.Duration `mapstructure:"compliance_rollup" validate:"gte=0"`

	// Timeout bounds a single run of any job.
	Timeout time.Duration `mapstructure:"timeout" validate:"gte=0"`

	// MaxRetries is how often a failed run is retried before waiting for the
	// next interval.
	MaxRetries int `mapstructure:"max_retries" validate:"gte=0"`

	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay" validate:"gte=0"`
}

// DefaultConfig returns the default job intervals.
func DefaultConfig() Config {
	return Config{
		PMTick:           time.Hour,
		Predictive:       time.Minute,
		SLASweep:         5 * time.Minute,
		ComplianceRollup: 24 * time.Hour,
		Timeout:          10 * time.Minute,
		MaxRetries:       2,
		RetryBaseDelay:   time.Second,
	}
}

// Func is one run of a job at the given instant.
type Func func(ctx context.Context, now time.Time) error

// Job is a named periodic task.
type Job struct {
	Name     string
	Interval time.Duration
	Run      Func
}

// Runner runs periodic jobs side by side. Each job runs once at start and
// then on its interval; runs of one job never overlap.
type Runner struct {
	cfg   Config
	jobs  []Job
	clock engine.Clock
	tel   *telemetry.Telemetry
}

// NewRunner creates a runner.
func NewRunner(cfg Config, clock engine.Clock, tel *telemetry.Telemetry) *Runner {
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	if clock == nil {
		clock = engine.SystemClock{}
	}
	return &Runner{cfg: cfg, clock: clock, tel: tel.Component("worker")}
}

// Add registers a job. Jobs with a zero interval are ignored.
func (r *Runner) Add(job Job) {
	if job.Interval <= 0 || job.Run == nil {
		r.tel.Logger.WithField("job", job.Name).Debug("Job disabled")
		return
	}
	r.jobs = append(r.jobs, job)
}

// Jobs returns the registered job names.
func (r *Runner) Jobs() []string {
	names := make([]string, len(r.jobs))
	for i, j := range r.jobs {
		names[i] = j.Name
	}
	return names
}

// Run blocks until ctx ends. A failing run is logged and the job continues
// on its next interval.
func (r *Runner) Run(ctx context.Context) error {
	if len(r.jobs) == 0 {
		return errors.New("no jobs to run")
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, job := range r.jobs {
		job := job
		g.Go(func() error {
			r.loop(gctx, job)
			return nil
		})
	}
	r.tel.Logger.WithField("jobs", r.Jobs()).Info("Workers started")

	err := g.Wait()
	r.tel.Logger.Info("Workers stopped")
	return err
}

func (r *Runner) loop(ctx context.Context, job Job) {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		_ = r.RunOnce(ctx, job)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce runs a job, retrying failures with exponential backoff. The last
// error is returned.
func (r *Runner) RunOnce(ctx context.Context, job Job) error {
	log := r.tel.Logger.WithField("job", job.Name)
	timer := telemetry.NewTimer()

	var err error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		runCtx, cancel := ctx, context.CancelFunc(func() {})
		if r.cfg.Timeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		}
		err = r.invoke(runCtx, job)
		cancel()

		if err == nil || !retryable(err) || attempt == r.cfg.MaxRetries {
			break
		}

		delay := r.backoff(attempt, err)
		log.WithError(err).Warnf("Retrying after failure (attempt %d/%d)", attempt+1, r.cfg.MaxRetries+1)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	r.tel.Metrics.ObserveJob(job.Name, timer.Duration(), err)
	if err != nil {
		r.tel.Metrics.RecordError(string(engine.ClassOf(err)), engine.CodeOf(err))
		log.WithError(err).Error("Job failed")
		return err
	}
	log.WithField("duration_ms", timer.Duration().Milliseconds()).Debug("Job finished")
	return nil
}

// invoke runs the job, turning a panic into a permanent error.
func (r *Runner) invoke(ctx context.Context, job Job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = engine.NewPermanentError(fmt.Sprintf("job %s panicked: %v", job.Name, p), nil)
		}
	}()
	return job.Run(ctx, r.clock.Now())
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return !engine.IsValidation(err) && !engine.IsPermanent(err)
}

// backoff is base * 2^attempt plus an eighth, capped at a minute.
func (r *Runner) backoff(attempt int, err error) time.Duration {
	base := r.cfg.RetryBaseDelay
	if engine.IsConflict(err) {
		base *= 2
	}
	delay := base * time.Duration(math.Pow(2, float64(attempt)))
	if delay > time.Minute {
		delay = time.Minute
	}
	return delay + delay/8
}
