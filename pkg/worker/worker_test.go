package worker_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aquaops/aquaops/pkg/engine"
	"github.com/aquaops/aquaops/pkg/pm"
	"github.com/aquaops/aquaops/pkg/telemetry"
	"github.com/aquaops/aquaops/pkg/worker"
)

var now = time.Date(2024, 3, 15, 6, 0, 0, 0, time.UTC)

func newRunner(maxRetries int) *worker.Runner {
	return worker.NewRunner(worker.Config{
		MaxRetries:     maxRetries,
		RetryBaseDelay: time.Millisecond,
		Timeout:        time.Second,
	}, engine.FixedClock{T: now}, telemetry.NewNop())
}

func TestRunOnce_RetriesTransientFailures(t *testing.T) {
	r := newRunner(2)
	var calls int32
	job := worker.Job{Name: "flaky", Interval: time.Hour, Run: func(ctx context.Context, at time.Time) error {
		if !at.Equal(now) {
			t.Errorf("expected the clock instant, got %v", at)
		}
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("database is locked")
		}
		return nil
	}}

	if err := r.RunOnce(context.Background(), job); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestRunOnce_DoesNotRetryValidation(t *testing.T) {
	r := newRunner(3)
	var calls int32
	job := worker.Job{Name: "bad", Interval: time.Hour, Run: func(context.Context, time.Time) error {
		atomic.AddInt32(&calls, 1)
		return engine.NewValidationError(engine.ErrCodeValidation, "nope")
	}}

	err := r.RunOnce(context.Background(), job)
	if !engine.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected a single attempt, got %d", calls)
	}
}

func TestRunOnce_RecoversPanic(t *testing.T) {
	r := newRunner(1)
	job := worker.Job{Name: "panicky", Interval: time.Hour, Run: func(context.Context, time.Time) error {
		panic("boom")
	}}

	err := r.RunOnce(context.Background(), job)
	if !engine.IsPermanent(err) {
		t.Fatalf("expected a permanent error, got %v", err)
	}
}

func TestRun_RepeatsUntilCancelled(t *testing.T) {
	r := newRunner(0)
	var fast, failing int32
	r.Add(worker.Job{Name: "fast", Interval: 10 * time.Millisecond, Run: func(context.Context, time.Time) error {
		atomic.AddInt32(&fast, 1)
		return nil
	}})
	r.Add(worker.Job{Name: "failing", Interval: 10 * time.Millisecond, Run: func(context.Context, time.Time) error {
		atomic.AddInt32(&failing, 1)
		return errors.New("always")
	}})
	r.Add(worker.Job{Name: "disabled", Run: func(context.Context, time.Time) error { return nil }})

	if got := r.Jobs(); len(got) != 2 {
		t.Fatalf("expected 2 enabled jobs, got %v", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && (atomic.LoadInt32(&fast) < 3 || atomic.LoadInt32(&failing) < 3) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
	if atomic.LoadInt32(&fast) < 3 || atomic.LoadInt32(&failing) < 3 {
		t.Errorf("expected both jobs to keep running, got fast=%d failing=%d", fast, failing)
	}
}

func TestRun_NoJobs(t *testing.T) {
	if err := newRunner(0).Run(context.Background()); err == nil {
		t.Fatal("expected an error without jobs")
	}
}

type fakeTicker struct {
	mu  sync.Mutex
	got []time.Time
}

func (f *fakeTicker) Tick(_ context.Context, tc pm.TickContext) (*pm.TickReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, tc.Now)
	return &pm.TickReport{}, nil
}

type fakeRoller struct {
	start, end engine.Date
}

func (f *fakeRoller) RollupAll(_ context.Context, start, end engine.Date, _ time.Time) ([]*engine.ComplianceMetric, error) {
	f.start, f.end = start, end
	return nil, nil
}

func TestJobs(t *testing.T) {
	r := newRunner(0)
	ctx := context.Background()

	ticker := &fakeTicker{}
	if err := r.RunOnce(ctx, worker.PMTickJob(ticker, time.Hour)); err != nil {
		t.Fatalf("pm tick job failed: %v", err)
	}
	if len(ticker.got) != 1 || !ticker.got[0].Equal(now) {
		t.Errorf("expected a tick at %v, got %v", now, ticker.got)
	}

	roller := &fakeRoller{}
	if err := r.RunOnce(ctx, worker.ComplianceJob(roller, time.Hour)); err != nil {
		t.Fatalf("compliance job failed: %v", err)
	}
	if roller.start.String() != "2024-02-01" || roller.end.String() != "2024-02-29" {
		t.Errorf("expected February, got %s..%s", roller.start, roller.end)
	}
}
