package cron

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/angelmondragon/mesa-payments/pkg/logger"
	"github.com/angelmondragon/mesa-payments/pkg/metrics"
)

type fakeLock struct {
	held     bool
	releases int
	canceled bool
}

func (f *fakeLock) Acquire(context.Context) (bool, error) {
	if f.held {
		return false, nil
	}
	f.held = true
	return true, nil
}

func (f *fakeLock) Release(ctx context.Context) error {
	f.held = false
	f.releases++
	f.canceled = ctx.Err() != nil
	return nil
}

type testJob struct {
	name     string
	report   Report
	err      error
	runs     int
	deadline bool
	onRun    func()
}

func (j *testJob) Name() string { return j.name }

func (j *testJob) Run(ctx context.Context) (Report, error) {
	j.runs++
	_, j.deadline = ctx.Deadline()
	if j.onRun != nil {
		j.onRun()
	}
	return j.report, j.err
}

func newTestService(t *testing.T, lock Lock, timeout time.Duration, m *metrics.SweepMetrics, jobs ...Job) *Service {
	t.Helper()
	registry, err := NewRegistry(jobs...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	service, err := NewService(ServiceParams{
		Logger:     logger.Nop(),
		Registry:   registry,
		Lock:       lock,
		Metrics:    m,
		JobTimeout: timeout,
	})
	if err != nil {
		t.Fatalf("construct service: %v", err)
	}
	return service
}

func TestRunOnceRunsAllJobsEvenOnFailure(t *testing.T) {
	failure := &testJob{name: "deferred-webhooks", report: Report{"resolved": 2}, err: errors.New("boom")}
	success := &testJob{name: "stale-poll", report: Report{"polled": 3}}
	lock := &fakeLock{}
	service := newTestService(t, lock, 0, nil, failure, success)

	runs, err := service.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if failure.runs != 1 || success.runs != 1 {
		t.Fatalf("expected each job once, got %d and %d", failure.runs, success.runs)
	}
	if len(runs) != 2 || runs[0].Err == nil || runs[1].Err != nil {
		t.Fatalf("unexpected runs %+v", runs)
	}
	if runs[0].Report["resolved"] != 2 {
		t.Fatalf("partial report lost: %v", runs[0].Report)
	}
	if lock.releases != 1 {
		t.Fatalf("expected lock released once, got %d", lock.releases)
	}
}

func TestRunOnceSkipsWhenLockHeld(t *testing.T) {
	job := &testJob{name: "stale-poll"}
	reg := prometheus.NewRegistry()
	m := metrics.NewSweepMetrics(reg)
	service := newTestService(t, &fakeLock{held: true}, 0, m, job)

	if _, err := service.RunOnce(context.Background()); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}
	if job.runs != 0 {
		t.Fatalf("expected job skipped, ran %d", job.runs)
	}
	expected := `
# HELP mesa_sweep_lock_skips_total Cycles skipped because another worker held the sweep lock.
# TYPE mesa_sweep_lock_skips_total counter
mesa_sweep_lock_skips_total 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "mesa_sweep_lock_skips_total"); err != nil {
		t.Fatalf("lock skip not counted: %v", err)
	}
}

func TestRunOnceAppliesJobTimeoutAndNilReport(t *testing.T) {
	job := &testJob{name: "stale-poll"}
	service := newTestService(t, &fakeLock{}, time.Minute, nil, job)

	runs, err := service.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if !job.deadline {
		t.Fatal("expected job context to carry a deadline")
	}
	if runs[0].Report == nil {
		t.Fatal("nil report should be replaced")
	}
}

func TestRunOnceStopsOnCancelButReleases(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	first := &testJob{name: "deferred-webhooks", onRun: cancel}
	second := &testJob{name: "stale-poll"}
	lock := &fakeLock{}
	service := newTestService(t, lock, 0, nil, first, second)

	if _, err := service.RunOnce(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
	if second.runs != 0 {
		t.Fatal("job ran after cancel")
	}
	if lock.releases != 1 || lock.canceled {
		t.Fatalf("lock must be released with a live context: releases=%d canceled=%v", lock.releases, lock.canceled)
	}
}

func TestNewServiceRequiresLock(t *testing.T) {
	if _, err := NewService(ServiceParams{Logger: logger.Nop()}); err == nil {
		t.Fatal("expected error without lock")
	}
}
