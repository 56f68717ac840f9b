package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/angelmondragon/mesa-payments/pkg/logger"
	"github.com/angelmondragon/mesa-payments/pkg/metrics"
)

const defaultInterval = time.Minute

// ErrLockHeld means another worker is sweeping; the cycle was skipped.
var ErrLockHeld = errors.New("sweep lock held by another worker")

type ServiceParams struct {
	Logger   *logger.Logger
	Registry *Registry
	Lock     Lock
	Metrics  *metrics.SweepMetrics
	Interval time.Duration
	// JobTimeout bounds a single job run. Keep it under the lock TTL.
	JobTimeout time.Duration
}

// Service runs the registered reconciliation jobs on a fixed cadence, one
// worker instance at a time.
type Service struct {
	logg       *logger.Logger
	registry   *Registry
	lock       Lock
	metrics    *metrics.SweepMetrics
	interval   time.Duration
	jobTimeout time.Duration
}

// JobRun is the outcome of one job within a cycle.
type JobRun struct {
	Job      string
	Report   Report
	Duration time.Duration
	Err      error
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Lock == nil {
		return nil, fmt.Errorf("lock required")
	}
	registry := params.Registry
	if registry == nil {
		registry = &Registry{}
	}
	interval := params.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Service{
		logg:       params.Logger,
		registry:   registry,
		lock:       params.Lock,
		metrics:    params.Metrics,
		interval:   interval,
		jobTimeout: params.JobTimeout,
	}, nil
}

// Run sweeps immediately and then on every tick until ctx is canceled.
func (s *Service) Run(ctx context.Context) error {
	ctx = s.logg.WithFields(ctx, map[string]any{
		"interval": s.interval.String(),
		"jobs":     s.registry.Names(),
	})
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		switch _, err := s.RunOnce(ctx); {
		case err == nil, errors.Is(err, ErrLockHeld):
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			s.logg.Error(ctx, "sweep.cycle_failed", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce runs every job once if this worker wins the lock. A failing job
// does not stop the ones after it; per-job errors are in the returned runs.
func (s *Service) RunOnce(ctx context.Context) ([]JobRun, error) {
	locked, err := s.lock.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("lock acquire: %w", err)
	}
	if !locked {
		s.metrics.IncLockSkip()
		s.logg.Debug(ctx, "sweep.lock_held")
		return nil, ErrLockHeld
	}
	defer func() {
		// Release even when ctx was canceled mid-cycle.
		if relErr := s.lock.Release(context.WithoutCancel(ctx)); relErr != nil {
			s.logg.Error(ctx, "sweep.lock_release_failed", relErr)
		}
	}()

	runs := make([]JobRun, 0, len(s.registry.jobs))
	for _, job := range s.registry.Jobs() {
		if err := ctx.Err(); err != nil {
			return runs, err
		}
		runs = append(runs, s.runJob(ctx, job))
	}
	return runs, nil
}

func (s *Service) runJob(ctx context.Context, job Job) JobRun {
	jobCtx := ctx
	if s.jobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, s.jobTimeout)
		defer cancel()
	}
	start := time.Now()
	report, err := job.Run(jobCtx)
	run := JobRun{Job: job.Name(), Report: report, Duration: time.Since(start), Err: err}
	if run.Report == nil {
		run.Report = Report{}
	}
	s.metrics.ObserveJob(run.Job, run.Duration, run.Report, err)

	fields := map[string]any{"job": run.Job, "duration_ms": run.Duration.Milliseconds()}
	for outcome, n := range run.Report {
		fields[outcome] = n
	}
	logCtx := s.logg.WithFields(ctx, fields)
	if err != nil {
		s.logg.Error(logCtx, "sweep.job_failed", err)
	} else {
		s.logg.Info(logCtx, "sweep.job_done")
	}
	return run
}
