package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/mesa-payments/internal/bootstrap"
	"github.com/angelmondragon/mesa-payments/internal/cron"
	"github.com/angelmondragon/mesa-payments/pkg/instance"
	"github.com/angelmondragon/mesa-payments/pkg/logger"
	"github.com/angelmondragon/mesa-payments/pkg/metrics"
)

const serviceKind = "reconcile-worker"

func main() {
	if err := run(); err != nil {
		logger.New(logger.Options{ServiceName: serviceKind}).Error(context.Background(), "reconcile worker exited", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.Start(ctx, bootstrap.RuntimeOptions{ServiceKind: serviceKind, Redis: true})
	if err != nil {
		return err
	}
	defer rt.Close()
	cfg, logg := rt.Config, rt.Logger

	components, err := bootstrap.New(bootstrap.Params{
		Config:  cfg,
		DB:      rt.DB,
		Metrics: metrics.NewGatewayMetrics(prometheus.DefaultRegisterer),
		Logger:  logg,
	})
	if err != nil {
		return fmt.Errorf("wire gateway layer: %w", err)
	}
	jobs, err := bootstrap.NewSweepJobs(cfg, components, logg)
	if err != nil {
		return fmt.Errorf("register sweep jobs: %w", err)
	}
	lock, err := cron.NewRedisLock(rt.Redis, cron.SweepLockName, cfg.Reconcile.LockTTL)
	if err != nil {
		return err
	}

	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: jobs,
		Lock:     lock,
		Metrics:  metrics.NewSweepMetrics(prometheus.DefaultRegisterer),
		Interval: cfg.Reconcile.Interval,
		// A run must finish before the lock can expire under it.
		JobTimeout: cfg.Reconcile.LockTTL,
	})
	if err != nil {
		return err
	}

	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": serviceKind,
		"instance":    instance.GetID(),
		"jobs":        jobs.Names(),
	})
	defer bootstrap.ServeMetrics(ctx, ":"+cfg.App.Port, promhttp.Handler(), logg)()

	logg.Info(ctx, "sweep.worker_started")
	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logg.Info(ctx, "sweep.worker_stopped")
	return nil
}
