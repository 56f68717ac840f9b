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
	"github.com/angelmondragon/mesa-payments/pkg/instance"
	"github.com/angelmondragon/mesa-payments/pkg/logger"
	"github.com/angelmondragon/mesa-payments/pkg/metrics"
	"github.com/angelmondragon/mesa-payments/pkg/outbox"
	"github.com/angelmondragon/mesa-payments/pkg/outbox/registry"
	"github.com/angelmondragon/mesa-payments/pkg/pubsub"
)

const serviceKind = "outbox-publisher"

func main() {
	if err := run(); err != nil {
		logger.New(logger.Options{ServiceName: serviceKind}).Error(context.Background(), "outbox publisher exited", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.Start(ctx, bootstrap.RuntimeOptions{ServiceKind: serviceKind})
	if err != nil {
		return err
	}
	defer rt.Close()
	cfg, logg := rt.Config, rt.Logger

	pubsubClient, err := pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, logg)
	if err != nil {
		return fmt.Errorf("open pubsub: %w", err)
	}
	rt.OnClose(pubsubClient.Close)

	router, err := registry.New(cfg.PubSub)
	if err != nil {
		return fmt.Errorf("build event router: %w", err)
	}
	service, err := NewService(ServiceParams{
		Config:     cfg.Outbox,
		Logger:     logg,
		DB:         rt.DB,
		PubSub:     pubsubClient,
		Repository: outbox.NewRepository(rt.DB.DB()),
		Router:     router,
		Metrics:    metrics.NewOutboxMetrics(prometheus.DefaultRegisterer),
	})
	if err != nil {
		return err
	}

	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": serviceKind,
		"instance":    instance.GetID(),
		"topics":      router.Topics(),
	})
	defer bootstrap.ServeMetrics(ctx, ":"+cfg.App.Port, promhttp.Handler(), logg)()

	logg.Info(ctx, "outbox.publisher_started")
	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logg.Info(ctx, "outbox.publisher_stopped")
	return nil
}
