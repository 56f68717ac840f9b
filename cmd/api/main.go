package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/angelmondragon/mesa-payments/api/routes"
	"github.com/angelmondragon/mesa-payments/internal/bootstrap"
	"github.com/angelmondragon/mesa-payments/pkg/instance"
	"github.com/angelmondragon/mesa-payments/pkg/logger"
	"github.com/angelmondragon/mesa-payments/pkg/metrics"
)

const (
	serviceKind     = "api"
	shutdownTimeout = 15 * time.Second
)

func main() {
	if err := run(); err != nil {
		logger.New(logger.Options{ServiceName: serviceKind}).Error(context.Background(), "api server exited", err)
		os.Exit(1)
	}
}

func run() error {
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.Start(sigCtx, bootstrap.RuntimeOptions{ServiceKind: serviceKind, Redis: true})
	if err != nil {
		return err
	}
	defer rt.Close()
	cfg, logg := rt.Config, rt.Logger

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	components, err := bootstrap.New(bootstrap.Params{
		Config:  cfg,
		DB:      rt.DB,
		Metrics: metrics.NewGatewayMetrics(promRegistry),
		Logger:  logg,
	})
	if err != nil {
		return fmt.Errorf("wire gateway layer: %w", err)
	}

	// Cloud Run injects PORT; it wins over the configured port.
	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	server := &http.Server{
		Addr: ":" + port,
		Handler: routes.NewRouter(
			cfg,
			logg,
			rt.DB,
			rt.Redis,
			components.Transactions,
			components.Ingestor,
			promRegistry,
		),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":      cfg.App.Env,
		"addr":     server.Addr,
		"instance": instance.GetID(),
	})
	logg.Info(ctx, "api.started")

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-sigCtx.Done():
	}

	logg.Info(ctx, "api.shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}
