package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"

	"github.com/angelmondragon/mesa-payments/pkg/config"
	"github.com/angelmondragon/mesa-payments/pkg/db"
	"github.com/angelmondragon/mesa-payments/pkg/logger"
	"github.com/angelmondragon/mesa-payments/pkg/migrate"
	"github.com/angelmondragon/mesa-payments/pkg/redis"
)

const metricsShutdownTimeout = 5 * time.Second

// RuntimeOptions selects which stores a binary opens on start.
type RuntimeOptions struct {
	ServiceKind string
	// Redis opens the shared redis client. The outbox publisher runs without it.
	Redis bool
}

// Runtime is the process scaffolding the long-running binaries share.
type Runtime struct {
	Config *config.Config
	Logger *logger.Logger
	DB     *db.Client
	Redis  *redis.Client

	closers []func() error
}

// Start loads .env and config, builds the service logger, opens postgres
// (and redis when asked) and applies pending migrations when auto-migrate
// is on. On error everything already opened is closed again.
func Start(ctx context.Context, opts RuntimeOptions) (rt *Runtime, err error) {
	if opts.ServiceKind == "" {
		return nil, errors.New("service kind is required")
	}
	boot := logger.New(logger.Options{ServiceName: opts.ServiceKind})
	if err := godotenv.Load(); err != nil {
		boot.Warn(ctx, ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg.Service.Kind = opts.ServiceKind

	rt = &Runtime{
		Config: cfg,
		Logger: logger.New(logger.Options{
			ServiceName: opts.ServiceKind,
			Level:       logger.ParseLevel(cfg.App.LogLevel),
			Format:      cfg.App.LogFormat,
			WarnStack:   cfg.App.LogWarnStack,
		}),
	}
	defer func() {
		if err != nil {
			rt.Close()
			rt = nil
		}
	}()

	rt.DB, err = db.New(ctx, cfg.DB, rt.Logger)
	if err != nil {
		return rt, fmt.Errorf("open database: %w", err)
	}
	rt.closers = append(rt.closers, rt.DB.Close)

	if err = migrate.AutoMigrate(ctx, cfg, rt.Logger, rt.DB); err != nil {
		return rt, fmt.Errorf("auto migrate: %w", err)
	}

	if opts.Redis {
		rt.Redis, err = redis.New(ctx, cfg.Redis, rt.Logger)
		if err != nil {
			return rt, fmt.Errorf("open redis: %w", err)
		}
		rt.closers = append(rt.closers, rt.Redis.Close)
	}
	return rt, nil
}

// OnClose registers a release func run by Close before the stores close.
func (r *Runtime) OnClose(fn func() error) {
	r.closers = append(r.closers, fn)
}

// Close releases everything in reverse open order and logs the combined error.
func (r *Runtime) Close() {
	if r == nil {
		return
	}
	var err error
	for i := len(r.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, r.closers[i]())
	}
	r.closers = nil
	if err != nil {
		r.Logger.Error(context.Background(), "runtime.close_failed", err)
	}
}

// ServeMetrics exposes h on addr until ctx ends. The returned func blocks
// until the listener has shut down.
func ServeMetrics(ctx context.Context, addr string, h http.Handler, logg *logger.Logger) func() {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(ctx, "metrics.listener_stopped", err)
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-done
	}
}
