package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/angelmondragon/mesa-payments/internal/bootstrap"
	"github.com/angelmondragon/mesa-payments/pkg/config"
	"github.com/angelmondragon/mesa-payments/pkg/db"
	"github.com/angelmondragon/mesa-payments/pkg/logger"
)

var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "gatewayctl",
		Short:         "Operator tooling for the payment gateway layer",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(pixCmd())
	root.AddCommand(pollCmd())
	root.AddCommand(sweepCmd())
	root.AddCommand(outboxCmd())
	root.AddCommand(credentialsCmd())

	return root
}

// runtime is the database-backed wiring used by the operational commands.
type runtime struct {
	cfg        *config.Config
	logg       *logger.Logger
	db         *db.Client
	components *bootstrap.Components
}

func openRuntime(ctx context.Context) (*runtime, func(), error) {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	cfg.Service.Kind = "gatewayctl"

	logg := logger.New(logger.Options{
		ServiceName: "gatewayctl",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		Format:      "console",
		Output:      os.Stderr,
	})

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	components, err := bootstrap.New(bootstrap.Params{Config: cfg, DB: dbClient, Logger: logg})
	if err != nil {
		_ = dbClient.Close()
		return nil, nil, fmt.Errorf("wire gateway layer: %w", err)
	}

	closeFn := func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(ctx, "error closing database", err)
		}
	}
	return &runtime{cfg: cfg, logg: logg, db: dbClient, components: components}, closeFn, nil
}
