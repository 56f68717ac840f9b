package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/pressly/goose/v3"

	"github.com/angelmondragon/mesa-payments/pkg/config"
	"github.com/angelmondragon/mesa-payments/pkg/db"
	"github.com/angelmondragon/mesa-payments/pkg/logger"
	"github.com/angelmondragon/mesa-payments/pkg/migrate"
)

const usage = `usage: migrate [-dir path] <command> [arg]

commands:
  up              apply every pending migration
  down            roll back the latest migration
  redo            roll back and re-apply the latest migration
  status          list migrations and when they were applied
  version         print the current schema version
  to <version>    migrate up or down to a YYYYMMDDHHMMSS version
  create <name>   scaffold a migration in -dir (default ` + migrate.SourceDir + `)
  validate        check migration names and goose sections
`

func main() {
	_ = godotenv.Load()
	dir := flag.String("dir", "", "migrations directory; empty uses the migrations built into this binary")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if err := run(context.Background(), *dir, flag.Args(), os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, dir string, args []string, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("missing command\n%s", usage)
	}
	command, rest := args[0], args[1:]

	// create and validate never touch the database.
	switch command {
	case "create":
		if len(rest) != 1 {
			return fmt.Errorf("create takes exactly one name")
		}
		target := dir
		if target == "" {
			target = migrate.SourceDir
		}
		path, err := migrate.Scaffold(target, rest[0], time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "created", path)
		return nil
	case "validate":
		if err := migrate.Validate(migrate.Source(dir)); err != nil {
			return err
		}
		fmt.Fprintln(out, "migrations ok")
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logg := logger.New(logger.Options{
		ServiceName: "migrate",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		Format:      cfg.App.LogFormat,
		WarnStack:   cfg.App.LogWarnStack,
	})
	ctx = logg.WithFields(ctx, map[string]any{"env": cfg.App.Env, "command": command})

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer dbClient.Close()
	sqlDB, err := dbClient.SQL()
	if err != nil {
		return err
	}
	runner, err := migrate.NewRunner(sqlDB, migrate.Source(dir))
	if err != nil {
		return err
	}

	var results []*goose.MigrationResult
	switch command {
	case "up":
		results, err = runner.Up(ctx)
	case "down":
		var res *goose.MigrationResult
		res, err = runner.Down(ctx)
		if res != nil {
			results = append(results, res)
		}
	case "redo":
		results, err = runner.Redo(ctx)
	case "to":
		if len(rest) != 1 {
			return fmt.Errorf("to takes exactly one version")
		}
		target, perr := strconv.ParseInt(rest[0], 10, 64)
		if perr != nil {
			return fmt.Errorf("invalid version %q: %w", rest[0], perr)
		}
		results, err = runner.To(ctx, target)
	case "status":
		return printStatus(ctx, runner, out)
	case "version":
		v, verr := runner.Version(ctx)
		if verr != nil {
			return verr
		}
		fmt.Fprintln(out, v)
		return nil
	default:
		return fmt.Errorf("unknown command %q\n%s", command, usage)
	}

	for _, res := range results {
		if res == nil || res.Source == nil {
			continue
		}
		fmt.Fprintf(out, "%-6s %d %s (%s)\n", res.Direction, res.Source.Version, res.Source.Path, res.Duration.Round(time.Millisecond))
	}
	if err != nil {
		return err
	}
	logg.Info(logg.WithFields(ctx, map[string]any{"migrations": len(results)}), "migrate.done")
	return nil
}

func printStatus(ctx context.Context, runner *migrate.Runner, out io.Writer) error {
	statuses, err := runner.Status(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tSTATE\tAPPLIED AT\tFILE")
	for _, st := range statuses {
		applied := "-"
		if !st.AppliedAt.IsZero() {
			applied = st.AppliedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", st.Source.Version, st.State, applied, st.Source.Path)
	}
	return tw.Flush()
}
