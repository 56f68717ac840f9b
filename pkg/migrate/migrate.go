package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/lock"
)

// SourceDir is where new migrations are scaffolded, relative to the repo root.
const SourceDir = "pkg/migrate/migrations"

//go:embed migrations/*.sql
var embedded embed.FS

// Embedded returns the migrations compiled into the binary.
func Embedded() fs.FS {
	sub, err := fs.Sub(embedded, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// Source resolves dir to a migration set; an empty dir means the embedded one.
func Source(dir string) fs.FS {
	if dir == "" {
		return Embedded()
	}
	return os.DirFS(dir)
}

// Runner applies the payments schema. A Postgres advisory lock serializes
// runners so the API and the reconcile worker can both migrate on boot.
type Runner struct {
	provider *goose.Provider
}

func NewRunner(db *sql.DB, migrations fs.FS) (*Runner, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	locker, err := lock.NewPostgresSessionLocker()
	if err != nil {
		return nil, fmt.Errorf("session locker: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, migrations, goose.WithSessionLocker(locker))
	if err != nil {
		return nil, fmt.Errorf("goose provider: %w", err)
	}
	return &Runner{provider: provider}, nil
}

func (r *Runner) Up(ctx context.Context) ([]*goose.MigrationResult, error) {
	results, err := r.provider.Up(ctx)
	if err != nil {
		return results, fmt.Errorf("goose up: %w", err)
	}
	return results, nil
}

// Down rolls back the most recent migration.
func (r *Runner) Down(ctx context.Context) (*goose.MigrationResult, error) {
	res, err := r.provider.Down(ctx)
	if err != nil {
		return res, fmt.Errorf("goose down: %w", err)
	}
	return res, nil
}

// Redo rolls back the most recent migration and applies it again.
func (r *Runner) Redo(ctx context.Context) ([]*goose.MigrationResult, error) {
	down, err := r.Down(ctx)
	if err != nil {
		return nil, err
	}
	up, err := r.provider.UpByOne(ctx)
	if err != nil {
		return []*goose.MigrationResult{down}, fmt.Errorf("goose redo: %w", err)
	}
	return []*goose.MigrationResult{down, up}, nil
}

// To moves the schema up or down until target is the current version.
func (r *Runner) To(ctx context.Context, target int64) ([]*goose.MigrationResult, error) {
	current, err := r.Version(ctx)
	if err != nil {
		return nil, err
	}
	switch {
	case target == current:
		return nil, nil
	case target > current:
		results, err := r.provider.UpTo(ctx, target)
		if err != nil {
			return results, fmt.Errorf("goose up-to %d: %w", target, err)
		}
		return results, nil
	default:
		results, err := r.provider.DownTo(ctx, target)
		if err != nil {
			return results, fmt.Errorf("goose down-to %d: %w", target, err)
		}
		return results, nil
	}
}

func (r *Runner) Status(ctx context.Context) ([]*goose.MigrationStatus, error) {
	statuses, err := r.provider.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("goose status: %w", err)
	}
	return statuses, nil
}

func (r *Runner) Version(ctx context.Context) (int64, error) {
	v, err := r.provider.GetDBVersion(ctx)
	if err != nil {
		return 0, fmt.Errorf("goose version: %w", err)
	}
	return v, nil
}
