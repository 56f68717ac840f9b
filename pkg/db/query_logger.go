package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/angelmondragon/mesa-payments/pkg/logger"
)

const maxLoggedSQL = 512

// queryLogger sends gorm's failed and slow queries to the service logger.
// Statements are logged with placeholders only, so card holder data and
// ciphertext never reach the log pipeline.
type queryLogger struct {
	logg *logger.Logger
	slow time.Duration
}

func (q queryLogger) LogMode(gormlogger.LogLevel) gormlogger.Interface { return q }

func (q queryLogger) Info(context.Context, string, ...any) {}

func (q queryLogger) Warn(ctx context.Context, msg string, args ...any) {
	q.logg.Warn(ctx, fmt.Sprintf(msg, args...))
}

func (q queryLogger) Error(ctx context.Context, msg string, args ...any) {
	q.logg.Error(ctx, "db.error", fmt.Errorf(msg, args...))
}

// ParamsFilter drops bound values before gorm renders the statement.
func (q queryLogger) ParamsFilter(_ context.Context, sql string, _ ...any) (string, []any) {
	return sql, nil
}

func (q queryLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	took := time.Since(begin)
	switch {
	case err != nil && !expected(err):
		q.logg.Error(q.logg.WithFields(ctx, statementFields(fc, took)), "db.query_failed", err)
	case q.slow > 0 && took >= q.slow:
		q.logg.Warn(q.logg.WithFields(ctx, statementFields(fc, took)), "db.slow_query")
	}
}

// expected errors are part of normal control flow: missing rows and the
// unique violations idempotent inserts rely on.
func expected(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound) || IsUniqueViolation(err, "")
}

func statementFields(fc func() (string, int64), took time.Duration) map[string]any {
	sql, rows := fc()
	if len(sql) > maxLoggedSQL {
		sql = sql[:maxLoggedSQL] + "..."
	}
	return map[string]any{
		"sql":         sql,
		"rows":        rows,
		"duration_ms": took.Milliseconds(),
	}
}
