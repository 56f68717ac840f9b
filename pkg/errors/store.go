package errors

import (
	"context"
	stdErrors "errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// Diagnosis is the log-side view of an error: its chain plus any Postgres
// fields from either driver. None of it reaches response bodies.
type Diagnosis struct {
	Message    string
	Code       Code
	Chain      []string
	PGCode     string
	Constraint string
	Table      string
	Column     string
	Detail     string
}

// Diagnose unwraps err for logging.
func Diagnose(err error) Diagnosis {
	if err == nil {
		return Diagnosis{}
	}
	d := Diagnosis{Message: err.Error()}
	if typed := As(err); typed != nil {
		d.Code = typed.Code()
	}
	for e := err; e != nil; e = stdErrors.Unwrap(e) {
		d.Chain = append(d.Chain, fmt.Sprintf("%T", e))
	}

	var pgxErr *pgconn.PgError
	var pqErr *pq.Error
	switch {
	case stdErrors.As(err, &pgxErr):
		d.PGCode, d.Constraint, d.Table, d.Column, d.Detail = pgxErr.Code, pgxErr.ConstraintName, pgxErr.TableName, pgxErr.ColumnName, pgxErr.Detail
	case stdErrors.As(err, &pqErr):
		d.PGCode, d.Constraint, d.Table, d.Column, d.Detail = string(pqErr.Code), pqErr.Constraint, pqErr.Table, pqErr.Column, pqErr.Detail
	}
	return d
}

// Fields flattens the diagnosis into log fields, skipping empty values.
func (d Diagnosis) Fields() map[string]any {
	fields := map[string]any{"error": d.Message, "error_chain": d.Chain}
	if d.Code != "" {
		fields["error_code"] = d.Code
	}
	for key, value := range map[string]string{
		"pg_code":       d.PGCode,
		"pg_constraint": d.Constraint,
		"pg_table":      d.Table,
		"pg_column":     d.Column,
		"pg_detail":     d.Detail,
	} {
		if value != "" {
			fields[key] = value
		}
	}
	return fields
}

// FromStore classifies an untyped storage error. Unique violations become
// conflicts, the amount immutability trigger a state conflict, and
// transient connection or serialization failures a retryable dependency
// error. Anything else is internal.
func FromStore(err error) *Error {
	if err == nil {
		return nil
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return Wrap(CodeDependency, err, "database timed out")
	}
	code := Diagnose(err).PGCode
	switch {
	case code == "23505":
		return Wrap(CodeConflict, err, "record already exists")
	case code == "23502", code == "23514", code == "22P02":
		return Wrap(CodeValidation, err, "value rejected by store")
	case code == "P0001":
		return Wrap(CodeStateConflict, err, "transaction amount is immutable")
	case code == "40001", code == "40P01", code == "57014", strings.HasPrefix(code, "08"):
		return Wrap(CodeDependency, err, "database unavailable")
	}
	return Wrap(CodeInternal, err, "unexpected error")
}
