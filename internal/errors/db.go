package errors

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// reKeyField extracts the column from a unique violation detail: "Key (field)=(value) already exists.".
var reKeyField = regexp.MustCompile(`Key \(([^)]+)\)=`)

// constraintMessages describes the schema's CHECK constraints in caller terms.
var constraintMessages = map[string]struct {
	field   string
	message string
}{
	"jobs_status_check":             {"status", "invalid job status"},
	"jobs_progress_check":           {"progress", "progress must be between 0 and 100"},
	"jobs_retries_check":            {"retries", "retries must be between 0 and max_retries"},
	"jobs_finished_at_check":        {"finished_at", "finished_at must be set exactly when the job is terminal"},
	"jobs_completed_progress_check": {"progress", "completed jobs must have progress 100"},
	"job_results_status_check":      {"status", "job result status must be completed, failed or cancelled"},
}

// MapDBError maps database errors to AppError instances:
// - no rows → NotFound
// - unique violations → Conflict
// - check and NOT NULL violations → Validation
// - context timeouts/cancellations → Timeout/Canceled
//
// Unrecognized errors are returned unchanged.
func MapDBError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &AppError{Code: ErrCodeTimeout, Message: "database operation timed out", Cause: err}
	}
	if errors.Is(err, context.Canceled) {
		return &AppError{Code: ErrCodeCanceled, Message: "database operation was canceled", Cause: err}
	}
	if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows) {
		return &AppError{Code: ErrCodeNotFound, Message: "record not found", Cause: err}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return mapPgError(pgErr)
	}
	return err
}

func mapPgError(pgErr *pgconn.PgError) error {
	switch pgErr.Code {
	case pgerrcode.UniqueViolation:
		return mapUniqueViolation(pgErr)
	case pgerrcode.CheckViolation:
		return mapCheckViolation(pgErr)
	case pgerrcode.NotNullViolation:
		field := pgErr.ColumnName
		msg := "required field is missing"
		if field != "" {
			msg = field + " is required"
		}
		return &AppError{Code: ErrCodeValidation, Message: msg, Field: field, Cause: pgErr}
	default:
		return &AppError{
			Code:    ErrCodeInternal,
			Message: "database error in " + describeTable(pgErr.TableName),
			Cause:   pgErr,
		}
	}
}

func mapUniqueViolation(pgErr *pgconn.PgError) error {
	field := pgErr.ColumnName
	if field == "" && pgErr.Detail != "" {
		if m := reKeyField.FindStringSubmatch(pgErr.Detail); len(m) == 2 {
			field = m[1]
		}
	}
	if field == "" && strings.HasSuffix(pgErr.ConstraintName, "_pkey") {
		field = "id"
	}

	return &AppError{
		Code:    ErrCodeConflict,
		Message: describeTable(pgErr.TableName) + " already exists",
		Field:   field,
		Cause:   pgErr,
	}
}

func mapCheckViolation(pgErr *pgconn.PgError) error {
	if known, ok := constraintMessages[pgErr.ConstraintName]; ok {
		return &AppError{Code: ErrCodeValidation, Message: known.message, Field: known.field, Cause: pgErr}
	}
	return &AppError{
		Code:    ErrCodeValidation,
		Message: "invalid " + strings.ToLower(describeTable(pgErr.TableName)) + " data",
		Field:   pgErr.ColumnName,
		Cause:   pgErr,
	}
}

// describeTable maps a table name to the noun used in error messages.
func describeTable(tableName string) string {
	switch strings.ToLower(strings.TrimSpace(tableName)) {
	case "jobs":
		return "Job"
	case "job_results":
		return "Job result"
	case "schema_migrations":
		return "Migration"
	case "":
		return "Record"
	default:
		return "Record"
	}
}
