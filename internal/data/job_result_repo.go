package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/target/mmk-orchestrator/internal/data/pgxutil"
	"github.com/target/mmk-orchestrator/internal/domain/model"
	apperrors "github.com/target/mmk-orchestrator/internal/errors"
)

// JobResultRepo provides persistence for the append-only attempt history.
type JobResultRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewJobResultRepo constructs a JobResultRepo.
func NewJobResultRepo(db *sql.DB, tp TimeProvider) *JobResultRepo {
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	return &JobResultRepo{DB: db, timeProvider: tp}
}

const jobResultColumns = `id, job_id, status, result, error, metadata, processing_time, created_at`

// jobResultRow mirrors a job_results row for pgx struct scanning.
type jobResultRow struct {
	ID             string         `db:"id"`
	JobID          string         `db:"job_id"`
	Status         string         `db:"status"`
	Result         sql.NullString `db:"result"`
	Error          sql.NullString `db:"error"`
	Metadata       sql.NullString `db:"metadata"`
	ProcessingTime int64          `db:"processing_time"`
	CreatedAt      sql.NullTime   `db:"created_at"`
}

func (row jobResultRow) toModel() *model.JobResult {
	res := &model.JobResult{
		ID:             row.ID,
		JobID:          row.JobID,
		Status:         model.JobStatus(row.Status),
		Result:         decodeDocument(row.Result),
		Error:          cloneNullableString(row.Error),
		Metadata:       decodeDocument(row.Metadata),
		ProcessingTime: row.ProcessingTime,
	}
	if row.CreatedAt.Valid {
		res.CreatedAt = row.CreatedAt.Time.UTC()
	}
	return res
}

func validResultStatus(s model.JobStatus) bool {
	switch s {
	case model.JobStatusCompleted, model.JobStatusFailed, model.JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Create appends an attempt row. ID and CreatedAt are assigned when empty.
func (r *JobResultRepo) Create(ctx context.Context, res *model.JobResult) (*model.JobResult, error) {
	if r == nil || r.DB == nil {
		return nil, ErrJobResultsNotConfigured
	}
	if res == nil || strings.TrimSpace(res.JobID) == "" {
		return nil, ErrJobIDRequired
	}
	if !validResultStatus(res.Status) {
		return nil, ErrResultStatusInvalid
	}

	out := *res
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = r.timeProvider.Now()
	}
	if out.ProcessingTime < 0 {
		out.ProcessingTime = 0
	}

	const query = `
		INSERT INTO job_results (id, job_id, status, result, error, metadata, processing_time, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	if _, err := r.DB.ExecContext(ctx, query,
		out.ID,
		out.JobID,
		out.Status,
		encodeDocument(out.Result),
		out.Error,
		encodeDocument(out.Metadata),
		out.ProcessingTime,
		out.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("insert job_results: %w", apperrors.MapDBError(err))
	}
	out.CreatedAt = out.CreatedAt.UTC()
	return &out, nil
}

// FindByJobID returns every attempt for the job, newest first.
func (r *JobResultRepo) FindByJobID(ctx context.Context, jobID string) ([]*model.JobResult, error) {
	if jobID == "" {
		return nil, ErrJobIDRequired
	}
	return r.collect(ctx, "find job_results by job",
		`SELECT `+jobResultColumns+` FROM job_results WHERE job_id = $1 ORDER BY created_at DESC, id DESC`,
		jobID)
}

// FindLatestByJobID returns the most recent attempt or ErrJobResultsNotFound.
func (r *JobResultRepo) FindLatestByJobID(ctx context.Context, jobID string) (*model.JobResult, error) {
	if jobID == "" {
		return nil, ErrJobIDRequired
	}
	out, err := r.collect(ctx, "find latest job_results",
		`SELECT `+jobResultColumns+` FROM job_results WHERE job_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`,
		jobID)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrJobResultsNotFound
	}
	return out[0], nil
}

// FindByFilter returns attempts matching every set field of the filter, newest first.
func (r *JobResultRepo) FindByFilter(ctx context.Context, filter model.JobResultFilter) ([]*model.JobResult, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.JobID != nil {
		add("job_id = $%d", *filter.JobID)
	}
	if filter.Status != nil {
		add("status = $%d", *filter.Status)
	}
	if filter.From != nil {
		add("created_at >= $%d", filter.From.UTC())
	}
	if filter.To != nil {
		add("created_at <= $%d", filter.To.UTC())
	}

	query := `SELECT ` + jobResultColumns + ` FROM job_results`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"

	limit := filter.Limit
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))

	return r.collect(ctx, "find job_results by filter", query, args...)
}

// GetAverageProcessingTime averages processing time over completed attempts. Returns 0 when there are none.
func (r *JobResultRepo) GetAverageProcessingTime(ctx context.Context, jobID *string) (float64, error) {
	query := `SELECT COALESCE(AVG(processing_time), 0)::float8 FROM job_results WHERE status = 'completed'`
	var args []any
	if jobID != nil {
		query += ` AND job_id = $1`
		args = append(args, *jobID)
	}

	var avg float64
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&avg); err != nil {
		return 0, fmt.Errorf("average processing time: %w", err)
	}
	return avg, nil
}

// GetStats summarises attempts, optionally scoped to one job.
func (r *JobResultRepo) GetStats(ctx context.Context, jobID *string) (*model.JobResultStats, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COALESCE(AVG(processing_time) FILTER (WHERE status = 'completed'), 0)::float8
		FROM job_results`
	var args []any
	if jobID != nil {
		query += ` WHERE job_id = $1`
		args = append(args, *jobID)
	}

	var s model.JobResultStats
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&s.Total, &s.Completed, &s.Failed, &s.AvgProcessingTime); err != nil {
		return nil, fmt.Errorf("job_results stats: %w", err)
	}
	return &s, nil
}

// DeleteOldResults removes attempts created more than olderThanDays ago.
func (r *JobResultRepo) DeleteOldResults(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays < 0 {
		return 0, errors.New("older than days must be >= 0")
	}
	cutoff := daysAgo(r.timeProvider, olderThanDays)

	return withReaperLock(ctx, r.DB, advisoryLockReaperDeleteResults, func(tx *sql.Tx) (sql.Result, error) {
		return tx.ExecContext(ctx, `DELETE FROM job_results WHERE created_at < $1`, cutoff)
	})
}

// DeleteByJobID removes every attempt recorded for the job.
func (r *JobResultRepo) DeleteByJobID(ctx context.Context, jobID string) (int64, error) {
	if jobID == "" {
		return 0, ErrJobIDRequired
	}
	res, err := r.DB.ExecContext(ctx, `DELETE FROM job_results WHERE job_id = $1`, jobID)
	if err != nil {
		return 0, fmt.Errorf("delete job_results: %w", err)
	}
	return res.RowsAffected()
}

func (r *JobResultRepo) collect(ctx context.Context, op, query string, args ...any) ([]*model.JobResult, error) {
	if r == nil || r.DB == nil {
		return nil, ErrJobResultsNotConfigured
	}

	out := make([]*model.JobResult, 0)
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		collected, err := pgx.CollectRows(rows, pgx.RowToStructByName[jobResultRow])
		if err != nil {
			return err
		}
		for _, row := range collected {
			out = append(out, row.toModel())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}
