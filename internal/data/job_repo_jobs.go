package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	// Register the pgx driver for database/sql.
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/target/mmk-orchestrator/internal/domain/model"
	apperrors "github.com/target/mmk-orchestrator/internal/errors"
)

const insertJobSQL = `
  INSERT INTO jobs (
    id, type, status, queue_name, user_id, description, payload, metadata,
    priority, max_retries, progress, finished_at, created_at, updated_at
  )
  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
  RETURNING` + jobColumns

// Create inserts a job. The status defaults to pending.
func (r *JobRepo) Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	if req == nil {
		return nil, errors.New("create job request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid job")
	}

	status := req.Status
	if status == "" {
		status = model.JobStatusPending
	}
	now := r.timeProvider.Now()

	var finishedAt *time.Time
	if status.Terminal() {
		finishedAt = &now
	}
	progress := 0
	if status == model.JobStatusCompleted {
		progress = 100
	}

	row := r.DB.QueryRowContext(ctx, insertJobSQL,
		req.ID,
		req.Type,
		status,
		req.QueueName,
		req.UserID,
		req.Description,
		encodeDocument(req.Payload),
		encodeDocument(req.Metadata),
		req.Priority,
		req.MaxRetries,
		progress,
		finishedAt,
		now,
	)
	job, err := scanJobFromRow(row)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", apperrors.MapDBError(err))
	}
	return job, nil
}

// GetByID returns the job with the given id or ErrJobNotFound.
func (r *JobRepo) GetByID(ctx context.Context, id string) (*model.Job, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT`+jobColumns+`FROM jobs WHERE id = $1`, id)
	job, err := scanJobFromRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// MarkStarted moves a claimable job to processing. A missing or unclaimable job is not an error.
func (r *JobRepo) MarkStarted(ctx context.Context, id, workerID string, from ...model.JobStatus) (bool, error) {
	if len(from) == 0 {
		from = []model.JobStatus{model.JobStatusPending}
	}
	now := r.timeProvider.Now()

	args := []any{id, workerID, now}
	placeholders := make([]string, 0, len(from))
	for _, st := range from {
		args = append(args, st)
		placeholders = append(placeholders, "$"+strconv.Itoa(len(args)))
	}

	query := `
		UPDATE jobs
		SET status = 'processing',
		    worker_id = $2,
		    started_at = $3,
		    finished_at = NULL,
		    error = NULL,
		    result = NULL,
		    progress = 0,
		    updated_at = $3
		WHERE id = $1 AND status IN (` + strings.Join(placeholders, ", ") + `)`

	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("mark job started: %w", err)
	}
	return affected(res)
}

// UpdateProgress stores a progress value clamped to [0,100] without touching the status.
func (r *JobRepo) UpdateProgress(ctx context.Context, id string, progress int) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE jobs SET progress = $2, updated_at = $3 WHERE id = $1`,
		id, model.ClampProgress(progress), r.timeProvider.Now(),
	)
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	return requireAffected(res)
}

// MarkCompleted completes a processing job with the given result. It reports false when the
// job is missing or no longer processing, so a late report cannot overwrite a cancellation.
func (r *JobRepo) MarkCompleted(ctx context.Context, id string, result json.RawMessage) (bool, error) {
	now := r.timeProvider.Now()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'completed',
		    progress = 100,
		    result = $2,
		    error = NULL,
		    finished_at = $3,
		    updated_at = $3
		WHERE id = $1 AND status = 'processing'`,
		id, encodeDocument(result), now,
	)
	if err != nil {
		return false, fmt.Errorf("mark job completed: %w", err)
	}
	return affected(res)
}

// MarkFailed fails a processing job with the given error message. Like MarkCompleted it
// reports false when the job is missing or no longer processing.
func (r *JobRepo) MarkFailed(ctx context.Context, id, errMsg string) (bool, error) {
	now := r.timeProvider.Now()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'failed',
		    error = $2,
		    finished_at = $3,
		    updated_at = $3
		WHERE id = $1 AND status = 'processing'`,
		id, errMsg, now,
	)
	if err != nil {
		return false, fmt.Errorf("mark job failed: %w", err)
	}
	return affected(res)
}

// MarkCancelled cancels a job that has not reached a terminal status.
func (r *JobRepo) MarkCancelled(ctx context.Context, id string) (bool, error) {
	now := r.timeProvider.Now()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'cancelled',
		    finished_at = $2,
		    updated_at = $2
		WHERE id = $1 AND status IN ('pending', 'processing')`,
		id, now,
	)
	if err != nil {
		return false, fmt.Errorf("mark job cancelled: %w", err)
	}
	return affected(res)
}

// RetryFailed consumes one unit of retry budget and rewinds a failed job to pending in a
// single statement, clearing the previous attempt's state. It returns ErrRetryBudgetExhausted
// when the job is missing, not failed, or out of retries.
func (r *JobRepo) RetryFailed(ctx context.Context, id string) (*model.Job, error) {
	row := r.DB.QueryRowContext(ctx, `
		UPDATE jobs
		SET retries = retries + 1,
		    status = 'pending',
		    error = NULL,
		    result = NULL,
		    progress = 0,
		    worker_id = NULL,
		    started_at = NULL,
		    finished_at = NULL,
		    updated_at = $2
		WHERE id = $1 AND status = 'failed' AND retries < max_retries
		RETURNING`+jobColumns,
		id, r.timeProvider.Now(),
	)
	job, err := scanJobFromRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRetryBudgetExhausted
	}
	if err != nil {
		return nil, fmt.Errorf("retry failed job: %w", err)
	}
	return job, nil
}

// Update applies a partial patch. Status changes keep finished_at and progress consistent.
func (r *JobRepo) Update(ctx context.Context, id string, patch *model.JobPatch) (*model.Job, error) {
	if patch.Empty() {
		return nil, ErrEmptyPatch
	}
	if patch.Status != nil && !patch.Status.Valid() {
		return nil, apperrors.Validationf("invalid job status %q", *patch.Status)
	}

	b := newUpdateBuilder(id, r.timeProvider.Now())
	if patch.Status != nil {
		b.set("status", *patch.Status)
		if patch.Status.Terminal() {
			b.setRaw("finished_at = COALESCE(finished_at, " + b.nowRef() + ")")
		} else {
			b.setRaw("finished_at = NULL")
		}
		if *patch.Status == model.JobStatusCompleted {
			b.setRaw("progress = 100")
		}
	}
	if patch.Progress != nil && (patch.Status == nil || *patch.Status != model.JobStatusCompleted) {
		b.set("progress", model.ClampProgress(*patch.Progress))
	}
	if patch.Result != nil {
		b.set("result", encodeDocument(patch.Result))
	}
	if patch.Metadata != nil {
		b.set("metadata", encodeDocument(patch.Metadata))
	}
	if patch.Error != nil {
		b.set("error", *patch.Error)
	}
	if patch.Description != nil {
		b.set("description", *patch.Description)
	}
	if patch.Priority != nil {
		b.set("priority", *patch.Priority)
	}
	if patch.MaxRetries != nil {
		b.set("max_retries", *patch.MaxRetries)
	}

	query, args := b.build()
	job, err := scanJobFromRow(r.DB.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update job: %w", apperrors.MapDBError(err))
	}
	return job, nil
}

// updateBuilder assembles an UPDATE jobs ... RETURNING statement. $1 is the id, $2 the timestamp.
type updateBuilder struct {
	sets []string
	args []any
}

func newUpdateBuilder(id string, now time.Time) *updateBuilder {
	return &updateBuilder{args: []any{id, now}}
}

func (b *updateBuilder) nowRef() string { return "$2" }

func (b *updateBuilder) set(column string, value any) {
	b.args = append(b.args, value)
	b.sets = append(b.sets, column+" = $"+strconv.Itoa(len(b.args)))
}

func (b *updateBuilder) setRaw(expr string) {
	b.sets = append(b.sets, expr)
}

func (b *updateBuilder) build() (string, []any) {
	sets := append(b.sets, "updated_at = "+b.nowRef())
	query := "UPDATE jobs SET " + strings.Join(sets, ", ") + " WHERE id = $1 RETURNING" + jobColumns
	return query, b.args
}

type jobRowScanner interface {
	Scan(dest ...any) error
}

type jobRowData struct {
	workerID, userID, description   sql.NullString
	payload, result, metadata, jErr sql.NullString
	startedAt, finishedAt           sql.NullTime
}

func (d *jobRowData) scanInto(scanner jobRowScanner, job *model.Job) error {
	return scanner.Scan(
		&job.ID,
		&job.Type,
		&job.Status,
		&job.QueueName,
		&d.workerID,
		&d.userID,
		&d.description,
		&d.payload,
		&d.result,
		&d.metadata,
		&d.jErr,
		&job.Priority,
		&job.Retries,
		&job.MaxRetries,
		&job.Progress,
		&d.startedAt,
		&d.finishedAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
}

func (d *jobRowData) apply(job *model.Job) {
	job.WorkerID = cloneNullableString(d.workerID)
	job.UserID = cloneNullableString(d.userID)
	job.Description = cloneNullableString(d.description)
	job.Payload = decodeDocument(d.payload)
	if job.Payload == nil {
		job.Payload = json.RawMessage(`{}`)
	}
	job.Result = decodeDocument(d.result)
	job.Metadata = decodeDocument(d.metadata)
	job.Error = cloneNullableString(d.jErr)
	job.StartedAt = cloneNullableTime(d.startedAt)
	job.FinishedAt = cloneNullableTime(d.finishedAt)
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
}

func scanJobFromRow(scanner jobRowScanner) (*model.Job, error) {
	job := &model.Job{}
	var data jobRowData
	if err := data.scanInto(scanner, job); err != nil {
		return nil, err
	}

	data.apply(job)
	return job, nil
}

func scanJobsFromRows(rows *sql.Rows) ([]*model.Job, error) {
	jobs := make([]*model.Job, 0)
	for rows.Next() {
		job, err := scanJobFromRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func cloneNullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func cloneNullableTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func requireAffected(res sql.Result) error {
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return ErrJobNotFound
	}
	return nil
}
