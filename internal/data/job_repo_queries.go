package data

import (
	"context"
	"errors"
	"fmt"

	"github.com/target/mmk-orchestrator/internal/domain/model"
)

// jobFilterQueryBuilder appends equality predicates with positional args.
type jobFilterQueryBuilder struct {
	query  string
	args   []any
	argIdx int
}

func newJobFilterQueryBuilder() *jobFilterQueryBuilder {
	return &jobFilterQueryBuilder{
		query:  `SELECT` + jobColumns + `FROM jobs WHERE 1=1`,
		argIdx: 1,
	}
}

func (b *jobFilterQueryBuilder) addFilter(column string, value any) {
	if value == nil {
		return
	}
	b.query += fmt.Sprintf(" AND %s = $%d", column, b.argIdx)
	b.args = append(b.args, value)
	b.argIdx++
}

func (b *jobFilterQueryBuilder) finish(orderBy string, limit, offset int) (string, []any) {
	b.query += " ORDER BY " + orderBy
	b.query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", b.argIdx, b.argIdx+1)
	b.args = append(b.args, limit, offset)
	return b.query, b.args
}

// List returns jobs matching the given filters, newest first.
func (r *JobRepo) List(ctx context.Context, opts *model.JobListOptions) ([]*model.Job, error) {
	if opts == nil {
		opts = &model.JobListOptions{}
	}
	if opts.Status != nil && !opts.Status.Valid() {
		return nil, fmt.Errorf("invalid job status: %s", *opts.Status)
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	b := newJobFilterQueryBuilder()
	if opts.Status != nil {
		b.addFilter("status", *opts.Status)
	}
	if opts.Type != nil {
		b.addFilter("type", *opts.Type)
	}
	if opts.Queue != nil {
		b.addFilter("queue_name", *opts.Queue)
	}
	if opts.WorkerID != nil {
		b.addFilter("worker_id", *opts.WorkerID)
	}
	if opts.UserID != nil {
		b.addFilter("user_id", *opts.UserID)
	}
	query, args := b.finish("created_at DESC, id DESC", r.listLimit(opts.Limit), offset)

	return r.queryJobs(ctx, "list jobs", query, args...)
}

// collectPages calls fetch with growing offsets until a short page comes back.
func (r *JobRepo) collectPages(ctx context.Context, fetch func(limit, offset int) ([]*model.Job, error)) ([]*model.Job, error) {
	size := r.pageSize()
	var all []*model.Job
	for offset := 0; ; offset += size {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := fetch(size, offset)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < size {
			return all, nil
		}
	}
}

// findAll pages through List so callers get every match, not just the first page.
func (r *JobRepo) findAll(ctx context.Context, opts model.JobListOptions) ([]*model.Job, error) {
	return r.collectPages(ctx, func(limit, offset int) ([]*model.Job, error) {
		page := opts
		page.Limit, page.Offset = limit, offset
		return r.List(ctx, &page)
	})
}

// FindByStatus returns every job in the given status, newest first.
func (r *JobRepo) FindByStatus(ctx context.Context, status model.JobStatus) ([]*model.Job, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid job status: %s", status)
	}
	return r.findAll(ctx, model.JobListOptions{Status: &status})
}

// FindByType returns every job of the given type, newest first.
func (r *JobRepo) FindByType(ctx context.Context, jobType model.JobType) ([]*model.Job, error) {
	if !jobType.Valid() {
		return nil, errors.New("job type is required")
	}
	return r.findAll(ctx, model.JobListOptions{Type: &jobType})
}

// FindByQueue returns every job routed to the given queue, newest first.
func (r *JobRepo) FindByQueue(ctx context.Context, queue string) ([]*model.Job, error) {
	return r.findAll(ctx, model.JobListOptions{Queue: &queue})
}

// FindByWorker returns every job last claimed by the given worker, newest first.
func (r *JobRepo) FindByWorker(ctx context.Context, workerID string) ([]*model.Job, error) {
	return r.findAll(ctx, model.JobListOptions{WorkerID: &workerID})
}

// FindByUser returns every job submitted by the given user, newest first.
func (r *JobRepo) FindByUser(ctx context.Context, userID string) ([]*model.Job, error) {
	return r.findAll(ctx, model.JobListOptions{UserID: &userID})
}

// FindRetryable returns every failed job that still has retry budget, oldest first.
func (r *JobRepo) FindRetryable(ctx context.Context) ([]*model.Job, error) {
	query := `SELECT` + jobColumns + `FROM jobs
		WHERE status = 'failed' AND retries < max_retries
		ORDER BY created_at ASC, id ASC
		LIMIT $1 OFFSET $2`
	return r.collectPages(ctx, func(limit, offset int) ([]*model.Job, error) {
		return r.queryJobs(ctx, "find retryable jobs", query, limit, offset)
	})
}

// GetStats counts jobs per status in a single pass.
func (r *JobRepo) GetStats(ctx context.Context) (*model.JobStats, error) {
	var s model.JobStats
	err := r.DB.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'processing'),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'cancelled')
		FROM jobs`,
	).Scan(&s.Pending, &s.Processing, &s.Completed, &s.Failed, &s.Cancelled)
	if err != nil {
		return nil, fmt.Errorf("get job stats: %w", err)
	}
	s.Total = s.Pending + s.Processing + s.Completed + s.Failed + s.Cancelled
	return &s, nil
}

func (r *JobRepo) queryJobs(ctx context.Context, op, query string, args ...any) ([]*model.Job, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	jobs, err := scanJobsFromRows(rows)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return jobs, nil
}
