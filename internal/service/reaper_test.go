package service

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/mmk-orchestrator/config"
	"github.com/target/mmk-orchestrator/internal/mocks"
	"github.com/target/mmk-orchestrator/internal/observability/statsd"
	"go.uber.org/mock/gomock"
)

func testReaperConfig() config.ReaperConfig {
	return config.ReaperConfig{
		Interval:            5 * time.Minute,
		CompletedMaxAgeDays: 30,
		ResultsMaxAgeDays:   90,
		ProcessingTimeout:   time.Hour,
		BatchSize:           100,
	}
}

// countingReaperRepo counts sweeps for the Run loop tests.
type countingReaperRepo struct {
	staleCalls atomic.Int64
	err        error
}

func (r *countingReaperRepo) FailStaleProcessing(context.Context, time.Duration, int) (int64, error) {
	r.staleCalls.Add(1)
	return 0, r.err
}

func (r *countingReaperRepo) DeleteOldCompleted(context.Context, int) (int64, error) { return 0, nil }

func (r *countingReaperRepo) DeleteOldResults(context.Context, int) (int64, error) { return 0, nil }

func TestNewReaperService(t *testing.T) {
	t.Run("creates service with valid options", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		svc, err := NewReaperService(ReaperServiceOptions{
			Repo:   mocks.NewMockReaperRepository(ctrl),
			Config: testReaperConfig(),
			Logger: slog.Default(),
		})

		require.NoError(t, err)
		assert.NotNil(t, svc)
	})

	t.Run("returns error when repo is nil", func(t *testing.T) {
		_, err := NewReaperService(ReaperServiceOptions{Config: testReaperConfig()})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "ReaperRepository is required")
	})
}

func TestReaperService_RunOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("runs every sweep and batches stale jobs", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		repo := mocks.NewMockReaperRepository(ctrl)
		rec := &statsd.Recorder{}

		gomock.InOrder(
			repo.EXPECT().FailStaleProcessing(ctx, time.Hour, 100).Return(int64(100), nil),
			repo.EXPECT().FailStaleProcessing(ctx, time.Hour, 100).Return(int64(7), nil),
		)
		repo.EXPECT().DeleteOldCompleted(ctx, 30).Return(int64(12), nil)
		repo.EXPECT().DeleteOldResults(ctx, 90).Return(int64(40), nil)

		svc, err := NewReaperService(ReaperServiceOptions{Repo: repo, Config: testReaperConfig(), Metrics: rec})
		require.NoError(t, err)

		require.NoError(t, svc.RunOnce(ctx))

		cleanup := rec.Find("reaper.cleanup")
		require.Len(t, cleanup, 1)
		assert.Equal(t, "success", cleanup[0].Tags["result"])

		processed := map[string]float64{}
		for _, m := range rec.Find("reaper.rows_processed") {
			processed[m.Tags["operation"]] = m.Value
		}
		assert.Equal(t, map[string]float64{
			"fail_stale_processing": 107,
			"delete_completed":      12,
			"delete_job_results":    40,
		}, processed)
		assert.Len(t, rec.Find("reaper.last_success_epoch"), 1)
	})

	t.Run("stale sweep is skipped without a timeout", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		repo := mocks.NewMockReaperRepository(ctrl)
		rec := &statsd.Recorder{}
		cfg := testReaperConfig()
		cfg.ProcessingTimeout = 0

		repo.EXPECT().DeleteOldCompleted(ctx, 30).Return(int64(0), nil)
		repo.EXPECT().DeleteOldResults(ctx, 90).Return(int64(0), nil)

		svc, err := NewReaperService(ReaperServiceOptions{Repo: repo, Config: cfg, Metrics: rec})
		require.NoError(t, err)

		require.NoError(t, svc.RunOnce(ctx))
		cleanup := rec.Find("reaper.cleanup")
		require.Len(t, cleanup, 1)
		assert.Equal(t, "noop", cleanup[0].Tags["result"])
	})

	t.Run("continues on partial errors", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		repo := mocks.NewMockReaperRepository(ctrl)
		rec := &statsd.Recorder{}

		repo.EXPECT().FailStaleProcessing(ctx, time.Hour, 100).Return(int64(0), errors.New("deadlock detected"))
		repo.EXPECT().DeleteOldCompleted(ctx, 30).Return(int64(3), nil)
		repo.EXPECT().DeleteOldResults(ctx, 90).Return(int64(0), nil)

		svc, err := NewReaperService(ReaperServiceOptions{Repo: repo, Config: testReaperConfig(), Metrics: rec})
		require.NoError(t, err)

		err = svc.RunOnce(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "fail stale processing jobs")

		cleanup := rec.Find("reaper.cleanup")
		require.Len(t, cleanup, 1)
		assert.Equal(t, "error", cleanup[0].Tags["result"])
		assert.Empty(t, rec.Find("reaper.last_success_epoch"))
	})

	t.Run("cancelled context is reported as cancellation", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		repo := mocks.NewMockReaperRepository(ctrl)
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		repo.EXPECT().FailStaleProcessing(cctx, gomock.Any(), gomock.Any()).Return(int64(0), context.Canceled)
		repo.EXPECT().DeleteOldCompleted(cctx, gomock.Any()).Return(int64(0), context.Canceled)
		repo.EXPECT().DeleteOldResults(cctx, gomock.Any()).Return(int64(0), context.Canceled)

		svc, err := NewReaperService(ReaperServiceOptions{Repo: repo, Config: testReaperConfig()})
		require.NoError(t, err)

		assert.ErrorIs(t, svc.RunOnce(cctx), context.Canceled)
	})
}

func TestReaperService_Run(t *testing.T) {
	t.Run("stops on context cancellation", func(t *testing.T) {
		repo := &countingReaperRepo{}
		cfg := testReaperConfig()
		cfg.Interval = 100 * time.Millisecond

		svc, err := NewReaperService(ReaperServiceOptions{Repo: repo, Config: cfg})
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			done <- svc.Run(ctx)
		}()

		time.Sleep(150 * time.Millisecond)
		cancel()

		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("Run did not stop after context cancellation")
		}
		assert.GreaterOrEqual(t, repo.staleCalls.Load(), int64(1))
	})

	t.Run("continues running despite cleanup errors", func(t *testing.T) {
		repo := &countingReaperRepo{err: errors.New("test error")}
		cfg := testReaperConfig()
		cfg.Interval = 50 * time.Millisecond

		svc, err := NewReaperService(ReaperServiceOptions{Repo: repo, Config: cfg})
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()

		err = svc.Run(ctx)
		require.ErrorIs(t, err, context.DeadlineExceeded)
		assert.GreaterOrEqual(t, repo.staleCalls.Load(), int64(2))
	})
}

func TestReaperService_Sweep(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockReaperRepository(ctrl)
	cfg := testReaperConfig()
	cfg.ProcessingTimeout = 0

	repo.EXPECT().DeleteOldCompleted(ctx, 30).Return(int64(5), nil)
	repo.EXPECT().DeleteOldResults(ctx, 90).Return(int64(0), errors.New("lock timeout"))

	svc, err := NewReaperService(ReaperServiceOptions{Repo: repo, Config: cfg})
	require.NoError(t, err)

	report := svc.Sweep(ctx)
	require.Len(t, report.Steps, 3)
	assert.Equal(t, SweepStep{Operation: OpFailStaleProcessing, Skipped: true}, report.Steps[0])
	assert.Equal(t, int64(5), report.Steps[1].Rows)
	assert.Equal(t, int64(5), report.Rows())
	require.EqualError(t, report.Err(), "delete old job results: lock timeout")
}
