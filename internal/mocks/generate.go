// Package mocks provides mock implementations of the orchestrator's core ports.
//
// This package uses go.uber.org/mock (gomock) to generate type-safe mocks for the interfaces in internal/core.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	repo := mocks.NewMockJobRepository(ctrl)
//	repo.EXPECT().GetByID(gomock.Any(), "job-1").Return(job, nil)
package mocks

// Job and result stores.
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=job_repository_mock.go github.com/target/mmk-orchestrator/internal/core JobRepository
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=job_result_repository_mock.go github.com/target/mmk-orchestrator/internal/core JobResultRepository
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=reaper_repository_mock.go github.com/target/mmk-orchestrator/internal/core ReaperRepository
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=cache_repository_mock.go github.com/target/mmk-orchestrator/internal/core CacheRepository

// Supervisor collaborators.
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=result_recorder_mock.go github.com/target/mmk-orchestrator/internal/core ResultRecorder
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=broker_mock.go github.com/target/mmk-orchestrator/internal/core Broker
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=process_mock.go github.com/target/mmk-orchestrator/internal/core CancelBus,ProcessHandle,ProcessSpawner
