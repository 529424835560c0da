package model

// JobListOptions groups optional filters for listing jobs, newest first.
type JobListOptions struct {
	Status   *JobStatus // Optional filter by status
	Type     *JobType   // Optional filter by type
	Queue    *string    // Optional filter by queue name
	WorkerID *string    // Optional filter by claiming worker
	UserID   *string    // Optional filter by submitting user
	Limit    int        // Pagination limit (0 = store default)
	Offset   int        // Pagination offset
}
