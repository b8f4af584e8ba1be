// Package store provides the JobRepo interface and model for durable job scheduling.
package store

import (
	"context"
	"time"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobStatusQueued   JobStatus = "queued"
	JobStatusRunning  JobStatus = "running"
	JobStatusDone     JobStatus = "done"
	JobStatusFailed   JobStatus = "failed"
	JobStatusCanceled JobStatus = "canceled"
)

// DefaultMaxAttempts is used when a JobSpec does not set MaxAttempts.
const DefaultMaxAttempts = 3

// Job is a durable unit of asynchronous work. Failed rows double as the failure log.
type Job struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	RunAt       time.Time  `json:"run_at"`
	PayloadJSON string     `json:"payload_json"`
	Status      JobStatus  `json:"status"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts"`
	LastError   string     `json:"last_error,omitempty"`
	LockedAt    *time.Time `json:"locked_at,omitempty"`
	DedupeKey   string     `json:"dedupe_key,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// JobSpec describes a job to enqueue.
type JobSpec struct {
	Kind        string
	RunAt       time.Time // zero means now
	PayloadJSON string
	DedupeKey   string
	MaxAttempts int // 1 means the job is attempted at most once
}

// JobRepo defines the interface for durable job persistence.
type JobRepo interface {
	// EnqueueJob inserts a new job. If DedupeKey is non-empty and a non-terminal
	// job with that key already exists, the existing job ID is returned.
	EnqueueJob(ctx context.Context, spec JobSpec) (string, error)

	// ClaimDueJobs marks up to limit queued jobs whose run_at <= now as running
	// and returns them. A job claimed by another process is skipped.
	ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error)

	CompleteJob(ctx context.Context, id string) error

	// FailJob records the error and reschedules at nextRunAt while attempts
	// remain; otherwise the job is marked permanently failed.
	FailJob(ctx context.Context, id string, errMsg string, nextRunAt time.Time) error

	CancelJob(ctx context.Context, id string) error

	// RequeueStaleRunningJobs handles jobs left running since before staleBefore.
	// Jobs with attempts left are requeued, the rest are marked failed.
	RequeueStaleRunningJobs(ctx context.Context, staleBefore time.Time) (int, error)

	GetJob(ctx context.Context, id string) (*Job, error)

	// ListFailedJobs returns the most recently failed jobs.
	ListFailedJobs(ctx context.Context, limit int) ([]Job, error)

	// PruneJobs deletes terminal jobs last updated before the cutoff.
	PruneJobs(ctx context.Context, before time.Time) (int64, error)
}
