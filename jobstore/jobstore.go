// Package jobstore defines the durable job store: the queue of pending
// jobs, the ownership and heartbeat records of claimed ones, and the
// results and scores of finished ones. The store is the single source of
// truth for the job lifecycle; workers coordinate exclusively through it.
package jobstore

import (
	"context"
	"errors"
	"time"

	"github.com/kernelboard/benchd/model"
)

var (
	// ErrEmpty is returned by ClaimNext when no job is queued.
	ErrEmpty = errors.New("jobstore: no queued jobs")

	// ErrNotFound is returned when the job id is unknown.
	ErrNotFound = errors.New("jobstore: job not found")

	// ErrNotOwner is returned when a worker touches a job it does not own.
	ErrNotOwner = errors.New("jobstore: job owned by another worker")

	// ErrTerminal is returned on writes to a job in a terminal state.
	ErrTerminal = errors.New("jobstore: job already terminal")
)

// Store persists jobs through their lifecycle. Claims are exclusive: at
// most one live worker owns a non-terminal job, and every mutation by an
// owner is checked against the ownership record.
type Store interface {
	// Enqueue accepts a submission and creates its queued job.
	Enqueue(ctx context.Context, sub *model.Submission) (*model.Job, error)

	// ClaimNext atomically claims the oldest queued job for owner and
	// returns it with its submission. ErrEmpty when nothing is queued.
	ClaimNext(ctx context.Context, owner string) (*model.Job, *model.Submission, error)

	// MarkRunning moves a claimed job to running.
	MarkRunning(ctx context.Context, jobID, owner string) error

	// Heartbeat advances the liveness timestamp of an owned job. The
	// timestamp only moves forward.
	Heartbeat(ctx context.Context, jobID, owner string) error

	// SaveResult stores the full result set of a job in one write.
	// Readers never observe a partially written run set. Only the current
	// owner may write; a reclaimed worker gets ErrNotOwner.
	SaveResult(ctx context.Context, jobID, owner string, fr *model.FullResult) error

	// FinishJob moves a job to a terminal state, attaching the optional
	// score and diagnostic. Only the current owner may finish, and
	// terminal states are final: finishing an already-terminal job
	// returns ErrTerminal.
	FinishJob(ctx context.Context, jobID, owner string, state model.JobState, score *model.Score, diagnostic string) error

	// ReclaimStale requeues claimed or running jobs whose heartbeat is
	// older than window. A job already reclaimed maxAttempts times is
	// presumed poisonous and failed instead of requeued.
	ReclaimStale(ctx context.Context, window time.Duration, maxAttempts int) (requeued, poisoned []string, err error)

	// QueueDepth counts queued jobs.
	QueueDepth(ctx context.Context) (int, error)

	// GetJob fetches one job record.
	GetJob(ctx context.Context, jobID string) (*model.Job, error)

	// GetResult fetches the stored result of a job, or ErrNotFound if
	// none has been saved.
	GetResult(ctx context.Context, jobID string) (*model.FullResult, error)

	// Leaderboard returns the scored entries of one task, best first.
	Leaderboard(ctx context.Context, task string) ([]model.RankEntry, error)

	// Close releases the store.
	Close() error
}
