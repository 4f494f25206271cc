// Package pgstore implements the job store on PostgreSQL. Claims use
// FOR UPDATE SKIP LOCKED so concurrent workers never contend on the same
// queued row, and every owner mutation is a conditional update checked
// against the ownership column.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kernelboard/benchd/jobstore"
	"github.com/kernelboard/benchd/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS bench_jobs (
	id            uuid PRIMARY KEY,
	submission_id text        NOT NULL,
	submission    jsonb       NOT NULL,
	task          text        NOT NULL,
	username      text        NOT NULL,
	submitted_at  timestamptz NOT NULL,
	state         text        NOT NULL,
	owner         text        NOT NULL DEFAULT '',
	attempts      int         NOT NULL DEFAULT 0,
	diagnostic    text        NOT NULL DEFAULT '',
	enqueued_at   timestamptz NOT NULL,
	heartbeat     timestamptz,
	finished_at   timestamptz,
	result        jsonb,
	score         jsonb
);
CREATE INDEX IF NOT EXISTS bench_jobs_queued
	ON bench_jobs (enqueued_at) WHERE state = 'queued';
CREATE INDEX IF NOT EXISTS bench_jobs_task
	ON bench_jobs (task) WHERE state = 'completed';
`

// Store is a PostgreSQL-backed job store.
type Store struct {
	pool *pgxpool.Pool
}

var _ jobstore.Store = (*Store)(nil)

// New connects to PostgreSQL and ensures the schema exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: connect: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Enqueue implements jobstore.Store.
func (s *Store) Enqueue(ctx context.Context, sub *model.Submission) (*model.Job, error) {
	raw, err := json.Marshal(sub)
	if err != nil {
		return nil, fmt.Errorf("pgstore: encode submission: %w", err)
	}
	job := &model.Job{
		ID:           uuid.NewString(),
		SubmissionID: sub.ID,
		State:        model.JobQueued,
		EnqueuedAt:   time.Now(),
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO bench_jobs (id, submission_id, submission, task, username, submitted_at, state, enqueued_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'queued', $7)`,
		job.ID, sub.ID, raw, sub.Task, sub.User, sub.SubmittedAt, job.EnqueuedAt)
	if err != nil {
		return nil, fmt.Errorf("pgstore: enqueue: %w", err)
	}
	return job, nil
}

// ClaimNext implements jobstore.Store.
func (s *Store) ClaimNext(ctx context.Context, owner string) (*model.Job, *model.Submission, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE bench_jobs
		SET state = 'claimed', owner = $1, attempts = attempts + 1, heartbeat = now()
		WHERE id = (
			SELECT id FROM bench_jobs
			WHERE state = 'queued'
			ORDER BY enqueued_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, submission_id, submission, attempts, enqueued_at, heartbeat`,
		owner)

	var (
		job model.Job
		raw []byte
	)
	err := row.Scan(&job.ID, &job.SubmissionID, &raw, &job.Attempts, &job.EnqueuedAt, &job.Heartbeat)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, jobstore.ErrEmpty
	}
	if err != nil {
		return nil, nil, fmt.Errorf("pgstore: claim: %w", err)
	}
	job.State = model.JobClaimed
	job.Owner = owner

	var sub model.Submission
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, nil, fmt.Errorf("pgstore: decode submission: %w", err)
	}
	return &job, &sub, nil
}

// MarkRunning implements jobstore.Store.
func (s *Store) MarkRunning(ctx context.Context, jobID, owner string) error {
	return s.ownedUpdate(ctx, jobID, owner, `
		UPDATE bench_jobs SET state = 'running', heartbeat = now()
		WHERE id = $1 AND owner = $2 AND state IN ('claimed', 'running')`)
}

// Heartbeat implements jobstore.Store. GREATEST keeps the timestamp
// monotonic under clock skew between workers.
func (s *Store) Heartbeat(ctx context.Context, jobID, owner string) error {
	return s.ownedUpdate(ctx, jobID, owner, `
		UPDATE bench_jobs SET heartbeat = GREATEST(heartbeat, now())
		WHERE id = $1 AND owner = $2 AND state IN ('claimed', 'running')`)
}

// SaveResult implements jobstore.Store. The whole run set lands in one
// row update, so readers never see it half written. The update is
// conditional on ownership: a worker that lost its job to a reclaim
// sweep cannot overwrite the new owner's result.
func (s *Store) SaveResult(ctx context.Context, jobID, owner string, fr *model.FullResult) error {
	raw, err := json.Marshal(fr)
	if err != nil {
		return fmt.Errorf("pgstore: encode result: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE bench_jobs SET result = $3
		WHERE id = $1 AND owner = $2 AND state IN ('claimed', 'running')`,
		jobID, owner, raw)
	if err != nil {
		return fmt.Errorf("pgstore: save result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyMiss(ctx, jobID, owner)
	}
	return nil
}

// FinishJob implements jobstore.Store.
func (s *Store) FinishJob(ctx context.Context, jobID, owner string, state model.JobState, score *model.Score, diagnostic string) error {
	if !state.Terminal() {
		return fmt.Errorf("pgstore: finish with non-terminal state %v", state)
	}
	var rawScore []byte
	if score != nil {
		var err error
		if rawScore, err = json.Marshal(score); err != nil {
			return fmt.Errorf("pgstore: encode score: %w", err)
		}
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE bench_jobs
		SET state = $2, score = $3, diagnostic = $4, finished_at = now(), owner = ''
		WHERE id = $1 AND owner = $5
		  AND state NOT IN ('completed', 'failed', 'timed_out')`,
		jobID, state.String(), rawScore, diagnostic, owner)
	if err != nil {
		return fmt.Errorf("pgstore: finish: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyMiss(ctx, jobID, owner)
	}
	return nil
}

// ReclaimStale implements jobstore.Store.
func (s *Store) ReclaimStale(ctx context.Context, window time.Duration, maxAttempts int) (requeued, poisoned []string, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("pgstore: reclaim: %w", err)
	}
	defer tx.Rollback(ctx)

	// attempts counts claims, so the Nth reclamation sees N attempts.
	cutoff := time.Now().Add(-window)
	poisoned, err = collectIDs(tx.Query(ctx, `
		UPDATE bench_jobs
		SET state = 'failed', owner = '', finished_at = now(),
		    diagnostic = 'abandoned repeatedly, presumed poisonous'
		WHERE state IN ('claimed', 'running') AND heartbeat < $1 AND attempts > $2
		RETURNING id`, cutoff, maxAttempts))
	if err != nil {
		return nil, nil, fmt.Errorf("pgstore: poison sweep: %w", err)
	}
	requeued, err = collectIDs(tx.Query(ctx, `
		UPDATE bench_jobs
		SET state = 'queued', owner = ''
		WHERE state IN ('claimed', 'running') AND heartbeat < $1 AND attempts <= $2
		RETURNING id`, cutoff, maxAttempts))
	if err != nil {
		return nil, nil, fmt.Errorf("pgstore: requeue sweep: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("pgstore: reclaim commit: %w", err)
	}
	return requeued, poisoned, nil
}

// QueueDepth implements jobstore.Store.
func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM bench_jobs WHERE state = 'queued'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("pgstore: queue depth: %w", err)
	}
	return n, nil
}

// GetJob implements jobstore.Store.
func (s *Store) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, submission_id, state, owner, attempts, diagnostic,
		       enqueued_at, COALESCE(heartbeat, 'epoch'), COALESCE(finished_at, 'epoch')
		FROM bench_jobs WHERE id = $1`, jobID)

	var (
		job   model.Job
		state string
	)
	err := row.Scan(&job.ID, &job.SubmissionID, &state, &job.Owner, &job.Attempts,
		&job.Diagnostic, &job.EnqueuedAt, &job.Heartbeat, &job.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, jobstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: get job: %w", err)
	}
	if job.State, err = model.StringToJobState(state); err != nil {
		return nil, fmt.Errorf("pgstore: get job: %w", err)
	}
	return &job, nil
}

// GetResult implements jobstore.Store.
func (s *Store) GetResult(ctx context.Context, jobID string) (*model.FullResult, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT result FROM bench_jobs WHERE id = $1`, jobID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, jobstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: get result: %w", err)
	}
	if raw == nil {
		return nil, jobstore.ErrNotFound
	}
	var fr model.FullResult
	if err := json.Unmarshal(raw, &fr); err != nil {
		return nil, fmt.Errorf("pgstore: decode result: %w", err)
	}
	return &fr, nil
}

// Leaderboard implements jobstore.Store. Rows are fetched flat and ranked
// in process; the score column carries its own ranking direction.
func (s *Store) Leaderboard(ctx context.Context, task string) ([]model.RankEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT submission_id, username, score, submitted_at
		FROM bench_jobs
		WHERE task = $1 AND state = 'completed' AND score IS NOT NULL`, task)
	if err != nil {
		return nil, fmt.Errorf("pgstore: leaderboard: %w", err)
	}
	defer rows.Close()

	var out []model.RankEntry
	for rows.Next() {
		var (
			e   model.RankEntry
			raw []byte
		)
		if err := rows.Scan(&e.SubmissionID, &e.User, &raw, &e.SubmittedAt); err != nil {
			return nil, fmt.Errorf("pgstore: leaderboard: %w", err)
		}
		if err := json.Unmarshal(raw, &e.Score); err != nil {
			return nil, fmt.Errorf("pgstore: decode score: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgstore: leaderboard: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Better(out[j]) })
	return out, nil
}

// Close implements jobstore.Store.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) ownedUpdate(ctx context.Context, jobID, owner, query string) error {
	tag, err := s.pool.Exec(ctx, query, jobID, owner)
	if err != nil {
		return fmt.Errorf("pgstore: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyMiss(ctx, jobID, owner)
	}
	return nil
}

// classifyMiss turns a zero-row conditional update into the precise
// sentinel: unknown id, terminal state, or foreign owner.
func (s *Store) classifyMiss(ctx context.Context, jobID, owner string) error {
	var state, curOwner string
	err := s.pool.QueryRow(ctx,
		`SELECT state, owner FROM bench_jobs WHERE id = $1`, jobID).Scan(&state, &curOwner)
	if errors.Is(err, pgx.ErrNoRows) {
		return jobstore.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("pgstore: classify: %w", err)
	}
	st, err := model.StringToJobState(state)
	if err == nil && st.Terminal() {
		return jobstore.ErrTerminal
	}
	if owner != "" && curOwner != owner {
		return jobstore.ErrNotOwner
	}
	return jobstore.ErrNotFound
}

func collectIDs(rows pgx.Rows, err error) ([]string, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
