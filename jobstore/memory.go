package jobstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kernelboard/benchd/model"
)

type memoryRecord struct {
	job    model.Job
	sub    model.Submission
	result *model.FullResult
	score  *model.Score
}

// Memory is an in-process Store for single-node deployments and tests.
type Memory struct {
	mu    sync.Mutex
	jobs  map[string]*memoryRecord
	queue []string // job ids, FIFO

	now func() time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs: make(map[string]*memoryRecord),
		now:  time.Now,
	}
}

// Enqueue implements Store.
func (m *Memory) Enqueue(_ context.Context, sub *model.Submission) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job := model.Job{
		ID:           uuid.NewString(),
		SubmissionID: sub.ID,
		State:        model.JobQueued,
		EnqueuedAt:   m.now(),
	}
	m.jobs[job.ID] = &memoryRecord{job: job, sub: *sub}
	m.queue = append(m.queue, job.ID)
	j := job
	return &j, nil
}

// ClaimNext implements Store.
func (m *Memory) ClaimNext(_ context.Context, owner string) (*model.Job, *model.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for len(m.queue) > 0 {
		id := m.queue[0]
		m.queue = m.queue[1:]

		rec, ok := m.jobs[id]
		// A queue entry can outlive its job's queued state after a
		// reclaim; such entries are skipped, never resurrected.
		if !ok || rec.job.State != model.JobQueued {
			continue
		}
		rec.job.State = model.JobClaimed
		rec.job.Owner = owner
		rec.job.Attempts++
		rec.job.Heartbeat = m.now()

		j, s := rec.job, rec.sub
		return &j, &s, nil
	}
	return nil, nil, ErrEmpty
}

// MarkRunning implements Store.
func (m *Memory) MarkRunning(_ context.Context, jobID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.owned(jobID, owner)
	if err != nil {
		return err
	}
	rec.job.State = model.JobRunning
	rec.job.Heartbeat = m.now()
	return nil
}

// Heartbeat implements Store.
func (m *Memory) Heartbeat(_ context.Context, jobID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.owned(jobID, owner)
	if err != nil {
		return err
	}
	if t := m.now(); t.After(rec.job.Heartbeat) {
		rec.job.Heartbeat = t
	}
	return nil
}

// SaveResult implements Store.
func (m *Memory) SaveResult(_ context.Context, jobID, owner string, fr *model.FullResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.owned(jobID, owner)
	if err != nil {
		return err
	}
	cp := *fr
	rec.result = &cp
	return nil
}

// FinishJob implements Store.
func (m *Memory) FinishJob(_ context.Context, jobID, owner string, state model.JobState, score *model.Score, diagnostic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.owned(jobID, owner)
	if err != nil {
		return err
	}
	if !state.Terminal() {
		return fmt.Errorf("jobstore: finish with non-terminal state %v", state)
	}
	rec.job.State = state
	rec.job.Diagnostic = diagnostic
	rec.job.FinishedAt = m.now()
	rec.job.Owner = ""
	rec.score = score
	return nil
}

// ReclaimStale implements Store.
func (m *Memory) ReclaimStale(_ context.Context, window time.Duration, maxAttempts int) (requeued, poisoned []string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-window)
	var stale []*memoryRecord
	for _, rec := range m.jobs {
		switch rec.job.State {
		case model.JobClaimed, model.JobRunning:
			if rec.job.Heartbeat.Before(cutoff) {
				stale = append(stale, rec)
			}
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		return stale[i].job.EnqueuedAt.Before(stale[j].job.EnqueuedAt)
	})

	for _, rec := range stale {
		// Attempts counts claims, so the Nth reclamation sees N attempts.
		if rec.job.Attempts > maxAttempts {
			rec.job.State = model.JobFailed
			rec.job.Diagnostic = "abandoned repeatedly, presumed poisonous"
			rec.job.FinishedAt = m.now()
			rec.job.Owner = ""
			poisoned = append(poisoned, rec.job.ID)
			continue
		}
		rec.job.State = model.JobQueued
		rec.job.Owner = ""
		m.queue = append(m.queue, rec.job.ID)
		requeued = append(requeued, rec.job.ID)
	}
	return requeued, poisoned, nil
}

// QueueDepth implements Store.
func (m *Memory) QueueDepth(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue), nil
}

// GetJob implements Store.
func (m *Memory) GetJob(_ context.Context, jobID string) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	j := rec.job
	return &j, nil
}

// GetResult implements Store.
func (m *Memory) GetResult(_ context.Context, jobID string) (*model.FullResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.jobs[jobID]
	if !ok || rec.result == nil {
		return nil, ErrNotFound
	}
	cp := *rec.result
	return &cp, nil
}

// Leaderboard implements Store.
func (m *Memory) Leaderboard(_ context.Context, task string) ([]model.RankEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.RankEntry
	for _, rec := range m.jobs {
		if rec.score == nil || rec.sub.Task != task || rec.job.State != model.JobCompleted {
			continue
		}
		out = append(out, model.RankEntry{
			SubmissionID: rec.sub.ID,
			User:         rec.sub.User,
			Score:        *rec.score,
			SubmittedAt:  rec.sub.SubmittedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Better(out[j]) })
	return out, nil
}

// Close implements Store.
func (m *Memory) Close() error { return nil }

func (m *Memory) owned(jobID, owner string) (*memoryRecord, error) {
	rec, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	if rec.job.State.Terminal() {
		return nil, ErrTerminal
	}
	if rec.job.Owner != owner {
		return nil, ErrNotOwner
	}
	return rec, nil
}
