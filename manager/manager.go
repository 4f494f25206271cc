// Package manager runs the background worker pool. Workers claim queued
// jobs from the store, execute them through the orchestrator, heartbeat
// while running and write the terminal outcome back. The pool size floats
// between configured bounds based on sustained queue depth.
package manager

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kernelboard/benchd/jobstore"
	"github.com/kernelboard/benchd/model"
	"github.com/kernelboard/benchd/orchestrator"
	"github.com/kernelboard/benchd/report"
)

// Executor runs one claimed job to completion. Satisfied by
// orchestrator.Orchestrator.
type Executor interface {
	Execute(ctx context.Context, jobID, owner string, sub *model.Submission, rep report.Reporter) (*model.FullResult, *model.Score, error)
}

// Config holds the pool knobs. Every liveness and scaling parameter is
// configuration, not a constant.
type Config struct {
	MinWorkers int `flagUsage:"minimum worker count" default:"2"`
	MaxWorkers int `flagUsage:"maximum worker count" default:"24"`

	// ScaleInterval is the fixed tick for scale decisions. Queue depth at
	// or above ScaleUpDepth for ScaleTicks consecutive ticks grows the
	// pool; an empty queue with idle workers for the same span shrinks it.
	ScaleInterval time.Duration `flagUsage:"scale decision tick" default:"10s"`
	ScaleUpDepth  int           `flagUsage:"queue depth that triggers growth" default:"4"`
	ScaleTicks    int           `flagUsage:"consecutive ticks before scaling" default:"2"`
	ScaleStep     int           `flagUsage:"workers added per growth step" default:"2"`

	HeartbeatInterval time.Duration `flagUsage:"owner liveness write interval" default:"15s"`
	LivenessWindow    time.Duration `flagUsage:"heartbeat age before reclamation" default:"60s"`
	MaxReclaims       int           `flagUsage:"reclaims before a job is presumed poisonous" default:"3"`
	ReclaimInterval   time.Duration `flagUsage:"stale job sweep interval" default:"30s"`

	ClaimInterval time.Duration `flagUsage:"idle claim poll interval" default:"1s"`

	// MaxJobDuration bounds jobs whose submission carries no timeout
	// budget of its own.
	MaxJobDuration time.Duration `flagUsage:"fallback whole-job deadline" default:"30m"`
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MinWorkers <= 0 {
		out.MinWorkers = 2
	}
	if out.MaxWorkers < out.MinWorkers {
		out.MaxWorkers = 24
		if out.MaxWorkers < out.MinWorkers {
			out.MaxWorkers = out.MinWorkers
		}
	}
	if out.ScaleInterval <= 0 {
		out.ScaleInterval = 10 * time.Second
	}
	if out.ScaleUpDepth <= 0 {
		out.ScaleUpDepth = 4
	}
	if out.ScaleTicks <= 0 {
		out.ScaleTicks = 2
	}
	if out.ScaleStep <= 0 {
		out.ScaleStep = 2
	}
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = 15 * time.Second
	}
	if out.LivenessWindow <= 0 {
		out.LivenessWindow = 60 * time.Second
	}
	if out.MaxReclaims <= 0 {
		out.MaxReclaims = 3
	}
	if out.ReclaimInterval <= 0 {
		out.ReclaimInterval = 30 * time.Second
	}
	if out.ClaimInterval <= 0 {
		out.ClaimInterval = time.Second
	}
	if out.MaxJobDuration <= 0 {
		out.MaxJobDuration = 30 * time.Minute
	}
	return out
}

// Manager owns the worker pool.
type Manager struct {
	conf   Config
	store  jobstore.Store
	exec   Executor
	rep    report.Reporter
	logger *zap.Logger

	instance string

	mu     sync.Mutex
	stops  []chan struct{} // one per live worker, close to retire
	nextID int

	busy    atomic.Int32
	wg      sync.WaitGroup
	stopped chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a manager. Start must be called before jobs execute.
func New(conf Config, store jobstore.Store, exec Executor, rep report.Reporter, logger *zap.Logger) *Manager {
	return &Manager{
		conf:     conf.withDefaults(),
		store:    store,
		exec:     exec,
		rep:      rep,
		logger:   logger,
		instance: uuid.NewString()[:8],
		stopped:  make(chan struct{}),
	}
}

// Start launches the minimum worker set plus the scaling and reclamation
// loops.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		for range m.conf.MinWorkers {
			m.spawnWorker()
		}
		m.wg.Add(2)
		go m.scaleLoop()
		go m.reclaimLoop()
		m.logger.Info("worker pool started",
			zap.Int("min", m.conf.MinWorkers), zap.Int("max", m.conf.MaxWorkers),
			zap.String("instance", m.instance))
	})
}

// Shutdown drains the pool: claiming stops immediately, in-flight jobs get
// until ctx expires to finish.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopOnce.Do(func() {
		close(m.stopped)
		m.mu.Lock()
		for _, stop := range m.stops {
			close(stop)
		}
		m.stops = nil
		m.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %d jobs still in flight: %w", m.busy.Load(), ctx.Err())
	}
}

// WorkerCount reports the current pool size.
func (m *Manager) WorkerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.stops)
}

// BusyWorkers reports how many workers hold a job right now.
func (m *Manager) BusyWorkers() int {
	return int(m.busy.Load())
}

func (m *Manager) spawnWorker() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.stops) >= m.conf.MaxWorkers {
		return
	}
	stop := make(chan struct{})
	m.stops = append(m.stops, stop)
	m.nextID++
	owner := fmt.Sprintf("%s-w%d", m.instance, m.nextID)

	m.wg.Add(1)
	go m.workerLoop(owner, stop)
}

func (m *Manager) retireWorker() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.stops) <= m.conf.MinWorkers {
		return
	}
	last := m.stops[len(m.stops)-1]
	m.stops = m.stops[:len(m.stops)-1]
	close(last)
}

func (m *Manager) workerLoop(owner string, stop <-chan struct{}) {
	defer m.wg.Done()
	for {
		select {
		case <-stop:
			return
		default:
		}

		job, sub, err := m.store.ClaimNext(context.Background(), owner)
		if errors.Is(err, jobstore.ErrEmpty) {
			select {
			case <-stop:
				return
			case <-time.After(m.conf.ClaimInterval):
			}
			continue
		}
		if err != nil {
			m.logger.Warn("claim failed", zap.String("worker", owner), zap.Error(err))
			select {
			case <-stop:
				return
			case <-time.After(m.conf.ClaimInterval):
			}
			continue
		}

		m.busy.Add(1)
		m.runJob(owner, job, sub)
		m.busy.Add(-1)
	}
}

// runJob drives one claimed job to a terminal state. Every exit path
// writes a terminal record; the pool survives any single job.
func (m *Manager) runJob(owner string, job *model.Job, sub *model.Submission) {
	deadline := sub.Timeouts.Total()
	if deadline <= 0 {
		deadline = m.conf.MaxJobDuration
	}
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	if err := m.store.MarkRunning(ctx, job.ID, owner); err != nil {
		// Lost ownership between claim and start: another sweep took it.
		m.logger.Warn("job lost before start",
			zap.String("job", job.ID), zap.String("worker", owner), zap.Error(err))
		return
	}
	m.rep.Report(job.ID, model.PhaseRunning, "claimed by worker "+owner)

	hbDone := make(chan struct{})
	go m.heartbeatLoop(job.ID, owner, hbDone)
	defer close(hbDone)

	fr, score, err := m.execute(ctx, owner, job, sub)
	switch {
	case err == nil && fr.Success:
		m.finish(job.ID, owner, model.JobCompleted, score, "", fr)
	case err == nil:
		m.finish(job.ID, owner, model.JobFailed, nil, fr.Error, fr)
	case ctx.Err() != nil:
		m.finish(job.ID, owner, model.JobTimedOut, nil,
			fmt.Sprintf("whole-job deadline %v exceeded", deadline), errResult(err))
	default:
		m.finish(job.ID, owner, model.JobFailed, nil, err.Error(), errResult(err))
	}
}

// execute calls the orchestrator with a panic barrier. A panicking job
// becomes a failed job, never a dead worker.
func (m *Manager) execute(ctx context.Context, owner string, job *model.Job, sub *model.Submission) (fr *model.FullResult, score *model.Score, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("job panicked",
				zap.String("job", job.ID), zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			fr = nil
			score = nil
			err = &orchestrator.OrchestrationFailure{Msg: fmt.Sprint(r)}
		}
	}()
	return m.exec.Execute(ctx, job.ID, owner, sub, m.rep)
}

func (m *Manager) finish(jobID, owner string, state model.JobState, score *model.Score, diagnostic string, fr *model.FullResult) {
	// Terminal writes use a fresh context: the job deadline must not stop
	// the outcome from landing.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if fr != nil {
		err := m.store.SaveResult(ctx, jobID, owner, fr)
		if errors.Is(err, jobstore.ErrNotOwner) || errors.Is(err, jobstore.ErrTerminal) {
			// A reclaim sweep handed the job to another worker while we
			// ran. The new owner's outcome stands.
			m.logger.Warn("job lost to a reclaim, dropping outcome",
				zap.String("job", jobID), zap.String("worker", owner))
			return
		}
		if err != nil && !errors.Is(err, jobstore.ErrNotFound) {
			m.logger.Error("save result failed", zap.String("job", jobID), zap.Error(err))
		}
	}
	err := m.store.FinishJob(ctx, jobID, owner, state, score, diagnostic)
	if errors.Is(err, jobstore.ErrTerminal) || errors.Is(err, jobstore.ErrNotOwner) {
		// Reclaimed and finished elsewhere while we ran. The other
		// outcome stands.
		m.logger.Warn("job finished elsewhere", zap.String("job", jobID))
		return
	}
	if err != nil {
		m.logger.Error("terminal write failed",
			zap.String("job", jobID), zap.Stringer("state", state), zap.Error(err))
		return
	}

	phase := model.PhaseCompleted
	if state != model.JobCompleted {
		phase = model.PhaseFailed
	}
	msg := "job " + state.String()
	if diagnostic != "" {
		msg += ": " + diagnostic
	}
	m.rep.Report(jobID, phase, msg)
}

func (m *Manager) heartbeatLoop(jobID, owner string, done <-chan struct{}) {
	ticker := time.NewTicker(m.conf.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}
		err := m.store.Heartbeat(context.Background(), jobID, owner)
		if errors.Is(err, jobstore.ErrNotOwner) || errors.Is(err, jobstore.ErrTerminal) {
			return
		}
		if err != nil {
			m.logger.Warn("heartbeat failed",
				zap.String("job", jobID), zap.String("worker", owner), zap.Error(err))
		}
	}
}

func (m *Manager) scaleLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.conf.ScaleInterval)
	defer ticker.Stop()

	deepTicks, idleTicks := 0, 0
	for {
		select {
		case <-m.stopped:
			return
		case <-ticker.C:
		}

		depth, err := m.store.QueueDepth(context.Background())
		if err != nil {
			m.logger.Warn("queue depth check failed", zap.Error(err))
			continue
		}

		if depth >= m.conf.ScaleUpDepth {
			deepTicks++
			idleTicks = 0
		} else if depth == 0 && m.busy.Load() == 0 {
			idleTicks++
			deepTicks = 0
		} else {
			deepTicks, idleTicks = 0, 0
		}

		if deepTicks >= m.conf.ScaleTicks {
			deepTicks = 0
			before := m.WorkerCount()
			for range m.conf.ScaleStep {
				m.spawnWorker()
			}
			if after := m.WorkerCount(); after != before {
				m.logger.Info("pool grew",
					zap.Int("workers", after), zap.Int("depth", depth))
			}
		}
		if idleTicks >= m.conf.ScaleTicks {
			idleTicks = 0
			before := m.WorkerCount()
			m.retireWorker()
			if after := m.WorkerCount(); after != before {
				m.logger.Info("pool shrank", zap.Int("workers", after))
			}
		}
	}
}

func (m *Manager) reclaimLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.conf.ReclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopped:
			return
		case <-ticker.C:
		}

		requeued, poisoned, err := m.store.ReclaimStale(
			context.Background(), m.conf.LivenessWindow, m.conf.MaxReclaims)
		if err != nil {
			m.logger.Warn("reclaim sweep failed", zap.Error(err))
			continue
		}
		for _, id := range requeued {
			m.logger.Warn("reclaimed stale job", zap.String("job", id))
			m.rep.Report(id, model.PhaseQueued, "requeued after owner went silent")
		}
		for _, id := range poisoned {
			m.logger.Error("poisoned job failed terminally", zap.String("job", id))
			m.rep.Report(id, model.PhaseFailed, "abandoned repeatedly, presumed poisonous")
		}
	}
}

func errResult(err error) *model.FullResult {
	return &model.FullResult{
		Success: false,
		Error:   err.Error(),
		Runs:    map[string]model.RunResult{},
	}
}
