// Package orchestrator turns one submission into the full set of runs it
// requires, dispatches them concurrently across launcher backends, and
// folds the outcomes into a single result. Validation happens before any
// dispatch: a submission either runs everywhere it asked to or nowhere.
package orchestrator

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kernelboard/benchd/codestore"
	"github.com/kernelboard/benchd/jobstore"
	"github.com/kernelboard/benchd/launcher"
	"github.com/kernelboard/benchd/model"
	"github.com/kernelboard/benchd/report"
)

// ValidationError rejects a submission before any run is dispatched.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return "validation: " + e.Msg }

// OrchestrationFailure wraps a panic or unexpected internal error so the
// worker pool can convert it into a terminal failed job.
type OrchestrationFailure struct {
	Msg string
}

func (e *OrchestrationFailure) Error() string { return "orchestration failure: " + e.Msg }

// Orchestrator coordinates the runs of one submission.
type Orchestrator struct {
	registry *launcher.Registry
	tasks    map[string]*model.Task
	code     codestore.Store
	store    jobstore.Store
	logger   *zap.Logger
}

// New creates an orchestrator.
func New(registry *launcher.Registry, tasks map[string]*model.Task, code codestore.Store, store jobstore.Store, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		registry: registry,
		tasks:    tasks,
		code:     code,
		store:    store,
		logger:   logger,
	}
}

// runOutcome carries one launcher round-trip back to the join point.
type runOutcome struct {
	cfg      *model.RunConfig
	fr       *model.FullResult
	err      error
	duration time.Duration
}

// Execute runs a submission according to its mode. Leaderboard submissions
// additionally yield a score; other modes return a nil score.
func (o *Orchestrator) Execute(ctx context.Context, jobID, owner string, sub *model.Submission, rep report.Reporter) (*model.FullResult, *model.Score, error) {
	if sub.Mode == model.ModeLeaderboard {
		return o.SubmitLeaderboard(ctx, jobID, owner, sub, rep)
	}
	fr, err := o.SubmitFull(ctx, jobID, owner, sub, rep)
	return fr, nil, err
}

// SubmitFull validates the submission, dispatches every public and secret
// run concurrently, joins on the full set and persists the aggregate
// before returning. A failing run never cancels its siblings.
func (o *Orchestrator) SubmitFull(ctx context.Context, jobID, owner string, sub *model.Submission, rep report.Reporter) (fr *model.FullResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("orchestration panic",
				zap.String("job", jobID), zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			fr = nil
			err = &OrchestrationFailure{Msg: fmt.Sprint(r)}
		}
	}()

	task, configs, err := o.plan(jobID, sub)
	if err != nil {
		return nil, err
	}

	outcomes := make([]runOutcome, len(configs))
	var g errgroup.Group
	for i, cfg := range configs {
		g.Go(func() error {
			l, _ := o.registry.Resolve(cfg.Resource)
			start := time.Now()
			res, rerr := l.RunSubmission(ctx, cfg, cfg.Resource, rep)
			outcomes[i] = runOutcome{cfg: cfg, fr: res, err: rerr, duration: time.Since(start)}
			return nil
		})
	}
	g.Wait()

	fr = o.fold(task, outcomes)
	if !fr.Success && fr.Error != "" {
		o.logger.Info("submission did not pass",
			zap.String("job", jobID), zap.String("submission", sub.ID), zap.String("error", fr.Error))
	}

	// One atomic write of the whole run set. Readers either see no result
	// or all of it.
	if err := o.store.SaveResult(ctx, jobID, owner, fr); err != nil {
		return nil, fmt.Errorf("persist result: %w", err)
	}
	return fr, nil
}

// SubmitLeaderboard executes a leaderboard submission and extracts its
// ranking score. A run that passed but did not report the ranking metric
// stays unscored; the execution result is preserved either way.
func (o *Orchestrator) SubmitLeaderboard(ctx context.Context, jobID, owner string, sub *model.Submission, rep report.Reporter) (*model.FullResult, *model.Score, error) {
	fr, err := o.SubmitFull(ctx, jobID, owner, sub, rep)
	if err != nil {
		return nil, nil, err
	}
	if !fr.Success {
		return fr, nil, nil
	}

	task := o.tasks[sub.Task]
	resources := o.resourcesFor(sub, task)
	runName := publicRunName(resources[0], sub.Mode)
	score, serr := model.ExtractScore(fr, runName, task.RankMetric, task.RankDirection)
	if serr != nil {
		o.logger.Warn("submission passed but is unscored",
			zap.String("job", jobID), zap.String("run", runName), zap.Error(serr))
		return fr, nil, nil
	}
	return fr, score, nil
}

// plan validates the submission and builds every run config up front.
func (o *Orchestrator) plan(jobID string, sub *model.Submission) (*model.Task, []*model.RunConfig, error) {
	task, ok := o.tasks[sub.Task]
	if !ok {
		return nil, nil, &ValidationError{Msg: fmt.Sprintf("unknown task %q", sub.Task)}
	}
	resources := o.resourcesFor(sub, task)
	if err := o.registry.Validate(resources); err != nil {
		return nil, nil, &ValidationError{Msg: err.Error()}
	}

	files, err := o.code.Get(sub.CodeID)
	if err != nil {
		return nil, nil, &ValidationError{Msg: fmt.Sprintf("code bundle %q: %v", sub.CodeID, err)}
	}

	timeouts := sub.Timeouts
	if timeouts.Total() == 0 {
		timeouts = task.Timeouts.Budget()
	}
	phaseTimeout := timeouts.ForMode(sub.Mode)

	var configs []*model.RunConfig
	for _, res := range resources {
		configs = append(configs, &model.RunConfig{
			JobID:        jobID,
			SubmissionID: sub.ID,
			RunName:      publicRunName(res, sub.Mode),
			Task:         sub.Task,
			Mode:         sub.Mode,
			Language:     sub.Language,
			Files:        files,
			EntryFile:    sub.EntryFile,
			Resource:     res,
			Timeout:      phaseTimeout,
		})
		// The secret sibling executes the same code against server-side
		// inputs. It exists only for ranked submissions of tasks that
		// define an anti-cheat dataset.
		if sub.Mode == model.ModeLeaderboard && task.HasSecret() {
			configs = append(configs, &model.RunConfig{
				JobID:        jobID,
				SubmissionID: sub.ID,
				RunName:      secretRunName(res, sub.Mode),
				Task:         sub.Task,
				Mode:         sub.Mode,
				Secret:       true,
				Seed:         task.SecretSeed,
				Language:     sub.Language,
				Files:        files,
				EntryFile:    sub.EntryFile,
				Resource:     res,
				Timeout:      phaseTimeout,
			})
		}
	}
	return task, configs, nil
}

// fold collapses the launcher outcomes into the submission-level result:
// one RunResult per dispatched run, overall success iff every run passed,
// and the anti-cheat parity gate applied per resource.
func (o *Orchestrator) fold(task *model.Task, outcomes []runOutcome) *model.FullResult {
	out := &model.FullResult{Runs: make(map[string]model.RunResult, len(outcomes))}
	required := make([]string, 0, len(outcomes))

	for _, oc := range outcomes {
		rr := model.RunResult{
			Name:     oc.cfg.RunName,
			Resource: oc.cfg.Resource,
			Secret:   oc.cfg.Secret,
			Required: true,
			Duration: oc.duration,
		}
		switch {
		case oc.err != nil:
			rr.Message = oc.err.Error()
		case oc.fr != nil:
			rr.Success = true
			rr.Passed = oc.fr.Success
			rr.Message = oc.fr.Error
			if sub, ok := oc.fr.Runs[string(oc.cfg.Mode)]; ok {
				rr.Result = sub.Result
			}
			if out.System == (model.SystemInfo{}) {
				out.System = oc.fr.System
			}
		}
		out.Runs[rr.Name] = rr
		required = append(required, rr.Name)
	}

	out.Aggregate(required)

	if task.HasSecret() {
		if diag := parityDiagnostic(out); diag != "" {
			out.Success = false
			out.Error = diag
		}
	}
	if !out.Success && out.Error == "" {
		out.Error = firstFailure(out)
	}
	return out
}

// parityDiagnostic compares each public run against its secret sibling.
// Divergence in either direction fails the submission outright; results
// are never averaged.
func parityDiagnostic(fr *model.FullResult) string {
	for name, pub := range fr.Runs {
		if pub.Secret {
			continue
		}
		sec, ok := fr.Runs[name+secretSuffix]
		if !ok {
			continue
		}
		if pub.Passed != sec.Passed {
			return fmt.Sprintf(
				"public and secret runs disagree on %s (public passed=%t, secret passed=%t): results rejected",
				pub.Resource, pub.Passed, sec.Passed)
		}
	}
	return ""
}

func firstFailure(fr *model.FullResult) string {
	for _, name := range fr.RunNames() {
		r := fr.Runs[name]
		if r.Success && r.Passed {
			continue
		}
		if r.Message != "" {
			return fmt.Sprintf("run %s: %s", name, r.Message)
		}
		return fmt.Sprintf("run %s did not pass", name)
	}
	return ""
}

func (o *Orchestrator) resourcesFor(sub *model.Submission, task *model.Task) []string {
	resources := sub.Resources
	if len(resources) == 0 {
		resources = task.Resources
	}
	out := make([]string, len(resources))
	copy(out, resources)
	sort.Strings(out)
	return out
}

const secretSuffix = ".secret"

func publicRunName(resource string, mode model.Mode) string {
	return resource + "." + string(mode)
}

func secretRunName(resource string, mode model.Mode) string {
	return publicRunName(resource, mode) + secretSuffix
}
