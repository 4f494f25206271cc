package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kernelboard/benchd/codestore"
	"github.com/kernelboard/benchd/jobstore"
	"github.com/kernelboard/benchd/launcher"
	"github.com/kernelboard/benchd/launcher/fnserver"
	"github.com/kernelboard/benchd/model"
	"github.com/kernelboard/benchd/report"
)

// fakeLauncher returns a scripted outcome per run name.
type fakeLauncher struct {
	resources []string

	mu      sync.Mutex
	results map[string]*model.FullResult // keyed by run name
	errs    map[string]error
	panics  map[string]bool
	calls   []string
}

func (f *fakeLauncher) Name() string        { return "fake" }
func (f *fakeLauncher) Resources() []string { return f.resources }

func (f *fakeLauncher) RunSubmission(_ context.Context, cfg *model.RunConfig, _ string, _ report.Reporter) (*model.FullResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cfg.RunName)
	f.mu.Unlock()
	if f.panics[cfg.RunName] {
		panic("backend exploded")
	}
	if err, ok := f.errs[cfg.RunName]; ok {
		return nil, err
	}
	if fr, ok := f.results[cfg.RunName]; ok {
		return fr, nil
	}
	return passing(cfg.Mode, nil), nil
}

func passing(mode model.Mode, metrics map[string]string) *model.FullResult {
	return &model.FullResult{
		Success: true,
		System:  model.SystemInfo{GPU: "A100"},
		Runs: map[string]model.RunResult{
			string(mode): {Name: string(mode), Success: true, Passed: true, Result: metrics},
		},
	}
}

func failing() *model.FullResult {
	return &model.FullResult{Success: false, Error: "tests failed", Runs: map[string]model.RunResult{}}
}

type fixture struct {
	orch  *Orchestrator
	store *jobstore.Memory
	fake  *fakeLauncher
	sub   *model.Submission
	jobID string
	owner string
}

func newFixture(t *testing.T, resources []string, secretSeed int64) *fixture {
	t.Helper()
	fake := &fakeLauncher{
		resources: resources,
		results:   map[string]*model.FullResult{},
		errs:      map[string]error{},
		panics:    map[string]bool{},
	}
	reg := launcher.NewRegistry()
	if err := reg.Register(fake); err != nil {
		t.Fatalf("Register: %v", err)
	}

	code := codestore.NewMemoryStore()
	codeID, err := code.Add(map[string]string{"kernel.cu": "__global__ void k() {}"})
	if err != nil {
		t.Fatalf("code Add: %v", err)
	}

	tasks := map[string]*model.Task{
		"matmul": {
			Name:          "matmul",
			RankMetric:    "mean_ns",
			RankDirection: model.RankLowerBetter,
			SecretSeed:    secretSeed,
			Timeouts:      model.TaskTimeouts{TestSeconds: 60, BenchmarkSeconds: 120, RankedSeconds: 180},
		},
	}

	store := jobstore.NewMemory()
	sub := &model.Submission{
		ID:          "sub-1",
		Task:        "matmul",
		Mode:        model.ModeLeaderboard,
		Language:    "cuda",
		CodeID:      codeID,
		Resources:   resources,
		User:        "alice",
		SubmittedAt: time.Now(),
	}
	job, err := store.Enqueue(t.Context(), sub)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	// The orchestrator only ever runs on behalf of a claiming worker.
	if _, _, err := store.ClaimNext(t.Context(), "w1"); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	return &fixture{
		orch:  New(reg, tasks, code, store, zap.NewNop()),
		store: store,
		fake:  fake,
		sub:   sub,
		jobID: job.ID,
		owner: "w1",
	}
}

func TestSubmitFull_TwoResourcesPass(t *testing.T) {
	f := newFixture(t, []string{"a100", "mi300"}, 0)
	f.sub.Mode = model.ModeBenchmark

	fr, err := f.orch.SubmitFull(t.Context(), f.jobID, f.owner, f.sub, report.Nop{})
	if err != nil {
		t.Fatalf("SubmitFull: %v", err)
	}
	if !fr.Success {
		t.Errorf("expected success, got %+v", fr)
	}
	if len(fr.Runs) != 2 {
		t.Fatalf("got %d runs, want 2", len(fr.Runs))
	}
	for _, name := range []string{"a100.benchmark", "mi300.benchmark"} {
		r, ok := fr.Runs[name]
		if !ok || !r.Passed || !r.Required {
			t.Errorf("run %s: %+v", name, r)
		}
	}

	// The run set must already be persisted when SubmitFull returns.
	stored, err := f.store.GetResult(t.Context(), f.jobID)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if len(stored.Runs) != 2 || !stored.Success {
		t.Errorf("persisted result %+v", stored)
	}
}

func TestSubmitFull_SecretSiblingDispatched(t *testing.T) {
	f := newFixture(t, []string{"a100"}, 1234)

	fr, err := f.orch.SubmitFull(t.Context(), f.jobID, f.owner, f.sub, report.Nop{})
	if err != nil {
		t.Fatalf("SubmitFull: %v", err)
	}
	if len(fr.Runs) != 2 {
		t.Fatalf("got runs %v, want public + secret", fr.RunNames())
	}
	sec, ok := fr.Runs["a100.leaderboard.secret"]
	if !ok || !sec.Secret {
		t.Fatalf("missing secret sibling: %v", fr.RunNames())
	}
	if !fr.Success {
		t.Errorf("parity holds, expected success: %+v", fr)
	}
}

func TestSubmitFull_ParityMismatchRejected(t *testing.T) {
	f := newFixture(t, []string{"a100"}, 1234)
	// Public passes, the secret sibling does not.
	f.fake.results["a100.leaderboard.secret"] = failing()

	fr, err := f.orch.SubmitFull(t.Context(), f.jobID, f.owner, f.sub, report.Nop{})
	if err != nil {
		t.Fatalf("SubmitFull: %v", err)
	}
	if fr.Success {
		t.Error("diverging runs must fail the submission")
	}
	if !strings.Contains(fr.Error, "disagree") || !strings.Contains(fr.Error, "a100") {
		t.Errorf("diagnostic must name the divergence: %q", fr.Error)
	}
}

func TestSubmitFull_SiblingSurvivesFailure(t *testing.T) {
	f := newFixture(t, []string{"a100", "mi300"}, 0)
	f.sub.Mode = model.ModeBenchmark
	f.fake.errs["a100.benchmark"] = launcher.NewError(launcher.KindTimeout, "phase deadline", nil)

	fr, err := f.orch.SubmitFull(t.Context(), f.jobID, f.owner, f.sub, report.Nop{})
	if err != nil {
		t.Fatalf("SubmitFull: %v", err)
	}
	if fr.Success {
		t.Error("expected overall failure")
	}
	// The sibling still ran to completion and its outcome is recorded.
	if r := fr.Runs["mi300.benchmark"]; !r.Passed {
		t.Errorf("sibling lost: %+v", r)
	}
	if r := fr.Runs["a100.benchmark"]; r.Success || r.Message == "" {
		t.Errorf("failed run must carry the diagnostic: %+v", r)
	}
	if len(f.fake.calls) != 2 {
		t.Errorf("both runs must dispatch, got %v", f.fake.calls)
	}
}

func TestSubmitFull_ValidationRejectsWholeSubmission(t *testing.T) {
	f := newFixture(t, []string{"a100"}, 0)
	f.sub.Resources = []string{"a100", "tpu"}

	_, err := f.orch.SubmitFull(t.Context(), f.jobID, f.owner, f.sub, report.Nop{})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if !strings.Contains(verr.Msg, "tpu") {
		t.Errorf("error must name the unknown resource: %v", verr)
	}
	// No partial dispatch.
	if len(f.fake.calls) != 0 {
		t.Errorf("dispatched despite validation failure: %v", f.fake.calls)
	}
}

func TestSubmitFull_UnknownTask(t *testing.T) {
	f := newFixture(t, []string{"a100"}, 0)
	f.sub.Task = "nonexistent"
	_, err := f.orch.SubmitFull(t.Context(), f.jobID, f.owner, f.sub, report.Nop{})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestSubmitFull_PanicBecomesOrchestrationFailure(t *testing.T) {
	f := newFixture(t, []string{"a100"}, 0)
	f.sub.Mode = model.ModeBenchmark
	f.fake.panics["a100.benchmark"] = true

	_, err := f.orch.SubmitFull(t.Context(), f.jobID, f.owner, f.sub, report.Nop{})
	var of *OrchestrationFailure
	if !errors.As(err, &of) {
		t.Fatalf("expected OrchestrationFailure, got %v", err)
	}
}

func TestSubmitLeaderboard_ScoreExtracted(t *testing.T) {
	f := newFixture(t, []string{"a100"}, 1234)
	f.fake.results["a100.leaderboard"] = passing(model.ModeLeaderboard, map[string]string{"mean_ns": "4821"})

	fr, score, err := f.orch.SubmitLeaderboard(t.Context(), f.jobID, f.owner, f.sub, report.Nop{})
	if err != nil {
		t.Fatalf("SubmitLeaderboard: %v", err)
	}
	if !fr.Success {
		t.Fatalf("expected success: %+v", fr)
	}
	if score == nil || score.Value != 4821 || score.Metric != "mean_ns" {
		t.Errorf("unexpected score %+v", score)
	}
}

func TestSubmitLeaderboard_MissingMetricUnscored(t *testing.T) {
	f := newFixture(t, []string{"a100"}, 1234)
	// Runs pass but never report the ranking metric.

	fr, score, err := f.orch.SubmitLeaderboard(t.Context(), f.jobID, f.owner, f.sub, report.Nop{})
	if err != nil {
		t.Fatalf("SubmitLeaderboard: %v", err)
	}
	if !fr.Success {
		t.Errorf("execution result must be preserved: %+v", fr)
	}
	if score != nil {
		t.Errorf("expected unscored submission, got %+v", score)
	}
}

func TestSubmitLeaderboard_FailedSubmissionUnscored(t *testing.T) {
	f := newFixture(t, []string{"a100"}, 0)
	f.fake.results["a100.leaderboard"] = failing()

	fr, score, err := f.orch.SubmitLeaderboard(t.Context(), f.jobID, f.owner, f.sub, report.Nop{})
	if err != nil {
		t.Fatalf("SubmitLeaderboard: %v", err)
	}
	if fr.Success || score != nil {
		t.Errorf("failed submission must stay unscored: success=%t score=%+v", fr.Success, score)
	}
}

func TestSubmitFull_EventsKeyedByJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(model.FullResult{Success: true, Runs: map[string]model.RunResult{}})
	}))
	defer srv.Close()

	reg := launcher.NewRegistry()
	fn := fnserver.New(fnserver.Config{Endpoints: map[string]string{"a100": srv.URL}}, zap.NewNop())
	if err := reg.Register(fn); err != nil {
		t.Fatalf("Register: %v", err)
	}

	code := codestore.NewMemoryStore()
	codeID, err := code.Add(map[string]string{"kernel.cu": "__global__ void k() {}"})
	if err != nil {
		t.Fatalf("code Add: %v", err)
	}
	tasks := map[string]*model.Task{
		"matmul": {
			Name:          "matmul",
			RankMetric:    "mean_ns",
			RankDirection: model.RankLowerBetter,
			Timeouts:      model.TaskTimeouts{TestSeconds: 60, BenchmarkSeconds: 120, RankedSeconds: 180},
		},
	}
	store := jobstore.NewMemory()
	sub := &model.Submission{
		ID:          "sub-1",
		Task:        "matmul",
		Mode:        model.ModeBenchmark,
		CodeID:      codeID,
		Resources:   []string{"a100"},
		User:        "alice",
		SubmittedAt: time.Now(),
	}
	job, err := store.Enqueue(t.Context(), sub)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, _, err := store.ClaimNext(t.Context(), "w1"); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	var mu sync.Mutex
	keys := map[string]int{}
	rep := report.Func(func(jobID string, _ model.Phase, _ string) {
		mu.Lock()
		keys[jobID]++
		mu.Unlock()
	})

	orch := New(reg, tasks, code, store, zap.NewNop())
	if _, err := orch.SubmitFull(t.Context(), job.ID, "w1", sub, rep); err != nil {
		t.Fatalf("SubmitFull: %v", err)
	}

	// A status stream subscriber listens on the job id; events keyed any
	// other way are invisible to it.
	mu.Lock()
	defer mu.Unlock()
	if keys[job.ID] == 0 {
		t.Errorf("no events keyed by the job id: %v", keys)
	}
	if keys[sub.ID] != 0 {
		t.Errorf("events keyed by the submission id: %v", keys)
	}
}
