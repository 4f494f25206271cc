package model

import (
	"encoding/json"
	"testing"
	"time"
)

func TestJobState_MarshalUnmarshalJSON(t *testing.T) {
	type wrap struct {
		State JobState `json:"state"`
	}
	orig := wrap{State: JobRunning}
	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	if string(data) != `{"state":"running"}` {
		t.Errorf("unexpected encoding: %s", data)
	}
	var got wrap
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if got.State != orig.State {
		t.Errorf("got %v, want %v", got.State, orig.State)
	}
}

func TestJobState_UnmarshalJSON_Invalid(t *testing.T) {
	var s JobState
	if err := s.UnmarshalJSON([]byte(`"not_a_state"`)); err == nil {
		t.Error("expected error for invalid state string")
	}
}

func TestJobState_Terminal(t *testing.T) {
	for _, s := range []JobState{JobQueued, JobClaimed, JobRunning} {
		if s.Terminal() {
			t.Errorf("%v should not be terminal", s)
		}
	}
	for _, s := range []JobState{JobCompleted, JobFailed, JobTimedOut} {
		if !s.Terminal() {
			t.Errorf("%v should be terminal", s)
		}
	}
}

func TestFullResult_Aggregate(t *testing.T) {
	fr := &FullResult{Runs: map[string]RunResult{
		"a100.test":      {Name: "a100.test", Success: true, Passed: true},
		"a100.benchmark": {Name: "a100.benchmark", Success: true, Passed: true},
	}}
	fr.Aggregate([]string{"a100.test", "a100.benchmark"})
	if !fr.Success {
		t.Error("all required runs passed, expected success")
	}

	fr.Runs["a100.benchmark"] = RunResult{Name: "a100.benchmark", Success: true, Passed: false}
	fr.Aggregate([]string{"a100.test", "a100.benchmark"})
	if fr.Success {
		t.Error("one failed required run must force success=false")
	}

	// missing required run
	fr.Aggregate([]string{"a100.test", "h100.test"})
	if fr.Success {
		t.Error("missing required run must force success=false")
	}
}

func TestExtractScore(t *testing.T) {
	fr := &FullResult{Runs: map[string]RunResult{
		"a100.leaderboard": {Result: map[string]string{"throughput": "42.3"}},
	}}
	s, err := ExtractScore(fr, "a100.leaderboard", "throughput", RankHigherBetter)
	if err != nil {
		t.Fatalf("ExtractScore error: %v", err)
	}
	if s.Value != 42.3 || s.Metric != "throughput" {
		t.Errorf("unexpected score: %+v", s)
	}
}

func TestExtractScore_MissingMetric(t *testing.T) {
	fr := &FullResult{Runs: map[string]RunResult{
		"a100.leaderboard": {Result: map[string]string{"elapsed": "1"}},
	}}
	if _, err := ExtractScore(fr, "a100.leaderboard", "throughput", RankHigherBetter); err == nil {
		t.Error("missing metric key must fail the ranking gate")
	}
}

func TestRankEntry_Better(t *testing.T) {
	t0 := time.Now()
	a := RankEntry{Score: Score{Value: 10, Direction: RankLowerBetter}, SubmittedAt: t0}
	b := RankEntry{Score: Score{Value: 20, Direction: RankLowerBetter}, SubmittedAt: t0}
	if !a.Better(b) {
		t.Error("lower value should rank ahead with lower-is-better")
	}
	c := RankEntry{Score: Score{Value: 10, Direction: RankLowerBetter}, SubmittedAt: t0.Add(time.Minute)}
	if !a.Better(c) {
		t.Error("ties must break toward the earlier submission")
	}
	hi := RankEntry{Score: Score{Value: 20, Direction: RankHigherBetter}}
	lo := RankEntry{Score: Score{Value: 10, Direction: RankHigherBetter}}
	if !hi.Better(lo) {
		t.Error("higher value should rank ahead with higher-is-better")
	}
}

func TestParseTask(t *testing.T) {
	data := []byte(`
name: grayscale
rank_metric: mean_ns
rank_direction: lower
secret_seed: 8371
timeouts:
  test: 180
  benchmark: 300
  ranked: 600
resources: [a100, h100]
`)
	task, err := ParseTask(data)
	if err != nil {
		t.Fatalf("ParseTask error: %v", err)
	}
	if task.Name != "grayscale" || task.RankMetric != "mean_ns" {
		t.Errorf("unexpected task: %+v", task)
	}
	if !task.HasSecret() {
		t.Error("secret_seed set, expected HasSecret")
	}
	budget := task.Timeouts.Budget()
	if budget.Test != 3*time.Minute || budget.Total() != 18*time.Minute {
		t.Errorf("unexpected budget: %+v", budget)
	}
}

func TestParseTask_InvalidDirection(t *testing.T) {
	if _, err := ParseTask([]byte("name: x\nrank_direction: sideways\n")); err == nil {
		t.Error("expected error for invalid rank_direction")
	}
}

func TestParseTask_MissingTimeouts(t *testing.T) {
	if _, err := ParseTask([]byte("name: x\nrank_metric: mean_ns\n")); err == nil {
		t.Error("expected error when timeouts are omitted")
	}
	if _, err := ParseTask([]byte("name: x\ntimeouts:\n  test: 60\n  benchmark: 0\n  ranked: 120\n")); err == nil {
		t.Error("expected error for a zero timeout")
	}
}
