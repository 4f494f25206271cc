// Package model defines the data model shared by the orchestrator, the
// launchers and the job store: submissions, jobs, run results, scores and
// per-leaderboard task definitions.
package model

import (
	"time"
)

// Mode tags what kind of evaluation a submission requests.
type Mode string

const (
	ModeTest        Mode = "test"
	ModeBenchmark   Mode = "benchmark"
	ModeLeaderboard Mode = "leaderboard"
)

// Timeouts carries the per-phase timeout budget of a submission.
// Timeouts are data: launchers enforce them locally without the
// orchestrator injecting cancellation.
type Timeouts struct {
	Test      time.Duration `json:"test"`
	Benchmark time.Duration `json:"benchmark"`
	Ranked    time.Duration `json:"ranked"`
}

// Total returns the whole-job deadline budget.
func (t Timeouts) Total() time.Duration {
	return t.Test + t.Benchmark + t.Ranked
}

// ForMode returns the phase timeout matching a run mode.
func (t Timeouts) ForMode(m Mode) time.Duration {
	switch m {
	case ModeTest:
		return t.Test
	case ModeBenchmark:
		return t.Benchmark
	default:
		return t.Ranked
	}
}

// Submission is one immutable unit of work. It is never mutated after
// acceptance; corrections require a new submission.
type Submission struct {
	ID          string    `json:"id"`
	Task        string    `json:"task"`
	Mode        Mode      `json:"mode"`
	Language    string    `json:"language"`
	CodeID      string    `json:"codeId"`
	EntryFile   string    `json:"entryFile,omitempty"`
	Resources   []string  `json:"resources"`
	Timeouts    Timeouts  `json:"timeouts"`
	User        string    `json:"user"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// RunConfig is the backend-neutral job configuration handed to a launcher
// for a single run. Both the public and the secret variant of a run carry
// the same code artifact; only the inputs differ.
type RunConfig struct {
	// JobID keys every progress event a launcher emits; status stream
	// subscribers listen by job, not by submission.
	JobID        string            `json:"jobId"`
	SubmissionID string            `json:"submissionId"`
	RunName      string            `json:"runName"`
	Task         string            `json:"task"`
	Mode         Mode              `json:"mode"`
	Secret       bool              `json:"secret"`
	Seed         int64             `json:"seed,omitempty"`
	Language     string            `json:"language"`
	Files        map[string]string `json:"files"`
	EntryFile    string            `json:"entryFile,omitempty"`
	Resource     string            `json:"resource"`
	Timeout      time.Duration     `json:"timeout"`
}
