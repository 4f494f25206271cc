package model

import (
	"fmt"
	"time"
)

// JobState is the lifecycle state of a job. Transitions follow
// queued -> claimed -> running -> {completed | failed | timed_out};
// terminal states are final.
type JobState int

const (
	JobQueued JobState = iota
	JobClaimed
	JobRunning
	JobCompleted
	JobFailed
	JobTimedOut
)

var (
	jobStateString = []string{"queued", "claimed", "running", "completed", "failed", "timed_out"}
	stringToState  = map[string]JobState{}
)

func init() {
	for i, s := range jobStateString {
		stringToState[s] = JobState(i)
	}
}

// String converts state to string
func (s JobState) String() string {
	if s < 0 || int(s) >= len(jobStateString) {
		return "invalid"
	}
	return jobStateString[s]
}

// Terminal reports whether the state is final. A job never leaves a
// terminal state.
func (s JobState) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobTimedOut:
		return true
	}
	return false
}

// StringToJobState converts string into state
func StringToJobState(str string) (JobState, error) {
	s, ok := stringToState[str]
	if !ok {
		return 0, fmt.Errorf("invalid job state: %q", str)
	}
	return s, nil
}

// MarshalJSON convert state into string
func (s JobState) MarshalJSON() ([]byte, error) {
	return []byte("\"" + s.String() + "\""), nil
}

// UnmarshalJSON convert string into state
func (s *JobState) UnmarshalJSON(b []byte) error {
	if len(b) < 2 {
		return fmt.Errorf("invalid job state: %s", b)
	}
	v, err := StringToJobState(string(b[1 : len(b)-1]))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Job is the durable, mutable record of one submission's execution.
// Only the worker that owns a non-terminal job may transition it.
type Job struct {
	ID           string    `json:"id"`
	SubmissionID string    `json:"submissionId"`
	State        JobState  `json:"state"`
	Owner        string    `json:"owner,omitempty"`
	Attempts     int       `json:"attempts"`
	Diagnostic   string    `json:"diagnostic,omitempty"`
	EnqueuedAt   time.Time `json:"enqueuedAt"`
	Heartbeat    time.Time `json:"heartbeat,omitempty"`
	FinishedAt   time.Time `json:"finishedAt,omitempty"`
}
