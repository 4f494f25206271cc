package model

import (
	"fmt"
	"strconv"
	"time"
)

// RankDirection selects whether a larger or a smaller metric value ranks
// higher on a leaderboard.
type RankDirection string

const (
	RankLowerBetter  RankDirection = "lower"
	RankHigherBetter RankDirection = "higher"
)

// Score is derived from a FullResult using the task's ranking policy.
// It is recomputed only by re-running, never mutated in place.
type Score struct {
	Value     float64       `json:"value"`
	Metric    string        `json:"metric"`
	Direction RankDirection `json:"direction"`
}

// ExtractScore pulls the ranking metric out of the leaderboard-mode run's
// result mapping. A missing metric key fails the ranking gate: the run may
// have succeeded, but the submission stays unscored.
func ExtractScore(fr *FullResult, runName, metric string, dir RankDirection) (*Score, error) {
	r, ok := fr.Runs[runName]
	if !ok {
		return nil, fmt.Errorf("run %q not present in result", runName)
	}
	raw, ok := r.Result[metric]
	if !ok {
		return nil, fmt.Errorf("ranking metric %q not reported by run %q", metric, runName)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, fmt.Errorf("ranking metric %q is not numeric: %w", metric, err)
	}
	return &Score{Value: v, Metric: metric, Direction: dir}, nil
}

// RankEntry is one scored leaderboard row.
type RankEntry struct {
	SubmissionID string    `json:"submissionId"`
	User         string    `json:"user"`
	Score        Score     `json:"score"`
	SubmittedAt  time.Time `json:"submittedAt"`
}

// Better reports whether e ranks ahead of o. Ties break toward the
// earlier submission.
func (e RankEntry) Better(o RankEntry) bool {
	if e.Score.Value != o.Score.Value {
		if e.Score.Direction == RankHigherBetter {
			return e.Score.Value > o.Score.Value
		}
		return e.Score.Value < o.Score.Value
	}
	return e.SubmittedAt.Before(o.SubmittedAt)
}
