package model

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-yaml"
)

// Task is the per-leaderboard evaluation configuration, consumed read-only
// by the orchestrator. A task with a SecretSeed defines the anti-cheat
// dual-run protocol: every leaderboard run gets a secret sibling with the
// same code and server-side inputs.
type Task struct {
	Name          string        `yaml:"name" json:"name"`
	RankMetric    string        `yaml:"rank_metric" json:"rankMetric"`
	RankDirection RankDirection `yaml:"rank_direction" json:"rankDirection"`
	SecretSeed    int64         `yaml:"secret_seed,omitempty" json:"-"`
	Timeouts      TaskTimeouts  `yaml:"timeouts" json:"timeouts"`
	Resources     []string      `yaml:"resources,omitempty" json:"resources,omitempty"`
}

// TaskTimeouts mirrors Timeouts with second granularity for YAML authoring.
type TaskTimeouts struct {
	TestSeconds      int `yaml:"test" json:"test"`
	BenchmarkSeconds int `yaml:"benchmark" json:"benchmark"`
	RankedSeconds    int `yaml:"ranked" json:"ranked"`
}

// Budget converts the authored timeouts into durations.
func (t TaskTimeouts) Budget() Timeouts {
	return Timeouts{
		Test:      time.Duration(t.TestSeconds) * time.Second,
		Benchmark: time.Duration(t.BenchmarkSeconds) * time.Second,
		Ranked:    time.Duration(t.RankedSeconds) * time.Second,
	}
}

// HasSecret reports whether the task defines an anti-cheat dataset.
func (t *Task) HasSecret() bool {
	return t.SecretSeed != 0
}

// ParseTask parses a single task definition document.
func ParseTask(data []byte) (*Task, error) {
	var t Task
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse task: %w", err)
	}
	if t.Name == "" {
		return nil, fmt.Errorf("parse task: missing name")
	}
	if t.RankDirection == "" {
		t.RankDirection = RankLowerBetter
	}
	if t.RankDirection != RankLowerBetter && t.RankDirection != RankHigherBetter {
		return nil, fmt.Errorf("parse task %s: invalid rank_direction %q", t.Name, t.RankDirection)
	}
	// A zero timeout would expire every run immediately.
	b := t.Timeouts
	if b.TestSeconds <= 0 || b.BenchmarkSeconds <= 0 || b.RankedSeconds <= 0 {
		return nil, fmt.Errorf("parse task %s: every timeout must be positive", t.Name)
	}
	return &t, nil
}

// LoadTasks reads every *.yaml task definition under dir, keyed by task name.
func LoadTasks(dir string) (map[string]*Task, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	tasks := make(map[string]*Task, len(matches))
	for _, p := range matches {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read task %s: %w", p, err)
		}
		t, err := ParseTask(data)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", p, err)
		}
		if _, ok := tasks[t.Name]; ok {
			return nil, fmt.Errorf("duplicate task name %q in %s", t.Name, p)
		}
		tasks[t.Name] = t
	}
	return tasks, nil
}
