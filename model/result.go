package model

import (
	"sort"
	"time"
)

// SystemInfo describes the environment a run executed on, as reported by
// the backend.
type SystemInfo struct {
	GPU            string `json:"gpu,omitempty"`
	Hostname       string `json:"hostname,omitempty"`
	Platform       string `json:"platform,omitempty"`
	DriverVersion  string `json:"driverVersion,omitempty"`
	RuntimeVersion string `json:"runtimeVersion,omitempty"`
}

// RunResult is the outcome of one execution attempt against one compute
// resource, public or secret variant.
type RunResult struct {
	Name     string            `json:"name"`
	Resource string            `json:"resource"`
	Secret   bool              `json:"secret"`
	Success  bool              `json:"success"`
	Passed   bool              `json:"passed"`
	Required bool              `json:"required"`
	Duration time.Duration     `json:"duration"`
	Result   map[string]string `json:"result,omitempty"`
	Message  string            `json:"message,omitempty"`
}

// FullResult aggregates all runs of one submission.
type FullResult struct {
	Success bool                 `json:"success"`
	Error   string               `json:"error,omitempty"`
	System  SystemInfo           `json:"system"`
	Runs    map[string]RunResult `json:"runs"`
}

// Aggregate recomputes Success from the run set: true iff every required
// run is present and passed. The computation is independent of run order.
func (f *FullResult) Aggregate(required []string) {
	for _, name := range required {
		r, ok := f.Runs[name]
		if !ok || !r.Success || !r.Passed {
			f.Success = false
			return
		}
	}
	f.Success = true
}

// RunNames returns the run names in deterministic order.
func (f *FullResult) RunNames() []string {
	names := make([]string, 0, len(f.Runs))
	for n := range f.Runs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
