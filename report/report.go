// Package report delivers progress events produced during orchestration to
// whatever streaming transport is attached. Reporting is fire-and-forget:
// a slow consumer must never block a worker.
package report

import (
	"github.com/kernelboard/benchd/model"
)

// Reporter is the sink for progress events.
type Reporter interface {
	Report(jobID string, phase model.Phase, msg string)
}

// Nop discards all events.
type Nop struct{}

// Report implements Reporter.
func (Nop) Report(string, model.Phase, string) {}

// Multi fans one event out to several reporters.
type Multi []Reporter

// Report implements Reporter.
func (m Multi) Report(jobID string, phase model.Phase, msg string) {
	for _, r := range m {
		r.Report(jobID, phase, msg)
	}
}

// Func adapts a function to the Reporter interface.
type Func func(jobID string, phase model.Phase, msg string)

// Report implements Reporter.
func (f Func) Report(jobID string, phase model.Phase, msg string) {
	f(jobID, phase, msg)
}
