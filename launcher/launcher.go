// Package launcher defines the capability abstraction over compute
// backends. A launcher executes one run's configuration on one resource
// and returns a normalized FullResult, hiding backend transport.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kernelboard/benchd/model"
	"github.com/kernelboard/benchd/report"
)

// Launcher executes runs on a class of compute resources.
type Launcher interface {
	// Name identifies the backend for logs and diagnostics.
	Name() string
	// Resources lists the resource identifiers this launcher owns.
	Resources() []string
	// RunSubmission executes one run and returns its result. It honors
	// cfg.Timeout locally and emits a progress event at each phase
	// boundary through rep. Backend failures are returned as *Error;
	// the result is non-nil only on a completed backend round-trip.
	RunSubmission(ctx context.Context, cfg *model.RunConfig, resource string, rep report.Reporter) (*model.FullResult, error)
}

// ErrorKind classifies launcher failures so the orchestrator's join logic
// can tell a timeout from a rejection without inspecting error types.
type ErrorKind int

const (
	// KindTransport marks a network / API failure. Retryable a bounded
	// number of times inside the launcher.
	KindTransport ErrorKind = iota
	// KindRejected marks a backend that refused the job. Fatal for this
	// resource.
	KindRejected
	// KindTimeout marks a phase deadline exceeded. Fatal, run failed.
	KindTimeout
	// KindArtifactCorrupt marks a result document that could not be
	// parsed. Fatal, run failed with a diagnostic payload.
	KindArtifactCorrupt
)

var errorKindString = []string{"transport", "rejected", "timeout", "artifact_corrupt"}

// String converts kind to string
func (k ErrorKind) String() string {
	if k < 0 || int(k) >= len(errorKindString) {
		return "invalid"
	}
	return errorKindString[k]
}

// Error is a classified launcher failure.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError creates a classified error.
func NewError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the error kind; unclassified errors count as transport
// failures of the launcher itself.
func KindOf(err error) ErrorKind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return KindTransport
}

// Retry runs f up to attempts times, backing off between transport
// failures. Any non-transport error stops the retry loop immediately.
// Retries are transport-scoped: the same logical run is re-attempted, a
// job is never duplicated.
func Retry(ctx context.Context, attempts int, backoff time.Duration, f func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = f(); err == nil {
			return nil
		}
		if KindOf(err) != KindTransport {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return NewError(KindTimeout, "retry canceled", ctx.Err())
		case <-time.After(backoff * time.Duration(i+1)):
		}
	}
	return err
}
