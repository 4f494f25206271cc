package model

// Phase marks a boundary in a run's lifecycle; launchers report one event
// per boundary so callers can stream status without polling.
type Phase string

const (
	PhaseQueued    Phase = "queued"
	PhaseSubmitted Phase = "submitted"
	PhaseRunning   Phase = "running"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
)

// EventKind is the stream event type delivered to subscribers.
type EventKind string

const (
	EventStatus EventKind = "status"
	EventResult EventKind = "result"
	EventError  EventKind = "error"
)

// Event is one progress event keyed by job.
type Event struct {
	JobID   string    `json:"jobId"`
	Kind    EventKind `json:"kind"`
	Phase   Phase     `json:"phase,omitempty"`
	Message string    `json:"message,omitempty"`
}

// KindForPhase maps a phase boundary to its stream event kind.
func KindForPhase(p Phase) EventKind {
	switch p {
	case PhaseCompleted:
		return EventResult
	case PhaseFailed:
		return EventError
	default:
		return EventStatus
	}
}
