package report

import (
	"sync"

	"github.com/kernelboard/benchd/model"
)

const subBufferLen = 64

// Hub is an in-process publish/subscribe reporter. The status API
// subscribes per job id and relays events over SSE / websocket.
type Hub struct {
	mu   sync.RWMutex
	subs map[string][]chan model.Event
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string][]chan model.Event)}
}

// Report implements Reporter. Events for jobs nobody watches are dropped;
// a full subscriber buffer drops the event rather than blocking the worker.
func (h *Hub) Report(jobID string, phase model.Phase, msg string) {
	ev := model.Event{
		JobID:   jobID,
		Kind:    model.KindForPhase(phase),
		Phase:   phase,
		Message: msg,
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs[jobID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers a listener for one job's events.
func (h *Hub) Subscribe(jobID string) <-chan model.Event {
	ch := make(chan model.Event, subBufferLen)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[jobID] = append(h.subs[jobID], ch)
	return ch
}

// Unsubscribe removes a listener and closes its channel.
func (h *Hub) Unsubscribe(jobID string, sub <-chan model.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	chs := h.subs[jobID]
	for i, ch := range chs {
		if ch == sub {
			h.subs[jobID] = append(chs[:i], chs[i+1:]...)
			close(ch)
			break
		}
	}
	if len(h.subs[jobID]) == 0 {
		delete(h.subs, jobID)
	}
}
