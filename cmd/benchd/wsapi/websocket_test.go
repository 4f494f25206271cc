package wsapi

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kernelboard/benchd/jobstore"
	"github.com/kernelboard/benchd/model"
	"github.com/kernelboard/benchd/report"
)

func TestHandleWSRelaysUntilJobTerminal(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := jobstore.NewMemory()
	hub := report.NewHub()

	job, err := store.Enqueue(t.Context(), &model.Submission{ID: "sub-1", Task: "matmul"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, _, err := store.ClaimNext(t.Context(), "w1"); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	r := gin.New()
	New(store, hub, zap.NewNop()).Register(r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/jobs/" + job.ID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	// Give the handler a moment to subscribe after the upgrade.
	time.Sleep(100 * time.Millisecond)

	readEvent := func() model.Event {
		t.Helper()
		var ev model.Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read event: %v", err)
		}
		return ev
	}

	// A per-run completion must not close the socket: sibling runs are
	// still in flight.
	hub.Report(job.ID, model.PhaseCompleted, "a100.benchmark finished")
	if ev := readEvent(); ev.Kind != model.EventResult {
		t.Errorf("run completion event %+v, want result", ev)
	}
	hub.Report(job.ID, model.PhaseRunning, "mi300.benchmark running")
	if ev := readEvent(); ev.Kind != model.EventStatus {
		t.Errorf("socket closed before the job finished: %+v", ev)
	}

	// The job-level terminal event closes it normally.
	if err := store.FinishJob(t.Context(), job.ID, "w1", model.JobCompleted, nil, ""); err != nil {
		t.Fatalf("FinishJob: %v", err)
	}
	hub.Report(job.ID, model.PhaseCompleted, "job completed")
	if ev := readEvent(); ev.Kind != model.EventResult {
		t.Errorf("terminal event %+v, want result", ev)
	}

	var ev model.Event
	err = conn.ReadJSON(&ev)
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("expected a normal close after the terminal event, got %v", err)
	}
}

func TestHandleWSUnknownJob(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	New(jobstore.NewMemory(), report.NewHub(), zap.NewNop()).Register(r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/jobs/no-such-job/ws"
	if _, _, err := websocket.DefaultDialer.Dial(url, nil); err == nil {
		t.Error("expected the upgrade to be refused for an unknown job")
	}
}
