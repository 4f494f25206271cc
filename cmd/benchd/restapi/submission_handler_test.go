package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kernelboard/benchd/codestore"
	"github.com/kernelboard/benchd/jobstore"
	"github.com/kernelboard/benchd/launcher"
	"github.com/kernelboard/benchd/model"
	"github.com/kernelboard/benchd/report"
)

type staticLauncher struct{ resources []string }

func (s *staticLauncher) Name() string        { return "static" }
func (s *staticLauncher) Resources() []string { return s.resources }
func (s *staticLauncher) RunSubmission(context.Context, *model.RunConfig, string, report.Reporter) (*model.FullResult, error) {
	return &model.FullResult{Success: true, Runs: map[string]model.RunResult{}}, nil
}

func newTestRouter(t *testing.T) (*gin.Engine, *jobstore.Memory) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := launcher.NewRegistry()
	if err := reg.Register(&staticLauncher{resources: []string{"a100"}}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	tasks := map[string]*model.Task{
		"matmul": {
			Name:       "matmul",
			RankMetric: "mean_ns",
			Resources:  []string{"a100"},
			Timeouts:   model.TaskTimeouts{TestSeconds: 60, BenchmarkSeconds: 120, RankedSeconds: 180},
		},
	}
	store := jobstore.NewMemory()
	r := gin.New()
	NewSubmissionHandle(store, codestore.NewMemoryStore(), tasks, reg, nil, zap.NewNop()).Register(r)
	return r, store
}

func postSubmission(t *testing.T, r *gin.Engine, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/submissions", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func TestHandleSubmit(t *testing.T) {
	r, store := newTestRouter(t)

	w := postSubmission(t, r, SubmissionRequest{
		Task:  "matmul",
		Mode:  "benchmark",
		Files: map[string]string{"kernel.cu": "__global__ void k() {}"},
		User:  "alice",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var resp SubmissionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.JobID == "" || resp.SubmissionID == "" {
		t.Errorf("incomplete ack: %+v", resp)
	}

	job, err := store.GetJob(t.Context(), resp.JobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.State != model.JobQueued {
		t.Errorf("job state %v, want queued", job.State)
	}
}

func TestHandleSubmitRejectsUnknownResource(t *testing.T) {
	r, store := newTestRouter(t)

	w := postSubmission(t, r, SubmissionRequest{
		Task:      "matmul",
		Resources: []string{"tpu"},
		Files:     map[string]string{"kernel.cu": "x"},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", w.Code)
	}
	if d, _ := store.QueueDepth(t.Context()); d != 0 {
		t.Errorf("rejected submission was enqueued, depth %d", d)
	}
}

func TestHandleSubmitRejectsUnknownTask(t *testing.T) {
	r, _ := newTestRouter(t)
	w := postSubmission(t, r, SubmissionRequest{
		Task:  "nope",
		Files: map[string]string{"kernel.cu": "x"},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", w.Code)
	}
}

func TestHandleSubmitRejectsEmptyFiles(t *testing.T) {
	r, _ := newTestRouter(t)
	w := postSubmission(t, r, map[string]any{"task": "matmul", "files": map[string]string{}})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", w.Code)
	}
}

func TestHandleJob(t *testing.T) {
	r, store := newTestRouter(t)
	job, err := store.Enqueue(t.Context(), &model.Submission{ID: "sub-1", Task: "matmul"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/jobs/"+job.ID, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	var got model.Job
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if got.ID != job.ID || got.State != model.JobQueued {
		t.Errorf("unexpected job %+v", got)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/jobs/no-such-job", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("missing job: status %d, want 404", w.Code)
	}
}

func TestHandleResources(t *testing.T) {
	r, _ := newTestRouter(t)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/resources", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	var got struct {
		Resources []string `json:"resources"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Resources) != 1 || got.Resources[0] != "a100" {
		t.Errorf("resources %v", got.Resources)
	}
}
