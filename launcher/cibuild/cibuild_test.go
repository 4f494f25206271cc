package cibuild

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kernelboard/benchd/launcher"
	"github.com/kernelboard/benchd/model"
	"github.com/kernelboard/benchd/report"
)

func runCfg(timeout time.Duration) *model.RunConfig {
	return &model.RunConfig{
		JobID:        "job-1",
		SubmissionID: "sub-1",
		RunName:      "mi300.benchmark",
		Mode:         model.ModeBenchmark,
		Resource:     "mi300",
		Timeout:      timeout,
	}
}

// buildServer fakes the build API: create, poll (scheduled -> running ->
// finalState), artifact listing and a redirecting artifact download.
type buildServer struct {
	t          *testing.T
	finalState string
	result     string
	polls      atomic.Int32
	createFail atomic.Int32 // number of 500s before create succeeds
	srv        *httptest.Server
	gotPayload string
	gotQueue   string
}

func newBuildServer(t *testing.T, finalState, result string) *buildServer {
	bs := &buildServer{t: t, finalState: finalState, result: result}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /organizations/org/pipelines/bench/builds", func(w http.ResponseWriter, r *http.Request) {
		if bs.createFail.Load() > 0 {
			bs.createFail.Add(-1)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var br BuildRequest
		json.NewDecoder(r.Body).Decode(&br)
		bs.gotPayload = br.Env["BENCH_PAYLOAD"]
		bs.gotQueue = br.Queue
		json.NewEncoder(w).Encode(Build{Number: 7, State: "scheduled", URL: bs.srv.URL + "/builds/7"})
	})
	mux.HandleFunc("GET /builds/7", func(w http.ResponseWriter, r *http.Request) {
		n := bs.polls.Add(1)
		b := Build{Number: 7, State: "running", URL: bs.srv.URL + "/builds/7"}
		switch {
		case n == 1:
			b.State = "scheduled"
		case n >= 3:
			b.State = bs.finalState
			b.Jobs = []BuildJob{{ArtifactsURL: bs.srv.URL + "/builds/7/artifacts"}}
		}
		json.NewEncoder(w).Encode(b)
	})
	mux.HandleFunc("GET /builds/7/artifacts", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]Artifact{
			{Filename: "log.txt", DownloadURL: bs.srv.URL + "/download/log"},
			{Filename: ResultArtifact, DownloadURL: bs.srv.URL + "/download/result"},
		})
	})
	mux.HandleFunc("GET /download/result", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			t.Error("artifact download must carry the api token")
		}
		http.Redirect(w, r, bs.srv.URL+"/storage/result", http.StatusFound)
	})
	mux.HandleFunc("GET /storage/result", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Error("credentials must not be forwarded to the redirect target")
		}
		fmt.Fprint(w, bs.result)
	})
	bs.srv = httptest.NewServer(mux)
	return bs
}

func (bs *buildServer) launcher(pollInterval time.Duration) *Launcher {
	return New(Config{
		API:          bs.srv.URL,
		Org:          "org",
		Pipeline:     "bench",
		Token:        "api-token",
		Addresses:    map[string]string{"mi300": "node-3"},
		PollInterval: pollInterval,
		Retries:      3,
		RetryBackoff: time.Millisecond,
	}, zap.NewNop())
}

const passedResult = `{"success":true,"error":"","system":{"gpu":"MI300X"},"runs":{"benchmark":{"name":"benchmark","success":true,"passed":true,"result":{"mean_ns":"48211"}}}}`

func TestRunSubmission_PassedBuild(t *testing.T) {
	bs := newBuildServer(t, "passed", passedResult)
	defer bs.srv.Close()

	l := bs.launcher(5 * time.Millisecond)
	fr, err := l.RunSubmission(t.Context(), runCfg(5*time.Second), "mi300", report.Nop{})
	if err != nil {
		t.Fatalf("RunSubmission error: %v", err)
	}
	if !fr.Success || fr.System.GPU != "MI300X" {
		t.Errorf("unexpected result: %+v", fr)
	}
	if fr.Runs["benchmark"].Result["mean_ns"] != "48211" {
		t.Errorf("unexpected run metrics: %+v", fr.Runs["benchmark"])
	}

	// The payload env value must round-trip back to the run config.
	cfg, err := DecodePayload(bs.gotPayload)
	if err != nil {
		t.Fatalf("DecodePayload error: %v", err)
	}
	if cfg.RunName != "mi300.benchmark" || cfg.Resource != "mi300" {
		t.Errorf("payload mismatch: %+v", cfg)
	}
}

func TestRunSubmission_FailedBuild(t *testing.T) {
	bs := newBuildServer(t, "failed", "")
	defer bs.srv.Close()

	l := bs.launcher(5 * time.Millisecond)
	fr, err := l.RunSubmission(t.Context(), runCfg(5*time.Second), "mi300", report.Nop{})
	if err != nil {
		t.Fatalf("a failed build is a result, not an error: %v", err)
	}
	if fr.Success {
		t.Error("failed build must yield success=false")
	}
	if fr.Error == "" {
		t.Error("failed build must carry a diagnostic")
	}
}

func TestRunSubmission_CreateRetried(t *testing.T) {
	bs := newBuildServer(t, "passed", passedResult)
	defer bs.srv.Close()
	bs.createFail.Store(2)

	l := bs.launcher(5 * time.Millisecond)
	fr, err := l.RunSubmission(t.Context(), runCfg(5*time.Second), "mi300", report.Nop{})
	if err != nil {
		t.Fatalf("expected success after transport retries, got %v", err)
	}
	if !fr.Success {
		t.Error("expected successful result")
	}
}

func TestRunSubmission_TimeoutContained(t *testing.T) {
	bs := newBuildServer(t, "never", "")
	defer bs.srv.Close()

	l := bs.launcher(20 * time.Millisecond)
	start := time.Now()
	_, err := l.RunSubmission(t.Context(), runCfg(150*time.Millisecond), "mi300", report.Nop{})
	elapsed := time.Since(start)
	if launcher.KindOf(err) != launcher.KindTimeout {
		t.Errorf("expected timeout, got %v", err)
	}
	// Bounded by phase timeout plus one poll interval.
	if elapsed > 500*time.Millisecond {
		t.Errorf("poll loop must stop near the phase timeout, took %v", elapsed)
	}
}

func TestRunSubmission_CorruptArtifact(t *testing.T) {
	bs := newBuildServer(t, "passed", "{broken")
	defer bs.srv.Close()

	l := bs.launcher(5 * time.Millisecond)
	_, err := l.RunSubmission(t.Context(), runCfg(5*time.Second), "mi300", report.Nop{})
	if launcher.KindOf(err) != launcher.KindArtifactCorrupt {
		t.Errorf("expected artifact_corrupt, got %v", err)
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	cfg := &model.RunConfig{
		SubmissionID: "sub-9",
		RunName:      "a100.leaderboard.secret",
		Secret:       true,
		Seed:         8371,
		Files:        map[string]string{"kernel.cu": "__global__ void k() {}"},
		Timeout:      time.Minute,
	}
	payload, err := EncodePayload(cfg)
	if err != nil {
		t.Fatalf("EncodePayload error: %v", err)
	}
	got, err := DecodePayload(payload)
	if err != nil {
		t.Fatalf("DecodePayload error: %v", err)
	}
	if got.RunName != cfg.RunName || !got.Secret || got.Seed != 8371 {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.Files["kernel.cu"] != cfg.Files["kernel.cu"] {
		t.Errorf("file content mismatch: %+v", got.Files)
	}
}

func TestDecodePayload_Invalid(t *testing.T) {
	if _, err := DecodePayload("!!!not-base64"); err == nil {
		t.Error("expected error for invalid payload")
	}
}
