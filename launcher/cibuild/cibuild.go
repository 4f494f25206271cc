// Package cibuild implements the launcher for poll-based build backends:
// a build request carries the job configuration as a compressed, encoded
// environment value, completion is observed by polling at a bounded
// interval, and the result document is fetched as a build artifact.
package cibuild

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kernelboard/benchd/launcher"
	"github.com/kernelboard/benchd/model"
	"github.com/kernelboard/benchd/report"
)

// ResultArtifact is the artifact filename holding the result document.
const ResultArtifact = "result.json"

// Config defines the poll-based build backend.
type Config struct {
	API      string
	Org      string
	Pipeline string
	Token    string

	// Addresses maps resource identifier to the build target address
	// routed through the build env.
	Addresses map[string]string

	PollInterval time.Duration
	Retries      int
	RetryBackoff time.Duration
}

// Launcher submits builds and polls them to completion.
type Launcher struct {
	conf   Config
	client *Client
	logger *zap.Logger
}

var _ launcher.Launcher = (*Launcher)(nil)

// New creates the poll-based build launcher.
func New(conf Config, logger *zap.Logger) *Launcher {
	if conf.PollInterval <= 0 {
		conf.PollInterval = 10 * time.Second
	}
	if conf.Retries <= 0 {
		conf.Retries = 3
	}
	if conf.RetryBackoff <= 0 {
		conf.RetryBackoff = time.Second
	}
	return &Launcher{
		conf:   conf,
		client: NewClient(conf.API, conf.Org, conf.Pipeline, conf.Token),
		logger: logger,
	}
}

// Name implements launcher.Launcher.
func (l *Launcher) Name() string { return "cibuild" }

// Resources implements launcher.Launcher.
func (l *Launcher) Resources() []string {
	out := make([]string, 0, len(l.conf.Addresses))
	for res := range l.conf.Addresses {
		out = append(out, res)
	}
	return out
}

// RunSubmission implements launcher.Launcher.
func (l *Launcher) RunSubmission(ctx context.Context, cfg *model.RunConfig, resource string, rep report.Reporter) (*model.FullResult, error) {
	addr, ok := l.conf.Addresses[resource]
	if !ok {
		return nil, launcher.NewError(launcher.KindRejected,
			fmt.Sprintf("no build address for resource %q", resource), nil)
	}
	return l.Launch(ctx, cfg, &BuildRequest{
		Message: fmt.Sprintf("bench run %s", cfg.RunName),
		Env: map[string]string{
			"BENCH_RUN_ID": cfg.RunName,
			"BENCH_TARGET": addr,
		},
		Meta: map[string]string{"run_id": cfg.RunName, "resource": resource},
	}, rep)
}

// Launch drives one build to completion: create, poll, fetch artifact.
// Shared with the agent-queue launcher, which targets a queue instead of
// an address.
func (l *Launcher) Launch(ctx context.Context, cfg *model.RunConfig, br *BuildRequest, rep report.Reporter) (*model.FullResult, error) {
	payload, err := EncodePayload(cfg)
	if err != nil {
		return nil, launcher.NewError(launcher.KindRejected, "encode build payload", err)
	}
	br.Env["BENCH_PAYLOAD"] = payload

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	var build *Build
	err = launcher.Retry(ctx, l.conf.Retries, l.conf.RetryBackoff, func() error {
		var cerr error
		build, cerr = l.client.CreateBuild(ctx, br)
		return cerr
	})
	if err != nil {
		rep.Report(cfg.JobID, model.PhaseFailed, cfg.RunName+": "+err.Error())
		return nil, err
	}
	rep.Report(cfg.JobID, model.PhaseSubmitted,
		fmt.Sprintf("build %d created for %s", build.Number, cfg.RunName))
	l.logger.Info("build created",
		zap.String("run", cfg.RunName), zap.Int("build", build.Number), zap.String("url", build.WebURL))

	fr, err := l.waitForBuild(ctx, cfg, build, rep)
	if err != nil {
		rep.Report(cfg.JobID, model.PhaseFailed, cfg.RunName+": "+err.Error())
		return nil, err
	}
	rep.Report(cfg.JobID, model.PhaseCompleted, cfg.RunName+" finished")
	return fr, nil
}

func (l *Launcher) waitForBuild(ctx context.Context, cfg *model.RunConfig, build *Build, rep report.Reporter) (*model.FullResult, error) {
	ticker := time.NewTicker(l.conf.PollInterval)
	defer ticker.Stop()

	running := false
	for {
		select {
		case <-ctx.Done():
			// Best-effort abandonment: the backend is left to finish or
			// cancel the build on its own.
			return nil, launcher.NewError(launcher.KindTimeout,
				fmt.Sprintf("build %d exceeded phase timeout", build.Number), ctx.Err())
		case <-ticker.C:
		}

		b, err := l.client.GetBuild(ctx, build.URL)
		if err != nil {
			if launcher.KindOf(err) == launcher.KindTransport {
				l.logger.Warn("poll build failed", zap.Int("build", build.Number), zap.Error(err))
				continue
			}
			return nil, err
		}

		switch b.State {
		case "passed":
			return l.fetchResult(ctx, b)
		case "failed", "canceled", "blocked":
			return &model.FullResult{
				Success: false,
				Error:   fmt.Sprintf("build %d %s", b.Number, b.State),
				Runs:    map[string]model.RunResult{},
			}, nil
		default:
			if !running && b.State == "running" {
				running = true
				rep.Report(cfg.JobID, model.PhaseRunning,
					fmt.Sprintf("build %d running", b.Number))
			}
		}
	}
}

func (l *Launcher) fetchResult(ctx context.Context, b *Build) (*model.FullResult, error) {
	if len(b.Jobs) == 0 || b.Jobs[0].ArtifactsURL == "" {
		return nil, launcher.NewError(launcher.KindArtifactCorrupt, "build has no artifact listing", nil)
	}
	arts, err := l.client.ListArtifacts(ctx, b.Jobs[0].ArtifactsURL)
	if err != nil {
		return nil, err
	}
	for _, a := range arts {
		if a.Filename != ResultArtifact {
			continue
		}
		raw, err := l.client.DownloadArtifact(ctx, a.DownloadURL)
		if err != nil {
			return nil, err
		}
		var fr model.FullResult
		if err := json.Unmarshal(raw, &fr); err != nil {
			return nil, launcher.NewError(launcher.KindArtifactCorrupt, "parse result artifact", err)
		}
		return &fr, nil
	}
	return nil, launcher.NewError(launcher.KindArtifactCorrupt,
		fmt.Sprintf("build %d uploaded no %s", b.Number, ResultArtifact), nil)
}

// QueueStatus summarizes the agents serving one queue tag.
type QueueStatus struct {
	Queue string `json:"queue"`
	Total int    `json:"total"`
	Idle  int    `json:"idle"`
}

// AgentQueueStatus inspects connected agents by queue metadata tag.
func (l *Launcher) AgentQueueStatus(ctx context.Context, queue string) (*QueueStatus, error) {
	agents, err := l.client.Agents(ctx)
	if err != nil {
		return nil, err
	}
	st := &QueueStatus{Queue: queue}
	for _, a := range agents {
		if agentQueue(a) != queue {
			continue
		}
		st.Total++
		if !a.Busy {
			st.Idle++
		}
	}
	return st, nil
}

func agentQueue(a Agent) string {
	for _, m := range a.Metadata {
		if len(m) > 6 && m[:6] == "queue=" {
			return m[6:]
		}
	}
	return ""
}
