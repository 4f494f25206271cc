// Package fnserver implements the launcher for remotely deployed function
// backends: the job configuration is posted to the function endpoint and
// its return value is the result document. No polling is involved.
package fnserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/kernelboard/benchd/launcher"
	"github.com/kernelboard/benchd/model"
	"github.com/kernelboard/benchd/report"
)

// Config defines the function backend.
type Config struct {
	// Endpoints maps resource identifier to invoke URL.
	Endpoints map[string]string
	// Token is the bearer token sent with every invocation.
	Token string
	// MaxConcurrent caps in-flight invocations per process; each run
	// requests a dedicated slot and waits when none is free.
	MaxConcurrent int64
	// Retries bounds transport retries per run.
	Retries int
	// RetryBackoff is the base backoff between transport retries.
	RetryBackoff time.Duration
}

// Launcher invokes deployed functions over HTTP.
type Launcher struct {
	conf   Config
	client *http.Client
	slots  *semaphore.Weighted
	logger *zap.Logger
}

var _ launcher.Launcher = (*Launcher)(nil)

// New creates the function launcher.
func New(conf Config, logger *zap.Logger) *Launcher {
	if conf.MaxConcurrent <= 0 {
		conf.MaxConcurrent = 16
	}
	if conf.Retries <= 0 {
		conf.Retries = 3
	}
	if conf.RetryBackoff <= 0 {
		conf.RetryBackoff = time.Second
	}
	return &Launcher{
		conf:   conf,
		client: &http.Client{},
		slots:  semaphore.NewWeighted(conf.MaxConcurrent),
		logger: logger,
	}
}

// Name implements launcher.Launcher.
func (l *Launcher) Name() string { return "fnserver" }

// Resources implements launcher.Launcher.
func (l *Launcher) Resources() []string {
	out := make([]string, 0, len(l.conf.Endpoints))
	for res := range l.conf.Endpoints {
		out = append(out, res)
	}
	return out
}

// RunSubmission implements launcher.Launcher.
func (l *Launcher) RunSubmission(ctx context.Context, cfg *model.RunConfig, resource string, rep report.Reporter) (*model.FullResult, error) {
	endpoint, ok := l.conf.Endpoints[resource]
	if !ok {
		return nil, launcher.NewError(launcher.KindRejected,
			fmt.Sprintf("no endpoint for resource %q", resource), nil)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	if err := l.slots.Acquire(ctx, 1); err != nil {
		return nil, launcher.NewError(launcher.KindTimeout, "waiting for invocation slot", err)
	}
	defer l.slots.Release(1)

	body, err := json.Marshal(cfg)
	if err != nil {
		return nil, launcher.NewError(launcher.KindRejected, "encode run config", err)
	}

	rep.Report(cfg.JobID, model.PhaseSubmitted, fmt.Sprintf("invoking %s on %s", cfg.RunName, resource))
	l.logger.Info("invoking function",
		zap.String("run", cfg.RunName), zap.String("resource", resource))
	rep.Report(cfg.JobID, model.PhaseRunning, cfg.RunName+" running")

	var fr *model.FullResult
	err = launcher.Retry(ctx, l.conf.Retries, l.conf.RetryBackoff, func() error {
		var ierr error
		fr, ierr = l.invoke(ctx, endpoint, body)
		return ierr
	})
	if err != nil {
		rep.Report(cfg.JobID, model.PhaseFailed, cfg.RunName+": "+err.Error())
		return nil, err
	}
	rep.Report(cfg.JobID, model.PhaseCompleted, cfg.RunName+" finished")
	return fr, nil
}

func (l *Launcher) invoke(ctx context.Context, endpoint string, body []byte) (*model.FullResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, launcher.NewError(launcher.KindRejected, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if l.conf.Token != "" {
		req.Header.Set("Authorization", "Bearer "+l.conf.Token)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, launcher.NewError(launcher.KindTimeout, "function call deadline exceeded", ctx.Err())
		}
		return nil, launcher.NewError(launcher.KindTransport, "function call failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, launcher.NewError(launcher.KindTransport,
			fmt.Sprintf("function returned %d", resp.StatusCode), nil)
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, launcher.NewError(launcher.KindRejected,
			fmt.Sprintf("function returned %d: %s", resp.StatusCode, msg), nil)
	}

	var fr model.FullResult
	if err := json.NewDecoder(resp.Body).Decode(&fr); err != nil {
		return nil, launcher.NewError(launcher.KindArtifactCorrupt, "decode function result", err)
	}
	return &fr, nil
}
