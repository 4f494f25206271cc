// Package agentqueue implements the launcher for agent-pool backends. It
// speaks the same build API as the poll-based launcher, but resources are
// selected by queue tag: the build is routed to whichever agent in the
// queue goes idle first, or waits until the phase timeout if none does.
package agentqueue

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kernelboard/benchd/launcher"
	"github.com/kernelboard/benchd/launcher/cibuild"
	"github.com/kernelboard/benchd/model"
	"github.com/kernelboard/benchd/report"
)

// Config defines the agent-queue backend.
type Config struct {
	cibuild.Config

	// Queues maps resource identifier to agent queue tag.
	Queues map[string]string
}

// Launcher routes builds to agent queues.
type Launcher struct {
	conf   Config
	builds *cibuild.Launcher
	logger *zap.Logger
}

var _ launcher.Launcher = (*Launcher)(nil)

// New creates the agent-queue launcher.
func New(conf Config, logger *zap.Logger) *Launcher {
	return &Launcher{
		conf:   conf,
		builds: cibuild.New(conf.Config, logger),
		logger: logger,
	}
}

// Name implements launcher.Launcher.
func (l *Launcher) Name() string { return "agentqueue" }

// Resources implements launcher.Launcher.
func (l *Launcher) Resources() []string {
	out := make([]string, 0, len(l.conf.Queues))
	for res := range l.conf.Queues {
		out = append(out, res)
	}
	return out
}

// RunSubmission implements launcher.Launcher.
func (l *Launcher) RunSubmission(ctx context.Context, cfg *model.RunConfig, resource string, rep report.Reporter) (*model.FullResult, error) {
	queue, ok := l.conf.Queues[resource]
	if !ok {
		return nil, launcher.NewError(launcher.KindRejected,
			fmt.Sprintf("no agent queue for resource %q", resource), nil)
	}

	// Zero idle agents is not an error: the build queues until one
	// frees up or the phase timeout elapses. Logged for operators.
	if st, err := l.builds.AgentQueueStatus(ctx, queue); err == nil && st.Idle == 0 {
		l.logger.Info("no idle agents, build will queue",
			zap.String("queue", queue), zap.Int("total", st.Total))
	}

	return l.builds.Launch(ctx, cfg, &cibuild.BuildRequest{
		Message: fmt.Sprintf("bench run %s", cfg.RunName),
		Queue:   queue,
		Env: map[string]string{
			"BENCH_RUN_ID": cfg.RunName,
			"BENCH_QUEUE":  queue,
		},
		Meta: map[string]string{"run_id": cfg.RunName, "queue": queue},
	}, rep)
}

// QueueStatus reports the agents serving the queue of a resource.
func (l *Launcher) QueueStatus(ctx context.Context, resource string) (*cibuild.QueueStatus, error) {
	queue, ok := l.conf.Queues[resource]
	if !ok {
		return nil, fmt.Errorf("no agent queue for resource %q", resource)
	}
	return l.builds.AgentQueueStatus(ctx, queue)
}
