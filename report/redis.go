package report

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kernelboard/benchd/model"
)

const publishTimeout = 2 * time.Second

// RedisStream publishes progress events to a Redis stream so external
// status-stream consumers (SSE relays, bots) can follow jobs across
// processes. Publish failures are logged and dropped, never propagated.
type RedisStream struct {
	rdb    *redis.Client
	stream string
	logger *zap.Logger
}

// NewRedisStream creates a stream reporter.
func NewRedisStream(rdb *redis.Client, stream string, logger *zap.Logger) *RedisStream {
	return &RedisStream{rdb: rdb, stream: stream, logger: logger}
}

// EnsureGroup creates the consumer group for downstream relays if it does
// not exist yet.
func (r *RedisStream) EnsureGroup(ctx context.Context, group string) error {
	err := r.rdb.XGroupCreateMkStream(ctx, r.stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// Report implements Reporter.
func (r *RedisStream) Report(jobID string, phase model.Phase, msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	err := r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		ID:     "*",
		Values: map[string]any{
			"job_id":  jobID,
			"kind":    string(model.KindForPhase(phase)),
			"phase":   string(phase),
			"message": msg,
		},
	}).Err()
	if err != nil {
		r.logger.Warn("publish progress event failed",
			zap.String("jobId", jobID), zap.Error(err))
	}
}
