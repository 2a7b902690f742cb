// ABOUTME: Run queue: enqueues workflow runs onto a redis stream for the workflow executor
// ABOUTME: Any redis failure surfaces as ErrUnavailable (QUEUE_UNAVAILABLE) and is never retried here

package runqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrUnavailable means the broker could not accept the run.
var ErrUnavailable = errors.New("run queue unavailable")

// ErrInvalidRun is returned for runs missing an org or workflow.
var ErrInvalidRun = errors.New("invalid run")

// Config points the queue at a redis stream.
type Config struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	// MaxLen caps the stream approximately; zero means 100000
	MaxLen int64
	// Timeout bounds each redis call; zero means 3s
	Timeout time.Duration
}

// Run is a workflow run request.
type Run struct {
	OrgID       string
	WorkflowID  string
	SessionID   string
	Input       json.RawMessage
	RequestedBy string
}

// Queue publishes runs with XADD.
type Queue struct {
	client  *redis.Client
	stream  string
	maxLen  int64
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// New creates a Queue. The connection is lazy; Ping checks reachability.
func New(cfg Config, logger *slog.Logger) *Queue {
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = 100000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
		MaxRetries:   -1,
	})
	return &Queue{
		client:  client,
		stream:  cfg.Stream,
		maxLen:  cfg.MaxLen,
		timeout: cfg.Timeout,
		now:     time.Now,
		logger:  logger.With("component", "runqueue", "stream", cfg.Stream),
	}
}

// Enqueue adds a run to the stream and returns the run id and the stream
// entry id.
func (q *Queue) Enqueue(ctx context.Context, run Run) (runID, entryID string, err error) {
	if run.OrgID == "" || run.WorkflowID == "" {
		return "", "", fmt.Errorf("%w: orgId and workflowId are required", ErrInvalidRun)
	}
	if len(run.Input) > 0 && !json.Valid(run.Input) {
		return "", "", fmt.Errorf("%w: input is not valid JSON", ErrInvalidRun)
	}
	input := run.Input
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}

	runID = uuid.NewString()
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	entryID, err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"runId":       runID,
			"orgId":       run.OrgID,
			"workflowId":  run.WorkflowID,
			"sessionId":   run.SessionID,
			"requestedBy": run.RequestedBy,
			"input":       string(input),
			"enqueuedAt":  q.now().UTC().Format(time.RFC3339Nano),
		},
	}).Result()
	if err != nil {
		q.logger.Warn("enqueue failed", "org_id", run.OrgID, "workflow_id", run.WorkflowID, "error", err)
		return "", "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	q.logger.Info("run enqueued", "run_id", runID, "entry_id", entryID, "org_id", run.OrgID, "workflow_id", run.WorkflowID)
	return runID, entryID, nil
}

// Ping reports whether redis is reachable.
func (q *Queue) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Close releases the redis connection pool.
func (q *Queue) Close() error {
	return q.client.Close()
}
