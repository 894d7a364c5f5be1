package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"

	"github.com/handpose/platform/pipeline-worker/internal/models"
)

// Enqueuer submits analysis jobs. The upload collaborator uses it after
// landing a recording in object storage; operational tooling uses it for
// re-analysis.
type Enqueuer struct {
	client   *asynq.Client
	maxRetry int
	timeout  time.Duration
}

// EnqueuerConfig holds enqueuer configuration. MaxRetry bounds queue-level
// redeliveries; Timeout must exceed the worst-case job runtime, poll ceiling
// included.
type EnqueuerConfig struct {
	RedisAddr     string
	RedisPassword string
	MaxRetry      int
	Timeout       time.Duration
}

// NewEnqueuer creates an enqueuer over the given Redis connection.
func NewEnqueuer(config *EnqueuerConfig) *Enqueuer {
	client := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     config.RedisAddr,
		Password: config.RedisPassword,
	})

	return &Enqueuer{
		client:   client,
		maxRetry: config.MaxRetry,
		timeout:  config.Timeout,
	}
}

// Enqueue validates and submits one job on its lane. The task ID is the
// recording ID, so a recording cannot be queued twice while a delivery is
// pending.
func (e *Enqueuer) Enqueue(ctx context.Context, job *models.JobPayload) error {
	if err := job.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	job.EnqueuedAt = &now

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job payload: %w", err)
	}

	lane := LaneFor(job)
	info, err := e.client.EnqueueContext(ctx, asynq.NewTask(TaskTypeAnalyze, payload),
		asynq.Queue(lane),
		asynq.TaskID(job.RecordingID),
		asynq.MaxRetry(e.maxRetry),
		asynq.Timeout(e.timeout),
	)
	if err != nil {
		return fmt.Errorf("enqueue recording %s: %w", job.RecordingID, err)
	}

	log.Info().
		Str("recordingId", job.RecordingID).
		Str("queue", info.Queue).
		Str("taskId", info.ID).
		Msg("Recording enqueued")
	return nil
}

// Close releases the underlying Redis connection.
func (e *Enqueuer) Close() error {
	return e.client.Close()
}
