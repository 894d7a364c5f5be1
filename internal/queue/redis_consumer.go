package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"

	"github.com/handpose/platform/pipeline-worker/internal/models"
	"github.com/handpose/platform/pipeline-worker/internal/processor"
)

// TaskTypeAnalyze is the single task type the worker consumes.
const TaskTypeAnalyze = "handpose:analyze"

// Queue lanes. Keypoints-only recordings are cheap for the processing
// service and ride the heavier-weighted lane; video recordings queue behind
// them without being starved.
const (
	QueueVideo    = "handpose:video"
	QueuePriority = "handpose:priority"
)

// LaneFor picks the queue lane for a payload.
func LaneFor(job *models.JobPayload) string {
	if job.HasVideo() {
		return QueueVideo
	}
	return QueuePriority
}

// RedisConsumer consumes analysis jobs from the Redis-backed queue.
type RedisConsumer struct {
	server *asynq.Server
	worker *processor.PipelineWorker
}

// RedisConsumerConfig holds consumer configuration.
type RedisConsumerConfig struct {
	RedisAddr     string
	RedisPassword string
	Concurrency   int
	Worker        *processor.PipelineWorker
}

// NewRedisConsumer creates a queue consumer bound to the pipeline worker.
func NewRedisConsumer(config *RedisConsumerConfig) *RedisConsumer {
	server := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     config.RedisAddr,
			Password: config.RedisPassword,
		},
		asynq.Config{
			Concurrency: config.Concurrency,
			Queues: map[string]int{
				QueuePriority: 6,
				QueueVideo:    3,
			},
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				// Exponential backoff: 1min, 2min, 4min
				return time.Duration(1<<uint(n)) * time.Minute
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				log.Error().Err(err).Str("task", task.Type()).Msg("Task failed")
			}),
		},
	)

	return &RedisConsumer{
		server: server,
		worker: config.Worker,
	}
}

// Start runs the consumer until Stop is called. It blocks.
func (rc *RedisConsumer) Start() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTypeAnalyze, rc.handleAnalyzeTask)

	log.Info().Msg("Starting pipeline worker")

	if err := rc.server.Run(mux); err != nil {
		return fmt.Errorf("run queue server: %w", err)
	}
	return nil
}

// Stop shuts the consumer down, letting in-flight jobs finish within the
// shutdown window.
func (rc *RedisConsumer) Stop() {
	log.Info().Msg("Shutting down pipeline worker")
	rc.server.Shutdown()
}

// handleAnalyzeTask handles one analysis delivery.
func (rc *RedisConsumer) handleAnalyzeTask(ctx context.Context, task *asynq.Task) error {
	var job models.JobPayload
	if err := json.Unmarshal(task.Payload(), &job); err != nil {
		// A payload that does not parse will not parse on the next delivery
		// either.
		return fmt.Errorf("unmarshal job payload: %v: %w", err, asynq.SkipRetry)
	}

	if err := job.Validate(); err != nil {
		var verr *models.ValidationError
		if errors.As(err, &verr) {
			return fmt.Errorf("invalid job payload: %v: %w", verr, asynq.SkipRetry)
		}
		return err
	}

	return rc.worker.ProcessJob(ctx, &job)
}

// HealthCheck checks if the consumer is initialized.
func (rc *RedisConsumer) HealthCheck() error {
	if rc.server == nil {
		return fmt.Errorf("server not initialized")
	}
	return nil
}
