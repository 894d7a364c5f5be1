package processor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/handpose/platform/pipeline-worker/internal/models"
)

// ProgressPublisher is the slice of the Redis client used for progress
// fan-out.
type ProgressPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// ProgressStore persists the progress integer on the session row.
type ProgressStore interface {
	UpdateProgress(ctx context.Context, recordingID string, progress int) error
}

// ProgressChannel returns the Redis pub/sub channel carrying updates for one
// recording. The dashboard's websocket bridge subscribes to it.
func ProgressChannel(recordingID string) string {
	return "handpose:progress:" + recordingID
}

// ProgressReporter fans progress out to Redis subscribers and the session
// row. Reporting is best-effort on both legs: a job never fails because its
// progress could not be delivered.
type ProgressReporter struct {
	publisher ProgressPublisher
	store     ProgressStore
}

// NewProgressReporter creates a reporter over the given publisher and store.
func NewProgressReporter(publisher ProgressPublisher, store ProgressStore) *ProgressReporter {
	return &ProgressReporter{publisher: publisher, store: store}
}

// Job returns a tracker for one job execution. The tracker enforces the
// monotonic guard: within one execution progress never goes backwards, so a
// late or duplicated checkpoint cannot make the dashboard jump back.
func (r *ProgressReporter) Job(recordingID string) *JobProgress {
	return &JobProgress{reporter: r, recordingID: recordingID}
}

// JobProgress tracks progress for a single job execution. It is used from
// the one goroutine processing the job and is not safe for concurrent use.
type JobProgress struct {
	reporter    *ProgressReporter
	recordingID string
	last        int
}

// Current returns the last reported progress value.
func (p *JobProgress) Current() int {
	return p.last
}

// Report publishes one checkpoint. Values below the last reported one are
// dropped; an equal value goes through, so a stage change can be announced
// without advancing the number.
func (p *JobProgress) Report(ctx context.Context, progress int, stage string) {
	if progress < p.last {
		log.Debug().
			Str("recordingId", p.recordingID).
			Int("progress", progress).
			Int("last", p.last).
			Msg("Dropping non-monotonic progress update")
		return
	}
	p.last = progress

	update := models.ProgressUpdate{
		RecordingID: p.recordingID,
		Progress:    progress,
		Stage:       stage,
		Timestamp:   time.Now().UTC(),
	}

	// Serialized here, at the transport edge; the update stays a typed value
	// everywhere else.
	payload, err := json.Marshal(update)
	if err == nil {
		if err := p.reporter.publisher.Publish(ctx, ProgressChannel(p.recordingID), payload).Err(); err != nil {
			log.Warn().Err(err).Str("recordingId", p.recordingID).Msg("Could not publish progress update")
		}
	}

	if err := p.reporter.store.UpdateProgress(ctx, p.recordingID, progress); err != nil {
		log.Warn().Err(err).Str("recordingId", p.recordingID).Msg("Could not persist progress")
	}

	log.Debug().
		Str("recordingId", p.recordingID).
		Int("progress", progress).
		Str("stage", stage).
		Msg("Progress reported")
}
