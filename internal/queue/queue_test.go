package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/hibiken/asynq"

	"github.com/handpose/platform/pipeline-worker/internal/models"
)

func TestLaneFor(t *testing.T) {
	tests := []struct {
		name string
		job  *models.JobPayload
		want string
	}{
		{
			name: "video recording rides the video lane",
			job:  &models.JobPayload{RecordingID: "rec-1", VideoPath: "Uploads-mp4/rec-1/video.mp4"},
			want: QueueVideo,
		},
		{
			name: "keypoints-only recording rides the priority lane",
			job:  &models.JobPayload{RecordingID: "rec-2", KeypointsPath: "Uploads-CSV/rec-2/keypoints.xlsx"},
			want: QueuePriority,
		},
		{
			name: "video wins when both inputs are present",
			job: &models.JobPayload{
				RecordingID:   "rec-3",
				VideoPath:     "Uploads-mp4/rec-3/video.mp4",
				KeypointsPath: "Uploads-CSV/rec-3/keypoints.xlsx",
			},
			want: QueueVideo,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := LaneFor(tt.job); got != tt.want {
				t.Errorf("LaneFor() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHandleAnalyzeTaskMalformedPayload(t *testing.T) {
	rc := &RedisConsumer{}

	task := asynq.NewTask(TaskTypeAnalyze, []byte("not json"))
	err := rc.handleAnalyzeTask(context.Background(), task)
	if err == nil {
		t.Fatal("expected error for a malformed payload")
	}
	if !errors.Is(err, asynq.SkipRetry) {
		t.Errorf("error = %v, want SkipRetry (redelivery cannot fix a bad payload)", err)
	}
}

func TestHandleAnalyzeTaskInvalidPayload(t *testing.T) {
	rc := &RedisConsumer{}

	// Parses, but names no input object.
	task := asynq.NewTask(TaskTypeAnalyze, []byte(`{"recordingId": "rec-1", "patientUserId": "p-1"}`))
	err := rc.handleAnalyzeTask(context.Background(), task)
	if err == nil {
		t.Fatal("expected error for a payload without inputs")
	}
	if !errors.Is(err, asynq.SkipRetry) {
		t.Errorf("error = %v, want SkipRetry", err)
	}
}
