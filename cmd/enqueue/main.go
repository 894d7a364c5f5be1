// Command enqueue submits a recording to the analysis queue. It is the
// operational counterpart of the upload service's enqueue step: re-run a
// recording after a fix, or push one that was uploaded out of band.
package main

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/handpose/platform/pipeline-worker/internal/logging"
	"github.com/handpose/platform/pipeline-worker/internal/models"
	"github.com/handpose/platform/pipeline-worker/internal/queue"
	"github.com/handpose/platform/pipeline-worker/internal/storage"
)

func main() {
	logging.Init()

	if err := newEnqueueCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("Enqueue failed")
		os.Exit(1)
	}
}

func newEnqueueCmd() *cobra.Command {
	var (
		recordingID   string
		patientUserID string
		hasVideo      bool
		keypointsFile string
		protocolID    string
		redisAddr     string
		redisPassword string
		maxRetry      int
		timeout       time.Duration
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Submit a recording for analysis",
		Long: "Submit a recording to the analysis queue. The input must already be in\n" +
			"object storage; pass the file name of either the uploaded video or the\n" +
			"uploaded keypoints export.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			job := &models.JobPayload{
				RecordingID:   recordingID,
				PatientUserID: patientUserID,
				ProtocolID:    protocolID,
			}
			if hasVideo {
				job.VideoPath = storage.VideoObject(recordingID)
			}
			if keypointsFile != "" {
				job.KeypointsPath = storage.KeypointsObject(recordingID, keypointsFile)
			}

			enqueuer := queue.NewEnqueuer(&queue.EnqueuerConfig{
				RedisAddr:     redisAddr,
				RedisPassword: redisPassword,
				MaxRetry:      maxRetry,
				Timeout:       timeout,
			})
			defer enqueuer.Close()

			return enqueuer.Enqueue(context.Background(), job)
		},
	}

	cmd.Flags().StringVar(&recordingID, "recording", "", "Recording ID (required)")
	cmd.Flags().StringVar(&patientUserID, "patient", "", "Patient user ID (required)")
	cmd.Flags().BoolVar(&hasVideo, "video", false, "Uploaded video present for this recording")
	cmd.Flags().StringVar(&keypointsFile, "keypoints-file", "", "Uploaded keypoints file name (e.g. keypoints.xlsx)")
	cmd.Flags().StringVar(&protocolID, "protocol", "", "Protocol ID for scored analysis")
	cmd.Flags().StringVar(&redisAddr, "redis-addr", envOr("REDIS_ADDR", "localhost:6379"), "Redis address")
	cmd.Flags().StringVar(&redisPassword, "redis-password", os.Getenv("REDIS_PASSWORD"), "Redis password")
	cmd.Flags().IntVar(&maxRetry, "max-retry", 2, "Queue-level redelivery budget")
	cmd.Flags().DurationVar(&timeout, "timeout", 45*time.Minute, "Per-delivery processing deadline")

	cobra.CheckErr(cmd.MarkFlagRequired("recording"))
	cobra.CheckErr(cmd.MarkFlagRequired("patient"))

	return cmd
}

func envOr(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
