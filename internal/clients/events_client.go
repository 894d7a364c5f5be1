package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker/v2"

	"github.com/handpose/platform/pipeline-worker/internal/models"
)

// DefaultFPS is assumed when a recording carries no frame-rate metadata.
const DefaultFPS = 30.0

// DetectRequest asks the event detector to analyze a normalized keypoints
// file. Paths are local paths on the volume shared with the service.
type DetectRequest struct {
	KeypointsPath string  `json:"keypointsPath"`
	OutputDir     string  `json:"outputDir"`
	FPS           float64 `json:"fps"`
	Adaptive      bool    `json:"adaptive"` // adaptive per-recording normalization
}

// DetectedEvent is one temporal detection in the service's response.
type DetectedEvent struct {
	Type       string  `json:"type"` // "wrist", "finger", "posture", "state"
	Event      string  `json:"event"`
	StartFrame int     `json:"startFrame"`
	EndFrame   int     `json:"endFrame"`
	Confidence float64 `json:"confidence"`
}

// EventStatistics summarizes one detection run.
type EventStatistics struct {
	TotalEvents     int     `json:"totalEvents"`
	AvgConfidence   float64 `json:"avgConfidence"`
	DurationSeconds float64 `json:"durationSeconds"`
	NumFrames       int     `json:"numFrames"`
}

// EventReports lists the report files the detector wrote into the output
// directory. Empty fields mean the report was not produced. Plots is
// variable-length: one PNG per generated figure.
type EventReports struct {
	ReportPath  string   `json:"reportPath,omitempty"`
	ChartsPath  string   `json:"chartsPath,omitempty"`
	PDFPath     string   `json:"pdfPath,omitempty"`
	ResultsPath string   `json:"resultsPath,omitempty"`
	Plots       []string `json:"plots,omitempty"`
}

// EventDetectionResponse is the response of POST /detect.
type EventDetectionResponse struct {
	Success    bool            `json:"success"`
	Events     []DetectedEvent `json:"events"`
	Statistics EventStatistics `json:"statistics"`
	Reports    EventReports    `json:"reports"`
	Error      string          `json:"error,omitempty"`
}

// ToEventRecords converts the response into persistable event records.
// Durations are derived from the frame span and the recording's frame rate.
func (r *EventDetectionResponse) ToEventRecords(recordingID string, fps float64) []models.EventRecord {
	if fps <= 0 {
		fps = DefaultFPS
	}

	records := make([]models.EventRecord, 0, len(r.Events))
	now := time.Now().UTC()
	for _, ev := range r.Events {
		endFrame := ev.EndFrame
		if endFrame < ev.StartFrame {
			endFrame = ev.StartFrame
		}
		records = append(records, models.EventRecord{
			ID:              models.NewEventID(),
			RecordingID:     recordingID,
			Category:        ev.Type,
			Label:           ev.Event,
			StartFrame:      ev.StartFrame,
			EndFrame:        endFrame,
			DurationSeconds: float64(endFrame-ev.StartFrame+1) / fps,
			Confidence:      ev.Confidence,
			CreatedAt:       now,
		})
	}
	return records
}

// EventsClient calls the event-detection service. All failures here are
// non-fatal to the pipeline; a circuit breaker keeps a flapping detector from
// stalling every job on its timeouts.
type EventsClient struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[*EventDetectionResponse]
}

// NewEventsClient creates a client for the given base URL.
func NewEventsClient(baseURL string) *EventsClient {
	settings := gobreaker.Settings{
		Name:    "event-detector",
		Timeout: 60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Event-detector breaker state changed")
		},
	}

	return &EventsClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			// Detection runs a model pass and renders reports; it is the
			// slowest synchronous call the worker makes.
			Timeout: 5 * time.Minute,
		},
		breaker: gobreaker.NewCircuitBreaker[*EventDetectionResponse](settings),
	}
}

// Available reports whether the detector should be attempted: the breaker
// must not be open and the service must answer its health endpoint.
func (c *EventsClient) Available(ctx context.Context) bool {
	if c.breaker.State() == gobreaker.StateOpen {
		return false
	}
	return c.HealthCheck(ctx) == nil
}

// HealthCheck checks if the event-detection service is reachable.
func (c *EventsClient) HealthCheck(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/health", c.baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("event detector unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// DetectEvents runs one detection pass over a normalized keypoints file.
func (c *EventsClient) DetectEvents(ctx context.Context, req DetectRequest) (*EventDetectionResponse, error) {
	return c.breaker.Execute(func() (*EventDetectionResponse, error) {
		return c.detect(ctx, req)
	})
}

func (c *EventsClient) detect(ctx context.Context, detectReq DetectRequest) (*EventDetectionResponse, error) {
	jsonData, err := json.Marshal(detectReq)
	if err != nil {
		return nil, fmt.Errorf("marshal detect request: %w", err)
	}

	url := fmt.Sprintf("%s/detect", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create detect request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", "worker-"+models.NewRequestID())

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("event detection request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read detect response: %w", err)
	}

	var detectResp EventDetectionResponse
	if err := json.Unmarshal(body, &detectResp); err != nil {
		return nil, fmt.Errorf("parse detect response: %w", err)
	}

	if resp.StatusCode != http.StatusOK || !detectResp.Success {
		return nil, fmt.Errorf("event detector returned error (status %d): %s",
			resp.StatusCode, detectResp.Error)
	}

	log.Debug().
		Int("events", len(detectResp.Events)).
		Dur("duration", time.Since(start)).
		Msg("Event detection completed")

	return &detectResp, nil
}
