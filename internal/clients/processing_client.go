package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/handpose/platform/pipeline-worker/internal/models"
)

// Polling configuration defaults. The ceiling is wall-clock: a job that has
// not reached a terminal status within it is treated as failed regardless of
// the progress the service reports.
const (
	DefaultPollInterval      = 2 * time.Second
	DefaultPollTimeout       = 30 * time.Minute
	MaxConsecutivePollErrors = 5
)

// ErrPollTimeout marks a core-analysis job that exceeded the poll ceiling.
var ErrPollTimeout = errors.New("core analysis polling timed out")

// HTTPError carries a non-2xx service response.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// ProcessRequest is the body of POST /process. Paths are local paths on the
// volume shared with the processing service; exactly one input is set.
type ProcessRequest struct {
	VideoPath     string                       `json:"videoPath,omitempty"`
	KeypointsPath string                       `json:"keypointsPath,omitempty"`
	OutputDir     string                       `json:"outputDir"`
	Configuration models.AnalysisConfiguration `json:"configuration"`
}

// JobStatus is the response of GET /status/{jobId}.
type JobStatus struct {
	Status   string  `json:"status"` // "queued", "processing", "completed", "failed", "cancelled"
	Progress float64 `json:"progress"`
	Error    string  `json:"error,omitempty"`
}

// IsTerminal returns true if the job will not change state further.
func (s *JobStatus) IsTerminal() bool {
	switch s.Status {
	case models.ServiceStatusCompleted, models.ServiceStatusFailed, models.ServiceStatusCancelled:
		return true
	default:
		return false
	}
}

// IsSuccessful returns true if the job completed successfully.
func (s *JobStatus) IsSuccessful() bool {
	return s.Status == models.ServiceStatusCompleted
}

// GetErrorMessage returns the service's failure cause, or a fallback string
// when the service failed without reporting one.
func (s *JobStatus) GetErrorMessage() string {
	if s.IsSuccessful() {
		return ""
	}
	if s.Error != "" {
		return s.Error
	}
	return fmt.Sprintf("core analysis ended with status %q (no error message provided)", s.Status)
}

// ProcessingClient is the bridge to the biomechanical core-analysis service:
// start a job, poll it to a terminal state, fetch the result set, cancel.
type ProcessingClient struct {
	baseURL      string
	httpClient   *http.Client
	retryCount   int
	pollInterval time.Duration
	pollTimeout  time.Duration
}

// NewProcessingClient creates a client for the given base URL. Zero values
// for the poll settings select the defaults.
func NewProcessingClient(baseURL string, pollInterval, pollTimeout time.Duration) *ProcessingClient {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if pollTimeout <= 0 {
		pollTimeout = DefaultPollTimeout
	}

	return &ProcessingClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		retryCount:   3,
		pollInterval: pollInterval,
		pollTimeout:  pollTimeout,
	}
}

// StartAnalysis submits one analysis job and returns the service's job ID.
func (c *ProcessingClient) StartAnalysis(ctx context.Context, req ProcessRequest) (string, error) {
	endpoint := fmt.Sprintf("%s/process", c.baseURL)

	var resp struct {
		JobID string `json:"jobId"`
	}
	if err := c.makeRequest(ctx, http.MethodPost, endpoint, req, &resp); err != nil {
		return "", fmt.Errorf("start analysis: %w", err)
	}
	if resp.JobID == "" {
		return "", fmt.Errorf("start analysis: service accepted the job but returned no jobId")
	}

	log.Debug().Str("jobId", resp.JobID).Msg("Core analysis started")
	return resp.JobID, nil
}

// GetStatus queries the current status of one analysis job.
func (c *ProcessingClient) GetStatus(ctx context.Context, jobID string) (*JobStatus, error) {
	endpoint := fmt.Sprintf("%s/status/%s", c.baseURL, jobID)

	var status JobStatus
	if err := c.makeRequest(ctx, http.MethodGet, endpoint, nil, &status); err != nil {
		return nil, fmt.Errorf("get status of job %s: %w", jobID, err)
	}
	return &status, nil
}

// FetchResults retrieves the structured result set of a completed job.
func (c *ProcessingClient) FetchResults(ctx context.Context, jobID string) (*models.ResultSet, error) {
	endpoint := fmt.Sprintf("%s/results/%s", c.baseURL, jobID)

	var rs models.ResultSet
	if err := c.makeRequest(ctx, http.MethodGet, endpoint, nil, &rs); err != nil {
		return nil, fmt.Errorf("fetch results of job %s: %w", jobID, err)
	}
	return &rs, nil
}

// Cancel asks the service to abort an in-flight job.
func (c *ProcessingClient) Cancel(ctx context.Context, jobID string) error {
	endpoint := fmt.Sprintf("%s/cancel/%s", c.baseURL, jobID)

	if err := c.makeRequest(ctx, http.MethodPost, endpoint, nil, nil); err != nil {
		return fmt.Errorf("cancel job %s: %w", jobID, err)
	}
	return nil
}

// WaitForCompletion polls a job at a fixed interval until it reaches a
// terminal status or the wall-clock ceiling expires.
//
// A terminal status is returned as a JobStatus, including "failed" and
// "cancelled" - interpreting those is the caller's policy. The returned error
// is non-nil only for polling problems: the ceiling (wrapped ErrPollTimeout,
// after a best-effort cancel of the service job), caller cancellation, or too
// many consecutive transport errors.
func (c *ProcessingClient) WaitForCompletion(ctx context.Context, jobID string) (*JobStatus, error) {
	pollCtx, cancel := context.WithTimeout(ctx, c.pollTimeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	attempts := 0
	consecutiveErrors := 0

	for {
		select {
		case <-pollCtx.Done():
			if errors.Is(pollCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				c.cancelAfterTimeout(ctx, jobID)
				return nil, fmt.Errorf("job %s: no terminal status after %v (%d polls): %w",
					jobID, c.pollTimeout, attempts, ErrPollTimeout)
			}
			return nil, fmt.Errorf("job %s: polling cancelled: %w", jobID, pollCtx.Err())
		case <-ticker.C:
		}

		attempts++
		status, err := c.GetStatus(pollCtx, jobID)
		if err != nil {
			consecutiveErrors++
			log.Warn().
				Err(err).
				Str("jobId", jobID).
				Int("consecutiveErrors", consecutiveErrors).
				Msg("Poll attempt failed")
			if consecutiveErrors >= MaxConsecutivePollErrors {
				return nil, fmt.Errorf("job %s: %d consecutive poll errors, giving up: %w",
					jobID, consecutiveErrors, err)
			}
			continue
		}
		consecutiveErrors = 0

		log.Debug().
			Str("jobId", jobID).
			Str("status", status.Status).
			Float64("progress", status.Progress).
			Int("attempt", attempts).
			Msg("Polled core analysis")

		if status.IsTerminal() {
			return status, nil
		}
	}
}

// cancelAfterTimeout fires a best-effort cancel for a job whose polling hit
// the ceiling. The job may still be running service-side; this keeps it from
// burning compute for a result nobody will collect.
func (c *ProcessingClient) cancelAfterTimeout(ctx context.Context, jobID string) {
	cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := c.Cancel(cancelCtx, jobID); err != nil {
		log.Warn().Err(err).Str("jobId", jobID).Msg("Could not cancel timed-out job")
		return
	}
	log.Info().Str("jobId", jobID).Msg("Cancelled timed-out core-analysis job")
}

// HealthCheck checks if the processing service is reachable.
func (c *ProcessingClient) HealthCheck(ctx context.Context) error {
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
		return fmt.Errorf("processing service unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// makeRequest is a generic HTTP request helper with retry logic.
func (c *ProcessingClient) makeRequest(ctx context.Context, method, url string, payload, result interface{}) error {
	var lastErr error

	for attempt := 0; attempt <= c.retryCount; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt*attempt) * time.Second
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		err := c.doRequest(ctx, method, url, payload, result)
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryable(err) {
			return err
		}
	}

	return fmt.Errorf("request failed after %d attempts: %w", c.retryCount+1, lastErr)
}

// doRequest performs a single HTTP request.
func (c *ProcessingClient) doRequest(ctx context.Context, method, url string, payload, result interface{}) error {
	var body io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", "worker-"+models.NewRequestID())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	// 200 for sync responses, 202 for accepted submissions.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
	}

	return nil
}

// isRetryable determines if an error is worth another attempt. Client-side
// mistakes (4xx except 429) are not; transport hiccups and 5xx are.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500 || httpErr.StatusCode == http.StatusTooManyRequests
	}

	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "temporary") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset")
}
