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

	"github.com/handpose/platform/pipeline-worker/internal/models"
)

// ProtocolRequest asks the scorer to grade a recording against a clinical
// protocol definition.
type ProtocolRequest struct {
	KeypointsPath string  `json:"keypointsPath"`
	OutputDir     string  `json:"outputDir"`
	ProtocolID    string  `json:"protocolId"`
	FPS           float64 `json:"fps"`
}

// ProtocolResult is the scorer's verdict for one recording.
type ProtocolResult struct {
	AnalysisID string
	Score      float64
	Summary    string
	ReportPath string
}

type protocolResponse struct {
	Success    bool    `json:"success"`
	AnalysisID string  `json:"analysisId"`
	Score      float64 `json:"score"`
	Summary    string  `json:"summary,omitempty"`
	ReportPath string  `json:"reportPath,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// ProtocolClient calls the protocol-scoring service. Scoring only runs for
// recordings that carry a protocol assignment, and its failures never fail
// the pipeline.
type ProtocolClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewProtocolClient creates a client for the given base URL.
func NewProtocolClient(baseURL string) *ProtocolClient {
	return &ProtocolClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 2 * time.Minute,
		},
	}
}

// HealthCheck checks if the protocol-scoring service is reachable.
func (c *ProtocolClient) HealthCheck(ctx context.Context) error {
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
		return fmt.Errorf("protocol scorer unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// AnalyzeProtocol scores one recording against its assigned protocol.
func (c *ProtocolClient) AnalyzeProtocol(ctx context.Context, protoReq ProtocolRequest) (*ProtocolResult, error) {
	if protoReq.ProtocolID == "" {
		return nil, fmt.Errorf("protocolId is required")
	}

	jsonData, err := json.Marshal(protoReq)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol request: %w", err)
	}

	url := fmt.Sprintf("%s/protocol", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create protocol request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", "worker-"+models.NewRequestID())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("protocol request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read protocol response: %w", err)
	}

	var protoResp protocolResponse
	if err := json.Unmarshal(body, &protoResp); err != nil {
		return nil, fmt.Errorf("parse protocol response: %w", err)
	}

	if resp.StatusCode != http.StatusOK || !protoResp.Success {
		return nil, fmt.Errorf("protocol scorer returned error (status %d): %s",
			resp.StatusCode, protoResp.Error)
	}

	if protoResp.AnalysisID == "" {
		return nil, fmt.Errorf("protocol scorer returned empty analysisId")
	}

	log.Debug().
		Str("protocolId", protoReq.ProtocolID).
		Str("analysisId", protoResp.AnalysisID).
		Float64("score", protoResp.Score).
		Msg("Protocol scoring completed")

	return &ProtocolResult{
		AnalysisID: protoResp.AnalysisID,
		Score:      protoResp.Score,
		Summary:    protoResp.Summary,
		ReportPath: protoResp.ReportPath,
	}, nil
}
