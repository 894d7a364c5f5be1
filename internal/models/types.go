package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Recording session lifecycle states. Sessions are created by the upload
// service in "uploaded" and are mutated only by the pipeline worker.
// "analyzed" and "failed" are terminal and never re-entered.
const (
	StatusUploaded   = "uploaded"
	StatusProcessing = "processing"
	StatusAnalyzed   = "analyzed"
	StatusFailed     = "failed"
)

// IsTerminalStatus reports whether a session status can no longer change.
func IsTerminalStatus(status string) bool {
	return status == StatusAnalyzed || status == StatusFailed
}

// Processing-service job states as reported by GET /status/{jobId}.
const (
	ServiceStatusQueued     = "queued"
	ServiceStatusProcessing = "processing"
	ServiceStatusCompleted  = "completed"
	ServiceStatusFailed     = "failed"
	ServiceStatusCancelled  = "cancelled"
)

// JobPayload is the queue message that triggers one pipeline execution.
// At least one of KeypointsPath / VideoPath must be present.
type JobPayload struct {
	RecordingID   string                 `json:"recordingId"`
	PatientUserID string                 `json:"patientUserId"`
	KeypointsPath string                 `json:"keypointsPath,omitempty"` // object path under Uploads-CSV/
	VideoPath     string                 `json:"videoPath,omitempty"`     // object path under Uploads-mp4/
	ProtocolID    string                 `json:"protocolId,omitempty"`    // triggers protocol-scored analysis
	Configuration AnalysisConfiguration  `json:"configuration"`
	EnqueuedAt    *time.Time             `json:"enqueuedAt,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// UnmarshalJSON implements custom JSON unmarshaling for JobPayload.
// The upload service runs on Node.js and serializes protocol IDs as either
// strings or numbers depending on which code path enqueued the job.
func (p *JobPayload) UnmarshalJSON(data []byte) error {
	type Alias JobPayload
	aux := &struct {
		ProtocolID interface{} `json:"protocolId"`
		*Alias
	}{
		Alias: (*Alias)(p),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	switch v := aux.ProtocolID.(type) {
	case string:
		p.ProtocolID = v
	case float64:
		p.ProtocolID = fmt.Sprintf("%.0f", v)
	case nil:
		p.ProtocolID = ""
	default:
		return fmt.Errorf("protocolId has unsupported type %T", v)
	}

	return nil
}

// Validate checks the payload for the fields the pipeline cannot run without.
func (p *JobPayload) Validate() error {
	if p.RecordingID == "" {
		return &ValidationError{Field: "recordingId", Message: "recording ID is required"}
	}
	if p.VideoPath == "" && p.KeypointsPath == "" {
		return &ValidationError{
			Field:   "videoPath/keypointsPath",
			Message: "at least one input must be present",
		}
	}
	return nil
}

// HasVideo reports whether the payload carries a video input. Video-bearing
// jobs go to the video lane and request the full output set.
func (p *JobPayload) HasVideo() bool {
	return p.VideoPath != ""
}

// KeypointsOnly reports whether the payload is a keypoints-only priority job.
func (p *JobPayload) KeypointsOnly() bool {
	return p.VideoPath == "" && p.KeypointsPath != ""
}

// AnalysisConfiguration is forwarded to the processing service as-is.
// All fields are optional; absent values fall back to service defaults.
type AnalysisConfiguration struct {
	HandDetection HandDetectionConfig `json:"handDetection,omitempty"`
	Filters       []string            `json:"filters,omitempty"`       // "butterworth", "kalman", "savitzky_golay"
	AnalysisTypes []string            `json:"analysisTypes,omitempty"` // "tremor", "rom", "coordination", "smoothness"
	OutputFormats []string            `json:"outputFormats,omitempty"` // "video", "excel", "dashboards"
}

// HandDetectionConfig holds the detector thresholds.
type HandDetectionConfig struct {
	Confidence *float64 `json:"confidence,omitempty"`
	MaxHands   *int     `json:"maxHands,omitempty"`
}

// Helper methods to get values with defaults

func (c *HandDetectionConfig) GetConfidence() float64 {
	if c.Confidence != nil {
		return *c.Confidence
	}
	return 0.5 // default
}

func (c *HandDetectionConfig) GetMaxHands() int {
	if c.MaxHands != nil {
		return *c.MaxHands
	}
	return 2 // default
}

func (c *AnalysisConfiguration) GetFilters() []string {
	if len(c.Filters) > 0 {
		return c.Filters
	}
	return []string{"butterworth", "kalman", "savitzky_golay"}
}

func (c *AnalysisConfiguration) GetAnalysisTypes() []string {
	if len(c.AnalysisTypes) > 0 {
		return c.AnalysisTypes
	}
	return []string{"tremor", "rom", "coordination", "smoothness"}
}

// OutputFormatsFor returns the requested output formats, defaulting by input
// kind: video inputs get the full set including the labeled video, keypoints-
// only inputs get the reduced set.
func (c *AnalysisConfiguration) OutputFormatsFor(hasVideo bool) []string {
	if len(c.OutputFormats) > 0 {
		return c.OutputFormats
	}
	if hasVideo {
		return []string{"video", "excel", "dashboards"}
	}
	return []string{"excel", "dashboards"}
}

// RecordingSession is the durable record of one clinical capture and its
// processing lifecycle.
type RecordingSession struct {
	RecordingID   string              `json:"recordingId"`
	PatientUserID string              `json:"patientUserId"`
	Status        string              `json:"status"`   // "uploaded", "processing", "analyzed", "failed"
	Progress      int                 `json:"progress"` // 0-100, monotonically non-decreasing per execution
	VideoPath     string              `json:"videoPath,omitempty"`
	KeypointsPath string              `json:"keypointsPath,omitempty"`
	ProtocolID    string              `json:"protocolId,omitempty"`
	Metadata      *ProcessingMetadata `json:"processingMetadata,omitempty"`
	AnalysisError string              `json:"analysisError,omitempty"` // set only when status is "failed"
	CreatedAt     time.Time           `json:"createdAt"`
	UpdatedAt     time.Time           `json:"updatedAt"`
	CompletedAt   *time.Time          `json:"completedAt,omitempty"`
}

// ProcessingMetadata is the structured record written to the session when a
// job finishes. It stays a typed value everywhere in the worker and is
// serialized to JSON only at the repository boundary.
type ProcessingMetadata struct {
	StartedAt       time.Time   `json:"startedAt"`
	CompletedAt     time.Time   `json:"completedAt"`
	DurationSeconds float64     `json:"durationSeconds"` // recording duration
	FrameCount      int         `json:"frameCount"`
	FPS             float64     `json:"fps"`
	ProcessingTime  float64     `json:"processingTime"` // seconds spent in core analysis
	EventCount      int         `json:"eventCount"`
	Artifacts       ArtifactMap `json:"artifacts"`
}

// Artifact map keys. A key is present only for artifacts that were produced
// and successfully published; absence means "not produced", not "failed".
const (
	ArtifactVideoLabeled       = "videoLabeledPath"
	ArtifactRawData            = "rawDataPath"
	ArtifactDashboard          = "dashboardPath"
	ArtifactApertureDashboard  = "apertureDashboardPath"
	ArtifactEventReport        = "eventReportPath"
	ArtifactEventCharts        = "eventChartsPath"
	ArtifactEventPDF           = "eventPdfPath"
	ArtifactEventResults       = "eventResultsPath"
	ArtifactProtocolReport     = "protocolReportPath"
	ArtifactProtocolAnalysisID = "protocolAnalysisId" // cross-reference, not a storage path
)

// EventPlotKey returns the artifact key for the i-th detector plot image
// (1-based). The detector produces a variable number of these.
func EventPlotKey(i int) string {
	return fmt.Sprintf("eventPlot%d", i)
}

// ArtifactMap maps artifact names to their published storage paths.
type ArtifactMap map[string]string

func (m ArtifactMap) Set(name, path string) {
	m[name] = path
}

func (m ArtifactMap) Has(name string) bool {
	_, ok := m[name]
	return ok
}

// ResultSet is the structured output of one core-analysis job, fetched via
// GET /results/{jobId}. Landmarks and analysis blocks are opaque to the
// worker; it persists them without interpreting the numerical content.
type ResultSet struct {
	JobID     string          `json:"jobId"`
	Outputs   ServiceOutputs  `json:"outputs"`
	Landmarks json.RawMessage `json:"landmarks,omitempty"` // per-frame landmark time series
	Analysis  json.RawMessage `json:"analysis,omitempty"`  // tremor/ROM/coordination/smoothness blocks
	Metrics   AnalysisMetrics `json:"metrics"`
}

// ServiceOutputs lists the local files the processing service produced inside
// the job's output directory. Fields are empty for artifacts that were not
// part of the requested output formats.
type ServiceOutputs struct {
	VideoLabeledPath      string `json:"videoLabeledPath,omitempty"`
	RawDataPath           string `json:"rawDataPath,omitempty"`
	DashboardPath         string `json:"dashboardPath,omitempty"`
	ApertureDashboardPath string `json:"apertureDashboardPath,omitempty"`
}

// AnalysisMetrics is the timing block of a result set.
type AnalysisMetrics struct {
	ProcessingTime float64 `json:"processingTime"` // seconds
	FrameCount     int     `json:"frameCount"`
	FPS            float64 `json:"fps"`
	Duration       float64 `json:"duration"` // seconds
}

// EventRecord is one temporally-bounded detection from the event-detector
// stage. Records are immutable after creation.
type EventRecord struct {
	ID              string    `json:"id"`
	RecordingID     string    `json:"recordingId"`
	Category        string    `json:"category"` // "wrist", "finger", "posture", "state"
	Label           string    `json:"label"`
	StartFrame      int       `json:"startFrame"`
	EndFrame        int       `json:"endFrame"`
	DurationSeconds float64   `json:"durationSeconds"`
	Confidence      float64   `json:"confidence"`
	CreatedAt       time.Time `json:"createdAt"`
}

// ProgressUpdate is published to Redis for real-time subscribers.
type ProgressUpdate struct {
	RecordingID string    `json:"recordingId"`
	Progress    int       `json:"progress"` // 0-100
	Stage       string    `json:"stage"`
	Timestamp   time.Time `json:"timestamp"`
}

// ValidationError describes a rejected job payload field.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("validation failed for %s=%q: %s", e.Field, e.Value, e.Message)
	}
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
}

// Config holds worker configuration loaded from the environment.
type Config struct {
	RedisAddr            string
	RedisPassword        string
	DatabaseURL          string
	MinioEndpoint        string
	MinioAccessKey       string
	MinioSecretKey       string
	MinioBucket          string
	MinioUseSSL          bool
	ProcessingServiceURL string
	EventsServiceURL     string
	ProtocolServiceURL   string
	WorkerConcurrency    int
	MaxRetry             int           // queue-level redelivery budget
	PollInterval         time.Duration // core-analysis poll cadence
	PollTimeout          time.Duration // hard wall-clock ceiling for one core-analysis job
	ClaimTTL             time.Duration // per-recording claim expiry
	TempDir              string
}

// NewEventID generates a unique event record ID.
func NewEventID() string {
	return uuid.New().String()
}

// NewRequestID generates a unique X-Request-ID for service calls.
func NewRequestID() string {
	return uuid.New().String()
}
