package processor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/handpose/platform/pipeline-worker/internal/clients"
	"github.com/handpose/platform/pipeline-worker/internal/models"
	"github.com/handpose/platform/pipeline-worker/internal/normalizer"
	"github.com/handpose/platform/pipeline-worker/internal/storage"
)

// SessionRepository is the slice of the result repository the worker drives
// the session lifecycle through.
type SessionRepository interface {
	CreateSession(ctx context.Context, session *models.RecordingSession) error
	GetSession(ctx context.Context, recordingID string) (*models.RecordingSession, error)
	MarkProcessing(ctx context.Context, recordingID string) error
	StoreResultSet(ctx context.Context, recordingID string, rs *models.ResultSet) error
	StoreEvents(ctx context.Context, events []models.EventRecord) error
	FinalizeAnalyzed(ctx context.Context, recordingID string, metadata *models.ProcessingMetadata) error
	FinalizeFailed(ctx context.Context, recordingID, analysisError string) error
}

// ArtifactStore moves files between object storage and the job's scratch
// directories.
type ArtifactStore interface {
	Download(ctx context.Context, objectPath, localPath string) error
	Upload(ctx context.Context, localPath, objectPath string) error
}

// CoreAnalyzer is the processing-service bridge: submit, poll to terminal,
// fetch.
type CoreAnalyzer interface {
	StartAnalysis(ctx context.Context, req clients.ProcessRequest) (string, error)
	WaitForCompletion(ctx context.Context, jobID string) (*clients.JobStatus, error)
	FetchResults(ctx context.Context, jobID string) (*models.ResultSet, error)
}

// EventDetector runs clinical event detection. Optional by availability.
type EventDetector interface {
	Available(ctx context.Context) bool
	DetectEvents(ctx context.Context, req clients.DetectRequest) (*clients.EventDetectionResponse, error)
}

// ProtocolScorer grades a recording against an assigned protocol.
type ProtocolScorer interface {
	AnalyzeProtocol(ctx context.Context, req clients.ProtocolRequest) (*clients.ProtocolResult, error)
}

// KeypointsNormalizer turns raw keypoints exports into the canonical CSV the
// secondary services consume.
type KeypointsNormalizer interface {
	Normalize(inputPath, outDir string) (*normalizer.Result, error)
}

// Claimer serializes executions per recording.
type Claimer interface {
	Acquire(ctx context.Context, recordingID string) (bool, error)
	Release(ctx context.Context, recordingID string)
}

// Deps wires a PipelineWorker. All collaborators are injected so tests can
// substitute them.
type Deps struct {
	Repo       SessionRepository
	Store      ArtifactStore
	Processing CoreAnalyzer
	Events     EventDetector
	Protocol   ProtocolScorer
	Normalizer KeypointsNormalizer
	Claims     Claimer
	Progress   *ProgressReporter
	TempDir    string
}

// PipelineWorker runs one recording through the full analysis pipeline:
// fetch inputs, drive the core biomechanical analysis, persist results,
// attempt the secondary analyses, publish artifacts, finalize the session.
type PipelineWorker struct {
	repo       SessionRepository
	store      ArtifactStore
	processing CoreAnalyzer
	events     EventDetector
	protocol   ProtocolScorer
	normalizer KeypointsNormalizer
	claims     Claimer
	progress   *ProgressReporter
	tempDir    string
}

// NewPipelineWorker creates a worker from its dependencies.
func NewPipelineWorker(deps Deps) *PipelineWorker {
	tempDir := deps.TempDir
	if tempDir == "" {
		tempDir = filepath.Join(os.TempDir(), "handpose-jobs")
	}

	return &PipelineWorker{
		repo:       deps.Repo,
		store:      deps.Store,
		processing: deps.Processing,
		events:     deps.Events,
		protocol:   deps.Protocol,
		normalizer: deps.Normalizer,
		claims:     deps.Claims,
		progress:   deps.Progress,
		tempDir:    tempDir,
	}
}

// ProcessJob is the queue handler entry point for one recording.
//
// Error handling follows one rule: an error return means "infrastructure hic-
// cup, safe to redeliver" (the session is left non-terminal); an analysis
// failure finalizes the session as failed and returns nil, because redeliver-
// ing a terminally failed recording only bounces off the duplicate guard.
func (w *PipelineWorker) ProcessJob(ctx context.Context, job *models.JobPayload) error {
	startedAt := time.Now().UTC()

	log.Info().
		Str("recordingId", job.RecordingID).
		Str("patientUserId", job.PatientUserID).
		Bool("hasVideo", job.HasVideo()).
		Str("protocolId", job.ProtocolID).
		Msg("Processing recording")

	// Step 1: Ensure the session row exists, then guard against duplicate
	// delivery. A terminal session means this recording already ran to
	// completion on some delivery; acknowledge without side effects.
	if err := w.repo.CreateSession(ctx, sessionFromPayload(job)); err != nil {
		return fmt.Errorf("ensure session: %w", err)
	}

	session, err := w.repo.GetSession(ctx, job.RecordingID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if models.IsTerminalStatus(session.Status) {
		log.Info().
			Str("recordingId", job.RecordingID).
			Str("status", session.Status).
			Msg("Recording already finalized, acknowledging duplicate delivery")
		return nil
	}

	// Step 2: Claim the recording so concurrent deliveries on other workers
	// stand down.
	acquired, err := w.claims.Acquire(ctx, job.RecordingID)
	if err != nil {
		return err
	}
	if !acquired {
		log.Info().
			Str("recordingId", job.RecordingID).
			Msg("Recording claimed by another worker, skipping")
		return nil
	}
	defer w.claims.Release(context.WithoutCancel(ctx), job.RecordingID)

	if err := w.repo.MarkProcessing(ctx, job.RecordingID); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	prog := w.progress.Job(job.RecordingID)

	// Step 3: Scratch directories on the volume shared with the services.
	dirs, err := CreateJobDirs(w.tempDir, job.RecordingID)
	if err != nil {
		return w.failJob(ctx, prog, job.RecordingID, fmt.Sprintf("prepare workspace: %v", err))
	}
	defer CleanupJobDirs(dirs)

	prog.Report(ctx, 10, "preparing workspace")

	// Step 4: Download the input the payload names.
	inputPath, err := w.downloadInput(ctx, job, dirs)
	if err != nil {
		return w.failJob(ctx, prog, job.RecordingID, fmt.Sprintf("download input: %v", err))
	}

	prog.Report(ctx, 20, "inputs ready")

	// Step 5: Keypoints-only recordings go through the normalizer before the
	// core service sees them; video recordings are consumed as-is.
	keypointsCSV := ""
	if !job.HasVideo() {
		normRes, err := w.normalizer.Normalize(inputPath, dirs.Input)
		if err != nil {
			return w.failJob(ctx, prog, job.RecordingID, fmt.Sprintf("normalize keypoints: %v", err))
		}
		keypointsCSV = normRes.Path
		inputPath = normRes.Path

		log.Debug().
			Str("recordingId", job.RecordingID).
			Int("rows", normRes.Rows).
			Int("sheets", normRes.SheetCount).
			Bool("passthrough", normRes.Passthrough).
			Msg("Keypoints normalized")
	}

	// Step 6: Core biomechanical analysis.
	rs, failure, err := w.runCoreAnalysis(ctx, job, dirs, inputPath)
	if err != nil {
		return err
	}
	if failure != "" {
		return w.failJob(ctx, prog, job.RecordingID, failure)
	}

	prog.Report(ctx, 70, "core analysis complete")

	// Step 7: Publish core artifacts, then persist the structured results.
	artifacts := models.ArtifactMap{}
	w.publishCoreArtifacts(ctx, job.RecordingID, rs, artifacts)

	if err := w.repo.StoreResultSet(ctx, job.RecordingID, rs); err != nil {
		return w.failJob(ctx, prog, job.RecordingID, fmt.Sprintf("store results: %v", err))
	}

	prog.Report(ctx, 85, "results persisted")

	// Video recordings have no uploaded keypoints; the core service's raw
	// data export feeds the secondary analyses instead.
	if keypointsCSV == "" {
		keypointsCSV = w.deriveKeypointsCSV(job.RecordingID, rs, dirs)
	}

	// Step 8: Event detection. Failures here never downgrade the recording.
	eventCount := w.runEventDetection(ctx, job, dirs, keypointsCSV, rs.Metrics.FPS, artifacts)
	prog.Report(ctx, 90, "event detection attempted")

	// Step 9: Protocol scoring, only for recordings with an assignment.
	w.runProtocolScoring(ctx, job, dirs, keypointsCSV, rs.Metrics.FPS, artifacts)
	prog.Report(ctx, 95, "protocol scoring attempted")

	// Step 10: Finalize.
	metadata := &models.ProcessingMetadata{
		StartedAt:       startedAt,
		CompletedAt:     time.Now().UTC(),
		DurationSeconds: rs.Metrics.Duration,
		FrameCount:      rs.Metrics.FrameCount,
		FPS:             rs.Metrics.FPS,
		ProcessingTime:  rs.Metrics.ProcessingTime,
		EventCount:      eventCount,
		Artifacts:       artifacts,
	}

	if err := w.repo.FinalizeAnalyzed(ctx, job.RecordingID, metadata); err != nil {
		return fmt.Errorf("finalize session: %w", err)
	}

	prog.Report(ctx, 100, "analyzed")

	log.Info().
		Str("recordingId", job.RecordingID).
		Int("events", eventCount).
		Int("artifacts", len(artifacts)).
		Dur("elapsed", time.Since(startedAt)).
		Msg("Recording analyzed")
	return nil
}

// failJob records a fatal analysis failure on the session and acknowledges
// the delivery. Only a failure of the finalize write itself is returned, so
// the delivery is retried until the failure is durably recorded.
func (w *PipelineWorker) failJob(ctx context.Context, prog *JobProgress, recordingID, cause string) error {
	log.Error().
		Str("recordingId", recordingID).
		Str("cause", cause).
		Msg("Recording analysis failed")

	if err := w.repo.FinalizeFailed(ctx, recordingID, cause); err != nil {
		return fmt.Errorf("finalize failed session %s: %w", recordingID, err)
	}

	prog.Report(ctx, prog.Current(), "failed")
	return nil
}

func sessionFromPayload(job *models.JobPayload) *models.RecordingSession {
	return &models.RecordingSession{
		RecordingID:   job.RecordingID,
		PatientUserID: job.PatientUserID,
		Status:        models.StatusUploaded,
		VideoPath:     job.VideoPath,
		KeypointsPath: job.KeypointsPath,
		ProtocolID:    job.ProtocolID,
	}
}

// downloadInput fetches the payload's input object into the job's input
// directory and returns the local path.
func (w *PipelineWorker) downloadInput(ctx context.Context, job *models.JobPayload, dirs *JobDirs) (string, error) {
	objectPath := job.KeypointsPath
	if job.HasVideo() {
		objectPath = job.VideoPath
	}

	localPath := filepath.Join(dirs.Input, filepath.Base(objectPath))
	if err := w.store.Download(ctx, objectPath, localPath); err != nil {
		return "", err
	}
	return localPath, nil
}

// runCoreAnalysis submits the job to the processing service and drives it to
// a terminal state. The three return values separate the outcomes: a result
// set on success, a failure cause when the analysis itself failed, an error
// for infrastructure problems worth a redelivery.
func (w *PipelineWorker) runCoreAnalysis(ctx context.Context, job *models.JobPayload, dirs *JobDirs, inputPath string) (*models.ResultSet, string, error) {
	req := clients.ProcessRequest{
		OutputDir:     dirs.Output,
		Configuration: effectiveConfiguration(job),
	}
	if job.HasVideo() {
		req.VideoPath = inputPath
	} else {
		req.KeypointsPath = inputPath
	}

	jobID, err := w.processing.StartAnalysis(ctx, req)
	if err != nil {
		return nil, fmt.Sprintf("start core analysis: %v", err), nil
	}

	status, err := w.processing.WaitForCompletion(ctx, jobID)
	if err != nil {
		if errors.Is(err, clients.ErrPollTimeout) {
			return nil, fmt.Sprintf("core analysis timed out: %v", err), nil
		}
		// Caller cancellation or persistent poll errors: leave the session
		// non-terminal and let the queue redeliver.
		return nil, "", fmt.Errorf("poll core analysis %s: %w", jobID, err)
	}
	if !status.IsSuccessful() {
		return nil, fmt.Sprintf("core analysis failed: %s", status.GetErrorMessage()), nil
	}

	rs, err := w.processing.FetchResults(ctx, jobID)
	if err != nil {
		return nil, fmt.Sprintf("fetch core results: %v", err), nil
	}
	return rs, "", nil
}

// effectiveConfiguration materializes the payload's configuration with every
// default resolved, so the service receives explicit values instead of
// applying its own.
func effectiveConfiguration(job *models.JobPayload) models.AnalysisConfiguration {
	cfg := job.Configuration
	confidence := cfg.HandDetection.GetConfidence()
	maxHands := cfg.HandDetection.GetMaxHands()

	out := models.AnalysisConfiguration{
		HandDetection: models.HandDetectionConfig{
			Confidence: &confidence,
			MaxHands:   &maxHands,
		},
		Filters:       cfg.GetFilters(),
		AnalysisTypes: cfg.GetAnalysisTypes(),
		OutputFormats: cfg.OutputFormats,
	}
	if len(out.OutputFormats) == 0 {
		out.OutputFormats = cfg.OutputFormatsFor(job.HasVideo())
	}
	return out
}

// publishCoreArtifacts uploads the outputs the core service reported. Each
// artifact is independent: a missing file or failed upload drops that one
// key and the job continues.
func (w *PipelineWorker) publishCoreArtifacts(ctx context.Context, recordingID string, rs *models.ResultSet, artifacts models.ArtifactMap) {
	outputs := []struct {
		key   string
		local string
	}{
		{models.ArtifactVideoLabeled, rs.Outputs.VideoLabeledPath},
		{models.ArtifactRawData, rs.Outputs.RawDataPath},
		{models.ArtifactDashboard, rs.Outputs.DashboardPath},
		{models.ArtifactApertureDashboard, rs.Outputs.ApertureDashboardPath},
	}

	for _, output := range outputs {
		if output.local == "" {
			continue
		}
		objectPath := resultObjectFor(recordingID, output.local)
		w.publishArtifact(ctx, artifacts, output.key, output.local, objectPath)
	}
}

func resultObjectFor(recordingID, localPath string) string {
	return storage.ResultObject(recordingID, filepath.Base(localPath))
}

func labelImageObjectFor(recordingID, localPath string) string {
	return storage.LabelImageObject(recordingID, filepath.Base(localPath))
}

// publishArtifact uploads one file and records its key on success. Existence
// is checked first: services occasionally report outputs they skipped.
func (w *PipelineWorker) publishArtifact(ctx context.Context, artifacts models.ArtifactMap, key, localPath, objectPath string) {
	if _, err := os.Stat(localPath); err != nil {
		log.Warn().
			Str("artifact", key).
			Str("path", localPath).
			Msg("Reported artifact not found on disk, omitting")
		return
	}

	if err := w.store.Upload(ctx, localPath, objectPath); err != nil {
		log.Warn().
			Err(err).
			Str("artifact", key).
			Str("path", localPath).
			Msg("Artifact upload failed, omitting from results")
		return
	}

	artifacts.Set(key, objectPath)
}

// deriveKeypointsCSV produces the secondary-analysis input for a video
// recording from the core service's raw data export. Failures only cost the
// secondary analyses, never the recording.
func (w *PipelineWorker) deriveKeypointsCSV(recordingID string, rs *models.ResultSet, dirs *JobDirs) string {
	if rs.Outputs.RawDataPath == "" {
		log.Warn().
			Str("recordingId", recordingID).
			Msg("Core analysis produced no raw data export, skipping secondary analyses")
		return ""
	}

	normRes, err := w.normalizer.Normalize(rs.Outputs.RawDataPath, dirs.Input)
	if err != nil {
		log.Warn().
			Err(err).
			Str("recordingId", recordingID).
			Msg("Could not normalize raw data export, skipping secondary analyses")
		return ""
	}
	return normRes.Path
}

// runEventDetection attempts event detection and returns the number of
// stored events. Every failure path logs and returns what was stored so far.
func (w *PipelineWorker) runEventDetection(ctx context.Context, job *models.JobPayload, dirs *JobDirs, keypointsCSV string, fps float64, artifacts models.ArtifactMap) int {
	if keypointsCSV == "" {
		return 0
	}
	if !w.events.Available(ctx) {
		log.Info().
			Str("recordingId", job.RecordingID).
			Msg("Event detector unavailable, skipping event detection")
		return 0
	}

	resp, err := w.events.DetectEvents(ctx, clients.DetectRequest{
		KeypointsPath: keypointsCSV,
		OutputDir:     dirs.Output,
		FPS:           fps,
		Adaptive:      true,
	})
	if err != nil {
		log.Warn().
			Err(err).
			Str("recordingId", job.RecordingID).
			Msg("Event detection failed, continuing without events")
		return 0
	}

	records := resp.ToEventRecords(job.RecordingID, fps)
	if len(records) > 0 {
		if err := w.repo.StoreEvents(ctx, records); err != nil {
			log.Warn().
				Err(err).
				Str("recordingId", job.RecordingID).
				Msg("Could not store detected events")
			records = nil
		}
	}

	w.publishEventReports(ctx, job.RecordingID, &resp.Reports, artifacts)

	log.Info().
		Str("recordingId", job.RecordingID).
		Int("events", len(records)).
		Msg("Event detection completed")
	return len(records)
}

// publishEventReports uploads the detector's report files and plot images.
func (w *PipelineWorker) publishEventReports(ctx context.Context, recordingID string, reports *clients.EventReports, artifacts models.ArtifactMap) {
	named := []struct {
		key   string
		local string
	}{
		{models.ArtifactEventReport, reports.ReportPath},
		{models.ArtifactEventCharts, reports.ChartsPath},
		{models.ArtifactEventPDF, reports.PDFPath},
		{models.ArtifactEventResults, reports.ResultsPath},
	}
	for _, report := range named {
		if report.local == "" {
			continue
		}
		w.publishArtifact(ctx, artifacts, report.key, report.local, resultObjectFor(recordingID, report.local))
	}

	for i, plot := range reports.Plots {
		key := models.EventPlotKey(i + 1)
		w.publishArtifact(ctx, artifacts, key, plot, labelImageObjectFor(recordingID, plot))
	}
}

// runProtocolScoring attempts protocol scoring for recordings that carry an
// assignment. Failures log and leave the artifact map untouched.
func (w *PipelineWorker) runProtocolScoring(ctx context.Context, job *models.JobPayload, dirs *JobDirs, keypointsCSV string, fps float64, artifacts models.ArtifactMap) {
	if job.ProtocolID == "" || keypointsCSV == "" {
		return
	}

	result, err := w.protocol.AnalyzeProtocol(ctx, clients.ProtocolRequest{
		KeypointsPath: keypointsCSV,
		OutputDir:     dirs.Output,
		ProtocolID:    job.ProtocolID,
		FPS:           fps,
	})
	if err != nil {
		log.Warn().
			Err(err).
			Str("recordingId", job.RecordingID).
			Str("protocolId", job.ProtocolID).
			Msg("Protocol scoring failed, continuing without a score")
		return
	}

	artifacts.Set(models.ArtifactProtocolAnalysisID, result.AnalysisID)
	if result.ReportPath != "" {
		w.publishArtifact(ctx, artifacts, models.ArtifactProtocolReport, result.ReportPath, resultObjectFor(job.RecordingID, result.ReportPath))
	}

	log.Info().
		Str("recordingId", job.RecordingID).
		Str("protocolId", job.ProtocolID).
		Float64("score", result.Score).
		Msg("Protocol scoring completed")
}
