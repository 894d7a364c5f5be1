package processor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/xuri/excelize/v2"

	"github.com/handpose/platform/pipeline-worker/internal/clients"
	"github.com/handpose/platform/pipeline-worker/internal/models"
	"github.com/handpose/platform/pipeline-worker/internal/normalizer"
	"github.com/handpose/platform/pipeline-worker/internal/storage"
)

// --- fakes ---

type fakeRepo struct {
	sessions map[string]*models.RecordingSession
	results  map[string]*models.ResultSet
	events   []models.EventRecord

	progress []int

	createErr       error
	markErr         error
	storeResultsErr error
	storeEventsErr  error
	finalizeErr     error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		sessions: make(map[string]*models.RecordingSession),
		results:  make(map[string]*models.ResultSet),
	}
}

func (r *fakeRepo) CreateSession(_ context.Context, session *models.RecordingSession) error {
	if r.createErr != nil {
		return r.createErr
	}
	if _, exists := r.sessions[session.RecordingID]; !exists {
		copied := *session
		r.sessions[session.RecordingID] = &copied
	}
	return nil
}

func (r *fakeRepo) GetSession(_ context.Context, recordingID string) (*models.RecordingSession, error) {
	session, ok := r.sessions[recordingID]
	if !ok {
		return nil, storage.ErrSessionNotFound
	}
	copied := *session
	return &copied, nil
}

func (r *fakeRepo) MarkProcessing(_ context.Context, recordingID string) error {
	if r.markErr != nil {
		return r.markErr
	}
	if s, ok := r.sessions[recordingID]; ok && !models.IsTerminalStatus(s.Status) {
		s.Status = models.StatusProcessing
	}
	return nil
}

func (r *fakeRepo) UpdateProgress(_ context.Context, recordingID string, progress int) error {
	r.progress = append(r.progress, progress)
	if s, ok := r.sessions[recordingID]; ok {
		s.Progress = progress
	}
	return nil
}

func (r *fakeRepo) StoreResultSet(_ context.Context, recordingID string, rs *models.ResultSet) error {
	if r.storeResultsErr != nil {
		return r.storeResultsErr
	}
	r.results[recordingID] = rs
	return nil
}

func (r *fakeRepo) StoreEvents(_ context.Context, events []models.EventRecord) error {
	if r.storeEventsErr != nil {
		return r.storeEventsErr
	}
	r.events = append(r.events, events...)
	return nil
}

func (r *fakeRepo) FinalizeAnalyzed(_ context.Context, recordingID string, metadata *models.ProcessingMetadata) error {
	if r.finalizeErr != nil {
		return r.finalizeErr
	}
	if s, ok := r.sessions[recordingID]; ok && !models.IsTerminalStatus(s.Status) {
		s.Status = models.StatusAnalyzed
		s.Metadata = metadata
		s.Progress = 100
	}
	return nil
}

func (r *fakeRepo) FinalizeFailed(_ context.Context, recordingID, analysisError string) error {
	if r.finalizeErr != nil {
		return r.finalizeErr
	}
	if s, ok := r.sessions[recordingID]; ok && !models.IsTerminalStatus(s.Status) {
		s.Status = models.StatusFailed
		s.AnalysisError = analysisError
	}
	return nil
}

type fakeStore struct {
	files       map[string]string // object path -> source file on disk
	uploads     map[string]string // object path -> local path
	downloadErr error
	uploadErrOn string // object paths containing this substring fail
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		files:   make(map[string]string),
		uploads: make(map[string]string),
	}
}

func (s *fakeStore) Download(_ context.Context, objectPath, localPath string) error {
	if s.downloadErr != nil {
		return s.downloadErr
	}
	src, ok := s.files[objectPath]
	if !ok {
		return fmt.Errorf("object not found: %s", objectPath)
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(localPath, data, 0o644)
}

func (s *fakeStore) Upload(_ context.Context, localPath, objectPath string) error {
	if s.uploadErrOn != "" && strings.Contains(objectPath, s.uploadErrOn) {
		return errors.New("upload refused")
	}
	s.uploads[objectPath] = localPath
	return nil
}

type fakeAnalyzer struct {
	startErr   error
	waitStatus *clients.JobStatus
	waitErr    error
	fetchErr   error
	produce    []string // filenames created in the job's output dir

	started bool
	req     clients.ProcessRequest
}

func (a *fakeAnalyzer) StartAnalysis(_ context.Context, req clients.ProcessRequest) (string, error) {
	a.started = true
	a.req = req
	if a.startErr != nil {
		return "", a.startErr
	}
	return "job-1", nil
}

func (a *fakeAnalyzer) WaitForCompletion(_ context.Context, _ string) (*clients.JobStatus, error) {
	if a.waitErr != nil {
		return nil, a.waitErr
	}
	if a.waitStatus != nil {
		return a.waitStatus, nil
	}
	return &clients.JobStatus{Status: models.ServiceStatusCompleted, Progress: 100}, nil
}

func (a *fakeAnalyzer) FetchResults(_ context.Context, jobID string) (*models.ResultSet, error) {
	if a.fetchErr != nil {
		return nil, a.fetchErr
	}

	outputs := models.ServiceOutputs{}
	for _, name := range a.produce {
		path := filepath.Join(a.req.OutputDir, name)
		if name == "Raw_data.xlsx" {
			if err := writeHandWorkbook(path); err != nil {
				return nil, err
			}
		} else {
			if err := os.WriteFile(path, []byte("artifact"), 0o644); err != nil {
				return nil, err
			}
		}

		switch name {
		case "video_labeled.mp4":
			outputs.VideoLabeledPath = path
		case "Raw_data.xlsx":
			outputs.RawDataPath = path
		case "Comprehensive_Hand_Kinematic_Dashboard.png":
			outputs.DashboardPath = path
		case "Advance_Hand_Aperture-Closure_Dashboard.png":
			outputs.ApertureDashboardPath = path
		}
	}

	return &models.ResultSet{
		JobID:   jobID,
		Outputs: outputs,
		Metrics: models.AnalysisMetrics{ProcessingTime: 12.5, FrameCount: 300, FPS: 30, Duration: 10},
	}, nil
}

type fakeEvents struct {
	available   bool
	err         error
	events      []clients.DetectedEvent
	makeReports bool
	plots       int

	called bool
	req    clients.DetectRequest
}

func (e *fakeEvents) Available(_ context.Context) bool {
	return e.available
}

func (e *fakeEvents) DetectEvents(_ context.Context, req clients.DetectRequest) (*clients.EventDetectionResponse, error) {
	e.called = true
	e.req = req
	if e.err != nil {
		return nil, e.err
	}

	resp := &clients.EventDetectionResponse{
		Success: true,
		Events:  e.events,
		Statistics: clients.EventStatistics{
			TotalEvents: len(e.events),
		},
	}

	if e.makeReports {
		reportPath := filepath.Join(req.OutputDir, "analysis_report.xlsx")
		resultsPath := filepath.Join(req.OutputDir, "analysis_results.json")
		os.WriteFile(reportPath, []byte("report"), 0o644)
		os.WriteFile(resultsPath, []byte("{}"), 0o644)
		resp.Reports.ReportPath = reportPath
		resp.Reports.ResultsPath = resultsPath
	}
	for i := 0; i < e.plots; i++ {
		plotPath := filepath.Join(req.OutputDir, fmt.Sprintf("plot_%d.png", i+1))
		os.WriteFile(plotPath, []byte("png"), 0o644)
		resp.Reports.Plots = append(resp.Reports.Plots, plotPath)
	}

	return resp, nil
}

type fakeProtocol struct {
	result *clients.ProtocolResult
	err    error

	called bool
	req    clients.ProtocolRequest
}

func (p *fakeProtocol) AnalyzeProtocol(_ context.Context, req clients.ProtocolRequest) (*clients.ProtocolResult, error) {
	p.called = true
	p.req = req
	if p.err != nil {
		return nil, p.err
	}
	return p.result, nil
}

type fakeClaims struct {
	ok  bool
	err error

	acquired []string
	released []string
}

func (c *fakeClaims) Acquire(_ context.Context, recordingID string) (bool, error) {
	c.acquired = append(c.acquired, recordingID)
	if c.err != nil {
		return false, c.err
	}
	return c.ok, nil
}

func (c *fakeClaims) Release(_ context.Context, recordingID string) {
	c.released = append(c.released, recordingID)
}

type fakePublisher struct {
	channels []string
}

func (p *fakePublisher) Publish(_ context.Context, channel string, _ interface{}) *redis.IntCmd {
	p.channels = append(p.channels, channel)
	return redis.NewIntResult(1, nil)
}

// --- fixtures ---

type fixtures struct {
	repo     *fakeRepo
	store    *fakeStore
	core     *fakeAnalyzer
	events   *fakeEvents
	protocol *fakeProtocol
	claims   *fakeClaims
	pub      *fakePublisher
	tempDir  string
}

func newFixtures(t *testing.T) *fixtures {
	t.Helper()
	return &fixtures{
		repo:  newFakeRepo(),
		store: newFakeStore(),
		core: &fakeAnalyzer{
			produce: []string{
				"Raw_data.xlsx",
				"Comprehensive_Hand_Kinematic_Dashboard.png",
				"Advance_Hand_Aperture-Closure_Dashboard.png",
			},
		},
		events: &fakeEvents{
			available: true,
			events: []clients.DetectedEvent{
				{Type: "wrist", Event: "flexion", StartFrame: 10, EndFrame: 40, Confidence: 0.9},
				{Type: "finger", Event: "pinch", StartFrame: 50, EndFrame: 80, Confidence: 0.8},
			},
		},
		protocol: &fakeProtocol{
			result: &clients.ProtocolResult{AnalysisID: "pa-1", Score: 75},
		},
		claims:  &fakeClaims{ok: true},
		pub:     &fakePublisher{},
		tempDir: t.TempDir(),
	}
}

func (fx *fixtures) worker() *PipelineWorker {
	return NewPipelineWorker(Deps{
		Repo:       fx.repo,
		Store:      fx.store,
		Processing: fx.core,
		Events:     fx.events,
		Protocol:   fx.protocol,
		Normalizer: normalizer.New(),
		Claims:     fx.claims,
		Progress:   NewProgressReporter(fx.pub, fx.repo),
		TempDir:    fx.tempDir,
	})
}

// writeHandWorkbook writes a two-sheet workbook shaped like the raw keypoints
// export: per-hand sheets, a header row each.
func writeHandWorkbook(path string) error {
	f := excelize.NewFile()
	defer f.Close()

	sheets := []struct {
		name string
		rows [][]string
	}{
		{"Left Hand", [][]string{
			{"frame", "wrist_x", "wrist_y"},
			{"0", "0.41", "0.52"},
			{"1", "0.42", "0.53"},
		}},
		{"Right Hand", [][]string{
			{"frame", "wrist_x", "wrist_y"},
			{"0", "0.61", "0.32"},
		}},
	}

	for i, sheet := range sheets {
		if i == 0 {
			f.SetSheetName(f.GetSheetName(0), sheet.name)
		} else {
			if _, err := f.NewSheet(sheet.name); err != nil {
				return err
			}
		}
		for rowIdx, row := range sheet.rows {
			cell, err := excelize.CoordinatesToCellName(1, rowIdx+1)
			if err != nil {
				return err
			}
			cells := make([]interface{}, len(row))
			for i, v := range row {
				cells[i] = v
			}
			if err := f.SetSheetRow(sheet.name, cell, &cells); err != nil {
				return err
			}
		}
	}

	return f.SaveAs(path)
}

// registerKeypoints places a keypoints workbook in the fake object store
// under the payload's object path.
func (fx *fixtures) registerKeypoints(t *testing.T, objectPath string) {
	t.Helper()
	src := filepath.Join(fx.tempDir, "uploaded_keypoints.xlsx")
	if err := writeHandWorkbook(src); err != nil {
		t.Fatalf("write keypoints workbook: %v", err)
	}
	fx.store.files[objectPath] = src
}

func (fx *fixtures) registerVideo(t *testing.T, objectPath string) {
	t.Helper()
	src := filepath.Join(fx.tempDir, "uploaded_video.mp4")
	if err := os.WriteFile(src, []byte("mp4"), 0o644); err != nil {
		t.Fatalf("write video fixture: %v", err)
	}
	fx.store.files[objectPath] = src
}

func keypointsPayload() *models.JobPayload {
	return &models.JobPayload{
		RecordingID:   "rec-1",
		PatientUserID: "patient-1",
		KeypointsPath: storage.KeypointsObject("rec-1", "keypoints.xlsx"),
	}
}

func videoPayload() *models.JobPayload {
	return &models.JobPayload{
		RecordingID:   "rec-1",
		PatientUserID: "patient-1",
		VideoPath:     storage.VideoObject("rec-1"),
		ProtocolID:    "proto-9",
	}
}

func mustSession(t *testing.T, repo *fakeRepo, recordingID string) *models.RecordingSession {
	t.Helper()
	s, ok := repo.sessions[recordingID]
	if !ok {
		t.Fatalf("session %s not created", recordingID)
	}
	return s
}

// --- tests ---

func TestProcessJobKeypointsOnly(t *testing.T) {
	fx := newFixtures(t)
	job := keypointsPayload()
	fx.registerKeypoints(t, job.KeypointsPath)

	if err := fx.worker().ProcessJob(context.Background(), job); err != nil {
		t.Fatalf("ProcessJob() error = %v", err)
	}

	session := mustSession(t, fx.repo, "rec-1")
	if session.Status != models.StatusAnalyzed {
		t.Fatalf("status = %q, want analyzed", session.Status)
	}
	if session.Progress != 100 {
		t.Errorf("progress = %d, want 100", session.Progress)
	}
	if session.Metadata == nil {
		t.Fatal("expected processing metadata on the session")
	}
	if session.Metadata.EventCount != 2 {
		t.Errorf("eventCount = %d, want 2", session.Metadata.EventCount)
	}

	// The core service received the normalized CSV, not the raw workbook.
	if fx.core.req.VideoPath != "" {
		t.Errorf("videoPath = %q, want empty for a keypoints job", fx.core.req.VideoPath)
	}
	if filepath.Base(fx.core.req.KeypointsPath) != "normalized.csv" {
		t.Errorf("keypointsPath = %q, want the normalized CSV", fx.core.req.KeypointsPath)
	}

	// No video input means no labeled-video artifact key at all.
	artifacts := session.Metadata.Artifacts
	if artifacts.Has(models.ArtifactVideoLabeled) {
		t.Error("keypoints-only recording must not publish a labeled video")
	}
	if !artifacts.Has(models.ArtifactRawData) {
		t.Error("expected the raw data artifact to be published")
	}
	if got := artifacts[models.ArtifactRawData]; !strings.HasPrefix(got, "Result-Output/rec-1/") {
		t.Errorf("raw data object path = %q, want Result-Output/rec-1/ prefix", got)
	}

	// No protocol assignment, no scoring call.
	if fx.protocol.called {
		t.Error("protocol scorer must not run without an assignment")
	}

	if len(fx.repo.events) != 2 {
		t.Errorf("stored events = %d, want 2", len(fx.repo.events))
	}

	if len(fx.claims.released) != 1 {
		t.Errorf("claim releases = %d, want 1", len(fx.claims.released))
	}

	// Scratch directories are gone.
	if _, err := os.Stat(filepath.Join(fx.tempDir, "rec-1")); !os.IsNotExist(err) {
		t.Error("expected the job's scratch directory to be removed")
	}
}

func TestProcessJobVideoRecording(t *testing.T) {
	fx := newFixtures(t)
	fx.core.produce = append(fx.core.produce, "video_labeled.mp4")
	job := videoPayload()
	fx.registerVideo(t, job.VideoPath)

	if err := fx.worker().ProcessJob(context.Background(), job); err != nil {
		t.Fatalf("ProcessJob() error = %v", err)
	}

	session := mustSession(t, fx.repo, "rec-1")
	if session.Status != models.StatusAnalyzed {
		t.Fatalf("status = %q, want analyzed", session.Status)
	}

	if fx.core.req.VideoPath == "" {
		t.Error("expected the core request to carry the local video path")
	}
	if fx.core.req.KeypointsPath != "" {
		t.Errorf("keypointsPath = %q, want empty for a video job", fx.core.req.KeypointsPath)
	}

	artifacts := session.Metadata.Artifacts
	if !artifacts.Has(models.ArtifactVideoLabeled) {
		t.Error("expected the labeled video artifact")
	}
	if !artifacts.Has(models.ArtifactApertureDashboard) {
		t.Error("expected the aperture dashboard artifact")
	}

	// Secondary analyses ran on the raw data export, normalized first.
	if filepath.Base(fx.events.req.KeypointsPath) != "normalized.csv" {
		t.Errorf("detector input = %q, want the normalized CSV", fx.events.req.KeypointsPath)
	}
	if !fx.protocol.called {
		t.Fatal("expected protocol scoring for an assigned recording")
	}
	if fx.protocol.req.ProtocolID != "proto-9" {
		t.Errorf("protocolId = %q, want proto-9", fx.protocol.req.ProtocolID)
	}
	if got := artifacts[models.ArtifactProtocolAnalysisID]; got != "pa-1" {
		t.Errorf("protocolAnalysisId = %q, want pa-1", got)
	}
}

func TestProcessJobCoreFailure(t *testing.T) {
	fx := newFixtures(t)
	fx.core.waitStatus = &clients.JobStatus{Status: models.ServiceStatusFailed, Error: "no hand detected"}
	job := keypointsPayload()
	fx.registerKeypoints(t, job.KeypointsPath)

	if err := fx.worker().ProcessJob(context.Background(), job); err != nil {
		t.Fatalf("ProcessJob() error = %v (a failed analysis is acknowledged)", err)
	}

	session := mustSession(t, fx.repo, "rec-1")
	if session.Status != models.StatusFailed {
		t.Fatalf("status = %q, want failed", session.Status)
	}
	if !strings.Contains(session.AnalysisError, "no hand detected") {
		t.Errorf("analysisError = %q, want the service's cause", session.AnalysisError)
	}

	// A failed core analysis ends the pipeline: no results, no secondaries.
	if len(fx.repo.results) != 0 {
		t.Error("no result set may be stored for a failed analysis")
	}
	if fx.events.called {
		t.Error("event detection must not run after a core failure")
	}
	if fx.protocol.called {
		t.Error("protocol scoring must not run after a core failure")
	}

	if len(fx.claims.released) != 1 {
		t.Errorf("claim releases = %d, want 1", len(fx.claims.released))
	}
	if _, err := os.Stat(filepath.Join(fx.tempDir, "rec-1")); !os.IsNotExist(err) {
		t.Error("cleanup must run on the failure path too")
	}
}

func TestProcessJobPollTimeout(t *testing.T) {
	fx := newFixtures(t)
	fx.core.waitErr = fmt.Errorf("job job-1: no terminal status after 30m: %w", clients.ErrPollTimeout)
	job := keypointsPayload()
	fx.registerKeypoints(t, job.KeypointsPath)

	if err := fx.worker().ProcessJob(context.Background(), job); err != nil {
		t.Fatalf("ProcessJob() error = %v (a poll timeout is acknowledged)", err)
	}

	session := mustSession(t, fx.repo, "rec-1")
	if session.Status != models.StatusFailed {
		t.Fatalf("status = %q, want failed", session.Status)
	}
	if !strings.Contains(session.AnalysisError, "timed out") {
		t.Errorf("analysisError = %q, want a timeout cause", session.AnalysisError)
	}
}

func TestProcessJobPollInfrastructureError(t *testing.T) {
	fx := newFixtures(t)
	fx.core.waitErr = errors.New("job job-1: 5 consecutive poll errors, giving up")
	job := keypointsPayload()
	fx.registerKeypoints(t, job.KeypointsPath)

	err := fx.worker().ProcessJob(context.Background(), job)
	if err == nil {
		t.Fatal("expected an error so the queue redelivers")
	}

	// The session must stay non-terminal for the redelivery to run.
	session := mustSession(t, fx.repo, "rec-1")
	if models.IsTerminalStatus(session.Status) {
		t.Errorf("status = %q, want non-terminal before redelivery", session.Status)
	}
	if len(fx.claims.released) != 1 {
		t.Error("claim must be released even on the redelivery path")
	}
}

func TestProcessJobDetectorUnavailable(t *testing.T) {
	fx := newFixtures(t)
	fx.events.available = false
	job := keypointsPayload()
	fx.registerKeypoints(t, job.KeypointsPath)

	if err := fx.worker().ProcessJob(context.Background(), job); err != nil {
		t.Fatalf("ProcessJob() error = %v", err)
	}

	session := mustSession(t, fx.repo, "rec-1")
	if session.Status != models.StatusAnalyzed {
		t.Fatalf("status = %q, want analyzed despite the detector being down", session.Status)
	}
	if fx.events.called {
		t.Error("an unavailable detector must not be called")
	}
	if session.Metadata.EventCount != 0 {
		t.Errorf("eventCount = %d, want 0", session.Metadata.EventCount)
	}
}

func TestProcessJobDetectorFailure(t *testing.T) {
	fx := newFixtures(t)
	fx.events.err = errors.New("model inference crashed")
	job := keypointsPayload()
	fx.registerKeypoints(t, job.KeypointsPath)

	if err := fx.worker().ProcessJob(context.Background(), job); err != nil {
		t.Fatalf("ProcessJob() error = %v", err)
	}

	session := mustSession(t, fx.repo, "rec-1")
	if session.Status != models.StatusAnalyzed {
		t.Fatalf("status = %q, want analyzed (secondary failures never downgrade)", session.Status)
	}
	if len(fx.repo.events) != 0 {
		t.Errorf("stored events = %d, want 0", len(fx.repo.events))
	}
}

func TestProcessJobProtocolFailure(t *testing.T) {
	fx := newFixtures(t)
	fx.protocol.err = errors.New("scorer overloaded")
	job := videoPayload()
	fx.core.produce = append(fx.core.produce, "video_labeled.mp4")
	fx.registerVideo(t, job.VideoPath)

	if err := fx.worker().ProcessJob(context.Background(), job); err != nil {
		t.Fatalf("ProcessJob() error = %v", err)
	}

	session := mustSession(t, fx.repo, "rec-1")
	if session.Status != models.StatusAnalyzed {
		t.Fatalf("status = %q, want analyzed (secondary failures never downgrade)", session.Status)
	}
	if session.Metadata.Artifacts.Has(models.ArtifactProtocolAnalysisID) {
		t.Error("a failed scoring run must not record an analysis reference")
	}
}

func TestProcessJobDuplicateDelivery(t *testing.T) {
	fx := newFixtures(t)
	fx.repo.sessions["rec-1"] = &models.RecordingSession{
		RecordingID: "rec-1",
		Status:      models.StatusAnalyzed,
	}
	job := keypointsPayload()

	if err := fx.worker().ProcessJob(context.Background(), job); err != nil {
		t.Fatalf("ProcessJob() error = %v (duplicates are acknowledged)", err)
	}

	if len(fx.claims.acquired) != 0 {
		t.Error("a finalized recording must not be re-claimed")
	}
	if fx.core.started {
		t.Error("a finalized recording must not be re-analyzed")
	}
}

func TestProcessJobAlreadyClaimed(t *testing.T) {
	fx := newFixtures(t)
	fx.claims.ok = false
	job := keypointsPayload()
	fx.registerKeypoints(t, job.KeypointsPath)

	if err := fx.worker().ProcessJob(context.Background(), job); err != nil {
		t.Fatalf("ProcessJob() error = %v (a held claim is a no-op)", err)
	}

	if fx.core.started {
		t.Error("a claimed recording must not be processed concurrently")
	}
	if len(fx.claims.released) != 0 {
		t.Error("a claim this worker never held must not be released")
	}
}

func TestProcessJobDownloadFailure(t *testing.T) {
	fx := newFixtures(t)
	fx.store.downloadErr = errors.New("bucket unreachable")
	job := keypointsPayload()

	if err := fx.worker().ProcessJob(context.Background(), job); err != nil {
		t.Fatalf("ProcessJob() error = %v", err)
	}

	session := mustSession(t, fx.repo, "rec-1")
	if session.Status != models.StatusFailed {
		t.Fatalf("status = %q, want failed", session.Status)
	}
	if !strings.Contains(session.AnalysisError, "download input") {
		t.Errorf("analysisError = %q, want a download cause", session.AnalysisError)
	}
	if _, err := os.Stat(filepath.Join(fx.tempDir, "rec-1")); !os.IsNotExist(err) {
		t.Error("expected the job's scratch directory to be removed")
	}
}

func TestProcessJobPublishFailureIsNonFatal(t *testing.T) {
	fx := newFixtures(t)
	fx.store.uploadErrOn = "Comprehensive_Hand_Kinematic_Dashboard"
	job := keypointsPayload()
	fx.registerKeypoints(t, job.KeypointsPath)

	if err := fx.worker().ProcessJob(context.Background(), job); err != nil {
		t.Fatalf("ProcessJob() error = %v", err)
	}

	session := mustSession(t, fx.repo, "rec-1")
	if session.Status != models.StatusAnalyzed {
		t.Fatalf("status = %q, want analyzed despite a failed upload", session.Status)
	}

	artifacts := session.Metadata.Artifacts
	if artifacts.Has(models.ArtifactDashboard) {
		t.Error("a failed upload must omit its artifact key")
	}
	if !artifacts.Has(models.ArtifactRawData) {
		t.Error("other artifacts must still be published")
	}
}

func TestProcessJobPublishesEventReports(t *testing.T) {
	fx := newFixtures(t)
	fx.events.makeReports = true
	fx.events.plots = 2
	job := keypointsPayload()
	fx.registerKeypoints(t, job.KeypointsPath)

	if err := fx.worker().ProcessJob(context.Background(), job); err != nil {
		t.Fatalf("ProcessJob() error = %v", err)
	}

	artifacts := mustSession(t, fx.repo, "rec-1").Metadata.Artifacts
	if !artifacts.Has(models.ArtifactEventReport) {
		t.Error("expected the event report artifact")
	}
	if got := artifacts[models.ArtifactEventReport]; !strings.HasPrefix(got, "Result-Output/rec-1/") {
		t.Errorf("event report path = %q, want Result-Output/rec-1/ prefix", got)
	}

	for _, key := range []string{models.EventPlotKey(1), models.EventPlotKey(2)} {
		if !artifacts.Has(key) {
			t.Errorf("expected plot artifact %s", key)
			continue
		}
		if got := artifacts[key]; !strings.HasPrefix(got, "Label-Images/rec-1/") {
			t.Errorf("plot path = %q, want Label-Images/rec-1/ prefix", got)
		}
	}
}

func TestProcessJobProgressMonotonic(t *testing.T) {
	fx := newFixtures(t)
	job := keypointsPayload()
	fx.registerKeypoints(t, job.KeypointsPath)

	if err := fx.worker().ProcessJob(context.Background(), job); err != nil {
		t.Fatalf("ProcessJob() error = %v", err)
	}

	if len(fx.repo.progress) == 0 {
		t.Fatal("expected progress checkpoints")
	}
	last := -1
	for _, p := range fx.repo.progress {
		if p < last {
			t.Fatalf("progress went backwards: %v", fx.repo.progress)
		}
		last = p
	}
	if last != 100 {
		t.Errorf("final progress = %d, want 100", last)
	}

	for _, channel := range fx.pub.channels {
		if channel != ProgressChannel("rec-1") {
			t.Errorf("published to %q, want %q", channel, ProgressChannel("rec-1"))
		}
	}
}
