package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/handpose/platform/pipeline-worker/internal/models"
)

// ErrSessionNotFound is returned when a recording session does not exist.
// A job referencing a missing session cannot proceed.
var ErrSessionNotFound = errors.New("recording session not found")

// ResultRepository persists recording sessions, analysis results and event
// records in PostgreSQL. Safe for concurrent use by multiple worker slots.
type ResultRepository struct {
	db *sql.DB
}

// NewResultRepository connects to PostgreSQL and initializes the schema.
func NewResultRepository(databaseURL string) (*ResultRepository, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	repo := &ResultRepository{db: db}
	if err := repo.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return repo, nil
}

// initSchema creates tables and indexes if they don't exist. All statements
// are idempotent so every worker instance can run this at startup.
func (r *ResultRepository) initSchema() error {
	tableSchema := `
	CREATE SCHEMA IF NOT EXISTS handpose;

	-- Recording sessions: one row per clinical capture. Created by the upload
	-- service in state 'uploaded'; mutated only by the pipeline worker.
	CREATE TABLE IF NOT EXISTS handpose.recording_sessions (
		recording_id VARCHAR(255) PRIMARY KEY,
		patient_user_id VARCHAR(255) NOT NULL,
		status VARCHAR(50) NOT NULL DEFAULT 'uploaded',
		progress INT NOT NULL DEFAULT 0,
		video_path TEXT,
		keypoints_path TEXT,
		protocol_id VARCHAR(255),
		processing_metadata JSONB,
		analysis_error TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		completed_at TIMESTAMP
	);

	-- Structured core-analysis output, one row per recording (latest wins).
	CREATE TABLE IF NOT EXISTS handpose.analysis_results (
		recording_id VARCHAR(255) PRIMARY KEY REFERENCES handpose.recording_sessions(recording_id) ON DELETE CASCADE,
		landmarks JSONB,
		analysis JSONB,
		metrics JSONB NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	-- Detected temporal events from the secondary event-detection stage.
	CREATE TABLE IF NOT EXISTS handpose.recording_events (
		id VARCHAR(255) PRIMARY KEY,
		recording_id VARCHAR(255) NOT NULL REFERENCES handpose.recording_sessions(recording_id) ON DELETE CASCADE,
		category VARCHAR(50) NOT NULL,
		label VARCHAR(255) NOT NULL,
		start_frame INT NOT NULL,
		end_frame INT NOT NULL,
		duration_seconds FLOAT NOT NULL,
		confidence FLOAT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	`

	if _, err := r.db.Exec(tableSchema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_sessions_patient ON handpose.recording_sessions(patient_user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON handpose.recording_sessions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_created_at ON handpose.recording_sessions(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_events_recording ON handpose.recording_events(recording_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_category ON handpose.recording_events(category)`,
	}

	for _, stmt := range indexStatements {
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create index: %w (statement: %s)", err, stmt)
		}
	}

	return nil
}

// CreateSession inserts a session row if it does not exist yet. Normally the
// upload service does this; the worker exposes it for operational tooling.
func (r *ResultRepository) CreateSession(ctx context.Context, session *models.RecordingSession) error {
	query := `
		INSERT INTO handpose.recording_sessions (recording_id, patient_user_id, status, video_path, keypoints_path, protocol_id)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''))
		ON CONFLICT (recording_id) DO NOTHING
	`

	status := session.Status
	if status == "" {
		status = models.StatusUploaded
	}

	_, err := r.db.ExecContext(ctx, query,
		session.RecordingID,
		session.PatientUserID,
		status,
		session.VideoPath,
		session.KeypointsPath,
		session.ProtocolID,
	)
	if err != nil {
		return fmt.Errorf("create session %s: %w", session.RecordingID, err)
	}
	return nil
}

// GetSession loads one recording session.
func (r *ResultRepository) GetSession(ctx context.Context, recordingID string) (*models.RecordingSession, error) {
	query := `
		SELECT recording_id, patient_user_id, status, progress, video_path, keypoints_path,
		       protocol_id, processing_metadata, analysis_error, created_at, updated_at, completed_at
		FROM handpose.recording_sessions
		WHERE recording_id = $1
	`

	var (
		session       models.RecordingSession
		videoPath     sql.NullString
		keypointsPath sql.NullString
		protocolID    sql.NullString
		metadataJSON  []byte
		analysisError sql.NullString
		completedAt   sql.NullTime
	)

	err := r.db.QueryRowContext(ctx, query, recordingID).Scan(
		&session.RecordingID,
		&session.PatientUserID,
		&session.Status,
		&session.Progress,
		&videoPath,
		&keypointsPath,
		&protocolID,
		&metadataJSON,
		&analysisError,
		&session.CreatedAt,
		&session.UpdatedAt,
		&completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", recordingID, ErrSessionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", recordingID, err)
	}

	session.VideoPath = videoPath.String
	session.KeypointsPath = keypointsPath.String
	session.ProtocolID = protocolID.String
	session.AnalysisError = analysisError.String
	if completedAt.Valid {
		session.CompletedAt = &completedAt.Time
	}
	if len(metadataJSON) > 0 {
		var metadata models.ProcessingMetadata
		if err := json.Unmarshal(metadataJSON, &metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata for %s: %w", recordingID, err)
		}
		session.Metadata = &metadata
	}

	return &session, nil
}

// MarkProcessing moves a session to 'processing'. Terminal sessions are left
// untouched; states are never re-entered.
func (r *ResultRepository) MarkProcessing(ctx context.Context, recordingID string) error {
	query := `
		UPDATE handpose.recording_sessions
		SET status = $2, updated_at = CURRENT_TIMESTAMP
		WHERE recording_id = $1 AND status NOT IN ('analyzed', 'failed')
	`

	_, err := r.db.ExecContext(ctx, query, recordingID, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("mark session %s processing: %w", recordingID, err)
	}
	return nil
}

// UpdateProgress persists the session's progress checkpoint.
func (r *ResultRepository) UpdateProgress(ctx context.Context, recordingID string, progress int) error {
	query := `
		UPDATE handpose.recording_sessions
		SET progress = $2, updated_at = CURRENT_TIMESTAMP
		WHERE recording_id = $1 AND status NOT IN ('analyzed', 'failed')
	`

	_, err := r.db.ExecContext(ctx, query, recordingID, progress)
	if err != nil {
		return fmt.Errorf("update progress for %s: %w", recordingID, err)
	}
	return nil
}

// StoreResultSet persists the structured core-analysis output. Landmarks and
// analysis blocks are stored as-is; the worker never interprets them.
func (r *ResultRepository) StoreResultSet(ctx context.Context, recordingID string, rs *models.ResultSet) error {
	query := `
		INSERT INTO handpose.analysis_results (recording_id, landmarks, analysis, metrics)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (recording_id) DO UPDATE SET
			landmarks = EXCLUDED.landmarks,
			analysis = EXCLUDED.analysis,
			metrics = EXCLUDED.metrics,
			created_at = CURRENT_TIMESTAMP
	`

	metricsJSON, err := json.Marshal(rs.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics for %s: %w", recordingID, err)
	}

	_, err = r.db.ExecContext(ctx, query,
		recordingID,
		nullableJSON(rs.Landmarks),
		nullableJSON(rs.Analysis),
		metricsJSON,
	)
	if err != nil {
		return fmt.Errorf("store result set for %s: %w", recordingID, err)
	}
	return nil
}

// StoreEvents inserts the detected event records in one transaction.
func (r *ResultRepository) StoreEvents(ctx context.Context, events []models.EventRecord) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin event transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO handpose.recording_events (id, recording_id, category, label, start_frame, end_frame, duration_seconds, confidence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	for _, ev := range events {
		if _, err := tx.ExecContext(ctx, query,
			ev.ID,
			ev.RecordingID,
			ev.Category,
			ev.Label,
			ev.StartFrame,
			ev.EndFrame,
			ev.DurationSeconds,
			ev.Confidence,
		); err != nil {
			return fmt.Errorf("store event %s: %w", ev.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit events for %s: %w", events[0].RecordingID, err)
	}

	log.Debug().
		Str("recordingId", events[0].RecordingID).
		Int("count", len(events)).
		Msg("Stored event records")
	return nil
}

// FinalizeAnalyzed marks a session analyzed and writes its processing
// metadata. The metadata stays a typed value until this persistence edge.
func (r *ResultRepository) FinalizeAnalyzed(ctx context.Context, recordingID string, metadata *models.ProcessingMetadata) error {
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal processing metadata for %s: %w", recordingID, err)
	}

	query := `
		UPDATE handpose.recording_sessions
		SET status = $2, progress = 100, processing_metadata = $3, analysis_error = NULL,
		    updated_at = CURRENT_TIMESTAMP, completed_at = CURRENT_TIMESTAMP
		WHERE recording_id = $1 AND status NOT IN ('analyzed', 'failed')
	`

	_, err = r.db.ExecContext(ctx, query, recordingID, models.StatusAnalyzed, metadataJSON)
	if err != nil {
		return fmt.Errorf("finalize session %s as analyzed: %w", recordingID, err)
	}
	return nil
}

// FinalizeFailed marks a session failed with a human-readable cause.
func (r *ResultRepository) FinalizeFailed(ctx context.Context, recordingID, analysisError string) error {
	query := `
		UPDATE handpose.recording_sessions
		SET status = $2, analysis_error = $3,
		    updated_at = CURRENT_TIMESTAMP, completed_at = CURRENT_TIMESTAMP
		WHERE recording_id = $1 AND status NOT IN ('analyzed', 'failed')
	`

	_, err := r.db.ExecContext(ctx, query, recordingID, models.StatusFailed, analysisError)
	if err != nil {
		return fmt.Errorf("finalize session %s as failed: %w", recordingID, err)
	}
	return nil
}

// Ping verifies database connectivity.
func (r *ResultRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection pool.
func (r *ResultRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// nullableJSON maps empty raw JSON to NULL instead of the invalid empty blob.
func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
