// Package report persists proctoring telemetry and fans it out to monitor
// dashboards. The agent enqueues report jobs; the worker drains them into
// Postgres and publishes monitor events over Redis.
package report

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/examguard/proctor/internal/models"
)

// Repository handles the proctoring report tables.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a report repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// EnsureSession inserts the session row if it does not exist yet. Report jobs
// may arrive out of order, so every insert path goes through this first.
func (r *Repository) EnsureSession(ctx context.Context, attemptID, sessionID uuid.UUID, startedAt time.Time) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO proctoring_sessions (id, attempt_id, camera_enabled, microphone_enabled, face_detection_enabled, audio_monitoring_enabled, created_at)
		 VALUES ($1, $2, TRUE, TRUE, TRUE, TRUE, $3)
		 ON CONFLICT (id) DO NOTHING`,
		sessionID, attemptID, startedAt)
	return err
}

// InsertViolation appends a violation row.
func (r *Repository) InsertViolation(ctx context.Context, rec models.ViolationRecord) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO violation_logs (id, attempt_id, session_id, violation_type, description, severity, occurred_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`,
		uuid.New(), rec.AttemptID, rec.SessionID, rec.Type, rec.Description, rec.Severity, rec.OccurredAt)
	return err
}

// InsertFaceDetection appends a presence sample row.
func (r *Repository) InsertFaceDetection(ctx context.Context, rec models.FaceDetectionRecord) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO face_detection_logs (id, attempt_id, session_id, faces_detected, confidence, image_key, captured_at)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)`,
		uuid.New(), rec.AttemptID, rec.SessionID, rec.FacesDetected, rec.Confidence, rec.ImageKey, rec.CapturedAt)
	return err
}

// InsertAudioLevel appends an audio sample row.
func (r *Repository) InsertAudioLevel(ctx context.Context, rec models.AudioLevelRecord) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO audio_monitoring_logs (id, attempt_id, session_id, level, threshold_exceeded, captured_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New(), rec.AttemptID, rec.SessionID, rec.Level, rec.ThresholdExceeded, rec.CapturedAt)
	return err
}

// ListViolations returns every persisted violation for an attempt, oldest
// first.
func (r *Repository) ListViolations(ctx context.Context, attemptID uuid.UUID) ([]models.ViolationRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, attempt_id, session_id, violation_type, description, severity, occurred_at, created_at
		 FROM violation_logs WHERE attempt_id = $1 ORDER BY occurred_at ASC`,
		attemptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.ViolationRecord
	for rows.Next() {
		var rec models.ViolationRecord
		if err := rows.Scan(&rec.ID, &rec.AttemptID, &rec.SessionID, &rec.Type, &rec.Description, &rec.Severity, &rec.OccurredAt, &rec.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, rec)
	}
	return list, rows.Err()
}

// ViolationCounts returns per-type violation counts for an attempt.
func (r *Repository) ViolationCounts(ctx context.Context, attemptID uuid.UUID) (map[models.ViolationType]int, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT violation_type, COUNT(*) FROM violation_logs WHERE attempt_id = $1 GROUP BY violation_type`,
		attemptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[models.ViolationType]int)
	for rows.Next() {
		var vt models.ViolationType
		var n int
		if err := rows.Scan(&vt, &n); err != nil {
			return nil, err
		}
		counts[vt] = n
	}
	return counts, rows.Err()
}
