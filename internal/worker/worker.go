// Package worker drains report jobs from Redis into Postgres and publishes
// monitor events. It also derives the backend-side violations the agent does
// not classify itself: excessive noise and multiple faces in frame.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/examguard/proctor/internal/models"
	"github.com/examguard/proctor/pkg/queue"
)

// DefaultNoiseThreshold marks audio levels above it as excessive noise.
const DefaultNoiseThreshold = 0.7

// Store is the persistence surface the processor writes to.
type Store interface {
	EnsureSession(ctx context.Context, attemptID, sessionID uuid.UUID, startedAt time.Time) error
	InsertViolation(ctx context.Context, rec models.ViolationRecord) error
	InsertFaceDetection(ctx context.Context, rec models.FaceDetectionRecord) error
	InsertAudioLevel(ctx context.Context, rec models.AudioLevelRecord) error
}

// Publisher fans events out to monitor dashboards.
type Publisher interface {
	PublishAttemptEvent(attemptID uuid.UUID, event string, payload []byte) error
}

// ReportProcessor processes report jobs: persist, derive backend-side
// violations, publish to the attempt's monitor channel.
type ReportProcessor struct {
	store          Store
	publisher      Publisher
	queue          *queue.Queue
	noiseThreshold float64
	logger         *zap.Logger
}

// NewReportProcessor creates a report processor. A nil publisher disables
// monitor fanout; noiseThreshold <= 0 selects DefaultNoiseThreshold.
func NewReportProcessor(store Store, publisher Publisher, q *queue.Queue, noiseThreshold float64, logger *zap.Logger) *ReportProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if noiseThreshold <= 0 {
		noiseThreshold = DefaultNoiseThreshold
	}
	return &ReportProcessor{
		store:          store,
		publisher:      publisher,
		queue:          q,
		noiseThreshold: noiseThreshold,
		logger:         logger,
	}
}

// severityFor grades violations at persistence time. The agent reports
// everything at MEDIUM; the backend applies its own policy per type.
func severityFor(vt models.ViolationType) models.Severity {
	switch vt {
	case models.ViolationNoFace:
		return models.SeverityHigh
	case models.ViolationMultipleFaces:
		return models.SeverityCritical
	case models.ViolationCopyPaste:
		return models.SeverityHigh
	case models.ViolationRightClick:
		return models.SeverityLow
	default:
		return models.SeverityMedium
	}
}

// Process executes one report job.
func (p *ReportProcessor) Process(ctx context.Context, job *queue.Job) error {
	switch job.Type {
	case queue.JobTypeSessionState:
		return p.processSessionState(ctx, job.Payload)
	case queue.JobTypeViolation:
		return p.processViolation(ctx, job.Payload)
	case queue.JobTypeFaceDetection:
		return p.processFaceDetection(ctx, job.Payload)
	case queue.JobTypeAudioLevel:
		return p.processAudioLevel(ctx, job.Payload)
	default:
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
}

func (p *ReportProcessor) processSessionState(ctx context.Context, raw json.RawMessage) error {
	var payload queue.SessionStatePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if err := p.store.EnsureSession(ctx, payload.AttemptID, payload.SessionID, payload.At); err != nil {
		return fmt.Errorf("ensure session: %w", err)
	}
	p.publish(payload.AttemptID, "session_state", payload)
	return nil
}

func (p *ReportProcessor) processViolation(ctx context.Context, raw json.RawMessage) error {
	var payload queue.ViolationPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if err := p.store.EnsureSession(ctx, payload.AttemptID, payload.SessionID, payload.OccurredAt); err != nil {
		return fmt.Errorf("ensure session: %w", err)
	}
	rec := models.ViolationRecord{
		AttemptID:   payload.AttemptID,
		SessionID:   payload.SessionID,
		Type:        payload.Type,
		Description: payload.Description,
		Severity:    severityFor(payload.Type),
		OccurredAt:  payload.OccurredAt,
	}
	if err := p.store.InsertViolation(ctx, rec); err != nil {
		return fmt.Errorf("insert violation: %w", err)
	}
	p.publish(payload.AttemptID, "violation", rec)
	return nil
}

func (p *ReportProcessor) processFaceDetection(ctx context.Context, raw json.RawMessage) error {
	var payload queue.FaceDetectionPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if err := p.store.EnsureSession(ctx, payload.AttemptID, payload.SessionID, payload.CapturedAt); err != nil {
		return fmt.Errorf("ensure session: %w", err)
	}
	if err := p.store.InsertFaceDetection(ctx, models.FaceDetectionRecord{
		AttemptID:     payload.AttemptID,
		SessionID:     payload.SessionID,
		FacesDetected: payload.FacesDetected,
		Confidence:    payload.Confidence,
		ImageKey:      payload.ImageKey,
		CapturedAt:    payload.CapturedAt,
	}); err != nil {
		return fmt.Errorf("insert face detection: %w", err)
	}
	p.publish(payload.AttemptID, "face_detection", payload)

	if payload.FacesDetected > 1 {
		return p.deriveViolation(ctx, payload.AttemptID, payload.SessionID,
			models.ViolationMultipleFaces,
			fmt.Sprintf("%d faces detected", payload.FacesDetected),
			payload.CapturedAt)
	}
	return nil
}

func (p *ReportProcessor) processAudioLevel(ctx context.Context, raw json.RawMessage) error {
	var payload queue.AudioLevelPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if err := p.store.EnsureSession(ctx, payload.AttemptID, payload.SessionID, payload.CapturedAt); err != nil {
		return fmt.Errorf("ensure session: %w", err)
	}
	exceeded := payload.Level > p.noiseThreshold
	if err := p.store.InsertAudioLevel(ctx, models.AudioLevelRecord{
		AttemptID:         payload.AttemptID,
		SessionID:         payload.SessionID,
		Level:             payload.Level,
		ThresholdExceeded: exceeded,
		CapturedAt:        payload.CapturedAt,
	}); err != nil {
		return fmt.Errorf("insert audio level: %w", err)
	}
	p.publish(payload.AttemptID, "audio_level", payload)

	if exceeded {
		return p.deriveViolation(ctx, payload.AttemptID, payload.SessionID,
			models.ViolationNoise,
			fmt.Sprintf("Noise level: %g", payload.Level),
			payload.CapturedAt)
	}
	return nil
}

func (p *ReportProcessor) deriveViolation(ctx context.Context, attemptID, sessionID uuid.UUID, vt models.ViolationType, description string, at time.Time) error {
	rec := models.ViolationRecord{
		AttemptID:   attemptID,
		SessionID:   sessionID,
		Type:        vt,
		Description: description,
		Severity:    severityFor(vt),
		OccurredAt:  at,
	}
	if err := p.store.InsertViolation(ctx, rec); err != nil {
		return fmt.Errorf("insert derived violation: %w", err)
	}
	p.publish(attemptID, "violation", rec)
	return nil
}

func (p *ReportProcessor) publish(attemptID uuid.UUID, event string, payload interface{}) {
	if p.publisher == nil {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := p.publisher.PublishAttemptEvent(attemptID, event, body); err != nil {
		p.logger.Warn("monitor publish failed", zap.Error(err), zap.String("event", event))
	}
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *ReportProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("report worker stopping")
			return
		default:
		}

		job, _, err := p.queue.Dequeue(ctx)
		if err != nil {
			p.logger.Warn("dequeue error", zap.Error(err))
			time.Sleep(queue.RetryBackoff)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			time.Sleep(queue.RetryBackoff)
			continue
		}
	}
}
