package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/examguard/proctor/internal/models"
)

const (
	// QueueReports is the Redis list key for proctoring report jobs.
	QueueReports = "worker:reports"
	// QueueDLQ is the dead-letter queue for failed jobs after retries.
	QueueDLQ = "worker:dlq"
	// MaxRetries is the number of times to retry a job before moving to DLQ.
	MaxRetries = 3
	// RetryBackoff is the delay between retries.
	RetryBackoff = 10 * time.Second
)

// JobType identifies the job kind.
type JobType string

const (
	JobTypeSessionState  JobType = "session_state"
	JobTypeViolation     JobType = "violation"
	JobTypeFaceDetection JobType = "face_detection"
	JobTypeAudioLevel    JobType = "audio_level"
)

// SessionStatePayload records a session lifecycle transition.
type SessionStatePayload struct {
	AttemptID uuid.UUID           `json:"attempt_id"`
	SessionID uuid.UUID           `json:"session_id"`
	State     models.SessionState `json:"state"`
	At        time.Time           `json:"at"`
}

// ViolationPayload is the payload for violation persistence jobs.
type ViolationPayload struct {
	AttemptID   uuid.UUID            `json:"attempt_id"`
	SessionID   uuid.UUID            `json:"session_id"`
	Type        models.ViolationType `json:"violation_type"`
	Description string               `json:"description"`
	Severity    models.Severity      `json:"severity"`
	OccurredAt  time.Time            `json:"occurred_at"`
}

// FaceDetectionPayload is the payload for presence sample persistence jobs.
type FaceDetectionPayload struct {
	AttemptID     uuid.UUID `json:"attempt_id"`
	SessionID     uuid.UUID `json:"session_id"`
	FacesDetected int       `json:"faces_detected"`
	Confidence    float64   `json:"confidence"`
	ImageKey      string    `json:"image_key,omitempty"`
	CapturedAt    time.Time `json:"captured_at"`
}

// AudioLevelPayload is the payload for audio level persistence jobs.
type AudioLevelPayload struct {
	AttemptID  uuid.UUID `json:"attempt_id"`
	SessionID  uuid.UUID `json:"session_id"`
	Level      float64   `json:"level"`
	CapturedAt time.Time `json:"captured_at"`
}

// Job is a generic job envelope.
type Job struct {
	ID        string          `json:"id"`
	Type      JobType         `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
	CreatedAt time.Time       `json:"created_at"`
}

// Queue enqueues and dequeues jobs via Redis.
type Queue struct {
	client *redis.Client
	logger *zap.Logger
}

// NewQueue creates a new Redis-backed job queue.
func NewQueue(client *redis.Client, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{client: client, logger: logger}
}

func (q *Queue) enqueue(ctx context.Context, jobType JobType, payload interface{}) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	job := Job{
		ID:        uuid.New().String(),
		Type:      jobType,
		Payload:   body,
		Attempt:   0,
		CreatedAt: time.Now(),
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.RPush(ctx, QueueReports, raw).Err(); err != nil {
		return "", fmt.Errorf("rpush: %w", err)
	}
	return job.ID, nil
}

// EnqueueSessionState enqueues a session lifecycle transition.
func (q *Queue) EnqueueSessionState(ctx context.Context, payload SessionStatePayload) error {
	id, err := q.enqueue(ctx, JobTypeSessionState, payload)
	if err != nil {
		return err
	}
	q.logger.Debug("enqueued session state job", zap.String("job_id", id), zap.String("state", string(payload.State)))
	return nil
}

// EnqueueViolation enqueues a violation persistence job.
func (q *Queue) EnqueueViolation(ctx context.Context, payload ViolationPayload) error {
	id, err := q.enqueue(ctx, JobTypeViolation, payload)
	if err != nil {
		return err
	}
	q.logger.Debug("enqueued violation job", zap.String("job_id", id), zap.String("violation_type", string(payload.Type)))
	return nil
}

// EnqueueFaceDetection enqueues a presence sample persistence job.
func (q *Queue) EnqueueFaceDetection(ctx context.Context, payload FaceDetectionPayload) error {
	id, err := q.enqueue(ctx, JobTypeFaceDetection, payload)
	if err != nil {
		return err
	}
	q.logger.Debug("enqueued face detection job", zap.String("job_id", id), zap.Int("faces", payload.FacesDetected))
	return nil
}

// EnqueueAudioLevel enqueues an audio level persistence job.
func (q *Queue) EnqueueAudioLevel(ctx context.Context, payload AudioLevelPayload) error {
	id, err := q.enqueue(ctx, JobTypeAudioLevel, payload)
	if err != nil {
		return err
	}
	q.logger.Debug("enqueued audio level job", zap.String("job_id", id))
	return nil
}

// Dequeue blocks until a job is available or ctx is done. Returns job and key (queue name).
func (q *Queue) Dequeue(ctx context.Context) (*Job, string, error) {
	result, err := q.client.BLPop(ctx, 0, QueueReports).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, "", nil
		}
		return nil, "", err
	}
	if len(result) < 2 {
		return nil, "", nil
	}
	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		q.logger.Warn("invalid job payload", zap.String("raw", result[1]), zap.Error(err))
		return nil, "", nil
	}
	return &job, result[0], nil
}

// Retry re-enqueues a job with incremented attempt. If attempt >= MaxRetries, pushes to DLQ instead.
func (q *Queue) Retry(ctx context.Context, job *Job) error {
	job.Attempt++
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if job.Attempt >= MaxRetries {
		if err := q.client.RPush(ctx, QueueDLQ, raw).Err(); err != nil {
			q.logger.Error("dlq push failed", zap.Error(err), zap.String("job_id", job.ID))
			return err
		}
		q.logger.Warn("job moved to DLQ", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
		return nil
	}
	if err := q.client.RPush(ctx, QueueReports, raw).Err(); err != nil {
		return err
	}
	q.logger.Info("job retried", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	return nil
}
