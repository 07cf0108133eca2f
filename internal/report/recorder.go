package report

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/examguard/proctor/internal/models"
	"github.com/examguard/proctor/pkg/queue"
)

// audioEnqueueEvery caps how often audio levels are shipped per attempt; the
// monitor samples far faster than anyone needs persisted.
const audioEnqueueEvery = time.Second

const enqueueTimeout = 5 * time.Second

// Enqueuer is the slice of the report queue the recorder needs.
type Enqueuer interface {
	EnqueueSessionState(ctx context.Context, payload queue.SessionStatePayload) error
	EnqueueViolation(ctx context.Context, payload queue.ViolationPayload) error
	EnqueueFaceDetection(ctx context.Context, payload queue.FaceDetectionPayload) error
	EnqueueAudioLevel(ctx context.Context, payload queue.AudioLevelPayload) error
}

// Recorder bridges session telemetry onto the report queue. It implements the
// session observer callbacks and must stay cheap: every handler is a single
// bounded enqueue.
type Recorder struct {
	q      Enqueuer
	logger *zap.Logger

	mu        sync.Mutex
	lastAudio map[uuid.UUID]time.Time
}

// NewRecorder creates a recorder writing to the given queue.
func NewRecorder(q Enqueuer, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		q:         q,
		logger:    logger,
		lastAudio: make(map[uuid.UUID]time.Time),
	}
}

// OnPresence enqueues every presence sample. Errored samples carry no
// detection result and are skipped.
func (r *Recorder) OnPresence(attemptID, sessionID uuid.UUID, s models.PresenceSample) {
	if s.Error != "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
	defer cancel()
	err := r.q.EnqueueFaceDetection(ctx, queue.FaceDetectionPayload{
		AttemptID:     attemptID,
		SessionID:     sessionID,
		FacesDetected: s.FacesDetected,
		Confidence:    s.Confidence,
		ImageKey:      s.ImageRef,
		CapturedAt:    s.CapturedAt,
	})
	if err != nil {
		r.logger.Warn("face detection enqueue failed", zap.Error(err))
	}
}

// OnAudio enqueues at most one audio sample per attempt per second.
func (r *Recorder) OnAudio(attemptID, sessionID uuid.UUID, s models.AudioSample) {
	r.mu.Lock()
	if last, ok := r.lastAudio[attemptID]; ok && s.CapturedAt.Sub(last) < audioEnqueueEvery {
		r.mu.Unlock()
		return
	}
	r.lastAudio[attemptID] = s.CapturedAt
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
	defer cancel()
	err := r.q.EnqueueAudioLevel(ctx, queue.AudioLevelPayload{
		AttemptID:  attemptID,
		SessionID:  sessionID,
		Level:      s.Level,
		CapturedAt: s.CapturedAt,
	})
	if err != nil {
		r.logger.Warn("audio level enqueue failed", zap.Error(err))
	}
}

// OnViolation enqueues every violation.
func (r *Recorder) OnViolation(attemptID, sessionID uuid.UUID, v models.Violation) {
	ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
	defer cancel()
	err := r.q.EnqueueViolation(ctx, queue.ViolationPayload{
		AttemptID:   attemptID,
		SessionID:   sessionID,
		Type:        v.Type,
		Description: v.Description,
		Severity:    v.Severity,
		OccurredAt:  v.OccurredAt,
	})
	if err != nil {
		r.logger.Warn("violation enqueue failed", zap.Error(err))
	}
}

// OnStateChange enqueues lifecycle transitions and clears the audio throttle
// when a session leaves ACTIVE.
func (r *Recorder) OnStateChange(attemptID, sessionID uuid.UUID, st models.SessionState) {
	if st != models.StateActive {
		r.mu.Lock()
		delete(r.lastAudio, attemptID)
		r.mu.Unlock()
	}
	ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
	defer cancel()
	err := r.q.EnqueueSessionState(ctx, queue.SessionStatePayload{
		AttemptID: attemptID,
		SessionID: sessionID,
		State:     st,
		At:        time.Now(),
	})
	if err != nil {
		r.logger.Warn("session state enqueue failed", zap.Error(err))
	}
}
