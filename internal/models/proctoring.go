package models

import (
	"time"

	"github.com/google/uuid"
)

// ViolationType identifies the kind of integrity breach.
type ViolationType string

const (
	ViolationNoFace        ViolationType = "NO_FACE_DETECTED"
	ViolationMultipleFaces ViolationType = "MULTIPLE_FACES"
	ViolationTabSwitch     ViolationType = "TAB_SWITCH"
	ViolationWindowBlur    ViolationType = "WINDOW_BLUR"
	ViolationRightClick    ViolationType = "RIGHT_CLICK"
	ViolationCopyPaste     ViolationType = "COPY_PASTE"
	ViolationDevTools      ViolationType = "DEV_TOOLS"
	ViolationPageUnload    ViolationType = "PAGE_UNLOAD"
	ViolationNoise         ViolationType = "NOISE_DETECTED"
)

// Severity grades a violation. The monitor records everything at MEDIUM;
// escalation by repetition or type is a policy decision left to the backend.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Violation is a structured record of a suspected integrity breach during a
// proctored exam attempt. The session's violation list is append-only.
type Violation struct {
	Type        ViolationType `json:"type"`
	Description string        `json:"description"`
	OccurredAt  time.Time     `json:"timestamp"`
	Severity    Severity      `json:"severity"`
}

// DetectionStrategy names the presence-detection path that produced a sample.
type DetectionStrategy string

const (
	StrategyNative    DetectionStrategy = "NATIVE"
	StrategyHeuristic DetectionStrategy = "HEURISTIC"
)

// PresenceSample is one face-presence observation, produced once per detector
// tick. Only the latest sample is retained by the session.
type PresenceSample struct {
	CapturedAt    time.Time         `json:"captured_at"`
	FacesDetected int               `json:"faces_detected"`
	Confidence    float64           `json:"confidence"`
	Strategy      DetectionStrategy `json:"strategy"`
	// ImageRef is the storage key of the frame snapshot taken with this
	// sample, when a snapshot sink is configured. Empty otherwise.
	ImageRef string `json:"image_ref,omitempty"`
	Error    string `json:"error,omitempty"`
}

// FaceDetected reports whether the sample saw at least one face.
func (s PresenceSample) FaceDetected() bool { return s.FacesDetected > 0 }

// AudioSample is one microphone energy observation, normalized to [0,1].
// Produced at render cadence; only the latest value is retained.
type AudioSample struct {
	CapturedAt time.Time `json:"captured_at"`
	Level      float64   `json:"level"`
}

// SessionState is the proctoring session lifecycle state.
type SessionState string

const (
	StateIdle      SessionState = "IDLE"
	StateAcquiring SessionState = "ACQUIRING"
	StateActive    SessionState = "ACTIVE"
	StateStopping  SessionState = "STOPPING"
	StateFailed    SessionState = "FAILED"
)

// SessionRecord is the persisted row for a proctoring session.
type SessionRecord struct {
	ID                     uuid.UUID `json:"id"`
	AttemptID              uuid.UUID `json:"attempt_id"`
	CameraEnabled          bool      `json:"camera_enabled"`
	MicrophoneEnabled      bool      `json:"microphone_enabled"`
	FaceDetectionEnabled   bool      `json:"face_detection_enabled"`
	AudioMonitoringEnabled bool      `json:"audio_monitoring_enabled"`
	CreatedAt              time.Time `json:"created_at"`
}

// ViolationRecord is the persisted row for a violation.
type ViolationRecord struct {
	ID          uuid.UUID     `json:"id"`
	AttemptID   uuid.UUID     `json:"attempt_id"`
	SessionID   uuid.UUID     `json:"session_id"`
	Type        ViolationType `json:"type"`
	Description string        `json:"description"`
	Severity    Severity      `json:"severity"`
	OccurredAt  time.Time     `json:"timestamp"`
	CreatedAt   time.Time     `json:"created_at"`
}

// FaceDetectionRecord is the persisted row for one presence sample.
type FaceDetectionRecord struct {
	ID            uuid.UUID `json:"id"`
	AttemptID     uuid.UUID `json:"attempt_id"`
	SessionID     uuid.UUID `json:"session_id"`
	FacesDetected int       `json:"faces_detected"`
	Confidence    float64   `json:"confidence"`
	ImageKey      string    `json:"image_key,omitempty"`
	CapturedAt    time.Time `json:"captured_at"`
}

// AudioLevelRecord is the persisted row for one audio level sample.
type AudioLevelRecord struct {
	ID                uuid.UUID `json:"id"`
	AttemptID         uuid.UUID `json:"attempt_id"`
	SessionID         uuid.UUID `json:"session_id"`
	Level             float64   `json:"level"`
	ThresholdExceeded bool      `json:"threshold_exceeded"`
	CapturedAt        time.Time `json:"captured_at"`
}
