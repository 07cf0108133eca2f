// Package session owns the proctoring lifecycle for one exam attempt:
// acquire media, run the presence detector and audio monitor, arm the
// violation classifier, forward telemetry best-effort, and release every
// resource deterministically on stop.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/examguard/proctor/internal/audio"
	"github.com/examguard/proctor/internal/classifier"
	"github.com/examguard/proctor/internal/detector"
	"github.com/examguard/proctor/internal/media"
	"github.com/examguard/proctor/internal/models"
)

// DefaultDetectInterval is the presence detector tick rate.
const DefaultDetectInterval = time.Second

// ErrStoppedDuringAcquire is returned when Stop is called while the media
// permission request is still pending; the late-resolving stream is released
// immediately.
var ErrStoppedDuringAcquire = errors.New("session stopped during media acquisition")

// Transport forwards telemetry to the backend. It is best-effort: connect
// failures never fail the session, and violation correctness never depends on
// it.
type Transport interface {
	Connect(ctx context.Context)
	SendPresence(s models.PresenceSample)
	SendAudio(s models.AudioSample)
	SendViolation(v models.Violation)
	Close() error
}

// SnapshotSink stores frame snapshots alongside presence samples. Optional.
type SnapshotSink interface {
	// StoreFrame persists the frame and returns its storage key. Upload may
	// complete asynchronously; the key is assigned up front.
	StoreFrame(attemptID uuid.UUID, f *media.Frame, at time.Time) string
}

// Observer receives session telemetry. Callbacks run on monitor goroutines
// and must return quickly; throttle expensive work downstream.
type Observer interface {
	OnPresence(attemptID, sessionID uuid.UUID, s models.PresenceSample)
	OnAudio(attemptID, sessionID uuid.UUID, s models.AudioSample)
	OnViolation(attemptID, sessionID uuid.UUID, v models.Violation)
	OnStateChange(attemptID, sessionID uuid.UUID, st models.SessionState)
}

// Config holds per-session tuning.
type Config struct {
	DetectInterval time.Duration // presence tick; <= 0 selects DefaultDetectInterval
	AudioCadence   time.Duration // audio sampling cadence; <= 0 selects audio.DefaultCadence
	BlurSettle     time.Duration // classifier blur settle; <= 0 selects classifier default
	// AcquireTimeout bounds the media permission request. Zero waits until
	// the prompt resolves.
	AcquireTimeout time.Duration
	NativeDetector detector.NativeDetector
	// Transport is a fixed telemetry transport reused across restarts.
	// NewTransport takes precedence when set: it builds a fresh transport on
	// every activation, which restartable transports (a websocket client is
	// dead after Close) require.
	Transport    Transport
	NewTransport TransportFactory
	Snapshots    SnapshotSink
	Logger       *zap.Logger
}

// Session is the proctoring state machine for one exam attempt. It
// exclusively owns the media handle, the detector tick, and the audio graph:
// no other component may stop tracks or close the audio context, which keeps
// a single release point.
type Session struct {
	id        uuid.UUID
	attemptID uuid.UUID
	cfg       Config
	acquirer  media.Acquirer
	logger    *zap.Logger

	sampler  *detector.FrameSampler
	det      *detector.Detector
	audioMon *audio.Monitor
	cls      *classifier.Classifier

	mu           sync.Mutex
	state        models.SessionState
	gen          int // bumped on every Start/Stop to detect the stop race
	transport    Transport
	handle       *media.Handle
	lastErr      error
	faceDetected bool
	audioLevel   float64
	lastPresence models.PresenceSample
	violations   []models.Violation
	focus        classifier.FocusState
	disarm       func()
	detectStop   chan struct{}
	detectDone   chan struct{}
	observers    map[int]Observer
	nextObserver int
}

// New creates an idle session bound to one exam attempt.
func New(attemptID uuid.UUID, acquirer media.Acquirer, cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.DetectInterval <= 0 {
		cfg.DetectInterval = DefaultDetectInterval
	}
	s := &Session{
		id:        uuid.New(),
		attemptID: attemptID,
		cfg:       cfg,
		acquirer:  acquirer,
		logger:    cfg.Logger.With(zap.String("attempt_id", attemptID.String())),
		sampler:   detector.NewFrameSampler(),
		det:       detector.New(cfg.NativeDetector, cfg.Logger),
		audioMon:  audio.NewMonitor(cfg.AudioCadence, cfg.Logger),
		state:     models.StateIdle,
		observers: make(map[int]Observer),
	}
	s.cls = classifier.New(classifier.Config{
		BlurSettle: cfg.BlurSettle,
		Probe:      focusProbe{s},
		Logger:     cfg.Logger,
	})
	return s
}

// ID returns the session's unique ID.
func (s *Session) ID() uuid.UUID { return s.id }

// AttemptID returns the bound exam attempt.
func (s *Session) AttemptID() uuid.UUID { return s.attemptID }

// Start acquires camera+microphone and brings the session to ACTIVE. Calling
// Start while ACTIVE or ACQUIRING is an idempotent no-op (a second media
// grant would surface a duplicate permission prompt or silently share the
// device).
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case models.StateActive, models.StateAcquiring:
		s.mu.Unlock()
		return nil
	case models.StateStopping:
		s.mu.Unlock()
		return errors.New("session is stopping")
	}
	s.state = models.StateAcquiring
	s.lastErr = nil
	s.gen++
	gen := s.gen
	s.mu.Unlock()
	s.notifyState(models.StateAcquiring)

	acquireCtx := ctx
	if s.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, s.cfg.AcquireTimeout)
		defer cancel()
	}

	handle, err := s.acquirer.Acquire(acquireCtx)
	if err != nil {
		s.mu.Lock()
		applied := s.gen == gen
		if applied {
			s.state = models.StateFailed
			s.lastErr = err
		}
		s.mu.Unlock()
		if applied {
			s.notifyState(models.StateFailed)
		}
		s.logger.Error("media acquisition failed", zap.Error(err))
		return err
	}

	s.mu.Lock()
	if s.gen != gen || s.state != models.StateAcquiring {
		// Stop won the race: release the just-acquired stream so no live
		// camera is left without an owner.
		s.mu.Unlock()
		handle.StopAll()
		s.logger.Info("acquisition resolved after stop, media released")
		return ErrStoppedDuringAcquire
	}
	// The whole activation runs inside this critical section so a concurrent
	// Stop observes either a fully idle or a fully active session; the arm,
	// audio start and transport connect calls below are all non-blocking.
	s.handle = handle
	s.state = models.StateActive
	s.detectStop = make(chan struct{})
	s.detectDone = make(chan struct{})
	s.disarm = s.cls.Arm(s.appendViolation)
	go s.detectLoop(handle.Video(), s.detectStop, s.detectDone)
	s.audioMon.Start(handle.Audio(), s.handleAudio)
	if s.cfg.NewTransport != nil {
		s.transport = s.cfg.NewTransport(s.attemptID)
	} else {
		s.transport = s.cfg.Transport
	}
	if s.transport != nil {
		s.transport.Connect(ctx)
	}
	s.mu.Unlock()

	s.notifyState(models.StateActive)
	s.logger.Info("proctoring session active", zap.String("session_id", s.id.String()))
	return nil
}

// Stop tears the session down in a fixed order: disarm the classifier first
// (stop classifying before media teardown), then the detector tick, then the
// audio monitor, then every media track, then the transport. Callable from
// any state, repeatedly; a no-op when there is nothing to release.
func (s *Session) Stop() {
	s.mu.Lock()
	switch s.state {
	case models.StateIdle, models.StateFailed:
		if s.state == models.StateFailed {
			// FAILED holds no resources; Stop just returns it to IDLE so the
			// caller can retry Start.
			s.state = models.StateIdle
		}
		s.gen++
		s.mu.Unlock()
		return
	case models.StateAcquiring:
		// Acquisition still pending: invalidate it so the late-resolving
		// stream is released by the Start goroutine.
		s.gen++
		s.state = models.StateIdle
		s.mu.Unlock()
		s.notifyState(models.StateIdle)
		return
	case models.StateStopping:
		s.mu.Unlock()
		return
	}
	s.state = models.StateStopping
	s.gen++
	handle := s.handle
	s.handle = nil
	transport := s.transport
	s.transport = nil
	detectStop, detectDone := s.detectStop, s.detectDone
	s.detectStop, s.detectDone = nil, nil
	s.mu.Unlock()
	s.notifyState(models.StateStopping)

	if d := s.disarmTake(); d != nil {
		d()
	}
	if detectStop != nil {
		close(detectStop)
		<-detectDone
	}
	s.det.Reset()
	s.audioMon.Stop()
	if handle != nil {
		handle.StopAll()
	}
	if transport != nil {
		_ = transport.Close()
	}

	s.mu.Lock()
	s.state = models.StateIdle
	s.faceDetected = false
	s.audioLevel = 0
	s.mu.Unlock()
	s.notifyState(models.StateIdle)
	s.logger.Info("proctoring session stopped", zap.String("session_id", s.id.String()))
}

func (s *Session) disarmTake() func() {
	s.mu.Lock()
	d := s.disarm
	s.disarm = nil
	s.mu.Unlock()
	return d
}

// detectLoop runs the presence detector on a fixed tick.
func (s *Session) detectLoop(video media.VideoSource, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.DetectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.detectTick(video)
		}
	}
}

// detectTick samples one frame and publishes the resulting presence sample.
// A sampling failure becomes an errored sample, never a session failure.
func (s *Session) detectTick(video media.VideoSource) {
	frame, err := s.sampler.Sample(video)
	var sample models.PresenceSample
	if err != nil {
		sample = models.PresenceSample{
			CapturedAt: time.Now(),
			Strategy:   models.StrategyHeuristic,
			Error:      err.Error(),
		}
	} else {
		sample = s.det.Sample(frame)
		if s.cfg.Snapshots != nil && sample.Error == "" {
			sample.ImageRef = s.cfg.Snapshots.StoreFrame(s.attemptID, frame, sample.CapturedAt)
		}
	}

	detected := sample.Error == "" && sample.FaceDetected()
	s.mu.Lock()
	s.lastPresence = sample
	s.faceDetected = detected
	transport := s.transport
	s.mu.Unlock()

	if transport != nil {
		transport.SendPresence(sample)
	}
	s.eachObserver(func(o Observer) { o.OnPresence(s.attemptID, s.id, sample) })

	// A fresh violation is logged on every non-detecting tick, not just on
	// the presence to absence transition.
	if sample.Error == "" && !detected {
		s.appendViolation(models.Violation{
			Type:        models.ViolationNoFace,
			Description: "Face not visible in camera",
			OccurredAt:  sample.CapturedAt,
			Severity:    models.SeverityMedium,
		})
	}
}

func (s *Session) handleAudio(sample models.AudioSample) {
	s.mu.Lock()
	s.audioLevel = sample.Level
	transport := s.transport
	s.mu.Unlock()
	if transport != nil {
		transport.SendAudio(sample)
	}
	s.eachObserver(func(o Observer) { o.OnAudio(s.attemptID, s.id, sample) })
}

// appendViolation adds to the session's append-only violation list and fans
// out to the transport and observers. The list is monotonic: never truncated
// or reordered.
func (s *Session) appendViolation(v models.Violation) {
	s.mu.Lock()
	s.violations = append(s.violations, v)
	transport := s.transport
	s.mu.Unlock()
	if transport != nil {
		transport.SendViolation(v)
	}
	s.eachObserver(func(o Observer) { o.OnViolation(s.attemptID, s.id, v) })
}

// HandleEvent feeds one browser event to the classifier. Returns whether the
// UI must suppress the default action. Events arriving while the session is
// not ACTIVE are ignored (the classifier is armed exactly while ACTIVE).
func (s *Session) HandleEvent(ev classifier.Event) (suppress bool) {
	return s.cls.Handle(ev)
}

// SetFocusState records the UI's latest focus report for blur re-checks.
func (s *Session) SetFocusState(st classifier.FocusState) {
	s.mu.Lock()
	s.focus = st
	s.mu.Unlock()
}

// focusProbe exposes the last reported focus state to the classifier.
type focusProbe struct{ s *Session }

func (p focusProbe) Focus() classifier.FocusState {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	return p.s.focus
}

// Subscribe registers an observer and returns its cancel function.
func (s *Session) Subscribe(o Observer) (cancel func()) {
	s.mu.Lock()
	id := s.nextObserver
	s.nextObserver++
	s.observers[id] = o
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

func (s *Session) eachObserver(fn func(Observer)) {
	s.mu.Lock()
	obs := make([]Observer, 0, len(s.observers))
	for _, o := range s.observers {
		obs = append(obs, o)
	}
	s.mu.Unlock()
	for _, o := range obs {
		fn(o)
	}
}

func (s *Session) notifyState(st models.SessionState) {
	s.eachObserver(func(o Observer) { o.OnStateChange(s.attemptID, s.id, st) })
}

// Snapshot is the read-only view the exam UI and monitor API render from.
type Snapshot struct {
	SessionID    uuid.UUID             `json:"session_id"`
	AttemptID    uuid.UUID             `json:"attempt_id"`
	State        models.SessionState   `json:"state"`
	IsActive     bool                  `json:"is_active"`
	FaceDetected bool                  `json:"face_detected"`
	AudioLevel   float64               `json:"audio_level"`
	LastPresence models.PresenceSample `json:"last_presence"`
	Violations   []models.Violation    `json:"violations"`
	LastError    string                `json:"last_error,omitempty"`
}

// Snapshot returns a consistent copy of the observable state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		SessionID:    s.id,
		AttemptID:    s.attemptID,
		State:        s.state,
		IsActive:     s.state == models.StateActive,
		FaceDetected: s.faceDetected,
		AudioLevel:   s.audioLevel,
		LastPresence: s.lastPresence,
		Violations:   append([]models.Violation(nil), s.violations...),
	}
	if s.lastErr != nil {
		snap.LastError = s.lastErr.Error()
	}
	return snap
}

// State returns the current lifecycle state.
func (s *Session) State() models.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Violations returns a copy of the append-only violation list.
func (s *Session) Violations() []models.Violation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Violation(nil), s.violations...)
}

// LiveTracks reports how many media tracks are currently live. Zero unless
// ACTIVE.
func (s *Session) LiveTracks() int {
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	if h == nil {
		return 0
	}
	return h.LiveTracks()
}
