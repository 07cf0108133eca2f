package session

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/examguard/proctor/internal/media"
)

// TransportFactory builds the outbound telemetry transport for one attempt.
// May be nil, or return nil, to run without one.
type TransportFactory func(attemptID uuid.UUID) Transport

// Manager owns at most one proctoring session per exam attempt. Starting an
// attempt that already has a live session returns the existing one instead of
// acquiring the camera twice.
type Manager struct {
	cfg          Config
	acquirer     media.Acquirer
	newTransport TransportFactory
	observer     Observer // attached to every session; may be nil
	logger       *zap.Logger

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
}

// NewManager creates a session manager. cfg.Transport is ignored; transports
// come from the factory so each activation gets its own connection.
func NewManager(acquirer media.Acquirer, cfg Config, newTransport TransportFactory, observer Observer, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:          cfg,
		acquirer:     acquirer,
		newTransport: newTransport,
		observer:     observer,
		logger:       logger,
		sessions:     make(map[uuid.UUID]*Session),
	}
}

// Start returns the attempt's session, creating and starting one if needed.
// An existing ACTIVE or ACQUIRING session is returned as-is (Session.Start is
// idempotent, so the media request happens at most once). Every activation
// gets a fresh transport from the factory, so a stop/start cycle keeps
// forwarding telemetry.
func (m *Manager) Start(ctx context.Context, attemptID uuid.UUID) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[attemptID]
	if !ok {
		cfg := m.cfg
		cfg.NewTransport = m.newTransport
		s = New(attemptID, m.acquirer, cfg)
		if m.observer != nil {
			s.Subscribe(m.observer)
		}
		m.sessions[attemptID] = s
	}
	m.mu.Unlock()

	if err := s.Start(ctx); err != nil {
		return s, err
	}
	return s, nil
}

// Get returns the attempt's session if one exists.
func (m *Manager) Get(attemptID uuid.UUID) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[attemptID]
	return s, ok
}

// Stop stops the attempt's session. Unknown attempts are a no-op.
func (m *Manager) Stop(attemptID uuid.UUID) {
	m.mu.Lock()
	s, ok := m.sessions[attemptID]
	m.mu.Unlock()
	if ok {
		s.Stop()
	}
}

// StopAll stops every session. Called on shutdown so no camera indicator
// outlives the process.
func (m *Manager) StopAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		s.Stop()
	}
	m.logger.Info("all proctoring sessions stopped", zap.Int("count", len(sessions)))
}
