package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/examguard/proctor/internal/models"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsServer collects every JSON message a connected client sends.
type wsServer struct {
	*httptest.Server

	mu       sync.Mutex
	paths    []string
	messages []map[string]interface{}
	// dropAfter closes each connection after that many messages; 0 keeps it
	// open.
	dropAfter int
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.paths = append(s.paths, r.URL.RequestURI())
		s.mu.Unlock()
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		received := 0
		for {
			var msg map[string]interface{}
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			s.mu.Lock()
			s.messages = append(s.messages, msg)
			drop := s.dropAfter
			s.mu.Unlock()
			received++
			if drop > 0 && received >= drop {
				return
			}
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *wsServer) baseURL() string {
	return strings.Replace(s.URL, "http://", "ws://", 1)
}

func (s *wsServer) messageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *wsServer) message(i int) map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages[i]
}

func newTestClient(t *testing.T, base string) *Client {
	t.Helper()
	c := NewClient(Config{
		BaseURL:   base,
		AttemptID: uuid.New(),
		Token:     "tok en",
		Backoff:   10 * time.Millisecond,
	})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestEndpointURL(t *testing.T) {
	id := uuid.MustParse("11111111-2222-3333-4444-555555555555")
	got := endpointURL("wss://exams.example.com/", id, "a b")
	assert.Equal(t,
		"wss://exams.example.com/ws/proctoring/11111111-2222-3333-4444-555555555555/?token=a+b",
		got)
}

func TestDeliversTelemetry(t *testing.T) {
	srv := newWSServer(t)
	c := newTestClient(t, srv.baseURL())
	c.Connect(context.Background())

	c.SendPresence(models.PresenceSample{FacesDetected: 1, Confidence: 0.7})
	c.SendAudio(models.AudioSample{Level: 0.42})
	c.SendViolation(models.Violation{
		Type:        models.ViolationTabSwitch,
		Description: "User switched tabs or minimized window (count 1)",
		OccurredAt:  time.Now(),
		Severity:    models.SeverityMedium,
	})

	require.Eventually(t, func() bool { return srv.messageCount() == 3 },
		2*time.Second, 5*time.Millisecond)

	face := srv.message(0)
	assert.Equal(t, "face_detection", face["type"])
	assert.Equal(t, float64(1), face["faces_detected"])
	assert.Equal(t, 0.7, face["confidence"])

	audio := srv.message(1)
	assert.Equal(t, "audio_level", audio["type"])
	assert.Equal(t, 0.42, audio["level"])

	viol := srv.message(2)
	assert.Equal(t, "violation", viol["type"])
	assert.Equal(t, "TAB_SWITCH", viol["violation_type"])
	assert.Equal(t, "MEDIUM", viol["severity"])

	srv.mu.Lock()
	path := srv.paths[0]
	srv.mu.Unlock()
	assert.True(t, strings.Contains(path, "/ws/proctoring/"), "path was %s", path)
	assert.True(t, strings.Contains(path, "token=tok+en"), "path was %s", path)
}

func TestReconnectsAfterDrop(t *testing.T) {
	srv := newWSServer(t)
	srv.dropAfter = 1
	c := newTestClient(t, srv.baseURL())
	c.Connect(context.Background())

	c.SendAudio(models.AudioSample{Level: 0.1})
	require.Eventually(t, func() bool { return srv.messageCount() == 1 },
		2*time.Second, 5*time.Millisecond)

	// the first connection is gone; the next message must ride a new one
	require.Eventually(t, func() bool {
		c.SendAudio(models.AudioSample{Level: 0.2})
		return srv.messageCount() >= 2
	}, 2*time.Second, 20*time.Millisecond)

	srv.mu.Lock()
	dials := len(srv.paths)
	srv.mu.Unlock()
	assert.GreaterOrEqual(t, dials, 2)
}

func TestGivesUpAfterMaxRetries(t *testing.T) {
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(Config{
		BaseURL:    strings.Replace(srv.URL, "http://", "ws://", 1),
		AttemptID:  uuid.New(),
		Backoff:    5 * time.Millisecond,
		MaxRetries: 3,
	})
	c.Connect(context.Background())

	require.Eventually(t, func() bool { return dials.Load() == 3 },
		2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(3), dials.Load(), "no dials past the retry cap")

	// Close returns promptly even though the loop already gave up
	done := make(chan struct{})
	go func() { _ = c.Close(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close blocked after retry cap")
	}
}

func TestSendNeverBlocksWhileDisconnected(t *testing.T) {
	c := NewClient(Config{BaseURL: "ws://127.0.0.1:1", AttemptID: uuid.New()})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for i := 0; i < sendDepth*2; i++ {
			c.SendAudio(models.AudioSample{Level: 0.5})
		}
	}()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("Send blocked with the queue full")
	}

	// Close before Connect must not hang either
	go func() { c.Connect(context.Background()) }()
	require.NoError(t, c.Close())
}

func TestViolationMessageShape(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	raw, err := json.Marshal(violationMessage{
		Type:          "violation",
		ViolationType: "WINDOW_BLUR",
		Description:   "Window lost focus",
		Timestamp:     at,
		Severity:      "MEDIUM",
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"type": "violation",
		"violation_type": "WINDOW_BLUR",
		"description": "Window lost focus",
		"timestamp": "2026-03-01T10:00:00Z",
		"severity": "MEDIUM"
	}`, string(raw))
}
