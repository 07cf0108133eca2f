package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/examguard/proctor/internal/auth"
	"github.com/examguard/proctor/internal/classifier"
	"github.com/examguard/proctor/internal/media"
	"github.com/examguard/proctor/internal/models"
	"github.com/examguard/proctor/internal/session"
)

type fakeReports struct {
	violations []models.ViolationRecord
	counts     map[models.ViolationType]int
}

func (f *fakeReports) ListViolations(context.Context, uuid.UUID) ([]models.ViolationRecord, error) {
	return f.violations, nil
}

func (f *fakeReports) ViolationCounts(context.Context, uuid.UUID) (map[models.ViolationType]int, error) {
	return f.counts, nil
}

type fakeFeed struct {
	mu       sync.Mutex
	handlers map[uuid.UUID]func(event string, payload []byte)
	cancels  int
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{handlers: make(map[uuid.UUID]func(string, []byte))}
}

func (f *fakeFeed) SubscribeAttempt(attemptID uuid.UUID, handler func(event string, payload []byte)) (func(), error) {
	f.mu.Lock()
	f.handlers[attemptID] = handler
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.handlers, attemptID)
		f.cancels++
		f.mu.Unlock()
	}, nil
}

func (f *fakeFeed) publish(attemptID uuid.UUID, event string, payload []byte) {
	f.mu.Lock()
	h := f.handlers[attemptID]
	f.mu.Unlock()
	if h != nil {
		h(event, payload)
	}
}

type fakeSnapshots struct {
	mu        sync.Mutex
	forgotten []uuid.UUID
}

func (f *fakeSnapshots) DownloadURL(_ context.Context, key string) (string, error) {
	return "https://signed.example/" + key, nil
}

func (f *fakeSnapshots) Forget(attemptID uuid.UUID) {
	f.mu.Lock()
	f.forgotten = append(f.forgotten, attemptID)
	f.mu.Unlock()
}

type testAPI struct {
	srv       *httptest.Server
	manager   *session.Manager
	jwt       *auth.JWTService
	reports   *fakeReports
	feed      *fakeFeed
	snapshots *fakeSnapshots
}

func newTestServer(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	acq := media.NewSyntheticAcquirer()
	manager := session.NewManager(acq, session.Config{
		DetectInterval: time.Hour,
		AudioCadence:   time.Millisecond,
	}, nil, nil, nil)
	t.Cleanup(manager.StopAll)

	a := &testAPI{
		manager:   manager,
		jwt:       auth.NewJWTService("test-secret", 1),
		reports:   &fakeReports{},
		feed:      newFakeFeed(),
		snapshots: &fakeSnapshots{},
	}
	r := gin.New()
	NewHandler(manager, a.reports, a.feed, a.snapshots, context.Background(), nil).Register(r, a.jwt)

	a.srv = httptest.NewServer(r)
	t.Cleanup(a.srv.Close)
	return a
}

func studentToken(t *testing.T, svc *auth.JWTService) string {
	t.Helper()
	token, err := svc.Generate(uuid.New(), "student@example.com", auth.RoleStudent)
	require.NoError(t, err)
	return token
}

func proctorToken(t *testing.T, svc *auth.JWTService) string {
	t.Helper()
	token, err := svc.Generate(uuid.New(), "proctor@example.com", auth.RoleProctor)
	require.NoError(t, err)
	return token
}

func doJSON(t *testing.T, method, url, token string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return resp, body
}

func TestHealth(t *testing.T) {
	a := newTestServer(t)
	resp, body := doJSON(t, http.MethodGet, a.srv.URL+"/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
}

func TestStartRequiresAuth(t *testing.T) {
	a := newTestServer(t)
	url := a.srv.URL + "/api/v1/attempts/" + uuid.NewString() + "/proctoring/start"

	resp, _ := doJSON(t, http.MethodPost, url, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, url, "garbage")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestStartStopLifecycle(t *testing.T) {
	a := newTestServer(t)
	token := studentToken(t, a.jwt)
	attempt := uuid.New()
	base := a.srv.URL + "/api/v1/attempts/" + attempt.String() + "/proctoring"

	resp, body := doJSON(t, http.MethodPost, base+"/start", token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := body["data"].(map[string]interface{})
	assert.Equal(t, "ACTIVE", data["state"])
	assert.Equal(t, true, data["is_active"])

	s, ok := a.manager.Get(attempt)
	require.True(t, ok)
	assert.Equal(t, models.StateActive, s.State())

	resp, _ = doJSON(t, http.MethodPost, base+"/stop", token)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, models.StateIdle, s.State())

	// stop clears the snapshot throttle so a restart stores frames again
	a.snapshots.mu.Lock()
	assert.Contains(t, a.snapshots.forgotten, attempt)
	a.snapshots.mu.Unlock()
}

func TestStartInvalidAttemptID(t *testing.T) {
	a := newTestServer(t)
	token := studentToken(t, a.jwt)
	resp, _ := doJSON(t, http.MethodPost, a.srv.URL+"/api/v1/attempts/not-a-uuid/proctoring/start", token)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMonitorEndpointsRequireProctorRole(t *testing.T) {
	a := newTestServer(t)
	token := studentToken(t, a.jwt)
	base := a.srv.URL + "/api/v1/attempts/" + uuid.NewString() + "/proctoring"

	for _, path := range []string{"", "/violations", "/report", "/snapshot-url?key=k"} {
		resp, _ := doJSON(t, http.MethodGet, base+path, token)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode, "path %q", path)
	}
}

func TestSnapshotUnknownAttempt(t *testing.T) {
	a := newTestServer(t)
	token := proctorToken(t, a.jwt)
	resp, _ := doJSON(t, http.MethodGet, a.srv.URL+"/api/v1/attempts/"+uuid.NewString()+"/proctoring", token)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestViolationsEndpoint(t *testing.T) {
	a := newTestServer(t)
	attempt := uuid.New()
	base := a.srv.URL + "/api/v1/attempts/" + attempt.String() + "/proctoring"

	resp, _ := doJSON(t, http.MethodPost, base+"/start", studentToken(t, a.jwt))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	s, ok := a.manager.Get(attempt)
	require.True(t, ok)
	s.HandleEvent(classifier.Event{Type: classifier.EventContextMenu})

	resp, body := doJSON(t, http.MethodGet, base+"/violations", proctorToken(t, a.jwt))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := body["data"].(map[string]interface{})
	violations := data["violations"].([]interface{})
	require.Len(t, violations, 1)
	first := violations[0].(map[string]interface{})
	assert.Equal(t, "RIGHT_CLICK", first["type"])
}

func TestReportEndpoint(t *testing.T) {
	a := newTestServer(t)
	attempt := uuid.New()
	a.reports.violations = []models.ViolationRecord{
		{
			ID:          uuid.New(),
			AttemptID:   attempt,
			Type:        models.ViolationNoFace,
			Description: "Face not visible in camera",
			Severity:    models.SeverityHigh,
			OccurredAt:  time.Now(),
		},
	}
	a.reports.counts = map[models.ViolationType]int{models.ViolationNoFace: 1}

	url := a.srv.URL + "/api/v1/attempts/" + attempt.String() + "/proctoring/report"
	resp, body := doJSON(t, http.MethodGet, url, proctorToken(t, a.jwt))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data := body["data"].(map[string]interface{})
	violations := data["violations"].([]interface{})
	require.Len(t, violations, 1)
	first := violations[0].(map[string]interface{})
	assert.Equal(t, "NO_FACE_DETECTED", first["type"])
	counts := data["counts"].(map[string]interface{})
	assert.Equal(t, float64(1), counts["NO_FACE_DETECTED"])
}

func TestSnapshotURLEndpoint(t *testing.T) {
	a := newTestServer(t)
	token := proctorToken(t, a.jwt)
	base := a.srv.URL + "/api/v1/attempts/" + uuid.NewString() + "/proctoring/snapshot-url"

	resp, _ := doJSON(t, http.MethodGet, base, token)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	key := "snapshots/a/1.jpg"
	resp, body := doJSON(t, http.MethodGet, base+"?key="+key, token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := body["data"].(map[string]interface{})
	assert.Equal(t, "https://signed.example/"+key, data["url"])
}

func TestEventsWebsocket(t *testing.T) {
	a := newTestServer(t)
	attempt := uuid.New()

	_, err := a.manager.Start(context.Background(), attempt)
	require.NoError(t, err)

	wsToken, err := a.jwt.GenerateAttemptToken(uuid.New(), auth.RoleStudent, attempt)
	require.NoError(t, err)
	wsURL := strings.Replace(a.srv.URL, "http://", "ws://", 1) +
		"/ws/events/" + attempt.String() + "?token=" + wsToken

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// a right click comes back suppressed, then the logged violation is pushed
	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":  "ui_event",
		"event": map[string]interface{}{"event": "contextmenu"},
	}))

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		var msg map[string]interface{}
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		require.NoError(t, conn.ReadJSON(&msg))
		switch msg["type"] {
		case "event_result":
			assert.Equal(t, "contextmenu", msg["event"])
			assert.Equal(t, true, msg["suppress"])
			got["event_result"] = true
		case "violation_logged":
			v := msg["violation"].(map[string]interface{})
			assert.Equal(t, "RIGHT_CLICK", v["type"])
			got["violation_logged"] = true
		}
	}
	assert.True(t, got["event_result"])
	assert.True(t, got["violation_logged"])

	// heartbeat is acknowledged
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "heartbeat"}))
	var ack map[string]interface{}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "heartbeat_ack", ack["type"])
}

func TestEventsWebsocketRejectsBadToken(t *testing.T) {
	a := newTestServer(t)
	attempt := uuid.New()
	_, err := a.manager.Start(context.Background(), attempt)
	require.NoError(t, err)

	// token scoped to a different attempt
	wsToken, err := a.jwt.GenerateAttemptToken(uuid.New(), auth.RoleStudent, uuid.New())
	require.NoError(t, err)
	wsURL := strings.Replace(a.srv.URL, "http://", "ws://", 1) +
		"/ws/events/" + attempt.String() + "?token=" + wsToken

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestEventsWebsocketRequiresSession(t *testing.T) {
	a := newTestServer(t)
	attempt := uuid.New()
	wsToken, err := a.jwt.GenerateAttemptToken(uuid.New(), auth.RoleStudent, attempt)
	require.NoError(t, err)
	wsURL := strings.Replace(a.srv.URL, "http://", "ws://", 1) +
		"/ws/events/" + attempt.String() + "?token=" + wsToken

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMonitorWebsocketRelaysFeed(t *testing.T) {
	a := newTestServer(t)
	attempt := uuid.New()

	wsToken, err := a.jwt.Generate(uuid.New(), "proctor@example.com", auth.RoleProctor)
	require.NoError(t, err)
	wsURL := strings.Replace(a.srv.URL, "http://", "ws://", 1) +
		"/ws/monitor/" + attempt.String() + "?token=" + wsToken

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	// the worker publishes a violation for this attempt
	require.Eventually(t, func() bool {
		a.feed.mu.Lock()
		defer a.feed.mu.Unlock()
		return a.feed.handlers[attempt] != nil
	}, 2*time.Second, time.Millisecond)
	a.feed.publish(attempt, "violation", []byte(`{"violation_type":"NO_FACE_DETECTED"}`))

	var msg map[string]interface{}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "violation", msg["event"])
	data := msg["data"].(map[string]interface{})
	assert.Equal(t, "NO_FACE_DETECTED", data["violation_type"])

	// closing the socket cancels the subscription
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		a.feed.mu.Lock()
		defer a.feed.mu.Unlock()
		return a.feed.cancels == 1
	}, 2*time.Second, time.Millisecond)
}

func TestMonitorWebsocketRejectsUnscopedStudent(t *testing.T) {
	a := newTestServer(t)
	wsToken := studentToken(t, a.jwt)
	wsURL := strings.Replace(a.srv.URL, "http://", "ws://", 1) +
		"/ws/monitor/" + uuid.NewString() + "?token=" + wsToken

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
