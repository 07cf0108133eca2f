package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/examguard/proctor/internal/auth"
	"github.com/examguard/proctor/internal/classifier"
	"github.com/examguard/proctor/internal/models"
	"github.com/examguard/proctor/internal/session"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins in dev; restrict in production
	},
}

// inboundMessage is the envelope the exam UI sends on the event channel.
type inboundMessage struct {
	Type  string                 `json:"type"`
	Event *classifier.Event      `json:"event,omitempty"`
	Focus *classifier.FocusState `json:"focus,omitempty"`
}

type eventResult struct {
	Type     string               `json:"type"`
	Event    classifier.EventType `json:"event"`
	Suppress bool                 `json:"suppress"`
}

type heartbeatAck struct {
	Type string `json:"type"`
}

type violationPush struct {
	Type      string           `json:"type"`
	Violation models.Violation `json:"violation"`
}

type presencePush struct {
	Type          string  `json:"type"`
	FacesDetected int     `json:"faces_detected"`
	Confidence    float64 `json:"confidence"`
}

type audioPush struct {
	Type  string  `json:"type"`
	Level float64 `json:"level"`
}

type statePush struct {
	Type  string              `json:"type"`
	State models.SessionState `json:"state"`
}

// eventsClient is one UI event channel connection.
type eventsClient struct {
	conn   *websocket.Conn
	send   chan interface{}
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

// push queues a message for the write pump, dropping when the client cannot
// keep up. Observer callbacks may race connection teardown, so the closed
// flag and the channel close share one lock.
func (c *eventsClient) push(msg interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default:
		c.logger.Debug("event channel send buffer full, message dropped")
	}
}

func (c *eventsClient) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// OnPresence implements session.Observer.
func (c *eventsClient) OnPresence(_, _ uuid.UUID, s models.PresenceSample) {
	if s.Error != "" {
		return
	}
	c.push(presencePush{Type: "face_detection", FacesDetected: s.FacesDetected, Confidence: s.Confidence})
}

// OnAudio implements session.Observer.
func (c *eventsClient) OnAudio(_, _ uuid.UUID, s models.AudioSample) {
	c.push(audioPush{Type: "audio_level", Level: s.Level})
}

// OnViolation implements session.Observer.
func (c *eventsClient) OnViolation(_, _ uuid.UUID, v models.Violation) {
	c.push(violationPush{Type: "violation_logged", Violation: v})
}

// OnStateChange implements session.Observer.
func (c *eventsClient) OnStateChange(_, _ uuid.UUID, st models.SessionState) {
	c.push(statePush{Type: "session_state", State: st})
}

// ServeEvents handles the UI event websocket: the browser forwards focus,
// visibility, key and unload events; the agent answers with the classifier's
// suppress decision and pushes live telemetry back.
func ServeEvents(manager *session.Manager, jwtService *auth.JWTService, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		attemptID, err := uuid.Parse(c.Param("attempt_id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid attempt_id"})
			return
		}
		token := c.Query("token")
		if token == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "token required"})
			return
		}
		if _, err := jwtService.ValidateForAttempt(token, attemptID); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		sess, ok := manager.Get(attemptID)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no proctoring session for attempt"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &eventsClient{
			conn:   conn,
			send:   make(chan interface{}, 256),
			logger: logger.With(zap.String("attempt_id", attemptID.String())),
		}
		unsubscribe := sess.Subscribe(client)
		go client.writePump()
		client.readPump(sess)
		unsubscribe()
		client.shutdown()
	}
}

func (c *eventsClient) readPump(sess *session.Session) {
	defer func() {
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(65536)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		var msg inboundMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))

		switch msg.Type {
		case "ui_event":
			if msg.Event == nil {
				continue
			}
			ev := *msg.Event
			if ev.At.IsZero() {
				ev.At = time.Now()
			}
			suppress := sess.HandleEvent(ev)
			c.push(eventResult{Type: "event_result", Event: ev.Type, Suppress: suppress})
		case "focus_state":
			if msg.Focus != nil {
				sess.SetFocusState(*msg.Focus)
			}
		case "heartbeat":
			c.push(heartbeatAck{Type: "heartbeat_ack"})
		default:
			// ignore
		}
	}
}

func (c *eventsClient) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
