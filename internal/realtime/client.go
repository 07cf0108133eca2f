// Package realtime implements the outbound telemetry link to the central
// proctoring backend: a reconnecting WebSocket client that forwards presence,
// audio and violation messages best-effort. Violation correctness never
// depends on it; anything the link cannot carry is dropped.
package realtime

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/examguard/proctor/internal/models"
)

const (
	// DefaultBackoff is the fixed delay between reconnect attempts.
	DefaultBackoff = 5 * time.Second
	// DefaultMaxRetries caps consecutive failed dials before the client gives
	// up for good.
	DefaultMaxRetries = 3

	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	pingEvery = 30 * time.Second
	sendDepth = 256
)

// Config holds the connection parameters for one attempt's telemetry link.
type Config struct {
	// BaseURL is the backend root, e.g. "wss://exams.example.com".
	BaseURL   string
	AttemptID uuid.UUID
	// Token is passed as a query parameter; the backend validates it on
	// upgrade.
	Token      string
	Backoff    time.Duration // <= 0 selects DefaultBackoff
	MaxRetries int           // <= 0 selects DefaultMaxRetries
	Logger     *zap.Logger
}

// Client is a reconnecting WebSocket telemetry publisher. Send methods never
// block: messages queue into a bounded channel and are dropped when the link
// is down or the queue is full.
type Client struct {
	url        string
	backoff    time.Duration
	maxRetries int
	logger     *zap.Logger

	send chan interface{}
	stop chan struct{}
	done chan struct{}

	connectOnce sync.Once
	closeOnce   sync.Once
}

// NewClient builds a client for one exam attempt. The connection is not opened
// until Connect.
func NewClient(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	return &Client{
		url:        endpointURL(cfg.BaseURL, cfg.AttemptID, cfg.Token),
		backoff:    cfg.Backoff,
		maxRetries: cfg.MaxRetries,
		logger:     cfg.Logger.With(zap.String("attempt_id", cfg.AttemptID.String())),
		send:       make(chan interface{}, sendDepth),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func endpointURL(base string, attemptID uuid.UUID, token string) string {
	u := fmt.Sprintf("%s/ws/proctoring/%s/", strings.TrimRight(base, "/"), attemptID)
	if token != "" {
		u += "?token=" + url.QueryEscape(token)
	}
	return u
}

// Connect starts the connection loop in the background. Idempotent; dial
// failures are retried with a fixed backoff and never surface to the caller.
func (c *Client) Connect(ctx context.Context) {
	c.connectOnce.Do(func() {
		go c.run(ctx)
	})
}

// Close shuts the link down and waits for the loop to exit. Idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.stop) })
	<-c.done
	return nil
}

type presenceMessage struct {
	Type          string  `json:"type"`
	FacesDetected int     `json:"faces_detected"`
	Confidence    float64 `json:"confidence"`
}

type audioMessage struct {
	Type  string  `json:"type"`
	Level float64 `json:"level"`
}

type violationMessage struct {
	Type          string    `json:"type"`
	ViolationType string    `json:"violation_type"`
	Description   string    `json:"description"`
	Timestamp     time.Time `json:"timestamp"`
	Severity      string    `json:"severity"`
}

// SendPresence queues a face detection result.
func (c *Client) SendPresence(s models.PresenceSample) {
	c.enqueue(presenceMessage{
		Type:          "face_detection",
		FacesDetected: s.FacesDetected,
		Confidence:    s.Confidence,
	})
}

// SendAudio queues an audio level sample.
func (c *Client) SendAudio(s models.AudioSample) {
	c.enqueue(audioMessage{Type: "audio_level", Level: s.Level})
}

// SendViolation queues a violation report.
func (c *Client) SendViolation(v models.Violation) {
	c.enqueue(violationMessage{
		Type:          "violation",
		ViolationType: string(v.Type),
		Description:   v.Description,
		Timestamp:     v.OccurredAt,
		Severity:      string(v.Severity),
	})
}

func (c *Client) enqueue(msg interface{}) {
	select {
	case c.send <- msg:
	default:
		c.logger.Debug("telemetry queue full, message dropped")
	}
}

// run dials, serves the connection, and redials on loss. The retry counter
// resets on every successful dial; maxRetries consecutive failures end the
// loop for the rest of the session.
func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	attempts := 0
	for {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if err != nil {
			attempts++
			if attempts >= c.maxRetries {
				c.logger.Warn("telemetry link unavailable, giving up",
					zap.Int("attempts", attempts), zap.Error(err))
				return
			}
			c.logger.Info("telemetry dial failed, retrying",
				zap.Int("attempt", attempts), zap.Duration("backoff", c.backoff), zap.Error(err))
			select {
			case <-time.After(c.backoff):
			case <-c.stop:
				return
			case <-ctx.Done():
				return
			}
			continue
		}

		attempts = 0
		c.logger.Info("telemetry link established")
		if closed := c.serve(ctx, conn); closed {
			return
		}
		c.logger.Info("telemetry link lost, reconnecting", zap.Duration("backoff", c.backoff))
		select {
		case <-time.After(c.backoff):
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// serve pumps queued messages onto one connection until the link drops or the
// client is closed. Returns true when the client is shutting down.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) (closed bool) {
	readFail := make(chan struct{})
	go func() {
		defer close(readFail)
		conn.SetReadLimit(65536)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			_ = conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		// Inbound traffic is acknowledgements only; reading keeps control
		// frames flowing and detects the peer going away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		}
	}()

	ticker := time.NewTicker(pingEvery)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case <-c.stop:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return true
		case <-ctx.Done():
			return true
		case <-readFail:
			return false
		case msg := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				return false
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return false
			}
		}
	}
}
