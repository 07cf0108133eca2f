package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/examguard/proctor/internal/auth"
)

// monitorEvent is the envelope pushed to dashboard connections: the worker's
// published event name plus its payload, untouched.
type monitorEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// monitorClient is one dashboard connection on an attempt's monitor feed.
type monitorClient struct {
	conn   *websocket.Conn
	send   chan interface{}
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

func (c *monitorClient) push(msg interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default:
		c.logger.Debug("monitor send buffer full, event dropped")
	}
}

func (c *monitorClient) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// ServeMonitor handles the dashboard websocket: it subscribes the connection
// to the attempt's Redis monitor channel and relays every event the worker
// publishes (violations, face detection, audio levels, session state).
func ServeMonitor(feed MonitorFeed, jwtService *auth.JWTService, logger *zap.Logger) gin.HandlerFunc {
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
		if feed == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "monitor feed not configured"})
			return
		}

		client := &monitorClient{
			send:   make(chan interface{}, 256),
			logger: logger.With(zap.String("attempt_id", attemptID.String())),
		}
		cancel, err := feed.SubscribeAttempt(attemptID, func(event string, payload []byte) {
			client.push(monitorEvent{Event: event, Data: payload})
		})
		if err != nil {
			logger.Error("monitor subscribe failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "monitor feed unavailable"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			cancel()
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		client.conn = conn

		go client.writePump()
		client.readPump()
		cancel()
		client.shutdown()
	}
}

// readPump discards inbound frames; the monitor feed is one-way. It exists to
// service pongs and to notice the peer going away.
func (c *monitorClient) readPump() {
	defer func() {
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	}
}

func (c *monitorClient) writePump() {
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
