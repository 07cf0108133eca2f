package report

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	channelPrefix = "attempt:"
	publishTTL    = 5 * time.Second
)

// monitorPayload is the message published to Redis for monitor dashboards.
type monitorPayload struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	At    int64           `json:"at"`
}

// MonitorPubSub fans proctoring events out to live monitor dashboards via
// Redis pub/sub, one channel per exam attempt.
type MonitorPubSub struct {
	client *redis.Client
}

// NewMonitorPubSub creates a Redis pub/sub bridge for attempt events.
func NewMonitorPubSub(client *redis.Client) *MonitorPubSub {
	return &MonitorPubSub{client: client}
}

// PublishAttemptEvent publishes an event to the attempt's Redis channel.
func (m *MonitorPubSub) PublishAttemptEvent(attemptID uuid.UUID, event string, payload []byte) error {
	channel := channelPrefix + attemptID.String()
	body, err := json.Marshal(monitorPayload{Event: event, Data: payload, At: time.Now().Unix()})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTTL)
	defer cancel()
	return m.client.Publish(ctx, channel, body).Err()
}

// SubscribeAttempt subscribes to an attempt's Redis channel and calls handler
// for each message. Returns a cancel function to stop the subscription.
func (m *MonitorPubSub) SubscribeAttempt(attemptID uuid.UUID, handler func(event string, payload []byte)) (cancel func(), err error) {
	channel := channelPrefix + attemptID.String()
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := m.client.Subscribe(ctx, channel)
	_, err = pubsub.Receive(ctx)
	if err != nil {
		cancelCtx()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var p monitorPayload
				if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
					continue
				}
				handler(p.Event, p.Data)
			}
		}
	}()
	cancel = func() { cancelCtx() }
	return cancel, nil
}
