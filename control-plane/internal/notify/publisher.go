// Package notify publishes per-device notifications over Redis Pub/Sub.
//
// Delivery is at-most-once: a message published while no subscriber is
// listening on the device's topic is dropped, and nothing is acknowledged.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// EventUpdate is the event name for firmware update notifications.
const EventUpdate = "update"

// Message is the envelope published on a device topic.
type Message struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// DeviceTopic returns the topic a device's socket subscribes to.
func DeviceTopic(deviceID string) string {
	return "device:" + deviceID
}

// Publisher publishes notifications to Redis channels.
type Publisher struct {
	client *redis.Client
	logger *slog.Logger
}

// NewPublisher creates a new Redis-backed publisher.
func NewPublisher(redisURL string, logger *slog.Logger) (*Publisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &Publisher{
		client: client,
		logger: logger.With("component", "notify"),
	}, nil
}

// Publish sends event with payload on topic. It returns the number of
// subscribers that received the message.
func (p *Publisher) Publish(ctx context.Context, topic, event string, payload any) (int64, error) {
	data, err := EncodeMessage(event, payload)
	if err != nil {
		return 0, err
	}

	receivers, err := p.client.Publish(ctx, topic, data).Result()
	if err != nil {
		return 0, fmt.Errorf("publishing to %s: %w", topic, err)
	}

	p.logger.Debug("published notification",
		"topic", topic,
		"event", event,
		"receivers", receivers,
	)
	return receivers, nil
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (p *Publisher) Close() error {
	return p.client.Close()
}

// EncodeMessage builds the wire form of a notification.
func EncodeMessage(event string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", event, err)
	}
	data, err := json.Marshal(Message{Event: event, Payload: body})
	if err != nil {
		return nil, fmt.Errorf("encoding %s message: %w", event, err)
	}
	return data, nil
}
