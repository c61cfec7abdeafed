// Package redis publishes control plane events to Redis and ingests
// utilization samples from a Redis pub/sub channel.
package redis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/limiquantix/consolidator/internal/config"
	"github.com/limiquantix/consolidator/internal/domain"
	"github.com/limiquantix/consolidator/internal/events"
)

// Client wraps a Redis client.
type Client struct {
	client *redis.Client
	cfg    config.RedisConfig
	logger *zap.Logger
}

// NewClient connects to Redis.
func NewClient(cfg config.RedisConfig, logger *zap.Logger) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, domain.Transient("connect to Redis", err)
	}

	logger.Info("Connected to Redis", zap.String("addr", cfg.Address()))
	return &Client{
		client: client,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "redis")),
	}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// Health checks if Redis is reachable.
func (c *Client) Health(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return domain.Transient("ping Redis", err)
	}
	return nil
}

// Publish implements events.Publisher on the configured events channel.
func (c *Client) Publish(ctx context.Context, e events.Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := c.client.Publish(ctx, c.cfg.EventsChannel, data).Err(); err != nil {
		return domain.Transient("publish event", err)
	}
	return nil
}

// IngestFunc stores a batch of samples and returns how many were accepted.
type IngestFunc func(samples []domain.Sample) int

// SubscribeSamples feeds samples published on the telemetry channel to
// ingest until ctx is cancelled. A message holds one sample or an array of
// samples, JSON encoded.
func (c *Client) SubscribeSamples(ctx context.Context, ingest IngestFunc) error {
	pubsub := c.client.Subscribe(ctx, c.cfg.TelemetryChannel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return domain.Transient("subscribe to telemetry channel", err)
	}
	c.logger.Info("Subscribed to telemetry channel", zap.String("channel", c.cfg.TelemetryChannel))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			samples, err := decodeSamples([]byte(msg.Payload))
			if err != nil {
				c.logger.Warn("Failed to decode telemetry message", zap.Error(err))
				continue
			}
			ingest(samples)
		}
	}
}

func decodeSamples(payload []byte) ([]domain.Sample, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) > 0 && payload[0] == '[' {
		var samples []domain.Sample
		if err := json.Unmarshal(payload, &samples); err != nil {
			return nil, fmt.Errorf("failed to unmarshal samples: %w", err)
		}
		return samples, nil
	}
	var s domain.Sample
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sample: %w", err)
	}
	return []domain.Sample{s}, nil
}
