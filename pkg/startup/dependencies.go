package startup

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
)

// RedisDependency pings the lookup cache
type RedisDependency struct {
	client *redis.Client
}

func NewRedisDependency(client *redis.Client) *RedisDependency {
	return &RedisDependency{client: client}
}

func (d *RedisDependency) GetName() string     { return "redis" }
func (d *RedisDependency) DependsOn() []string { return nil }

func (d *RedisDependency) Start(ctx context.Context) error {
	if err := d.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	return nil
}

func (d *RedisDependency) Stop(_ context.Context) error {
	return d.client.Close()
}

// KafkaDependency checks that at least one broker accepts connections.
// closer is the producer flushed on stop.
type KafkaDependency struct {
	brokers []string
	closer  interface{ Close() error }
	dial    func(ctx context.Context, network, address string) (*kafka.Conn, error)
}

func NewKafkaDependency(brokers []string, closer interface{ Close() error }) *KafkaDependency {
	return &KafkaDependency{brokers: brokers, closer: closer, dial: kafka.DialContext}
}

func (d *KafkaDependency) GetName() string     { return "kafka" }
func (d *KafkaDependency) DependsOn() []string { return nil }

func (d *KafkaDependency) Start(ctx context.Context) error {
	var lastErr error
	for _, broker := range d.brokers {
		conn, err := d.dial(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		return conn.Close()
	}
	if lastErr == nil {
		return fmt.Errorf("no kafka brokers configured")
	}
	return fmt.Errorf("failed to reach kafka brokers: %w", lastErr)
}

func (d *KafkaDependency) Stop(_ context.Context) error {
	if d.closer == nil {
		return nil
	}
	return d.closer.Close()
}
