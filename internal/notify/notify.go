// Package notify publishes governance lifecycle notifications for
// operator dashboards over Redis Pub/Sub. Publishing is best-effort: a
// failed or missing bus never blocks or fails a governance decision.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Kind of notification.
type Kind string

const (
	KindEscalated  Kind = "ESCALATED"
	KindGranted    Kind = "APPROVAL_GRANTED"
	KindDenied     Kind = "DENIED"
	KindAutoDenied Kind = "AUTO_DENIED"
	KindExecuted   Kind = "EXECUTED"
)

// Notification is the message published to operators.
type Notification struct {
	ID            string    `json:"id"`
	Kind          Kind      `json:"kind"`
	ActorID       string    `json:"actor_id"`
	IntentEventID string    `json:"intent_event_id"`
	Detail        string    `json:"detail,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Bus publishes notifications.
type Bus interface {
	Publish(ctx context.Context, n Notification)
	Close() error
}

// NoopBus drops everything. Used when REDIS_URL is unset.
type NoopBus struct{}

func (NoopBus) Publish(ctx context.Context, n Notification) {}
func (NoopBus) Close() error                                { return nil }

// RedisBus publishes each notification to a kind-suffixed channel plus a
// firehose channel.
type RedisBus struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// NewRedisBus connects to Redis using a URL like redis://host:6379/0.
func NewRedisBus(redisURL, channelPrefix string) (*RedisBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	if channelPrefix == "" {
		channelPrefix = "gavel:notify:"
	}
	return &RedisBus{
		client: redis.NewClient(opts),
		prefix: channelPrefix,
		logger: slog.Default().With("component", "notify"),
	}, nil
}

func (b *RedisBus) Publish(ctx context.Context, n Notification) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(n)
	if err != nil {
		b.logger.Warn("notification marshal failed", "kind", n.Kind, "error", err)
		return
	}
	for _, channel := range []string{b.prefix + string(n.Kind), b.prefix + "all"} {
		if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
			b.logger.Warn("notification publish failed",
				"channel", channel, "kind", n.Kind, "error", err)
			return
		}
	}
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}
