package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Sink delivers one event to a transport.
type Sink interface {
	Deliver(ctx context.Context, ev Event) error
}

// publisher is the slice of *redis.Client used by RedisPublisher.
type publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisPublisher publishes events as JSON on a pub/sub channel for the mail
// and SMS gateways to consume.
type RedisPublisher struct {
	client  publisher
	channel string
}

func NewRedisPublisher(client publisher, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Deliver(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("notify: publish %s: %w", p.channel, err)
	}
	return nil
}

// inserter is the slice of *mongo.Collection used by MongoInbox.
type inserter interface {
	InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
}

const InboxCollection = "notifications"

// MongoInbox archives every event without credentials.
type MongoInbox struct {
	coll inserter
}

func NewMongoInbox(client *mongo.Client, database string) *MongoInbox {
	return &MongoInbox{coll: client.Database(database).Collection(InboxCollection)}
}

func (m *MongoInbox) Deliver(ctx context.Context, ev Event) error {
	if _, err := m.coll.InsertOne(ctx, ev.Redacted()); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return fmt.Errorf("notify: archive event %s: %w", ev.ID, err)
	}
	return nil
}

// LogSink writes events to the structured log. It is the fallback when no
// broker is configured.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (l *LogSink) Deliver(ctx context.Context, ev Event) error {
	l.logger.InfoContext(ctx, "notification",
		slog.String("event_id", ev.ID),
		slog.String("type", string(ev.Type)),
		slog.Int64("application_id", ev.ApplicationID),
		slog.Int("recipients", len(ev.Recipients)),
		slog.Bool("credentials", ev.Credentials != nil),
	)
	return nil
}

// Multi fans an event out to every sink and joins their failures.
type Multi []Sink

func (m Multi) Deliver(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Deliver(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
