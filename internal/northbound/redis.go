package northbound

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/smartsolutions/datwall/internal/logger"
	"github.com/smartsolutions/datwall/pkg/factory"
)

// redisSink publishes every event on a channel and keeps the latest event
// of each topic under "<channel>:latest:<topic>".
type redisSink struct {
	client  *redis.Client
	channel string
}

// NewRedisSink connects to redisURL and checks the connection.
func NewRedisSink(ctx context.Context, redisURL string, channel string) (Sink, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	client := redis.NewClient(options)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "connect to redis")
	}

	logger.NorthboundLog.Infof("Redis sink connected, channel=%s", channel)
	return newRedisSinkWithClient(client, channel), nil
}

func newRedisSinkWithClient(client *redis.Client, channel string) *redisSink {
	return &redisSink{client: client, channel: channel}
}

func (sink *redisSink) latestKey(topic Topic) string {
	return fmt.Sprintf("%s:latest:%s", sink.channel, topic)
}

// Deliver implements Sink.
func (sink *redisSink) Deliver(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}

	pipeline := sink.client.TxPipeline()
	pipeline.Set(ctx, sink.latestKey(event.Topic), payload, 0)
	pipeline.Publish(ctx, sink.channel, payload)
	if _, err := pipeline.Exec(ctx); err != nil {
		return errors.Wrapf(err, "publish %s event", event.Topic)
	}
	return nil
}

// Close implements Sink.
func (sink *redisSink) Close() error {
	return sink.client.Close()
}

// NewSinkFromConfig builds the configured Sink; "none" yields nil.
func NewSinkFromConfig(ctx context.Context, events factory.EventsSection) (Sink, error) {
	switch events.Sink {
	case "", "none":
		return nil, nil
	case "http":
		logger.NorthboundLog.Infof("Using HTTP webhook sink %s", events.WebhookURL)
		return NewHTTPNotifier(events.WebhookURL), nil
	case "redis":
		return NewRedisSink(ctx, events.RedisURL, events.RedisChannel)
	default:
		return nil, errors.Errorf("unknown event sink %q", events.Sink)
	}
}
