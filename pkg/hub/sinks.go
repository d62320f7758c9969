package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// RedisStreamSink appends every hub message to a capped Redis stream so
// other services can replay recent traffic.
type RedisStreamSink struct {
	Client *redis.Client
	Stream string
	MaxLen int64
}

func NewRedisStreamSink(ctx context.Context, addr, password string, db int, stream string) (*RedisStreamSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	logger().Info("Redis event stream enabled", zap.String("addr", addr), zap.String("stream", stream))
	return &RedisStreamSink{Client: client, Stream: stream, MaxLen: 10000}, nil
}

func (s *RedisStreamSink) Name() string { return "redis:" + s.Stream }

func (s *RedisStreamSink) Handle(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return err
	}
	return s.Client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.Stream,
		MaxLen: s.MaxLen,
		Approx: true,
		Values: map[string]any{
			"room":    msg.Room,
			"event":   msg.Event,
			"payload": string(payload),
			"at":      msg.At.UnixMilli(),
		},
	}).Err()
}

func (s *RedisStreamSink) Close() error {
	return s.Client.Close()
}

// TopicPublisher is satisfied by the MQTT client.
type TopicPublisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// CommandSink relays device room traffic (irrigation commands, settings)
// to devices that listen on MQTT instead of a websocket.
type CommandSink struct {
	Publisher TopicPublisher
	Topic     string
	Room      string
}

func (s *CommandSink) Name() string { return "mqtt:" + s.Topic }

func (s *CommandSink) Handle(_ context.Context, msg Message) error {
	if msg.Room != s.Room {
		return nil
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.Publisher.Publish(s.Topic, 1, false, data)
}

// SubjectPublisher is satisfied by *nats.Conn.
type SubjectPublisher interface {
	Publish(subject string, data []byte) error
}

// AlertExportSink forwards accepted alerts to a NATS subject, where the
// email notifier picks them up.
type AlertExportSink struct {
	Conn    SubjectPublisher
	Subject string
	Event   string

	nc *nats.Conn
}

func NewAlertExportSink(url, subject, event string) (*AlertExportSink, error) {
	nc, err := nats.Connect(url,
		nats.Name("smartplant-service"),
		nats.Timeout(5*time.Second),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	logger().Info("NATS alert export enabled", zap.String("url", url), zap.String("subject", subject))
	return &AlertExportSink{Conn: nc, Subject: subject, Event: event, nc: nc}, nil
}

func (s *AlertExportSink) Name() string { return "nats:" + s.Subject }

func (s *AlertExportSink) Handle(_ context.Context, msg Message) error {
	if msg.Event != s.Event {
		return nil
	}
	data, err := json.Marshal(msg.Payload)
	if err != nil {
		return err
	}
	return s.Conn.Publish(s.Subject, data)
}

func (s *AlertExportSink) Close() {
	if s.nc == nil {
		return
	}
	if err := s.nc.Drain(); err != nil {
		logger().Warn("Failed to drain NATS connection, closing", zap.Error(err))
		s.nc.Close()
	}
}
