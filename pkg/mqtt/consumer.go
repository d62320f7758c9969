package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"liyu1981.xyz/smartplant-service/pkg/common"
	"liyu1981.xyz/smartplant-service/pkg/iot"
	"liyu1981.xyz/smartplant-service/pkg/models"
)

type Ingester interface {
	Ingest(ctx context.Context, input *iot.TelemetryInput) (*models.TelemetryReading, error)
}

// TelemetryConsumer feeds readings published on smartplant/<sensorId>/telemetry
// into the same ingest path as the REST and gRPC endpoints.
type TelemetryConsumer struct {
	Ingester Ingester
	Limiters *iot.RateLimiterStore
	Timeout  time.Duration
}

// SensorIDFromTopic returns the second level of a
// <prefix>/<sensorId>/telemetry topic.
func SensorIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 || parts[len(parts)-1] != "telemetry" {
		return ""
	}
	return parts[len(parts)-2]
}

func (tc *TelemetryConsumer) Handle(topic string, payload []byte) error {
	logger := common.GetLoggerWith(common.LoggerNameMQTT, zap.String("topic", topic))

	var input iot.TelemetryInput
	if err := json.Unmarshal(payload, &input); err != nil {
		return fmt.Errorf("%w: %v", iot.ErrValidation, err)
	}
	if sensorID := SensorIDFromTopic(topic); sensorID != "" {
		input.SensorID = sensorID
	}
	if input.SensorID == "" {
		return fmt.Errorf("%w: no sensor id in topic or payload", iot.ErrValidation)
	}

	if !tc.Limiters.Allow(input.SensorID) {
		logger.Warn("Rate limit exceeded, reading dropped", zap.String("sensorId", input.SensorID))
		return nil
	}

	timeout := tc.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	reading, err := tc.Ingester.Ingest(ctx, &input)
	if err != nil {
		return err
	}
	logger.Debug("Ingested reading", zap.String("readingId", reading.ID), zap.String("sensorId", reading.SensorID))
	return nil
}

// Start subscribes the consumer on topic and blocks until ctx is done.
func (tc *TelemetryConsumer) Start(ctx context.Context, client *Client, topic string) error {
	if err := client.Subscribe(topic, 1, tc.Handle); err != nil {
		return err
	}
	<-ctx.Done()
	client.Disconnect()
	return nil
}
