package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	z "github.com/Oudwins/zog"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"liyu1981.xyz/smartplant-service/pkg/common"
	"liyu1981.xyz/smartplant-service/pkg/hub"
	"liyu1981.xyz/smartplant-service/pkg/iot"
	"liyu1981.xyz/smartplant-service/pkg/models"
)

func logger() *zap.Logger {
	return common.GetLoggerWith(common.LoggerNameGrpcServer)
}

func validateSensorID(sensorID *string) z.ZogIssueList {
	var sensorIDValidator = z.String().Max(64)
	return sensorIDValidator.Validate(sensorID)
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, iot.ErrValidation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, iot.ErrNotFound), errors.Is(err, iot.ErrOwnerUnresolved):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, iot.ErrForbidden):
		return status.Error(codes.PermissionDenied, err.Error())
	}
	logger().Error("Request failed", zap.Error(err))
	return status.Error(codes.Internal, "internal error")
}

// toStruct converts any JSON-encodable value to a protobuf Struct.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func fromStruct(s *structpb.Struct, out any) error {
	raw, err := s.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (s *IOTServer) PostReading(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var input iot.TelemetryInput
	if err := fromStruct(req, &input); err != nil {
		return nil, status.Error(codes.InvalidArgument, fmt.Sprintf("validation error: %v", err))
	}
	if err := validateSensorID(&input.SensorID); err != nil {
		return nil, status.Error(codes.InvalidArgument, fmt.Sprintf("validation error: %v", err))
	}

	reading, err := s.Iot.Telemetry.Ingest(ctx, &input)
	if err != nil {
		return nil, toStatus(err)
	}

	out, err := toStruct(reading)
	if err != nil {
		return nil, toStatus(err)
	}
	return out, nil
}

// addressedTo reports whether a device-room message concerns sensorID.
// Commands without a target are for every device.
func addressedTo(msg hub.Message, sensorID string) bool {
	if sensorID == "" {
		return true
	}
	if cmd, ok := msg.Payload.(models.DeviceCommand); ok && cmd.TargetSensorID != "" {
		return cmd.TargetSensorID == sensorID
	}
	return true
}

// StreamCommands relays the device room (irrigation commands and settings
// updates) to a device that cannot hold a websocket.
func (s *IOTServer) StreamCommands(req *structpb.Struct, stream DeviceGateway_StreamCommandsServer) error {
	sensorID := req.GetFields()["sensorId"].GetStringValue()
	if err := validateSensorID(&sensorID); err != nil {
		return status.Error(codes.InvalidArgument, fmt.Sprintf("validation error: %v", err))
	}

	sub := s.Hub.Subscribe(iot.DeviceRoom())
	defer sub.Close()

	logger().Info("Command stream opened", zap.String("sensorId", sensorID), zap.String("streamId", sub.ID))
	defer logger().Info("Command stream closed", zap.String("sensorId", sensorID), zap.String("streamId", sub.ID))

	for {
		select {
		case <-stream.Context().Done():
			return nil
		case msg, ok := <-sub.C:
			if !ok {
				return status.Error(codes.Unavailable, "command stream dropped")
			}
			if !addressedTo(msg, sensorID) {
				continue
			}
			out, err := toStruct(msg)
			if err != nil {
				logger().Warn("Failed to encode command", zap.String("event", msg.Event), zap.Error(err))
				continue
			}
			if err := stream.Send(out); err != nil {
				return err
			}
		}
	}
}
