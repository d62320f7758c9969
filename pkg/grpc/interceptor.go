package grpc

import (
	"context"
	"crypto/subtle"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"liyu1981.xyz/smartplant-service/pkg/common"
)

// metadataAPIKey carries the device key, the gRPC counterpart of the
// X-API-Key header.
const metadataAPIKey = "x-api-key"

func methodSet(methods []string) map[string]bool {
	return common.Reducer(methods,
		func(m map[string]bool, method string) map[string]bool {
			m[method] = true
			return m
		},
		map[string]bool{},
	)
}

// limiterKeyOf picks the limiter key of a reading: its sensor, else its
// owner.
func limiterKeyOf(req any) string {
	s, ok := req.(*structpb.Struct)
	if !ok {
		return ""
	}
	fields := s.GetFields()
	return common.Coalesce(fields["sensorId"].GetStringValue(), fields["ownerId"].GetStringValue())
}

func (i *IOTServer) CreateRateLimitInterceptor(targetMethods []string) grpc.UnaryServerInterceptor {
	targetMethodMap := methodSet(targetMethods)

	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		if targetMethodMap[info.FullMethod] {
			if key := limiterKeyOf(req); key != "" && !i.CheckSensorLimiter(key) {
				common.GetLoggerWith(common.LoggerNameGrpcServer).Debug("Rate limit exceeded",
					zap.String("method", info.FullMethod),
					zap.String("limiterKey", key))
				return nil, status.Errorf(codes.ResourceExhausted, "rate limit exceeded")
			}
		}

		return handler(ctx, req)
	}
}

func (i *IOTServer) authorizeDevice(ctx context.Context, method string) error {
	if len(i.DeviceAPIKeys) == 0 {
		return nil
	}

	md, _ := metadata.FromIncomingContext(ctx)
	for _, presented := range md.Get(metadataAPIKey) {
		for _, key := range i.DeviceAPIKeys {
			if subtle.ConstantTimeCompare([]byte(presented), []byte(key)) == 1 {
				return nil
			}
		}
	}

	common.GetLoggerWith(common.LoggerNameGrpcServer).Debug("Device key rejected", zap.String("method", method))
	return status.Error(codes.Unauthenticated, "invalid device key")
}

func (i *IOTServer) CreateDeviceAuthInterceptor(targetMethods []string) grpc.UnaryServerInterceptor {
	targetMethodMap := methodSet(targetMethods)

	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		if targetMethodMap[info.FullMethod] {
			if err := i.authorizeDevice(ctx, info.FullMethod); err != nil {
				return nil, err
			}
		}

		return handler(ctx, req)
	}
}

func (i *IOTServer) CreateDeviceAuthStreamInterceptor(targetMethods []string) grpc.StreamServerInterceptor {
	targetMethodMap := methodSet(targetMethods)

	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		if targetMethodMap[info.FullMethod] {
			if err := i.authorizeDevice(ss.Context(), info.FullMethod); err != nil {
				return err
			}
		}

		return handler(srv, ss)
	}
}
