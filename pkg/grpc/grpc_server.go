package grpc

import (
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"liyu1981.xyz/smartplant-service/pkg/hub"
	"liyu1981.xyz/smartplant-service/pkg/iot"
)

type IOTServer struct {
	Iot              *iot.IOT
	Hub              *hub.Hub
	RateLimiterStore *iot.RateLimiterStore

	// DeviceAPIKeys gates the device gateway. Empty leaves it open.
	DeviceAPIKeys []string
}

func (i *IOTServer) GetLimiter(sensorID string) *rate.Limiter {
	if i.RateLimiterStore == nil {
		return nil
	} else {
		return i.RateLimiterStore.GetLimiter(sensorID)
	}
}

func (i *IOTServer) CheckSensorLimiter(sensorID string) bool {
	limiter := i.GetLimiter(sensorID)
	if limiter == nil {
		return true
	}
	return limiter.Allow()
}

// NewServer builds a grpc.Server carrying the device gateway, keyed by
// device API key and rate limited on PostReading, and the standard health
// service, which stays open.
func (i *IOTServer) NewServer(opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	deviceMethods := []string{PostReadingMethod, StreamCommandsMethod}
	opts = append(opts,
		grpc.ChainUnaryInterceptor(
			i.CreateDeviceAuthInterceptor(deviceMethods),
			i.CreateRateLimitInterceptor([]string{PostReadingMethod}),
		),
		grpc.ChainStreamInterceptor(i.CreateDeviceAuthStreamInterceptor(deviceMethods)),
	)
	server := grpc.NewServer(opts...)
	RegisterDeviceGatewayServer(server, i)

	healthServer := health.NewServer()
	healthServer.SetServingStatus(DeviceGatewayServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, healthServer)

	return server, healthServer
}
