package grpc

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"liyu1981.xyz/smartplant-service/pkg/common"
	"liyu1981.xyz/smartplant-service/pkg/db"
	"liyu1981.xyz/smartplant-service/pkg/hub"
	"liyu1981.xyz/smartplant-service/pkg/iot"
	"liyu1981.xyz/smartplant-service/pkg/models"
	_ "liyu1981.xyz/smartplant-service/pkg/testing"
)

const bufSize = 1024 * 1024

type testServer struct {
	client *DeviceGatewayClient
	conn   *grpc.ClientConn
	iot    *IOTServer
}

func startTestServer(t *testing.T, limiterStore *iot.RateLimiterStore, deviceKeys ...string) *testServer {
	t.Helper()
	common.SetTestLoggerNop()

	listener := bufconn.Listen(bufSize)

	h := hub.New(hub.Options{})
	iotCore := iot.New(*db.GetInstance(db.UseMemorySqliteDialector()), iot.Options{Hub: h})
	t.Cleanup(iotCore.Wait)

	iotServer := &IOTServer{Iot: iotCore, Hub: h, RateLimiterStore: limiterStore, DeviceAPIKeys: deviceKeys}
	server, _ := iotServer.NewServer()

	go func() {
		_ = server.Serve(listener)
	}()
	t.Cleanup(server.Stop)

	conn, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(func(ctx context.Context, s string) (net.Conn, error) {
			return listener.Dial()
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return &testServer{client: NewDeviceGatewayClient(conn), conn: conn, iot: iotServer}
}

func readingStruct(t *testing.T, fields map[string]any) *structpb.Struct {
	t.Helper()
	base := map[string]any{
		"soilMoisture": 600.0,
		"lightLevel":   1000.0,
		"airTemp":      20.0,
		"airHumidity":  50.0,
		"pumpState":    0.0,
	}
	for k, v := range fields {
		if v == nil {
			delete(base, k)
			continue
		}
		base[k] = v
	}
	s, err := structpb.NewStruct(base)
	require.NoError(t, err)
	return s
}

func TestPostReadingRaisesAlert(t *testing.T) {
	ts := startTestServer(t, nil)
	owner := uuid.NewString()
	sensorID := "grpc-" + owner[:8]

	_, err := ts.iot.Iot.Device.RegisterSensor(owner, &iot.SensorInput{ID: sensorID, Name: "Kitchen"})
	require.NoError(t, err)

	resp, err := ts.client.PostReading(context.Background(), readingStruct(t, map[string]any{
		"sensorId":     sensorID,
		"soilMoisture": 150.0,
	}))
	require.NoError(t, err)
	assert.Equal(t, owner, resp.GetFields()["ownerId"].GetStringValue())
	assert.Equal(t, 150.0, resp.GetFields()["soilMoisture"].GetNumberValue())

	page, err := ts.iot.Iot.Alert.ListAlerts(owner, iot.AlertFilter{})
	require.NoError(t, err)
	require.Len(t, page.Alerts, 1)
	assert.Equal(t, models.SeverityCritical, page.Alerts[0].Severity)
}

func TestPostReadingEdgeCases(t *testing.T) {
	ts := startTestServer(t, nil)
	owner := uuid.NewString()

	cases := []struct {
		name   string
		fields map[string]any
		code   codes.Code
	}{
		{"missing pump state", map[string]any{"ownerId": owner, "pumpState": nil}, codes.InvalidArgument},
		{"fractional pump state", map[string]any{"ownerId": owner, "pumpState": 0.5}, codes.InvalidArgument},
		{"sensor id too long", map[string]any{"ownerId": owner, "sensorId": strings.Repeat("x", 65)}, codes.InvalidArgument},
		{"unresolved owner", map[string]any{"sensorId": "ghost-" + owner[:8]}, codes.NotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ts.client.PostReading(context.Background(), readingStruct(t, tc.fields))
			require.Error(t, err)
			assert.Equal(t, tc.code, status.Code(err))
		})
	}
}

func TestRateLimitInterceptor_PostReading(t *testing.T) {
	limiterStore := iot.NewRateLimiterStore(rate.Limit(0.001), 2)
	ts := startTestServer(t, limiterStore)

	ctx := context.Background()
	owner := uuid.NewString()
	sensorID := "rl-" + owner[:8]
	_, err := ts.iot.Iot.Device.RegisterSensor(owner, &iot.SensorInput{ID: sensorID, Name: "Limited"})
	require.NoError(t, err)

	req := readingStruct(t, map[string]any{"sensorId": sensorID})

	// First 2 requests should pass
	for i := range 2 {
		_, err := ts.client.PostReading(ctx, req)
		require.NoError(t, err, "expected request %d to pass", i+1)
	}

	_, err = ts.client.PostReading(ctx, req)
	require.Error(t, err, "expected third request to be rate limited")
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))

	// limits are per sensor
	_, err = ts.client.PostReading(ctx, readingStruct(t, map[string]any{"ownerId": owner, "sensorId": "other-" + owner[:8]}))
	assert.NoError(t, err)
}

func TestStreamCommands(t *testing.T) {
	ts := startTestServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := structpb.NewStruct(map[string]any{"sensorId": "s1"})
	require.NoError(t, err)
	stream, err := ts.client.StreamCommands(ctx, req)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return ts.iot.Hub.RoomSize(iot.DeviceRoom()) == 1
	}, time.Second, 5*time.Millisecond)

	issuedAt := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	ts.iot.Hub.Publish(iot.DeviceRoom(), iot.EventIrrigationCommand, models.DeviceCommand{
		TargetSensorID: "s2", Action: models.IrrigationOn, IssuedBy: "owner-1", IssuedAt: issuedAt,
	})
	ts.iot.Hub.Publish(iot.DeviceRoom(), iot.EventIrrigationCommand, models.DeviceCommand{
		TargetSensorID: "s1", Action: models.IrrigationOff, IssuedBy: "owner-1", IssuedAt: issuedAt,
	})
	ts.iot.Hub.Publish(iot.DeviceRoom(), iot.EventSettingsUpdate, map[string]any{
		"ownerId":  "owner-1",
		"settings": models.SensorConfig{SoilMoistureThreshold: 400, AutoIrrigation: true},
	})

	first, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, iot.EventIrrigationCommand, first.GetFields()["event"].GetStringValue())
	payload := first.GetFields()["payload"].GetStructValue().GetFields()
	assert.Equal(t, "s1", payload["targetSensorId"].GetStringValue())
	assert.Equal(t, string(models.IrrigationOff), payload["action"].GetStringValue())

	second, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, iot.EventSettingsUpdate, second.GetFields()["event"].GetStringValue())

	cancel()
	assert.Eventually(t, func() bool {
		return ts.iot.Hub.RoomSize(iot.DeviceRoom()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHealthService(t *testing.T) {
	ts := startTestServer(t, nil)

	resp, err := healthpb.NewHealthClient(ts.conn).Check(context.Background(), &healthpb.HealthCheckRequest{
		Service: DeviceGatewayServiceName,
	})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestRateLimitInterceptor_OwnerOnlyReadings(t *testing.T) {
	limiterStore := iot.NewRateLimiterStore(rate.Limit(0.001), 1)
	ts := startTestServer(t, limiterStore)

	ctx := context.Background()
	owner := uuid.NewString()

	_, err := ts.client.PostReading(ctx, readingStruct(t, map[string]any{"ownerId": owner}))
	require.NoError(t, err)

	_, err = ts.client.PostReading(ctx, readingStruct(t, map[string]any{"ownerId": owner}))
	require.Error(t, err)
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))

	_, err = ts.client.PostReading(ctx, readingStruct(t, map[string]any{"ownerId": uuid.NewString()}))
	assert.NoError(t, err)
}

func TestDeviceKeyInterceptors(t *testing.T) {
	const deviceKey = "device-key-1"
	ts := startTestServer(t, nil, deviceKey)
	owner := uuid.NewString()
	req := readingStruct(t, map[string]any{"ownerId": owner})

	_, err := ts.client.PostReading(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	wrong := metadata.AppendToOutgoingContext(context.Background(), metadataAPIKey, "nope")
	_, err = ts.client.PostReading(wrong, req)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	authed := metadata.AppendToOutgoingContext(context.Background(), metadataAPIKey, deviceKey)
	_, err = ts.client.PostReading(authed, req)
	require.NoError(t, err)

	streamReq, err := structpb.NewStruct(map[string]any{"sensorId": "s1"})
	require.NoError(t, err)
	stream, err := ts.client.StreamCommands(context.Background(), streamReq)
	if err == nil {
		_, err = stream.Recv()
	}
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	ctx, cancel := context.WithTimeout(authed, 5*time.Second)
	defer cancel()
	_, err = ts.client.StreamCommands(ctx, streamReq)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return ts.iot.Hub.RoomSize(iot.DeviceRoom()) == 1
	}, time.Second, 5*time.Millisecond)

	// health checks need no key
	resp, err := healthpb.NewHealthClient(ts.conn).Check(context.Background(), &healthpb.HealthCheckRequest{
		Service: DeviceGatewayServiceName,
	})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}
