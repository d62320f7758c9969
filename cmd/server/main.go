package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"liyu1981.xyz/smartplant-service/pkg/common"
	"liyu1981.xyz/smartplant-service/pkg/db"
	iotGrpc "liyu1981.xyz/smartplant-service/pkg/grpc"
	iotHttp "liyu1981.xyz/smartplant-service/pkg/http"
	"liyu1981.xyz/smartplant-service/pkg/hub"
	"liyu1981.xyz/smartplant-service/pkg/inference"
	"liyu1981.xyz/smartplant-service/pkg/iot"
	"liyu1981.xyz/smartplant-service/pkg/mqtt"
)

func main() {
	cfg, err := common.LoadConfig(".")
	if err != nil {
		log.Fatal(err)
	}

	logger := common.GetLogger()
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbInstance := db.GetInstance(db.UseDialectorFromConfig(cfg))

	eventHub := hub.New(hub.Options{})
	closers := setupSinks(ctx, cfg, eventHub, logger)
	defer func() {
		for _, c := range closers {
			c()
		}
	}()

	blobs, err := iot.NewLocalBlobStore(cfg.UploadDir)
	if err != nil {
		log.Fatalf("failed to prepare upload dir: %v", err)
	}

	limiters := iot.NewRateLimiterStore(rate.Limit(cfg.DefaultRate), cfg.DefaultBurst)

	var inferer iot.Inferer
	if cfg.AIServiceEnabled {
		inferer = inference.NewClient(cfg.AIServiceURL, cfg.AITimeout)
	}

	iotCore := iot.New(*dbInstance, iot.Options{
		Hub:                eventHub,
		Inferer:            inferer,
		Blobs:              blobs,
		Limiters:           limiters,
		AlertCooldown:      cfg.AlertCooldown,
		PumpAlertCooldown:  cfg.PumpAlertCooldown,
		AlertRetention:     cfg.AlertRetention,
		SensorOfflineAfter: cfg.SensorOfflineAfter,
		InferenceEnabled:   cfg.AIServiceEnabled,
		InferenceTimeout:   cfg.AITimeout,
	})

	if restored, err := iotCore.RebuildDedup(ctx); err != nil {
		logger.Warn("Failed to rebuild alert dedup window", zap.Error(err))
	} else {
		logger.Info("Alert dedup window rebuilt", zap.Int("entries", restored))
	}

	logger.Info("IOT core created with:",
		zap.String("default_limiter",
			fmt.Sprintf("{\"default_rate\": %v, \"default_burst\": %v}", cfg.DefaultRate, cfg.DefaultBurst)),
		zap.Bool("inference_enabled", cfg.AIServiceEnabled),
		zap.String("db_type", cfg.DBType))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return eventHub.Run(gctx) })
	g.Go(func() error { return iotCore.RunSweeper(gctx, cfg.SweepInterval) })

	if cfg.GrpcHostPort != "" {
		iotGrpcServer := &iotGrpc.IOTServer{
			Iot:              iotCore,
			Hub:              eventHub,
			RateLimiterStore: limiters,
			DeviceAPIKeys:    cfg.DeviceAPIKeys,
		}
		s, healthServer := iotGrpcServer.NewServer()

		listener, err := net.Listen("tcp", cfg.GrpcHostPort)
		if err != nil {
			log.Fatalf("failed to listen: %v", err)
		}

		g.Go(func() error {
			logger.Info("start gRPC server on " + cfg.GrpcHostPort)
			return s.Serve(listener)
		})
		g.Go(func() error {
			<-gctx.Done()
			healthServer.Shutdown()
			s.GracefulStop()
			return nil
		})
	}

	if cfg.MQTTBroker != "" {
		consumer := &mqtt.TelemetryConsumer{Ingester: iotCore.Telemetry, Limiters: limiters}
		client, err := mqtt.NewClient(mqtt.Options{
			Broker:   cfg.MQTTBroker,
			ClientID: cfg.MQTTClientID + "-telemetry",
			Username: cfg.MQTTUsername,
			Password: cfg.MQTTPassword,
		})
		if err != nil {
			log.Fatalf("mqtt telemetry consumer: %v", err)
		}
		g.Go(func() error { return consumer.Start(gctx, client, cfg.MQTTTelemetryTopic) })
	}

	rs := &iotHttp.RestfulServer{
		Server:           gin.Default(),
		Iot:              iotCore,
		Hub:              eventHub,
		RateLimiterStore: limiters,
		JWTSecret:        []byte(cfg.JWTSecret),
		DeviceAPIKeys:    cfg.DeviceAPIKeys,
		MaxUploadBytes:   cfg.MaxUploadBytes,
		SSEKeepAlive:     cfg.SSEKeepAlive,
	}
	rs.Setup()

	if cfg.JWTSecret == "" {
		logger.Warn(common.EnvKeyIOTJWTSecret + " is not set, owner routes will reject every request")
	}
	if len(cfg.DeviceAPIKeys) == 0 {
		logger.Warn(common.EnvKeyIOTDeviceAPIKeys + " is not set, device routes are open")
	}

	httpServer := rs.NewHTTPServer(gctx, cfg.HttpHostPort)
	g.Go(func() error {
		logger.Info("Starting HTTP server on: " + cfg.HttpHostPort)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped", zap.Error(err))
	}

	// let in-flight analyses record their outcome
	iotCore.Wait()
	logger.Info("server exited")
}

// setupSinks attaches the optional hub mirrors and returns their closers.
func setupSinks(ctx context.Context, cfg *common.Config, eventHub *hub.Hub, logger *zap.Logger) []func() {
	var closers []func()

	if cfg.RedisAddr != "" {
		sink, err := hub.NewRedisStreamSink(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisEventStream)
		if err != nil {
			logger.Warn("Redis event mirror disabled", zap.Error(err))
		} else {
			eventHub.AddSink(sink)
			closers = append(closers, func() { _ = sink.Close() })
		}
	}

	if cfg.MQTTBroker != "" {
		client, err := mqtt.NewClient(mqtt.Options{
			Broker:   cfg.MQTTBroker,
			ClientID: cfg.MQTTClientID + "-commands",
			Username: cfg.MQTTUsername,
			Password: cfg.MQTTPassword,
		})
		if err != nil {
			logger.Warn("MQTT command relay disabled", zap.Error(err))
		} else {
			eventHub.AddSink(&hub.CommandSink{Publisher: client, Topic: cfg.MQTTCommandTopic, Room: iot.DeviceRoom()})
			closers = append(closers, client.Disconnect)
		}
	}

	if cfg.NatsURL != "" {
		sink, err := hub.NewAlertExportSink(cfg.NatsURL, cfg.NatsAlertSubject, iot.EventNewAlert)
		if err != nil {
			logger.Warn("NATS alert export disabled", zap.Error(err))
		} else {
			eventHub.AddSink(sink)
			closers = append(closers, sink.Close)
		}
	}

	return closers
}
