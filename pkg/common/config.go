package common

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	DBType string
	DBPath string
	DBDSN  string

	HttpHostPort string
	GrpcHostPort string

	DefaultRate  float64
	DefaultBurst int

	JWTSecret      string
	DeviceAPIKeys  []string
	UploadDir      string
	MaxUploadBytes int64

	AIServiceEnabled bool
	AIServiceURL     string
	AITimeout        time.Duration

	AlertCooldown      time.Duration
	PumpAlertCooldown  time.Duration
	AlertRetention     time.Duration
	SensorOfflineAfter time.Duration
	SweepInterval      time.Duration
	SSEKeepAlive       time.Duration

	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	RedisEventStream string

	MQTTBroker         string
	MQTTClientID       string
	MQTTUsername       string
	MQTTPassword       string
	MQTTTelemetryTopic string
	MQTTCommandTopic   string

	NatsURL          string
	NatsAlertSubject string
}

func setConfigDefaults(v *viper.Viper) {
	v.SetDefault(EnvKeyIOTDBType, "file")
	v.SetDefault(EnvKeyIOTDbPath, "smartplant.db")
	v.SetDefault(EnvKeyIOTHttpHostPort, ":1080")
	v.SetDefault(EnvKeyIOTDefaultRate, 5.0)
	v.SetDefault(EnvKeyIOTDefaultBurst, 10)
	v.SetDefault(EnvKeyIOTUploadDir, "uploads/plant-images")
	v.SetDefault(EnvKeyIOTMaxUploadBytes, 10*1024*1024)

	v.SetDefault(EnvKeyAIServiceEnabled, true)
	v.SetDefault(EnvKeyAIServiceURL, "http://localhost:5001")
	v.SetDefault(EnvKeyAITimeout, 30*time.Second)

	v.SetDefault(EnvKeyAlertCooldown, 30*time.Minute)
	v.SetDefault(EnvKeyPumpAlertCooldown, 5*time.Minute)
	v.SetDefault(EnvKeyAlertRetention, 90*24*time.Hour)
	v.SetDefault(EnvKeySensorOfflineAfter, 5*time.Minute)
	v.SetDefault(EnvKeySweepInterval, time.Minute)
	v.SetDefault(EnvKeySSEKeepAlive, 30*time.Second)

	v.SetDefault(EnvKeyRedisEventStream, "smartplant:events")
	v.SetDefault(EnvKeyMQTTClientID, "smartplant-service")
	v.SetDefault(EnvKeyMQTTTelemetryTopic, "smartplant/+/telemetry")
	v.SetDefault(EnvKeyMQTTCommandTopic, "smartplant/devices/commands")
	v.SetDefault(EnvKeyNatsAlertSubject, "smartplant.alerts")
}

// LoadConfig reads .env (required only in development), an optional
// smartplant.yaml from configDir, and the process environment, in
// increasing order of precedence.
func LoadConfig(configDir string) (*Config, error) {
	if err := godotenv.Load(); err != nil && IsDevelopment() {
		return nil, fmt.Errorf("error loading .env file, copy .env.example to .env first if in development: %w", err)
	}

	v := viper.New()
	setConfigDefaults(v)
	v.AutomaticEnv()

	if configDir != "" {
		v.SetConfigName("smartplant")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		}
	}

	return configFromViper(v)
}

func configFromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		DBType: strings.TrimSpace(v.GetString(EnvKeyIOTDBType)),
		DBPath: v.GetString(EnvKeyIOTDbPath),
		DBDSN:  v.GetString(EnvKeyIOTDbDSN),

		HttpHostPort: strings.TrimSpace(v.GetString(EnvKeyIOTHttpHostPort)),
		GrpcHostPort: strings.TrimSpace(v.GetString(EnvKeyIOTGrpcHostPort)),

		DefaultRate:  v.GetFloat64(EnvKeyIOTDefaultRate),
		DefaultBurst: v.GetInt(EnvKeyIOTDefaultBurst),

		JWTSecret:      v.GetString(EnvKeyIOTJWTSecret),
		DeviceAPIKeys:  splitList(v.GetString(EnvKeyIOTDeviceAPIKeys)),
		UploadDir:      v.GetString(EnvKeyIOTUploadDir),
		MaxUploadBytes: v.GetInt64(EnvKeyIOTMaxUploadBytes),

		AIServiceEnabled: v.GetBool(EnvKeyAIServiceEnabled),
		AIServiceURL:     strings.TrimRight(v.GetString(EnvKeyAIServiceURL), "/"),
		AITimeout:        v.GetDuration(EnvKeyAITimeout),

		AlertCooldown:      v.GetDuration(EnvKeyAlertCooldown),
		PumpAlertCooldown:  v.GetDuration(EnvKeyPumpAlertCooldown),
		AlertRetention:     v.GetDuration(EnvKeyAlertRetention),
		SensorOfflineAfter: v.GetDuration(EnvKeySensorOfflineAfter),
		SweepInterval:      v.GetDuration(EnvKeySweepInterval),
		SSEKeepAlive:       v.GetDuration(EnvKeySSEKeepAlive),

		RedisAddr:        v.GetString(EnvKeyRedisAddr),
		RedisPassword:    v.GetString(EnvKeyRedisPassword),
		RedisDB:          v.GetInt(EnvKeyRedisDB),
		RedisEventStream: v.GetString(EnvKeyRedisEventStream),

		MQTTBroker:         v.GetString(EnvKeyMQTTBroker),
		MQTTClientID:       v.GetString(EnvKeyMQTTClientID),
		MQTTUsername:       v.GetString(EnvKeyMQTTUsername),
		MQTTPassword:       v.GetString(EnvKeyMQTTPassword),
		MQTTTelemetryTopic: v.GetString(EnvKeyMQTTTelemetryTopic),
		MQTTCommandTopic:   v.GetString(EnvKeyMQTTCommandTopic),

		NatsURL:          v.GetString(EnvKeyNatsURL),
		NatsAlertSubject: v.GetString(EnvKeyNatsAlertSubject),
	}

	switch cfg.DBType {
	case "file", "memory":
	case "postgres":
		if cfg.DBDSN == "" {
			return nil, fmt.Errorf("%s is required when %s=postgres", EnvKeyIOTDbDSN, EnvKeyIOTDBType)
		}
	default:
		return nil, fmt.Errorf("unknown %s: %q", EnvKeyIOTDBType, cfg.DBType)
	}

	if cfg.DefaultRate < 0 || cfg.DefaultBurst < 0 {
		return nil, fmt.Errorf("invalid limiter defaults: rate=%v burst=%v", cfg.DefaultRate, cfg.DefaultBurst)
	}

	if cfg.AITimeout <= 0 {
		return nil, fmt.Errorf("%s must be positive", EnvKeyAITimeout)
	}

	if cfg.SweepInterval <= 0 {
		return nil, fmt.Errorf("%s must be a positive duration", EnvKeySweepInterval)
	}

	return cfg, nil
}

func splitList(raw string) []string {
	parts := Mapper(strings.Split(raw, ","), strings.TrimSpace)
	return Filter(parts, func(s string) bool { return s != "" })
}
