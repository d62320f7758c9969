package common

const (
	EnvKeyGoEnv string = "GO_ENV"

	EnvKeyRunIntegrationTests string = "RUN_INTEGRATION_TESTS"

	EnvKeyIOTDBType string = "IOT_DB_TYPE"
	EnvKeyIOTDbPath string = "IOT_DB_PATH"
	EnvKeyIOTDbDSN  string = "IOT_DB_DSN"

	EnvKeyIOTHttpHostPort string = "IOT_HTTP_HOST_PORT"
	EnvKeyIOTGrpcHostPort string = "IOT_GRPC_HOST_PORT"

	EnvKeyIOTDefaultRate  string = "IOT_DEFAULT_RATE"
	EnvKeyIOTDefaultBurst string = "IOT_DEFAULT_BURST"

	EnvKeyIOTLogDir   string = "IOT_LOG_DIR"
	EnvKeyIOTLogLevel string = "IOT_LOG_LEVEL"

	EnvKeyIOTJWTSecret      string = "IOT_JWT_SECRET"
	EnvKeyIOTDeviceAPIKeys  string = "IOT_DEVICE_API_KEYS"
	EnvKeyIOTUploadDir      string = "IOT_UPLOAD_DIR"
	EnvKeyIOTMaxUploadBytes string = "IOT_MAX_UPLOAD_BYTES"

	EnvKeyAIServiceEnabled string = "AI_SERVICE_ENABLED"
	EnvKeyAIServiceURL     string = "AI_SERVICE_URL"
	EnvKeyAITimeout        string = "AI_TIMEOUT"

	EnvKeyAlertCooldown      string = "ALERT_COOLDOWN"
	EnvKeyPumpAlertCooldown  string = "PUMP_ALERT_COOLDOWN"
	EnvKeyAlertRetention     string = "ALERT_RETENTION"
	EnvKeySensorOfflineAfter string = "SENSOR_OFFLINE_AFTER"
	EnvKeySweepInterval      string = "SWEEP_INTERVAL"
	EnvKeySSEKeepAlive       string = "SSE_KEEPALIVE"

	EnvKeyRedisAddr        string = "REDIS_ADDR"
	EnvKeyRedisPassword    string = "REDIS_PASSWORD"
	EnvKeyRedisDB          string = "REDIS_DB"
	EnvKeyRedisEventStream string = "REDIS_EVENT_STREAM"

	EnvKeyMQTTBroker         string = "MQTT_BROKER"
	EnvKeyMQTTClientID       string = "MQTT_CLIENT_ID"
	EnvKeyMQTTUsername       string = "MQTT_USERNAME"
	EnvKeyMQTTPassword       string = "MQTT_PASSWORD"
	EnvKeyMQTTTelemetryTopic string = "MQTT_TELEMETRY_TOPIC"
	EnvKeyMQTTCommandTopic   string = "MQTT_COMMAND_TOPIC"

	EnvKeyNatsURL          string = "NATS_URL"
	EnvKeyNatsAlertSubject string = "NATS_ALERT_SUBJECT"

	LoggerNameIOTCore       string = "iot_core"
	LoggerNameRestfulServer string = "restful_server"
	LoggerNameGrpcServer    string = "grpc_server"
	LoggerNameHub           string = "hub"
	LoggerNameInference     string = "inference"
	LoggerNameMQTT          string = "mqtt"

	LoggerFieldIOTCategory     string = "category"
	LoggerCategoryIOTTelemetry string = "telemetry"
	LoggerCategoryIOTAlert     string = "alert"
	LoggerCategoryIOTDedup     string = "dedup"
	LoggerCategoryIOTProfile   string = "profile"
	LoggerCategoryIOTImage     string = "image"
	LoggerCategoryIOTAnalysis  string = "analysis"
	LoggerCategoryIOTDevice    string = "device"
	LoggerCategoryIOTSweeper   string = "sweeper"
)
