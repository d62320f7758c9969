package http

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"liyu1981.xyz/smartplant-service/pkg/common"
	"liyu1981.xyz/smartplant-service/pkg/hub"
	"liyu1981.xyz/smartplant-service/pkg/iot"
)

type RestfulServer struct {
	Server           *gin.Engine
	Iot              *iot.IOT
	Hub              *hub.Hub
	RateLimiterStore *iot.RateLimiterStore

	JWTSecret      []byte
	DeviceAPIKeys  []string
	MaxUploadBytes int64
	SSEKeepAlive   time.Duration
}

func (rs *RestfulServer) logger() *zap.Logger {
	return common.GetLoggerWith(common.LoggerNameRestfulServer)
}

func (rs *RestfulServer) GetLimiter(sensorID string) *rate.Limiter {
	if rs.RateLimiterStore == nil {
		return nil
	} else {
		return rs.RateLimiterStore.GetLimiter(sensorID)
	}
}

func (rs *RestfulServer) CheckSensorLimiter(sensorID string) bool {
	limiter := rs.GetLimiter(sensorID)
	if limiter == nil {
		return true
	}
	return limiter.Allow()
}

func (rs *RestfulServer) SetLimiter(sensorID string, sensorRate float64, sensorBurst int) {
	if rs.RateLimiterStore == nil {
		return
	}
	rs.RateLimiterStore.SetLimiter(sensorID, rate.Limit(sensorRate), sensorBurst)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, iot.ErrValidation), errors.Is(err, iot.ErrInferenceDisabled):
		return http.StatusBadRequest
	case errors.Is(err, iot.ErrNotFound), errors.Is(err, iot.ErrOwnerUnresolved):
		return http.StatusNotFound
	case errors.Is(err, iot.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, iot.ErrAnalysisInFlight):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (rs *RestfulServer) respondError(c *gin.Context, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		rs.logger().Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(code, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

// NewHTTPServer serves the router on addr. Every request context derives
// from ctx, so cancelling it ends long-lived streams that Shutdown would
// otherwise wait on.
func (rs *RestfulServer) NewHTTPServer(ctx context.Context, addr string) *http.Server {
	return &http.Server{
		Addr:        addr,
		Handler:     rs.Server,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
}

func (rs *RestfulServer) Setup() {
	rs.Server.GET("/healthz", rs.HealthCheck)

	api := rs.Server.Group("/api")

	device := api.Group("", rs.DeviceAuth())
	{
		device.POST("/sensor/data", rs.PostSensorData)
		device.POST("/sensors/auto-register", rs.AutoRegisterSensor)
		device.POST("/images/upload-auto", rs.UploadAutoImage)
		device.POST("/analysis/receive", rs.ReceiveAnalysis)
	}

	owner := api.Group("", rs.OwnerAuth())
	{
		owner.GET("/sensor/data", rs.GetSensorData)
		owner.GET("/sensor/latest", rs.GetLatestData)
		owner.GET("/sensor/stats", rs.GetSensorStats)

		owner.GET("/sensors", rs.ListSensors)
		owner.POST("/sensors", rs.RegisterSensor)
		owner.GET("/sensors/:sensor_id", rs.GetSensor)
		owner.PUT("/sensors/:sensor_id", rs.UpdateSensor)
		owner.DELETE("/sensors/:sensor_id", rs.DeleteSensor)
		owner.POST("/sensors/:sensor_id/limiter", rs.PostLimiter)

		owner.GET("/profile", rs.GetProfile)
		owner.PUT("/profile", rs.UpdateProfile)

		owner.POST("/irrigation", rs.PostIrrigation)
		owner.GET("/irrigation/history", rs.GetIrrigationHistory)
		owner.DELETE("/irrigation/history/:event_id", rs.DeleteIrrigationEvent)
	}

	alerts := owner.Group("/alerts")
	{
		alerts.GET("", rs.GetAlerts)
		alerts.GET("/summary", rs.GetAlertSummary)
		alerts.GET("/critical", rs.GetCriticalAlerts)
		alerts.GET("/export", rs.ExportAlerts)
		alerts.GET("/stream", rs.StreamAlerts)
		alerts.GET("/:alert_id", rs.GetAlert)
		alerts.PUT("/read-all", rs.MarkAllAlertsRead)
		alerts.PUT("/:alert_id/read", rs.MarkAlertRead)
		alerts.POST("/:alert_id/snooze", rs.SnoozeAlert)
		alerts.DELETE("/clear", rs.ClearReadAlerts)
		alerts.DELETE("/:alert_id", rs.DeleteAlert)
	}

	reminders := owner.Group("/reminders")
	{
		reminders.GET("", rs.ListReminders)
		reminders.POST("", rs.CreateReminder)
		reminders.DELETE("/:reminder_id", rs.CancelReminder)
	}

	images := owner.Group("/images")
	{
		images.POST("/upload-manual", rs.UploadManualImage)
		images.GET("/list", rs.ListImages)
		images.GET("/stats", rs.GetImageStats)
		images.GET("/ai-status", rs.GetAIStatus)
		images.GET("/:image_id", rs.GetImage)
		images.GET("/:image_id/file", rs.GetImageFile)
		images.POST("/:image_id/reanalyze", rs.ReanalyzeImage)
		images.DELETE("/:image_id", rs.DeleteImage)
	}

	analysis := owner.Group("/analysis")
	{
		analysis.GET("/history", rs.GetAnalysisHistory)
		analysis.GET("/stats", rs.GetAnalysisStats)
		analysis.GET("/:analysis_id", rs.GetAnalysis)
		analysis.DELETE("/:analysis_id", rs.DeleteAnalysis)
	}

	rs.Server.GET("/ws", rs.OwnerAuth(), rs.ServeOwnerSocket)
	rs.Server.GET("/ws/device", rs.DeviceAuth(), rs.ServeDeviceSocket)
}
