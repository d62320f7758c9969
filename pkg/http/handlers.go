package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	z "github.com/Oudwins/zog"
	"github.com/Oudwins/zog/zhttp"

	"liyu1981.xyz/smartplant-service/pkg/iot"
)

var telemetrySchema = z.Struct(z.Shape{
	"SoilMoisture": z.Ptr(z.Float64()).NotNil(),
	"LightLevel":   z.Ptr(z.Float64()).NotNil(),
	"AirTemp":      z.Ptr(z.Float64()).NotNil(),
	"AirHumidity":  z.Ptr(z.Float64()).NotNil(),
	"PumpState":    z.Ptr(z.Int().OneOf([]int{0, 1})).NotNil(),
})

func (rs *RestfulServer) PostSensorData(c *gin.Context) {
	var req iot.TelemetryInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if errs := telemetrySchema.Validate(&req); errs != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errs})
		return
	}

	limiterKey := req.SensorID
	if limiterKey == "" {
		limiterKey = req.OwnerID
	}
	if !rs.CheckSensorLimiter(limiterKey) {
		c.Status(http.StatusTooManyRequests)
		return
	}

	reading, err := rs.Iot.Telemetry.Ingest(c.Request.Context(), &req)
	if err != nil {
		rs.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, reading)
}

type telemetryQuery struct {
	SensorID string     `form:"sensorId"`
	From     *time.Time `form:"from"`
	To       *time.Time `form:"to"`
	Limit    int        `form:"limit"`
}

func (rs *RestfulServer) GetSensorData(c *gin.Context) {
	var q telemetryQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	readings, err := rs.Iot.Telemetry.History(ownerID(c), iot.TelemetryQuery{
		SensorID: q.SensorID,
		From:     q.From,
		To:       q.To,
		Limit:    q.Limit,
	})
	if err != nil {
		rs.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"count": len(readings), "data": readings})
}

func (rs *RestfulServer) GetLatestData(c *gin.Context) {
	reading, err := rs.Iot.Telemetry.Latest(ownerID(c), c.Query("sensorId"))
	if err != nil {
		rs.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, reading)
}

type statsQuery struct {
	Period string
}

var statsQuerySchema = z.Struct(z.Shape{
	"period": z.String().Default(string(iot.StatsPeriodDay)).OneOf([]string{
		string(iot.StatsPeriodDay),
		string(iot.StatsPeriodWeek),
		string(iot.StatsPeriodMonth),
	}),
})

func (rs *RestfulServer) GetSensorStats(c *gin.Context) {
	var q statsQuery
	if errs := statsQuerySchema.Parse(zhttp.Request(c.Request), &q); errs != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errs})
		return
	}

	stats, err := rs.Iot.Telemetry.Stats(ownerID(c), iot.StatsPeriod(q.Period))
	if err != nil {
		rs.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, stats)
}

var sensorSchema = z.Struct(z.Shape{
	"ID":       z.String().Max(64),
	"Name":     z.String().Required().Max(100),
	"Location": z.String().Max(200),
})

func (rs *RestfulServer) RegisterSensor(c *gin.Context) {
	var req iot.SensorInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if errs := sensorSchema.Validate(&req); errs != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errs})
		return
	}

	sensor, err := rs.Iot.Device.RegisterSensor(ownerID(c), &req)
	if err != nil {
		rs.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, sensor)
}

type autoRegisterRequest struct {
	iot.SensorInput
	OwnerID string `json:"ownerId"`
}

// AutoRegisterSensor lets a device announce itself for an owner it was
// provisioned with.
func (rs *RestfulServer) AutoRegisterSensor(c *gin.Context) {
	var req autoRegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if errs := sensorSchema.Validate(&req.SensorInput); errs != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errs})
		return
	}

	sensor, err := rs.Iot.Device.RegisterSensor(req.OwnerID, &req.SensorInput)
	if err != nil {
		rs.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, sensor)
}

func (rs *RestfulServer) ListSensors(c *gin.Context) {
	sensors, err := rs.Iot.Device.ListSensors(ownerID(c))
	if err != nil {
		rs.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, sensors)
}

func (rs *RestfulServer) GetSensor(c *gin.Context) {
	sensor, err := rs.Iot.Device.GetSensor(c.Param("sensor_id"), ownerID(c))
	if err != nil {
		rs.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, sensor)
}

var sensorUpdateSchema = z.Struct(z.Shape{
	"Name":     z.Ptr(z.String().Max(100)),
	"Location": z.Ptr(z.String().Max(200)),
})

func (rs *RestfulServer) UpdateSensor(c *gin.Context) {
	var req iot.SensorUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if errs := sensorUpdateSchema.Validate(&req); errs != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errs})
		return
	}

	sensor, err := rs.Iot.Device.UpdateSensor(c.Param("sensor_id"), ownerID(c), &req)
	if err != nil {
		rs.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, sensor)
}

func (rs *RestfulServer) DeleteSensor(c *gin.Context) {
	if err := rs.Iot.Device.DeleteSensor(c.Param("sensor_id"), ownerID(c)); err != nil {
		rs.respondError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

type LimiterRequest struct {
	Rate  float64 `json:"rate"`
	Burst int     `json:"burst"`
}

var limiterRequestSchema = z.Struct(z.Shape{
	"rate":  z.Float64().Required(),
	"burst": z.Int().Required(),
})

func (rs *RestfulServer) PostLimiter(c *gin.Context) {
	sensorID := c.Param("sensor_id")

	if _, err := rs.Iot.Device.ResolveOwner(sensorID, ownerID(c)); err != nil {
		rs.respondError(c, err)
		return
	}

	var req LimiterRequest
	if err := limiterRequestSchema.Parse(zhttp.Request(c.Request), &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err})
		return
	}

	rs.SetLimiter(sensorID, req.Rate, req.Burst)

	c.Status(http.StatusOK)
}

func (rs *RestfulServer) GetProfile(c *gin.Context) {
	profile, err := rs.Iot.Profile.GetProfile(ownerID(c))
	if err != nil {
		rs.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, profile)
}

var profileSchema = z.Struct(z.Shape{
	"SoilMoistureThreshold": z.Ptr(z.Float64().GTE(0)),
})

func (rs *RestfulServer) UpdateProfile(c *gin.Context) {
	var req iot.ProfileInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if errs := profileSchema.Validate(&req); errs != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errs})
		return
	}

	profile, err := rs.Iot.Profile.UpdateProfile(ownerID(c), &req)
	if err != nil {
		rs.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, profile)
}

var irrigationSchema = z.Struct(z.Shape{
	"TargetSensorID": z.String().Max(64),
	"Duration":       z.Int().GTE(0),
})

func (rs *RestfulServer) PostIrrigation(c *gin.Context) {
	var req iot.IrrigationInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if errs := irrigationSchema.Validate(&req); errs != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errs})
		return
	}

	event, err := rs.Iot.Device.Irrigate(c.Request.Context(), ownerID(c), &req)
	if err != nil {
		rs.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, event)
}

type limitQuery struct {
	Limit int
}

var limitQuerySchema = z.Struct(z.Shape{
	"limit": z.Int().GTE(0),
})

func parseLimit(c *gin.Context) (int, bool) {
	var q limitQuery
	if errs := limitQuerySchema.Parse(zhttp.Request(c.Request), &q); errs != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errs})
		return 0, false
	}
	return q.Limit, true
}

func (rs *RestfulServer) GetIrrigationHistory(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}

	events, err := rs.Iot.Device.IrrigationHistory(ownerID(c), limit)
	if err != nil {
		rs.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, events)
}

func (rs *RestfulServer) DeleteIrrigationEvent(c *gin.Context) {
	if err := rs.Iot.Device.DeleteIrrigationEvent(c.Param("event_id"), ownerID(c)); err != nil {
		rs.respondError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (rs *RestfulServer) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
