package iot

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"liyu1981.xyz/smartplant-service/pkg/common"
	"liyu1981.xyz/smartplant-service/pkg/models"
)

// TelemetryInput is the ingest payload shared by HTTP, gRPC and MQTT.
// Measurements are pointers so a missing field can be told apart from zero.
type TelemetryInput struct {
	OwnerID      string     `json:"ownerId"`
	SensorID     string     `json:"sensorId"`
	SoilMoisture *float64   `json:"soilMoisture"`
	LightLevel   *float64   `json:"lightLevel"`
	AirTemp      *float64   `json:"airTemp"`
	AirHumidity  *float64   `json:"airHumidity"`
	PumpState    *int       `json:"pumpState"`
	CapturedAt   *time.Time `json:"capturedAt"`
}

func (in *TelemetryInput) Validate() error {
	var problems []string

	fields := []struct {
		name  string
		value *float64
	}{
		{"soilMoisture", in.SoilMoisture},
		{"lightLevel", in.LightLevel},
		{"airTemp", in.AirTemp},
		{"airHumidity", in.AirHumidity},
	}
	for _, f := range fields {
		switch {
		case f.value == nil:
			problems = append(problems, f.name+" is required")
		case math.IsNaN(*f.value) || math.IsInf(*f.value, 0):
			problems = append(problems, f.name+" must be a finite number")
		}
	}

	if in.PumpState == nil {
		problems = append(problems, "pumpState is required")
	} else if *in.PumpState != 0 && *in.PumpState != 1 {
		problems = append(problems, "pumpState must be 0 or 1")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(problems, ", "))
	}
	return nil
}

type TelemetryQuery struct {
	SensorID string
	From     *time.Time
	To       *time.Time
	Limit    int
}

type StatsPeriod string

const (
	StatsPeriodDay   StatsPeriod = "24h"
	StatsPeriodWeek  StatsPeriod = "7d"
	StatsPeriodMonth StatsPeriod = "30d"
)

func (p StatsPeriod) Duration() (time.Duration, bool) {
	switch p {
	case StatsPeriodDay:
		return 24 * time.Hour, true
	case StatsPeriodWeek:
		return 7 * 24 * time.Hour, true
	case StatsPeriodMonth:
		return 30 * 24 * time.Hour, true
	}
	return 0, false
}

type TelemetryAggregate struct {
	Avg float64 `json:"avg"`
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

type TelemetryStats struct {
	Period          StatsPeriod        `json:"period"`
	From            time.Time          `json:"from"`
	To              time.Time          `json:"to"`
	TotalReadings   int64              `json:"totalReadings"`
	PumpActivations int64              `json:"pumpActivations"`
	SoilMoisture    TelemetryAggregate `json:"soilMoisture"`
	LightLevel      TelemetryAggregate `json:"lightLevel"`
	AirTemp         TelemetryAggregate `json:"airTemp"`
	AirHumidity     TelemetryAggregate `json:"airHumidity"`
}

const (
	defaultTelemetryLimit = 100
	maxTelemetryLimit     = 1000
)

func telemetryLogger() *zap.Logger {
	return common.GetLoggerWith(
		common.LoggerNameIOTCore,
		zap.String(common.LoggerFieldIOTCategory, common.LoggerCategoryIOTTelemetry),
	)
}

func (i *IOT) ingestTelemetry(ctx context.Context, input *TelemetryInput) (*models.TelemetryReading, error) {
	logger := telemetryLogger()

	if err := input.Validate(); err != nil {
		return nil, err
	}

	ownerID, err := i.Device.ResolveOwner(input.SensorID, input.OwnerID)
	if err != nil {
		return nil, err
	}

	lockKey := "owner:" + ownerID
	if input.SensorID != "" {
		lockKey = "sensor:" + input.SensorID
	}
	unlock := i.lockSensor(lockKey)
	defer unlock()

	profile, err := i.Profile.GetProfile(ownerID)
	if err != nil {
		return nil, err
	}

	capturedAt := i.now()
	if input.CapturedAt != nil && !input.CapturedAt.IsZero() {
		capturedAt = input.CapturedAt.UTC()
	}

	reading := models.TelemetryReading{
		ID:           uuid.NewString(),
		OwnerID:      ownerID,
		SensorID:     input.SensorID,
		SoilMoisture: *input.SoilMoisture,
		LightLevel:   *input.LightLevel,
		AirTemp:      *input.AirTemp,
		AirHumidity:  *input.AirHumidity,
		PumpState:    *input.PumpState,
		CapturedAt:   capturedAt,
	}

	logger.Debug("Received reading", zap.Reflect("reading", reading))

	var previous *models.TelemetryReading
	if reading.SensorID != "" {
		if previous, err = i.latestReading(ownerID, reading.SensorID); err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	if err := i.Db.Conn.WithContext(ctx).Create(&reading).Error; err != nil {
		return nil, err
	}

	logger.Info("Stored reading", zap.String("readingId", reading.ID), zap.String("ownerId", ownerID), zap.String("sensorId", reading.SensorID))

	if reading.SensorID != "" {
		if err := i.touchSensor(reading.SensorID, reading.CapturedAt); err != nil {
			logger.Warn("Failed to update sensor last seen", zap.String("sensorId", reading.SensorID), zap.Error(err))
		}
		if profile.AutoIrrigation {
			i.recordPumpTransition(ctx, previous, &reading)
		}
	}

	for _, candidate := range Evaluate(&reading, profile.SensorConfig()) {
		if _, err := i.Alert.Raise(ctx, candidate); err != nil {
			logger.Error("Failed to raise alert", zap.Reflect("candidate", candidate), zap.Error(err))
		}
	}

	i.publish(OwnerRoom(ownerID), EventNewSensorData, reading)

	return &reading, nil
}

// recordPumpTransition stores the irrigation the device started or stopped
// on its own.
func (i *IOT) recordPumpTransition(ctx context.Context, previous, current *models.TelemetryReading) {
	prevState := 0
	if previous != nil {
		prevState = previous.PumpState
	}
	if prevState == current.PumpState {
		return
	}

	action := models.IrrigationOff
	if current.PumpState == 1 {
		action = models.IrrigationOn
	}

	event := models.IrrigationEvent{
		ID:       uuid.NewString(),
		OwnerID:  current.OwnerID,
		SensorID: current.SensorID,
		Action:   action,
		Source:   models.IrrigationSourceAuto,
		IssuedBy: current.SensorID,
		IssuedAt: current.CapturedAt,
	}
	if err := i.Db.Conn.WithContext(ctx).Create(&event).Error; err != nil {
		telemetryLogger().Warn("Failed to store automatic irrigation", zap.Reflect("event", event), zap.Error(err))
	}
}

func (i *IOT) telemetryHistory(ownerID string, query TelemetryQuery) ([]models.TelemetryReading, error) {
	q := i.Db.Conn.Where("owner_id = ?", ownerID)
	if query.SensorID != "" {
		q = q.Where("sensor_id = ?", query.SensorID)
	}
	if query.From != nil {
		q = q.Where("captured_at >= ?", query.From.UTC())
	}
	if query.To != nil {
		q = q.Where("captured_at <= ?", query.To.UTC())
	}

	readings := []models.TelemetryReading{}
	err := q.Order("captured_at desc").
		Limit(normalizeLimit(query.Limit, defaultTelemetryLimit, maxTelemetryLimit)).
		Find(&readings).Error
	return readings, err
}

func (i *IOT) latestReading(ownerID, sensorID string) (*models.TelemetryReading, error) {
	q := i.Db.Conn.Where("owner_id = ?", ownerID)
	if sensorID != "" {
		q = q.Where("sensor_id = ?", sensorID)
	}

	var reading models.TelemetryReading
	if err := q.Order("captured_at desc").First(&reading).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("no reading for owner %s: %w", ownerID, ErrNotFound)
		}
		return nil, err
	}
	return &reading, nil
}

type telemetryStatsRow struct {
	SoilAvg, SoilMin, SoilMax             float64
	LightAvg, LightMin, LightMax          float64
	TempAvg, TempMin, TempMax             float64
	HumidityAvg, HumidityMin, HumidityMax float64
}

func (i *IOT) telemetryStats(ownerID string, period StatsPeriod) (*TelemetryStats, error) {
	span, ok := period.Duration()
	if !ok {
		return nil, fmt.Errorf("%w: unknown period %q", ErrValidation, period)
	}

	stats := &TelemetryStats{Period: period, To: i.now()}
	stats.From = stats.To.Add(-span)

	scoped := func() *gorm.DB {
		return i.Db.Conn.Model(&models.TelemetryReading{}).
			Where("owner_id = ? AND captured_at >= ? AND captured_at <= ?", ownerID, stats.From, stats.To)
	}

	if err := scoped().Count(&stats.TotalReadings).Error; err != nil {
		return nil, err
	}
	if stats.TotalReadings == 0 {
		return stats, nil
	}

	if err := scoped().Where("pump_state = ?", 1).Count(&stats.PumpActivations).Error; err != nil {
		return nil, err
	}

	var row telemetryStatsRow
	err := scoped().Select(`
		avg(soil_moisture) as soil_avg, min(soil_moisture) as soil_min, max(soil_moisture) as soil_max,
		avg(light_level) as light_avg, min(light_level) as light_min, max(light_level) as light_max,
		avg(air_temp) as temp_avg, min(air_temp) as temp_min, max(air_temp) as temp_max,
		avg(air_humidity) as humidity_avg, min(air_humidity) as humidity_min, max(air_humidity) as humidity_max`).
		Scan(&row).Error
	if err != nil {
		return nil, err
	}

	stats.SoilMoisture = TelemetryAggregate{Avg: row.SoilAvg, Min: row.SoilMin, Max: row.SoilMax}
	stats.LightLevel = TelemetryAggregate{Avg: row.LightAvg, Min: row.LightMin, Max: row.LightMax}
	stats.AirTemp = TelemetryAggregate{Avg: row.TempAvg, Min: row.TempMin, Max: row.TempMax}
	stats.AirHumidity = TelemetryAggregate{Avg: row.HumidityAvg, Min: row.HumidityMin, Max: row.HumidityMax}

	return stats, nil
}

type ITelemetryImpl struct {
	iot *IOT
}

func (it *ITelemetryImpl) Ingest(ctx context.Context, input *TelemetryInput) (*models.TelemetryReading, error) {
	return it.iot.ingestTelemetry(ctx, input)
}

func (it *ITelemetryImpl) History(ownerID string, query TelemetryQuery) ([]models.TelemetryReading, error) {
	return it.iot.telemetryHistory(ownerID, query)
}

func (it *ITelemetryImpl) Latest(ownerID, sensorID string) (*models.TelemetryReading, error) {
	return it.iot.latestReading(ownerID, sensorID)
}

func (it *ITelemetryImpl) Stats(ownerID string, period StatsPeriod) (*TelemetryStats, error) {
	return it.iot.telemetryStats(ownerID, period)
}

func (i *IOT) GetITelemetry() ITelemetry {
	return &ITelemetryImpl{iot: i}
}
