package iot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"liyu1981.xyz/smartplant-service/pkg/common"
	"liyu1981.xyz/smartplant-service/pkg/models"
)

type SensorInput struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Location string `json:"location"`
}

// SensorUpdate changes only the fields that are set.
type SensorUpdate struct {
	Name     *string `json:"name"`
	Location *string `json:"location"`
}

type IrrigationInput struct {
	TargetSensorID string                  `json:"targetSensorId"`
	Action         models.IrrigationAction `json:"action"`
	Duration       int                     `json:"duration"`
}

const defaultIrrigationLimit = 50

func deviceLogger() *zap.Logger {
	return common.GetLoggerWith(
		common.LoggerNameIOTCore,
		zap.String(common.LoggerFieldIOTCategory, common.LoggerCategoryIOTDevice),
	)
}

func (i *IOT) findSensor(sensorID string) (*models.Sensor, error) {
	var sensor models.Sensor
	if err := i.Db.Conn.First(&sensor, "id = ?", sensorID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("sensor %s: %w", sensorID, ErrNotFound)
		}
		return nil, err
	}
	return &sensor, nil
}

func (i *IOT) findOwnedSensor(sensorID, ownerID string) (*models.Sensor, error) {
	sensor, err := i.findSensor(sensorID)
	if err != nil {
		return nil, err
	}
	if sensor.OwnerID != ownerID {
		return nil, fmt.Errorf("sensor %s: %w", sensorID, ErrForbidden)
	}
	return sensor, nil
}

func (i *IOT) registerSensor(ownerID string, input *SensorInput) (*models.Sensor, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner id is required", ErrValidation)
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: sensor name is required", ErrValidation)
	}

	sensorID := strings.TrimSpace(input.ID)
	if sensorID == "" {
		sensorID = uuid.NewString()
	}

	existing, err := i.findSensor(sensorID)
	switch {
	case err == nil && existing.OwnerID != ownerID:
		return nil, fmt.Errorf("sensor %s: %w", sensorID, ErrForbidden)
	case err == nil:
		existing.Name = name
		existing.Location = input.Location
		if err := i.Db.Conn.Save(existing).Error; err != nil {
			return nil, err
		}
		return existing, nil
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	sensor := models.Sensor{
		ID:        sensorID,
		OwnerID:   ownerID,
		Name:      name,
		Location:  input.Location,
		CreatedAt: i.now(),
	}
	if err := i.Db.Conn.Create(&sensor).Error; err != nil {
		return nil, err
	}

	deviceLogger().Info("Registered sensor", zap.Reflect("sensor", sensor))
	return &sensor, nil
}

func (i *IOT) listSensors(ownerID string) ([]models.Sensor, error) {
	sensors := []models.Sensor{}
	err := i.Db.Conn.Where("owner_id = ?", ownerID).Order("created_at asc").Find(&sensors).Error
	return sensors, err
}

func (i *IOT) updateSensor(sensorID, ownerID string, update *SensorUpdate) (*models.Sensor, error) {
	sensor, err := i.findOwnedSensor(sensorID, ownerID)
	if err != nil {
		return nil, err
	}

	if update.Name != nil {
		name := strings.TrimSpace(*update.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: sensor name must not be empty", ErrValidation)
		}
		sensor.Name = name
	}
	if update.Location != nil {
		sensor.Location = strings.TrimSpace(*update.Location)
	}

	err = i.Db.Conn.Model(sensor).
		Select("name", "location").
		Updates(models.Sensor{Name: sensor.Name, Location: sensor.Location}).Error
	if err != nil {
		return nil, err
	}

	deviceLogger().Info("Updated sensor", zap.String("sensorId", sensor.ID))
	return sensor, nil
}

// deleteSensor forgets the device. Its readings, alerts and images stay
// with the owner.
func (i *IOT) deleteSensor(sensorID, ownerID string) error {
	sensor, err := i.findOwnedSensor(sensorID, ownerID)
	if err != nil {
		return err
	}
	if err := i.Db.Conn.Delete(sensor).Error; err != nil {
		return err
	}

	deviceLogger().Info("Deleted sensor", zap.String("sensorId", sensor.ID))
	return nil
}

// resolveOwner finds who a reading or image belongs to: the registered owner
// of the sensor, else the explicit owner id. There is no fallback owner.
func (i *IOT) resolveOwner(sensorID, ownerID string) (string, error) {
	if sensorID != "" {
		sensor, err := i.findSensor(sensorID)
		switch {
		case err == nil:
			if ownerID != "" && ownerID != sensor.OwnerID {
				return "", fmt.Errorf("sensor %s: %w", sensorID, ErrForbidden)
			}
			return sensor.OwnerID, nil
		case !errors.Is(err, ErrNotFound):
			return "", err
		}
	}

	if ownerID != "" {
		return ownerID, nil
	}
	return "", fmt.Errorf("sensor %q: %w", sensorID, ErrOwnerUnresolved)
}

func (i *IOT) touchSensor(sensorID string, seenAt time.Time) error {
	return i.Db.Conn.Model(&models.Sensor{}).
		Where("id = ? AND (last_seen_at IS NULL OR last_seen_at < ?)", sensorID, seenAt).
		Update("last_seen_at", seenAt).Error
}

func (i *IOT) irrigate(ctx context.Context, ownerID string, input *IrrigationInput) (*models.IrrigationEvent, error) {
	if input.Action != models.IrrigationOn && input.Action != models.IrrigationOff {
		return nil, fmt.Errorf("%w: action must be %s or %s", ErrValidation, models.IrrigationOn, models.IrrigationOff)
	}
	if input.Duration < 0 {
		return nil, fmt.Errorf("%w: duration must not be negative", ErrValidation)
	}
	if input.TargetSensorID != "" {
		if _, err := i.findOwnedSensor(input.TargetSensorID, ownerID); err != nil {
			return nil, err
		}
	}

	event := models.IrrigationEvent{
		ID:       uuid.NewString(),
		OwnerID:  ownerID,
		SensorID: input.TargetSensorID,
		Action:   input.Action,
		Source:   models.IrrigationSourceManual,
		Duration: input.Duration,
		IssuedBy: ownerID,
		IssuedAt: i.now(),
	}
	if err := i.Db.Conn.WithContext(ctx).Create(&event).Error; err != nil {
		return nil, err
	}

	deviceLogger().Info("Relaying irrigation command", zap.Reflect("event", event))

	// devices filter on targetSensorId themselves
	i.publish(DeviceRoom(), EventIrrigationCommand, event.Command())
	i.publish(OwnerRoom(ownerID), EventIrrigationCommand, event.Command())

	return &event, nil
}

func (i *IOT) irrigationHistory(ownerID string, limit int) ([]models.IrrigationEvent, error) {
	events := []models.IrrigationEvent{}
	err := i.Db.Conn.Where("owner_id = ?", ownerID).
		Order("issued_at desc").
		Limit(normalizeLimit(limit, defaultIrrigationLimit, maxAlertLimit)).
		Find(&events).Error
	return events, err
}

func (i *IOT) deleteIrrigationEvent(eventID, ownerID string) error {
	var event models.IrrigationEvent
	if err := i.Db.Conn.First(&event, "id = ?", eventID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("irrigation event %s: %w", eventID, ErrNotFound)
		}
		return err
	}
	if event.OwnerID != ownerID {
		return fmt.Errorf("irrigation event %s: %w", eventID, ErrForbidden)
	}
	return i.Db.Conn.Delete(&event).Error
}

type IDeviceImpl struct {
	iot *IOT
}

func (id *IDeviceImpl) RegisterSensor(ownerID string, input *SensorInput) (*models.Sensor, error) {
	return id.iot.registerSensor(ownerID, input)
}

func (id *IDeviceImpl) ListSensors(ownerID string) ([]models.Sensor, error) {
	return id.iot.listSensors(ownerID)
}

func (id *IDeviceImpl) GetSensor(sensorID, ownerID string) (*models.Sensor, error) {
	return id.iot.findOwnedSensor(sensorID, ownerID)
}

func (id *IDeviceImpl) UpdateSensor(sensorID, ownerID string, update *SensorUpdate) (*models.Sensor, error) {
	return id.iot.updateSensor(sensorID, ownerID, update)
}

func (id *IDeviceImpl) DeleteSensor(sensorID, ownerID string) error {
	return id.iot.deleteSensor(sensorID, ownerID)
}

func (id *IDeviceImpl) ResolveOwner(sensorID, ownerID string) (string, error) {
	return id.iot.resolveOwner(sensorID, ownerID)
}

func (id *IDeviceImpl) Irrigate(ctx context.Context, ownerID string, input *IrrigationInput) (*models.IrrigationEvent, error) {
	return id.iot.irrigate(ctx, ownerID, input)
}

func (id *IDeviceImpl) IrrigationHistory(ownerID string, limit int) ([]models.IrrigationEvent, error) {
	return id.iot.irrigationHistory(ownerID, limit)
}

func (id *IDeviceImpl) DeleteIrrigationEvent(eventID, ownerID string) error {
	return id.iot.deleteIrrigationEvent(eventID, ownerID)
}

func (i *IOT) GetIDevice() IDevice {
	return &IDeviceImpl{iot: i}
}
