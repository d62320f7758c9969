package iot

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"liyu1981.xyz/smartplant-service/pkg/common"
	"liyu1981.xyz/smartplant-service/pkg/models"
	_ "liyu1981.xyz/smartplant-service/pkg/testing"
)

func TestDeviceRegisterSensor(t *testing.T) {
	common.SetTestLoggerNop()
	ti := GetMockIOTWithMemorySqliteDialector(t, false)

	ownerID := uuid.NewString()
	sensorID := "sensor-" + uuid.NewString()

	sensor, err := ti.Device.RegisterSensor(ownerID, &SensorInput{ID: sensorID, Name: "  balcony  "})
	require.NoError(t, err)
	assert.Equal(t, "balcony", sensor.Name)
	assert.Nil(t, sensor.LastSeenAt)

	// re-registering by the same owner renames in place
	sensor, err = ti.Device.RegisterSensor(ownerID, &SensorInput{ID: sensorID, Name: "terrace", Location: "south"})
	require.NoError(t, err)
	assert.Equal(t, "terrace", sensor.Name)

	_, err = ti.Device.RegisterSensor(uuid.NewString(), &SensorInput{ID: sensorID, Name: "stolen"})
	assert.ErrorIs(t, err, ErrForbidden)

	ti.clock.Advance(time.Minute)
	generated, err := ti.Device.RegisterSensor(ownerID, &SensorInput{Name: "kitchen"})
	require.NoError(t, err)
	assert.NotEmpty(t, generated.ID)

	_, err = ti.Device.RegisterSensor(ownerID, &SensorInput{ID: "x"})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = ti.Device.RegisterSensor("", &SensorInput{Name: "x"})
	assert.ErrorIs(t, err, ErrValidation)

	sensors, err := ti.Device.ListSensors(ownerID)
	require.NoError(t, err)
	require.Len(t, sensors, 2)
	assert.Equal(t, "terrace", sensors[0].Name)
	assert.Equal(t, "south", sensors[0].Location)
}

func TestDeviceResolveOwner(t *testing.T) {
	common.SetTestLoggerNop()
	ti := GetMockIOTWithMemorySqliteDialector(t, false)

	ownerID := uuid.NewString()
	sensorID := "sensor-" + uuid.NewString()
	_, err := ti.Device.RegisterSensor(ownerID, &SensorInput{ID: sensorID, Name: "balcony"})
	require.NoError(t, err)

	cases := []struct {
		name     string
		sensorID string
		ownerID  string
		want     string
		wantErr  error
	}{
		{"registered sensor", sensorID, "", ownerID, nil},
		{"registered sensor with matching owner", sensorID, ownerID, ownerID, nil},
		{"registered sensor with other owner", sensorID, "someone-else", "", ErrForbidden},
		{"explicit owner only", "", ownerID, ownerID, nil},
		{"unknown sensor with owner", "nope-" + sensorID, ownerID, ownerID, nil},
		{"unknown sensor without owner", "nope-" + sensorID, "", "", ErrOwnerUnresolved},
		{"nothing", "", "", "", ErrOwnerUnresolved},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ti.Device.ResolveOwner(tc.sensorID, tc.ownerID)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDeviceIrrigate(t *testing.T) {
	common.SetTestLoggerNop()
	ti := GetMockIOTWithMemorySqliteDialector(t, false)
	ctx := context.Background()

	ownerID := uuid.NewString()
	sensorID := "sensor-" + uuid.NewString()
	_, err := ti.Device.RegisterSensor(ownerID, &SensorInput{ID: sensorID, Name: "balcony"})
	require.NoError(t, err)

	event, err := ti.Device.Irrigate(ctx, ownerID, &IrrigationInput{
		TargetSensorID: sensorID,
		Action:         models.IrrigationOn,
		Duration:       30,
	})
	require.NoError(t, err)
	assert.Equal(t, models.IrrigationSourceManual, event.Source)
	assert.Equal(t, ownerID, event.IssuedBy)

	var relayed []recordedEvent
	for _, e := range ti.publisher.Find(DeviceRoom(), EventIrrigationCommand) {
		if e.Payload.(models.DeviceCommand).TargetSensorID == sensorID {
			relayed = append(relayed, e)
		}
	}
	require.Len(t, relayed, 1)
	cmd := relayed[0].Payload.(models.DeviceCommand)
	assert.Equal(t, models.IrrigationOn, cmd.Action)
	assert.Equal(t, ti.clock.Now(), cmd.IssuedAt)
	assert.Len(t, ti.publisher.Find(OwnerRoom(ownerID), EventIrrigationCommand), 1)

	_, err = ti.Device.Irrigate(ctx, ownerID, &IrrigationInput{Action: "flood"})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = ti.Device.Irrigate(ctx, ownerID, &IrrigationInput{Action: models.IrrigationOff, Duration: -1})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = ti.Device.Irrigate(ctx, uuid.NewString(), &IrrigationInput{TargetSensorID: sensorID, Action: models.IrrigationOff})
	assert.ErrorIs(t, err, ErrForbidden)

	history, err := ti.Device.IrrigationHistory(ownerID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, event.ID, history[0].ID)

	assert.ErrorIs(t, ti.Device.DeleteIrrigationEvent(event.ID, uuid.NewString()), ErrForbidden)
	require.NoError(t, ti.Device.DeleteIrrigationEvent(event.ID, ownerID))
	assert.ErrorIs(t, ti.Device.DeleteIrrigationEvent(event.ID, ownerID), ErrNotFound)
}

func TestDeviceSensorGetUpdateDelete(t *testing.T) {
	common.SetTestLoggerNop()
	ti := GetMockIOTWithMemorySqliteDialector(t, false)

	ownerID := uuid.NewString()
	intruder := uuid.NewString()
	sensorID := "sensor-" + uuid.NewString()
	_, err := ti.Device.RegisterSensor(ownerID, &SensorInput{ID: sensorID, Name: "balcony", Location: "north"})
	require.NoError(t, err)

	sensor, err := ti.Device.GetSensor(sensorID, ownerID)
	require.NoError(t, err)
	assert.Equal(t, "balcony", sensor.Name)
	_, err = ti.Device.GetSensor(sensorID, intruder)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = ti.Device.GetSensor("nope-"+sensorID, ownerID)
	assert.ErrorIs(t, err, ErrNotFound)

	sensor, err = ti.Device.UpdateSensor(sensorID, ownerID, &SensorUpdate{Location: ptr("")})
	require.NoError(t, err)
	assert.Equal(t, "balcony", sensor.Name)
	assert.Empty(t, sensor.Location)

	sensor, err = ti.Device.UpdateSensor(sensorID, ownerID, &SensorUpdate{Name: ptr(" roof ")})
	require.NoError(t, err)
	assert.Equal(t, "roof", sensor.Name)

	_, err = ti.Device.UpdateSensor(sensorID, ownerID, &SensorUpdate{Name: ptr("  ")})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = ti.Device.UpdateSensor(sensorID, intruder, &SensorUpdate{Name: ptr("mine")})
	assert.ErrorIs(t, err, ErrForbidden)

	stored, err := ti.Device.GetSensor(sensorID, ownerID)
	require.NoError(t, err)
	assert.Equal(t, "roof", stored.Name)
	assert.Empty(t, stored.Location)

	assert.ErrorIs(t, ti.Device.DeleteSensor(sensorID, intruder), ErrForbidden)
	require.NoError(t, ti.Device.DeleteSensor(sensorID, ownerID))
	assert.ErrorIs(t, ti.Device.DeleteSensor(sensorID, ownerID), ErrNotFound)

	// a forgotten sensor no longer pins readings to its old owner
	owner, err := ti.Device.ResolveOwner(sensorID, intruder)
	require.NoError(t, err)
	assert.Equal(t, intruder, owner)
}
