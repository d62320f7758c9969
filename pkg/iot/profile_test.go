package iot

import (
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"liyu1981.xyz/smartplant-service/pkg/common"
	"liyu1981.xyz/smartplant-service/pkg/models"
	_ "liyu1981.xyz/smartplant-service/pkg/testing"
)

func TestProfileDefaults(t *testing.T) {
	common.SetTestLoggerNop()
	ti := GetMockIOTWithMemorySqliteDialector(t, false)

	ownerID := uuid.NewString()
	profile, err := ti.Profile.GetProfile(ownerID)
	require.NoError(t, err)
	assert.Equal(t, ownerID, profile.OwnerID)
	assert.Equal(t, 500.0, profile.SoilMoistureThreshold)
	assert.True(t, profile.AutoIrrigation)
	assert.True(t, profile.NotificationsEnabled)
}

func TestProfileUpdateIsPartial(t *testing.T) {
	common.SetTestLoggerNop()
	ti := GetMockIOTWithMemorySqliteDialector(t, false)

	ownerID := uuid.NewString()

	_, err := ti.Profile.UpdateProfile(ownerID, &ProfileInput{SoilMoistureThreshold: ptr(300.0)})
	require.NoError(t, err)

	profile, err := ti.Profile.UpdateProfile(ownerID, &ProfileInput{AutoIrrigation: ptr(false)})
	require.NoError(t, err)
	assert.Equal(t, 300.0, profile.SoilMoistureThreshold)
	assert.False(t, profile.AutoIrrigation)
	assert.True(t, profile.NotificationsEnabled)

	// zero is a legal threshold and must not be read as "unset"
	profile, err = ti.Profile.UpdateProfile(ownerID, &ProfileInput{SoilMoistureThreshold: ptr(0.0)})
	require.NoError(t, err)
	assert.Zero(t, profile.SoilMoistureThreshold)

	stored, err := ti.Profile.GetProfile(ownerID)
	require.NoError(t, err)
	assert.Zero(t, stored.SoilMoistureThreshold)
	assert.False(t, stored.AutoIrrigation)
}

func TestProfileUpdatePublishesSettings(t *testing.T) {
	common.SetTestLoggerNop()
	ti := GetMockIOTWithMemorySqliteDialector(t, false)

	ownerID := uuid.NewString()
	_, err := ti.Profile.UpdateProfile(ownerID, &ProfileInput{NotificationsEnabled: ptr(false)})
	require.NoError(t, err)

	for _, room := range []string{DeviceRoom(), OwnerRoom(ownerID)} {
		var mine []recordedEvent
		for _, e := range ti.publisher.Find(room, EventSettingsUpdate) {
			if e.Payload.(map[string]any)["ownerId"] == ownerID {
				mine = append(mine, e)
			}
		}
		require.Len(t, mine, 1, room)
		settings := mine[0].Payload.(map[string]any)["settings"].(models.SensorConfig)
		assert.False(t, settings.NotificationsEnabled)
		assert.Equal(t, 500.0, settings.SoilMoistureThreshold)
	}
}

func TestProfileUpdateValidation(t *testing.T) {
	common.SetTestLoggerNop()
	ti := GetMockIOTWithMemorySqliteDialector(t, false)

	_, err := ti.Profile.UpdateProfile("", &ProfileInput{})
	assert.ErrorIs(t, err, ErrValidation)

	for _, bad := range []float64{-1, math.NaN(), math.Inf(1)} {
		_, err := ti.Profile.UpdateProfile(uuid.NewString(), &ProfileInput{SoilMoistureThreshold: ptr(bad)})
		assert.ErrorIs(t, err, ErrValidation, "%v", bad)
	}
}
