package iot

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"liyu1981.xyz/smartplant-service/pkg/common"
	"liyu1981.xyz/smartplant-service/pkg/models"
)

type ProfileInput struct {
	SoilMoistureThreshold *float64 `json:"soilMoistureThreshold"`
	AutoIrrigation        *bool    `json:"autoIrrigation"`
	NotificationsEnabled  *bool    `json:"notificationsEnabled"`
}

func (i *IOT) getProfile(ownerID string) (*models.OwnerProfile, error) {
	var profile models.OwnerProfile
	err := i.Db.Conn.First(&profile, "owner_id = ?", ownerID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		profile = models.DefaultOwnerProfile(ownerID)
		return &profile, nil
	}
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

func (i *IOT) updateProfile(ownerID string, input *ProfileInput) (*models.OwnerProfile, error) {
	logger := common.GetLoggerWith(
		common.LoggerNameIOTCore,
		zap.String(common.LoggerFieldIOTCategory, common.LoggerCategoryIOTProfile),
	)

	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner id is required", ErrValidation)
	}
	if t := input.SoilMoistureThreshold; t != nil && (*t < 0 || math.IsNaN(*t) || math.IsInf(*t, 0)) {
		return nil, fmt.Errorf("%w: soilMoistureThreshold must be a non-negative number", ErrValidation)
	}

	profile, err := i.getProfile(ownerID)
	if err != nil {
		return nil, err
	}

	if input.SoilMoistureThreshold != nil {
		profile.SoilMoistureThreshold = *input.SoilMoistureThreshold
	}
	if input.AutoIrrigation != nil {
		profile.AutoIrrigation = *input.AutoIrrigation
	}
	if input.NotificationsEnabled != nil {
		profile.NotificationsEnabled = *input.NotificationsEnabled
	}
	profile.UpdatedAt = i.now()

	err = i.Db.Conn.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner_id"}},
		UpdateAll: true,
	}).Create(profile).Error
	if err != nil {
		return nil, err
	}

	logger.Info("Upserted owner profile", zap.Reflect("profile", profile))

	settings := map[string]any{
		"ownerId":  ownerID,
		"settings": profile.SensorConfig(),
	}
	i.publish(DeviceRoom(), EventSettingsUpdate, settings)
	i.publish(OwnerRoom(ownerID), EventSettingsUpdate, settings)

	return profile, nil
}

type IProfileImpl struct {
	iot *IOT
}

func (ip *IProfileImpl) GetProfile(ownerID string) (*models.OwnerProfile, error) {
	return ip.iot.getProfile(ownerID)
}

func (ip *IProfileImpl) UpdateProfile(ownerID string, input *ProfileInput) (*models.OwnerProfile, error) {
	return ip.iot.updateProfile(ownerID, input)
}

func (i *IOT) GetIProfile() IProfile {
	return &IProfileImpl{iot: i}
}
