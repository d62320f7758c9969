package iot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"liyu1981.xyz/smartplant-service/pkg/common"
	"liyu1981.xyz/smartplant-service/pkg/models"
)

type ImageUpload struct {
	OwnerID     string
	SensorID    string
	Origin      models.ImageOrigin
	Filename    string
	ContentType string
	Body        io.Reader
	MaxBytes    int64
}

type ImageFilter struct {
	Origin   models.ImageOrigin
	State    models.AnalysisState
	SensorID string
	Limit    int
	Page     int
}

type ImagePage struct {
	Images []models.PlantImage `json:"images"`
	Total  int64               `json:"total"`
	Page   int                 `json:"page"`
	Limit  int                 `json:"limit"`
}

type ImageStats struct {
	Total       int64 `json:"total"`
	Manual      int64 `json:"manual"`
	Automatic   int64 `json:"automatic"`
	Analysed    int64 `json:"analysed"`
	Pending     int64 `json:"pending"`
	Failed      int64 `json:"failed"`
	WithDisease int64 `json:"withDisease"`
}

const defaultImageLimit = 20

func imageLogger() *zap.Logger {
	return common.GetLoggerWith(
		common.LoggerNameIOTCore,
		zap.String(common.LoggerFieldIOTCategory, common.LoggerCategoryIOTImage),
	)
}

func (i *IOT) createImage(ctx context.Context, input *ImageUpload) (*models.PlantImage, error) {
	logger := imageLogger()

	if input.Origin != models.ImageOriginManual && input.Origin != models.ImageOriginAutomatic {
		return nil, fmt.Errorf("%w: unknown image origin %q", ErrValidation, input.Origin)
	}
	if !strings.HasPrefix(input.ContentType, "image/") {
		return nil, fmt.Errorf("%w: only image uploads are accepted", ErrValidation)
	}
	if input.Body == nil {
		return nil, fmt.Errorf("%w: empty upload", ErrValidation)
	}
	if i.Blobs == nil {
		return nil, errors.New("image storage not configured")
	}

	ownerID, err := i.Device.ResolveOwner(input.SensorID, input.OwnerID)
	if err != nil {
		return nil, err
	}

	ref, size, err := i.Blobs.Save(ownerID, input.Filename, input.Body, input.MaxBytes)
	if err != nil {
		if errors.Is(err, ErrBlobTooLarge) {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		return nil, err
	}

	image := models.PlantImage{
		ID:            uuid.NewString(),
		OwnerID:       ownerID,
		SensorID:      input.SensorID,
		StorageRef:    ref,
		Filename:      input.Filename,
		ContentType:   input.ContentType,
		Size:          size,
		Origin:        input.Origin,
		AnalysisState: models.AnalysisPending,
		CreatedAt:     i.now(),
	}

	if err := i.Db.Conn.WithContext(ctx).Create(&image).Error; err != nil {
		_ = i.Blobs.Delete(ref)
		return nil, err
	}

	logger.Info("Stored plant image", zap.String("imageId", image.ID), zap.String("ownerId", ownerID), zap.String("origin", string(image.Origin)))

	if err := i.Analysis.Submit(&image); err != nil {
		logger.Warn("Analysis not started", zap.String("imageId", image.ID), zap.Error(err))
	}

	return &image, nil
}

func (i *IOT) findOwnedImage(imageID, ownerID string) (*models.PlantImage, error) {
	var image models.PlantImage
	if err := i.Db.Conn.First(&image, "id = ?", imageID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("image %s: %w", imageID, ErrNotFound)
		}
		return nil, err
	}
	if image.OwnerID != ownerID {
		return nil, fmt.Errorf("image %s: %w", imageID, ErrForbidden)
	}
	return &image, nil
}

func (i *IOT) openImage(imageID, ownerID string) (io.ReadCloser, *models.PlantImage, error) {
	image, err := i.findOwnedImage(imageID, ownerID)
	if err != nil {
		return nil, nil, err
	}
	rc, err := i.Blobs.Open(image.StorageRef)
	if err != nil {
		return nil, nil, err
	}
	return rc, image, nil
}

func (i *IOT) listImages(ownerID string, filter ImageFilter) (*ImagePage, error) {
	scoped := func() *gorm.DB {
		q := i.Db.Conn.Model(&models.PlantImage{}).Where("owner_id = ?", ownerID)
		if filter.Origin != "" {
			q = q.Where("origin = ?", filter.Origin)
		}
		if filter.State != "" {
			q = q.Where("analysis_state = ?", filter.State)
		}
		if filter.SensorID != "" {
			q = q.Where("sensor_id = ?", filter.SensorID)
		}
		return q
	}

	page := &ImagePage{
		Images: []models.PlantImage{},
		Limit:  normalizeLimit(filter.Limit, defaultImageLimit, maxAlertLimit),
		Page:   max(filter.Page, 1),
	}
	if err := scoped().Count(&page.Total).Error; err != nil {
		return nil, err
	}
	err := scoped().Order("created_at desc").
		Limit(page.Limit).
		Offset((page.Page - 1) * page.Limit).
		Find(&page.Images).Error
	if err != nil {
		return nil, err
	}
	return page, nil
}

func (i *IOT) deleteImage(imageID, ownerID string) error {
	image, err := i.findOwnedImage(imageID, ownerID)
	if err != nil {
		return err
	}
	if err := i.Db.Conn.Delete(image).Error; err != nil {
		return err
	}
	if err := i.Blobs.Delete(image.StorageRef); err != nil {
		imageLogger().Warn("Failed to delete image blob", zap.String("ref", image.StorageRef), zap.Error(err))
	}
	return nil
}

func (i *IOT) imageStats(ownerID string) (*ImageStats, error) {
	var rows []struct {
		Origin        models.ImageOrigin
		AnalysisState models.AnalysisState
		ResultHealthy bool
		Count         int64
	}
	err := i.Db.Conn.Model(&models.PlantImage{}).
		Select("origin, analysis_state, result_healthy, count(*) as count").
		Where("owner_id = ?", ownerID).
		Group("origin, analysis_state, result_healthy").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	stats := &ImageStats{}
	for _, r := range rows {
		stats.Total += r.Count
		switch r.Origin {
		case models.ImageOriginManual:
			stats.Manual += r.Count
		case models.ImageOriginAutomatic:
			stats.Automatic += r.Count
		}
		switch r.AnalysisState {
		case models.AnalysisDone:
			stats.Analysed += r.Count
			if !r.ResultHealthy {
				stats.WithDisease += r.Count
			}
		case models.AnalysisPending:
			stats.Pending += r.Count
		case models.AnalysisFailed:
			stats.Failed += r.Count
		}
	}
	return stats, nil
}

type IImageImpl struct {
	iot *IOT
}

func (ii *IImageImpl) CreateImage(ctx context.Context, input *ImageUpload) (*models.PlantImage, error) {
	return ii.iot.createImage(ctx, input)
}

func (ii *IImageImpl) GetImage(imageID, ownerID string) (*models.PlantImage, error) {
	return ii.iot.findOwnedImage(imageID, ownerID)
}

func (ii *IImageImpl) OpenImage(imageID, ownerID string) (io.ReadCloser, *models.PlantImage, error) {
	return ii.iot.openImage(imageID, ownerID)
}

func (ii *IImageImpl) ListImages(ownerID string, filter ImageFilter) (*ImagePage, error) {
	return ii.iot.listImages(ownerID, filter)
}

func (ii *IImageImpl) DeleteImage(imageID, ownerID string) error {
	return ii.iot.deleteImage(imageID, ownerID)
}

func (ii *IImageImpl) ImageStats(ownerID string) (*ImageStats, error) {
	return ii.iot.imageStats(ownerID)
}

func (i *IOT) GetIImage() IImage {
	return &IImageImpl{iot: i}
}
