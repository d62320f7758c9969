package iot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"liyu1981.xyz/smartplant-service/pkg/common"
	"liyu1981.xyz/smartplant-service/pkg/models"
)

const (
	diseaseAlertConfidence    = 0.7
	diseaseCriticalConfidence = 0.9
)

// Inferer is the external plant disease classifier.
type Inferer interface {
	Analyze(ctx context.Context, image []byte, filename string) (*models.AnalysisResult, error)
	Health(ctx context.Context) error
}

type InferenceStatus struct {
	Enabled   bool   `json:"enabled"`
	Available bool   `json:"available"`
	Error     string `json:"error,omitempty"`
}

type AnalysisEvent struct {
	ImageID    string                 `json:"imageId,omitempty"`
	AnalysisID string                 `json:"analysisId,omitempty"`
	SensorID   string                 `json:"sensorId,omitempty"`
	Result     *models.AnalysisResult `json:"result,omitempty"`
	Healthy    bool                   `json:"healthy"`
	Error      string                 `json:"error,omitempty"`
	AlertID    string                 `json:"alertId,omitempty"`
}

func analysisLogger() *zap.Logger {
	return common.GetLoggerWith(
		common.LoggerNameIOTCore,
		zap.String(common.LoggerFieldIOTCategory, common.LoggerCategoryIOTAnalysis),
	)
}

func (i *IOT) inferenceEnabled() bool {
	return i.opts.InferenceEnabled && i.Inferer != nil
}

// startAnalysis claims the image, moves it to a fresh pending attempt and
// runs the inference call in the background. Only one attempt per image may
// be outstanding.
func (i *IOT) startAnalysis(image *models.PlantImage, reset bool) error {
	if !i.inferenceEnabled() {
		return ErrInferenceDisabled
	}

	if _, loaded := i.inFlight.LoadOrStore(image.ID, struct{}{}); loaded {
		return fmt.Errorf("image %s: %w", image.ID, ErrAnalysisInFlight)
	}

	attempt, err := i.beginAttempt(image.ID, reset)
	if err != nil {
		i.inFlight.Delete(image.ID)
		return err
	}

	analysisLogger().Info("Analysis submitted", zap.String("imageId", image.ID), zap.Int("attempt", attempt))

	i.analyses.Add(1)
	go i.runAnalysis(*image, attempt)
	return nil
}

func (i *IOT) beginAttempt(imageID string, reset bool) (int, error) {
	updates := map[string]any{
		"analysis_state":   models.AnalysisPending,
		"analysis_attempt": gorm.Expr("analysis_attempt + 1"),
		"analysis_error":   "",
	}
	if reset {
		updates["result_disease"] = ""
		updates["result_confidence"] = 0
		updates["result_recommendations"] = datatypes.JSONSlice[string]{}
		updates["result_healthy"] = false
		updates["result_analyzed_at"] = nil
	}

	res := i.Db.Conn.Model(&models.PlantImage{}).Where("id = ?", imageID).Updates(updates)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, fmt.Errorf("image %s: %w", imageID, ErrNotFound)
	}

	var image models.PlantImage
	if err := i.Db.Conn.Select("analysis_attempt").First(&image, "id = ?", imageID).Error; err != nil {
		return 0, err
	}
	return image.AnalysisAttempt, nil
}

func (i *IOT) runAnalysis(image models.PlantImage, attempt int) {
	defer i.analyses.Done()
	defer i.inFlight.Delete(image.ID)

	ctx, cancel := context.WithTimeout(context.Background(), i.opts.InferenceTimeout)
	defer cancel()

	result, err := i.infer(ctx, &image)
	if err != nil {
		i.failAnalysis(&image, attempt, err)
		return
	}
	i.completeAnalysis(&image, attempt, result)
}

func (i *IOT) infer(ctx context.Context, image *models.PlantImage) (*models.AnalysisResult, error) {
	rc, err := i.Blobs.Open(image.StorageRef)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	data, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}

	result, err := i.Inferer.Analyze(ctx, data, image.Filename)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	if result == nil {
		return nil, fmt.Errorf("%w: empty result", ErrUpstream)
	}
	result.Confidence = min(max(result.Confidence, 0), 1)
	return result, nil
}

// pendingAttempt scopes an update to the attempt that is still current, so
// a late callback from a superseded or deleted attempt changes nothing.
func (i *IOT) pendingAttempt(imageID string, attempt int) *gorm.DB {
	return i.Db.Conn.Model(&models.PlantImage{}).
		Where("id = ? AND analysis_attempt = ? AND analysis_state = ?", imageID, attempt, models.AnalysisPending)
}

func (i *IOT) failAnalysis(image *models.PlantImage, attempt int, cause error) {
	logger := analysisLogger()

	res := i.pendingAttempt(image.ID, attempt).Updates(map[string]any{
		"analysis_state": models.AnalysisFailed,
		"analysis_error": cause.Error(),
	})
	if res.Error != nil {
		logger.Error("Failed to record analysis failure", zap.String("imageId", image.ID), zap.Error(res.Error))
		return
	}
	if res.RowsAffected == 0 {
		logger.Info("Dropped stale analysis failure", zap.String("imageId", image.ID), zap.Int("attempt", attempt))
		return
	}

	logger.Warn("Analysis failed", zap.String("imageId", image.ID), zap.Int("attempt", attempt), zap.Error(cause))

	i.publish(OwnerRoom(image.OwnerID), EventAnalysisFailed, AnalysisEvent{
		ImageID:  image.ID,
		SensorID: image.SensorID,
		Error:    cause.Error(),
	})
}

func (i *IOT) completeAnalysis(image *models.PlantImage, attempt int, result *models.AnalysisResult) {
	logger := analysisLogger()

	analyzedAt := i.now()
	result.AnalyzedAt = &analyzedAt
	if result.Recommendations == nil {
		result.Recommendations = datatypes.JSONSlice[string]{}
	}

	res := i.pendingAttempt(image.ID, attempt).Updates(map[string]any{
		"analysis_state":         models.AnalysisDone,
		"analysis_error":         "",
		"result_disease":         result.Disease,
		"result_confidence":      result.Confidence,
		"result_recommendations": result.Recommendations,
		"result_healthy":         result.Healthy,
		"result_analyzed_at":     analyzedAt,
	})
	if res.Error != nil {
		logger.Error("Failed to store analysis result", zap.String("imageId", image.ID), zap.Error(res.Error))
		return
	}
	if res.RowsAffected == 0 {
		logger.Info("Dropped stale analysis result", zap.String("imageId", image.ID), zap.Int("attempt", attempt))
		return
	}

	logger.Info("Analysis completed", zap.String("imageId", image.ID), zap.Reflect("result", result))

	event := AnalysisEvent{
		ImageID:  image.ID,
		SensorID: image.SensorID,
		Result:   result,
		Healthy:  result.Healthy,
	}

	if candidate, ok := diseaseCandidate(image.OwnerID, image.SensorID, result); ok {
		candidate.ImageID = image.ID
		alert, err := i.Alert.Raise(context.Background(), candidate)
		if err != nil {
			logger.Error("Failed to raise disease alert", zap.String("imageId", image.ID), zap.Error(err))
		}
		if alert != nil {
			event.AlertID = alert.ID
		}

		i.publish(OwnerRoom(image.OwnerID), EventDiseaseDetected, event)
	}

	i.publish(OwnerRoom(image.OwnerID), EventAnalysisComplete, event)
}

// diseaseCandidate turns an unhealthy result above the confidence floor into
// a disease alert candidate: critical above 0.9, warning above 0.7.
func diseaseCandidate(ownerID, sensorID string, result *models.AnalysisResult) (models.AlertCandidate, bool) {
	if result.Healthy || result.Confidence <= diseaseAlertConfidence {
		return models.AlertCandidate{}, false
	}

	severity := models.SeverityWarning
	if result.Confidence > diseaseCriticalConfidence {
		severity = models.SeverityCritical
	}

	return models.AlertCandidate{
		OwnerID:  ownerID,
		SensorID: sensorID,
		Category: models.CategoryDisease,
		Severity: severity,
		Rule:     models.RuleDiseaseDetected,
		Title:    "Disease detected: " + result.Disease,
		Body: fmt.Sprintf("%s detected with %.0f%% confidence. %d recommendation(s) available.",
			result.Disease, result.Confidence*100, len(result.Recommendations)),
	}, true
}

func (i *IOT) submitAnalysis(image *models.PlantImage) error {
	err := i.startAnalysis(image, false)
	if errors.Is(err, ErrInferenceDisabled) {
		analysisLogger().Info("Inference disabled, image left pending", zap.String("imageId", image.ID))
		return nil
	}
	return err
}

func (i *IOT) reanalyze(imageID, ownerID string) (*models.PlantImage, error) {
	image, err := i.findOwnedImage(imageID, ownerID)
	if err != nil {
		return nil, err
	}
	if err := i.startAnalysis(image, true); err != nil {
		return nil, err
	}

	image.AnalysisState = models.AnalysisPending
	image.AnalysisError = ""
	image.Result = models.AnalysisResult{Recommendations: datatypes.JSONSlice[string]{}}
	return image, nil
}

func (i *IOT) inferenceStatus(ctx context.Context) InferenceStatus {
	status := InferenceStatus{Enabled: i.inferenceEnabled()}
	if !status.Enabled {
		return status
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := i.Inferer.Health(ctx); err != nil {
		status.Error = err.Error()
		return status
	}
	status.Available = true
	return status
}

type IAnalysisImpl struct {
	iot *IOT
}

func (ia *IAnalysisImpl) Submit(image *models.PlantImage) error {
	return ia.iot.submitAnalysis(image)
}

func (ia *IAnalysisImpl) Reanalyze(imageID, ownerID string) (*models.PlantImage, error) {
	return ia.iot.reanalyze(imageID, ownerID)
}

func (ia *IAnalysisImpl) InferenceStatus(ctx context.Context) InferenceStatus {
	return ia.iot.inferenceStatus(ctx)
}

func (i *IOT) GetIAnalysis() IAnalysis {
	return &IAnalysisImpl{iot: i}
}
