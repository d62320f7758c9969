package iot

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"liyu1981.xyz/smartplant-service/pkg/common"
	"liyu1981.xyz/smartplant-service/pkg/models"
)

const (
	defaultAnalysisLimit     = 20
	defaultAnalysisStatsDays = 30
	maxAnalysisStatsDays     = 365
	topDiseasesLimit         = 10
)

// AnalysisReport is a result the inference service pushes for a sensor
// camera or an owner.
type AnalysisReport struct {
	SensorID        string     `json:"sensorId"`
	OwnerID         string     `json:"ownerId"`
	Disease         string     `json:"disease"`
	Confidence      float64    `json:"confidence"`
	DiseaseDetected bool       `json:"diseaseDetected"`
	Risk            string     `json:"risk"`
	Recommendations []string   `json:"recommendations"`
	ModelVersion    string     `json:"modelVersion"`
	AnalyzedAt      *time.Time `json:"analyzedAt"`
}

type AnalysisFilter struct {
	SensorID        string
	DiseaseDetected *bool
	From            *time.Time
	To              *time.Time
	Limit           int
	Page            int
}

type AnalysisPage struct {
	Records []models.AnalysisRecord `json:"records"`
	Total   int64                   `json:"total"`
	Page    int                     `json:"page"`
	Pages   int                     `json:"pages"`
	Limit   int                     `json:"limit"`
}

type AnalysisStatsQuery struct {
	Days     int
	SensorID string
}

type DiseaseCount struct {
	Disease       string  `json:"disease"`
	Count         int64   `json:"count"`
	AvgConfidence float64 `json:"avgConfidence"`
}

type DailyAnalysisCount struct {
	Day      string `json:"day"`
	Total    int64  `json:"total"`
	Diseases int64  `json:"diseases"`
	Healthy  int64  `json:"healthy"`
}

type AnalysisStats struct {
	Days          int                           `json:"days"`
	Since         time.Time                     `json:"since"`
	Total         int64                         `json:"total"`
	Diseases      int64                         `json:"diseases"`
	Healthy       int64                         `json:"healthy"`
	AvgConfidence float64                       `json:"avgConfidence"`
	ByRisk        map[models.AnalysisRisk]int64 `json:"byRisk"`
	TopDiseases   []DiseaseCount                `json:"topDiseases"`
	Daily         []DailyAnalysisCount          `json:"daily"`
	BySensor      map[string]int64              `json:"bySensor"`
}

// normalizeConfidence accepts a ratio or a percentage.
func normalizeConfidence(c float64) (float64, error) {
	if math.IsNaN(c) || c < 0 || c > 100 {
		return 0, fmt.Errorf("%w: confidence %v out of range", ErrValidation, c)
	}
	if c > 1 {
		c /= 100
	}
	return c, nil
}

func (i *IOT) receiveAnalysis(ctx context.Context, report *AnalysisReport) (*models.AnalysisRecord, error) {
	logger := analysisLogger()

	disease := strings.TrimSpace(report.Disease)
	if disease == "" {
		return nil, fmt.Errorf("%w: disease is required", ErrValidation)
	}
	confidence, err := normalizeConfidence(report.Confidence)
	if err != nil {
		return nil, err
	}
	risk := models.AnalysisRisk(common.Coalesce(report.Risk, string(models.AnalysisRiskNone)))
	if !risk.Valid() {
		return nil, fmt.Errorf("%w: unknown risk %q", ErrValidation, report.Risk)
	}

	ownerID, err := i.resolveOwner(report.SensorID, report.OwnerID)
	if err != nil {
		return nil, err
	}

	now := i.now()
	analyzedAt := now
	if report.AnalyzedAt != nil && !report.AnalyzedAt.IsZero() {
		analyzedAt = report.AnalyzedAt.UTC()
	}
	recommendations := datatypes.JSONSlice[string]{}
	if report.Recommendations != nil {
		recommendations = datatypes.JSONSlice[string](report.Recommendations)
	}

	record := models.AnalysisRecord{
		ID:              uuid.NewString(),
		OwnerID:         ownerID,
		SensorID:        report.SensorID,
		Disease:         disease,
		Confidence:      confidence,
		DiseaseDetected: report.DiseaseDetected,
		Risk:            risk,
		Recommendations: recommendations,
		ModelVersion:    report.ModelVersion,
		AnalyzedAt:      analyzedAt,
		CreatedAt:       now,
	}

	if err := i.Db.Conn.WithContext(ctx).Create(&record).Error; err != nil {
		return nil, err
	}
	if record.SensorID != "" {
		if err := i.touchSensor(record.SensorID, now); err != nil {
			logger.Warn("Failed to update sensor last seen", zap.String("sensorId", record.SensorID), zap.Error(err))
		}
	}

	logger.Info("Analysis received", zap.Reflect("record", record))

	result := &models.AnalysisResult{
		Disease:         record.Disease,
		Confidence:      record.Confidence,
		Recommendations: record.Recommendations,
		Healthy:         !record.DiseaseDetected,
		AnalyzedAt:      &record.AnalyzedAt,
	}
	event := AnalysisEvent{
		AnalysisID: record.ID,
		SensorID:   record.SensorID,
		Result:     result,
		Healthy:    result.Healthy,
	}

	if candidate, ok := diseaseCandidate(ownerID, record.SensorID, result); ok {
		alert, err := i.Alert.Raise(ctx, candidate)
		if err != nil {
			logger.Error("Failed to raise disease alert", zap.String("analysisId", record.ID), zap.Error(err))
		}
		if alert != nil {
			event.AlertID = alert.ID
			record.AlertID = alert.ID
			if err := i.Db.Conn.Model(&record).Update("alert_id", alert.ID).Error; err != nil {
				logger.Warn("Failed to link alert to analysis", zap.String("analysisId", record.ID), zap.Error(err))
			}
		}
		i.publish(OwnerRoom(ownerID), EventDiseaseDetected, event)
	}

	i.publish(OwnerRoom(ownerID), EventAnalysisComplete, event)

	return &record, nil
}

func (i *IOT) findOwnedAnalysis(analysisID, ownerID string) (*models.AnalysisRecord, error) {
	var record models.AnalysisRecord
	if err := i.Db.Conn.First(&record, "id = ?", analysisID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("analysis %s: %w", analysisID, ErrNotFound)
		}
		return nil, err
	}
	if record.OwnerID != ownerID {
		return nil, fmt.Errorf("analysis %s: %w", analysisID, ErrForbidden)
	}
	return &record, nil
}

func (i *IOT) deleteAnalysis(analysisID, ownerID string) error {
	record, err := i.findOwnedAnalysis(analysisID, ownerID)
	if err != nil {
		return err
	}
	return i.Db.Conn.Delete(record).Error
}

func (i *IOT) analysisQuery(ownerID string, filter AnalysisFilter) *gorm.DB {
	q := i.Db.Conn.Model(&models.AnalysisRecord{}).Where("owner_id = ?", ownerID)
	if filter.SensorID != "" {
		q = q.Where("sensor_id = ?", filter.SensorID)
	}
	if filter.DiseaseDetected != nil {
		q = q.Where("disease_detected = ?", *filter.DiseaseDetected)
	}
	if filter.From != nil {
		q = q.Where("analyzed_at >= ?", filter.From.UTC())
	}
	if filter.To != nil {
		q = q.Where("analyzed_at <= ?", filter.To.UTC())
	}
	return q
}

func (i *IOT) analysisHistory(ownerID string, filter AnalysisFilter) (*AnalysisPage, error) {
	page := &AnalysisPage{
		Records: []models.AnalysisRecord{},
		Limit:   normalizeLimit(filter.Limit, defaultAnalysisLimit, maxAlertLimit),
		Page:    max(filter.Page, 1),
	}

	if err := i.analysisQuery(ownerID, filter).Count(&page.Total).Error; err != nil {
		return nil, err
	}
	page.Pages = int((page.Total + int64(page.Limit) - 1) / int64(page.Limit))

	err := i.analysisQuery(ownerID, filter).
		Order("analyzed_at desc").
		Limit(page.Limit).
		Offset((page.Page - 1) * page.Limit).
		Find(&page.Records).Error
	if err != nil {
		return nil, err
	}
	return page, nil
}

type analysisPoint struct {
	SensorID        string
	Disease         string
	Confidence      float64
	DiseaseDetected bool
	Risk            models.AnalysisRisk
	AnalyzedAt      time.Time
}

func (i *IOT) analysisStats(ownerID string, query AnalysisStatsQuery) (*AnalysisStats, error) {
	days := normalizeLimit(query.Days, defaultAnalysisStatsDays, maxAnalysisStatsDays)
	since := i.now().Add(-time.Duration(days) * 24 * time.Hour)

	var points []analysisPoint
	err := i.analysisQuery(ownerID, AnalysisFilter{SensorID: query.SensorID, From: &since}).
		Select("sensor_id, disease, confidence, disease_detected, risk, analyzed_at").
		Order("analyzed_at asc").
		Scan(&points).Error
	if err != nil {
		return nil, err
	}

	stats := &AnalysisStats{
		Days:        days,
		Since:       since,
		Total:       int64(len(points)),
		ByRisk:      map[models.AnalysisRisk]int64{},
		TopDiseases: []DiseaseCount{},
		Daily:       []DailyAnalysisCount{},
		BySensor:    map[string]int64{},
	}
	for _, r := range []models.AnalysisRisk{models.AnalysisRiskNone, models.AnalysisRiskLow, models.AnalysisRiskMedium, models.AnalysisRiskHigh} {
		stats.ByRisk[r] = 0
	}
	if len(points) == 0 {
		return stats, nil
	}

	confidenceSum := common.Reducer(points, func(acc float64, p analysisPoint) float64 {
		return acc + p.Confidence
	}, 0)
	stats.AvgConfidence = confidenceSum / float64(len(points))

	diseased := common.Filter(points, func(p analysisPoint) bool { return p.DiseaseDetected })
	stats.Diseases = int64(len(diseased))
	stats.Healthy = stats.Total - stats.Diseases

	type diseaseAcc struct {
		count int64
		conf  float64
	}
	byDisease := map[string]*diseaseAcc{}
	for _, p := range diseased {
		acc, ok := byDisease[p.Disease]
		if !ok {
			acc = &diseaseAcc{}
			byDisease[p.Disease] = acc
		}
		acc.count++
		acc.conf += p.Confidence
	}
	for name, acc := range byDisease {
		stats.TopDiseases = append(stats.TopDiseases, DiseaseCount{
			Disease:       name,
			Count:         acc.count,
			AvgConfidence: acc.conf / float64(acc.count),
		})
	}
	sort.Slice(stats.TopDiseases, func(a, b int) bool {
		if stats.TopDiseases[a].Count != stats.TopDiseases[b].Count {
			return stats.TopDiseases[a].Count > stats.TopDiseases[b].Count
		}
		return stats.TopDiseases[a].Disease < stats.TopDiseases[b].Disease
	})
	if len(stats.TopDiseases) > topDiseasesLimit {
		stats.TopDiseases = stats.TopDiseases[:topDiseasesLimit]
	}

	for _, p := range points {
		stats.ByRisk[p.Risk]++
		stats.BySensor[p.SensorID]++

		day := p.AnalyzedAt.UTC().Format(time.DateOnly)
		if n := len(stats.Daily); n == 0 || stats.Daily[n-1].Day != day {
			stats.Daily = append(stats.Daily, DailyAnalysisCount{Day: day})
		}
		bucket := &stats.Daily[len(stats.Daily)-1]
		bucket.Total++
		if p.DiseaseDetected {
			bucket.Diseases++
		} else {
			bucket.Healthy++
		}
	}

	return stats, nil
}

func (ia *IAnalysisImpl) Receive(ctx context.Context, report *AnalysisReport) (*models.AnalysisRecord, error) {
	return ia.iot.receiveAnalysis(ctx, report)
}

func (ia *IAnalysisImpl) History(ownerID string, filter AnalysisFilter) (*AnalysisPage, error) {
	return ia.iot.analysisHistory(ownerID, filter)
}

func (ia *IAnalysisImpl) Stats(ownerID string, query AnalysisStatsQuery) (*AnalysisStats, error) {
	return ia.iot.analysisStats(ownerID, query)
}

func (ia *IAnalysisImpl) GetRecord(analysisID, ownerID string) (*models.AnalysisRecord, error) {
	return ia.iot.findOwnedAnalysis(analysisID, ownerID)
}

func (ia *IAnalysisImpl) DeleteRecord(analysisID, ownerID string) error {
	return ia.iot.deleteAnalysis(analysisID, ownerID)
}
