package iot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"liyu1981.xyz/smartplant-service/pkg/common"
	"liyu1981.xyz/smartplant-service/pkg/models"
)

const (
	defaultAlertLimit = 50
	maxAlertLimit     = 500
)

type AlertFilter struct {
	Read     *bool
	Category models.Category
	Severity models.Severity
	SensorID string
	From     *time.Time
	To       *time.Time
	Limit    int
	Page     int
}

type AlertPage struct {
	Alerts     []models.Alert            `json:"alerts"`
	Total      int64                     `json:"total"`
	Page       int                       `json:"page"`
	Limit      int                       `json:"limit"`
	Unread     int64                     `json:"unreadCount"`
	BySeverity map[models.Severity]int64 `json:"bySeverity"`
}

type AlertSummary struct {
	Total      int64                     `json:"total"`
	Unread     int64                     `json:"unread"`
	BySeverity map[models.Severity]int64 `json:"bySeverity"`
	ByCategory map[models.Category]int64 `json:"byCategory"`
}

func alertLogger() *zap.Logger {
	return common.GetLoggerWith(
		common.LoggerNameIOTCore,
		zap.String(common.LoggerFieldIOTCategory, common.LoggerCategoryIOTAlert),
	)
}

func normalizeLimit(limit, def, ceiling int) int {
	if limit <= 0 {
		return def
	}
	if limit > ceiling {
		return ceiling
	}
	return limit
}

func (i *IOT) notificationsEnabled(ownerID string) (bool, error) {
	profile, err := i.Profile.GetProfile(ownerID)
	if err != nil {
		return false, err
	}
	return profile.NotificationsEnabled, nil
}

func (i *IOT) raiseAlert(ctx context.Context, candidate models.AlertCandidate) (*models.Alert, error) {
	logger := alertLogger()

	// the notification preference gates creation, so a disabled owner never
	// occupies a dedup window either
	enabled, err := i.notificationsEnabled(candidate.OwnerID)
	if err != nil {
		return nil, err
	}
	if !enabled {
		logger.Debug("Notifications disabled, candidate dropped", zap.Reflect("candidate", candidate))
		return nil, nil
	}

	if !i.Dedup.Accept(&candidate) {
		common.GetLoggerWith(
			common.LoggerNameIOTCore,
			zap.String(common.LoggerFieldIOTCategory, common.LoggerCategoryIOTDedup),
		).Debug("Candidate suppressed", zap.Reflect("candidate", candidate))
		return nil, nil
	}

	return i.storeAndPublish(ctx, candidate)
}

func (i *IOT) recordAlert(ctx context.Context, candidate models.AlertCandidate) (*models.Alert, error) {
	enabled, err := i.notificationsEnabled(candidate.OwnerID)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return nil, nil
	}
	return i.storeAndPublish(ctx, candidate)
}

func (i *IOT) storeAndPublish(ctx context.Context, candidate models.AlertCandidate) (*models.Alert, error) {
	logger := alertLogger()

	if candidate.OwnerID == "" {
		return nil, fmt.Errorf("%w: alert without owner", ErrValidation)
	}

	alert := models.Alert{
		ID:        uuid.NewString(),
		OwnerID:   candidate.OwnerID,
		SensorID:  candidate.SensorID,
		ImageID:   candidate.ImageID,
		Category:  candidate.Category,
		Severity:  candidate.Severity,
		Rule:      candidate.Rule,
		Title:     candidate.Title,
		Body:      candidate.Body,
		Read:      false,
		CreatedAt: i.now(),
	}

	if err := i.Db.Conn.WithContext(ctx).Create(&alert).Error; err != nil {
		return nil, err
	}

	logger.Info("Alert saved", zap.Reflect("alert", alert))

	// delivery is best effort, the stored alert stands either way
	i.publish(OwnerRoom(alert.OwnerID), EventNewAlert, alert)

	return &alert, nil
}

func (i *IOT) findOwnedAlert(alertID, ownerID string) (*models.Alert, error) {
	var alert models.Alert
	if err := i.Db.Conn.First(&alert, "id = ?", alertID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("alert %s: %w", alertID, ErrNotFound)
		}
		return nil, err
	}
	if alert.OwnerID != ownerID {
		return nil, fmt.Errorf("alert %s: %w", alertID, ErrForbidden)
	}
	return &alert, nil
}

func (i *IOT) markAlertRead(alertID, ownerID string) (*models.Alert, error) {
	alert, err := i.findOwnedAlert(alertID, ownerID)
	if err != nil {
		return nil, err
	}
	if alert.Read {
		return alert, nil
	}
	if err := i.Db.Conn.Model(alert).Update("read", true).Error; err != nil {
		return nil, err
	}
	alert.Read = true
	i.publish(OwnerRoom(ownerID), EventAlertsChanged, map[string]any{"alertId": alert.ID, "read": true})
	return alert, nil
}

func (i *IOT) markAllAlertsRead(ownerID string) (int64, error) {
	res := i.Db.Conn.Model(&models.Alert{}).
		Where("owner_id = ? AND read = ?", ownerID, false).
		Update("read", true)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		i.publish(OwnerRoom(ownerID), EventAlertsChanged, map[string]any{"read": true, "count": res.RowsAffected})
	}
	return res.RowsAffected, nil
}

func (i *IOT) removeAlert(alertID, ownerID string) error {
	alert, err := i.findOwnedAlert(alertID, ownerID)
	if err != nil {
		return err
	}
	if err := i.Db.Conn.Delete(alert).Error; err != nil {
		return err
	}
	alertLogger().Info("Alert removed", zap.String("alertId", alertID), zap.String("ownerId", ownerID))
	return nil
}

func (i *IOT) clearReadAlerts(ownerID string) (int64, error) {
	res := i.Db.Conn.Where("owner_id = ? AND read = ?", ownerID, true).Delete(&models.Alert{})
	return res.RowsAffected, res.Error
}

func (i *IOT) alertQuery(ownerID string, filter AlertFilter) *gorm.DB {
	q := i.Db.Conn.Model(&models.Alert{}).Where("owner_id = ?", ownerID)
	if filter.Read != nil {
		q = q.Where("read = ?", *filter.Read)
	}
	if filter.Category != "" {
		q = q.Where("category = ?", filter.Category)
	}
	if filter.Severity != "" {
		q = q.Where("severity = ?", filter.Severity)
	}
	if filter.SensorID != "" {
		q = q.Where("sensor_id = ?", filter.SensorID)
	}
	if filter.From != nil {
		q = q.Where("created_at >= ?", filter.From.UTC())
	}
	if filter.To != nil {
		q = q.Where("created_at <= ?", filter.To.UTC())
	}
	return q
}

func (i *IOT) listAlerts(ownerID string, filter AlertFilter) (*AlertPage, error) {
	page := &AlertPage{
		Alerts: []models.Alert{},
		Limit:  normalizeLimit(filter.Limit, defaultAlertLimit, maxAlertLimit),
		Page:   max(filter.Page, 1),
	}

	if err := i.alertQuery(ownerID, filter).Count(&page.Total).Error; err != nil {
		return nil, err
	}

	err := i.alertQuery(ownerID, filter).
		Order("created_at desc").
		Limit(page.Limit).
		Offset((page.Page - 1) * page.Limit).
		Find(&page.Alerts).Error
	if err != nil {
		return nil, err
	}

	if page.Unread, err = i.unreadCount(ownerID); err != nil {
		return nil, err
	}
	if page.BySeverity, err = i.countBySeverity(ownerID); err != nil {
		return nil, err
	}

	return page, nil
}

func (i *IOT) unreadCount(ownerID string) (int64, error) {
	var n int64
	err := i.Db.Conn.Model(&models.Alert{}).
		Where("owner_id = ? AND read = ?", ownerID, false).
		Count(&n).Error
	return n, err
}

type groupCount struct {
	Bucket string
	Count  int64
}

func (i *IOT) countGrouped(ownerID, column string, unreadOnly bool) ([]groupCount, error) {
	var rows []groupCount
	q := i.Db.Conn.Model(&models.Alert{}).
		Select(column + " as bucket, count(*) as count").
		Where("owner_id = ?", ownerID)
	if unreadOnly {
		q = q.Where("read = ?", false)
	}
	err := q.Group(column).Scan(&rows).Error
	return rows, err
}

// countBySeverity counts unread alerts per severity, every severity present.
func (i *IOT) countBySeverity(ownerID string) (map[models.Severity]int64, error) {
	rows, err := i.countGrouped(ownerID, "severity", true)
	if err != nil {
		return nil, err
	}
	out := make(map[models.Severity]int64, len(models.Severities))
	for _, s := range models.Severities {
		out[s] = 0
	}
	for _, r := range rows {
		out[models.Severity(r.Bucket)] = r.Count
	}
	return out, nil
}

func (i *IOT) alertSummary(ownerID string) (*AlertSummary, error) {
	summary := &AlertSummary{}
	var err error

	if err = i.Db.Conn.Model(&models.Alert{}).Where("owner_id = ?", ownerID).Count(&summary.Total).Error; err != nil {
		return nil, err
	}
	if summary.Unread, err = i.unreadCount(ownerID); err != nil {
		return nil, err
	}
	if summary.BySeverity, err = i.countBySeverity(ownerID); err != nil {
		return nil, err
	}

	rows, err := i.countGrouped(ownerID, "category", true)
	if err != nil {
		return nil, err
	}
	summary.ByCategory = make(map[models.Category]int64, len(models.Categories))
	for _, c := range models.Categories {
		summary.ByCategory[c] = 0
	}
	for _, r := range rows {
		summary.ByCategory[models.Category(r.Bucket)] = r.Count
	}

	return summary, nil
}

func (i *IOT) criticalAlerts(ownerID string, limit int) ([]models.Alert, error) {
	var alerts []models.Alert
	err := i.Db.Conn.
		Where("owner_id = ? AND severity = ? AND read = ?", ownerID, models.SeverityCritical, false).
		Order("created_at desc").
		Limit(normalizeLimit(limit, 10, maxAlertLimit)).
		Find(&alerts).Error
	return alerts, err
}

type IAlertImpl struct {
	iot *IOT
}

func (ia *IAlertImpl) Raise(ctx context.Context, candidate models.AlertCandidate) (*models.Alert, error) {
	return ia.iot.raiseAlert(ctx, candidate)
}

func (ia *IAlertImpl) Record(ctx context.Context, candidate models.AlertCandidate) (*models.Alert, error) {
	return ia.iot.recordAlert(ctx, candidate)
}

func (ia *IAlertImpl) GetAlert(alertID, ownerID string) (*models.Alert, error) {
	return ia.iot.findOwnedAlert(alertID, ownerID)
}

func (ia *IAlertImpl) MarkRead(alertID, ownerID string) (*models.Alert, error) {
	return ia.iot.markAlertRead(alertID, ownerID)
}

func (ia *IAlertImpl) MarkAllRead(ownerID string) (int64, error) {
	return ia.iot.markAllAlertsRead(ownerID)
}

func (ia *IAlertImpl) Remove(alertID, ownerID string) error {
	return ia.iot.removeAlert(alertID, ownerID)
}

func (ia *IAlertImpl) ClearRead(ownerID string) (int64, error) {
	return ia.iot.clearReadAlerts(ownerID)
}

func (ia *IAlertImpl) ListAlerts(ownerID string, filter AlertFilter) (*AlertPage, error) {
	return ia.iot.listAlerts(ownerID, filter)
}

func (ia *IAlertImpl) UnreadCount(ownerID string) (int64, error) {
	return ia.iot.unreadCount(ownerID)
}

func (ia *IAlertImpl) CountBySeverity(ownerID string) (map[models.Severity]int64, error) {
	return ia.iot.countBySeverity(ownerID)
}

func (ia *IAlertImpl) Summary(ownerID string) (*AlertSummary, error) {
	return ia.iot.alertSummary(ownerID)
}

func (ia *IAlertImpl) Critical(ownerID string, limit int) ([]models.Alert, error) {
	return ia.iot.criticalAlerts(ownerID, limit)
}

func (i *IOT) GetIAlert() IAlert {
	return &IAlertImpl{iot: i}
}
