package iot

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"liyu1981.xyz/smartplant-service/pkg/common"
	"liyu1981.xyz/smartplant-service/pkg/models"
)

const (
	DefaultSensorOfflineAfter = 5 * time.Minute
	DefaultSweepInterval      = time.Minute
	limiterIdleAfter          = time.Hour
	sensorLockIdleAfter       = time.Hour
)

type SweepReport struct {
	AlertsPurged   int64 `json:"alertsPurged"`
	DedupPruned    int   `json:"dedupPruned"`
	LimitersPruned int   `json:"limitersPruned"`
	LocksPruned    int   `json:"locksPruned"`
	OfflineAlerts  int   `json:"offlineAlerts"`
	RemindersSent  int   `json:"remindersSent"`
}

func sweeperLogger() *zap.Logger {
	return common.GetLoggerWith(
		common.LoggerNameIOTCore,
		zap.String(common.LoggerFieldIOTCategory, common.LoggerCategoryIOTSweeper),
	)
}

// Sweep runs one maintenance pass: alert retention, dedup window pruning,
// idle limiter and sensor lock pruning, due reminders and sensor-offline
// warnings.
func (i *IOT) Sweep(ctx context.Context) (*SweepReport, error) {
	report := &SweepReport{}
	now := i.now()

	if retention := i.opts.AlertRetention; retention > 0 {
		res := i.Db.Conn.WithContext(ctx).
			Where("created_at < ?", now.Add(-retention)).
			Delete(&models.Alert{})
		if res.Error != nil {
			return report, fmt.Errorf("purge alerts: %w", res.Error)
		}
		report.AlertsPurged = res.RowsAffected
	}

	report.DedupPruned = i.Dedup.Prune()

	if i.Limiters != nil {
		report.LimitersPruned = i.Limiters.PruneIdle(limiterIdleAfter)
	}
	report.LocksPruned = i.pruneSensorLocks(sensorLockIdleAfter)

	sent, err := i.fireDueReminders(ctx, now)
	if err != nil {
		return report, err
	}
	report.RemindersSent = sent

	offline, err := i.raiseOfflineSensors(ctx, now)
	if err != nil {
		return report, err
	}
	report.OfflineAlerts = offline

	return report, nil
}

func (i *IOT) raiseOfflineSensors(ctx context.Context, now time.Time) (int, error) {
	after := i.opts.SensorOfflineAfter
	if after <= 0 {
		after = DefaultSensorOfflineAfter
	}

	var sensors []models.Sensor
	err := i.Db.Conn.WithContext(ctx).
		Where("last_seen_at IS NOT NULL AND last_seen_at < ?", now.Add(-after)).
		Find(&sensors).Error
	if err != nil {
		return 0, fmt.Errorf("find offline sensors: %w", err)
	}

	raised := 0
	for _, sensor := range sensors {
		silentFor := now.Sub(*sensor.LastSeenAt).Truncate(time.Minute)
		alert, err := i.Alert.Raise(ctx, models.AlertCandidate{
			OwnerID:  sensor.OwnerID,
			SensorID: sensor.ID,
			Category: models.CategorySystem,
			Severity: models.SeverityWarning,
			Rule:     models.RuleSensorOffline,
			Title:    "Sensor offline",
			Body:     fmt.Sprintf("No data from sensor %s for %s.", sensor.Name, silentFor),
		})
		if err != nil {
			sweeperLogger().Error("Failed to raise offline alert", zap.String("sensorId", sensor.ID), zap.Error(err))
			continue
		}
		if alert != nil {
			raised++
		}
	}
	return raised, nil
}

// RebuildDedup seeds the dedup windows from alerts stored within the
// cooldown, so a restart does not re-emit what was just sent.
func (i *IOT) RebuildDedup(ctx context.Context) (int, error) {
	since := i.now().Add(-max(i.Dedup.window, i.Dedup.pumpWindow))

	var alerts []models.Alert
	err := i.Db.Conn.WithContext(ctx).
		Where("created_at >= ?", since).
		Order("created_at asc").
		Find(&alerts).Error
	if err != nil {
		return 0, err
	}

	for _, alert := range alerts {
		candidate := alert.Candidate()
		i.Dedup.Seed(DedupKeyOf(&candidate), alert.CreatedAt)
	}

	sweeperLogger().Info("Rebuilt dedup windows", zap.Int("alerts", len(alerts)), zap.Int("keys", i.Dedup.Len()))
	return len(alerts), nil
}

func (i *IOT) RunSweeper(ctx context.Context, interval time.Duration) error {
	logger := sweeperLogger()

	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			report, err := i.Sweep(ctx)
			if err != nil {
				logger.Error("Sweep failed", zap.Error(err))
				continue
			}
			logger.Debug("Sweep done", zap.Reflect("report", report))
		}
	}
}
