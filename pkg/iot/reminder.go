package iot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"liyu1981.xyz/smartplant-service/pkg/models"
)

const (
	DefaultSnoozeMinutes = 60
	maxSnoozeMinutes     = 7 * 24 * 60
)

type ReminderInput struct {
	AlertID       string `json:"alertId"`
	SnoozeMinutes int    `json:"snoozeDuration"`
	Message       string `json:"message"`
}

type ReminderEvent struct {
	Reminder models.Reminder `json:"reminder"`
	Alert    models.Alert    `json:"alert"`
}

func snoozeMinutes(minutes int) (int, error) {
	if minutes == 0 {
		return DefaultSnoozeMinutes, nil
	}
	if minutes < 0 || minutes > maxSnoozeMinutes {
		return 0, fmt.Errorf("%w: snooze must be between 1 and %d minutes", ErrValidation, maxSnoozeMinutes)
	}
	return minutes, nil
}

func (i *IOT) createReminder(ownerID string, input *ReminderInput) (*models.Reminder, error) {
	minutes, err := snoozeMinutes(input.SnoozeMinutes)
	if err != nil {
		return nil, err
	}

	alert, err := i.findOwnedAlert(input.AlertID, ownerID)
	if err != nil {
		return nil, err
	}

	now := i.now()
	reminder := models.Reminder{
		ID:            uuid.NewString(),
		OwnerID:       ownerID,
		AlertID:       alert.ID,
		RemindAt:      now.Add(time.Duration(minutes) * time.Minute),
		SnoozeMinutes: minutes,
		Message:       input.Message,
		Status:        models.ReminderPending,
		CreatedAt:     now,
	}
	if reminder.Message == "" {
		reminder.Message = "Reminder: " + alert.Title
	}

	if err := i.Db.Conn.Create(&reminder).Error; err != nil {
		return nil, err
	}

	alertLogger().Info("Reminder scheduled",
		zap.String("reminderId", reminder.ID),
		zap.String("alertId", alert.ID),
		zap.Time("remindAt", reminder.RemindAt))
	return &reminder, nil
}

// snoozeAlert marks the alert read until its reminder fires.
func (i *IOT) snoozeAlert(alertID, ownerID string, minutes int) (*models.Reminder, error) {
	if _, err := snoozeMinutes(minutes); err != nil {
		return nil, err
	}
	if _, err := i.markAlertRead(alertID, ownerID); err != nil {
		return nil, err
	}
	return i.createReminder(ownerID, &ReminderInput{AlertID: alertID, SnoozeMinutes: minutes})
}

func (i *IOT) listReminders(ownerID string, status models.ReminderStatus) ([]models.Reminder, error) {
	if status == "" {
		status = models.ReminderPending
	}
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown reminder status %q", ErrValidation, status)
	}

	reminders := []models.Reminder{}
	err := i.Db.Conn.
		Where("owner_id = ? AND status = ?", ownerID, status).
		Order("remind_at asc").
		Find(&reminders).Error
	if err != nil {
		return nil, err
	}
	return reminders, nil
}

func (i *IOT) cancelReminder(reminderID, ownerID string) (*models.Reminder, error) {
	var reminder models.Reminder
	if err := i.Db.Conn.First(&reminder, "id = ?", reminderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("reminder %s: %w", reminderID, ErrNotFound)
		}
		return nil, err
	}
	if reminder.OwnerID != ownerID {
		return nil, fmt.Errorf("reminder %s: %w", reminderID, ErrForbidden)
	}

	switch reminder.Status {
	case models.ReminderCancelled:
		return &reminder, nil
	case models.ReminderSent:
		return nil, fmt.Errorf("%w: reminder %s was already sent", ErrValidation, reminderID)
	}

	if err := i.Db.Conn.Model(&reminder).Update("status", models.ReminderCancelled).Error; err != nil {
		return nil, err
	}
	reminder.Status = models.ReminderCancelled
	return &reminder, nil
}

// fireDueReminders flips every due snoozed alert back to unread and
// notifies its owner. Reminders whose alert is gone are cancelled.
func (i *IOT) fireDueReminders(ctx context.Context, now time.Time) (int, error) {
	logger := sweeperLogger()

	var due []models.Reminder
	err := i.Db.Conn.WithContext(ctx).
		Where("status = ? AND remind_at <= ?", models.ReminderPending, now).
		Order("remind_at asc").
		Find(&due).Error
	if err != nil {
		return 0, fmt.Errorf("find due reminders: %w", err)
	}

	sent := 0
	for _, reminder := range due {
		var alert models.Alert
		err := i.Db.Conn.WithContext(ctx).First(&alert, "id = ?", reminder.AlertID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			i.Db.Conn.WithContext(ctx).Model(&reminder).Update("status", models.ReminderCancelled)
			continue
		}
		if err != nil {
			logger.Error("Failed to load reminded alert", zap.String("reminderId", reminder.ID), zap.Error(err))
			continue
		}

		var claimed int64
		err = i.Db.Conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res := tx.Model(&models.Reminder{}).
				Where("id = ? AND status = ?", reminder.ID, models.ReminderPending).
				Updates(map[string]any{"status": models.ReminderSent, "sent_at": now})
			if res.Error != nil {
				return res.Error
			}
			claimed = res.RowsAffected
			if claimed == 0 {
				return nil
			}
			return tx.Model(&alert).Update("read", false).Error
		})
		if err != nil {
			logger.Error("Failed to fire reminder", zap.String("reminderId", reminder.ID), zap.Error(err))
			continue
		}
		if claimed == 0 {
			continue
		}

		reminder.Status = models.ReminderSent
		reminder.SentAt = &now
		alert.Read = false
		i.publish(OwnerRoom(reminder.OwnerID), EventAlertReminder, ReminderEvent{Reminder: reminder, Alert: alert})
		sent++
	}
	return sent, nil
}

func (ia *IAlertImpl) Snooze(alertID, ownerID string, minutes int) (*models.Reminder, error) {
	return ia.iot.snoozeAlert(alertID, ownerID, minutes)
}

func (ia *IAlertImpl) CreateReminder(ownerID string, input *ReminderInput) (*models.Reminder, error) {
	return ia.iot.createReminder(ownerID, input)
}

func (ia *IAlertImpl) ListReminders(ownerID string, status models.ReminderStatus) ([]models.Reminder, error) {
	return ia.iot.listReminders(ownerID, status)
}

func (ia *IAlertImpl) CancelReminder(reminderID, ownerID string) (*models.Reminder, error) {
	return ia.iot.cancelReminder(reminderID, ownerID)
}
