package http

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	z "github.com/Oudwins/zog"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"liyu1981.xyz/smartplant-service/pkg/iot"
	"liyu1981.xyz/smartplant-service/pkg/models"
)

type alertQuery struct {
	Read     *bool      `form:"read"`
	Category string     `form:"category"`
	Severity string     `form:"severity"`
	SensorID string     `form:"sensorId"`
	From     *time.Time `form:"from"`
	To       *time.Time `form:"to"`
	Limit    int        `form:"limit"`
	Page     int        `form:"page"`
}

func (q *alertQuery) filter() (iot.AlertFilter, error) {
	category := models.Category(q.Category)
	if category != "" && !category.Valid() {
		return iot.AlertFilter{}, fmt.Errorf("%w: unknown category %q", iot.ErrValidation, q.Category)
	}
	severity := models.Severity(q.Severity)
	if severity != "" && !severity.Valid() {
		return iot.AlertFilter{}, fmt.Errorf("%w: unknown severity %q", iot.ErrValidation, q.Severity)
	}
	return iot.AlertFilter{
		Read:     q.Read,
		Category: category,
		Severity: severity,
		SensorID: q.SensorID,
		From:     q.From,
		To:       q.To,
		Limit:    q.Limit,
		Page:     q.Page,
	}, nil
}

func bindAlertFilter(c *gin.Context) (iot.AlertFilter, error) {
	var q alertQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		return iot.AlertFilter{}, fmt.Errorf("%w: %v", iot.ErrValidation, err)
	}
	return q.filter()
}

func (rs *RestfulServer) GetAlerts(c *gin.Context) {
	filter, err := bindAlertFilter(c)
	if err != nil {
		rs.respondError(c, err)
		return
	}

	page, err := rs.Iot.Alert.ListAlerts(ownerID(c), filter)
	if err != nil {
		rs.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, page)
}

func (rs *RestfulServer) GetAlert(c *gin.Context) {
	alert, err := rs.Iot.Alert.GetAlert(c.Param("alert_id"), ownerID(c))
	if err != nil {
		rs.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, alert)
}

func (rs *RestfulServer) GetAlertSummary(c *gin.Context) {
	summary, err := rs.Iot.Alert.Summary(ownerID(c))
	if err != nil {
		rs.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, summary)
}

func (rs *RestfulServer) GetCriticalAlerts(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}

	alerts, err := rs.Iot.Alert.Critical(ownerID(c), limit)
	if err != nil {
		rs.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, alerts)
}

func (rs *RestfulServer) MarkAlertRead(c *gin.Context) {
	alert, err := rs.Iot.Alert.MarkRead(c.Param("alert_id"), ownerID(c))
	if err != nil {
		rs.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, alert)
}

func (rs *RestfulServer) MarkAllAlertsRead(c *gin.Context) {
	updated, err := rs.Iot.Alert.MarkAllRead(ownerID(c))
	if err != nil {
		rs.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"updated": updated})
}

func (rs *RestfulServer) DeleteAlert(c *gin.Context) {
	if err := rs.Iot.Alert.Remove(c.Param("alert_id"), ownerID(c)); err != nil {
		rs.respondError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (rs *RestfulServer) ClearReadAlerts(c *gin.Context) {
	deleted, err := rs.Iot.Alert.ClearRead(ownerID(c))
	if err != nil {
		rs.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

type snoozeRequest struct {
	Duration int `json:"duration"`
}

var snoozeSchema = z.Struct(z.Shape{
	"Duration": z.Int().GTE(0),
})

func (rs *RestfulServer) SnoozeAlert(c *gin.Context) {
	var req snoozeRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if errs := snoozeSchema.Validate(&req); errs != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errs})
		return
	}

	reminder, err := rs.Iot.Alert.Snooze(c.Param("alert_id"), ownerID(c), req.Duration)
	if err != nil {
		rs.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, reminder)
}

var reminderSchema = z.Struct(z.Shape{
	"AlertID":       z.String().Required(),
	"SnoozeMinutes": z.Int().GTE(0),
	"Message":       z.String().Max(500),
})

func (rs *RestfulServer) CreateReminder(c *gin.Context) {
	var req iot.ReminderInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if errs := reminderSchema.Validate(&req); errs != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errs})
		return
	}

	reminder, err := rs.Iot.Alert.CreateReminder(ownerID(c), &req)
	if err != nil {
		rs.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, reminder)
}

func (rs *RestfulServer) ListReminders(c *gin.Context) {
	reminders, err := rs.Iot.Alert.ListReminders(ownerID(c), models.ReminderStatus(c.Query("status")))
	if err != nil {
		rs.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, reminders)
}

func (rs *RestfulServer) CancelReminder(c *gin.Context) {
	reminder, err := rs.Iot.Alert.CancelReminder(c.Param("reminder_id"), ownerID(c))
	if err != nil {
		rs.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, reminder)
}

func (rs *RestfulServer) ExportAlerts(c *gin.Context) {
	filter, err := bindAlertFilter(c)
	if err != nil {
		rs.respondError(c, err)
		return
	}
	if filter.Limit == 0 {
		filter.Limit = maxExportRows
	}

	page, err := rs.Iot.Alert.ListAlerts(ownerID(c), filter)
	if err != nil {
		rs.respondError(c, err)
		return
	}

	data, err := GenerateAlertExport(page.Alerts)
	if err != nil {
		rs.respondError(c, err)
		return
	}

	filename := fmt.Sprintf("alerts-%s.xlsx", time.Now().UTC().Format("20060102"))
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	c.Data(http.StatusOK, xlsxContentType, data)
}

const defaultSSEKeepAlive = 30 * time.Second

// StreamAlerts is the one-way alternative to the websocket: every event of
// the owner's room is written as a server-sent event, with a comment line as
// keep-alive.
func (rs *RestfulServer) StreamAlerts(c *gin.Context) {
	owner := ownerID(c)
	stream := rs.Hub.Subscribe(iot.OwnerRoom(owner))
	defer stream.Close()

	keepAlive := rs.SSEKeepAlive
	if keepAlive <= 0 {
		keepAlive = defaultSSEKeepAlive
	}
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	rs.logger().Info("SSE stream opened", zap.String("ownerId", owner), zap.String("streamId", stream.ID))

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("connected", gin.H{"room": iot.OwnerRoom(owner)})
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case msg, ok := <-stream.C:
			if !ok {
				return false
			}
			c.SSEvent(msg.Event, msg.Payload)
			return true
		case <-ticker.C:
			_, err := io.WriteString(w, ": heartbeat\n\n")
			return err == nil
		}
	})

	rs.logger().Info("SSE stream closed", zap.String("ownerId", owner), zap.String("streamId", stream.ID))
}
