package http

import (
	"fmt"
	"net/http"
	"time"

	z "github.com/Oudwins/zog"
	"github.com/gin-gonic/gin"
	"liyu1981.xyz/smartplant-service/pkg/iot"
)

var analysisReportSchema = z.Struct(z.Shape{
	"SensorID":     z.String().Max(64),
	"Disease":      z.String().Required().Max(120),
	"Confidence":   z.Float64().GTE(0).LTE(100),
	"Risk":         z.String().OneOf([]string{"", "none", "low", "medium", "high"}),
	"ModelVersion": z.String().Max(64),
})

// ReceiveAnalysis accepts a result pushed by the inference service.
func (rs *RestfulServer) ReceiveAnalysis(c *gin.Context) {
	var req iot.AnalysisReport
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if errs := analysisReportSchema.Validate(&req); errs != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errs})
		return
	}

	record, err := rs.Iot.Analysis.Receive(c.Request.Context(), &req)
	if err != nil {
		rs.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, record)
}

type analysisHistoryQuery struct {
	SensorID        string     `form:"sensorId"`
	DiseaseDetected *bool      `form:"diseaseDetected"`
	From            *time.Time `form:"from"`
	To              *time.Time `form:"to"`
	Limit           int        `form:"limit"`
	Page            int        `form:"page"`
}

func (rs *RestfulServer) GetAnalysisHistory(c *gin.Context) {
	var q analysisHistoryQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		rs.respondError(c, fmt.Errorf("%w: %v", iot.ErrValidation, err))
		return
	}

	page, err := rs.Iot.Analysis.History(ownerID(c), iot.AnalysisFilter{
		SensorID:        q.SensorID,
		DiseaseDetected: q.DiseaseDetected,
		From:            q.From,
		To:              q.To,
		Limit:           q.Limit,
		Page:            q.Page,
	})
	if err != nil {
		rs.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, page)
}

type analysisStatsQuery struct {
	Days     int    `form:"days"`
	SensorID string `form:"sensorId"`
}

func (rs *RestfulServer) GetAnalysisStats(c *gin.Context) {
	var q analysisStatsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		rs.respondError(c, fmt.Errorf("%w: %v", iot.ErrValidation, err))
		return
	}
	if q.Days < 0 {
		rs.respondError(c, fmt.Errorf("%w: days must not be negative", iot.ErrValidation))
		return
	}

	stats, err := rs.Iot.Analysis.Stats(ownerID(c), iot.AnalysisStatsQuery{Days: q.Days, SensorID: q.SensorID})
	if err != nil {
		rs.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, stats)
}

func (rs *RestfulServer) GetAnalysis(c *gin.Context) {
	record, err := rs.Iot.Analysis.GetRecord(c.Param("analysis_id"), ownerID(c))
	if err != nil {
		rs.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, record)
}

func (rs *RestfulServer) DeleteAnalysis(c *gin.Context) {
	if err := rs.Iot.Analysis.DeleteRecord(c.Param("analysis_id"), ownerID(c)); err != nil {
		rs.respondError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}
