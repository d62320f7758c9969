package http

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"liyu1981.xyz/smartplant-service/pkg/iot"
	"liyu1981.xyz/smartplant-service/pkg/models"
)

const imageFormField = "image"

func (rs *RestfulServer) upload(c *gin.Context, input iot.ImageUpload) {
	header, err := c.FormFile(imageFormField)
	if err != nil {
		rs.respondError(c, fmt.Errorf("%w: multipart field %q is required", iot.ErrValidation, imageFormField))
		return
	}
	if rs.MaxUploadBytes > 0 && header.Size > rs.MaxUploadBytes {
		rs.respondError(c, fmt.Errorf("%w: image exceeds %d bytes", iot.ErrValidation, rs.MaxUploadBytes))
		return
	}

	file, err := header.Open()
	if err != nil {
		rs.respondError(c, err)
		return
	}
	defer file.Close()

	input.Filename = header.Filename
	input.ContentType = header.Header.Get("Content-Type")
	input.Body = file
	input.MaxBytes = rs.MaxUploadBytes

	image, err := rs.Iot.Image.CreateImage(c.Request.Context(), &input)
	if err != nil {
		rs.respondError(c, err)
		return
	}

	rs.logger().Info("Image uploaded",
		zap.String("imageId", image.ID),
		zap.String("origin", string(image.Origin)),
		zap.Int64("size", image.Size))

	// analysis runs in the background; the client follows progress on the hub
	c.JSON(http.StatusCreated, image)
}

func (rs *RestfulServer) UploadManualImage(c *gin.Context) {
	rs.upload(c, iot.ImageUpload{
		OwnerID:  ownerID(c),
		SensorID: c.PostForm("sensorId"),
		Origin:   models.ImageOriginManual,
	})
}

func (rs *RestfulServer) UploadAutoImage(c *gin.Context) {
	sensorID := c.PostForm("sensorId")
	if sensorID == "" {
		rs.respondError(c, fmt.Errorf("%w: sensorId is required", iot.ErrValidation))
		return
	}
	if !rs.CheckSensorLimiter(sensorID) {
		c.Status(http.StatusTooManyRequests)
		return
	}

	rs.upload(c, iot.ImageUpload{
		OwnerID:  c.PostForm("ownerId"),
		SensorID: sensorID,
		Origin:   models.ImageOriginAutomatic,
	})
}

type imageQuery struct {
	Origin   string `form:"origin"`
	State    string `form:"state"`
	SensorID string `form:"sensorId"`
	Limit    int    `form:"limit"`
	Page     int    `form:"page"`
}

func (rs *RestfulServer) ListImages(c *gin.Context) {
	var q imageQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	page, err := rs.Iot.Image.ListImages(ownerID(c), iot.ImageFilter{
		Origin:   models.ImageOrigin(q.Origin),
		State:    models.AnalysisState(q.State),
		SensorID: q.SensorID,
		Limit:    q.Limit,
		Page:     q.Page,
	})
	if err != nil {
		rs.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, page)
}

func (rs *RestfulServer) GetImage(c *gin.Context) {
	image, err := rs.Iot.Image.GetImage(c.Param("image_id"), ownerID(c))
	if err != nil {
		rs.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, image)
}

func (rs *RestfulServer) GetImageFile(c *gin.Context) {
	rc, image, err := rs.Iot.Image.OpenImage(c.Param("image_id"), ownerID(c))
	if err != nil {
		rs.respondError(c, err)
		return
	}
	defer rc.Close()

	c.DataFromReader(http.StatusOK, image.Size, image.ContentType, rc, map[string]string{
		"Content-Disposition": fmt.Sprintf(`inline; filename="%s"`, image.Filename),
	})
}

func (rs *RestfulServer) ReanalyzeImage(c *gin.Context) {
	image, err := rs.Iot.Analysis.Reanalyze(c.Param("image_id"), ownerID(c))
	if err != nil {
		rs.respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, image)
}

func (rs *RestfulServer) DeleteImage(c *gin.Context) {
	if err := rs.Iot.Image.DeleteImage(c.Param("image_id"), ownerID(c)); err != nil {
		rs.respondError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (rs *RestfulServer) GetImageStats(c *gin.Context) {
	stats, err := rs.Iot.Image.ImageStats(ownerID(c))
	if err != nil {
		rs.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, stats)
}

func (rs *RestfulServer) GetAIStatus(c *gin.Context) {
	c.JSON(http.StatusOK, rs.Iot.Analysis.InferenceStatus(c.Request.Context()))
}
