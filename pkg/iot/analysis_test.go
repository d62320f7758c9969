package iot

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"gorm.io/datatypes"
	"liyu1981.xyz/smartplant-service/pkg/common"
	"liyu1981.xyz/smartplant-service/pkg/models"
	_ "liyu1981.xyz/smartplant-service/pkg/testing"
)

var leafJPEG = []byte("\xff\xd8\xff\xe0fake-leaf")

func uploadLeaf(t *testing.T, ti *testIOT, ownerID string) *models.PlantImage {
	t.Helper()
	image, err := ti.Image.CreateImage(context.Background(), &ImageUpload{
		OwnerID:     ownerID,
		SensorID:    "cam-" + ownerID[:8],
		Origin:      models.ImageOriginManual,
		Filename:    "leaf.jpg",
		ContentType: "image/jpeg",
		Body:        bytes.NewReader(leafJPEG),
	})
	require.NoError(t, err)
	require.Equal(t, models.AnalysisPending, image.AnalysisState)
	return image
}

func blight(confidence float64) *models.AnalysisResult {
	return &models.AnalysisResult{
		Disease:         "Tomato late blight",
		Confidence:      confidence,
		Recommendations: datatypes.JSONSlice[string]{"Remove affected leaves", "Apply copper fungicide"},
	}
}

func TestAnalysisDiseaseRaisesCriticalAlert(t *testing.T) {
	common.SetTestLoggerNop()
	ti := GetMockIOTWithMemorySqliteDialector(t, true)

	ti.inferer.EXPECT().
		Analyze(gomock.Any(), leafJPEG, "leaf.jpg").
		Return(blight(0.95), nil).
		Times(1)

	ownerID := uuid.NewString()
	image := uploadLeaf(t, ti, ownerID)
	ti.Wait()

	stored, err := ti.Image.GetImage(image.ID, ownerID)
	require.NoError(t, err)
	assert.Equal(t, models.AnalysisDone, stored.AnalysisState)
	assert.Equal(t, "Tomato late blight", stored.Result.Disease)
	assert.Equal(t, 0.95, stored.Result.Confidence)
	assert.False(t, stored.Result.Healthy)
	assert.Len(t, stored.Result.Recommendations, 2)
	require.NotNil(t, stored.Result.AnalyzedAt)

	alerts, err := ti.Alert.ListAlerts(ownerID, AlertFilter{Category: models.CategoryDisease})
	require.NoError(t, err)
	require.Len(t, alerts.Alerts, 1)
	alert := alerts.Alerts[0]
	assert.Equal(t, models.SeverityCritical, alert.Severity)
	assert.Equal(t, image.ID, alert.ImageID)
	assert.Contains(t, alert.Title, "Tomato late blight")

	completed := ti.publisher.Find(OwnerRoom(ownerID), EventAnalysisComplete)
	require.Len(t, completed, 1)
	event := completed[0].Payload.(AnalysisEvent)
	assert.Equal(t, image.ID, event.ImageID)
	assert.Equal(t, alert.ID, event.AlertID)

	assert.Len(t, ti.publisher.Find(OwnerRoom(ownerID), EventDiseaseDetected), 1)
	assert.Len(t, ti.publisher.Find(OwnerRoom(ownerID), EventNewAlert), 1)
}

func TestAnalysisDiseaseSeverityByConfidence(t *testing.T) {
	cases := []struct {
		confidence float64
		want       models.Severity
	}{
		{0.5, ""},
		{0.7, ""},
		{0.8, models.SeverityWarning},
		{0.9, models.SeverityWarning},
		{0.91, models.SeverityCritical},
		{1.7, models.SeverityCritical},
	}

	for _, tc := range cases {
		common.SetTestLoggerNop()
		ti := GetMockIOTWithMemorySqliteDialector(t, true)
		ti.inferer.EXPECT().Analyze(gomock.Any(), gomock.Any(), gomock.Any()).Return(blight(tc.confidence), nil)

		ownerID := uuid.NewString()
		uploadLeaf(t, ti, ownerID)
		ti.Wait()

		alerts, err := ti.Alert.ListAlerts(ownerID, AlertFilter{})
		require.NoError(t, err)
		if tc.want == "" {
			assert.Empty(t, alerts.Alerts, "confidence %v", tc.confidence)
			assert.Empty(t, ti.publisher.Find(OwnerRoom(ownerID), EventDiseaseDetected))
		} else {
			require.Len(t, alerts.Alerts, 1, "confidence %v", tc.confidence)
			assert.Equal(t, tc.want, alerts.Alerts[0].Severity)
		}
		assert.Len(t, ti.publisher.Find(OwnerRoom(ownerID), EventAnalysisComplete), 1)
	}
}

func TestAnalysisHealthyPlant(t *testing.T) {
	common.SetTestLoggerNop()
	ti := GetMockIOTWithMemorySqliteDialector(t, true)

	ti.inferer.EXPECT().
		Analyze(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(&models.AnalysisResult{Disease: "healthy", Confidence: 0.99, Healthy: true}, nil)

	ownerID := uuid.NewString()
	image := uploadLeaf(t, ti, ownerID)
	ti.Wait()

	stored, err := ti.Image.GetImage(image.ID, ownerID)
	require.NoError(t, err)
	assert.Equal(t, models.AnalysisDone, stored.AnalysisState)
	assert.True(t, stored.Result.Healthy)
	assert.NotNil(t, stored.Result.Recommendations)

	n, err := ti.Alert.UnreadCount(ownerID)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, ti.publisher.Find(OwnerRoom(ownerID), EventAnalysisComplete), 1)
}

func TestAnalysisUpstreamErrorMarksFailed(t *testing.T) {
	common.SetTestLoggerNop()
	ti := GetMockIOTWithMemorySqliteDialector(t, true)

	ti.inferer.EXPECT().
		Analyze(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil, errors.New("status 503"))

	ownerID := uuid.NewString()
	image := uploadLeaf(t, ti, ownerID)
	ti.Wait()

	stored, err := ti.Image.GetImage(image.ID, ownerID)
	require.NoError(t, err)
	assert.Equal(t, models.AnalysisFailed, stored.AnalysisState)
	assert.Contains(t, stored.AnalysisError, "status 503")

	failed := ti.publisher.Find(OwnerRoom(ownerID), EventAnalysisFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, image.ID, failed[0].Payload.(AnalysisEvent).ImageID)
	assert.Empty(t, ti.publisher.Find(OwnerRoom(ownerID), EventAnalysisComplete))
}

func TestAnalysisTimeout(t *testing.T) {
	common.SetTestLoggerNop()
	ti := GetMockIOTWithMemorySqliteDialector(t, true, func(o *Options) {
		o.InferenceTimeout = 50 * time.Millisecond
	})

	ti.inferer.EXPECT().
		Analyze(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ []byte, _ string) (*models.AnalysisResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})

	ownerID := uuid.NewString()
	image := uploadLeaf(t, ti, ownerID)
	ti.Wait()

	stored, err := ti.Image.GetImage(image.ID, ownerID)
	require.NoError(t, err)
	assert.Equal(t, models.AnalysisFailed, stored.AnalysisState)
	assert.Contains(t, stored.AnalysisError, context.DeadlineExceeded.Error())
}

func TestAnalysisReanalyzeWhileInFlight(t *testing.T) {
	common.SetTestLoggerNop()
	ti := GetMockIOTWithMemorySqliteDialector(t, true)

	release := make(chan struct{})
	first := ti.inferer.EXPECT().
		Analyze(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, []byte, string) (*models.AnalysisResult, error) {
			<-release
			return blight(0.8), nil
		})
	ti.inferer.EXPECT().
		Analyze(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(&models.AnalysisResult{Disease: "healthy", Confidence: 0.9, Healthy: true}, nil).
		After(first)

	ownerID := uuid.NewString()
	image := uploadLeaf(t, ti, ownerID)

	_, err := ti.Analysis.Reanalyze(image.ID, ownerID)
	assert.ErrorIs(t, err, ErrAnalysisInFlight)

	close(release)
	ti.Wait()

	stored, err := ti.Image.GetImage(image.ID, ownerID)
	require.NoError(t, err)
	assert.Equal(t, models.AnalysisDone, stored.AnalysisState)
	assert.False(t, stored.Result.Healthy)

	_, err = ti.Analysis.Reanalyze(image.ID, uuid.NewString())
	assert.ErrorIs(t, err, ErrForbidden)

	pending, err := ti.Analysis.Reanalyze(image.ID, ownerID)
	require.NoError(t, err)
	assert.Equal(t, models.AnalysisPending, pending.AnalysisState)
	assert.Empty(t, pending.Result.Disease)
	ti.Wait()

	stored, err = ti.Image.GetImage(image.ID, ownerID)
	require.NoError(t, err)
	assert.Equal(t, models.AnalysisDone, stored.AnalysisState)
	assert.True(t, stored.Result.Healthy)
	assert.Equal(t, 2, stored.AnalysisAttempt)
}

func TestAnalysisStaleResultAfterDelete(t *testing.T) {
	common.SetTestLoggerNop()
	ti := GetMockIOTWithMemorySqliteDialector(t, true)

	release := make(chan struct{})
	ti.inferer.EXPECT().
		Analyze(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, []byte, string) (*models.AnalysisResult, error) {
			<-release
			return blight(0.99), nil
		}).
		MaxTimes(1)

	ownerID := uuid.NewString()
	image := uploadLeaf(t, ti, ownerID)

	require.NoError(t, ti.Image.DeleteImage(image.ID, ownerID))
	close(release)
	ti.Wait()

	_, err := ti.Image.GetImage(image.ID, ownerID)
	assert.ErrorIs(t, err, ErrNotFound)

	n, err := ti.Alert.UnreadCount(ownerID)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, ti.publisher.Find(OwnerRoom(ownerID), EventAnalysisComplete))
	assert.Empty(t, ti.publisher.Find(OwnerRoom(ownerID), EventAnalysisFailed))
}

func TestAnalysisDisabled(t *testing.T) {
	common.SetTestLoggerNop()
	ti := GetMockIOTWithMemorySqliteDialector(t, false)

	ownerID := uuid.NewString()
	image := uploadLeaf(t, ti, ownerID)
	ti.Wait()

	stored, err := ti.Image.GetImage(image.ID, ownerID)
	require.NoError(t, err)
	assert.Equal(t, models.AnalysisPending, stored.AnalysisState)

	_, err = ti.Analysis.Reanalyze(image.ID, ownerID)
	assert.ErrorIs(t, err, ErrInferenceDisabled)

	status := ti.Analysis.InferenceStatus(context.Background())
	assert.False(t, status.Enabled)
	assert.False(t, status.Available)
}

func TestAnalysisInferenceStatus(t *testing.T) {
	common.SetTestLoggerNop()
	ti := GetMockIOTWithMemorySqliteDialector(t, true)

	gomock.InOrder(
		ti.inferer.EXPECT().Health(gomock.Any()).Return(nil),
		ti.inferer.EXPECT().Health(gomock.Any()).Return(errors.New("connection refused")),
	)

	status := ti.Analysis.InferenceStatus(context.Background())
	assert.Equal(t, InferenceStatus{Enabled: true, Available: true}, status)

	status = ti.Analysis.InferenceStatus(context.Background())
	assert.True(t, status.Enabled)
	assert.False(t, status.Available)
	assert.Equal(t, "connection refused", status.Error)
}

func TestImageUploadValidation(t *testing.T) {
	common.SetTestLoggerNop()
	ti := GetMockIOTWithMemorySqliteDialector(t, false)
	ctx := context.Background()
	ownerID := uuid.NewString()

	upload := func(mut func(*ImageUpload)) error {
		in := &ImageUpload{
			OwnerID:     ownerID,
			Origin:      models.ImageOriginAutomatic,
			Filename:    "cam.png",
			ContentType: "image/png",
			Body:        bytes.NewReader(leafJPEG),
		}
		mut(in)
		_, err := ti.Image.CreateImage(ctx, in)
		return err
	}

	assert.ErrorIs(t, upload(func(in *ImageUpload) { in.ContentType = "application/pdf" }), ErrValidation)
	assert.ErrorIs(t, upload(func(in *ImageUpload) { in.Origin = "scanner" }), ErrValidation)
	assert.ErrorIs(t, upload(func(in *ImageUpload) { in.MaxBytes = 4 }), ErrValidation)
	assert.ErrorIs(t, upload(func(in *ImageUpload) { in.OwnerID = "" }), ErrOwnerUnresolved)

	page, err := ti.Image.ListImages(ownerID, ImageFilter{})
	require.NoError(t, err)
	assert.Empty(t, page.Images)
}

func TestImageOpenListAndStats(t *testing.T) {
	common.SetTestLoggerNop()
	ti := GetMockIOTWithMemorySqliteDialector(t, true)

	gomock.InOrder(
		ti.inferer.EXPECT().Analyze(gomock.Any(), gomock.Any(), gomock.Any()).Return(blight(0.8), nil),
		ti.inferer.EXPECT().Analyze(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, errors.New("boom")),
	)

	ownerID := uuid.NewString()
	diseased := uploadLeaf(t, ti, ownerID)
	ti.Wait()
	ti.clock.Advance(time.Minute)
	failed := uploadLeaf(t, ti, ownerID)
	ti.Wait()

	rc, image, err := ti.Image.OpenImage(diseased.ID, ownerID)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, leafJPEG, data)
	assert.Equal(t, "image/jpeg", image.ContentType)

	_, _, err = ti.Image.OpenImage(diseased.ID, uuid.NewString())
	assert.ErrorIs(t, err, ErrForbidden)

	page, err := ti.Image.ListImages(ownerID, ImageFilter{})
	require.NoError(t, err)
	require.Len(t, page.Images, 2)
	assert.Equal(t, failed.ID, page.Images[0].ID)

	page, err = ti.Image.ListImages(ownerID, ImageFilter{State: models.AnalysisDone})
	require.NoError(t, err)
	require.Len(t, page.Images, 1)
	assert.Equal(t, diseased.ID, page.Images[0].ID)

	stats, err := ti.Image.ImageStats(ownerID)
	require.NoError(t, err)
	assert.Equal(t, &ImageStats{
		Total:       2,
		Manual:      2,
		Analysed:    1,
		Failed:      1,
		WithDisease: 1,
	}, stats)
}
