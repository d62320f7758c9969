package inference

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"liyu1981.xyz/smartplant-service/pkg/common"
	"liyu1981.xyz/smartplant-service/pkg/models"
)

// predictResponse accepts both the French and English field names the
// classifier has used over time.
type predictResponse struct {
	Maladie         string   `json:"maladie"`
	Prediction      string   `json:"prediction"`
	Disease         string   `json:"disease"`
	Confiance       float64  `json:"confiance"`
	Confidence      float64  `json:"confidence"`
	Recommandations []string `json:"recommandations"`
	Recommendations []string `json:"recommendations"`
	DiseaseDetected *bool    `json:"diseaseDetected"`
	Healthy         *bool    `json:"healthy"`
}

var healthyLabels = map[string]bool{"sain": true, "healthy": true}

func (r *predictResponse) result() *models.AnalysisResult {
	disease := common.Coalesce(r.Maladie, r.Prediction, r.Disease, "unknown")

	confidence := r.Confiance
	if confidence == 0 {
		confidence = r.Confidence
	}
	// some model versions report a percentage
	if confidence > 1 && confidence <= 100 {
		confidence /= 100
	}

	recommendations := r.Recommandations
	if len(recommendations) == 0 {
		recommendations = r.Recommendations
	}
	if recommendations == nil {
		recommendations = []string{}
	}

	var healthy bool
	switch {
	case r.Healthy != nil:
		healthy = *r.Healthy
	case healthyLabels[strings.ToLower(disease)]:
		healthy = true
	default:
		healthy = r.DiseaseDetected == nil || !*r.DiseaseDetected
	}

	return &models.AnalysisResult{
		Disease:         disease,
		Confidence:      confidence,
		Recommendations: datatypes.JSONSlice[string](recommendations),
		Healthy:         healthy,
	}
}

// Client talks to the plant disease classifier over HTTP. It satisfies
// iot.Inferer.
type Client struct {
	http   *resty.Client
	logger *zap.Logger
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")

	return &Client{
		http:   httpClient,
		logger: common.GetLoggerWith(common.LoggerNameInference, zap.String("url", baseURL)),
	}
}

func (c *Client) Analyze(ctx context.Context, image []byte, filename string) (*models.AnalysisResult, error) {
	if len(image) == 0 {
		return nil, errors.New("empty image")
	}
	if filename == "" {
		filename = "image.jpg"
	}

	var body predictResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetFileReader("image", filename, bytes.NewReader(image)).
		SetResult(&body).
		Post("/predict")
	if err != nil {
		c.logger.Warn("Inference call failed", zap.String("filename", filename), zap.Error(err))
		return nil, fmt.Errorf("predict: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		c.logger.Warn("Inference service returned error",
			zap.Int("status", resp.StatusCode()),
			zap.String("body", truncate(resp.String(), 256)))
		return nil, fmt.Errorf("predict: status %d", resp.StatusCode())
	}

	result := body.result()
	c.logger.Debug("Inference done", zap.String("filename", filename), zap.Reflect("result", result))
	return result, nil
}

func (c *Client) Health(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Get("/health")
	if err != nil {
		return fmt.Errorf("health: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("health: status %d", resp.StatusCode())
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
