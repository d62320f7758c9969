package inference

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"liyu1981.xyz/smartplant-service/pkg/common"
)

func newPredictServer(t *testing.T, status int, response any) (*httptest.Server, *[]byte) {
	t.Helper()
	var received []byte
	mux := http.NewServeMux()
	mux.HandleFunc("POST /predict", func(w http.ResponseWriter, r *http.Request) {
		file, header, err := r.FormFile("image")
		if err != nil {
			http.Error(w, "missing image", http.StatusBadRequest)
			return
		}
		defer file.Close()
		received, _ = io.ReadAll(file)
		assert.Equal(t, "leaf.jpg", header.Filename)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(response)
	})
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &received
}

func TestAnalyzeFrenchFields(t *testing.T) {
	common.SetTestLoggerNop()
	srv, received := newPredictServer(t, http.StatusOK, map[string]any{
		"maladie":         "Mildiou",
		"confiance":       0.93,
		"recommandations": []string{"Retirer les feuilles atteintes"},
		"diseaseDetected": true,
	})

	result, err := NewClient(srv.URL, time.Second).Analyze(context.Background(), []byte("jpeg-bytes"), "leaf.jpg")
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg-bytes"), *received)
	assert.Equal(t, "Mildiou", result.Disease)
	assert.Equal(t, 0.93, result.Confidence)
	assert.Equal(t, []string{"Retirer les feuilles atteintes"}, []string(result.Recommendations))
	assert.False(t, result.Healthy)
}

func TestAnalyzeHealthyDetection(t *testing.T) {
	common.SetTestLoggerNop()

	cases := []struct {
		name     string
		response map[string]any
		healthy  bool
	}{
		{"label Sain", map[string]any{"maladie": "Sain", "confiance": 0.99, "diseaseDetected": true}, true},
		{"label healthy", map[string]any{"prediction": "healthy", "confidence": 0.99, "diseaseDetected": true}, true},
		{"no disease flag", map[string]any{"prediction": "rust", "confidence": 0.8}, true},
		{"flag false", map[string]any{"prediction": "rust", "confidence": 0.8, "diseaseDetected": false}, true},
		{"explicit healthy wins", map[string]any{"disease": "rust", "confidence": 0.8, "diseaseDetected": true, "healthy": false}, false},
		{"disease flagged", map[string]any{"prediction": "rust", "confidence": 0.8, "diseaseDetected": true}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, _ := newPredictServer(t, http.StatusOK, tc.response)
			result, err := NewClient(srv.URL, time.Second).Analyze(context.Background(), []byte("x"), "leaf.jpg")
			require.NoError(t, err)
			assert.Equal(t, tc.healthy, result.Healthy)
			assert.NotNil(t, result.Recommendations)
		})
	}
}

func TestAnalyzeNormalizesPercentConfidence(t *testing.T) {
	common.SetTestLoggerNop()
	srv, _ := newPredictServer(t, http.StatusOK, map[string]any{"prediction": "rust", "confidence": 87.5, "diseaseDetected": true})

	result, err := NewClient(srv.URL, time.Second).Analyze(context.Background(), []byte("x"), "leaf.jpg")
	require.NoError(t, err)
	assert.InDelta(t, 0.875, result.Confidence, 1e-9)
}

func TestAnalyzeMissingFields(t *testing.T) {
	common.SetTestLoggerNop()
	srv, _ := newPredictServer(t, http.StatusOK, map[string]any{})

	result, err := NewClient(srv.URL, time.Second).Analyze(context.Background(), []byte("x"), "leaf.jpg")
	require.NoError(t, err)
	assert.Equal(t, "unknown", result.Disease)
	assert.Zero(t, result.Confidence)
}

func TestAnalyzeErrorStatus(t *testing.T) {
	common.SetTestLoggerNop()
	srv, _ := newPredictServer(t, http.StatusUnprocessableEntity, map[string]any{"error": "not a leaf"})

	_, err := NewClient(srv.URL, time.Second).Analyze(context.Background(), []byte("x"), "leaf.jpg")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 422")
}

func TestAnalyzeTimeout(t *testing.T) {
	common.SetTestLoggerNop()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewClient(srv.URL, 5*time.Second).Analyze(ctx, []byte("x"), "leaf.jpg")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAnalyzeRejectsEmptyImage(t *testing.T) {
	common.SetTestLoggerNop()
	_, err := NewClient("http://127.0.0.1:1", time.Second).Analyze(context.Background(), nil, "leaf.jpg")
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	common.SetTestLoggerNop()

	up, _ := newPredictServer(t, http.StatusOK, nil)
	assert.NoError(t, NewClient(up.URL, time.Second).Health(context.Background()))

	down, _ := newPredictServer(t, http.StatusServiceUnavailable, nil)
	err := NewClient(down.URL, time.Second).Health(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
}
