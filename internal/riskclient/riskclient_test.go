package riskclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/evaluate" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"final_risk": {"score": 0.12, "band": "low"},
			"decision": {"recommendation": "approve", "requires_human": false},
			"confidence": 0.95,
			"jurisdiction": "AU"
		}`))
	}))
	defer server.Close()

	c := New(server.URL, 0)
	result, err := c.Evaluate(context.Background(), map[string]any{"new_user": true})
	require.NoError(t, err)
	assert.False(t, result.Degraded)
	assert.Equal(t, 0.12, result.Score)
	assert.Equal(t, "low", result.Band)
	assert.Equal(t, "approve", result.Recommendation)
	assert.False(t, result.RequiresHuman)
	assert.Equal(t, 0.95, result.Confidence)
	assert.Equal(t, "AU", result.Jurisdiction)
}

func TestEvaluate_SuccessDecodesFactorsAndModels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"final_risk": {"score": 0.3, "band": "medium"},
			"decision": {"recommendation": "review", "requires_human": true},
			"jurisdiction": "AU",
			"factors": ["new_device", "velocity_spike"],
			"models": {"fraud_model": "v3.2"}
		}`))
	}))
	defer server.Close()

	c := New(server.URL, 0)
	result, err := c.Evaluate(context.Background(), map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, []string{"new_device", "velocity_spike"}, result.Factors)
	assert.Equal(t, map[string]any{"fraud_model": "v3.2"}, result.Models)
}

func TestEvaluate_SuccessWithoutRecommendation(t *testing.T) {
	// Risk engine supplies only raw component scores, no computed
	// recommendation — the caller (internal/fusion) derives it.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"final_risk": {"score": 0.45, "band": "medium"},
			"decision": {},
			"aml_score": 0.62,
			"jurisdiction": "EU"
		}`))
	}))
	defer server.Close()

	c := New(server.URL, 0)
	result, err := c.Evaluate(context.Background(), map[string]any{})
	require.NoError(t, err)
	assert.False(t, result.Degraded)
	assert.Equal(t, "medium", result.Band)
	assert.Empty(t, result.Recommendation)
	assert.Equal(t, 0.62, result.AML)
}

func TestEvaluate_NilSignalsIsProgrammerError(t *testing.T) {
	c := New("http://unused", 0)
	_, err := c.Evaluate(context.Background(), nil)
	require.Error(t, err)
}

func TestEvaluate_ServerErrorIsDegraded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}))
	defer server.Close()

	c := New(server.URL, 0)
	result, err := c.Evaluate(context.Background(), map[string]any{})
	require.NoError(t, err, "riskclient never raises on a degraded result")
	assert.True(t, result.Degraded)
	assert.Equal(t, "riskbrain_unavailable", result.Error)
	assert.NotEmpty(t, result.Exception)
}

func TestEvaluate_TimeoutIsDegraded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := New(server.URL, 5*time.Millisecond)
	result, err := c.Evaluate(context.Background(), map[string]any{})
	require.NoError(t, err)
	assert.True(t, result.Degraded)
	assert.Equal(t, "riskbrain_unavailable", result.Error)
}

func TestEvaluate_InvalidJSONIsDegraded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer server.Close()

	c := New(server.URL, 0)
	result, err := c.Evaluate(context.Background(), map[string]any{})
	require.NoError(t, err)
	assert.True(t, result.Degraded)
}

func TestEvaluate_SchemaMismatchIsDegraded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"unexpected": "shape"}`))
	}))
	defer server.Close()

	c := New(server.URL, 0)
	result, err := c.Evaluate(context.Background(), map[string]any{})
	require.NoError(t, err)
	assert.True(t, result.Degraded)
}

func TestEvaluate_ContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := New(server.URL, 0)
	result, err := c.Evaluate(ctx, map[string]any{})
	require.NoError(t, err)
	assert.True(t, result.Degraded)
}

func TestNew_DefaultTimeout(t *testing.T) {
	c := New("http://example.invalid", 0)
	assert.Equal(t, defaultTimeout, c.httpClient.Timeout)
}
