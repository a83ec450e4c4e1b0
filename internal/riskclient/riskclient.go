// Package riskclient calls the external risk-scoring service and never
// propagates a raw transport error to its caller. Every failure mode —
// timeout, connection refused, non-2xx, malformed body — folds into a
// tagged degraded Result instead, the way internal/orchestrator's state
// machine caller expects: branch on a result field, not on an error type.
package riskclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// defaultTimeout bounds the outbound call to the risk engine.
const defaultTimeout = 5 * time.Second

// Client calls a risk-scoring HTTP service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a risk client. If timeout is zero, defaultTimeout is used.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Result is the tagged outcome of Evaluate. Exactly one of the "success"
// fields or Degraded is meaningful: check Degraded first.
type Result struct {
	Degraded  bool
	Error     string // "riskbrain_unavailable" when Degraded
	Exception string // raw error text, for data.risk_result, when Degraded

	Score          float64
	Band           string
	Recommendation string
	RequiresHuman  bool
	Confidence     float64
	Jurisdiction   string
	PolicyVersion  string
	Fraud          float64
	AML            float64
	Credit         float64
	Liquidity      float64
	Factors        []string
	Models         map[string]any
}

// riskRequest is the outbound request body: an opaque signals bag, forwarded
// as-is to the risk engine.
type riskRequest struct {
	Signals map[string]any `json:"signals"`
}

// riskResponse is the risk engine's success schema. Fields used; extras
// ignored, per the outbound contract.
type riskResponse struct {
	FinalRisk struct {
		Score float64 `json:"score"`
		Band  string  `json:"band"`
	} `json:"final_risk"`
	Decision struct {
		Recommendation string `json:"recommendation"`
		RequiresHuman  bool   `json:"requires_human"`
	} `json:"decision"`
	Confidence     float64 `json:"confidence"`
	Jurisdiction   string  `json:"jurisdiction"`
	PolicyVersion  string  `json:"policy_version"`
	FraudScore     float64        `json:"fraud_score"`
	AMLScore       float64        `json:"aml_score"`
	CreditScore    float64        `json:"credit_score"`
	LiquidityScore float64        `json:"liquidity_score"`
	Factors        []string       `json:"factors"`
	Models         map[string]any `json:"models"`
}

// Evaluate sends signals to the risk engine and returns a Result. It returns
// a Go error only for caller-programming mistakes (nil signals); every
// runtime failure mode is folded into a degraded Result instead.
func (c *Client) Evaluate(ctx context.Context, signals map[string]any) (Result, error) {
	if signals == nil {
		return Result{}, fmt.Errorf("riskclient: signals must not be nil")
	}

	body, err := json.Marshal(riskRequest{Signals: signals})
	if err != nil {
		return degraded(fmt.Errorf("marshal request: %w", err)), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/evaluate", bytes.NewReader(body))
	if err != nil {
		return degraded(fmt.Errorf("create request: %w", err)), nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return degraded(fmt.Errorf("send request: %w", err)), nil
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return degraded(fmt.Errorf("status %d: %s", resp.StatusCode, string(respBody))), nil
	}

	var rr riskResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return degraded(fmt.Errorf("decode response: %w", err)), nil
	}

	if rr.FinalRisk.Band == "" {
		return degraded(fmt.Errorf("schema mismatch: missing final_risk.band")), nil
	}

	return Result{
		Score:          rr.FinalRisk.Score,
		Band:           rr.FinalRisk.Band,
		Recommendation: rr.Decision.Recommendation,
		RequiresHuman:  rr.Decision.RequiresHuman,
		Confidence:     rr.Confidence,
		Jurisdiction:   rr.Jurisdiction,
		PolicyVersion:  rr.PolicyVersion,
		Fraud:          rr.FraudScore,
		AML:            rr.AMLScore,
		Credit:         rr.CreditScore,
		Liquidity:      rr.LiquidityScore,
		Factors:        rr.Factors,
		Models:         rr.Models,
	}, nil
}

func degraded(err error) Result {
	return Result{
		Degraded:  true,
		Error:     "riskbrain_unavailable",
		Exception: err.Error(),
	}
}
