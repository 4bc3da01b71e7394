// Package judge scores answers against gold answers via an external
// LLM-judge service. Judging is best-effort by design: any failure after
// retries yields a nil result on the run record instead of failing the run,
// because a lost accuracy score should never discard a latency measurement.
package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/hasura/evalset/internal/environment"
	"github.com/hasura/evalset/internal/models"
)

// The two criteria scored for every judged run.
const (
	CriterionFuzzyMatch   = "fuzzy_match"
	CriterionDataAccuracy = "data_accuracy"
)

const (
	defaultRetryDelay  = time.Second
	defaultMaxAttempts = 3
)

// Client talks to the judge service for one suite run.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	apiKey      string
	projectID   string
	retryDelay  time.Duration
	maxAttempts int
	logger      *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithRetryDelay overrides the delay between attempts, for tests.
func WithRetryDelay(d time.Duration) ClientOption {
	return func(c *Client) {
		c.retryDelay = d
	}
}

// WithLogger sets the diagnostics logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a judge Client from resolved environment settings.
func NewClient(cfg environment.Config, opts ...ClientOption) *Client {
	c := &Client{
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		baseURL:     cfg.JudgeBaseURL,
		apiKey:      cfg.JudgeAPIKey,
		projectID:   cfg.JudgeProjectID,
		retryDelay:  defaultRetryDelay,
		maxAttempts: defaultMaxAttempts,
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type evaluateRequest struct {
	ProjectID  string      `json:"project_id"`
	Input      string      `json:"evaluated_model_input"`
	Output     Payload     `json:"evaluated_model_output"`
	GoldAnswer Payload     `json:"evaluated_model_gold_answer"`
	Evaluators []evaluator `json:"evaluators"`
	Capture    string      `json:"capture"`
}

type evaluator struct {
	Evaluator       string `json:"evaluator"`
	Criteria        string `json:"criteria"`
	ExplainStrategy string `json:"explain_strategy"`
}

type evaluateResponse struct {
	Results []map[string]any `json:"results"`
}

// rawCriterion tolerates the field-name drift the judge service has shipped
// over time. Exactly one of each pair is expected to be present.
type rawCriterion struct {
	ScoreRaw    *float64 `mapstructure:"score_raw"`
	Score       *float64 `mapstructure:"score"`
	Pass        *bool    `mapstructure:"pass"`
	Passed      *bool    `mapstructure:"passed"`
	Explanation string   `mapstructure:"explanation"`
	Details     string   `mapstructure:"details"`
}

func (r rawCriterion) toResult() models.CriterionResult {
	var out models.CriterionResult
	switch {
	case r.ScoreRaw != nil:
		out.Score = *r.ScoreRaw
	case r.Score != nil:
		out.Score = *r.Score
	}
	switch {
	case r.Pass != nil:
		out.Passed = *r.Pass
	case r.Passed != nil:
		out.Passed = *r.Passed
	}
	out.Details = r.Explanation
	if out.Details == "" {
		out.Details = r.Details
	}
	return out
}

// EvaluateAnswer scores both criteria concurrently and returns a combined
// result, or nil if either criterion could not be scored. A nil return is
// logged but never propagated as a run failure.
func (c *Client) EvaluateAnswer(ctx context.Context, question string, answer, gold any) *models.AccuracyResult {
	answerPayload, answerKind := Normalize(answer)
	goldPayload, goldKind := Normalize(gold)
	if answerKind == KindUnparseable || goldKind == KindUnparseable {
		c.logger.Warn("judge payload unparseable",
			"answer_kind", answerKind, "gold_kind", goldKind)
	}

	var fuzzy, data *models.CriterionResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		fuzzy = c.evaluate(gctx, CriterionFuzzyMatch, question, answerPayload, goldPayload)
		return nil
	})
	g.Go(func() error {
		data = c.evaluate(gctx, CriterionDataAccuracy, question, answerPayload, goldPayload)
		return nil
	})
	_ = g.Wait()

	if fuzzy == nil || data == nil {
		return nil
	}
	return &models.AccuracyResult{FuzzyMatch: *fuzzy, DataAccuracy: *data}
}

// evaluate scores one criterion, retrying transient failures with a constant
// delay. Exhaustion returns nil.
func (c *Client) evaluate(ctx context.Context, criterion, question string, answer, gold Payload) *models.CriterionResult {
	var result *models.CriterionResult

	backoff := retry.WithMaxRetries(uint64(c.maxAttempts-1), retry.NewConstant(c.retryDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		r, err := c.evaluateOnce(ctx, criterion, question, answer, gold)
		if err != nil {
			return retry.RetryableError(err)
		}
		result = r
		return nil
	})
	if err != nil {
		c.logger.Warn("judge evaluation failed, recording no score",
			"criterion", criterion, "attempts", c.maxAttempts, "error", err)
		return nil
	}
	return result
}

func (c *Client) evaluateOnce(ctx context.Context, criterion, question string, answer, gold Payload) (*models.CriterionResult, error) {
	body := evaluateRequest{
		ProjectID:  c.projectID,
		Input:      question,
		Output:     answer,
		GoldAnswer: gold,
		Evaluators: []evaluator{{
			Evaluator:       "judge",
			Criteria:        criterion,
			ExplainStrategy: "always",
		}},
		Capture: "all",
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding judge request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/evaluate", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("building judge request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading judge response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("judge returned %d: %s", resp.StatusCode, truncate(data, 200))
	}

	var decoded evaluateResponse
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("decoding judge response: %w", err)
	}
	if len(decoded.Results) == 0 {
		return nil, fmt.Errorf("judge returned no results for %s", criterion)
	}

	first := decoded.Results[0]
	// The service reports per-evaluator errors inside a 200 response.
	if msg, ok := first["error_message"].(string); ok && msg != "" {
		return nil, fmt.Errorf("judge error for %s: %s", criterion, msg)
	}

	payload := first
	if inner, ok := first["evaluation_result"].(map[string]any); ok {
		payload = inner
	}

	var rc rawCriterion
	if err := mapstructure.Decode(payload, &rc); err != nil {
		return nil, fmt.Errorf("decoding judge result for %s: %w", criterion, err)
	}

	out := rc.toResult()
	return &out, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
