// Package qa issues single requests to the PromptQL QA backend and extracts
// the trace identifier from the response's W3C traceparent header.
//
// This layer never retries: trace polling and judge calls own their retry
// loops, a failed QA request is simply a failed run.
package qa

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/hasura/evalset/internal/environment"
)

// ErrMissingTraceparent signals that the QA backend answered but did not
// carry a parseable traceparent header, so no latency measurement is
// possible. Distinct from a transport failure.
var ErrMissingTraceparent = errors.New("qa response has no valid traceparent header")

// Request is the QA backend request body.
type Request struct {
	Version            string        `json:"version"`
	PromptQLAPIKey     string        `json:"promptql_api_key"`
	LLM                LLM           `json:"llm"`
	DDN                DDN           `json:"ddn"`
	Timezone           string        `json:"timezone"`
	SystemInstructions string        `json:"system_instructions"`
	Interactions       []Interaction `json:"interactions"`
	Stream             bool          `json:"stream"`
}

// LLM selects the model provider.
type LLM struct {
	Provider string `json:"provider"`
}

// DDN points the QA backend at the data backend for this environment.
type DDN struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
}

// Interaction is one turn of the conversation; the harness always sends
// exactly one user message.
type Interaction struct {
	UserMessage UserMessage `json:"user_message"`
}

type UserMessage struct {
	Text string `json:"text"`
}

// Response is the decoded QA backend response body.
type Response struct {
	AssistantActions  []AssistantAction `json:"assistant_actions"`
	ModifiedArtifacts []Artifact        `json:"modified_artifacts"`
}

// AssistantAction is one step the assistant took while answering.
type AssistantAction struct {
	Message    string `json:"message,omitempty"`
	Plan       string `json:"plan,omitempty"`
	Code       string `json:"code,omitempty"`
	CodeOutput string `json:"code_output,omitempty"`
	CodeError  string `json:"code_error,omitempty"`
}

// Artifact is a data artifact produced or modified while answering.
type Artifact struct {
	Identifier   string `json:"identifier"`
	Title        string `json:"title"`
	ArtifactType string `json:"artifact_type"`
	Data         any    `json:"data"`
}

// Answer is the result of one successful QA request. RawRequest and
// RawResponse are kept verbatim for the results report.
type Answer struct {
	TraceID     string
	Response    *Response
	RawRequest  json.RawMessage
	RawResponse json.RawMessage
}

// FinalMessage returns the message of the last assistant action, or "".
func (a *Answer) FinalMessage() string {
	if a.Response == nil {
		return ""
	}
	for i := len(a.Response.AssistantActions) - 1; i >= 0; i-- {
		if msg := a.Response.AssistantActions[i].Message; msg != "" {
			return msg
		}
	}
	return ""
}

// Client issues requests to the QA backend.
type Client struct {
	httpClient *http.Client
	provider   string
	timezone   string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient creates a QA client. A zero timeout on the default HTTP client
// would let a hung backend stall a whole chunk, so a generous default is
// set; override via WithHTTPClient.
func NewClient(provider, timezone string, opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		provider:   provider,
		timezone:   timezone,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

var traceContext = propagation.TraceContext{}

// Ask sends one question to the environment's QA endpoint. A transport or
// non-2xx failure returns (nil, err). A 2xx response without a valid
// traceparent header returns the answer together with
// [ErrMissingTraceparent] so callers can record the raw exchange while
// still marking the run failed.
func (c *Client) Ask(ctx context.Context, cfg environment.Config, question string) (*Answer, error) {
	body := Request{
		Version:        "v1",
		PromptQLAPIKey: cfg.QAAPIKey,
		LLM:            LLM{Provider: c.provider},
		DDN: DDN{
			URL:     cfg.DDNURL,
			Headers: map[string]string{"authorization": "Bearer " + cfg.QAAPIKey},
		},
		Timezone:           c.timezone,
		SystemInstructions: cfg.SystemPrompt,
		Interactions:       []Interaction{{UserMessage: UserMessage{Text: question}}},
		Stream:             false,
	}

	rawRequest, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding qa request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.QAEndpointURL, bytes.NewReader(rawRequest))
	if err != nil {
		return nil, fmt.Errorf("building qa request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("qa request to %s: %w", cfg.Target.DisplayName, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	rawResponse, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading qa response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("qa backend returned %d: %s", resp.StatusCode, truncate(string(rawResponse), 200))
	}

	answer := &Answer{
		RawRequest:  rawRequest,
		RawResponse: rawResponse,
	}

	var decoded Response
	if err := json.Unmarshal(rawResponse, &decoded); err == nil {
		answer.Response = &decoded
	}

	// The traceparent header has the W3C form 00-{traceId}-{spanId}-{flags};
	// let the OTel propagator do the validation.
	spanCtx := trace.SpanContextFromContext(
		traceContext.Extract(context.Background(), propagation.HeaderCarrier(resp.Header)))
	if !spanCtx.HasTraceID() {
		return answer, ErrMissingTraceparent
	}
	answer.TraceID = spanCtx.TraceID().String()

	return answer, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
