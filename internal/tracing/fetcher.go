// Package tracing polls the backend's trace store until a request's root
// span materializes, then derives per-component latency from the span set.
//
// Trace ingestion is asynchronous: the root span can lag the HTTP response
// by several seconds. The fetcher polls with exponential backoff (1s base,
// doubling, capped at 30s) for up to 10 attempts, bounding the total wait to
// roughly 94 seconds without hot-polling.
package tracing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hasura/evalset/internal/environment"
)

// Polling parameters. The backoff formula is
// min(2^(attempt-1) * baseDelay, maxBackoff).
const (
	DefaultMaxAttempts = 10
	baseDelay          = time.Second
	maxBackoff         = 30 * time.Second
	lookbackWindow     = 2 * time.Hour
)

// Span is one record returned by the trace query. Duration is a
// string-encoded integer in nanoseconds, as stored by the trace backend.
type Span struct {
	TraceID          string           `json:"TraceId"`
	SpanName         string           `json:"SpanName"`
	Duration         string           `json:"Duration"`
	Timestamp        string           `json:"Timestamp"`
	SpanAttributes   map[string]any   `json:"SpanAttributes"`
	EventsAttributes []map[string]any `json:"Events_Attributes"`
}

// TraceNotFoundError reports that the root span never appeared within the
// retry budget. The QA call itself succeeded; only the measurement is lost.
type TraceNotFoundError struct {
	TraceID  string
	Attempts int
}

func (e *TraceNotFoundError) Error() string {
	return fmt.Sprintf("trace %s: root span not found after %d attempts", e.TraceID, e.Attempts)
}

const traceQuery = `query getTrace($traceId: String!, $after: String!, $before: String!) {
  getPromptQLRemoteTraceWithTimeStamp(TraceId: $traceId, GreaterThanTimestamp: $after, LesserThanTimeStamp: $before) {
    TraceId
    SpanName
    Duration
    Timestamp
    SpanAttributes
    Events_Attributes
  }
}`

type graphqlRequest struct {
	Query     string            `json:"query"`
	Variables map[string]string `json:"variables"`
}

type graphqlResponse struct {
	Data struct {
		Spans []Span `json:"getPromptQLRemoteTraceWithTimeStamp"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// Fetcher polls one environment's trace endpoint.
type Fetcher struct {
	httpClient  *http.Client
	url         string
	authHeader  string
	names       SpanNames
	maxAttempts int
	logger      *slog.Logger

	now   func() time.Time
	sleep func(context.Context, time.Duration)
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) FetcherOption {
	return func(f *Fetcher) {
		f.httpClient = hc
	}
}

// WithSpanNames overrides the span names used to find and carve the trace.
func WithSpanNames(names SpanNames) FetcherOption {
	return func(f *Fetcher) {
		f.names = names
	}
}

// WithMaxAttempts overrides the retry budget.
func WithMaxAttempts(n int) FetcherOption {
	return func(f *Fetcher) {
		f.maxAttempts = n
	}
}

// WithLogger sets the diagnostics logger.
func WithLogger(logger *slog.Logger) FetcherOption {
	return func(f *Fetcher) {
		f.logger = logger
	}
}

// WithSleep replaces the backoff sleep, for tests.
func WithSleep(fn func(context.Context, time.Duration)) FetcherOption {
	return func(f *Fetcher) {
		f.sleep = fn
	}
}

// NewFetcher creates a Fetcher querying the environment's DDN GraphQL
// endpoint with the same authorization used for QA requests.
func NewFetcher(cfg environment.Config, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		url:         cfg.DDNURL,
		authHeader:  "Bearer " + cfg.QAAPIKey,
		names:       DefaultSpanNames(),
		maxAttempts: DefaultMaxAttempts,
		logger:      slog.Default(),
		now:         time.Now,
		sleep: func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
			}
		},
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// WaitForTrace polls until the trace's root span appears and returns the
// full span set. Attempts where the query fails, returns no spans, or
// returns spans without the root span all back off and retry alike; after
// the retry budget is spent it fails with *TraceNotFoundError.
func (f *Fetcher) WaitForTrace(ctx context.Context, traceID string) ([]Span, error) {
	for attempt := 1; attempt <= f.maxAttempts; attempt++ {
		spans, err := f.query(ctx, traceID)
		switch {
		case err != nil:
			f.logger.Debug("trace query failed", "trace_id", traceID, "attempt", attempt, "error", err)
		case len(spans) == 0:
			f.logger.Debug("trace not ingested yet", "trace_id", traceID, "attempt", attempt)
		case !hasSpan(spans, f.names.Root):
			f.logger.Debug("root span not ingested yet", "trace_id", traceID, "attempt", attempt, "spans", len(spans))
		default:
			return spans, nil
		}

		if attempt < f.maxAttempts {
			f.sleep(ctx, backoffDelay(attempt))
		}
	}

	return nil, &TraceNotFoundError{TraceID: traceID, Attempts: f.maxAttempts}
}

// backoffDelay returns min(2^(attempt-1) * 1s, 30s) for a 1-based attempt.
func backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// Guard the shift: past attempt 6 the cap always wins.
	if attempt > 6 {
		return maxBackoff
	}
	d := baseDelay * (1 << (attempt - 1))
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func (f *Fetcher) query(ctx context.Context, traceID string) ([]Span, error) {
	now := f.now().UTC()
	body := graphqlRequest{
		Query: traceQuery,
		Variables: map[string]string{
			"traceId": traceID,
			"after":   now.Add(-lookbackWindow).Format(time.RFC3339),
			"before":  now.Format(time.RFC3339),
		},
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding trace query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("building trace query: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", f.authHeader)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading trace response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("trace backend returned %d", resp.StatusCode)
	}

	var decoded graphqlResponse
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("decoding trace response: %w", err)
	}
	if len(decoded.Errors) > 0 {
		return nil, fmt.Errorf("trace query error: %s", decoded.Errors[0].Message)
	}

	return decoded.Data.Spans, nil
}

func hasSpan(spans []Span, name string) bool {
	for _, s := range spans {
		if s.SpanName == name {
			return true
		}
	}
	return false
}
