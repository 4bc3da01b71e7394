package models

import "encoding/json"

// Question is one row of the evaluation dataset. Questions are loaded once,
// indexed 1-based, and never mutated during a run.
type Question struct {
	Index      int    `json:"index"`
	Text       string `json:"question"`
	GoldAnswer string `json:"gold_answer"`
}

// SpanDurations holds the per-component latency split for one run, in
// seconds. A nil field means the corresponding span was absent from the
// trace. Code is derived (total minus SQL minus LLM) and can be negative
// when span durations overlap.
type SpanDurations struct {
	SQL  *float64 `json:"sql"`
	LLM  *float64 `json:"llm"`
	Code *float64 `json:"code"`
}

// CriterionResult is the outcome of a single judge criterion.
type CriterionResult struct {
	Passed  bool    `json:"passed"`
	Score   float64 `json:"score"`
	Details string  `json:"details"`
}

// AccuracyResult holds both judge criteria for a run. It is produced at most
// once per run, and only when both criteria evaluations succeeded.
type AccuracyResult struct {
	FuzzyMatch   CriterionResult `json:"fuzzy_match"`
	DataAccuracy CriterionResult `json:"data_accuracy"`
}

// RunResult is the record of a single (question, environment, run-index)
// execution. It is write-once: created when the run completes and read-only
// afterwards.
//
// Success reflects the QA request only. A run whose trace never materialized
// still has Success == true with a nil DurationSeconds, since the QA call
// itself succeeded.
type RunResult struct {
	RunNumber       int             `json:"run_number"`
	Success         bool            `json:"success"`
	DurationSeconds *float64        `json:"duration_seconds"`
	TraceID         string          `json:"trace_id,omitempty"`
	SpanDurations   SpanDurations   `json:"span_durations"`
	Iterations      *int            `json:"iterations"`
	Accuracy        *AccuracyResult `json:"accuracy"`
	RawRequest      json.RawMessage `json:"raw_request,omitempty"`
	RawResponse     json.RawMessage `json:"raw_response,omitempty"`
	ErrorMsg        string          `json:"error_msg,omitempty"`
}
