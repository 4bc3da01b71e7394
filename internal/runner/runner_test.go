package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hasura/evalset/internal/environment"
	"github.com/hasura/evalset/internal/models"
	"github.com/hasura/evalset/internal/qa"
	"github.com/hasura/evalset/internal/scheduler"
	"github.com/hasura/evalset/internal/tracing"
)

type stubQA struct {
	ask func(cfg environment.Config, question string) (*qa.Answer, error)
}

func (s *stubQA) Ask(_ context.Context, cfg environment.Config, question string) (*qa.Answer, error) {
	return s.ask(cfg, question)
}

type stubTraces struct {
	wait func(traceID string) ([]tracing.Span, error)
}

func (s *stubTraces) WaitForTrace(_ context.Context, traceID string) ([]tracing.Span, error) {
	return s.wait(traceID)
}

type stubJudge struct {
	evaluate func(question string, answer, gold any) *models.AccuracyResult
}

func (s *stubJudge) EvaluateAnswer(_ context.Context, question string, answer, gold any) *models.AccuracyResult {
	return s.evaluate(question, answer, gold)
}

func suiteSpec(runs int) *models.SuiteSpec {
	spec := &models.SuiteSpec{
		Name:         "test-suite",
		Environments: []string{"dev"},
		Questions:    "questions.csv",
		Config:       models.Config{RunsPerQuestion: runs},
	}
	if err := spec.Validate(); err != nil {
		panic(err)
	}
	return spec
}

func devEnv(traces TraceService, j JudgeService) Environment {
	return Environment{
		Config: environment.Config{
			Target:        environment.Target{Base: "dev", DisplayName: "dev"},
			QAEndpointURL: "http://qa.local",
			QAAPIKey:      "key",
			DDNURL:        "http://ddn.local",
		},
		Traces: traces,
		Judge:  j,
	}
}

func happyAnswer(traceID string) *qa.Answer {
	return &qa.Answer{
		TraceID:     traceID,
		RawRequest:  json.RawMessage(`{"version":"v1"}`),
		RawResponse: json.RawMessage(`{"assistant_actions":[{"message":"42"}]}`),
	}
}

func happySpans(traceID string) []tracing.Span {
	return []tracing.Span{
		{TraceID: traceID, SpanName: tracing.DefaultRootSpanName, Duration: "10000000000"},
		{TraceID: traceID, SpanName: tracing.DefaultSQLSpanName, Duration: "2000000000"},
		{TraceID: traceID, SpanName: tracing.DefaultLLMSpanName, Duration: "5000000000"},
		{TraceID: traceID, SpanName: tracing.DefaultStepSpanName, Duration: "100"},
	}
}

func TestRunHappyPath(t *testing.T) {
	qaStub := &stubQA{ask: func(_ environment.Config, question string) (*qa.Answer, error) {
		return happyAnswer("trace-" + question), nil
	}}
	traces := &stubTraces{wait: func(traceID string) ([]tracing.Span, error) {
		return happySpans(traceID), nil
	}}
	judgeStub := &stubJudge{evaluate: func(question string, answer, gold any) *models.AccuracyResult {
		return &models.AccuracyResult{
			FuzzyMatch: models.CriterionResult{Passed: true, Score: 1.0},
		}
	}}

	r := New(suiteSpec(2), qaStub, []Environment{devEnv(traces, judgeStub)}, scheduler.New(10, 1))
	results := r.Run(context.Background(), []models.Question{
		{Index: 1, Text: "q1", GoldAnswer: "a1"},
		{Index: 2, Text: "q2", GoldAnswer: "a2"},
	})

	require.Contains(t, results, "dev")
	require.Len(t, results["dev"], 2)

	runs := results["dev"]["q1"]
	require.Len(t, runs, 2)
	for i, run := range runs {
		assert.Equal(t, i+1, run.RunNumber)
		assert.True(t, run.Success)
		assert.Equal(t, "trace-q1", run.TraceID)
		require.NotNil(t, run.DurationSeconds)
		assert.Equal(t, 10.0, *run.DurationSeconds)
		assert.Equal(t, 2.0, *run.SpanDurations.SQL)
		assert.Equal(t, 5.0, *run.SpanDurations.LLM)
		assert.Equal(t, 3.0, *run.SpanDurations.Code)
		assert.Equal(t, 1, *run.Iterations)
		require.NotNil(t, run.Accuracy)
		assert.True(t, run.Accuracy.FuzzyMatch.Passed)
		assert.NotEmpty(t, run.RawRequest)
		assert.NotEmpty(t, run.RawResponse)
	}
}

func TestRunFailureMapping(t *testing.T) {
	transportErr := errors.New("qa request to dev: connection refused")

	tests := []struct {
		name         string
		ask          func(cfg environment.Config, question string) (*qa.Answer, error)
		wait         func(traceID string) ([]tracing.Span, error)
		wantSuccess  bool
		wantDuration bool
		wantErrMsg   string
	}{
		{
			name: "qa transport failure",
			ask: func(environment.Config, string) (*qa.Answer, error) {
				return nil, transportErr
			},
			wantSuccess: false,
			wantErrMsg:  "connection refused",
		},
		{
			name: "missing traceparent keeps raw exchange",
			ask: func(environment.Config, string) (*qa.Answer, error) {
				return happyAnswer(""), qa.ErrMissingTraceparent
			},
			wantSuccess: false,
			wantErrMsg:  qa.ErrMissingTraceparent.Error(),
		},
		{
			name: "trace never materializes",
			ask: func(environment.Config, string) (*qa.Answer, error) {
				return happyAnswer("t1"), nil
			},
			wait: func(traceID string) ([]tracing.Span, error) {
				return nil, &tracing.TraceNotFoundError{TraceID: traceID, Attempts: 10}
			},
			wantSuccess:  true,
			wantDuration: false,
			wantErrMsg:   "root span not found",
		},
		{
			name: "happy path",
			ask: func(environment.Config, string) (*qa.Answer, error) {
				return happyAnswer("t1"), nil
			},
			wait: func(traceID string) ([]tracing.Span, error) {
				return happySpans(traceID), nil
			},
			wantSuccess:  true,
			wantDuration: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			traces := &stubTraces{wait: tt.wait}
			r := New(suiteSpec(1), &stubQA{ask: tt.ask}, []Environment{devEnv(traces, nil)}, scheduler.New(10, 1))

			results := r.Run(context.Background(), []models.Question{{Index: 1, Text: "q", GoldAnswer: "g"}})

			runs := results["dev"]["q"]
			require.Len(t, runs, 1)
			run := runs[0]

			assert.Equal(t, tt.wantSuccess, run.Success)
			if tt.wantDuration {
				assert.NotNil(t, run.DurationSeconds)
			} else {
				assert.Nil(t, run.DurationSeconds)
			}
			if tt.wantErrMsg != "" {
				assert.Contains(t, run.ErrorMsg, tt.wantErrMsg)
			}
			assert.Nil(t, run.Accuracy)
		})
	}
}

func TestRunJudgeFailureKeepsLatency(t *testing.T) {
	qaStub := &stubQA{ask: func(_ environment.Config, _ string) (*qa.Answer, error) {
		return happyAnswer("t1"), nil
	}}
	traces := &stubTraces{wait: func(traceID string) ([]tracing.Span, error) {
		return happySpans(traceID), nil
	}}
	judgeStub := &stubJudge{evaluate: func(string, any, any) *models.AccuracyResult {
		return nil // judge exhausted its retries
	}}

	r := New(suiteSpec(1), qaStub, []Environment{devEnv(traces, judgeStub)}, scheduler.New(10, 1))
	results := r.Run(context.Background(), []models.Question{{Index: 1, Text: "q", GoldAnswer: "g"}})

	run := results["dev"]["q"][0]
	assert.True(t, run.Success)
	require.NotNil(t, run.DurationSeconds)
	assert.Nil(t, run.Accuracy)
}

func TestRunJudgeReceivesNormalizableSources(t *testing.T) {
	var gotAnswer, gotGold any
	qaStub := &stubQA{ask: func(_ environment.Config, _ string) (*qa.Answer, error) {
		return happyAnswer("t1"), nil
	}}
	traces := &stubTraces{wait: func(traceID string) ([]tracing.Span, error) {
		return happySpans(traceID), nil
	}}
	judgeStub := &stubJudge{evaluate: func(_ string, answer, gold any) *models.AccuracyResult {
		gotAnswer, gotGold = answer, gold
		return nil
	}}

	r := New(suiteSpec(1), qaStub, []Environment{devEnv(traces, judgeStub)}, scheduler.New(10, 1))
	r.Run(context.Background(), []models.Question{
		{Index: 1, Text: "q", GoldAnswer: `{"final_message": "42"}`},
	})

	// The decoded response object goes to the judge, not the raw string.
	answerMap, ok := gotAnswer.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, answerMap, "assistant_actions")

	goldMap, ok := gotGold.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "42", goldMap["final_message"])
}

func TestRunWalksEnvironmentsSequentially(t *testing.T) {
	var order []string
	qaStub := &stubQA{ask: func(cfg environment.Config, question string) (*qa.Answer, error) {
		order = append(order, fmt.Sprintf("%s/%s", cfg.Target.DisplayName, question))
		return nil, errors.New("down")
	}}

	envA := devEnv(&stubTraces{}, nil)
	envB := devEnv(&stubTraces{}, nil)
	envB.Config.Target = environment.Target{Base: "staging", DisplayName: "staging"}

	r := New(suiteSpec(2), qaStub, []Environment{envA, envB}, scheduler.New(10, 1))
	results := r.Run(context.Background(), []models.Question{{Index: 1, Text: "q1"}})

	assert.Equal(t, []string{"dev/q1", "dev/q1", "staging/q1", "staging/q1"}, order)
	assert.Len(t, results["dev"]["q1"], 2)
	assert.Len(t, results["staging"]["q1"], 2)
}

func TestRunProgressEvents(t *testing.T) {
	qaStub := &stubQA{ask: func(_ environment.Config, _ string) (*qa.Answer, error) {
		return happyAnswer("t1"), nil
	}}
	traces := &stubTraces{wait: func(traceID string) ([]tracing.Span, error) {
		return happySpans(traceID), nil
	}}

	r := New(suiteSpec(2), qaStub, []Environment{devEnv(traces, nil)}, scheduler.New(10, 1))

	counts := map[EventType]int{}
	var suiteStart ProgressEvent
	r.OnProgress(func(event ProgressEvent) {
		counts[event.EventType]++
		if event.EventType == EventSuiteStart {
			suiteStart = event
		}
	})

	r.Run(context.Background(), []models.Question{
		{Index: 1, Text: "q1"},
		{Index: 2, Text: "q2"},
	})

	assert.Equal(t, 1, counts[EventSuiteStart])
	assert.Equal(t, 1, counts[EventSuiteComplete])
	assert.Equal(t, 2, counts[EventQuestionStart])
	assert.Equal(t, 2, counts[EventQuestionComplete])
	assert.Equal(t, 4, counts[EventRunStart])
	assert.Equal(t, 4, counts[EventRunComplete])

	assert.Equal(t, 2, suiteStart.TotalQuestions)
	assert.Equal(t, 4, suiteStart.TotalRuns)
}
