// Package runner orchestrates a suite execution: questions flow through the
// batch scheduler, and each question is measured against every environment
// in turn.
package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/hasura/evalset/internal/environment"
	"github.com/hasura/evalset/internal/judge"
	"github.com/hasura/evalset/internal/models"
	"github.com/hasura/evalset/internal/qa"
	"github.com/hasura/evalset/internal/scheduler"
	"github.com/hasura/evalset/internal/tracing"
)

// QAService asks one question against one environment.
type QAService interface {
	Ask(ctx context.Context, cfg environment.Config, question string) (*qa.Answer, error)
}

// TraceService waits for a request trace to materialize.
type TraceService interface {
	WaitForTrace(ctx context.Context, traceID string) ([]tracing.Span, error)
}

// JudgeService scores an answer against a gold answer. A nil result means
// the judge could not score the run; it is never an error.
type JudgeService interface {
	EvaluateAnswer(ctx context.Context, question string, answer, gold any) *models.AccuracyResult
}

// Environment bundles everything needed to execute runs against one
// resolved target. Judge is nil when the suite has judging disabled.
type Environment struct {
	Config environment.Config
	Traces TraceService
	Judge  JudgeService
}

// ProgressListener receives progress updates.
type ProgressListener func(event ProgressEvent)

// EventType represents the type of progress event.
type EventType string

const (
	EventSuiteStart       EventType = "suite_start"
	EventSuiteComplete    EventType = "suite_complete"
	EventQuestionStart    EventType = "question_start"
	EventQuestionComplete EventType = "question_complete"
	EventRunStart         EventType = "run_start"
	EventRunComplete      EventType = "run_complete"
)

// ProgressEvent represents a progress update.
type ProgressEvent struct {
	EventType       EventType
	Environment     string
	Question        string
	QuestionNum     int
	TotalQuestions  int
	RunNum          int
	TotalRuns       int
	Success         bool
	DurationSeconds *float64
}

// Results is the accumulated run tree: environment display name, then
// question text. Each (environment, question) key is written exactly once.
type Results map[string]map[string][]models.RunResult

// Runner executes one suite.
type Runner struct {
	spec      *models.SuiteSpec
	qa        QAService
	envs      []Environment
	spanNames tracing.SpanNames
	sched     *scheduler.Scheduler
	logger    *slog.Logger

	progressMu sync.Mutex
	listeners  []ProgressListener

	resultsMu sync.Mutex
	results   Results
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the diagnostics logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithSpanNames overrides the span names used for latency breakdowns.
func WithSpanNames(names tracing.SpanNames) Option {
	return func(r *Runner) {
		r.spanNames = names
	}
}

// New creates a Runner for one suite over the given environments.
func New(spec *models.SuiteSpec, qaService QAService, envs []Environment, sched *scheduler.Scheduler, opts ...Option) *Runner {
	r := &Runner{
		spec:      spec,
		qa:        qaService,
		envs:      envs,
		spanNames: tracing.DefaultSpanNames().Merge(spec.Spans),
		sched:     sched,
		logger:    slog.Default(),
		listeners: []ProgressListener{},
		results:   Results{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// OnProgress registers a progress listener.
func (r *Runner) OnProgress(listener ProgressListener) {
	r.progressMu.Lock()
	defer r.progressMu.Unlock()
	r.listeners = append(r.listeners, listener)
}

func (r *Runner) notifyProgress(event ProgressEvent) {
	r.progressMu.Lock()
	listeners := make([]ProgressListener, len(r.listeners))
	copy(listeners, r.listeners)
	r.progressMu.Unlock()

	for _, listener := range listeners {
		listener(event)
	}
}

// Run executes every question through the scheduler and returns the
// accumulated results tree. Individual run failures are recorded, never
// propagated; by this point all configuration has been validated, so the
// suite always runs to completion.
func (r *Runner) Run(ctx context.Context, questions []models.Question) Results {
	runsPerQuestion := r.spec.Config.RunsPerQuestion
	totalRuns := len(questions) * len(r.envs) * runsPerQuestion

	r.notifyProgress(ProgressEvent{
		EventType:      EventSuiteStart,
		TotalQuestions: len(questions),
		TotalRuns:      totalRuns,
	})

	scheduler.Process(ctx, r.sched, questions, func(ctx context.Context, q models.Question) (struct{}, error) {
		r.processQuestion(ctx, q, len(questions))
		return struct{}{}, nil
	})

	r.notifyProgress(ProgressEvent{
		EventType:      EventSuiteComplete,
		TotalQuestions: len(questions),
		TotalRuns:      totalRuns,
	})

	return r.results
}

// processQuestion walks the environments sequentially, executing
// runs_per_question runs against each. Sequential environments keep a
// question's measurements comparable: no question competes with itself.
func (r *Runner) processQuestion(ctx context.Context, q models.Question, totalQuestions int) {
	runsPerQuestion := r.spec.Config.RunsPerQuestion

	for _, env := range r.envs {
		display := env.Config.Target.DisplayName

		r.notifyProgress(ProgressEvent{
			EventType:      EventQuestionStart,
			Environment:    display,
			Question:       q.Text,
			QuestionNum:    q.Index,
			TotalQuestions: totalQuestions,
			TotalRuns:      runsPerQuestion,
		})

		runs := make([]models.RunResult, 0, runsPerQuestion)
		for i := 1; i <= runsPerQuestion; i++ {
			r.notifyProgress(ProgressEvent{
				EventType:   EventRunStart,
				Environment: display,
				Question:    q.Text,
				RunNum:      i,
				TotalRuns:   runsPerQuestion,
			})

			result := r.executeRun(ctx, env, q, i)
			runs = append(runs, result)

			r.notifyProgress(ProgressEvent{
				EventType:       EventRunComplete,
				Environment:     display,
				Question:        q.Text,
				RunNum:          i,
				TotalRuns:       runsPerQuestion,
				Success:         result.Success,
				DurationSeconds: result.DurationSeconds,
			})
		}

		r.record(display, q.Text, runs)

		r.notifyProgress(ProgressEvent{
			EventType:      EventQuestionComplete,
			Environment:    display,
			Question:       q.Text,
			QuestionNum:    q.Index,
			TotalQuestions: totalQuestions,
			TotalRuns:      runsPerQuestion,
		})
	}
}

// executeRun performs one Ask, waits for its trace, and optionally judges
// the answer.
//
// Failure mapping: a QA transport failure ends the run unsuccessfully; a
// missing traceparent keeps the raw exchange but the run is still failed; a
// trace that never materializes keeps the run successful with no duration;
// a judge failure only loses the accuracy score.
func (r *Runner) executeRun(ctx context.Context, env Environment, q models.Question, runNumber int) models.RunResult {
	result := models.RunResult{RunNumber: runNumber}

	answer, err := r.qa.Ask(ctx, env.Config, q.Text)
	if answer != nil {
		result.RawRequest = answer.RawRequest
		result.RawResponse = answer.RawResponse
	}
	if err != nil {
		result.ErrorMsg = err.Error()
		if errors.Is(err, qa.ErrMissingTraceparent) {
			r.logger.Warn("qa response unmeasurable", "environment", env.Config.Target.DisplayName,
				"question", q.Index, "run", runNumber)
		} else {
			r.logger.Warn("qa request failed", "environment", env.Config.Target.DisplayName,
				"question", q.Index, "run", runNumber, "error", err)
		}
		return result
	}

	result.Success = true
	result.TraceID = answer.TraceID

	spans, err := env.Traces.WaitForTrace(ctx, answer.TraceID)
	if err != nil {
		// The answer is real even though the measurement is lost.
		result.ErrorMsg = err.Error()
		r.logger.Warn("trace unavailable", "trace_id", answer.TraceID, "error", err)
	} else if breakdown, berr := tracing.ComputeBreakdown(spans, r.spanNames); berr != nil {
		result.ErrorMsg = berr.Error()
		r.logger.Warn("trace breakdown failed", "trace_id", answer.TraceID, "error", berr)
	} else {
		result.DurationSeconds = &breakdown.TotalSeconds
		result.SpanDurations = models.SpanDurations{
			SQL:  breakdown.SQLSeconds,
			LLM:  breakdown.LLMSeconds,
			Code: &breakdown.CodeSeconds,
		}
		result.Iterations = &breakdown.Iterations
	}

	if env.Judge != nil {
		result.Accuracy = env.Judge.EvaluateAnswer(ctx, q.Text,
			answerSource(answer), judgeSource(q.GoldAnswer))
	}

	return result
}

// record stores a completed (environment, question) run set. Environments
// are walked sequentially within a question, so each nested key has exactly
// one writer; the mutex guards concurrent questions.
func (r *Runner) record(env, question string, runs []models.RunResult) {
	r.resultsMu.Lock()
	defer r.resultsMu.Unlock()

	if r.results[env] == nil {
		r.results[env] = map[string][]models.RunResult{}
	}
	r.results[env][question] = runs
}

// answerSource picks the judge input for an answer: the full decoded
// response when available, so the judge sees artifacts and the whole
// conversation, otherwise just the final message.
func answerSource(a *qa.Answer) any {
	if len(a.RawResponse) > 0 {
		return judge.ParseSource(string(a.RawResponse))
	}
	return a.FinalMessage()
}

func judgeSource(gold string) any {
	return judge.ParseSource(gold)
}
