// Package report aggregates raw run results into per-question statistics
// and renders them as a JSON results tree and a Markdown summary.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/hasura/evalset/internal/models"
	"github.com/hasura/evalset/internal/statistics"
)

// QuestionStats is the aggregate over every run of one (environment,
// question) pair. Latency statistics cover only successful runs that
// produced a duration; pointer fields are nil when no run qualifies.
type QuestionStats struct {
	Runs      int `json:"runs"`
	Successes int `json:"successes"`
	Failures  int `json:"failures"`
	Measured  int `json:"measured"`

	AvgSeconds    *float64 `json:"avg_seconds"`
	MinSeconds    *float64 `json:"min_seconds"`
	MaxSeconds    *float64 `json:"max_seconds"`
	StdDevSeconds *float64 `json:"stddev_seconds"`

	AvgSQLSeconds  *float64 `json:"avg_sql_seconds"`
	AvgLLMSeconds  *float64 `json:"avg_llm_seconds"`
	AvgCodeSeconds *float64 `json:"avg_code_seconds"`
	AvgIterations  *float64 `json:"avg_iterations"`

	Judged             int  `json:"judged"`
	FuzzyMatchPasses   *int `json:"fuzzy_match_passes"`
	DataAccuracyPasses *int `json:"data_accuracy_passes"`

	CI95 *statistics.ConfidenceInterval `json:"ci_95,omitempty"`
}

// QuestionReport pairs the aggregate with the raw run records.
type QuestionReport struct {
	Stats QuestionStats      `json:"stats"`
	Runs  []models.RunResult `json:"runs"`
}

// EnvironmentReport holds every question judged against one environment,
// keyed by question text.
type EnvironmentReport struct {
	Questions map[string]*QuestionReport `json:"questions"`
}

// SuiteReport is the full results tree for one suite execution.
type SuiteReport struct {
	Suite          string                        `json:"suite"`
	GeneratedAt    time.Time                     `json:"generated_at"`
	TotalQuestions int                           `json:"total_questions"`
	TotalRuns      int                           `json:"total_runs"`
	Environments   map[string]*EnvironmentReport `json:"environments"`
}

// Build aggregates accumulated results into a SuiteReport. The results tree
// is keyed environment display name, then question text.
func Build(suiteName string, results map[string]map[string][]models.RunResult, now time.Time) *SuiteReport {
	report := &SuiteReport{
		Suite:        suiteName,
		GeneratedAt:  now.UTC(),
		Environments: make(map[string]*EnvironmentReport, len(results)),
	}

	questions := map[string]bool{}
	for env, byQuestion := range results {
		envReport := &EnvironmentReport{
			Questions: make(map[string]*QuestionReport, len(byQuestion)),
		}
		for question, runs := range byQuestion {
			questions[question] = true
			report.TotalRuns += len(runs)
			envReport.Questions[question] = &QuestionReport{
				Stats: Aggregate(runs),
				Runs:  runs,
			}
		}
		report.Environments[env] = envReport
	}
	report.TotalQuestions = len(questions)

	return report
}

// Aggregate computes the per-question statistics over a run set.
func Aggregate(runs []models.RunResult) QuestionStats {
	stats := QuestionStats{Runs: len(runs)}

	var durations, sqls, llms, codes, iterations []float64
	fuzzyPasses, dataPasses := 0, 0

	for _, r := range runs {
		if !r.Success {
			stats.Failures++
			continue
		}
		stats.Successes++

		if r.DurationSeconds != nil {
			stats.Measured++
			durations = append(durations, *r.DurationSeconds)
			if r.SpanDurations.SQL != nil {
				sqls = append(sqls, *r.SpanDurations.SQL)
			}
			if r.SpanDurations.LLM != nil {
				llms = append(llms, *r.SpanDurations.LLM)
			}
			if r.SpanDurations.Code != nil {
				codes = append(codes, *r.SpanDurations.Code)
			}
			if r.Iterations != nil {
				iterations = append(iterations, float64(*r.Iterations))
			}
		}

		if r.Accuracy != nil {
			stats.Judged++
			if r.Accuracy.FuzzyMatch.Passed {
				fuzzyPasses++
			}
			if r.Accuracy.DataAccuracy.Passed {
				dataPasses++
			}
		}
	}

	if len(durations) > 0 {
		stats.AvgSeconds = ptr(statistics.Mean(durations))
		stats.MinSeconds = ptr(statistics.Min(durations))
		stats.MaxSeconds = ptr(statistics.Max(durations))
		stats.StdDevSeconds = ptr(statistics.StdDev(durations))
	}
	if len(durations) >= 2 {
		ci := statistics.BootstrapCI(durations, 0.95)
		stats.CI95 = &ci
	}

	stats.AvgSQLSeconds = meanOrNil(sqls)
	stats.AvgLLMSeconds = meanOrNil(llms)
	stats.AvgCodeSeconds = meanOrNil(codes)
	stats.AvgIterations = meanOrNil(iterations)

	if stats.Judged > 0 {
		stats.FuzzyMatchPasses = &fuzzyPasses
		stats.DataAccuracyPasses = &dataPasses
	}

	return stats
}

// WriteJSON writes the report as indented JSON.
func WriteJSON(report *SuiteReport, path string) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// WriteMarkdown renders and writes the Markdown summary.
func WriteMarkdown(report *SuiteReport, path string) error {
	if err := os.WriteFile(path, []byte(RenderMarkdown(report)), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// sortedKeys returns map keys in lexical order, so rendered output is
// deterministic.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func meanOrNil(values []float64) *float64 {
	if len(values) == 0 {
		return nil
	}
	return ptr(statistics.Mean(values))
}

func ptr(v float64) *float64 {
	return &v
}
