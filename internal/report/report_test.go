package report

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hasura/evalset/internal/models"
)

func fp(v float64) *float64 { return &v }
func ip(v int) *int         { return &v }

func measuredRun(n int, duration, sql, llm float64) models.RunResult {
	code := duration - sql - llm
	return models.RunResult{
		RunNumber:       n,
		Success:         true,
		DurationSeconds: fp(duration),
		TraceID:         "trace",
		SpanDurations:   models.SpanDurations{SQL: fp(sql), LLM: fp(llm), Code: fp(code)},
		Iterations:      ip(2),
	}
}

func TestAggregate(t *testing.T) {
	t.Run("mixed outcomes", func(t *testing.T) {
		runs := []models.RunResult{
			measuredRun(1, 10, 2, 4),
			measuredRun(2, 14, 2, 6),
			{RunNumber: 3, Success: false, ErrorMsg: "qa backend returned 500"},
			{RunNumber: 4, Success: true, TraceID: "lost"}, // trace never found
		}
		runs[1].Accuracy = &models.AccuracyResult{
			FuzzyMatch:   models.CriterionResult{Passed: true, Score: 0.9},
			DataAccuracy: models.CriterionResult{Passed: false, Score: 0.2},
		}

		s := Aggregate(runs)

		assert.Equal(t, 4, s.Runs)
		assert.Equal(t, 3, s.Successes)
		assert.Equal(t, 1, s.Failures)
		assert.Equal(t, 2, s.Measured)

		require.NotNil(t, s.AvgSeconds)
		assert.Equal(t, 12.0, *s.AvgSeconds)
		assert.Equal(t, 10.0, *s.MinSeconds)
		assert.Equal(t, 14.0, *s.MaxSeconds)
		assert.InDelta(t, 2.828, *s.StdDevSeconds, 0.001)

		assert.Equal(t, 2.0, *s.AvgSQLSeconds)
		assert.Equal(t, 5.0, *s.AvgLLMSeconds)
		assert.Equal(t, 5.0, *s.AvgCodeSeconds)
		assert.Equal(t, 2.0, *s.AvgIterations)

		assert.Equal(t, 1, s.Judged)
		assert.Equal(t, 1, *s.FuzzyMatchPasses)
		assert.Equal(t, 0, *s.DataAccuracyPasses)

		require.NotNil(t, s.CI95)
		assert.GreaterOrEqual(t, s.CI95.Upper, s.CI95.Lower)
		assert.GreaterOrEqual(t, 14.0, s.CI95.Upper)
		assert.LessOrEqual(t, 10.0, s.CI95.Lower)
	})

	t.Run("all failed", func(t *testing.T) {
		s := Aggregate([]models.RunResult{
			{RunNumber: 1, Success: false, ErrorMsg: "x"},
			{RunNumber: 2, Success: false, ErrorMsg: "y"},
		})
		assert.Equal(t, 2, s.Failures)
		assert.Nil(t, s.AvgSeconds)
		assert.Nil(t, s.CI95)
		assert.Nil(t, s.FuzzyMatchPasses)
	})

	t.Run("single measured run has no CI", func(t *testing.T) {
		s := Aggregate([]models.RunResult{measuredRun(1, 5, 1, 1)})
		require.NotNil(t, s.AvgSeconds)
		assert.Nil(t, s.CI95)
		assert.Equal(t, 0.0, *s.StdDevSeconds)
	})
}

func sampleReport(t *testing.T) *SuiteReport {
	t.Helper()
	results := map[string]map[string][]models.RunResult{
		"production": {
			"How many orders?": {measuredRun(1, 10, 2, 4), measuredRun(2, 14, 2, 6)},
			"What is revenue?": {{RunNumber: 1, Success: false, ErrorMsg: "timeout"}},
		},
		"staging(v2)": {
			"How many orders?": {measuredRun(1, 8, 1, 3)},
		},
	}
	return Build("latency-suite", results, time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
}

func TestBuild(t *testing.T) {
	r := sampleReport(t)

	assert.Equal(t, "latency-suite", r.Suite)
	assert.Equal(t, 2, r.TotalQuestions)
	assert.Equal(t, 4, r.TotalRuns)
	require.Len(t, r.Environments, 2)

	prod := r.Environments["production"]
	require.NotNil(t, prod)
	require.Contains(t, prod.Questions, "How many orders?")
	assert.Equal(t, 2, prod.Questions["How many orders?"].Stats.Measured)
	assert.Equal(t, 1, prod.Questions["What is revenue?"].Stats.Failures)
}

func TestWriteJSONRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.json")
	require.NoError(t, WriteJSON(sampleReport(t), path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded SuiteReport
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "latency-suite", decoded.Suite)
	assert.Contains(t, decoded.Environments, "staging(v2)")
}

func TestRenderMarkdown(t *testing.T) {
	md := RenderMarkdown(sampleReport(t))

	assert.Contains(t, md, "# Evaluation Report: latency-suite")
	assert.Contains(t, md, "## Environment: production")
	assert.Contains(t, md, "## Environment: staging(v2)")
	assert.Contains(t, md, "| How many orders? | 2 | 2/2 |")
	assert.Contains(t, md, "| What is revenue? | 1 | 0/1 |")
	assert.Contains(t, md, "Run 1 failed: timeout")
	assert.Contains(t, md, "95% CI:")

	// staging comes after production alphabetically, deterministically
	assert.Less(t, strings.Index(md, "## Environment: production"), strings.Index(md, "## Environment: staging(v2)"))
}

func TestRenderMarkdownEscapesTableCells(t *testing.T) {
	results := map[string]map[string][]models.RunResult{
		"dev": {"has | pipe\nand newline": {measuredRun(1, 1, 0, 0)}},
	}
	md := RenderMarkdown(Build("s", results, time.Now()))
	assert.Contains(t, md, `has \| pipe and newline`)
}
