package models

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSpec(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "suite.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadSuiteSpec(t *testing.T) {
	path := writeSpec(t, `
name: latency-suite
environments: ["production(abc123)", "staging"]
questions: questions.csv
config:
  runs_per_question: 3
  batch_size: 5
  concurrency: 2
  requests_per_second: 1.5
  batch_delay_seconds: 10
  judge:
    enabled: true
output:
  json: results.json
  markdown: report.md
`)

	spec, err := LoadSuiteSpec(path)
	require.NoError(t, err)

	assert.Equal(t, "latency-suite", spec.Name)
	assert.Equal(t, []string{"production(abc123)", "staging"}, spec.Environments)
	assert.Equal(t, 3, spec.Config.RunsPerQuestion)
	assert.Equal(t, 5, spec.Config.BatchSize)
	assert.Equal(t, 2, spec.Config.Concurrency)
	assert.Equal(t, 1.5, spec.Config.RequestsPerSecond)
	assert.Equal(t, 10.0, spec.Config.BatchDelaySeconds)
	assert.True(t, spec.Config.Judge.Enabled)
	assert.Equal(t, "results.json", spec.Output.JSON)
}

func TestLoadSuiteSpecDefaults(t *testing.T) {
	path := writeSpec(t, `
name: minimal
environments: ["dev"]
questions: q.csv
`)

	spec, err := LoadSuiteSpec(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultRunsPerQuestion, spec.Config.RunsPerQuestion)
	assert.Equal(t, DefaultBatchSize, spec.Config.BatchSize)
	assert.Equal(t, DefaultConcurrency, spec.Config.Concurrency)
	assert.Equal(t, 0.0, spec.Config.RequestsPerSecond)
	assert.Equal(t, DefaultLLMProvider, spec.Config.LLMProvider)
	assert.Equal(t, DefaultTimezone, spec.Config.Timezone)
	assert.False(t, spec.Config.Judge.Enabled)
}

func TestSuiteSpecValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*SuiteSpec)
		wantErr string
	}{
		{
			name:    "no environments",
			mutate:  func(s *SuiteSpec) { s.Environments = nil },
			wantErr: "at least one environment",
		},
		{
			name:    "no questions file",
			mutate:  func(s *SuiteSpec) { s.Questions = "" },
			wantErr: "questions file is required",
		},
		{
			name:    "negative rps",
			mutate:  func(s *SuiteSpec) { s.Config.RequestsPerSecond = -1 },
			wantErr: "requests_per_second",
		},
		{
			name:    "inverted range",
			mutate:  func(s *SuiteSpec) { s.Range = [2]int{5, 2} },
			wantErr: "start (5) must be <= end (2)",
		},
		{
			name:    "zero range bound",
			mutate:  func(s *SuiteSpec) { s.Range = [2]int{0, 3} },
			wantErr: "both values must be > 0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := &SuiteSpec{
				Name:         "s",
				Environments: []string{"dev"},
				Questions:    "q.csv",
			}
			tt.mutate(spec)
			err := spec.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
