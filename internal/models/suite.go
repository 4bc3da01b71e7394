package models

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Validate when the suite spec leaves a field unset.
const (
	DefaultRunsPerQuestion = 1
	DefaultBatchSize       = 10
	DefaultConcurrency     = 1
	DefaultLLMProvider     = "hasura"
	DefaultTimezone        = "UTC"
)

// SuiteSpec is the YAML evaluation suite definition.
type SuiteSpec struct {
	Name         string    `yaml:"name"`
	Description  string    `yaml:"description,omitempty"`
	Environments []string  `yaml:"environments"`
	Questions    string    `yaml:"questions"`
	Range        [2]int    `yaml:"range,omitempty"`
	Config       Config    `yaml:"config"`
	Spans        SpanNames `yaml:"spans,omitempty"`
	Output       Output    `yaml:"output,omitempty"`
}

// Config controls pacing and judging behavior.
type Config struct {
	RunsPerQuestion   int         `yaml:"runs_per_question"`
	BatchSize         int         `yaml:"batch_size"`
	Concurrency       int         `yaml:"concurrency"`
	RequestsPerSecond float64     `yaml:"requests_per_second"`
	BatchDelaySeconds float64     `yaml:"batch_delay_seconds,omitempty"`
	LLMProvider       string      `yaml:"llm_provider,omitempty"`
	Timezone          string      `yaml:"timezone,omitempty"`
	Judge             JudgeConfig `yaml:"judge,omitempty"`
}

// JudgeConfig enables answer-quality scoring via the external judge service.
type JudgeConfig struct {
	Enabled bool `yaml:"enabled"`
}

// SpanNames overrides the span names used to carve up a request trace.
// Empty fields fall back to the tracing package defaults.
type SpanNames struct {
	Root string `yaml:"root,omitempty"`
	SQL  string `yaml:"sql,omitempty"`
	LLM  string `yaml:"llm,omitempty"`
	Step string `yaml:"step,omitempty"`
}

// Output holds the result file paths.
type Output struct {
	JSON     string `yaml:"json,omitempty"`
	Markdown string `yaml:"markdown,omitempty"`
}

// LoadSuiteSpec loads and validates a suite spec from a YAML file.
func LoadSuiteSpec(path string) (*SuiteSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var spec SuiteSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if err := spec.Validate(); err != nil {
		return nil, err
	}

	return &spec, nil
}

// Validate checks the spec and fills in defaults for unset fields.
func (s *SuiteSpec) Validate() error {
	if len(s.Environments) == 0 {
		return fmt.Errorf("suite %q: at least one environment is required", s.Name)
	}
	if s.Questions == "" {
		return fmt.Errorf("suite %q: questions file is required", s.Name)
	}
	if s.Config.RunsPerQuestion < 0 {
		return fmt.Errorf("runs_per_question must be >= 1, got %d", s.Config.RunsPerQuestion)
	}
	if s.Config.RequestsPerSecond < 0 {
		return fmt.Errorf("requests_per_second must be >= 0, got %g", s.Config.RequestsPerSecond)
	}
	if s.Range != [2]int{} {
		if s.Range[0] <= 0 || s.Range[1] <= 0 {
			return fmt.Errorf("invalid range: both values must be > 0, got [%d, %d]", s.Range[0], s.Range[1])
		}
		if s.Range[0] > s.Range[1] {
			return fmt.Errorf("invalid range: start (%d) must be <= end (%d)", s.Range[0], s.Range[1])
		}
	}

	if s.Config.RunsPerQuestion == 0 {
		s.Config.RunsPerQuestion = DefaultRunsPerQuestion
	}
	if s.Config.BatchSize <= 0 {
		s.Config.BatchSize = DefaultBatchSize
	}
	if s.Config.Concurrency <= 0 {
		s.Config.Concurrency = DefaultConcurrency
	}
	if s.Config.LLMProvider == "" {
		s.Config.LLMProvider = DefaultLLMProvider
	}
	if s.Config.Timezone == "" {
		s.Config.Timezone = DefaultTimezone
	}

	return nil
}
