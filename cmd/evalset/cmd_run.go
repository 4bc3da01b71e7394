package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hasura/evalset/internal/dataset"
	"github.com/hasura/evalset/internal/environment"
	"github.com/hasura/evalset/internal/judge"
	"github.com/hasura/evalset/internal/models"
	"github.com/hasura/evalset/internal/qa"
	"github.com/hasura/evalset/internal/ratelimit"
	"github.com/hasura/evalset/internal/report"
	"github.com/hasura/evalset/internal/runner"
	"github.com/hasura/evalset/internal/scheduler"
	"github.com/hasura/evalset/internal/tracing"
)

var (
	promptsDir   string
	jsonOutput   string
	mdOutput     string
	verbose      bool
	runsOverride int
)

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <suite.yaml>",
		Short: "Run an evaluation suite",
		Long: `Run an evaluation suite from a spec file.

The spec file names the environments, the questions CSV, and the pacing
configuration. Endpoints and credentials come from per-environment variables
(QA_ENDPOINT_URL_<ENV>, QA_API_KEY_<ENV>, DDN_URL_<ENV>) and, when judging is
enabled, JUDGE_BASE_URL, JUDGE_API_KEY and JUDGE_PROJECT_ID. System prompts
are loaded from the prompts directory as <env>.txt, with <env>-<version>.txt
taking precedence for versioned targets.`,
		Args: cobra.ExactArgs(1),
		RunE: runCommandE,
	}

	cmd.Flags().StringVar(&promptsDir, "prompts-dir", "", "Directory with system prompt files (default: ./prompts relative to suite)")
	cmd.Flags().StringVarP(&jsonOutput, "output", "o", "", "JSON results file (overrides suite output.json)")
	cmd.Flags().StringVar(&mdOutput, "markdown", "", "Markdown report file (overrides suite output.markdown)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output with per-run progress")
	cmd.Flags().IntVar(&runsOverride, "runs", 0, "Runs per question (overrides suite config)")

	return cmd
}

func runCommandE(cmd *cobra.Command, args []string) error {
	suitePath := args[0]

	spec, err := models.LoadSuiteSpec(suitePath)
	if err != nil {
		return fmt.Errorf("failed to load suite: %w", err)
	}
	if runsOverride > 0 {
		spec.Config.RunsPerQuestion = runsOverride
	}

	suiteDir, err := filepath.Abs(filepath.Dir(suitePath))
	if err != nil {
		return err
	}

	prompts := promptsDir
	if prompts == "" {
		prompts = filepath.Join(suiteDir, "prompts")
	} else if !filepath.IsAbs(prompts) {
		if abs, err := filepath.Abs(prompts); err == nil {
			prompts = abs
		}
	}

	targets, err := environment.ParseTargets(spec.Environments)
	if err != nil {
		return err
	}

	// Everything the suite needs is resolved before the first network call,
	// so a misconfigured environment fails here with the full list of
	// problems and nothing half-run.
	resolver := environment.NewResolver(prompts,
		environment.WithJudgeRequired(spec.Config.Judge.Enabled))
	configs, err := resolver.ResolveAll(targets)
	if err != nil {
		return err
	}

	questions, err := loadQuestions(spec, suiteDir)
	if err != nil {
		return err
	}
	if len(questions) == 0 {
		return fmt.Errorf("no questions selected from %s", spec.Questions)
	}

	spanNames := tracing.DefaultSpanNames().Merge(spec.Spans)

	envs := make([]runner.Environment, 0, len(configs))
	for _, cfg := range configs {
		env := runner.Environment{
			Config: cfg,
			Traces: tracing.NewFetcher(cfg, tracing.WithSpanNames(spanNames)),
		}
		if spec.Config.Judge.Enabled {
			env.Judge = judge.NewClient(cfg)
		}
		envs = append(envs, env)
	}

	sched := scheduler.New(spec.Config.BatchSize, spec.Config.Concurrency,
		scheduler.WithLimiter(ratelimit.New(spec.Config.RequestsPerSecond)),
		scheduler.WithBatchDelay(time.Duration(spec.Config.BatchDelaySeconds*float64(time.Second))),
	)

	qaClient := qa.NewClient(spec.Config.LLMProvider, spec.Config.Timezone)
	r := runner.New(spec, qaClient, envs, sched, runner.WithSpanNames(spanNames))

	if verbose {
		r.OnProgress(verboseProgressListener)
	} else {
		r.OnProgress(simpleProgressListener)
	}

	fmt.Printf("Running suite: %s\n", spec.Name)
	fmt.Printf("Environments: %s\n", strings.Join(spec.Environments, ", "))
	fmt.Printf("Questions: %d | Runs per question: %d\n", len(questions), spec.Config.RunsPerQuestion)
	if spec.Config.RequestsPerSecond > 0 {
		fmt.Printf("Rate limit: %g req/s\n", spec.Config.RequestsPerSecond)
	}
	fmt.Println()

	results := r.Run(context.Background(), questions)

	suiteReport := report.Build(spec.Name, results, time.Now())

	jsonPath, mdPath := outputPaths(spec, suiteDir)
	if err := report.WriteJSON(suiteReport, jsonPath); err != nil {
		return err
	}
	if err := report.WriteMarkdown(suiteReport, mdPath); err != nil {
		return err
	}

	printSummary(suiteReport)
	fmt.Printf("Results saved to: %s\n", jsonPath)
	fmt.Printf("Report saved to:  %s\n", mdPath)

	return nil
}

// loadQuestions loads the suite's question rows, applying the optional
// 1-based inclusive range. The CSV path is resolved relative to the suite
// file.
func loadQuestions(spec *models.SuiteSpec, suiteDir string) ([]models.Question, error) {
	path := spec.Questions
	if !filepath.IsAbs(path) {
		path = filepath.Join(suiteDir, path)
	}

	if spec.Range != [2]int{} {
		return dataset.LoadQuestionsRange(path, spec.Range[0], spec.Range[1])
	}
	return dataset.LoadQuestions(path)
}

func outputPaths(spec *models.SuiteSpec, suiteDir string) (string, string) {
	resolve := func(override, specified, fallback string) string {
		p := override
		if p == "" {
			p = specified
		}
		if p == "" {
			p = fallback
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(suiteDir, p)
		}
		return p
	}

	jsonPath := resolve(jsonOutput, spec.Output.JSON, "results.json")
	mdPath := resolve(mdOutput, spec.Output.Markdown, "results.md")
	return jsonPath, mdPath
}

func verboseProgressListener(event runner.ProgressEvent) {
	switch event.EventType {
	case runner.EventSuiteStart:
		fmt.Printf("Starting suite: %d question(s), %d total run(s)...\n\n",
			event.TotalQuestions, event.TotalRuns)
	case runner.EventQuestionStart:
		fmt.Printf("[%d/%d] %s @ %s\n", event.QuestionNum, event.TotalQuestions,
			truncate(event.Question, 60), event.Environment)
	case runner.EventRunStart:
		fmt.Printf("  Run %d/%d...", event.RunNum, event.TotalRuns)
	case runner.EventRunComplete:
		switch {
		case !event.Success:
			fmt.Println(" failed")
		case event.DurationSeconds == nil:
			fmt.Println(" ok (no trace)")
		default:
			fmt.Printf(" ok (%.2fs)\n", *event.DurationSeconds)
		}
	case runner.EventQuestionComplete:
		fmt.Println()
	case runner.EventSuiteComplete:
		fmt.Printf("Suite complete: %d run(s)\n\n", event.TotalRuns)
	}
}

func simpleProgressListener(event runner.ProgressEvent) {
	if event.EventType != runner.EventQuestionComplete {
		return
	}
	fmt.Printf("✓ [%d/%d] %s @ %s\n", event.QuestionNum, event.TotalQuestions,
		truncate(event.Question, 60), event.Environment)
}

func printSummary(r *report.SuiteReport) {
	fmt.Println("=" + strings.Repeat("=", 50))
	fmt.Println(" SUITE RESULTS")
	fmt.Println("=" + strings.Repeat("=", 50))
	fmt.Println()
	fmt.Printf("Questions:    %d\n", r.TotalQuestions)
	fmt.Printf("Total Runs:   %d\n", r.TotalRuns)

	for _, env := range sortedEnvNames(r) {
		envReport := r.Environments[env]
		successes, runs, measured := 0, 0, 0
		var durations []float64
		for _, qr := range envReport.Questions {
			runs += qr.Stats.Runs
			successes += qr.Stats.Successes
			measured += qr.Stats.Measured
			if qr.Stats.AvgSeconds != nil {
				durations = append(durations, *qr.Stats.AvgSeconds)
			}
		}
		fmt.Printf("\n%s:\n", env)
		fmt.Printf("  Success:    %d/%d\n", successes, runs)
		fmt.Printf("  Measured:   %d\n", measured)
		if len(durations) > 0 {
			sum := 0.0
			for _, d := range durations {
				sum += d
			}
			fmt.Printf("  Avg latency: %.2fs\n", sum/float64(len(durations)))
		}
	}
	fmt.Println()
}

func sortedEnvNames(r *report.SuiteReport) []string {
	names := make([]string, 0, len(r.Environments))
	for name := range r.Environments {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// truncate shortens s to maxLen characters, appending "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
