package report

import (
	"fmt"
	"strings"
	"time"
)

// RenderMarkdown renders the suite report as a Markdown document: one
// summary table per environment, then a per-question breakdown.
func RenderMarkdown(report *SuiteReport) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("# Evaluation Report: %s\n\n", report.Suite))
	b.WriteString(fmt.Sprintf("Generated: %s\n\n", report.GeneratedAt.Format(time.RFC3339)))
	b.WriteString(fmt.Sprintf("Questions: %d | Runs: %d | Environments: %d\n",
		report.TotalQuestions, report.TotalRuns, len(report.Environments)))

	for _, env := range sortedKeys(report.Environments) {
		envReport := report.Environments[env]

		b.WriteString(fmt.Sprintf("\n## Environment: %s\n\n", env))
		b.WriteString("| Question | Runs | Success | Avg (s) | Min (s) | Max (s) | StdDev | Fuzzy | Data |\n")
		b.WriteString("|---|---|---|---|---|---|---|---|---|\n")

		for _, question := range sortedKeys(envReport.Questions) {
			s := envReport.Questions[question].Stats
			b.WriteString(fmt.Sprintf("| %s | %d | %d/%d | %s | %s | %s | %s | %s | %s |\n",
				truncateQuestion(question),
				s.Runs,
				s.Successes, s.Runs,
				fmtSeconds(s.AvgSeconds),
				fmtSeconds(s.MinSeconds),
				fmtSeconds(s.MaxSeconds),
				fmtSeconds(s.StdDevSeconds),
				fmtPasses(s.FuzzyMatchPasses, s.Judged),
				fmtPasses(s.DataAccuracyPasses, s.Judged),
			))
		}

		for _, question := range sortedKeys(envReport.Questions) {
			writeQuestionDetail(&b, question, envReport.Questions[question])
		}
	}

	return b.String()
}

func writeQuestionDetail(b *strings.Builder, question string, qr *QuestionReport) {
	s := qr.Stats

	b.WriteString(fmt.Sprintf("\n### %s\n\n", question))

	if s.Measured > 0 {
		b.WriteString(fmt.Sprintf("- Latency: avg %s, min %s, max %s over %d measured run(s)\n",
			fmtSeconds(s.AvgSeconds), fmtSeconds(s.MinSeconds), fmtSeconds(s.MaxSeconds), s.Measured))
		b.WriteString(fmt.Sprintf("- Breakdown: sql %s, llm %s, code %s, iterations %s\n",
			fmtSeconds(s.AvgSQLSeconds), fmtSeconds(s.AvgLLMSeconds),
			fmtSeconds(s.AvgCodeSeconds), fmtCount(s.AvgIterations)))
	} else {
		b.WriteString("- Latency: no measured runs\n")
	}

	if s.CI95 != nil {
		b.WriteString(fmt.Sprintf("- 95%% CI: [%.2f, %.2f]\n", s.CI95.Lower, s.CI95.Upper))
	}

	if s.Judged > 0 {
		b.WriteString(fmt.Sprintf("- Judge: fuzzy_match %s, data_accuracy %s\n",
			fmtPasses(s.FuzzyMatchPasses, s.Judged), fmtPasses(s.DataAccuracyPasses, s.Judged)))
	}

	for _, run := range qr.Runs {
		if !run.Success {
			b.WriteString(fmt.Sprintf("- Run %d failed: %s\n", run.RunNumber, run.ErrorMsg))
		} else if run.DurationSeconds == nil {
			b.WriteString(fmt.Sprintf("- Run %d: answered but trace %s never materialized\n",
				run.RunNumber, run.TraceID))
		}
	}
}

func fmtSeconds(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *v)
}

func fmtCount(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.1f", *v)
}

func fmtPasses(passes *int, judged int) string {
	if passes == nil || judged == 0 {
		return "-"
	}
	return fmt.Sprintf("%d/%d", *passes, judged)
}

// truncateQuestion keeps summary table rows readable for long questions.
func truncateQuestion(q string) string {
	const maxLen = 80
	q = strings.ReplaceAll(q, "|", "\\|")
	q = strings.ReplaceAll(q, "\n", " ")
	if len(q) <= maxLen {
		return q
	}
	return q[:maxLen] + "..."
}
