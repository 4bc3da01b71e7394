package main

import (
	"log/slog"

	"github.com/spf13/cobra"
)

var version = "dev"

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evalset",
		Short: "evalset - latency and accuracy benchmarks for PromptQL environments",
		Long: `evalset runs evaluation suites against hosted PromptQL environments.

A suite sends a set of questions to the QA backend of each configured
environment, measures request latency from the distributed trace, optionally
scores answers with an LLM judge, and writes JSON and Markdown reports.`,
		Version:      version,
		SilenceUsage: true,
	}

	debugLogging := cmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	cmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if *debugLogging {
			slog.SetLogLoggerLevel(slog.LevelDebug)
		}
	}

	cmd.AddCommand(newRunCommand())

	return cmd
}

func execute() error {
	rootCmd := newRootCommand()
	return rootCmd.Execute()
}
