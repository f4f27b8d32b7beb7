// Package main provides the CLI entry point for the tutorbench evaluation
// harness.
//
// Tutorbench runs simulated tutoring dialogues between LLM-backed tutor and
// learner agents across a 2x2x2 factorial design, judges the transcripts
// against per-scenario rubrics, and stores every outcome in an embedded
// SQLite database for later analysis.
//
// # Basic Usage
//
// Execute a factorial run across all eight cells:
//
//	tutorbench run --factorial --runs 3 --parallelism 4
//
// Resume an interrupted run:
//
//	tutorbench resume eval-20260824-101500
//
// Re-score stored transcripts with a different judge:
//
//	tutorbench rejudge eval-20260824-101500 --judge claude-sonnet-4-20250514
//
// # Environment Variables
//
//   - ANTHROPIC_API_KEY: Anthropic API key
//   - OPENAI_API_KEY: OpenAI API key
//   - TUTORBENCH_DATA_DIR: database directory (default .tutorbench/data)
//   - TUTORBENCH_LOGS_DIR: transcripts and journals (default .tutorbench/logs)
//   - TUTORBENCH_EXPORTS_DIR: export artifacts (default .tutorbench/exports)
//   - TUTORBENCH_SCENARIOS / TUTORBENCH_PROFILES / TUTORBENCH_RUBRIC:
//     catalogue file overrides, recorded in run metadata
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// exitError carries a specific process exit code through cobra.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

// errPartialFailure signals exit code 2: the run finished but some trials
// failed or errored.
func errPartialFailure(failed, errored int) error {
	return &exitError{code: 2, msg: fmt.Sprintf("partial failure: %d failed, %d errored", failed, errored)}
}

func main() {
	// Local .env for API keys; absence is not an error.
	_ = godotenv.Load()

	if err := buildRootCmd().Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			fmt.Fprintln(os.Stderr, exit.msg)
			os.Exit(exit.code)
		}
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tutorbench",
		Short: "Tutorbench - factorial evaluation harness for AI tutoring agents",
		Long: `Tutorbench evaluates AI tutoring agents by running simulated dialogues
between tutor and learner agents, scoring the transcripts with an LLM judge,
and aggregating results across a 2x2x2 factorial design:

  factor 1: recognition framing in the tutor prompt
  factor 2: tutor as an ego/superego pair vs a single agent
  factor 3: learner with internal deliberation vs a unified agent

Results persist in an embedded SQLite database; every trial also writes a
full dialogue transcript and a line to the run's progress journal.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildRunCmd(),
		buildResumeCmd(),
		buildRejudgeCmd(),
		buildEvaluateCmd(),
		buildRunsCmd(),
		buildReportCmd(),
		buildStatusCmd(),
		buildWatchCmd(),
		buildTranscriptCmd(),
		buildExportCmd(),
		buildCleanupCmd(),
		buildRevertCmd(),
	)
	return rootCmd
}
