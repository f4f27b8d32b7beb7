// commands.go contains all cobra command definitions and their flag
// configurations. Each builder wires a command to its handler in handlers.go.
package main

import (
	"time"

	"github.com/spf13/cobra"
)

// =============================================================================
// Run Command
// =============================================================================

func buildRunCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a new evaluation run",
		Long: `Execute a new evaluation run over the selected scenarios and profiles.

Every scenario x profile pair is one test; --runs replicates each test. The
run id is printed on start and is the handle for resume, rejudge, status,
and export.`,
		Example: `  # Full factorial design, three replications, four workers
  tutorbench run --factorial --runs 3 --parallelism 4

  # Two scenarios against one profile, no judging
  tutorbench run --scenario fractions_compare --scenario essay_thesis \
      --profile recog_multi_psycho --skip-rubric`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, opts)
		},
	}

	cmd.Flags().StringSliceVar(&opts.scenarios, "scenario", nil, "Scenario id to run (repeatable; default all)")
	cmd.Flags().StringVar(&opts.cluster, "cluster", "", "Only scenarios in this cluster")
	cmd.Flags().StringSliceVar(&opts.profiles, "profile", nil, "Profile name to run (repeatable)")
	cmd.Flags().BoolVar(&opts.allProfiles, "all-profiles", false, "Run every profile in the catalogue")
	cmd.Flags().BoolVar(&opts.factorial, "factorial", false, "Run the eight factorial-cell profiles")
	cmd.Flags().IntVar(&opts.replications, "runs", 1, "Replications per scenario x profile pair")
	cmd.Flags().IntVar(&opts.parallelism, "parallelism", 1, "Concurrent trial workers")
	cmd.Flags().BoolVar(&opts.skipRubric, "skip-rubric", false, "Skip judge scoring; dialogues only")
	cmd.Flags().StringVar(&opts.description, "description", "", "Free-text run description")
	cmd.Flags().StringVar(&opts.model, "model", "", "Override both ego and superego models")
	cmd.Flags().StringVar(&opts.egoModel, "ego-model", "", "Override the ego model only")
	cmd.Flags().StringVar(&opts.superegoModel, "superego-model", "", "Override the superego model only")
	cmd.Flags().StringVar(&opts.judgeModel, "judge", defaultJudgeModel, "Judge model")
	cmd.Flags().StringVar(&opts.judgeProvider, "judge-provider", "anthropic", "Judge backend provider")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9189)")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Debug logging")
	return cmd
}

// =============================================================================
// Resume Command
// =============================================================================

func buildResumeCmd() *cobra.Command {
	var opts resumeOptions

	cmd := &cobra.Command{
		Use:   "resume <run_id>",
		Short: "Resume an incomplete run",
		Long: `Resume a run after a crash or cancellation. The plan is reconstructed from
the run's metadata; trials that already succeeded are skipped, failed and
errored trials are re-dispatched. The original total_tests is unchanged.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResume(cmd, args[0], opts)
		},
	}

	cmd.Flags().IntVar(&opts.parallelism, "parallelism", 1, "Concurrent trial workers")
	cmd.Flags().BoolVar(&opts.force, "force", false, "Resume even if the run is marked completed")
	cmd.Flags().StringVar(&opts.judgeModel, "judge", "", "Judge model (default: the run's recorded judge)")
	cmd.Flags().StringVar(&opts.judgeProvider, "judge-provider", "anthropic", "Judge backend provider")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Debug logging")
	return cmd
}

// =============================================================================
// Rejudge Command
// =============================================================================

func buildRejudgeCmd() *cobra.Command {
	var opts rejudgeOptions

	cmd := &cobra.Command{
		Use:   "rejudge <run_id>",
		Short: "Re-judge existing results from their stored transcripts",
		Long: `Re-score the successful trials of a run without re-running any dialogue.
By default each new verdict is appended as a fresh result row, keeping the
original scores queryable; --overwrite updates scores in place instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRejudge(cmd, args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.judgeModel, "judge", defaultJudgeModel, "Judge model")
	cmd.Flags().StringVar(&opts.judgeProvider, "judge-provider", "anthropic", "Judge backend provider")
	cmd.Flags().StringVar(&opts.scenario, "scenario", "", "Only this scenario")
	cmd.Flags().BoolVar(&opts.overwrite, "overwrite", false, "Update scores in place instead of appending")
	return cmd
}

// =============================================================================
// Evaluate Command
// =============================================================================

func buildEvaluateCmd() *cobra.Command {
	var opts evaluateOptions

	cmd := &cobra.Command{
		Use:   "evaluate <run_id>",
		Short: "Score trials that were recorded without judge scores",
		Long: `Score the successful-but-unscored trials of a run: trials recorded under
--skip-rubric, or whose original judge call failed. Scores land on the
existing rows. With --follow the command polls until the run finishes,
scoring new trials as they appear.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvaluate(cmd, args[0], opts)
		},
	}

	cmd.Flags().BoolVar(&opts.follow, "follow", false, "Poll until the run completes")
	cmd.Flags().DurationVar(&opts.refresh, "refresh", 5*time.Second, "Poll interval with --follow")
	cmd.Flags().StringVar(&opts.judgeModel, "model", defaultJudgeModel, "Judge model")
	cmd.Flags().StringVar(&opts.judgeProvider, "judge-provider", "anthropic", "Judge backend provider")
	cmd.Flags().BoolVar(&opts.review, "review", false, "Also write a qualitative assessment per judged trial")
	return cmd
}

// =============================================================================
// Inspection Commands
// =============================================================================

func buildRunsCmd() *cobra.Command {
	var limit int
	var status string

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List evaluation runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRuns(cmd, limit, status)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum runs to list")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (running|completed|failed)")
	return cmd
}

func buildReportCmd() *cobra.Command {
	var column string

	cmd := &cobra.Command{
		Use:   "report <run_id>",
		Short: "Print per-cell means and factor effects",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReport(cmd, args[0], column)
		},
	}
	cmd.Flags().StringVar(&column, "column", "overall_score",
		"Score column (overall_score|base_score|recognition_score)")
	return cmd
}

func buildStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <run_id>",
		Short: "Render the scenario x profile completion grid once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, args[0])
		},
	}
	return cmd
}

func buildWatchCmd() *cobra.Command {
	var refresh time.Duration

	cmd := &cobra.Command{
		Use:   "watch <run_id>",
		Short: "Follow a run's progress grid live",
		Long: `Follow a run's completion grid, re-rendering as the progress journal grows.
Uses filesystem notification where available, with polling as a fallback.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, args[0], refresh)
		},
	}
	cmd.Flags().DurationVar(&refresh, "refresh", 2*time.Second, "Polling fallback interval")
	return cmd
}

func buildTranscriptCmd() *cobra.Command {
	var raw bool

	cmd := &cobra.Command{
		Use:   "transcript <dialogue_id>",
		Short: "Print a stored dialogue transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTranscript(cmd, args[0], raw)
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "Print the raw JSON document")
	return cmd
}

// =============================================================================
// Lifecycle Commands
// =============================================================================

func buildExportCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "export <run_id>",
		Short: "Write run reports to the exports directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd, args[0], format)
		},
	}
	cmd.Flags().StringVar(&format, "format", "both", "Export format (json|markdown|both)")
	return cmd
}

func buildCleanupCmd() *cobra.Command {
	var idle time.Duration
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Close runs abandoned by dead processes",
		Long: `Close runs still marked running whose recorded process is gone and whose
last activity is older than the idle threshold. Closed runs stay resumable.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCleanup(cmd, idle, dryRun)
		},
	}
	cmd.Flags().DurationVar(&idle, "idle-threshold", 30*time.Minute, "Minimum idle time before closing")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report stale runs without closing them")
	return cmd
}

func buildRevertCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revert <run_id>",
		Short: "Mark a completed run as running again",
		Long: `Revert a run's status to running, clearing its completion timestamp. Used
before resuming a run that was closed prematurely, for example by cleanup.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRevert(cmd, args[0])
		},
	}
	return cmd
}
