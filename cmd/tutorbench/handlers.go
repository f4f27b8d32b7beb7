// handlers.go contains the RunE handler functions for all CLI commands.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/tutorbench/internal/backend"
	"github.com/haasonsaas/tutorbench/internal/config"
	"github.com/haasonsaas/tutorbench/internal/dialogue"
	"github.com/haasonsaas/tutorbench/internal/export"
	"github.com/haasonsaas/tutorbench/internal/observability"
	"github.com/haasonsaas/tutorbench/internal/retry"
	"github.com/haasonsaas/tutorbench/internal/scheduler"
	"github.com/haasonsaas/tutorbench/internal/store"
	"github.com/haasonsaas/tutorbench/pkg/models"
)

const defaultJudgeModel = "claude-sonnet-4-20250514"

type runOptions struct {
	scenarios     []string
	cluster       string
	profiles      []string
	allProfiles   bool
	factorial     bool
	replications  int
	parallelism   int
	skipRubric    bool
	description   string
	model         string
	egoModel      string
	superegoModel string
	judgeModel    string
	judgeProvider string
	metricsAddr   string
	verbose       bool
}

type resumeOptions struct {
	parallelism   int
	force         bool
	judgeModel    string
	judgeProvider string
	verbose       bool
}

type rejudgeOptions struct {
	judgeModel    string
	judgeProvider string
	scenario      string
	overwrite     bool
}

type evaluateOptions struct {
	follow        bool
	refresh       time.Duration
	judgeModel    string
	judgeProvider string
	review        bool
}

// app bundles everything a command handler needs. Each invocation builds one
// and closes it when done.
type app struct {
	paths       config.Paths
	store       *store.Store
	backends    *backend.Registry
	scenarios   *config.ScenarioCatalogue
	profiles    *config.ProfileCatalogue
	weights     *config.ScoreWeights
	transcripts *dialogue.TranscriptStore
	logger      *observability.Logger
	metrics     *observability.Metrics
	sched       *scheduler.Scheduler
	exporter    *export.Exporter
}

// appOptions selects which parts of the app a handler needs. Read-only
// commands skip the catalogue load so a missing scenarios file does not
// block `runs` or `status`.
type appOptions struct {
	verbose     bool
	catalogues  bool
	metricsAddr string
}

func newApp(opts appOptions) (*app, error) {
	paths := config.ResolvePaths()
	if err := paths.EnsureDirs(); err != nil {
		return nil, err
	}

	level := "info"
	if opts.verbose {
		level = "debug"
	}
	a := &app{
		paths:  paths,
		logger: observability.NewLogger(observability.LogConfig{Level: level, Format: "text"}),
	}

	st, err := store.Open(paths.DatabasePath())
	if err != nil {
		return nil, err
	}
	a.store = st

	a.transcripts, err = dialogue.NewTranscriptStore(paths.DialoguesDir())
	if err != nil {
		st.Close()
		return nil, err
	}

	a.backends = backend.NewRegistry(retry.DefaultConfig())
	a.exporter = export.New(st, paths.ExportsDir)

	var reload func() (*config.ScenarioCatalogue, *config.ProfileCatalogue, *config.ScoreWeights, error)
	if opts.catalogues {
		a.scenarios, err = config.LoadScenarios(paths.ScenariosFile)
		if err != nil {
			st.Close()
			return nil, err
		}
		a.profiles, err = config.LoadProfiles(paths.ProfilesFile)
		if err != nil {
			st.Close()
			return nil, err
		}
		a.weights, err = config.LoadScoreWeights(paths.RubricFile)
		if err != nil {
			st.Close()
			return nil, err
		}
		reload = func() (*config.ScenarioCatalogue, *config.ProfileCatalogue, *config.ScoreWeights, error) {
			p := config.ResolvePaths()
			scenarios, err := config.LoadScenarios(p.ScenariosFile)
			if err != nil {
				return nil, nil, nil, err
			}
			profiles, err := config.LoadProfiles(p.ProfilesFile)
			if err != nil {
				return nil, nil, nil, err
			}
			weights, err := config.LoadScoreWeights(p.RubricFile)
			if err != nil {
				return nil, nil, nil, err
			}
			return scenarios, profiles, weights, nil
		}
	}

	if opts.metricsAddr != "" {
		a.metrics = observability.NewMetrics()
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(opts.metricsAddr, mux); err != nil {
				a.logger.Error(context.Background(), "metrics server failed", "error", err)
			}
		}()
	}

	a.sched = scheduler.New(scheduler.Options{
		Store:       st,
		Backends:    a.backends,
		Engine:      dialogue.NewEngine(a.backends, a.logger),
		Transcripts: a.transcripts,
		Scenarios:   a.scenarios,
		Profiles:    a.profiles,
		Weights:     a.weights,
		LogsDir:     paths.LogsDir,
		Logger:      a.logger,
		Metrics:     a.metrics,
		Reload:      reload,
	})
	return a, nil
}

// restoreRecordedEnv re-applies the catalogue overrides recorded in a run's
// metadata before any catalogue is loaded, so resume, rejudge, and evaluate
// resolve scenarios and the rubric against the files the run was created
// with rather than whatever the current environment names.
func restoreRecordedEnv(ctx context.Context, runID string) error {
	paths := config.ResolvePaths()
	if err := paths.EnsureDirs(); err != nil {
		return err
	}
	st, err := store.Open(paths.DatabasePath())
	if err != nil {
		return err
	}
	defer st.Close()

	run, err := st.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if overrides, ok := run.Metadata[models.MetaEnvOverrides].(map[string]any); ok {
		return config.RestoreEnvOverrides(overrides)
	}
	return nil
}

func (a *app) Close() {
	if a.store != nil {
		a.store.Close()
	}
}

// signalContext cancels on SIGINT/SIGTERM so a run shuts down cooperatively
// and stays resumable.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// =============================================================================
// Run
// =============================================================================

func runRun(cmd *cobra.Command, opts runOptions) error {
	a, err := newApp(appOptions{verbose: opts.verbose, catalogues: true, metricsAddr: opts.metricsAddr})
	if err != nil {
		return err
	}
	defer a.Close()

	ego, superego := opts.egoModel, opts.superegoModel
	if opts.model != "" {
		if ego == "" {
			ego = opts.model
		}
		if superego == "" {
			superego = opts.model
		}
	}

	spec := scheduler.RunSpec{
		Description:           opts.description,
		ScenarioIDs:           opts.scenarios,
		Cluster:               opts.cluster,
		ProfileNames:          opts.profiles,
		FactorialCells:        opts.factorial,
		AllProfiles:           opts.allProfiles,
		Replications:          opts.replications,
		Parallelism:           opts.parallelism,
		SkipRubric:            opts.skipRubric,
		EgoModelOverride:      ego,
		SuperegoModelOverride: superego,
		JudgeProvider:         opts.judgeProvider,
		JudgeModel:            opts.judgeModel,
	}
	// No explicit selection runs the whole catalogue.
	if len(spec.ProfileNames) == 0 && !spec.FactorialCells {
		spec.AllProfiles = true
	}
	if spec.SkipRubric {
		spec.JudgeModel = ""
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	out, err := a.sched.Run(ctx, spec)
	if err != nil {
		return mapConfigError(err)
	}
	return reportOutcome(cmd, out)
}

func reportOutcome(cmd *cobra.Command, out scheduler.Outcome) error {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "run %s: %d succeeded, %d failed, %d errored (of %d)\n",
		out.RunID, out.Succeeded, out.Failed, out.Errored, out.Total)
	if out.Cancelled {
		fmt.Fprintf(w, "cancelled; resume with: tutorbench resume %s\n", out.RunID)
	}
	if out.PartialFailure() {
		return errPartialFailure(out.Failed, out.Errored)
	}
	return nil
}

// =============================================================================
// Resume
// =============================================================================

func runResume(cmd *cobra.Command, runID string, opts resumeOptions) error {
	if err := restoreRecordedEnv(cmd.Context(), runID); err != nil {
		return err
	}
	a, err := newApp(appOptions{verbose: opts.verbose, catalogues: true})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	out, err := a.sched.Resume(ctx, scheduler.ResumeSpec{
		RunID:         runID,
		Force:         opts.force,
		Parallelism:   opts.parallelism,
		JudgeProvider: opts.judgeProvider,
		JudgeModel:    opts.judgeModel,
	})
	if err != nil {
		return mapConfigError(err)
	}
	if out.Total == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "run %s: nothing outstanding\n", runID)
		return nil
	}
	return reportOutcome(cmd, out)
}

// =============================================================================
// Rejudge / Evaluate
// =============================================================================

func runRejudge(cmd *cobra.Command, runID string, opts rejudgeOptions) error {
	if err := restoreRecordedEnv(cmd.Context(), runID); err != nil {
		return err
	}
	a, err := newApp(appOptions{catalogues: true})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	out, err := a.sched.Rejudge(ctx, scheduler.RejudgeSpec{
		RunID:         runID,
		JudgeProvider: opts.judgeProvider,
		JudgeModel:    opts.judgeModel,
		ScenarioID:    opts.scenario,
		Overwrite:     opts.overwrite,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "rejudged %d of %d candidates (%d skipped, %d failed)\n",
		out.Judged, out.Candidates, out.Skipped, out.Failed)
	if out.Failed > 0 {
		return &exitError{code: 1, msg: fmt.Sprintf("%d rejudgements failed", out.Failed)}
	}
	return nil
}

func runEvaluate(cmd *cobra.Command, runID string, opts evaluateOptions) error {
	if err := restoreRecordedEnv(cmd.Context(), runID); err != nil {
		return err
	}
	a, err := newApp(appOptions{catalogues: true})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	spec := scheduler.RejudgeSpec{
		RunID:         runID,
		JudgeProvider: opts.judgeProvider,
		JudgeModel:    opts.judgeModel,
	}

	w := cmd.OutOrStdout()
	for {
		out, err := a.sched.EvaluateUnjudged(ctx, spec)
		if err != nil {
			return err
		}
		if out.Judged > 0 || !opts.follow {
			fmt.Fprintf(w, "evaluated %d trials (%d skipped, %d failed)\n",
				out.Judged, out.Skipped, out.Failed)
		}

		if !opts.follow {
			break
		}
		run, err := a.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		// Stop once the run is over and a whole pass judged nothing new;
		// whatever remains is permanently skipped (lost transcripts).
		if run.Status != models.RunStatusRunning && out.Judged == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(opts.refresh):
		}
	}

	if opts.review {
		return runReviewPass(ctx, cmd, a, runID, opts)
	}
	return nil
}

// runReviewPass writes a qualitative assessment for every judged trial that
// does not have one yet, using the judge backend in free-text mode.
func runReviewPass(ctx context.Context, cmd *cobra.Command, a *app, runID string, opts evaluateOptions) error {
	b, err := a.backends.Get(opts.judgeProvider)
	if err != nil {
		return err
	}
	results, err := a.store.GetResults(ctx, runID, store.ResultsFilter{OnlySuccess: true})
	if err != nil {
		return err
	}

	var written int
	for _, r := range results {
		if !r.Judged() || r.Qualitative != "" || r.DialogueID == "" {
			continue
		}
		transcript, err := a.transcripts.Load(r.DialogueID)
		if err != nil {
			continue
		}
		assessment, err := qualitativeAssessment(ctx, b, opts.judgeModel, transcript)
		if err != nil {
			a.logger.Warn(ctx, "qualitative review failed", "result_id", r.ID, "error", err)
			continue
		}
		if err := a.store.AttachQualitative(ctx, r.ID, assessment, false); err != nil {
			return err
		}
		written++
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %d qualitative assessments\n", written)
	return nil
}

func qualitativeAssessment(ctx context.Context, b backend.Backend, model string, t *models.DialogueTranscript) (string, error) {
	var sb strings.Builder
	sb.WriteString("Read this tutoring dialogue and write a short qualitative assessment of the tutoring: what worked, what did not, and one concrete improvement. Plain prose, no scores.\n")
	for _, e := range t.FinalOutputs() {
		fmt.Fprintf(&sb, "\nTUTOR (turn %d): %s\n", e.Turn, e.Content)
	}
	resp, err := b.Call(ctx, &backend.Request{
		Model:    model,
		System:   "You are an experienced tutoring coach reviewing dialogue transcripts.",
		Messages: []backend.Message{{Role: "user", Content: sb.String()}},
		Timeout:  backend.DefaultJudgeTimeout,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// =============================================================================
// Inspection
// =============================================================================

func runRuns(cmd *cobra.Command, limit int, status string) error {
	a, err := newApp(appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	runs, err := a.store.ListRuns(cmd.Context(), store.ListRunsFilter{
		Status: models.RunStatus(status),
		Limit:  limit,
	})
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if len(runs) == 0 {
		fmt.Fprintln(w, "no runs")
		return nil
	}
	fmt.Fprintf(w, "%-24s %-10s %9s %7s %7s %7s  %s\n",
		"RUN", "STATUS", "COMPLETE", "FAILED", "TOTAL", "AVG", "CREATED")
	for _, r := range runs {
		avg := "-"
		if r.AvgScore != nil {
			avg = fmt.Sprintf("%.2f", *r.AvgScore)
		}
		fmt.Fprintf(w, "%-24s %-10s %9d %7d %7d %7s  %s\n",
			r.ID, r.Status, r.CompletedTests, r.FailedTests, r.TotalTests, avg,
			r.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	return nil
}

func runReport(cmd *cobra.Command, runID, column string) error {
	a, err := newApp(appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	data, err := a.exporter.CellReport(cmd.Context(), runID, column)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "run %s, column %s\n\n", runID, column)
	if len(data.Cells) == 0 {
		fmt.Fprintln(w, "no scored results")
		return nil
	}
	fmt.Fprintf(w, "%-8s %-22s %5s %7s\n", "CELL", "CONFIGURATION", "N", "MEAN")
	for _, c := range data.Cells {
		fmt.Fprintf(w, "%-8s %-22s %5d %7.2f\n", c.Cell.Key(), c.Cell.Label(), c.N, c.Mean)
	}
	if len(data.Effects) > 0 {
		fmt.Fprintf(w, "\n%-16s %8s %8s %8s\n", "FACTOR", "WITH", "WITHOUT", "DELTA")
		for _, f := range data.Effects {
			fmt.Fprintf(w, "%-16s %8.2f %8.2f %+8.2f\n", f.Factor, f.With, f.Without, f.Delta)
		}
	}
	return nil
}

func runTranscript(cmd *cobra.Command, dialogueID string, raw bool) error {
	a, err := newApp(appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	t, err := a.transcripts.Load(dialogueID)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if raw {
		data, err := json.MarshalIndent(t, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(data))
		return nil
	}

	fmt.Fprintf(w, "dialogue %s\nscenario %s, profile %s, tutor=%s learner=%s\n",
		t.DialogueID, t.ScenarioID, t.ProfileName, t.TutorArchitecture, t.LearnerArchitecture)
	if !t.Completed {
		fmt.Fprintf(w, "INCOMPLETE: %s\n", t.FailureReason)
	}
	for _, e := range t.Entries {
		tag := fmt.Sprintf("[%d] turn %d %s/%s", e.Index, e.Turn, e.Agent, e.Action)
		if e.ParseFailure {
			tag += " (parse failure, auto-approved)"
		}
		if e.ForcedEmission {
			tag += " (forced emission)"
		}
		fmt.Fprintf(w, "\n%s\n%s\n", tag, e.Content)
	}
	return nil
}

// =============================================================================
// Lifecycle
// =============================================================================

func runExport(cmd *cobra.Command, runID, format string) error {
	a, err := newApp(appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	w := cmd.OutOrStdout()
	if format == "json" || format == "both" {
		path, err := a.exporter.ExportJSON(cmd.Context(), runID)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "wrote %s\n", path)
	}
	if format == "markdown" || format == "both" {
		path, err := a.exporter.ExportMarkdown(cmd.Context(), runID)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "wrote %s\n", path)
	}
	if format != "json" && format != "markdown" && format != "both" {
		return fmt.Errorf("unknown format %q", format)
	}
	return nil
}

func runCleanup(cmd *cobra.Command, idle time.Duration, dryRun bool) error {
	a, err := newApp(appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	stale, err := a.store.AutoCompleteStaleRuns(cmd.Context(), idle, dryRun)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	if len(stale) == 0 {
		fmt.Fprintln(w, "no stale runs")
		return nil
	}
	verb := "closed"
	if dryRun {
		verb = "would close"
	}
	for _, s := range stale {
		fmt.Fprintf(w, "%s %s (pid %d gone, idle since %s)\n",
			verb, s.RunID, s.PID, s.LastActivity.Format(time.RFC3339))
	}
	return nil
}

func runRevert(cmd *cobra.Command, runID string) error {
	a, err := newApp(appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	run, err := a.store.GetRun(cmd.Context(), runID)
	if err != nil {
		return err
	}
	if run.Status == models.RunStatusRunning {
		fmt.Fprintf(cmd.OutOrStdout(), "run %s is already running\n", runID)
		return nil
	}
	status := models.RunStatusRunning
	if err := a.store.UpdateRun(cmd.Context(), runID, store.RunUpdate{Status: &status}); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "run %s reverted to running\n", runID)
	return nil
}

// mapConfigError translates scheduler config errors to exit code 1;
// everything else passes through unchanged.
func mapConfigError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, scheduler.ErrConfig) {
		return &exitError{code: 1, msg: err.Error()}
	}
	return err
}
