package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/tutorbench/internal/backend"
	"github.com/haasonsaas/tutorbench/internal/config"
	"github.com/haasonsaas/tutorbench/internal/dialogue"
	"github.com/haasonsaas/tutorbench/internal/judge"
	"github.com/haasonsaas/tutorbench/internal/observability"
	"github.com/haasonsaas/tutorbench/internal/progress"
	"github.com/haasonsaas/tutorbench/internal/store"
	"github.com/haasonsaas/tutorbench/pkg/models"
)

// ErrConfig marks configuration failures: unknown scenario or profile, no
// judge available. No run is created when one occurs.
var ErrConfig = errors.New("configuration error")

// RunSpec describes what to run.
type RunSpec struct {
	Description string

	// ScenarioIDs selects scenarios; empty means all. Cluster further
	// filters by cluster tag.
	ScenarioIDs []string
	Cluster     string

	// ProfileNames selects explicit profiles. FactorialCells selects the
	// eight-cell factorial set. AllProfiles selects the whole catalogue.
	// Exactly one selection mode applies; explicit names win.
	ProfileNames   []string
	FactorialCells bool
	AllProfiles    bool

	Replications int
	Parallelism  int
	SkipRubric   bool

	// Model overrides, applied to copies of catalogue profiles.
	EgoModelOverride      string
	SuperegoModelOverride string

	// Judge selection; empty JudgeModel disables judging (same as
	// SkipRubric, but recorded distinctly in metadata).
	JudgeProvider string
	JudgeModel    string
}

// Outcome summarises a completed dispatch.
type Outcome struct {
	RunID     string
	Total     int
	Succeeded int
	Failed    int
	Errored   int
	Cancelled bool
}

// PartialFailure reports whether some trials did not succeed.
func (o Outcome) PartialFailure() bool {
	return o.Failed > 0 || o.Errored > 0
}

// Scheduler wires the engine, store, journal, and judge together. All
// handles are explicit; the only process-wide state is path resolution.
type Scheduler struct {
	store       *store.Store
	backends    *backend.Registry
	engine      *dialogue.Engine
	transcripts *dialogue.TranscriptStore
	weights     *config.ScoreWeights
	logsDir     string
	logger      *observability.Logger
	metrics     *observability.Metrics

	scenarios *config.ScenarioCatalogue
	profiles  *config.ProfileCatalogue
	reload    func() (*config.ScenarioCatalogue, *config.ProfileCatalogue, *config.ScoreWeights, error)
}

// Options configures a Scheduler. Store, Backends, Engine, Transcripts,
// Scenarios, and Profiles are required.
type Options struct {
	Store       *store.Store
	Backends    *backend.Registry
	Engine      *dialogue.Engine
	Transcripts *dialogue.TranscriptStore
	Scenarios   *config.ScenarioCatalogue
	Profiles    *config.ProfileCatalogue
	Weights     *config.ScoreWeights
	LogsDir     string
	Logger      *observability.Logger
	Metrics     *observability.Metrics

	// Reload rebuilds the catalogues from the current environment. Resume,
	// rejudge, and evaluate call it after restoring a run's recorded
	// environment overrides, so scenario and rubric resolution matches the
	// files that were in effect when the run was created.
	Reload func() (*config.ScenarioCatalogue, *config.ProfileCatalogue, *config.ScoreWeights, error)
}

// New creates a Scheduler.
func New(opts Options) *Scheduler {
	if opts.Weights == nil {
		opts.Weights = config.DefaultScoreWeights()
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Scheduler{
		store:       opts.Store,
		backends:    opts.Backends,
		engine:      opts.Engine,
		transcripts: opts.Transcripts,
		weights:     opts.Weights,
		logsDir:     opts.LogsDir,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		scenarios:   opts.Scenarios,
		profiles:    opts.Profiles,
		reload:      opts.Reload,
	}
}

// Run expands a new plan, creates the run, and dispatches every trial.
func (s *Scheduler) Run(ctx context.Context, spec RunSpec) (Outcome, error) {
	plan, err := s.expand(spec)
	if err != nil {
		return Outcome{}, err
	}

	j, err := s.buildJudge(spec.JudgeProvider, spec.JudgeModel, spec.SkipRubric)
	if err != nil {
		return Outcome{}, err
	}

	runID := newRunID()
	run := &models.Run{
		ID:                  runID,
		Description:         spec.Description,
		TotalScenarios:      len(plan.Scenarios),
		TotalConfigurations: len(plan.Profiles),
		TotalTests:          plan.TotalTests(),
		Metadata: map[string]any{
			models.MetaPID:          os.Getpid(),
			models.MetaScenarios:    plan.ScenarioIDs(),
			models.MetaProfiles:     plan.ProfileNames(),
			models.MetaReplications: plan.Replications,
			models.MetaSkipRubric:   spec.SkipRubric,
			models.MetaJudgeModel:   spec.JudgeModel,
			models.MetaEnvOverrides: config.EnvOverrides(),
		},
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return Outcome{}, fmt.Errorf("create run: %w", err)
	}

	return s.dispatch(ctx, runID, plan, plan.Trials, spec.Parallelism, spec.SkipRubric, j)
}

// expand resolves the run specification against the catalogues.
func (s *Scheduler) expand(spec RunSpec) (*Plan, error) {
	scenarios, err := s.scenarios.Resolve(spec.ScenarioIDs, spec.Cluster)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	var profiles []*config.Profile
	switch {
	case len(spec.ProfileNames) > 0:
		for _, name := range spec.ProfileNames {
			p, err := s.profiles.Get(name)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrConfig, err)
			}
			profiles = append(profiles, p)
		}
	case spec.FactorialCells:
		profiles, err = s.profiles.FactorialCells()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfig, err)
		}
	case spec.AllProfiles:
		profiles = s.profiles.All()
	default:
		return nil, fmt.Errorf("%w: no profiles selected", ErrConfig)
	}

	if spec.EgoModelOverride != "" || spec.SuperegoModelOverride != "" {
		overridden := make([]*config.Profile, len(profiles))
		for i, p := range profiles {
			cp := *p
			if spec.EgoModelOverride != "" {
				cp.EgoModel = spec.EgoModelOverride
			}
			if spec.SuperegoModelOverride != "" {
				cp.SuperegoModel = spec.SuperegoModelOverride
			}
			overridden[i] = &cp
		}
		profiles = overridden
	}

	return ExpandPlan(scenarios, profiles, spec.Replications), nil
}

// buildJudge resolves the judge backend, or nil when rubric scoring is
// skipped. A missing judge model with scoring enabled is a config error.
func (s *Scheduler) buildJudge(provider, model string, skipRubric bool) (*judge.Judge, error) {
	if skipRubric {
		return nil, nil
	}
	if model == "" {
		return nil, fmt.Errorf("%w: no judge model configured", ErrConfig)
	}
	if provider == "" {
		provider = "anthropic"
	}
	b, err := s.backends.Get(provider)
	if err != nil {
		return nil, fmt.Errorf("%w: judge backend: %v", ErrConfig, err)
	}
	return judge.New(b, model, s.weights), nil
}

// dispatch runs trials through a bounded FIFO worker pool and commits each
// outcome: store first, then the progress journal, so the journal is never
// ahead of the database.
func (s *Scheduler) dispatch(ctx context.Context, runID string, plan *Plan, trials []Trial, parallelism int, skipRubric bool, j *judge.Judge) (Outcome, error) {
	if parallelism < 1 {
		parallelism = 1
	}

	writer, err := progress.NewWriter(s.logsDir, runID)
	if err != nil {
		return Outcome{RunID: runID}, fmt.Errorf("open progress journal: %w", err)
	}
	defer writer.Close()

	if err := writer.RunStart(plan.ScenarioIDs(), plan.ProfileNames(), plan.TotalTests()); err != nil {
		return Outcome{RunID: runID}, fmt.Errorf("journal run start: %w", err)
	}

	ctx = context.WithValue(ctx, observability.RunIDKey, runID)
	s.logger.Info(ctx, "dispatching trials",
		"trials", len(trials), "parallelism", parallelism, "skip_rubric", skipRubric)

	start := time.Now()
	queue := make(chan Trial)
	outcome := Outcome{RunID: runID, Total: len(trials)}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < parallelism; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			wctx := context.WithValue(ctx, observability.WorkerKey, worker)
			for trial := range queue {
				result := s.runTrial(wctx, runID, trial, skipRubric, j, writer)
				mu.Lock()
				switch result {
				case trialSucceeded:
					outcome.Succeeded++
				case trialFailed:
					outcome.Failed++
				case trialErrored:
					outcome.Errored++
				}
				mu.Unlock()
			}
		}(i)
	}

	// Cooperative cancellation: stop feeding the queue, let workers finish
	// and commit their current trial. Undispatched trials surface on the
	// next resume.
feed:
	for _, trial := range trials {
		if ctx.Err() != nil {
			outcome.Cancelled = true
			break feed
		}
		select {
		case <-ctx.Done():
			outcome.Cancelled = true
			break feed
		case queue <- trial:
		}
	}
	close(queue)
	wg.Wait()

	// Cancellation that lands after the last dispatch still leaves the run
	// open: completing it with a dead context would fail anyway.
	if !outcome.Cancelled && ctx.Err() != nil {
		outcome.Cancelled = true
	}

	if outcome.Cancelled {
		s.logger.Warn(ctx, "run cancelled; undispatched trials will appear on resume",
			"dispatched", outcome.Succeeded+outcome.Failed+outcome.Errored, "total", outcome.Total)
		return outcome, nil
	}

	if err := s.store.CompleteRun(ctx, runID); err != nil {
		return outcome, fmt.Errorf("complete run: %w", err)
	}
	if err := writer.RunComplete(time.Since(start)); err != nil {
		return outcome, fmt.Errorf("journal run complete: %w", err)
	}
	s.logger.Info(ctx, "run complete",
		"succeeded", outcome.Succeeded, "failed", outcome.Failed, "errored", outcome.Errored,
		"duration", time.Since(start).Round(time.Second).String())
	return outcome, nil
}

type trialResult int

const (
	trialSucceeded trialResult = iota
	trialFailed
	trialErrored
)

// runTrial executes one trial end to end. Trial-scoped errors never escape:
// everything is captured into the result row or a test_error event.
func (s *Scheduler) runTrial(ctx context.Context, runID string, trial Trial, skipRubric bool, j *judge.Judge, writer *progress.Writer) trialResult {
	sc, profile := trial.Scenario, trial.Profile
	tctx := context.WithValue(ctx, observability.ScenarioKey, sc.ID)
	tctx = context.WithValue(tctx, observability.ProfileKey, profile.Name)

	if s.metrics != nil {
		s.metrics.ActiveWorkers.Inc()
		defer s.metrics.ActiveWorkers.Dec()
	}

	if err := writer.TestStart(sc.ID, sc.Name, profile.Name); err != nil {
		s.logger.Error(tctx, "journal append failed", "error", err)
	}

	start := time.Now()
	trialOut := s.engine.Run(tctx, dialogue.TrialSpec{
		RunID:    runID,
		Scenario: sc,
		Profile:  profile,
		Attempt:  trial.Attempt,
	})

	if err := s.transcripts.Save(trialOut.Transcript); err != nil {
		// Losing the transcript loses the trial; resume will retry it.
		s.logger.Error(tctx, "transcript write failed", "error", err)
		s.noteTestError(writer, sc.ID, profile.Name, "transcript write failed: "+err.Error())
		return trialErrored
	}

	cell := profile.Cell()
	result := &models.Result{
		RunID:             runID,
		ScenarioID:        sc.ID,
		ScenarioName:      sc.Name,
		ProfileName:       profile.Name,
		Attempt:           trial.Attempt,
		Provider:          profile.Provider,
		EgoModel:          profile.EgoModel,
		SuperegoModel:     profile.SuperegoModel,
		Temperature:       profile.Temperature,
		MaxRevisionRounds: profile.MaxRevisionRounds,
		DialogueID:        trialOut.Transcript.DialogueID,
		LatencyMS:         trialOut.LatencyMS,
		APICalls:          trialOut.APICalls,
		InputTokens:       trialOut.InputTokens,
		OutputTokens:      trialOut.OutputTokens,
		Success:           trialOut.Success,
		ErrorMessage:      trialOut.ErrorMessage,
		SkipRubric:        skipRubric,
		Cell:              &cell,
	}

	if trialOut.Success && !skipRubric && j != nil {
		verdict, err := j.Evaluate(tctx, sc, trialOut.Transcript)
		if err != nil {
			// The dialogue succeeded; record it with null scores so
			// `evaluate --follow` can pick it up later.
			s.logger.Warn(tctx, "judge failed; scores left null for later evaluation",
				"dialogue_id", result.DialogueID, "error", err)
			if s.metrics != nil {
				s.metrics.JudgementCounter.WithLabelValues(j.Model(), judgeStatus(err)).Inc()
			}
		} else {
			result.Dimensions = verdict.Dimensions
			result.OverallScore = &verdict.OverallScore
			result.BaseScore = &verdict.BaseScore
			result.RecognitionScore = &verdict.RecognitionScore
			result.JudgeModel = verdict.JudgeModel
			result.RequiredPassed = verdict.RequiredPassed
			result.ForbiddenAbsent = verdict.ForbiddenAbsent
			result.JudgeSummary = verdict.Summary
			if s.metrics != nil {
				s.metrics.JudgementCounter.WithLabelValues(j.Model(), "success").Inc()
			}
		}
	}

	// Store commit precedes the journal append: a test_complete event
	// implies the row is visible. The commit survives cancellation so an
	// in-flight trial is never half-recorded.
	if _, err := s.store.StoreResult(context.WithoutCancel(ctx), result, false); err != nil {
		s.logger.Error(tctx, "store commit failed; trial lost for this run", "error", err)
		s.noteTestError(writer, sc.ID, profile.Name, "store commit failed: "+err.Error())
		if s.metrics != nil {
			s.metrics.ErrorCounter.WithLabelValues("store", "commit").Inc()
		}
		return trialErrored
	}

	if err := writer.TestComplete(sc.ID, sc.Name, profile.Name, result.Success, result.OverallScore, result.LatencyMS); err != nil {
		s.logger.Error(tctx, "journal append failed", "error", err)
	}

	if s.metrics != nil {
		status := "success"
		if !result.Success {
			status = "failure"
		}
		s.metrics.TrialCounter.WithLabelValues(sc.ID, profile.Name, status).Inc()
		s.metrics.TrialDuration.WithLabelValues(sc.ID, profile.Name).Observe(time.Since(start).Seconds())
		s.metrics.TokensUsed.WithLabelValues(profile.Provider, profile.EgoModel, "input").Add(float64(result.InputTokens))
		s.metrics.TokensUsed.WithLabelValues(profile.Provider, profile.EgoModel, "output").Add(float64(result.OutputTokens))
	}

	if result.Success {
		return trialSucceeded
	}
	s.logger.Warn(tctx, "trial failed", "error", result.ErrorMessage)
	return trialFailed
}

func (s *Scheduler) noteTestError(writer *progress.Writer, scenarioID, profileName, msg string) {
	if err := writer.TestError(scenarioID, profileName, msg); err != nil {
		s.logger.Error(context.Background(), "journal append failed", "error", err)
	}
}

func judgeStatus(err error) string {
	if backend.ReasonOf(err) == backend.ReasonParse {
		return "parse_error"
	}
	return "error"
}

// newRunID builds a human-readable, date-stamped run id with a short unique
// suffix so concurrent invocations cannot collide.
func newRunID() string {
	return "eval-" + time.Now().UTC().Format("20060102-150405") + "-" + uuid.New().String()[:8]
}
