package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/haasonsaas/tutorbench/internal/backend"
	"github.com/haasonsaas/tutorbench/internal/config"
	"github.com/haasonsaas/tutorbench/internal/dialogue"
	"github.com/haasonsaas/tutorbench/internal/observability"
	"github.com/haasonsaas/tutorbench/internal/progress"
	"github.com/haasonsaas/tutorbench/internal/retry"
	"github.com/haasonsaas/tutorbench/internal/store"
	"github.com/haasonsaas/tutorbench/pkg/models"
)

const scenariosYAML = `scenarios:
  - id: fractions_compare
    name: Comparing fractions
    cluster: numeracy
    context: "The learner insists 1/4 is bigger than 1/3 because 4 is bigger than 3."
    learner_persona: "Frustrated middle schooler who shuts down when corrected bluntly."
    learner_turns:
      - "ask for a concrete everyday example"
    max_turns: 4
    rubric:
      expected_behaviour: "Surface the misconception through questions, not by stating the rule."
      required_elements: ["asks a probing question"]
      forbidden_elements: ["states the rule outright"]
      dimensions: ["clarity", "recognition_of_state"]
  - id: essay_thesis
    name: Essay thesis feedback
    cluster: writing
    context: "The learner shares an essay draft whose thesis tries to argue three things at once."
    learner_persona: "Perfectionist who takes critique personally."
    learner_turns:
      - "push back defensively"
    max_turns: 4
    rubric:
      expected_behaviour: "Help the learner narrow the thesis themselves."
      dimensions: ["clarity", "recognition_of_state"]
`

const profilesYAML = `profiles:
  - name: tutor_single
    provider: fake
    ego_model: ego-model
    max_revision_rounds: 0
  - name: tutor_multi
    provider: fake
    ego_model: ego-model
    superego_model: superego-model
    max_revision_rounds: 2
    tutor_multi: true
`

const goodJudgeJSON = `{"dimensions": {"clarity": {"score": 4, "reasoning": "plain"}, "recognition_of_state": {"score": 3, "reasoning": "acknowledged"}}, "required_elements_passed": true, "forbidden_elements_absent": true, "summary": "solid tutoring"}`

// goodJudgeJSON derives overall 0.6*4 + 0.4*3 under the default weights.
const goodOverall = 3.6

// harness wires a scheduler against a temp store, temp catalogues, and one
// scripted backend. Tests steer behaviour through the respond hook.
type harness struct {
	sched *Scheduler
	store *store.Store
	fake  *backend.Fake

	reg         *backend.Registry
	transcripts *dialogue.TranscriptStore
	scenarios   *config.ScenarioCatalogue
	profiles    *config.ProfileCatalogue
	logger      *observability.Logger
	logsDir     string

	mu      sync.Mutex
	respond func(req *backend.Request) (string, error)
}

func (h *harness) setRespond(fn func(req *backend.Request) (string, error)) {
	h.mu.Lock()
	h.respond = fn
	h.mu.Unlock()
}

// defaultRespond answers every role well: drafts, approvals, learner
// replies, and a parseable judge verdict.
func defaultRespond(req *backend.Request) (string, error) {
	switch {
	case strings.Contains(req.System, "judge a tutoring dialogue"):
		return goodJudgeJSON, nil
	case strings.Contains(req.System, "review a tutor's draft"):
		return `{"approved": true, "feedback": ""}`, nil
	case strings.Contains(req.System, "role-playing a learner"):
		if len(req.Messages) > 0 && strings.Contains(req.Messages[0].Content, "inner critic") {
			return `{"approved": true, "feedback": ""}`, nil
		}
		return "learner reply", nil
	default:
		return "tutor response", nil
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "evaluations.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	h := &harness{store: st, respond: defaultRespond, logsDir: filepath.Join(dir, "logs")}
	h.fake = backend.NewFake()
	h.fake.Respond = func(req *backend.Request) (string, error) {
		h.mu.Lock()
		fn := h.respond
		h.mu.Unlock()
		return fn(req)
	}

	reg := backend.NewRegistry(retry.Config{MaxAttempts: 1})
	reg.Register(h.fake)

	transcripts, err := dialogue.NewTranscriptStore(filepath.Join(dir, "dialogues"))
	if err != nil {
		t.Fatalf("transcript store: %v", err)
	}

	scenariosPath := filepath.Join(dir, "scenarios.yaml")
	if err := os.WriteFile(scenariosPath, []byte(scenariosYAML), 0o644); err != nil {
		t.Fatalf("write scenarios: %v", err)
	}
	scenarios, err := config.LoadScenarios(scenariosPath)
	if err != nil {
		t.Fatalf("load scenarios: %v", err)
	}
	profilesPath := filepath.Join(dir, "profiles.yaml")
	if err := os.WriteFile(profilesPath, []byte(profilesYAML), 0o644); err != nil {
		t.Fatalf("write profiles: %v", err)
	}
	profiles, err := config.LoadProfiles(profilesPath)
	if err != nil {
		t.Fatalf("load profiles: %v", err)
	}

	logger := observability.NewLogger(observability.LogConfig{Level: "error", Format: "text"})
	h.reg = reg
	h.transcripts = transcripts
	h.scenarios = scenarios
	h.profiles = profiles
	h.logger = logger
	h.sched = New(Options{
		Store:       st,
		Backends:    reg,
		Engine:      dialogue.NewEngine(reg, logger),
		Transcripts: transcripts,
		Scenarios:   scenarios,
		Profiles:    profiles,
		LogsDir:     h.logsDir,
		Logger:      logger,
	})
	return h
}

// newSchedulerProcess builds a second scheduler over the same store and
// backend, the way a fresh process would: with the given scenario catalogue
// and a reload hook that re-resolves the catalogue from the environment.
func (h *harness) newSchedulerProcess(scenarios *config.ScenarioCatalogue) *Scheduler {
	return New(Options{
		Store:       h.store,
		Backends:    h.reg,
		Engine:      dialogue.NewEngine(h.reg, h.logger),
		Transcripts: h.transcripts,
		Scenarios:   scenarios,
		Profiles:    h.profiles,
		LogsDir:     h.logsDir,
		Logger:      h.logger,
		Reload: func() (*config.ScenarioCatalogue, *config.ProfileCatalogue, *config.ScoreWeights, error) {
			sc, err := config.LoadScenarios(config.ResolvePaths().ScenariosFile)
			if err != nil {
				return nil, nil, nil, err
			}
			return sc, nil, nil, nil
		},
	})
}

// writeAltCatalogue writes a scenario catalogue where the fractions scenario
// is renamed, so the default catalogue cannot resolve it.
func writeAltCatalogue(t *testing.T) (path string, catalogue *config.ScenarioCatalogue) {
	t.Helper()
	path = filepath.Join(t.TempDir(), "scenarios.yaml")
	altYAML := strings.ReplaceAll(scenariosYAML, "fractions_compare", "decimals_compare")
	if err := os.WriteFile(path, []byte(altYAML), 0o644); err != nil {
		t.Fatalf("write catalogue: %v", err)
	}
	catalogue, err := config.LoadScenarios(path)
	if err != nil {
		t.Fatalf("load catalogue: %v", err)
	}
	return path, catalogue
}

func fullRunSpec() RunSpec {
	return RunSpec{
		Description:   "scheduler test run",
		ProfileNames:  []string{"tutor_single", "tutor_multi"},
		Replications:  1,
		Parallelism:   1,
		JudgeProvider: "fake",
		JudgeModel:    "judge-model",
	}
}

func resultKeys(results []*models.Result) []string {
	keys := make([]string, len(results))
	for i, r := range results {
		keys[i] = fmt.Sprintf("%s/%s/%d", r.ScenarioID, r.ProfileName, r.Attempt)
	}
	sort.Strings(keys)
	return keys
}

func TestRunExecutesFullPlan(t *testing.T) {
	h := newHarness(t)
	out, err := h.sched.Run(context.Background(), fullRunSpec())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Succeeded != 4 || out.Failed != 0 || out.Errored != 0 {
		t.Fatalf("expected 4 successes, got %+v", out)
	}

	run, err := h.store.GetRun(context.Background(), out.RunID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != models.RunStatusCompleted {
		t.Fatalf("run status %s, want completed", run.Status)
	}
	if run.TotalTests != 4 {
		t.Fatalf("total_tests %d, want 4", run.TotalTests)
	}

	results, err := h.store.GetResults(context.Background(), out.RunID, store.ResultsFilter{})
	if err != nil {
		t.Fatalf("get results: %v", err)
	}
	if len(results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(results))
	}
	for _, r := range results {
		if !r.Success {
			t.Fatalf("trial %s failed: %s", r.NaturalKey(), r.ErrorMessage)
		}
		if r.OverallScore == nil || *r.OverallScore != goodOverall {
			t.Fatalf("trial %s: overall score %v, want %v", r.NaturalKey(), r.OverallScore, goodOverall)
		}
		if r.JudgeModel != "judge-model" {
			t.Fatalf("trial %s: judge model %q", r.NaturalKey(), r.JudgeModel)
		}
		if r.DialogueID == "" {
			t.Fatalf("trial %s has no transcript reference", r.NaturalKey())
		}
		if r.Cell == nil {
			t.Fatalf("trial %s has no cell coordinates", r.NaturalKey())
		}
	}
}

func TestRunWritesJournalInOrder(t *testing.T) {
	h := newHarness(t)
	out, err := h.sched.Run(context.Background(), fullRunSpec())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	events, err := progress.ReadEvents(h.logsDir, out.RunID)
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	if len(events) == 0 || events[0].Type != models.EventRunStart {
		t.Fatalf("journal must open with run_start, got %+v", events)
	}
	if events[0].TotalTests != 4 {
		t.Fatalf("run_start total_tests %d, want 4", events[0].TotalTests)
	}
	if events[len(events)-1].Type != models.EventRunComplete {
		t.Fatalf("journal must close with run_complete, got %s", events[len(events)-1].Type)
	}
	var completes int
	for _, ev := range events {
		if ev.Type == models.EventTestComplete {
			completes++
			if ev.OverallScore == nil {
				t.Fatal("test_complete must carry the overall score")
			}
		}
	}
	if completes != 4 {
		t.Fatalf("expected 4 test_complete events, got %d", completes)
	}
}

func TestRunSkipRubricLeavesScoresNull(t *testing.T) {
	h := newHarness(t)
	spec := fullRunSpec()
	spec.SkipRubric = true
	spec.JudgeModel = ""

	out, err := h.sched.Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	results, err := h.store.GetResults(context.Background(), out.RunID, store.ResultsFilter{})
	if err != nil {
		t.Fatalf("get results: %v", err)
	}
	for _, r := range results {
		if !r.Success {
			t.Fatalf("trial %s failed: %s", r.NaturalKey(), r.ErrorMessage)
		}
		if r.Judged() {
			t.Fatalf("trial %s was judged despite skip-rubric", r.NaturalKey())
		}
		if !r.SkipRubric {
			t.Fatalf("trial %s does not carry the skip-rubric marker", r.NaturalKey())
		}
	}
	for _, call := range h.fake.Calls() {
		if strings.Contains(call.System, "judge a tutoring dialogue") {
			t.Fatal("judge was called despite skip-rubric")
		}
	}
}

func TestRunUnknownProfileCreatesNoRun(t *testing.T) {
	h := newHarness(t)
	spec := fullRunSpec()
	spec.ProfileNames = []string{"no_such_profile"}

	if _, err := h.sched.Run(context.Background(), spec); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
	runs, err := h.store.ListRuns(context.Background(), store.ListRunsFilter{})
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("config error must not create a run, found %d", len(runs))
	}
}

func TestJudgeFailureRecordsNullScores(t *testing.T) {
	h := newHarness(t)
	h.setRespond(func(req *backend.Request) (string, error) {
		if strings.Contains(req.System, "judge a tutoring dialogue") {
			return "I refuse to answer in JSON.", nil
		}
		return defaultRespond(req)
	})

	out, err := h.sched.Run(context.Background(), fullRunSpec())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Succeeded != 4 {
		t.Fatalf("judge failure must not fail the trial, got %+v", out)
	}
	results, err := h.store.GetResults(context.Background(), out.RunID, store.ResultsFilter{})
	if err != nil {
		t.Fatalf("get results: %v", err)
	}
	for _, r := range results {
		if !r.Success || r.Judged() {
			t.Fatalf("trial %s: want success with null scores, got success=%v judged=%v",
				r.NaturalKey(), r.Success, r.Judged())
		}
	}

	// The dialogues are intact, so a later evaluate pass fills the scores
	// in place.
	h.setRespond(defaultRespond)
	evalOut, err := h.sched.EvaluateUnjudged(context.Background(), RejudgeSpec{
		RunID: out.RunID, JudgeProvider: "fake", JudgeModel: "judge-model",
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if evalOut.Judged != 4 || evalOut.Failed != 0 {
		t.Fatalf("expected 4 evaluations, got %+v", evalOut)
	}
	results, _ = h.store.GetResults(context.Background(), out.RunID, store.ResultsFilter{})
	if len(results) != 4 {
		t.Fatalf("evaluate must update in place, found %d rows", len(results))
	}
	for _, r := range results {
		if !r.Judged() {
			t.Fatalf("trial %s still unjudged after evaluate", r.NaturalKey())
		}
	}
}

func TestResumeDispatchesOnlyRemainder(t *testing.T) {
	h := newHarness(t)
	// First pass: the essay scenario's tutor calls fail at the transport.
	h.setRespond(func(req *backend.Request) (string, error) {
		if strings.Contains(req.System, "essay draft") && !strings.Contains(req.System, "judge") {
			return "", backend.NewError("fake", req.Model, backend.ReasonTransport, errors.New("connection reset"))
		}
		return defaultRespond(req)
	})

	out, err := h.sched.Run(context.Background(), fullRunSpec())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Succeeded != 2 || out.Failed != 2 {
		t.Fatalf("expected 2 successes and 2 failures, got %+v", out)
	}

	// Second pass: transport recovered. Only the failed pairs re-run.
	h.setRespond(defaultRespond)
	before := h.fake.CallCount()
	resumed, err := h.sched.Resume(context.Background(), ResumeSpec{
		RunID: out.RunID, Force: true, Parallelism: 1, JudgeProvider: "fake",
	})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Succeeded != 2 || resumed.Total != 2 {
		t.Fatalf("resume must dispatch exactly the remainder, got %+v", resumed)
	}
	if h.fake.CallCount() == before {
		t.Fatal("resume dispatched nothing")
	}

	done, err := h.store.CompletedPairs(context.Background(), out.RunID)
	if err != nil {
		t.Fatalf("completed pairs: %v", err)
	}
	if len(done) != 4 {
		t.Fatalf("expected all 4 pairs complete after resume, got %d", len(done))
	}

	// TotalTests stays what run creation fixed; failures remain as history.
	run, _ := h.store.GetRun(context.Background(), out.RunID)
	if run.TotalTests != 4 {
		t.Fatalf("total_tests changed to %d on resume", run.TotalTests)
	}
	if run.Status != models.RunStatusCompleted {
		t.Fatalf("run status %s after resume, want completed", run.Status)
	}
	results, _ := h.store.GetResults(context.Background(), out.RunID, store.ResultsFilter{})
	if len(results) != 6 {
		t.Fatalf("expected 4 original + 2 resumed rows, got %d", len(results))
	}
}

func TestResumeCompletedRunRequiresForce(t *testing.T) {
	h := newHarness(t)
	out, err := h.sched.Run(context.Background(), fullRunSpec())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if _, err := h.sched.Resume(context.Background(), ResumeSpec{RunID: out.RunID}); !errors.Is(err, ErrConfig) {
		t.Fatalf("resuming a completed run without force must fail, got %v", err)
	}

	resumed, err := h.sched.Resume(context.Background(), ResumeSpec{
		RunID: out.RunID, Force: true, JudgeProvider: "fake",
	})
	if err != nil {
		t.Fatalf("forced resume: %v", err)
	}
	if resumed.Total != 0 {
		t.Fatalf("fully complete run must have empty remainder, got %+v", resumed)
	}
	run, _ := h.store.GetRun(context.Background(), out.RunID)
	if run.Status != models.RunStatusCompleted {
		t.Fatalf("run left in status %s", run.Status)
	}
}

func TestCancellationLeavesRunResumable(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.setRespond(func(req *backend.Request) (string, error) {
		once.Do(func() { close(started) })
		<-release
		return "", backend.NewError("fake", req.Model, backend.ReasonAbort, context.Canceled)
	})

	spec := fullRunSpec()
	done := make(chan Outcome, 1)
	go func() {
		out, err := h.sched.Run(ctx, spec)
		if err != nil {
			t.Errorf("run: %v", err)
		}
		done <- out
	}()

	<-started
	cancel()
	close(release)
	out := <-done

	if !out.Cancelled {
		t.Fatalf("expected cancelled outcome, got %+v", out)
	}
	run, err := h.store.GetRun(context.Background(), out.RunID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != models.RunStatusRunning {
		t.Fatalf("cancelled run must stay running for resume, got %s", run.Status)
	}

	// The run picks up where it left off.
	h.setRespond(defaultRespond)
	resumed, err := h.sched.Resume(context.Background(), ResumeSpec{
		RunID: out.RunID, Parallelism: 1, JudgeProvider: "fake",
	})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Succeeded != 4 {
		t.Fatalf("resume must finish all four trials, got %+v", resumed)
	}
	run, _ = h.store.GetRun(context.Background(), out.RunID)
	if run.Status != models.RunStatusCompleted {
		t.Fatalf("run status %s after resume, want completed", run.Status)
	}
}

func TestResumeRestoresRecordedCatalogue(t *testing.T) {
	h := newHarness(t)
	altPath, altCatalogue := writeAltCatalogue(t)

	// Create the run with the catalogue override in effect; the renamed
	// scenario's trials fail at the transport, leaving a remainder.
	t.Setenv(config.EnvScenarios, altPath)
	h.setRespond(func(req *backend.Request) (string, error) {
		if strings.Contains(req.System, "1/4 is bigger") && !strings.Contains(req.System, "judge") {
			return "", backend.NewError("fake", req.Model, backend.ReasonTransport, errors.New("connection reset"))
		}
		return defaultRespond(req)
	})
	creator := h.newSchedulerProcess(altCatalogue)
	out, err := creator.Run(context.Background(), fullRunSpec())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Succeeded != 2 || out.Failed != 2 {
		t.Fatalf("expected 2 successes and 2 failures, got %+v", out)
	}

	// A fresh process without the override only knows the default catalogue,
	// which has no decimals_compare. Resume must restore the recorded
	// environment and resolve the plan against the original catalogue.
	t.Setenv(config.EnvScenarios, "")
	h.setRespond(defaultRespond)
	resumer := h.newSchedulerProcess(h.scenarios)
	resumed, err := resumer.Resume(context.Background(), ResumeSpec{
		RunID: out.RunID, Force: true, Parallelism: 1, JudgeProvider: "fake",
	})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Succeeded != 2 || resumed.Total != 2 {
		t.Fatalf("resume must dispatch the recorded catalogue's remainder, got %+v", resumed)
	}
	done, err := h.store.CompletedPairs(context.Background(), out.RunID)
	if err != nil {
		t.Fatalf("completed pairs: %v", err)
	}
	if len(done) != 4 {
		t.Fatalf("expected all 4 pairs complete after resume, got %d", len(done))
	}
}

func TestRejudgeRestoresRecordedCatalogue(t *testing.T) {
	h := newHarness(t)
	altPath, altCatalogue := writeAltCatalogue(t)

	t.Setenv(config.EnvScenarios, altPath)
	creator := h.newSchedulerProcess(altCatalogue)
	out, err := creator.Run(context.Background(), fullRunSpec())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Succeeded != 4 {
		t.Fatalf("expected 4 successes, got %+v", out)
	}

	// Judging depends on each scenario's rubric, so a rejudge from a process
	// without the override must restore it; otherwise the renamed scenario's
	// trials have no rubric to judge against and are skipped.
	t.Setenv(config.EnvScenarios, "")
	rejudger := h.newSchedulerProcess(h.scenarios)
	rj, err := rejudger.Rejudge(context.Background(), RejudgeSpec{
		RunID: out.RunID, JudgeProvider: "fake", JudgeModel: "judge-v2",
	})
	if err != nil {
		t.Fatalf("rejudge: %v", err)
	}
	if rj.Judged != 4 || rj.Skipped != 0 {
		t.Fatalf("rejudge must resolve scenarios from the recorded catalogue, got %+v", rj)
	}
}

func TestRejudgeAppendsHistoryByDefault(t *testing.T) {
	h := newHarness(t)
	out, err := h.sched.Run(context.Background(), fullRunSpec())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	h.setRespond(func(req *backend.Request) (string, error) {
		if strings.Contains(req.System, "judge a tutoring dialogue") {
			return `{"dimensions": {"clarity": {"score": 5, "reasoning": "re-read"}, "recognition_of_state": {"score": 5, "reasoning": "re-read"}}, "summary": "second opinion"}`, nil
		}
		return defaultRespond(req)
	})
	rj, err := h.sched.Rejudge(context.Background(), RejudgeSpec{
		RunID: out.RunID, JudgeProvider: "fake", JudgeModel: "judge-v2",
	})
	if err != nil {
		t.Fatalf("rejudge: %v", err)
	}
	if rj.Judged != 4 || rj.Failed != 0 {
		t.Fatalf("expected 4 rejudgements, got %+v", rj)
	}

	results, err := h.store.GetResults(context.Background(), out.RunID, store.ResultsFilter{})
	if err != nil {
		t.Fatalf("get results: %v", err)
	}
	if len(results) != 8 {
		t.Fatalf("rejudge must append, expected 8 rows, got %d", len(results))
	}
	var v1, v2 int
	for _, r := range results {
		switch r.JudgeModel {
		case "judge-model":
			v1++
			if *r.OverallScore != goodOverall {
				t.Fatalf("original verdict mutated: %v", *r.OverallScore)
			}
		case "judge-v2":
			v2++
			if *r.OverallScore != 5 {
				t.Fatalf("new verdict score %v, want 5", *r.OverallScore)
			}
		default:
			t.Fatalf("unexpected judge model %q", r.JudgeModel)
		}
	}
	if v1 != 4 || v2 != 4 {
		t.Fatalf("expected 4 rows per judge model, got %d and %d", v1, v2)
	}

	// A second rejudge considers only the newest row per trial.
	rj, err = h.sched.Rejudge(context.Background(), RejudgeSpec{
		RunID: out.RunID, JudgeProvider: "fake", JudgeModel: "judge-v3",
	})
	if err != nil {
		t.Fatalf("second rejudge: %v", err)
	}
	if rj.Candidates != 4 {
		t.Fatalf("rejudge must skip superseded rows, got %d candidates", rj.Candidates)
	}
}

func TestRejudgeOverwriteUpdatesInPlace(t *testing.T) {
	h := newHarness(t)
	out, err := h.sched.Run(context.Background(), fullRunSpec())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	rj, err := h.sched.Rejudge(context.Background(), RejudgeSpec{
		RunID: out.RunID, JudgeProvider: "fake", JudgeModel: "judge-v2", Overwrite: true,
	})
	if err != nil {
		t.Fatalf("rejudge: %v", err)
	}
	if rj.Judged != 4 {
		t.Fatalf("expected 4 rejudgements, got %+v", rj)
	}
	results, _ := h.store.GetResults(context.Background(), out.RunID, store.ResultsFilter{})
	if len(results) != 4 {
		t.Fatalf("overwrite must not add rows, got %d", len(results))
	}
	for _, r := range results {
		if r.JudgeModel != "judge-v2" {
			t.Fatalf("row %d still carries judge model %q", r.ID, r.JudgeModel)
		}
	}
}

func TestParallelismDoesNotChangeOutcomes(t *testing.T) {
	var keys [2][]string
	for i, parallelism := range []int{1, 4} {
		h := newHarness(t)
		spec := fullRunSpec()
		spec.Parallelism = parallelism
		out, err := h.sched.Run(context.Background(), spec)
		if err != nil {
			t.Fatalf("run at parallelism %d: %v", parallelism, err)
		}
		if out.Succeeded != 4 {
			t.Fatalf("parallelism %d: %+v", parallelism, out)
		}
		results, err := h.store.GetResults(context.Background(), out.RunID, store.ResultsFilter{})
		if err != nil {
			t.Fatalf("get results: %v", err)
		}
		keys[i] = resultKeys(results)
	}
	if fmt.Sprint(keys[0]) != fmt.Sprint(keys[1]) {
		t.Fatalf("parallelism changed the result set:\n%v\n%v", keys[0], keys[1])
	}
}

func TestReplicationsMultiplyTrialsNotTotalTests(t *testing.T) {
	h := newHarness(t)
	spec := fullRunSpec()
	spec.Replications = 3

	out, err := h.sched.Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Succeeded != 12 {
		t.Fatalf("expected 12 trials, got %+v", out)
	}
	run, _ := h.store.GetRun(context.Background(), out.RunID)
	if run.TotalTests != 4 {
		t.Fatalf("total_tests must stay scenarios x profiles, got %d", run.TotalTests)
	}
	results, _ := h.store.GetResults(context.Background(), out.RunID, store.ResultsFilter{})
	attempts := map[string]map[int]bool{}
	for _, r := range results {
		key := r.NaturalKey()
		if attempts[key] == nil {
			attempts[key] = map[int]bool{}
		}
		attempts[key][r.Attempt] = true
	}
	for key, seen := range attempts {
		if len(seen) != 3 {
			t.Fatalf("pair %s has %d attempts, want 3", key, len(seen))
		}
	}
}

func TestExpandPlanOrderingAndRemainder(t *testing.T) {
	scenarios := []*config.Scenario{{ID: "a"}, {ID: "b"}}
	profiles := []*config.Profile{{Name: "p1"}, {Name: "p2"}}
	plan := ExpandPlan(scenarios, profiles, 2)

	if plan.TotalTests() != 4 {
		t.Fatalf("total tests %d, want 4", plan.TotalTests())
	}
	if len(plan.Trials) != 8 {
		t.Fatalf("trials %d, want 8", len(plan.Trials))
	}
	wantFirst := []string{"a/p1/1", "a/p1/2", "a/p2/1", "a/p2/2"}
	for i, want := range wantFirst {
		if got := plan.Trials[i].Key(); got != want {
			t.Fatalf("trial %d: got %s, want %s", i, got, want)
		}
	}

	done := map[string]bool{"a/p1/1": true, "a/p2/2": true}
	rest := plan.Remainder(done)
	if len(rest) != 6 {
		t.Fatalf("remainder %d, want 6", len(rest))
	}
	for _, tr := range rest {
		if done[tr.Key()] {
			t.Fatalf("remainder contains completed trial %s", tr.Key())
		}
	}
}
