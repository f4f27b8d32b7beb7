package dialogue

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/haasonsaas/tutorbench/internal/backend"
	"github.com/haasonsaas/tutorbench/internal/config"
	"github.com/haasonsaas/tutorbench/internal/observability"
	"github.com/haasonsaas/tutorbench/internal/retry"
	"github.com/haasonsaas/tutorbench/pkg/models"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error", Format: "text"})
}

func testScenario(followups ...string) *config.Scenario {
	return &config.Scenario{
		ID:             "new_user_first_visit",
		Name:           "New user first visit",
		Context:        "A new learner opens the tutor for the first time.",
		LearnerPersona: "Curious but anxious adult learner.",
		LearnerTurns:   followups,
		MaxTurns:       6,
	}
}

func testProfile(multi, psycho bool, k int) *config.Profile {
	return &config.Profile{
		Name:              "test_profile",
		Provider:          "fake",
		EgoModel:          "ego-model",
		SuperegoModel:     "superego-model",
		MaxRevisionRounds: k,
		TutorMulti:        multi,
		LearnerPsycho:     psycho,
	}
}

// roleFake answers by role, recognised from the system prompt.
func roleFake(superegoVerdict string) *backend.Fake {
	f := backend.NewFake()
	f.Respond = func(req *backend.Request) (string, error) {
		switch {
		case strings.Contains(req.System, "review a tutor's draft"):
			return superegoVerdict, nil
		case strings.Contains(req.System, "role-playing a learner"):
			if strings.Contains(req.Messages[0].Content, "inner critic") {
				return `{"approved": true, "feedback": ""}`, nil
			}
			return "learner reply", nil
		default:
			return "tutor response", nil
		}
	}
	return f
}

func newTestEngine(f *backend.Fake) *Engine {
	reg := backend.NewRegistry(retry.Config{MaxAttempts: 1})
	reg.Register(f)
	return NewEngine(reg, testLogger())
}

func entriesBy(t *models.DialogueTranscript, agent models.AgentRole, action models.TraceAction) []models.TraceEntry {
	var out []models.TraceEntry
	for _, e := range t.Entries {
		if e.Agent == agent && e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

func TestSingleAgentHappyPath(t *testing.T) {
	engine := newTestEngine(roleFake(""))
	outcome := engine.Run(context.Background(), TrialSpec{
		RunID:    "run-1",
		Scenario: testScenario(), // zero follow-ups: exactly one external turn
		Profile:  testProfile(false, false, 0),
	})

	if !outcome.Success {
		t.Fatalf("expected success, got %q", outcome.ErrorMessage)
	}
	tr := outcome.Transcript
	if !tr.Completed || tr.TotalTurns != 1 {
		t.Fatalf("expected 1 completed turn, got %d (completed=%v)", tr.TotalTurns, tr.Completed)
	}

	wantActions := []models.TraceAction{models.ActionContextInput, models.ActionGenerate, models.ActionFinalOutput}
	if len(tr.Entries) != len(wantActions) {
		t.Fatalf("expected %d entries, got %d", len(wantActions), len(tr.Entries))
	}
	for i, want := range wantActions {
		if tr.Entries[i].Action != want {
			t.Fatalf("entry %d: expected %s, got %s", i, want, tr.Entries[i].Action)
		}
		if tr.Entries[i].Index != i {
			t.Fatalf("entry %d has index %d; indices must be monotonic", i, tr.Entries[i].Index)
		}
	}
	if len(tr.Suggestions) != 1 || tr.Suggestions[0].Forced {
		t.Fatalf("expected one unforced suggestion, got %+v", tr.Suggestions)
	}
	if outcome.APICalls == 0 {
		t.Fatal("api calls not counted")
	}
}

func TestForcedEmissionAfterKRejections(t *testing.T) {
	engine := newTestEngine(roleFake(`{"approved": false, "feedback": "try harder"}`))
	outcome := engine.Run(context.Background(), TrialSpec{
		RunID:    "run-1",
		Scenario: testScenario(),
		Profile:  testProfile(true, false, 2),
	})

	if !outcome.Success {
		t.Fatalf("forced emission is not a failure: %q", outcome.ErrorMessage)
	}
	tr := outcome.Transcript

	reviews := entriesBy(tr, models.AgentSuperego, models.ActionReview)
	if len(reviews) != 2 {
		t.Fatalf("expected exactly 2 superego reviews, got %d", len(reviews))
	}
	for _, r := range reviews {
		if r.Approved == nil || *r.Approved {
			t.Fatal("rejections must be recorded as unapproved")
		}
		if r.Feedback != "try harder" {
			t.Fatalf("feedback lost: %q", r.Feedback)
		}
	}

	// Draft plus two revisions: the third tutor emission is final.
	if n := len(entriesBy(tr, models.AgentEgo, models.ActionGenerate)) +
		len(entriesBy(tr, models.AgentEgo, models.ActionRevise)); n != 3 {
		t.Fatalf("expected 3 tutor emissions, got %d", n)
	}

	finals := entriesBy(tr, models.AgentEgo, models.ActionFinalOutput)
	if len(finals) != 1 || !finals[0].ForcedEmission {
		t.Fatalf("final output must be tagged forced_emission: %+v", finals)
	}
	if !tr.Suggestions[0].Forced {
		t.Fatal("suggestion must carry the forced flag")
	}
}

func TestMultiAgentApprovedFirstRound(t *testing.T) {
	engine := newTestEngine(roleFake(`{"approved": true, "feedback": ""}`))
	outcome := engine.Run(context.Background(), TrialSpec{
		RunID:    "run-1",
		Scenario: testScenario(),
		Profile:  testProfile(true, false, 3),
	})

	tr := outcome.Transcript
	if n := len(entriesBy(tr, models.AgentSuperego, models.ActionReview)); n != 1 {
		t.Fatalf("expected 1 review, got %d", n)
	}
	finals := entriesBy(tr, models.AgentEgo, models.ActionFinalOutput)
	if finals[0].ForcedEmission {
		t.Fatal("approved emission must not be forced")
	}
}

func TestKZeroForcesSingleDraftPath(t *testing.T) {
	// Even a multi-agent tutor skips review entirely with K=0.
	engine := newTestEngine(roleFake(`{"approved": false, "feedback": "never seen"}`))
	outcome := engine.Run(context.Background(), TrialSpec{
		RunID:    "run-1",
		Scenario: testScenario(),
		Profile:  testProfile(true, false, 0),
	})

	if n := len(entriesBy(outcome.Transcript, models.AgentSuperego, models.ActionReview)); n != 0 {
		t.Fatalf("K=0 must skip review, got %d reviews", n)
	}
	if outcome.Transcript.Entries[len(outcome.Transcript.Entries)-1].ForcedEmission {
		t.Fatal("single-draft path is not a forced emission")
	}
}

func TestSuperegoParseFailureAutoApproves(t *testing.T) {
	engine := newTestEngine(roleFake("I simply cannot decide."))
	outcome := engine.Run(context.Background(), TrialSpec{
		RunID:    "run-1",
		Scenario: testScenario(),
		Profile:  testProfile(true, false, 2),
	})

	if !outcome.Success {
		t.Fatalf("parse failure at superego must not terminate: %q", outcome.ErrorMessage)
	}
	reviews := entriesBy(outcome.Transcript, models.AgentSuperego, models.ActionReview)
	if len(reviews) != 1 {
		t.Fatalf("expected 1 review, got %d", len(reviews))
	}
	if reviews[0].Approved == nil || !*reviews[0].Approved {
		t.Fatal("unparseable verdict must auto-approve")
	}
	if !reviews[0].ParseFailure {
		t.Fatal("parse_failure marker must be recorded")
	}
}

func TestUnifiedLearnerLoop(t *testing.T) {
	engine := newTestEngine(roleFake(""))
	outcome := engine.Run(context.Background(), TrialSpec{
		RunID:    "run-1",
		Scenario: testScenario("I tried that but I still don't get it."),
		Profile:  testProfile(false, false, 0),
	})

	tr := outcome.Transcript
	if tr.TotalTurns != 2 {
		t.Fatalf("one follow-up means two external turns, got %d", tr.TotalTurns)
	}
	learner := entriesBy(tr, models.AgentUser, models.ActionTurnAction)
	if len(learner) != 1 || learner[0].Content != "learner reply" {
		t.Fatalf("learner reply missing: %+v", learner)
	}
	if len(tr.Suggestions) != 2 {
		t.Fatalf("expected a suggestion per turn, got %d", len(tr.Suggestions))
	}
}

func TestPsychoLearnerDeliberatesInternally(t *testing.T) {
	f := backend.NewFake()
	f.Respond = func(req *backend.Request) (string, error) {
		switch {
		case strings.Contains(req.System, "role-playing a learner"):
			if strings.Contains(req.Messages[0].Content, "inner critic") {
				return `{"approved": false, "feedback": "too polished"}`, nil
			}
			if strings.Contains(req.Messages[0].Content, "reviewer asked for changes") {
				return "raw honest reply", nil
			}
			return "polished reply", nil
		default:
			return "tutor response", nil
		}
	}
	engine := newTestEngine(f)
	outcome := engine.Run(context.Background(), TrialSpec{
		RunID:    "run-1",
		Scenario: testScenario("followup"),
		Profile:  testProfile(false, true, 0),
	})

	if !outcome.Success {
		t.Fatalf("unexpected failure: %q", outcome.ErrorMessage)
	}
	tr := outcome.Transcript

	if n := len(entriesBy(tr, models.AgentLearnerEgoInitial, models.ActionDeliberation)); n != 1 {
		t.Fatalf("initial deliberation missing, got %d", n)
	}
	if n := len(entriesBy(tr, models.AgentLearnerSuperego, models.ActionReview)); n != 1 {
		t.Fatalf("inner critique missing, got %d", n)
	}
	if n := len(entriesBy(tr, models.AgentLearnerEgoRevision, models.ActionIncorporateFeedback)); n != 1 {
		t.Fatalf("revision missing, got %d", n)
	}
	synth := entriesBy(tr, models.AgentLearnerSynthesis, models.ActionTurnAction)
	if len(synth) != 1 || synth[0].Content != "raw honest reply" {
		t.Fatalf("synthesis must carry the revised reply: %+v", synth)
	}

	// The tutor must only ever see the synthesis, not the deliberation.
	for _, call := range f.Calls() {
		if strings.Contains(call.System, "You are a tutor") {
			for _, m := range call.Messages {
				if strings.Contains(m.Content, "polished reply") {
					t.Fatal("internal deliberation leaked into the tutor's context")
				}
			}
		}
	}
}

func TestTransportFailureTerminatesWithPartialTranscript(t *testing.T) {
	calls := 0
	f := backend.NewFake()
	f.Respond = func(req *backend.Request) (string, error) {
		calls++
		if calls >= 2 {
			return "", backend.NewError("fake", req.Model, backend.ReasonTransport, errors.New("connection reset"))
		}
		return "tutor response", nil
	}
	engine := newTestEngine(f)
	outcome := engine.Run(context.Background(), TrialSpec{
		RunID:    "run-1",
		Scenario: testScenario("followup one", "followup two"),
		Profile:  testProfile(false, false, 0),
	})

	if outcome.Success {
		t.Fatal("expected failure")
	}
	tr := outcome.Transcript
	if tr.Completed {
		t.Fatal("transcript must be marked incomplete")
	}
	if tr.FailureReason == "" || outcome.ErrorMessage == "" {
		t.Fatal("failure reason must be recorded")
	}
	// The transcript up to the failure is still present, with an explicit
	// terminal marker.
	last := tr.Entries[len(tr.Entries)-1]
	if last.Agent != models.AgentSystem {
		t.Fatalf("expected terminal system marker, got %+v", last)
	}
	if len(entriesBy(tr, models.AgentEgo, models.ActionFinalOutput)) != 1 {
		t.Fatal("completed first turn must survive in the transcript")
	}
}

func TestFailureBeforeFirstTurnRecordsTurnZero(t *testing.T) {
	engine := newTestEngine(roleFake(""))
	profile := testProfile(false, false, 0)
	profile.Provider = "no_such_provider"
	outcome := engine.Run(context.Background(), TrialSpec{
		RunID:    "run-1",
		Scenario: testScenario(),
		Profile:  profile,
	})

	if outcome.Success {
		t.Fatal("unknown provider must fail the trial")
	}
	tr := outcome.Transcript
	if len(tr.Entries) != 1 || tr.Entries[0].Agent != models.AgentSystem {
		t.Fatalf("expected only the terminal marker, got %+v", tr.Entries)
	}
	if tr.Entries[0].Turn != 0 {
		t.Fatalf("terminal marker on turn %d, want 0", tr.Entries[0].Turn)
	}
}

func TestTranscriptSerialisationIdentity(t *testing.T) {
	engine := newTestEngine(roleFake(`{"approved": false, "feedback": "more warmth"}`))
	outcome := engine.Run(context.Background(), TrialSpec{
		RunID:    "run-1",
		Scenario: testScenario("followup"),
		Profile:  testProfile(true, true, 1),
	})

	data, err := json.Marshal(outcome.Transcript)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back models.DialogueTranscript
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(*outcome.Transcript, back) {
		t.Fatal("transcript round trip is not the identity")
	}
}

func TestTranscriptStoreRoundTrip(t *testing.T) {
	store, err := NewTranscriptStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	engine := newTestEngine(roleFake(""))
	outcome := engine.Run(context.Background(), TrialSpec{
		RunID:    "run-1",
		Scenario: testScenario(),
		Profile:  testProfile(false, false, 0),
	})

	if err := store.Save(outcome.Transcript); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := store.Load(outcome.Transcript.DialogueID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.DialogueID != outcome.Transcript.DialogueID || len(loaded.Entries) != len(outcome.Transcript.Entries) {
		t.Fatal("stored transcript does not match")
	}
}

func TestParseReviewFallbacks(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		approved bool
		failure  bool
	}{
		{"strict json", `{"approved": false, "feedback": "no"}`, false, false},
		{"fenced block", "Here you go:\n```json\n{\"approved\": true, \"feedback\": \"\"}\n```", true, false},
		{"embedded object", `Sure! {"approved": false, "feedback": "revise"} hope that helps`, false, false},
		{"garbage", "I cannot answer in JSON today.", true, true},
		{"json without verdict", `{"feedback": "missing approved key"}`, true, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			approved, _, failure := ParseReview(tc.input)
			if approved != tc.approved || failure != tc.failure {
				t.Fatalf("ParseReview(%q) = (%v, %v), want (%v, %v)",
					tc.input, approved, failure, tc.approved, tc.failure)
			}
		})
	}
}
