package dialogue

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/haasonsaas/tutorbench/internal/backend"
	"github.com/haasonsaas/tutorbench/internal/config"
	"github.com/haasonsaas/tutorbench/internal/observability"
	"github.com/haasonsaas/tutorbench/pkg/models"
)

// DefaultMaxTurns caps external turns when a scenario sets no limit.
const DefaultMaxTurns = 10

// TrialSpec identifies one trial to run.
type TrialSpec struct {
	RunID    string
	Scenario *config.Scenario
	Profile  *config.Profile
	Attempt  int
}

// TrialOutcome is everything one trial produced. A transcript is always
// present, even on partial failure; unfinished turns are explicitly marked.
type TrialOutcome struct {
	Transcript   *models.DialogueTranscript
	Success      bool
	ErrorMessage string

	APICalls     int
	InputTokens  int
	OutputTokens int
	LatencyMS    int64
}

// Engine produces one transcript per trial. Safe for concurrent use: all
// per-trial state lives on the stack of Run.
type Engine struct {
	backends *backend.Registry
	logger   *observability.Logger
}

// NewEngine creates a dialogue engine over the given backend registry.
func NewEngine(backends *backend.Registry, logger *observability.Logger) *Engine {
	return &Engine{backends: backends, logger: logger}
}

// trial is the mutable state of one running trial.
type trial struct {
	spec       TrialSpec
	backend    backend.Backend
	transcript *models.DialogueTranscript
	outcome    *TrialOutcome

	// history is the externally visible conversation as the tutor sees it.
	history []backend.Message
}

// Run executes the trial to completion or failure. Errors never escape:
// they are captured into the outcome and the transcript is closed with a
// failure marker.
func (e *Engine) Run(ctx context.Context, spec TrialSpec) *TrialOutcome {
	t := &trial{
		spec: spec,
		transcript: &models.DialogueTranscript{
			DialogueID:          uuid.New().String(),
			RunID:               spec.RunID,
			ScenarioID:          spec.Scenario.ID,
			ProfileName:         spec.Profile.Name,
			TutorArchitecture:   architecture(spec.Profile.TutorMulti),
			LearnerArchitecture: architecture(spec.Profile.LearnerPsycho),
		},
	}
	t.outcome = &TrialOutcome{Transcript: t.transcript}

	b, err := e.backends.Get(spec.Profile.Provider)
	if err != nil {
		return t.fail(err)
	}
	t.backend = b

	maxTurns := spec.Scenario.MaxTurns
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	// The script's follow-ups bound the dialogue: one opening turn plus one
	// turn per scripted learner reaction.
	scriptTurns := len(spec.Scenario.LearnerTurns) + 1
	if scriptTurns < maxTurns {
		maxTurns = scriptTurns
	}

	for turn := 0; turn < maxTurns; turn++ {
		t.transcript.TotalTurns = turn + 1

		if err := e.runTutorTurn(ctx, t, turn); err != nil {
			return t.fail(err)
		}

		// Last turn has no learner reaction.
		if turn == maxTurns-1 {
			break
		}
		if err := e.runLearnerTurn(ctx, t, turn); err != nil {
			return t.fail(err)
		}
	}

	t.transcript.Completed = true
	t.outcome.Success = true
	e.logger.Debug(ctx, "dialogue finished",
		"dialogue_id", t.transcript.DialogueID,
		"turns", t.transcript.TotalTurns,
		"api_calls", t.outcome.APICalls)
	return t.outcome
}

// runTutorTurn drives one pass of the ego/superego machine and emits the
// externally visible response for the turn.
func (e *Engine) runTutorTurn(ctx context.Context, t *trial, turn int) error {
	sc, profile := t.spec.Scenario, t.spec.Profile

	// CONTEXT_INPUT: scenario context on the opening turn; later turns see
	// the learner's reply, which runLearnerTurn already recorded.
	if turn == 0 {
		t.transcript.Append(models.TraceEntry{
			Turn:    turn,
			Agent:   models.AgentUser,
			Action:  models.ActionContextInput,
			Content: sc.Context,
		})
		t.history = append(t.history, backend.Message{Role: "user", Content: sc.Context})
	}

	// EGO_DRAFT.
	draft, err := t.call(ctx, egoRequest(t, tutorSystemPrompt(sc, profile.Recognition), t.history))
	if err != nil {
		return err
	}
	if draft == "" {
		// The tutor could not produce any valid response; this terminates.
		return backend.NewError(profile.Provider, profile.EgoModel, backend.ReasonParse,
			fmt.Errorf("ego produced empty response on turn %d", turn))
	}
	t.transcript.Append(models.TraceEntry{
		Turn:    turn,
		Agent:   models.AgentEgo,
		Action:  models.ActionGenerate,
		Content: draft,
	})

	// SUPEREGO_REVIEW / EGO_REVISE, up to K rounds. K=0 or a single-agent
	// tutor takes the single-draft path.
	approved := true
	forced := false
	if profile.TutorMulti && profile.MaxRevisionRounds > 0 {
		approved = false
		for round := 0; round < profile.MaxRevisionRounds; round++ {
			verdict, err := t.call(ctx, reviewRequest(t, superegoSystemPrompt(sc), draft))
			if err != nil {
				return err
			}
			ok, feedback, parseFailure := ParseReview(verdict)
			t.transcript.Append(models.TraceEntry{
				Turn:         turn,
				Agent:        models.AgentSuperego,
				Action:       models.ActionReview,
				Content:      verdict,
				Approved:     &ok,
				Feedback:     feedback,
				ParseFailure: parseFailure,
			})
			if ok {
				approved = true
				break
			}

			revised, err := t.call(ctx, egoRequest(t, tutorSystemPrompt(sc, profile.Recognition),
				append(append([]backend.Message{}, t.history...),
					backend.Message{Role: "user", Content: revisionPrompt(draft, feedback)})))
			if err != nil {
				return err
			}
			if revised == "" {
				return backend.NewError(profile.Provider, profile.EgoModel, backend.ReasonParse,
					fmt.Errorf("ego produced empty revision on turn %d", turn))
			}
			draft = revised
			t.transcript.Append(models.TraceEntry{
				Turn:    turn,
				Agent:   models.AgentEgo,
				Action:  models.ActionRevise,
				Content: draft,
			})
		}
		// Revision budget exhausted without approval: emission is forced
		// and marked, not failed.
		forced = !approved
	}

	// EMIT_RESPONSE.
	t.transcript.Append(models.TraceEntry{
		Turn:           turn,
		Agent:          models.AgentEgo,
		Action:         models.ActionFinalOutput,
		Content:        draft,
		ForcedEmission: forced,
	})
	t.transcript.Suggestions = append(t.transcript.Suggestions, models.Suggestion{
		Turn:    turn,
		Content: draft,
		Forced:  forced,
	})
	t.history = append(t.history, backend.Message{Role: "assistant", Content: draft})
	return nil
}

func (t *trial) fail(err error) *TrialOutcome {
	t.outcome.Success = false
	t.outcome.ErrorMessage = compactError(err)
	t.transcript.Completed = false
	t.transcript.FailureReason = t.outcome.ErrorMessage
	// TotalTurns is still zero when the trial dies before its first turn.
	t.transcript.Append(models.TraceEntry{
		Turn:    max(0, t.transcript.TotalTurns-1),
		Agent:   models.AgentSystem,
		Action:  models.ActionTurnAction,
		Content: "dialogue terminated: " + t.outcome.ErrorMessage,
	})
	return t.outcome
}

// call runs one model call, accumulating the trial's usage counters.
func (t *trial) call(ctx context.Context, req *backend.Request) (string, error) {
	resp, err := t.backend.Call(ctx, req)
	if err != nil {
		return "", err
	}
	t.outcome.APICalls += resp.Attempts
	t.outcome.InputTokens += resp.Usage.InputTokens
	t.outcome.OutputTokens += resp.Usage.OutputTokens
	t.outcome.LatencyMS += resp.LatencyMS
	return resp.Content, nil
}

func egoRequest(t *trial, system string, history []backend.Message) *backend.Request {
	p := t.spec.Profile
	return &backend.Request{
		Model:       p.EgoModel,
		System:      system,
		Messages:    history,
		MaxTokens:   p.MaxTokens,
		Temperature: p.Temperature,
	}
}

func reviewRequest(t *trial, system, draft string) *backend.Request {
	p := t.spec.Profile
	model := p.SuperegoModel
	if model == "" {
		model = p.EgoModel
	}
	return &backend.Request{
		Model:     model,
		System:    system,
		Messages:  []backend.Message{{Role: "user", Content: "Draft response:\n" + draft}},
		MaxTokens: p.MaxTokens,
	}
}

func architecture(multi bool) string {
	if multi {
		return "ego_superego"
	}
	return "unified"
}

func compactError(err error) string {
	msg := err.Error()
	if len(msg) > 500 {
		msg = msg[:500]
	}
	return msg
}
