package dialogue

import (
	"context"

	"github.com/haasonsaas/tutorbench/internal/backend"
	"github.com/haasonsaas/tutorbench/pkg/models"
)

// runLearnerTurn produces the learner's reaction to the tutor's turn. The
// scripted intent for this turn seeds the reply; the learner model renders
// it in persona. A psych-split learner deliberates through its own
// ego/superego pass first; only the synthesis is shown to the tutor.
func (e *Engine) runLearnerTurn(ctx context.Context, t *trial, turn int) error {
	sc, profile := t.spec.Scenario, t.spec.Profile
	intent := sc.LearnerTurns[turn]
	tutorReply := t.history[len(t.history)-1].Content

	prompt := learnerTurnPrompt(tutorReply, intent)

	if !profile.LearnerPsycho {
		reply, err := t.call(ctx, learnerRequest(t, learnerSystemPrompt(sc), prompt))
		if err != nil {
			return err
		}
		t.recordLearnerReply(turn, models.TraceEntry{
			Turn:    turn,
			Agent:   models.AgentUser,
			Action:  models.ActionTurnAction,
			Content: reply,
		})
		return nil
	}

	// Psych-split: initial draft, inner critique, optional revision, then
	// one synthesised reply. The deliberation entries stay internal.
	initial, err := t.call(ctx, learnerRequest(t, learnerSystemPrompt(sc), prompt))
	if err != nil {
		return err
	}
	t.transcript.Append(models.TraceEntry{
		Turn:    turn,
		Agent:   models.AgentLearnerEgoInitial,
		Action:  models.ActionDeliberation,
		Content: initial,
	})

	verdict, err := t.call(ctx, learnerRequest(t, learnerSystemPrompt(sc), learnerCritiquePrompt(initial)))
	if err != nil {
		return err
	}
	approved, feedback, parseFailure := ParseReview(verdict)
	t.transcript.Append(models.TraceEntry{
		Turn:         turn,
		Agent:        models.AgentLearnerSuperego,
		Action:       models.ActionReview,
		Content:      verdict,
		Approved:     &approved,
		Feedback:     feedback,
		ParseFailure: parseFailure,
	})

	final := initial
	if !approved {
		revised, err := t.call(ctx, learnerRequest(t, learnerSystemPrompt(sc),
			revisionPrompt(initial, feedback)))
		if err != nil {
			return err
		}
		t.transcript.Append(models.TraceEntry{
			Turn:    turn,
			Agent:   models.AgentLearnerEgoRevision,
			Action:  models.ActionIncorporateFeedback,
			Content: revised,
		})
		final = revised
	}

	t.recordLearnerReply(turn, models.TraceEntry{
		Turn:    turn,
		Agent:   models.AgentLearnerSynthesis,
		Action:  models.ActionTurnAction,
		Content: final,
	})
	return nil
}

// recordLearnerReply appends the externally visible learner entry and feeds
// it into the tutor's conversation history.
func (t *trial) recordLearnerReply(turn int, entry models.TraceEntry) {
	t.transcript.Append(entry)
	t.history = append(t.history, backend.Message{Role: "user", Content: entry.Content})
}

func learnerRequest(t *trial, system, prompt string) *backend.Request {
	p := t.spec.Profile
	model := p.LearnerModel
	if model == "" {
		model = p.EgoModel
	}
	return &backend.Request{
		Model:     model,
		System:    system,
		Messages:  []backend.Message{{Role: "user", Content: prompt}},
		MaxTokens: p.MaxTokens,
	}
}
