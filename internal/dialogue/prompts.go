package dialogue

import (
	"fmt"
	"strings"

	"github.com/haasonsaas/tutorbench/internal/config"
)

// Prompt assembly for the three tutor-side roles and the learner roles.
// The harness treats the wording as fixed scaffolding; the rubric text and
// scenario content come entirely from the catalogues.

func tutorSystemPrompt(sc *config.Scenario, recognition bool) string {
	var sb strings.Builder
	sb.WriteString("You are a tutor working with one learner.\n\n")
	sb.WriteString("Situation:\n")
	sb.WriteString(sc.Context)
	sb.WriteString("\n\nRespond to the learner directly, in plain prose.")
	if recognition {
		sb.WriteString("\n\nBefore advising, explicitly recognise the learner's current emotional and cognitive state, and let that recognition shape your response.")
	}
	return sb.String()
}

func superegoSystemPrompt(sc *config.Scenario) string {
	return fmt.Sprintf(`You review a tutor's draft response before it is shown to the learner.

Situation:
%s

Judge whether the draft serves this learner right now. Reply with JSON only:
{"approved": true|false, "feedback": "what to change, empty if approved"}`, sc.Context)
}

func revisionPrompt(draft, feedback string) string {
	return fmt.Sprintf(`Your draft response:
%s

A reviewer asked for changes:
%s

Rewrite the response incorporating the feedback. Reply with the revised response only.`, draft, feedback)
}

func learnerSystemPrompt(sc *config.Scenario) string {
	return fmt.Sprintf(`You are role-playing a learner.

Persona:
%s

Situation:
%s

Stay in character. Reply with what the learner would actually say, nothing else.`, sc.LearnerPersona, sc.Context)
}

func learnerTurnPrompt(tutorReply, scriptedIntent string) string {
	return fmt.Sprintf(`The tutor just said:
%s

Your next reaction should express this intent: %s

Reply as the learner, in character.`, tutorReply, scriptedIntent)
}

func learnerCritiquePrompt(draft string) string {
	return fmt.Sprintf(`You are the learner's inner critic. The learner is about to say:
%s

Does this truly reflect how the learner feels, or is it too polished? Reply with JSON only:
{"approved": true|false, "feedback": "what feels off, empty if approved"}`, draft)
}
