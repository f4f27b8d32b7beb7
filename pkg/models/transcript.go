package models

import (
	"encoding/json"
	"time"
)

// AgentRole identifies which participant produced a trace entry.
type AgentRole string

const (
	AgentUser               AgentRole = "user"
	AgentEgo                AgentRole = "ego"
	AgentSuperego           AgentRole = "superego"
	AgentLearnerEgoInitial  AgentRole = "learner_ego_initial"
	AgentLearnerSuperego    AgentRole = "learner_superego"
	AgentLearnerEgoRevision AgentRole = "learner_ego_revision"
	AgentLearnerSynthesis   AgentRole = "learner_synthesis"
	AgentSystem             AgentRole = "system"
)

// TraceAction identifies what a trace entry records.
type TraceAction string

const (
	ActionContextInput        TraceAction = "context_input"
	ActionGenerate            TraceAction = "generate"
	ActionRevise              TraceAction = "revise"
	ActionIncorporateFeedback TraceAction = "incorporate_feedback"
	ActionReview              TraceAction = "review"
	ActionDeliberation        TraceAction = "deliberation"
	ActionTurnAction          TraceAction = "turn_action"
	ActionFinalOutput         TraceAction = "final_output"
)

// TraceEntry is one step of a dialogue trace. It is a tagged variant:
// Agent and Action identify the kind, the remaining fields carry the
// kind-specific payload. Unknown payloads survive round trips in Extra.
type TraceEntry struct {
	Index  int         `json:"index"`
	Turn   int         `json:"turn"`
	Agent  AgentRole   `json:"agent"`
	Action TraceAction `json:"action"`

	Content string `json:"content,omitempty"`

	// Review payload (superego entries).
	Approved *bool  `json:"approved,omitempty"`
	Feedback string `json:"feedback,omitempty"`

	// ParseFailure marks a superego review that could not be decoded and
	// was auto-approved. Analysts use it to separate genuine approvals
	// from parse-auto-approvals, so it must never be dropped.
	ParseFailure bool `json:"parse_failure,omitempty"`

	// ForcedEmission marks a final output emitted after the revision
	// budget was exhausted without approval.
	ForcedEmission bool `json:"forced_emission,omitempty"`

	LatencyMS int64     `json:"latency_ms,omitempty"`
	Timestamp time.Time `json:"ts"`

	Extra json.RawMessage `json:"extra,omitempty"`
}

// Suggestion is a structured output the tutor emitted on one turn,
// captured for downstream judging.
type Suggestion struct {
	Turn    int    `json:"turn"`
	Content string `json:"content"`
	Forced  bool   `json:"forced,omitempty"`
}

// DialogueTranscript is the full record of one trial's dialogue. It is
// written once when the trial finishes (even on partial failure) and is
// read-only afterwards.
type DialogueTranscript struct {
	DialogueID  string `json:"dialogue_id"`
	RunID       string `json:"run_id,omitempty"`
	ScenarioID  string `json:"scenario_id"`
	ProfileName string `json:"profile_name"`

	TutorArchitecture   string `json:"tutor_architecture"`
	LearnerArchitecture string `json:"learner_architecture"`

	Entries    []TraceEntry `json:"entries"`
	TotalTurns int          `json:"total_turns"`

	Suggestions []Suggestion `json:"suggestions,omitempty"`

	TransformationAnalysis string `json:"transformation_analysis,omitempty"`

	// Completed is false when the dialogue ended early; FailureReason
	// then explains why and the last turn is explicitly unfinished.
	Completed     bool   `json:"completed"`
	FailureReason string `json:"failure_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Append adds an entry, assigning the next monotonic index.
func (t *DialogueTranscript) Append(e TraceEntry) {
	e.Index = len(t.Entries)
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	t.Entries = append(t.Entries, e)
}

// FinalOutputs returns the externally visible tutor outputs in turn order.
func (t *DialogueTranscript) FinalOutputs() []TraceEntry {
	var out []TraceEntry
	for _, e := range t.Entries {
		if e.Action == ActionFinalOutput && e.Agent == AgentEgo {
			out = append(out, e)
		}
	}
	return out
}
