package models

import "time"

// DimensionScore is one rubric dimension as judged: a bounded numeric
// score plus the judge's natural-language reasoning.
type DimensionScore struct {
	Score     float64 `json:"score"`
	Reasoning string  `json:"reasoning,omitempty"`
}

// Result is the outcome of a single trial. The natural key is
// (run_id, scenario_id, profile_name, attempt); the same triple may carry
// multiple attempts because rejudge appends history by default.
//
// Score columns are pointers: nil means "not yet judged", which is
// distinct from a judged zero.
type Result struct {
	ID          int64  `json:"id"`
	RunID       string `json:"run_id"`
	ScenarioID  string `json:"scenario_id"`
	ScenarioName string `json:"scenario_name,omitempty"`
	ProfileName string `json:"profile_name"`
	Attempt     int    `json:"attempt"`

	// Tutor configuration fingerprint.
	Provider          string  `json:"provider,omitempty"`
	EgoModel          string  `json:"ego_model,omitempty"`
	SuperegoModel     string  `json:"superego_model,omitempty"`
	Temperature       float64 `json:"temperature,omitempty"`
	MaxRevisionRounds int     `json:"max_revision_rounds,omitempty"`

	DialogueID string `json:"dialogue_id,omitempty"`

	LatencyMS    int64 `json:"latency_ms"`
	APICalls     int   `json:"api_calls"`
	InputTokens  int   `json:"input_tokens"`
	OutputTokens int   `json:"output_tokens"`

	Success      bool   `json:"success"`
	ErrorMessage string `json:"error_message,omitempty"`
	SkipRubric   bool   `json:"skip_rubric,omitempty"`

	Dimensions       map[string]DimensionScore `json:"dimensions,omitempty"`
	OverallScore     *float64                  `json:"overall_score,omitempty"`
	BaseScore        *float64                  `json:"base_score,omitempty"`
	RecognitionScore *float64                  `json:"recognition_score,omitempty"`
	JudgeModel       string                    `json:"judge_model,omitempty"`
	RequiredPassed   *bool                     `json:"required_passed,omitempty"`
	ForbiddenAbsent  *bool                     `json:"forbidden_absent,omitempty"`
	JudgeSummary     string                    `json:"judge_summary,omitempty"`

	Cell *Cell `json:"cell,omitempty"`

	Qualitative        string `json:"qualitative_assessment,omitempty"`
	QualitativeBlinded string `json:"qualitative_blinded,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Judged reports whether this result carries judge scores.
func (r *Result) Judged() bool {
	return r.OverallScore != nil
}

// NaturalKey returns the (scenario, profile) pair used for progress grids
// and resume bookkeeping.
func (r *Result) NaturalKey() string {
	return r.ScenarioID + "/" + r.ProfileName
}

// InteractionEval is a per-turn qualitative judgement attached to a
// result, produced by post-hoc review passes.
type InteractionEval struct {
	ID         int64     `json:"id"`
	ResultID   int64     `json:"result_id"`
	Turn       int       `json:"turn"`
	Kind       string    `json:"kind"`
	Score      *float64  `json:"score,omitempty"`
	Notes      string    `json:"notes,omitempty"`
	JudgeModel string    `json:"judge_model,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
