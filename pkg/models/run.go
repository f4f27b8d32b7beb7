// Package models defines the shared data types of the evaluation harness:
// runs, results, dialogue transcripts, progress events, and factorial cells.
package models

import "time"

// RunStatus is the lifecycle state of an evaluation run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Run is one evaluation run: a plan of scenario x configuration trials
// executed under a single run id. TotalTests is fixed at creation and is
// never inflated by resumes.
type Run struct {
	ID                  string         `json:"run_id"`
	Description         string         `json:"description,omitempty"`
	TotalScenarios      int            `json:"total_scenarios"`
	TotalConfigurations int            `json:"total_configurations"`
	TotalTests          int            `json:"total_tests"`
	Status              RunStatus      `json:"status"`
	CreatedAt           time.Time      `json:"created_at"`
	CompletedAt         *time.Time     `json:"completed_at,omitempty"`
	Metadata            map[string]any `json:"metadata,omitempty"`
}

// RunSummary is a run plus progress aggregates, as returned by list queries.
type RunSummary struct {
	Run
	CompletedTests int      `json:"completed_tests"`
	FailedTests    int      `json:"failed_tests"`
	AvgScore       *float64 `json:"avg_score,omitempty"`
}

// Well-known run metadata keys. The scheduler records enough context at
// plan time for resume and rejudge to restore it later.
const (
	MetaPID          = "pid"
	MetaScenarios    = "scenarios"
	MetaProfiles     = "profiles"
	MetaReplications = "replications"
	MetaJudgeModel   = "judge_model"
	MetaSkipRubric   = "skip_rubric"
	MetaEnvOverrides = "env_overrides"
	MetaStaleNote    = "stale_note"
)
