package models

import "time"

// EventType tags a progress journal event.
type EventType string

const (
	EventRunStart     EventType = "run_start"
	EventTestStart    EventType = "test_start"
	EventTestComplete EventType = "test_complete"
	EventTestError    EventType = "test_error"
	EventRunComplete  EventType = "run_complete"
)

// ProgressEvent is one line of the per-run progress journal. It is a
// tagged variant: Type selects which optional fields are meaningful.
// Every event carries event_type and ts.
type ProgressEvent struct {
	Type EventType `json:"event_type"`
	TS   time.Time `json:"ts"`

	// run_start
	Scenarios  []string `json:"scenarios,omitempty"`
	Profiles   []string `json:"profiles,omitempty"`
	TotalTests int      `json:"total_tests,omitempty"`

	// test_start / test_complete / test_error
	ScenarioID   string   `json:"scenario_id,omitempty"`
	ScenarioName string   `json:"scenario_name,omitempty"`
	ProfileName  string   `json:"profile_name,omitempty"`
	Success      *bool    `json:"success,omitempty"`
	OverallScore *float64 `json:"overall_score,omitempty"`
	LatencyMS    *int64   `json:"latency_ms,omitempty"`
	ErrorMessage string   `json:"error_message,omitempty"`

	// run_complete
	DurationMS *int64 `json:"duration_ms,omitempty"`
}
