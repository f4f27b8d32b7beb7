// Package progress maintains the per-run append-only event journal. The
// journal is independent of the database: other processes tail it for live
// observation, and resume reconstructs the completion grid from it when the
// store is unavailable. One writer per run; any number of readers.
package progress

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/haasonsaas/tutorbench/pkg/models"
)

// JournalPath returns the journal file for a run under the logs directory.
func JournalPath(logsDir, runID string) string {
	return filepath.Join(logsDir, "eval-progress", runID+".jsonl")
}

// Writer appends events to a run's journal, one JSON document per line.
// Each append is flushed to disk before returning, so a line is observable
// by readers the moment Append returns.
type Writer struct {
	mu   sync.Mutex
	file *os.File
}

// NewWriter opens (creating directories as needed) the journal for a run in
// append mode.
func NewWriter(logsDir, runID string) (*Writer, error) {
	path := JournalPath(logsDir, runID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create progress dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Writer{file: f}, nil
}

// Append writes one event. A zero timestamp is stamped now.
func (w *Writer) Append(event models.ProgressEvent) error {
	if event.TS.IsZero() {
		event.TS = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.file.Write(data); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sync journal: %w", err)
	}
	return nil
}

// RunStart appends the run_start event carrying the plan.
func (w *Writer) RunStart(scenarios, profiles []string, totalTests int) error {
	return w.Append(models.ProgressEvent{
		Type:       models.EventRunStart,
		Scenarios:  scenarios,
		Profiles:   profiles,
		TotalTests: totalTests,
	})
}

// TestStart appends a test_start event.
func (w *Writer) TestStart(scenarioID, scenarioName, profileName string) error {
	return w.Append(models.ProgressEvent{
		Type:         models.EventTestStart,
		ScenarioID:   scenarioID,
		ScenarioName: scenarioName,
		ProfileName:  profileName,
	})
}

// TestComplete appends a test_complete event.
func (w *Writer) TestComplete(scenarioID, scenarioName, profileName string, success bool, score *float64, latencyMS int64) error {
	return w.Append(models.ProgressEvent{
		Type:         models.EventTestComplete,
		ScenarioID:   scenarioID,
		ScenarioName: scenarioName,
		ProfileName:  profileName,
		Success:      &success,
		OverallScore: score,
		LatencyMS:    &latencyMS,
	})
}

// TestError appends a test_error event.
func (w *Writer) TestError(scenarioID, profileName, message string) error {
	return w.Append(models.ProgressEvent{
		Type:         models.EventTestError,
		ScenarioID:   scenarioID,
		ProfileName:  profileName,
		ErrorMessage: message,
	})
}

// RunComplete appends the run_complete event.
func (w *Writer) RunComplete(duration time.Duration) error {
	ms := duration.Milliseconds()
	return w.Append(models.ProgressEvent{
		Type:       models.EventRunComplete,
		DurationMS: &ms,
	})
}

// Close closes the journal file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
