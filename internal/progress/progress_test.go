package progress

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/tutorbench/pkg/models"
)

func writeEvents(t *testing.T, dir, runID string, fn func(w *Writer)) {
	t.Helper()
	w, err := NewWriter(dir, runID)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	defer w.Close()
	fn(w)
}

func score(v float64) *float64 { return &v }

func TestJournalRoundTrip(t *testing.T) {
	dir := t.TempDir()
	writeEvents(t, dir, "run-1", func(w *Writer) {
		if err := w.RunStart([]string{"s1"}, []string{"p1"}, 1); err != nil {
			t.Fatalf("run start: %v", err)
		}
		if err := w.TestStart("s1", "Scenario One", "p1"); err != nil {
			t.Fatalf("test start: %v", err)
		}
		if err := w.TestComplete("s1", "Scenario One", "p1", true, score(4.2), 1500); err != nil {
			t.Fatalf("test complete: %v", err)
		}
		if err := w.RunComplete(3 * time.Second); err != nil {
			t.Fatalf("run complete: %v", err)
		}
	})

	events, err := ReadEvents(dir, "run-1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	if events[0].Type != models.EventRunStart || events[0].TotalTests != 1 {
		t.Fatalf("run_start wrong: %+v", events[0])
	}
	if events[2].OverallScore == nil || *events[2].OverallScore != 4.2 {
		t.Fatalf("test_complete score wrong: %+v", events[2])
	}
	for _, e := range events {
		if e.TS.IsZero() {
			t.Fatal("every event must carry a timestamp")
		}
	}
}

func TestReaderSkipsPartialTrailingLine(t *testing.T) {
	dir := t.TempDir()
	writeEvents(t, dir, "run-1", func(w *Writer) {
		if err := w.RunStart([]string{"s1"}, []string{"p1"}, 1); err != nil {
			t.Fatalf("run start: %v", err)
		}
	})

	// Simulate a writer mid-append in another process.
	path := JournalPath(dir, "run-1")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.WriteString(`{"event_type":"test_comp`); err != nil {
		t.Fatalf("write: %v", err)
	}
	f.Close()

	events, err := ReadEvents(dir, "run-1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("partial trailing line must be skipped; got %d events", len(events))
	}
}

func TestGridFirstRunStartWins(t *testing.T) {
	events := []models.ProgressEvent{
		{Type: models.EventRunStart, Scenarios: []string{"s1", "s2"}, Profiles: []string{"p1", "p2"}, TotalTests: 4},
		{Type: models.EventTestComplete, ScenarioID: "s1", ProfileName: "p1", Success: boolp(true)},
		// A resume writes a smaller plan; the original totals must survive.
		{Type: models.EventRunStart, Scenarios: []string{"s2"}, Profiles: []string{"p2"}, TotalTests: 1},
		{Type: models.EventTestComplete, ScenarioID: "s2", ProfileName: "p2", Success: boolp(true)},
	}
	g := BuildGrid(events)
	if g.TotalTests != 4 {
		t.Fatalf("expected original total_tests 4, got %d", g.TotalTests)
	}
	if len(g.Scenarios) != 2 || len(g.Profiles) != 2 {
		t.Fatalf("expected original plan, got %v x %v", g.Scenarios, g.Profiles)
	}
	if g.Completed != 2 {
		t.Fatalf("completions must be counted from events, got %d", g.Completed)
	}
}

func TestGridLatestOutcomeWins(t *testing.T) {
	events := []models.ProgressEvent{
		{Type: models.EventRunStart, Scenarios: []string{"s1"}, Profiles: []string{"p1"}, TotalTests: 1},
		{Type: models.EventTestError, ScenarioID: "s1", ProfileName: "p1", ErrorMessage: "timeout"},
		{Type: models.EventTestComplete, ScenarioID: "s1", ProfileName: "p1", Success: boolp(true), OverallScore: score(3.5)},
	}
	g := BuildGrid(events)
	o := g.Cells["s1"]["p1"]
	if !o.Success || o.Errored {
		t.Fatalf("latest outcome must win: %+v", o)
	}
	if len(g.Outstanding()) != 0 {
		t.Fatalf("nothing should be outstanding, got %v", g.Outstanding())
	}
}

func TestGridOutstandingTreatsFailuresAsUnfinished(t *testing.T) {
	events := []models.ProgressEvent{
		{Type: models.EventRunStart, Scenarios: []string{"s1", "s2"}, Profiles: []string{"p1"}, TotalTests: 2},
		{Type: models.EventTestComplete, ScenarioID: "s1", ProfileName: "p1", Success: boolp(true)},
		{Type: models.EventTestComplete, ScenarioID: "s2", ProfileName: "p1", Success: boolp(false)},
	}
	g := BuildGrid(events)
	out := g.Outstanding()
	if len(out) != 1 || out[0] != [2]string{"s2", "p1"} {
		t.Fatalf("failed pair must be outstanding, got %v", out)
	}
}

func TestWriterAppendsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	writeEvents(t, dir, "run-1", func(w *Writer) {
		if err := w.RunStart([]string{"s1"}, []string{"p1"}, 1); err != nil {
			t.Fatalf("run start: %v", err)
		}
	})
	// A resume reopens the same journal.
	writeEvents(t, dir, "run-1", func(w *Writer) {
		if err := w.RunStart([]string{"s1"}, []string{"p1"}, 1); err != nil {
			t.Fatalf("second run start: %v", err)
		}
	})

	data, err := os.ReadFile(JournalPath(dir, "run-1"))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if n := strings.Count(string(data), "run_start"); n != 2 {
		t.Fatalf("expected 2 run_start lines after reopen, got %d", n)
	}
}

func boolp(b bool) *bool { return &b }
