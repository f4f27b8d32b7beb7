package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/haasonsaas/tutorbench/internal/progress"
	"github.com/haasonsaas/tutorbench/pkg/models"
)

func TestRootCommandRegistersAllSubcommands(t *testing.T) {
	root := buildRootCmd()
	want := []string{
		"run", "resume", "rejudge", "evaluate", "runs", "report",
		"status", "watch", "transcript", "export", "cleanup", "revert",
	}
	have := map[string]bool{}
	for _, c := range root.Commands() {
		have[c.Name()] = true
	}
	for _, name := range want {
		if !have[name] {
			t.Fatalf("subcommand %q not registered", name)
		}
	}
}

func TestRenderGrid(t *testing.T) {
	score := 3.6
	ok := true
	failed := false
	events := []models.ProgressEvent{
		{Type: models.EventRunStart, Scenarios: []string{"s1", "s2"}, Profiles: []string{"p1", "p2"}, TotalTests: 4},
		{Type: models.EventTestComplete, ScenarioID: "s1", ProfileName: "p1", Success: &ok, OverallScore: &score},
		{Type: models.EventTestComplete, ScenarioID: "s1", ProfileName: "p2", Success: &failed},
		{Type: models.EventTestError, ScenarioID: "s2", ProfileName: "p1", ErrorMessage: "store commit failed"},
	}
	grid := progress.BuildGrid(events)

	var buf bytes.Buffer
	renderGrid(&buf, "eval-test", grid)
	out := buf.String()

	for _, want := range []string{"2/4 complete, 1 errored", "3.6", "FAIL", "ERR"} {
		if !strings.Contains(out, want) {
			t.Fatalf("grid output missing %q:\n%s", want, out)
		}
	}
}

func TestRenderGridDefaultWidthForNonTerminalWriter(t *testing.T) {
	events := []models.ProgressEvent{
		{Type: models.EventRunStart, Scenarios: []string{"s1"}, Profiles: []string{"p1", "p2"}, TotalTests: 2},
	}
	grid := progress.BuildGrid(events)

	var buf bytes.Buffer
	renderGrid(&buf, "eval-test", grid)
	header := strings.Split(buf.String(), "\n")[1]
	if !strings.Contains(header, strings.Repeat(" ", 11)+"p1") {
		t.Fatalf("buffer output must use the default column width, header %q", header)
	}
}

func TestTruncateLeftKeepsSuffix(t *testing.T) {
	if got := truncateLeft("recog_multi_psycho", 8); got != "~_psycho" {
		t.Fatalf("got %q", got)
	}
	if got := truncateLeft("short", 8); got != "short" {
		t.Fatalf("got %q", got)
	}
}
