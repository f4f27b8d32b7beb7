package export

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/tutorbench/internal/store"
	"github.com/haasonsaas/tutorbench/pkg/models"
)

func seedStore(t *testing.T) (*store.Store, string) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "evaluations.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	run := &models.Run{
		ID:                  "eval-20260101-000000",
		Description:         "export fixture",
		TotalScenarios:      2,
		TotalConfigurations: 2,
		TotalTests:          4,
	}
	if err := st.CreateRun(ctx, run); err != nil {
		t.Fatalf("create run: %v", err)
	}

	scores := []struct {
		scenario string
		profile  string
		cell     models.Cell
		overall  float64
	}{
		{"s1", "baseline", models.Cell{}, 2},
		{"s2", "baseline", models.Cell{}, 3},
		{"s1", "recog", models.Cell{Recognition: true}, 4},
		{"s2", "recog", models.Cell{Recognition: true}, 5},
	}
	for _, sc := range scores {
		overall := sc.overall
		cell := sc.cell
		r := &models.Result{
			RunID:        run.ID,
			ScenarioID:   sc.scenario,
			ScenarioName: strings.ToUpper(sc.scenario),
			ProfileName:  sc.profile,
			Attempt:      1,
			Provider:     "fake",
			EgoModel:     "ego-model",
			DialogueID:   sc.scenario + "-" + sc.profile,
			Success:      true,
			OverallScore: &overall,
			JudgeModel:   "judge-model",
			Cell:         &cell,
			CreatedAt:    time.Now().UTC(),
		}
		if _, err := st.StoreResult(ctx, r, false); err != nil {
			t.Fatalf("store result: %v", err)
		}
	}
	return st, run.ID
}

func TestExportJSONRoundTripsResults(t *testing.T) {
	st, runID := seedStore(t)
	dir := t.TempDir()
	ex := New(st, dir)

	path, err := ex.ExportJSON(context.Background(), runID)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	doc, err := ParseExport(path)
	if err != nil {
		t.Fatalf("parse export: %v", err)
	}
	if doc.Run.ID != runID {
		t.Fatalf("export names run %q", doc.Run.ID)
	}

	stored, err := st.GetResults(context.Background(), runID, store.ResultsFilter{})
	if err != nil {
		t.Fatalf("get results: %v", err)
	}
	want, _ := json.Marshal(stored)
	got, _ := json.Marshal(doc.Results)
	if string(want) != string(got) {
		t.Fatalf("export does not round-trip:\nstored: %s\nparsed: %s", want, got)
	}
}

func TestExportMarkdownContainsResultsAndCells(t *testing.T) {
	st, runID := seedStore(t)
	dir := t.TempDir()
	ex := New(st, dir)

	path, err := ex.ExportMarkdown(context.Background(), runID)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	text := string(data)
	for _, want := range []string{
		"# Evaluation run " + runID,
		"| s1 | baseline | 1 | yes | 2.00 |",
		"| cell_1 | base_single_unified | 2 | 2.50 |",
		"| cell_5 | recog_single_unified | 2 | 4.50 |",
		"| recognition | 4.50 | 2.50 | +2.00 |",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("markdown missing %q:\n%s", want, text)
		}
	}
}

func TestCellReportEffects(t *testing.T) {
	st, runID := seedStore(t)
	ex := New(st, t.TempDir())

	data, err := ex.CellReport(context.Background(), runID, "overall_score")
	if err != nil {
		t.Fatalf("cell report: %v", err)
	}
	if len(data.Cells) != 2 {
		t.Fatalf("expected 2 populated cells, got %d", len(data.Cells))
	}
	if data.Cells[0].Cell.Key() != "cell_1" || data.Cells[0].Mean != 2.5 {
		t.Fatalf("cell_1 stats wrong: %+v", data.Cells[0])
	}

	var recog *FactorEffect
	for i := range data.Effects {
		if data.Effects[i].Factor == "recognition" {
			recog = &data.Effects[i]
		}
	}
	if recog == nil {
		t.Fatal("recognition effect missing")
	}
	if math.Abs(recog.Delta-2.0) > 1e-9 {
		t.Fatalf("recognition delta %v, want 2.0", recog.Delta)
	}

	// Only the recognition factor splits the seeded cells; the other two
	// factors have no "with" data and are omitted.
	for _, eff := range data.Effects {
		if eff.Factor != "recognition" {
			t.Fatalf("unexpected effect %+v", eff)
		}
	}

	if _, err := ex.CellReport(context.Background(), runID, "created_at; DROP TABLE results"); err == nil {
		t.Fatal("unknown column must be rejected")
	}
}
