// Package export writes run reports to the exports directory: a JSON
// document that round-trips the stored results exactly, and a Markdown
// report for human readers. Factorial aggregation for the report command
// lives here too.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/tutorbench/internal/store"
	"github.com/haasonsaas/tutorbench/pkg/models"
)

// Exporter renders runs from a store into files under dir.
type Exporter struct {
	store *store.Store
	dir   string
}

// New creates an exporter writing under dir.
func New(st *store.Store, dir string) *Exporter {
	return &Exporter{store: st, dir: dir}
}

// RunExport is the JSON export document. Results carry every stored
// attribute, so parsing an export recovers exactly what GetResults returns.
type RunExport struct {
	Run        *models.Run      `json:"run"`
	Results    []*models.Result `json:"results"`
	ExportedAt time.Time        `json:"exported_at"`
}

// ExportJSON writes <dir>/<run_id>.json and returns its path.
func (e *Exporter) ExportJSON(ctx context.Context, runID string) (string, error) {
	doc, err := e.load(ctx, runID)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal export: %w", err)
	}
	path := filepath.Join(e.dir, runID+".json")
	if err := writeAtomic(path, append(data, '\n')); err != nil {
		return "", err
	}
	return path, nil
}

// ParseExport reads an export document back. The results it returns are the
// same set ExportJSON serialised.
func ParseExport(path string) (*RunExport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read export: %w", err)
	}
	var doc RunExport
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse export: %w", err)
	}
	return &doc, nil
}

// ExportMarkdown writes <dir>/<run_id>.md and returns its path.
func (e *Exporter) ExportMarkdown(ctx context.Context, runID string) (string, error) {
	doc, err := e.load(ctx, runID)
	if err != nil {
		return "", err
	}
	cells, err := e.CellReport(ctx, runID, "overall_score")
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# Evaluation run %s\n\n", doc.Run.ID)
	if doc.Run.Description != "" {
		fmt.Fprintf(&sb, "%s\n\n", doc.Run.Description)
	}
	fmt.Fprintf(&sb, "- Status: %s\n", doc.Run.Status)
	fmt.Fprintf(&sb, "- Created: %s\n", doc.Run.CreatedAt.Format(time.RFC3339))
	if doc.Run.CompletedAt != nil {
		fmt.Fprintf(&sb, "- Completed: %s\n", doc.Run.CompletedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(&sb, "- Planned tests: %d (%d scenarios x %d configurations)\n\n",
		doc.Run.TotalTests, doc.Run.TotalScenarios, doc.Run.TotalConfigurations)

	sb.WriteString("## Results\n\n")
	sb.WriteString("| Scenario | Profile | Attempt | Success | Overall | Base | Recognition | Judge |\n")
	sb.WriteString("|---|---|---|---|---|---|---|---|\n")
	for _, r := range doc.Results {
		fmt.Fprintf(&sb, "| %s | %s | %d | %s | %s | %s | %s | %s |\n",
			r.ScenarioID, r.ProfileName, r.Attempt,
			yesNo(r.Success), score(r.OverallScore), score(r.BaseScore), score(r.RecognitionScore),
			dash(r.JudgeModel))
	}

	if len(cells.Cells) > 0 {
		sb.WriteString("\n## Factorial cells (overall score)\n\n")
		sb.WriteString("| Cell | Configuration | N | Mean |\n")
		sb.WriteString("|---|---|---|---|\n")
		for _, c := range cells.Cells {
			fmt.Fprintf(&sb, "| %s | %s | %d | %.2f |\n", c.Cell.Key(), c.Cell.Label(), c.N, c.Mean)
		}
		sb.WriteString("\n## Factor effects\n\n")
		sb.WriteString("| Factor | Mean with | Mean without | Delta |\n")
		sb.WriteString("|---|---|---|---|\n")
		for _, f := range cells.Effects {
			fmt.Fprintf(&sb, "| %s | %.2f | %.2f | %+.2f |\n", f.Factor, f.With, f.Without, f.Delta)
		}
	}

	path := filepath.Join(e.dir, runID+".md")
	if err := writeAtomic(path, []byte(sb.String())); err != nil {
		return "", err
	}
	return path, nil
}

// CellStats is the score distribution of one factorial cell.
type CellStats struct {
	Cell models.Cell
	N    int
	Mean float64
}

// FactorEffect is the marginal effect of one binary factor: the mean over
// every cell with the factor on, against the mean with it off.
type FactorEffect struct {
	Factor  string
	With    float64
	Without float64
	Delta   float64
}

// CellReportData aggregates a run's scores by factorial cell.
type CellReportData struct {
	Column  string
	Cells   []CellStats
	Effects []FactorEffect
}

// CellReport computes per-cell means and factor effects for one score
// column. Cells with no scored results are omitted.
func (e *Exporter) CellReport(ctx context.Context, runID, column string) (*CellReportData, error) {
	byCell, err := e.store.FactorialCellData(ctx, runID, column)
	if err != nil {
		return nil, err
	}

	data := &CellReportData{Column: column}
	for _, cell := range models.AllCells() {
		scores := byCell[cell.Key()]
		if len(scores) == 0 {
			continue
		}
		data.Cells = append(data.Cells, CellStats{Cell: cell, N: len(scores), Mean: mean(scores)})
	}

	factors := []struct {
		name string
		on   func(models.Cell) bool
	}{
		{"recognition", func(c models.Cell) bool { return c.Recognition }},
		{"tutor_multi", func(c models.Cell) bool { return c.TutorMulti }},
		{"learner_psycho", func(c models.Cell) bool { return c.LearnerPsycho }},
	}
	for _, f := range factors {
		var with, without []float64
		for _, cell := range models.AllCells() {
			scores := byCell[cell.Key()]
			if f.on(cell) {
				with = append(with, scores...)
			} else {
				without = append(without, scores...)
			}
		}
		if len(with) == 0 || len(without) == 0 {
			continue
		}
		eff := FactorEffect{Factor: f.name, With: mean(with), Without: mean(without)}
		eff.Delta = eff.With - eff.Without
		data.Effects = append(data.Effects, eff)
	}
	return data, nil
}

func (e *Exporter) load(ctx context.Context, runID string) (*RunExport, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	results, err := e.store.GetResults(ctx, runID, store.ResultsFilter{})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return &RunExport{Run: run, Results: results, ExportedAt: time.Now().UTC()}, nil
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create exports dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("finalise export: %w", err)
	}
	return nil
}

func mean(scores []float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	var sum float64
	for _, s := range scores {
		sum += s
	}
	return sum / float64(len(scores))
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func score(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *v)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
