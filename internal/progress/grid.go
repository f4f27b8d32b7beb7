package progress

import (
	"github.com/haasonsaas/tutorbench/pkg/models"
)

// Outcome is the latest known state of one (scenario, profile) cell.
type Outcome struct {
	Success      bool
	Errored      bool
	OverallScore *float64
	ErrorMessage string
}

// Grid is the scenario x profile completion grid reconstructed from a run's
// journal.
type Grid struct {
	// Scenarios and Profiles come from the first run_start event; later
	// run_start events written by resumes do not replace them.
	Scenarios []string
	Profiles  []string

	// TotalTests is the original plan size from the first run_start.
	TotalTests int

	// Cells maps scenario_id -> profile_name -> latest outcome.
	Cells map[string]map[string]Outcome

	// Completed and Errored count test_complete and test_error events, not
	// any per-event counter.
	Completed int
	Errored   int

	// Finished is true once a run_complete event has been seen.
	Finished   bool
	DurationMS int64
}

// BuildGrid folds an event stream into a completion grid, applying the
// reconstruction rules: first run_start wins for the plan, completions are
// counted from events, and the latest outcome per pair is kept.
func BuildGrid(events []models.ProgressEvent) *Grid {
	g := &Grid{Cells: make(map[string]map[string]Outcome)}
	sawStart := false

	for _, e := range events {
		switch e.Type {
		case models.EventRunStart:
			if !sawStart {
				g.Scenarios = e.Scenarios
				g.Profiles = e.Profiles
				g.TotalTests = e.TotalTests
				sawStart = true
			}
		case models.EventTestComplete:
			g.Completed++
			success := e.Success != nil && *e.Success
			g.setCell(e.ScenarioID, e.ProfileName, Outcome{
				Success:      success,
				OverallScore: e.OverallScore,
			})
		case models.EventTestError:
			g.Errored++
			g.setCell(e.ScenarioID, e.ProfileName, Outcome{
				Errored:      true,
				ErrorMessage: e.ErrorMessage,
			})
		case models.EventRunComplete:
			g.Finished = true
			if e.DurationMS != nil {
				g.DurationMS = *e.DurationMS
			}
		}
	}
	return g
}

func (g *Grid) setCell(scenario, profile string, o Outcome) {
	row, ok := g.Cells[scenario]
	if !ok {
		row = make(map[string]Outcome)
		g.Cells[scenario] = row
	}
	row[profile] = o
}

// Outstanding returns the (scenario, profile) pairs from the plan that have
// no successful outcome yet. Errored and failed pairs are outstanding:
// failures are not final.
func (g *Grid) Outstanding() [][2]string {
	var out [][2]string
	for _, scenario := range g.Scenarios {
		for _, profile := range g.Profiles {
			if o, ok := g.Cells[scenario][profile]; ok && o.Success {
				continue
			}
			out = append(out, [2]string{scenario, profile})
		}
	}
	return out
}

// LoadGrid reads a run's journal and builds its grid.
func LoadGrid(logsDir, runID string) (*Grid, error) {
	events, err := ReadEvents(logsDir, runID)
	if err != nil {
		return nil, err
	}
	return BuildGrid(events), nil
}
