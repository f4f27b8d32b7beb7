package store

import (
	"context"
	"fmt"

	"github.com/haasonsaas/tutorbench/pkg/models"
)

// scoreColumns whitelists the columns FactorialCellData may aggregate.
var scoreColumns = map[string]bool{
	"overall_score":     true,
	"base_score":        true,
	"recognition_score": true,
}

// FactorialCellData maps each factorial cell key to the scores of that
// cell's successful, judged results, suitable for downstream ANOVA. Only the
// latest result per (scenario, profile, attempt) natural key contributes,
// so rejudge history does not double-count.
func (s *Store) FactorialCellData(ctx context.Context, runID, column string) (map[string][]float64, error) {
	if !scoreColumns[column] {
		return nil, fmt.Errorf("unknown score column %q", column)
	}

	// Latest row per natural key wins; MAX(id) is the most recent because
	// row ids are monotonic.
	query := fmt.Sprintf(`
		SELECT cell_recognition, cell_tutor_multi, cell_learner_psycho, %s
		FROM results
		WHERE id IN (
			SELECT MAX(id) FROM results
			WHERE run_id = ? AND success = 1 AND %s IS NOT NULL AND cell_recognition IS NOT NULL
			GROUP BY scenario_id, profile_name, attempt
		)
		ORDER BY id ASC`, column, column)

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("cell data: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]float64)
	for rows.Next() {
		var recog, tutor, learner int
		var score float64
		if err := rows.Scan(&recog, &tutor, &learner, &score); err != nil {
			return nil, fmt.Errorf("scan cell row: %w", err)
		}
		cell := models.Cell{
			Recognition:   recog != 0,
			TutorMulti:    tutor != 0,
			LearnerPsycho: learner != 0,
		}
		out[cell.Key()] = append(out[cell.Key()], score)
	}
	return out, rows.Err()
}

// CompletedPairs returns the set of (scenario, profile) natural keys that
// already have a successful result, keyed scenario_id + "/" + profile_name.
// Resume subtracts these from the plan.
func (s *Store) CompletedPairs(ctx context.Context, runID string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT scenario_id, profile_name, attempt FROM results
		WHERE run_id = ? AND success = 1`, runID)
	if err != nil {
		return nil, fmt.Errorf("completed pairs: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var scenario, profile string
		var attempt int
		if err := rows.Scan(&scenario, &profile, &attempt); err != nil {
			return nil, fmt.Errorf("scan pair: %w", err)
		}
		out[fmt.Sprintf("%s/%s/%d", scenario, profile, attempt)] = true
	}
	return out, rows.Err()
}

// LatestOutcomes returns the latest outcome per (scenario, profile) pair for
// a run. Used to cross-check the progress journal's reconstruction.
func (s *Store) LatestOutcomes(ctx context.Context, runID string) (map[string]*models.Result, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+resultColumns+` FROM results
		WHERE id IN (
			SELECT MAX(id) FROM results WHERE run_id = ? GROUP BY scenario_id, profile_name
		)`, runID)
	if err != nil {
		return nil, fmt.Errorf("latest outcomes: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*models.Result)
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out[r.NaturalKey()] = r
	}
	return out, rows.Err()
}
