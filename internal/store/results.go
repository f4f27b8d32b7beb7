package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/haasonsaas/tutorbench/pkg/models"
)

const resultColumns = `id, run_id, scenario_id, scenario_name, profile_name, attempt,
	provider, ego_model, superego_model, temperature, max_revision_rounds,
	dialogue_id, latency_ms, api_calls, input_tokens, output_tokens,
	success, error_message, skip_rubric,
	dimensions, overall_score, base_score, recognition_score,
	judge_model, required_passed, forbidden_absent, judge_summary,
	cell_recognition, cell_tutor_multi, cell_learner_psycho,
	qualitative_assessment, qualitative_blinded, created_at`

// StoreResult persists one trial outcome and returns its row id. The default
// policy appends: prior rows for the same natural key are kept as history.
// With overwrite, prior rows for (run, scenario, profile, attempt) are
// removed in the same transaction.
func (s *Store) StoreResult(ctx context.Context, r *models.Result, overwrite bool) (int64, error) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.Attempt <= 0 {
		r.Attempt = 1
	}

	dims, err := marshalDimensions(r.Dimensions)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer rollback(tx)

	if overwrite {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM results WHERE run_id = ? AND scenario_id = ? AND profile_name = ? AND attempt = ?`,
			r.RunID, r.ScenarioID, r.ProfileName, r.Attempt); err != nil {
			return 0, fmt.Errorf("supersede result: %w", err)
		}
	}

	var cellRecog, cellTutor, cellLearner any
	if r.Cell != nil {
		cellRecog, cellTutor, cellLearner = boolInt(r.Cell.Recognition), boolInt(r.Cell.TutorMulti), boolInt(r.Cell.LearnerPsycho)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO results (run_id, scenario_id, scenario_name, profile_name, attempt,
			provider, ego_model, superego_model, temperature, max_revision_rounds,
			dialogue_id, latency_ms, api_calls, input_tokens, output_tokens,
			success, error_message, skip_rubric,
			dimensions, overall_score, base_score, recognition_score,
			judge_model, required_passed, forbidden_absent, judge_summary,
			cell_recognition, cell_tutor_multi, cell_learner_psycho,
			qualitative_assessment, qualitative_blinded, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.ScenarioID, r.ScenarioName, r.ProfileName, r.Attempt,
		r.Provider, r.EgoModel, r.SuperegoModel, r.Temperature, r.MaxRevisionRounds,
		r.DialogueID, r.LatencyMS, r.APICalls, r.InputTokens, r.OutputTokens,
		boolInt(r.Success), r.ErrorMessage, boolInt(r.SkipRubric),
		dims, r.OverallScore, r.BaseScore, r.RecognitionScore,
		r.JudgeModel, nullableBool(r.RequiredPassed), nullableBool(r.ForbiddenAbsent), r.JudgeSummary,
		cellRecog, cellTutor, cellLearner,
		nullIfEmpty(r.Qualitative), nullIfEmpty(r.QualitativeBlinded), r.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert result: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("result id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	r.ID = id
	return id, nil
}

// ScoreUpdate is the judge payload attached to a result.
type ScoreUpdate struct {
	Dimensions       map[string]models.DimensionScore
	OverallScore     float64
	BaseScore        float64
	RecognitionScore float64
	JudgeModel       string
	RequiredPassed   *bool
	ForbiddenAbsent  *bool
	JudgeSummary     string
}

// UpdateResultScores transactionally attaches judge scores to a result row.
func (s *Store) UpdateResultScores(ctx context.Context, resultID int64, upd ScoreUpdate) error {
	dims, err := marshalDimensions(upd.Dimensions)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx, `
		UPDATE results SET dimensions = ?, overall_score = ?, base_score = ?, recognition_score = ?,
			judge_model = ?, required_passed = ?, forbidden_absent = ?, judge_summary = ?
		WHERE id = ?`,
		dims, upd.OverallScore, upd.BaseScore, upd.RecognitionScore,
		upd.JudgeModel, nullableBool(upd.RequiredPassed), nullableBool(upd.ForbiddenAbsent), upd.JudgeSummary,
		resultID)
	if err != nil {
		return fmt.Errorf("update scores: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %d", ErrResultNotFound, resultID)
	}
	return tx.Commit()
}

// AttachQualitative stores a post-hoc qualitative assessment on a result.
// Blinded selects the blinded-coder column.
func (s *Store) AttachQualitative(ctx context.Context, resultID int64, assessment string, blinded bool) error {
	column := "qualitative_assessment"
	if blinded {
		column = "qualitative_blinded"
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE results SET %s = ? WHERE id = ?`, column), assessment, resultID)
	if err != nil {
		return fmt.Errorf("attach qualitative: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %d", ErrResultNotFound, resultID)
	}
	return nil
}

// ResultsFilter narrows GetResults.
type ResultsFilter struct {
	ScenarioID  string
	ProfileName string
	OnlySuccess bool
}

// GetResults returns a run's results ordered by insertion.
func (s *Store) GetResults(ctx context.Context, runID string, filter ResultsFilter) ([]*models.Result, error) {
	query := `SELECT ` + resultColumns + ` FROM results WHERE run_id = ?`
	args := []any{runID}
	if filter.ScenarioID != "" {
		query += ` AND scenario_id = ?`
		args = append(args, filter.ScenarioID)
	}
	if filter.ProfileName != "" {
		query += ` AND profile_name = ?`
		args = append(args, filter.ProfileName)
	}
	if filter.OnlySuccess {
		query += ` AND success = 1`
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get results: %w", err)
	}
	defer rows.Close()

	var out []*models.Result
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetResult loads one result by row id.
func (s *Store) GetResult(ctx context.Context, resultID int64) (*models.Result, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+resultColumns+` FROM results WHERE id = ?`, resultID)
	if err != nil {
		return nil, fmt.Errorf("get result: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %d", ErrResultNotFound, resultID)
	}
	return scanResult(rows)
}

func scanResult(rows *sql.Rows) (*models.Result, error) {
	r := &models.Result{}
	var scenarioName, provider, egoModel, superegoModel, dialogueID sql.NullString
	var errorMessage, judgeModel, judgeSummary, dims sql.NullString
	var qual, qualBlinded sql.NullString
	var temperature sql.NullFloat64
	var maxRounds sql.NullInt64
	var success, skipRubric int
	var overall, base, recognition sql.NullFloat64
	var requiredPassed, forbiddenAbsent sql.NullInt64
	var cellRecog, cellTutor, cellLearner sql.NullInt64

	err := rows.Scan(&r.ID, &r.RunID, &r.ScenarioID, &scenarioName, &r.ProfileName, &r.Attempt,
		&provider, &egoModel, &superegoModel, &temperature, &maxRounds,
		&dialogueID, &r.LatencyMS, &r.APICalls, &r.InputTokens, &r.OutputTokens,
		&success, &errorMessage, &skipRubric,
		&dims, &overall, &base, &recognition,
		&judgeModel, &requiredPassed, &forbiddenAbsent, &judgeSummary,
		&cellRecog, &cellTutor, &cellLearner,
		&qual, &qualBlinded, &r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan result: %w", err)
	}

	r.ScenarioName = scenarioName.String
	r.Provider = provider.String
	r.EgoModel = egoModel.String
	r.SuperegoModel = superegoModel.String
	r.Temperature = temperature.Float64
	r.MaxRevisionRounds = int(maxRounds.Int64)
	r.DialogueID = dialogueID.String
	r.Success = success != 0
	r.ErrorMessage = errorMessage.String
	r.SkipRubric = skipRubric != 0
	r.JudgeModel = judgeModel.String
	r.JudgeSummary = judgeSummary.String
	r.Qualitative = qual.String
	r.QualitativeBlinded = qualBlinded.String

	if dims.Valid && dims.String != "" {
		var parsed map[string]models.DimensionScore
		if err := json.Unmarshal([]byte(dims.String), &parsed); err == nil {
			r.Dimensions = parsed
		}
	}
	r.OverallScore = nullFloat(overall)
	r.BaseScore = nullFloat(base)
	r.RecognitionScore = nullFloat(recognition)
	if requiredPassed.Valid {
		v := requiredPassed.Int64 != 0
		r.RequiredPassed = &v
	}
	if forbiddenAbsent.Valid {
		v := forbiddenAbsent.Int64 != 0
		r.ForbiddenAbsent = &v
	}
	if cellRecog.Valid {
		r.Cell = &models.Cell{
			Recognition:   cellRecog.Int64 != 0,
			TutorMulti:    cellTutor.Int64 != 0,
			LearnerPsycho: cellLearner.Int64 != 0,
		}
	}
	return r, nil
}

func marshalDimensions(dims map[string]models.DimensionScore) (any, error) {
	if len(dims) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(dims)
	if err != nil {
		return nil, fmt.Errorf("marshal dimensions: %w", err)
	}
	return string(data), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableBool(b *bool) any {
	if b == nil {
		return nil
	}
	return boolInt(*b)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
