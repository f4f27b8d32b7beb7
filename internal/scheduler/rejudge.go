package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/haasonsaas/tutorbench/internal/judge"
	"github.com/haasonsaas/tutorbench/internal/observability"
	"github.com/haasonsaas/tutorbench/internal/store"
	"github.com/haasonsaas/tutorbench/pkg/models"
)

// scoreUpdate maps a verdict onto the store's score payload.
func scoreUpdate(v *judge.Verdict) store.ScoreUpdate {
	return store.ScoreUpdate{
		Dimensions:       v.Dimensions,
		OverallScore:     v.OverallScore,
		BaseScore:        v.BaseScore,
		RecognitionScore: v.RecognitionScore,
		JudgeModel:       v.JudgeModel,
		RequiredPassed:   v.RequiredPassed,
		ForbiddenAbsent:  v.ForbiddenAbsent,
		JudgeSummary:     v.Summary,
	}
}

// RejudgeSpec describes a re-scoring pass over stored transcripts.
type RejudgeSpec struct {
	RunID string

	JudgeProvider string
	JudgeModel    string

	// ScenarioID narrows the pass to one scenario; empty means the run.
	ScenarioID string

	// Overwrite updates scores in place instead of appending new rows.
	Overwrite bool
}

// RejudgeOutcome summarises a rejudge or evaluate pass.
type RejudgeOutcome struct {
	RunID      string
	Candidates int
	Judged     int
	Skipped    int
	Failed     int
}

// Rejudge re-scores the successful trials of a run from their stored
// transcripts, without re-running any dialogue. By default each new verdict
// is appended as a fresh result row so the original scores stay queryable;
// with Overwrite the latest row is updated in place.
func (s *Scheduler) Rejudge(ctx context.Context, spec RejudgeSpec) (RejudgeOutcome, error) {
	if spec.JudgeModel == "" {
		return RejudgeOutcome{}, fmt.Errorf("%w: rejudge needs a judge model", ErrConfig)
	}
	run, err := s.store.GetRun(ctx, spec.RunID)
	if err != nil {
		return RejudgeOutcome{}, err
	}
	// Judging depends on the rubric that was in effect, so the recorded
	// environment comes back before the judge or any scenario lookup.
	if err := s.restoreRunEnv(ctx, run); err != nil {
		return RejudgeOutcome{}, err
	}
	j, err := s.buildJudge(spec.JudgeProvider, spec.JudgeModel, false)
	if err != nil {
		return RejudgeOutcome{}, err
	}

	results, err := s.store.GetResults(ctx, spec.RunID, store.ResultsFilter{
		ScenarioID:  spec.ScenarioID,
		OnlySuccess: true,
	})
	if err != nil {
		return RejudgeOutcome{}, fmt.Errorf("load results: %w", err)
	}

	out := RejudgeOutcome{RunID: spec.RunID}
	ctx = context.WithValue(ctx, observability.RunIDKey, spec.RunID)
	for _, r := range latestPerTrial(results) {
		out.Candidates++
		if r.DialogueID == "" {
			s.logger.Warn(ctx, "result has no transcript; skipping",
				"result_id", r.ID, "scenario", r.ScenarioID, "profile", r.ProfileName)
			out.Skipped++
			continue
		}
		transcript, err := s.transcripts.Load(r.DialogueID)
		if err != nil {
			s.logger.Warn(ctx, "transcript unavailable; skipping",
				"result_id", r.ID, "dialogue_id", r.DialogueID, "error", err)
			out.Skipped++
			continue
		}
		sc, err := s.scenarios.Get(r.ScenarioID)
		if err != nil {
			s.logger.Warn(ctx, "scenario no longer in catalogue; skipping",
				"result_id", r.ID, "scenario", r.ScenarioID)
			out.Skipped++
			continue
		}

		verdict, err := j.Evaluate(ctx, sc, transcript)
		if err != nil {
			s.logger.Error(ctx, "rejudge failed",
				"result_id", r.ID, "dialogue_id", r.DialogueID, "error", err)
			out.Failed++
			continue
		}

		if spec.Overwrite {
			err = s.store.UpdateResultScores(ctx, r.ID, scoreUpdate(verdict))
		} else {
			fresh := *r
			fresh.ID = 0
			fresh.Dimensions = verdict.Dimensions
			fresh.OverallScore = &verdict.OverallScore
			fresh.BaseScore = &verdict.BaseScore
			fresh.RecognitionScore = &verdict.RecognitionScore
			fresh.JudgeModel = verdict.JudgeModel
			fresh.RequiredPassed = verdict.RequiredPassed
			fresh.ForbiddenAbsent = verdict.ForbiddenAbsent
			fresh.JudgeSummary = verdict.Summary
			fresh.CreatedAt = time.Now().UTC()
			_, err = s.store.StoreResult(ctx, &fresh, false)
		}
		if err != nil {
			s.logger.Error(ctx, "rejudge commit failed", "result_id", r.ID, "error", err)
			out.Failed++
			continue
		}
		out.Judged++
	}

	s.logger.Info(ctx, "rejudge finished", "judge_model", spec.JudgeModel,
		"judged", out.Judged, "skipped", out.Skipped, "failed", out.Failed)
	return out, nil
}

// EvaluateUnjudged scores the successful-but-unscored results of a run:
// trials recorded with skip-rubric, or whose original judge call failed.
// Scores always land in place on the existing row.
func (s *Scheduler) EvaluateUnjudged(ctx context.Context, spec RejudgeSpec) (RejudgeOutcome, error) {
	if spec.JudgeModel == "" {
		return RejudgeOutcome{}, fmt.Errorf("%w: evaluate needs a judge model", ErrConfig)
	}
	run, err := s.store.GetRun(ctx, spec.RunID)
	if err != nil {
		return RejudgeOutcome{}, err
	}
	if err := s.restoreRunEnv(ctx, run); err != nil {
		return RejudgeOutcome{}, err
	}
	j, err := s.buildJudge(spec.JudgeProvider, spec.JudgeModel, false)
	if err != nil {
		return RejudgeOutcome{}, err
	}

	results, err := s.store.GetResults(ctx, spec.RunID, store.ResultsFilter{
		ScenarioID:  spec.ScenarioID,
		OnlySuccess: true,
	})
	if err != nil {
		return RejudgeOutcome{}, fmt.Errorf("load results: %w", err)
	}

	out := RejudgeOutcome{RunID: spec.RunID}
	ctx = context.WithValue(ctx, observability.RunIDKey, spec.RunID)
	for _, r := range results {
		if r.Judged() {
			continue
		}
		out.Candidates++
		if r.DialogueID == "" {
			out.Skipped++
			continue
		}
		transcript, err := s.transcripts.Load(r.DialogueID)
		if err != nil {
			s.logger.Warn(ctx, "transcript unavailable; skipping",
				"result_id", r.ID, "dialogue_id", r.DialogueID, "error", err)
			out.Skipped++
			continue
		}
		sc, err := s.scenarios.Get(r.ScenarioID)
		if err != nil {
			out.Skipped++
			continue
		}

		verdict, err := j.Evaluate(ctx, sc, transcript)
		if err != nil {
			s.logger.Error(ctx, "evaluation failed", "result_id", r.ID, "error", err)
			out.Failed++
			continue
		}
		if err := s.store.UpdateResultScores(ctx, r.ID, scoreUpdate(verdict)); err != nil {
			s.logger.Error(ctx, "evaluation commit failed", "result_id", r.ID, "error", err)
			out.Failed++
			continue
		}
		out.Judged++
	}

	s.logger.Info(ctx, "evaluation finished", "judge_model", spec.JudgeModel,
		"judged", out.Judged, "skipped", out.Skipped, "failed", out.Failed)
	return out, nil
}

// latestPerTrial keeps only the newest row for each
// (scenario, profile, attempt), so superseded rejudge history is not judged
// again. GetResults returns rows in insertion order.
func latestPerTrial(results []*models.Result) []*models.Result {
	latest := make(map[string]*models.Result)
	var order []string
	for _, r := range results {
		key := fmt.Sprintf("%s/%s/%d", r.ScenarioID, r.ProfileName, r.Attempt)
		if _, seen := latest[key]; !seen {
			order = append(order, key)
		}
		latest[key] = r
	}
	out := make([]*models.Result, 0, len(order))
	for _, key := range order {
		out = append(out, latest[key])
	}
	return out
}
